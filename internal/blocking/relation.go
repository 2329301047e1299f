package blocking

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/golang-collections/collections/queue"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"chat-sync/internal/models"
	"chat-sync/internal/repositories"
)

// Relation is the local user's block list. Membership is cached in memory,
// persisted through the repository and every change is broadcast as a
// models.BlockEvent.
type Relation struct {
	repo repositories.BlockedUserRepository
	now  func() time.Time

	mu      sync.RWMutex
	blocked map[string]models.BlockedUser
	subs    map[*subscriber]struct{}
}

// NewRelation constructs an empty Relation. Call Load to read the persisted
// block list.
func NewRelation(repo repositories.BlockedUserRepository) *Relation {
	return &Relation{
		repo:    repo,
		now:     time.Now,
		blocked: make(map[string]models.BlockedUser),
		subs:    make(map[*subscriber]struct{}),
	}
}

// Load replaces the cached block list with the persisted one.
func (r *Relation) Load(ctx context.Context) error {
	users, err := r.repo.ListBlockedUsers(ctx)
	if err != nil {
		return errors.Wrap(err, "load blocked users")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blocked = make(map[string]models.BlockedUser, len(users))
	for _, u := range users {
		r.blocked[u.UserID] = u
	}
	jww.INFO.Printf("[Blocking] loaded %d blocked users", len(users))
	return nil
}

func (r *Relation) IsBlocked(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.blocked[userID]
	return ok
}

// List returns the block list ordered by block time.
func (r *Relation) List() []models.BlockedUser {
	r.mu.RLock()
	users := make([]models.BlockedUser, 0, len(r.blocked))
	for _, u := range r.blocked {
		users = append(users, u)
	}
	r.mu.RUnlock()
	sort.Slice(users, func(i, j int) bool { return users[i].BlockedAt.Before(users[j].BlockedAt) })
	return users
}

// Block adds userID to the block list. Blocking an already blocked user is a
// no-op and emits nothing.
func (r *Relation) Block(ctx context.Context, userID string) error {
	if userID == "" {
		return errors.New("block: empty user id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.blocked[userID]; ok {
		return nil
	}
	user := models.BlockedUser{UserID: userID, BlockedAt: r.now()}
	if err := r.repo.SaveBlockedUser(ctx, user); err != nil {
		return errors.Wrapf(err, "block %s", userID)
	}
	r.blocked[userID] = user
	r.broadcast(models.BlockEvent{Kind: models.BlockEventBlock, UserID: userID, At: user.BlockedAt})
	return nil
}

// Unblock removes userID from the block list and returns the unblock time.
// Unblocking a user who is not blocked is a no-op.
func (r *Relation) Unblock(ctx context.Context, userID string) (time.Time, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.blocked[userID]; !ok {
		return time.Time{}, false, nil
	}
	if err := r.repo.DeleteBlockedUser(ctx, userID); err != nil {
		return time.Time{}, false, errors.Wrapf(err, "unblock %s", userID)
	}
	delete(r.blocked, userID)
	at := r.now()
	r.broadcast(models.BlockEvent{Kind: models.BlockEventUnblock, UserID: userID, At: at})
	return at, true, nil
}

// Events streams block list changes in the order they were made. Every
// subscriber has its own unbounded queue so no event is ever dropped.
func (r *Relation) Events(ctx context.Context) <-chan models.BlockEvent {
	sub := &subscriber{
		pending: queue.New(),
		signal:  make(chan struct{}, 1),
		out:     make(chan models.BlockEvent),
	}
	r.mu.Lock()
	r.subs[sub] = struct{}{}
	r.mu.Unlock()

	go func() {
		defer close(sub.out)
		defer func() {
			r.mu.Lock()
			delete(r.subs, sub)
			r.mu.Unlock()
		}()
		sub.pump(ctx)
	}()
	return sub.out
}

// broadcast must be called with r.mu held.
func (r *Relation) broadcast(event models.BlockEvent) {
	jww.INFO.Printf("[Blocking] %s user=%s", event.Kind, event.UserID)
	for sub := range r.subs {
		sub.push(event)
	}
}

type subscriber struct {
	mu      sync.Mutex
	pending *queue.Queue
	signal  chan struct{}
	out     chan models.BlockEvent
}

func (s *subscriber) push(event models.BlockEvent) {
	s.mu.Lock()
	s.pending.Enqueue(event)
	s.mu.Unlock()
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *subscriber) pop() (models.BlockEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending.Len() == 0 {
		return models.BlockEvent{}, false
	}
	return s.pending.Dequeue().(models.BlockEvent), true
}

func (s *subscriber) pump(ctx context.Context) {
	for {
		event, ok := s.pop()
		if !ok {
			select {
			case <-s.signal:
				continue
			case <-ctx.Done():
				return
			}
		}
		select {
		case s.out <- event:
		case <-ctx.Done():
			return
		}
	}
}
