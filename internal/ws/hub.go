package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	jww "github.com/spf13/jwalterweatherman"

	"chat-sync/internal/models"
	"chat-sync/internal/observability"
)

const (
	KindConversations = "conversations"
	KindMessages      = "messages"

	writeWait = 10 * time.Second
)

// Source provides the live snapshots pushed to websocket clients.
type Source interface {
	UserID() string
	Conversation(ctx context.Context, conversationID string) (models.Conversation, error)
	ConversationsWithLastMessage(ctx context.Context) <-chan []models.ConversationMessage
	WatchMessages(ctx context.Context, conversationID string) <-chan []models.Message
}

// Publisher ships websocket lifecycle events to the broker.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any, headers map[string]string) error
}

// room is one shared snapshot stream and the connections reading it.
type room struct {
	kind       string
	resourceID string
	cancel     context.CancelFunc
	clients    map[*websocket.Conn]ConnInfo

	// sendMu orders every write in the room.
	sendMu sync.Mutex
	last   []byte
}

// Hub maintains active websocket rooms. Each room holds a single
// subscription to the source, opened by the first client and closed when
// the last one leaves.
type Hub struct {
	source    Source
	publisher Publisher
	rooms     map[string]*room
	mu        sync.Mutex
}

// NewHub creates an empty hub. publisher may be nil.
func NewHub(source Source, publisher Publisher) *Hub {
	return &Hub{
		source:    source,
		publisher: publisher,
		rooms:     make(map[string]*room),
	}
}

func roomKey(kind, resourceID string) string {
	return kind + ":" + resourceID
}

// AddClient registers conn in the room for kind and resourceID and sends it
// the latest snapshot of that room.
func (h *Hub) AddClient(kind, resourceID string, conn *websocket.Conn, info ConnInfo) {
	key := roomKey(kind, resourceID)

	h.mu.Lock()
	r, ok := h.rooms[key]
	if !ok {
		ctx, cancel := context.WithCancel(context.Background())
		r = &room{kind: kind, resourceID: resourceID, cancel: cancel, clients: make(map[*websocket.Conn]ConnInfo)}
		h.rooms[key] = r
		go h.pump(ctx, key, r, h.open(ctx, kind, resourceID))
	}
	r.clients[conn] = info
	h.mu.Unlock()

	r.sendMu.Lock()
	defer r.sendMu.Unlock()
	if r.last != nil {
		if err := write(conn, r.last); err != nil {
			h.dropLocked(key, r, conn, err)
		}
	}
}

// RemoveClient removes conn and closes the room subscription when it was
// the last client.
func (h *Hub) RemoveClient(kind, resourceID string, conn *websocket.Conn) {
	h.remove(roomKey(kind, resourceID), conn)
}

func (h *Hub) remove(key string, conn *websocket.Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[key]
	if !ok {
		return false
	}
	if _, ok := r.clients[conn]; !ok {
		return false
	}
	delete(r.clients, conn)
	if len(r.clients) == 0 {
		r.cancel()
		if h.rooms[key] == r {
			delete(h.rooms, key)
		}
	}
	return true
}

// Rooms returns the number of open rooms.
func (h *Hub) Rooms() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}

func (h *Hub) open(ctx context.Context, kind, resourceID string) <-chan any {
	if kind == KindMessages {
		return forward(ctx, h.source.WatchMessages(ctx, resourceID), func(msgs []models.Message) any {
			return observability.EventEnvelope{
				EventType: KindMessages,
				EventName: "snapshot",
				Payload:   fields{"conversation_id": resourceID, "messages": msgs},
			}
		})
	}
	return forward(ctx, h.source.ConversationsWithLastMessage(ctx), func(list []models.ConversationMessage) any {
		return observability.EventEnvelope{
			EventType: KindConversations,
			EventName: "snapshot",
			Payload:   fields{"conversations": list},
		}
	})
}

type fields = map[string]interface{}

func forward[T any](ctx context.Context, in <-chan T, wrap func(T) any) <-chan any {
	out := make(chan any)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case v, ok := <-in:
				if !ok {
					return
				}
				select {
				case out <- wrap(v):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// pump broadcasts every snapshot of the room. When the source ends before
// the room is released, the remaining clients are closed.
func (h *Hub) pump(ctx context.Context, key string, r *room, snapshots <-chan any) {
	for event := range snapshots {
		payload, err := json.Marshal(event)
		if err != nil {
			jww.ERROR.Printf("[WS] marshal %s snapshot: %v", key, err)
			continue
		}
		h.broadcast(key, r, payload)
	}
	if ctx.Err() != nil {
		return
	}

	jww.INFO.Printf("[WS] stream for %s ended", key)
	h.mu.Lock()
	if h.rooms[key] == r {
		delete(h.rooms, key)
	}
	h.mu.Unlock()

	r.sendMu.Lock()
	defer r.sendMu.Unlock()
	for conn := range h.snapshotClients(r) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "stream ended"), time.Now().Add(writeWait))
		conn.Close()
	}
}

func (h *Hub) broadcast(key string, r *room, payload []byte) {
	r.sendMu.Lock()
	defer r.sendMu.Unlock()
	r.last = payload
	for conn := range h.snapshotClients(r) {
		if err := write(conn, payload); err != nil {
			h.dropLocked(key, r, conn, err)
		}
	}
}

func (h *Hub) snapshotClients(r *room) map[*websocket.Conn]ConnInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[*websocket.Conn]ConnInfo, len(r.clients))
	for conn, info := range r.clients {
		out[conn] = info
	}
	return out
}

// dropLocked is called with r.sendMu held.
func (h *Hub) dropLocked(key string, r *room, conn *websocket.Conn, err error) {
	jww.WARN.Printf("[WS] write to %s failed: %v", key, err)
	h.mu.Lock()
	info, ok := r.clients[conn]
	h.mu.Unlock()
	conn.Close()
	if !ok {
		return
	}
	h.PublishEvent(context.Background(), r.kind, r.resourceID, "ws_error", info, err.Error())
}

func write(conn *websocket.Conn, payload []byte) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, payload)
}

// PublishEvent records a websocket lifecycle event and ships it to the
// broker when one is configured.
func (h *Hub) PublishEvent(ctx context.Context, kind, resourceID, event string, info ConnInfo, reason string) {
	observability.IncWSEvent(kind, event)
	if h.publisher == nil {
		return
	}

	payload := fields{
		"ws": fields{
			"kind":        kind,
			"resource_id": resourceID,
			"event":       event,
			"conn_id":     info.ConnID,
			"duration_ms": time.Since(info.ConnectedAt).Milliseconds(),
			"reason":      reason,
		},
		"identity": fields{
			"user_id": info.UserID,
			"ip":      info.IP,
		},
	}
	headers := observability.BuildHeaders(info.RequestID, info.TraceID)
	if err := h.publisher.Publish(ctx, wsRoutingKey(kind), observability.EventEnvelope{
		EventType: "ws_events",
		EventName: event,
		Payload:   payload,
	}, headers); err != nil {
		jww.WARN.Printf("[WS] publish %s: %v", event, err)
	}
}

func wsRoutingKey(kind string) string {
	if kind == KindMessages {
		return "ws_events.messages"
	}
	return "ws_events.conversations"
}
