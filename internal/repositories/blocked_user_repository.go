package repositories

import (
	"context"

	"github.com/jmoiron/sqlx"

	"chat-sync/internal/models"
)

// BlockedUserRepo is a sqlx implementation of BlockedUserRepository.
type BlockedUserRepo struct {
	db *sqlx.DB
}

// NewBlockedUserRepo constructs a BlockedUserRepo.
func NewBlockedUserRepo(db *sqlx.DB) *BlockedUserRepo {
	return &BlockedUserRepo{db: db}
}

// ListBlockedUsers returns the block list ordered by block time.
func (r *BlockedUserRepo) ListBlockedUsers(ctx context.Context) ([]models.BlockedUser, error) {
	var users []models.BlockedUser
	err := r.db.SelectContext(ctx, &users, `SELECT user_id, blocked_at FROM blocked_users ORDER BY blocked_at ASC`)
	return users, err
}

// SaveBlockedUser records a block, keeping the original block time when the
// user is already blocked.
func (r *BlockedUserRepo) SaveBlockedUser(ctx context.Context, user models.BlockedUser) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO blocked_users (user_id, blocked_at) VALUES ($1, $2)
        ON CONFLICT (user_id) DO NOTHING`, user.UserID, user.BlockedAt)
	return err
}

// DeleteBlockedUser removes a block.
func (r *BlockedUserRepo) DeleteBlockedUser(ctx context.Context, userID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM blocked_users WHERE user_id=$1`, userID)
	return err
}
