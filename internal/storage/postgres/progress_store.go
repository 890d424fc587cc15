package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/meerkat/internal/progress"
)

// ProgressStore keeps scan progress in the scan_progress table so every API
// replica sees the same status. Expired rows read as idle and are replaced by
// the next write.
type ProgressStore struct {
	pool dbPool
	now  func() time.Time
}

var _ progress.Store = (*ProgressStore)(nil)

// NewProgressStore wraps a pool.
func NewProgressStore(pool dbPool) (*ProgressStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	return &ProgressStore{pool: pool, now: time.Now}, nil
}

// Put upserts the status with an expiry ttl from now.
func (s *ProgressStore) Put(ctx context.Context, status progress.Status, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = progress.DefaultTTL
	}
	updated := status.UpdatedAt
	if updated.IsZero() {
		updated = s.now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO scan_progress (target_id, state, step, message, detail, updated_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (target_id) DO UPDATE SET
	state = EXCLUDED.state,
	step = EXCLUDED.step,
	message = EXCLUDED.message,
	detail = EXCLUDED.detail,
	updated_at = EXCLUDED.updated_at,
	expires_at = EXCLUDED.expires_at`,
		status.TargetID,
		string(status.State),
		status.Step,
		status.Message,
		status.Detail,
		updated,
		s.now().UTC().Add(ttl),
	)
	if err != nil {
		return fmt.Errorf("put progress: %w", err)
	}
	return nil
}

// Get returns the unexpired status or idle.
func (s *ProgressStore) Get(ctx context.Context, targetID int64) (progress.Status, error) {
	var (
		state  string
		status progress.Status
	)
	err := s.pool.QueryRow(ctx, `
SELECT state, detail, updated_at FROM scan_progress
WHERE target_id = $1 AND expires_at > $2`, targetID, s.now().UTC()).Scan(&state, &status.Detail, &status.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return progress.Idle(targetID), nil
	}
	if err != nil {
		return progress.Status{}, fmt.Errorf("get progress: %w", err)
	}
	parsed, err := progress.ParseState(state)
	if err != nil {
		return progress.Status{}, fmt.Errorf("get progress: %w", err)
	}
	return progress.NewStatus(targetID, parsed, status.Detail, status.UpdatedAt), nil
}

// Purge deletes expired rows.
func (s *ProgressStore) Purge(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM scan_progress WHERE expires_at <= $1`, s.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("purge progress: %w", err)
	}
	return tag.RowsAffected(), nil
}
