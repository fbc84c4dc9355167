package auth

import (
	"context"
	"time"

	"lesson-service/internal/metrics"

	"github.com/uptrace/bun"
)

type Repository struct {
	db      bun.IDB
	metrics *metrics.Metrics
}

func NewRepository(db bun.IDB, m *metrics.Metrics) *Repository {
	return &Repository{
		db:      db,
		metrics: m,
	}
}

// CreateRefreshToken stores a new refresh token
func (r *Repository) CreateRefreshToken(ctx context.Context, userID int, token string, expiresAt time.Time) error {
	start := time.Now()
	refreshToken := &RefreshToken{
		UserID:    userID,
		Token:     token,
		ExpiresAt: expiresAt,
	}

	_, err := r.db.NewInsert().Model(refreshToken).Exec(ctx)

	r.metrics.RecordQuery(ctx, "insert", "refresh_tokens", time.Since(start), err)

	return err
}

// GetRefreshToken retrieves a non-expired refresh token by token string
func (r *Repository) GetRefreshToken(ctx context.Context, token string) (*RefreshToken, error) {
	start := time.Now()
	refreshToken := &RefreshToken{}
	err := r.db.NewSelect().
		Model(refreshToken).
		Where("token = ?", token).
		Where("expires_at > ?", time.Now()).
		Scan(ctx)

	r.metrics.RecordQuery(ctx, "select", "refresh_tokens", time.Since(start), err)

	if err != nil {
		return nil, err
	}

	return refreshToken, nil
}

// DeleteRefreshToken removes a refresh token (for logout)
func (r *Repository) DeleteRefreshToken(ctx context.Context, token string) error {
	start := time.Now()
	_, err := r.db.NewDelete().
		Model((*RefreshToken)(nil)).
		Where("token = ?", token).
		Exec(ctx)

	r.metrics.RecordQuery(ctx, "delete", "refresh_tokens", time.Since(start), err)

	return err
}

// DeleteAllUserTokens removes every refresh token of a user
func (r *Repository) DeleteAllUserTokens(ctx context.Context, userID int) error {
	start := time.Now()
	_, err := r.db.NewDelete().
		Model((*RefreshToken)(nil)).
		Where("user_id = ?", userID).
		Exec(ctx)

	r.metrics.RecordQuery(ctx, "delete", "refresh_tokens", time.Since(start), err)

	return err
}
