package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/marshee/dogcare-backend/internal/domain"
)

// DefaultIdempotencyTTL bounds how long a recorded turn result can be
// replayed before the key is considered expired.
const DefaultIdempotencyTTL = 24 * time.Hour

// LookupIdempotency returns the recorded turn result for
// (userID, sessionID, key), or ErrNotFound when absent or expired.
// Expired rows are treated as missing but not deleted here; the janitor
// handles cleanup.
func LookupIdempotency(ctx context.Context, db *gorm.DB, userID, sessionID, key string) (*domain.Idempotency, error) {
	var rec domain.Idempotency
	err := db.WithContext(ctx).
		Where("user_id = ? AND session_id = ? AND key = ?", userID, sessionID, key).
		First(&rec).Error
	if err != nil {
		return nil, err
	}
	if time.Now().UTC().After(rec.ExpiresAt) {
		return nil, ErrNotFound
	}
	return &rec, nil
}

// SaveIdempotency records the outcome of a processed turn so that a retry
// with the same key replays the stored message instead of re-running the
// turn. A concurrent duplicate insert is not an error; the first write
// wins and the caller's lookup will find it.
func SaveIdempotency(ctx context.Context, db *gorm.DB, userID, sessionID, key, messageID string, status int, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	now := time.Now().UTC()
	rec := &domain.Idempotency{
		ID:        uuid.NewString(),
		UserID:    userID,
		SessionID: sessionID,
		Key:       key,
		MessageID: messageID,
		Status:    status,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	err := db.WithContext(ctx).Create(rec).Error
	if err != nil && isUniqueViolation(err) {
		return nil
	}
	return err
}

// PurgeExpiredIdempotency deletes idempotency rows whose TTL has lapsed
// and returns how many were removed.
func PurgeExpiredIdempotency(ctx context.Context, db *gorm.DB) (int64, error) {
	res := db.WithContext(ctx).
		Where("expires_at < ?", time.Now().UTC()).
		Delete(&domain.Idempotency{})
	return res.RowsAffected, res.Error
}
