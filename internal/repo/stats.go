package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/marshee/dogcare-backend/internal/domain"
)

// Stats carries a row count plus the newest update timestamp for a
// collection. Handlers derive ETags and Last-Modified headers from it so
// unchanged list responses can be answered with 304.
type Stats struct {
	Count      int64
	LastUpdate time.Time
}

// SessionsStats summarizes a user's session collection.
func SessionsStats(ctx context.Context, db *gorm.DB, userID string) (Stats, error) {
	var st Stats
	row := db.WithContext(ctx).
		Model(&domain.Session{}).
		Where("user_id = ?", userID).
		Select("COUNT(*) AS count, COALESCE(MAX(updated_at), '0001-01-01 00:00:00') AS last_update").
		Row()
	if err := row.Scan(&st.Count, &st.LastUpdate); err != nil {
		return Stats{}, err
	}
	return st, nil
}

// MessagesStats summarizes a session's message log. Messages are
// append-only so the newest created_at is the collection's last change.
func MessagesStats(ctx context.Context, db *gorm.DB, sessionID string) (Stats, error) {
	var st Stats
	row := db.WithContext(ctx).
		Model(&domain.Message{}).
		Where("session_id = ?", sessionID).
		Select("COUNT(*) AS count, COALESCE(MAX(created_at), '0001-01-01 00:00:00') AS last_update").
		Row()
	if err := row.Scan(&st.Count, &st.LastUpdate); err != nil {
		return Stats{}, err
	}
	return st, nil
}

// isUniqueViolation reports whether err came from a unique-constraint
// breach. GORM translates this for some dialects; the SQLite driver's
// message is matched as a fallback.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
