// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides the append-only message log.
//
// Messages are immutable once written: there is no update or delete path
// here on purpose. AppendMessage is designed to run inside the turn
// transaction so the log stays consistent with the session row.
package repo

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/marshee/dogcare-backend/internal/domain"
)

// AppendMessage inserts one message into the log. It fills in the ID and
// CreatedAt when the caller left them zero. The passed db may be a
// transaction handle.
func AppendMessage(db *gorm.DB, m *domain.Message) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	return db.Create(m).Error
}

// ListRecentMessages returns the last n messages of a session in
// chronological order (oldest first). Used to build the generation
// context window.
func ListRecentMessages(db *gorm.DB, sessionID string, n int) ([]domain.Message, error) {
	var recent []domain.Message
	err := db.
		Where("session_id = ?", sessionID).
		Order("created_at desc, id desc").
		Limit(n).
		Find(&recent).Error
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(recent)-1; i < j; i, j = i+1, j-1 {
		recent[i], recent[j] = recent[j], recent[i]
	}
	return recent, nil
}

// CountMessages returns the total number of messages in a session.
func CountMessages(db *gorm.DB, sessionID string) (int64, error) {
	var total int64
	err := db.Model(&domain.Message{}).
		Where("session_id = ?", sessionID).
		Count(&total).Error
	return total, err
}

// ListMessagesPage returns a chronological page of a session's log for
// the history endpoint.
func ListMessagesPage(db *gorm.DB, sessionID string, offset, limit int) ([]domain.Message, error) {
	var out []domain.Message
	err := db.
		Where("session_id = ?", sessionID).
		Order("created_at asc, id asc").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// GetMessage fetches a single message by ID, or ErrNotFound.
func GetMessage(db *gorm.DB, id string) (*domain.Message, error) {
	var m domain.Message
	if err := db.Where("id = ?", id).First(&m).Error; err != nil {
		return nil, err
	}
	return &m, nil
}
