// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides the session store consumed by the
// turn orchestrator.
//
// All functions are context-aware and accept a *gorm.DB handle, making
// them safe for use within transactions. They follow the "thin repository"
// approach: no business logic, only CRUD persistence and the optimistic
// concurrency check.
//
// Error semantics:
//   - Missing sessions surface as ErrNotFound (gorm.ErrRecordNotFound).
//   - A stale write (the row's version moved past the caller's read)
//     surfaces as ErrVersionConflict; nothing is written in that case.
//   - Other DB errors propagate raw.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/marshee/dogcare-backend/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the service layer and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

// ErrVersionConflict is returned by CompareAndSaveSession when the stored
// row's version no longer matches the version the caller read. It is the
// signal that a concurrent turn won the race for this session.
var ErrVersionConflict = errors.New("session version conflict")

// CreateSession inserts a fresh session for userID in the initial stage.
func CreateSession(ctx context.Context, db *gorm.DB, userID string) (*domain.Session, error) {
	now := time.Now().UTC()
	s := &domain.Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		Stage:     domain.StageAwaitingBreedImage,
		IsActive:  true,
		Version:   0,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := db.WithContext(ctx).Create(s).Error; err != nil {
		return nil, err
	}
	return s, nil
}

// GetSession fetches a session by ID, or ErrNotFound.
func GetSession(ctx context.Context, db *gorm.DB, id string) (*domain.Session, error) {
	var s domain.Session
	if err := db.WithContext(ctx).Where("id = ?", id).First(&s).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

// CompareAndSaveSession persists the mutable session fields if and only if
// the stored row still carries expectedVersion. On success the row's
// version is incremented and s.Version is updated to match. When the
// version moved, ErrVersionConflict is returned and nothing is written;
// when the row vanished, ErrNotFound.
func CompareAndSaveSession(ctx context.Context, db *gorm.DB, s *domain.Session, expectedVersion int64) error {
	now := time.Now().UTC()
	res := db.WithContext(ctx).
		Model(&domain.Session{}).
		Where("id = ? AND version = ?", s.ID, expectedVersion).
		Updates(map[string]any{
			"stage":                s.Stage,
			"dog_breed":            s.DogBreed,
			"breed_confidence":     s.BreedConfidence,
			"health_condition":     s.HealthCondition,
			"condition_confidence": s.ConditionConfidence,
			"is_active":            s.IsActive,
			"updated_at":           now,
			"version":              expectedVersion + 1,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		// Distinguish a lost race from a deleted session.
		var count int64
		if err := db.WithContext(ctx).Model(&domain.Session{}).Where("id = ?", s.ID).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return ErrNotFound
		}
		return ErrVersionConflict
	}
	s.Version = expectedVersion + 1
	s.UpdatedAt = now
	return nil
}

// CloseSession marks a session inactive, enforcing user ownership.
// Returns ErrNotFound when the session does not exist or is not owned by
// userID.
func CloseSession(ctx context.Context, db *gorm.DB, id, userID string) error {
	res := db.WithContext(ctx).
		Model(&domain.Session{}).
		Where("id = ? AND user_id = ?", id, userID).
		Updates(map[string]any{"is_active": false, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// CountSessions returns the total number of sessions owned by userID.
func CountSessions(ctx context.Context, db *gorm.DB, userID string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).
		Model(&domain.Session{}).
		Where("user_id = ?", userID).
		Count(&total).Error
	return total, err
}

// ListSessionsPage returns a paginated slice of sessions for userID,
// ordered by most recent activity first.
func ListSessionsPage(ctx context.Context, db *gorm.DB, userID string, offset, limit int) ([]domain.Session, error) {
	var out []domain.Session
	err := db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("updated_at desc").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// ExpireIdleSessions marks every active session whose last activity is
// older than cutoff as inactive and returns how many rows were flipped.
// Used by the idle-session janitor; the policy (the TTL) lives in config,
// not here.
func ExpireIdleSessions(ctx context.Context, db *gorm.DB, cutoff time.Time) (int64, error) {
	res := db.WithContext(ctx).
		Model(&domain.Session{}).
		Where("is_active = ? AND updated_at < ?", true, cutoff).
		Update("is_active", false)
	return res.RowsAffected, res.Error
}
