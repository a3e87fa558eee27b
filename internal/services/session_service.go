// Package services – SessionService
//
// This file implements SessionService, the read/close side of session
// management: paginated listing of a user's sessions, paginated message
// history, and explicit session close. All reads enforce ownership so one
// user can never page through another user's conversations.
package services

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/marshee/dogcare-backend/internal/domain"
	"github.com/marshee/dogcare-backend/internal/repo"
)

// SessionService provides session listing, history, and close operations.
type SessionService struct {
	DB *gorm.DB

	// PageSizeDefault and PageSizeMax bound pagination; zero values fall
	// back to 20 and 100.
	PageSizeDefault int
	PageSizeMax     int
}

// ListPage returns one page of the user's sessions, most recently active
// first, plus the total count.
func (s *SessionService) ListPage(ctx context.Context, userID string, page, pageSize int) ([]domain.Session, int64, error) {
	tr := otel.Tracer("services/SessionService")
	ctx, span := tr.Start(ctx, "ListPage",
		trace.WithAttributes(
			attribute.String("user.id", userID),
			attribute.Int("page", page),
			attribute.Int("page_size", pageSize),
		),
	)
	defer span.End()

	page, pageSize = s.clampPage(page, pageSize)
	offset := (page - 1) * pageSize

	total, err := repo.CountSessions(ctx, s.DB, userID)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.Session{}, 0, nil
	}

	items, err := repo.ListSessionsPage(ctx, s.DB, userID, offset, pageSize)
	return items, total, err
}

// Messages returns one chronological page of a session's log, enforcing
// ownership.
func (s *SessionService) Messages(ctx context.Context, userID, sessionID string, page, pageSize int) ([]domain.Message, int64, error) {
	tr := otel.Tracer("services/SessionService")
	ctx, span := tr.Start(ctx, "Messages",
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.String("user.id", userID),
		),
	)
	defer span.End()

	if _, err := s.owned(ctx, userID, sessionID); err != nil {
		return nil, 0, err
	}

	page, pageSize = s.clampPage(page, pageSize)
	offset := (page - 1) * pageSize

	total, err := repo.CountMessages(s.DB.WithContext(ctx), sessionID)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.Message{}, 0, nil
	}

	items, err := repo.ListMessagesPage(s.DB.WithContext(ctx), sessionID, offset, pageSize)
	return items, total, err
}

// Close marks a session inactive. Closing an already-closed session is a
// no-op success.
func (s *SessionService) Close(ctx context.Context, userID, sessionID string) error {
	tr := otel.Tracer("services/SessionService")
	ctx, span := tr.Start(ctx, "Close",
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.String("user.id", userID),
		),
	)
	defer span.End()

	if _, err := s.owned(ctx, userID, sessionID); err != nil {
		return err
	}
	err := repo.CloseSession(ctx, s.DB, sessionID, userID)
	if errors.Is(err, repo.ErrNotFound) {
		return ErrSessionNotFound
	}
	return err
}

// Stats summarizes the user's session collection for conditional GETs.
func (s *SessionService) Stats(ctx context.Context, userID string) (repo.Stats, error) {
	return repo.SessionsStats(ctx, s.DB, userID)
}

// MessageStats summarizes a session's log for conditional GETs, enforcing
// ownership.
func (s *SessionService) MessageStats(ctx context.Context, userID, sessionID string) (repo.Stats, error) {
	if _, err := s.owned(ctx, userID, sessionID); err != nil {
		return repo.Stats{}, err
	}
	return repo.MessagesStats(ctx, s.DB, sessionID)
}

// owned loads a session and verifies it belongs to userID.
func (s *SessionService) owned(ctx context.Context, userID, sessionID string) (*domain.Session, error) {
	sess, err := repo.GetSession(ctx, s.DB, sessionID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	if sess.UserID != userID {
		return nil, ErrForbidden
	}
	return sess, nil
}

func (s *SessionService) clampPage(page, pageSize int) (int, int) {
	def, max := s.PageSizeDefault, s.PageSizeMax
	if def <= 0 {
		def = 20
	}
	if max <= 0 {
		max = 100
	}
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = def
	}
	if pageSize > max {
		pageSize = max
	}
	return page, pageSize
}
