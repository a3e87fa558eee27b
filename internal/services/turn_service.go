// Package services – TurnService
//
// This file implements TurnService, the turn orchestrator. It is the only
// component permitted to mutate a session: it validates the turn payload,
// loads or lazily creates the session, consults the stage machine, performs
// at most one capability call under a bounded deadline, merges the result
// into session state, and persists the stage advance together with both
// messages in one transaction guarded by optimistic versioning.
//
// Failure semantics: a capability failure leaves the session exactly as it
// was before the turn began; the attempt is recorded in the message log for
// audit. A lost optimistic-concurrency race surfaces as
// ErrConcurrentModification and commits nothing.
//
// Observability: public methods are OpenTelemetry-instrumented; spans carry
// session/user identifiers and the resolved stage transition.
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/marshee/dogcare-backend/internal/capabilities"
	"github.com/marshee/dogcare-backend/internal/conversation"
	"github.com/marshee/dogcare-backend/internal/domain"
	"github.com/marshee/dogcare-backend/internal/repo"
)

const (
	defaultHistoryWindow     = 6
	defaultCapabilityTimeout = 30 * time.Second
)

// TurnInput is one inbound user turn. Exactly one of Image, Text, and
// Selection must be set.
type TurnInput struct {
	SessionID      string
	Image          []byte
	Text           string
	Selection      string
	IdempotencyKey string
}

// Kind returns the input kind the turn carries, or ErrMalformedTurn when
// the exactly-one-of rule is violated.
func (in TurnInput) Kind() (domain.InputKind, error) {
	var (
		n    int
		kind domain.InputKind
	)
	if len(in.Image) > 0 {
		n, kind = n+1, domain.InputImage
	}
	if strings.TrimSpace(in.Text) != "" {
		n, kind = n+1, domain.InputText
	}
	if strings.TrimSpace(in.Selection) != "" {
		n, kind = n+1, domain.InputSelection
	}
	if n != 1 {
		return domain.InputNone, ErrMalformedTurn
	}
	return kind, nil
}

// TurnResult is the orchestrator's answer to one accepted turn.
type TurnResult struct {
	Session   *domain.Session
	Reply     *domain.Message
	Detection *capabilities.Detection
	Replayed  bool
}

// TurnService coordinates sessions, the stage machine, and capability
// calls. All fields except DB and the three capability ports are optional
// and fall back to defaults.
type TurnService struct {
	DB         *gorm.DB
	Classifier capabilities.Classifier
	Retriever  capabilities.Retriever
	Generator  capabilities.Generator

	// Namespace is the knowledge namespace queried for answer generation.
	Namespace string
	// HistoryWindow bounds the number of prior messages handed to the
	// generator as context.
	HistoryWindow int
	// CapabilityTimeout bounds each capability call.
	CapabilityTimeout time.Duration
	// IdempotencyTTL bounds replay of recorded turn results.
	IdempotencyTTL time.Duration
}

// labelCaser canonicalizes detected labels ("golden retriever" ->
// "Golden Retriever") for session fields and response text.
var labelCaser = cases.Title(language.English)

// Process executes one turn end to end. See the package comment for the
// contract; every returned error is terminal for this turn.
func (s *TurnService) Process(ctx context.Context, userID string, in TurnInput) (*TurnResult, error) {
	tr := otel.Tracer("services/TurnService")
	ctx, span := tr.Start(ctx, "Process",
		trace.WithAttributes(
			attribute.String("session.id", in.SessionID),
			attribute.String("user.id", userID),
		),
	)
	defer span.End()

	kind, err := in.Kind()
	if err != nil {
		return nil, err
	}

	if res, ok := s.replay(ctx, userID, in); ok {
		return res, nil
	}

	sess, err := s.resolveSession(ctx, userID, in.SessionID)
	if err != nil {
		return nil, err
	}
	expectedVersion := sess.Version

	action, next, err := conversation.Next(sess.Stage, kind, domain.ServiceChoice(in.Selection))
	if err != nil {
		return nil, err
	}
	span.SetAttributes(
		attribute.String("turn.action", action.String()),
		attribute.String("stage.from", string(sess.Stage)),
		attribute.String("stage.to", string(next)),
	)

	inbound := inboundMessage(sess.ID, userID, kind, in)

	var (
		det       *capabilities.Detection
		replyText string
		replyKind = domain.MessageText
	)
	switch action {
	case conversation.ActionClassifyBreed:
		det, err = s.classify(ctx, in.Image, capabilities.ModelBreed)
		if err != nil {
			s.auditFailure(ctx, sess, userID, inbound, err)
			return nil, err
		}
		label := labelCaser.String(det.Label)
		sess.DogBreed = &label
		sess.BreedConfidence = &det.Confidence
		replyKind = domain.MessageDetection
		replyText = fmt.Sprintf(
			"Breed detected: %s (%.0f%% confidence). Would you like disease detection or general chat about your dog's health?",
			label, det.Confidence*100)

	case conversation.ActionClassifyCondition:
		det, err = s.classify(ctx, in.Image, capabilities.ModelDisease)
		if err != nil {
			s.auditFailure(ctx, sess, userID, inbound, err)
			return nil, err
		}
		label := labelCaser.String(det.Label)
		sess.HealthCondition = &label
		sess.ConditionConfidence = &det.Confidence
		replyKind = domain.MessageDetection
		replyText = fmt.Sprintf(
			"Condition detected: %s (%.0f%% confidence). This is not a veterinary diagnosis. You can now ask me anything about caring for your dog.",
			label, det.Confidence*100)

	case conversation.ActionAnswer:
		replyText, err = s.answer(ctx, sess, in.Text)
		if err != nil {
			s.auditFailure(ctx, sess, userID, inbound, err)
			return nil, err
		}

	case conversation.ActionNone:
		// Service-choice routing; no capability call.
		if domain.ServiceChoice(in.Selection) == domain.ChoiceDiseaseDetection {
			replyText = "Please upload a photo of the affected area so I can take a look."
		} else {
			replyText = "Great, ask me anything about your dog's health and care."
		}
	}

	sess.Stage = next
	outbound := &domain.Message{
		SessionID:     sess.ID,
		UserID:        userID,
		IsUserMessage: false,
		Kind:          replyKind,
		Content:       replyText,
	}
	if det != nil {
		model := string(modelForAction(action))
		outbound.DetectionModel = &model
		outbound.DetectionLabel = strPtr(labelCaser.String(det.Label))
		outbound.DetectionConfidence = &det.Confidence
		outbound.DetectionLatencyMs = &det.LatencyMs
	}

	// Stage advance, merged fields, and both messages commit together or
	// not at all. Routing-only turns advance the stage without touching
	// the log: the log records capability work, not menu navigation.
	logged := action != conversation.ActionNone
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := repo.CompareAndSaveSession(ctx, tx, sess, expectedVersion); err != nil {
			return err
		}
		if !logged {
			return nil
		}
		if err := repo.AppendMessage(tx, inbound); err != nil {
			return err
		}
		return repo.AppendMessage(tx, outbound)
	})
	switch {
	case errors.Is(err, repo.ErrVersionConflict):
		return nil, ErrConcurrentModification
	case errors.Is(err, repo.ErrNotFound):
		return nil, ErrSessionNotFound
	case err != nil:
		return nil, err
	}

	if logged {
		s.record(ctx, userID, sess.ID, in.IdempotencyKey, outbound.ID)
	}

	return &TurnResult{Session: sess, Reply: outbound, Detection: det}, nil
}

// resolveSession loads the named session with ownership and liveness
// checks, or lazily creates a fresh one when sessionID is empty.
func (s *TurnService) resolveSession(ctx context.Context, userID, sessionID string) (*domain.Session, error) {
	if sessionID == "" {
		return repo.CreateSession(ctx, s.DB, userID)
	}
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
	if !sess.IsActive {
		return nil, ErrSessionInactive
	}
	return sess, nil
}

// classify runs the image classifier under the capability deadline.
func (s *TurnService) classify(ctx context.Context, image []byte, kind capabilities.ModelKind) (*capabilities.Detection, error) {
	cctx, cancel := context.WithTimeout(ctx, s.capabilityTimeout())
	defer cancel()
	return s.Classifier.Classify(cctx, image, kind)
}

// answer retrieves supporting passages and generates a personalized reply.
// Retrieval is best effort: a retriever failure degrades to generation
// without passages, while a generator failure fails the turn.
func (s *TurnService) answer(ctx context.Context, sess *domain.Session, query string) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, s.capabilityTimeout())
	defer cancel()

	var passages []capabilities.Passage
	if s.Retriever != nil {
		ps, err := s.Retriever.Retrieve(cctx, query, s.Namespace)
		if err != nil {
			log.Ctx(ctx).Warn().Err(err).Str("session_id", sess.ID).Msg("retrieval failed, answering without passages")
		} else {
			passages = ps
		}
	}

	sctx := capabilities.SessionContext{
		DogBreed:        strDeref(sess.DogBreed),
		HealthCondition: strDeref(sess.HealthCondition),
		History:         s.historyWindow(ctx, sess.ID),
	}
	return s.Generator.Generate(cctx, query, sctx, passages)
}

// historyWindow loads the most recent N messages as "role: text" lines,
// oldest first.
func (s *TurnService) historyWindow(ctx context.Context, sessionID string) []string {
	n := s.HistoryWindow
	if n <= 0 {
		n = defaultHistoryWindow
	}
	msgs, err := repo.ListRecentMessages(s.DB.WithContext(ctx), sessionID, n)
	if err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("session_id", sessionID).Msg("history load failed")
		return nil
	}
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		role := "assistant"
		if m.IsUserMessage {
			role = "user"
		}
		out = append(out, role+": "+m.Content)
	}
	return out
}

// auditFailure records a failed capability attempt in the message log
// without touching session state. Best effort; the turn's error is what
// the caller sees either way.
func (s *TurnService) auditFailure(ctx context.Context, sess *domain.Session, userID string, inbound *domain.Message, cause error) {
	kind := capabilities.FailureMalformedResult
	if ce, ok := capabilities.AsError(cause); ok {
		kind = ce.Kind
	}
	audit := &domain.Message{
		SessionID:     sess.ID,
		UserID:        userID,
		IsUserMessage: false,
		Kind:          domain.MessageError,
		Content:       fmt.Sprintf("capability failure (%s) while handling %s input", kind, inbound.Kind),
	}
	if err := repo.AppendMessage(s.DB.WithContext(ctx), audit); err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("session_id", sess.ID).Msg("failed-attempt audit write failed")
	}
}

// replay answers a retried turn from its recorded result, if one exists.
func (s *TurnService) replay(ctx context.Context, userID string, in TurnInput) (*TurnResult, bool) {
	if in.IdempotencyKey == "" || in.SessionID == "" {
		return nil, false
	}
	rec, err := repo.LookupIdempotency(ctx, s.DB, userID, in.SessionID, in.IdempotencyKey)
	if err != nil {
		return nil, false
	}
	msg, err := repo.GetMessage(s.DB.WithContext(ctx), rec.MessageID)
	if err != nil {
		return nil, false
	}
	sess, err := repo.GetSession(ctx, s.DB, in.SessionID)
	if err != nil {
		return nil, false
	}
	return &TurnResult{Session: sess, Reply: msg, Replayed: true}, true
}

// record stores the turn's outcome for idempotent replay. Best effort.
func (s *TurnService) record(ctx context.Context, userID, sessionID, key, messageID string) {
	if key == "" {
		return
	}
	if err := repo.SaveIdempotency(ctx, s.DB, userID, sessionID, key, messageID, 200, s.IdempotencyTTL); err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("session_id", sessionID).Msg("idempotency record write failed")
	}
}

func (s *TurnService) capabilityTimeout() time.Duration {
	if s.CapabilityTimeout > 0 {
		return s.CapabilityTimeout
	}
	return defaultCapabilityTimeout
}

// inboundMessage builds the persisted form of the user's turn payload.
// Image bytes are not stored; the log records a size reference instead.
func inboundMessage(sessionID, userID string, kind domain.InputKind, in TurnInput) *domain.Message {
	m := &domain.Message{
		SessionID:     sessionID,
		UserID:        userID,
		IsUserMessage: true,
	}
	switch kind {
	case domain.InputImage:
		m.Kind = domain.MessageImage
		m.Content = fmt.Sprintf("[image: %d bytes]", len(in.Image))
	case domain.InputSelection:
		m.Kind = domain.MessageSelection
		m.Content = strings.TrimSpace(in.Selection)
	default:
		m.Kind = domain.MessageText
		m.Content = strings.TrimSpace(in.Text)
	}
	return m
}

func modelForAction(a conversation.Action) capabilities.ModelKind {
	if a == conversation.ActionClassifyCondition {
		return capabilities.ModelDisease
	}
	return capabilities.ModelBreed
}

func strPtr(s string) *string { return &s }

func strDeref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
