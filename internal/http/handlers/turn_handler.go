// Turn HTTP handler.
//
// This file exposes the single conversation endpoint:
//   - POST /turns  (submit one turn: image, text, or service selection)
//
// Handlers are transport-thin: they validate and decode input, call
// application services, and translate results and the error taxonomy into
// HTTP responses. The full stage-machine and capability error set maps to
// distinct statuses and stable codes so clients can branch programmatically.
package handlers

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/marshee/dogcare-backend/internal/capabilities"
	"github.com/marshee/dogcare-backend/internal/domain"
	"github.com/marshee/dogcare-backend/internal/http/middleware"
	"github.com/marshee/dogcare-backend/internal/repo"
	"github.com/marshee/dogcare-backend/internal/services"
)

//
// Service contracts (context-aware)
//

// TurnService processes one conversation turn end to end.
//
// Implementations must be safe for concurrent use and must honor the
// provided context for cancellation and timeouts.
type TurnService interface {
	// Process validates the turn, advances the stage machine, performs at
	// most one capability call, and persists the result atomically.
	Process(ctx context.Context, userID string, in services.TurnInput) (*services.TurnResult, error)
}

// SessionService defines session listing, history, and close operations.
//
// Implementations must be safe for concurrent use and must honor the
// provided context for cancellation and timeouts.
type SessionService interface {
	// ListPage returns a page of the user's sessions plus the total count.
	ListPage(ctx context.Context, userID string, page, pageSize int) ([]domain.Session, int64, error)
	// Messages returns a chronological page of a session's log.
	Messages(ctx context.Context, userID, sessionID string, page, pageSize int) ([]domain.Message, int64, error)
	// Close marks a session inactive; closing twice is a no-op success.
	Close(ctx context.Context, userID, sessionID string) error
	// Stats summarizes the user's sessions for conditional GETs.
	Stats(ctx context.Context, userID string) (repo.Stats, error)
	// MessageStats summarizes one session's log for conditional GETs.
	MessageStats(ctx context.Context, userID, sessionID string) (repo.Stats, error)
}

// AuthService defines account registration, login, and token verification.
type AuthService interface {
	// Register creates an account and returns it with a fresh token.
	Register(ctx context.Context, email, name, password string) (*domain.User, string, error)
	// Login verifies credentials and returns the account with a fresh token.
	Login(ctx context.Context, email, password string) (*domain.User, string, error)
	// Verify checks a bearer token and returns the user ID it names.
	Verify(token string) (string, error)
}

//
// Handler wiring
//

// Handlers groups the HTTP endpoints for turns, sessions, and accounts.
// It depends on abstract service interfaces to keep transport concerns
// separate from business logic.
type Handlers struct {
	turnSvc    TurnService
	sessionSvc SessionService
	authSvc    AuthService

	// maxImageBytes caps the decoded image payload; <= 0 disables the cap.
	maxImageBytes int
}

// New constructs a Handlers instance bound to the given services.
// maxImageKB caps uploaded image size in kibibytes.
func New(turnSvc TurnService, sessionSvc SessionService, authSvc AuthService, maxImageKB int) *Handlers {
	return &Handlers{
		turnSvc:       turnSvc,
		sessionSvc:    sessionSvc,
		authSvc:       authSvc,
		maxImageBytes: maxImageKB * 1024,
	}
}

// userID extracts the authenticated user id set by the auth middleware.
// Tests may inject it via the X-User-ID header instead.
func userID(c *gin.Context) string {
	if uid := middleware.UserID(c); uid != "" {
		return uid
	}
	if c != nil && c.Request != nil {
		return c.GetHeader("X-User-ID")
	}
	return ""
}

//
// DTOs
//

// TurnRequest is the JSON payload for submitting one turn. Exactly one of
// Image, Text, and Selection must be set.
type TurnRequest struct {
	// SessionID continues an existing session; empty starts a new one.
	SessionID string `json:"session_id" example:"141add05-4415-4938-b5a1-17e0d3171aff"`
	// Image is a base64-encoded photo (standard encoding).
	Image string `json:"image,omitempty"`
	// Text is a free-form question for the general chat stage.
	Text string `json:"text,omitempty" example:"How often should I bathe her?"`
	// Selection picks a service: "disease_detection" or "general_chat".
	Selection string `json:"selection,omitempty" example:"general_chat"`
}

// TurnResponse is the envelope returned for every accepted turn.
type TurnResponse struct {
	SessionID    string `json:"session_id"`
	MessageID    string `json:"message_id,omitempty"`
	CurrentStage string `json:"current_stage"`
	// ResponseType is "text" or "detection".
	ResponseType string `json:"response_type"`
	Content      string `json:"content"`

	DogBreed            *string  `json:"dog_breed,omitempty"`
	BreedConfidence     *float64 `json:"breed_confidence,omitempty"`
	HealthCondition     *string  `json:"health_condition,omitempty"`
	ConditionConfidence *float64 `json:"condition_confidence,omitempty"`

	// NextInputExpected tells the client what the stage machine accepts
	// next: "image", "selection", or "text".
	NextInputExpected string    `json:"next_input_expected"`
	Replayed          bool      `json:"replayed,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
}

//
// Handlers
//

// SubmitTurn godoc
// @ID          submitTurn
// @Summary     Submit a conversation turn
// @Description Processes one turn (breed photo, service selection, condition photo, or question) and returns the assistant's reply with the new stage.
// @Tags        Turns
// @Accept      json
// @Produce     json
// @Security    BearerAuth
//
// @Param       Idempotency-Key  header  string  false "Stable key making retries safe"
// @Param       body             body    handlers.TurnRequest  true  "Turn payload"
//
// @Success     200  {object}  handlers.TurnResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Malformed turn"
// @Failure     404  {object}  handlers.ErrorResponse  "Session not found"
// @Failure     409  {object}  handlers.ErrorResponse  "Stage mismatch or concurrent turn"
// @Failure     410  {object}  handlers.ErrorResponse  "Session closed"
// @Failure     413  {object}  handlers.ErrorResponse  "Image too large"
// @Failure     422  {object}  handlers.ErrorResponse  "Invalid selection"
// @Failure     502  {object}  handlers.ErrorResponse  "Capability failure"
// @Failure     503  {object}  handlers.ErrorResponse  "Capability at capacity"
// @Failure     504  {object}  handlers.ErrorResponse  "Capability timeout"
// @Router      /turns [post]
func (h *Handlers) SubmitTurn(c *gin.Context) {
	var req TurnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}

	in := services.TurnInput{
		SessionID: req.SessionID,
		Text:      req.Text,
		Selection: req.Selection,
	}
	if key, has := middleware.GetIdempotencyKey(c); has {
		in.IdempotencyKey = key
	}

	kindLabel := "text"
	switch {
	case req.Image != "":
		kindLabel = "image"
		if h.maxImageBytes > 0 && base64.StdEncoding.DecodedLen(len(req.Image)) > h.maxImageBytes {
			fail(c, http.StatusRequestEntityTooLarge, ErrCodePayloadTooLarge, "image exceeds the size limit")
			return
		}
		img, err := base64.StdEncoding.DecodeString(req.Image)
		if err != nil {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "image must be valid base64")
			return
		}
		if h.maxImageBytes > 0 && len(img) > h.maxImageBytes {
			fail(c, http.StatusRequestEntityTooLarge, ErrCodePayloadTooLarge, "image exceeds the size limit")
			return
		}
		in.Image = img
	case req.Selection != "":
		kindLabel = "selection"
	}

	res, err := h.turnSvc.Process(c.Request.Context(), userID(c), in)
	if err != nil {
		status, code, msg := turnError(err)
		middleware.ObserveTurn(kindLabel, code)
		fail(c, status, code, msg)
		return
	}
	outcome := "ok"
	if res.Replayed {
		outcome = "replayed"
	}
	middleware.ObserveTurn(kindLabel, outcome)

	ok(c, http.StatusOK, turnResponse(res))
}

// turnResponse flattens a service result into the wire envelope.
func turnResponse(res *services.TurnResult) TurnResponse {
	sess := res.Session
	out := TurnResponse{
		SessionID:           sess.ID,
		CurrentStage:        string(sess.Stage),
		ResponseType:        "text",
		DogBreed:            sess.DogBreed,
		BreedConfidence:     sess.BreedConfidence,
		HealthCondition:     sess.HealthCondition,
		ConditionConfidence: sess.ConditionConfidence,
		NextInputExpected:   string(sess.Stage.ExpectedInput()),
		Replayed:            res.Replayed,
		Timestamp:           time.Now().UTC(),
	}
	if res.Reply != nil {
		out.MessageID = res.Reply.ID
		out.Content = res.Reply.Content
		if res.Reply.Kind == domain.MessageDetection {
			out.ResponseType = "detection"
		}
		if !res.Reply.CreatedAt.IsZero() {
			out.Timestamp = res.Reply.CreatedAt
		}
	}
	return out
}

// turnError maps the service and capability error taxonomy to an HTTP
// status and stable code.
func turnError(err error) (int, string, string) {
	switch {
	case errors.Is(err, services.ErrMalformedTurn):
		return http.StatusBadRequest, ErrCodeMalformedTurn,
			"exactly one of image, text, and selection must be provided"
	case errors.Is(err, services.ErrStageMismatch):
		return http.StatusConflict, ErrCodeStageMismatch,
			"input kind does not match the session's current stage"
	case errors.Is(err, services.ErrInvalidSelection):
		return http.StatusUnprocessableEntity, ErrCodeInvalidSelection,
			"selection must be disease_detection or general_chat"
	case errors.Is(err, services.ErrSessionNotFound):
		return http.StatusNotFound, ErrCodeNotFound, "session not found"
	case errors.Is(err, services.ErrForbidden):
		return http.StatusForbidden, ErrCodeForbidden, "session belongs to another user"
	case errors.Is(err, services.ErrSessionInactive):
		return http.StatusGone, ErrCodeSessionInactive, "session is closed"
	case errors.Is(err, services.ErrConcurrentModification):
		return http.StatusConflict, ErrCodeConcurrentTurn,
			"another turn modified this session; re-read and retry"
	}
	if ce, isCap := capabilities.AsError(err); isCap {
		switch ce.Kind {
		case capabilities.FailureTimeout:
			return http.StatusGatewayTimeout, ErrCodeCapabilityTimeout,
				"the model did not answer in time; please retry"
		case capabilities.FailureCapacity:
			return http.StatusServiceUnavailable, ErrCodeCapabilityCapacity,
				"the model is at capacity; please retry shortly"
		default:
			return http.StatusBadGateway, ErrCodeCapabilityFailed,
				"the model returned an unusable result; please retry"
		}
	}
	return http.StatusInternalServerError, ErrCodeInternal, err.Error()
}
