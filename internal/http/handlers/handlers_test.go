package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/marshee/dogcare-backend/internal/domain"
	"github.com/marshee/dogcare-backend/internal/repo"
	"github.com/marshee/dogcare-backend/internal/services"
)

func init() {
	gin.SetMode(gin.TestMode)
}

//
// Fakes
//

type fakeTurnSvc struct {
	res     *services.TurnResult
	err     error
	gotUser string
	gotIn   services.TurnInput
}

func (f *fakeTurnSvc) Process(ctx context.Context, userID string, in services.TurnInput) (*services.TurnResult, error) {
	f.gotUser, f.gotIn = userID, in
	if f.err != nil {
		return nil, f.err
	}
	return f.res, nil
}

type fakeSessionSvc struct {
	sessions []domain.Session
	messages []domain.Message
	total    int64
	stats    repo.Stats
	err      error
	closed   []string
}

func (f *fakeSessionSvc) ListPage(ctx context.Context, userID string, page, pageSize int) ([]domain.Session, int64, error) {
	return f.sessions, f.total, f.err
}

func (f *fakeSessionSvc) Messages(ctx context.Context, userID, sessionID string, page, pageSize int) ([]domain.Message, int64, error) {
	if f.err != nil {
		return nil, 0, f.err
	}
	return f.messages, f.total, nil
}

func (f *fakeSessionSvc) Close(ctx context.Context, userID, sessionID string) error {
	if f.err != nil {
		return f.err
	}
	f.closed = append(f.closed, sessionID)
	return nil
}

func (f *fakeSessionSvc) Stats(ctx context.Context, userID string) (repo.Stats, error) {
	return f.stats, nil
}

func (f *fakeSessionSvc) MessageStats(ctx context.Context, userID, sessionID string) (repo.Stats, error) {
	if f.err != nil {
		return repo.Stats{}, f.err
	}
	return f.stats, nil
}

type fakeAuthSvc struct {
	user  *domain.User
	token string
	err   error
}

func (f *fakeAuthSvc) Register(ctx context.Context, email, name, password string) (*domain.User, string, error) {
	if f.err != nil {
		return nil, "", f.err
	}
	return f.user, f.token, nil
}

func (f *fakeAuthSvc) Login(ctx context.Context, email, password string) (*domain.User, string, error) {
	if f.err != nil {
		return nil, "", f.err
	}
	return f.user, f.token, nil
}

func (f *fakeAuthSvc) Verify(token string) (string, error) { return "u1", nil }

//
// Harness
//

func newRouter(h *Handlers) *gin.Engine {
	r := gin.New()
	r.POST("/turns", h.SubmitTurn)
	r.GET("/sessions", h.ListSessions)
	r.GET("/sessions/:id/messages", h.ListSessionMessages)
	r.POST("/sessions/:id/close", h.CloseSession)
	r.POST("/auth/register", h.Register)
	r.POST("/auth/login", h.Login)
	return r
}

func do(r *gin.Engine, method, path, body string, hdr map[string]string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	req.Header.Set("X-User-ID", "u1")
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func sampleResult() *services.TurnResult {
	breed := "Golden Retriever"
	conf := 0.92
	return &services.TurnResult{
		Session: &domain.Session{
			ID:              "6ba7b810-9dad-11d1-80b4-00c04fd430c8",
			UserID:          "u1",
			Stage:           domain.StageAwaitingServiceChoice,
			DogBreed:        &breed,
			BreedConfidence: &conf,
			IsActive:        true,
		},
		Reply: &domain.Message{
			ID:        "m1",
			Kind:      domain.MessageDetection,
			Content:   "Breed detected: Golden Retriever (92% confidence).",
			CreatedAt: time.Now().UTC(),
		},
	}
}
