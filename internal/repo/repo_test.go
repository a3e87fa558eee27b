package repo

import (
	"context"
	"errors"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/marshee/dogcare-backend/internal/domain"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}
	return db
}

func strPtr(s string) *string   { return &s }
func f64Ptr(f float64) *float64 { return &f }

func TestSessionLifecycle(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	s, err := CreateSession(ctx, db, "user-1")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if s.Stage != domain.StageAwaitingBreedImage || !s.IsActive || s.Version != 0 {
		t.Fatalf("fresh session in wrong state: %+v", s)
	}

	got, err := GetSession(ctx, db, s.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.UserID != "user-1" {
		t.Fatalf("owner = %q", got.UserID)
	}

	if _, err := GetSession(ctx, db, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing session: got %v, want ErrNotFound", err)
	}
}

func TestCompareAndSaveSession(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	s, err := CreateSession(ctx, db, "user-1")
	if err != nil {
		t.Fatal(err)
	}

	s.Stage = domain.StageAwaitingServiceChoice
	s.DogBreed = strPtr("Golden Retriever")
	s.BreedConfidence = f64Ptr(0.92)
	if err := CompareAndSaveSession(ctx, db, s, 0); err != nil {
		t.Fatalf("first save: %v", err)
	}
	if s.Version != 1 {
		t.Fatalf("version = %d; want 1", s.Version)
	}

	// A writer holding the old version must lose.
	stale := *s
	stale.Stage = domain.StageGeneralChat
	if err := CompareAndSaveSession(ctx, db, &stale, 0); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("stale save: got %v, want ErrVersionConflict", err)
	}

	// The stored row kept the winner's state.
	got, err := GetSession(ctx, db, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Stage != domain.StageAwaitingServiceChoice || got.Version != 1 {
		t.Fatalf("row after lost race: %+v", got)
	}
	if got.DogBreed == nil || *got.DogBreed != "Golden Retriever" {
		t.Fatalf("dog breed not persisted: %+v", got)
	}

	// A current writer succeeds again.
	got.Stage = domain.StageAwaitingConditionImage
	if err := CompareAndSaveSession(ctx, db, got, 1); err != nil {
		t.Fatalf("second save: %v", err)
	}

	ghost := &domain.Session{ID: "missing", Stage: domain.StageGeneralChat}
	if err := CompareAndSaveSession(ctx, db, ghost, 0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("ghost save: got %v, want ErrNotFound", err)
	}
}

func TestCloseSession_Ownership(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	s, err := CreateSession(ctx, db, "owner")
	if err != nil {
		t.Fatal(err)
	}

	if err := CloseSession(ctx, db, s.ID, "intruder"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("foreign close: got %v, want ErrNotFound", err)
	}
	if err := CloseSession(ctx, db, s.ID, "owner"); err != nil {
		t.Fatalf("owner close: %v", err)
	}
	got, _ := GetSession(ctx, db, s.ID)
	if got.IsActive {
		t.Fatal("session still active after close")
	}
}

func TestExpireIdleSessions(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	old, _ := CreateSession(ctx, db, "u")
	fresh, _ := CreateSession(ctx, db, "u")

	stale := time.Now().UTC().Add(-2 * time.Hour)
	db.Model(&domain.Session{}).Where("id = ?", old.ID).Update("updated_at", stale)

	n, err := ExpireIdleSessions(ctx, db, time.Now().UTC().Add(-time.Hour))
	if err != nil {
		t.Fatalf("ExpireIdleSessions: %v", err)
	}
	if n != 1 {
		t.Fatalf("expired %d sessions; want 1", n)
	}
	if got, _ := GetSession(ctx, db, old.ID); got.IsActive {
		t.Fatal("idle session still active")
	}
	if got, _ := GetSession(ctx, db, fresh.ID); !got.IsActive {
		t.Fatal("fresh session was expired")
	}
}

func TestListSessionsPage(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := CreateSession(ctx, db, "u"); err != nil {
			t.Fatal(err)
		}
	}
	CreateSession(ctx, db, "someone-else")

	total, err := CountSessions(ctx, db, "u")
	if err != nil || total != 3 {
		t.Fatalf("CountSessions = %d, %v; want 3", total, err)
	}
	page, err := ListSessionsPage(ctx, db, "u", 0, 2)
	if err != nil || len(page) != 2 {
		t.Fatalf("page = %d items, %v; want 2", len(page), err)
	}
	for _, s := range page {
		if s.UserID != "u" {
			t.Fatalf("foreign session leaked: %+v", s)
		}
	}
}

func TestMessageLog(t *testing.T) {
	db := newTestDB(t)

	s, err := CreateSession(context.Background(), db, "u")
	if err != nil {
		t.Fatal(err)
	}

	base := time.Now().UTC().Add(-time.Minute)
	contents := []string{"one", "two", "three", "four"}
	for i, c := range contents {
		m := &domain.Message{
			SessionID:     s.ID,
			UserID:        "u",
			IsUserMessage: i%2 == 0,
			Kind:          domain.MessageText,
			Content:       c,
			CreatedAt:     base.Add(time.Duration(i) * time.Second),
		}
		if err := AppendMessage(db, m); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
		if m.ID == "" {
			t.Fatal("AppendMessage did not assign an ID")
		}
	}

	total, err := CountMessages(db, s.ID)
	if err != nil || total != 4 {
		t.Fatalf("CountMessages = %d, %v; want 4", total, err)
	}

	recent, err := ListRecentMessages(db, s.ID, 3)
	if err != nil {
		t.Fatalf("ListRecentMessages: %v", err)
	}
	if len(recent) != 3 {
		t.Fatalf("got %d recent messages; want 3", len(recent))
	}
	for i, want := range []string{"two", "three", "four"} {
		if recent[i].Content != want {
			t.Fatalf("recent[%d] = %q; want %q", i, recent[i].Content, want)
		}
	}

	page, err := ListMessagesPage(db, s.ID, 1, 2)
	if err != nil {
		t.Fatalf("ListMessagesPage: %v", err)
	}
	if len(page) != 2 || page[0].Content != "two" || page[1].Content != "three" {
		t.Fatalf("unexpected page: %+v", page)
	}
}

func TestIdempotencyRecords(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	if _, err := LookupIdempotency(ctx, db, "u", "s", "k"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("lookup of absent key: got %v, want ErrNotFound", err)
	}

	if err := SaveIdempotency(ctx, db, "u", "s", "k", "msg-1", 200, time.Hour); err != nil {
		t.Fatalf("SaveIdempotency: %v", err)
	}
	// First write wins; a duplicate insert is silently absorbed.
	if err := SaveIdempotency(ctx, db, "u", "s", "k", "msg-2", 200, time.Hour); err != nil {
		t.Fatalf("duplicate SaveIdempotency: %v", err)
	}

	rec, err := LookupIdempotency(ctx, db, "u", "s", "k")
	if err != nil {
		t.Fatalf("LookupIdempotency: %v", err)
	}
	if rec.MessageID != "msg-1" || rec.Status != 200 {
		t.Fatalf("unexpected record: %+v", rec)
	}

	// Expired keys behave as missing and are purgeable.
	if err := SaveIdempotency(ctx, db, "u", "s", "old", "msg-3", 200, time.Nanosecond); err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := LookupIdempotency(ctx, db, "u", "s", "old"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expired lookup: got %v, want ErrNotFound", err)
	}
	n, err := PurgeExpiredIdempotency(ctx, db)
	if err != nil || n != 1 {
		t.Fatalf("PurgeExpiredIdempotency = %d, %v; want 1", n, err)
	}
}

func TestUsers(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	u, err := CreateUser(ctx, db, "ada@example.com", "Ada", "hash")
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	if _, err := CreateUser(ctx, db, "ada@example.com", "Ada2", "hash2"); !isUniqueViolation(err) {
		t.Fatalf("duplicate email: got %v, want unique violation", err)
	}

	byEmail, err := GetUserByEmail(ctx, db, "ada@example.com")
	if err != nil || byEmail.ID != u.ID {
		t.Fatalf("GetUserByEmail: %+v, %v", byEmail, err)
	}
	byID, err := GetUserByID(ctx, db, u.ID)
	if err != nil || byID.Email != "ada@example.com" {
		t.Fatalf("GetUserByID: %+v, %v", byID, err)
	}

	before := byID.LastActiveAt
	time.Sleep(5 * time.Millisecond)
	if err := TouchLastActive(ctx, db, u.ID); err != nil {
		t.Fatalf("TouchLastActive: %v", err)
	}
	after, _ := GetUserByID(ctx, db, u.ID)
	if !after.LastActiveAt.After(before) {
		t.Fatal("LastActiveAt did not advance")
	}
}

func TestStats(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	st, err := SessionsStats(ctx, db, "u")
	if err != nil {
		t.Fatalf("SessionsStats (empty): %v", err)
	}
	if st.Count != 0 {
		t.Fatalf("empty count = %d", st.Count)
	}

	s, _ := CreateSession(ctx, db, "u")
	st, err = SessionsStats(ctx, db, "u")
	if err != nil || st.Count != 1 {
		t.Fatalf("SessionsStats = %+v, %v; want count 1", st, err)
	}

	AppendMessage(db, &domain.Message{SessionID: s.ID, UserID: "u", Kind: domain.MessageText, Content: "hi", IsUserMessage: true})
	ms, err := MessagesStats(ctx, db, s.ID)
	if err != nil || ms.Count != 1 {
		t.Fatalf("MessagesStats = %+v, %v; want count 1", ms, err)
	}
	if ms.LastUpdate.IsZero() {
		t.Fatal("LastUpdate not populated")
	}
}
