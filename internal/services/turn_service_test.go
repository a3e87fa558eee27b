package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/marshee/dogcare-backend/internal/capabilities"
	"github.com/marshee/dogcare-backend/internal/domain"
	"github.com/marshee/dogcare-backend/internal/repo"
)

// --- fakes ---

type fakeClassifier struct {
	det   *capabilities.Detection
	err   error
	calls int
	// hook runs before each call; used to simulate a racing turn.
	hook func()
}

func (f *fakeClassifier) Classify(ctx context.Context, image []byte, kind capabilities.ModelKind) (*capabilities.Detection, error) {
	f.calls++
	if f.hook != nil {
		f.hook()
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.det, nil
}

type fakeRetriever struct {
	passages []capabilities.Passage
	err      error
}

func (f *fakeRetriever) Retrieve(ctx context.Context, query, namespace string) ([]capabilities.Passage, error) {
	return f.passages, f.err
}

type fakeGenerator struct {
	reply string
	err   error

	gotQuery    string
	gotSession  capabilities.SessionContext
	gotPassages []capabilities.Passage
}

func (f *fakeGenerator) Generate(ctx context.Context, query string, sess capabilities.SessionContext, passages []capabilities.Passage) (string, error) {
	f.gotQuery = query
	f.gotSession = sess
	f.gotPassages = passages
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

// --- helpers ---

func newServiceDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := repo.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}
	return db
}

func newTurnService(t *testing.T) (*TurnService, *fakeClassifier, *fakeGenerator) {
	t.Helper()
	cls := &fakeClassifier{det: &capabilities.Detection{Label: "golden retriever", Confidence: 0.92, LatencyMs: 140}}
	gen := &fakeGenerator{reply: "Brush twice a week and watch for hot spots."}
	svc := &TurnService{
		DB:         newServiceDB(t),
		Classifier: cls,
		Retriever:  &fakeRetriever{passages: []capabilities.Passage{{Text: "Retrievers shed.", Score: 0.8}}},
		Generator:  gen,
		Namespace:  "dog-health",
	}
	return svc, cls, gen
}

func countLog(t *testing.T, db *gorm.DB, sessionID string) int64 {
	t.Helper()
	n, err := repo.CountMessages(db, sessionID)
	if err != nil {
		t.Fatalf("CountMessages: %v", err)
	}
	return n
}

// --- tests ---

func TestProcess_MalformedTurn(t *testing.T) {
	svc, _, _ := newTurnService(t)
	ctx := context.Background()

	cases := []TurnInput{
		{},
		{Image: []byte("x"), Text: "hello"},
		{Text: "hello", Selection: "general_chat"},
		{Image: []byte("x"), Text: "hi", Selection: "general_chat"},
		{Text: "   "},
	}
	for i, in := range cases {
		if _, err := svc.Process(ctx, "u1", in); !errors.Is(err, ErrMalformedTurn) {
			t.Errorf("case %d: got %v, want ErrMalformedTurn", i, err)
		}
	}
}

func TestProcess_FullRoundTrip(t *testing.T) {
	svc, _, gen := newTurnService(t)
	ctx := context.Background()

	// Turn 1: breed image on a fresh session.
	res, err := svc.Process(ctx, "u1", TurnInput{Image: []byte("img")})
	if err != nil {
		t.Fatalf("breed turn: %v", err)
	}
	sid := res.Session.ID
	if res.Session.Stage != domain.StageAwaitingServiceChoice {
		t.Fatalf("stage after breed = %q", res.Session.Stage)
	}
	if res.Detection == nil || res.Session.DogBreed == nil || *res.Session.DogBreed != "Golden Retriever" {
		t.Fatalf("breed not merged: %+v", res.Session)
	}
	if res.Session.BreedConfidence == nil || *res.Session.BreedConfidence != 0.92 {
		t.Fatalf("confidence not merged: %+v", res.Session)
	}
	if res.Reply.Kind != domain.MessageDetection {
		t.Fatalf("reply kind = %q", res.Reply.Kind)
	}

	// Turn 2: route to general chat. Navigation is not logged.
	res, err = svc.Process(ctx, "u1", TurnInput{SessionID: sid, Selection: "general_chat"})
	if err != nil {
		t.Fatalf("selection turn: %v", err)
	}
	if res.Session.Stage != domain.StageGeneralChat {
		t.Fatalf("stage after selection = %q", res.Session.Stage)
	}
	if res.Detection != nil || res.Reply.ID != "" {
		t.Fatalf("routing turn should not persist a reply: %+v", res.Reply)
	}

	// Turn 3: a question.
	res, err = svc.Process(ctx, "u1", TurnInput{SessionID: sid, Text: "how often should I brush?"})
	if err != nil {
		t.Fatalf("text turn: %v", err)
	}
	if res.Session.Stage != domain.StageGeneralChat {
		t.Fatalf("general chat should self-loop, got %q", res.Session.Stage)
	}
	if res.Reply.Content != "Brush twice a week and watch for hot spots." {
		t.Fatalf("reply = %q", res.Reply.Content)
	}

	// Generator saw the personalized context.
	if gen.gotSession.DogBreed != "Golden Retriever" {
		t.Fatalf("generator breed = %q", gen.gotSession.DogBreed)
	}
	if len(gen.gotPassages) != 1 {
		t.Fatalf("generator passages = %+v", gen.gotPassages)
	}
	if len(gen.gotSession.History) != 2 {
		t.Fatalf("history window = %v", gen.gotSession.History)
	}

	// Exactly 4 log entries: 2 user, 2 system, in submission order.
	msgs, err := repo.ListMessagesPage(svc.DB, sid, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 4 {
		t.Fatalf("log has %d entries; want 4", len(msgs))
	}
	wantUser := []bool{true, false, true, false}
	for i, m := range msgs {
		if m.IsUserMessage != wantUser[i] {
			t.Fatalf("entry %d direction = %v; want %v", i, m.IsUserMessage, wantUser[i])
		}
	}
}

func TestProcess_SecondBreedImageRejected(t *testing.T) {
	svc, cls, _ := newTurnService(t)
	ctx := context.Background()

	res, err := svc.Process(ctx, "u1", TurnInput{Image: []byte("img")})
	if err != nil {
		t.Fatal(err)
	}
	before, _ := repo.GetSession(ctx, svc.DB, res.Session.ID)

	_, err = svc.Process(ctx, "u1", TurnInput{SessionID: res.Session.ID, Image: []byte("img2")})
	if !errors.Is(err, ErrStageMismatch) {
		t.Fatalf("second breed image: got %v, want ErrStageMismatch", err)
	}
	if cls.calls != 1 {
		t.Fatalf("classifier called %d times; want 1", cls.calls)
	}

	after, _ := repo.GetSession(ctx, svc.DB, res.Session.ID)
	if after.Stage != before.Stage || !after.UpdatedAt.Equal(before.UpdatedAt) || after.Version != before.Version {
		t.Fatalf("rejected turn mutated the session: %+v vs %+v", before, after)
	}
}

func TestProcess_StageMismatchTable(t *testing.T) {
	ctx := context.Background()

	cases := []struct {
		stage domain.Stage
		in    TurnInput
	}{
		{domain.StageAwaitingBreedImage, TurnInput{Text: "hello"}},
		{domain.StageAwaitingBreedImage, TurnInput{Selection: "general_chat"}},
		{domain.StageAwaitingServiceChoice, TurnInput{Image: []byte("x")}},
		{domain.StageAwaitingServiceChoice, TurnInput{Text: "hello"}},
		{domain.StageAwaitingConditionImage, TurnInput{Text: "hello"}},
		{domain.StageAwaitingConditionImage, TurnInput{Selection: "disease_detection"}},
		{domain.StageGeneralChat, TurnInput{Image: []byte("x")}},
		{domain.StageGeneralChat, TurnInput{Selection: "general_chat"}},
	}
	for _, tc := range cases {
		svc, _, _ := newTurnService(t)
		sess, err := repo.CreateSession(ctx, svc.DB, "u1")
		if err != nil {
			t.Fatal(err)
		}
		sess.Stage = tc.stage
		if err := repo.CompareAndSaveSession(ctx, svc.DB, sess, 0); err != nil {
			t.Fatal(err)
		}
		before, _ := repo.GetSession(ctx, svc.DB, sess.ID)

		tc.in.SessionID = sess.ID
		if _, err := svc.Process(ctx, "u1", tc.in); !errors.Is(err, ErrStageMismatch) {
			t.Errorf("stage %s: got %v, want ErrStageMismatch", tc.stage, err)
		}
		after, _ := repo.GetSession(ctx, svc.DB, sess.ID)
		if after.Stage != before.Stage || !after.UpdatedAt.Equal(before.UpdatedAt) {
			t.Errorf("stage %s: rejected turn mutated the session", tc.stage)
		}
		if n := countLog(t, svc.DB, sess.ID); n != 0 {
			t.Errorf("stage %s: rejected turn wrote %d log entries", tc.stage, n)
		}
	}
}

func TestProcess_InvalidSelection(t *testing.T) {
	svc, _, _ := newTurnService(t)
	ctx := context.Background()

	res, err := svc.Process(ctx, "u1", TurnInput{Image: []byte("img")})
	if err != nil {
		t.Fatal(err)
	}
	_, err = svc.Process(ctx, "u1", TurnInput{SessionID: res.Session.ID, Selection: "grooming_tips"})
	if !errors.Is(err, ErrInvalidSelection) {
		t.Fatalf("got %v, want ErrInvalidSelection", err)
	}
	after, _ := repo.GetSession(ctx, svc.DB, res.Session.ID)
	if after.Stage != domain.StageAwaitingServiceChoice {
		t.Fatalf("stage advanced on invalid selection: %q", after.Stage)
	}
}

func TestProcess_SessionChecks(t *testing.T) {
	svc, _, _ := newTurnService(t)
	ctx := context.Background()

	if _, err := svc.Process(ctx, "u1", TurnInput{SessionID: "missing", Image: []byte("x")}); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("missing session: got %v", err)
	}

	res, err := svc.Process(ctx, "u1", TurnInput{Image: []byte("img")})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := svc.Process(ctx, "intruder", TurnInput{SessionID: res.Session.ID, Selection: "general_chat"}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("foreign turn: got %v", err)
	}

	if err := repo.CloseSession(ctx, svc.DB, res.Session.ID, "u1"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Process(ctx, "u1", TurnInput{SessionID: res.Session.ID, Selection: "general_chat"}); !errors.Is(err, ErrSessionInactive) {
		t.Fatalf("closed session: got %v", err)
	}
}

func TestProcess_ConcurrentModification(t *testing.T) {
	svc, cls, _ := newTurnService(t)
	ctx := context.Background()

	sess, err := repo.CreateSession(ctx, svc.DB, "u1")
	if err != nil {
		t.Fatal(err)
	}

	// While this turn is inside its capability call, a competing turn
	// commits and bumps the version.
	cls.hook = func() {
		racer, err := repo.GetSession(ctx, svc.DB, sess.ID)
		if err != nil {
			t.Fatal(err)
		}
		racer.Stage = domain.StageAwaitingServiceChoice
		if err := repo.CompareAndSaveSession(ctx, svc.DB, racer, racer.Version); err != nil {
			t.Fatal(err)
		}
	}

	_, err = svc.Process(ctx, "u1", TurnInput{SessionID: sess.ID, Image: []byte("img")})
	if !errors.Is(err, ErrConcurrentModification) {
		t.Fatalf("got %v, want ErrConcurrentModification", err)
	}

	// Exactly one stage advance happened.
	after, _ := repo.GetSession(ctx, svc.DB, sess.ID)
	if after.Stage != domain.StageAwaitingServiceChoice || after.Version != 1 {
		t.Fatalf("unexpected session after race: %+v", after)
	}
	if n := countLog(t, svc.DB, sess.ID); n != 0 {
		t.Fatalf("losing turn wrote %d log entries", n)
	}
}

func TestProcess_FailureIsolation(t *testing.T) {
	svc, cls, _ := newTurnService(t)
	ctx := context.Background()

	sess, err := repo.CreateSession(ctx, svc.DB, "u1")
	if err != nil {
		t.Fatal(err)
	}

	cls.err = &capabilities.Error{Op: "classify", Kind: capabilities.FailureTimeout, Err: context.DeadlineExceeded}
	_, err = svc.Process(ctx, "u1", TurnInput{SessionID: sess.ID, Image: []byte("img")})
	ce, ok := capabilities.AsError(err)
	if !ok || ce.Kind != capabilities.FailureTimeout {
		t.Fatalf("got %v, want timeout capability error", err)
	}

	after, _ := repo.GetSession(ctx, svc.DB, sess.ID)
	if after.Stage != domain.StageAwaitingBreedImage || after.DogBreed != nil || after.Version != 0 {
		t.Fatalf("failed turn left residue: %+v", after)
	}

	// The attempt is on the record.
	var audit []domain.Message
	if err := svc.DB.Where("session_id = ? AND kind = ?", sess.ID, domain.MessageError).Find(&audit).Error; err != nil {
		t.Fatal(err)
	}
	if len(audit) != 1 {
		t.Fatalf("audit entries = %d; want 1", len(audit))
	}

	// Resubmitting the identical image succeeds.
	cls.err = nil
	res, err := svc.Process(ctx, "u1", TurnInput{SessionID: sess.ID, Image: []byte("img")})
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if res.Session.Stage != domain.StageAwaitingServiceChoice || res.Session.DogBreed == nil {
		t.Fatalf("resubmit did not advance: %+v", res.Session)
	}
}

func TestProcess_ConditionBranch(t *testing.T) {
	svc, cls, _ := newTurnService(t)
	ctx := context.Background()

	res, err := svc.Process(ctx, "u1", TurnInput{Image: []byte("img")})
	if err != nil {
		t.Fatal(err)
	}
	sid := res.Session.ID

	if _, err := svc.Process(ctx, "u1", TurnInput{SessionID: sid, Selection: "disease_detection"}); err != nil {
		t.Fatal(err)
	}

	cls.det = &capabilities.Detection{Label: "dermatitis", Confidence: 0.77, LatencyMs: 210}
	res, err = svc.Process(ctx, "u1", TurnInput{SessionID: sid, Image: []byte("skin")})
	if err != nil {
		t.Fatal(err)
	}
	if res.Session.Stage != domain.StageGeneralChat {
		t.Fatalf("stage after condition = %q", res.Session.Stage)
	}
	if res.Session.HealthCondition == nil || *res.Session.HealthCondition != "Dermatitis" {
		t.Fatalf("condition not merged: %+v", res.Session)
	}
	if res.Reply.DetectionModel == nil || *res.Reply.DetectionModel != "disease" {
		t.Fatalf("detection model on reply = %v", res.Reply.DetectionModel)
	}
}

func TestProcess_IdempotentReplay(t *testing.T) {
	svc, cls, _ := newTurnService(t)
	svc.IdempotencyTTL = time.Hour
	ctx := context.Background()

	sess, err := repo.CreateSession(ctx, svc.DB, "u1")
	if err != nil {
		t.Fatal(err)
	}

	first, err := svc.Process(ctx, "u1", TurnInput{SessionID: sess.ID, Image: []byte("img"), IdempotencyKey: "k1"})
	if err != nil {
		t.Fatal(err)
	}

	// The retry replays the recorded reply instead of failing with a
	// stage mismatch or re-running the classifier.
	second, err := svc.Process(ctx, "u1", TurnInput{SessionID: sess.ID, Image: []byte("img"), IdempotencyKey: "k1"})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !second.Replayed || second.Reply.ID != first.Reply.ID {
		t.Fatalf("expected replay of %s, got %+v", first.Reply.ID, second.Reply)
	}
	if cls.calls != 1 {
		t.Fatalf("classifier called %d times; want 1", cls.calls)
	}
}

func TestProcess_GeneratorFailureFailsTurn(t *testing.T) {
	svc, _, gen := newTurnService(t)
	ctx := context.Background()

	sess, err := repo.CreateSession(ctx, svc.DB, "u1")
	if err != nil {
		t.Fatal(err)
	}
	sess.Stage = domain.StageGeneralChat
	if err := repo.CompareAndSaveSession(ctx, svc.DB, sess, 0); err != nil {
		t.Fatal(err)
	}

	gen.err = &capabilities.Error{Op: "generate", Kind: capabilities.FailureCapacity}
	_, err = svc.Process(ctx, "u1", TurnInput{SessionID: sess.ID, Text: "hello"})
	ce, ok := capabilities.AsError(err)
	if !ok || ce.Kind != capabilities.FailureCapacity {
		t.Fatalf("got %v, want capacity capability error", err)
	}
}

func TestProcess_RetrieverFailureDegrades(t *testing.T) {
	svc, _, gen := newTurnService(t)
	svc.Retriever = &fakeRetriever{err: &capabilities.Error{Op: "retrieve", Kind: capabilities.FailureTimeout}}
	ctx := context.Background()

	sess, err := repo.CreateSession(ctx, svc.DB, "u1")
	if err != nil {
		t.Fatal(err)
	}
	sess.Stage = domain.StageGeneralChat
	if err := repo.CompareAndSaveSession(ctx, svc.DB, sess, 0); err != nil {
		t.Fatal(err)
	}

	res, err := svc.Process(ctx, "u1", TurnInput{SessionID: sess.ID, Text: "hello"})
	if err != nil {
		t.Fatalf("turn should survive retriever failure: %v", err)
	}
	if len(gen.gotPassages) != 0 {
		t.Fatalf("generator got passages %+v after retriever failure", gen.gotPassages)
	}
	if res.Reply.Content == "" {
		t.Fatal("empty reply")
	}
}
