// Package capabilities defines the external capability ports the turn
// orchestrator depends on: image classification, passage retrieval, and
// answer generation. Each port is a single-call request/response interface
// so the orchestrator can be exercised with deterministic fakes and so
// failure injection in tests is straightforward.
//
// All implementations must honor the provided context; a deadline exceeded
// during the call is reported as a timeout-kind *Error.
package capabilities

import (
	"context"
	"errors"
	"fmt"
)

// ModelKind selects which classification model to run.
type ModelKind string

// Classification models available on the model server.
const (
	ModelBreed   ModelKind = "breed"
	ModelDisease ModelKind = "disease"
)

// Detection is the structured result of a classification call.
type Detection struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	LatencyMs  int64   `json:"processing_time_ms"`
}

// Passage is one ranked snippet returned by retrieval.
type Passage struct {
	Text  string  `json:"text"`
	Score float64 `json:"score"`
}

// SessionContext carries the per-session facts the generator personalizes
// answers with: detected breed/condition (when known) and the most recent
// history window, oldest first.
type SessionContext struct {
	DogBreed        string
	HealthCondition string
	History         []string
}

// Classifier runs an image through a classification model.
type Classifier interface {
	Classify(ctx context.Context, image []byte, kind ModelKind) (*Detection, error)
}

// Retriever returns ranked passages relevant to a query from the named
// knowledge namespace.
type Retriever interface {
	Retrieve(ctx context.Context, query, namespace string) ([]Passage, error)
}

// Generator synthesizes an answer for a query given session context and
// retrieved passages.
type Generator interface {
	Generate(ctx context.Context, query string, sess SessionContext, passages []Passage) (string, error)
}

// FailureKind classifies a capability failure so callers can tell
// retry-as-is failures apart from hard ones.
type FailureKind string

// Capability failure kinds.
const (
	FailureTimeout         FailureKind = "timeout"
	FailureMalformedResult FailureKind = "malformed_result"
	FailureCapacity        FailureKind = "capacity"
)

// Error is the uniform failure type returned by capability clients. A turn
// that hits one is terminal but safe to retry with identical input, since
// the orchestrator commits no partial state on capability failure.
type Error struct {
	Op   string // capability operation, e.g. "classify"
	Kind FailureKind
	Err  error // underlying cause, may be nil
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("capability %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("capability %s: %s", e.Op, e.Kind)
}

// Unwrap exposes the underlying cause for errors.Is/As chains.
func (e *Error) Unwrap() error { return e.Err }

// AsError extracts a *Error from err, if present.
func AsError(err error) (*Error, bool) {
	var ce *Error
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// wrap builds a *Error, promoting context expiry to the timeout kind so
// deadline enforcement by the orchestrator surfaces uniformly.
func wrap(op string, kind FailureKind, err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		kind = FailureTimeout
	}
	return &Error{Op: op, Kind: kind, Err: err}
}
