// Package conversation implements the stage machine for the guided
// diagnostic flow: a pure decision function with no I/O and no clock.
//
// Given the session's current stage and the kind of input the turn carries,
// Next decides which capability action (if any) the orchestrator must
// perform and which stage the session moves to on success. The function is
// total over its declared domain: every (stage, input-kind) pair that is
// not explicitly allowed yields ErrStageMismatch, and an unrecognized
// selection yields ErrInvalidSelection, never a silent no-op.
//
// The transition table:
//
//	awaiting_breed_image     + image     → ClassifyBreed     → awaiting_service_choice
//	awaiting_service_choice  + selection → None (routing)    → awaiting_condition_image | general_chat
//	awaiting_condition_image + image     → ClassifyCondition → general_chat
//	general_chat             + text      → Answer            → general_chat (self-loop)
//
// Transitions form a strict partial order with no back-edges; general_chat
// is the only self-loop. Because awaiting_breed_image is left permanently
// after the first successful classification, a session's breed can never
// be recomputed; the guarantee is structural, not a runtime check.
package conversation

import (
	"errors"

	"github.com/marshee/dogcare-backend/internal/domain"
)

// Action is the capability work the orchestrator must perform for a turn.
type Action int

// Actions, in conversation order.
const (
	// ActionNone advances the stage without any capability call
	// (service-choice routing).
	ActionNone Action = iota
	// ActionClassifyBreed runs the breed classifier on the submitted image.
	ActionClassifyBreed
	// ActionClassifyCondition runs the disease classifier on the
	// submitted image.
	ActionClassifyCondition
	// ActionAnswer runs retrieval plus answer generation on the
	// submitted text.
	ActionAnswer
)

// String returns a short name for the action, used in spans and logs.
func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionClassifyBreed:
		return "classify_breed"
	case ActionClassifyCondition:
		return "classify_condition"
	case ActionAnswer:
		return "answer"
	}
	return "unknown"
}

// Validation errors returned by Next. Both leave the session untouched;
// the caller must change the input, not merely resend it.
var (
	// ErrStageMismatch indicates the input kind does not match what the
	// current stage expects (e.g., text while awaiting an image).
	ErrStageMismatch = errors.New("input does not match current stage")

	// ErrInvalidSelection indicates an unrecognized service choice while
	// awaiting a selection.
	ErrInvalidSelection = errors.New("unrecognized service selection")
)

// Next computes the required action and the successor stage for a turn.
//
// It never mutates anything: the orchestrator applies the returned stage
// only after the action (if any) has succeeded, so a failed capability
// call leaves the session exactly where it was.
func Next(stage domain.Stage, kind domain.InputKind, choice domain.ServiceChoice) (Action, domain.Stage, error) {
	switch stage {
	case domain.StageAwaitingBreedImage:
		if kind != domain.InputImage {
			return ActionNone, stage, ErrStageMismatch
		}
		return ActionClassifyBreed, domain.StageAwaitingServiceChoice, nil

	case domain.StageAwaitingServiceChoice:
		if kind != domain.InputSelection {
			return ActionNone, stage, ErrStageMismatch
		}
		switch choice {
		case domain.ChoiceDiseaseDetection:
			return ActionNone, domain.StageAwaitingConditionImage, nil
		case domain.ChoiceGeneralChat:
			return ActionNone, domain.StageGeneralChat, nil
		}
		return ActionNone, stage, ErrInvalidSelection

	case domain.StageAwaitingConditionImage:
		if kind != domain.InputImage {
			return ActionNone, stage, ErrStageMismatch
		}
		// A recorded condition always flows into open chat.
		return ActionClassifyCondition, domain.StageGeneralChat, nil

	case domain.StageGeneralChat:
		if kind != domain.InputText {
			return ActionNone, stage, ErrStageMismatch
		}
		return ActionAnswer, domain.StageGeneralChat, nil
	}

	// Unknown stage: reject rather than guess.
	return ActionNone, stage, ErrStageMismatch
}
