// Package domain – conversation stage and input enumerations.
//
// Stage is a closed tagged set rather than a free-form string so the stage
// machine's transition table can be exhaustive: an unknown stage or input
// kind is a validation failure, never a silent fall-through.
package domain

// Stage is the discrete position of a session within the guided
// conversation state machine.
type Stage string

// The full stage set, in conversation order. GeneralChat is terminal and
// self-looping; there are no back-edges.
const (
	StageAwaitingBreedImage     Stage = "awaiting_breed_image"
	StageAwaitingServiceChoice  Stage = "awaiting_service_choice"
	StageAwaitingConditionImage Stage = "awaiting_condition_image"
	StageGeneralChat            Stage = "general_chat"
)

// Valid reports whether s is a member of the closed stage set.
func (s Stage) Valid() bool {
	switch s {
	case StageAwaitingBreedImage, StageAwaitingServiceChoice,
		StageAwaitingConditionImage, StageGeneralChat:
		return true
	}
	return false
}

// ExpectedInput returns the input kind a session in stage s accepts.
// Unknown stages map to InputNone.
func (s Stage) ExpectedInput() InputKind {
	switch s {
	case StageAwaitingBreedImage, StageAwaitingConditionImage:
		return InputImage
	case StageAwaitingServiceChoice:
		return InputSelection
	case StageGeneralChat:
		return InputText
	}
	return InputNone
}

// Terminal reports whether s is the self-looping final stage.
func (s Stage) Terminal() bool { return s == StageGeneralChat }

// InputKind is the kind of payload a turn carries. Exactly one kind must be
// present per turn.
type InputKind string

// Input kinds accepted by the turn endpoint.
const (
	InputNone      InputKind = ""
	InputImage     InputKind = "image"
	InputText      InputKind = "text"
	InputSelection InputKind = "selection"
)

// ServiceChoice is the branch selected while in StageAwaitingServiceChoice.
type ServiceChoice string

// Recognized service choices.
const (
	ChoiceDiseaseDetection ServiceChoice = "disease_detection"
	ChoiceGeneralChat      ServiceChoice = "general_chat"
)

// Valid reports whether c is a recognized service choice.
func (c ServiceChoice) Valid() bool {
	return c == ChoiceDiseaseDetection || c == ChoiceGeneralChat
}
