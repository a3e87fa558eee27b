// Package domain defines the persistence models for conversation sessions,
// messages, and users. These types are mapped with GORM and form the core
// data layer of the dog-care assistant backend.
package domain

import (
	"time"

	"gorm.io/gorm"
)

// Session represents one guided diagnostic conversation owned by a user.
// It accumulates the detection results produced along the way (breed first,
// optionally a health condition) and tracks the current Stage.
//
// Concurrency: Version is an optimistic-concurrency marker. Every accepted
// turn increments it; writers must supply the version they read, and the
// repository rejects the write when the row has moved on. This is what
// guarantees at most one turn is in flight per session.
//
// Fields:
//   - ID: stable UUID primary key (char(36)).
//   - UserID: identifier of the session owner; indexed for retrieval.
//   - Stage: current position in the conversation state machine.
//   - DogBreed / BreedConfidence: set once by a successful breed
//     classification, never overwritten within the same session.
//   - HealthCondition / ConditionConfidence: set once a disease
//     classification result is merged; nil until then.
//   - IsActive: false once the session is closed or expired; inactive
//     sessions reject further turns.
//   - Version: optimistic-concurrency counter (see above).
//   - CreatedAt / UpdatedAt: timestamps; UpdatedAt advances on every
//     accepted turn.
type Session struct {
	ID                  string         `json:"session_id" gorm:"type:char(36);primaryKey"`
	UserID              string         `json:"user_id"    gorm:"type:varchar(64);not null;index:idx_user_sessions"`
	Stage               Stage          `json:"stage"      gorm:"type:varchar(32);not null"`
	DogBreed            *string        `json:"dog_breed,omitempty"            gorm:"type:varchar(128)"`
	BreedConfidence     *float64       `json:"breed_confidence,omitempty"`
	HealthCondition     *string        `json:"health_condition,omitempty"     gorm:"type:varchar(128)"`
	ConditionConfidence *float64       `json:"condition_confidence,omitempty"`
	IsActive            bool           `json:"is_active"  gorm:"not null;default:true;index"`
	Version             int64          `json:"-"          gorm:"not null;default:0"`
	CreatedAt           time.Time      `json:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at" gorm:"index"`
	DeletedAt           gorm.DeletedAt `json:"-"          gorm:"index"`
}

// TableName returns the database table name for Session.
func (Session) TableName() string { return "sessions" }

// MessageKind describes what a message carries.
type MessageKind string

// Message kinds persisted in the message log.
const (
	MessageText      MessageKind = "text"
	MessageImage     MessageKind = "image"
	MessageSelection MessageKind = "selection"
	MessageDetection MessageKind = "detection_result"
	MessageError     MessageKind = "error"
)

// Message is one immutable entry in a session's append-only message log.
// Exactly two are written per accepted turn (the inbound user message and
// the generated reply); failed capability attempts may additionally be
// recorded with Kind == MessageError for audit.
//
// Messages are never updated or deleted; they are the durable audit trail
// and the source for context-window construction.
type Message struct {
	ID            string      `json:"message_id" gorm:"type:char(36);primaryKey"`
	SessionID     string      `json:"session_id" gorm:"type:char(36);not null;index:idx_session_msgs,priority:1"`
	UserID        string      `json:"user_id"    gorm:"type:varchar(64);not null"`
	IsUserMessage bool        `json:"is_user_message" gorm:"not null"`
	Kind          MessageKind `json:"kind"       gorm:"type:varchar(24);not null"`
	Content       string      `json:"content"    gorm:"type:text;not null"`

	// Detection fields are populated only when the turn involved a
	// classification capability call.
	DetectionModel      *string  `json:"detection_model,omitempty"      gorm:"type:varchar(16)"`
	DetectionLabel      *string  `json:"detection_label,omitempty"      gorm:"type:varchar(128)"`
	DetectionConfidence *float64 `json:"detection_confidence,omitempty"`
	DetectionLatencyMs  *int64   `json:"detection_latency_ms,omitempty"`

	CreatedAt time.Time `json:"timestamp" gorm:"index:idx_session_msgs,priority:2"`

	// Session is the owning conversation. Messages are cascade-deleted
	// if their session is removed.
	Session Session `json:"-" gorm:"foreignKey:SessionID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Message.
func (Message) TableName() string { return "messages" }

// User is an account that owns sessions. Passwords are stored as bcrypt
// hashes only.
type User struct {
	ID           string         `json:"user_id"    gorm:"type:char(36);primaryKey"`
	Email        string         `json:"email"      gorm:"type:varchar(255);not null;uniqueIndex"`
	Name         string         `json:"name"       gorm:"type:varchar(128);not null"`
	PasswordHash string         `json:"-"          gorm:"type:varchar(128);not null"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"-"`
	LastActiveAt time.Time      `json:"last_active_at"`
	DeletedAt    gorm.DeletedAt `json:"-" gorm:"index"`
}

// TableName returns the database table name for User.
func (User) TableName() string { return "users" }
