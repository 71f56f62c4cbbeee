package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Notification categories.
const (
	CategorySuccess = "SUCCESS"
	CategoryFailure = "FAILURE"
)

// CauseAuto marks a message created by an autonomous trigger rather than a
// user-initiated turn.
const CauseAuto = "auto"

type User struct {
	ID        string
	Name      string
	Token     string
	CreatedAt time.Time
}

// Persona is a configurable chat character owned by a user. AutoMessageTimes
// holds trigger specs: either "HH:mm" (daily at that wall-clock time) or a
// full cron expression.
type Persona struct {
	ID               string    `json:"id"`
	UserID           string    `json:"userId"`
	Name             string    `json:"name"`
	Description      string    `json:"description"`
	Tone             string    `json:"tone"`
	Style            string    `json:"style"`
	Language         string    `json:"language"`
	Rules            []string  `json:"rules"`
	AvatarURL        string    `json:"avatarUrl"`
	AutoMessageTimes []string  `json:"autoMessageTimes"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// MessageMeta tags a message with its cause. Only autonomous-trigger messages
// carry metadata today; user-initiated turns leave it nil.
type MessageMeta struct {
	Cause       string `json:"cause"`
	TriggerTime string `json:"triggerTime,omitempty"`
}

type Message struct {
	ID        string       `json:"id"`
	PersonaID string       `json:"personaId"`
	Role      string       `json:"role"`
	Content   string       `json:"content"`
	Model     string       `json:"model,omitempty"`
	Meta      *MessageMeta `json:"metadata,omitempty"`
	CreatedAt time.Time    `json:"createdAt"`
}

type Notification struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	PersonaID string    `json:"personaId,omitempty"`
	Category  string    `json:"category"`
	Name      string    `json:"name"`
	Message   string    `json:"message"`
	Time      time.Time `json:"time"`
}

type Subscription struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Endpoint  string    `json:"endpoint"`
	P256dh    string    `json:"p256dh"`
	Auth      string    `json:"auth"`
	CreatedAt time.Time `json:"createdAt"`
}
