package push

import (
	"time"

	"github.com/google/uuid"
)

// TokenType names the platform a device token belongs to.
type TokenType string

const (
	TokenGeTui TokenType = "getui"
	TokenRelay TokenType = "relay"
)

type NotificationType string

const (
	NotificationMessage            NotificationType = "NOTIFICATION"
	NotificationChallenge          NotificationType = "CHALLENGE"
	NotificationRateLimitChallenge NotificationType = "RATE_LIMIT_CHALLENGE"
	NotificationAttemptLogin       NotificationType = "ATTEMPT_LOGIN"
)

// Destination identifies the device a notification wakes up.
type Destination struct {
	Account uuid.UUID `json:"account"`
	Device  uint8     `json:"device"`
}

type Notification struct {
	Token       string            `json:"token"`
	TokenType   TokenType         `json:"token_type"`
	Type        NotificationType  `json:"type"`
	Urgent      bool              `json:"urgent"`
	Destination Destination       `json:"destination"`
	Data        map[string]string `json:"data,omitempty"`
}

// Result is the outcome of a single dispatch. Unregistered is only set when the
// platform reported the token as permanently invalid.
type Result struct {
	Accepted       bool      `json:"accepted"`
	Provider       string    `json:"provider"`
	ErrorCode      string    `json:"error_code,omitempty"`
	Unregistered   bool      `json:"unregistered,omitempty"`
	UnregisteredAt time.Time `json:"unregistered_at,omitempty"`
	Body           string    `json:"body,omitempty"`
	At             time.Time `json:"at"`
}
