package types

import (
	"context"
	"net/http"
	"time"
)

// Incoming is a normalized inbound text message from any channel.
type Incoming struct {
	ExternalID string // chat or phone id used to reply
	MessageID  string // provider message id, used by read receipts
	SenderName string
	Text       string
	Phone      string
	Timestamp  time.Time
}

// Adapter is the per-network contract used by the webhook gateway.
type Adapter interface {
	ID() string
	// Verify checks request authenticity. body is the raw request body.
	Verify(r *http.Request, body []byte) bool
	// ParseIncoming returns false when the payload is not a text message.
	ParseIncoming(body []byte) (Incoming, bool)
	Send(ctx context.Context, externalID string, text string) error
}

// ReadMarker is an optional post-send hook. Failures are never fatal.
type ReadMarker interface {
	MarkRead(ctx context.Context, messageID string) error
}

// Handshaker is implemented by adapters whose provider verifies the webhook
// URL with a GET request before delivering events.
type Handshaker interface {
	Handshake(query map[string][]string) (challenge string, ok bool)
}

// Turn is one inbound message ready for the engine.
type Turn struct {
	UserID    string
	Provider  string
	Text      string
	Timestamp time.Time
}
