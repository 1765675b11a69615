package conversation

import (
	"errors"
	"fmt"
	"time"
)

type State string

const (
	StateIdle                 State = "idle"
	StateAwaitingConfirmation State = "awaiting_confirmation"
	StateAwaitingBatchItem    State = "awaiting_batch_item"
	StateWaitingClose         State = "waiting_close"
	StateClosed               State = "closed"
)

func (s State) Valid() bool {
	switch s {
	case StateIdle, StateAwaitingConfirmation, StateAwaitingBatchItem, StateWaitingClose, StateClosed:
		return true
	}
	return false
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

var (
	ErrNotFound        = errors.New("conversation not found")
	ErrContextMismatch = errors.New("context variant does not match state")
	ErrInvalidState    = errors.New("invalid conversation state")
)

type Conversation struct {
	ID         string
	UserID     string
	State      State
	Context    Context
	CloseAt    *time.Time
	CloseJobID string // empty when no close job is pending
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// CheckInvariant reports a violation of the close-field pairing rule or a
// context variant that does not belong to the state.
func (c Conversation) CheckInvariant() error {
	if (c.CloseAt == nil) != (c.CloseJobID == "") {
		return fmt.Errorf("conversation %s: close_at and close_job_id must be set together", c.ID)
	}
	if c.CloseAt != nil && c.State != StateWaitingClose {
		return fmt.Errorf("conversation %s: close fields set in state %s", c.ID, c.State)
	}
	if err := ValidateContext(c.State, c.Context); err != nil {
		return fmt.Errorf("conversation %s: %w", c.ID, err)
	}
	return nil
}

type Message struct {
	ID             string
	ConversationID string
	Role           Role
	Content        string
	Seq            int64
	CreatedAt      time.Time
}
