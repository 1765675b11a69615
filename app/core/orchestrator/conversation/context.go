package conversation

import (
	"encoding/json"
	"fmt"

	"lembra/app/core/orchestrator/catalog"
)

type Kind string

const (
	KindIdle         Kind = "idle"
	KindConfirmation Kind = "confirmation"
	KindBatch        Kind = "batch"
	KindClosed       Kind = "closed"
)

// Context is the state-specific payload of a conversation. Each state owns
// exactly one variant and a transition always writes a whole new value.
type Context interface {
	Kind() Kind
	isContext()
}

type IdleContext struct {
	LastIntent string `json:"last_intent,omitempty"`
	LastAction string `json:"last_action,omitempty"`
}

type Purpose string

const (
	PurposeSelectSave    Purpose = "select_save"
	PurposeConfirmDelete Purpose = "confirm_delete"
	PurposeClarify       Purpose = "clarify"
)

type ConfirmationContext struct {
	Purpose    Purpose             `json:"purpose"`
	Candidates []catalog.Candidate `json:"candidates,omitempty"`
	ItemType   string              `json:"item_type,omitempty"`
	Query      string              `json:"query,omitempty"`
	ItemIDs    []string            `json:"item_ids,omitempty"`
	Prompt     string              `json:"prompt,omitempty"`
}

type BatchStatus string

const (
	BatchPending    BatchStatus = "pending"
	BatchProcessing BatchStatus = "processing"
	BatchConfirmed  BatchStatus = "confirmed"
	BatchSkipped    BatchStatus = "skipped"
)

type BatchItem struct {
	Query  string      `json:"query"`
	Type   string      `json:"type"`
	Status BatchStatus `json:"status"`
}

type ConfirmedItem struct {
	ItemID string `json:"item_id"`
	Title  string `json:"title"`
	Year   int    `json:"year,omitempty"`
	Type   string `json:"type"`
}

type BatchContext struct {
	Queue        []BatchItem         `json:"queue"`
	CurrentIndex int                 `json:"current_index"`
	Candidates   []catalog.Candidate `json:"candidates,omitempty"`
	Confirmed    []ConfirmedItem     `json:"confirmed,omitempty"`
}

type ClosedContext struct{}

func (IdleContext) Kind() Kind         { return KindIdle }
func (ConfirmationContext) Kind() Kind { return KindConfirmation }
func (BatchContext) Kind() Kind        { return KindBatch }
func (ClosedContext) Kind() Kind       { return KindClosed }

func (IdleContext) isContext()         {}
func (ConfirmationContext) isContext() {}
func (BatchContext) isContext()        {}
func (ClosedContext) isContext()       {}

// KindFor returns the context variant owned by state.
func KindFor(state State) (Kind, error) {
	switch state {
	case StateIdle, StateWaitingClose:
		return KindIdle, nil
	case StateAwaitingConfirmation:
		return KindConfirmation, nil
	case StateAwaitingBatchItem:
		return KindBatch, nil
	case StateClosed:
		return KindClosed, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidState, state)
}

func ValidateContext(state State, c Context) error {
	want, err := KindFor(state)
	if err != nil {
		return err
	}
	if c == nil {
		return fmt.Errorf("%w: nil context for state %s", ErrContextMismatch, state)
	}
	if c.Kind() != want {
		return fmt.Errorf("%w: %s context for state %s", ErrContextMismatch, c.Kind(), state)
	}
	return nil
}

// Processing returns the index of the batch item awaiting a selection, or -1.
func (b BatchContext) Processing() int {
	for i, item := range b.Queue {
		if item.Status == BatchProcessing {
			return i
		}
	}
	return -1
}

type envelope struct {
	Kind Kind            `json:"kind"`
	Data json.RawMessage `json:"data"`
}

func EncodeContext(c Context) (string, error) {
	if c == nil {
		return "", fmt.Errorf("encode context: nil")
	}
	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("encode %s context: %w", c.Kind(), err)
	}
	raw, err := json.Marshal(envelope{Kind: c.Kind(), Data: data})
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func DecodeContext(raw string) (Context, error) {
	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, fmt.Errorf("decode context: %w", err)
	}
	var (
		c   Context
		err error
	)
	switch env.Kind {
	case KindIdle:
		var v IdleContext
		err = unmarshalData(env.Data, &v)
		c = v
	case KindConfirmation:
		var v ConfirmationContext
		err = unmarshalData(env.Data, &v)
		c = v
	case KindBatch:
		var v BatchContext
		err = unmarshalData(env.Data, &v)
		c = v
	case KindClosed:
		c = ClosedContext{}
	default:
		return nil, fmt.Errorf("decode context: unknown kind %q", env.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s context: %w", env.Kind, err)
	}
	return c, nil
}

func unmarshalData(data json.RawMessage, v any) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	return json.Unmarshal(data, v)
}

func mustEncode(c Context) string {
	raw, err := EncodeContext(c)
	if err != nil {
		panic(err)
	}
	return raw
}
