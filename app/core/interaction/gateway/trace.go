package gateway

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const traceFileName = "webhook_events.jsonl"

// TraceEvent is one step of a webhook delivery.
type TraceEvent struct {
	Timestamp      string `json:"timestamp"`
	Provider       string `json:"provider"`
	ExternalID     string `json:"external_id,omitempty"`
	MessageID      string `json:"message_id,omitempty"`
	UserID         string `json:"user_id,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	Event          string `json:"event"`
	Status         string `json:"status"`
	Detail         string `json:"detail,omitempty"`
}

type TraceRecorder interface {
	Record(TraceEvent) error
}

// JSONLTraceRecorder keeps one file open per UTC day under
// <dir>/<date>/webhook_events.jsonl and switches files when the day changes.
type JSONLTraceRecorder struct {
	dir string
	now func() time.Time

	mu   sync.Mutex
	day  string
	file *os.File
}

func NewTraceRecorder(dir string) (*JSONLTraceRecorder, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("trace dir is required")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create trace dir: %w", err)
	}
	return &JSONLTraceRecorder{dir: dir, now: time.Now}, nil
}

func (r *JSONLTraceRecorder) Record(event TraceEvent) error {
	at := r.now().UTC()
	if event.Timestamp == "" {
		event.Timestamp = at.Format(time.RFC3339Nano)
	}
	line, err := json.Marshal(event)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	f, err := r.fileForLocked(at.Format("2006-01-02"))
	if err != nil {
		return err
	}
	_, err = f.Write(append(line, '\n'))
	return err
}

func (r *JSONLTraceRecorder) fileForLocked(day string) (*os.File, error) {
	if r.file != nil && r.day == day {
		return r.file, nil
	}
	if r.file != nil {
		_ = r.file.Close()
		r.file = nil
	}
	dayDir := filepath.Join(r.dir, day)
	if err := os.MkdirAll(dayDir, 0755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(dayDir, traceFileName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	r.day, r.file = day, f
	return f, nil
}

func (r *JSONLTraceRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}
