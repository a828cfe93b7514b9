package events

import (
	"fmt"
	"time"
)

type Op string

const (
	OpInsert Op = "INSERT"
	OpUpdate Op = "UPDATE"
	OpDelete Op = "DELETE"
)

// TimestampLayout is RFC3339 in UTC with millisecond precision.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// Event is one line of a JSONL log file.
type Event struct {
	ID             string         `json:"id"`
	TS             string         `json:"ts"`
	Worktree       string         `json:"worktree"`
	Table          string         `json:"table"`
	Op             Op             `json:"op"`
	Data           map[string]any `json:"data,omitempty"`
	Key            string         `json:"key,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
}

// Time parses TS. Events from a Reader always carry a valid TS; otherwise
// the zero time is returned.
func (e Event) Time() time.Time {
	t, err := time.Parse(time.RFC3339Nano, e.TS)
	if err != nil {
		return time.Time{}
	}
	return t
}

func validate(table string, op Op, data map[string]any, key string) error {
	if table == "" {
		return fmt.Errorf("event table is required")
	}
	switch op {
	case OpInsert:
		if data == nil {
			return fmt.Errorf("%s event on %s requires data", op, table)
		}
	case OpUpdate:
		if data == nil || key == "" {
			return fmt.Errorf("%s event on %s requires key and data", op, table)
		}
	case OpDelete:
		if key == "" {
			return fmt.Errorf("%s event on %s requires key", op, table)
		}
	default:
		return fmt.Errorf("unknown event op %q", op)
	}
	return nil
}

// MalformedEventError reports a line that is not a valid event.
type MalformedEventError struct {
	Path string
	Line int
	Err  error
}

func (e *MalformedEventError) Error() string {
	return fmt.Sprintf("malformed event at %s:%d: %v", e.Path, e.Line, e.Err)
}

func (e *MalformedEventError) Unwrap() error { return e.Err }

// Sink is the write side other packages depend on; *Writer implements it.
type Sink interface {
	WriteIdempotent(idemKey, table string, op Op, data map[string]any, key string) (bool, error)
}

// Discard drops every event.
type Discard struct{}

func (Discard) WriteIdempotent(string, string, Op, map[string]any, string) (bool, error) {
	return true, nil
}
