package events

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
)

// Writer appends events to <dir>/<YYYY-MM-DD>-<session>.jsonl. The date is
// fixed when the writer is built.
type Writer struct {
	fs       afero.Fs
	dir      string
	session  string
	worktree string
	path     string
	now      func() time.Time

	mu   sync.Mutex
	seen map[string]struct{}
	idx  *index
	// idxStale is set once an index append fails; later keys are left to the
	// tail scan of the next load.
	idxStale bool
}

type Option func(*Writer)

// WithFs swaps the filesystem, e.g. afero.NewMemMapFs() in tests.
func WithFs(fs afero.Fs) Option {
	return func(w *Writer) { w.fs = fs }
}

func WithClock(now func() time.Time) Option {
	return func(w *Writer) { w.now = now }
}

// NewWriter creates the directory if needed and eagerly loads every
// idempotency key already present in this writer's file.
func NewWriter(dir, sessionID, worktree string, opts ...Option) (*Writer, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("event writer: session id is required")
	}
	w := &Writer{
		fs:       afero.NewOsFs(),
		dir:      dir,
		session:  sessionID,
		worktree: worktree,
		now:      time.Now,
		seen:     map[string]struct{}{},
	}
	for _, opt := range opts {
		opt(w)
	}
	if err := w.fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create events dir: %w", err)
	}
	date := w.now().UTC().Format("2006-01-02")
	w.path = filepath.Join(dir, fmt.Sprintf("%s-%s.jsonl", date, sessionID))
	w.idx = &index{fs: w.fs, path: w.path + ".idx"}
	if err := w.idx.load(w.path, w.seen); err != nil {
		return nil, err
	}
	return w, nil
}

// Path returns the log file this writer appends to.
func (w *Writer) Path() string { return w.path }

func (w *Writer) SessionID() string { return w.session }

// Write appends a non-idempotent event.
func (w *Writer) Write(table string, op Op, data map[string]any, key string) (Event, error) {
	if err := validate(table, op, data, key); err != nil {
		return Event{}, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	ev := w.build(table, op, data, key)
	if _, err := w.append(ev); err != nil {
		return Event{}, err
	}
	return ev, nil
}

// WriteIdempotent appends the event unless idemKey was already written to
// this file. It reports whether a line was appended.
func (w *Writer) WriteIdempotent(idemKey, table string, op Op, data map[string]any, key string) (bool, error) {
	if idemKey == "" {
		return false, fmt.Errorf("idempotency key is required")
	}
	if err := validate(table, op, data, key); err != nil {
		return false, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.seen[idemKey]; ok {
		return false, nil
	}
	ev := w.build(table, op, data, key)
	ev.IdempotencyKey = idemKey
	end, err := w.append(ev)
	if err != nil {
		return false, err
	}
	w.seen[idemKey] = struct{}{}
	// The index must stay a prefix of the log or the next load would skip keys.
	if !w.idxStale {
		if err := w.idx.add(idemKey, end); err != nil {
			w.idxStale = true
		}
	}
	return true, nil
}

// Seen reports whether idemKey is already recorded in this writer's file.
func (w *Writer) Seen(idemKey string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.seen[idemKey]
	return ok
}

func (w *Writer) build(table string, op Op, data map[string]any, key string) Event {
	ev := Event{
		ID:       "evt_" + uuid.NewString()[:8],
		TS:       w.now().UTC().Format(TimestampLayout),
		Worktree: w.worktree,
		Table:    table,
		Op:       op,
	}
	switch op {
	case OpInsert:
		ev.Data = data
	case OpUpdate:
		ev.Key, ev.Data = key, data
	case OpDelete:
		ev.Key = key
	}
	return ev
}

// append writes one line and returns the file size after the write.
func (w *Writer) append(ev Event) (int64, error) {
	line, err := json.Marshal(ev)
	if err != nil {
		return 0, fmt.Errorf("marshal event: %w", err)
	}
	f, err := w.fs.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open event log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return 0, fmt.Errorf("append event: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}
