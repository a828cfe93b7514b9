package rejection

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"revline/internal/domain"
	"revline/internal/events"
	"revline/internal/repo"
)

const DefaultEscalationThreshold = 3

// Store is the persistence the tracker needs; repo.Repo implements it.
type Store interface {
	InsertRejection(ctx context.Context, rej domain.Rejection) (domain.Rejection, error)
	GetRejection(ctx context.Context, id string) (domain.Rejection, error)
	ResolveRejection(ctx context.Context, id string) error
	MaxRetryCount(ctx context.Context, runID string, t domain.RejectionType) (int, error)
	ListRejections(ctx context.Context, f repo.RejectionFilter) ([]domain.Rejection, error)
}

// Tracker keeps the insert-only rejection history.
type Tracker struct {
	Store     Store
	Events    events.Sink
	Log       logrus.FieldLogger
	Threshold int
	Now       func() time.Time
}

func NewTracker(store Store, sink events.Sink, log logrus.FieldLogger, threshold int) *Tracker {
	if sink == nil {
		sink = events.Discard{}
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	if threshold <= 0 {
		threshold = DefaultEscalationThreshold
	}
	return &Tracker{Store: store, Events: sink, Log: log, Threshold: threshold, Now: time.Now}
}

type RecordInput struct {
	RunID   string
	Type    domain.RejectionType
	Reason  string
	EventID *string
}

// ParseType validates a rejection type name.
func ParseType(s string) (domain.RejectionType, error) {
	for _, t := range domain.RejectionTypes {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown rejection type %q (want style, mechanics, clarity or scope)", s)
}

// Record inserts a new rejection row. Earlier rows are never modified.
func (t *Tracker) Record(ctx context.Context, in RecordInput) (domain.Rejection, error) {
	if in.RunID == "" {
		return domain.Rejection{}, fmt.Errorf("workflow run id is required")
	}
	if _, err := ParseType(string(in.Type)); err != nil {
		return domain.Rejection{}, err
	}
	rej, err := t.Store.InsertRejection(ctx, domain.Rejection{
		ID:            uuid.NewString(),
		WorkflowRunID: in.RunID,
		EventID:       in.EventID,
		Type:          in.Type,
		Reason:        in.Reason,
		CreatedAt:     t.Now().UTC().Format(events.TimestampLayout),
	})
	if err != nil {
		return domain.Rejection{}, fmt.Errorf("record rejection: %w", err)
	}
	t.emit("rejection:"+rej.ID+":insert", events.OpInsert, repo.RejectionRecord(rej), "")
	t.Log.WithFields(logrus.Fields{
		"rejection_id": rej.ID,
		"run_id":       rej.WorkflowRunID,
		"type":         rej.Type,
		"retry_count":  rej.RetryCount,
	}).Info("rejection recorded")
	return rej, nil
}

// Resolve marks one rejection resolved; retry counts are unaffected.
func (t *Tracker) Resolve(ctx context.Context, id string) error {
	if err := t.Store.ResolveRejection(ctx, id); err != nil {
		return fmt.Errorf("resolve rejection %s: %w", id, err)
	}
	t.emit("rejection:"+id+":resolved", events.OpUpdate, map[string]any{"resolved": true}, id)
	t.Log.WithField("rejection_id", id).Info("rejection resolved")
	return nil
}

func (t *Tracker) Get(ctx context.Context, id string) (domain.Rejection, error) {
	return t.Store.GetRejection(ctx, id)
}

// RetryCount is the highest retry_count for (run, type), 0 if none.
func (t *Tracker) RetryCount(ctx context.Context, runID string, typ domain.RejectionType) (int, error) {
	return t.Store.MaxRetryCount(ctx, runID, typ)
}

func (t *Tracker) ShouldEscalate(ctx context.Context, runID string, typ domain.RejectionType) (bool, error) {
	n, err := t.RetryCount(ctx, runID, typ)
	if err != nil {
		return false, err
	}
	return n >= t.Threshold, nil
}

// ForRun lists a run's rejections in creation order. An empty runID lists all.
func (t *Tracker) ForRun(ctx context.Context, runID string) ([]domain.Rejection, error) {
	return t.Store.ListRejections(ctx, repo.RejectionFilter{RunID: runID})
}

func (t *Tracker) Unresolved(ctx context.Context, runID string) ([]domain.Rejection, error) {
	return t.Store.ListRejections(ctx, repo.RejectionFilter{RunID: runID, UnresolvedOnly: true})
}

func (t *Tracker) emit(idemKey string, op events.Op, data map[string]any, key string) {
	if _, err := t.Events.WriteIdempotent(idemKey, "rejections", op, data, key); err != nil {
		t.Log.WithError(err).WithField("idempotency_key", idemKey).Warn("event append failed")
	}
}
