package repo_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"revline/internal/db"
	"revline/internal/domain"
	"revline/internal/migrate"
	"revline/internal/repo"
)

func newTestRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}
}

const ts = "2026-01-01T00:00:00Z"

func TestMigrateIsIdempotent(t *testing.T) {
	r := newTestRepo(t)
	if err := migrate.Migrate(r.DB); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	v, err := migrate.Current(context.Background(), r.DB)
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	latest, _ := migrate.Latest()
	if v != latest || v == 0 {
		t.Fatalf("expected version %d, got %d", latest, v)
	}
}

func TestRejectionRetryCountPerRunAndType(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)
	insert := func(id, run string, typ domain.RejectionType) domain.Rejection {
		rej, err := r.InsertRejection(ctx, domain.Rejection{ID: id, WorkflowRunID: run, Type: typ, Reason: "x", CreatedAt: ts})
		if err != nil {
			t.Fatalf("insert %s: %v", id, err)
		}
		return rej
	}
	if got := insert("a", "run-1", domain.RejectionStyle).RetryCount; got != 1 {
		t.Fatalf("first retry count = %d", got)
	}
	if got := insert("b", "run-1", domain.RejectionStyle).RetryCount; got != 2 {
		t.Fatalf("second retry count = %d", got)
	}
	if got := insert("c", "run-1", domain.RejectionClarity).RetryCount; got != 1 {
		t.Fatalf("other type retry count = %d", got)
	}
	if got := insert("d", "run-2", domain.RejectionStyle).RetryCount; got != 1 {
		t.Fatalf("other run retry count = %d", got)
	}

	// resolving does not reset the counter
	if err := r.ResolveRejection(ctx, "a"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got := insert("e", "run-1", domain.RejectionStyle).RetryCount; got != 3 {
		t.Fatalf("retry after resolve = %d", got)
	}
	max, err := r.MaxRetryCount(ctx, "run-1", domain.RejectionStyle)
	if err != nil || max != 3 {
		t.Fatalf("max retry = %d, %v", max, err)
	}
	none, err := r.MaxRetryCount(ctx, "run-9", domain.RejectionScope)
	if err != nil || none != 0 {
		t.Fatalf("max retry for unknown = %d, %v", none, err)
	}

	unresolved, err := r.ListRejections(ctx, repo.RejectionFilter{RunID: "run-1", UnresolvedOnly: true})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(unresolved) != 3 {
		t.Fatalf("expected 3 unresolved, got %d", len(unresolved))
	}
	if err := r.ResolveRejection(ctx, "missing"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRejectionRetryCountsAreUniqueUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)
	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := r.InsertRejection(ctx, domain.Rejection{ID: fmt.Sprintf("r%d", i), WorkflowRunID: "run", Type: domain.RejectionScope, Reason: "x", CreatedAt: ts})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	rows, err := r.ListRejections(ctx, repo.RejectionFilter{RunID: "run"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	seen := map[int]bool{}
	for _, rej := range rows {
		if seen[rej.RetryCount] {
			t.Fatalf("duplicate retry count %d", rej.RetryCount)
		}
		seen[rej.RetryCount] = true
	}
	for i := 1; i <= n; i++ {
		if !seen[i] {
			t.Fatalf("missing retry count %d", i)
		}
	}
}

func TestPlanCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)
	p := domain.StrategicPlan{
		ID: "plan-1", BookID: "book", BookSlug: "book", Status: domain.PlanActive, Version: 1,
		Goal:  domain.Goal{MetricThreshold: 8, MaxRuns: 3, MaxCycles: 3},
		Areas: []domain.Area{{AreaID: "area-a", Status: domain.AreaPending}},
		State: domain.PlanState{Phase: domain.PhasePlanning, CurrentRun: 1, MaxRuns: 3},
		CreatedAt: ts, UpdatedAt: ts,
	}
	if err := r.InsertPlan(ctx, p); err != nil {
		t.Fatalf("insert: %v", err)
	}
	first, err := r.GetPlan(ctx, "plan-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	second := first

	first.State.Phase = domain.PhaseParallelExecution
	saved, err := r.UpdatePlan(ctx, first)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if saved.Version != 2 {
		t.Fatalf("expected version 2, got %d", saved.Version)
	}

	second.Status = domain.PlanPaused
	if _, err := r.UpdatePlan(ctx, second); !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("expected ErrConflict for stale writer, got %v", err)
	}
	missing := first
	missing.ID = "nope"
	if _, err := r.UpdatePlan(ctx, missing); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	got, _ := r.GetPlan(ctx, "plan-1")
	if got.State.Phase != domain.PhaseParallelExecution || got.Status != domain.PlanActive {
		t.Fatalf("stale write leaked: %+v", got)
	}
	active, err := r.ActivePlanForBook(ctx, "book")
	if err != nil || active.ID != "plan-1" {
		t.Fatalf("active plan = %v, %v", active.ID, err)
	}
}

func TestStepIterationCounter(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)
	run := domain.WorkflowRun{ID: "run-1", Type: "w1", BookID: "b", Status: domain.RunRunning, CurrentStep: "editor", Version: 1, CreatedAt: ts, UpdatedAt: ts}
	if err := r.InsertRun(ctx, nil, run); err != nil {
		t.Fatalf("insert run: %v", err)
	}
	for want := 1; want <= 3; want++ {
		got, err := r.IncrementStepIteration(ctx, nil, "run-1", "editor", 3, ts)
		if err != nil {
			t.Fatalf("increment: %v", err)
		}
		if got != want {
			t.Fatalf("count = %d, want %d", got, want)
		}
	}
	its, err := r.ListStepIterations(ctx, "run-1")
	if err != nil || len(its) != 1 || its[0].Count != 3 {
		t.Fatalf("iterations = %+v, %v", its, err)
	}
}

func TestRunCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)
	run := domain.WorkflowRun{ID: "run-1", Type: "w1", BookID: "b", Status: domain.RunRunning, CurrentStep: "strategic",
		Data: map[string]any{"k": "v"}, Version: 1, CreatedAt: ts, UpdatedAt: ts}
	if err := r.InsertRun(ctx, nil, run); err != nil {
		t.Fatalf("insert run: %v", err)
	}
	run.CurrentStep = "writer"
	if err := r.UpdateRun(ctx, nil, run); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := r.UpdateRun(ctx, nil, run); !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("expected conflict on stale version, got %v", err)
	}
	got, err := r.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Version != 2 || got.CurrentStep != "writer" || got.Data["k"] != "v" {
		t.Fatalf("unexpected run %+v", got)
	}
	if _, err := r.GetRun(ctx, "missing"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
