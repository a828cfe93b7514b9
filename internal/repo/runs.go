package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"revline/internal/domain"
)

const runColumns = `id,workflow_type,book_id,plan_id,status,current_step,data_json,last_error,version,created_at,updated_at`

func (r Repo) InsertRun(ctx context.Context, tx *sql.Tx, run domain.WorkflowRun) error {
	data, err := marshalJSON(orEmpty(run.Data))
	if err != nil {
		return err
	}
	_, err = r.on(tx).ExecContext(ctx, `INSERT INTO workflow_runs(`+runColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		run.ID, run.Type, run.BookID, nullableStringPtr(run.PlanID), run.Status, run.CurrentStep, data,
		nullable(run.LastError), run.Version, run.CreatedAt, run.UpdatedAt)
	return err
}

func (r Repo) GetRun(ctx context.Context, id string) (domain.WorkflowRun, error) {
	return r.GetRunTx(ctx, nil, id)
}

func (r Repo) GetRunTx(ctx context.Context, tx *sql.Tx, id string) (domain.WorkflowRun, error) {
	row := r.on(tx).QueryRowContext(ctx, `SELECT `+runColumns+` FROM workflow_runs WHERE id=?`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return run, ErrNotFound
	}
	return run, err
}

// UpdateRun writes run when the stored version still equals run.Version and
// bumps the stored version by one.
func (r Repo) UpdateRun(ctx context.Context, tx *sql.Tx, run domain.WorkflowRun) error {
	data, err := marshalJSON(orEmpty(run.Data))
	if err != nil {
		return err
	}
	q := r.on(tx)
	res, err := q.ExecContext(ctx, `UPDATE workflow_runs SET plan_id=?, status=?, current_step=?, data_json=?, last_error=?, version=version+1, updated_at=?
WHERE id=? AND version=?`,
		nullableStringPtr(run.PlanID), run.Status, run.CurrentStep, data, nullable(run.LastError), run.UpdatedAt, run.ID, run.Version)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return casMiss(ctx, q, "workflow_runs", run.ID)
	}
	return nil
}

func (r Repo) ListRuns(ctx context.Context, f domain.RunFilter) ([]domain.WorkflowRun, error) {
	var (
		clauses []string
		args    []any
	)
	if f.BookID != "" {
		clauses = append(clauses, "book_id=?")
		args = append(args, f.BookID)
	}
	if f.Type != "" {
		clauses = append(clauses, "workflow_type=?")
		args = append(args, f.Type)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	query := `SELECT ` + runColumns + ` FROM workflow_runs`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkflowRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (domain.WorkflowRun, error) {
	var run domain.WorkflowRun
	var planID, lastError sql.NullString
	var data string
	if err := s.Scan(&run.ID, &run.Type, &run.BookID, &planID, &run.Status, &run.CurrentStep, &data,
		&lastError, &run.Version, &run.CreatedAt, &run.UpdatedAt); err != nil {
		return run, err
	}
	if planID.Valid {
		run.PlanID = &planID.String
	}
	if lastError.Valid {
		run.LastError = lastError.String
	}
	if err := json.Unmarshal([]byte(data), &run.Data); err != nil {
		return run, fmt.Errorf("decode run %s data: %w", run.ID, err)
	}
	if run.Data == nil {
		run.Data = map[string]any{}
	}
	return run, nil
}

// RunRecord is the column view of a run used for event payloads.
func RunRecord(run domain.WorkflowRun) map[string]any {
	data, _ := marshalJSON(orEmpty(run.Data))
	rec := map[string]any{
		"id":            run.ID,
		"workflow_type": run.Type,
		"book_id":       run.BookID,
		"status":        string(run.Status),
		"current_step":  run.CurrentStep,
		"data_json":     data,
		"version":       run.Version,
		"created_at":    run.CreatedAt,
		"updated_at":    run.UpdatedAt,
	}
	if run.PlanID != nil {
		rec["plan_id"] = *run.PlanID
	}
	if run.LastError != "" {
		rec["last_error"] = run.LastError
	}
	return rec
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// IncrementStepIteration bumps the (run, step) counter and returns the new
// count. The first call creates the row with count 1.
func (r Repo) IncrementStepIteration(ctx context.Context, tx *sql.Tx, runID, step string, maxIterations int, now string) (int, error) {
	var count int
	err := r.on(tx).QueryRowContext(ctx, `INSERT INTO step_iterations(run_id,step,count,max_iterations,updated_at) VALUES (?,?,1,?,?)
ON CONFLICT(run_id,step) DO UPDATE SET count=count+1, max_iterations=excluded.max_iterations, updated_at=excluded.updated_at
RETURNING count`, runID, step, maxIterations, now).Scan(&count)
	return count, err
}

func (r Repo) ListStepIterations(ctx context.Context, runID string) ([]domain.StepIteration, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT run_id,step,count,max_iterations,updated_at FROM step_iterations WHERE run_id=? ORDER BY step`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StepIteration
	for rows.Next() {
		var it domain.StepIteration
		if err := rows.Scan(&it.RunID, &it.Step, &it.Count, &it.MaxIterations, &it.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, it)
	}
	return res, rows.Err()
}

func (r Repo) InsertGateDecision(ctx context.Context, tx *sql.Tx, d domain.GateDecision) (int64, error) {
	res, err := r.on(tx).ExecContext(ctx, `INSERT INTO gate_decisions(run_id,step,option_label,input,next_step,decided_at) VALUES (?,?,?,?,?,?)`,
		d.RunID, d.Step, d.Option, nullable(d.Input), nullable(d.NextStep), d.DecidedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) ListGateDecisions(ctx context.Context, runID string) ([]domain.GateDecision, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,run_id,step,option_label,COALESCE(input,''),COALESCE(next_step,''),decided_at FROM gate_decisions WHERE run_id=? ORDER BY id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.GateDecision
	for rows.Next() {
		var d domain.GateDecision
		if err := rows.Scan(&d.ID, &d.RunID, &d.Step, &d.Option, &d.Input, &d.NextStep, &d.DecidedAt); err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}
