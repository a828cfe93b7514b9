package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"revline/internal/domain"
)

const planColumns = `id,book_id,book_slug,workflow_run_id,source_analysis_path,goal_json,areas_json,state_json,status,version,created_at,updated_at`

type planRow struct {
	goal, areas, state string
}

func encodePlan(p domain.StrategicPlan) (planRow, error) {
	var row planRow
	var err error
	if row.goal, err = marshalJSON(p.Goal); err != nil {
		return row, err
	}
	areas := p.Areas
	if areas == nil {
		areas = []domain.Area{}
	}
	if row.areas, err = marshalJSON(areas); err != nil {
		return row, err
	}
	if row.state, err = marshalJSON(p.State); err != nil {
		return row, err
	}
	return row, nil
}

func (r Repo) InsertPlan(ctx context.Context, p domain.StrategicPlan) error {
	row, err := encodePlan(p)
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO strategic_plans(`+planColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.BookID, p.BookSlug, nullable(p.WorkflowRunID), nullable(p.SourceAnalysisPath),
		row.goal, row.areas, row.state, p.Status, p.Version, p.CreatedAt, p.UpdatedAt)
	return err
}

func (r Repo) GetPlan(ctx context.Context, id string) (domain.StrategicPlan, error) {
	p, err := scanPlan(r.DB.QueryRowContext(ctx, `SELECT `+planColumns+` FROM strategic_plans WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

// UpdatePlan saves p if the stored version equals p.Version and returns the
// plan carrying the new version. A stale version yields ErrConflict.
func (r Repo) UpdatePlan(ctx context.Context, p domain.StrategicPlan) (domain.StrategicPlan, error) {
	row, err := encodePlan(p)
	if err != nil {
		return p, err
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE strategic_plans SET workflow_run_id=?, source_analysis_path=?, goal_json=?, areas_json=?, state_json=?, status=?, version=version+1, updated_at=?
WHERE id=? AND version=?`,
		nullable(p.WorkflowRunID), nullable(p.SourceAnalysisPath), row.goal, row.areas, row.state, p.Status, p.UpdatedAt, p.ID, p.Version)
	if err != nil {
		return p, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return p, casMiss(ctx, r.DB, "strategic_plans", p.ID)
	}
	p.Version++
	return p, nil
}

func (r Repo) ListPlans(ctx context.Context, f domain.PlanFilter) ([]domain.StrategicPlan, error) {
	var (
		clauses []string
		args    []any
	)
	if f.BookID != "" {
		clauses = append(clauses, "book_id=?")
		args = append(args, f.BookID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	query := `SELECT ` + planColumns + ` FROM strategic_plans`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StrategicPlan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// ActivePlanForBook returns the newest active plan of a book.
func (r Repo) ActivePlanForBook(ctx context.Context, bookID string) (domain.StrategicPlan, error) {
	p, err := scanPlan(r.DB.QueryRowContext(ctx, `SELECT `+planColumns+` FROM strategic_plans WHERE book_id=? AND status='active' ORDER BY created_at DESC, id DESC LIMIT 1`, bookID))
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

func (r Repo) PlanForRun(ctx context.Context, runID string) (domain.StrategicPlan, error) {
	p, err := scanPlan(r.DB.QueryRowContext(ctx, `SELECT `+planColumns+` FROM strategic_plans WHERE workflow_run_id=? ORDER BY created_at DESC LIMIT 1`, runID))
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

func scanPlan(s scanner) (domain.StrategicPlan, error) {
	var p domain.StrategicPlan
	var runID, source sql.NullString
	var goal, areas, state string
	if err := s.Scan(&p.ID, &p.BookID, &p.BookSlug, &runID, &source, &goal, &areas, &state,
		&p.Status, &p.Version, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return p, err
	}
	p.WorkflowRunID = runID.String
	p.SourceAnalysisPath = source.String
	if err := json.Unmarshal([]byte(goal), &p.Goal); err != nil {
		return p, fmt.Errorf("decode plan %s goal: %w", p.ID, err)
	}
	if err := json.Unmarshal([]byte(areas), &p.Areas); err != nil {
		return p, fmt.Errorf("decode plan %s areas: %w", p.ID, err)
	}
	if err := json.Unmarshal([]byte(state), &p.State); err != nil {
		return p, fmt.Errorf("decode plan %s state: %w", p.ID, err)
	}
	return p, nil
}

// PlanRecord is the column view of a plan used for event payloads.
func PlanRecord(p domain.StrategicPlan) (map[string]any, error) {
	row, err := encodePlan(p)
	if err != nil {
		return nil, err
	}
	rec := map[string]any{
		"id":         p.ID,
		"book_id":    p.BookID,
		"book_slug":  p.BookSlug,
		"goal_json":  row.goal,
		"areas_json": row.areas,
		"state_json": row.state,
		"status":     string(p.Status),
		"version":    p.Version,
		"created_at": p.CreatedAt,
		"updated_at": p.UpdatedAt,
	}
	if p.WorkflowRunID != "" {
		rec["workflow_run_id"] = p.WorkflowRunID
	}
	if p.SourceAnalysisPath != "" {
		rec["source_analysis_path"] = p.SourceAnalysisPath
	}
	return rec, nil
}
