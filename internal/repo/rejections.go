package repo

import (
	"context"
	"database/sql"
	"strings"

	"revline/internal/domain"
)

const rejectionColumns = `id,workflow_run_id,event_id,rejection_type,reason,retry_count,resolved,created_at`

// InsertRejection appends a rejection row. Its retry_count is one more than
// the highest count recorded for the same (run, type), computed inside the
// INSERT so concurrent writers cannot both read the same maximum.
func (r Repo) InsertRejection(ctx context.Context, rej domain.Rejection) (domain.Rejection, error) {
	err := r.DB.QueryRowContext(ctx, `INSERT INTO rejections(`+rejectionColumns+`)
SELECT ?,?,?,?,?,COALESCE(MAX(retry_count),0)+1,0,? FROM rejections WHERE workflow_run_id=? AND rejection_type=?
RETURNING retry_count`,
		rej.ID, rej.WorkflowRunID, nullableStringPtr(rej.EventID), rej.Type, rej.Reason, rej.CreatedAt,
		rej.WorkflowRunID, rej.Type).Scan(&rej.RetryCount)
	if err != nil {
		return rej, err
	}
	rej.Resolved = false
	return rej, nil
}

func (r Repo) GetRejection(ctx context.Context, id string) (domain.Rejection, error) {
	rej, err := scanRejection(r.DB.QueryRowContext(ctx, `SELECT `+rejectionColumns+` FROM rejections WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return rej, ErrNotFound
	}
	return rej, err
}

// ResolveRejection flips the resolved flag and touches nothing else.
func (r Repo) ResolveRejection(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE rejections SET resolved=1 WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MaxRetryCount returns the highest retry_count for (run, type), 0 if none.
func (r Repo) MaxRetryCount(ctx context.Context, runID string, t domain.RejectionType) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(retry_count),0) FROM rejections WHERE workflow_run_id=? AND rejection_type=?`, runID, t).Scan(&n)
	return n, err
}

type RejectionFilter struct {
	RunID          string
	Type           domain.RejectionType
	UnresolvedOnly bool
}

// ListRejections returns rows in creation order.
func (r Repo) ListRejections(ctx context.Context, f RejectionFilter) ([]domain.Rejection, error) {
	var (
		clauses []string
		args    []any
	)
	if f.RunID != "" {
		clauses = append(clauses, "workflow_run_id=?")
		args = append(args, f.RunID)
	}
	if f.Type != "" {
		clauses = append(clauses, "rejection_type=?")
		args = append(args, f.Type)
	}
	if f.UnresolvedOnly {
		clauses = append(clauses, "resolved=0")
	}
	query := `SELECT ` + rejectionColumns + ` FROM rejections`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at, rowid"
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Rejection
	for rows.Next() {
		rej, err := scanRejection(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rej)
	}
	return res, rows.Err()
}

func scanRejection(s scanner) (domain.Rejection, error) {
	var rej domain.Rejection
	var eventID sql.NullString
	var resolved int
	if err := s.Scan(&rej.ID, &rej.WorkflowRunID, &eventID, &rej.Type, &rej.Reason, &rej.RetryCount, &resolved, &rej.CreatedAt); err != nil {
		return rej, err
	}
	if eventID.Valid {
		rej.EventID = &eventID.String
	}
	rej.Resolved = resolved != 0
	return rej, nil
}

// RejectionRecord is the column view of a rejection used for event payloads.
func RejectionRecord(rej domain.Rejection) map[string]any {
	rec := map[string]any{
		"id":              rej.ID,
		"workflow_run_id": rej.WorkflowRunID,
		"rejection_type":  string(rej.Type),
		"reason":          rej.Reason,
		"retry_count":     rej.RetryCount,
		"resolved":        rej.Resolved,
		"created_at":      rej.CreatedAt,
	}
	if rej.EventID != nil {
		rec["event_id"] = *rej.EventID
	}
	return rec
}
