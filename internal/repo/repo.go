package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"revline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = domain.ErrNotFound
	ErrConflict = domain.ErrConflict
)

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// on runs against tx when given, else against the pool.
func (r Repo) on(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return r.DB
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func marshalJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// casMiss tells a stale version apart from a missing row after an UPDATE
// that matched nothing.
func casMiss(ctx context.Context, q querier, table, id string) error {
	var one int
	err := q.QueryRowContext(ctx, fmt.Sprintf(`SELECT 1 FROM %s WHERE id=?`, table), id).Scan(&one)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrConflict
}
