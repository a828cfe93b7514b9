package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Tables maps a table name to its primary key column. INSERT events upsert
// whole rows; UPDATE and DELETE address rows through the primary key.
type Tables map[string]string

// DefaultTables lists the revline tables that events describe.
var DefaultTables = Tables{
	"workflow_runs":   "id",
	"strategic_plans": "id",
	"rejections":      "id",
	"gate_decisions":  "id",
	"step_iterations": "",
}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Materialize replays events in order into db inside one transaction and
// returns how many were applied. Events for unknown tables are skipped.
func Materialize(ctx context.Context, db *sql.DB, evs []Event, tables Tables) (int, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	applied := 0
	for _, ev := range evs {
		pk, ok := tables[ev.Table]
		if !ok {
			continue
		}
		query, args, err := statement(ev, pk)
		if err != nil {
			return applied, fmt.Errorf("event %s: %w", ev.ID, err)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return applied, fmt.Errorf("apply event %s on %s: %w", ev.ID, ev.Table, err)
		}
		applied++
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return applied, nil
}

func statement(ev Event, pk string) (string, []any, error) {
	if !identRe.MatchString(ev.Table) {
		return "", nil, fmt.Errorf("invalid table name %q", ev.Table)
	}
	cols, vals, err := columns(ev.Data)
	if err != nil {
		return "", nil, err
	}
	switch ev.Op {
	case OpInsert:
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(cols)), ",")
		q := fmt.Sprintf("INSERT OR REPLACE INTO %s (%s) VALUES (%s)", ev.Table, strings.Join(cols, ","), placeholders)
		return q, vals, nil
	case OpUpdate:
		if pk == "" {
			return "", nil, fmt.Errorf("table %s has no primary key for UPDATE", ev.Table)
		}
		sets := make([]string, len(cols))
		for i, c := range cols {
			sets[i] = c + "=?"
		}
		q := fmt.Sprintf("UPDATE %s SET %s WHERE %s=?", ev.Table, strings.Join(sets, ","), pk)
		return q, append(vals, ev.Key), nil
	case OpDelete:
		if pk == "" {
			return "", nil, fmt.Errorf("table %s has no primary key for DELETE", ev.Table)
		}
		return fmt.Sprintf("DELETE FROM %s WHERE %s=?", ev.Table, pk), []any{ev.Key}, nil
	default:
		return "", nil, fmt.Errorf("unknown op %q", ev.Op)
	}
}

// columns returns sorted column names and their values. Nested values are
// stored as JSON text.
func columns(data map[string]any) ([]string, []any, error) {
	cols := make([]string, 0, len(data))
	for c := range data {
		if !identRe.MatchString(c) {
			return nil, nil, fmt.Errorf("invalid column name %q", c)
		}
		cols = append(cols, c)
	}
	sort.Strings(cols)
	vals := make([]any, len(cols))
	for i, c := range cols {
		switch v := data[c].(type) {
		case map[string]any, []any:
			b, err := json.Marshal(v)
			if err != nil {
				return nil, nil, err
			}
			vals[i] = string(b)
		case bool:
			if v {
				vals[i] = 1
			} else {
				vals[i] = 0
			}
		default:
			vals[i] = v
		}
	}
	return cols, vals, nil
}
