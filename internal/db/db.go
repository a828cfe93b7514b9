package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const (
	workspaceDir  = ".revline"
	defaultDBName = "revline.db"
)

type Config struct {
	Workspace string
}

// Dir returns the .revline state directory for a workspace.
func Dir(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, workspaceDir)
}

// EventsDir is where the JSONL event log lives.
func EventsDir(workspace string) string {
	return filepath.Join(Dir(workspace), "events")
}

func LogsDir(workspace string) string {
	return filepath.Join(Dir(workspace), "logs")
}

// EnsureWorkspace creates the state directory tree if missing.
func EnsureWorkspace(workspace string) (string, error) {
	path := Dir(workspace)
	for _, dir := range []string{path, EventsDir(workspace), LogsDir(workspace)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", err
		}
	}
	return path, nil
}

// Open opens the SQLite database with foreign keys on and a 5s busy timeout.
func Open(cfg Config) (*sql.DB, error) {
	if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
		return nil, err
	}
	return OpenFile(Path(cfg.Workspace))
}

// OpenFile opens a SQLite database at an explicit path, such as a replay
// target for the event log.
func OpenFile(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", path)
	return sql.Open("sqlite", dsn)
}

// Path returns the db path for the workspace.
func Path(workspace string) string {
	return filepath.Join(Dir(workspace), defaultDBName)
}
