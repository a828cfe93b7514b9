// Package app wires a workspace's database, config, event log and services
// into one value shared by the CLI and the HTTP server.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"revline/internal/config"
	"revline/internal/db"
	"revline/internal/engine"
	"revline/internal/events"
	"revline/internal/logging"
	"revline/internal/migrate"
	"revline/internal/plan"
	"revline/internal/rejection"
	"revline/internal/repo"
	"revline/internal/workflow"
)

const (
	SessionEnvKey  = "REVLINE_SESSION_ID"
	WorktreeEnvKey = "REVLINE_WORKTREE"
	DefaultSession = "local"
)

type Options struct {
	Workspace string
	SessionID string
	Worktree  string
	// Logger replaces the one built from the logging section.
	Logger *logrus.Logger
}

type App struct {
	Workspace string
	Config    *config.Config
	DB        *sql.DB
	Repo      repo.Repo
	Log       *logrus.Logger
	Events    *events.Writer
	Tracker   *rejection.Tracker
	Router    *rejection.Router
	Plans     *plan.Repository
	Workflows *workflow.Registry
	Engine    engine.Engine
}

// Open prepares the workspace, migrates the database and builds every
// service from revline.yml (or the defaults when it is absent).
func Open(ctx context.Context, opts Options) (*App, error) {
	workspace := opts.Workspace
	if workspace == "" {
		workspace = "."
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		if log, err = logging.New(cfg.Logging, workspace); err != nil {
			return nil, err
		}
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	session := SessionID(workspace, opts.SessionID)
	worktree := opts.Worktree
	if worktree == "" {
		worktree = os.Getenv(WorktreeEnvKey)
	}
	if worktree == "" {
		worktree = filepath.Base(absOr(workspace))
	}
	w, err := events.NewWriter(cfg.EventsDir(workspace), session, worktree)
	if err != nil {
		conn.Close()
		return nil, err
	}

	r := repo.Repo{DB: conn}
	tracker := rejection.NewTracker(r, w, log, cfg.Rejections.EscalationThreshold)
	routes, fallback := rejection.RoutesFromConfig(cfg.Routing)
	router := rejection.NewRouter(tracker, routes, fallback, log)

	plans := plan.NewRepository(r, w, log)
	plans.ConflictRetries = cfg.Plans.ConflictRetries
	plans.DefaultGoal = cfg.Plans.Goal

	workflows, err := workflow.Builtin()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if dir := cfg.WorkflowsDir(workspace); dir != "" {
		n, err := workflows.LoadDir(afero.NewOsFs(), dir)
		if err != nil {
			conn.Close()
			return nil, err
		}
		if n > 0 {
			log.WithFields(logrus.Fields{"dir": dir, "count": n}).Debug("workflow definitions loaded")
		}
	}

	eng := engine.New(conn, workflows, tracker, router)
	eng.Events = w
	eng.Log = log

	return &App{
		Workspace: workspace,
		Config:    cfg,
		DB:        conn,
		Repo:      r,
		Log:       log,
		Events:    w,
		Tracker:   tracker,
		Router:    router,
		Plans:     plans,
		Workflows: workflows,
		Engine:    eng,
	}, nil
}

// Reader reads the whole event log directory, every session included.
func (a *App) Reader() *events.Reader {
	return events.NewReader(a.Config.EventsDir(a.Workspace), afero.NewOsFs())
}

func (a *App) Close() error {
	if a == nil || a.DB == nil {
		return nil
	}
	return a.DB.Close()
}

// SessionID resolves the event log session: the override, then the
// environment, then the workspace .env, then DefaultSession.
func SessionID(workspace, override string) string {
	if s := strings.TrimSpace(override); s != "" {
		return s
	}
	if s := strings.TrimSpace(os.Getenv(SessionEnvKey)); s != "" {
		return s
	}
	if env, err := godotenv.Read(EnvPath(workspace)); err == nil {
		if s := strings.TrimSpace(env[SessionEnvKey]); s != "" {
			return s
		}
	}
	return DefaultSession
}

// UseSession records the session id in the workspace .env, keeping the
// other entries.
func UseSession(workspace, session string) error {
	session = strings.TrimSpace(session)
	if session == "" {
		return errors.New("session id is required")
	}
	path := EnvPath(workspace)
	env, err := godotenv.Read(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("read %s: %w", path, err)
		}
		env = map[string]string{}
	}
	env[SessionEnvKey] = session
	return godotenv.Write(env, path)
}

func EnvPath(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".env")
}

func absOr(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}
