package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"revline/internal/app"
	"revline/internal/config"
	"revline/internal/db"
	"revline/internal/events"
	"revline/internal/migrate"
	"revline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "rvl",
	Short: "Revline CLI",
	Long: `Revline drives iterative book revision: workflow runs move through writer,
editor and domain-expert steps, rejections are counted and routed, and
strategic plans track improvement areas across cycles and runs.
Core concepts:
- Workspace: the .revline directory with the database and the event log.
- Workflow run: one pass through a step graph; steps need preconditions and
  must produce postconditions, branches are bounded, human gates wait for you.
- Rejection: a typed failure (style, mechanics, clarity, scope); repeats of a
  type escalate once the retry ceiling is reached.
- Strategic plan: areas to improve, with cycles per area and a run counter.
- Event log: append-only JSONL per session, view with 'rvl log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCode(err))
	}
}

func initConfig() {
	viper.SetEnvPrefix("REVLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("session", "", "session id for the event log (overrides .env)")
	rootCmd.PersistentFlags().String("worktree", "", "worktree name recorded on events")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("session", rootCmd.PersistentFlags().Lookup("session"))
	_ = viper.BindPFlag("worktree", rootCmd.PersistentFlags().Lookup("worktree"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(sessionCmd())
	rootCmd.AddCommand(planCmd())
	rootCmd.AddCommand(areasCmd())
	rootCmd.AddCommand(metricsCmd())
	rootCmd.AddCommand(rejectionCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var projectID string
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create revline.yml and the .revline state directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if projectID == "" {
				abs, err := filepath.Abs(workspace)
				if err != nil {
					return err
				}
				projectID = filepath.Base(abs)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(projectID)), 0o644); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.MigrateContext(cmd.Context(), conn); err != nil {
				return err
			}
			fmt.Printf("Initialized revline workspace %s (project %s)\n", db.Dir(workspace), projectID)
			return nil
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id (defaults to the directory name)")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing revline.yml")
	return cmd
}

func configCmd() *cobra.Command {
	cfgCmd := &cobra.Command{Use: "config", Short: "Inspect revline.yml"}
	cfgCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			b, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Print(string(b))
			return nil
		},
	})
	cfgCmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate revline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := config.Load(workspace); err != nil {
				return err
			}
			fmt.Printf("%s is valid\n", config.Path(workspace))
			return nil
		},
	})
	return cfgCmd
}

func sessionCmd() *cobra.Command {
	sess := &cobra.Command{Use: "session", Short: "Manage the event log session"}
	sess.AddCommand(&cobra.Command{
		Use:   "use <session-id>",
		Short: "Store the default session id in the workspace .env",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if err := app.UseSession(workspace, args[0]); err != nil {
				return err
			}
			fmt.Printf("Session %s written to %s\n", args[0], app.EnvPath(workspace))
			return nil
		},
	})
	sess.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the session id in effect",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(app.SessionID(viper.GetString("workspace"), viper.GetString("session")))
			return nil
		},
	})
	return sess
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Event log"}
	lg.AddCommand(logTailCmd())
	lg.AddCommand(logMaterializeCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	var tableName, session string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the most recent events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				r := a.Reader()
				var (
					evs []events.Event
					err error
				)
				switch {
				case session != "":
					evs, err = r.ReadBySession(session)
				case tableName != "":
					evs, err = r.ReadByTable(tableName)
				default:
					evs, err = r.ReadAll()
				}
				if err != nil {
					return err
				}
				if session != "" && tableName != "" {
					kept := evs[:0]
					for _, ev := range evs {
						if ev.Table == tableName {
							kept = append(kept, ev)
						}
					}
					evs = kept
				}
				if n > 0 && len(evs) > n {
					evs = evs[len(evs)-n:]
				}
				if viper.GetBool("json") {
					return printJSON(evs)
				}
				tw := newTable("TS", "Table", "Op", "Key", "Worktree", "ID")
				for _, ev := range evs {
					key := ev.Key
					if key == "" {
						if id, ok := ev.Data["id"].(string); ok {
							key = id
						}
					}
					tw.AppendRow(table.Row{ev.TS, ev.Table, ev.Op, key, ev.Worktree, ev.ID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&n, "n", "n", 20, "number of events")
	cmd.Flags().StringVar(&tableName, "table", "", "table filter")
	cmd.Flags().StringVar(&session, "from-session", "", "only events from this session")
	return cmd
}

func logMaterializeCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "materialize",
		Short: "Replay the event log into a fresh SQLite database",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if out == "" {
					out = filepath.Join(db.Dir(a.Workspace), "replay.db")
				}
				if err := os.Remove(out); err != nil && !errors.Is(err, os.ErrNotExist) {
					return err
				}
				target, err := db.OpenFile(out)
				if err != nil {
					return err
				}
				defer target.Close()
				if err := migrate.MigrateContext(ctx, target); err != nil {
					return err
				}
				evs, err := a.Reader().ReadAll()
				if err != nil {
					return err
				}
				n, err := events.Materialize(ctx, target, evs, events.DefaultTables)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"path": out, "applied": n, "events": len(evs)})
				}
				fmt.Printf("Applied %d of %d events to %s\n", n, len(evs), out)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "target database (default .revline/replay.db)")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if addr == "" {
					addr = a.Config.Server.Addr
				}
				watcher, err := config.NewWatcher(a.Workspace, a.Config, a.Log)
				if err != nil {
					return err
				}
				watcher.OnChange(a.Router.OnConfigChange)
				if err := watcher.Start(); err != nil {
					return err
				}
				defer watcher.Stop()

				authCfg := server.AuthConfig{JWTSecret: os.Getenv("REVLINE_JWT_SECRET"), Logger: a.Log}
				if authCfg.JWTSecret == "" {
					a.Log.Warn("REVLINE_JWT_SECRET not set; API is unauthenticated")
				}
				handler, err := server.New(server.Config{App: a, BasePath: basePath, Auth: authCfg})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Revline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default server.addr from revline.yml)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.Open(ctx, app.Options{
		Workspace: viper.GetString("workspace"),
		SessionID: viper.GetString("session"),
		Worktree:  viper.GetString("worktree"),
	})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func newTable(header ...any) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row(header))
	return tw
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func readJSONFile(path string, v any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func formatScore(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.2f", *v)
}
