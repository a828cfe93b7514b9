package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"revline/internal/app"
	"revline/internal/domain"
	"revline/internal/engine"
	"revline/internal/rejection"
	"revline/internal/repo"
)

func runCmd() *cobra.Command {
	r := &cobra.Command{Use: "run", Short: "Drive workflow runs"}
	r.AddCommand(runStartCmd())
	r.AddCommand(runStepCmd())
	r.AddCommand(runDecideCmd())
	r.AddCommand(runResumeCmd())
	r.AddCommand(runStatusCmd())
	r.AddCommand(runListCmd())
	return r
}

func runStartCmd() *cobra.Command {
	var opts engine.StartRunOptions
	var dataPath string
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a workflow run at its initial step",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.BookID == "" {
				return fmt.Errorf("--book required")
			}
			if dataPath != "" {
				if err := readJSONFile(dataPath, &opts.Data); err != nil {
					return err
				}
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				run, err := a.Engine.StartRun(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(run)
				}
				fmt.Printf("Run %s (%s) started at %s\n", run.ID, run.Type, run.CurrentStep)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "run id (generated when empty)")
	cmd.Flags().StringVar(&opts.Type, "type", "", "workflow type (default w1_editing)")
	cmd.Flags().StringVar(&opts.BookID, "book", "", "book id")
	cmd.Flags().StringVar(&opts.PlanID, "plan", "", "strategic plan id")
	cmd.Flags().StringVar(&dataPath, "data", "", "JSON file with initial run data")
	return cmd
}

func runStepCmd() *cobra.Command {
	var timeout time.Duration
	var dir string
	cmd := &cobra.Command{
		Use:   "step <run-id>",
		Short: "Execute the run's current step command",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if timeout > 0 {
					var cancel context.CancelFunc
					ctx, cancel = context.WithTimeout(ctx, timeout)
					defer cancel()
				}
				if dir == "" {
					dir = a.Workspace
				}
				runner := engine.ExecRunner{Dir: dir, Stderr: os.Stderr}
				res, err := a.Engine.Step(ctx, args[0], runner)
				if err != nil {
					return err
				}
				return printStepResult(res)
			})
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "abort the step command after this long")
	cmd.Flags().StringVar(&dir, "dir", "", "working directory for the command (default workspace)")
	return cmd
}

func runDecideCmd() *cobra.Command {
	var option, input string
	cmd := &cobra.Command{
		Use:   "decide <run-id>",
		Short: "Answer the run's pending human gate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.Decide(ctx, args[0], option, input)
				if err != nil {
					return err
				}
				return printStepResult(res)
			})
		},
	}
	cmd.Flags().StringVar(&option, "option", "", "gate option label")
	cmd.Flags().StringVar(&input, "input", "", "free-text input for options that require it")
	_ = cmd.MarkFlagRequired("option")
	return cmd
}

func runResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <run-id>",
		Short: "Resume a run paused by escalation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.Resume(ctx, args[0])
				if err != nil {
					return err
				}
				return printStepResult(res)
			})
		},
	}
}

func runStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show a run with its iterations, decisions and rejections",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				st, err := a.Engine.Status(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(st)
				}
				fmt.Printf("Run %s (%s) book %s v%d\n", st.Run.ID, st.Run.Type, st.Run.BookID, st.Run.Version)
				fmt.Printf("Status: %s  Step: %s  Next: %s\n", st.Run.Status, st.Run.CurrentStep, st.Next)
				if st.Run.LastError != "" {
					fmt.Printf("Last error: %s\n", st.Run.LastError)
				}
				if st.Gate != nil {
					fmt.Printf("Gate: %s\n", st.Gate.Prompt)
					for _, o := range st.Gate.Options {
						suffix := ""
						if o.RequiresInput {
							suffix = " (requires --input)"
						}
						fmt.Printf("  - %s%s\n", o.Label, suffix)
					}
				}
				if len(st.Iterations) > 0 {
					tw := newTable("Step", "Iteration", "Max")
					for _, it := range st.Iterations {
						tw.AppendRow(table.Row{it.Step, it.Count, it.MaxIterations})
					}
					tw.Render()
				}
				if len(st.Decisions) > 0 {
					tw := newTable("Decided", "Step", "Option", "Input", "Next")
					for _, d := range st.Decisions {
						tw.AppendRow(table.Row{d.DecidedAt, d.Step, d.Option, d.Input, d.NextStep})
					}
					tw.Render()
				}
				if len(st.Rejections) > 0 {
					printRejections(st.Rejections)
				}
				return nil
			})
		},
	}
}

func runListCmd() *cobra.Command {
	var f domain.RunFilter
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workflow runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Status = domain.RunStatus(status)
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				runs, err := a.Engine.Runs(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(runs)
				}
				tw := newTable("ID", "Type", "Book", "Status", "Step", "Updated")
				for _, r := range runs {
					tw.AppendRow(table.Row{r.ID, r.Type, r.BookID, r.Status, r.CurrentStep, r.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.BookID, "book", "", "book filter")
	cmd.Flags().StringVar(&f.Type, "type", "", "workflow type filter")
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	return cmd
}

func printStepResult(res engine.StepResult) error {
	if viper.GetBool("json") {
		return printJSON(res)
	}
	fmt.Printf("%s: %s", res.Step, res.Outcome)
	switch {
	case res.NextStep != "":
		fmt.Printf(" -> %s", res.NextStep)
	case res.Run.Status != domain.RunRunning:
		fmt.Printf(" (run %s)", res.Run.Status)
	}
	if res.Forced {
		fmt.Printf(" [forced after %d iterations]", res.Iteration)
	}
	fmt.Println()
	if res.FailedCondition != "" {
		fmt.Printf("Failed condition: %s\n", res.FailedCondition)
	}
	if res.Routing != nil {
		fmt.Printf("Routed to %s (retry %d/%d)\n", res.Routing.Handler, res.Routing.RetryCount, res.Routing.Metadata.MaxRetries)
	}
	if res.Gate != nil {
		fmt.Printf("Waiting on: %s\n", res.Gate.Prompt)
		for _, o := range res.Gate.Options {
			fmt.Printf("  - %s\n", o.Label)
		}
	}
	return nil
}

func rejectionCmd() *cobra.Command {
	rj := &cobra.Command{Use: "rejection", Short: "Track and route rejections"}
	rj.AddCommand(rejectionRecordCmd())
	rj.AddCommand(rejectionResolveCmd())
	rj.AddCommand(rejectionListCmd())
	rj.AddCommand(rejectionRouteCmd())
	rj.AddCommand(rejectionStatsCmd())
	rj.AddCommand(rejectionRoutesCmd())
	return rj
}

func rejectionRecordCmd() *cobra.Command {
	var in rejection.RecordInput
	var typ, eventID string
	var route bool
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record a rejection for a run",
		RunE: func(cmd *cobra.Command, args []string) error {
			if in.RunID == "" {
				return fmt.Errorf("--run required")
			}
			t, err := rejection.ParseType(typ)
			if err != nil {
				return err
			}
			in.Type = t
			in.EventID = optionalString(eventID)
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				rej, err := a.Tracker.Record(ctx, in)
				if err != nil {
					return err
				}
				if !route {
					return printJSONOrTable(rej)
				}
				d, err := a.Router.Route(ctx, rej.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"rejection": rej, "routing": d})
			})
		},
	}
	cmd.Flags().StringVar(&in.RunID, "run", "", "workflow run id")
	cmd.Flags().StringVar(&typ, "type", "", "style, mechanics, clarity or scope")
	cmd.Flags().StringVar(&in.Reason, "reason", "", "why the output was rejected")
	cmd.Flags().StringVar(&eventID, "event", "", "related event id")
	cmd.Flags().BoolVar(&route, "route", false, "also route the new rejection")
	return cmd
}

func rejectionResolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <rejection-id>",
		Short: "Mark a rejection resolved",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Tracker.Resolve(ctx, args[0]); err != nil {
					return err
				}
				rej, err := a.Tracker.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(rej)
			})
		},
	}
}

func rejectionListCmd() *cobra.Command {
	var f repo.RejectionFilter
	var typ string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List rejections in creation order",
		RunE: func(cmd *cobra.Command, args []string) error {
			if typ != "" {
				t, err := rejection.ParseType(typ)
				if err != nil {
					return err
				}
				f.Type = t
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Repo.ListRejections(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				printRejections(items)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.RunID, "run", "", "run filter")
	cmd.Flags().StringVar(&typ, "type", "", "type filter")
	cmd.Flags().BoolVar(&f.UnresolvedOnly, "unresolved", false, "only unresolved rejections")
	return cmd
}

func rejectionRouteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "route <rejection-id>",
		Short: "Show where a rejection should go",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				d, err := a.Router.Route(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(d)
				}
				verdict := "retry"
				if d.ShouldEscalate {
					verdict = "escalate"
				}
				fmt.Printf("%s -> %s (%s, retry %d/%d)\n", d.RejectionID, d.Handler, verdict, d.RetryCount, d.Metadata.MaxRetries)
				return nil
			})
		},
	}
}

func rejectionStatsCmd() *cobra.Command {
	var runID string
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Routing statistics for one run or all runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				st, err := a.Router.Stats(ctx, runID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(st)
				}
				fmt.Printf("Routed: %d  Escalations: %d\n", st.TotalRouted, st.Escalations)
				tw := newTable("Type", "Count")
				for _, t := range domain.RejectionTypes {
					tw.AppendRow(table.Row{t, st.ByType[t]})
				}
				tw.Render()
				hw := newTable("Handler", "Count")
				for h, n := range st.ByHandler {
					hw.AppendRow(table.Row{h, n})
				}
				hw.SortBy([]table.SortBy{{Name: "Handler", Mode: table.Asc}})
				hw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&runID, "run", "", "run filter")
	return cmd
}

func rejectionRoutesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "routes",
		Short: "Show the routing table",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				routes := a.Router.Routes()
				if viper.GetBool("json") {
					return printJSON(routes)
				}
				tw := newTable("Type", "Handler", "Max Retries", "Escalation")
				for _, t := range domain.RejectionTypes {
					r, ok := routes[t]
					if !ok {
						continue
					}
					tw.AppendRow(table.Row{t, r.Handler, r.MaxRetries, r.EscalationTarget})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func printRejections(items []domain.Rejection) {
	tw := newTable("ID", "Run", "Type", "Retry", "Resolved", "Reason")
	for _, r := range items {
		tw.AppendRow(table.Row{r.ID, r.WorkflowRunID, r.Type, r.RetryCount, r.Resolved, r.Reason})
	}
	tw.Render()
}
