package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"revline/internal/app"
	"revline/internal/areas"
	"revline/internal/domain"
	"revline/internal/metrics"
	"revline/internal/plan"
)

// exitRegression is returned when a metrics evaluation is not approved.
const exitRegression = 2

func exitCode(err error) int {
	var re *metrics.RegressionError
	if errors.As(err, &re) {
		return exitRegression
	}
	return 1
}

func planCmd() *cobra.Command {
	p := &cobra.Command{Use: "plan", Short: "Manage strategic plans"}
	p.AddCommand(planCreateCmd())
	p.AddCommand(planListCmd())
	p.AddCommand(planShowCmd())
	p.AddCommand(planStartRunCmd())
	p.AddCommand(planCycleCmd())
	p.AddCommand(planCompleteAreaCmd())
	p.AddCommand(planFailAreaCmd())
	p.AddCommand(planCompleteRunCmd())
	p.AddCommand(planAdvanceCmd())
	p.AddCommand(planGateCmd())
	p.AddCommand(planStatusCmd())
	return p
}

func planCreateCmd() *cobra.Command {
	var in plan.CreateInput
	var analysisPath, strategy string
	var threshold float64
	var maxRuns, maxCycles int
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a strategic plan, optionally with areas from an analysis",
		RunE: func(cmd *cobra.Command, args []string) error {
			if in.BookID == "" {
				return fmt.Errorf("--book required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				in.Goal = domain.Goal{MetricThreshold: threshold, MaxRuns: maxRuns, MaxCycles: maxCycles}
				if analysisPath != "" {
					generated, err := generateAreas(a, analysisPath, strategy)
					if err != nil {
						return err
					}
					in.Areas = generated
					in.SourceAnalysisPath = analysisPath
				}
				p, err := a.Plans.Create(ctx, in)
				if err != nil {
					return err
				}
				return printPlan(p)
			})
		},
	}
	cmd.Flags().StringVar(&in.BookID, "book", "", "book id")
	cmd.Flags().StringVar(&in.BookSlug, "slug", "", "book slug")
	cmd.Flags().StringVar(&in.WorkflowRunID, "run", "", "workflow run the plan belongs to")
	cmd.Flags().StringVar(&analysisPath, "analysis", "", "analysis JSON to generate areas from")
	cmd.Flags().StringVar(&strategy, "strategy", "auto", "area grouping: auto, issue_category, chapter_cluster, persona_pain_point")
	cmd.Flags().Float64Var(&threshold, "threshold", 0, "metric threshold (default from config)")
	cmd.Flags().IntVar(&maxRuns, "max-runs", 0, "max runs (default from config)")
	cmd.Flags().IntVar(&maxCycles, "max-cycles", 0, "max cycles per area (default from config)")
	return cmd
}

func planListCmd() *cobra.Command {
	var f domain.PlanFilter
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List plans",
		RunE: func(cmd *cobra.Command, args []string) error {
			if status != "" {
				st, err := plan.ParseStatus(status)
				if err != nil {
					return err
				}
				f.Status = st
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Plans.List(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Book", "Status", "Phase", "Run", "Areas", "Overall")
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.BookID, p.Status, p.State.Phase,
						fmt.Sprintf("%d/%d", p.State.CurrentRun, p.State.MaxRuns), len(p.Areas), formatScore(p.State.CurrentOverall)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.BookID, "book", "", "book filter")
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	return cmd
}

func planShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <plan-id>",
		Short: "Show a plan with its areas",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Plans.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printPlan(p)
			})
		},
	}
}

func planStartRunCmd() *cobra.Command {
	var baseline float64
	cmd := &cobra.Command{
		Use:   "start-run <plan-id>",
		Short: "Start the plan's current run from a baseline overall score",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return mutatePlan(cmd, func(ctx context.Context, a *app.App) (domain.StrategicPlan, error) {
				return a.Plans.StartRun(ctx, args[0], baseline)
			})
		},
	}
	cmd.Flags().Float64Var(&baseline, "baseline", 0, "baseline overall score")
	_ = cmd.MarkFlagRequired("baseline")
	return cmd
}

func planCycleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cycle <plan-id> <area-id>",
		Short: "Count one improvement cycle on an area",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return mutatePlan(cmd, func(ctx context.Context, a *app.App) (domain.StrategicPlan, error) {
				return a.Plans.IncrementAreaCycle(ctx, args[0], args[1])
			})
		},
	}
}

func planCompleteAreaCmd() *cobra.Command {
	var score float64
	cmd := &cobra.Command{
		Use:   "complete-area <plan-id> <area-id>",
		Short: "Mark an area completed with its final score",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return mutatePlan(cmd, func(ctx context.Context, a *app.App) (domain.StrategicPlan, error) {
				return a.Plans.CompleteArea(ctx, args[0], args[1], score)
			})
		},
	}
	cmd.Flags().Float64Var(&score, "score", 0, "final area score")
	_ = cmd.MarkFlagRequired("score")
	return cmd
}

func planFailAreaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fail-area <plan-id> <area-id>",
		Short: "Mark an area failed",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return mutatePlan(cmd, func(ctx context.Context, a *app.App) (domain.StrategicPlan, error) {
				return a.Plans.FailArea(ctx, args[0], args[1])
			})
		},
	}
}

func planCompleteRunCmd() *cobra.Command {
	var final float64
	var passed bool
	cmd := &cobra.Command{
		Use:   "complete-run <plan-id>",
		Short: "Record the final overall score of the current run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return mutatePlan(cmd, func(ctx context.Context, a *app.App) (domain.StrategicPlan, error) {
				return a.Plans.CompleteRun(ctx, args[0], final, passed)
			})
		},
	}
	cmd.Flags().Float64Var(&final, "final", 0, "final overall score")
	cmd.Flags().BoolVar(&passed, "passed", false, "whether the run met its goal")
	_ = cmd.MarkFlagRequired("final")
	return cmd
}

func planAdvanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "advance <plan-id>",
		Short: "Move to the next run, or report that runs are exhausted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				advanced, p, err := a.Plans.AdvanceToNextRun(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"advanced": advanced, "plan": p})
				}
				if !advanced {
					fmt.Printf("Plan %s has used all %d runs\n", p.ID, p.State.MaxRuns)
					return nil
				}
				fmt.Printf("Plan %s advanced to run %d/%d\n", p.ID, p.State.CurrentRun, p.State.MaxRuns)
				return nil
			})
		},
	}
}

func planGateCmd() *cobra.Command {
	var reason, feedback string
	cmd := &cobra.Command{
		Use:   "gate <plan-id>",
		Short: "Hand the plan to a human, optionally recording their feedback",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return mutatePlan(cmd, func(ctx context.Context, a *app.App) (domain.StrategicPlan, error) {
				if reason == "" && feedback == "" {
					return domain.StrategicPlan{}, fmt.Errorf("--reason or --feedback required")
				}
				var p domain.StrategicPlan
				if reason != "" {
					r, err := plan.ParseGateReason(reason)
					if err != nil {
						return p, err
					}
					if p, err = a.Plans.TriggerHumanGate(ctx, args[0], r); err != nil {
						return p, err
					}
				}
				if feedback != "" {
					return a.Plans.RecordHumanFeedback(ctx, args[0], feedback)
				}
				return p, nil
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "threshold_met, max_runs_exhausted, user_requested or full_review_complete")
	cmd.Flags().StringVar(&feedback, "feedback", "", "human feedback to record")
	return cmd
}

func planStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <plan-id> <status>",
		Short: "Set the plan status (active, paused, completed, failed, cancelled)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := plan.ParseStatus(args[1])
			if err != nil {
				return err
			}
			return mutatePlan(cmd, func(ctx context.Context, a *app.App) (domain.StrategicPlan, error) {
				return a.Plans.UpdateStatus(ctx, args[0], st)
			})
		},
	}
}

func mutatePlan(cmd *cobra.Command, fn func(context.Context, *app.App) (domain.StrategicPlan, error)) error {
	return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
		p, err := fn(ctx, a)
		if err != nil {
			return err
		}
		return printPlan(p)
	})
}

func printPlan(p domain.StrategicPlan) error {
	if viper.GetBool("json") {
		return printJSON(p)
	}
	fmt.Printf("Plan %s (book %s) v%d\n", p.ID, p.BookID, p.Version)
	fmt.Printf("Status: %s  Phase: %s  Run: %d/%d  Overall: %s  Delta: %+.2f\n",
		p.Status, p.State.Phase, p.State.CurrentRun, p.State.MaxRuns, formatScore(p.State.CurrentOverall), p.State.CumulativeDelta)
	if p.State.HumanGateReason != "" {
		fmt.Printf("Human gate: %s\n", p.State.HumanGateReason)
	}
	if p.State.HumanFeedback != "" {
		fmt.Printf("Feedback: %s\n", p.State.HumanFeedback)
	}
	if len(p.Areas) == 0 {
		return nil
	}
	printAreas(p.Areas)
	return nil
}

func printAreas(items []domain.Area) {
	tw := newTable("Area", "Name", "Type", "Priority", "Status", "Cycle", "Target", "Chapters")
	for _, ar := range items {
		tw.AppendRow(table.Row{ar.AreaID, ar.Name, ar.Type, ar.Priority, ar.Status,
			fmt.Sprintf("%d/%d", ar.CurrentCycle, ar.MaxCycles), fmt.Sprintf("%.2f", ar.DeltaTarget), strings.Join(ar.TargetChapters, ",")})
	}
	tw.Render()
}

func areasCmd() *cobra.Command {
	ar := &cobra.Command{Use: "areas", Short: "Improvement areas"}
	var strategy string
	gen := &cobra.Command{
		Use:   "generate <analysis.json>",
		Short: "Generate improvement areas from an analysis document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := generateAreas(a, args[0], strategy)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				printAreas(items)
				return nil
			})
		},
	}
	gen.Flags().StringVar(&strategy, "strategy", "auto", "area grouping: auto, issue_category, chapter_cluster, persona_pain_point")
	ar.AddCommand(gen)
	return ar
}

func generateAreas(a *app.App, path, strategy string) ([]domain.Area, error) {
	st, err := areas.ParseStrategy(strategy)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	analysis, err := areas.ParseAnalysis(data)
	if err != nil {
		return nil, err
	}
	opts := areas.Options{
		MaxAreas:    a.Config.Areas.MaxAreas,
		MinSeverity: float64(a.Config.Areas.MinSeverity),
		MaxCycles:   a.Config.Areas.MaxCycles,
		Strategy:    st,
	}
	items := areas.Generate(analysis, opts)
	a.Log.WithField("count", len(items)).WithField("strategy", areas.Strategy(analysis, st)).Debug("areas generated")
	return items, nil
}

func metricsCmd() *cobra.Command {
	m := &cobra.Command{Use: "metrics", Short: "Review metrics"}
	m.AddCommand(&cobra.Command{
		Use:   "evaluate <baseline.json> <updated.json>",
		Short: "Compare revised scores with the baseline; exits 2 on regression",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var snaps [2]metrics.Snapshot
			for i, path := range args {
				data, err := os.ReadFile(path)
				if err != nil {
					return err
				}
				if snaps[i], err = metrics.ParseSnapshot(data); err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
			}
			res := metrics.Evaluate(snaps[0], snaps[1])
			if viper.GetBool("json") {
				if err := printJSON(res); err != nil {
					return err
				}
			} else {
				fmt.Println(res.String())
			}
			return res.Err()
		},
	})
	return m
}
