package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"
	"unicode/utf8"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/agentrunner/internal/checkpoint"
	"github.com/dohr-michael/agentrunner/internal/dispatch"
	"github.com/dohr-michael/agentrunner/internal/plan"
	"github.com/dohr-michael/agentrunner/internal/runs"
)

// NewRunsCommand returns the runs subcommand.
func NewRunsCommand() *cli.Command {
	return &cli.Command{
		Name:  "runs",
		Usage: "Manage agent runs",
		Commands: []*cli.Command{
			{
				Name:      "enqueue",
				Usage:     "Queue a new run",
				ArgsUsage: "<prompt>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "model", Usage: "Model used by the planner"},
					&cli.StringSliceFlag{Name: "tool", Usage: "Tool available to the run"},
					&cli.StringFlag{Name: "memory-key", Usage: "Key shared by runs reusing the same long-term memory"},
					&cli.BoolFlag{Name: "approval", Usage: "Require human approval before every tool step"},
					&cli.IntFlag{Name: "max-steps", Usage: "Maximum plan steps"},
					&cli.IntFlag{Name: "max-attempts", Usage: "Maximum attempts per step"},
					&cli.IntFlag{Name: "max-replans", Usage: "Maximum replan calls"},
				},
				Action: runRunsEnqueue,
			},
			{
				Name:  "list",
				Usage: "List runs, newest first",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "status", Usage: "Comma-separated statuses to keep"},
					&cli.IntFlag{Name: "limit", Value: 50, Usage: "Maximum runs listed"},
				},
				Action: runRunsList,
			},
			{
				Name:      "show",
				Usage:     "Show a run and its plan",
				ArgsUsage: "<run_id>",
				Action:    runRunsShow,
			},
			{
				Name:      "audit",
				Usage:     "Show the audit log of a run",
				ArgsUsage: "<run_id>",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "limit", Value: 200, Usage: "Maximum entries shown"},
				},
				Action: runRunsAudit,
			},
			{
				Name:      "cancel",
				Usage:     "Cancel a queued or running run",
				ArgsUsage: "<run_id>",
				Action:    runControl("canceled", (*dispatch.Dispatcher).CancelRun),
			},
			{
				Name:      "stop",
				Usage:     "Stop a run so it can be resumed later",
				ArgsUsage: "<run_id>",
				Action:    runControl("stopped", (*dispatch.Dispatcher).StopRun),
			},
			{
				Name:      "resume",
				Usage:     "Queue a stopped, failed or parked run again",
				ArgsUsage: "<run_id>",
				Action:    runControl("queued for resume", (*dispatch.Dispatcher).ResumeRun),
			},
			{
				Name:      "approve",
				Usage:     "Approve the step a run is waiting on",
				ArgsUsage: "<run_id>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "step", Usage: "Step id (defaults to the requested step)"},
				},
				Action: runRunsApprove,
			},
			{
				Name:      "delete",
				Usage:     "Delete a run with its artifacts and audit log",
				ArgsUsage: "<run_id>",
				Action:    runControl("deleted", (*dispatch.Dispatcher).DeleteRun),
			},
			{
				Name:  "purge",
				Usage: "Delete terminal runs",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "scope", Value: runs.ScopeTerminal, Usage: "Deletion scope: terminal, or finished to include canceled runs"},
					&cli.DurationFlag{Name: "older-than", Usage: "Only runs last updated before now minus this duration"},
				},
				Action: runRunsPurge,
			},
		},
		DefaultCommand: "list",
	}
}

func requireRunID(cmd *cli.Command) (string, error) {
	id := cmd.Args().First()
	if id == "" {
		return "", fmt.Errorf("usage: agentrunner runs %s <run_id>", cmd.Name)
	}
	return id, nil
}

func runRunsEnqueue(ctx context.Context, cmd *cli.Command) error {
	prompt := strings.TrimSpace(strings.Join(cmd.Args().Slice(), " "))
	if prompt == "" {
		return fmt.Errorf("usage: agentrunner runs enqueue <prompt>")
	}
	req := dispatch.EnqueueRequest{
		Prompt:               prompt,
		Model:                cmd.String("model"),
		Tools:                cmd.StringSlice("tool"),
		MemoryKey:            cmd.String("memory-key"),
		RequireHumanApproval: cmd.Bool("approval"),
		Settings:             settingsFromFlags(cmd),
	}
	return withApp(ctx, cmd, func(ctx context.Context, a *app) error {
		run, err := a.controller().Enqueue(ctx, req)
		if err != nil {
			return fmt.Errorf("enqueue: %w", err)
		}
		fmt.Printf("Run %s queued.\n", run.ID)
		return nil
	})
}

func settingsFromFlags(cmd *cli.Command) plan.SettingsInput {
	intFlag := func(name string) *int {
		if !cmd.IsSet(name) {
			return nil
		}
		v := cmd.Int(name)
		return &v
	}
	return plan.SettingsInput{
		MaxSteps:        intFlag("max-steps"),
		MaxStepAttempts: intFlag("max-attempts"),
		MaxReplanCalls:  intFlag("max-replans"),
	}
}

func runRunsList(ctx context.Context, cmd *cli.Command) error {
	var filter runs.Filter
	for _, s := range strings.Split(cmd.String("status"), ",") {
		if s = strings.TrimSpace(s); s != "" {
			filter.Statuses = append(filter.Statuses, runs.Status(s))
		}
	}
	filter.Limit = cmd.Int("limit")

	return withApp(ctx, cmd, func(ctx context.Context, a *app) error {
		list, err := a.runs.List(ctx, filter)
		if err != nil {
			return fmt.Errorf("list runs: %w", err)
		}
		if len(list) == 0 {
			fmt.Println("No runs found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tPROGRESS\tUPDATED\tPROMPT")
		for _, r := range list {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				r.ID,
				r.Status,
				progress(r),
				r.UpdatedAt.Format("2006-01-02 15:04:05"),
				truncate(r.Prompt, 60),
			)
		}
		return w.Flush()
	})
}

func progress(r *runs.Run) string {
	cp, err := checkpoint.Decode(r.PlanState)
	if err != nil || len(cp.Steps) == 0 {
		return "-"
	}
	done := 0
	for _, s := range cp.Steps {
		if s.Status == plan.StatusCompleted {
			done++
		}
	}
	return fmt.Sprintf("%d/%d", done, len(cp.Steps))
}

// truncate collapses whitespace and cuts s to at most n runes.
func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}

func runRunsShow(ctx context.Context, cmd *cli.Command) error {
	id, err := requireRunID(cmd)
	if err != nil {
		return err
	}
	return withApp(ctx, cmd, func(ctx context.Context, a *app) error {
		r, err := a.runs.Get(ctx, id)
		if err != nil {
			return err
		}

		fmt.Printf("ID:       %s\n", r.ID)
		fmt.Printf("Status:   %s\n", r.Status)
		fmt.Printf("Prompt:   %s\n", r.Prompt)
		if r.Model != "" {
			fmt.Printf("Model:    %s\n", r.Model)
		}
		fmt.Printf("Memory:   %s\n", r.EffectiveMemoryKey())
		fmt.Printf("Created:  %s\n", r.CreatedAt.Format("2006-01-02 15:04:05"))
		fmt.Printf("Updated:  %s\n", r.UpdatedAt.Format("2006-01-02 15:04:05"))
		if r.ErrorMessage != "" {
			fmt.Printf("Error:    %s\n", r.ErrorMessage)
		}

		cp, err := checkpoint.Decode(r.PlanState)
		if err != nil {
			fmt.Printf("\nPlan state unreadable: %v\n", err)
			return nil
		}
		if cp.ApprovalPending() {
			fmt.Printf("Waiting:  approval for step %s\n", cp.ApprovalRequestedStepID)
		}
		if len(cp.Steps) > 0 {
			fmt.Printf("\nPlan (%s, %d replans):\n", cp.Source, cp.ReplanCalls)
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "  ID\tSTATUS\tPHASE\tATTEMPTS\tTITLE")
			for _, s := range cp.Steps {
				fmt.Fprintf(w, "  %s\t%s\t%s\t%d/%d\t%s\n",
					s.ID, s.Status, s.Phase, s.Attempts, s.MaxAttempts, s.Title)
			}
			if err := w.Flush(); err != nil {
				return err
			}
		}
		if len(r.LogLines) > 0 {
			fmt.Println("\nLog:")
			for _, line := range r.LogLines {
				fmt.Printf("  %s\n", line)
			}
		}
		return nil
	})
}

func runRunsAudit(ctx context.Context, cmd *cli.Command) error {
	id, err := requireRunID(cmd)
	if err != nil {
		return err
	}
	return withApp(ctx, cmd, func(ctx context.Context, a *app) error {
		entries, err := a.audit.List(ctx, id, cmd.Int("limit"))
		if err != nil {
			return fmt.Errorf("list audit: %w", err)
		}
		if len(entries) == 0 {
			fmt.Println("No audit entries.")
			return nil
		}
		for _, e := range entries {
			meta := ""
			if len(e.Metadata) > 0 {
				if b, err := json.Marshal(e.Metadata); err == nil {
					meta = " " + string(b)
				}
			}
			fmt.Printf("%s [%s] %s%s\n", e.Timestamp.Format("15:04:05.000"), e.Level, e.Message, meta)
		}
		return nil
	})
}

func runControl(done string, op func(*dispatch.Dispatcher, context.Context, string) error) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		id, err := requireRunID(cmd)
		if err != nil {
			return err
		}
		return withApp(ctx, cmd, func(ctx context.Context, a *app) error {
			if err := op(a.controller(), ctx, id); err != nil {
				return fmt.Errorf("%s %s: %w", cmd.Name, id, err)
			}
			fmt.Printf("Run %s %s.\n", id, done)
			return nil
		})
	}
}

func runRunsApprove(ctx context.Context, cmd *cli.Command) error {
	id, err := requireRunID(cmd)
	if err != nil {
		return err
	}
	return withApp(ctx, cmd, func(ctx context.Context, a *app) error {
		stepID, err := a.controller().ApproveRun(ctx, id, cmd.String("step"))
		if err != nil {
			return fmt.Errorf("approve %s: %w", id, err)
		}
		fmt.Printf("Step %s of run %s approved.\n", stepID, id)
		return nil
	})
}

func runRunsPurge(ctx context.Context, cmd *cli.Command) error {
	var cutoff time.Time
	if d := cmd.Duration("older-than"); d > 0 {
		cutoff = time.Now().Add(-d)
	}
	return withApp(ctx, cmd, func(ctx context.Context, a *app) error {
		ids, err := a.controller().DeleteTerminal(ctx, cmd.String("scope"), cutoff)
		if err != nil {
			return fmt.Errorf("purge: %w", err)
		}
		fmt.Printf("%d runs deleted.\n", len(ids))
		return nil
	})
}
