package commands

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/agentrunner/internal/config"
	"github.com/dohr-michael/agentrunner/internal/heartbeat"
	"github.com/dohr-michael/agentrunner/internal/runs"
)

// NewStatusCommand returns the status subcommand.
func NewStatusCommand() *cli.Command {
	return &cli.Command{
		Name:   "status",
		Usage:  "Show the serving process and run counts",
		Action: runStatus,
	}
}

func runStatus(ctx context.Context, cmd *cli.Command) error {
	hbPath := filepath.Join(config.HomePath(), heartbeat.FileName)
	status, hb, err := heartbeat.Check(hbPath, 2*heartbeat.DefaultInterval)
	if err != nil {
		return fmt.Errorf("check heartbeat: %w", err)
	}

	switch status {
	case heartbeat.StatusAlive:
		fmt.Printf("Server: ALIVE (PID %d, %s, uptime %s, %d/%d slots busy)\n",
			hb.PID, hb.Address, hb.Uptime, hb.Load.Busy, hb.Load.Slots)
	case heartbeat.StatusStale:
		fmt.Printf("Server: STALE (PID %d, last heartbeat %s ago)\n",
			hb.PID, time.Since(hb.Timestamp).Truncate(time.Second))
	case heartbeat.StatusDead:
		fmt.Println("Server: NOT RUNNING")
	}

	return withApp(ctx, cmd, func(ctx context.Context, a *app) error {
		list, err := a.runs.List(ctx, runs.Filter{})
		if err != nil {
			return fmt.Errorf("list runs: %w", err)
		}
		counts := make(map[runs.Status]int)
		for _, r := range list {
			counts[r.Status]++
		}
		fmt.Printf("Runs: %d\n", len(list))
		for _, s := range runs.AllStatuses {
			if counts[s] > 0 {
				fmt.Printf("  %-14s %d\n", s, counts[s])
			}
		}
		return nil
	})
}
