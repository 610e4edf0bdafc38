package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/agentrunner/internal/memory"
	"github.com/dohr-michael/agentrunner/internal/models"
)

// NewMemoryCommand returns the memory subcommand.
func NewMemoryCommand() *cli.Command {
	return &cli.Command{
		Name:  "memory",
		Usage: "Inspect and seed agent memory",
		Commands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List long-term memories of a memory key",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "key", Required: true, Usage: "Memory key"},
					&cli.StringSliceFlag{Name: "tag", Usage: "Tag every listed memory must carry"},
					&cli.IntFlag{Name: "limit", Value: 20, Usage: "Maximum memories listed"},
				},
				Action: runMemoryList,
			},
			{
				Name:      "session",
				Usage:     "List the session notes of a run",
				ArgsUsage: "<run_id>",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "limit", Value: 50, Usage: "Maximum notes listed"},
				},
				Action: runMemorySession,
			},
			{
				Name:      "add",
				Usage:     "Store a long-term memory",
				ArgsUsage: "<content>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "key", Required: true, Usage: "Memory key"},
					&cli.StringSliceFlag{Name: "tag", Usage: "Tag attached to the memory"},
					&cli.FloatFlag{Name: "importance", Value: 0.5, Usage: "Importance between 0 and 1"},
					&cli.BoolFlag{Name: "skip-validation", Usage: "Store the memory without asking the validation model"},
				},
				Action: runMemoryAdd,
			},
		},
		DefaultCommand: "list",
	}
}

func openMemory(ctx context.Context, a *app) (*memory.Service, error) {
	repo, err := memory.Open(ctx, a.db)
	if err != nil {
		return nil, fmt.Errorf("open memory: %w", err)
	}
	if !repo.Provisioned() {
		return nil, fmt.Errorf("memory storage is not provisioned")
	}
	return memory.NewService(memory.ServiceConfig{
		Repository:      repo,
		Gateway:         models.NewChatGateway(models.NewRegistry(a.cfg.Models), a.cfg.Models.CallTimeout.Duration()),
		Audit:           a.audit,
		ValidationModel: a.cfg.Memory.ValidationModel,
		SummaryModel:    a.cfg.Memory.SummaryModel,
	}), nil
}

func runMemoryList(ctx context.Context, cmd *cli.Command) error {
	return withApp(ctx, cmd, func(ctx context.Context, a *app) error {
		svc, err := openMemory(ctx, a)
		if err != nil {
			return err
		}
		items, err := svc.ListAgentLongTermMemory(ctx, memory.LongTermQuery{
			MemoryKey: cmd.String("key"),
			Tags:      cmd.StringSlice("tag"),
			Limit:     cmd.Int("limit"),
		})
		if err != nil {
			return fmt.Errorf("list memories: %w", err)
		}
		if len(items) == 0 {
			fmt.Println("No memories stored.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tIMPORTANCE\tTAGS\tCONTENT")
		for _, it := range items {
			tags := "-"
			if len(it.Tags) > 0 {
				tags = strings.Join(it.Tags, ",")
			}
			content := it.Summary
			if content == "" {
				content = it.Content
			}
			fmt.Fprintf(w, "%s\t%.2f\t%s\t%s\n", it.ID, it.Importance, tags, truncate(content, 70))
		}
		return w.Flush()
	})
}

func runMemorySession(ctx context.Context, cmd *cli.Command) error {
	id, err := requireRunID(cmd)
	if err != nil {
		return err
	}
	return withApp(ctx, cmd, func(ctx context.Context, a *app) error {
		svc, err := openMemory(ctx, a)
		if err != nil {
			return err
		}
		items, err := svc.ListAgentMemory(ctx, id, cmd.Int("limit"))
		if err != nil {
			return fmt.Errorf("list session notes: %w", err)
		}
		if len(items) == 0 {
			fmt.Println("No session notes.")
			return nil
		}
		for _, it := range items {
			fmt.Printf("%s  %s\n", it.CreatedAt.Format("15:04:05"), it.Content)
		}
		return nil
	})
}

func runMemoryAdd(ctx context.Context, cmd *cli.Command) error {
	content := strings.TrimSpace(strings.Join(cmd.Args().Slice(), " "))
	if content == "" {
		return fmt.Errorf("usage: agentrunner memory add --key <key> <content>")
	}
	return withApp(ctx, cmd, func(ctx context.Context, a *app) error {
		svc, err := openMemory(ctx, a)
		if err != nil {
			return err
		}
		rec, err := storeMemory(ctx, svc, memory.LongTermItem{
			MemoryKey:  cmd.String("key"),
			Content:    content,
			Tags:       cmd.StringSlice("tag"),
			Importance: cmd.Float("importance"),
			Metadata:   map[string]any{"source": "cli"},
		}, cmd.Bool("skip-validation"))
		if err != nil {
			return err
		}
		fmt.Printf("Memory %s stored.\n", rec.ID)
		return nil
	})
}

// storeMemory saves a manual entry once the validation model accepts it.
// skipValidation stores it as given.
func storeMemory(ctx context.Context, svc *memory.Service, item memory.LongTermItem, skipValidation bool) (*memory.LongTermItem, error) {
	if skipValidation {
		slog.Warn("storing memory without validation", "memory_key", item.MemoryKey)
		rec, err := svc.AddAgentLongTermMemory(ctx, item)
		if err != nil {
			return nil, fmt.Errorf("store memory: %w", err)
		}
		return rec, nil
	}
	res := svc.ValidateAndAddAgentLongTermMemory(ctx, memory.Candidate{
		Prompt:     "manual entry",
		MemoryKey:  item.MemoryKey,
		Content:    item.Content,
		Tags:       item.Tags,
		Importance: item.Importance,
		Metadata:   item.Metadata,
	}, false)
	if res.Skipped || res.Record == nil {
		reason := res.Validation.Reason
		if reason == "" {
			reason = strings.Join(res.Validation.Issues, "; ")
		}
		return nil, fmt.Errorf("memory rejected: %s", reason)
	}
	return res.Record, nil
}
