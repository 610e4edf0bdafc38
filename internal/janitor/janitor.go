// Package janitor purges finished runs on a cron schedule.
package janitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dohr-michael/agentrunner/internal/events"
	"github.com/dohr-michael/agentrunner/internal/runs"
)

const (
	DefaultSchedule  = "17 3 * * *"
	DefaultRetention = 7 * 24 * time.Hour
)

// Purger deletes runs of a scope last updated before cutoff.
// *dispatch.Dispatcher implements it.
type Purger interface {
	DeleteTerminal(ctx context.Context, scope string, cutoff time.Time) ([]string, error)
}

// Config wires a Janitor.
type Config struct {
	Purger Purger
	Bus    events.Publisher
	// Schedule is a 5-field cron expression (default DefaultSchedule).
	Schedule string
	// Retention is how long a finished run is kept (default DefaultRetention).
	Retention time.Duration
	// Scope is the deletion scope (default runs.ScopeFinished).
	Scope string
}

// Janitor triggers purges when its schedule matches.
type Janitor struct {
	purger    Purger
	bus       events.Publisher
	cron      *CronExpr
	retention time.Duration
	scope     string
	now       func() time.Time

	mu      sync.Mutex
	lastRun time.Time

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a Janitor. It fails on an invalid schedule.
func New(cfg Config) (*Janitor, error) {
	spec := cfg.Schedule
	if spec == "" {
		spec = DefaultSchedule
	}
	expr, err := ParseCron(spec)
	if err != nil {
		return nil, fmt.Errorf("janitor schedule: %w", err)
	}
	retention := cfg.Retention
	if retention <= 0 {
		retention = DefaultRetention
	}
	scope := cfg.Scope
	if scope == "" {
		scope = runs.ScopeFinished
	}
	if _, err := runs.DeletableStatuses(scope); err != nil {
		return nil, fmt.Errorf("janitor scope: %w", err)
	}
	return &Janitor{
		purger:    cfg.Purger,
		bus:       cfg.Bus,
		cron:      expr,
		retention: retention,
		scope:     scope,
		now:       time.Now,
		done:      make(chan struct{}),
	}, nil
}

// Start begins checking the schedule every minute.
func (j *Janitor) Start() {
	j.wg.Add(1)
	go j.cronLoop()
	slog.Info("janitor started", "schedule", j.cron.String(), "retention", j.retention, "next", j.cron.Next(j.now()))
}

// Stop halts the janitor and waits for a running purge.
func (j *Janitor) Stop() {
	close(j.done)
	j.wg.Wait()
	slog.Info("janitor stopped")
}

func (j *Janitor) cronLoop() {
	defer j.wg.Done()

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-j.done:
			return
		case <-ticker.C:
			j.tick(context.Background())
		}
	}
}

// tick purges when the current minute matches and has not been served yet.
func (j *Janitor) tick(ctx context.Context) bool {
	now := j.now()
	if !j.cron.Matches(now) {
		return false
	}
	minute := now.Truncate(time.Minute)
	j.mu.Lock()
	if j.lastRun.Equal(minute) {
		j.mu.Unlock()
		return false
	}
	j.lastRun = minute
	j.mu.Unlock()

	if _, err := j.PurgeNow(ctx); err != nil {
		slog.Error("scheduled purge failed", "error", err)
	}
	return true
}

// PurgeNow deletes the runs of the janitor's scope older than the retention.
func (j *Janitor) PurgeNow(ctx context.Context) ([]string, error) {
	cutoff := j.now().Add(-j.retention)
	ids, err := j.purger.DeleteTerminal(ctx, j.scope, cutoff)

	payload := events.PurgePayload{Scope: j.scope, Cutoff: cutoff.UTC().Format(time.RFC3339), Deleted: ids}
	if err != nil {
		payload.Error = err.Error()
	}
	if j.bus != nil {
		j.bus.Publish(events.NewTypedEvent(events.SourceJanitor, "", payload))
	}
	if err != nil {
		return nil, fmt.Errorf("purge runs: %w", err)
	}
	slog.Info("purged runs", "scope", j.scope, "cutoff", cutoff, "count", len(ids))
	return ids, nil
}
