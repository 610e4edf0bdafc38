package commands

import (
	"context"
	"testing"
	"time"

	"github.com/dohr-michael/agentrunner/internal/browser"
	"github.com/dohr-michael/agentrunner/internal/config"
	"github.com/dohr-michael/agentrunner/internal/dispatch"
	"github.com/dohr-michael/agentrunner/internal/search"
)

func TestSlotLoad(t *testing.T) {
	load := slotLoad([]dispatch.Slot{
		{ID: "slot-0", Status: dispatch.SlotBusy, RunID: "run-1"},
		{ID: "slot-1", Status: dispatch.SlotIdle},
	})
	if load.Slots != 2 || load.Busy != 1 {
		t.Fatalf("unexpected load %+v", load)
	}
	if len(load.RunIDs) != 1 || load.RunIDs[0] != "run-1" {
		t.Fatalf("unexpected run ids %v", load.RunIDs)
	}
}

func TestEngineOptionsFromConfig(t *testing.T) {
	cfg, err := config.Parse([]byte(`{
		"agent": {
			"planner_model": "planner",
			"require_human_approval": true,
			"approval_horizon": "30s",
			"settings": {"max_steps": 7}
		}
	}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	opts := engineOptions(cfg)
	if opts.PlannerModel != "planner" || !opts.RequireHumanApproval {
		t.Fatalf("unexpected options %+v", opts)
	}
	if opts.ApprovalHorizon != 30*time.Second {
		t.Fatalf("approval horizon: got %s", opts.ApprovalHorizon)
	}
	if opts.Settings.MaxSteps == nil || *opts.Settings.MaxSteps != 7 {
		t.Fatalf("max steps not carried: %+v", opts.Settings)
	}
	if opts.SessionContext != 8 || opts.StepTimeout != 2*time.Minute {
		t.Fatalf("defaults not applied: %+v", opts)
	}
}

func TestEngineOptionsZeroApprovalHorizon(t *testing.T) {
	cfg, err := config.Parse([]byte(`{"agent": {"approval_horizon": "0s"}}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if h := engineOptions(cfg).ApprovalHorizon; h != 0 {
		t.Fatalf("approval horizon: got %s, want 0", h)
	}
}

func TestNewSearcher(t *testing.T) {
	if s := newSearcher(context.Background(), config.SearchConfig{Provider: "none"}); s != nil {
		t.Fatalf("expected no searcher, got %T", s)
	}
	if _, ok := newSearcher(context.Background(), config.SearchConfig{Provider: "duckduckgo"}).(*search.DuckDuckGo); !ok {
		t.Fatal("expected the duckduckgo searcher")
	}
}

func TestNewBrowserFallsBackToStatic(t *testing.T) {
	if _, ok := newBrowser(config.BrowserConfig{Driver: "remote"}).(*browser.Static); !ok {
		t.Fatal("expected the static driver without an endpoint")
	}
	if _, ok := newBrowser(config.BrowserConfig{Driver: "remote", Endpoint: "http://localhost:3000"}).(*browser.Remote); !ok {
		t.Fatal("expected the remote driver")
	}
}
