package storage

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dohr-michael/agentrunner/internal/events"
	"github.com/dohr-michael/agentrunner/internal/storage/artifacts"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestEventLogger_RunRouting(t *testing.T) {
	store := artifacts.NewStore(t.TempDir())
	bus := events.NewBus(64)
	defer bus.Close()

	el := NewEventLogger(store, bus)
	defer el.Close()

	bus.Publish(events.NewTypedEvent(events.SourceEngine, "run_abc", events.StepStartedPayload{StepID: "step-1", Attempt: 1}))
	bus.Publish(events.NewTypedEvent(events.SourceJanitor, "", events.RunDeletedPayload{Status: "completed"}))

	waitFor(t, func() bool {
		got, _ := el.Load("run_abc")
		return len(got) == 1
	})
	got, err := el.Load("run_abc")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got[0].Type != events.EventStepStarted || got[0].RunID != "run_abc" {
		t.Errorf("unexpected event: %+v", got[0])
	}

	waitFor(t, func() bool {
		_, err := os.Stat(filepath.Join(store.BaseDir(), "_global.jsonl"))
		return err == nil
	})
}

func TestEventLogger_AllEventsPersisted(t *testing.T) {
	store := artifacts.NewStore(t.TempDir())
	bus := events.NewBus(64)
	defer bus.Close()

	el := NewEventLogger(store, bus)
	defer el.Close()

	payloads := []events.EventPayload{
		events.RunStatusPayload{From: "queued", To: "running"},
		events.PlanBuiltPayload{Trigger: "initial", Source: "model", Steps: []string{"Open"}},
		events.StepFinishedPayload{StepID: "step-1", Status: "completed"},
	}
	for _, p := range payloads {
		bus.Publish(events.NewTypedEvent(events.SourceEngine, "run_1", p))
	}

	waitFor(t, func() bool {
		got, _ := el.Load("run_1")
		return len(got) == len(payloads)
	})

	f, err := os.Open(store.Path("run_1", EventsFile))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	var count int
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e events.Event
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			t.Fatalf("unmarshal line %d: %v", count, err)
		}
		count++
	}
	if count != len(payloads) {
		t.Errorf("got %d events, want %d", count, len(payloads))
	}
}

func TestEventLogger_DeletedRunNotRecreated(t *testing.T) {
	store := artifacts.NewStore(t.TempDir())
	bus := events.NewBus(64)
	defer bus.Close()

	el := NewEventLogger(store, bus)
	defer el.Close()

	bus.Publish(events.NewTypedEvent(events.SourceDispatch, "run_gone", events.RunDeletedPayload{Status: "failed"}))
	waitFor(t, func() bool {
		_, err := os.Stat(filepath.Join(store.BaseDir(), "_global.jsonl"))
		return err == nil
	})

	bus.Publish(events.NewTypedEvent(events.SourceEngine, "run_gone", events.StepFinishedPayload{StepID: "step-1"}))
	time.Sleep(100 * time.Millisecond)

	if store.Exists("run_gone") {
		t.Error("artifact directory recreated for a deleted run")
	}
}
