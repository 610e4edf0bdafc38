package loopguard

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestObserve_TripsAtThreshold(t *testing.T) {
	for threshold := 2; threshold <= 6; threshold++ {
		g := New(threshold, 100*time.Millisecond, time.Second, State{})
		a := Action{Tool: "playwright", Target: "Click buy", Fingerprint: "page-a"}
		for n := 1; n <= threshold; n++ {
			v := g.Observe(a, false)
			if n < threshold && v.Mode != ModeProceed {
				t.Fatalf("threshold %d: action %d tripped early: %+v", threshold, n, v)
			}
			if n == threshold && v.Mode == ModeProceed {
				t.Fatalf("threshold %d: action %d must back off or deviate", threshold, n)
			}
		}
	}
}

func TestObserve_BackoffGrowsThenDeviates(t *testing.T) {
	g := New(2, 100*time.Millisecond, 500*time.Millisecond, State{})
	a := Action{Tool: "playwright", Target: "Submit", Fingerprint: "same"}

	g.Observe(a, false)
	var delays []time.Duration
	var last Verdict
	for range 6 {
		last = g.Observe(a, false)
		if last.Mode != ModeBackoff {
			break
		}
		delays = append(delays, last.Delay)
	}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 500 * time.Millisecond}
	if len(delays) != len(want) {
		t.Fatalf("delays: got %v, want %v", delays, want)
	}
	for i := range want {
		if delays[i] != want[i] {
			t.Errorf("delay %d: got %v, want %v", i, delays[i], want[i])
		}
	}
	if last.Mode != ModeDeviate {
		t.Fatalf("after saturation: got %+v, want deviate", last)
	}
	if g.State() != (State{}) {
		t.Errorf("deviation resets the guard: %+v", g.State())
	}
}

func TestObserve_ProgressResets(t *testing.T) {
	g := New(3, 50*time.Millisecond, time.Second, State{})
	a := Action{Tool: "playwright", Target: "Next page", Fingerprint: "p1"}
	g.Observe(a, false)
	g.Observe(a, false)

	// The state changed: not a repeat.
	a.Fingerprint = "p2"
	if v := g.Observe(a, false); v.Mode != ModeProceed || v.Streak != 0 {
		t.Errorf("changed state: %+v", v)
	}
	g.Observe(a, false)
	g.Observe(a, false)
	if v := g.Observe(a, true); v.Mode != ModeProceed {
		t.Errorf("progress: %+v", v)
	}
	if g.State().Streak != 0 {
		t.Errorf("streak after progress: %d", g.State().Streak)
	}
}

func TestObserve_DifferentTargetRestartsStreak(t *testing.T) {
	g := New(2, 50*time.Millisecond, time.Second, State{})
	g.Observe(Action{Tool: "playwright", Target: "A"}, false)
	if v := g.Observe(Action{Tool: "playwright", Target: "B"}, false); v.Mode != ModeProceed || v.Streak != 1 {
		t.Errorf("different target: %+v", v)
	}
	if v := g.Observe(Action{Tool: "PLAYWRIGHT", Target: " b "}, false); v.Mode != ModeBackoff {
		t.Errorf("same target modulo case: %+v", v)
	}
}

func TestStateSurvivesRestore(t *testing.T) {
	a := Action{Tool: "playwright", Target: "Login"}
	g := New(3, 50*time.Millisecond, time.Second, State{})
	g.Observe(a, false)
	g.Observe(a, false)

	restored := New(3, 50*time.Millisecond, time.Second, g.State())
	if v := restored.Observe(a, false); v.Mode != ModeBackoff {
		t.Errorf("restored guard lost its streak: %+v", v)
	}
}

func TestSleep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Sleep(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Errorf("canceled sleep: %v", err)
	}
	if err := Sleep(context.Background(), time.Millisecond); err != nil {
		t.Errorf("short sleep: %v", err)
	}
}
