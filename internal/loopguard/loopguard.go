// Package loopguard stops a run from repeating the same unproductive action.
package loopguard

import (
	"context"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Mode is what the guard asks the caller to do before the next action.
type Mode string

const (
	ModeProceed Mode = ""
	ModeBackoff Mode = "backoff"
	ModeDeviate Mode = "deviate"
)

// Action identifies one tool call and the state it left behind.
type Action struct {
	Tool   string
	Target string
	// Fingerprint summarizes the observed state after the action.
	Fingerprint string
}

func (a Action) key() string {
	return strings.ToLower(strings.TrimSpace(a.Tool)) + "\x00" + strings.ToLower(strings.TrimSpace(a.Target))
}

// Verdict is the guard's answer to one observed action.
type Verdict struct {
	Mode   Mode
	Delay  time.Duration
	Streak int
}

// State is the persisted part of a guard.
type State struct {
	LastKey         string `json:"last_key,omitempty"`
	LastFingerprint string `json:"last_fingerprint,omitempty"`
	Streak          int    `json:"streak,omitempty"`
	// Trips counts backoffs since the last reset; it drives the delay.
	Trips int `json:"trips,omitempty"`
	// Saturated is set once a backoff reached the ceiling.
	Saturated bool `json:"saturated,omitempty"`
}

// Guard counts consecutive identical unproductive actions.
type Guard struct {
	threshold int
	base      time.Duration
	max       time.Duration
	state     State
}

// New creates a guard. A zero State starts fresh.
func New(threshold int, base, max time.Duration, state State) *Guard {
	if threshold < 1 {
		threshold = 1
	}
	if max < base {
		max = base
	}
	return &Guard{threshold: threshold, base: base, max: max, state: state}
}

// State returns a copy of the guard state for persistence.
func (g *Guard) State() State { return g.state }

// Reset clears the streak and the backoff progression.
func (g *Guard) Reset() {
	g.state = State{}
}

// Observe records an action. progressed reports whether the step made
// progress (it succeeded or changed the observed state). Once the streak
// reaches the threshold the verdict is a backoff; after the delay saturates at
// the ceiling the next trip asks for deviation and the guard resets.
func (g *Guard) Observe(a Action, progressed bool) Verdict {
	key := a.key()
	unchanged := a.Fingerprint == g.state.LastFingerprint
	if progressed || (g.state.LastKey == key && !unchanged) {
		g.Reset()
		g.state.LastKey = key
		g.state.LastFingerprint = a.Fingerprint
		return Verdict{}
	}

	if g.state.LastKey == key {
		g.state.Streak++
	} else {
		g.state.Streak = 1
		g.state.Trips = 0
		g.state.Saturated = false
	}
	g.state.LastKey = key
	g.state.LastFingerprint = a.Fingerprint

	if g.state.Streak < g.threshold {
		return Verdict{Streak: g.state.Streak}
	}
	streak := g.state.Streak
	if g.state.Saturated {
		g.Reset()
		return Verdict{Mode: ModeDeviate, Streak: streak}
	}

	g.state.Trips++
	delay := g.delay(g.state.Trips)
	if delay >= g.max {
		g.state.Saturated = true
	}
	return Verdict{Mode: ModeBackoff, Delay: delay, Streak: streak}
}

// delay returns the n-th backoff interval, bounded by [base, max].
func (g *Guard) delay(n int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = g.base
	b.MaxInterval = g.max
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	d := g.base
	for range n {
		d = b.NextBackOff()
	}
	return min(max(d, g.base), g.max)
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
