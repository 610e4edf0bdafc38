package plan

import "time"

// Settings are the per-run execution limits. Every field is clamped.
type Settings struct {
	MaxSteps           int `json:"max_steps"`
	MaxStepAttempts    int `json:"max_step_attempts"`
	MaxReplanCalls     int `json:"max_replan_calls"`
	ReplanEverySteps   int `json:"replan_every_steps"`
	MaxSelfChecks      int `json:"max_self_checks"`
	LoopGuardThreshold int `json:"loop_guard_threshold"`
	LoopBackoffBaseMs  int `json:"loop_backoff_base_ms"`
	LoopBackoffMaxMs   int `json:"loop_backoff_max_ms"`
}

// SettingsInput carries optional values; nil fields keep the previous layer.
type SettingsInput struct {
	MaxSteps           *int `json:"max_steps,omitempty"`
	MaxStepAttempts    *int `json:"max_step_attempts,omitempty"`
	MaxReplanCalls     *int `json:"max_replan_calls,omitempty"`
	ReplanEverySteps   *int `json:"replan_every_steps,omitempty"`
	MaxSelfChecks      *int `json:"max_self_checks,omitempty"`
	LoopGuardThreshold *int `json:"loop_guard_threshold,omitempty"`
	LoopBackoffBaseMs  *int `json:"loop_backoff_base_ms,omitempty"`
	LoopBackoffMaxMs   *int `json:"loop_backoff_max_ms,omitempty"`
}

type bound struct{ min, max, def int }

var (
	maxStepsBound           = bound{1, 50, 12}
	maxStepAttemptsBound    = bound{1, 10, 3}
	maxReplanCallsBound     = bound{0, 20, 3}
	replanEveryStepsBound   = bound{1, 50, 3}
	maxSelfChecksBound      = bound{0, 10, 2}
	loopGuardThresholdBound = bound{2, 20, 3}
	loopBackoffBaseBound    = bound{50, 60_000, 1_000}
	loopBackoffMaxBound     = bound{50, 600_000, 15_000}
)

func (b bound) clamp(v int) int {
	return min(max(v, b.min), b.max)
}

// DefaultSettings returns the defaults of every field.
func DefaultSettings() Settings {
	return Settings{
		MaxSteps:           maxStepsBound.def,
		MaxStepAttempts:    maxStepAttemptsBound.def,
		MaxReplanCalls:     maxReplanCallsBound.def,
		ReplanEverySteps:   replanEveryStepsBound.def,
		MaxSelfChecks:      maxSelfChecksBound.def,
		LoopGuardThreshold: loopGuardThresholdBound.def,
		LoopBackoffBaseMs:  loopBackoffBaseBound.def,
		LoopBackoffMaxMs:   loopBackoffMaxBound.def,
	}
}

// ResolveSettings applies layers over the defaults (later layers win) and clamps the result.
func ResolveSettings(layers ...SettingsInput) Settings {
	s := DefaultSettings()
	for _, in := range layers {
		s = s.With(in)
	}
	return s.Clamp()
}

// With returns s with the non-nil fields of in applied.
func (s Settings) With(in SettingsInput) Settings {
	set := func(dst *int, v *int) {
		if v != nil {
			*dst = *v
		}
	}
	set(&s.MaxSteps, in.MaxSteps)
	set(&s.MaxStepAttempts, in.MaxStepAttempts)
	set(&s.MaxReplanCalls, in.MaxReplanCalls)
	set(&s.ReplanEverySteps, in.ReplanEverySteps)
	set(&s.MaxSelfChecks, in.MaxSelfChecks)
	set(&s.LoopGuardThreshold, in.LoopGuardThreshold)
	set(&s.LoopBackoffBaseMs, in.LoopBackoffBaseMs)
	set(&s.LoopBackoffMaxMs, in.LoopBackoffMaxMs)
	return s
}

// Clamp forces every field into its documented range. The backoff ceiling
// never drops below the base.
func (s Settings) Clamp() Settings {
	s.MaxSteps = maxStepsBound.clamp(s.MaxSteps)
	s.MaxStepAttempts = maxStepAttemptsBound.clamp(s.MaxStepAttempts)
	s.MaxReplanCalls = maxReplanCallsBound.clamp(s.MaxReplanCalls)
	s.ReplanEverySteps = replanEveryStepsBound.clamp(s.ReplanEverySteps)
	s.MaxSelfChecks = maxSelfChecksBound.clamp(s.MaxSelfChecks)
	s.LoopGuardThreshold = loopGuardThresholdBound.clamp(s.LoopGuardThreshold)
	s.LoopBackoffBaseMs = loopBackoffBaseBound.clamp(s.LoopBackoffBaseMs)
	s.LoopBackoffMaxMs = max(loopBackoffMaxBound.clamp(s.LoopBackoffMaxMs), s.LoopBackoffBaseMs)
	return s
}

// BackoffBase returns the loop backoff base as a duration.
func (s Settings) BackoffBase() time.Duration {
	return time.Duration(s.LoopBackoffBaseMs) * time.Millisecond
}

// BackoffMax returns the loop backoff ceiling as a duration.
func (s Settings) BackoffMax() time.Duration {
	return time.Duration(s.LoopBackoffMaxMs) * time.Millisecond
}
