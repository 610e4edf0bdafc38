package plan

import (
	"fmt"
	"strings"
)

const (
	maxSafetySteps = 3
	maxVerifySteps = 3
	maxBranchSteps = 6
)

// BuildOptions controls step construction.
type BuildOptions struct {
	// IncludeSafety adds the synthetic safety and verify steps from meta.
	IncludeSafety bool
	MaxAttempts   int
	// IDPrefix namespaces ids so batches from later replans never collide.
	IDPrefix string
}

// BuildPlanStepsFromSpecs normalizes specs into pending steps. With
// IncludeSafety it prepends up to 3 "Safety check:" steps and appends up to 3
// "Verify:" steps. Spec i gets id "<prefix>step-<i+1>".
func BuildPlanStepsFromSpecs(specs []StepSpec, meta *Meta, opts BuildOptions) []Step {
	maxAttempts := maxStepAttemptsBound.def
	if opts.MaxAttempts > 0 {
		maxAttempts = maxStepAttemptsBound.clamp(opts.MaxAttempts)
	}

	var steps []Step
	if opts.IncludeSafety {
		for i, check := range capList(meta.AllSafetyChecks(), maxSafetySteps) {
			steps = append(steps, Step{
				ID:          fmt.Sprintf("%ssafety-%d", opts.IDPrefix, i+1),
				Title:       "Safety check: " + check,
				Status:      StatusPending,
				Tool:        ToolNone,
				Phase:       PhaseObserve,
				MaxAttempts: maxAttempts,
			})
		}
	}

	ids := make([]string, len(specs))
	for i := range specs {
		ids[i] = fmt.Sprintf("%sstep-%d", opts.IDPrefix, i+1)
	}
	for i, spec := range specs {
		steps = append(steps, Step{
			ID:                  ids[i],
			Title:               strings.TrimSpace(spec.Title),
			Status:              StatusPending,
			Tool:                NormalizeTool(spec.Tool),
			ExpectedObservation: spec.ExpectedObservation,
			SuccessCriteria:     spec.SuccessCriteria,
			Phase:               ParsePhase(spec.Phase),
			Priority:            spec.Priority,
			DependsOn:           resolveDeps(spec.DependsOn, i, specs, ids),
			GoalID:              spec.GoalID,
			SubgoalID:           spec.SubgoalID,
			MaxAttempts:         maxAttempts,
		})
	}

	if opts.IncludeSafety && meta != nil {
		for i, signal := range capList(dedupe(meta.SuccessSignals), maxVerifySteps) {
			steps = append(steps, Step{
				ID:          fmt.Sprintf("%sverify-%d", opts.IDPrefix, i+1),
				Title:       "Verify: " + signal,
				Status:      StatusPending,
				Tool:        ToolNone,
				Phase:       PhaseVerify,
				MaxAttempts: maxAttempts,
			})
		}
	}
	return steps
}

// resolveDeps maps 1-based indices and case-insensitive titles onto batch ids.
// Out-of-range indices, unknown titles and self references are dropped.
func resolveDeps(refs []DepRef, self int, specs []StepSpec, ids []string) []string {
	var out []string
	seen := map[string]bool{}
	add := func(j int) {
		if j == self || seen[ids[j]] {
			return
		}
		seen[ids[j]] = true
		out = append(out, ids[j])
	}
	for _, ref := range refs {
		if ref.Title == "" {
			if ref.Index >= 1 && ref.Index <= len(specs) {
				add(ref.Index - 1)
			}
			continue
		}
		for j := range specs {
			if strings.EqualFold(strings.TrimSpace(specs[j].Title), ref.Title) {
				add(j)
				break
			}
		}
	}
	return out
}

// BuildBranchSteps turns alternatives into at most 6 recover-phase steps.
// An alternative without steps becomes a single step titled after it.
func BuildBranchSteps(alternatives []Alternative, opts BuildOptions) []Step {
	var specs []StepSpec
	for _, alt := range alternatives {
		if len(alt.Steps) == 0 {
			title := alt.Name
			if alt.Rationale != "" {
				title += " (" + alt.Rationale + ")"
			}
			specs = append(specs, StepSpec{Title: title})
			continue
		}
		specs = append(specs, alt.Steps...)
	}
	specs = capList(specs, maxBranchSteps)
	for i := range specs {
		specs[i].Phase = string(PhaseRecover)
	}

	opts.IncludeSafety = false
	opts.IDPrefix += "branch-"
	return BuildPlanStepsFromSpecs(specs, nil, opts)
}

func capList[T any](items []T, n int) []T {
	if len(items) > n {
		return items[:n]
	}
	return items
}
