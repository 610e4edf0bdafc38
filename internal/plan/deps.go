package plan

// Readiness describes whether a step may start.
type Readiness int

const (
	// Ready means every dependency completed.
	Ready Readiness = iota
	// Blocked means some dependency has not finished yet.
	Blocked
	// Unreachable means a dependency failed or was skipped.
	Unreachable
)

// CheckDependencies reports whether step may start given the plan.
// Ids that are no longer part of the plan are ignored.
func CheckDependencies(step Step, steps []Step) (Readiness, string) {
	state := Ready
	blocker := ""
	for _, dep := range step.DependsOn {
		i := IndexOf(steps, dep)
		if i < 0 || dep == step.ID {
			continue
		}
		switch steps[i].Status {
		case StatusCompleted:
		case StatusFailed, StatusSkipped:
			return Unreachable, dep
		default:
			if state == Ready {
				state, blocker = Blocked, dep
			}
		}
	}
	return state, blocker
}

// NextEligible returns the index of the first unfinished step at or after from
// whose dependencies are all completed, or -1.
func NextEligible(steps []Step, from int) int {
	for i := max(from, 0); i < len(steps); i++ {
		if steps[i].Status.Done() {
			continue
		}
		if r, _ := CheckDependencies(steps[i], steps); r == Ready {
			return i
		}
	}
	for i := 0; i < min(from, len(steps)); i++ {
		if steps[i].Status.Done() {
			continue
		}
		if r, _ := CheckDependencies(steps[i], steps); r == Ready {
			return i
		}
	}
	return -1
}

// RemapDependencies rewrites every dependency on from into a dependency on to.
func RemapDependencies(steps []Step, from, to string) {
	for i := range steps {
		for j, dep := range steps[i].DependsOn {
			if dep == from && steps[i].ID != to {
				steps[i].DependsOn[j] = to
			}
		}
	}
}
