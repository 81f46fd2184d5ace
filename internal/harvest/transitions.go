package harvest

var legalTransitions = map[Status][]Status{
	StatusPending:   {StatusRunning, StatusCancelled},
	StatusScheduled: {StatusRunning},
	StatusRunning:   {StatusCompleted, StatusFailed, StatusPending, StatusCancelled},
	StatusFailed:    {StatusPending},
}

// CanTransition reports whether from -> to is an edge of the job state machine.
// failed -> pending is only taken by the manual retry action.
func CanTransition(from, to Status) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CheckTransition returns a *TransitionError when from -> to is illegal.
func CheckTransition(jobID string, from, to Status) error {
	if CanTransition(from, to) {
		return nil
	}
	return &TransitionError{JobID: jobID, Current: from, Target: to}
}
