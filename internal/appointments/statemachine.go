package appointments

// Lifecycle rules: scheduled may complete, cancel, or reschedule; rescheduled
// may cancel or reschedule again; nothing leaves cancelled or completed.
// Cancelling an already-cancelled appointment is an idempotent success handled
// by the service, not a legal transition here.
var legalTransitions = map[Status]map[Status]bool{
	StatusScheduled: {
		StatusCompleted:   true,
		StatusCancelled:   true,
		StatusRescheduled: true,
	},
	StatusRescheduled: {
		StatusCancelled:   true,
		StatusRescheduled: true,
	},
}

// CanTransition reports whether from may move to to.
func CanTransition(from, to Status) bool {
	return legalTransitions[from][to]
}

// Transition validates and returns the new status, or an illegal-transition
// rejection naming both states.
func Transition(from, to Status) (Status, error) {
	if !CanTransition(from, to) {
		return from, reject(RejectIllegalTransition, "appointment is "+string(from)+", cannot become "+string(to))
	}
	return to, nil
}
