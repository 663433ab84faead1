package commands

// transitions maps each status to the set of statuses it may move to.
// executing -> executing is legal so agents can re-report progress
// idempotently; every other same-state transition is rejected.
var transitions = map[Status][]Status{
	StatusDraft:       {StatusQueued},
	StatusQueued:      {StatusDispatching, StatusCancelled, StatusFailed},
	StatusDispatching: {StatusExecuting, StatusFailed, StatusCancelled},
	StatusExecuting:   {StatusExecuting, StatusCompleted, StatusFailed, StatusCancelled},
	StatusCompleted:   {},
	StatusFailed:      {},
	StatusCancelled:   {},
}

// CanTransition reports whether a command may move from one status to another.
// It is a pure lookup with no side effects.
func CanTransition(from, to Status) bool {
	allowed, ok := transitions[from]
	if !ok {
		return false
	}
	for _, next := range allowed {
		if next == to {
			return true
		}
	}
	return false
}
