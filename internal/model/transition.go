package model

// transitions is the lifecycle graph. Terminal statuses have no outgoing edges.
var transitions = map[Status][]Status{
	StatusQueued:  {StatusRunning, StatusCancelled},
	StatusRunning: {StatusSucceeded, StatusFailed, StatusCancelled},
}

// CanTransition reports whether a job may move from one status to another.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CanRecover reports whether restart reconciliation may move a job back to queued.
// It is the only edge outside the lifecycle graph and is reserved for jobs left
// running by a process that no longer exists.
func CanRecover(from, to Status) bool {
	return from == StatusRunning && to == StatusQueued
}
