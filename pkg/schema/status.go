package schema

// ExecutionStatus represents the lifecycle state of a node or plan execution.
type ExecutionStatus string

const (
	StatusNotStarted          ExecutionStatus = "NOT_STARTED"
	StatusQueued              ExecutionStatus = "QUEUED"
	StatusRunning             ExecutionStatus = "RUNNING"
	StatusPausing             ExecutionStatus = "PAUSING"
	StatusPaused              ExecutionStatus = "PAUSED"
	StatusInputWaiting        ExecutionStatus = "INPUT_WAITING"
	StatusInterventionWaiting ExecutionStatus = "INTERVENTION_WAITING"
	StatusResourceWaiting     ExecutionStatus = "RESOURCE_WAITING"
	StatusAsyncWaiting        ExecutionStatus = "ASYNC_WAITING"
	StatusTaskWaiting         ExecutionStatus = "TASK_WAITING"
	StatusDiscontinuing       ExecutionStatus = "DISCONTINUING"
	StatusAborted             ExecutionStatus = "ABORTED"
	StatusExpired             ExecutionStatus = "EXPIRED"
	StatusFailed              ExecutionStatus = "FAILED"
	StatusErrored             ExecutionStatus = "ERRORED"
	StatusRejected            ExecutionStatus = "REJECTED"
	StatusSucceeded           ExecutionStatus = "SUCCEEDED"
	StatusSkipped             ExecutionStatus = "SKIPPED"
)

// ValidStatusTransitions is the allow-list of legal status transitions.
// Any (from, to) pair not present here is illegal; callers guard every
// state-mutating write with CanTransition.
var ValidStatusTransitions = map[ExecutionStatus][]ExecutionStatus{
	StatusNotStarted: {StatusQueued, StatusSkipped},
	StatusQueued: {
		StatusRunning, StatusPaused, StatusSkipped, StatusDiscontinuing,
		StatusAborted, StatusExpired, StatusFailed,
	},
	StatusRunning: {
		StatusPausing, StatusPaused,
		StatusAsyncWaiting, StatusTaskWaiting, StatusInputWaiting,
		StatusInterventionWaiting, StatusResourceWaiting,
		StatusDiscontinuing,
		StatusSucceeded, StatusFailed, StatusErrored, StatusExpired, StatusSkipped,
	},
	StatusPausing: {StatusPaused, StatusDiscontinuing, StatusAborted},
	StatusPaused:  {StatusQueued, StatusRunning, StatusDiscontinuing, StatusAborted},
	StatusAsyncWaiting: {
		StatusRunning, StatusDiscontinuing, StatusFailed, StatusErrored, StatusExpired,
	},
	StatusTaskWaiting: {
		StatusRunning, StatusDiscontinuing, StatusFailed, StatusErrored, StatusExpired,
	},
	StatusInputWaiting: {
		StatusRunning, StatusQueued, StatusDiscontinuing,
		StatusFailed, StatusExpired, StatusAborted, StatusRejected,
	},
	StatusInterventionWaiting: {
		StatusRunning, StatusQueued, StatusDiscontinuing,
		StatusFailed, StatusExpired, StatusAborted, StatusRejected, StatusSucceeded,
	},
	StatusResourceWaiting: {
		StatusRunning, StatusDiscontinuing, StatusFailed, StatusExpired, StatusAborted,
	},
	StatusDiscontinuing: {StatusAborted, StatusExpired, StatusFailed, StatusErrored},
	StatusAborted:       {},
	StatusExpired:       {},
	StatusFailed:        {},
	StatusErrored:       {},
	StatusRejected:      {},
	StatusSucceeded:     {},
	StatusSkipped:       {},
}

// finalStatuses never transition further.
var finalStatuses = map[ExecutionStatus]struct{}{
	StatusSucceeded: {},
	StatusFailed:    {},
	StatusAborted:   {},
	StatusExpired:   {},
	StatusRejected:  {},
	StatusErrored:   {},
	StatusSkipped:   {},
}

// brokenStatuses is the subset of terminal statuses used by failure detection.
var brokenStatuses = map[ExecutionStatus]struct{}{
	StatusFailed:  {},
	StatusErrored: {},
	StatusExpired: {},
}

// CanTransition reports whether from -> to is an allow-listed transition.
func CanTransition(from, to ExecutionStatus) bool {
	allowed, ok := ValidStatusTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

// IsFinalStatus reports whether the status is terminal.
func IsFinalStatus(s ExecutionStatus) bool {
	_, ok := finalStatuses[s]
	return ok
}

// IsBrokenStatus reports whether the status counts as a failure
// (FAILED, ERRORED or EXPIRED).
func IsBrokenStatus(s ExecutionStatus) bool {
	_, ok := brokenStatuses[s]
	return ok
}

// IsWaitingStatus reports whether the status is a suspension point with a
// registered resume path.
func IsWaitingStatus(s ExecutionStatus) bool {
	switch s {
	case StatusAsyncWaiting, StatusTaskWaiting, StatusInputWaiting,
		StatusInterventionWaiting, StatusResourceWaiting, StatusPaused:
		return true
	}
	return false
}

// StatusesAbleToReach returns every status that may legally transition to the
// given target. Guarded updates intersect their allowed-current set with this
// so an unguarded call can never produce an illegal pair.
func StatusesAbleToReach(to ExecutionStatus) []ExecutionStatus {
	var sources []ExecutionStatus
	for from, targets := range ValidStatusTransitions {
		for _, t := range targets {
			if t == to {
				sources = append(sources, from)
				break
			}
		}
	}
	return sources
}

// StatusIn reports whether s is contained in set.
func StatusIn(s ExecutionStatus, set []ExecutionStatus) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

// ActiveStatuses returns all non-terminal statuses.
func ActiveStatuses() []ExecutionStatus {
	var active []ExecutionStatus
	for s := range ValidStatusTransitions {
		if !IsFinalStatus(s) {
			active = append(active, s)
		}
	}
	return active
}
