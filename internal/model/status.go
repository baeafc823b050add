package model

import "fmt"

type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

var terminalStatuses = map[Status]bool{
	StatusCompleted: true,
	StatusFailed:    true,
}

// Task status transitions: pending ↔ in_progress → terminal.
// in_progress → pending is the requeue path (shutdown drain, crash recovery).
var validTaskTransitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusInProgress: true,
	},
	StatusInProgress: {
		StatusPending:   true,
		StatusCompleted: true,
		StatusFailed:    true,
	},
}

func IsTerminal(s Status) bool {
	return terminalStatuses[s]
}

func ValidStatus(s Status) bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// ValidateTaskTransition checks a status change against the task state
// machine. Same-status writes are accepted so mutators can be idempotent.
func ValidateTaskTransition(from, to Status) error {
	if from == to {
		return nil
	}
	if IsTerminal(from) {
		return fmt.Errorf("cannot transition from terminal status %q", from)
	}
	allowed, ok := validTaskTransitions[from]
	if !ok {
		return fmt.Errorf("unknown status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid task transition: %q → %q", from, to)
	}
	return nil
}
