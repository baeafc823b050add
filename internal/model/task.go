package model

import "time"

type TaskKind string

const (
	KindFixError TaskKind = "fix_error"
	KindManual   TaskKind = "manual"
)

// Task is one unit of fix work: a subject (usually a file path) plus enough
// context for the fixer to act on it. Tasks live in the engine state queues
// and move through pending → in_progress → completed|failed.
type Task struct {
	ID            string   `yaml:"id" json:"id"`
	Kind          TaskKind `yaml:"kind" json:"kind"`
	Subject       string   `yaml:"subject" json:"subject"`
	Description   string   `yaml:"description" json:"description"`
	Status        Status   `yaml:"status" json:"status"`
	RetryCount    int      `yaml:"retry_count" json:"retry_count"`
	FailureReason *string  `yaml:"failure_reason" json:"failure_reason,omitempty"`
	CreatedAt     string   `yaml:"created_at" json:"created_at"`
	UpdatedAt     string   `yaml:"updated_at" json:"updated_at"`
}

// NewTask builds a pending task for the given subject. The caller persists it.
func NewTask(kind TaskKind, subject, description string) (Task, error) {
	id, err := GenerateID(IDTypeTask)
	if err != nil {
		return Task{}, err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	return Task{
		ID:          id,
		Kind:        kind,
		Subject:     subject,
		Description: description,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

const ChangeTypeFileChange = "file_change"

// ChangeEvent is what a change source emits: one coalesced observation of
// the watched tree, carrying every subject that settled in the window.
type ChangeEvent struct {
	Type      string    `json:"type"`
	Subjects  []string  `json:"subjects"`
	Timestamp time.Time `json:"timestamp"`
}
