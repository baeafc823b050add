package model

import (
	"fmt"
	"os"
	"syscall"
	"time"
)

const EngineStateFileType = "state_engine"

// EngineState is the single persisted document holding everything the engine
// must not lose across a crash: queues, breaker memory, process bookkeeping,
// history. All access goes through the state store; nothing else touches the
// file.
type EngineState struct {
	SchemaVersion int    `yaml:"schema_version"`
	FileType      string `yaml:"file_type"`

	Process         ProcessState        `yaml:"process"`
	Queues          Queues              `yaml:"queues"`
	Breaker         BreakerState        `yaml:"breaker"`
	History         []HistoryEntry      `yaml:"history"`
	VerificationLog []VerificationEntry `yaml:"verification_log"`
	Counters        Counters            `yaml:"counters"`
	UpdatedAt       *string             `yaml:"updated_at"`
}

type ProcessState struct {
	Running       bool    `yaml:"running"`
	PID           int     `yaml:"pid"`
	StartedAt     *string `yaml:"started_at"`
	LastHeartbeat *string `yaml:"last_heartbeat"`
	StoppedAt     *string `yaml:"stopped_at"`
}

type Queues struct {
	Pending    []Task `yaml:"pending"`
	InProgress []Task `yaml:"in_progress"`
	Completed  []Task `yaml:"completed"`
	Failed     []Task `yaml:"failed"`
}

// BreakerState persists the per-resource sliding failure windows so a
// restart during a failure storm stays conservative. Keys are resource
// identifiers (task subjects), values RFC3339 failure timestamps.
type BreakerState struct {
	Failures map[string][]string `yaml:"failures"`
}

type HistoryEntry struct {
	At     string `yaml:"at"`
	Event  string `yaml:"event"`
	TaskID string `yaml:"task_id,omitempty"`
	Detail string `yaml:"detail,omitempty"`
}

type VerificationEntry struct {
	At         string `yaml:"at"`
	TaskID     string `yaml:"task_id"`
	Passed     bool   `yaml:"passed"`
	Attempts   int    `yaml:"attempts"`
	DurationMS int64  `yaml:"duration_ms,omitempty"`
	Detail     string `yaml:"detail,omitempty"`
}

type Counters struct {
	Enqueued  int64 `yaml:"enqueued"`
	Processed int64 `yaml:"processed"`
	Succeeded int64 `yaml:"succeeded"`
	Failed    int64 `yaml:"failed"`
	Escalated int64 `yaml:"escalated"`
	Retries   int64 `yaml:"retries"`
}

// Bounds caps the growable collections in the document. Oldest entries are
// evicted first.
type Bounds struct {
	Completed       int
	Failed          int
	History         int
	VerificationLog int
}

func DefaultBounds() Bounds {
	return Bounds{
		Completed:       50,
		Failed:          50,
		History:         100,
		VerificationLog: 100,
	}
}

// NewEngineState returns an empty document for a fresh project.
func NewEngineState() *EngineState {
	return &EngineState{
		SchemaVersion:   1,
		FileType:        EngineStateFileType,
		Queues:          Queues{Pending: []Task{}, InProgress: []Task{}, Completed: []Task{}, Failed: []Task{}},
		Breaker:         BreakerState{Failures: map[string][]string{}},
		History:         []HistoryEntry{},
		VerificationLog: []VerificationEntry{},
	}
}

// Validate checks structural invariants after load and before persist.
func (s *EngineState) Validate() error {
	if s.FileType != EngineStateFileType {
		return fmt.Errorf("unexpected file_type %q", s.FileType)
	}
	if len(s.Queues.InProgress) > 1 {
		return fmt.Errorf("%d tasks in_progress, at most 1 allowed", len(s.Queues.InProgress))
	}
	check := func(queue string, tasks []Task, want Status) error {
		for _, t := range tasks {
			if !ValidStatus(t.Status) {
				return fmt.Errorf("task %s in %s queue has unknown status %q", t.ID, queue, t.Status)
			}
			if t.Status != want {
				return fmt.Errorf("task %s in %s queue has status %q", t.ID, queue, t.Status)
			}
		}
		return nil
	}
	if err := check("pending", s.Queues.Pending, StatusPending); err != nil {
		return err
	}
	if err := check("in_progress", s.Queues.InProgress, StatusInProgress); err != nil {
		return err
	}
	if err := check("completed", s.Queues.Completed, StatusCompleted); err != nil {
		return err
	}
	if err := check("failed", s.Queues.Failed, StatusFailed); err != nil {
		return err
	}
	seen := make(map[string]string)
	for _, q := range []struct {
		name  string
		tasks []Task
	}{
		{"pending", s.Queues.Pending},
		{"in_progress", s.Queues.InProgress},
		{"completed", s.Queues.Completed},
		{"failed", s.Queues.Failed},
	} {
		for _, t := range q.tasks {
			if prev, dup := seen[t.ID]; dup {
				return fmt.Errorf("task %s appears in both %s and %s queues", t.ID, prev, q.name)
			}
			seen[t.ID] = q.name
		}
	}
	return nil
}

// ApplyBounds evicts oldest entries beyond the configured caps.
func (s *EngineState) ApplyBounds(b Bounds) {
	if b.Completed > 0 && len(s.Queues.Completed) > b.Completed {
		s.Queues.Completed = s.Queues.Completed[len(s.Queues.Completed)-b.Completed:]
	}
	if b.Failed > 0 && len(s.Queues.Failed) > b.Failed {
		s.Queues.Failed = s.Queues.Failed[len(s.Queues.Failed)-b.Failed:]
	}
	if b.History > 0 && len(s.History) > b.History {
		s.History = s.History[len(s.History)-b.History:]
	}
	if b.VerificationLog > 0 && len(s.VerificationLog) > b.VerificationLog {
		s.VerificationLog = s.VerificationLog[len(s.VerificationLog)-b.VerificationLog:]
	}
}

// AppendHistory records an engine event. Eviction happens when bounds are
// applied on persist.
func (s *EngineState) AppendHistory(event, taskID, detail string) {
	s.History = append(s.History, HistoryEntry{
		At:     time.Now().UTC().Format(time.RFC3339),
		Event:  event,
		TaskID: taskID,
		Detail: detail,
	})
}

// FindTask returns the queue name and index of a task, or "" when absent.
func (s *EngineState) FindTask(id string) (string, int) {
	for queue, tasks := range map[string][]Task{
		"pending":     s.Queues.Pending,
		"in_progress": s.Queues.InProgress,
		"completed":   s.Queues.Completed,
		"failed":      s.Queues.Failed,
	} {
		for i, t := range tasks {
			if t.ID == id {
				return queue, i
			}
		}
	}
	return "", -1
}

// Clone returns a deep copy so readers never alias store-internal state.
func (s *EngineState) Clone() *EngineState {
	c := *s
	c.Queues.Pending = cloneTasks(s.Queues.Pending)
	c.Queues.InProgress = cloneTasks(s.Queues.InProgress)
	c.Queues.Completed = cloneTasks(s.Queues.Completed)
	c.Queues.Failed = cloneTasks(s.Queues.Failed)
	c.Breaker.Failures = make(map[string][]string, len(s.Breaker.Failures))
	for key, ts := range s.Breaker.Failures {
		c.Breaker.Failures[key] = append([]string{}, ts...)
	}
	c.History = append([]HistoryEntry{}, s.History...)
	c.VerificationLog = append([]VerificationEntry{}, s.VerificationLog...)
	c.Process = cloneProcess(s.Process)
	c.UpdatedAt = cloneStringPtr(s.UpdatedAt)
	return &c
}

func cloneTasks(tasks []Task) []Task {
	out := make([]Task, len(tasks))
	for i, t := range tasks {
		out[i] = t
		out[i].FailureReason = cloneStringPtr(t.FailureReason)
	}
	return out
}

func cloneProcess(p ProcessState) ProcessState {
	p.StartedAt = cloneStringPtr(p.StartedAt)
	p.LastHeartbeat = cloneStringPtr(p.LastHeartbeat)
	p.StoppedAt = cloneStringPtr(p.StoppedAt)
	return p
}

func cloneStringPtr(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// PIDAlive reports whether a recorded PID still refers to a live process.
// On unix a signal 0 probe fails for dead PIDs.
func PIDAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
