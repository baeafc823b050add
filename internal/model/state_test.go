package model

import (
	"fmt"
	"testing"
)

func mkTask(id string, status Status) Task {
	return Task{
		ID:        id,
		Kind:      KindFixError,
		Subject:   "src/" + id + ".go",
		Status:    status,
		CreatedAt: "2026-08-01T00:00:00Z",
		UpdatedAt: "2026-08-01T00:00:00Z",
	}
}

func TestEngineStateValidate(t *testing.T) {
	s := NewEngineState()
	if err := s.Validate(); err != nil {
		t.Fatalf("fresh state should validate: %v", err)
	}

	s.Queues.Pending = []Task{mkTask("task_1771722000_aaaaaaaa", StatusPending)}
	s.Queues.InProgress = []Task{mkTask("task_1771722001_bbbbbbbb", StatusInProgress)}
	s.Queues.Completed = []Task{mkTask("task_1771722002_cccccccc", StatusCompleted)}
	if err := s.Validate(); err != nil {
		t.Fatalf("populated state should validate: %v", err)
	}
}

func TestEngineStateValidate_TwoInProgress(t *testing.T) {
	s := NewEngineState()
	s.Queues.InProgress = []Task{
		mkTask("task_1771722000_aaaaaaaa", StatusInProgress),
		mkTask("task_1771722001_bbbbbbbb", StatusInProgress),
	}
	if err := s.Validate(); err == nil {
		t.Error("expected error for two in_progress tasks")
	}
}

func TestEngineStateValidate_StatusQueueMismatch(t *testing.T) {
	s := NewEngineState()
	s.Queues.Pending = []Task{mkTask("task_1771722000_aaaaaaaa", StatusCompleted)}
	if err := s.Validate(); err == nil {
		t.Error("expected error for completed task in pending queue")
	}
}

func TestEngineStateValidate_WrongFileType(t *testing.T) {
	s := NewEngineState()
	s.FileType = "queue_command"
	if err := s.Validate(); err == nil {
		t.Error("expected error for wrong file_type")
	}
}

func TestApplyBounds(t *testing.T) {
	s := NewEngineState()
	for i := 0; i < 60; i++ {
		s.Queues.Completed = append(s.Queues.Completed, mkTask(fmt.Sprintf("task_%010d_aaaaaaaa", 1771722000+i), StatusCompleted))
		s.AppendHistory("task_completed", fmt.Sprintf("task_%010d_aaaaaaaa", 1771722000+i), "")
	}
	s.ApplyBounds(Bounds{Completed: 50, Failed: 50, History: 40, VerificationLog: 100})

	if len(s.Queues.Completed) != 50 {
		t.Errorf("completed queue = %d entries, want 50", len(s.Queues.Completed))
	}
	// Oldest evicted first: the survivor head is entry #10.
	if got := s.Queues.Completed[0].ID; got != "task_1771722010_aaaaaaaa" {
		t.Errorf("oldest surviving completed = %s, want task_1771722010_aaaaaaaa", got)
	}
	if len(s.History) != 40 {
		t.Errorf("history = %d entries, want 40", len(s.History))
	}
	if got := s.History[len(s.History)-1].TaskID; got != "task_1771722059_aaaaaaaa" {
		t.Errorf("newest history entry = %s, want task_1771722059_aaaaaaaa", got)
	}
}

func TestApplyBounds_UnderCap(t *testing.T) {
	s := NewEngineState()
	s.Queues.Failed = []Task{mkTask("task_1771722000_aaaaaaaa", StatusFailed)}
	s.ApplyBounds(DefaultBounds())
	if len(s.Queues.Failed) != 1 {
		t.Errorf("failed queue = %d entries, want 1", len(s.Queues.Failed))
	}
}

func TestClone_NoAliasing(t *testing.T) {
	s := NewEngineState()
	reason := "verification_failed"
	task := mkTask("task_1771722000_aaaaaaaa", StatusFailed)
	task.FailureReason = &reason
	s.Queues.Failed = []Task{task}
	hb := "2026-08-01T00:00:00Z"
	s.Process.LastHeartbeat = &hb

	c := s.Clone()
	c.Queues.Failed[0].ID = "task_1771722999_ffffffff"
	*c.Queues.Failed[0].FailureReason = "mutated"
	*c.Process.LastHeartbeat = "2026-08-02T00:00:00Z"

	if s.Queues.Failed[0].ID != "task_1771722000_aaaaaaaa" {
		t.Error("clone aliases task slice")
	}
	if *s.Queues.Failed[0].FailureReason != "verification_failed" {
		t.Error("clone aliases failure reason pointer")
	}
	if *s.Process.LastHeartbeat != "2026-08-01T00:00:00Z" {
		t.Error("clone aliases heartbeat pointer")
	}
}

func TestFindTask(t *testing.T) {
	s := NewEngineState()
	s.Queues.Pending = []Task{
		mkTask("task_1771722000_aaaaaaaa", StatusPending),
		mkTask("task_1771722001_bbbbbbbb", StatusPending),
	}
	s.Queues.InProgress = []Task{mkTask("task_1771722002_cccccccc", StatusInProgress)}

	queue, idx := s.FindTask("task_1771722001_bbbbbbbb")
	if queue != "pending" || idx != 1 {
		t.Errorf("FindTask = (%q, %d), want (pending, 1)", queue, idx)
	}
	queue, idx = s.FindTask("task_1771722002_cccccccc")
	if queue != "in_progress" || idx != 0 {
		t.Errorf("FindTask = (%q, %d), want (in_progress, 0)", queue, idx)
	}
	queue, idx = s.FindTask("task_0000000000_00000000")
	if queue != "" || idx != -1 {
		t.Errorf("FindTask for missing = (%q, %d), want (\"\", -1)", queue, idx)
	}
}
