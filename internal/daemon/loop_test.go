package daemon

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mendcore/mend/internal/config"
	"github.com/mendcore/mend/internal/events"
	"github.com/mendcore/mend/internal/lock"
	"github.com/mendcore/mend/internal/model"
	"github.com/mendcore/mend/internal/state"
)

type stubPlanner struct{ err error }

func (s stubPlanner) Plan(_ context.Context, task model.Task) (model.Plan, error) {
	if s.err != nil {
		return model.Plan{}, s.err
	}
	return model.Plan{TaskID: task.ID, Strategy: "stub"}, nil
}

type stubVerifier struct {
	mu      sync.Mutex
	calls   int
	outcome model.VerificationOutcome
	err     error
}

func (s *stubVerifier) Verify(_ context.Context, _ model.Task, _ model.Candidate) (model.VerificationOutcome, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return s.outcome, s.err
}

func (s *stubVerifier) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func historyDetail(st *model.EngineState, event string) (string, bool) {
	for _, h := range st.History {
		if h.Event == event {
			return h.Detail, true
		}
	}
	return "", false
}

func TestTaskFailureEscalatesExactlyOnce(t *testing.T) {
	te := newTestEngine(t, nil)
	te.exec.fn = func(call int, task model.Task) (model.FixResult, error) {
		return failedResult(task, 3, model.FailureVerifyFailed), nil
	}
	te.start(t)
	te.enqueuePending(t, "broken.py")

	waitFor(t, 3*time.Second, func() bool {
		return len(te.read(t).Queues.Failed) == 1
	}, "task to fail")

	if te.esc.count() != 1 {
		t.Fatalf("escalations = %d, want exactly 1", te.esc.count())
	}
	rec := te.esc.records[0]
	if rec.Reason != model.FailureVerifyFailed || rec.Attempts != 3 {
		t.Errorf("record = %+v, want reason=%s attempts=3", rec, model.FailureVerifyFailed)
	}

	st := te.read(t)
	c := st.Counters
	if c.Processed != 1 || c.Failed != 1 || c.Escalated != 1 || c.Succeeded != 0 {
		t.Errorf("counters = %+v", c)
	}
	if c.Retries != 2 {
		t.Errorf("retries = %d, want 2 (three attempts, two retries)", c.Retries)
	}

	failed := st.Queues.Failed[0]
	if failed.FailureReason == nil || *failed.FailureReason != model.FailureVerifyFailed {
		t.Errorf("failure reason = %v", failed.FailureReason)
	}
	if failed.RetryCount != 2 {
		t.Errorf("retry count = %d, want 2", failed.RetryCount)
	}

	if !hasHistory(st, "task_failed") {
		t.Error("history should record task_failed")
	}
	if detail, ok := historyDetail(st, "task_escalated"); !ok || detail != rec.ID {
		t.Errorf("task_escalated detail = %q, want record id %s", detail, rec.ID)
	}

	if len(st.VerificationLog) != 1 {
		t.Fatalf("verification log entries = %d, want 1", len(st.VerificationLog))
	}
	entry := st.VerificationLog[0]
	if entry.Passed || entry.Attempts != 3 {
		t.Errorf("verification entry = %+v", entry)
	}
}

func TestPlanErrorFailsWithoutExecuting(t *testing.T) {
	te := newTestEngine(t, func(o *Options) {
		o.Planner = stubPlanner{err: errors.New("repo unreadable")}
	})
	te.start(t)
	te.enqueuePending(t, "unplannable.py")

	waitFor(t, 3*time.Second, func() bool {
		return len(te.read(t).Queues.Failed) == 1
	}, "task to fail")

	if n := te.exec.callCount(); n != 0 {
		t.Errorf("executor called %d times, want 0", n)
	}
	if te.esc.count() != 1 {
		t.Fatalf("escalations = %d, want 1", te.esc.count())
	}
	if rec := te.esc.records[0]; rec.Reason != model.FailurePlanError || rec.Attempts != 0 {
		t.Errorf("record = %+v, want reason=%s attempts=0", rec, model.FailurePlanError)
	}

	st := te.read(t)
	if len(st.VerificationLog) != 0 {
		t.Errorf("no attempts were made, verification log should stay empty, got %d", len(st.VerificationLog))
	}
}

func TestConfirmationFailureFailsTask(t *testing.T) {
	ver := &stubVerifier{outcome: model.VerificationOutcome{Passed: false, ExitCode: 2}}
	te := newTestEngine(t, func(o *Options) {
		o.Verifier = ver
	})
	te.start(t)
	te.enqueuePending(t, "regressed.py")

	waitFor(t, 3*time.Second, func() bool {
		return len(te.read(t).Queues.Failed) == 1
	}, "task to fail")

	if ver.callCount() != 1 {
		t.Errorf("verifier calls = %d, want 1", ver.callCount())
	}
	st := te.read(t)
	failed := st.Queues.Failed[0]
	if failed.FailureReason == nil || *failed.FailureReason != model.FailureVerifyFailed {
		t.Errorf("failure reason = %v, want %s", failed.FailureReason, model.FailureVerifyFailed)
	}
	if detail, ok := historyDetail(st, "task_failed"); !ok || detail != "confirmation failed" {
		t.Errorf("task_failed detail = %q", detail)
	}
	if te.esc.count() != 1 {
		t.Errorf("escalations = %d, want 1", te.esc.count())
	}
}

func TestConfirmationErrorFailsTask(t *testing.T) {
	ver := &stubVerifier{err: errors.New("verifier crashed")}
	te := newTestEngine(t, func(o *Options) {
		o.Verifier = ver
	})
	te.start(t)
	te.enqueuePending(t, "unverifiable.py")

	waitFor(t, 3*time.Second, func() bool {
		return len(te.read(t).Queues.Failed) == 1
	}, "task to fail")

	st := te.read(t)
	failed := st.Queues.Failed[0]
	if failed.FailureReason == nil || *failed.FailureReason != model.FailureVerifyError {
		t.Errorf("failure reason = %v, want %s", failed.FailureReason, model.FailureVerifyError)
	}
	if detail, ok := historyDetail(st, "task_failed"); !ok || detail != "confirmation: verifier crashed" {
		t.Errorf("task_failed detail = %q", detail)
	}
}

func TestCompletionRecordsVerification(t *testing.T) {
	te := newTestEngine(t, nil)
	te.exec.fn = func(call int, task model.Task) (model.FixResult, error) {
		return successResult(task, 2), nil
	}
	te.start(t)
	te.enqueuePending(t, "mended.py")

	waitFor(t, 3*time.Second, func() bool {
		return len(te.read(t).Queues.Completed) == 1
	}, "task to complete")

	st := te.read(t)
	done := st.Queues.Completed[0]
	if done.Status != model.StatusCompleted || done.RetryCount != 1 {
		t.Errorf("task = %+v, want completed with retry_count=1", done)
	}
	if len(st.Queues.InProgress) != 0 {
		t.Error("in_progress should be empty")
	}

	c := st.Counters
	if c.Processed != 1 || c.Succeeded != 1 || c.Retries != 1 {
		t.Errorf("counters = %+v", c)
	}

	if len(st.VerificationLog) != 1 {
		t.Fatalf("verification log entries = %d, want 1", len(st.VerificationLog))
	}
	entry := st.VerificationLog[0]
	if !entry.Passed || entry.Attempts != 2 || entry.Detail != "exit=0" {
		t.Errorf("verification entry = %+v", entry)
	}

	if !hasHistory(st, "task_started") || !hasHistory(st, "task_completed") {
		t.Error("history should record start and completion")
	}
	if te.esc.count() != 0 {
		t.Errorf("escalations = %d, want 0", te.esc.count())
	}
}

func TestCanceledExecutionRequeues(t *testing.T) {
	te := newTestEngine(t, nil)
	te.exec.fn = func(call int, task model.Task) (model.FixResult, error) {
		if call == 1 {
			return model.FixResult{TaskID: task.ID, Attempts: 1, FailureReason: model.FailureCanceled}, context.Canceled
		}
		return successResult(task, 1), nil
	}
	te.start(t)
	te.enqueuePending(t, "interrupted.py")

	waitFor(t, 3*time.Second, func() bool {
		return len(te.read(t).Queues.Completed) == 1
	}, "task to complete on second pass")

	st := te.read(t)
	if !hasHistory(st, "task_requeued") {
		t.Error("history should record the requeue")
	}
	if n := te.exec.callCount(); n != 2 {
		t.Errorf("executor calls = %d, want 2", n)
	}
	if te.esc.count() != 0 {
		t.Errorf("cancellation must not escalate, got %d", te.esc.count())
	}
}

func TestCircuitOpenFastFail(t *testing.T) {
	te := newTestEngine(t, nil)
	te.exec.fn = func(call int, task model.Task) (model.FixResult, error) {
		return failedResult(task, 0, model.FailureCircuitOpen), nil
	}
	te.start(t)
	te.enqueuePending(t, "hot.py")

	waitFor(t, 3*time.Second, func() bool {
		return len(te.read(t).Queues.Failed) == 1
	}, "task to fail")

	if te.esc.count() != 1 {
		t.Fatalf("escalations = %d, want 1", te.esc.count())
	}
	if rec := te.esc.records[0]; rec.Reason != model.FailureCircuitOpen || rec.Attempts != 0 {
		t.Errorf("record = %+v, want reason=%s attempts=0", rec, model.FailureCircuitOpen)
	}

	st := te.read(t)
	if st.Counters.Retries != 0 {
		t.Errorf("retries = %d, want 0 for a fast-fail", st.Counters.Retries)
	}
	if len(st.VerificationLog) != 0 {
		t.Errorf("fast-fail should not log a verification, got %d entries", len(st.VerificationLog))
	}
}

func TestChangeEventsCreateTasks(t *testing.T) {
	src := newStubSource()
	te := newTestEngine(t, func(o *Options) {
		o.Source = src
	})
	te.start(t)

	src.ch <- model.ChangeEvent{
		Type:      model.ChangeTypeFileChange,
		Subjects:  []string{"a.py", "b.py"},
		Timestamp: time.Now().UTC(),
	}

	waitFor(t, 3*time.Second, func() bool {
		return len(te.read(t).Queues.Completed) == 2
	}, "both tasks to complete")

	st := te.read(t)
	if st.Counters.Enqueued != 2 {
		t.Errorf("enqueued = %d, want 2", st.Counters.Enqueued)
	}
	for _, done := range st.Queues.Completed {
		if done.Kind != model.KindFixError {
			t.Errorf("task %s kind = %s, want %s", done.ID, done.Kind, model.KindFixError)
		}
	}
}

func TestChangeCoalescesOntoLiveTask(t *testing.T) {
	src := newStubSource()
	te := newTestEngine(t, func(o *Options) {
		o.Source = src
	})
	te.exec.gate = make(chan struct{})
	te.start(t)

	src.ch <- model.ChangeEvent{Type: model.ChangeTypeFileChange, Subjects: []string{"slow.py"}}
	waitFor(t, 3*time.Second, func() bool {
		return te.exec.callCount() == 1
	}, "first task to start executing")

	// The subject is in flight; a second burst must absorb, not duplicate.
	src.ch <- model.ChangeEvent{Type: model.ChangeTypeFileChange, Subjects: []string{"slow.py"}}
	waitFor(t, 3*time.Second, func() bool {
		return hasHistory(te.read(t), "change_coalesced")
	}, "second event to coalesce")

	close(te.exec.gate)
	waitFor(t, 3*time.Second, func() bool {
		return len(te.read(t).Queues.Completed) == 1
	}, "task to complete")

	st := te.read(t)
	if st.Counters.Enqueued != 1 {
		t.Errorf("enqueued = %d, want 1", st.Counters.Enqueued)
	}
	if n := te.exec.callCount(); n != 1 {
		t.Errorf("executor calls = %d, want 1", n)
	}
}

func TestSingleFlightFIFO(t *testing.T) {
	te := newTestEngine(t, nil)
	te.exec.delay = 20 * time.Millisecond
	seeded := te.enqueuePending(t, "one.py", "two.py", "three.py")
	te.start(t)

	waitFor(t, 5*time.Second, func() bool {
		return len(te.read(t).Queues.Completed) == 3
	}, "all tasks to complete")

	if got := te.exec.max.Load(); got != 1 {
		t.Errorf("max concurrent executions = %d, want 1", got)
	}

	order := te.exec.callOrder()
	want := []string{"one.py", "two.py", "three.py"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("execution order = %v, want %v", order, want)
		}
	}

	st := te.read(t)
	for i, done := range st.Queues.Completed {
		if done.ID != seeded[i].ID {
			t.Errorf("completed[%d] = %s, want %s", i, done.ID, seeded[i].ID)
		}
	}
}

func TestGracefulStopRequeuesInflight(t *testing.T) {
	te := newTestEngine(t, func(o *Options) {
		o.DrainTimeout = 50 * time.Millisecond
	})
	te.exec.gate = make(chan struct{})
	te.start(t)
	te.enqueuePending(t, "stuck.py")

	waitFor(t, 3*time.Second, func() bool {
		return te.exec.callCount() == 1
	}, "task to start executing")

	if err := te.Stop("test shutdown"); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	st := te.read(t)
	if st.Process.Running {
		t.Error("process should be stopped")
	}
	if len(st.Queues.Pending) != 1 {
		t.Fatalf("pending = %d, want the interrupted task back", len(st.Queues.Pending))
	}
	if st.Queues.Pending[0].Status != model.StatusPending {
		t.Errorf("requeued status = %s", st.Queues.Pending[0].Status)
	}
	if len(st.Queues.InProgress) != 0 {
		t.Error("in_progress should be empty after shutdown")
	}
	if !hasHistory(st, "task_requeued") {
		t.Error("history should record the requeue")
	}
	if te.esc.count() != 0 {
		t.Errorf("shutdown must not escalate, got %d", te.esc.count())
	}
}

// A status CLI holding the document flock across a terminal write must not
// wedge the engine: the computed outcome is parked, retried on later ticks,
// and the queue keeps moving once the contention clears.
func TestTerminalPersistRetriesAfterLockTimeout(t *testing.T) {
	dir, err := os.MkdirTemp("/tmp", "mend-daemon-*")
	if err != nil {
		t.Fatalf("mkdtemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	mendDir := filepath.Join(dir, ".mend")

	st := state.NewStore(mendDir, state.Options{LockTimeout: 150 * time.Millisecond})
	if err := st.Init(); err != nil {
		t.Fatalf("init store: %v", err)
	}

	te := newTestEngineAt(t, mendDir, st)
	gate := make(chan struct{})
	te.exec.gate = gate
	te.start(t)
	te.enqueuePending(t, "first.py", "second.py")

	waitFor(t, 3*time.Second, func() bool {
		return te.exec.callCount() == 1
	}, "first task to start executing")

	// External reader takes the flock before the executor is released, so
	// the completion write is guaranteed to hit the lock timeout.
	contender := lock.NewFileLock(config.StateLockFile(mendDir))
	if err := contender.LockTimeout(3 * time.Second); err != nil {
		t.Fatalf("take contending lock: %v", err)
	}
	close(gate)

	// Hold long enough for the completion Update to time out at least once.
	time.Sleep(500 * time.Millisecond)
	if err := contender.Unlock(); err != nil {
		t.Fatalf("release contending lock: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool {
		doc := te.read(t)
		return len(doc.Queues.Completed) == 2 && len(doc.Queues.InProgress) == 0
	}, "engine to recover and drain both tasks")

	if got := te.exec.callOrder(); len(got) != 2 || got[0] != "first.py" || got[1] != "second.py" {
		t.Errorf("execution order = %v, want [first.py second.py]", got)
	}
	if c := te.read(t).Counters; c.Processed != 2 || c.Succeeded != 2 {
		t.Errorf("counters = %+v, want processed=2 succeeded=2", c)
	}
}

func TestBusPublishesLifecycleEvents(t *testing.T) {
	bus := events.NewBus(64)
	te := newTestEngine(t, func(o *Options) {
		o.Bus = bus
	})
	ch, cancel := bus.Subscribe()
	defer cancel()

	te.exec.fn = func(call int, task model.Task) (model.FixResult, error) {
		te.brk.RecordFailure(task.Subject)
		te.brk.RecordFailure(task.Subject)
		te.brk.RecordFailure(task.Subject)
		return failedResult(task, 3, model.FailureVerifyFailed), nil
	}
	te.start(t)

	if _, _, err := te.Enqueue(model.KindManual, "doomed.py", "event test"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	saw := make(map[events.EventType]bool)
	deadline := time.After(5 * time.Second)
	for !saw[events.EventBreakerOpened] {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatalf("bus closed before breaker event; saw %v", saw)
			}
			saw[ev.Type] = true
		case <-deadline:
			t.Fatalf("timed out waiting for breaker event; saw %v", saw)
		}
	}

	for _, want := range []events.EventType{
		events.EventEngineStarted,
		events.EventTaskEnqueued,
		events.EventTaskStarted,
		events.EventTaskFailed,
		events.EventTaskEscalated,
		events.EventBreakerOpened,
	} {
		if !saw[want] {
			t.Errorf("missing event %s; saw %v", want, saw)
		}
	}
}
