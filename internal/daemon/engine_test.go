package daemon

import (
	"bytes"
	"context"
	"errors"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mendcore/mend/internal/breaker"
	"github.com/mendcore/mend/internal/config"
	"github.com/mendcore/mend/internal/lock"
	"github.com/mendcore/mend/internal/logging"
	"github.com/mendcore/mend/internal/model"
	"github.com/mendcore/mend/internal/state"
	mendyaml "github.com/mendcore/mend/internal/yaml"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// stubExecutor scripts Execute and tracks call order and concurrency.
type stubExecutor struct {
	mu    sync.Mutex
	calls []string
	fn    func(call int, task model.Task) (model.FixResult, error)
	delay time.Duration
	gate  chan struct{}

	cur atomic.Int32
	max atomic.Int32
}

func (s *stubExecutor) Execute(ctx context.Context, task model.Task, plan model.Plan) (model.FixResult, error) {
	c := s.cur.Add(1)
	for {
		m := s.max.Load()
		if c <= m || s.max.CompareAndSwap(m, c) {
			break
		}
	}
	defer s.cur.Add(-1)

	s.mu.Lock()
	s.calls = append(s.calls, task.Subject)
	call := len(s.calls)
	s.mu.Unlock()

	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return model.FixResult{TaskID: task.ID, Attempts: 0, FailureReason: model.FailureCanceled}, ctx.Err()
		}
	}
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if s.fn != nil {
		return s.fn(call, task)
	}
	return successResult(task, 1), nil
}

func (s *stubExecutor) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func (s *stubExecutor) callOrder() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.calls...)
}

func successResult(task model.Task, attempts int) model.FixResult {
	return model.FixResult{
		TaskID:   task.ID,
		Success:  true,
		Attempts: attempts,
		Verification: &model.VerificationOutcome{
			Passed: true,
		},
	}
}

func failedResult(task model.Task, attempts int, reason string) model.FixResult {
	return model.FixResult{
		TaskID:        task.ID,
		Attempts:      attempts,
		FailureReason: reason,
	}
}

// stubEscalator records every escalation it is handed.
type stubEscalator struct {
	mu      sync.Mutex
	records []model.EscalationRecord
}

func (s *stubEscalator) Escalate(ctx context.Context, task model.Task, result model.FixResult) model.EscalationRecord {
	id, err := model.GenerateID(model.IDTypeEscalation)
	if err != nil {
		id = "esc_0000000000_deadbeef"
	}
	rec := model.EscalationRecord{
		ID:       id,
		TaskID:   task.ID,
		Subject:  task.Subject,
		Reason:   result.FailureReason,
		Attempts: result.Attempts,
	}
	s.mu.Lock()
	s.records = append(s.records, rec)
	s.mu.Unlock()
	return rec
}

func (s *stubEscalator) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// stubSource is a hand-fed change source.
type stubSource struct {
	ch    chan model.ChangeEvent
	alive atomic.Bool
}

func newStubSource() *stubSource {
	return &stubSource{ch: make(chan model.ChangeEvent, 8)}
}

func (s *stubSource) Start() error {
	s.alive.Store(true)
	return nil
}

func (s *stubSource) Events() <-chan model.ChangeEvent { return s.ch }
func (s *stubSource) Alive() bool                      { return s.alive.Load() }

func (s *stubSource) Close() error {
	s.alive.Store(false)
	return nil
}

type testEngine struct {
	*Engine
	mendDir string
	st      *state.Store
	exec    *stubExecutor
	esc     *stubEscalator
	brk     *breaker.Breaker
	clock   *manualClock
}

// Socket paths have a low length bound, so engine tests run under /tmp.
func newTestEngine(t *testing.T, mutate func(*Options)) *testEngine {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "mend-daemon-*")
	if err != nil {
		t.Fatalf("mkdtemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	mendDir := filepath.Join(dir, ".mend")

	st := state.NewStore(mendDir, state.DefaultOptions())
	if err := st.Init(); err != nil {
		t.Fatalf("init store: %v", err)
	}

	te := &testEngine{
		mendDir: mendDir,
		st:      st,
		exec:    &stubExecutor{},
		esc:     &stubEscalator{},
		brk:     breaker.New(3, time.Minute, nil),
		clock:   newManualClock(),
	}

	opts := Options{
		MendDir:      mendDir,
		Config:       config.Default(),
		Store:        st,
		Breaker:      te.brk,
		Executor:     te.exec,
		Escalator:    te.esc,
		Logger:       logging.Nop(),
		Clock:        te.clock,
		Version:      "test",
		IdlePoll:     10 * time.Millisecond,
		Heartbeat:    time.Hour,
		HealthCheck:  time.Hour,
		DrainTimeout: 2 * time.Second,
	}
	if mutate != nil {
		mutate(&opts)
	}

	eng, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	te.Engine = eng
	return te
}

func (te *testEngine) start(t *testing.T) {
	t.Helper()
	if err := te.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { te.Stop("test cleanup") })
}

func (te *testEngine) read(t *testing.T) *model.EngineState {
	t.Helper()
	st, err := te.st.Read()
	if err != nil {
		t.Fatalf("read state: %v", err)
	}
	return st
}

func (te *testEngine) enqueuePending(t *testing.T, subjects ...string) []model.Task {
	t.Helper()
	tasks := make([]model.Task, 0, len(subjects))
	err := te.st.Update(func(st *model.EngineState) error {
		for _, subject := range subjects {
			task, err := model.NewTask(model.KindFixError, subject, "test")
			if err != nil {
				return err
			}
			st.Queues.Pending = append(st.Queues.Pending, task)
			st.Counters.Enqueued++
			tasks = append(tasks, task)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed pending: %v", err)
	}
	return tasks
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func hasHistory(st *model.EngineState, event string) bool {
	for _, h := range st.History {
		if h.Event == event {
			return true
		}
	}
	return false
}

func TestStartAndStop(t *testing.T) {
	te := newTestEngine(t, nil)
	te.start(t)

	st := te.read(t)
	if !st.Process.Running {
		t.Error("process should be running after start")
	}
	if st.Process.PID != os.Getpid() {
		t.Errorf("pid = %d, want %d", st.Process.PID, os.Getpid())
	}
	if st.Process.StartedAt == nil || st.Process.LastHeartbeat == nil {
		t.Error("started_at and last_heartbeat should be set")
	}

	if err := te.Stop("test"); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	st = te.read(t)
	if st.Process.Running {
		t.Error("process should not be running after stop")
	}
	if st.Process.StoppedAt == nil {
		t.Error("stopped_at should be set")
	}
	if !hasHistory(st, "engine_started") || !hasHistory(st, "engine_stopped") {
		t.Error("history should record engine start and stop")
	}
}

func TestStartSecondEngineRejected(t *testing.T) {
	te := newTestEngine(t, nil)
	te.start(t)

	second, err := New(Options{
		MendDir:   te.mendDir,
		Config:    config.Default(),
		Store:     te.st,
		Breaker:   breaker.New(3, time.Minute, nil),
		Executor:  &stubExecutor{},
		Escalator: &stubEscalator{},
		Logger:    logging.Nop(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	err = second.Start(context.Background())
	if err == nil {
		second.Stop("unexpected")
		t.Fatal("second engine should not start")
	}
	if !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("error = %v, want ErrAlreadyRunning", err)
	}
}

func TestStartRejectsLiveProcessRecord(t *testing.T) {
	te := newTestEngine(t, nil)

	// PID 1 is always alive; the lock itself is free.
	err := te.st.Update(func(st *model.EngineState) error {
		st.Process.Running = true
		st.Process.PID = 1
		return nil
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	if err := te.Start(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		if err == nil {
			te.Stop("unexpected")
		}
		t.Fatalf("error = %v, want ErrAlreadyRunning", err)
	}
}

func TestStartReclaimsDeadProcessRecord(t *testing.T) {
	te := newTestEngine(t, nil)

	cmd := exec.Command("true")
	if err := cmd.Run(); err != nil {
		t.Fatalf("spawn probe process: %v", err)
	}
	deadPID := cmd.Process.Pid

	err := te.st.Update(func(st *model.EngineState) error {
		st.Process.Running = true
		st.Process.PID = deadPID
		return nil
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	te.start(t)
	st := te.read(t)
	if st.Process.PID != os.Getpid() {
		t.Errorf("pid = %d, want reclaimed by %d", st.Process.PID, os.Getpid())
	}
}

func TestStartRecoversInflightTask(t *testing.T) {
	te := newTestEngine(t, nil)

	// Simulate a crash mid-task: the document holds an in_progress entry.
	doc := model.NewEngineState()
	task, err := model.NewTask(model.KindFixError, "crashed.py", "left in flight")
	if err != nil {
		t.Fatalf("new task: %v", err)
	}
	task.Status = model.StatusInProgress
	doc.Queues.InProgress = []model.Task{task}
	if err := mendyaml.AtomicWrite(te.st.Path(), doc); err != nil {
		t.Fatalf("seed crash state: %v", err)
	}

	te.start(t)

	waitFor(t, 3*time.Second, func() bool {
		st := te.read(t)
		return len(st.Queues.Completed) == 1
	}, "recovered task to complete")

	st := te.read(t)
	if !hasHistory(st, "recovered_inflight") {
		t.Error("history should record the recovery")
	}
	if len(st.Queues.InProgress) != 0 {
		t.Error("in_progress should be drained")
	}
}

func TestStopIdempotentUnderConcurrency(t *testing.T) {
	te := newTestEngine(t, nil)
	te.start(t)

	begin := time.Now()
	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := 0; i < 3; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = te.Stop("concurrent")
		}()
	}
	wg.Wait()

	if elapsed := time.Since(begin); elapsed > 5*time.Second {
		t.Errorf("stop took %s", elapsed)
	}
	for i, err := range errs {
		if err != nil {
			t.Errorf("stop %d: %v", i, err)
		}
	}

	// Lock is released: a fresh engine can start.
	next := newTestEngineAt(t, te.mendDir, te.st)
	next.start(t)
}

// newTestEngineAt builds a second engine over an existing project dir.
func newTestEngineAt(t *testing.T, mendDir string, st *state.Store) *testEngine {
	t.Helper()
	te := &testEngine{
		mendDir: mendDir,
		st:      st,
		exec:    &stubExecutor{},
		esc:     &stubEscalator{},
		brk:     breaker.New(3, time.Minute, nil),
		clock:   newManualClock(),
	}
	eng, err := New(Options{
		MendDir:      mendDir,
		Config:       config.Default(),
		Store:        st,
		Breaker:      te.brk,
		Executor:     te.exec,
		Escalator:    te.esc,
		Logger:       logging.Nop(),
		Clock:        te.clock,
		IdlePoll:     10 * time.Millisecond,
		Heartbeat:    time.Hour,
		HealthCheck:  time.Hour,
		DrainTimeout: 2 * time.Second,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	te.Engine = eng
	return te
}

func TestHeartbeatAdvances(t *testing.T) {
	te := newTestEngine(t, func(o *Options) {
		o.Heartbeat = 20 * time.Millisecond
	})
	te.start(t)

	st := te.read(t)
	started := *st.Process.LastHeartbeat

	te.clock.Advance(5 * time.Second)
	waitFor(t, 2*time.Second, func() bool {
		st := te.read(t)
		return st.Process.LastHeartbeat != nil && *st.Process.LastHeartbeat != started
	}, "heartbeat to advance")
}

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

// A beat that loses the flock to an external holder is skipped with a warn;
// the next tick after the contention clears lands normally.
func TestHeartbeatSkipsBeatUnderLockContention(t *testing.T) {
	dir, err := os.MkdirTemp("/tmp", "mend-daemon-*")
	if err != nil {
		t.Fatalf("mkdtemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	mendDir := filepath.Join(dir, ".mend")

	st := state.NewStore(mendDir, state.Options{LockTimeout: 100 * time.Millisecond})
	if err := st.Init(); err != nil {
		t.Fatalf("init store: %v", err)
	}

	buf := &syncBuffer{}
	clock := newManualClock()
	eng, err := New(Options{
		MendDir:      mendDir,
		Config:       config.Default(),
		Store:        st,
		Breaker:      breaker.New(3, time.Minute, nil),
		Executor:     &stubExecutor{},
		Escalator:    &stubEscalator{},
		Logger:       logging.New(log.New(buf, "", 0), logging.LevelDebug, "test"),
		Clock:        clock,
		IdlePoll:     10 * time.Millisecond,
		Heartbeat:    20 * time.Millisecond,
		HealthCheck:  time.Hour,
		DrainTimeout: 2 * time.Second,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { eng.Stop("test cleanup") })

	contender := lock.NewFileLock(config.StateLockFile(mendDir))
	if err := contender.LockTimeout(3 * time.Second); err != nil {
		t.Fatalf("take contending lock: %v", err)
	}
	clock.Advance(30 * time.Second)

	waitFor(t, 3*time.Second, func() bool {
		return strings.Contains(buf.String(), "heartbeat skipped")
	}, "a beat to be skipped under contention")

	if err := contender.Unlock(); err != nil {
		t.Fatalf("release contending lock: %v", err)
	}

	want := clock.Now().UTC().Format(time.RFC3339)
	waitFor(t, 3*time.Second, func() bool {
		doc, rerr := st.Read()
		return rerr == nil && doc.Process.LastHeartbeat != nil && *doc.Process.LastHeartbeat == want
	}, "the next beat to land after the contention cleared")
}

func TestBreakerStateSurvivesRestart(t *testing.T) {
	te := newTestEngine(t, func(o *Options) {
		o.Source = nil
	})
	te.exec.fn = func(call int, task model.Task) (model.FixResult, error) {
		te.brk.RecordFailure(task.Subject)
		te.brk.RecordFailure(task.Subject)
		return failedResult(task, 2, model.FailureVerifyFailed), nil
	}
	te.start(t)
	te.enqueuePending(t, "flaky.py")

	waitFor(t, 3*time.Second, func() bool {
		return len(te.read(t).Queues.Failed) == 1
	}, "task to fail")
	if err := te.Stop("restart test"); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	st := te.read(t)
	if got := len(st.Breaker.Failures["flaky.py"]); got != 2 {
		t.Fatalf("persisted failure stamps = %d, want 2", got)
	}

	next := newTestEngineAt(t, te.mendDir, te.st)
	next.start(t)
	if got := next.brk.FailureCount("flaky.py"); got != 2 {
		t.Errorf("restored failure count = %d, want 2", got)
	}
}

func TestStatisticsSnapshot(t *testing.T) {
	te := newTestEngine(t, nil)
	te.start(t)
	te.enqueuePending(t, "a.py")

	waitFor(t, 3*time.Second, func() bool {
		return len(te.read(t).Queues.Completed) == 1
	}, "task to complete")

	stats, err := te.Statistics()
	if err != nil {
		t.Fatalf("Statistics: %v", err)
	}
	if !stats.Running {
		t.Error("stats should report running")
	}
	if stats.Queues.Completed != 1 {
		t.Errorf("completed depth = %d, want 1", stats.Queues.Completed)
	}
	if stats.Processed != 1 || stats.Succeeded != 1 {
		t.Errorf("counters = %+v, want processed=1 succeeded=1", stats)
	}
	if rate := SuccessRate(stats.Succeeded, stats.Processed); rate != 1.0 {
		t.Errorf("success rate = %v, want 1.0", rate)
	}
	if SuccessRate(0, 0) != 0 {
		t.Error("success rate with no work should be 0")
	}
}

func TestEnqueueManualAndCoalesce(t *testing.T) {
	te := newTestEngine(t, nil)

	task, coalesced, err := te.Enqueue(model.KindManual, "report.py", "requested")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if coalesced {
		t.Error("first enqueue should not coalesce")
	}
	if task.Kind != model.KindManual || task.Status != model.StatusPending {
		t.Errorf("task = %+v", task)
	}

	again, coalesced, err := te.Enqueue(model.KindManual, "report.py", "requested twice")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if !coalesced {
		t.Error("second enqueue for the same subject should coalesce")
	}
	if again.ID != task.ID {
		t.Errorf("coalesced onto %s, want %s", again.ID, task.ID)
	}

	st := te.read(t)
	if len(st.Queues.Pending) != 1 {
		t.Errorf("pending depth = %d, want 1", len(st.Queues.Pending))
	}
	if st.Counters.Enqueued != 1 {
		t.Errorf("enqueued counter = %d, want 1", st.Counters.Enqueued)
	}
	if !hasHistory(st, "change_coalesced") {
		t.Error("history should record the coalesce")
	}

	_, _, err = te.Enqueue(model.KindManual, "", "missing subject")
	if err == nil {
		t.Error("empty subject should be rejected")
	}
}

func TestEnqueueRejectedWhileStopping(t *testing.T) {
	te := newTestEngine(t, nil)
	te.stopping.Store(true)

	_, _, err := te.Enqueue(model.KindManual, "late.py", "")
	if !errors.Is(err, ErrShuttingDown) {
		t.Errorf("error = %v, want ErrShuttingDown", err)
	}
}
