// Package daemon runs the fix-orchestration engine: a single event loop
// that drains the pending queue through plan, fix, and verify, plus the
// heartbeat, health, and change-intake loops around it.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/mendcore/mend/internal/breaker"
	"github.com/mendcore/mend/internal/config"
	"github.com/mendcore/mend/internal/events"
	"github.com/mendcore/mend/internal/fixer"
	"github.com/mendcore/mend/internal/lock"
	"github.com/mendcore/mend/internal/logging"
	"github.com/mendcore/mend/internal/model"
	"github.com/mendcore/mend/internal/state"
	"github.com/mendcore/mend/internal/telemetry"
	"github.com/mendcore/mend/internal/uds"
)

var (
	// ErrAlreadyRunning means another engine holds this project's lock.
	ErrAlreadyRunning = errors.New("engine already running")
	// ErrShuttingDown means the engine no longer accepts work.
	ErrShuttingDown = errors.New("engine shutting down")
)

// Executor is the slice of the retry executor the engine drives.
type Executor interface {
	Execute(ctx context.Context, task model.Task, plan model.Plan) (model.FixResult, error)
}

// Escalator hands a finally-failed task to the configured channels.
type Escalator interface {
	Escalate(ctx context.Context, task model.Task, result model.FixResult) model.EscalationRecord
}

// ChangeSource feeds coalesced change events into the engine.
type ChangeSource interface {
	Start() error
	Events() <-chan model.ChangeEvent
	Alive() bool
	Close() error
}

// Options carries every collaborator; none are package-level. Store,
// Breaker, Executor, and Escalator are required. Source, Bus, Audit, and
// Metrics are optional, and zero intervals fall back to Config.
type Options struct {
	MendDir string
	Config  *config.Config
	Store   *state.Store
	Breaker *breaker.Breaker

	Planner   fixer.Planner
	Executor  Executor
	Verifier  fixer.Verifier
	Escalator Escalator
	Source    ChangeSource

	Bus     *events.Bus
	Audit   *events.AuditLogger
	Metrics *telemetry.Metrics
	Logger  *logging.Logger
	Clock   breaker.Clock
	Version string

	// Test seams; zero values defer to Config.
	IdlePoll      time.Duration
	Heartbeat     time.Duration
	HealthCheck   time.Duration
	DrainTimeout  time.Duration
	HandleSignals bool
}

// Engine is the orchestrator. At most one task is in flight at any time;
// everything durable goes through the state store.
type Engine struct {
	mendDir string
	cfg     *config.Config
	store   *state.Store
	breaker *breaker.Breaker

	planner   fixer.Planner
	executor  Executor
	verifier  fixer.Verifier
	escalator Escalator
	source    ChangeSource

	bus     *events.Bus
	audit   *events.AuditLogger
	metrics *telemetry.Metrics
	log     *logging.Logger
	clock   breaker.Clock
	version string

	idlePoll      time.Duration
	heartbeatIv   time.Duration
	healthIv      time.Duration
	drainTimeout  time.Duration
	handleSignals bool

	fileLock *lock.FileLock
	server   *uds.Server

	loopCtx    context.Context
	loopCancel context.CancelFunc
	taskCtx    context.Context
	taskCancel context.CancelFunc

	// A terminal transition whose persist failed, held for retry. Owned by
	// the event-loop goroutine; Stop reads it only after the loops drain.
	unsettled   func() error
	unsettledID string

	loopWG sync.WaitGroup
	auxWG  sync.WaitGroup

	startedAt     time.Time
	stopping      atomic.Bool
	stopOnce      sync.Once
	stopErr       error
	done          chan struct{}
	healthFailed  atomic.Int64
	signalCleanup func()
}

func New(opts Options) (*Engine, error) {
	if opts.Config == nil || opts.Store == nil || opts.Breaker == nil {
		return nil, fmt.Errorf("daemon: config, store, and breaker are required")
	}
	if opts.Executor == nil || opts.Escalator == nil {
		return nil, fmt.Errorf("daemon: executor and escalator are required")
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.Clock == nil {
		opts.Clock = breaker.SystemClock
	}
	if opts.Planner == nil {
		opts.Planner = fixer.NoopPlanner{}
	}
	if opts.Verifier == nil {
		opts.Verifier = fixer.NoopVerifier{}
	}

	e := &Engine{
		mendDir:       opts.MendDir,
		cfg:           opts.Config,
		store:         opts.Store,
		breaker:       opts.Breaker,
		planner:       opts.Planner,
		executor:      opts.Executor,
		verifier:      opts.Verifier,
		escalator:     opts.Escalator,
		source:        opts.Source,
		bus:           opts.Bus,
		audit:         opts.Audit,
		metrics:       opts.Metrics,
		log:           opts.Logger.WithComponent("engine"),
		clock:         opts.Clock,
		version:       opts.Version,
		idlePoll:      opts.IdlePoll,
		heartbeatIv:   opts.Heartbeat,
		healthIv:      opts.HealthCheck,
		drainTimeout:  opts.DrainTimeout,
		handleSignals: opts.HandleSignals,
		fileLock:      lock.NewFileLock(config.EngineLockFile(opts.MendDir)),
		done:          make(chan struct{}),
	}
	if e.idlePoll <= 0 {
		e.idlePoll = e.cfg.Engine.IdlePoll()
	}
	if e.heartbeatIv <= 0 {
		e.heartbeatIv = e.cfg.Engine.HeartbeatInterval()
	}
	if e.healthIv <= 0 {
		e.healthIv = e.cfg.Engine.HealthCheckInterval()
	}
	if e.drainTimeout <= 0 {
		e.drainTimeout = e.cfg.Engine.ShutdownTimeout()
	}
	return e, nil
}

// Start brings the engine up: lock, recovery, control socket, watcher, and
// the three loops. It returns once everything is running; Wait blocks until
// shutdown completes.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.acquireLock(); err != nil {
		return err
	}

	e.loopCtx, e.loopCancel = context.WithCancel(ctx)
	e.taskCtx, e.taskCancel = context.WithCancel(context.WithoutCancel(ctx))
	e.startedAt = e.clock.Now()

	if err := e.recoverState(); err != nil {
		e.fileLock.Unlock()
		return err
	}

	e.server = uds.NewServer(config.SocketFile(e.mendDir), e.log.WithComponent("uds"))
	e.registerHandlers()
	if err := e.server.Start(); err != nil {
		e.fileLock.Unlock()
		return fmt.Errorf("start control server: %w", err)
	}
	e.log.Info("control server listening on %s", config.SocketFile(e.mendDir))

	if e.source != nil {
		if err := e.source.Start(); err != nil {
			_ = e.server.Close()
			e.fileLock.Unlock()
			return fmt.Errorf("start change source: %w", err)
		}
		e.loopWG.Add(1)
		go e.watchLoop()
	}

	if e.bus != nil && e.audit != nil {
		ch, cancelSub := e.bus.Subscribe()
		e.auxWG.Add(1)
		go func() {
			defer e.auxWG.Done()
			defer cancelSub()
			for ev := range ch {
				if err := e.audit.Record(ev); err != nil {
					e.log.Warn("audit record: %v", err)
				}
			}
		}()
	}

	e.loopWG.Add(3)
	go e.eventLoop()
	go e.heartbeatLoop()
	go e.healthLoop()

	if e.handleSignals {
		e.installSignalHandlers()
	}

	e.publish(events.Event{Type: events.EventEngineStarted, Detail: map[string]any{"pid": os.Getpid()}})
	e.log.Info("engine started pid=%d version=%s", os.Getpid(), e.version)
	return nil
}

// acquireLock takes the engine lock. flock frees itself when a holder dies,
// so a successful acquisition with a running-and-alive process block means a
// second engine, while a dead recorded PID is reclaimed.
func (e *Engine) acquireLock() error {
	if err := e.fileLock.TryLock(); err != nil {
		pid := lock.HolderPID(config.EngineLockFile(e.mendDir))
		if pid > 0 {
			return fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, pid)
		}
		return fmt.Errorf("%w: %v", ErrAlreadyRunning, err)
	}

	st, err := e.store.Read()
	if err != nil {
		e.fileLock.Unlock()
		return fmt.Errorf("read state: %w", err)
	}
	if st.Process.Running && st.Process.PID != os.Getpid() && model.PIDAlive(st.Process.PID) {
		e.fileLock.Unlock()
		return fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, st.Process.PID)
	}
	if st.Process.Running {
		e.log.Warn("reclaiming state left by dead engine pid=%d", st.Process.PID)
	}
	return nil
}

// recoverState marks the process block running, requeues any task a crash
// left in_progress, and restores the breaker windows from the document.
func (e *Engine) recoverState() error {
	var persisted map[string][]string
	now := e.nowString()
	err := e.store.Update(func(st *model.EngineState) error {
		for i := range st.Queues.InProgress {
			t := st.Queues.InProgress[i]
			t.Status = model.StatusPending
			t.UpdatedAt = now
			st.Queues.Pending = append([]model.Task{t}, st.Queues.Pending...)
			st.AppendHistory("recovered_inflight", t.ID, t.Subject)
			e.log.Warn("recovered in-flight task %s (%s)", t.ID, t.Subject)
		}
		st.Queues.InProgress = st.Queues.InProgress[:0]

		st.Process = model.ProcessState{
			Running:       true,
			PID:           os.Getpid(),
			StartedAt:     &now,
			LastHeartbeat: &now,
		}
		st.AppendHistory("engine_started", "", fmt.Sprintf("pid=%d", os.Getpid()))

		persisted = st.Breaker.Failures
		return nil
	})
	if err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}

	if len(persisted) > 0 {
		restored := make(map[string][]time.Time, len(persisted))
		for key, stamps := range persisted {
			for _, s := range stamps {
				ts, perr := time.Parse(time.RFC3339, s)
				if perr != nil {
					e.log.Warn("dropping unparsable breaker timestamp %q for %s", s, key)
					continue
				}
				restored[key] = append(restored[key], ts)
			}
		}
		e.breaker.Restore(restored)
		if open := e.breaker.OpenKeys(); len(open) > 0 {
			e.log.Warn("breaker open after restore for %v", open)
		}
	}
	return nil
}

// Wait blocks until the engine has fully stopped.
func (e *Engine) Wait() {
	<-e.done
}

// Stopping reports whether shutdown has begun.
func (e *Engine) Stopping() bool {
	return e.stopping.Load()
}

// Stop shuts the engine down: no new work, bounded drain of the in-flight
// task, then forced cancellation, final state flush, and resource release.
// Every concurrent caller returns after the one shutdown completes.
func (e *Engine) Stop(reason string) error {
	e.stopOnce.Do(func() {
		e.stopping.Store(true)
		e.log.Info("stopping: %s", reason)
		e.loopCancel()

		if e.source != nil {
			if err := e.source.Close(); err != nil {
				e.log.Warn("close change source: %v", err)
			}
		}

		drained := make(chan struct{})
		go func() {
			e.loopWG.Wait()
			close(drained)
		}()
		select {
		case <-drained:
			e.log.Info("loops drained")
		case <-time.After(e.drainTimeout):
			e.log.Warn("drain timeout after %s, canceling in-flight work", e.drainTimeout)
			e.taskCancel()
			<-drained
		}
		e.taskCancel()

		e.stopErr = e.finalizeState(reason)

		e.publish(events.Event{Type: events.EventEngineStopped, Detail: map[string]any{"reason": reason}})
		if e.server != nil {
			_ = e.server.Close()
		}
		if e.bus != nil {
			e.bus.Close()
		}
		e.auxWG.Wait()
		if e.audit != nil {
			_ = e.audit.Close()
		}
		if err := e.metrics.Shutdown(context.Background()); err != nil {
			e.log.Warn("telemetry shutdown: %v", err)
		}
		if e.signalCleanup != nil {
			e.signalCleanup()
		}
		e.fileLock.Unlock()
		close(e.done)
	})
	<-e.done
	return e.stopErr
}

// finalizeState requeues anything still in flight, stamps the process block
// stopped, and persists the breaker windows.
func (e *Engine) finalizeState(reason string) error {
	var st model.EngineState
	now := e.nowString()
	err := e.store.Update(func(doc *model.EngineState) error {
		for i := range doc.Queues.InProgress {
			t := doc.Queues.InProgress[i]
			t.Status = model.StatusPending
			t.UpdatedAt = now
			doc.Queues.Pending = append([]model.Task{t}, doc.Queues.Pending...)
			doc.AppendHistory("shutdown_requeued", t.ID, t.Subject)
			e.log.Warn("requeued in-flight task %s on shutdown", t.ID)
		}
		doc.Queues.InProgress = doc.Queues.InProgress[:0]

		doc.Process.Running = false
		doc.Process.StoppedAt = &now
		doc.Breaker.Failures = breakerSnapshot(e.breaker)
		doc.AppendHistory("engine_stopped", "", reason)
		st = *doc
		return nil
	})
	if err != nil {
		e.log.Error("final state flush: %v", err)
		return fmt.Errorf("final state flush: %w", err)
	}

	uptime := e.clock.Now().Sub(e.startedAt).Round(time.Second)
	c := st.Counters
	e.log.Info("stopped after %s: processed=%d succeeded=%d failed=%d escalated=%d success_rate=%.2f",
		uptime, c.Processed, c.Succeeded, c.Failed, c.Escalated,
		SuccessRate(int(c.Succeeded), int(c.Processed)))
	return nil
}

func (e *Engine) installSignalHandlers() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	e.signalCleanup = func() { signal.Stop(sigCh) }

	go func() {
		select {
		case sig := <-sigCh:
			e.log.Info("received %s", sig)
			go func() {
				<-sigCh
				e.log.Warn("second signal, forcing exit")
				os.Exit(1)
			}()
			_ = e.Stop("signal " + sig.String())
		case <-e.loopCtx.Done():
		}
	}()
}

// publish is a nil-tolerant bus send.
func (e *Engine) publish(ev events.Event) {
	if e.bus != nil {
		e.bus.Publish(ev)
	}
}

func (e *Engine) nowString() string {
	return e.clock.Now().UTC().Format(time.RFC3339)
}

func breakerSnapshot(b *breaker.Breaker) map[string][]string {
	snap := b.Snapshot()
	out := make(map[string][]string, len(snap))
	for key, stamps := range snap {
		ss := make([]string, len(stamps))
		for i, ts := range stamps {
			ss[i] = ts.UTC().Format(time.RFC3339)
		}
		out[key] = ss
	}
	return out
}
