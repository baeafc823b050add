// Package state implements the durable engine-state document: one YAML file
// guarded by a flock, mutated read-modify-write and persisted atomically.
package state

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/mendcore/mend/internal/lock"
	"github.com/mendcore/mend/internal/model"
	mendyaml "github.com/mendcore/mend/internal/yaml"
)

var (
	// ErrLockTimeout means the state lock did not free up within the bound.
	ErrLockTimeout = lock.ErrTimeout
	// ErrCorrupt means the document and its backup both failed validation.
	ErrCorrupt = errors.New("state document corrupted beyond recovery")
	// ErrNotInitialized means no state file exists yet.
	ErrNotInitialized = errors.New("state not initialized")
)

type Options struct {
	LockTimeout time.Duration
	Bounds      model.Bounds
}

func DefaultOptions() Options {
	return Options{
		LockTimeout: 5 * time.Second,
		Bounds:      model.DefaultBounds(),
	}
}

// Store serializes every read and mutation of the engine-state file. Within
// a process goroutines queue on a per-path mutex; across processes the flock
// arbitrates. Lock waits are always bounded.
type Store struct {
	mendDir     string
	path        string
	lockPath    string
	lockTimeout time.Duration
	bounds      model.Bounds
	mutexes     *lock.MutexMap
}

func NewStore(mendDir string, opts Options) *Store {
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = DefaultOptions().LockTimeout
	}
	return &Store{
		mendDir:     mendDir,
		path:        filepath.Join(mendDir, "state", "engine.yaml"),
		lockPath:    filepath.Join(mendDir, "locks", "state.lock"),
		lockTimeout: opts.LockTimeout,
		bounds:      opts.Bounds,
		mutexes:     lock.NewMutexMap(),
	}
}

// Path returns the state file location.
func (s *Store) Path() string { return s.path }

// Init writes a fresh document unless one already exists.
func (s *Store) Init() error {
	for _, dir := range []string{filepath.Dir(s.path), filepath.Dir(s.lockPath)} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create state dir: %w", err)
		}
	}
	if _, err := os.Stat(s.path); err == nil {
		return nil
	}
	return mendyaml.AtomicWrite(s.path, model.NewEngineState())
}

// Read returns the current document. The caller owns the copy.
func (s *Store) Read() (*model.EngineState, error) {
	s.mutexes.Lock(s.path)
	defer s.mutexes.Unlock(s.path)

	fl, err := s.acquire()
	if err != nil {
		return nil, fmt.Errorf("read state: %w", err)
	}
	defer fl.Unlock()

	return s.load()
}

// Update applies mutate under the lock and persists atomically. A mutator
// error aborts with nothing written. Status changes are checked against the
// task state machine; an illegal transition aborts the same way.
func (s *Store) Update(mutate func(*model.EngineState) error) error {
	s.mutexes.Lock(s.path)
	defer s.mutexes.Unlock(s.path)

	fl, err := s.acquire()
	if err != nil {
		return fmt.Errorf("update state: %w", err)
	}
	defer fl.Unlock()

	st, err := s.load()
	if err != nil {
		return err
	}
	before := taskStatuses(st)

	if err := mutate(st); err != nil {
		return fmt.Errorf("state mutation rejected: %w", err)
	}

	if err := validateTransitions(before, st); err != nil {
		return fmt.Errorf("state mutation rejected: %w", err)
	}
	if err := st.Validate(); err != nil {
		return fmt.Errorf("state mutation rejected: %w", err)
	}

	st.ApplyBounds(s.bounds)
	now := time.Now().UTC().Format(time.RFC3339)
	st.UpdatedAt = &now

	if err := mendyaml.AtomicWrite(s.path, st); err != nil {
		return fmt.Errorf("persist state: %w", err)
	}
	return nil
}

// acquire takes the document flock. The lock file cannot be created when the
// locks directory is missing, which means the project was never initialized,
// not that I/O failed.
func (s *Store) acquire() (*lock.FileLock, error) {
	fl := lock.NewFileLock(s.lockPath)
	if err := fl.LockTimeout(s.lockTimeout); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", s.path, ErrNotInitialized)
		}
		return nil, err
	}
	return fl, nil
}

// load reads and validates the document, recovering from the backup once
// when the primary copy is bad. Both copies bad means ErrCorrupt.
func (s *Store) load() (*model.EngineState, error) {
	st, err := s.loadFile()
	if err == nil {
		return st, nil
	}
	if errors.Is(err, ErrNotInitialized) {
		return nil, err
	}

	if rerr := mendyaml.Recover(s.mendDir, s.path); rerr != nil {
		return nil, fmt.Errorf("%w: %v (recover: %v)", ErrCorrupt, err, rerr)
	}
	st, err = s.loadFile()
	if err != nil {
		return nil, fmt.Errorf("%w: backup also invalid: %v", ErrCorrupt, err)
	}
	return st, nil
}

func (s *Store) loadFile() (*model.EngineState, error) {
	content, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", s.path, ErrNotInitialized)
		}
		return nil, fmt.Errorf("read state file: %w", err)
	}

	if err := mendyaml.ValidateSchemaHeaderFromBytes(content, model.EngineStateFileType); err != nil {
		return nil, fmt.Errorf("state schema: %w", err)
	}

	st := model.NewEngineState()
	if err := yamlv3.Unmarshal(content, st); err != nil {
		return nil, fmt.Errorf("parse state file: %w", err)
	}
	if err := st.Validate(); err != nil {
		return nil, fmt.Errorf("state structure: %w", err)
	}
	return st, nil
}

func taskStatuses(st *model.EngineState) map[string]model.Status {
	out := make(map[string]model.Status)
	for _, q := range [][]model.Task{st.Queues.Pending, st.Queues.InProgress, st.Queues.Completed, st.Queues.Failed} {
		for _, t := range q {
			out[t.ID] = t.Status
		}
	}
	return out
}

func validateTransitions(before map[string]model.Status, after *model.EngineState) error {
	for _, q := range [][]model.Task{after.Queues.Pending, after.Queues.InProgress, after.Queues.Completed, after.Queues.Failed} {
		for _, t := range q {
			prev, existed := before[t.ID]
			if !existed {
				// New tasks enter the document pending.
				if t.Status != model.StatusPending {
					return fmt.Errorf("new task %s must start pending, got %q", t.ID, t.Status)
				}
				continue
			}
			if err := model.ValidateTaskTransition(prev, t.Status); err != nil {
				return fmt.Errorf("task %s: %w", t.ID, err)
			}
		}
	}
	return nil
}
