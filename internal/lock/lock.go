// Package lock provides in-process and cross-process mutual exclusion for
// the engine's state and daemon files.
package lock

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

var (
	// ErrHeld means another process holds the lock right now.
	ErrHeld = errors.New("lock held by another process")
	// ErrTimeout means the lock did not become free within the wait bound.
	ErrTimeout = errors.New("timed out waiting for lock")
)

const pollInterval = 25 * time.Millisecond

type MutexMap struct {
	mu      sync.Mutex
	mutexes map[string]*sync.Mutex
}

func NewMutexMap() *MutexMap {
	return &MutexMap{
		mutexes: make(map[string]*sync.Mutex),
	}
}

func (m *MutexMap) Lock(key string) {
	m.getMutex(key).Lock()
}

func (m *MutexMap) Unlock(key string) {
	m.getMutex(key).Unlock()
}

func (m *MutexMap) getMutex(key string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()

	if mu, ok := m.mutexes[key]; ok {
		return mu
	}
	mu := &sync.Mutex{}
	m.mutexes[key] = mu
	return mu
}

// FileLock is an exclusive flock-backed lock. The lock file records the
// holder's PID so operators and stale-lock checks can see who owns it.
type FileLock struct {
	path string
	file *os.File
}

func NewFileLock(path string) *FileLock {
	return &FileLock{path: path}
}

// TryLock attempts a single non-blocking acquire.
func (fl *FileLock) TryLock() error {
	f, err := os.OpenFile(fl.path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if err == unix.EWOULDBLOCK {
			return fmt.Errorf("%s: %w", fl.path, ErrHeld)
		}
		return fmt.Errorf("acquire lock: %w", err)
	}

	if err := fl.writePID(f); err != nil {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
		return err
	}

	fl.file = f
	return nil
}

// LockTimeout polls for the lock until it is acquired or the bound expires.
// The wait is always bounded: on expiry the caller gets ErrTimeout, never an
// indefinite block.
func (fl *FileLock) LockTimeout(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		err := fl.TryLock()
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrHeld) {
			return err
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%s after %v: %w", fl.path, timeout, ErrTimeout)
		}
		time.Sleep(pollInterval)
	}
}

func (fl *FileLock) writePID(f *os.File) error {
	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("truncate lock file: %w", err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		return fmt.Errorf("seek lock file: %w", err)
	}
	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		return fmt.Errorf("write PID to lock file: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync lock file: %w", err)
	}
	return nil
}

func (fl *FileLock) Unlock() error {
	if fl.file == nil {
		return nil
	}

	if err := unix.Flock(int(fl.file.Fd()), unix.LOCK_UN); err != nil {
		fl.file.Close()
		return fmt.Errorf("release lock: %w", err)
	}

	if err := fl.file.Close(); err != nil {
		return fmt.Errorf("close lock file: %w", err)
	}

	os.Remove(fl.path)
	fl.file = nil
	return nil
}

// HolderPID reads the PID recorded in the lock file. Returns 0 when the file
// does not exist or holds no number.
func HolderPID(path string) int {
	content, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(content)))
	if err != nil {
		return 0
	}
	return pid
}
