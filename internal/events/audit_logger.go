package events

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	// DefaultMaxLogSize caps the live audit file before rotation (10MB).
	DefaultMaxLogSize = 10 * 1024 * 1024
	logFileExtension  = ".jsonl"
	archiveDirName    = "archive"
)

// AuditLogger appends events as JSONL with size-based rotation into a
// sibling archive directory. Every write is synced: the audit trail is the
// forensic record of what the engine did and must survive a crash.
type AuditLogger struct {
	mu          sync.Mutex
	file        *os.File
	currentSize int64
	maxSize     int64
	path        string
	rotations   int
}

func NewAuditLogger(path string, maxSize int64) (*AuditLogger, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxLogSize
	}
	l := &AuditLogger{path: path, maxSize: maxSize}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	if err := l.open(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *AuditLogger) open() error {
	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("stat audit log: %w", err)
	}
	l.file = file
	l.currentSize = stat.Size()
	return nil
}

// Record appends one event. A zero timestamp is stamped first so replayed
// lines always carry wall-clock order.
func (l *AuditLogger) Record(ev Event) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return fmt.Errorf("audit log closed")
	}
	if l.currentSize+int64(len(data)) > l.maxSize {
		if err := l.rotate(); err != nil {
			return fmt.Errorf("rotate audit log: %w", err)
		}
	}
	n, err := l.file.Write(data)
	if err != nil {
		return fmt.Errorf("write audit entry: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("sync audit log: %w", err)
	}
	l.currentSize += int64(n)
	return nil
}

// rotate moves the live file into archive/ under a timestamped name and
// reopens a fresh one. Counter suffix avoids same-second collisions.
func (l *AuditLogger) rotate() error {
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("close audit log: %w", err)
	}

	archiveDir := filepath.Join(filepath.Dir(l.path), archiveDirName)
	if err := os.MkdirAll(archiveDir, 0755); err != nil {
		return fmt.Errorf("create archive directory: %w", err)
	}

	l.rotations++
	base := filepath.Base(l.path)
	stem := base[:len(base)-len(logFileExtension)]
	archiveName := fmt.Sprintf("%s.%s.%d%s", stem, time.Now().UTC().Format("20060102_150405"), l.rotations, logFileExtension)
	if err := os.Rename(l.path, filepath.Join(archiveDir, archiveName)); err != nil {
		return fmt.Errorf("archive audit log: %w", err)
	}
	return l.open()
}

// Replay reads every parseable event from a JSONL audit file, skipping
// malformed lines (a crash can truncate the tail).
func Replay(path string) ([]Event, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	defer file.Close()

	var out []Event
	decoder := json.NewDecoder(file)
	for decoder.More() {
		var ev Event
		if err := decoder.Decode(&ev); err != nil {
			break
		}
		out = append(out, ev)
	}
	return out, nil
}

func (l *AuditLogger) Size() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentSize
}

func (l *AuditLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	if err := l.file.Sync(); err != nil {
		l.file.Close()
		l.file = nil
		return err
	}
	err := l.file.Close()
	l.file = nil
	return err
}
