// Package watcher turns filesystem activity into coalesced change events.
// Bursts of writes settle in a debounce window and come out as one
// ChangeEvent carrying every touched subject, so an editor save storm
// becomes a single unit of fix work per file.
package watcher

import (
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/mendcore/mend/internal/logging"
	"github.com/mendcore/mend/internal/model"
)

type Options struct {
	Root        string
	Paths       []string
	Ignore      []string
	Debounce    time.Duration
	MaxSettle   time.Duration
	EventBuffer int
	Logger      *logging.Logger
}

type Watcher struct {
	root      string
	paths     []string
	ignore    []string
	debounce  time.Duration
	maxSettle time.Duration
	log       *logging.Logger

	fsw    *fsnotify.Watcher
	events chan model.ChangeEvent
	done   chan struct{}

	mu      sync.Mutex
	pending map[string]struct{}
	oldest  time.Time
	timer   *time.Timer
	closed  bool

	closeOnce sync.Once
	wg        sync.WaitGroup
	alive     atomic.Bool
}

// New builds a watcher; Start begins delivery. The engine's own .mend/
// directory is always ignored so state writes never feed back into the
// queue.
func New(opts Options) (*Watcher, error) {
	if opts.Root == "" {
		opts.Root = "."
	}
	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}
	if len(opts.Paths) == 0 {
		opts.Paths = []string{"."}
	}
	if opts.Debounce <= 0 {
		opts.Debounce = 500 * time.Millisecond
	}
	if opts.MaxSettle <= 0 {
		opts.MaxSettle = 8 * opts.Debounce
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 64
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}

	ignore := append([]string{}, opts.Ignore...)
	for _, required := range []string{".mend/**", ".git/**"} {
		if !containsPattern(ignore, required) {
			ignore = append(ignore, required)
		}
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}

	return &Watcher{
		root:      root,
		paths:     opts.Paths,
		ignore:    ignore,
		debounce:  opts.Debounce,
		maxSettle: opts.MaxSettle,
		log:       opts.Logger,
		fsw:       fsw,
		events:    make(chan model.ChangeEvent, opts.EventBuffer),
		done:      make(chan struct{}),
		pending:   make(map[string]struct{}),
	}, nil
}

// Start registers the watch tree and begins event delivery. Configured
// paths that do not exist are skipped with a warning; at least one must
// resolve.
func (w *Watcher) Start() error {
	watched := 0
	for _, p := range w.paths {
		dir := p
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(w.root, dir)
		}
		info, err := os.Stat(dir)
		if err != nil {
			w.log.Warn("watch path %s: %v, skipped", p, err)
			continue
		}
		if !info.IsDir() {
			w.log.Warn("watch path %s is not a directory, skipped", p)
			continue
		}
		if err := w.addRecursive(dir); err != nil {
			return fmt.Errorf("watch %s: %w", p, err)
		}
		watched++
	}
	if watched == 0 {
		return fmt.Errorf("no watchable paths among %v", w.paths)
	}

	w.alive.Store(true)
	w.wg.Add(1)
	go w.run()
	return nil
}

// Events delivers coalesced change batches. The channel stays open for the
// watcher's lifetime; use Alive to detect a dead watcher.
func (w *Watcher) Events() <-chan model.ChangeEvent {
	return w.events
}

// Alive reports whether the delivery goroutine is still running.
func (w *Watcher) Alive() bool {
	return w.alive.Load()
}

// Close stops watching. Idempotent; pending batches are dropped.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		w.mu.Lock()
		w.closed = true
		if w.timer != nil {
			w.timer.Stop()
			w.timer = nil
		}
		w.mu.Unlock()

		close(w.done)
		err = w.fsw.Close()
		w.wg.Wait()
	})
	return err
}

func (w *Watcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable entries are skipped, not fatal
		}
		if !d.IsDir() {
			return nil
		}
		if w.ignored(p) {
			return filepath.SkipDir
		}
		return w.fsw.Add(p)
	})
}

func (w *Watcher) run() {
	defer w.wg.Done()
	defer w.alive.Store(false)
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn("watcher error: %v", err)
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	// Chmod alone carries no content change; macOS editors fire it
	// constantly.
	if event.Op == fsnotify.Chmod {
		return
	}
	if w.ignored(event.Name) {
		return
	}

	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.addRecursive(event.Name); err != nil {
				w.log.Warn("watch new directory %s: %v", event.Name, err)
			}
			return
		}
	}

	w.record(w.subject(event.Name))
}

// record accumulates a subject and re-arms the flush timer, so the batch
// ships only after the burst settles. The settle window is bounded: once
// the oldest pending subject has waited maxSettle, the armed timer is left
// to fire, so sustained churn on one path cannot starve the batch.
func (w *Watcher) record(subject string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if len(w.pending) == 0 {
		w.oldest = time.Now()
	}
	w.pending[subject] = struct{}{}
	if w.timer != nil {
		if time.Since(w.oldest) >= w.maxSettle {
			return
		}
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.flush)
}

func (w *Watcher) flush() {
	w.mu.Lock()
	if w.closed || len(w.pending) == 0 {
		w.mu.Unlock()
		return
	}
	subjects := make([]string, 0, len(w.pending))
	for s := range w.pending {
		subjects = append(subjects, s)
	}
	w.pending = make(map[string]struct{})
	w.timer = nil
	w.mu.Unlock()

	sort.Strings(subjects)
	ev := model.ChangeEvent{
		Type:      model.ChangeTypeFileChange,
		Subjects:  subjects,
		Timestamp: time.Now().UTC(),
	}

	select {
	case w.events <- ev:
		return
	default:
	}
	// Buffer full: evict the oldest batch so recent changes win.
	select {
	case dropped := <-w.events:
		w.log.Warn("event buffer full, dropped batch of %d subjects", len(dropped.Subjects))
	default:
	}
	select {
	case w.events <- ev:
	default:
		w.log.Warn("event buffer still full, dropped batch of %d subjects", len(ev.Subjects))
	}
}

// subject converts an absolute event path to a root-relative slash path;
// subjects double as breaker keys so the form must be stable.
func (w *Watcher) subject(p string) string {
	rel, err := filepath.Rel(w.root, p)
	if err != nil || strings.HasPrefix(rel, "..") {
		return filepath.ToSlash(p)
	}
	return filepath.ToSlash(rel)
}

func (w *Watcher) ignored(p string) bool {
	return matchesAny(w.subject(p), w.ignore)
}

// matchesAny applies the ignore glob dialect: "dir/**" matches dir and
// everything under it, plain globs match the basename or the whole
// relative path.
func matchesAny(rel string, patterns []string) bool {
	rel = filepath.ToSlash(rel)
	base := path.Base(rel)
	for _, pat := range patterns {
		pat = filepath.ToSlash(pat)
		if prefix, ok := strings.CutSuffix(pat, "/**"); ok {
			if rel == prefix || strings.HasPrefix(rel, prefix+"/") {
				return true
			}
			continue
		}
		if ok, _ := path.Match(pat, base); ok {
			return true
		}
		if ok, _ := path.Match(pat, rel); ok {
			return true
		}
	}
	return false
}

func containsPattern(patterns []string, want string) bool {
	for _, p := range patterns {
		if p == want {
			return true
		}
	}
	return false
}
