package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mendcore/mend/internal/config"
	"github.com/mendcore/mend/internal/events"
)

// healthLoop runs the periodic self-checks. Failures are reported loudly
// but never kill the loop.
func (e *Engine) healthLoop() {
	defer e.loopWG.Done()
	ticker := time.NewTicker(e.healthIv)
	defer ticker.Stop()

	for {
		select {
		case <-e.loopCtx.Done():
			return
		case <-ticker.C:
			e.runHealthChecks()
		}
	}
}

type healthCheck struct {
	name string
	run  func() error
}

// runHealthChecks probes the engine's dependencies concurrently and logs a
// pass/fail line per check. Any failure publishes one health_degraded event.
func (e *Engine) runHealthChecks() {
	checks := []healthCheck{
		{"state", func() error {
			_, err := e.store.Read()
			return err
		}},
		{"lock", func() error {
			if _, err := os.Stat(config.EngineLockFile(e.mendDir)); err != nil {
				return fmt.Errorf("engine lock file: %w", err)
			}
			return nil
		}},
		{"watcher", func() error {
			if e.source != nil && !e.source.Alive() {
				return fmt.Errorf("change source not alive")
			}
			return nil
		}},
		{"disk", func() error {
			probe := filepath.Join(e.mendDir, ".health_probe")
			if err := os.WriteFile(probe, []byte(e.nowString()), 0o644); err != nil {
				return fmt.Errorf("write probe: %w", err)
			}
			return os.Remove(probe)
		}},
	}

	results := make([]error, len(checks))
	var g errgroup.Group
	for i, c := range checks {
		i, c := i, c
		g.Go(func() error {
			results[i] = c.run()
			return nil
		})
	}
	_ = g.Wait()

	var failed []string
	for i, c := range checks {
		if results[i] != nil {
			e.log.Error("health check %s failed: %v", c.name, results[i])
			failed = append(failed, c.name)
		} else {
			e.log.Debug("health check %s ok", c.name)
		}
	}
	if open := e.breaker.OpenKeys(); len(open) > 0 {
		e.log.Warn("health: breaker open for %v", open)
	}

	if len(failed) > 0 {
		e.healthFailed.Add(1)
		e.publish(events.Event{
			Type:   events.EventHealthDegraded,
			Detail: map[string]any{"failed": strings.Join(failed, ",")},
		})
	}
}
