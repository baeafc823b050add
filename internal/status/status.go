// Package status collects and renders the engine picture for the CLI. The
// state document is the source of truth; a control-socket ping decides
// whether the recorded engine is actually alive.
package status

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/mendcore/mend/internal/breaker"
	"github.com/mendcore/mend/internal/config"
	"github.com/mendcore/mend/internal/state"
	"github.com/mendcore/mend/internal/uds"
)

const pingTimeout = 2 * time.Second

type Snapshot struct {
	Live          bool        `json:"live"`
	Running       bool        `json:"running"`
	Stale         bool        `json:"stale,omitempty"`
	PID           int         `json:"pid,omitempty"`
	Version       string      `json:"version,omitempty"`
	UptimeSec     int64       `json:"uptime_sec,omitempty"`
	LastHeartbeat string      `json:"last_heartbeat,omitempty"`
	Queues        QueueDepths `json:"queues"`
	Counters      Counters    `json:"counters"`
	OpenBreakers  []string    `json:"open_breakers,omitempty"`
	Failures      []Failure   `json:"recent_failures,omitempty"`
}

type QueueDepths struct {
	Pending    int `json:"pending"`
	InProgress int `json:"in_progress"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

type Counters struct {
	Enqueued  int64 `json:"enqueued"`
	Processed int64 `json:"processed"`
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
	Escalated int64 `json:"escalated"`
	Retries   int64 `json:"retries"`
}

type Failure struct {
	TaskID  string `json:"task_id"`
	Subject string `json:"subject"`
	Reason  string `json:"reason,omitempty"`
	At      string `json:"at,omitempty"`
}

// recentFailureLimit caps the failure tail shown by the CLI.
const recentFailureLimit = 5

// Run collects the snapshot for mendDir and prints it to stdout.
func Run(mendDir string, jsonOutput bool) error {
	snap, err := Collect(mendDir)
	if err != nil {
		return err
	}
	return Render(os.Stdout, snap, jsonOutput)
}

// Collect builds the snapshot from the state document plus a liveness ping.
func Collect(mendDir string) (*Snapshot, error) {
	cfg, err := config.Load(config.ConfigFile(mendDir))
	if err != nil {
		return nil, err
	}

	store := state.NewStore(mendDir, state.Options{
		LockTimeout: cfg.State.LockTimeout(),
		Bounds:      cfg.State.Bounds(),
	})
	st, err := store.Read()
	if err != nil {
		return nil, fmt.Errorf("read state: %w", err)
	}

	snap := &Snapshot{
		Running: st.Process.Running,
		PID:     st.Process.PID,
		Queues: QueueDepths{
			Pending:    len(st.Queues.Pending),
			InProgress: len(st.Queues.InProgress),
			Completed:  len(st.Queues.Completed),
			Failed:     len(st.Queues.Failed),
		},
		Counters: Counters{
			Enqueued:  st.Counters.Enqueued,
			Processed: st.Counters.Processed,
			Succeeded: st.Counters.Succeeded,
			Failed:    st.Counters.Failed,
			Escalated: st.Counters.Escalated,
			Retries:   st.Counters.Retries,
		},
	}
	if st.Process.LastHeartbeat != nil {
		snap.LastHeartbeat = *st.Process.LastHeartbeat
	}

	snap.OpenBreakers = openBreakers(cfg, st.Breaker.Failures)

	failed := st.Queues.Failed
	if len(failed) > recentFailureLimit {
		failed = failed[len(failed)-recentFailureLimit:]
	}
	for _, t := range failed {
		f := Failure{TaskID: t.ID, Subject: t.Subject, At: t.UpdatedAt}
		if t.FailureReason != nil {
			f.Reason = *t.FailureReason
		}
		snap.Failures = append(snap.Failures, f)
	}

	// A recorded-running engine that does not answer the socket is stale:
	// it crashed without writing its shutdown.
	client := uds.NewClient(config.SocketFile(mendDir))
	client.SetTimeout(pingTimeout)
	if resp, err := client.Call(uds.CmdPing, nil); err == nil && resp.Err() == nil {
		var pong uds.PingResult
		if err := resp.Decode(&pong); err == nil {
			snap.Live = true
			snap.PID = pong.PID
			snap.Version = pong.Version
			snap.UptimeSec = pong.UptimeSec
		}
	}
	snap.Stale = snap.Running && !snap.Live

	return snap, nil
}

// openBreakers rebuilds the sliding windows from the persisted stamps and
// reports which subjects are currently over threshold.
func openBreakers(cfg *config.Config, persisted map[string][]string) []string {
	if len(persisted) == 0 {
		return nil
	}
	b := breaker.New(cfg.Breaker.Threshold, cfg.Breaker.Window(), nil)
	restored := make(map[string][]time.Time, len(persisted))
	for key, stamps := range persisted {
		for _, s := range stamps {
			ts, err := time.Parse(time.RFC3339, s)
			if err != nil {
				continue
			}
			restored[key] = append(restored[key], ts)
		}
	}
	b.Restore(restored)
	return b.OpenKeys()
}

// Render writes the snapshot to w, as indented JSON or aligned text.
func Render(w io.Writer, s *Snapshot, jsonOutput bool) error {
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(s)
	}

	switch {
	case s.Live:
		uptime := (time.Duration(s.UptimeSec) * time.Second).String()
		fmt.Fprintf(w, "Engine: running (pid %d, up %s)\n", s.PID, uptime)
	case s.Stale:
		fmt.Fprintf(w, "Engine: stale (recorded pid %d not responding)\n", s.PID)
	default:
		fmt.Fprintln(w, "Engine: stopped")
	}
	if s.LastHeartbeat != "" {
		fmt.Fprintf(w, "Last heartbeat: %s\n", s.LastHeartbeat)
	}

	fmt.Fprintf(w, "\nQueues:\n")
	fmt.Fprintf(w, "  %7s  %11s  %9s  %6s\n", "PENDING", "IN_PROGRESS", "COMPLETED", "FAILED")
	fmt.Fprintf(w, "  %7d  %11d  %9d  %6d\n",
		s.Queues.Pending, s.Queues.InProgress, s.Queues.Completed, s.Queues.Failed)

	c := s.Counters
	fmt.Fprintf(w, "\nCounters: enqueued=%d processed=%d succeeded=%d failed=%d escalated=%d retries=%d\n",
		c.Enqueued, c.Processed, c.Succeeded, c.Failed, c.Escalated, c.Retries)

	if len(s.OpenBreakers) > 0 {
		fmt.Fprintf(w, "\nOpen breakers:\n")
		for _, key := range s.OpenBreakers {
			fmt.Fprintf(w, "  %s\n", key)
		}
	}

	if len(s.Failures) > 0 {
		fmt.Fprintf(w, "\nRecent failures:\n")
		for _, f := range s.Failures {
			fmt.Fprintf(w, "  %-26s  %-20s  %s\n", f.TaskID, f.Subject, f.Reason)
		}
	}
	return nil
}
