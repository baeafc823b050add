package daemon

import (
	"github.com/mendcore/mend/internal/uds"
)

// Statistics snapshots the engine for the stats command: uptime, queue
// depths, counters, success rate, and breaker state.
func (e *Engine) Statistics() (uds.StatsResult, error) {
	st, err := e.store.Read()
	if err != nil {
		return uds.StatsResult{}, err
	}

	out := uds.StatsResult{
		Running: st.Process.Running,
		PID:     st.Process.PID,
		Queues: uds.QueueDepths{
			Pending:    len(st.Queues.Pending),
			InProgress: len(st.Queues.InProgress),
			Completed:  len(st.Queues.Completed),
			Failed:     len(st.Queues.Failed),
		},
		Enqueued:     int(st.Counters.Enqueued),
		Processed:    int(st.Counters.Processed),
		Succeeded:    int(st.Counters.Succeeded),
		Failed:       int(st.Counters.Failed),
		Escalated:    int(st.Counters.Escalated),
		Retries:      int(st.Counters.Retries),
		OpenBreakers: e.breaker.OpenKeys(),
	}
	if !e.startedAt.IsZero() {
		out.UptimeSec = int64(e.clock.Now().Sub(e.startedAt).Seconds())
	}
	if e.bus != nil {
		out.EventsDropped = e.bus.Dropped()
	}
	return out, nil
}

// SuccessRate is Succeeded over Processed, 0 when nothing has run yet.
func SuccessRate(succeeded, processed int) float64 {
	if processed <= 0 {
		return 0
	}
	return float64(succeeded) / float64(processed)
}
