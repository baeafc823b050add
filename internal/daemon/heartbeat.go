package daemon

import (
	"errors"
	"time"

	"github.com/mendcore/mend/internal/model"
	"github.com/mendcore/mend/internal/state"
)

// heartbeatLoop stamps Process.LastHeartbeat so outside observers can tell
// a live engine from a crashed one. A beat lost to lock contention is
// skipped, not retried; the next tick covers it.
func (e *Engine) heartbeatLoop() {
	defer e.loopWG.Done()
	ticker := time.NewTicker(e.heartbeatIv)
	defer ticker.Stop()

	for {
		select {
		case <-e.loopCtx.Done():
			return
		case <-ticker.C:
			e.beat()
		}
	}
}

func (e *Engine) beat() {
	now := e.nowString()
	err := e.store.Update(func(st *model.EngineState) error {
		st.Process.LastHeartbeat = &now
		return nil
	})
	switch {
	case err == nil:
		e.log.Debug("heartbeat %s", now)
	case errors.Is(err, state.ErrLockTimeout):
		e.log.Warn("heartbeat skipped: %v", err)
	default:
		e.log.Error("heartbeat: %v", err)
	}
}
