package daemon

import (
	"encoding/json"
	"errors"
	"os"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/mendcore/mend/internal/model"
	"github.com/mendcore/mend/internal/uds"
)

func (e *Engine) registerHandlers() {
	e.server.Handle(uds.CmdPing, e.handlePing)
	e.server.Handle(uds.CmdStats, e.handleStats)
	e.server.Handle(uds.CmdEnqueue, e.handleEnqueue)
	e.server.Handle(uds.CmdState, e.handleState)
	e.server.Handle(uds.CmdShutdown, e.handleShutdown)
}

func (e *Engine) handlePing(req *uds.Request) *uds.Response {
	return uds.SuccessResponse(uds.PingResult{
		PID:       os.Getpid(),
		Version:   e.version,
		UptimeSec: int64(e.clock.Now().Sub(e.startedAt).Seconds()),
	})
}

func (e *Engine) handleStats(req *uds.Request) *uds.Response {
	stats, err := e.Statistics()
	if err != nil {
		return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
	}
	return uds.SuccessResponse(stats)
}

func (e *Engine) handleEnqueue(req *uds.Request) *uds.Response {
	var params uds.EnqueueParams
	if len(req.Params) == 0 {
		return uds.ErrorResponse(uds.ErrCodeInvalidRequest, "enqueue requires params")
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return uds.ErrorResponse(uds.ErrCodeInvalidRequest, "bad enqueue params: "+err.Error())
	}
	if params.Subject == "" {
		return uds.ErrorResponse(uds.ErrCodeInvalidRequest, "subject is required")
	}

	kind := model.KindManual
	if params.Kind != "" {
		switch model.TaskKind(params.Kind) {
		case model.KindManual, model.KindFixError:
			kind = model.TaskKind(params.Kind)
		default:
			return uds.ErrorResponse(uds.ErrCodeInvalidRequest, "unknown task kind "+params.Kind)
		}
	}

	task, coalesced, err := e.Enqueue(kind, params.Subject, params.Description)
	if err != nil {
		if errors.Is(err, ErrShuttingDown) {
			return uds.ErrorResponse(uds.ErrCodeShuttingDown, err.Error())
		}
		return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
	}
	return uds.SuccessResponse(uds.EnqueueResult{TaskID: task.ID, Coalesced: coalesced})
}

func (e *Engine) handleState(req *uds.Request) *uds.Response {
	st, err := e.store.Read()
	if err != nil {
		return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
	}
	raw, err := yamlv3.Marshal(st)
	if err != nil {
		return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
	}
	return uds.SuccessResponse(uds.StateResult{YAML: string(raw)})
}

func (e *Engine) handleShutdown(req *uds.Request) *uds.Response {
	e.log.Info("shutdown requested over control socket")
	go func() { _ = e.Stop("control socket shutdown") }()
	return uds.SuccessResponse(uds.ShutdownResult{Stopping: true})
}
