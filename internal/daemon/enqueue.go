package daemon

import (
	"context"
	"fmt"

	"github.com/mendcore/mend/internal/events"
	"github.com/mendcore/mend/internal/model"
)

// Enqueue submits one task by hand. When a pending or in-progress task
// already covers the subject, that task absorbs the request and coalesced
// is true.
func (e *Engine) Enqueue(kind model.TaskKind, subject, description string) (model.Task, bool, error) {
	if subject == "" {
		return model.Task{}, false, fmt.Errorf("subject is required")
	}
	created, absorbed, err := e.enqueueSubjects(kind, []string{subject}, description)
	if err != nil {
		return model.Task{}, false, err
	}
	if len(created) > 0 {
		return created[0], false, nil
	}
	return absorbed[0], true, nil
}

// enqueueSubjects appends one pending task per subject in a single state
// update, durable before visible anywhere else. Subjects already covered by
// a live task are absorbed instead (history: change_coalesced).
func (e *Engine) enqueueSubjects(kind model.TaskKind, subjects []string, description string) (created, absorbed []model.Task, err error) {
	if e.stopping.Load() {
		return nil, nil, ErrShuttingDown
	}

	candidates := make([]model.Task, 0, len(subjects))
	for _, subject := range subjects {
		task, terr := model.NewTask(kind, subject, description)
		if terr != nil {
			return nil, nil, fmt.Errorf("build task: %w", terr)
		}
		candidates = append(candidates, task)
	}

	depth := 0
	err = e.store.Update(func(st *model.EngineState) error {
		created = created[:0]
		absorbed = absorbed[:0]
		for _, task := range candidates {
			if live, ok := liveTaskFor(st, task.Subject); ok {
				st.AppendHistory("change_coalesced", live.ID, task.Subject)
				absorbed = append(absorbed, live)
				continue
			}
			st.Queues.Pending = append(st.Queues.Pending, task)
			st.Counters.Enqueued++
			st.AppendHistory("task_enqueued", task.ID, task.Subject)
			created = append(created, task)
		}
		depth = len(st.Queues.Pending)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	ctx := context.Background()
	for _, task := range created {
		e.metrics.TaskEnqueued(ctx)
		e.publish(events.Event{Type: events.EventTaskEnqueued, TaskID: task.ID, Subject: task.Subject})
	}
	if len(created) > 0 {
		e.metrics.QueueDepth(ctx, depth)
	}
	return created, absorbed, nil
}

// liveTaskFor finds a pending or in-progress task covering subject.
func liveTaskFor(st *model.EngineState, subject string) (model.Task, bool) {
	for _, t := range st.Queues.InProgress {
		if t.Subject == subject {
			return t, true
		}
	}
	for _, t := range st.Queues.Pending {
		if t.Subject == subject {
			return t, true
		}
	}
	return model.Task{}, false
}
