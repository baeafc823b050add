package daemon

import (
	"context"
	"fmt"
	"time"

	"github.com/mendcore/mend/internal/events"
	"github.com/mendcore/mend/internal/model"
)

// eventLoop drains the pending queue one task at a time, FIFO. An empty
// queue sleeps the idle interval on a shutdown-aware timer. A terminal
// transition whose persist failed on an earlier tick is retried here, ahead
// of any new dequeue.
func (e *Engine) eventLoop() {
	defer e.loopWG.Done()
	for {
		select {
		case <-e.loopCtx.Done():
			return
		default:
		}

		if !e.settleOutcome() {
			e.sleepIdle()
			continue
		}

		task, ok, err := e.nextTask()
		if err != nil {
			e.log.Error("dequeue: %v", err)
			e.sleepIdle()
			continue
		}
		if !ok {
			e.sleepIdle()
			continue
		}
		e.runTask(task)
	}
}

// settle persists a terminal transition. A failed write parks the computed
// outcome for the event loop to retry, so one lock timeout cannot strand a
// task in_progress with the queue wedged behind it.
func (e *Engine) settle(taskID string, persist func() error) {
	if err := persist(); err != nil {
		e.log.Error("task %s outcome not persisted, will retry: %v", taskID, err)
		e.unsettled = persist
		e.unsettledID = taskID
	}
}

// settleOutcome retries a parked terminal transition. Reports false while
// the outcome is still unpersisted.
func (e *Engine) settleOutcome() bool {
	if e.unsettled == nil {
		return true
	}
	if err := e.unsettled(); err != nil {
		e.log.Warn("task %s outcome still not persisted: %v", e.unsettledID, err)
		return false
	}
	e.log.Info("task %s outcome persisted after retry", e.unsettledID)
	e.unsettled = nil
	e.unsettledID = ""
	return true
}

func (e *Engine) sleepIdle() {
	t := time.NewTimer(e.idlePoll)
	defer t.Stop()
	select {
	case <-e.loopCtx.Done():
	case <-t.C:
	}
}

// nextTask pops the head of the pending queue and marks it in_progress,
// durably, before any work starts. ok is false when there is nothing to do.
func (e *Engine) nextTask() (model.Task, bool, error) {
	var task model.Task
	found := false
	err := e.store.Update(func(st *model.EngineState) error {
		if len(st.Queues.InProgress) > 0 {
			e.log.Warn("task %s already in_progress, not dequeuing", st.Queues.InProgress[0].ID)
			return nil
		}
		if len(st.Queues.Pending) == 0 {
			return nil
		}
		task = st.Queues.Pending[0]
		st.Queues.Pending = st.Queues.Pending[1:]
		task.Status = model.StatusInProgress
		task.UpdatedAt = e.nowString()
		st.Queues.InProgress = []model.Task{task}
		st.AppendHistory("task_started", task.ID, task.Subject)
		found = true
		return nil
	})
	if err != nil || !found {
		return model.Task{}, false, err
	}
	e.publish(events.Event{Type: events.EventTaskStarted, TaskID: task.ID, Subject: task.Subject})
	return task, true, nil
}

// runTask takes one in_progress task through plan, execute, and the final
// confirmation verify, then records the terminal transition. Cancellation
// mid-task requeues instead of failing.
func (e *Engine) runTask(task model.Task) {
	e.log.Info("processing task %s subject=%s", task.ID, task.Subject)

	plan, err := e.planner.Plan(e.taskCtx, task)
	if err != nil {
		if e.taskCtx.Err() != nil {
			e.requeueTask(task, "canceled during planning")
			return
		}
		e.log.Error("task %s plan: %v", task.ID, err)
		e.failTask(task, model.FixResult{
			TaskID:        task.ID,
			FailureReason: model.FailurePlanError,
			StartedAt:     e.nowString(),
			FinishedAt:    e.nowString(),
		}, err.Error())
		return
	}

	result, err := e.executor.Execute(e.taskCtx, task, plan)
	if err != nil {
		// Execute errors only on cancellation.
		e.requeueTask(task, fmt.Sprintf("canceled after %d attempts", result.Attempts))
		return
	}

	if !result.Success {
		e.failTask(task, result, result.FailureReason)
		return
	}

	// One extra verifier pass confirms the final state before the task is
	// declared done; a fix that regressed between attempts fails here.
	confirm, verr := e.verifier.Verify(e.taskCtx, task, model.Candidate{
		TaskID:  task.ID,
		Attempt: result.Attempts,
		Summary: "confirmation",
	})
	switch {
	case verr != nil && e.taskCtx.Err() != nil:
		e.requeueTask(task, "canceled during confirmation")
		return
	case verr != nil:
		e.log.Error("task %s confirmation verify: %v", task.ID, verr)
		result.Success = false
		result.FailureReason = model.FailureVerifyError
		e.failTask(task, result, "confirmation: "+verr.Error())
		return
	case !confirm.Passed:
		e.log.Warn("task %s confirmation verification failed (exit %d)", task.ID, confirm.ExitCode)
		result.Success = false
		result.FailureReason = model.FailureVerifyFailed
		result.Verification = &confirm
		e.failTask(task, result, "confirmation failed")
		return
	}

	e.completeTask(task, result)
}

// completeTask moves the task to completed and records the verification.
func (e *Engine) completeTask(task model.Task, result model.FixResult) {
	retries := retriesConsumed(result.Attempts)
	e.settle(task.ID, func() error {
		depth := 0
		gone := false
		err := e.store.Update(func(st *model.EngineState) error {
			t, idx := takeInProgress(st, task.ID)
			if idx < 0 {
				gone = true
				return nil
			}
			t.Status = model.StatusCompleted
			t.RetryCount += retries
			t.UpdatedAt = e.nowString()
			st.Queues.Completed = append(st.Queues.Completed, t)

			st.VerificationLog = append(st.VerificationLog, model.VerificationEntry{
				At:         e.nowString(),
				TaskID:     task.ID,
				Passed:     true,
				Attempts:   result.Attempts,
				DurationMS: verificationDuration(result),
				Detail:     verificationDetail(result),
			})
			st.Counters.Processed++
			st.Counters.Succeeded++
			st.Counters.Retries += int64(retries)
			st.Breaker.Failures = breakerSnapshot(e.breaker)
			st.AppendHistory("task_completed", task.ID, fmt.Sprintf("attempts=%d", result.Attempts))
			depth = len(st.Queues.Pending)
			return nil
		})
		if err != nil {
			return err
		}
		if gone {
			e.log.Warn("task %s no longer in_progress, completion dropped", task.ID)
			return nil
		}

		ctx := context.Background()
		e.metrics.TaskProcessed(ctx)
		e.metrics.TaskSucceeded(ctx)
		e.metrics.RetryAttempts(ctx, result.Attempts)
		e.metrics.QueueDepth(ctx, depth)
		e.publish(events.Event{
			Type: events.EventTaskCompleted, TaskID: task.ID, Subject: task.Subject,
			Detail: map[string]any{"attempts": result.Attempts},
		})
		e.log.Info("task %s completed after %d attempts", task.ID, result.Attempts)
		return nil
	})
}

// failTask escalates first, then records the failed transition and the
// escalation record id in one atomic update, so the document never shows a
// failed task without its escalation. A persist retry reuses the record
// already delivered; the channels are never invoked twice for one task.
func (e *Engine) failTask(task model.Task, result model.FixResult, detail string) {
	wasOpen := result.FailureReason == model.FailureCircuitOpen && result.Attempts == 0

	record := e.escalator.Escalate(e.taskCtx, task, result)

	reason := result.FailureReason
	retries := retriesConsumed(result.Attempts)
	e.settle(task.ID, func() error {
		depth := 0
		gone := false
		err := e.store.Update(func(st *model.EngineState) error {
			t, idx := takeInProgress(st, task.ID)
			if idx < 0 {
				gone = true
				return nil
			}
			t.Status = model.StatusFailed
			t.FailureReason = &reason
			t.RetryCount += retries
			t.UpdatedAt = e.nowString()
			st.Queues.Failed = append(st.Queues.Failed, t)

			if result.Attempts > 0 || result.Verification != nil {
				st.VerificationLog = append(st.VerificationLog, model.VerificationEntry{
					At:         e.nowString(),
					TaskID:     task.ID,
					Passed:     false,
					Attempts:   result.Attempts,
					DurationMS: verificationDuration(result),
					Detail:     reason,
				})
			}
			st.Counters.Processed++
			st.Counters.Failed++
			st.Counters.Escalated++
			st.Counters.Retries += int64(retries)
			st.Breaker.Failures = breakerSnapshot(e.breaker)
			st.AppendHistory("task_failed", task.ID, detail)
			st.AppendHistory("task_escalated", task.ID, record.ID)
			depth = len(st.Queues.Pending)
			return nil
		})
		if err != nil {
			return err
		}
		if gone {
			e.log.Warn("task %s no longer in_progress, failure dropped", task.ID)
			return nil
		}

		ctx := context.Background()
		e.metrics.TaskProcessed(ctx)
		e.metrics.TaskFailed(ctx)
		e.metrics.TaskEscalated(ctx)
		e.metrics.RetryAttempts(ctx, result.Attempts)
		e.metrics.QueueDepth(ctx, depth)
		e.publish(events.Event{
			Type: events.EventTaskFailed, TaskID: task.ID, Subject: task.Subject,
			Detail: map[string]any{"reason": reason, "attempts": result.Attempts},
		})
		e.publish(events.Event{
			Type: events.EventTaskEscalated, TaskID: task.ID, Subject: task.Subject,
			Detail: map[string]any{"record": record.ID},
		})

		// A breaker that opened during this execution is worth one loud event.
		if !wasOpen && e.breaker.IsOpen(task.Subject) {
			e.metrics.BreakerOpened(ctx, task.Subject)
			e.publish(events.Event{Type: events.EventBreakerOpened, Subject: task.Subject})
			e.log.Warn("breaker open for %s", task.Subject)
		}
		e.log.Warn("task %s failed (%s), escalated as %s", task.ID, reason, record.ID)
		return nil
	})
}

// requeueTask puts a canceled in-flight task back at the head of pending.
func (e *Engine) requeueTask(task model.Task, detail string) {
	e.settle(task.ID, func() error {
		gone := false
		err := e.store.Update(func(st *model.EngineState) error {
			t, idx := takeInProgress(st, task.ID)
			if idx < 0 {
				gone = true
				return nil
			}
			t.Status = model.StatusPending
			t.UpdatedAt = e.nowString()
			st.Queues.Pending = append([]model.Task{t}, st.Queues.Pending...)
			st.Breaker.Failures = breakerSnapshot(e.breaker)
			st.AppendHistory("task_requeued", task.ID, detail)
			return nil
		})
		if err != nil {
			return err
		}
		if gone {
			e.log.Warn("task %s no longer in_progress, requeue dropped", task.ID)
			return nil
		}
		e.publish(events.Event{
			Type: events.EventTaskRequeued, TaskID: task.ID, Subject: task.Subject,
			Detail: map[string]any{"detail": detail},
		})
		e.log.Info("task %s requeued: %s", task.ID, detail)
		return nil
	})
}

// watchLoop feeds change events from the source into the queue.
func (e *Engine) watchLoop() {
	defer e.loopWG.Done()
	for {
		select {
		case <-e.loopCtx.Done():
			return
		case ev, ok := <-e.source.Events():
			if !ok {
				return
			}
			e.handleChange(ev)
		}
	}
}

func (e *Engine) handleChange(ev model.ChangeEvent) {
	if e.stopping.Load() {
		return
	}
	created, absorbed, err := e.enqueueSubjects(model.KindFixError, ev.Subjects, "file change")
	if err != nil {
		e.log.Error("enqueue change event: %v", err)
		return
	}
	e.publish(events.Event{
		Type: events.EventChangeCoalesced,
		Detail: map[string]any{
			"subjects":  len(ev.Subjects),
			"created":   len(created),
			"coalesced": len(absorbed),
		},
	})
	e.log.Debug("change event: %d subjects, %d new tasks, %d coalesced",
		len(ev.Subjects), len(created), len(absorbed))
}

func takeInProgress(st *model.EngineState, id string) (model.Task, int) {
	for i, t := range st.Queues.InProgress {
		if t.ID == id {
			st.Queues.InProgress = append(st.Queues.InProgress[:i], st.Queues.InProgress[i+1:]...)
			return t, i
		}
	}
	return model.Task{}, -1
}

// retriesConsumed maps attempt counts to retries: the first attempt is not
// a retry.
func retriesConsumed(attempts int) int {
	if attempts <= 1 {
		return 0
	}
	return attempts - 1
}

func verificationDetail(result model.FixResult) string {
	if result.Verification == nil {
		return ""
	}
	return fmt.Sprintf("exit=%d", result.Verification.ExitCode)
}

func verificationDuration(result model.FixResult) int64 {
	if result.Verification == nil {
		return 0
	}
	return result.Verification.DurationMS
}
