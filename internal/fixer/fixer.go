// Package fixer runs the bounded retry pipeline for one task: apply a fix
// candidate, verify it, back off, try again. The external systems live
// behind the Planner, Fixer and Verifier interfaces; AutoFixer owns only
// the retry and circuit-breaker policy around them.
package fixer

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/mendcore/mend/internal/logging"
	"github.com/mendcore/mend/internal/model"
)

// Planner produces a fix strategy for a task. Called once per dequeue,
// before the attempt loop starts.
type Planner interface {
	Plan(ctx context.Context, task model.Task) (model.Plan, error)
}

// Fixer applies one fix attempt and reports what it claims to have changed.
// The verifier decides whether the claim holds.
type Fixer interface {
	ApplyFix(ctx context.Context, task model.Task, plan model.Plan, attempt int) (model.Candidate, error)
}

// Verifier checks a candidate. A non-nil error means the verifier could not
// run at all; a clean run that rejects the candidate returns Passed=false
// with a nil error.
type Verifier interface {
	Verify(ctx context.Context, task model.Task, candidate model.Candidate) (model.VerificationOutcome, error)
}

// Breaker is the slice of the circuit breaker the retry loop consults,
// keyed by the task subject.
type Breaker interface {
	IsOpen(key string) bool
	RecordFailure(key string)
	RecordSuccess(key string)
}

type Options struct {
	MaxRetries  int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	Logger      *logging.Logger
}

// AutoFixer drives the attempt loop for one task at a time. It is
// stateless between calls; all cross-task memory lives in the breaker.
type AutoFixer struct {
	fix        Fixer
	verify     Verifier
	breaker    Breaker
	maxRetries int
	base       time.Duration
	maxDelay   time.Duration
	log        *logging.Logger
}

func NewAutoFixer(fix Fixer, verify Verifier, br Breaker, opts Options) *AutoFixer {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 5
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = time.Second
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	return &AutoFixer{
		fix:        fix,
		verify:     verify,
		breaker:    br,
		maxRetries: opts.MaxRetries,
		base:       opts.BackoffBase,
		maxDelay:   opts.BackoffMax,
		log:        opts.Logger,
	}
}

// NewBackOff builds the delay policy for the attempt loop: base, 2x, 4x...
// capped at max, with no jitter so tests and operators can predict spacing.
// BackOff values are stateful; callers get a fresh one per task.
func NewBackOff(base, max time.Duration) *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = base
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxInterval = max
	bo.MaxElapsedTime = 0 // attempts are bounded by count, not elapsed time
	bo.Reset()
	return bo
}

// Execute runs the attempt loop for task. The returned error is reserved
// for engine faults (context cancellation); fix failures come back as data
// in the FixResult. Attempts counts fixer invocations actually made, so a
// breaker short-circuit before any work reports Attempts=0.
func (a *AutoFixer) Execute(ctx context.Context, task model.Task, plan model.Plan) (model.FixResult, error) {
	result := model.FixResult{
		TaskID:    task.ID,
		StartedAt: nowUTC(),
	}

	if a.breaker.IsOpen(task.Subject) {
		a.log.Warn("task %s short-circuited: breaker open for %s", task.ID, task.Subject)
		result.FailureReason = model.FailureCircuitOpen
		result.FinishedAt = nowUTC()
		return result, nil
	}

	bo := NewBackOff(a.base, a.maxDelay)
	lastReason := model.FailureFixError

	for attempt := 1; attempt <= a.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			result.FailureReason = model.FailureCanceled
			result.FinishedAt = nowUTC()
			return result, err
		}
		result.Attempts = attempt

		candidate, err := a.fix.ApplyFix(ctx, task, plan, attempt)
		if err != nil {
			if ctx.Err() != nil {
				result.FailureReason = model.FailureCanceled
				result.FinishedAt = nowUTC()
				return result, ctx.Err()
			}
			a.breaker.RecordFailure(task.Subject)
			lastReason = model.FailureFixError
			result.AttemptTrail = append(result.AttemptTrail, model.AttemptRecord{
				Attempt: attempt,
				Outcome: model.AttemptOutcomeFixError,
				Error:   err.Error(),
			})
			a.log.Warn("task %s attempt %d/%d fix error: %v", task.ID, attempt, a.maxRetries, err)
		} else {
			outcome, verr := a.verify.Verify(ctx, task, candidate)
			switch {
			case verr != nil:
				if ctx.Err() != nil {
					result.FailureReason = model.FailureCanceled
					result.FinishedAt = nowUTC()
					return result, ctx.Err()
				}
				a.breaker.RecordFailure(task.Subject)
				lastReason = model.FailureVerifyError
				result.AttemptTrail = append(result.AttemptTrail, model.AttemptRecord{
					Attempt: attempt,
					Outcome: model.AttemptOutcomeVerifyError,
					Error:   verr.Error(),
				})
				a.log.Warn("task %s attempt %d/%d verify error: %v", task.ID, attempt, a.maxRetries, verr)
			case outcome.Passed:
				a.breaker.RecordSuccess(task.Subject)
				result.Success = true
				result.Verification = &outcome
				result.AttemptTrail = append(result.AttemptTrail, model.AttemptRecord{
					Attempt: attempt,
					Outcome: model.AttemptOutcomeVerified,
				})
				result.FinishedAt = nowUTC()
				a.log.Info("task %s verified on attempt %d/%d", task.ID, attempt, a.maxRetries)
				return result, nil
			default:
				a.breaker.RecordFailure(task.Subject)
				lastReason = model.FailureVerifyFailed
				result.Verification = &outcome
				result.AttemptTrail = append(result.AttemptTrail, model.AttemptRecord{
					Attempt: attempt,
					Outcome: model.AttemptOutcomeVerifyFailed,
				})
				a.log.Warn("task %s attempt %d/%d verification failed (exit %d)", task.ID, attempt, a.maxRetries, outcome.ExitCode)
			}
		}

		if attempt == a.maxRetries {
			break
		}
		// The breaker may have crossed its threshold on this very attempt;
		// stop burning retries against a resource that is already storming.
		if a.breaker.IsOpen(task.Subject) {
			a.log.Warn("task %s stopping after attempt %d: breaker opened for %s", task.ID, attempt, task.Subject)
			result.FailureReason = model.FailureCircuitOpen
			result.FinishedAt = nowUTC()
			return result, nil
		}
		delay := bo.NextBackOff()
		result.AttemptTrail[len(result.AttemptTrail)-1].BackoffMS = delay.Milliseconds()
		a.log.Debug("task %s backing off %s before attempt %d", task.ID, delay, attempt+1)
		if err := sleepCtx(ctx, delay); err != nil {
			result.FailureReason = model.FailureCanceled
			result.FinishedAt = nowUTC()
			return result, err
		}
	}

	result.FailureReason = lastReason
	result.FinishedAt = nowUTC()
	return result, nil
}

// sleepCtx sleeps for d or returns early if ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func nowUTC() string {
	return time.Now().UTC().Format(time.RFC3339)
}
