package model

// Plan is the strategy a planner hands to the fixer for one task. The engine
// treats it as opaque; only the planner and fixer interpret Strategy and
// Instructions.
type Plan struct {
	TaskID       string            `yaml:"task_id" json:"task_id"`
	Strategy     string            `yaml:"strategy" json:"strategy"`
	Instructions string            `yaml:"instructions" json:"instructions"`
	Context      map[string]string `yaml:"context,omitempty" json:"context,omitempty"`
	CreatedAt    string            `yaml:"created_at" json:"created_at"`
}

// Candidate is what a fixer claims to have produced for one attempt. The
// verifier decides whether the claim holds.
type Candidate struct {
	TaskID       string   `yaml:"task_id" json:"task_id"`
	Attempt      int      `yaml:"attempt" json:"attempt"`
	Summary      string   `yaml:"summary" json:"summary"`
	FilesChanged []string `yaml:"files_changed,omitempty" json:"files_changed,omitempty"`
}

// VerificationOutcome records one verifier run. DurationMS is the verifier's
// wall time; a no-op verifier reports zero.
type VerificationOutcome struct {
	Passed     bool   `yaml:"passed" json:"passed"`
	Command    string `yaml:"command,omitempty" json:"command,omitempty"`
	ExitCode   int    `yaml:"exit_code" json:"exit_code"`
	DurationMS int64  `yaml:"duration_ms" json:"duration_ms"`
	Output     string `yaml:"output,omitempty" json:"output,omitempty"`
}

// AttemptRecord is the per-attempt trail inside a FixResult.
type AttemptRecord struct {
	Attempt   int    `yaml:"attempt" json:"attempt"`
	Outcome   string `yaml:"outcome" json:"outcome"`
	Error     string `yaml:"error,omitempty" json:"error,omitempty"`
	BackoffMS int64  `yaml:"backoff_ms,omitempty" json:"backoff_ms,omitempty"`
}

// Attempt outcomes.
const (
	AttemptOutcomeVerified     = "verified"
	AttemptOutcomeFixError     = "fix_error"
	AttemptOutcomeVerifyError  = "verify_error"
	AttemptOutcomeVerifyFailed = "verification_failed"
)

// Failure reasons reported on tasks and fix results. Open set; only
// circuit_open is matched by code.
const (
	FailureCircuitOpen  = "circuit_open"
	FailurePlanError    = "plan_error"
	FailureFixError     = "fix_error"
	FailureVerifyError  = "verify_error"
	FailureVerifyFailed = "verification_failed"
	FailureCanceled     = "canceled"
)

// FixResult summarizes one execution of a task through the retry loop.
// Attempts is the number of fixer invocations actually made; 0 means the
// circuit breaker short-circuited before any work started.
type FixResult struct {
	TaskID        string               `yaml:"task_id" json:"task_id"`
	Success       bool                 `yaml:"success" json:"success"`
	Attempts      int                  `yaml:"attempts" json:"attempts"`
	FailureReason string               `yaml:"failure_reason,omitempty" json:"failure_reason,omitempty"`
	Verification  *VerificationOutcome `yaml:"verification,omitempty" json:"verification,omitempty"`
	AttemptTrail  []AttemptRecord      `yaml:"attempt_trail,omitempty" json:"attempt_trail,omitempty"`
	StartedAt     string               `yaml:"started_at" json:"started_at"`
	FinishedAt    string               `yaml:"finished_at" json:"finished_at"`
}

// ChannelOutcome is the per-channel delivery record inside an escalation.
type ChannelOutcome struct {
	Name      string `yaml:"name" json:"name"`
	Delivered bool   `yaml:"delivered" json:"delivered"`
	Error     string `yaml:"error,omitempty" json:"error,omitempty"`
}

// EscalationRecord is produced exactly once per unresolved task and handed
// to every configured channel.
type EscalationRecord struct {
	ID        string           `yaml:"id" json:"id"`
	TaskID    string           `yaml:"task_id" json:"task_id"`
	Subject   string           `yaml:"subject" json:"subject"`
	Reason    string           `yaml:"reason" json:"reason"`
	Attempts  int              `yaml:"attempts" json:"attempts"`
	Channels  []ChannelOutcome `yaml:"channels,omitempty" json:"channels,omitempty"`
	CreatedAt string           `yaml:"created_at" json:"created_at"`
}
