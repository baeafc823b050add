package fixer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/mendcore/mend/internal/config"
	"github.com/mendcore/mend/internal/model"
)

// Captured command output is truncated so results stay small enough to
// persist in the state document and escalation records.
const maxCaptureBytes = 64 * 1024

// PlannerFrom returns the command-backed planner for cfg, or the built-in
// no-op planner when no command is configured.
func PlannerFrom(cfg config.CommandConfig, dir string) Planner {
	if len(cfg.Command) == 0 {
		return NoopPlanner{}
	}
	return &CommandPlanner{argv: cfg.Command, timeout: cfg.Timeout(), dir: dir}
}

// FixerFrom returns the command-backed fixer for cfg, or the built-in no-op
// fixer when no command is configured.
func FixerFrom(cfg config.CommandConfig, dir string) Fixer {
	if len(cfg.Command) == 0 {
		return NoopFixer{}
	}
	return &CommandFixer{argv: cfg.Command, timeout: cfg.Timeout(), dir: dir}
}

// VerifierFrom returns the command-backed verifier for cfg, or the built-in
// always-pass verifier when no command is configured.
func VerifierFrom(cfg config.CommandConfig, dir string) Verifier {
	if len(cfg.Command) == 0 {
		return NoopVerifier{}
	}
	return &CommandVerifier{argv: cfg.Command, timeout: cfg.Timeout(), dir: dir}
}

// CommandPlanner shells out for a plan. The task is passed as JSON on stdin
// plus MEND_* environment variables; stdout is decoded as a plan JSON
// object, or kept verbatim as the plan instructions when it is not JSON.
type CommandPlanner struct {
	argv    []string
	timeout time.Duration
	dir     string
}

func NewCommandPlanner(argv []string, timeout time.Duration, dir string) *CommandPlanner {
	return &CommandPlanner{argv: argv, timeout: timeout, dir: dir}
}

func (p *CommandPlanner) Plan(ctx context.Context, task model.Task) (model.Plan, error) {
	payload, err := json.Marshal(task)
	if err != nil {
		return model.Plan{}, fmt.Errorf("encode task %s: %w", task.ID, err)
	}
	out, _, err := runCommand(ctx, p.argv, p.timeout, p.dir, payload, taskEnv(task, 0))
	if err != nil {
		return model.Plan{}, fmt.Errorf("planner: %w", err)
	}

	plan := model.Plan{
		TaskID:    task.ID,
		Strategy:  "command",
		CreatedAt: nowUTC(),
	}
	trimmed := bytes.TrimSpace(out)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		if jerr := json.Unmarshal(trimmed, &plan); jerr == nil {
			if plan.TaskID == "" {
				plan.TaskID = task.ID
			}
			if plan.CreatedAt == "" {
				plan.CreatedAt = nowUTC()
			}
			return plan, nil
		}
	}
	plan.Instructions = truncate(string(trimmed))
	return plan, nil
}

// CommandFixer shells out for one fix attempt. Exit 0 means the attempt
// produced a candidate; any other exit is a fix error. Stdout is decoded as
// a candidate JSON object, or summarized verbatim.
type CommandFixer struct {
	argv    []string
	timeout time.Duration
	dir     string
}

func NewCommandFixer(argv []string, timeout time.Duration, dir string) *CommandFixer {
	return &CommandFixer{argv: argv, timeout: timeout, dir: dir}
}

func (f *CommandFixer) ApplyFix(ctx context.Context, task model.Task, plan model.Plan, attempt int) (model.Candidate, error) {
	payload, err := json.Marshal(struct {
		Task    model.Task `json:"task"`
		Plan    model.Plan `json:"plan"`
		Attempt int        `json:"attempt"`
	}{task, plan, attempt})
	if err != nil {
		return model.Candidate{}, fmt.Errorf("encode fix request for %s: %w", task.ID, err)
	}
	out, _, err := runCommand(ctx, f.argv, f.timeout, f.dir, payload, taskEnv(task, attempt))
	if err != nil {
		return model.Candidate{}, fmt.Errorf("fixer: %w: %s", err, truncate(string(bytes.TrimSpace(out))))
	}

	candidate := model.Candidate{TaskID: task.ID, Attempt: attempt}
	trimmed := bytes.TrimSpace(out)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		if jerr := json.Unmarshal(trimmed, &candidate); jerr == nil {
			if candidate.TaskID == "" {
				candidate.TaskID = task.ID
			}
			candidate.Attempt = attempt
			return candidate, nil
		}
	}
	candidate.Summary = truncate(string(trimmed))
	return candidate, nil
}

// CommandVerifier shells out to judge a candidate. The exit code is
// authoritative: 0 passes, anything else fails cleanly. Only a command
// that cannot run at all (spawn failure, timeout) is a verifier error.
type CommandVerifier struct {
	argv    []string
	timeout time.Duration
	dir     string
}

func NewCommandVerifier(argv []string, timeout time.Duration, dir string) *CommandVerifier {
	return &CommandVerifier{argv: argv, timeout: timeout, dir: dir}
}

func (v *CommandVerifier) Verify(ctx context.Context, task model.Task, candidate model.Candidate) (model.VerificationOutcome, error) {
	payload, err := json.Marshal(struct {
		Task      model.Task      `json:"task"`
		Candidate model.Candidate `json:"candidate"`
	}{task, candidate})
	if err != nil {
		return model.VerificationOutcome{}, fmt.Errorf("encode verify request for %s: %w", task.ID, err)
	}

	outcome := model.VerificationOutcome{Command: strings.Join(v.argv, " ")}
	started := time.Now()
	out, exitCode, err := runCommand(ctx, v.argv, v.timeout, v.dir, payload, taskEnv(task, candidate.Attempt))
	outcome.DurationMS = time.Since(started).Milliseconds()
	outcome.Output = truncate(string(bytes.TrimSpace(out)))
	outcome.ExitCode = exitCode

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		outcome.Passed = true
		return outcome, nil
	case errors.As(err, &exitErr):
		return outcome, nil
	default:
		return outcome, fmt.Errorf("verifier: %w", err)
	}
}

// NoopPlanner hands the fixer a trivial plan when no planner command is
// configured.
type NoopPlanner struct{}

func (NoopPlanner) Plan(_ context.Context, task model.Task) (model.Plan, error) {
	return model.Plan{
		TaskID:       task.ID,
		Strategy:     "noop",
		Instructions: "no planner configured",
		CreatedAt:    nowUTC(),
	}, nil
}

// NoopFixer claims a candidate without doing work. Useful for dry runs and
// for setups where the verifier alone decides.
type NoopFixer struct{}

func (NoopFixer) ApplyFix(_ context.Context, task model.Task, _ model.Plan, attempt int) (model.Candidate, error) {
	return model.Candidate{
		TaskID:  task.ID,
		Attempt: attempt,
		Summary: "no fixer configured",
	}, nil
}

// NoopVerifier passes every candidate. Without a verifier command there is
// nothing to judge against, so attempts succeed immediately.
type NoopVerifier struct{}

func (NoopVerifier) Verify(_ context.Context, _ model.Task, _ model.Candidate) (model.VerificationOutcome, error) {
	return model.VerificationOutcome{Passed: true}, nil
}

// runCommand executes argv with stdin and extra environment, returning
// combined output and the exit code. Exit code -1 marks spawn and timeout
// failures where no code exists.
func runCommand(ctx context.Context, argv []string, timeout time.Duration, dir string, stdin []byte, env []string) ([]byte, int, error) {
	cctx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(cctx, argv[0], argv[1:]...)
	if dir != "" {
		cmd.Dir = dir
	}
	cmd.Env = append(os.Environ(), env...)
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	// A forked descendant inherits the output pipe and would keep
	// CombinedOutput blocked past the deadline. Run the command in its own
	// process group so cancellation kills the whole tree; WaitDelay cuts
	// off any pipe holder that survives the kill.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		if err == syscall.ESRCH {
			return os.ErrProcessDone
		}
		return err
	}
	cmd.WaitDelay = time.Second

	out, err := cmd.CombinedOutput()
	if err != nil {
		if cctx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return out, -1, fmt.Errorf("%s: timeout after %s: %w", argv[0], timeout, cctx.Err())
		}
		if errors.Is(err, exec.ErrWaitDelay) {
			// The command itself exited 0; only an inherited pipe was still
			// open when the grace ran out.
			return out, 0, nil
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return out, exitErr.ExitCode(), err
		}
		return out, -1, fmt.Errorf("%s: %w", argv[0], err)
	}
	return out, 0, nil
}

func taskEnv(task model.Task, attempt int) []string {
	env := []string{
		"MEND_TASK_ID=" + task.ID,
		"MEND_TASK_KIND=" + string(task.Kind),
		"MEND_TASK_SUBJECT=" + task.Subject,
	}
	if attempt > 0 {
		env = append(env, fmt.Sprintf("MEND_ATTEMPT=%d", attempt))
	}
	return env
}

func truncate(s string) string {
	if len(s) <= maxCaptureBytes {
		return s
	}
	return s[:maxCaptureBytes] + "\n[truncated]"
}
