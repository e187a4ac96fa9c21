package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/thebenlamm/nanobot/internal/config"
	"github.com/thebenlamm/nanobot/internal/textutil"
)

const (
	defaultShellTimeout = 60 * time.Second
	defaultMaxOutput    = 10000
	killGrace           = 2 * time.Second
)

// ShellRunner evaluates shell commands against a policy and runs the allowed
// ones with a deadline, a scoped environment and capped output.
type ShellRunner struct {
	policy    ShellPolicy
	env       *EnvScope
	redactor  *Redactor
	workDir   string
	timeout   time.Duration
	maxOutput int
}

type ShellOption func(*ShellRunner)

func WithWorkingDir(dir string) ShellOption { return func(r *ShellRunner) { r.workDir = dir } }

func WithShellTimeout(d time.Duration) ShellOption {
	return func(r *ShellRunner) {
		if d > 0 {
			r.timeout = d
		}
	}
}

func WithMaxOutput(n int) ShellOption {
	return func(r *ShellRunner) {
		if n > 0 {
			r.maxOutput = n
		}
	}
}

func WithEnvScope(e *EnvScope) ShellOption { return func(r *ShellRunner) { r.env = e } }

func WithRedactor(rd *Redactor) ShellOption { return func(r *ShellRunner) { r.redactor = rd } }

// NewShellRunner creates a runner. Without options commands run in the
// current directory with the base environment, 60s and 10000 bytes per stream.
func NewShellRunner(policy ShellPolicy, opts ...ShellOption) *ShellRunner {
	r := &ShellRunner{
		policy:    policy,
		env:       NewEnvScope(nil),
		timeout:   defaultShellTimeout,
		maxOutput: defaultMaxOutput,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ShellRunnerFromConfig wires the exec tool settings. secrets maps child
// variable names to already resolved handles.
func ShellRunnerFromConfig(cfg config.ExecToolConfig, workspace string, secrets map[string]config.SecretHandle, rd *Redactor) (*ShellRunner, error) {
	policy, err := PolicyFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	dir := cfg.WorkingDir
	if dir == "" {
		dir = workspace
	}
	return NewShellRunner(policy,
		WithWorkingDir(config.ExpandHome(dir)),
		WithShellTimeout(time.Duration(cfg.TimeoutSec)*time.Second),
		WithMaxOutput(cfg.MaxOutputBytes),
		WithEnvScope(NewEnvScope(cfg.EnvPassthrough).WithSecrets(secrets)),
		WithRedactor(rd),
	), nil
}

// SecretEnvFromSnapshot resolves env_secret key paths into handles.
func SecretEnvFromSnapshot(snap *config.Snapshot, mapping map[string]string) (map[string]config.SecretHandle, error) {
	out := make(map[string]config.SecretHandle, len(mapping))
	for name, key := range mapping {
		h, err := snap.Secret(key)
		if err != nil {
			return nil, fmt.Errorf("secret_env %s: %w", name, err)
		}
		out[name] = h
	}
	return out, nil
}

// Evaluate decides on command without running anything.
func (r *ShellRunner) Evaluate(command string) Decision {
	d := r.policy.Evaluate(command)
	d.Tool = "exec"
	short, _ := textutil.Truncate(command, 200)
	d.Target = r.redactor.Redact(short)
	if d.Allowed() {
		d.command = command
		slog.Debug("tool decision", "decision", d)
	} else {
		slog.Warn("tool decision", "decision", d)
	}
	return d
}

// ExecResult is the captured outcome of a command.
type ExecResult struct {
	Stdout    string
	Stderr    string
	ExitCode  int
	Duration  time.Duration
	Truncated bool
	Dropped   int64
}

// Execute runs the command an allowed Decision carries. A denied decision
// returns its denial error without running anything. On timeout or
// truncation the partial result is returned together with
// *ToolTimeoutError or *ToolOutputTruncated. No child process outlives the
// call, including background jobs it started.
func (r *ShellRunner) Execute(ctx context.Context, d Decision) (*ExecResult, error) {
	return r.execute(ctx, d, r.workDir)
}

func (r *ShellRunner) execute(ctx context.Context, d Decision, dir string) (*ExecResult, error) {
	if !d.Allowed() {
		return nil, d.Err()
	}
	if d.Tool != "exec" || d.command == "" {
		return nil, &ToolDeniedError{Tool: "exec", Category: CategoryMalformed, Reason: "decision was not issued for a shell command"}
	}

	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", d.command)
	cmd.Dir = dir
	cmd.Env = r.env.Environ()
	cmd.WaitDelay = killGrace
	startInOwnGroup(cmd)

	stdout := &cappedBuffer{limit: r.maxOutput}
	stderr := &cappedBuffer{limit: r.maxOutput}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	err := cmd.Run()
	// reap anything the command left running in its group
	_ = killGroup(cmd)

	res := &ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: -1,
		Duration: time.Since(start),
		Dropped:  stdout.dropped + stderr.dropped,
	}
	res.Truncated = res.Dropped > 0
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}

	if ctx.Err() != nil {
		return res, ctx.Err()
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return res, &ToolTimeoutError{Tool: "exec", Timeout: r.timeout}
	}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) && !errors.Is(err, exec.ErrWaitDelay) {
			return res, fmt.Errorf("run command: %w", err)
		}
	}
	if res.Truncated {
		return res, &ToolOutputTruncated{Limit: r.maxOutput, Dropped: res.Dropped}
	}
	return res, nil
}

// cappedBuffer keeps the first limit bytes and counts the rest.
type cappedBuffer struct {
	buf     bytes.Buffer
	limit   int
	dropped int64
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	room := c.limit - c.buf.Len()
	switch {
	case room >= len(p):
		c.buf.Write(p)
	case room > 0:
		c.buf.Write(p[:room])
		c.dropped += int64(len(p) - room)
	default:
		c.dropped += int64(len(p))
	}
	return len(p), nil
}

func (c *cappedBuffer) String() string { return strings.ToValidUTF8(c.buf.String(), "") }

// ExecTool exposes a ShellRunner to the model as the "exec" tool.
type ExecTool struct {
	runner *ShellRunner
}

func NewExecTool(runner *ShellRunner) *ExecTool { return &ExecTool{runner: runner} }

func (t *ExecTool) Name() string        { return "exec" }
func (t *ExecTool) Description() string { return "Execute a shell command and return its output" }
func (t *ExecTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"command": map[string]interface{}{
				"type":        "string",
				"description": "The shell command to execute",
				"minLength":   1,
			},
			"working_dir": map[string]interface{}{
				"type":        "string",
				"description": "Optional working directory, relative to the workspace",
			},
		},
		"required":             []string{"command"},
		"additionalProperties": false,
	}
}

func (t *ExecTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	command, _ := args["command"].(string)

	dir := t.runner.workDir
	if wd, _ := args["working_dir"].(string); wd != "" {
		resolved, err := resolveWithin(t.runner.workDir, wd)
		if err != nil {
			return ErrorResult(err.Error())
		}
		dir = resolved
	}

	d := t.runner.Evaluate(command)
	if !d.Allowed() {
		return DeniedResult(d)
	}

	res, err := t.runner.execute(ctx, d, dir)
	var timeout *ToolTimeoutError
	switch {
	case errors.As(err, &timeout):
		return failure("exec", err, formatExec(res))
	case err != nil && res == nil, err != nil && !isTruncation(err):
		return ErrorResult(fmt.Sprintf("exec failed: %v", err)).WithError(err)
	}

	out := formatExec(res)
	if res.Truncated {
		out += fmt.Sprintf("\n[output truncated: %d bytes dropped]", res.Dropped)
	}
	if res.ExitCode != 0 {
		return ErrorResult(out)
	}
	return NewResult(out)
}

func isTruncation(err error) bool {
	var tr *ToolOutputTruncated
	return errors.As(err, &tr)
}

func formatExec(res *ExecResult) string {
	if res == nil {
		return ""
	}
	out := res.Stdout
	if res.Stderr != "" {
		if out != "" {
			out += "\n"
		}
		out += "STDERR:\n" + res.Stderr
	}
	if res.ExitCode > 0 {
		if out != "" {
			out += "\n"
		}
		out += fmt.Sprintf("exit code %d", res.ExitCode)
	}
	if out == "" {
		out = "(command completed with no output)"
	}
	return out
}

// resolveWithin joins rel onto base and rejects paths that escape base.
func resolveWithin(base, rel string) (string, error) {
	p := rel
	if !filepath.IsAbs(p) {
		p = filepath.Join(base, p)
	}
	p = filepath.Clean(p)
	r, err := filepath.Rel(base, p)
	if err != nil || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("working_dir %q is outside the workspace", rel)
	}
	return p, nil
}
