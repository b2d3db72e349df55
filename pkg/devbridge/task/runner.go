//go:build !windows

// Package task runs AI work items against session workspaces: one external
// agent-process invocation per phase, serialized per workspace.
package task

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"syscall"
)

// Invocation describes one external agent-process run.
type Invocation struct {
	// Workspace is the working directory of the process.
	Workspace string

	// Model is the model selector. Empty or "auto" omits the flag and
	// lets the agent pick.
	Model string

	// SystemPromptFile is an optional path to a transient system prompt
	// file passed to the agent.
	SystemPromptFile string

	// Prompt is the text delivered on the process's stdin.
	Prompt string
}

// InvocationError classifies a failed agent run.
type InvocationError struct {
	// Kind is "transient" (quota, rate limit, timeout — worth retrying
	// later) or "failure" (unknown error).
	Kind string

	// Detail carries the stderr tail or error text shown to the user.
	Detail string

	// Command is the argv that was executed.
	Command []string
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("agent invocation failed (%s): %s", e.Kind, e.Detail)
}

const (
	KindTransient = "transient"
	KindFailure   = "failure"
)

// transientPhrases are stderr markers for recoverable failures. Matched
// case-insensitively.
var transientPhrases = []string{
	"quota",
	"rate limit",
	"resource_exhausted",
	"429",
	"overloaded",
}

// Runner abstracts the external agent process so the manager can be tested
// without spawning anything.
type Runner interface {
	Run(ctx context.Context, inv Invocation) (string, error)
}

// ProcessRunner invokes the agent CLI via os/exec.
type ProcessRunner struct {
	// Bin is the agent binary plus fixed leading arguments.
	Bin []string

	Logger *slog.Logger
}

// NewProcessRunner creates a runner for the given agent command line.
func NewProcessRunner(bin []string, logger *slog.Logger) *ProcessRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProcessRunner{Bin: bin, Logger: logger.With("component", "agent")}
}

// BuildArgs constructs the full argv for an invocation. The agent always
// runs non-interactively with auto-approval; the bridge has no way to answer
// confirmation prompts.
func (r *ProcessRunner) BuildArgs(inv Invocation) []string {
	args := append([]string{}, r.Bin...)
	args = append(args, "--yolo")
	if inv.Model != "" && !strings.EqualFold(inv.Model, "auto") {
		args = append(args, "-m", inv.Model)
	}
	if inv.SystemPromptFile != "" {
		args = append(args, "--system-md", inv.SystemPromptFile)
	}
	return args
}

// Run executes one agent invocation. Combined stdout is the reply text;
// stderr is inspected for transient-failure phrases. A non-zero exit,
// matching stderr content, or a context timeout yields an *InvocationError.
func (r *ProcessRunner) Run(ctx context.Context, inv Invocation) (string, error) {
	argv := r.BuildArgs(inv)
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = inv.Workspace
	cmd.Stdin = strings.NewReader(inv.Prompt)
	cmd.Env = os.Environ()

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	// Kill the whole process tree on timeout, not just the direct child.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process != nil {
			return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		}
		return nil
	}

	r.Logger.Debug("invoking agent", "workspace", inv.Workspace, "model", inv.Model)
	runErr := cmd.Run()

	errOut := strings.TrimSpace(stderr.String())
	if ctx.Err() == context.DeadlineExceeded {
		return "", &InvocationError{
			Kind:    KindTransient,
			Detail:  "agent timed out",
			Command: argv,
		}
	}
	if runErr != nil {
		detail := errOut
		if detail == "" {
			detail = runErr.Error()
		}
		return "", &InvocationError{
			Kind:    ClassifyStderr(errOut),
			Detail:  tail(detail, 500),
			Command: argv,
		}
	}
	// A clean exit with known failure markers on stderr is still a failed
	// run — some agent CLIs exit 0 after printing a quota error.
	if phrase := matchTransient(errOut); phrase != "" {
		return "", &InvocationError{
			Kind:    KindTransient,
			Detail:  tail(errOut, 500),
			Command: argv,
		}
	}

	return strings.TrimSpace(stdout.String()), nil
}

// ClassifyStderr maps stderr content to an error kind.
func ClassifyStderr(stderr string) string {
	if matchTransient(stderr) != "" {
		return KindTransient
	}
	return KindFailure
}

func matchTransient(stderr string) string {
	lower := strings.ToLower(stderr)
	for _, phrase := range transientPhrases {
		if strings.Contains(lower, phrase) {
			return phrase
		}
	}
	return ""
}

// tail returns the last n bytes of s, trimmed at a line boundary when
// possible.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := s[len(s)-n:]
	if i := strings.IndexByte(cut, '\n'); i >= 0 && i < len(cut)-1 {
		cut = cut[i+1:]
	}
	return cut
}
