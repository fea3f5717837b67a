// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Package executor runs commands inside a session's sandbox boundary:
// working directory pinned to the workspace, a minimal fixed
// environment, a wall-clock deadline that kills the whole process
// group, capped output capture, and a per-session concurrency limit.
//
// Commands are argument vectors by default. Shell-interpreted strings
// are an explicit, policy-gated opt-in (the request must say shell
// and the policy must allow it) because a shell turns the executable
// allow-list into a suggestion.
package executor

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/warden-project/warden/fault"
	"github.com/warden-project/warden/policy"
	"github.com/warden-project/warden/session"
)

// killGracePeriod is how long after SIGKILL-ing the process group we
// wait for Wait to return before declaring the exec mechanism wedged.
// SIGKILL is not maskable, so this only trips on kernel-level
// problems (unkillable D-state processes).
const killGracePeriod = 5 * time.Second

// Request describes one command invocation.
type Request struct {
	// Argv is the argument vector to execute. Argv[0] is resolved
	// via PATH from the sandbox environment and must pass the
	// executable allow-list.
	Argv []string

	// Shell, when non-empty, is a shell-interpreted command string
	// run as "/bin/sh -c". Mutually exclusive with Argv. Requires
	// policy.AllowShell.
	Shell string

	// Timeout bounds wall-clock execution. Zero means the
	// configured default; values above the configured maximum are
	// rejected.
	Timeout time.Duration

	// ExtraEnv adds variables to the sandbox environment. Used by
	// in-process callers (the package installer); not reachable from
	// the API surface. HOME cannot be overridden.
	ExtraEnv map[string]string
}

// Result is the outcome of a completed (or killed) command.
type Result struct {
	// ExitCode is the process exit status. -1 when the process was
	// killed by a signal (including timeout kills).
	ExitCode int

	// Stdout and Stderr are the captured streams, each capped at the
	// configured output limit.
	Stdout string
	Stderr string

	// Truncated is set when either stream exceeded its cap and
	// excess bytes were discarded.
	Truncated bool

	// Elapsed is wall-clock execution time.
	Elapsed time.Duration
}

// Config configures an Executor.
type Config struct {
	// Policy is the deployment security policy. Required.
	Policy *policy.Policy

	// DefaultTimeout applies to requests without one. Required.
	DefaultTimeout time.Duration

	// MaxTimeout caps request-supplied timeouts. Required.
	MaxTimeout time.Duration

	// OutputLimit caps captured bytes per stream. Required.
	OutputLimit int64

	// QueueWait is how long a request over the session concurrency
	// cap waits for a slot. Zero rejects immediately.
	QueueWait time.Duration

	// Logger is the structured logger. Required.
	Logger *slog.Logger
}

// Executor runs commands for sessions. Stateless apart from
// configuration; safe for concurrent use.
type Executor struct {
	policy         *policy.Policy
	defaultTimeout time.Duration
	maxTimeout     time.Duration
	outputLimit    int64
	queueWait      time.Duration
	logger         *slog.Logger
}

// New creates an Executor. Panics on missing required fields: these
// are wiring mistakes, not runtime conditions.
func New(config Config) *Executor {
	if config.Policy == nil {
		panic("executor: Policy is required")
	}
	if config.DefaultTimeout <= 0 || config.MaxTimeout <= 0 {
		panic("executor: timeouts are required")
	}
	if config.OutputLimit <= 0 {
		panic("executor: OutputLimit is required")
	}
	if config.Logger == nil {
		panic("executor: Logger is required")
	}
	return &Executor{
		policy:         config.Policy,
		defaultTimeout: config.DefaultTimeout,
		maxTimeout:     config.MaxTimeout,
		outputLimit:    config.OutputLimit,
		queueWait:      config.QueueWait,
		logger:         config.Logger,
	}
}

// Execute runs one command inside the session's sandbox boundary.
// Blocks until the command completes, fails, or is killed at its
// deadline.
func (e *Executor) Execute(ctx context.Context, s *session.Session, request Request) (Result, error) {
	argv, err := e.resolveCommand(request)
	if err != nil {
		return Result{}, err
	}

	timeout, err := e.resolveTimeout(request.Timeout)
	if err != nil {
		return Result{}, err
	}

	if err := s.Acquire(ctx, e.queueWait); err != nil {
		return Result{}, err
	}
	defer s.Release()

	return e.run(ctx, s, argv, timeout, request.ExtraEnv)
}

// resolveCommand validates the request shape against the policy and
// returns the final argument vector.
func (e *Executor) resolveCommand(request Request) ([]string, error) {
	switch {
	case request.Shell != "" && len(request.Argv) > 0:
		return nil, fault.New(fault.Validation, "request carries both argv and shell command")

	case request.Shell != "":
		if !e.policy.AllowShell {
			return nil, fault.New(fault.NotAllowed, "shell-interpreted commands are disabled by policy")
		}
		return []string{"/bin/sh", "-c", request.Shell}, nil

	case len(request.Argv) > 0:
		if request.Argv[0] == "" {
			return nil, fault.New(fault.Validation, "empty executable")
		}
		if !e.policy.AllowsExecutable(request.Argv[0]) {
			return nil, fault.New(fault.NotAllowed, "executable %q is not on the allow-list", request.Argv[0])
		}
		return request.Argv, nil

	default:
		return nil, fault.New(fault.Validation, "empty command")
	}
}

func (e *Executor) resolveTimeout(requested time.Duration) (time.Duration, error) {
	if requested < 0 {
		return 0, fault.New(fault.Validation, "negative timeout")
	}
	if requested == 0 {
		return e.defaultTimeout, nil
	}
	if requested > e.maxTimeout {
		return 0, fault.New(fault.Validation, "timeout %v exceeds maximum %v", requested, e.maxTimeout)
	}
	return requested, nil
}

// run spawns the process and supervises it to completion or deadline.
func (e *Executor) run(ctx context.Context, s *session.Session, argv []string, timeout time.Duration, extraEnv map[string]string) (Result, error) {
	stdout := newCappedBuffer(e.outputLimit)
	stderr := newCappedBuffer(e.outputLimit)

	// Resolve the executable against the sandbox PATH, not the
	// daemon's. exec.Command would use the daemon's environment.
	binPath, err := lookPath(argv[0], e.pathList(extraEnv))
	if err != nil {
		return Result{}, err
	}

	cmd := &exec.Cmd{
		Path:   binPath,
		Args:   argv,
		Dir:    s.WorkspaceRoot,
		Env:    e.environment(s, extraEnv),
		Stdout: stdout,
		Stderr: stderr,
	}

	// Own process group so a timeout kill reaches every descendant,
	// not just the immediate child.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{}, fault.Wrap(fault.Internal, err, "starting command %q", argv[0])
	}
	processGroup := cmd.Process.Pid

	waitDone := make(chan error, 1)
	go func() { waitDone <- cmd.Wait() }()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	timedOut := false
	var waitErr error

	select {
	case waitErr = <-waitDone:

	case <-deadline.C:
		timedOut = true
		waitErr = e.killGroup(processGroup, waitDone)

	case <-ctx.Done():
		// Client gone or server shutting down: same kill path as a
		// timeout, but reported as cancellation.
		e.killGroup(processGroup, waitDone)
		return Result{}, fault.Wrap(fault.Internal, ctx.Err(), "execution cancelled")
	}

	elapsed := time.Since(start)
	result := Result{
		ExitCode:  exitCode(cmd, waitErr),
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		Truncated: stdout.Truncated() || stderr.Truncated(),
		Elapsed:   elapsed,
	}

	if timedOut {
		e.logger.Warn("command killed at deadline",
			"session", s.ID, "argv0", argv[0], "timeout", timeout)
		return result, fault.New(fault.Timeout, "command exceeded %v deadline", timeout)
	}

	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return result, fault.Wrap(fault.Internal, waitErr, "waiting for command")
		}
		// Non-zero exit is a successful execution with a non-zero
		// code, not a fault.
	}

	e.logger.Info("command completed",
		"session", s.ID, "argv0", argv[0],
		"exit_code", result.ExitCode, "elapsed", elapsed, "truncated", result.Truncated)
	return result, nil
}

// killGroup SIGKILLs the whole process group and waits for the child
// to be reaped. Returns the Wait error for exit-code extraction.
func (e *Executor) killGroup(processGroup int, waitDone <-chan error) error {
	// Negative pid addresses the group. ESRCH means everything
	// already exited between the deadline firing and the kill.
	if err := unix.Kill(-processGroup, unix.SIGKILL); err != nil && err != unix.ESRCH {
		e.logger.Error("killing process group", "pgid", processGroup, "error", err)
	}

	select {
	case err := <-waitDone:
		return err
	case <-time.After(killGracePeriod):
		e.logger.Error("process survived SIGKILL past grace period", "pgid", processGroup)
		return fault.New(fault.Internal, "process group %d unkillable", processGroup)
	}
}

// pathList returns the PATH the sandbox will see.
func (e *Executor) pathList(extraEnv map[string]string) string {
	if override, ok := extraEnv["PATH"]; ok {
		return override
	}
	return e.policy.Env["PATH"]
}

// lookPath resolves name against pathList. Absolute names are
// returned as given. Relative names containing a separator are
// refused: they would resolve against the working directory, and the
// working directory is the session workspace, so a session could
// plant a binary at bin/ls and have the allow-list admit it by
// basename.
func lookPath(name, pathList string) (string, error) {
	if strings.ContainsRune(name, '/') {
		if !filepath.IsAbs(name) {
			return "", fault.New(fault.NotAllowed,
				"relative executable path %q is not allowed", name)
		}
		return name, nil
	}
	for _, dir := range filepath.SplitList(pathList) {
		if dir == "" {
			continue
		}
		candidate := filepath.Join(dir, name)
		info, err := os.Stat(candidate)
		if err != nil || info.IsDir() || info.Mode()&0o111 == 0 {
			continue
		}
		return candidate, nil
	}
	return "", fault.New(fault.NotFound, "executable %q not found in sandbox PATH", name)
}

// environment builds the sandbox environment: the policy's fixed set
// plus HOME pinned to the workspace. Nothing from the daemon's own
// environment leaks through. Keys are sorted for deterministic spawn
// behavior.
func (e *Executor) environment(s *session.Session, extraEnv map[string]string) []string {
	merged := make(map[string]string, len(e.policy.Env)+len(extraEnv))
	for key, value := range e.policy.Env {
		merged[key] = value
	}
	for key, value := range extraEnv {
		merged[key] = value
	}
	delete(merged, "HOME")

	keys := make([]string, 0, len(merged))
	for key := range merged {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(keys)+1)
	for _, key := range keys {
		env = append(env, key+"="+merged[key])
	}
	env = append(env, "HOME="+s.WorkspaceRoot)
	return env
}

// exitCode extracts the process exit status from Wait's result: 0 on
// clean exit, the code on failure, -1 when killed by a signal.
func exitCode(cmd *exec.Cmd, waitErr error) int {
	if waitErr == nil {
		if cmd.ProcessState != nil {
			return cmd.ProcessState.ExitCode()
		}
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
