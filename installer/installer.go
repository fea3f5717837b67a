// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Package installer installs Python packages into a session's
// workspace. The allow-list is checked before pip is ever spawned,
// so a disallowed package costs nothing and leaves no trace in the
// workspace. Installs go through the executor and therefore inherit
// the full sandbox boundary: workspace working directory, minimal
// environment, group-kill deadline.
package installer

import (
	"context"
	"log/slog"
	"time"

	"github.com/warden-project/warden/executor"
	"github.com/warden-project/warden/fault"
	"github.com/warden-project/warden/policy"
	"github.com/warden-project/warden/session"
)

// userBaseDir is the workspace-relative directory pip installs into.
// Keeping it inside the workspace means installed packages are
// swept, archived, and quota-accounted with everything else the
// session produced.
const userBaseDir = ".warden-pip"

// Config configures an Installer.
type Config struct {
	// Policy is the deployment security policy. Required.
	Policy *policy.Policy

	// Executor runs the pip process. Required.
	Executor *executor.Executor

	// Timeout bounds one install, resolution and download included.
	// Required.
	Timeout time.Duration

	// Logger is the structured logger. Required.
	Logger *slog.Logger
}

// Installer installs packages for sessions. Stateless apart from
// configuration; safe for concurrent use.
type Installer struct {
	policy   *policy.Policy
	executor *executor.Executor
	timeout  time.Duration
	logger   *slog.Logger
}

// New creates an Installer. Panics on missing required fields.
func New(config Config) *Installer {
	if config.Policy == nil {
		panic("installer: Policy is required")
	}
	if config.Executor == nil {
		panic("installer: Executor is required")
	}
	if config.Timeout <= 0 {
		panic("installer: Timeout is required")
	}
	if config.Logger == nil {
		panic("installer: Logger is required")
	}
	return &Installer{
		policy:   config.Policy,
		executor: config.Executor,
		timeout:  config.Timeout,
		logger:   config.Logger,
	}
}

// Result is the outcome of a completed install.
type Result struct {
	// Package is the installed package name.
	Package string

	// Version is the requested version constraint; empty means the
	// latest available version was installed.
	Version string

	// Output is pip's combined diagnostic output, capped at the
	// executor's stream limit.
	Output string
}

// Install installs one package into the session workspace. The
// package name is checked against the allow-list and the version
// constraint against the syntactic shape rules before any process
// is spawned.
func (i *Installer) Install(ctx context.Context, s *session.Session, name, version string) (Result, error) {
	if !i.policy.AllowsPackage(name) {
		i.logger.Warn("package install refused by policy",
			"session", s.ID, "package", name)
		return Result{}, fault.New(fault.NotAllowed, "package %q is not on the allow-list", name)
	}
	if !policy.ValidVersion(version) {
		return Result{}, fault.New(fault.Validation, "malformed version constraint %q", version)
	}

	spec := name
	if version != "" {
		spec = name + "==" + version
	}

	execResult, err := i.executor.Execute(ctx, s, executor.Request{
		Argv:    []string{"pip", "install", "--user", "--no-input", spec},
		Timeout: i.timeout,
		ExtraEnv: map[string]string{
			"PYTHONUSERBASE":   s.WorkspaceRoot + "/" + userBaseDir,
			"PIP_NO_CACHE_DIR": "1",
		},
	})
	if err != nil {
		return Result{}, err
	}

	output := execResult.Stdout
	if execResult.Stderr != "" {
		if output != "" {
			output += "\n"
		}
		output += execResult.Stderr
	}

	if execResult.ExitCode != 0 {
		i.logger.Warn("package install failed",
			"session", s.ID, "package", name, "exit_code", execResult.ExitCode)
		return Result{}, fault.New(fault.Internal,
			"pip exited with code %d installing %q", execResult.ExitCode, spec)
	}

	i.logger.Info("package installed",
		"session", s.ID, "package", name, "version", version, "elapsed", execResult.Elapsed)
	return Result{Package: name, Version: version, Output: output}, nil
}
