// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Wardend is the sandbox controller daemon. It serves the session,
// execution, file, and package-install API over HTTP, with per-session
// workspace isolation enforced by the component stack behind it.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/warden-project/warden/api"
	"github.com/warden-project/warden/executor"
	"github.com/warden-project/warden/gateway"
	"github.com/warden-project/warden/installer"
	"github.com/warden-project/warden/lib/config"
	"github.com/warden-project/warden/policy"
	"github.com/warden-project/warden/session"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	var logLevel string

	flagSet := pflag.NewFlagSet("wardend", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to config file (or set "+config.EnvVariable+")")
	flagSet.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		return err
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		return fmt.Errorf("invalid --log-level %q: %w", logLevel, err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	pol := policy.Default()
	if cfg.Paths.PolicyFile != "" {
		pol, err = policy.ReadFile(cfg.Paths.PolicyFile)
		if err != nil {
			return fmt.Errorf("loading policy: %w", err)
		}
	}

	logger.Info("starting wardend",
		"environment", cfg.Environment,
		"listen_address", cfg.ListenAddress,
		"workspaces", cfg.Paths.Workspaces,
		"policy_file", cfg.Paths.PolicyFile,
		"allow_shell", pol.AllowShell)

	registry, err := session.NewRegistry(session.Config{
		WorkspaceDir:       cfg.Paths.Workspaces,
		StateDir:           cfg.Paths.State,
		ArchiveDir:         cfg.Paths.Archives,
		ArchiveOnTerminate: cfg.Sessions.ArchiveOnTerminate,
		Quota: session.Quota{
			MaxConcurrentCommands: cfg.Sessions.MaxConcurrentCommands,
			MaxFileBytes:          cfg.Files.MaxFileBytes,
			MaxWorkspaceBytes:     cfg.Files.MaxWorkspaceBytes,
		},
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("creating session registry: %w", err)
	}
	defer registry.Close()

	exec := executor.New(executor.Config{
		Policy:         pol,
		DefaultTimeout: cfg.Execution.DefaultTimeout.Std(),
		MaxTimeout:     cfg.Execution.MaxTimeout.Std(),
		OutputLimit:    cfg.Execution.OutputLimitBytes,
		QueueWait:      cfg.Sessions.QueueWait.Std(),
		Logger:         logger,
	})

	// Shutdown on SIGINT/SIGTERM or the shutdown endpoint.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, requestShutdown := context.WithCancel(ctx)
	defer requestShutdown()

	handler := api.NewHandler(api.HandlerConfig{
		Registry: registry,
		Executor: exec,
		Gateway:  gateway.New(logger),
		Installer: installer.New(installer.Config{
			Policy:   pol,
			Executor: exec,
			Timeout:  cfg.Install.Timeout.Std(),
			Logger:   logger,
		}),
		DefaultSession:  cfg.Sessions.DefaultSession,
		RequestShutdown: requestShutdown,
		Logger:          logger,
	})

	server := api.NewServer(api.ServerConfig{
		Address: cfg.ListenAddress,
		Handler: handler.Routes(),
		Logger:  logger,
	})

	go registry.RunSweeper(ctx, cfg.Sessions.SweepInterval.Std(), cfg.Sessions.IdleTimeout.Std())

	if err := server.Serve(ctx); err != nil {
		return fmt.Errorf("serving api: %w", err)
	}

	logger.Info("wardend stopped")
	return nil
}
