// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/warden-project/warden/fault"
	"github.com/warden-project/warden/lib/clock"
)

// idPattern is the accepted shape of a session id. Ids become part of
// workspace directory names, so the alphabet is restricted to
// filesystem-safe characters and the length is bounded.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,63}$`)

// Config configures a Registry.
type Config struct {
	// WorkspaceDir is the parent directory for per-session
	// workspaces. Created if missing. Required.
	WorkspaceDir string

	// StateDir, when non-empty, enables the registry snapshot:
	// session metadata is persisted there so live sessions survive a
	// daemon restart (their workspaces are already on disk).
	StateDir string

	// ArchiveDir receives tar+zstd workspace archives of terminated
	// sessions when ArchiveOnTerminate is set.
	ArchiveDir string

	// ArchiveOnTerminate packs a terminated session's workspace into
	// ArchiveDir before deleting it.
	ArchiveOnTerminate bool

	// Quota is applied to every new session.
	Quota Quota

	// Clock drives timestamps and the idle sweeper. Defaults to
	// clock.Real().
	Clock clock.Clock

	// Logger is the structured logger. Required.
	Logger *slog.Logger
}

// entry pairs a session with a readiness gate. A freshly inserted
// entry has an open ready channel; the inserting goroutine (the
// creation winner) provisions the workspace, then publishes either
// the session or an error and closes the channel. Losers of a
// concurrent create wait on ready and share the winner's outcome.
type entry struct {
	ready   chan struct{}
	session *Session
	err     error
}

// Registry owns the id→session mapping and all session lifecycle.
type Registry struct {
	workspaceDir       string
	archiveDir         string
	archiveOnTerminate bool
	quota              Quota
	clock              clock.Clock
	logger             *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry

	snapshot *snapshotWriter

	// cleanups tracks asynchronous workspace removals so Close can
	// wait for them (mainly for tests; the daemon just exits).
	cleanups sync.WaitGroup
}

// NewRegistry creates a registry, ensures the workspace parent
// directory exists, and restores sessions from the snapshot when a
// state directory is configured.
func NewRegistry(config Config) (*Registry, error) {
	if config.WorkspaceDir == "" {
		return nil, fmt.Errorf("session: WorkspaceDir is required")
	}
	if config.Logger == nil {
		return nil, fmt.Errorf("session: Logger is required")
	}
	if config.Quota.MaxConcurrentCommands < 1 {
		return nil, fmt.Errorf("session: Quota.MaxConcurrentCommands must be positive")
	}
	if config.ArchiveOnTerminate && config.ArchiveDir == "" {
		return nil, fmt.Errorf("session: ArchiveDir is required with ArchiveOnTerminate")
	}

	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}

	if err := os.MkdirAll(config.WorkspaceDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating workspace dir: %w", err)
	}
	if config.ArchiveDir != "" {
		if err := os.MkdirAll(config.ArchiveDir, 0o700); err != nil {
			return nil, fmt.Errorf("creating archive dir: %w", err)
		}
	}

	registry := &Registry{
		workspaceDir:       config.WorkspaceDir,
		archiveDir:         config.ArchiveDir,
		archiveOnTerminate: config.ArchiveOnTerminate,
		quota:              config.Quota,
		clock:              clk,
		logger:             config.Logger,
		entries:            make(map[string]*entry),
	}

	if config.StateDir != "" {
		writer, err := newSnapshotWriter(config.StateDir)
		if err != nil {
			return nil, err
		}
		registry.snapshot = writer
		registry.restore()
	}

	return registry, nil
}

// ValidID reports whether id is an acceptable session id.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

// GenerateID returns a fresh random session id for callers that let
// the server pick one.
func GenerateID() string {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand failure means the process is in no state to
		// hand out security-relevant tokens.
		panic("session: reading random bytes: " + err.Error())
	}
	return hex.EncodeToString(buf[:])
}

// GetOrCreate returns the live session for id, provisioning a fresh
// workspace when the id is unseen. Idempotent for live ids. Under
// concurrent calls with the same new id exactly one workspace is
// created; losers receive the winner's session. Every call counts as
// session activity.
func (r *Registry) GetOrCreate(ctx context.Context, id string) (*Session, error) {
	if !ValidID(id) {
		return nil, fault.New(fault.Validation, "invalid session id %q", id)
	}

	r.mu.Lock()
	existing, found := r.entries[id]
	if found {
		r.mu.Unlock()
		return r.await(ctx, existing)
	}

	created := &entry{ready: make(chan struct{})}
	r.entries[id] = created
	r.mu.Unlock()

	workspaceRoot, err := r.provisionWorkspace(id)
	if err != nil {
		r.mu.Lock()
		delete(r.entries, id)
		r.mu.Unlock()
		created.err = err
		close(created.ready)
		return nil, err
	}

	created.session = newSession(id, workspaceRoot, r.quota, r.clock.Now())
	close(created.ready)

	r.logger.Info("session created", "session", id, "workspace", workspaceRoot)
	r.saveSnapshot()
	return created.session, nil
}

// await blocks until an entry's provisioning settles, then touches
// and returns the session.
func (r *Registry) await(ctx context.Context, e *entry) (*Session, error) {
	select {
	case <-e.ready:
	case <-ctx.Done():
		return nil, fault.Wrap(fault.Internal, ctx.Err(), "waiting for session provisioning")
	}
	if e.err != nil {
		return nil, e.err
	}
	if e.session.Status() == StatusTerminated {
		return nil, fault.New(fault.SessionTerminated, "session %s is terminated", e.session.ID)
	}
	e.session.Touch(r.clock.Now())
	return e.session, nil
}

// provisionWorkspace creates the workspace directory for a new
// session. The directory name carries a random nonce so a recreated
// session id never reuses a tree that a previous incarnation's
// asynchronous cleanup may still be removing.
func (r *Registry) provisionWorkspace(id string) (string, error) {
	var nonce [4]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fault.Wrap(fault.Internal, err, "generating workspace nonce")
	}

	workspaceRoot := filepath.Join(r.workspaceDir, id+"."+hex.EncodeToString(nonce[:]))
	if err := os.Mkdir(workspaceRoot, 0o700); err != nil {
		return "", classifyProvisionError(err)
	}
	return workspaceRoot, nil
}

func classifyProvisionError(err error) error {
	if errors.Is(err, syscall.ENOSPC) || errors.Is(err, syscall.EDQUOT) {
		return fault.Wrap(fault.ResourceExhausted, err, "provisioning workspace")
	}
	return fault.Wrap(fault.IOFailure, err, "provisioning workspace")
}

// Terminate marks the session terminated, removes it from the
// registry so the id can be recreated, and schedules asynchronous
// workspace cleanup once in-flight operations drain.
func (r *Registry) Terminate(id string) error {
	r.mu.Lock()
	existing, found := r.entries[id]
	if found {
		// Leave provisioning entries alone until they settle.
		select {
		case <-existing.ready:
		default:
			found = false
		}
	}
	if !found || existing.session == nil {
		r.mu.Unlock()
		return fault.New(fault.SessionNotFound, "no live session %q", id)
	}
	delete(r.entries, id)
	r.mu.Unlock()

	if !existing.session.terminate() {
		return fault.New(fault.SessionNotFound, "session %q already terminated", id)
	}

	r.logger.Info("session terminated", "session", id)
	r.scheduleCleanup(existing.session)
	r.saveSnapshot()
	return nil
}

// scheduleCleanup removes (optionally archiving) a terminated
// session's workspace after its in-flight operations finish.
func (r *Registry) scheduleCleanup(s *Session) {
	r.cleanups.Add(1)
	go func() {
		defer r.cleanups.Done()
		s.drained.Wait()

		if r.archiveOnTerminate {
			archivePath, err := archiveWorkspace(s.WorkspaceRoot, r.archiveDir, s.ID, r.clock.Now())
			if err != nil {
				r.logger.Error("archiving workspace", "session", s.ID, "error", err)
			} else {
				r.logger.Info("workspace archived", "session", s.ID, "archive", archivePath)
			}
		}

		if err := os.RemoveAll(s.WorkspaceRoot); err != nil {
			r.logger.Error("removing workspace", "session", s.ID, "workspace", s.WorkspaceRoot, "error", err)
			return
		}
		r.logger.Info("workspace removed", "session", s.ID, "workspace", s.WorkspaceRoot)
	}()
}

// SweepIdle terminates sessions whose last activity exceeds maxIdle,
// skipping any session with in-flight work. Returns the number of
// sessions terminated.
func (r *Registry) SweepIdle(maxIdle time.Duration) int {
	now := r.clock.Now()

	r.mu.Lock()
	candidates := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		select {
		case <-e.ready:
			if e.session != nil {
				candidates = append(candidates, e)
			}
		default:
			// Still provisioning; by definition not idle.
		}
	}
	r.mu.Unlock()

	swept := 0
	for _, e := range candidates {
		s := e.session
		s.markIdleIfStale(now, maxIdle)
		if !s.terminateIfIdle(now, maxIdle) {
			continue
		}
		// Delete only the entry we terminated: the id may already
		// hold a fresh entry if the session was terminated and
		// recreated while the sweep ran, and that session must
		// survive.
		r.mu.Lock()
		if r.entries[s.ID] == e {
			delete(r.entries, s.ID)
		}
		r.mu.Unlock()

		r.logger.Info("idle session swept", "session", s.ID, "last_activity", s.LastActivity())
		r.scheduleCleanup(s)
		swept++
	}
	if swept > 0 {
		r.saveSnapshot()
	}
	return swept
}

// List returns a point-in-time view of all live sessions, sorted by
// id.
func (r *Registry) List() []Info {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.entries))
	for _, e := range r.entries {
		select {
		case <-e.ready:
			if e.session != nil {
				sessions = append(sessions, e.session)
			}
		default:
		}
	}
	r.mu.Unlock()

	infos := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// Close waits for outstanding workspace cleanups. It does not
// terminate live sessions: their workspaces and the snapshot are what
// the next daemon start restores.
func (r *Registry) Close() {
	r.cleanups.Wait()
}
