// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Package session owns sandbox session state: one isolated workspace
// directory plus quotas per session id, tracked by a registry that is
// the only component allowed to create or destroy sessions. The
// executor, file gateway, and installer operate exclusively through a
// *Session handed to them by the registry; none of them hold session
// state of their own.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/warden-project/warden/fault"
)

// Status is the lifecycle state of a session.
type Status string

const (
	// StatusActive means the session has recent activity.
	StatusActive Status = "active"

	// StatusIdle means the session is live but past half its idle
	// allowance. Purely informational; idle sessions accept
	// operations normally.
	StatusIdle Status = "idle"

	// StatusTerminated means the session refuses all operations and
	// its workspace is being (or has been) removed.
	StatusTerminated Status = "terminated"
)

// Quota is the per-session resource ceiling set. Values are fixed at
// session creation from the registry configuration.
type Quota struct {
	// MaxConcurrentCommands caps simultaneous executions.
	MaxConcurrentCommands int

	// MaxFileBytes caps a single file write.
	MaxFileBytes int64

	// MaxWorkspaceBytes caps the whole workspace tree.
	MaxWorkspaceBytes int64
}

// Session is one isolated sandbox. All mutable fields are guarded by
// mu; the immutable identity fields (ID, WorkspaceRoot, Created,
// Quota) are safe to read without it.
type Session struct {
	// ID is the opaque session token, unique process-wide.
	ID string

	// WorkspaceRoot is the absolute path of the session's private
	// workspace directory. Never shared between two live sessions:
	// the directory name carries a per-creation nonce, so even
	// recreating a terminated id yields a fresh tree.
	WorkspaceRoot string

	// Created is when the registry provisioned the session.
	Created time.Time

	// Quota is the session's resource ceiling set.
	Quota Quota

	mu           sync.Mutex
	lastActivity time.Time
	status       Status
	inflight     int

	// writeMu serializes gateway writes so a quota check and the
	// write it admits happen as one unit per session.
	writeMu sync.Mutex

	// slots is the execution concurrency semaphore, buffered to
	// Quota.MaxConcurrentCommands.
	slots chan struct{}

	// drained tracks in-flight operations for termination: the
	// cleanup goroutine waits on it before touching the workspace.
	drained sync.WaitGroup
}

func newSession(id, workspaceRoot string, quota Quota, now time.Time) *Session {
	return &Session{
		ID:            id,
		WorkspaceRoot: workspaceRoot,
		Created:       now,
		Quota:         quota,
		lastActivity:  now,
		status:        StatusActive,
		slots:         make(chan struct{}, quota.MaxConcurrentCommands),
	}
}

// Touch records activity and restores active status. Called by the
// registry on every operation routed to the session.
func (s *Session) Touch(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = now
	if s.status == StatusIdle {
		s.status = StatusActive
	}
}

// LastActivity returns the time of the most recent operation.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Status returns the current lifecycle state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Inflight returns the number of operations currently holding the
// session (executions, file transfers, installs).
func (s *Session) Inflight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight
}

// Acquire claims an execution slot, waiting up to queueWait for one
// to free. A zero queueWait rejects immediately when the cap is
// reached. Callers must Release exactly once per successful Acquire.
//
// Returns fault.SessionTerminated after termination and fault.Busy
// when no slot frees within the wait.
func (s *Session) Acquire(ctx context.Context, queueWait time.Duration) error {
	if err := s.begin(); err != nil {
		return err
	}

	select {
	case s.slots <- struct{}{}:
		return nil
	default:
	}

	if queueWait <= 0 {
		s.end()
		return fault.New(fault.Busy, "session %s at concurrency cap (%d)", s.ID, s.Quota.MaxConcurrentCommands)
	}

	timer := time.NewTimer(queueWait)
	defer timer.Stop()
	select {
	case s.slots <- struct{}{}:
		return nil
	case <-timer.C:
		s.end()
		return fault.New(fault.Busy, "session %s at concurrency cap after %v wait", s.ID, queueWait)
	case <-ctx.Done():
		s.end()
		return fault.Wrap(fault.Busy, ctx.Err(), "session %s: request cancelled while queued", s.ID)
	}
}

// Release returns an execution slot claimed by Acquire.
func (s *Session) Release() {
	<-s.slots
	s.end()
}

// Hold claims the session for a non-execution operation (file
// read/write). Holds do not consume execution slots but still count
// as in-flight work, so the sweeper and the termination cleanup wait
// for them.
func (s *Session) Hold() error {
	return s.begin()
}

// Unhold releases a Hold.
func (s *Session) Unhold() {
	s.end()
}

// LockWrites claims the session's write lock. The gateway holds it
// across the workspace quota check and the write it admits, so two
// concurrent writes cannot both pass the check and overshoot the
// quota.
func (s *Session) LockWrites() {
	s.writeMu.Lock()
}

// UnlockWrites releases the write lock.
func (s *Session) UnlockWrites() {
	s.writeMu.Unlock()
}

func (s *Session) begin() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusTerminated {
		return fault.New(fault.SessionTerminated, "session %s is terminated", s.ID)
	}
	s.inflight++
	s.drained.Add(1)
	return nil
}

func (s *Session) end() {
	s.mu.Lock()
	s.inflight--
	s.mu.Unlock()
	s.drained.Done()
}

// terminate flips the session to terminated. Returns false if it
// already was. After this returns true, begin() refuses new work and
// the caller owns cleanup.
func (s *Session) terminate() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusTerminated {
		return false
	}
	s.status = StatusTerminated
	return true
}

// markIdleIfStale downgrades active→idle when lastActivity is older
// than half the idle allowance. Caller is the sweeper.
func (s *Session) markIdleIfStale(now time.Time, idleTimeout time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusActive && now.Sub(s.lastActivity) > idleTimeout/2 {
		s.status = StatusIdle
	}
}

// terminateIfIdle atomically checks sweep eligibility and flips the
// session to terminated. The check and the flip share one critical
// section so an operation can never slip in between: either begin()
// wins and the session has in-flight work, or the sweep wins and
// begin() sees terminated.
func (s *Session) terminateIfIdle(now time.Time, maxIdle time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusTerminated || s.inflight > 0 {
		return false
	}
	if now.Sub(s.lastActivity) <= maxIdle {
		return false
	}
	s.status = StatusTerminated
	return true
}

// Info is a point-in-time view of a session for the status API.
type Info struct {
	ID           string    `json:"id"`
	Status       Status    `json:"status"`
	Created      time.Time `json:"created"`
	LastActivity time.Time `json:"last_activity"`
	Inflight     int       `json:"inflight"`
}

// Info captures the session's current state.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		ID:           s.ID,
		Status:       s.status,
		Created:      s.Created,
		LastActivity: s.lastActivity,
		Inflight:     s.inflight,
	}
}

func (s *Session) String() string {
	return fmt.Sprintf("session(%s)", s.ID)
}
