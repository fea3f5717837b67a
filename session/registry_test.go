// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/warden-project/warden/fault"
	"github.com/warden-project/warden/lib/clock"
	"github.com/warden-project/warden/lib/testutil"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testQuota() Quota {
	return Quota{
		MaxConcurrentCommands: 2,
		MaxFileBytes:          1 << 20,
		MaxWorkspaceBytes:     4 << 20,
	}
}

func newTestRegistry(t *testing.T, clk clock.Clock) *Registry {
	t.Helper()
	registry, err := NewRegistry(Config{
		WorkspaceDir: t.TempDir(),
		Quota:        testQuota(),
		Clock:        clk,
		Logger:       testLogger(),
	})
	if err != nil {
		t.Fatalf("NewRegistry() error: %v", err)
	}
	t.Cleanup(registry.Close)
	return registry
}

func TestGetOrCreateIdempotent(t *testing.T) {
	registry := newTestRegistry(t, clock.Real())
	ctx := context.Background()

	first, err := registry.GetOrCreate(ctx, "alpha")
	if err != nil {
		t.Fatalf("GetOrCreate() error: %v", err)
	}
	second, err := registry.GetOrCreate(ctx, "alpha")
	if err != nil {
		t.Fatalf("GetOrCreate() second call error: %v", err)
	}
	if first != second {
		t.Error("GetOrCreate() returned distinct sessions for the same live id")
	}

	info, err := os.Stat(first.WorkspaceRoot)
	if err != nil || !info.IsDir() {
		t.Errorf("workspace %s not a directory: %v", first.WorkspaceRoot, err)
	}
}

func TestGetOrCreateInvalidID(t *testing.T) {
	registry := newTestRegistry(t, clock.Real())

	for _, id := range []string{"", "../escape", "a/b", "-leading", "x y", ".hidden"} {
		_, err := registry.GetOrCreate(context.Background(), id)
		if !fault.Is(err, fault.Validation) {
			t.Errorf("GetOrCreate(%q) = %v, want validation fault", id, err)
		}
	}
}

func TestGetOrCreateConcurrentSingleWinner(t *testing.T) {
	registry := newTestRegistry(t, clock.Real())

	const callers = 16
	var wg sync.WaitGroup
	results := make(chan *Session, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := registry.GetOrCreate(context.Background(), "contested")
			if err != nil {
				t.Errorf("GetOrCreate() error: %v", err)
				return
			}
			results <- s
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[*Session]bool)
	roots := make(map[string]bool)
	for s := range results {
		seen[s] = true
		roots[s.WorkspaceRoot] = true
	}
	if len(seen) != 1 {
		t.Errorf("concurrent GetOrCreate produced %d sessions, want 1", len(seen))
	}
	if len(roots) != 1 {
		t.Errorf("concurrent GetOrCreate produced %d workspaces, want 1", len(roots))
	}
}

func TestWorkspaceIsolation(t *testing.T) {
	registry := newTestRegistry(t, clock.Real())
	ctx := context.Background()

	first, err := registry.GetOrCreate(ctx, "tenant-1")
	if err != nil {
		t.Fatalf("GetOrCreate() error: %v", err)
	}
	second, err := registry.GetOrCreate(ctx, "tenant-2")
	if err != nil {
		t.Fatalf("GetOrCreate() error: %v", err)
	}
	if first.WorkspaceRoot == second.WorkspaceRoot {
		t.Fatalf("two live sessions share workspace %s", first.WorkspaceRoot)
	}
}

func TestTerminate(t *testing.T) {
	registry := newTestRegistry(t, clock.Real())
	ctx := context.Background()

	s, err := registry.GetOrCreate(ctx, "doomed")
	if err != nil {
		t.Fatalf("GetOrCreate() error: %v", err)
	}
	workspace := s.WorkspaceRoot

	if err := registry.Terminate("doomed"); err != nil {
		t.Fatalf("Terminate() error: %v", err)
	}

	// Refuses new operations immediately.
	if err := s.Hold(); !fault.Is(err, fault.SessionTerminated) {
		t.Errorf("Hold() after terminate = %v, want session_terminated", err)
	}

	// Workspace removal is asynchronous; Close waits for it.
	registry.Close()
	if _, err := os.Stat(workspace); !os.IsNotExist(err) {
		t.Errorf("workspace %s still exists after cleanup", workspace)
	}
}

func TestTerminateUnknown(t *testing.T) {
	registry := newTestRegistry(t, clock.Real())
	if err := registry.Terminate("ghost"); !fault.Is(err, fault.SessionNotFound) {
		t.Errorf("Terminate(ghost) = %v, want session_not_found", err)
	}
}

func TestTerminatedIDCanBeRecreated(t *testing.T) {
	registry := newTestRegistry(t, clock.Real())
	ctx := context.Background()

	first, err := registry.GetOrCreate(ctx, "phoenix")
	if err != nil {
		t.Fatalf("GetOrCreate() error: %v", err)
	}
	if err := registry.Terminate("phoenix"); err != nil {
		t.Fatalf("Terminate() error: %v", err)
	}

	second, err := registry.GetOrCreate(ctx, "phoenix")
	if err != nil {
		t.Fatalf("GetOrCreate() after terminate error: %v", err)
	}
	if second == first {
		t.Error("recreated session is the terminated object")
	}
	if second.WorkspaceRoot == first.WorkspaceRoot {
		t.Error("recreated session reuses the old workspace path")
	}
}

func TestTerminateWaitsForInflight(t *testing.T) {
	registry := newTestRegistry(t, clock.Real())
	ctx := context.Background()

	s, err := registry.GetOrCreate(ctx, "busy")
	if err != nil {
		t.Fatalf("GetOrCreate() error: %v", err)
	}
	if err := s.Hold(); err != nil {
		t.Fatalf("Hold() error: %v", err)
	}

	if err := registry.Terminate("busy"); err != nil {
		t.Fatalf("Terminate() error: %v", err)
	}

	// With an operation in flight the workspace must survive until
	// the hold is released.
	time.Sleep(50 * time.Millisecond)
	if _, err := os.Stat(s.WorkspaceRoot); err != nil {
		t.Fatalf("workspace removed while operation in flight: %v", err)
	}

	s.Unhold()
	registry.Close()
	if _, err := os.Stat(s.WorkspaceRoot); !os.IsNotExist(err) {
		t.Errorf("workspace %s still exists after drain and cleanup", s.WorkspaceRoot)
	}
}

func TestAcquireConcurrencyCap(t *testing.T) {
	registry := newTestRegistry(t, clock.Real())
	ctx := context.Background()

	s, err := registry.GetOrCreate(ctx, "capped")
	if err != nil {
		t.Fatalf("GetOrCreate() error: %v", err)
	}

	// Quota allows 2 concurrent commands.
	if err := s.Acquire(ctx, 0); err != nil {
		t.Fatalf("Acquire() #1 error: %v", err)
	}
	if err := s.Acquire(ctx, 0); err != nil {
		t.Fatalf("Acquire() #2 error: %v", err)
	}
	if err := s.Acquire(ctx, 0); !fault.Is(err, fault.Busy) {
		t.Errorf("Acquire() #3 = %v, want busy", err)
	}

	s.Release()
	if err := s.Acquire(ctx, 0); err != nil {
		t.Errorf("Acquire() after Release error: %v", err)
	}
	s.Release()
	s.Release()
}

func TestAcquireQueueWait(t *testing.T) {
	registry := newTestRegistry(t, clock.Real())
	ctx := context.Background()

	s, err := registry.GetOrCreate(ctx, "queued")
	if err != nil {
		t.Fatalf("GetOrCreate() error: %v", err)
	}
	if err := s.Acquire(ctx, 0); err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}
	if err := s.Acquire(ctx, 0); err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}

	// A queued acquire gets the slot freed by the concurrent release.
	done := make(chan error, 1)
	go func() { done <- s.Acquire(ctx, 2*time.Second) }()
	time.Sleep(20 * time.Millisecond)
	s.Release()

	if err := testutil.RequireReceive(t, done, 3*time.Second, "queued Acquire"); err != nil {
		t.Errorf("queued Acquire() = %v, want nil", err)
	}
	s.Release()
	s.Release()
}

func TestValidID(t *testing.T) {
	valid := []string{"default", "a", "user-42", "A.b_c-d", "0sess"}
	invalid := []string{"", ".", "..", "-x", "_x", "a/b", "a b", "ü", string(make([]byte, 80))}

	for _, id := range valid {
		if !ValidID(id) {
			t.Errorf("ValidID(%q) = false, want true", id)
		}
	}
	for _, id := range invalid {
		if ValidID(id) {
			t.Errorf("ValidID(%q) = true, want false", id)
		}
	}
}

func TestGenerateID(t *testing.T) {
	first := GenerateID()
	second := GenerateID()
	if first == second {
		t.Error("GenerateID() produced a duplicate")
	}
	if !ValidID(first) {
		t.Errorf("GenerateID() = %q, not a valid session id", first)
	}
}

func TestList(t *testing.T) {
	registry := newTestRegistry(t, clock.Real())
	ctx := context.Background()

	for _, id := range []string{"c3", "a1", "b2"} {
		if _, err := registry.GetOrCreate(ctx, id); err != nil {
			t.Fatalf("GetOrCreate(%s) error: %v", id, err)
		}
	}

	infos := registry.List()
	if len(infos) != 3 {
		t.Fatalf("List() returned %d sessions, want 3", len(infos))
	}
	for i, want := range []string{"a1", "b2", "c3"} {
		if infos[i].ID != want {
			t.Errorf("List()[%d].ID = %q, want %q", i, infos[i].ID, want)
		}
		if infos[i].Status != StatusActive {
			t.Errorf("List()[%d].Status = %q, want active", i, infos[i].Status)
		}
	}
}
