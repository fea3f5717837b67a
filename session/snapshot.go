// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/warden-project/warden/lib/codec"
)

// snapshotVersion guards against decoding a snapshot written by an
// incompatible future format. Bump when the entry layout changes in a
// way Unmarshal's ignore-unknown-fields cannot absorb.
const snapshotVersion = 1

// snapshotFileName inside the state directory.
const snapshotFileName = "sessions.cbor"

// snapshotFile is the durable registry state. Only metadata is
// persisted: workspace contents are already on disk, and execution
// records are never persisted at all.
type snapshotFile struct {
	Version  int             `cbor:"version"`
	Sessions []snapshotEntry `cbor:"sessions"`
}

type snapshotEntry struct {
	ID            string    `cbor:"id"`
	WorkspaceRoot string    `cbor:"workspace_root"`
	Created       time.Time `cbor:"created"`
	LastActivity  time.Time `cbor:"last_activity"`
}

// snapshotWriter serializes snapshot saves. Writes go through a temp
// file and rename so a crash mid-write can never corrupt the
// snapshot.
type snapshotWriter struct {
	path string
	mu   sync.Mutex
}

func newSnapshotWriter(stateDir string) (*snapshotWriter, error) {
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating state dir: %w", err)
	}
	return &snapshotWriter{path: filepath.Join(stateDir, snapshotFileName)}, nil
}

func (w *snapshotWriter) write(file snapshotFile) error {
	data, err := codec.Marshal(file)
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	tempPath := w.path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0o600); err != nil {
		return fmt.Errorf("writing snapshot: %w", err)
	}
	if err := os.Rename(tempPath, w.path); err != nil {
		return fmt.Errorf("replacing snapshot: %w", err)
	}
	return nil
}

func (w *snapshotWriter) read() (snapshotFile, error) {
	var file snapshotFile

	data, err := os.ReadFile(w.path)
	if os.IsNotExist(err) {
		return snapshotFile{Version: snapshotVersion}, nil
	}
	if err != nil {
		return file, fmt.Errorf("reading snapshot: %w", err)
	}
	if err := codec.Unmarshal(data, &file); err != nil {
		return file, fmt.Errorf("decoding snapshot: %w", err)
	}
	if file.Version != snapshotVersion {
		return file, fmt.Errorf("snapshot version %d not supported", file.Version)
	}
	return file, nil
}

// saveSnapshot persists current registry state. Failures are logged,
// not returned: a snapshot problem must never fail the operation that
// triggered it.
func (r *Registry) saveSnapshot() {
	if r.snapshot == nil {
		return
	}

	r.mu.Lock()
	file := snapshotFile{Version: snapshotVersion}
	for _, e := range r.entries {
		select {
		case <-e.ready:
		default:
			continue
		}
		if e.session == nil || e.session.Status() == StatusTerminated {
			continue
		}
		file.Sessions = append(file.Sessions, snapshotEntry{
			ID:            e.session.ID,
			WorkspaceRoot: e.session.WorkspaceRoot,
			Created:       e.session.Created,
			LastActivity:  e.session.LastActivity(),
		})
	}
	r.mu.Unlock()

	if err := r.snapshot.write(file); err != nil {
		r.logger.Error("saving session snapshot", "path", r.snapshot.path, "error", err)
	}
}

// restore loads the snapshot and re-registers sessions whose
// workspace directory still exists. Entries with a vanished
// workspace are dropped; there is nothing left to protect.
func (r *Registry) restore() {
	file, err := r.snapshot.read()
	if err != nil {
		r.logger.Error("restoring session snapshot", "path", r.snapshot.path, "error", err)
		return
	}

	restored := 0
	for _, saved := range file.Sessions {
		info, err := os.Stat(saved.WorkspaceRoot)
		if err != nil || !info.IsDir() {
			r.logger.Warn("dropping snapshot session with missing workspace",
				"session", saved.ID, "workspace", saved.WorkspaceRoot)
			continue
		}

		s := newSession(saved.ID, saved.WorkspaceRoot, r.quota, saved.Created)
		s.lastActivity = saved.LastActivity

		r.entries[saved.ID] = &entry{ready: closedChannel(), session: s}
		restored++
	}
	if restored > 0 {
		r.logger.Info("sessions restored from snapshot", "count", restored)
	}
}

func closedChannel() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
