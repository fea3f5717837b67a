// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Package gateway performs file reads and writes confined to a
// session's workspace. Paths are validated lexically, then every
// directory step is taken with a no-follow openat, so neither `..`
// tricks nor symlink swaps can reach outside the workspace root.
// Writes are quota-checked and land via temp-file-plus-rename, so a
// failed write never leaves a partial file behind.
package gateway

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/warden-project/warden/fault"
	"github.com/warden-project/warden/lib/contenthash"
	"github.com/warden-project/warden/session"
)

// Gateway is the file access component. Stateless apart from its
// logger; safe for concurrent use.
type Gateway struct {
	logger *slog.Logger
}

// New creates a Gateway.
func New(logger *slog.Logger) *Gateway {
	if logger == nil {
		panic("gateway: logger is required")
	}
	return &Gateway{logger: logger}
}

// WriteInfo reports a completed write.
type WriteInfo struct {
	// BytesWritten is the content length stored.
	BytesWritten int64

	// Digest is the BLAKE3 content digest of the stored bytes, for
	// caller-side integrity verification.
	Digest contenthash.Digest
}

// Write stores content at relPath inside the session workspace,
// creating intermediate directories as needed. Fails with
// PathViolation on escape attempts, QuotaExceeded when the per-file
// cap or workspace quota would be breached, and never succeeds
// partially.
func (g *Gateway) Write(s *session.Session, relPath string, content []byte) (WriteInfo, error) {
	if err := s.Hold(); err != nil {
		return WriteInfo{}, err
	}
	defer s.Unhold()

	// One writer at a time per session: the quota check below is
	// only meaningful if no other write lands between the check and
	// the rename.
	s.LockWrites()
	defer s.UnlockWrites()

	parts, err := splitPath(relPath)
	if err != nil {
		g.logViolation(s, relPath, err)
		return WriteInfo{}, err
	}

	if int64(len(content)) > s.Quota.MaxFileBytes {
		return WriteInfo{}, fault.New(fault.QuotaExceeded,
			"content is %d bytes, per-file limit is %d", len(content), s.Quota.MaxFileBytes)
	}

	parentFD, finalName, err := openParent(s.WorkspaceRoot, parts, true)
	if err != nil {
		g.logViolation(s, relPath, err)
		return WriteInfo{}, err
	}
	defer unix.Close(parentFD)

	if err := g.checkWorkspaceQuota(s, parentFD, finalName, int64(len(content))); err != nil {
		return WriteInfo{}, err
	}

	if err := writeThroughTemp(parentFD, finalName, content); err != nil {
		return WriteInfo{}, err
	}

	g.logger.Info("file written",
		"session", s.ID, "path", relPath, "bytes", len(content))
	return WriteInfo{
		BytesWritten: int64(len(content)),
		Digest:       contenthash.File(content),
	}, nil
}

// Read returns the content of relPath inside the session workspace.
// Fails with NotFound for missing paths and PathViolation for
// escapes, identically shaped to Write's checks.
func (g *Gateway) Read(s *session.Session, relPath string) ([]byte, error) {
	if err := s.Hold(); err != nil {
		return nil, err
	}
	defer s.Unhold()

	parts, err := splitPath(relPath)
	if err != nil {
		g.logViolation(s, relPath, err)
		return nil, err
	}

	parentFD, finalName, err := openParent(s.WorkspaceRoot, parts, false)
	if err != nil {
		g.logViolation(s, relPath, err)
		return nil, err
	}
	defer unix.Close(parentFD)

	fd, err := unix.Openat(parentFD, finalName, unix.O_RDONLY|unix.O_NOFOLLOW|unix.O_CLOEXEC, 0)
	if err != nil {
		classified := classifyFinalOpenError(err, relPath)
		g.logViolation(s, relPath, classified)
		return nil, classified
	}
	file := os.NewFile(uintptr(fd), relPath)
	defer file.Close()

	// Directories open fine with O_RDONLY; reject them here rather
	// than surfacing EISDIR from the read.
	info, err := file.Stat()
	if err != nil {
		return nil, fault.Wrap(fault.IOFailure, err, "stat %q", relPath)
	}
	if info.IsDir() {
		return nil, fault.New(fault.Validation, "%q is a directory", relPath)
	}

	// Bound the read at the per-file cap plus one byte: a command
	// may have produced a larger file than the gateway would accept,
	// and shipping it through the API would bypass the cap.
	content, err := io.ReadAll(io.LimitReader(file, s.Quota.MaxFileBytes+1))
	if err != nil {
		return nil, fault.Wrap(fault.IOFailure, err, "reading %q", relPath)
	}
	if int64(len(content)) > s.Quota.MaxFileBytes {
		return nil, fault.New(fault.QuotaExceeded,
			"file %q exceeds the per-file limit of %d bytes", relPath, s.Quota.MaxFileBytes)
	}
	return content, nil
}

// Usage returns the total bytes stored in the session workspace.
func (g *Gateway) Usage(s *session.Session) (int64, error) {
	if err := s.Hold(); err != nil {
		return 0, err
	}
	defer s.Unhold()
	return workspaceUsage(s.WorkspaceRoot)
}

func classifyFinalOpenError(err error, relPath string) error {
	switch err {
	case unix.ENOENT:
		return fault.New(fault.NotFound, "no such file %q", relPath)
	case unix.ELOOP:
		return fault.New(fault.PathViolation, "%q is a symlink", relPath)
	case unix.EISDIR:
		return fault.New(fault.Validation, "%q is a directory", relPath)
	default:
		return fault.Wrap(fault.IOFailure, err, "opening %q", relPath)
	}
}

// checkWorkspaceQuota verifies that storing newSize bytes at the
// target (replacing whatever is there) keeps the workspace within
// quota.
func (g *Gateway) checkWorkspaceQuota(s *session.Session, parentFD int, finalName string, newSize int64) error {
	usage, err := workspaceUsage(s.WorkspaceRoot)
	if err != nil {
		return err
	}

	var existing int64
	var stat unix.Stat_t
	if err := unix.Fstatat(parentFD, finalName, &stat, unix.AT_SYMLINK_NOFOLLOW); err == nil {
		if stat.Mode&unix.S_IFMT == unix.S_IFREG {
			existing = stat.Size
		}
	}

	if usage-existing+newSize > s.Quota.MaxWorkspaceBytes {
		return fault.New(fault.QuotaExceeded,
			"write of %d bytes would exceed workspace quota of %d (current usage %d)",
			newSize, s.Quota.MaxWorkspaceBytes, usage)
	}
	return nil
}

// writeSeq disambiguates temp-file names between concurrent writes
// in the same directory.
var writeSeq atomic.Uint64

// writeThroughTemp writes content to a temp file in the target
// directory and renames it into place, so readers never observe a
// half-written file and a failure leaves the previous content
// intact. The temp name is unique per call: a shared name would let
// one writer rename another writer's in-progress file.
func writeThroughTemp(parentFD int, finalName string, content []byte) error {
	tempName := fmt.Sprintf(".warden-write-%d-%d.tmp", os.Getpid(), writeSeq.Add(1))

	fd, err := unix.Openat(parentFD, tempName,
		unix.O_WRONLY|unix.O_CREAT|unix.O_TRUNC|unix.O_NOFOLLOW|unix.O_CLOEXEC, 0o644)
	if err != nil {
		return classifyWriteError(err)
	}
	temp := os.NewFile(uintptr(fd), tempName)

	if _, err := temp.Write(content); err != nil {
		temp.Close()
		unix.Unlinkat(parentFD, tempName, 0)
		return classifyWriteError(err)
	}
	if err := temp.Close(); err != nil {
		unix.Unlinkat(parentFD, tempName, 0)
		return classifyWriteError(err)
	}

	if err := unix.Renameat(parentFD, tempName, parentFD, finalName); err != nil {
		unix.Unlinkat(parentFD, tempName, 0)
		return classifyWriteError(err)
	}
	return nil
}

func classifyWriteError(err error) error {
	switch {
	case err == unix.ENOSPC || err == unix.EDQUOT:
		return fault.Wrap(fault.ResourceExhausted, err, "writing file")
	default:
		return fault.Wrap(fault.IOFailure, err, "writing file")
	}
}

// workspaceUsage sums regular-file sizes under root.
func workspaceUsage(root string) (int64, error) {
	var total int64
	err := walkSizes(root, &total)
	if err != nil {
		return 0, fault.Wrap(fault.IOFailure, err, "measuring workspace usage")
	}
	return total, nil
}

func walkSizes(dir string, total *int64) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			if err := walkSizes(dir+"/"+entry.Name(), total); err != nil {
				return err
			}
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue // deleted mid-walk
		}
		if info.Mode().IsRegular() {
			*total += info.Size()
		}
	}
	return nil
}

// logViolation records path violations for intrusion monitoring.
// Other fault kinds pass through without the security log line.
func (g *Gateway) logViolation(s *session.Session, relPath string, err error) {
	if fault.Is(err, fault.PathViolation) {
		g.logger.Warn("path violation (potential intrusion attempt)",
			"session", s.ID, "path", relPath, "error", err)
	}
}
