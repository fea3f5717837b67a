// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"path"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/warden-project/warden/fault"
)

// splitPath validates a caller-supplied workspace path and splits it
// into components. Absolute paths and `..` segments are refused
// lexically before any filesystem call; everything else is enforced
// during the openat walk.
func splitPath(relPath string) ([]string, error) {
	if relPath == "" {
		return nil, fault.New(fault.Validation, "empty path")
	}
	if strings.ContainsRune(relPath, 0) {
		return nil, fault.New(fault.Validation, "path contains NUL")
	}
	if filepath.IsAbs(relPath) {
		return nil, fault.New(fault.PathViolation, "absolute path %q", relPath)
	}

	clean := path.Clean(filepath.ToSlash(relPath))
	if clean == "." {
		return nil, fault.New(fault.Validation, "path names the workspace root")
	}
	parts := strings.Split(clean, "/")
	for _, part := range parts {
		if part == ".." {
			return nil, fault.New(fault.PathViolation, "path %q escapes the workspace", relPath)
		}
	}
	return parts, nil
}

// openParent walks from the workspace root to the directory holding
// the final path component, returning an open directory descriptor
// plus the final component name. Every step uses openat with
// O_NOFOLLOW and O_DIRECTORY, so a symlink swapped into the path
// between check and use is caught by the kernel, not by a stat that
// raced it. Symlinks are never followed, inside or outside the root.
//
// With create set, missing intermediate directories are created.
// The caller must close the returned descriptor.
func openParent(workspaceRoot string, parts []string, create bool) (int, string, error) {
	dirFD, err := unix.Open(workspaceRoot, unix.O_RDONLY|unix.O_DIRECTORY|unix.O_NOFOLLOW|unix.O_CLOEXEC, 0)
	if err != nil {
		return -1, "", fault.Wrap(fault.IOFailure, err, "opening workspace root")
	}

	for _, component := range parts[:len(parts)-1] {
		nextFD, err := unix.Openat(dirFD, component,
			unix.O_RDONLY|unix.O_DIRECTORY|unix.O_NOFOLLOW|unix.O_CLOEXEC, 0)
		if err == unix.ENOENT && create {
			if err := unix.Mkdirat(dirFD, component, 0o755); err != nil && err != unix.EEXIST {
				unix.Close(dirFD)
				return -1, "", classifyPathError(err, component)
			}
			nextFD, err = unix.Openat(dirFD, component,
				unix.O_RDONLY|unix.O_DIRECTORY|unix.O_NOFOLLOW|unix.O_CLOEXEC, 0)
		}
		unix.Close(dirFD)
		if err != nil {
			return -1, "", classifyPathError(err, component)
		}
		dirFD = nextFD
	}

	return dirFD, parts[len(parts)-1], nil
}

// classifyPathError maps an errno from the openat walk to a fault.
// ELOOP means O_NOFOLLOW hit a symlink; ENOTDIR means a file where a
// directory was expected. Both are path-shape violations rather than
// I/O problems.
func classifyPathError(err error, component string) error {
	switch err {
	case unix.ELOOP:
		return fault.New(fault.PathViolation, "symlink at path component %q", component)
	case unix.ENOTDIR:
		return fault.New(fault.PathViolation, "non-directory at path component %q", component)
	case unix.ENOENT:
		return fault.New(fault.NotFound, "path component %q does not exist", component)
	case unix.ENOSPC, unix.EDQUOT:
		return fault.Wrap(fault.ResourceExhausted, err, "at path component %q", component)
	default:
		return fault.Wrap(fault.IOFailure, err, "at path component %q", component)
	}
}
