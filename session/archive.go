// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"archive/tar"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"
)

// archiveWorkspace packs a terminated session's workspace into a
// tar+zstd file under archiveDir and returns the archive path. Tar
// member names are relative to the workspace root. Only regular
// files, directories, and symlinks are archived; sockets, devices,
// and FIFOs left behind by sandboxed processes are skipped.
func archiveWorkspace(workspaceRoot, archiveDir, id string, now time.Time) (string, error) {
	archivePath := filepath.Join(archiveDir,
		fmt.Sprintf("%s-%s.tar.zst", id, now.UTC().Format("20060102T150405Z")))

	out, err := os.OpenFile(archivePath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return "", fmt.Errorf("creating archive: %w", err)
	}

	// Level 3 balances ratio and speed for the mixed text/binary
	// content a workspace holds.
	compressor, err := zstd.NewWriter(out, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		out.Close()
		os.Remove(archivePath)
		return "", fmt.Errorf("creating compressor: %w", err)
	}
	tarWriter := tar.NewWriter(compressor)

	walkErr := filepath.WalkDir(workspaceRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == workspaceRoot {
			return nil
		}
		relative, err := filepath.Rel(workspaceRoot, path)
		if err != nil {
			return err
		}
		return writeTarEntry(tarWriter, path, relative, d)
	})

	closeErr := tarWriter.Close()
	if closeErr == nil {
		closeErr = compressor.Close()
	} else {
		compressor.Close()
	}
	if err := out.Close(); closeErr == nil {
		closeErr = err
	}

	if walkErr != nil || closeErr != nil {
		os.Remove(archivePath)
		if walkErr != nil {
			return "", fmt.Errorf("archiving workspace: %w", walkErr)
		}
		return "", fmt.Errorf("finalizing archive: %w", closeErr)
	}
	return archivePath, nil
}

func writeTarEntry(tarWriter *tar.Writer, path, relative string, d fs.DirEntry) error {
	info, err := d.Info()
	if err != nil {
		return err
	}

	switch {
	case info.Mode().IsDir():
		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		header.Name = relative + "/"
		return tarWriter.WriteHeader(header)

	case info.Mode().IsRegular():
		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		header.Name = relative
		if err := tarWriter.WriteHeader(header); err != nil {
			return err
		}
		file, err := os.Open(path)
		if err != nil {
			return err
		}
		_, err = io.Copy(tarWriter, file)
		file.Close()
		return err

	case info.Mode()&fs.ModeSymlink != 0:
		target, err := os.Readlink(path)
		if err != nil {
			return err
		}
		header, err := tar.FileInfoHeader(info, target)
		if err != nil {
			return err
		}
		header.Name = relative
		return tarWriter.WriteHeader(header)

	default:
		// Sockets, devices, FIFOs: nothing worth preserving.
		return nil
	}
}
