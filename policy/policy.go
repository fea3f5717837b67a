// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Package policy defines the security policy for a Warden deployment:
// which executables may run, whether shell-interpreted commands are
// permitted, which packages may be installed, and which environment
// variables sandboxed processes receive.
//
// Policies are deny-by-default: anything not matched by an allow-list
// is refused. The policy file is human-edited JSONC (// comments and
// trailing commas permitted) so operators can annotate why each entry
// is allowed.
package policy

import (
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"

	"github.com/tidwall/jsonc"
)

// Policy is the loaded, immutable security policy. Construct with
// Default, Parse, or ReadFile; never mutate after the controller
// starts serving.
type Policy struct {
	// AllowedExecutables lists command basenames permitted for
	// execution. The match is on filepath.Base of argv[0], so
	// "/usr/bin/python3" and "python3" are the same entry.
	AllowedExecutables []string `json:"allowed_executables"`

	// AllowShell permits shell-interpreted command strings
	// ("sh -c ..."). Off by default: a shell request converts the
	// executable allow-list into a suggestion, since the shell can
	// reach anything on PATH. Enable only for trusted single-tenant
	// deployments.
	AllowShell bool `json:"allow_shell"`

	// AllowedPackages lists package names or glob patterns (path.Match
	// syntax) permitted for installation. Empty means no package may
	// be installed.
	AllowedPackages []string `json:"allowed_packages"`

	// Env is the fixed environment given to every sandboxed process.
	// Nothing from the daemon's own environment leaks through; PATH
	// and HOME are always set (HOME to the session workspace).
	Env map[string]string `json:"env"`
}

// packageNamePattern is the shape of a valid package name, checked
// before any allow-list comparison. This is deliberately stricter
// than what package managers accept: a name that could be parsed as
// a pip option or a URL must never reach the install command line.
var packageNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// versionPattern is the shape of a valid version constraint
// (e.g. "1.26.4", "2.0.*"). Same injection concern as package names.
var versionPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9.*+!-]*$`)

// Default returns the baseline policy: the command set the original
// deployment shipped with, no shell, no installable packages, and a
// minimal fixed environment.
func Default() *Policy {
	return &Policy{
		AllowedExecutables: []string{
			"ls", "cat", "echo", "head", "tail", "wc", "grep", "sed",
			"mkdir", "touch", "rm", "cp", "mv", "pwd", "env", "date",
			"sleep", "python", "python3", "pip", "pip3",
		},
		AllowShell:      false,
		AllowedPackages: nil,
		Env: map[string]string{
			"PATH": "/usr/local/bin:/usr/bin:/bin",
			"LANG": "C.UTF-8",
		},
	}
}

// Parse strips JSONC comments and trailing commas from data, then
// unmarshals the result. Fields absent from the file keep the
// Default() values; fields present replace them wholesale (lists are
// not merged; an explicit allow-list is the complete allow-list).
func Parse(data []byte) (*Policy, error) {
	stripped := jsonc.ToJSON(data)

	// Detect which fields the file sets, so absent lists keep their
	// defaults while present-but-empty lists mean "deny everything".
	var present map[string]json.RawMessage
	if err := json.Unmarshal(stripped, &present); err != nil {
		return nil, fmt.Errorf("parsing policy: %w", err)
	}

	loaded := Default()
	if err := json.Unmarshal(stripped, loaded); err != nil {
		return nil, fmt.Errorf("parsing policy: %w", err)
	}
	if _, ok := present["allowed_executables"]; !ok {
		loaded.AllowedExecutables = Default().AllowedExecutables
	}
	if _, ok := present["env"]; !ok {
		loaded.Env = Default().Env
	}

	if err := loaded.validate(); err != nil {
		return nil, err
	}
	return loaded, nil
}

// ReadFile loads a JSONC policy file from disk.
func ReadFile(filePath string) (*Policy, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("reading policy file: %w", err)
	}
	loaded, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filePath, err)
	}
	return loaded, nil
}

// validate rejects policies with entries that can never match.
func (p *Policy) validate() error {
	for _, name := range p.AllowedExecutables {
		if name == "" {
			return fmt.Errorf("policy: empty executable entry")
		}
		if filepath.Base(name) != name {
			return fmt.Errorf("policy: executable entry %q must be a basename", name)
		}
	}
	for _, pattern := range p.AllowedPackages {
		if _, err := path.Match(pattern, "probe"); err != nil {
			return fmt.Errorf("policy: bad package pattern %q: %w", pattern, err)
		}
	}
	if p.Env["PATH"] == "" {
		return fmt.Errorf("policy: env must set PATH")
	}
	return nil
}

// AllowsExecutable reports whether the executable named by argv[0]
// passes the allow-list. Matching is on the basename, so policies
// cannot be bypassed with an absolute path to the same binary.
// Equally, they do not pin binaries to specific directories.
func (p *Policy) AllowsExecutable(argv0 string) bool {
	base := filepath.Base(argv0)
	for _, allowed := range p.AllowedExecutables {
		if base == allowed {
			return true
		}
	}
	return false
}

// AllowsPackage reports whether a package name passes the allow-list.
// Names that fail the syntactic shape check are refused regardless of
// the list contents.
func (p *Policy) AllowsPackage(name string) bool {
	if !packageNamePattern.MatchString(name) {
		return false
	}
	for _, pattern := range p.AllowedPackages {
		if matched, _ := path.Match(pattern, name); matched {
			return true
		}
	}
	return false
}

// ValidVersion reports whether a version constraint is syntactically
// safe to place on an install command line. The empty constraint is
// valid and means "latest".
func ValidVersion(constraint string) bool {
	if constraint == "" {
		return true
	}
	return versionPattern.MatchString(constraint)
}
