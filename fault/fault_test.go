// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package fault

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"testing"
)

func TestKindOf(t *testing.T) {
	t.Run("direct", func(t *testing.T) {
		err := New(PathViolation, "escape via %q", "../etc")
		if got := KindOf(err); got != PathViolation {
			t.Errorf("KindOf() = %v, want %v", got, PathViolation)
		}
	})

	t.Run("wrapped", func(t *testing.T) {
		inner := Wrap(QuotaExceeded, fs.ErrPermission, "workspace full")
		outer := fmt.Errorf("writing file: %w", inner)
		if got := KindOf(outer); got != QuotaExceeded {
			t.Errorf("KindOf() = %v, want %v", got, QuotaExceeded)
		}
	})

	t.Run("unclassified_is_internal", func(t *testing.T) {
		if got := KindOf(errors.New("plain")); got != Internal {
			t.Errorf("KindOf() = %v, want %v", got, Internal)
		}
	})
}

func TestUnwrapPreservesCause(t *testing.T) {
	err := Wrap(IOFailure, fs.ErrNotExist, "reading snapshot")
	if !errors.Is(err, fs.ErrNotExist) {
		t.Error("errors.Is(err, fs.ErrNotExist) = false, want true")
	}
}

func TestErrorMessage(t *testing.T) {
	err := Wrap(Timeout, errors.New("signal: killed"), "command exceeded 2s")
	msg := err.Error()
	for _, want := range []string{"timeout", "command exceeded 2s", "signal: killed"} {
		if !strings.Contains(msg, want) {
			t.Errorf("Error() = %q, missing %q", msg, want)
		}
	}
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		kind Kind
		want bool
	}{
		{Busy, true},
		{Timeout, true},
		{ResourceExhausted, true},
		{Validation, false},
		{PathViolation, false},
		{NotAllowed, false},
		{Internal, false},
	}
	for _, test := range tests {
		t.Run(test.kind.String(), func(t *testing.T) {
			if got := Retryable(New(test.kind, "x")); got != test.want {
				t.Errorf("Retryable(%v) = %v, want %v", test.kind, got, test.want)
			}
		})
	}
}

func TestKindStringStable(t *testing.T) {
	// Kind names appear in API error codes and logs; renaming one is
	// a wire-format change.
	want := map[Kind]string{
		Validation:        "validation",
		SessionNotFound:   "session_not_found",
		SessionTerminated: "session_terminated",
		PathViolation:     "path_violation",
		QuotaExceeded:     "quota_exceeded",
		Busy:              "busy",
		Timeout:           "timeout",
		NotAllowed:        "not_allowed",
		NotFound:          "not_found",
		ResourceExhausted: "resource_exhausted",
		IOFailure:         "io_failure",
		Internal:          "internal",
	}
	for kind, name := range want {
		if kind.String() != name {
			t.Errorf("Kind(%d).String() = %q, want %q", int(kind), kind.String(), name)
		}
	}
}
