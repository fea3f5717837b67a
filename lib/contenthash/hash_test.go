// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package contenthash

import "testing"

func TestFileDeterministic(t *testing.T) {
	first := File([]byte("hello"))
	second := File([]byte("hello"))
	if first != second {
		t.Error("same content produced different digests")
	}
	if File([]byte("hello")) == File([]byte("hello!")) {
		t.Error("different content produced the same digest")
	}
}

func TestStringParseRoundTrip(t *testing.T) {
	digest := File([]byte("round trip"))
	encoded := digest.String()
	if len(encoded) != 64 {
		t.Fatalf("String() length = %d, want 64", len(encoded))
	}

	parsed, err := Parse(encoded)
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	if parsed != digest {
		t.Error("Parse(String()) != original digest")
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	for _, bad := range []string{"", "zz", "abcd", "not-hex-at-all"} {
		if _, err := Parse(bad); err == nil {
			t.Errorf("Parse(%q) = nil error, want error", bad)
		}
	}
}
