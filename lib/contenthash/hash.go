// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Package contenthash computes BLAKE3 digests of workspace file
// content. Digests are echoed to API callers on writes so they can
// verify what the sandbox actually stored.
package contenthash

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// Digest is a 32-byte BLAKE3 digest.
type Digest [32]byte

// fileDomainKey is the BLAKE3 keyed-hashing domain for file content.
// Domain separation keeps file digests from colliding with any other
// hash the controller may compute over the same bytes. The key is
// the ASCII domain name zero-padded to 32 bytes: readable in hex
// dumps, and an opaque 32-byte value as far as BLAKE3 is concerned.
var fileDomainKey = [32]byte{
	'w', 'a', 'r', 'd', 'e', 'n', '.', 'f', 'i', 'l', 'e', '.',
	'c', 'o', 'n', 't', 'e', 'n', 't', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// File computes the file-content digest of data.
func File(data []byte) Digest {
	hasher, err := blake3.NewKeyed(fileDomainKey[:])
	if err != nil {
		// Only fails on a wrong key length, which is fixed above.
		panic("contenthash: " + err.Error())
	}
	hasher.Write(data)

	var digest Digest
	copy(digest[:], hasher.Sum(nil))
	return digest
}

// String returns the canonical hex form used in API responses and
// logs.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// Parse decodes a canonical hex digest string.
func Parse(hexString string) (Digest, error) {
	var digest Digest
	decoded, err := hex.DecodeString(hexString)
	if err != nil {
		return digest, fmt.Errorf("parsing content digest: %w", err)
	}
	if len(decoded) != len(digest) {
		return digest, fmt.Errorf("content digest is %d bytes, want %d", len(decoded), len(digest))
	}
	copy(digest[:], decoded)
	return digest, nil
}
