// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides CBOR encoding for durable controller state.
// Encoding is deterministic (RFC 8949 §4.2 Core Deterministic
// Encoding) so the same logical state always produces identical
// bytes, which keeps snapshot files diffable and content-addressable.
package codec

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var encMode cbor.EncMode
var decMode cbor.DecMode

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// Snapshot files only ever use string map keys. Decoding into
		// any-typed targets must yield map[string]any rather than the
		// CBOR default map[any]any, which the rest of Go cannot use.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v using Core Deterministic Encoding.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v. Unknown fields are ignored for
// forward compatibility with snapshots written by newer binaries.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}
