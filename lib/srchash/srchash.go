// Copyright 2026 The Enclave Authors
// SPDX-License-Identifier: Apache-2.0

// Package srchash computes the BLAKE3 digests by which the host
// refers to snap source code in logs and audit trails. Digests are
// keyed with a fixed domain so a snap source hash can never collide
// with a hash of the same bytes computed in another context.
package srchash

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// Digest is a 32-byte BLAKE3 keyed digest of snap source.
type Digest [32]byte

// sourceDomainKey is the 32-byte BLAKE3 key for the snap-source
// domain. The value is the ASCII domain name zero-padded to 32
// bytes — readable in hex dumps, opaque to the hash.
var sourceDomainKey = [32]byte{
	'e', 'n', 'c', 'l', 'a', 'v', 'e', '.', 's', 'n', 'a', 'p', '.',
	's', 'o', 'u', 'r', 'c', 'e', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// Source computes the snap-source digest of code.
func Source(code string) Digest {
	hasher, err := blake3.NewKeyed(sourceDomainKey[:])
	if err != nil {
		// NewKeyed fails only on a key of the wrong length; the key
		// is a compile-time constant of the right length.
		panic("srchash: " + err.Error())
	}
	hasher.Write([]byte(code))

	var digest Digest
	copy(digest[:], hasher.Sum(nil))
	return digest
}

// String returns the hex encoding, the canonical form used in log
// fields.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}
