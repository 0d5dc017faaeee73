// Copyright 2026 The Enclave Authors
// SPDX-License-Identifier: Apache-2.0

package srchash

import (
	"strings"
	"testing"
)

func TestStableDigest(t *testing.T) {
	code := `wallet.registerRpcMessageHandler(async (origin, request) => request.method);`

	first := Source(code)
	second := Source(code)
	if first != second {
		t.Errorf("digest not stable: %s vs %s", first, second)
	}
}

func TestDistinctSources(t *testing.T) {
	a := Source("const x = 1;")
	b := Source("const x = 2;")
	if a == b {
		t.Error("distinct sources produced identical digests")
	}
}

func TestStringForm(t *testing.T) {
	s := Source("").String()
	if len(s) != 64 {
		t.Errorf("hex digest length = %d, want 64", len(s))
	}
	if strings.ToLower(s) != s {
		t.Errorf("digest %q not lowercase hex", s)
	}
}
