// Copyright 2026 The Enclave Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/enclave-foundation/enclave/isolate"
	"github.com/enclave-foundation/enclave/lib/config"
	"github.com/enclave-foundation/enclave/lib/mux"
	"github.com/enclave-foundation/enclave/messenger"
)

func loadConfig(t *testing.T, content string) *config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "enclave.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return cfg
}

func TestFromConfigPlainWorker(t *testing.T) {
	cfg := loadConfig(t, `
worker:
  binary: /usr/lib/enclave/enclave-worker
service:
  unresponsive_polling_interval: 2s
  unresponsive_timeout: 10s
  spawn_timeout: 20s
mux:
  buffer_size: 32
`)

	assembled, err := FromConfig(cfg, nil)
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}

	if _, ok := assembled.Container.(*isolate.ProcessContainer); !ok {
		t.Errorf("container type = %T, want *isolate.ProcessContainer", assembled.Container)
	}
	if assembled.PollingInterval != 2*time.Second {
		t.Errorf("PollingInterval = %v, want 2s", assembled.PollingInterval)
	}
	if assembled.UnresponsiveTimeout != 10*time.Second {
		t.Errorf("UnresponsiveTimeout = %v, want 10s", assembled.UnresponsiveTimeout)
	}
	if assembled.SpawnTimeout != 20*time.Second {
		t.Errorf("SpawnTimeout = %v, want 20s", assembled.SpawnTimeout)
	}
	if assembled.MuxBufferSize != 32 {
		t.Errorf("MuxBufferSize = %d, want 32", assembled.MuxBufferSize)
	}

	// The assembled Config is one host supplement away from New.
	assembled.Messenger = messenger.New()
	assembled.SetupSnapProvider = func(context.Context, string, *mux.Stream) error { return nil }
	if _, err := New(assembled); err != nil {
		t.Errorf("New on assembled config: %v", err)
	}
}

func TestFromConfigSandboxedWorker(t *testing.T) {
	profilePath := filepath.Join(t.TempDir(), "profile.jsonc")
	profile := `{
		// Minimal isolate profile.
		"namespaces": {"pid": true, "user": true},
		"security": {"die_with_parent": true},
		"mounts": [{"type": "ro-bind", "source": "/usr", "dest": "/usr"}],
	}`
	if err := os.WriteFile(profilePath, []byte(profile), 0600); err != nil {
		t.Fatalf("writing profile: %v", err)
	}

	cfg := loadConfig(t, `
worker:
  binary: /usr/lib/enclave/enclave-worker
  sandbox_profile: `+profilePath+`
`)

	assembled, err := FromConfig(cfg, nil)
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}
	if _, ok := assembled.Container.(*isolate.SandboxContainer); !ok {
		t.Errorf("container type = %T, want *isolate.SandboxContainer", assembled.Container)
	}
}

func TestFromConfigRejectsMissingProfile(t *testing.T) {
	cfg := config.Default()
	cfg.Worker.Binary = "/usr/lib/enclave/enclave-worker"
	cfg.Worker.SandboxProfile = filepath.Join(t.TempDir(), "absent.jsonc")

	if _, err := FromConfig(cfg, nil); err == nil {
		t.Fatal("FromConfig accepted a missing sandbox profile")
	}
}

func TestFromConfigRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Worker.Binary = ""

	if _, err := FromConfig(cfg, nil); err == nil {
		t.Fatal("FromConfig accepted an invalid configuration")
	}
}

// Guard against the mapping drifting from the wire shape the worker
// expects: the profile parsed above must build bwrap arguments.
func TestSandboxProfileRoundTrip(t *testing.T) {
	data, err := json.Marshal(map[string]any{
		"namespaces": map[string]bool{"pid": true},
		"mounts": []map[string]string{
			{"type": "tmpfs", "dest": "/tmp"},
		},
	})
	if err != nil {
		t.Fatalf("marshaling profile: %v", err)
	}
	path := filepath.Join(t.TempDir(), "p.jsonc")
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatalf("writing profile: %v", err)
	}

	cfg := config.Default()
	cfg.Worker.Binary = "/usr/lib/enclave/enclave-worker"
	cfg.Worker.SandboxProfile = path
	if _, err := FromConfig(cfg, nil); err != nil {
		t.Errorf("FromConfig: %v", err)
	}
}
