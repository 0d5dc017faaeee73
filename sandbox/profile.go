// Copyright 2026 The Enclave Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/jsonc"
)

// Mount types understood by the profile format.
const (
	// MountTypeROBind bind-mounts Source read-only at Dest.
	MountTypeROBind = "ro-bind"

	// MountTypeBind bind-mounts Source read-write at Dest.
	MountTypeBind = "bind"

	// MountTypeTmpfs mounts a fresh tmpfs at Dest. Source is unused.
	MountTypeTmpfs = "tmpfs"
)

// Mount is one filesystem entry of a profile.
type Mount struct {
	// Type is one of the MountType constants.
	Type string `json:"type"`

	// Source is the host path for bind mounts.
	Source string `json:"source,omitempty"`

	// Dest is the absolute path inside the sandbox.
	Dest string `json:"dest"`

	// Optional skips the mount when the source does not exist
	// instead of failing the sandbox build.
	Optional bool `json:"optional,omitempty"`
}

// NamespaceConfig selects which namespaces the sandbox unshares.
type NamespaceConfig struct {
	PID    bool `json:"pid"`
	Net    bool `json:"net"`
	IPC    bool `json:"ipc"`
	UTS    bool `json:"uts"`
	Cgroup bool `json:"cgroup"`
	User   bool `json:"user"`
}

// SecurityConfig holds process-level hardening options.
type SecurityConfig struct {
	// NewSession detaches the sandbox from the controlling terminal.
	NewSession bool `json:"new_session"`

	// DieWithParent kills the sandbox when the host dies, so a
	// crashed host never leaves orphan isolates behind.
	DieWithParent bool `json:"die_with_parent"`
}

// Profile describes the shape of one sandbox.
type Profile struct {
	// Hostname is set inside the UTS namespace when unshared.
	Hostname string `json:"hostname,omitempty"`

	// Namespaces selects what to unshare.
	Namespaces NamespaceConfig `json:"namespaces"`

	// Security holds hardening options.
	Security SecurityConfig `json:"security"`

	// Mounts is the complete filesystem visible inside the sandbox.
	Mounts []Mount `json:"mounts"`

	// Environment is the full environment of the sandboxed process;
	// the inherited environment is always cleared first.
	Environment map[string]string `json:"environment,omitempty"`
}

// DefaultProfile is the built-in hardened profile for worker
// isolates: every namespace unshared except network (snaps hold
// fetch and WebSocket endowments), a read-only toolchain, and a
// private /tmp.
func DefaultProfile(workerBinary string) *Profile {
	return &Profile{
		Hostname: "enclave",
		Namespaces: NamespaceConfig{
			PID:    true,
			IPC:    true,
			UTS:    true,
			Cgroup: true,
			User:   true,
		},
		Security: SecurityConfig{
			NewSession:    true,
			DieWithParent: true,
		},
		Mounts: []Mount{
			{Type: MountTypeROBind, Source: "/usr", Dest: "/usr"},
			{Type: MountTypeROBind, Source: "/lib", Dest: "/lib", Optional: true},
			{Type: MountTypeROBind, Source: "/lib64", Dest: "/lib64", Optional: true},
			{Type: MountTypeROBind, Source: "/etc/ssl", Dest: "/etc/ssl", Optional: true},
			{Type: MountTypeROBind, Source: "/etc/resolv.conf", Dest: "/etc/resolv.conf", Optional: true},
			{Type: MountTypeROBind, Source: workerBinary, Dest: workerBinary},
			{Type: MountTypeTmpfs, Dest: "/tmp"},
		},
		Environment: map[string]string{
			"PATH": "/usr/bin:/bin",
		},
	}
}

// ParseProfile parses a JSONC profile. The input format is the JSON
// shape of [Profile] extended with // line comments, /* block
// comments */, and trailing commas.
func ParseProfile(data []byte) (*Profile, error) {
	stripped := jsonc.ToJSON(data)

	var profile Profile
	if err := json.Unmarshal(stripped, &profile); err != nil {
		return nil, fmt.Errorf("parsing profile: %w", err)
	}
	if err := profile.Validate(); err != nil {
		return nil, err
	}
	return &profile, nil
}

// LoadProfile reads a JSONC profile file from disk.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	profile, err := ParseProfile(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return profile, nil
}

// Validate performs structural checks on the profile.
func (p *Profile) Validate() error {
	for i, mount := range p.Mounts {
		switch mount.Type {
		case MountTypeROBind, MountTypeBind:
			if mount.Source == "" {
				return fmt.Errorf("mount %d: %s requires a source", i, mount.Type)
			}
			if !filepath.IsAbs(mount.Source) {
				return fmt.Errorf("mount %d: source %q is not absolute", i, mount.Source)
			}
		case MountTypeTmpfs:
			if mount.Source != "" {
				return fmt.Errorf("mount %d: tmpfs takes no source", i)
			}
		default:
			return fmt.Errorf("mount %d: unknown type %q", i, mount.Type)
		}
		if !filepath.IsAbs(mount.Dest) {
			return fmt.Errorf("mount %d: dest %q is not absolute", i, mount.Dest)
		}
	}
	for key := range p.Environment {
		if key == "" || strings.Contains(key, "=") {
			return fmt.Errorf("invalid environment variable name %q", key)
		}
	}
	return nil
}
