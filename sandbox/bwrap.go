// Copyright 2026 The Enclave Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"fmt"
	"os"
	"sort"
)

// Args builds the bubblewrap argument vector that runs command
// inside a sandbox shaped by profile. The caller execs "bwrap" with
// the returned arguments; inherited descriptors (the transport
// socketpair at fd 3) pass through bwrap untouched.
func Args(profile *Profile, command []string) ([]string, error) {
	if profile == nil {
		return nil, fmt.Errorf("profile is required")
	}
	if len(command) == 0 {
		return nil, fmt.Errorf("command is required")
	}
	if err := profile.Validate(); err != nil {
		return nil, err
	}

	var args []string

	// Namespaces.
	ns := profile.Namespaces
	if ns.PID {
		args = append(args, "--unshare-pid")
	}
	if ns.Net {
		args = append(args, "--unshare-net")
	}
	if ns.IPC {
		args = append(args, "--unshare-ipc")
	}
	if ns.UTS {
		args = append(args, "--unshare-uts")
	}
	if ns.Cgroup {
		args = append(args, "--unshare-cgroup")
	}
	if ns.User {
		args = append(args, "--unshare-user")
	}
	if profile.Hostname != "" && ns.UTS {
		args = append(args, "--hostname", profile.Hostname)
	}

	// Security. bwrap always drops all capabilities and sets
	// PR_SET_NO_NEW_PRIVS on its own.
	if profile.Security.NewSession {
		args = append(args, "--new-session")
	}
	if profile.Security.DieWithParent {
		args = append(args, "--die-with-parent")
	}

	// Base mounts: fresh /proc and a minimal /dev.
	args = append(args, "--proc", "/proc", "--dev", "/dev")

	// Profile mounts.
	for _, mount := range profile.Mounts {
		switch mount.Type {
		case MountTypeROBind, MountTypeBind:
			if mount.Optional {
				if _, err := os.Stat(mount.Source); os.IsNotExist(err) {
					continue
				}
			}
			flag := "--ro-bind"
			if mount.Type == MountTypeBind {
				flag = "--bind"
			}
			args = append(args, flag, mount.Source, mount.Dest)
		case MountTypeTmpfs:
			args = append(args, "--tmpfs", mount.Dest)
		}
	}

	// Environment: always cleared, then the profile's variables in
	// sorted order so the argument vector is deterministic.
	args = append(args, "--clearenv")
	keys := make([]string, 0, len(profile.Environment))
	for key := range profile.Environment {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		args = append(args, "--setenv", key, profile.Environment[key])
	}

	args = append(args, "--")
	args = append(args, command...)
	return args, nil
}
