// Copyright 2026 The Enclave Authors
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// Taming levels. "unsafe" passes the corresponding intrinsic into
// compartments unvirtualized — snaps see the real console, errors,
// Math, and Date. "severe" override taming freezes the snap provider
// before it is endowed as wallet; the other endowment objects are not
// frozen.
const (
	TamingUnsafe = "unsafe"
	TamingSevere = "severe"
)

// LockdownConfig configures the one-time isolate hardening that must
// run before any snap evaluates.
type LockdownConfig struct {
	ConsoleTaming  string
	ErrorTaming    string
	MathTaming     string
	DateTaming     string
	OverrideTaming string
}

// DefaultLockdown is the configuration the host ships: intrinsics
// untamed, overrides severe.
func DefaultLockdown() LockdownConfig {
	return LockdownConfig{
		ConsoleTaming:  TamingUnsafe,
		ErrorTaming:    TamingUnsafe,
		MathTaming:     TamingUnsafe,
		DateTaming:     TamingUnsafe,
		OverrideTaming: TamingSevere,
	}
}

var (
	lockdownOnce    sync.Once
	lockdownApplied atomic.Bool
	lockdownConfig  LockdownConfig
)

// Lockdown applies process-wide hardening: no new privileges, core
// dumps disabled, process marked non-dumpable. It runs at most once
// per process. A later call fails if the first attempt failed or if
// its configuration differs from the one applied; otherwise it
// returns nil.
//
// Evaluation refuses to run in a process that has not been locked
// down.
func Lockdown(config LockdownConfig) error {
	if err := validateTamings(config); err != nil {
		return err
	}

	var firstErr error
	lockdownOnce.Do(func() {
		if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
			firstErr = fmt.Errorf("lockdown: disabling privilege escalation: %w", err)
			return
		}
		if err := unix.Prctl(unix.PR_SET_DUMPABLE, 0, 0, 0, 0); err != nil {
			firstErr = fmt.Errorf("lockdown: marking process non-dumpable: %w", err)
			return
		}
		if err := unix.Setrlimit(unix.RLIMIT_CORE, &unix.Rlimit{Cur: 0, Max: 0}); err != nil {
			firstErr = fmt.Errorf("lockdown: disabling core dumps: %w", err)
			return
		}
		lockdownConfig = config
		lockdownApplied.Store(true)
	})
	if firstErr != nil {
		return firstErr
	}
	if !lockdownApplied.Load() {
		return fmt.Errorf("lockdown: previous attempt failed")
	}
	if lockdownConfig != config {
		return fmt.Errorf("lockdown: already applied with a different configuration")
	}
	return nil
}

func validateTamings(config LockdownConfig) error {
	for name, value := range map[string]string{
		"consoleTaming": config.ConsoleTaming,
		"errorTaming":   config.ErrorTaming,
		"mathTaming":    config.MathTaming,
		"dateTaming":    config.DateTaming,
	} {
		if value != TamingUnsafe {
			return fmt.Errorf("lockdown: unsupported %s %q", name, value)
		}
	}
	if config.OverrideTaming != TamingSevere {
		return fmt.Errorf("lockdown: unsupported overrideTaming %q", config.OverrideTaming)
	}
	return nil
}
