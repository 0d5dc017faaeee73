// Copyright 2026 The Enclave Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for the Enclave
// runtime.
//
// Configuration is a single YAML file passed explicitly by the
// embedding host. There are no fallbacks or automatic discovery;
// this keeps the effective configuration deterministic and
// auditable. Durations are written as Go duration strings ("5s",
// "30s") and validated at load time, not at first use.
package config
