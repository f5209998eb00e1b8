// Copyright 2026 The Livechat Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads configuration for the livechat binaries from a
// single YAML file, specified by the LIVECHAT_CONFIG environment
// variable or a --config flag. There is no automatic discovery and
// environment variables do not override file values: one file, loaded
// once, is the whole configuration.
//
// Every timing knob of the session (heartbeat, reconnect backoff, send
// timeout, typing debounce) is overridable here; zero values fall back
// to the session defaults.
package config
