// Copyright 2026 The Livechat Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil holds small helpers shared by the livechat test
// suites: timeout-guarded channel operations so a broken event flow
// fails a test instead of hanging it.
package testutil
