// Copyright 2026 The Livechat Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the CBOR wire codec for the livechat socket
// protocol. Frames are encoded with Core Deterministic Encoding so the
// same logical frame always produces identical bytes, which keeps
// protocol traces diffable and makes frame-level tests exact.
//
// Consumers import only this package, never fxamacker/cbor directly,
// so the encoder configuration stays in one place.
package codec
