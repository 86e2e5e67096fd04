// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package service provides the process scaffolding shared by the
// spaces binaries: the standard JSON logger and an HTTP server with a
// ready signal and graceful shutdown.
//
// Binaries compose these in their own main() rather than subclassing
// a framework.
package service
