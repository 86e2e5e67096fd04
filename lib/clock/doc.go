// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts time so that session lifecycles can be
// tested deterministically.
//
// Production code holds a [Clock] field set to [Real]. Tests construct
// a [FakeClock] with [Fake], let the code under test register its
// timers, then move time forward explicitly:
//
//	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	registry := terminal.NewRegistry(terminal.RegistryConfig{Clock: fake, ...})
//	// ... process exits, registry arms the grace timer ...
//	fake.WaitForTimers(1)
//	fake.Advance(30 * time.Second)
//
// WaitForTimers closes the race between a goroutine registering a
// ticker or timer and the test advancing past its deadline.
package clock
