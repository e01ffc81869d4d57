// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import "time"

// Backoff computes reconnect delays: attempt n (0-based) waits
// min(Base*2^n, Max). MaxAttempts <= 0 means unbounded.
type Backoff struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
}

// Delay returns the wait before attempt n.
func (b Backoff) Delay(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	d := b.Base
	for i := 0; i < n; i++ {
		if d >= b.Max || d > b.Max/2 {
			return b.Max
		}
		d *= 2
	}
	return min(d, b.Max)
}

// Exhausted reports whether attempt n is past the limit.
func (b Backoff) Exhausted(n int) bool {
	return b.MaxAttempts > 0 && n >= b.MaxAttempts
}
