// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package delivery

import "time"

// Metrics records delivery activity.
type Metrics interface {
	RecordEnqueued(typ string)
	RecordPushed()
	RecordAcked(latency time.Duration)
	RecordRedelivery()
	RecordExpired()
	RecordPruned(n int)
}

type noopMetrics struct{}

func (noopMetrics) RecordEnqueued(string)     {}
func (noopMetrics) RecordPushed()             {}
func (noopMetrics) RecordAcked(time.Duration) {}
func (noopMetrics) RecordRedelivery()         {}
func (noopMetrics) RecordExpired()            {}
func (noopMetrics) RecordPruned(int)          {}
