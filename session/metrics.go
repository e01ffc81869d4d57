// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

// Metrics records connection activity.
type Metrics interface {
	RecordConnection()
	RecordDisconnection()
	RecordAuthFailure()
	RecordEviction()
}

type noopMetrics struct{}

func (noopMetrics) RecordConnection()    {}
func (noopMetrics) RecordDisconnection() {}
func (noopMetrics) RecordAuthFailure()   {}
func (noopMetrics) RecordEviction()      {}
