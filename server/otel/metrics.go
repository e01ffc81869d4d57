// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/absmach/fluxnotify"

// Metrics holds OpenTelemetry instruments for notification delivery.
// It satisfies the metrics interfaces of the delivery, session and
// reconcile packages.
type Metrics struct {
	meter metric.Meter

	// Counters
	enqueuedTotal       metric.Int64Counter
	pushedTotal         metric.Int64Counter
	ackedTotal          metric.Int64Counter
	redeliveredTotal    metric.Int64Counter
	expiredTotal        metric.Int64Counter
	prunedTotal         metric.Int64Counter
	connectionsTotal    metric.Int64Counter
	disconnectionsTotal metric.Int64Counter
	authFailuresTotal   metric.Int64Counter
	evictionsTotal      metric.Int64Counter
	reconciliations     metric.Int64Counter

	// UpDownCounters (Gauges)
	sessionsActive metric.Int64UpDownCounter

	// Histograms
	ackLatency    metric.Float64Histogram
	reconcileSize metric.Int64Histogram
}

// NewMetrics creates instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	return NewMetricsWithMeter(otel.Meter(meterName))
}

// NewMetricsWithMeter creates instruments on the given meter.
func NewMetricsWithMeter(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{meter: meter}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.enqueuedTotal, "notify.enqueued.total", "Notifications accepted from producers"},
		{&m.pushedTotal, "notify.pushed.total", "Notification pushes written to sessions"},
		{&m.ackedTotal, "notify.acked.total", "Notifications acknowledged by clients"},
		{&m.redeliveredTotal, "notify.redelivered.total", "ACK timeouts that requeued a notification"},
		{&m.expiredTotal, "notify.expired.total", "Notifications that exhausted their delivery attempts"},
		{&m.prunedTotal, "notify.pruned.total", "Notifications removed by retention"},
		{&m.connectionsTotal, "notify.connections.total", "Authenticated WebSocket sessions"},
		{&m.disconnectionsTotal, "notify.disconnections.total", "Closed WebSocket sessions"},
		{&m.authFailuresTotal, "notify.auth.failures.total", "Rejected authentication attempts"},
		{&m.evictionsTotal, "notify.evictions.total", "Sessions superseded by a newer connection"},
		{&m.reconciliations, "notify.reconciliations.total", "Reconciliation queries served"},
	}
	for _, c := range counters {
		inst, err := m.meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
		*c.dst = inst
	}

	var err error
	m.sessionsActive, err = m.meter.Int64UpDownCounter(
		"notify.sessions.active",
		metric.WithDescription("Current number of authenticated sessions"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sessionsActive gauge: %w", err)
	}

	m.ackLatency, err = m.meter.Float64Histogram(
		"notify.ack.latency.ms",
		metric.WithDescription("Time from push to ACK in milliseconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create ackLatency histogram: %w", err)
	}

	m.reconcileSize, err = m.meter.Int64Histogram(
		"notify.reconciliation.size",
		metric.WithDescription("Notifications returned per reconciliation query"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create reconcileSize histogram: %w", err)
	}

	return m, nil
}

// RecordEnqueued records a producer enqueue.
func (m *Metrics) RecordEnqueued(typ string) {
	m.enqueuedTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("type", typ),
	))
}

// RecordPushed records a push written to a session.
func (m *Metrics) RecordPushed() {
	m.pushedTotal.Add(context.Background(), 1)
}

// RecordAcked records an ACK and the time since the last push.
func (m *Metrics) RecordAcked(latency time.Duration) {
	ctx := context.Background()
	m.ackedTotal.Add(ctx, 1)
	if latency > 0 {
		m.ackLatency.Record(ctx, float64(latency)/float64(time.Millisecond))
	}
}

func (m *Metrics) RecordRedelivery() {
	m.redeliveredTotal.Add(context.Background(), 1)
}

func (m *Metrics) RecordExpired() {
	m.expiredTotal.Add(context.Background(), 1)
}

func (m *Metrics) RecordPruned(n int) {
	m.prunedTotal.Add(context.Background(), int64(n))
}

// RecordConnection records an authenticated session.
func (m *Metrics) RecordConnection() {
	ctx := context.Background()
	m.connectionsTotal.Add(ctx, 1)
	m.sessionsActive.Add(ctx, 1)
}

// RecordDisconnection records the end of an authenticated session.
func (m *Metrics) RecordDisconnection() {
	ctx := context.Background()
	m.disconnectionsTotal.Add(ctx, 1)
	m.sessionsActive.Add(ctx, -1)
}

func (m *Metrics) RecordAuthFailure() {
	m.authFailuresTotal.Add(context.Background(), 1)
}

func (m *Metrics) RecordEviction() {
	m.evictionsTotal.Add(context.Background(), 1)
}

// RecordReconciliation records a catch-up query by source (socket or http).
func (m *Metrics) RecordReconciliation(source string, returned int) {
	ctx := context.Background()
	attrs := metric.WithAttributes(attribute.String("source", source))
	m.reconciliations.Add(ctx, 1, attrs)
	m.reconcileSize.Record(ctx, int64(returned), attrs)
}
