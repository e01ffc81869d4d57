// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"testing"

	"github.com/absmach/fluxnotify/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestSettingsFrom(t *testing.T) {
	cfg := config.Default().Server
	cfg.OtelTracesEnabled = true
	cfg.OtelTraceSampleRate = 0.5

	s := SettingsFrom(cfg)
	assert.Equal(t, cfg.MetricsAddr, s.Endpoint)
	assert.Equal(t, "fluxnotify", s.ServiceName)
	assert.Equal(t, cfg.OtelServiceVersion, s.ServiceVersion)
	assert.Equal(t, cfg.NodeID, s.InstanceID)
	assert.True(t, s.Traces)
	assert.True(t, s.Metrics)
	assert.Equal(t, 0.5, s.SampleRate)
}

func TestInitProvider_Disabled(t *testing.T) {
	shutdown, err := InitProvider(context.Background(), Settings{
		ServiceName: "fluxnotify-test",
		InstanceID:  "node-1",
	})
	require.NoError(t, err)
	require.NotNil(t, shutdown)

	_, span := otel.Tracer("test").Start(context.Background(), "noop")
	assert.False(t, span.SpanContext().IsValid())
	span.End()

	assert.NoError(t, shutdown(context.Background()))
}
