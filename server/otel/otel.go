// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/absmach/fluxnotify/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const (
	exportTimeout  = 30 * time.Second
	metricInterval = 10 * time.Second
	traceBatch     = 512
	traceFlush     = 5 * time.Second
)

// ShutdownFunc flushes and stops the registered providers.
type ShutdownFunc func(context.Context) error

// Settings selects what InitProvider exports and where.
type Settings struct {
	Endpoint       string // OTLP gRPC collector
	ServiceName    string
	ServiceVersion string
	InstanceID     string
	Traces         bool
	Metrics        bool
	SampleRate     float64
}

// SettingsFrom maps the server configuration section.
func SettingsFrom(cfg config.ServerConfig) Settings {
	return Settings{
		Endpoint:       cfg.MetricsAddr,
		ServiceName:    cfg.OtelServiceName,
		ServiceVersion: cfg.OtelServiceVersion,
		InstanceID:     cfg.NodeID,
		Traces:         cfg.OtelTracesEnabled,
		Metrics:        cfg.OtelMetricsEnabled,
		SampleRate:     cfg.OtelTraceSampleRate,
	}
}

// InitProvider registers global trace and meter providers exporting to
// s.Endpoint. Disabled signals get no-op providers.
func InitProvider(ctx context.Context, s Settings) (ShutdownFunc, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(s.ServiceName),
			semconv.ServiceVersionKey.String(s.ServiceVersion),
			semconv.ServiceInstanceIDKey.String(s.InstanceID),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	var stops []ShutdownFunc
	shutdown := func(ctx context.Context) error {
		var errs []error
		for _, stop := range stops {
			errs = append(errs, stop(ctx))
		}
		return errors.Join(errs...)
	}

	if s.Traces {
		tp, err := newTracerProvider(ctx, s, res)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize tracer provider: %w", err)
		}
		otel.SetTracerProvider(tp)
		stops = append(stops, tp.Shutdown)
	} else {
		otel.SetTracerProvider(tracenoop.NewTracerProvider())
	}

	if s.Metrics {
		mp, err := newMeterProvider(ctx, s, res)
		if err != nil {
			_ = shutdown(ctx)
			return nil, fmt.Errorf("failed to initialize meter provider: %w", err)
		}
		otel.SetMeterProvider(mp)
		stops = append(stops, mp.Shutdown)
	}

	return shutdown, nil
}

func newTracerProvider(ctx context.Context, s Settings, res *resource.Resource) (*trace.TracerProvider, error) {
	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(s.Endpoint),
		otlptracegrpc.WithInsecure(),
		otlptracegrpc.WithTimeout(exportTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	return trace.NewTracerProvider(
		trace.WithResource(res),
		trace.WithSampler(trace.ParentBased(trace.TraceIDRatioBased(s.SampleRate))),
		trace.WithBatcher(exporter,
			trace.WithMaxExportBatchSize(traceBatch),
			trace.WithBatchTimeout(traceFlush),
		),
	), nil
}

func newMeterProvider(ctx context.Context, s Settings, res *resource.Resource) (*metric.MeterProvider, error) {
	exporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(s.Endpoint),
		otlpmetricgrpc.WithInsecure(),
		otlpmetricgrpc.WithTimeout(exportTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}

	return metric.NewMeterProvider(
		metric.WithResource(res),
		metric.WithReader(metric.NewPeriodicReader(exporter, metric.WithInterval(metricInterval))),
	), nil
}
