// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package conn

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	influxapi "github.com/influxdata/influxdb-client-go/v2/api"
)

// MetricsSink records per-dispatch telemetry. Connection calls
// RecordDispatch once per handled Request, after the handler resolves or
// rejects. Implementations must be safe for concurrent use; dispatch
// happens on a per-request goroutine.
type MetricsSink interface {
	RecordDispatch(method string, duration time.Duration, success bool)
	RecordCancellation(method string)
}

// DispatchSpanner is an optional MetricsSink extension: sinks that also
// trace open a span around each request handler invocation. StartDispatch
// returns the handler's context plus a finish callback invoked with the
// handler's error (nil on success).
type DispatchSpanner interface {
	StartDispatch(ctx context.Context, method string) (context.Context, func(err error))
}

// NoopMetricsSink discards everything; it is the Connection default so
// metrics wiring is opt-in.
type NoopMetricsSink struct{}

func (NoopMetricsSink) RecordDispatch(string, time.Duration, bool) {}
func (NoopMetricsSink) RecordCancellation(string)                  {}

// =============================================================================
// OPENTELEMETRY SINK
// =============================================================================

// otelMetricsSink records dispatch latency and counts through an OTel
// meter.
type otelMetricsSink struct {
	meter  metric.Meter
	tracer trace.Tracer

	initOnce sync.Once
	initErr  error

	dispatchLatency metric.Float64Histogram
	dispatchTotal   metric.Int64Counter
	cancelTotal     metric.Int64Counter
}

// NewOTelMetricsSink builds a MetricsSink recording through the global
// OTel meter and tracer providers under the "lsprpc.conn" instrumentation
// name. The providers themselves (stdout exporters in dev, Prometheus and
// OTLP-gRPC in cmd/rpcpeer) are configured by the caller before this is
// constructed.
func NewOTelMetricsSink() MetricsSink {
	return &otelMetricsSink{
		meter:  otel.Meter("lsprpc.conn"),
		tracer: otel.Tracer("lsprpc.conn"),
	}
}

// StartDispatch implements DispatchSpanner: one span per handled request,
// named after the method, ended when the handler resolves or rejects.
func (s *otelMetricsSink) StartDispatch(ctx context.Context, method string) (context.Context, func(err error)) {
	ctx, span := s.tracer.Start(ctx, "rpc.dispatch/"+method,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String("rpc.method", method)),
	)
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}
}

func (s *otelMetricsSink) init() error {
	s.initOnce.Do(func() {
		var err error
		s.dispatchLatency, err = s.meter.Float64Histogram(
			"rpc_dispatch_duration_seconds",
			metric.WithDescription("Duration of dispatched JSON-RPC request handlers"),
			metric.WithUnit("s"),
		)
		if err != nil {
			s.initErr = err
			return
		}
		s.dispatchTotal, err = s.meter.Int64Counter(
			"rpc_requests_total",
			metric.WithDescription("Total number of dispatched JSON-RPC requests"),
		)
		if err != nil {
			s.initErr = err
			return
		}
		s.cancelTotal, err = s.meter.Int64Counter(
			"rpc_cancellations_total",
			metric.WithDescription("Total number of cancelled JSON-RPC requests"),
		)
		if err != nil {
			s.initErr = err
			return
		}
	})
	return s.initErr
}

func (s *otelMetricsSink) RecordDispatch(method string, duration time.Duration, success bool) {
	if err := s.init(); err != nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.Bool("success", success),
	)
	ctx := context.Background()
	s.dispatchLatency.Record(ctx, duration.Seconds(), attrs)
	s.dispatchTotal.Add(ctx, 1, attrs)
}

func (s *otelMetricsSink) RecordCancellation(method string) {
	if err := s.init(); err != nil {
		return
	}
	s.cancelTotal.Add(context.Background(), 1, metric.WithAttributes(attribute.String("method", method)))
}

// =============================================================================
// INFLUXDB SINK
// =============================================================================

// influxMetricsSink writes the same dispatch-latency/cancellation points
// as line-protocol data to an InfluxDB bucket, an alternate sink selected
// by config instead of (or alongside) the OTel/Prometheus path — the
// metrics analogue of pkg/logging's multi-destination LogExporter.
type influxMetricsSink struct {
	client influxdb2.Client
	write  influxapi.WriteAPI
	org    string
	bucket string
}

// NewInfluxMetricsSink builds a MetricsSink that writes asynchronously
// (buffered, non-blocking per the influx client's WriteAPI) to the given
// server/org/bucket.
func NewInfluxMetricsSink(serverURL, authToken, org, bucket string) MetricsSink {
	client := influxdb2.NewClient(serverURL, authToken)
	return &influxMetricsSink{
		client: client,
		write:  client.WriteAPI(org, bucket),
		org:    org,
		bucket: bucket,
	}
}

func (s *influxMetricsSink) RecordDispatch(method string, duration time.Duration, success bool) {
	p := influxdb2.NewPoint(
		"rpc_dispatch",
		map[string]string{"method": method, "success": boolTag(success)},
		map[string]interface{}{"duration_seconds": duration.Seconds()},
		time.Now(),
	)
	s.write.WritePoint(p)
}

func (s *influxMetricsSink) RecordCancellation(method string) {
	p := influxdb2.NewPoint(
		"rpc_cancellation",
		map[string]string{"method": method},
		map[string]interface{}{"count": 1},
		time.Now(),
	)
	s.write.WritePoint(p)
}

// Close flushes pending points and releases the underlying client.
func (s *influxMetricsSink) Close() {
	s.write.Flush()
	s.client.Close()
}

func boolTag(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// =============================================================================
// MULTI SINK
// =============================================================================

// MultiMetricsSink fans dispatch events out to every wrapped sink, the
// metrics analogue of pkg/logging's multiHandler.
type MultiMetricsSink struct {
	sinks []MetricsSink
}

// NewMultiMetricsSink combines sinks into one.
func NewMultiMetricsSink(sinks ...MetricsSink) MetricsSink {
	return &MultiMetricsSink{sinks: sinks}
}

func (m *MultiMetricsSink) RecordDispatch(method string, duration time.Duration, success bool) {
	for _, s := range m.sinks {
		s.RecordDispatch(method, duration, success)
	}
}

func (m *MultiMetricsSink) RecordCancellation(method string) {
	for _, s := range m.sinks {
		s.RecordCancellation(method)
	}
}
