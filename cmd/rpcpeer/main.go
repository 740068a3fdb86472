// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command rpcpeer runs one end of a bidirectional JSON-RPC connection
// over stdio, a raw TCP socket, or a websocket upgrade, wiring the
// jsonrpc2/conn/ral/config packages together the way a real LSP server or
// client binary would. It registers a small set of demo methods (echo,
// slow, index) that exercise request/response, cancellation, and
// progress end to end.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/AleutianAI/lsprpc/config"
	"github.com/AleutianAI/lsprpc/conn"
	"github.com/AleutianAI/lsprpc/jsonrpc2"
	"github.com/AleutianAI/lsprpc/pkg/logging"
	"github.com/AleutianAI/lsprpc/ral"
)

var (
	flagTransport   string
	flagAddress     string
	flagConfigPath  string
	flagTraceLevel  string
	flagMetricsAddr string
	flagOTLPTarget  string
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "rpcpeer:", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rpcpeer",
		Short: "Run a bidirectional JSON-RPC peer over stdio, TCP, or websocket",
		RunE:  runPeer,
	}
	cmd.Flags().StringVar(&flagTransport, "transport", "", "stdio, tcp, or ws (prompted interactively if empty)")
	cmd.Flags().StringVar(&flagAddress, "address", "127.0.0.1:7700", "address for tcp/ws transports")
	cmd.Flags().StringVar(&flagConfigPath, "config", "", "path to a config.yaml (optional)")
	cmd.Flags().StringVar(&flagTraceLevel, "trace-level", "", "off, messages, compact, or verbose")
	cmd.Flags().StringVar(&flagMetricsAddr, "metrics-address", "", "address to serve Prometheus /metrics on (empty disables)")
	cmd.Flags().StringVar(&flagOTLPTarget, "otlp-endpoint", "", "OTLP gRPC collector endpoint for span export (empty falls back to stdout spans)")
	return cmd
}

// runPeer wires a single Connection end-to-end: it's deliberately the
// "hello world" wiring a consumer of this engine would write, not a full
// LSP server.
func runPeer(cmd *cobra.Command, args []string) error {
	if err := promptMissingFlags(); err != nil {
		return err
	}

	logger := logging.Default()

	var cfg config.File
	if flagConfigPath != "" {
		loaded, err := config.Load(flagConfigPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if flagTraceLevel != "" {
		cfg.TraceLevel = flagTraceLevel
	}

	sink, shutdownTelemetry, err := setupTelemetry(cmd.Context())
	if err != nil {
		return err
	}
	defer shutdownTelemetry()

	rt, streams, closeStreams, err := openStreams(logger)
	if err != nil {
		return err
	}
	defer closeStreams()

	reader := jsonrpc2.NewReader(streams.Reader, rt.ContentTypeCodec())
	if to := cfg.PartialMessageTimeout(); to != jsonrpc2.DefaultPartialMessageTimeout {
		reader.SetPartialMessageTimeout(to)
	}
	writer := jsonrpc2.NewWriter(streams.Writer, rt.ContentTypeCodec(), nil)

	level, _ := conn.ParseTraceLevel(cfg.TraceLevel)
	trace := conn.NewTraceHook(level, conn.TraceFormatText, conn.TraceSinkFunc(func(line string) {
		logger.Info("trace", "line", line)
	}))

	opts := []conn.Option{
		conn.WithRuntime(rt),
		conn.WithLogger(logger),
		conn.WithTraceHook(trace),
		conn.WithMetricsSink(sink),
	}
	for method, shape := range cfg.MethodShapes() {
		opts = append(opts, conn.WithMethodShape(method, shape))
	}

	c := conn.New(reader, writer, opts...)
	registerDemoHandlers(c)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c.OnClose(func() { logger.Info("rpcpeer: connection closed") })
	if err := c.Listen(ctx); err != nil {
		return fmt.Errorf("rpcpeer: listen: %w", err)
	}

	logger.Info("rpcpeer: listening", "transport", flagTransport)
	<-ctx.Done()
	c.Dispose()
	return nil
}

// promptMissingFlags runs a huh form to fill in --transport/--trace-level
// when the caller didn't pass them.
func promptMissingFlags() error {
	if flagTransport != "" && flagTraceLevel != "" {
		return nil
	}
	var fields []huh.Field
	if flagTransport == "" {
		fields = append(fields, huh.NewSelect[string]().
			Title("Transport").
			Options(
				huh.NewOption("stdio (inherit this process's stdin/stdout)", "stdio"),
				huh.NewOption("tcp (dial --address)", "tcp"),
				huh.NewOption("ws (serve a websocket upgrade on --address)", "ws"),
			).
			Value(&flagTransport))
	}
	if flagTraceLevel == "" {
		fields = append(fields, huh.NewSelect[string]().
			Title("Initial trace level").
			Options(
				huh.NewOption("off", "off"),
				huh.NewOption("messages", "messages"),
				huh.NewOption("compact", "compact"),
				huh.NewOption("verbose", "verbose"),
			).
			Value(&flagTraceLevel))
	}
	if len(fields) == 0 {
		return nil
	}
	return huh.NewForm(huh.NewGroup(fields...)).Run()
}

// openStreams realizes the chosen transport through the ral package,
// returning the runtime (which the Connection schedules on), the stream
// pair, and a close function.
func openStreams(logger *logging.Logger) (ral.Runtime, ral.StreamPair, func(), error) {
	switch flagTransport {
	case "stdio", "":
		rt := ral.NewNativeRuntimeWithLogger(logger)
		return rt, rt.StdioStreams(), func() {}, nil

	case "tcp":
		rt := ral.NewNativeRuntimeWithLogger(logger)
		pair, err := rt.DialStreams("tcp", flagAddress)
		if err != nil {
			return nil, ral.StreamPair{}, func() {}, err
		}
		return rt, pair, func() { pair.Close() }, nil

	case "ws":
		rt := ral.NewBrowserRuntimeWithLogger(logger)
		connected := make(chan ral.StreamPair, 1)
		engine := rt.UpgradeHandler("/rpc", func(p ral.StreamPair) { connected <- p })
		srv := &http.Server{Addr: flagAddress, Handler: engine}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("rpcpeer: websocket server", "error", err)
			}
		}()
		rt.Console().Log("rpcpeer: waiting for websocket peer on ", flagAddress)
		pair := <-connected
		return rt, pair, func() { pair.Close(); srv.Close() }, nil

	default:
		return nil, ral.StreamPair{}, func() {}, fmt.Errorf("rpcpeer: unknown transport %q", flagTransport)
	}
}

// setupTelemetry wires the OTel SDK's metric provider to a stdout
// exporter for local runs (plus a promhttp endpoint when
// --metrics-address is set), and the trace provider to an OTLP-gRPC
// collector when --otlp-endpoint is set, falling back to stdout span
// export otherwise. Dispatch spans from conn.NewOTelMetricsSink flow to
// whichever trace exporter is selected.
func setupTelemetry(ctx context.Context) (conn.MetricsSink, func(), error) {
	metricExporter, err := stdoutmetric.New()
	if err != nil {
		return nil, nil, fmt.Errorf("rpcpeer: stdout metric exporter: %w", err)
	}
	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(30*time.Second))),
	)
	otel.SetMeterProvider(meterProvider)

	var spanExporter sdktrace.SpanExporter
	if flagOTLPTarget != "" {
		spanExporter, err = otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(flagOTLPTarget),
			otlptracegrpc.WithInsecure(),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("rpcpeer: otlp trace exporter: %w", err)
		}
	} else {
		spanExporter, err = stdouttrace.New()
		if err != nil {
			return nil, nil, fmt.Errorf("rpcpeer: stdout trace exporter: %w", err)
		}
	}
	tracerProvider := sdktrace.NewTracerProvider(sdktrace.WithBatcher(spanExporter))
	otel.SetTracerProvider(tracerProvider)

	if flagMetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go http.ListenAndServe(flagMetricsAddr, mux)
	}

	shutdown := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracerProvider.Shutdown(shutdownCtx)
		_ = meterProvider.Shutdown(shutdownCtx)
	}
	return conn.NewOTelMetricsSink(), shutdown, nil
}

// registerDemoHandlers installs the echo/slow/index demo methods. A real
// LSP feature layer would register many more methods through the same
// OnRequest/OnNotification surface.
func registerDemoHandlers(c *conn.Connection) {
	c.OnRequest("echo", func(ctx context.Context, token jsonrpc2.CancellationToken, params json.RawMessage) (interface{}, error) {
		var args []interface{}
		if err := json.Unmarshal(params, &args); err == nil && len(args) > 0 {
			return args[0], nil
		}
		var single interface{}
		_ = json.Unmarshal(params, &single)
		return single, nil
	})

	c.OnRequest("slow", func(ctx context.Context, token jsonrpc2.CancellationToken, params json.RawMessage) (interface{}, error) {
		select {
		case <-time.After(2 * time.Second):
			return "done", nil
		case <-waitForCancel(token):
			return nil, &jsonrpc2.ResponseError{Code: jsonrpc2.RequestCancelled, Message: "slow cancelled"}
		}
	})

	c.OnRequest("index", func(ctx context.Context, token jsonrpc2.CancellationToken, params json.RawMessage) (interface{}, error) {
		var args struct {
			WorkDoneToken *jsonrpc2.RequestID `json:"workDoneToken"`
		}
		_ = json.Unmarshal(params, &args)
		if args.WorkDoneToken != nil {
			_ = c.SendProgress(*args.WorkDoneToken, map[string]string{"kind": "begin"})
			_ = c.SendProgress(*args.WorkDoneToken, map[string]string{"kind": "report"})
			_ = c.SendProgress(*args.WorkDoneToken, map[string]string{"kind": "end"})
		}
		return map[string]int{"indexed": 0}, nil
	})
}

func waitForCancel(token jsonrpc2.CancellationToken) <-chan struct{} {
	done := make(chan struct{})
	token.OnCancelled(func() { close(done) })
	return done
}
