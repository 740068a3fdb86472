// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package logging provides structured logging for lsprpc components.
//
// Every destination an lsprpc process writes diagnostics to flows
// through one Logger: stderr (text on a TTY, JSON when piped), an
// optional dated log file, and an optional LogExporter for external
// systems. The connection engine, the runtime abstraction layer's
// console, and all three binaries share this package, so a peer's
// output lands in one place regardless of which layer produced it.
//
// # Basic Usage
//
//	logger := logging.Default()
//	logger.Info("listening", "transport", "stdio")
//	logger.Error("write failed", "id", id, "error", err)
//
// # File Logging
//
//	logger := logging.New(logging.Config{
//	    Level:   logging.LevelInfo,
//	    LogDir:  "~/.aleutian/logs",
//	    Service: "rpcpeer",
//	})
//	defer logger.Close()
//
// Log files are named `{service}_{date}.log` and always JSON.
//
// # Stdio Transports
//
// A peer speaking JSON-RPC over its own stdin/stdout must keep stderr
// machine-parseable for whoever spawned it; set ForceJSON there. The
// reverse (ForceText) helps when a TTY detection heuristic guesses
// wrong inside a terminal multiplexer.
//
// # Security Considerations
//
// Nothing here redacts. Method params travel through the engine opaque
// and unlogged by default; if a caller logs them anyway, scrubbing
// tokens and PII is the caller's job.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
)

// =============================================================================
// Log Levels
// =============================================================================

// Level represents log severity, ordered Debug < Info < Warn < Error.
// Setting a minimum level filters out everything below it.
type Level int

const (
	// LevelDebug is for development troubleshooting.
	LevelDebug Level = iota

	// LevelInfo is for normal operational messages: a connection opened,
	// a request dispatched, a config reloaded.
	LevelInfo

	// LevelWarn is for recoverable oddities: an unsolicited response, a
	// parameter-shape mismatch on a notification, a watchdog firing.
	LevelWarn

	// LevelError is for failed operations the process survives: a write
	// error, a framing error, a handler panic.
	LevelError
)

// String returns "DEBUG", "INFO", "WARN", "ERROR", or "UNKNOWN".
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func (l Level) toSlogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelInfo:
		return slog.LevelInfo
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// =============================================================================
// Configuration
// =============================================================================

// Config controls a Logger's destinations and format.
type Config struct {
	// Level sets the minimum log level. Messages below it are discarded.
	// The zero value is LevelDebug; Default() uses LevelInfo.
	Level Level

	// LogDir enables file logging to the named directory (created 0750 if
	// absent, ~ expands to the home directory). The file is named
	// "{Service}_{YYYY-MM-DD}.log" and is always JSON.
	LogDir string

	// Service identifies the component generating logs and is attached to
	// every entry as the "service" attribute. Typical values here:
	// "rpcpeer", "rpcinspect", "tracerecord", "conn".
	Service string

	// JSON selects JSON output on stderr unless ForceText is set. When
	// false, the format is auto-detected via isatty: text on a terminal,
	// JSON when piped.
	JSON bool

	// ForceJSON and ForceText override both JSON and the isatty
	// auto-detection. At most one should be set; ForceJSON wins if both
	// are. A peer speaking the protocol over stdio sets
	// ForceJSON so a human tailing its stderr still gets
	// one-object-per-line output.
	ForceJSON bool
	ForceText bool

	// Quiet disables stderr output entirely; logs go only to the file
	// (if LogDir is set) and the Exporter (if configured). rpcinspect
	// uses this because bubbletea owns the terminal.
	Quiet bool

	// Exporter, when set, additionally receives every entry
	// asynchronously. Export failures are silently dropped so logging
	// never disrupts the data path.
	Exporter LogExporter
}

// =============================================================================
// Export Interface
// =============================================================================

// LogExporter receives log entries for delivery to an external system
// (object storage, a log aggregator, an OTLP collector).
//
// Implementations should buffer internally and never block Export: it is
// called once per entry from a short-lived goroutine with a 1-second
// context. Flush is called during shutdown and should block until all
// buffered entries are delivered; Close releases resources afterwards.
type LogExporter interface {
	Export(ctx context.Context, entry LogEntry) error
	Flush(ctx context.Context) error
	Close() error
}

// LogEntry is the exporter-facing form of one log record.
type LogEntry struct {
	// Timestamp when the log was generated (local time).
	Timestamp time.Time

	// Level of the log.
	Level Level

	// Message is the primary log message.
	Message string

	// Service identifies the component (from Config.Service).
	Service string

	// Attrs contains the key-value attributes of the call.
	Attrs map[string]any
}

// =============================================================================
// Logger
// =============================================================================

// Logger is a multi-destination structured logger over log/slog.
//
// # Thread Safety
//
// Safe for concurrent use; mutable state is mutex-guarded and
// slog.Logger is itself thread-safe.
//
// # Resource Management
//
// Close a Logger that has a file or exporter configured:
//
//	logger := logging.New(config)
//	defer logger.Close()
type Logger struct {
	slog     *slog.Logger
	config   Config
	file     *os.File
	exporter LogExporter
	mu       sync.Mutex
}

// New creates a Logger with the given configuration: a stderr handler
// (unless Quiet), a file handler (if LogDir is set), and the exporter
// hookup (if Exporter is set).
func New(config Config) *Logger {
	var handlers []slog.Handler

	opts := &slog.HandlerOptions{
		Level: config.Level.toSlogLevel(),
	}

	if !config.Quiet {
		var stderrHandler slog.Handler
		if wantJSON(config) {
			stderrHandler = slog.NewJSONHandler(os.Stderr, opts)
		} else {
			stderrHandler = slog.NewTextHandler(os.Stderr, opts)
		}
		handlers = append(handlers, stderrHandler)
	}

	logger := &Logger{
		config:   config,
		exporter: config.Exporter,
	}

	if config.LogDir != "" {
		logDir := expandPath(config.LogDir)
		if err := os.MkdirAll(logDir, 0750); err == nil {
			serviceName := config.Service
			if serviceName == "" {
				serviceName = "lsprpc"
			}
			filename := fmt.Sprintf("%s_%s.log", serviceName, time.Now().Format("2006-01-02"))
			logPath := filepath.Join(logDir, filename)

			file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
			if err == nil {
				logger.file = file
				// File logs are always JSON: they exist to be parsed.
				handlers = append(handlers, slog.NewJSONHandler(file, opts))
			}
		}
	}

	var handler slog.Handler
	switch len(handlers) {
	case 0:
		// Quiet with no file still needs somewhere for slog to point.
		handler = slog.NewTextHandler(io.Discard, opts)
	case 1:
		handler = handlers[0]
	default:
		handler = &multiHandler{handlers: handlers}
	}

	if config.Service != "" {
		handler = handler.WithAttrs([]slog.Attr{
			slog.String("service", config.Service),
		})
	}

	logger.slog = slog.New(handler)
	return logger
}

// Default returns a stderr-only Logger at Info level with the module's
// service name, suitable when a caller has no config of its own.
func Default() *Logger {
	return New(Config{
		Level:   LevelInfo,
		Service: "lsprpc",
	})
}

// Debug logs a message at Debug level with key-value attributes.
func (l *Logger) Debug(msg string, args ...any) {
	l.log(LevelDebug, msg, args...)
}

// Info logs a message at Info level.
//
//	logger.Info("response received", "id", id, "elapsed_ms", ms)
func (l *Logger) Info(msg string, args ...any) {
	l.log(LevelInfo, msg, args...)
}

// Warn logs a message at Warn level.
func (l *Logger) Warn(msg string, args ...any) {
	l.log(LevelWarn, msg, args...)
}

// Error logs a message at Error level. For fatal conditions, follow with
// os.Exit or panic at the call site; the logger never terminates the
// process.
func (l *Logger) Error(msg string, args ...any) {
	l.log(LevelError, msg, args...)
}

// With returns a child Logger carrying additional attributes on every
// entry. The parent is unmodified; file handle and exporter are shared.
//
//	connLogger := logger.With("conn_id", id)
func (l *Logger) With(args ...any) *Logger {
	return &Logger{
		slog:     l.slog.With(args...),
		config:   l.config,
		file:     l.file,
		exporter: l.exporter,
	}
}

// Slog exposes the underlying slog.Logger for features this wrapper
// doesn't surface (LogAttrs, custom Records).
func (l *Logger) Slog() *slog.Logger {
	return l.slog
}

// Close flushes and closes the exporter, then syncs and closes the log
// file. Returns the first error encountered.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var errs []error

	if l.exporter != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := l.exporter.Flush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flush exporter: %w", err))
		}
		if err := l.exporter.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close exporter: %w", err))
		}
	}

	if l.file != nil {
		if err := l.file.Sync(); err != nil {
			errs = append(errs, fmt.Errorf("sync log file: %w", err))
		}
		if err := l.file.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close log file: %w", err))
		}
	}

	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// log writes to slog (stderr + file) and, when configured, hands the
// entry to the exporter on its own goroutine so a slow export never
// stalls a dispatch path.
func (l *Logger) log(level Level, msg string, args ...any) {
	switch level {
	case LevelDebug:
		l.slog.Debug(msg, args...)
	case LevelInfo:
		l.slog.Info(msg, args...)
	case LevelWarn:
		l.slog.Warn(msg, args...)
	case LevelError:
		l.slog.Error(msg, args...)
	}

	if l.exporter != nil && level >= l.config.Level {
		entry := LogEntry{
			Timestamp: time.Now(),
			Level:     level,
			Message:   msg,
			Service:   l.config.Service,
			Attrs:     argsToMap(args),
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = l.exporter.Export(ctx, entry)
		}()
	}
}

// =============================================================================
// Multi-Handler (Internal)
// =============================================================================

// multiHandler fans out log records to multiple slog handlers.
type multiHandler struct {
	handlers []slog.Handler
}

// Enabled returns true if any handler is enabled for the level.
func (h *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

// Handle sends the record to all enabled handlers.
func (h *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, r.Level) {
			if err := handler.Handle(ctx, r); err != nil {
				return err
			}
		}
	}
	return nil
}

// WithAttrs returns a new handler with additional attributes.
func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithAttrs(attrs)
	}
	return &multiHandler{handlers: handlers}
}

// WithGroup returns a new handler with a group name.
func (h *multiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithGroup(name)
	}
	return &multiHandler{handlers: handlers}
}

// =============================================================================
// Helper Functions
// =============================================================================

// wantJSON resolves the effective stderr format: an explicit Force* flag
// wins, otherwise fall back to isatty.IsTerminal on stderr's file
// descriptor so a human at a terminal gets readable text and a piped
// consumer (log aggregator, `| jq`) gets JSON without either side having
// to pass a flag.
func wantJSON(config Config) bool {
	if config.ForceJSON {
		return true
	}
	if config.ForceText {
		return false
	}
	if config.JSON {
		return true
	}
	return !isatty.IsTerminal(os.Stderr.Fd()) && !isatty.IsCygwinTerminal(os.Stderr.Fd())
}

// expandPath expands a leading ~ to the user's home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}

// argsToMap converts slog-style key-value args to a map for
// LogEntry.Attrs. Non-string keys and a dangling trailing value are
// dropped.
func argsToMap(args []any) map[string]any {
	result := make(map[string]any)
	for i := 0; i < len(args)-1; i += 2 {
		if key, ok := args[i].(string); ok {
			result[key] = args[i+1]
		}
	}
	return result
}

// =============================================================================
// Built-in Exporters
// =============================================================================

// NopExporter discards all entries. Useful for testing or when export
// is disabled.
type NopExporter struct{}

func (e *NopExporter) Export(ctx context.Context, entry LogEntry) error { return nil }
func (e *NopExporter) Flush(ctx context.Context) error                  { return nil }
func (e *NopExporter) Close() error                                     { return nil }

var _ LogExporter = (*NopExporter)(nil)

// BufferedExporter collects log entries in memory, for tests that need
// to assert on what was logged:
//
//	exporter := logging.NewBufferedExporter()
//	logger := logging.New(logging.Config{Exporter: exporter})
//	logger.Info("test message", "key", "value")
//	entries := exporter.Entries()
type BufferedExporter struct {
	mu      sync.Mutex
	entries []LogEntry
}

// NewBufferedExporter creates an empty BufferedExporter.
func NewBufferedExporter() *BufferedExporter {
	return &BufferedExporter{
		entries: make([]LogEntry, 0, 100),
	}
}

// Export adds the entry to the buffer.
func (e *BufferedExporter) Export(ctx context.Context, entry LogEntry) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.entries = append(e.entries, entry)
	return nil
}

// Flush is a no-op; entries are already in memory.
func (e *BufferedExporter) Flush(ctx context.Context) error { return nil }

// Close is a no-op.
func (e *BufferedExporter) Close() error { return nil }

// Entries returns a copy of all collected entries.
func (e *BufferedExporter) Entries() []LogEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	result := make([]LogEntry, len(e.entries))
	copy(result, e.entries)
	return result
}

// WriterExporter renders each entry as one line on an io.Writer.
type WriterExporter struct {
	w  io.Writer
	mu sync.Mutex
}

// NewWriterExporter creates a WriterExporter over w. The writer is not
// owned; Close does not close it.
func NewWriterExporter(w io.Writer) *WriterExporter {
	return &WriterExporter{w: w}
}

// Export writes the rendered entry to the writer.
func (e *WriterExporter) Export(ctx context.Context, entry LogEntry) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, err := fmt.Fprintf(e.w, "[%s] %s: %s %v\n",
		entry.Timestamp.Format(time.RFC3339),
		entry.Level,
		entry.Message,
		entry.Attrs,
	)
	return err
}

// Flush is a no-op; writes are immediate.
func (e *WriterExporter) Flush(ctx context.Context) error { return nil }

// Close is a no-op.
func (e *WriterExporter) Close() error { return nil }
