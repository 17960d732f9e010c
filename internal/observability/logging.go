// Package observability holds the process-wide logger, the Prometheus
// collectors and the OpenTelemetry tracer.
package observability

import (
	"context"
	"log/slog"
	"os"
)

// Logger embeds slog.Logger so call sites read as plain slog.
type Logger struct {
	*slog.Logger
}

// GlobalLogger is used by code that has no request at hand.
var GlobalLogger = &Logger{Logger: slog.New(slog.NewJSONHandler(os.Stdout, nil))}

// SetGlobalLogger swaps GlobalLogger. A nil l is ignored.
func SetGlobalLogger(l *slog.Logger) {
	if l != nil {
		GlobalLogger = &Logger{Logger: l}
	}
}

// LoggingConfig switches off the chattier automatic log lines.
type LoggingConfig struct {
	EnableStoreLogging bool
	EnableWSLogging    bool
}

var Config = LoggingConfig{
	EnableStoreLogging: true,
	EnableWSLogging:    true,
}

// LogQuarantine counts a stored document that failed to decode and, unless
// store logging is off, says which one.
func LogQuarantine(ctx context.Context, collection, id string, err error) {
	QuarantinedDocuments.WithLabelValues(collection).Inc()
	if Config.EnableStoreLogging {
		GlobalLogger.WarnContext(ctx, "quarantined malformed document",
			"collection", collection, "document_id", id, "error", err.Error())
	}
}

// LogAsyncFailure records work that failed after the caller already got its answer.
func LogAsyncFailure(ctx context.Context, operation string, err error, attrs ...slog.Attr) {
	args := make([]any, 0, len(attrs)+2)
	args = append(args, slog.String("operation", operation), slog.String("error", err.Error()))
	for _, a := range attrs {
		args = append(args, a)
	}
	GlobalLogger.ErrorContext(ctx, "async operation failed", args...)
}

// WSLogger tags socket lifecycle lines with the endpoint they belong to.
type WSLogger struct {
	hub string
}

func NewWSLogger(hub string) *WSLogger { return &WSLogger{hub: hub} }

func (l *WSLogger) emit(ctx context.Context, level slog.Level, msg, userID string, extra ...any) {
	if !Config.EnableWSLogging {
		return
	}
	args := append([]any{"hub", l.hub, "user_id", userID}, extra...)
	GlobalLogger.Log(ctx, level, msg, args...)
}

func (l *WSLogger) LogConnect(ctx context.Context, userID string) {
	l.emit(ctx, slog.LevelInfo, "websocket connected", userID)
}

func (l *WSLogger) LogDisconnect(ctx context.Context, userID, reason string) {
	l.emit(ctx, slog.LevelInfo, "websocket disconnected", userID, "reason", reason)
}

// LogError reports a failure during stage (register, read, watch, dispatch).
func (l *WSLogger) LogError(ctx context.Context, userID string, err error, stage string) {
	l.emit(ctx, slog.LevelError, "websocket error", userID, "stage", stage, "error", err.Error())
}
