package service

import (
	"context"
	"log/slog"
	"time"

	"plaza/internal/models"
	"plaza/internal/observability"
)

// EventSink receives engagement events. Implementations persist and fan
// them out; callers never wait on or fail because of them.
type EventSink interface {
	Emit(ctx context.Context, event models.EngagementEvent) error
}

const emitTimeout = 5 * time.Second

// emitAsync hands event to sink on its own goroutine, detached from the
// request's cancellation. Failures are logged and counted.
func emitAsync(ctx context.Context, sink EventSink, event models.EngagementEvent) {
	if sink == nil || event.SourceUserID == event.TargetUserID {
		return
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	bg := context.WithoutCancel(ctx)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				observability.EngagementEvents.WithLabelValues(string(event.Kind), "panic").Inc()
				observability.GlobalLogger.ErrorContext(bg, "engagement sink panicked", slog.Any("panic", r))
			}
		}()
		ctx, cancel := context.WithTimeout(bg, emitTimeout)
		defer cancel()
		if err := sink.Emit(ctx, event); err != nil {
			observability.EngagementEvents.WithLabelValues(string(event.Kind), "dropped").Inc()
			observability.LogAsyncFailure(ctx, "emit_engagement_event", err,
				slog.String("kind", string(event.Kind)),
				slog.String("source", event.SourceUserID),
				slog.String("target", event.TargetUserID),
			)
			return
		}
		observability.EngagementEvents.WithLabelValues(string(event.Kind), "delivered").Inc()
	}()
}
