// Package cache holds the shared Redis client and the helpers built on it:
// cache-aside reads, cross-process pair locks and key naming.
package cache

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"plaza/internal/observability"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const pingTimeout = 5 * time.Second

var client *redis.Client

// instrument traces every command and counts the ones that fail. A miss
// (redis.Nil) is not a failure.
type instrument struct{}

func (instrument) DialHook(next redis.DialHook) redis.DialHook { return next }

func (instrument) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		return observe(ctx, cmd.Name(), func(ctx context.Context) error { return next(ctx, cmd) })
	}
}

func (instrument) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		return observe(ctx, "pipeline", func(ctx context.Context) error { return next(ctx, cmds) })
	}
}

func observe(ctx context.Context, op string, run func(context.Context) error) error {
	span, ctx := observability.NewSpan(ctx, "redis."+op, trace.WithSpanKind(trace.SpanKindClient))
	span.AddAttributes(attribute.String("db.system", "redis"))
	defer span.End()

	err := run(ctx)
	if err != nil && !errors.Is(err, redis.Nil) {
		observability.RedisErrorRate.WithLabelValues(op).Inc()
		span.SetError(err)
	}
	return err
}

func options(addr string) (*redis.Options, error) {
	if strings.Contains(addr, "://") {
		return redis.ParseURL(addr)
	}
	return &redis.Options{Addr: addr}, nil
}

// InitRedis dials addr, a redis:// URL or a bare host:port, and installs the
// result as the shared client. Any failure is logged and yields nil, in which
// case the process runs with in-process locks and no cache or fan-out.
func InitRedis(addr string) *redis.Client {
	client = nil
	if addr == "" {
		return nil
	}

	opts, err := options(addr)
	if err != nil {
		observability.GlobalLogger.Warn("invalid REDIS_URL, continuing without redis",
			slog.String("error", err.Error()))
		return nil
	}
	rdb := redis.NewClient(opts)
	rdb.AddHook(instrument{})

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		observability.GlobalLogger.Warn("redis unavailable, continuing without redis",
			slog.String("addr", opts.Addr), slog.String("error", err.Error()))
		_ = rdb.Close()
		return nil
	}

	observability.GlobalLogger.Info("redis connected", slog.String("addr", opts.Addr))
	client = rdb
	return rdb
}

// SetClient installs rdb as the shared client without dialing or instrumenting it.
func SetClient(rdb *redis.Client) { client = rdb }

func GetClient() *redis.Client { return client }
