package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"plaza/internal/observability"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockTimeout is returned when a pair lock could not be taken before the
// caller's context ended.
var ErrLockTimeout = errors.New("cache: lock wait timed out")

const lockPollInterval = 20 * time.Millisecond

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// PairLock serializes work on an unordered pair of ids. Inside one process it
// always holds a keyed mutex; with Redis available it also holds a SET NX key
// so other replicas wait too. The Redis key expires after ttl so a crashed
// holder cannot wedge the pair.
type PairLock struct {
	rdb    *redis.Client
	ttl    time.Duration
	prefix string

	mu    sync.Mutex
	local map[string]*localLock
}

type localLock struct {
	ch   chan struct{}
	refs int
}

// NewPairLock returns a lock namespaced by prefix. rdb may be nil.
func NewPairLock(rdb *redis.Client, prefix string, ttl time.Duration) *PairLock {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &PairLock{
		rdb:    rdb,
		ttl:    ttl,
		prefix: prefix,
		local:  make(map[string]*localLock),
	}
}

// PairKey orders a and b so both directions of a pair share one key.
func PairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + ":" + b
}

// Acquire blocks until the pair is held or ctx ends. The returned release
// func must be called exactly once.
func (l *PairLock) Acquire(ctx context.Context, a, b string) (func(), error) {
	key := PairKey(a, b)

	entry := l.ref(key)
	select {
	case entry.ch <- struct{}{}:
	case <-ctx.Done():
		l.unref(key)
		return nil, fmt.Errorf("%w: %w", ErrLockTimeout, ctx.Err())
	}
	releaseLocal := func() {
		<-entry.ch
		l.unref(key)
	}

	if l.rdb == nil {
		return releaseLocal, nil
	}

	redisKey := fmt.Sprintf("lock:%s:%s", l.prefix, key)
	token := uuid.NewString()
	for {
		ok, err := l.rdb.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				releaseLocal()
				return nil, fmt.Errorf("%w: %w", ErrLockTimeout, ctx.Err())
			}
			// Fail open to the process-local lock when Redis is unhealthy.
			observability.GlobalLogger.WarnContext(ctx, "pair lock degraded to local mutex",
				slog.String("key", redisKey), slog.String("error", err.Error()))
			return releaseLocal, nil
		}
		if ok {
			return func() {
				releaseCtx, cancel := context.WithTimeout(context.Background(), time.Second)
				defer cancel()
				_ = releaseScript.Run(releaseCtx, l.rdb, []string{redisKey}, token).Err()
				releaseLocal()
			}, nil
		}

		timer := time.NewTimer(lockPollInterval)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			releaseLocal()
			return nil, fmt.Errorf("%w: %w", ErrLockTimeout, ctx.Err())
		}
	}
}

func (l *PairLock) ref(key string) *localLock {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.local[key]
	if !ok {
		entry = &localLock{ch: make(chan struct{}, 1)}
		l.local[key] = entry
	}
	entry.refs++
	return entry
}

func (l *PairLock) unref(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.local[key]
	if !ok {
		return
	}
	entry.refs--
	if entry.refs == 0 {
		delete(l.local, key)
	}
}
