package notifications

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"plaza/internal/observability"

	"github.com/redis/go-redis/v9"
)

const (
	defaultPresenceKey   = "presence"
	defaultPresenceTTL   = 90 * time.Second
	defaultOfflineGrace  = 5 * time.Second
	defaultReapInterval  = time.Minute
	presenceSeenSuffix   = ":seen"
	presenceCountsSuffix = ":instances"
)

// PresenceOptions tunes Presence. Zero values take the defaults.
type PresenceOptions struct {
	Key   string
	TTL   time.Duration
	Grace time.Duration
	// ReapEvery is how often stale Redis entries are swept; negative disables it.
	ReapEvery time.Duration
}

type presenceState struct {
	conns   int
	pending *time.Timer
	offline bool
}

// Presence tracks who has an open socket. Local sockets are counted in
// memory. With Redis, every instance also keeps a sorted set of last-seen
// times and a hash counting the instances each user is connected to, so
// presence is shared and a crashed instance's users eventually expire.
// Going offline waits out a grace window so a quick reconnect is not reported.
type Presence struct {
	rdb   *redis.Client
	seen  string
	count string
	ttl   time.Duration

	mu        sync.Mutex
	grace     time.Duration
	users     map[string]*presenceState
	onOnline  func(userID string)
	onOffline func(userID string)

	stopOnce sync.Once
	stop     chan struct{}
}

// NewPresence starts the Redis sweeper when rdb is not nil.
func NewPresence(rdb *redis.Client, opts PresenceOptions) *Presence {
	if opts.Key == "" {
		opts.Key = defaultPresenceKey
	}
	if opts.TTL <= 0 {
		opts.TTL = defaultPresenceTTL
	}
	if opts.Grace <= 0 {
		opts.Grace = defaultOfflineGrace
	}
	if opts.ReapEvery == 0 {
		opts.ReapEvery = defaultReapInterval
	}
	p := &Presence{
		rdb:   rdb,
		seen:  opts.Key + presenceSeenSuffix,
		count: opts.Key + presenceCountsSuffix,
		ttl:   opts.TTL,
		grace: opts.Grace,
		users: make(map[string]*presenceState),
		stop:  make(chan struct{}),
	}
	if rdb != nil && opts.ReapEvery > 0 {
		go p.sweep(opts.ReapEvery)
	}
	return p
}

func (p *Presence) SetCallbacks(onOnline, onOffline func(userID string)) {
	p.mu.Lock()
	p.onOnline, p.onOffline = onOnline, onOffline
	p.mu.Unlock()
}

// SetGrace changes the offline grace window for later disconnects.
func (p *Presence) SetGrace(d time.Duration) {
	if d <= 0 {
		return
	}
	p.mu.Lock()
	p.grace = d
	p.mu.Unlock()
}

func (p *Presence) state(userID string) *presenceState {
	st, ok := p.users[userID]
	if !ok {
		st = &presenceState{}
		p.users[userID] = st
	}
	return st
}

// Connect records a new local socket for userID.
func (p *Presence) Connect(ctx context.Context, userID string) {
	wasOnline := p.IsOnline(ctx, userID)

	p.mu.Lock()
	st := p.state(userID)
	if st.pending != nil {
		st.pending.Stop()
		st.pending = nil
	}
	st.conns++
	first := st.conns == 1
	p.mu.Unlock()

	if first && p.rdb != nil {
		if err := p.rdb.HIncrBy(ctx, p.count, userID, 1).Err(); err != nil {
			p.warn(ctx, "presence connect failed", userID, err)
		}
	}
	p.Touch(ctx, userID)
	if !wasOnline {
		p.emitOnline(userID)
	}
}

// Touch refreshes userID's last-seen time in Redis.
func (p *Presence) Touch(ctx context.Context, userID string) {
	if p.rdb == nil {
		return
	}
	score := float64(time.Now().UnixMilli())
	if err := p.rdb.ZAdd(ctx, p.seen, redis.Z{Score: score, Member: userID}).Err(); err != nil {
		p.warn(ctx, "presence touch failed", userID, err)
	}
}

// Disconnect drops one local socket. When it was the last one, the user is
// reported offline after the grace window unless they reconnect first.
func (p *Presence) Disconnect(ctx context.Context, userID string) {
	p.mu.Lock()
	st, ok := p.users[userID]
	if !ok || st.conns == 0 {
		p.mu.Unlock()
		return
	}
	st.conns--
	if st.conns > 0 {
		p.mu.Unlock()
		return
	}
	if st.pending != nil {
		st.pending.Stop()
	}
	st.pending = time.AfterFunc(p.grace, func() { p.finalize(context.Background(), userID) })
	p.mu.Unlock()

	if p.rdb != nil {
		if err := p.rdb.HIncrBy(ctx, p.count, userID, -1).Err(); err != nil {
			p.warn(ctx, "presence disconnect failed", userID, err)
		}
	}
}

func (p *Presence) finalize(ctx context.Context, userID string) {
	p.mu.Lock()
	st := p.state(userID)
	st.pending = nil
	if st.conns > 0 {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	if p.rdb != nil {
		n, err := p.rdb.HGet(ctx, p.count, userID).Int64()
		if err == nil && n > 0 {
			// Still connected through another instance.
			return
		}
		_, _ = p.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HDel(ctx, p.count, userID)
			pipe.ZRem(ctx, p.seen, userID)
			return nil
		})
	}
	p.emitOffline(userID)
}

// IsOnline reports a local socket, or a fresh last-seen entry from any instance.
func (p *Presence) IsOnline(ctx context.Context, userID string) bool {
	p.mu.Lock()
	st, ok := p.users[userID]
	local := ok && st.conns > 0
	p.mu.Unlock()
	if local || p.rdb == nil {
		return local
	}
	score, err := p.rdb.ZScore(ctx, p.seen, userID).Result()
	if err != nil {
		return false
	}
	return int64(score) >= p.cutoff()
}

// Online lists users connected here or seen recently by any instance.
func (p *Presence) Online(ctx context.Context) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(id string) {
		if _, dup := seen[id]; !dup {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}

	p.mu.Lock()
	for id, st := range p.users {
		if st.conns > 0 {
			add(id)
		}
	}
	p.mu.Unlock()

	if p.rdb != nil {
		ids, err := p.rdb.ZRangeByScore(ctx, p.seen, &redis.ZRangeBy{
			Min: strconv.FormatInt(p.cutoff(), 10),
			Max: "+inf",
		}).Result()
		if err == nil {
			for _, id := range ids {
				add(id)
			}
		}
	}
	return out
}

// reap removes entries whose last-seen time is older than the TTL, which
// only happens when the instance holding the socket died.
func (p *Presence) reap(ctx context.Context) {
	if p.rdb == nil {
		return
	}
	stale, err := p.rdb.ZRangeByScore(ctx, p.seen, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(p.cutoff(), 10),
	}).Result()
	if err != nil || len(stale) == 0 {
		return
	}

	members := make([]any, len(stale))
	for i, id := range stale {
		members[i] = id
	}
	_, _ = p.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, p.seen, members...)
		pipe.HDel(ctx, p.count, stale...)
		return nil
	})

	for _, id := range stale {
		p.mu.Lock()
		st, ok := p.users[id]
		local := ok && st.conns > 0
		p.mu.Unlock()
		if !local {
			p.emitOffline(id)
		}
	}
}

func (p *Presence) sweep(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.reap(context.Background())
		}
	}
}

// Stop ends the sweeper and cancels pending offline reports.
func (p *Presence) Stop() {
	p.stopOnce.Do(func() {
		close(p.stop)
		p.mu.Lock()
		for _, st := range p.users {
			if st.pending != nil {
				st.pending.Stop()
				st.pending = nil
			}
		}
		p.mu.Unlock()
	})
}

func (p *Presence) cutoff() int64 {
	return time.Now().Add(-p.ttl).UnixMilli()
}

func (p *Presence) emitOnline(userID string) {
	p.mu.Lock()
	p.state(userID).offline = false
	cb := p.onOnline
	p.mu.Unlock()
	if cb != nil {
		cb(userID)
	}
}

// emitOffline reports userID once per online period.
func (p *Presence) emitOffline(userID string) {
	p.mu.Lock()
	st := p.state(userID)
	if st.offline {
		p.mu.Unlock()
		return
	}
	st.offline = true
	cb := p.onOffline
	p.mu.Unlock()
	if cb != nil {
		cb(userID)
	}
}

func (p *Presence) warn(ctx context.Context, msg, userID string, err error) {
	observability.GlobalLogger.WarnContext(ctx, msg,
		slog.String("user_id", userID), slog.String("error", err.Error()))
}
