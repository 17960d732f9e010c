package cache

import (
	"context"
	"encoding/json"
	"time"

	"golang.org/x/sync/singleflight"
)

// misses coalesces concurrent cache misses on the same key into one fetch.
var misses singleflight.Group

func load(ctx context.Context, key string, dest any) bool {
	if client == nil {
		return false
	}
	raw, err := client.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(raw, dest) == nil
}

// Aside reads key into dest, falling back to fetch on a miss or any Redis
// error. fetch must fill dest. What it produced is written back with ttl on
// a best-effort basis, and concurrent callers for the same key share it.
func Aside(ctx context.Context, key string, dest any, ttl time.Duration, fetch func() error) error {
	if load(ctx, key, dest) {
		return nil
	}
	if client == nil {
		return fetch()
	}

	raw, err, _ := misses.Do(key, func() (any, error) {
		if err := fetch(); err != nil {
			return nil, err
		}
		b, err := json.Marshal(dest)
		if err != nil {
			return nil, err
		}
		// A failed write only costs the next reader a fetch.
		_ = client.Set(ctx, key, b, ttl).Err()
		return b, nil
	})
	if err != nil {
		return err
	}
	return json.Unmarshal(raw.([]byte), dest)
}
