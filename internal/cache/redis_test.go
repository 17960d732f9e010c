package cache

import (
	"context"
	"testing"

	"plaza/internal/observability"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitRedis(t *testing.T) {
	t.Cleanup(func() { SetClient(nil) })

	assert.Nil(t, InitRedis(""))
	assert.Nil(t, InitRedis("redis://:bad url"))
	assert.Nil(t, GetClient())

	mr := miniredis.RunT(t)
	for _, addr := range []string{mr.Addr(), "redis://" + mr.Addr() + "/0"} {
		rdb := InitRedis(addr)
		require.NotNil(t, rdb, addr)
		assert.Same(t, rdb, GetClient())
		_ = rdb.Close()
	}

	mr.Close()
	assert.Nil(t, InitRedis(mr.Addr()))
	assert.Nil(t, GetClient())
}

func TestInstrumentCountsFailuresNotMisses(t *testing.T) {
	t.Cleanup(func() { SetClient(nil) })
	mr := miniredis.RunT(t)
	rdb := InitRedis(mr.Addr())
	require.NotNil(t, rdb)
	defer func() { _ = rdb.Close() }()

	ctx := context.Background()
	getErrs := observability.RedisErrorRate.WithLabelValues("get")
	before := testutil.ToFloat64(getErrs)

	assert.ErrorIs(t, rdb.Get(ctx, "missing").Err(), redis.Nil)
	assert.Equal(t, before, testutil.ToFloat64(getErrs))

	mr.SetError("ERR injected failure")
	assert.Error(t, rdb.Get(ctx, "missing").Err())
	assert.Equal(t, before+1, testutil.ToFloat64(getErrs))
}
