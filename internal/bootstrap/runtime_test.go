package bootstrap

import (
	"context"
	"strings"
	"testing"
	"time"

	"plaza/internal/config"
	"plaza/internal/docstore"
	"plaza/internal/repository"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *config.Config {
	return &config.Config{
		Port:                 "0",
		Env:                  "test",
		FeatureFlags:         "follow_notifications=on",
		JWTSecret:            "test-secret",
		StoreBackend:         "memory",
		StoreMaxInFilter:     2,
		StoreTimeoutMS:       1000,
		JournalDriver:        "sqlite",
		JournalDSN:           ":memory:",
		FollowRetryAttempts:  2,
		FollowRetryInitialMS: 1,
		FollowRetryMaxMS:     5,
		PairLockTTLMS:        1000,
	}
}

func TestInitRuntime_MemoryStoreWithoutRedis(t *testing.T) {
	ctx := context.Background()
	rt, err := InitRuntime(ctx, testConfig(), Options{SkipRedis: true})
	require.NoError(t, err)
	defer func() { assert.NoError(t, rt.Close(ctx)) }()

	assert.Nil(t, rt.Redis)
	assert.True(t, isTransactional(rt.Store))
	assert.Equal(t, 2, rt.Store.Limits().MaxInFilter)

	alice, _, err := rt.Directory.EnsureProfile(ctx, "alice", "Alice", "alice@example.com", "")
	require.NoError(t, err)
	bob, _, err := rt.Directory.EnsureProfile(ctx, "bob", "Bob", "bob@example.com", "")
	require.NoError(t, err)

	client, err := rt.Hub.Register(bob.ID, nil)
	require.NoError(t, err)

	require.NoError(t, rt.Follow.Follow(ctx, alice.ID, bob.ID))

	select {
	case msg := <-client.Send:
		assert.Contains(t, string(msg), `"notification"`)
	case <-time.After(2 * time.Second):
		t.Fatal("follow notification was not delivered to the local hub")
	}

	report, err := rt.Reconciler.Run(ctx)
	require.NoError(t, err)
	assert.True(t, report.Clean())
	assert.Equal(t, 2, report.UsersScanned)
}

func TestInitRuntime_RedisFanOut(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rt, err := InitRuntime(ctx, testConfig(), Options{Redis: rdb})
	require.NoError(t, err)
	defer func() { _ = rt.Close(context.Background()) }()
	require.NoError(t, rt.StartRealtime(ctx))

	_, _, err = rt.Directory.EnsureProfile(ctx, "carol", "Carol", "", "")
	require.NoError(t, err)
	_, _, err = rt.Directory.EnsureProfile(ctx, "dave", "Dave", "", "")
	require.NoError(t, err)

	client, err := rt.Hub.Register("dave", nil)
	require.NoError(t, err)

	require.NoError(t, rt.Follow.Follow(ctx, "carol", "dave"))

	select {
	case msg := <-client.Send:
		assert.True(t, strings.Contains(string(msg), "carol"))
	case <-time.After(2 * time.Second):
		t.Fatal("follow notification was not fanned out through redis")
	}
}

func TestInitRuntime_RejectsUnknownStore(t *testing.T) {
	cfg := testConfig()
	cfg.StoreBackend = "cassandra"
	_, err := InitRuntime(context.Background(), cfg, Options{SkipRedis: true})
	assert.ErrorContains(t, err, "unknown store backend")
}

func TestInitRuntime_UsesInjectedStore(t *testing.T) {
	store := docstore.NewMemoryStore(docstore.WithMaxInFilter(7))
	rt, err := InitRuntime(context.Background(), testConfig(), Options{Store: store, SkipRedis: true})
	require.NoError(t, err)
	defer func() { _ = rt.Close(context.Background()) }()

	assert.Equal(t, 7, rt.Store.Limits().MaxInFilter)
}

func TestIndexesCoverQueriedCollections(t *testing.T) {
	covered := map[string]bool{}
	for _, idx := range Indexes() {
		require.NotEmpty(t, idx.Keys)
		covered[idx.Collection] = true
	}
	for _, c := range []string{
		repository.UsersCollection,
		repository.PostsCollection,
		repository.CommentsCollection,
		repository.NotificationsCollection,
	} {
		assert.True(t, covered[c], c)
	}
}

func TestRetryPolicyFromConfig(t *testing.T) {
	p := RetryPolicy(testConfig())
	assert.Equal(t, uint(2), p.Attempts)
	assert.Equal(t, time.Millisecond, p.Initial)
	assert.Equal(t, 5*time.Millisecond, p.Max)
}
