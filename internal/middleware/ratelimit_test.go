package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestLimitAllow(t *testing.T) {
	ctx := context.Background()
	follow := Limit{Name: "follow", Requests: 3, Window: time.Minute}

	for _, env := range []string{"", "test", "development", "stress"} {
		t.Run("bypass "+env, func(t *testing.T) {
			t.Setenv("APP_ENV", env)
			v, err := Limit{Name: "follow", Requests: 1, Window: time.Minute}.Allow(ctx, nil, "user:1")
			require.NoError(t, err)
			assert.True(t, v.Allowed)
		})
	}

	t.Run("nil redis in production", func(t *testing.T) {
		t.Setenv("APP_ENV", "production")
		v, err := follow.Allow(ctx, nil, "user:1")
		assert.ErrorIs(t, err, errNoRedis)
		assert.False(t, v.Allowed)
	})

	t.Run("counts within the window", func(t *testing.T) {
		t.Setenv("APP_ENV", "production")
		mr, rdb := newRedis(t)

		for i := range 3 {
			v, err := follow.Allow(ctx, rdb, "user:1")
			require.NoError(t, err)
			assert.True(t, v.Allowed, "request %d", i)
			assert.Equal(t, 2-i, v.Remaining)
		}
		v, err := follow.Allow(ctx, rdb, "user:1")
		require.NoError(t, err)
		assert.False(t, v.Allowed)
		assert.Zero(t, v.Remaining)
		assert.InDelta(t, time.Minute.Seconds(), v.ResetIn.Seconds(), 1)

		v, err = follow.Allow(ctx, rdb, "user:2")
		require.NoError(t, err)
		assert.True(t, v.Allowed)

		mr.FastForward(time.Minute + time.Second)
		v, err = follow.Allow(ctx, rdb, "user:1")
		require.NoError(t, err)
		assert.True(t, v.Allowed)
	})
}

func TestLimitHandler(t *testing.T) {
	get := func(t *testing.T, app *fiber.App, method, path string) *http.Response {
		t.Helper()
		resp, err := app.Test(httptest.NewRequest(method, path, nil))
		require.NoError(t, err)
		_ = resp.Body.Close()
		return resp
	}

	t.Run("fails open without redis", func(t *testing.T) {
		t.Setenv("APP_ENV", "production")
		app := fiber.New()
		app.Get("/test", Limit{Requests: 1, Window: time.Minute}.Handler(nil), func(c *fiber.Ctx) error {
			return c.SendStatus(fiber.StatusOK)
		})
		assert.Equal(t, http.StatusOK, get(t, app, http.MethodGet, "/test").StatusCode)
	})

	t.Run("fails closed when asked", func(t *testing.T) {
		t.Setenv("APP_ENV", "production")
		app := fiber.New()
		app.Get("/sensitive", Limit{Requests: 1, Window: time.Minute, FailClosed: true}.Handler(nil), func(c *fiber.Ctx) error {
			return c.SendStatus(fiber.StatusOK)
		})
		assert.Equal(t, http.StatusServiceUnavailable, get(t, app, http.MethodGet, "/sensitive").StatusCode)
	})

	t.Run("rejects over the limit", func(t *testing.T) {
		t.Setenv("APP_ENV", "production")
		_, rdb := newRedis(t)
		app := fiber.New()
		app.Post("/follow", Limit{Name: "follow", Requests: 2, Window: time.Minute}.Handler(rdb), func(c *fiber.Ctx) error {
			return c.SendStatus(fiber.StatusNoContent)
		})

		first := get(t, app, http.MethodPost, "/follow")
		assert.Equal(t, http.StatusNoContent, first.StatusCode)
		assert.Equal(t, "2", first.Header.Get("X-RateLimit-Limit"))
		assert.Equal(t, "1", first.Header.Get("X-RateLimit-Remaining"))

		assert.Equal(t, http.StatusNoContent, get(t, app, http.MethodPost, "/follow").StatusCode)

		third := get(t, app, http.MethodPost, "/follow")
		assert.Equal(t, http.StatusTooManyRequests, third.StatusCode)
		assert.Equal(t, "60", third.Header.Get(fiber.HeaderRetryAfter))
	})
}
