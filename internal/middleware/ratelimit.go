package middleware

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
)

var errNoRedis = errors.New("redis client is nil")

// fixedWindow bumps the caller's counter and returns it with the window's
// remaining lifetime in milliseconds.
var fixedWindow = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return {n, redis.call("PTTL", KEYS[1])}
`)

// Limit is a fixed-window budget of Requests per Window for one named route.
// FailClosed answers 503 when Redis cannot be reached instead of letting
// the request through.
type Limit struct {
	Name       string
	Requests   int
	Window     time.Duration
	FailClosed bool
}

// Verdict is the outcome of one Allow call.
type Verdict struct {
	Allowed   bool
	Remaining int
	ResetIn   time.Duration
}

func limitsBypassed() bool {
	switch os.Getenv("APP_ENV") {
	case "", "test", "development", "stress":
		return true
	}
	return false
}

// Allow charges one request to caller. Non-production environments are never limited.
func (l Limit) Allow(ctx context.Context, rdb *redis.Client, caller string) (Verdict, error) {
	if limitsBypassed() {
		return Verdict{Allowed: true, Remaining: l.Requests, ResetIn: l.Window}, nil
	}
	if rdb == nil {
		return Verdict{}, errNoRedis
	}

	res, err := fixedWindow.Run(ctx, rdb, []string{"rl:" + l.Name + ":" + caller}, l.Window.Milliseconds()).Int64Slice()
	if err != nil {
		return Verdict{}, err
	}
	if len(res) != 2 {
		return Verdict{}, errors.New("rate limit script returned an unexpected reply")
	}
	used, ttl := int(res[0]), time.Duration(res[1])*time.Millisecond
	if ttl < 0 {
		ttl = l.Window
	}
	return Verdict{
		Allowed:   used <= l.Requests,
		Remaining: max(l.Requests-used, 0),
		ResetIn:   ttl,
	}, nil
}

// Handler limits each caller, the authenticated user or else the remote IP.
// An empty Name limits per path.
func (l Limit) Handler(rdb *redis.Client) fiber.Handler {
	return func(c *fiber.Ctx) error {
		caller := "ip:" + c.IP()
		if uid, ok := c.Locals("userID").(string); ok && uid != "" {
			caller = "user:" + uid
		}
		lim := l
		if lim.Name == "" {
			lim.Name = c.Path()
		}

		v, err := lim.Allow(c.UserContext(), rdb, caller)
		if err != nil {
			if !lim.FailClosed {
				return c.Next()
			}
			Logger.WarnContext(c.UserContext(), "rate limiter unavailable",
				slog.String("limit", lim.Name), slog.String("error", err.Error()))
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "rate limit unavailable"})
		}

		c.Set("X-RateLimit-Limit", strconv.Itoa(lim.Requests))
		c.Set("X-RateLimit-Remaining", strconv.Itoa(v.Remaining))
		if !v.Allowed {
			c.Set(fiber.HeaderRetryAfter, strconv.Itoa(int(v.ResetIn.Round(time.Second).Seconds())))
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{"error": "rate limit exceeded"})
		}
		return c.Next()
	}
}
