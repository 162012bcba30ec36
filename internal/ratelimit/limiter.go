// Package ratelimit implements a Redis-backed request limiter with
// fixed windows rooted at the first request.
package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	ErrRedisUnavailable  = errors.New("redis unavailable")
)

type Decision struct {
	Limit      int
	Remaining  int
	Reset      time.Time
	RetryAfter int // seconds
	Allowed    bool
}

type LimitConfig struct {
	Rate   int           `yaml:"rate"`
	Window time.Duration `yaml:"window"`
}

// incrScript bumps the counter and arms the window TTL on first hit,
// atomically.
var incrScript = redis.NewScript(`
	local current = redis.call("INCR", KEYS[1])
	if tonumber(current) == 1 then
		redis.call("PEXPIRE", KEYS[1], ARGV[1])
	end
	return current
`)

type Limiter struct {
	client *redis.Client
	salt   string
}

func NewLimiter(client *redis.Client, salt string) *Limiter {
	if salt == "" {
		salt = "ts-cctv"
	}
	return &Limiter{client: client, salt: salt}
}

// HashIP keeps raw client addresses out of Redis.
func (l *Limiter) HashIP(ip string) string {
	hash := sha256.Sum256([]byte(ip + l.salt))
	return hex.EncodeToString(hash[:])
}

// Check counts the request against the key's window. The reset time is
// an upper bound; exact TTL would cost a second round trip.
func (l *Limiter) Check(ctx context.Context, key string, config LimitConfig) (*Decision, error) {
	count, err := incrScript.Run(ctx, l.client, []string{key}, config.Window.Milliseconds()).Int()
	if err != nil {
		return nil, ErrRedisUnavailable
	}

	remaining := config.Rate - count
	if remaining < 0 {
		remaining = 0
	}

	return &Decision{
		Limit:      config.Rate,
		Remaining:  remaining,
		Reset:      time.Now().Add(config.Window),
		RetryAfter: int(config.Window.Seconds()),
		Allowed:    count <= config.Rate,
	}, nil
}
