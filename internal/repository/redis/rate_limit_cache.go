package redis

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"otp-auth-service/internal/client"
	"otp-auth-service/internal/util"
)

const (
	phoneRateLimitPrefix = "otp_rate:phone:"
	ipRateLimitPrefix    = "otp_rate:ip:"
)

// LimitScope names the window that rejected a reservation
type LimitScope string

const (
	ScopeNone  LimitScope = ""
	ScopePhone LimitScope = "phone"
	ScopeIP    LimitScope = "ip"
)

// Both windows are trimmed and checked before either is written, so a request
// rejected on one key never consumes budget on the other.
var reserveScript = goredis.NewScript(`
local phone_key = KEYS[1]
local ip_key = KEYS[2]
local now = tonumber(ARGV[1])
local window_start = tonumber(ARGV[2])
local phone_limit = tonumber(ARGV[3])
local ip_limit = tonumber(ARGV[4])
local ttl_ms = tonumber(ARGV[5])
local member = ARGV[6]

redis.call('ZREMRANGEBYSCORE', phone_key, '-inf', window_start)
redis.call('ZREMRANGEBYSCORE', ip_key, '-inf', window_start)

local phone_count = redis.call('ZCARD', phone_key)
if phone_count >= phone_limit then
	local oldest = redis.call('ZRANGE', phone_key, 0, 0, 'WITHSCORES')
	return {1, phone_count, tonumber(oldest[2])}
end

local ip_count = redis.call('ZCARD', ip_key)
if ip_count >= ip_limit then
	local oldest = redis.call('ZRANGE', ip_key, 0, 0, 'WITHSCORES')
	return {2, ip_count, tonumber(oldest[2])}
end

redis.call('ZADD', phone_key, now, member)
redis.call('ZADD', ip_key, now, member)
redis.call('PEXPIRE', phone_key, ttl_ms)
redis.call('PEXPIRE', ip_key, ttl_ms)
return {0, phone_count + 1, 0}
`)

var memberSeq atomic.Uint64

func nextSeq() uint64 {
	return memberSeq.Add(1)
}

type RateLimitCache struct {
	client     *client.RedisClient
	phoneLimit int
	ipLimit    int
	window     time.Duration
}

// Reservation reports the outcome of one issuance request against both windows
type Reservation struct {
	Allowed    bool
	Scope      LimitScope
	Count      int
	RetryAfter time.Duration
}

func NewRateLimitCache(client *client.RedisClient, phoneLimit, ipLimit int, window time.Duration) *RateLimitCache {
	return &RateLimitCache{
		client:     client,
		phoneLimit: phoneLimit,
		ipLimit:    ipLimit,
		window:     window,
	}
}

// Reserve records one issuance for phone and ip when both sliding windows
// have room. Nothing is recorded when either window is full.
func (c *RateLimitCache) Reserve(ctx context.Context, phone, ip string, now time.Time) (*Reservation, error) {
	nowMs := now.UnixMilli()
	windowStart := nowMs - c.window.Milliseconds()
	member := fmt.Sprintf("%d-%d", now.UnixNano(), nextSeq())

	raw, err := c.client.RunScript(ctx, reserveScript,
		[]string{phoneRateLimitPrefix + phone, ipRateLimitPrefix + ip},
		nowMs, windowStart, c.phoneLimit, c.ipLimit, c.window.Milliseconds(), member,
	)
	if err != nil {
		util.Error("Rate limit script failed", zap.Error(err))
		return nil, fmt.Errorf("failed to evaluate rate limit: %w", err)
	}

	values, ok := raw.([]interface{})
	if !ok || len(values) != 3 {
		return nil, fmt.Errorf("unexpected rate limit reply: %v", raw)
	}
	code, _ := values[0].(int64)
	count, _ := values[1].(int64)
	oldest, _ := values[2].(int64)

	res := &Reservation{Allowed: code == 0, Count: int(count)}
	switch code {
	case 1:
		res.Scope = ScopePhone
	case 2:
		res.Scope = ScopeIP
	}
	if !res.Allowed {
		res.RetryAfter = time.Duration(oldest+c.window.Milliseconds()-nowMs) * time.Millisecond
		if res.RetryAfter < 0 {
			res.RetryAfter = 0
		}
		util.Debug("Rate limit reached",
			zap.String("scope", string(res.Scope)),
			zap.Int("count", res.Count))
	}
	return res, nil
}

// ResetPhone clears the phone window, used by administrators after unblocking
func (c *RateLimitCache) ResetPhone(ctx context.Context, phone string) error {
	if err := c.client.Del(ctx, phoneRateLimitPrefix+phone); err != nil {
		return fmt.Errorf("failed to reset phone rate limit: %w", err)
	}
	return nil
}
