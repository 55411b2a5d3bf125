// Package middleware holds HTTP middleware shared by the gateway.
package middleware

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RateConfig is a bucket refilled at Rate tokens per second holding at most
// Burst tokens. A zero Rate disables limiting for the scope.
type RateConfig struct {
	Rate  float64
	Burst float64
}

func (c RateConfig) enabled() bool { return c.Rate > 0 && c.Burst > 0 }

// IdentityFunc names the caller a bucket belongs to. An empty result falls
// back to the client address.
type IdentityFunc func(r *http.Request) string

// RateLimiter keeps one Redis token bucket per caller and scope. Safe
// methods draw from the read scope, everything else from the write scope.
type RateLimiter struct {
	redis    redis.Scripter
	script   *redis.Script
	readCfg  RateConfig
	writeCfg RateConfig
	identify IdentityFunc
	logger   *zap.Logger
	now      func() time.Time
}

// NewRateLimiter returns nil when client is nil; a nil limiter lets every
// request through.
func NewRateLimiter(client redis.Scripter, read, write RateConfig, identify IdentityFunc, logger *zap.Logger) *RateLimiter {
	if client == nil {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RateLimiter{
		redis:    client,
		script:   redis.NewScript(takeTokenLua),
		readCfg:  read,
		writeCfg: write,
		identify: identify,
		logger:   logger,
		now:      time.Now,
	}
}

type verdict struct {
	allowed   bool
	remaining int64
	wait      time.Duration
}

// Middleware enforces the limits on next.
func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	if l == nil || (!l.readCfg.enabled() && !l.writeCfg.enabled()) {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		safe := safeMethod(r.Method)
		cfg := l.writeCfg
		if safe {
			cfg = l.readCfg
		}
		if !cfg.enabled() {
			next.ServeHTTP(w, r)
			return
		}

		v, err := l.take(r.Context(), bucketKey(safe, l.caller(r)), cfg)
		if err != nil {
			l.logger.Warn("rate limiter unavailable, letting request through", zap.Error(err))
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set("X-RateLimit-Limit", strconv.FormatFloat(cfg.Burst, 'f', -1, 64))
		w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(v.remaining, 10))
		if !v.allowed {
			w.Header().Set("Retry-After", retryAfterSeconds(v.wait))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = fmt.Fprintf(w, "{\"error\":%q}\n", http.StatusText(http.StatusTooManyRequests))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (l *RateLimiter) caller(r *http.Request) string {
	if l.identify != nil {
		if id := l.identify(r); id != "" {
			return id
		}
	}
	return "ip:" + remoteIP(r)
}

func (l *RateLimiter) take(ctx context.Context, key string, cfg RateConfig) (verdict, error) {
	reply, err := l.script.Run(ctx, l.redis, []string{key}, l.now().UnixMilli(), cfg.Rate, cfg.Burst).Int64Slice()
	if err != nil {
		return verdict{}, err
	}
	if len(reply) != 3 {
		return verdict{}, fmt.Errorf("rate limit script returned %d values", len(reply))
	}
	return verdict{
		allowed:   reply[0] == 1,
		remaining: reply[1],
		wait:      time.Duration(reply[2]) * time.Millisecond,
	}, nil
}

func bucketKey(safe bool, caller string) string {
	scope := "write"
	if safe {
		scope = "read"
	}
	return "rl:" + scope + ":" + caller
}

func safeMethod(method string) bool {
	return method == http.MethodGet || method == http.MethodHead || method == http.MethodOptions
}

func remoteIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func retryAfterSeconds(wait time.Duration) string {
	secs := int64((wait + time.Second - 1) / time.Second)
	return strconv.FormatInt(max(secs, 1), 10)
}

// KEYS[1] bucket, ARGV: now_ms, rate per second, burst.
// Returns {allowed, whole tokens left, wait_ms}; Redis drops Lua fractions.
const takeTokenLua = `
local now = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local burst = tonumber(ARGV[3])

local bucket = redis.call('HMGET', KEYS[1], 'tokens', 'ts')
local tokens = tonumber(bucket[1]) or burst
local ts = tonumber(bucket[2]) or now

if now > ts then
  tokens = math.min(burst, tokens + (now - ts) * rate / 1000)
  ts = now
end

local allowed = 0
local wait = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
else
  wait = math.ceil((1 - tokens) * 1000 / rate)
end

redis.call('HSET', KEYS[1], 'tokens', tokens, 'ts', ts)
redis.call('PEXPIRE', KEYS[1], math.ceil(burst / rate * 1000))
return {allowed, math.floor(tokens), wait}
`
