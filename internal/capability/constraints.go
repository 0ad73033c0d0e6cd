package capability

import (
	"context"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Constraint is evaluated as point 4 of §4.3's matching algorithm: a
// capability only matches if every attached constraint holds for the
// call's context.
type Constraint interface {
	Allow(ctx context.Context, call CallContext) (bool, error)
}

// URLGlob requires call.URL to match a glob pattern under path.Match
// semantics: "*" matches any run of characters other than "/", so it
// never spans more than one path segment, and there is no "**"
// remainder wildcard (unlike audit.MatchOpPattern).
type URLGlob struct {
	Pattern string
}

func (g URLGlob) Allow(ctx context.Context, call CallContext) (bool, error) {
	if call.URL == "" {
		return false, nil
	}
	ok, err := path.Match(g.Pattern, call.URL)
	if err != nil {
		return false, fmt.Errorf("url glob constraint: %w", err)
	}
	return ok, nil
}

// TimeWindow requires evaluation time to fall within [Start, End).
type TimeWindow struct {
	Start time.Time
	End   time.Time
}

func (w TimeWindow) Allow(ctx context.Context, call CallContext) (bool, error) {
	now := call.Now
	if now.IsZero() {
		now = time.Now()
	}
	return !now.Before(w.Start) && now.Before(w.End), nil
}

// RateLimiter is the backend interface a RateLimit constraint delegates
// token-bucket accounting to. One implementation is in-process
// (InMemoryRateLimiter); another is Redis-backed for multi-instance
// deployments (RedisRateLimiter), mirroring apisix-go-runner's authz
// plugin using Redis to share accounting state across gateway replicas.
type RateLimiter interface {
	// Allow reports whether one token may be consumed for key right
	// now, given a bucket of size burst refilling at rate tokens/sec.
	Allow(ctx context.Context, key string, rate float64, burst int) (bool, error)
}

// RateLimit is a Constraint enforcing a token-bucket budget keyed by
// its Key field, whatever the caller sets it to; the call's principal,
// operation and resource are not added to the key (resolves the spec's rate-limit algebra
// Open Question — see DESIGN.md).
type RateLimit struct {
	Key     string
	Rate    float64
	Burst   int
	Limiter RateLimiter
}

func (r RateLimit) Allow(ctx context.Context, call CallContext) (bool, error) {
	return r.Limiter.Allow(ctx, r.Key, r.Rate, r.Burst)
}

// InMemoryRateLimiter implements a token bucket per key entirely in
// process memory. Default backend for tests and single-instance
// deployments.
type InMemoryRateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucketState
	nowFunc func() time.Time
}

type bucketState struct {
	tokens     float64
	lastRefill time.Time
}

// NewInMemoryRateLimiter returns an empty InMemoryRateLimiter.
func NewInMemoryRateLimiter() *InMemoryRateLimiter {
	return &InMemoryRateLimiter{
		buckets: make(map[string]*bucketState),
		nowFunc: time.Now,
	}
}

func (l *InMemoryRateLimiter) Allow(ctx context.Context, key string, rate float64, burst int) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.nowFunc()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucketState{tokens: float64(burst), lastRefill: now}
		l.buckets[key] = b
	}

	elapsed := now.Sub(b.lastRefill).Seconds()
	b.tokens += elapsed * rate
	if b.tokens > float64(burst) {
		b.tokens = float64(burst)
	}
	b.lastRefill = now

	if b.tokens < 1 {
		return false, nil
	}
	b.tokens--
	return true, nil
}

// RedisRateLimiter implements a distributed token bucket using an
// HGET read pipeline followed by an HSET + EXPIRE write pipeline per
// check, mirroring
// apisix-go-runner/plugins/authz.go's Redis pipeline usage (there used
// for authorization-decision caching; here repurposed for rate
// accounting shared across kernel instances).
type RedisRateLimiter struct {
	client  *redis.Client
	nowFunc func() time.Time
}

// NewRedisRateLimiter wraps an existing Redis client.
func NewRedisRateLimiter(client *redis.Client) *RedisRateLimiter {
	return &RedisRateLimiter{client: client, nowFunc: time.Now}
}

func (l *RedisRateLimiter) Allow(ctx context.Context, key string, rate float64, burst int) (bool, error) {
	bucketKey := "kernel:ratelimit:" + key
	tokensField := "tokens"
	refillField := "refill"

	now := l.nowFunc()

	pipe := l.client.TxPipeline()
	tokensCmd := pipe.HGet(ctx, bucketKey, tokensField)
	refillCmd := pipe.HGet(ctx, bucketKey, refillField)
	_, err := pipe.Exec(ctx)
	if err != nil && err != redis.Nil {
		return false, fmt.Errorf("rate limit read: %w", err)
	}

	tokens := float64(burst)
	lastRefill := now
	if tokensStr, terr := tokensCmd.Result(); terr == nil {
		fmt.Sscanf(tokensStr, "%g", &tokens)
	}
	if refillStr, rerr := refillCmd.Result(); rerr == nil {
		var unixNano int64
		fmt.Sscanf(refillStr, "%d", &unixNano)
		lastRefill = time.Unix(0, unixNano)
	}

	elapsed := now.Sub(lastRefill).Seconds()
	tokens += elapsed * rate
	if tokens > float64(burst) {
		tokens = float64(burst)
	}

	allowed := tokens >= 1
	if allowed {
		tokens--
	}

	writePipe := l.client.Pipeline()
	writePipe.HSet(ctx, bucketKey, tokensField, tokens, refillField, now.UnixNano())
	writePipe.Expire(ctx, bucketKey, time.Hour)
	if _, err := writePipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("rate limit write: %w", err)
	}

	return allowed, nil
}
