// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file implements an in-memory token-bucket rate limiter keyed by caller
// and partitioned by request class: message sends draw from their own bucket
// so a client paging history cannot exhaust its sending budget, and the other
// way round.
//
// Replays detected by IdempotencyValidator bypass the limiter: a client
// retrying a message post must always learn the stored message.
//
// The limiter guards the REST edge only. Websocket sessions carry their own
// per-session limiter in the gateway, so a long-lived socket consumes exactly
// one read token at upgrade time.
package middleware

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// keyFunc selects the identity used to key a rate-limit bucket.
type keyFunc func(*gin.Context) string

// KeyByUserOrIP keys buckets by the caller resolved by Identity and falls
// back to the client IP for anonymous requests. Keys are prefixed so the two
// namespaces never collide ("user:abc123" vs "ip:203.0.113.7").
func KeyByUserOrIP() keyFunc {
	return func(c *gin.Context) string {
		if uid := UserID(c); uid != "" {
			return "user:" + uid
		}
		return "ip:" + c.ClientIP()
	}
}

// RateClass partitions buckets.
type RateClass string

const (
	ClassRead RateClass = "read"
	ClassSend RateClass = "send"
)

// classify treats POSTs to a conversation's message log as sends.
func classify(c *gin.Context) RateClass {
	if c.Request.Method != http.MethodPost {
		return ClassRead
	}
	path := c.FullPath()
	if path == "" {
		path = c.Request.URL.Path
	}
	if strings.HasSuffix(path, "/messages") {
		return ClassSend
	}
	return ClassRead
}

// Limit is a token-bucket refill rate and capacity.
type Limit struct {
	RPS   float64
	Burst int
}

// RateLimitOptions configures NewRateLimiter.
type RateLimitOptions struct {
	Read Limit
	Send Limit // zero value reuses Read
	Key  keyFunc
	// IdleTTL evicts buckets unused for this long. Defaults to 10m.
	IdleTTL time.Duration
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter implements per-key, per-class token buckets. Idle buckets are
// swept at most once per IdleTTL during lookups.
//
// This type is safe for concurrent use.
type RateLimiter struct {
	limits map[RateClass]Limit
	keyFn  keyFunc
	ttl    time.Duration
	now    func() time.Time

	mu        sync.Mutex
	buckets   map[string]*bucket
	lastSweep time.Time
}

// NewRateLimiter builds a limiter. Bursts <= 0 are coerced to 1.
func NewRateLimiter(opts RateLimitOptions) *RateLimiter {
	if opts.Send == (Limit{}) {
		opts.Send = opts.Read
	}
	if opts.Read.Burst <= 0 {
		opts.Read.Burst = 1
	}
	if opts.Send.Burst <= 0 {
		opts.Send.Burst = 1
	}
	if opts.Key == nil {
		opts.Key = KeyByUserOrIP()
	}
	if opts.IdleTTL <= 0 {
		opts.IdleTTL = 10 * time.Minute
	}
	return &RateLimiter{
		limits:  map[RateClass]Limit{ClassRead: opts.Read, ClassSend: opts.Send},
		keyFn:   opts.Key,
		ttl:     opts.IdleTTL,
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
}

// limiterFor returns the bucket for (class, key), creating it if absent.
// The sweep runs before the lookup so a stale bucket is replaced rather
// than refreshed.
func (rl *RateLimiter) limiterFor(class RateClass, key string) *rate.Limiter {
	now := rl.now()
	id := string(class) + "|" + key

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if now.Sub(rl.lastSweep) >= rl.ttl {
		for k, b := range rl.buckets {
			if now.Sub(b.lastSeen) >= rl.ttl {
				delete(rl.buckets, k)
			}
		}
		rl.lastSweep = now
	}
	if b, ok := rl.buckets[id]; ok {
		b.lastSeen = now
		return b.limiter
	}
	l := rl.limits[class]
	lim := rate.NewLimiter(rate.Limit(l.RPS), l.Burst)
	rl.buckets[id] = &bucket{limiter: lim, lastSeen: now}
	return lim
}

// take consumes one token, or reports how long until one is available.
func (rl *RateLimiter) take(class RateClass, key string) (bool, time.Duration) {
	lim := rl.limiterFor(class, key)
	now := rl.now()
	r := lim.ReserveN(now, 1)
	if !r.OK() {
		return false, time.Second
	}
	if d := r.DelayFrom(now); d > 0 {
		r.CancelAt(now)
		return false, d
	}
	return true, 0
}

// IsRateBypass reports whether IdempotencyValidator marked this request as
// a replay of a completed message post.
func IsRateBypass(c *gin.Context) bool {
	v, ok := c.Get(ctxKeyRateBypass) // set by IdempotencyValidator
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// Handler returns the Gin middleware. Denied requests get 429 with the
// shared error envelope and a Retry-After rounded up to whole seconds.
func (rl *RateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if IsRateBypass(c) {
			c.Next()
			return
		}

		class := classify(c)
		okay, wait := rl.take(class, rl.keyFn(c))
		if okay {
			c.Next()
			return
		}

		secs := int(math.Ceil(wait.Seconds()))
		if secs < 1 {
			secs = 1
		}
		c.Header("Retry-After", strconv.Itoa(secs))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"request_id": c.Writer.Header().Get(requestIDHeader),
			"code":       "rate_limited",
			"message":    "rate limit exceeded for " + string(class),
		})
	}
}
