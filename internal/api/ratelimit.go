package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/ChainLedger/internal/auth"
	"golang.org/x/time/rate"
)

const (
	bucketSweepEvery = 5 * time.Minute
	bucketIdleAfter  = 10 * time.Minute
)

// callerKey names the bucket a request draws from. Producers presenting a
// valid actor token share one bucket per user across addresses; everyone
// else is limited per client IP.
func callerKey(c *gin.Context, tokens *auth.TokenIssuer) string {
	if actor, ok := auth.PeekActor(c, tokens); ok {
		return "actor:" + actor.UserID
	}
	return "ip:" + c.ClientIP()
}

type bucket struct {
	*rate.Limiter
	lastSeen time.Time
}

// buckets is a token bucket per caller key.
type buckets struct {
	mu    sync.Mutex
	rps   rate.Limit
	burst int
	byKey map[string]*bucket
}

func newBuckets(rps, burst int) *buckets {
	return &buckets{rps: rate.Limit(rps), burst: burst, byKey: make(map[string]*bucket)}
}

func (b *buckets) allow(key string, now time.Time) bool {
	b.mu.Lock()
	bk, ok := b.byKey[key]
	if !ok {
		bk = &bucket{Limiter: rate.NewLimiter(b.rps, b.burst)}
		b.byKey[key] = bk
	}
	bk.lastSeen = now
	b.mu.Unlock()
	return bk.AllowN(now, 1)
}

func (b *buckets) sweep(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key, bk := range b.byKey {
		if now.Sub(bk.lastSeen) > bucketIdleAfter {
			delete(b.byKey, key)
		}
	}
}

// RateLimiter returns a Gin middleware that throttles each caller with a
// token bucket of rps refill and the given burst. Callers are keyed by
// authenticated actor when tokens is set and a valid token is presented,
// otherwise by client IP. The idle-bucket sweeper stops when ctx is done.
func RateLimiter(ctx context.Context, rps, burst int, tokens *auth.TokenIssuer) gin.HandlerFunc {
	b := newBuckets(rps, burst)

	go func() {
		ticker := time.NewTicker(bucketSweepEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				b.sweep(now)
			}
		}
	}()

	return func(c *gin.Context) {
		if !b.allow(callerKey(c, tokens), time.Now()) {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}
