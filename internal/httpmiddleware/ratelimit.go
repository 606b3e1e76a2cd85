package httpmiddleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/alansahai/csm-sjc/internal/auth"
)

// Limiter holds per-caller token buckets in process memory. State is local
// to the api replica; a multi-replica deployment would move this to redis.
type Limiter struct {
	perMin float64
	burst  float64

	mu        sync.Mutex
	buckets   map[string]*bucket
	lastSweep time.Time
}

type bucket struct {
	tokens float64
	seen   time.Time
}

// NewLimiter allows perMinute requests per key, with a burst of the same
// size.
func NewLimiter(perMinute int) *Limiter {
	if perMinute <= 0 {
		perMinute = 60
	}
	return &Limiter{
		perMin:    float64(perMinute),
		burst:     float64(perMinute),
		buckets:   make(map[string]*bucket),
		lastSweep: time.Now(),
	}
}

// ByIP keys buckets on the client address. Used on the sign-in endpoints,
// where there is no identity yet and the point is braking credential
// guessing.
func (l *Limiter) ByIP() gin.HandlerFunc {
	return func(c *gin.Context) {
		l.enforce(c, "ip:"+c.ClientIP())
	}
}

// BySubject keys buckets on the authenticated token subject, so staff and
// students behind one campus NAT do not drain each other's budget. Run
// after auth.RequireAuth; requests without claims fall back to the address.
func (l *Limiter) BySubject() gin.HandlerFunc {
	return func(c *gin.Context) {
		if sub := auth.FromContext(c).Subject; sub != "" {
			l.enforce(c, "sub:"+sub)
			return
		}
		l.enforce(c, "ip:"+c.ClientIP())
	}
}

func (l *Limiter) enforce(c *gin.Context, key string) {
	if !l.allow(key, time.Now()) {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
		return
	}
	c.Next()
}

func (l *Limiter) allow(key string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if now.Sub(l.lastSweep) > time.Hour {
		l.sweep(now)
	}
	b, ok := l.buckets[key]
	if !ok {
		l.buckets[key] = &bucket{tokens: l.burst - 1, seen: now}
		return true
	}
	b.tokens += now.Sub(b.seen).Minutes() * l.perMin
	if b.tokens > l.burst {
		b.tokens = l.burst
	}
	b.seen = now
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// sweep drops buckets idle long enough to have fully refilled; caller
// holds mu.
func (l *Limiter) sweep(now time.Time) {
	for key, b := range l.buckets {
		if now.Sub(b.seen) > time.Hour {
			delete(l.buckets, key)
		}
	}
	l.lastSweep = now
}
