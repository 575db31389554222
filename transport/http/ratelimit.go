package http

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/layer-3/walletgate/core"
)

// Bounds the number of clients tracked at once; the least recently seen are dropped
const rateLimitClients = 10_000

// RateLimiter is a sliding-window log limiter keyed by client
type RateLimiter struct {
	window time.Duration
	max    int
	now    func() time.Time

	mu      sync.Mutex
	clients *lru.Cache[string, []time.Time]
}

// NewRateLimiter allows max requests per client in any window
func NewRateLimiter(window time.Duration, max int) *RateLimiter {
	clients, _ := lru.New[string, []time.Time](rateLimitClients)
	return &RateLimiter{
		window:  window,
		max:     max,
		now:     time.Now,
		clients: clients,
	}
}

// WithClock replaces the time source, for tests
func (l *RateLimiter) WithClock(now func() time.Time) *RateLimiter {
	l.now = now
	return l
}

// Allow records a request from key. When the window is full it returns
// false and how long until the oldest request leaves the window.
func (l *RateLimiter) Allow(key string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)

	hits, _ := l.clients.Get(key)
	kept := hits[:0]
	for _, at := range hits {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}

	if len(kept) >= l.max {
		l.clients.Add(key, kept)
		return false, kept[0].Add(l.window).Sub(now)
	}

	l.clients.Add(key, append(kept, now))
	return true, 0
}

func (l *RateLimiter) reject(c *gin.Context, retryAfter time.Duration) {
	seconds := int(math.Ceil(retryAfter.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	c.Header("Retry-After", strconv.Itoa(seconds))
	abortWithError(c, core.NewAuthError(
		core.KindRateLimited,
		http.StatusTooManyRequests,
		core.CodeRateLimitExceeded,
		"Too many requests",
		nil,
	))
}
