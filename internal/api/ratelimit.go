package api

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"checkout-service/internal/redisclient"
	"checkout-service/internal/util"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// WindowLimiter counts requests per subject in a shared fixed window.
type WindowLimiter interface {
	Allow(ctx context.Context, subject string, limit int, window time.Duration) (redisclient.LimitResult, error)
}

// BlockRecorder is told about every refused request.
type BlockRecorder interface {
	RecordBlocked(ctx context.Context, clientIP, path, reason string)
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter limits checkout attempts per client IP. Redis holds the shared
// window; while Redis is unreachable each instance falls back to its own
// token bucket with the same average rate.
type RateLimiter struct {
	remote   WindowLimiter
	recorder BlockRecorder
	limit    int
	window   time.Duration

	mu        sync.Mutex
	visitors  map[string]*visitor
	lastSweep time.Time

	logger *zap.Logger
}

// NewRateLimiter allows perMinute requests per IP per minute
func NewRateLimiter(remote WindowLimiter, perMinute int, recorder BlockRecorder) *RateLimiter {
	if perMinute <= 0 {
		perMinute = 30
	}
	return &RateLimiter{
		remote:    remote,
		recorder:  recorder,
		limit:     perMinute,
		window:    time.Minute,
		visitors:  make(map[string]*visitor),
		lastSweep: time.Now(),
		logger:    util.GetLogger(),
	}
}

// Middleware rejects over-limit requests with 429 before they reach the handler.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		allowed, retryAfter := rl.allow(c.Request.Context(), ip)
		if allowed {
			c.Next()
			return
		}

		if rl.recorder != nil {
			rl.recorder.RecordBlocked(c.Request.Context(), ip, c.FullPath(), "rate_limited")
		}
		c.Header("Retry-After", strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error": "Too many checkout attempts. Please wait a moment and try again.",
			"code":  "RATE_LIMITED",
		})
	}
}

func (rl *RateLimiter) allow(ctx context.Context, ip string) (bool, time.Duration) {
	if rl.remote != nil {
		res, err := rl.remote.Allow(ctx, "checkout:"+ip, rl.limit, rl.window)
		if err == nil {
			retry := res.RetryAfter
			if retry <= 0 {
				retry = time.Second
			}
			return res.Allowed, retry
		}
		rl.logger.Warn("Shared rate limiter unavailable, using local limiter", zap.Error(err))
	}

	r := rl.localVisitor(ip).Reserve()
	if !r.OK() {
		return false, rl.window
	}
	if delay := r.Delay(); delay > 0 {
		r.Cancel()
		return false, delay
	}
	return true, 0
}

func (rl *RateLimiter) localVisitor(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	if now.Sub(rl.lastSweep) > rl.window {
		for key, v := range rl.visitors {
			if now.Sub(v.lastSeen) > 3*rl.window {
				delete(rl.visitors, key)
			}
		}
		rl.lastSweep = now
	}

	v, ok := rl.visitors[ip]
	if !ok {
		every := rate.Every(rl.window / time.Duration(rl.limit))
		v = &visitor{limiter: rate.NewLimiter(every, rl.limit)}
		rl.visitors[ip] = v
	}
	v.lastSeen = now
	return v.limiter
}
