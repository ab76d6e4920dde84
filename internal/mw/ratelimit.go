package mw

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/Mohamedrebhi/videmaison/internal/auth"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// bucketIdle 是令牌桶闲置多久后被回收。
const bucketIdle = 2 * time.Minute

// KeyFunc 决定请求落在哪个令牌桶。
type KeyFunc func(c *gin.Context) string

// ByIPRoute 按客户端 IP 与路由分桶。
func ByIPRoute(c *gin.Context) string {
	route := c.FullPath()
	if route == "" {
		route = c.Request.URL.Path
	}
	return clientIP(c.Request.RemoteAddr) + "|" + route
}

// ByUser 按登录用户分桶，必须挂在认证中间件之后；匿名请求退回 ByIPRoute。
func ByUser(c *gin.Context) string {
	if id := auth.GetUserID(c); id != 0 {
		return "user:" + strconv.FormatUint(uint64(id), 10) + "|" + c.FullPath()
	}
	return ByIPRoute(c)
}

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// Limiter 是按键分桶的令牌桶限速器。
type Limiter struct {
	limit rate.Limit
	burst int
	key   KeyFunc
	now   func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
}

func NewLimiter(limit rate.Limit, burst int, key KeyFunc) *Limiter {
	if key == nil {
		key = ByIPRoute
	}
	return &Limiter{limit: limit, burst: burst, key: key, now: time.Now, buckets: make(map[string]*bucket)}
}

func (l *Limiter) allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = b
	}
	b.seen = l.now()
	return b.lim.Allow()
}

// sweep 删除闲置超过 idle 的桶，返回剩余桶数。
func (l *Limiter) sweep(idle time.Duration) int {
	cutoff := l.now().Add(-idle)
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, b := range l.buckets {
		if b.seen.Before(cutoff) {
			delete(l.buckets, k)
		}
	}
	return len(l.buckets)
}

// Run 定期回收闲置的桶，直到 ctx 结束。
func (l *Limiter) Run(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.sweep(bucketIdle)
		}
	}
}

func (l *Limiter) retryAfter() string {
	if l.limit > 0 && l.limit < 1 {
		return strconv.Itoa(int(math.Ceil(1 / float64(l.limit))))
	}
	return "1"
}

// Handler 返回限速中间件，超限时返回 429 并带上 Retry-After。
func (l *Limiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !l.allow(l.key(c)) {
			c.Header("Retry-After", l.retryAfter())
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many requests"})
			return
		}
		c.Next()
	}
}

// RateLimit 创建限速中间件，回收协程随 ctx 结束。
func RateLimit(ctx context.Context, limit rate.Limit, burst int, key KeyFunc) gin.HandlerFunc {
	l := NewLimiter(limit, burst, key)
	go l.Run(ctx)
	return l.Handler()
}

func clientIP(remote string) string {
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		return remote
	}
	return host
}
