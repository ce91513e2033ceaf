package leaseapi

import (
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// clientKey identifies a caller for rate limiting. Proxy headers are only
// honoured when the deployment says a proxy sets them.
func clientKey(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
			if ip := strings.TrimSpace(strings.Split(xff, ",")[0]); ip != "" {
				return ip
			}
		}
		if xrip := strings.TrimSpace(r.Header.Get("X-Real-IP")); xrip != "" {
			return xrip
		}
	}
	remote := strings.TrimSpace(r.RemoteAddr)
	if remote == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(remote); err == nil {
		return addr.Addr().String()
	}
	if addr, err := netip.ParseAddr(remote); err == nil {
		return addr.String()
	}
	return remote
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// rateLimiter keeps a token bucket per client with a bounded number of
// tracked clients; the least recently seen client is evicted first.
type rateLimiter struct {
	mu sync.Mutex

	limit      rate.Limit
	burst      int
	maxClients int
	clients    map[string]*client
}

func newRateLimiter(perSecond float64, burst int, maxClients int) *rateLimiter {
	return &rateLimiter{
		limit:      rate.Limit(perSecond),
		burst:      burst,
		maxClients: maxClients,
		clients:    make(map[string]*client),
	}
}

func (l *rateLimiter) Allow(key string, now time.Time) bool {
	if l == nil {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	c, ok := l.clients[key]
	if !ok {
		if len(l.clients) >= l.maxClients {
			l.evictOldest()
		}
		c = &client{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.clients[key] = c
	}
	c.lastSeen = now
	return c.limiter.AllowN(now, 1)
}

func (l *rateLimiter) evictOldest() {
	var (
		oldestKey string
		oldestAt  time.Time
	)
	for k, c := range l.clients {
		if oldestKey == "" || c.lastSeen.Before(oldestAt) {
			oldestKey = k
			oldestAt = c.lastSeen
		}
	}
	delete(l.clients, oldestKey)
}
