package ratelimit

import (
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/dskow/cacheproxy/internal/apierror"
	"github.com/dskow/cacheproxy/internal/config"
	"github.com/dskow/cacheproxy/internal/metrics"
)

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ClientLimiter tracks one token bucket per client IP on the front end and
// periodically drops stale entries.
type ClientLimiter struct {
	mu           sync.RWMutex
	clients      map[string]*client
	rate         rate.Limit
	burst        int
	trustedCIDRs []*net.IPNet
	logger       *slog.Logger
	stopCh       chan struct{}
	stopOnce     sync.Once
}

// NewClientLimiter creates a ClientLimiter and starts its cleanup goroutine.
// X-Forwarded-For is trusted only from peers inside cfg.TrustedProxies.
func NewClientLimiter(cfg config.ClientRateLimitConfig, logger *slog.Logger) *ClientLimiter {
	l := &ClientLimiter{
		clients:      make(map[string]*client),
		rate:         rate.Limit(cfg.RequestsPerSecond),
		burst:        cfg.BurstSize,
		trustedCIDRs: parseCIDRs(cfg.TrustedProxies, logger),
		logger:       logger,
		stopCh:       make(chan struct{}),
	}
	go l.cleanup()
	return l
}

func parseCIDRs(cidrs []string, logger *slog.Logger) []*net.IPNet {
	var nets []*net.IPNet
	for _, cidr := range cidrs {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			logger.Warn("invalid trusted proxy CIDR, skipping", "cidr", cidr, "error", err)
			continue
		}
		nets = append(nets, ipNet)
	}
	return nets
}

// Stop terminates the cleanup goroutine. Safe to call more than once.
func (l *ClientLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

// UpdateConfig hot-reloads the limits. Existing buckets are cleared so the
// new limits apply on the next request.
func (l *ClientLimiter) UpdateConfig(cfg config.ClientRateLimitConfig) {
	cidrs := parseCIDRs(cfg.TrustedProxies, l.logger)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rate = rate.Limit(cfg.RequestsPerSecond)
	l.burst = cfg.BurstSize
	l.trustedCIDRs = cidrs
	l.clients = make(map[string]*client)
}

// Middleware rejects clients over their limit with 429.
func (l *ClientLimiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := l.ClientIP(r)
			limiter, rps := l.getLimiter(ip)
			if limiter != nil && !limiter.Allow() {
				l.logger.Warn("client rate limit exceeded", "client_ip", ip, "path", r.URL.Path)
				metrics.RateLimitRejections.WithLabelValues("client", "all", DeniedRate.String()).Inc()
				w.Header().Set("Retry-After", strconv.FormatFloat(max(1, 1.0/float64(rps)), 'f', 0, 64))
				apierror.WriteJSON(w, r, http.StatusTooManyRequests, apierror.RateLimitExceeded, "rate limit exceeded, retry later")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP extracts the real client IP. X-Forwarded-For is only trusted when
// the direct peer is a trusted proxy.
func (l *ClientLimiter) ClientIP(r *http.Request) string {
	peerIP := extractIP(r.RemoteAddr)

	l.mu.RLock()
	trusted := len(l.trustedCIDRs) > 0 && l.isTrusted(peerIP)
	l.mu.RUnlock()
	if !trusted {
		return peerIP
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		// Walk right-to-left, return first non-trusted IP
		parts := strings.Split(xff, ",")
		l.mu.RLock()
		defer l.mu.RUnlock()
		for i := len(parts) - 1; i >= 0; i-- {
			ip := strings.TrimSpace(parts[i])
			if ip != "" && !l.isTrusted(ip) {
				return ip
			}
		}
	}
	return peerIP
}

// isTrusted must be called with l.mu held.
func (l *ClientLimiter) isTrusted(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, cidr := range l.trustedCIDRs {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

func extractIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// getLimiter returns the bucket for ip, or nil when client limiting is off.
// Read-lock for existing clients, write-lock only for insertions.
func (l *ClientLimiter) getLimiter(ip string) (*rate.Limiter, rate.Limit) {
	l.mu.RLock()
	rps := l.rate
	if rps <= 0 {
		l.mu.RUnlock()
		return nil, 0
	}
	if c, exists := l.clients[ip]; exists {
		// Refresh lastSeen at most once a minute; cleanup evicts after 3.
		if time.Since(c.lastSeen) > time.Minute {
			l.mu.RUnlock()
			l.mu.Lock()
			c.lastSeen = time.Now()
			l.mu.Unlock()
		} else {
			l.mu.RUnlock()
		}
		return c.limiter, rps
	}
	l.mu.RUnlock()

	l.mu.Lock()
	defer l.mu.Unlock()
	if c, exists := l.clients[ip]; exists {
		c.lastSeen = time.Now()
		return c.limiter, l.rate
	}
	limiter := rate.NewLimiter(l.rate, max(1, l.burst))
	l.clients[ip] = &client{limiter: limiter, lastSeen: time.Now()}
	return limiter, l.rate
}

func (l *ClientLimiter) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			for key, c := range l.clients {
				if time.Since(c.lastSeen) > 3*time.Minute {
					delete(l.clients, key)
				}
			}
			l.mu.Unlock()
		case <-l.stopCh:
			return
		}
	}
}
