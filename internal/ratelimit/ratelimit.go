// Package ratelimit implements a per-IP token bucket rate limiter for the
// two HTTP endpoints, extending the teacher's middleware limiter with the
// bounded trust-hop count its own clientIP comment flags as an
// unimplemented gap (§4.5's "Rate-limiting considerations").
package ratelimit

import (
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// maxTrustHops bounds TrustHops: a deployment with more reverse-proxy hops
// than this almost certainly has its topology configured wrong, and an
// unbounded hop count defeats the spoofing protection trusting a bounded
// prefix of X-Forwarded-For is meant to provide.
const maxTrustHops = 10

// Limiter implements a per-IP token bucket.
type Limiter struct {
	mu       sync.Mutex
	buckets  map[string]*tokenBucket
	rate     float64 // tokens per second
	capacity int     // max burst
	trustHops int
}

type tokenBucket struct {
	tokens   float64
	lastTime time.Time
}

// Config wires New's construction-time parameters. TrustProxyHeader
// declares that this deployment sits behind a reverse proxy and expects
// X-Forwarded-For to be present; New rejects TrustHops == 0 in that case
// rather than silently letting every client collide on the proxy's
// address (§8/§9: a configuration fault must fail at startup, not surface
// as a per-request 500 or a silent miscount).
type Config struct {
	RatePerSec float64
	Burst      int
	// TrustHops is the number of reverse-proxy hops whose
	// X-Forwarded-For entries are trusted when determining the client
	// IP (0 disables X-Forwarded-For entirely and uses RemoteAddr;
	// "trust all hops" is never supported, since that admits spoofed
	// client IPs).
	TrustHops int
	// TrustProxyHeader declares that X-Forwarded-For is expected to be
	// present on every request (this service runs behind a proxy).
	TrustProxyHeader bool
}

// New constructs a Limiter, validating cfg at startup rather than
// discovering a misconfiguration per-request.
func New(cfg Config) (*Limiter, error) {
	if cfg.TrustProxyHeader && cfg.TrustHops == 0 {
		return nil, fmt.Errorf("ratelimit: TrustProxyHeader is set but TrustHops is 0; a forwarding header is expected but none would be trusted")
	}
	if cfg.TrustHops < 0 || cfg.TrustHops > maxTrustHops {
		return nil, fmt.Errorf("ratelimit: TrustHops %d out of bounds [0,%d]", cfg.TrustHops, maxTrustHops)
	}
	rl := &Limiter{
		buckets:   make(map[string]*tokenBucket),
		rate:      cfg.RatePerSec,
		capacity:  cfg.Burst,
		trustHops: cfg.TrustHops,
	}
	go rl.cleanup()
	return rl, nil
}

// Allow reports whether a request from ip may proceed, consuming a token if
// so.
func (rl *Limiter) Allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	b, ok := rl.buckets[ip]
	if !ok {
		b = &tokenBucket{tokens: float64(rl.capacity), lastTime: now}
		rl.buckets[ip] = b
	}

	elapsed := now.Sub(b.lastTime).Seconds()
	b.tokens += elapsed * rl.rate
	if b.tokens > float64(rl.capacity) {
		b.tokens = float64(rl.capacity)
	}
	b.lastTime = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

func (rl *Limiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		rl.mu.Lock()
		cutoff := time.Now().Add(-10 * time.Minute)
		for ip, b := range rl.buckets {
			if b.lastTime.Before(cutoff) {
				delete(rl.buckets, ip)
			}
		}
		rl.mu.Unlock()
	}
}

// ClientIP determines the request's client IP, trusting at most
// rl.trustHops entries from the right of X-Forwarded-For before falling
// back to RemoteAddr. With trustHops == 0, X-Forwarded-For is ignored
// entirely: trusting an unbounded number of hops lets a client spoof its
// own address, and trusting zero hops while a proxy exists makes every
// client collide on the proxy's address, so the hop count must be set to
// match the actual proxy topology.
func (rl *Limiter) ClientIP(r *http.Request) string {
	if rl.trustHops > 0 {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			hops := strings.Split(xff, ",")
			for i := range hops {
				hops[i] = strings.TrimSpace(hops[i])
			}
			idx := len(hops) - rl.trustHops
			if idx >= 0 && idx < len(hops) && hops[idx] != "" {
				return hops[idx]
			}
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Middleware enforces the limiter, responding 429 with a RateLimited error
// body when exceeded.
func (rl *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(rl.ClientIP(r)) {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":"RateLimited"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}
