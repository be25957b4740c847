package middleware

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/mnehpets/onerpc/endpoint"
)

// RateLimitProcessor is an HTTP-level endpoint.Processor applying a token
// bucket per client address, with periodic eviction of idle entries.
//
// It rejects over-limit requests with 429 before any body is read, so it
// sits in front of the RPC endpoint rather than inside the RPC middleware
// chain.
type RateLimitProcessor struct {
	limit   rate.Limit
	burst   int
	idleTTL time.Duration

	mu    sync.Mutex
	byKey map[string]*limiterEntry
	hits  uint64
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimitProcessor creates a per-address limiter; returns nil (a no-op
// when passed to endpoint.Handler is invalid, so callers should treat nil as
// "disabled") if the arguments are invalid.
func NewRateLimitProcessor(rps float64, burst int, idleTTL time.Duration) *RateLimitProcessor {
	if rps <= 0 || burst <= 0 {
		return nil
	}
	if idleTTL <= 0 {
		idleTTL = 10 * time.Minute
	}
	return &RateLimitProcessor{
		limit:   rate.Limit(rps),
		burst:   burst,
		idleTTL: idleTTL,
		byKey:   make(map[string]*limiterEntry),
	}
}

// Process implements endpoint.Processor.
func (p *RateLimitProcessor) Process(w http.ResponseWriter, r *http.Request, next func(w http.ResponseWriter, r *http.Request) error) error {
	if !p.allow(clientKey(r), time.Now()) {
		return endpoint.Error(http.StatusTooManyRequests, "rate limit exceeded", nil)
	}
	return next(w, r)
}

func (p *RateLimitProcessor) allow(key string, now time.Time) bool {
	if key == "" {
		return true
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.byKey[key]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(p.limit, p.burst)}
		p.byKey[key] = e
	}
	e.lastSeen = now
	allowed := e.limiter.AllowN(now, 1)

	p.hits++
	if p.hits%512 == 0 {
		cutoff := now.Add(-p.idleTTL)
		for k, v := range p.byKey {
			if v.lastSeen.Before(cutoff) {
				delete(p.byKey, k)
			}
		}
	}
	return allowed
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
