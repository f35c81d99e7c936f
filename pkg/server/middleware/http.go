package middleware

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// HTTPMiddleware wraps an http.Handler.
type HTTPMiddleware func(http.Handler) http.Handler

// Chain folds middlewares into one, outermost first. Nil entries are
// skipped so disabled options can be passed through unchanged.
func Chain(middlewares ...HTTPMiddleware) HTTPMiddleware {
	filtered := make([]HTTPMiddleware, 0, len(middlewares))
	for _, mw := range middlewares {
		if mw != nil {
			filtered = append(filtered, mw)
		}
	}
	return func(next http.Handler) http.Handler {
		handler := next
		for i := len(filtered) - 1; i >= 0; i-- {
			handler = filtered[i](handler)
		}
		return handler
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(p []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(p)
	rw.bytes += n
	return n, err
}

// Logger writes one structured line per request.
func Logger(l zerolog.Logger) HTTPMiddleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rw, r)
			ev := l.Info()
			if rw.status >= http.StatusInternalServerError {
				ev = l.Error()
			}
			if id := chimw.GetReqID(r.Context()); id != "" {
				ev = ev.Str("request_id", id)
			}
			ev.Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", rw.status).
				Int("bytes", rw.bytes).
				Dur("duration", time.Since(start)).
				Msg("http request")
		})
	}
}

// RateLimitOptions configures the rate limiter.
type RateLimitOptions struct {
	Requests int
	Window   time.Duration
	Now      func() time.Time
	// Key partitions callers; nil shares one bucket across all requests.
	Key func(*http.Request) string
}

// ClientIP keys requests by remote address.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// RateLimit enforces a token bucket per key.
func RateLimit(opts RateLimitOptions) HTTPMiddleware {
	if opts.Requests <= 0 || opts.Window <= 0 {
		return nil
	}
	limiter := newLimiter(opts)
	retryAfter := strconv.Itoa(max(1, int(opts.Window.Seconds()/float64(opts.Requests))))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := ""
			if opts.Key != nil {
				key = opts.Key(r)
			}
			if !limiter.allow(key) {
				w.Header().Set("Retry-After", retryAfter)
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type limiter struct {
	mu        sync.Mutex
	opts      RateLimitOptions
	buckets   map[string]*tokenBucket
	lastSweep time.Time
}

func newLimiter(opts RateLimitOptions) *limiter {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &limiter{opts: opts, buckets: make(map[string]*tokenBucket)}
}

func (l *limiter) allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.opts.Now()
	l.sweep(now)
	b, ok := l.buckets[key]
	if !ok {
		b = &tokenBucket{
			capacity:     float64(l.opts.Requests),
			tokens:       float64(l.opts.Requests),
			refillPerSec: float64(l.opts.Requests) / l.opts.Window.Seconds(),
			last:         now,
		}
		l.buckets[key] = b
	}
	return b.take(now)
}

// sweep drops buckets idle for a whole window. They would be full again,
// so recreating one on the next request is equivalent.
func (l *limiter) sweep(now time.Time) {
	if now.Sub(l.lastSweep) < l.opts.Window {
		return
	}
	l.lastSweep = now
	for key, b := range l.buckets {
		if now.Sub(b.last) >= l.opts.Window {
			delete(l.buckets, key)
		}
	}
}

type tokenBucket struct {
	capacity     float64
	tokens       float64
	refillPerSec float64
	last         time.Time
}

func (t *tokenBucket) take(now time.Time) bool {
	if elapsed := now.Sub(t.last).Seconds(); elapsed > 0 {
		t.tokens = min(t.capacity, t.tokens+elapsed*t.refillPerSec)
		t.last = now
	}
	if t.tokens < 1 {
		return false
	}
	t.tokens--
	return true
}
