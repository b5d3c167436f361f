package gateway

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/vx11/vx11/internal/apierr"
	"github.com/vx11/vx11/internal/httpx"
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter allows perMinute requests per key, refilled evenly over the
// minute, with a burst of the full minute's allowance.
type Limiter struct {
	perMinute int
	idle      time.Duration
	now       func() time.Time

	mu       sync.Mutex
	visitors map[string]*visitor
	sweeps   int
}

// NewLimiter returns nil when perMinute is not positive.
func NewLimiter(perMinute int) *Limiter {
	if perMinute <= 0 {
		return nil
	}
	return &Limiter{
		perMinute: perMinute,
		idle:      10 * time.Minute,
		now:       time.Now,
		visitors:  map[string]*visitor{},
	}
}

// Allow consumes one request for key. When the key is over its limit it
// returns false and how long until the next request would be admitted.
func (l *Limiter) Allow(key string) (bool, time.Duration) {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	v, ok := l.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(l.perMinute)), l.perMinute)}
		l.visitors[key] = v
	}
	v.lastSeen = now
	l.sweep(now)

	res := v.limiter.ReserveN(now, 1)
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		return false, delay
	}
	return true, 0
}

// sweep drops idle visitors every few hundred calls.
func (l *Limiter) sweep(now time.Time) {
	l.sweeps++
	if l.sweeps < 256 {
		return
	}
	l.sweeps = 0
	for k, v := range l.visitors {
		if now.Sub(v.lastSeen) > l.idle {
			delete(l.visitors, k)
		}
	}
}

// Middleware keys requests by the token header, falling back to the client
// address. Health probes are not limited.
func (l *Limiter) Middleware(tokenHeader string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if l == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if httpx.IsHealthProbe(r) {
				next.ServeHTTP(w, r)
				return
			}
			key := r.Header.Get(tokenHeader)
			if key == "" {
				host, _, err := net.SplitHostPort(r.RemoteAddr)
				if err != nil {
					host = r.RemoteAddr
				}
				key = "addr:" + host
			}
			if ok, wait := l.Allow(key); !ok {
				secs := int(math.Ceil(wait.Seconds()))
				w.Header().Set("Retry-After", strconv.Itoa(secs))
				e := apierr.New(apierr.KindCapacityExceeded, "rate limit of %d requests per minute exceeded", l.perMinute)
				e.RetryAfter = wait
				httpx.WriteError(w, r, e)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
