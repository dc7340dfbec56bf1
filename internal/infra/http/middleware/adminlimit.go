package middleware

import (
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/openlimit/api/pkg/apierror"
	"github.com/openlimit/api/pkg/logger"
)

// AdminWriteLimiter rate limits the admin override write endpoints with
// a local token bucket per actor. The override API mutates enforcement
// state, so it gets its own in-process limit independent of the redis
// path.
type AdminWriteLimiter struct {
	mu       sync.Mutex
	visitors map[string]*adminVisitor
	limit    rate.Limit
	burst    int
	log      *logger.Logger
	done     chan struct{}
	stopOnce sync.Once
}

type adminVisitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewAdminWriteLimiter creates a limiter allowing writeRequestsPerMin
// sustained writes per actor.
func NewAdminWriteLimiter(writeRequestsPerMin int, log *logger.Logger) *AdminWriteLimiter {
	if writeRequestsPerMin <= 0 {
		writeRequestsPerMin = 10
	}

	l := &AdminWriteLimiter{
		visitors: make(map[string]*adminVisitor),
		limit:    rate.Limit(float64(writeRequestsPerMin) / 60.0),
		burst:    writeRequestsPerMin,
		log:      log,
		done:     make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Middleware enforces the per-actor write limit. The key is the admin
// user id when present, the peer address otherwise.
func (l *AdminWriteLimiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := GetUserID(r.Context())
			if key == "" {
				key = r.RemoteAddr
			}

			if !l.allow(key) {
				l.log.Warn("admin write rate limit exceeded",
					"actor", key,
					"path", r.URL.Path,
				)
				apierror.RateLimited(60, "admin").WriteJSON(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Stop terminates the cleanup goroutine.
func (l *AdminWriteLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.done) })
}

func (l *AdminWriteLimiter) allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	v, ok := l.visitors[key]
	if !ok {
		v = &adminVisitor{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.visitors[key] = v
	}
	v.lastSeen = time.Now()
	return v.limiter.Allow()
}

func (l *AdminWriteLimiter) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			l.mu.Lock()
			for key, v := range l.visitors {
				if time.Since(v.lastSeen) > 10*time.Minute {
					delete(l.visitors, key)
				}
			}
			l.mu.Unlock()
		}
	}
}
