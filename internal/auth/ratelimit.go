package auth

import (
	"log"
	"net"
	"net/http"
	"sync"
	"time"
)

// LoginLimiter throttles the login and authorize endpoints with a fixed
// window per client key. Expired windows are garbage-collected periodically.
type LoginLimiter struct {
	mu      sync.Mutex
	windows map[string]*loginWindow
	max     int
	window  time.Duration
	logger  *log.Logger
}

type loginWindow struct {
	count       int
	windowStart time.Time
}

func NewLoginLimiter(max int, window time.Duration) *LoginLimiter {
	if max <= 0 {
		max = 10
	}
	if window <= 0 {
		window = time.Minute
	}
	l := &LoginLimiter{
		windows: make(map[string]*loginWindow),
		max:     max,
		window:  window,
		logger:  log.New(log.Writer(), "[RATE-LIMIT] ", log.LstdFlags),
	}
	go l.cleanup()
	return l
}

// Allow reports whether another attempt from key fits in the current window.
func (l *LoginLimiter) Allow(key string) bool {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok || now.Sub(w.windowStart) > l.window {
		l.windows[key] = &loginWindow{count: 1, windowStart: now}
		return true
	}
	w.count++
	if w.count > l.max {
		l.logger.Printf("login rate limit exceeded: key=%s count=%d limit=%d", key, w.count, l.max)
		return false
	}
	return true
}

func (l *LoginLimiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		l.mu.Lock()
		now := time.Now()
		for key, w := range l.windows {
			if now.Sub(w.windowStart) > 2*l.window {
				delete(l.windows, key)
			}
		}
		l.mu.Unlock()
	}
}

// clientKey identifies the caller for rate limiting: remote IP only, since
// credentials are not trustworthy before authentication.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
