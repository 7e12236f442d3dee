package identity

import (
	"sync"
	"time"
)

// loginLimiter rate-limits authentication attempts per source address using
// a one-minute sliding window. Failed attempts count double so brute force
// hits the limit sooner than honest retries.
type loginLimiter struct {
	mu        sync.Mutex
	perMinute int
	windows   map[string]*loginWindow
	lastSweep time.Time
}

type loginWindow struct {
	count int
	start time.Time
}

func newLoginLimiter(perMinute int) *loginLimiter {
	if perMinute <= 0 {
		perMinute = 10
	}
	return &loginLimiter{
		perMinute: perMinute,
		windows:   make(map[string]*loginWindow),
		lastSweep: time.Now(),
	}
}

func (l *loginLimiter) allow(addr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if now.Sub(l.lastSweep) > 5*time.Minute {
		for k, w := range l.windows {
			if now.Sub(w.start) > 2*time.Minute {
				delete(l.windows, k)
			}
		}
		l.lastSweep = now
	}

	w, ok := l.windows[addr]
	if !ok || now.Sub(w.start) > time.Minute {
		l.windows[addr] = &loginWindow{count: 1, start: now}
		return true
	}
	w.count++
	return w.count <= l.perMinute
}

func (l *loginLimiter) recordFailure(addr string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if w, ok := l.windows[addr]; ok {
		w.count++
	}
}
