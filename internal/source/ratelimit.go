package source

import (
	"net/netip"
	"sync"
	"sync/atomic"
	"time"
)

// GatewayRateLimiter caps the frames accepted from each gateway address
// per fixed window. Counts reset when the window rotates.
type GatewayRateLimiter struct {
	mu          sync.Mutex
	current     map[netip.Addr]int
	windowStart time.Time
	window      time.Duration
	max         int

	rejected atomic.Int64
}

// NewGatewayRateLimiter returns nil when max <= 0, which disables limiting.
func NewGatewayRateLimiter(max int, window time.Duration) *GatewayRateLimiter {
	if max <= 0 {
		return nil
	}
	if window <= 0 {
		window = time.Second
	}
	return &GatewayRateLimiter{
		current: make(map[netip.Addr]int),
		window:  window,
		max:     max,
	}
}

// Allow counts one frame from addr and reports whether it is within the cap.
// A nil limiter allows everything.
func (l *GatewayRateLimiter) Allow(addr netip.Addr, now time.Time) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.windowStart.IsZero() || now.Sub(l.windowStart) >= l.window {
		clear(l.current)
		l.windowStart = now
	}
	l.current[addr]++
	if l.current[addr] > l.max {
		l.rejected.Add(1)
		return false
	}
	return true
}

// Rejected returns the total number of frames refused.
func (l *GatewayRateLimiter) Rejected() int64 {
	if l == nil {
		return 0
	}
	return l.rejected.Load()
}

// ActiveGateways returns the number of addresses seen in the current window.
func (l *GatewayRateLimiter) ActiveGateways() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.current)
}
