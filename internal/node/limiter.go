package node

import (
	"sync"

	"golang.org/x/time/rate"
)

// senderLimiter throttles inbound messages per sender. A zero rate
// disables limiting.
type senderLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      float64
	burst    int
}

func newSenderLimiter(rps float64, burst int) *senderLimiter {
	if rps <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return &senderLimiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      rps,
		burst:    burst,
	}
}

func (l *senderLimiter) allow(senderID string) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	lim, ok := l.limiters[senderID]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(l.rps), l.burst)
		l.limiters[senderID] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}
