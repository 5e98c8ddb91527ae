package webchat

import (
	"sync"

	"golang.org/x/time/rate"
)

// limiterPool keeps one token bucket per user. A zero rps disables limiting.
type limiterPool struct {
	rps   float64
	burst int

	mu sync.Mutex
	m  map[string]*rate.Limiter
}

func newLimiterPool(rps float64, burst int) *limiterPool {
	if burst <= 0 {
		burst = 1
	}
	return &limiterPool{rps: rps, burst: burst, m: map[string]*rate.Limiter{}}
}

func (p *limiterPool) get(key string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	if l, ok := p.m[key]; ok {
		return l
	}
	l := rate.NewLimiter(rate.Limit(p.rps), p.burst)
	p.m[key] = l
	return l
}

func (p *limiterPool) Allow(key string) bool {
	if p == nil || p.rps <= 0 {
		return true
	}
	return p.get(key).Allow()
}
