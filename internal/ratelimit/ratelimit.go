// Package ratelimit throttles inbound frames per user.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type Limiter struct {
	limiter *rate.Limiter
	burst   int
}

func NewLimiter(perSecond float64, burst int) *Limiter {
	return &Limiter{
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
		burst:   burst,
	}
}

func (l *Limiter) Allow() bool {
	return l.limiter.Allow()
}

// full reports whether the bucket has refilled completely, i.e. the limiter
// carries no state worth keeping.
func (l *Limiter) full(now time.Time) bool {
	return l.limiter.TokensAt(now) >= float64(l.burst)
}

// ClientLimiters hands out one Limiter per key. Limiters that have refilled
// are dropped by a periodic cleanup.
type ClientLimiters struct {
	limiters        map[string]*Limiter
	perSecond       float64
	burst           int
	mu              sync.Mutex
	cleanupInterval time.Duration
	stop            chan struct{}
	stopOnce        sync.Once
}

func NewClientLimiters(perSecond float64, burst int) *ClientLimiters {
	return newClientLimiters(perSecond, burst, 5*time.Minute)
}

func newClientLimiters(perSecond float64, burst int, cleanupInterval time.Duration) *ClientLimiters {
	cl := &ClientLimiters{
		limiters:        make(map[string]*Limiter),
		perSecond:       perSecond,
		burst:           burst,
		cleanupInterval: cleanupInterval,
		stop:            make(chan struct{}),
	}
	go cl.cleanup()
	return cl
}

func (cl *ClientLimiters) Get(key string) *Limiter {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if limiter, ok := cl.limiters[key]; ok {
		return limiter
	}
	limiter := NewLimiter(cl.perSecond, cl.burst)
	cl.limiters[key] = limiter
	return limiter
}

func (cl *ClientLimiters) Len() int {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return len(cl.limiters)
}

func (cl *ClientLimiters) Stop() {
	cl.stopOnce.Do(func() { close(cl.stop) })
}

func (cl *ClientLimiters) cleanup() {
	ticker := time.NewTicker(cl.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-cl.stop:
			return
		case now := <-ticker.C:
			cl.evict(now)
		}
	}
}

func (cl *ClientLimiters) evict(now time.Time) int {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	evicted := 0
	for key, limiter := range cl.limiters {
		if limiter.full(now) {
			delete(cl.limiters, key)
			evicted++
		}
	}
	return evicted
}
