// Package ratelimit throttles bridge callers per client address. Buckets live
// in process memory by default, or in Redis when several bridge instances
// must share a budget.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Policy defines per-client limits. RPM <= 0 disables limiting.
type Policy struct {
	RPM   int
	Burst int
}

// Enabled reports whether the policy limits anything.
func (p Policy) Enabled() bool {
	return p.RPM > 0
}

// perSecond converts RPM to a refill rate.
func (p Policy) perSecond() float64 {
	return float64(p.RPM) / 60.0
}

func (p Policy) burst() int {
	if p.Burst < 1 {
		return 1
	}
	return p.Burst
}

// RetryAfter is the suggested wait, in whole seconds, once a client is limited.
func (p Policy) RetryAfter() int {
	if p.RPM <= 0 {
		return 1
	}
	secs := 60 / p.RPM
	if secs < 1 {
		secs = 1
	}
	return secs
}

// Store abstracts the storage for rate limiting buckets.
type Store interface {
	// Allow consumes one token for clientID. It reports false when the
	// client is over its limit.
	Allow(ctx context.Context, clientID string, policy Policy) (bool, error)
}

const (
	visitorTTL      = 3 * time.Minute
	cleanupInterval = time.Minute
)

// MemoryStore keeps one token bucket per client in process memory.
type MemoryStore struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	now      func() time.Time
	stop     chan struct{}
	once     sync.Once
}

// visitor tracks the limiter and last seen time for a client.
type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewMemoryStore creates a store and starts its background cleanup. Call
// Close to stop it.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		visitors: make(map[string]*visitor),
		now:      time.Now,
		stop:     make(chan struct{}),
	}
	go s.cleanupLoop()
	return s
}

// Allow implements Store.
func (s *MemoryStore) Allow(_ context.Context, clientID string, policy Policy) (bool, error) {
	if !policy.Enabled() {
		return true, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	v, ok := s.visitors[clientID]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rate.Limit(policy.perSecond()), policy.burst())}
		s.visitors[clientID] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1), nil
}

// Len returns the number of tracked clients.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.visitors)
}

// Sweep removes clients idle for longer than visitorTTL.
func (s *MemoryStore) Sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for id, v := range s.visitors {
		if now.Sub(v.lastSeen) > visitorTTL {
			delete(s.visitors, id)
		}
	}
}

// Close stops the cleanup goroutine.
func (s *MemoryStore) Close() error {
	s.once.Do(func() { close(s.stop) })
	return nil
}

func (s *MemoryStore) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Sweep()
		case <-s.stop:
			return
		}
	}
}
