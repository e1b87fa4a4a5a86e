package breaker

import (
	"sync"
	"time"
)

// Breaker is a circuit breaker per key (push provider type).
//   - When failures reach Threshold within Window, the breaker opens for OpenFor.
//   - On success, the failure counter resets.
type Breaker struct {
	mu        sync.Mutex
	threshold int
	window    time.Duration
	openFor   time.Duration
	now       func() time.Time

	state map[string]*st
}

type st struct {
	failCount int
	firstFail time.Time
	openUntil time.Time
}

type Options struct {
	Threshold int
	Window    time.Duration
	OpenFor   time.Duration
}

func New(opt Options) *Breaker {
	if opt.Threshold <= 0 {
		opt.Threshold = 5
	}
	if opt.Window <= 0 {
		opt.Window = 10 * time.Second
	}
	if opt.OpenFor <= 0 {
		opt.OpenFor = 5 * time.Second
	}
	return &Breaker{
		threshold: opt.Threshold,
		window:    opt.Window,
		openFor:   opt.OpenFor,
		now:       time.Now,
		state:     make(map[string]*st),
	}
}

func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.state[key]
	if !ok {
		return true
	}
	return s.openUntil.IsZero() || !b.now().Before(s.openUntil)
}

func (b *Breaker) Success(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.state, key)
}

// Failure records a failure and reports whether it opened the breaker.
func (b *Breaker) Failure(key string) (opened bool) {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.state[key]
	if !ok {
		s = &st{failCount: 1, firstFail: now}
		b.state[key] = s
		return b.threshold <= 1 && b.open(s, now)
	}

	if now.Sub(s.firstFail) > b.window {
		s.failCount = 1
		s.firstFail = now
		s.openUntil = time.Time{}
		return b.threshold <= 1 && b.open(s, now)
	}

	s.failCount++
	if s.failCount >= b.threshold {
		return b.open(s, now)
	}
	return false
}

func (b *Breaker) open(s *st, now time.Time) bool {
	wasOpen := !s.openUntil.IsZero() && now.Before(s.openUntil)
	s.openUntil = now.Add(b.openFor)
	return !wasOpen
}
