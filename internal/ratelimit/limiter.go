package ratelimit

import (
	"math"
	"math/rand/v2"
	"sync"
	"time"
)

// Limiter is a process-local fixed-window counter. Instances do not share state.
type Limiter struct {
	mu         sync.Mutex
	window     time.Duration
	max        int
	evictEvery int
	entries    map[string]entry
	roll       func(n int) int
}

type entry struct {
	count   int
	resetAt time.Time
}

type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// New returns nil when limit is not positive. A nil Limiter allows everything.
func New(limit int, window time.Duration, evictEvery int) *Limiter {
	if limit <= 0 {
		return nil
	}
	if window <= 0 {
		window = time.Minute
	}
	if evictEvery <= 0 {
		evictEvery = 100
	}
	return &Limiter{
		window:     window,
		max:        limit,
		evictEvery: evictEvery,
		entries:    map[string]entry{},
		roll:       rand.IntN,
	}
}

func (l *Limiter) Allow(key string, now time.Time) Decision {
	if l == nil {
		return Decision{Allowed: true}
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.roll(l.evictEvery) == 0 {
		l.evictLocked(now)
	}

	e, ok := l.entries[key]
	if !ok || !now.Before(e.resetAt) {
		l.entries[key] = entry{count: 1, resetAt: now.Add(l.window)}
		return Decision{Allowed: true, Remaining: l.max - 1}
	}
	if e.count < l.max {
		e.count++
		l.entries[key] = e
		return Decision{Allowed: true, Remaining: l.max - e.count}
	}
	return Decision{Allowed: false, RetryAfter: e.resetAt.Sub(now)}
}

func (l *Limiter) evictLocked(now time.Time) {
	for k, e := range l.entries {
		if !now.Before(e.resetAt) {
			delete(l.entries, k)
		}
	}
}

// Len is the number of tracked callers.
func (l *Limiter) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// RetryAfterSeconds rounds up and never returns less than one.
func RetryAfterSeconds(d time.Duration) int {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}
