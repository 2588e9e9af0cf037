package reports

import (
	"context"
	"sync"
	"time"
)

const pollLimitWindow = 1 * time.Second

// PollLimiter admits at most one poll per key per window. When it refuses,
// it returns how long the caller should wait.
type PollLimiter interface {
	Allow(ctx context.Context, key string) (bool, time.Duration, error)
}

// MemoryPollLimiter is the single-process PollLimiter.
type MemoryPollLimiter struct {
	mu      sync.Mutex
	lastHit map[string]time.Time
	now     func() time.Time
	window  time.Duration
}

// NewMemoryPollLimiter constructs a MemoryPollLimiter.
func NewMemoryPollLimiter(window time.Duration, now func() time.Time) *MemoryPollLimiter {
	if now == nil {
		now = time.Now
	}
	if window <= 0 {
		window = pollLimitWindow
	}
	return &MemoryPollLimiter{
		lastHit: make(map[string]time.Time),
		now:     now,
		window:  window,
	}
}

// Allow implements PollLimiter.
func (l *MemoryPollLimiter) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	if l == nil {
		return true, 0, nil
	}
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	if last, ok := l.lastHit[key]; ok {
		if elapsed := now.Sub(last); elapsed < l.window {
			return false, l.window - elapsed, nil
		}
	}
	l.lastHit[key] = now
	if len(l.lastHit) > 10000 {
		for k, t := range l.lastHit {
			if now.Sub(t) >= l.window {
				delete(l.lastHit, k)
			}
		}
	}
	return true, 0, nil
}
