package http

import (
	"sync"
	"time"

	"github.com/dkeye/deskrtc/internal/domain"
)

// ConnectLimiter allows at most limit connect attempts per desktop inside a
// sliding window of interval. Desktops idle for a whole window are dropped
// on the next sweep.
type ConnectLimiter struct {
	mu        sync.Mutex
	history   map[domain.DesktopID][]time.Time
	limit     int
	interval  time.Duration
	lastSweep time.Time
	now       func() time.Time
}

func NewConnectLimiter(limit int, interval time.Duration) *ConnectLimiter {
	return &ConnectLimiter{
		history:  make(map[domain.DesktopID][]time.Time),
		limit:    limit,
		interval: interval,
		now:      time.Now,
	}
}

// Allow records an attempt for desktop. When the window is full it returns
// false and how long until the oldest attempt leaves the window.
func (rl *ConnectLimiter) Allow(desktop domain.DesktopID) (bool, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	windowStart := now.Add(-rl.interval)
	rl.sweep(now, windowStart)

	fresh := trim(rl.history[desktop], windowStart)
	if len(fresh) >= rl.limit {
		rl.history[desktop] = fresh
		return false, fresh[0].Add(rl.interval).Sub(now)
	}

	rl.history[desktop] = append(fresh, now)
	return true, 0
}

// Tracked reports how many desktops currently hold history.
func (rl *ConnectLimiter) Tracked() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.history)
}

// sweep runs at most once per interval; callers hold mu.
func (rl *ConnectLimiter) sweep(now, windowStart time.Time) {
	if now.Sub(rl.lastSweep) < rl.interval {
		return
	}
	rl.lastSweep = now
	for d, attempts := range rl.history {
		if fresh := trim(attempts, windowStart); len(fresh) > 0 {
			rl.history[d] = fresh
		} else {
			delete(rl.history, d)
		}
	}
}

// trim drops attempts at or before windowStart. Attempts are kept in
// arrival order, so the expired ones form a prefix.
func trim(attempts []time.Time, windowStart time.Time) []time.Time {
	i := 0
	for i < len(attempts) && !attempts[i].After(windowStart) {
		i++
	}
	return attempts[i:]
}
