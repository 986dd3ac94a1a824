// Package notify rate-limits change notifications.
package notify

import (
	"sync"
	"time"

	"github.com/coder/quartz"
)

// Gate forwards at most one notification per window unless forced.
// Suppressed notifications are dropped, not deferred.
type Gate struct {
	clock   quartz.Clock
	window  time.Duration
	deliver func()

	mu   sync.Mutex
	last time.Time
	sent bool
}

func NewGate(clock quartz.Clock, window time.Duration, deliver func()) *Gate {
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &Gate{clock: clock, window: window, deliver: deliver}
}

// Notify reports whether deliver ran.
func (g *Gate) Notify(force bool) bool {
	g.mu.Lock()
	now := g.clock.Now("gate")
	if !force && g.sent && now.Sub(g.last) < g.window {
		g.mu.Unlock()
		return false
	}
	g.last, g.sent = now, true
	g.mu.Unlock()
	g.deliver()
	return true
}
