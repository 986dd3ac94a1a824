// Package bruteguard throttles repeated failed logins per client address.
package bruteguard

import (
	"strings"
	"sync"
	"time"

	"clashstats/cs/common/logx"

	"github.com/coder/quartz"
)

type Config struct {
	// Window after the last failure at which the failure count restarts.
	// An active lock is kept until it runs out.
	Window time.Duration

	// Reaching MaxFails locks for Cooldown; below that each failure backs off exponentially.
	MaxFails    int
	Cooldown    time.Duration
	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	GCInterval time.Duration
	AliveFor   time.Duration

	Clock quartz.Clock
}

func defaultConfig() Config {
	return Config{
		Window:      10 * time.Minute,
		MaxFails:    5,
		Cooldown:    30 * time.Minute,
		BaseBackoff: 2 * time.Second,
		MaxBackoff:  time.Minute,
		GCInterval:  time.Minute,
		AliveFor:    12 * time.Hour,
	}
}

type entry struct {
	fails       int
	lastFail    time.Time
	lockedUntil time.Time
	lastSeen    time.Time
}

type Guard struct {
	cfg Config

	mu     sync.Mutex
	store  map[string]*entry
	lastGC time.Time
	clock  quartz.Clock
	log    *logx.Logger
}

func New(cfg Config) *Guard {
	def := defaultConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.MaxFails <= 0 {
		cfg.MaxFails = def.MaxFails
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = def.BaseBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.GCInterval <= 0 {
		cfg.GCInterval = def.GCInterval
	}
	if cfg.AliveFor <= 0 {
		cfg.AliveFor = def.AliveFor
	}
	clock := cfg.Clock
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &Guard{
		cfg:   cfg,
		store: make(map[string]*entry, 64),
		clock: clock,
		log:   logx.New(logx.WithPrefix("bruteguard")),
	}
}

// Allow is called before checking credentials and reports how long the client must wait.
func (g *Guard) Allow(ip string) (ok bool, retryAfter time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.clock.Now("bruteguard")
	g.gcIfNeeded(now)

	e := g.get(key(ip), now)
	if e == nil || !e.lockedUntil.After(now) {
		return true, 0
	}
	wait := e.lockedUntil.Sub(now)
	g.log.Debugf("BLOCK ip=%q wait=%s", ip, wait)
	return false, wait
}

// Fail records one rejected password.
func (g *Guard) Fail(ip string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.clock.Now("bruteguard")
	g.gcIfNeeded(now)

	k := key(ip)
	e := g.get(k, now)
	if e == nil {
		e = &entry{}
		g.store[k] = e
	}
	e.fails++
	e.lastFail = now
	e.lastSeen = now

	if e.fails >= g.cfg.MaxFails {
		e.lockedUntil = now.Add(g.cfg.Cooldown)
		g.log.Warnf("COOL-DOWN ip=%q fails=%d until=%s", ip, e.fails, e.lockedUntil.Format(time.RFC3339))
		return
	}
	backoff := g.cfg.BaseBackoff
	for i := 1; i < e.fails; i++ {
		backoff *= 2
		if backoff >= g.cfg.MaxBackoff {
			backoff = g.cfg.MaxBackoff
			break
		}
	}
	if until := now.Add(backoff); until.After(e.lockedUntil) {
		e.lockedUntil = until
	}
	g.log.Debugf("FAIL ip=%q fails=%d backoff=%s", ip, e.fails, backoff)
}

// Success clears the history of ip.
func (g *Guard) Success(ip string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.store, key(ip))
}

// Stats counts tracked and currently blocked addresses.
func (g *Guard) Stats() (keys int, blocked int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.clock.Now("bruteguard")
	g.gcIfNeeded(now)
	for _, e := range g.store {
		keys++
		if e.lockedUntil.After(now) {
			blocked++
		}
	}
	return
}

func (g *Guard) get(k string, now time.Time) *entry {
	e := g.store[k]
	if e == nil {
		return nil
	}
	// the count restarts but lockedUntil stays, so a short Window never lifts a cooldown early
	if now.Sub(e.lastFail) > g.cfg.Window {
		e.fails = 0
	}
	e.lastSeen = now
	return e
}

func (g *Guard) gcIfNeeded(now time.Time) {
	if now.Sub(g.lastGC) < g.cfg.GCInterval {
		return
	}
	g.lastGC = now
	for k, e := range g.store {
		if now.Sub(e.lastSeen) > g.cfg.AliveFor && !e.lockedUntil.After(now) {
			delete(g.store, k)
		}
	}
}

func key(ip string) string {
	ip = strings.TrimSpace(ip)
	if ip == "" {
		return "-"
	}
	return ip
}
