package collector

import (
	"context"
	"fmt"
	"sync"
	"time"

	"clashstats/cs/db/dao"
	"clashstats/cs/model"

	"github.com/coder/quartz"
	"golang.org/x/sync/errgroup"
)

// Registry is the part of the backend registry the manager polls.
type Registry interface {
	SnapshotListening(ctx context.Context) (map[int64]dao.BackendNap, error)
}

type running struct {
	feed        *Feed
	pipe        *Pipeline
	fingerprint string
}

// LockMap serialises lifecycle operations per backend id.
type LockMap struct {
	mu sync.Mutex
	m  map[int64]*sync.Mutex
}

func NewLockMap() *LockMap {
	return &LockMap{m: make(map[int64]*sync.Mutex)}
}

func (lm *LockMap) Lock(id int64) func() {
	lm.mu.Lock()
	lk, ok := lm.m[id]
	if !ok {
		lk = &sync.Mutex{}
		lm.m[id] = lk
	}
	lm.mu.Unlock()
	lk.Lock()
	return func() { lk.Unlock() }
}

type ManagerConfig struct {
	ReconnectInterval time.Duration
	HotReload         time.Duration
	Clock             quartz.Clock
	// Deps builds the collaborators of a new pipeline.
	Deps func(b model.Backend) PipelineDeps

	dial dialFunc
}

// Manager runs one pipeline per listening backend and follows registry changes.
type Manager struct {
	reg   Registry
	cfg   ManagerConfig
	locks *LockMap

	mu      sync.RWMutex
	running map[int64]*running

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewManager(reg Registry, cfg ManagerConfig) *Manager {
	if cfg.Clock == nil {
		cfg.Clock = quartz.NewReal()
	}
	if cfg.HotReload <= 0 {
		cfg.HotReload = 30 * time.Second
	}
	return &Manager{
		reg:     reg,
		cfg:     cfg,
		locks:   NewLockMap(),
		running: make(map[int64]*running),
	}
}

// Start brings up the current listening set and keeps watching it.
func (m *Manager) Start(ctx context.Context) error {
	m.ctx, m.cancel = context.WithCancel(ctx)
	if err := m.Sync(m.ctx); err != nil {
		pipeLog.Errorf("initial sync failed: %v", err)
	}
	m.wg.Add(1)
	go m.watchAndHotReload()
	pipeLog.Infof("collector manager started (hot reload every %s)", m.cfg.HotReload)
	return nil
}

func (m *Manager) watchAndHotReload() {
	defer m.wg.Done()
	tk := m.cfg.Clock.NewTicker(m.cfg.HotReload, "manager", "reload")
	defer tk.Stop()
	for {
		select {
		case <-m.ctx.Done():
			pipeLog.Debugf("hot-reload watcher exit")
			return
		case <-tk.C:
			if err := m.Sync(m.ctx); err != nil {
				pipeLog.Errorf("hot-reload snapshot failed: %v", err)
			}
		}
	}
}

// Sync reconciles running pipelines with the registry right away.
func (m *Manager) Sync(ctx context.Context) error {
	cur, err := m.reg.SnapshotListening(ctx)
	if err != nil {
		return err
	}
	for id, nap := range cur {
		m.mu.RLock()
		old := m.running[id]
		m.mu.RUnlock()
		if old != nil && old.fingerprint == nap.Fingerprint {
			continue
		}
		if old != nil {
			pipeLog.Debugf("[backend %d] fingerprint changed -> restart", id)
		}
		if err := m.startOne(nap); err != nil {
			pipeLog.Errorf("[backend %d] %v", id, err)
		}
	}
	m.mu.RLock()
	var gone []int64
	for id := range m.running {
		if _, ok := cur[id]; !ok {
			gone = append(gone, id)
		}
	}
	m.mu.RUnlock()
	for _, id := range gone {
		pipeLog.Debugf("[backend %d] disabled/removed -> stop", id)
		m.stopOne(id)
	}
	return nil
}

// startOne replaces whatever runs for the backend; the old feed always stops first.
func (m *Manager) startOne(nap dao.BackendNap) error {
	b := nap.Backend
	unlock := m.locks.Lock(b.Id)
	defer unlock()

	m.mu.RLock()
	old := m.running[b.Id]
	m.mu.RUnlock()
	if old != nil && old.fingerprint == nap.Fingerprint {
		return nil
	}
	if old != nil {
		old.feed.Disconnect()
		m.mu.Lock()
		delete(m.running, b.Id)
		m.mu.Unlock()
	}

	endpoint, err := ConnectionsURL(b.URL)
	if err != nil {
		return fmt.Errorf("backend url: %w", err)
	}
	var deps PipelineDeps
	if m.cfg.Deps != nil {
		deps = m.cfg.Deps(b)
	}
	if deps.Clock == nil {
		deps.Clock = m.cfg.Clock
	}
	pipe := NewPipeline(b, deps)
	opts := []FeedOption{WithClock(m.cfg.Clock), WithReconnectInterval(m.cfg.ReconnectInterval)}
	if m.cfg.dial != nil {
		opts = append(opts, withDialer(m.cfg.dial))
	}
	feed := NewFeed(b.Id, endpoint, b.Token, pipe, opts...)
	if err := feed.Connect(); err != nil {
		return err
	}
	m.mu.Lock()
	m.running[b.Id] = &running{feed: feed, pipe: pipe, fingerprint: nap.Fingerprint}
	m.mu.Unlock()
	pipeLog.Infof("[backend %d] collector started: %s -> %s", b.Id, b.Name, endpoint)
	return nil
}

func (m *Manager) stopOne(id int64) {
	unlock := m.locks.Lock(id)
	defer unlock()

	m.mu.Lock()
	old := m.running[id]
	delete(m.running, id)
	m.mu.Unlock()
	if old != nil {
		old.feed.Disconnect()
		pipeLog.Infof("[backend %d] collector stopped", id)
	}
}

// Running lists the ids with a live pipeline.
func (m *Manager) Running() []int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]int64, 0, len(m.running))
	for id := range m.running {
		out = append(out, id)
	}
	return out
}

// Stop disconnects every feed and waits for the watcher.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()

	m.mu.Lock()
	olds := m.running
	m.running = make(map[int64]*running)
	m.mu.Unlock()

	var g errgroup.Group
	for id, r := range olds {
		g.Go(func() error {
			r.feed.Disconnect()
			pipeLog.Infof("[backend %d] collector stopped", id)
			return nil
		})
	}
	_ = g.Wait()
	pipeLog.Infof("collector manager stopped")
}
