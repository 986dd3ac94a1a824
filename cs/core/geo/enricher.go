package geo

import (
	"context"
	"errors"
	"sync"
	"time"

	"clashstats/cs/model"
)

// Looker resolves addresses; *Service is the production implementation.
type Looker interface {
	Lookup(ctx context.Context, ip string) (*model.GeoInfo, error)
}

// Folder adds resolved traffic to the country view.
type Folder interface {
	ApplyCountry(ctx context.Context, backendID int64, geo *model.GeoInfo, up, down int64) error
}

// Liveness guards late results against a closed store.
type Liveness interface {
	Alive() bool
}

// FailureRecorder counts lookups that ended without a location.
type FailureRecorder interface {
	EnrichFailed(backendID int64)
}

// Result is one successful lookup waiting to be folded.
type Result struct {
	BackendID int64
	Geo       *model.GeoInfo
	Upload    int64
	Download  int64
}

// Enricher resolves addresses off the tick path; results arrive in any order.
type Enricher struct {
	look     Looker
	fold     Folder
	alive    Liveness
	timeout  time.Duration
	recorder FailureRecorder

	results  chan Result
	stop     chan struct{}
	mu       sync.Mutex
	stopped  bool
	inflight sync.WaitGroup
}

type EnricherOption func(*Enricher)

func WithTimeout(d time.Duration) EnricherOption {
	return func(e *Enricher) {
		if d > 0 {
			e.timeout = d
		}
	}
}

func WithFailureRecorder(r FailureRecorder) EnricherOption {
	return func(e *Enricher) { e.recorder = r }
}

func NewEnricher(look Looker, fold Folder, alive Liveness, opts ...EnricherOption) *Enricher {
	e := &Enricher{
		look:    look,
		fold:    fold,
		alive:   alive,
		timeout: 5 * time.Second,
		results: make(chan Result, 256),
		stop:    make(chan struct{}),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Enrich starts one background lookup and returns immediately.
func (e *Enricher) Enrich(backendID int64, ip string, up, down int64) {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.inflight.Add(1)
	e.mu.Unlock()
	go func() {
		defer e.inflight.Done()
		ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
		defer cancel()
		g, err := e.look.Lookup(ctx, ip)
		if err != nil {
			if !errors.Is(err, ErrUnknownIP) {
				geoLog.Debugf("lookup %s failed: %v", ip, err)
			}
			if e.recorder != nil {
				e.recorder.EnrichFailed(backendID)
			}
			return
		}
		select {
		case e.results <- Result{BackendID: backendID, Geo: g, Upload: up, Download: down}:
		case <-e.stop:
		}
	}()
}

// Run folds results until ctx is done or Stop is called.
func (e *Enricher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stop:
			return
		case r := <-e.results:
			e.handle(r)
		}
	}
}

func (e *Enricher) handle(r Result) {
	if e.alive != nil && !e.alive.Alive() {
		geoLog.Tracef("store closed, dropping %s", r.Geo.IP)
		return
	}
	if err := e.fold.ApplyCountry(context.Background(), r.BackendID, r.Geo, r.Upload, r.Download); err != nil {
		geoLog.Warnf("fold country backend=%d: %v", r.BackendID, err)
	}
}

// Stop releases blocked lookups and waits for them; pending results are dropped.
func (e *Enricher) Stop() {
	e.mu.Lock()
	if !e.stopped {
		e.stopped = true
		close(e.stop)
	}
	e.mu.Unlock()
	e.inflight.Wait()
}
