package collector

import (
	"context"
	"time"

	"clashstats/cs/common/logx"
	"clashstats/cs/model"

	"github.com/coder/quartz"
)

var pipeLog = logx.New(logx.WithPrefix("collector"))

// Applier persists one delta atomically.
type Applier interface {
	Apply(ctx context.Context, backendID int64, d model.TrafficDelta) error
}

// Enricher resolves an address in the background and folds the traffic into the country view.
type Enricher interface {
	Enrich(backendID int64, ip string, up, down int64)
}

// Notifier is told that new traffic was stored.
type Notifier interface {
	Notify(force bool) bool
}

// Recorder receives operational counters; see cs/core/metrics.
type Recorder interface {
	SnapshotReceived(backendID int64, conns int)
	DeltaApplied(backendID int64, d model.TrafficDelta)
	TransportError(backendID int64)
	StorageError(backendID int64)
	ActiveConnections(backendID int64, n int)
}

type PipelineDeps struct {
	Aggregator Applier
	Enricher   Enricher // optional
	Notifier   Notifier // optional
	Recorder   Recorder // optional
	Clock      quartz.Clock
	// StatsLogEvery paces the activity log line; zero disables it.
	StatsLogEvery time.Duration
}

// Pipeline owns the tracker of one backend and drives it from the feed.
type Pipeline struct {
	backend model.Backend
	deps    PipelineDeps
	tracker *Tracker
	log     *logx.Logger

	lastStatsLog time.Time
}

func NewPipeline(b model.Backend, deps PipelineDeps) *Pipeline {
	if deps.Clock == nil {
		deps.Clock = quartz.NewReal()
	}
	return &Pipeline{
		backend: b,
		deps:    deps,
		tracker: NewTracker(),
		log:     pipeLog.With(b.Name),
	}
}

func (p *Pipeline) BackendID() int64 { return p.backend.Id }

func (p *Pipeline) HandleSnapshot(s *Snapshot) {
	now := s.ReceivedAt
	if now.IsZero() {
		now = p.deps.Clock.Now()
	}
	id := p.backend.Id
	if r := p.deps.Recorder; r != nil {
		r.SnapshotReceived(id, len(s.Connections))
	}

	deltas := p.tracker.Tick(s, now)
	stored := false
	for _, d := range deltas {
		if err := p.deps.Aggregator.Apply(context.Background(), id, d); err != nil {
			p.log.Errorf("apply delta conn=%s: %v", d.ConnID, err)
			if r := p.deps.Recorder; r != nil {
				r.StorageError(id)
			}
			continue
		}
		stored = true
		if r := p.deps.Recorder; r != nil {
			r.DeltaApplied(id, d)
		}
		if p.deps.Enricher != nil && d.IP != "" {
			p.deps.Enricher.Enrich(id, d.IP, d.Upload, d.Download)
		}
	}
	if stored && p.deps.Notifier != nil {
		p.deps.Notifier.Notify(false)
	}
	if r := p.deps.Recorder; r != nil {
		r.ActiveConnections(id, p.tracker.Len())
	}
	p.maybeLogStats(now)
}

func (p *Pipeline) HandleTransportError(err error) {
	p.log.Warnf("%v", err)
	if r := p.deps.Recorder; r != nil {
		r.TransportError(p.backend.Id)
	}
}

func (p *Pipeline) maybeLogStats(now time.Time) {
	every := p.deps.StatsLogEvery
	if every <= 0 || now.Sub(p.lastStatsLog) < every {
		return
	}
	p.lastStatsLog = now
	st := p.tracker.Stats()
	p.log.Infof("Active: %d, Domains: %d, Rules: %d", st.Active, st.Domains, st.Rules)
}
