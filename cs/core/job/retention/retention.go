// Package retention trims connection logs and stale geo lookups on a timer.
package retention

import (
	"context"
	"time"

	"clashstats/cs/common/logx"
	"clashstats/cs/model"

	"github.com/coder/quartz"
)

var log = logx.New(logx.WithPrefix("job.retention"))

// Store is the maintenance side of dao.StatsStore.
type Store interface {
	Cleanup(ctx context.Context, backendID int64, days int) (model.CleanupResult, error)
	CleanupGeoCache(ctx context.Context, maxAge time.Duration) (int64, error)
}

// Pruner sheds expired in-memory lookups; see geo.Service.
type Pruner interface {
	Prune() int
}

type Options struct {
	// Days keeps this many days of connection logs; zero disables log trimming.
	// Aggregates are never touched here.
	Days   int
	Every  time.Duration
	GeoTTL time.Duration
	// Geo is optional.
	Geo   Pruner
	Clock quartz.Clock
}

// Start runs one pass right away, then every opt.Every until ctx is done.
func Start(ctx context.Context, s Store, opt Options) {
	if opt.Clock == nil {
		opt.Clock = quartz.NewReal()
	}
	if opt.Every <= 0 {
		opt.Every = 6 * time.Hour
	}
	tk := opt.Clock.NewTicker(opt.Every, "retention")
	go func() {
		defer tk.Stop()
		RunOnce(ctx, s, opt)
		for {
			select {
			case <-ctx.Done():
				return
			case <-tk.C:
				RunOnce(ctx, s, opt)
			}
		}
	}()
	log.Infof("retention job every %s (keep logs %d days, geo cache %s)", opt.Every, opt.Days, opt.GeoTTL)
}

// RunOnce is one retention pass; failures are logged and retried next tick.
func RunOnce(ctx context.Context, s Store, opt Options) {
	start := time.Now()
	if opt.Days > 0 {
		res, err := s.Cleanup(ctx, 0, opt.Days)
		if err != nil {
			log.Errorf("[logs] cleanup error: %v", err)
		} else {
			log.Debugf("[logs] deleted=%d older than %d days", res.DeletedLogs, opt.Days)
		}
	}
	if opt.GeoTTL > 0 {
		n, err := s.CleanupGeoCache(ctx, opt.GeoTTL)
		if err != nil {
			log.Errorf("[geo] cleanup error: %v", err)
		} else if n > 0 {
			log.Debugf("[geo] expired=%d", n)
		}
	}
	if opt.Geo != nil {
		if n := opt.Geo.Prune(); n > 0 {
			log.Debugf("[geo] pruned=%d from memory", n)
		}
	}
	log.Debugf("tick done cost=%s", time.Since(start))
}
