package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"clashstats/cs/common/bruteguard"
	"clashstats/cs/common/config"
	"clashstats/cs/common/logx"
	"clashstats/cs/core/aggregate"
	"clashstats/cs/core/collector"
	"clashstats/cs/core/export"
	"clashstats/cs/core/geo"
	"clashstats/cs/core/hub"
	"clashstats/cs/core/job/retention"
	"clashstats/cs/core/metrics"
	"clashstats/cs/core/notify"
	"clashstats/cs/db"
	"clashstats/cs/db/dao"
	"clashstats/cs/model"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

type App struct {
	Cfg     *config.Config
	CfgPath string
	DB      *db.DB

	Backends *dao.BackendDao
	Store    *dao.StatsStore
	GeoCache *dao.GeoCacheDao

	Registry   *prometheus.Registry
	Metrics    *metrics.Metrics
	Influx     *export.Influx // nil unless influx.enable
	Aggregator *aggregate.Aggregator
	Geo        *geo.Service  // nil unless geoip.enable
	Enricher   *geo.Enricher // nil unless geoip.enable
	Hub        *hub.Hub
	Manager    *collector.Manager

	Guard *bruteguard.Guard

	Ctx    context.Context
	Cancel context.CancelFunc

	Log *logx.Logger
}

var log = logx.New(logx.WithPrefix("app"))

// New loads the config, opens and migrates the database and wires every component.
// Nothing runs until Start.
func New(cfgPath string) (*App, error) {
	cfg, cfgP, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	return Open(cfg, cfgP)
}

// Open is New for a config that is already loaded.
func Open(cfg *config.Config, cfgPath string) (*App, error) {
	logx.SetLevelString(cfg.Logging.Level)
	log.Infof("config loaded from %q", cfgPath)

	log.Debugf("opening db: driver=%s", cfg.DB.Driver)
	d, err := db.OpenGorm(cfg.DB.Driver, cfg.DB.DSN, cfg.DB.Pool)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Migrate(d); err != nil {
		_ = d.Close()
		return nil, fmt.Errorf("auto-migrate: %w", err)
	}
	log.Infof("db connected (driver=%s)", d.Driver)

	a, err := Build(cfg, d)
	if err != nil {
		_ = d.Close()
		return nil, err
	}
	a.CfgPath = cfgPath
	return a, nil
}

// Build wires the components around an already migrated database.
func Build(cfg *config.Config, d *db.DB) (*App, error) {
	a := &App{
		Cfg: cfg,
		DB:  d,
		Log: log,
	}
	a.Backends = dao.NewBackendDao(d.GormDataSource)
	a.Store = dao.NewStatsStore(d.GormDataSource)
	a.GeoCache = dao.NewGeoCacheDao(d.GormDataSource)

	n, err := a.Backends.Seed(context.Background(), cfg.Backends)
	if err != nil {
		return nil, fmt.Errorf("seed backends: %w", err)
	}
	if n > 0 {
		a.Log.Infof("seeded %d backend(s) from config", n)
	}

	a.Registry = prometheus.NewRegistry()
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.Metrics = metrics.New(a.Registry)

	observers := []aggregate.Observer{a.Metrics}
	if cfg.Influx.Enable {
		a.Influx = export.NewInflux(cfg.Influx)
		observers = append(observers, a.Influx)
	}
	a.Aggregator = aggregate.New(a.Store, observers...)

	if cfg.GeoIP.Enable {
		timeout := time.Duration(cfg.GeoIP.TimeoutMs) * time.Millisecond
		a.Geo = geo.NewService(
			&geo.IPAPI{BaseURL: cfg.GeoIP.APIURL, Client: &http.Client{Timeout: timeout}},
			a.GeoCache,
			geo.Options{
				TTL:           time.Duration(cfg.GeoIP.CacheTTLHours) * time.Hour,
				RatePerMinute: cfg.GeoIP.RatePerMinute,
			},
		)
		a.Enricher = geo.NewEnricher(a.Geo, a.Aggregator, a.Store,
			geo.WithTimeout(timeout), geo.WithFailureRecorder(a.Metrics))
		a.Log.Infof("geoip enrichment on (%s, %d/min)", cfg.GeoIP.APIURL, cfg.GeoIP.RatePerMinute)
	}

	a.Hub = hub.New(a.Backends, a.Store, nil, time.Duration(cfg.Broadcast.ThrottleMs)*time.Millisecond)
	a.Hub.OnFanOut(a.Metrics.Broadcast)
	metrics.RegisterSubscribers(a.Registry, a.Hub.Len)

	a.Manager = collector.NewManager(a.Backends, collector.ManagerConfig{
		ReconnectInterval: cfg.Collector.ReconnectInterval(),
		HotReload:         cfg.Collector.HotReload(),
		Deps:              a.pipelineDeps,
	})

	a.Guard = bruteguard.New(bruteguard.Config{})
	return a, nil
}

// pipelineDeps gives every backend its own traffic gate in front of the shared hub.
func (a *App) pipelineDeps(b model.Backend) collector.PipelineDeps {
	deps := collector.PipelineDeps{
		Aggregator:    a.Aggregator,
		Notifier:      notify.NewGate(nil, a.Cfg.Collector.TrafficThrottle(), func() { a.Hub.Broadcast(false) }),
		Recorder:      a.Metrics,
		StatsLogEvery: a.Cfg.Collector.StatsLog(),
	}
	if a.Enricher != nil {
		deps.Enricher = a.Enricher
	}
	a.Log.Debugf("[backend %d] pipeline deps built (geo=%t)", b.Id, a.Enricher != nil)
	return deps
}

/* -------------------- start -------------------- */

func (a *App) Start() error {
	a.Ctx, a.Cancel = context.WithCancel(context.Background())
	if a.Enricher != nil {
		go a.Enricher.Run(a.Ctx)
	}
	if err := a.Manager.Start(a.Ctx); err != nil {
		return err
	}
	opt := retention.Options{
		Days:   a.Cfg.Retention.Days,
		Every:  time.Duration(a.Cfg.Retention.IntervalHours) * time.Hour,
		GeoTTL: time.Duration(a.Cfg.GeoIP.CacheTTLHours) * time.Hour,
	}
	if a.Geo != nil {
		opt.Geo = a.Geo
	}
	retention.Start(a.Ctx, a.Store, opt)
	return nil
}

// Resync applies registry changes right away instead of waiting for the hot-reload tick.
func (a *App) Resync(ctx context.Context) {
	if err := a.Manager.Sync(ctx); err != nil {
		a.Log.Errorf("resync collectors: %v", err)
	}
}

/* -------------------- shutdown -------------------- */

// Stop halts collection before the store closes so no late write lands on a closed db.
func (a *App) Stop() error {
	a.Manager.Stop()
	if a.Enricher != nil {
		a.Enricher.Stop()
	}
	a.Store.Close()
	if a.Influx != nil {
		a.Influx.Close()
		a.Log.Infof("influx exporter flushed")
	}
	a.Hub.Close()
	if a.Cancel != nil {
		a.Cancel()
	}
	if err := a.DB.Close(); err != nil {
		return fmt.Errorf("close db: %w", err)
	}
	a.Log.Infof("app stopped")
	return nil
}
