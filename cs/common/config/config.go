package config

import (
	"errors"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"clashstats/cs/common/logx"

	"gopkg.in/yaml.v3"
)

type DBPoolCfg struct {
	MaxOpen        int `yaml:"max_open"`
	MaxIdle        int `yaml:"max_idle"`
	MaxLifetimeSec int `yaml:"max_lifetime_sec"`
}

type DBCfg struct {
	Driver string    `yaml:"driver"`
	DSN    string    `yaml:"dsn"`
	Pool   DBPoolCfg `yaml:"pool"`
}

type HTTPCfg struct {
	Addr string `yaml:"addr"`
	// TLSCert and TLSKey are file paths or inline PEM; both set switches the API to HTTPS.
	TLSCert string `yaml:"tls_cert"`
	TLSKey  string `yaml:"tls_key"`
	// Dist is the built dashboard served on every non-API path; empty disables it.
	Dist string `yaml:"dist"`
}

type AdminAuth struct {
	// Password is either a bcrypt hash or plain text; empty disables API auth.
	Password  string `yaml:"password"`
	JWTSecret string `yaml:"jwt_secret"`
	TokenTTL  int    `yaml:"token_ttl"` // minutes
}

type Logging struct {
	Level string `yaml:"level"`
	Dir   string `yaml:"dir"`
}

type CollectorCfg struct {
	ReconnectIntervalMs int `yaml:"reconnect_interval_ms"`
	TrafficThrottleMs   int `yaml:"traffic_throttle_ms"`
	HotReloadSec        int `yaml:"hot_reload_sec"`
	StatsLogSec         int `yaml:"stats_log_sec"`
}

func (c CollectorCfg) ReconnectInterval() time.Duration {
	return time.Duration(c.ReconnectIntervalMs) * time.Millisecond
}
func (c CollectorCfg) TrafficThrottle() time.Duration {
	return time.Duration(c.TrafficThrottleMs) * time.Millisecond
}
func (c CollectorCfg) HotReload() time.Duration { return time.Duration(c.HotReloadSec) * time.Second }
func (c CollectorCfg) StatsLog() time.Duration  { return time.Duration(c.StatsLogSec) * time.Second }

type BroadcastCfg struct {
	ThrottleMs int `yaml:"throttle_ms"`
}

type GeoIPCfg struct {
	Enable        bool   `yaml:"enable"`
	APIURL        string `yaml:"api_url"`
	TimeoutMs     int    `yaml:"timeout_ms"`
	RatePerMinute int    `yaml:"rate_per_minute"`
	CacheTTLHours int    `yaml:"cache_ttl_hours"`
}

type InfluxDB2Config struct {
	Enable             bool   `yaml:"enable"`
	BaseURL            string `yaml:"base_url"`
	Token              string `yaml:"token"`
	Org                string `yaml:"org"`
	Bucket             string `yaml:"bucket"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

type RetentionCfg struct {
	Days          int `yaml:"days"`
	IntervalHours int `yaml:"interval_hours"`
}

// SeedBackend is created on first start when the registry is empty.
type SeedBackend struct {
	Name      string `yaml:"name"`
	URL       string `yaml:"url"`
	Token     string `yaml:"token"`
	Active    bool   `yaml:"active"`
	Listening *bool  `yaml:"listening"`
}

type Config struct {
	DB        DBCfg           `yaml:"db"`
	HTTP      HTTPCfg         `yaml:"http"`
	Admin     AdminAuth       `yaml:"admin"`
	Logging   Logging         `yaml:"logging"`
	Collector CollectorCfg    `yaml:"collector"`
	Broadcast BroadcastCfg    `yaml:"broadcast"`
	GeoIP     GeoIPCfg        `yaml:"geoip"`
	Influx    InfluxDB2Config `yaml:"influx"`
	Retention RetentionCfg    `yaml:"retention"`
	Backends  []SeedBackend   `yaml:"backends"`
}

const fallbackPath = "/etc/clashstats/config.yaml"

var log = logx.New(logx.WithPrefix("config"))

// Load reads p, then the system-wide fallback, and finally runs on defaults when neither exists.
func Load(p string) (*Config, string, error) {
	b, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		p = fallbackPath
		b, err = os.ReadFile(p)
	}
	var c Config
	switch {
	case errors.Is(err, fs.ErrNotExist):
		log.Warnf("no config file found, running on defaults")
		p = ""
	case err != nil:
		return nil, p, err
	default:
		if err := yaml.Unmarshal(b, &c); err != nil {
			return nil, p, err
		}
	}
	c.ApplyDefaults()
	if err := ensureDirForFileDSN(c.DB.DSN); err != nil {
		return nil, p, err
	}
	return &c, p, nil
}

// ApplyDefaults fills every zero value.
func (c *Config) ApplyDefaults() {
	c.DB.Driver = strings.ToLower(strings.TrimSpace(c.DB.Driver))
	if c.DB.Driver == "" {
		c.DB.Driver = "sqlite"
	}
	if c.DB.DSN == "" && c.DB.Driver != "mysql" {
		c.DB.DSN = defaultSQLiteDSN("./data/stats.db")
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = "0.0.0.0:3002"
	}
	if c.Admin.TokenTTL <= 0 {
		c.Admin.TokenTTL = 1440
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Collector.ReconnectIntervalMs <= 0 {
		c.Collector.ReconnectIntervalMs = 5000
	}
	if c.Collector.TrafficThrottleMs <= 0 {
		c.Collector.TrafficThrottleMs = 500
	}
	if c.Collector.HotReloadSec <= 0 {
		c.Collector.HotReloadSec = 30
	}
	if c.Collector.StatsLogSec <= 0 {
		c.Collector.StatsLogSec = 10
	}
	if c.Broadcast.ThrottleMs <= 0 {
		c.Broadcast.ThrottleMs = 1000
	}
	if c.GeoIP.APIURL == "" {
		c.GeoIP.APIURL = "http://ip-api.com/json/"
	}
	if c.GeoIP.TimeoutMs <= 0 {
		c.GeoIP.TimeoutMs = 5000
	}
	if c.GeoIP.RatePerMinute <= 0 {
		c.GeoIP.RatePerMinute = 45
	}
	if c.GeoIP.CacheTTLHours <= 0 {
		c.GeoIP.CacheTTLHours = 24 * 7
	}
	if c.Retention.IntervalHours <= 0 {
		c.Retention.IntervalHours = 6
	}
}

// WAL + busy timeout: collectors and the API share one file.
func defaultSQLiteDSN(path string) string {
	q := url.Values{}
	q.Set("_busy_timeout", "5000")
	q.Set("_journal_mode", "WAL")
	q.Set("_synchronous", "NORMAL")
	q.Set("_foreign_keys", "on")
	return "file:" + filepath.ToSlash(path) + "?" + q.Encode()
}

// ensureDirForFileDSN creates the parent directory of a file: DSN.
func ensureDirForFileDSN(dsn string) error {
	if !strings.HasPrefix(dsn, "file:") {
		return nil
	}
	p := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" || strings.HasPrefix(p, ":memory:") {
		return nil
	}
	return os.MkdirAll(filepath.Dir(p), 0o755)
}
