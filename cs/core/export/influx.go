// Package export mirrors committed traffic into InfluxDB for long-range dashboards.
package export

import (
	"crypto/tls"
	"strconv"
	"sync"

	"clashstats/cs/common/config"
	"clashstats/cs/common/logx"
	"clashstats/cs/model"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

var exportLog = logx.New(logx.WithPrefix("export.influx"))

const (
	MeasurementTraffic = "traffic"
	MeasurementCountry = "country_traffic"
)

// Influx is an aggregate observer; points are batched and written asynchronously.
type Influx struct {
	client influxdb2.Client
	writer api.WriteAPI
	done   chan struct{}
	once   sync.Once
}

func NewInflux(cfg config.InfluxDB2Config) *Influx {
	opts := influxdb2.DefaultOptions().
		SetBatchSize(500).
		SetFlushInterval(5_000)
	if cfg.InsecureSkipVerify {
		opts.SetTLSConfig(&tls.Config{InsecureSkipVerify: true})
	}
	client := influxdb2.NewClientWithOptions(cfg.BaseURL, cfg.Token, opts)
	x := &Influx{
		client: client,
		writer: client.WriteAPI(cfg.Org, cfg.Bucket),
		done:   make(chan struct{}),
	}
	go x.drainErrors()
	exportLog.Infof("writing to %s org=%s bucket=%s", cfg.BaseURL, cfg.Org, cfg.Bucket)
	return x
}

func (x *Influx) drainErrors() {
	errs := x.writer.Errors()
	for {
		select {
		case <-x.done:
			return
		case err, ok := <-errs:
			if !ok {
				return
			}
			exportLog.Warnf("write failed: %v", err)
		}
	}
}

func backendTag(id int64) string { return strconv.FormatInt(id, 10) }

func (x *Influx) OnDelta(backendID int64, d model.TrafficDelta) {
	x.writer.WritePoint(deltaPoint(backendID, d))
}

func (x *Influx) OnCountry(backendID int64, geo *model.GeoInfo, up, down int64) {
	if geo == nil {
		return
	}
	p := write.NewPointWithMeasurement(MeasurementCountry).
		AddTag("backend", backendTag(backendID)).
		AddTag("country", geo.Country).
		AddField("upload", up).
		AddField("download", down)
	if geo.Continent != "" {
		p.AddTag("continent", geo.Continent)
	}
	x.writer.WritePoint(p.SortTags())
}

func deltaPoint(backendID int64, d model.TrafficDelta) *write.Point {
	p := influxdb2.NewPoint(MeasurementTraffic,
		map[string]string{
			"backend": backendTag(backendID),
			"proxy":   d.FinalProxy(),
			"rule":    d.Rule(),
		},
		map[string]any{
			"upload":   d.Upload,
			"download": d.Download,
		},
		d.At)
	if d.Domain != "" {
		p.AddTag("domain", d.Domain).SortTags()
	}
	return p
}

// Close flushes pending points and releases the client.
func (x *Influx) Close() {
	x.once.Do(func() {
		x.writer.Flush()
		close(x.done)
		x.client.Close()
	})
}
