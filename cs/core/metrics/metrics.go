// Package metrics exposes collector counters to prometheus.
package metrics

import (
	"strconv"

	"clashstats/cs/model"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "clashstats"

// Metrics implements the recorder and observer hooks of the collector,
// aggregator and enricher.
type Metrics struct {
	snapshots       *prometheus.CounterVec
	deltas          *prometheus.CounterVec
	bytes           *prometheus.CounterVec
	proxyBytes      *prometheus.CounterVec
	countryBytes    *prometheus.CounterVec
	transportErrors *prometheus.CounterVec
	storageErrors   *prometheus.CounterVec
	enrichFailures  *prometheus.CounterVec
	activeConns     *prometheus.GaugeVec
	snapshotConns   *prometheus.GaugeVec
	broadcastsTotal prometheus.Counter
}

func New(registerer prometheus.Registerer) *Metrics {
	counter := func(subsystem, name, help string, labels ...string) *prometheus.CounterVec {
		c := prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem, Name: name, Help: help,
		}, labels)
		registerer.MustRegister(c)
		return c
	}
	gauge := func(subsystem, name, help string, labels ...string) *prometheus.GaugeVec {
		g := prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: subsystem, Name: name, Help: help,
		}, labels)
		registerer.MustRegister(g)
		return g
	}

	broadcasts := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "hub", Name: "broadcasts_total",
		Help: "Fan-outs delivered to websocket subscribers.",
	})
	registerer.MustRegister(broadcasts)

	return &Metrics{
		snapshots:       counter("collector", "snapshots_total", "Snapshots received.", "backend"),
		deltas:          counter("collector", "deltas_total", "Deltas committed.", "backend"),
		bytes:           counter("collector", "bytes_total", "Traffic committed.", "backend", "direction"),
		proxyBytes:      counter("aggregate", "proxy_bytes_total", "Traffic per final proxy.", "backend", "proxy", "direction"),
		countryBytes:    counter("aggregate", "country_bytes_total", "Traffic per resolved country.", "backend", "country", "direction"),
		transportErrors: counter("collector", "transport_errors_total", "Feed dial and read failures.", "backend"),
		storageErrors:   counter("collector", "storage_errors_total", "Deltas rolled back.", "backend"),
		enrichFailures:  counter("geo", "enrich_failures_total", "Lookups that ended without a location.", "backend"),
		activeConns:     gauge("collector", "active_connections", "Connections tracked after the last tick.", "backend"),
		snapshotConns:   gauge("collector", "snapshot_connections", "Entries in the last snapshot.", "backend"),
		broadcastsTotal: broadcasts,
	}
}

func label(id int64) string { return strconv.FormatInt(id, 10) }

func (m *Metrics) SnapshotReceived(backendID int64, conns int) {
	l := label(backendID)
	m.snapshots.WithLabelValues(l).Inc()
	m.snapshotConns.WithLabelValues(l).Set(float64(conns))
}

func (m *Metrics) DeltaApplied(backendID int64, d model.TrafficDelta) {
	l := label(backendID)
	m.deltas.WithLabelValues(l).Inc()
	m.bytes.WithLabelValues(l, "upload").Add(float64(d.Upload))
	m.bytes.WithLabelValues(l, "download").Add(float64(d.Download))
}

func (m *Metrics) TransportError(backendID int64) {
	m.transportErrors.WithLabelValues(label(backendID)).Inc()
}

func (m *Metrics) StorageError(backendID int64) {
	m.storageErrors.WithLabelValues(label(backendID)).Inc()
}

func (m *Metrics) ActiveConnections(backendID int64, n int) {
	m.activeConns.WithLabelValues(label(backendID)).Set(float64(n))
}

func (m *Metrics) EnrichFailed(backendID int64) {
	m.enrichFailures.WithLabelValues(label(backendID)).Inc()
}

// OnDelta runs after the aggregator committed d.
func (m *Metrics) OnDelta(backendID int64, d model.TrafficDelta) {
	l, p := label(backendID), d.FinalProxy()
	m.proxyBytes.WithLabelValues(l, p, "upload").Add(float64(d.Upload))
	m.proxyBytes.WithLabelValues(l, p, "download").Add(float64(d.Download))
}

func (m *Metrics) OnCountry(backendID int64, geo *model.GeoInfo, up, down int64) {
	l := label(backendID)
	m.countryBytes.WithLabelValues(l, geo.Country, "upload").Add(float64(up))
	m.countryBytes.WithLabelValues(l, geo.Country, "download").Add(float64(down))
}

func (m *Metrics) Broadcast() { m.broadcastsTotal.Inc() }

// Forget drops every series of a deleted backend.
func (m *Metrics) Forget(backendID int64) {
	match := prometheus.Labels{"backend": label(backendID)}
	for _, v := range []*prometheus.CounterVec{
		m.snapshots, m.deltas, m.bytes, m.proxyBytes, m.countryBytes,
		m.transportErrors, m.storageErrors, m.enrichFailures,
	} {
		v.DeletePartialMatch(match)
	}
	m.activeConns.DeletePartialMatch(match)
	m.snapshotConns.DeletePartialMatch(match)
}

// RegisterSubscribers exposes the live websocket subscriber count.
func RegisterSubscribers(registerer prometheus.Registerer, count func() int) {
	registerer.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "hub", Name: "subscribers",
		Help: "Connected websocket subscribers.",
	}, func() float64 { return float64(count()) }))
}
