package metrics

import (
	"testing"

	"clashstats/cs/model"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestRecorderAndObserver(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	d := model.TrafficDelta{Chains: []string{"ProxyA", "RuleB"}, Upload: 100, Download: 250}
	m.SnapshotReceived(1, 3)
	m.DeltaApplied(1, d)
	m.DeltaApplied(1, d)
	m.OnDelta(1, d)
	m.OnCountry(1, &model.GeoInfo{Country: "JP"}, 5, 6)
	m.TransportError(2)
	m.StorageError(1)
	m.EnrichFailed(1)
	m.ActiveConnections(1, 2)
	m.Broadcast()

	require.Equal(t, 1.0, testutil.ToFloat64(m.snapshots.WithLabelValues("1")))
	require.Equal(t, 3.0, testutil.ToFloat64(m.snapshotConns.WithLabelValues("1")))
	require.Equal(t, 2.0, testutil.ToFloat64(m.deltas.WithLabelValues("1")))
	require.Equal(t, 200.0, testutil.ToFloat64(m.bytes.WithLabelValues("1", "upload")))
	require.Equal(t, 500.0, testutil.ToFloat64(m.bytes.WithLabelValues("1", "download")))
	require.Equal(t, 250.0, testutil.ToFloat64(m.proxyBytes.WithLabelValues("1", "ProxyA", "download")))
	require.Equal(t, 6.0, testutil.ToFloat64(m.countryBytes.WithLabelValues("1", "JP", "download")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.transportErrors.WithLabelValues("2")))
	require.Equal(t, 2.0, testutil.ToFloat64(m.activeConns.WithLabelValues("1")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.broadcastsTotal))

	m.Forget(1)
	require.Zero(t, testutil.CollectAndCount(m.deltas))
	require.Equal(t, 1, testutil.CollectAndCount(m.transportErrors))
}

func TestRegisterSubscribers(t *testing.T) {
	reg := prometheus.NewRegistry()
	n := 4
	RegisterSubscribers(reg, func() int { return n })
	mfs, err := reg.Gather()
	require.NoError(t, err)
	require.Equal(t, "clashstats_hub_subscribers", mfs[0].GetName())
	require.Equal(t, 4.0, mfs[0].GetMetric()[0].GetGauge().GetValue())
}
