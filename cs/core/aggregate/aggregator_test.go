package aggregate_test

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"clashstats/cs/core/aggregate"
	"clashstats/cs/db/dao"
	"clashstats/cs/db/dbtest"
	"clashstats/cs/model"

	"github.com/stretchr/testify/require"
)

type countingObserver struct {
	deltas    int
	countries int
}

func (o *countingObserver) OnDelta(int64, model.TrafficDelta)             { o.deltas++ }
func (o *countingObserver) OnCountry(int64, *model.GeoInfo, int64, int64) { o.countries++ }

func newStore(t *testing.T) *dao.StatsStore {
	return dao.NewStatsStore(dbtest.Open(t).GormDataSource)
}

func sumTop(t *testing.T, s *dao.StatsStore, dim model.Dimension, backendID int64) (up, down int64) {
	t.Helper()
	rows, err := s.QueryTop(context.Background(), dim, backendID, 10000)
	require.NoError(t, err)
	for _, r := range rows {
		up += r.TotalUpload
		down += r.TotalDownload
	}
	return up, down
}

func TestApplyWritesEveryDimension(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	obs := &countingObserver{}
	a := aggregate.New(s, obs)

	at := time.Date(2025, 3, 1, 10, 15, 0, 0, time.UTC)
	require.NoError(t, a.Apply(ctx, 1, model.TrafficDelta{
		ConnID: "a", Domain: "x.com", IP: "1.2.3.4", Chains: []string{"ProxyA", "RuleB"},
		Upload: 1000, Download: 2000, At: at,
	}))
	require.Equal(t, 1, obs.deltas)

	domains, err := s.TopDomains(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, domains, 1)
	require.Equal(t, "x.com", domains[0].Domain)
	require.Equal(t, int64(1000), domains[0].TotalUpload)
	require.Equal(t, int64(2000), domains[0].TotalDownload)
	require.Equal(t, int64(1), domains[0].TotalConnections)
	require.Equal(t, []string{"1.2.3.4"}, domains[0].IPs)
	require.Equal(t, []string{"RuleB"}, domains[0].Rules)
	require.Equal(t, []string{"ProxyA"}, domains[0].Chains)

	rules, err := s.RuleStats(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, "RuleB", rules[0].Rule)
	require.Equal(t, "ProxyA", rules[0].FinalProxy)

	proxies, err := s.ProxyStats(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, "ProxyA", proxies[0].Chain)

	edges, err := s.RuleProxyMap(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, []model.RuleProxies{{Rule: "RuleB", Proxies: []string{"ProxyA"}}}, edges)

	hours, err := s.HourlyStats(ctx, 1, 24)
	require.NoError(t, err)
	require.Equal(t, "2025-03-01T10:00:00", hours[0].Hour)

	logs, err := s.RecentLogs(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	require.Equal(t, "ProxyA", logs[0].Chain)
	require.Equal(t, at.UnixMilli(), logs[0].Timestamp)
}

func TestApplyZeroDeltaIsNoop(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	obs := &countingObserver{}
	a := aggregate.New(s, obs)
	require.NoError(t, a.Apply(ctx, 1, model.TrafficDelta{ConnID: "a", Domain: "x.com", At: time.Now()}))
	require.Zero(t, obs.deltas)
	logs, err := s.RecentLogs(ctx, 1, 10)
	require.NoError(t, err)
	require.Empty(t, logs)
}

func TestApplyEmptyDomainAndChain(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	a := aggregate.New(s)
	require.NoError(t, a.Apply(ctx, 1, model.TrafficDelta{IP: "9.9.9.9", Upload: 5, At: time.Now()}))

	domains, err := s.TopDomains(ctx, 1, 10)
	require.NoError(t, err)
	require.Empty(t, domains)

	rules, err := s.RuleStats(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, model.Direct, rules[0].Rule)
	require.Equal(t, model.Direct, rules[0].FinalProxy)

	ips, err := s.TopIPs(ctx, 1, 10)
	require.NoError(t, err)
	require.Equal(t, []string{}, ips[0].Domains)
}

// Every dimension view and the log sum to the same totals.
func TestConservation(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	a := aggregate.New(s)
	rng := rand.New(rand.NewSource(7))
	domains := []string{"a.com", "b.com", "c.net"}
	ips := []string{"1.1.1.1", "2.2.2.2", "3.3.3.3", "4.4.4.4"}
	chains := [][]string{{"HK", "Match"}, {"JP", "Auto", "GeoIP"}, nil}
	base := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	var wantUp, wantDown int64
	for i := 0; i < 200; i++ {
		d := model.TrafficDelta{
			ConnID:   "c",
			Domain:   domains[rng.Intn(len(domains))],
			IP:       ips[rng.Intn(len(ips))],
			Chains:   chains[rng.Intn(len(chains))],
			Upload:   rng.Int63n(5000),
			Download: rng.Int63n(5000),
			At:       base.Add(time.Duration(rng.Intn(72)) * time.Hour),
		}
		require.NoError(t, a.Apply(ctx, 3, d))
		wantUp += d.Upload
		wantDown += d.Download
	}
	for _, dim := range []model.Dimension{model.DimDomain, model.DimIP, model.DimChain, model.DimRule, model.DimHour} {
		up, down := sumTop(t, s, dim, 3)
		require.Equal(t, wantUp, up, dim)
		require.Equal(t, wantDown, down, dim)
	}
	sum, err := s.Summary(ctx, 3)
	require.NoError(t, err)
	require.Equal(t, wantUp, sum.TotalUpload)

	up, down := sumTop(t, s, model.DimChain, 4)
	require.Zero(t, up+down, "other backends stay untouched")
}

type failingStore struct {
	inner *dao.StatsStore
	after int
}

type failingWriter struct {
	dao.Writer
	left *int
}

var errInjected = errors.New("injected")

func (w failingWriter) Upsert(dim model.Dimension, key string, up, down int64, aux model.Aux) error {
	if *w.left == 0 {
		return errInjected
	}
	*w.left--
	return w.Writer.Upsert(dim, key, up, down, aux)
}

func (f *failingStore) InTx(ctx context.Context, backendID int64, fn func(w dao.Writer) error) error {
	left := f.after
	return f.inner.InTx(ctx, backendID, func(w dao.Writer) error {
		return fn(failingWriter{Writer: w, left: &left})
	})
}

func TestApplyRollsBackPartialUnit(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	obs := &countingObserver{}
	a := aggregate.New(&failingStore{inner: s, after: 3}, obs)

	err := a.Apply(ctx, 1, model.TrafficDelta{Domain: "x.com", IP: "1.1.1.1", Upload: 1, Download: 1, At: time.Now()})
	require.ErrorIs(t, err, errInjected)
	require.Zero(t, obs.deltas)
	for _, dim := range []model.Dimension{model.DimDomain, model.DimIP, model.DimChain, model.DimRule} {
		up, down := sumTop(t, s, dim, 1)
		require.Zero(t, up+down, dim)
	}
}

func TestApplyCountry(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	obs := &countingObserver{}
	a := aggregate.New(s, obs)
	geo := &model.GeoInfo{IP: "8.8.8.8", Country: "US", CountryName: "United States", Continent: "NA"}
	require.NoError(t, a.ApplyCountry(ctx, 1, geo, 10, 20))
	require.NoError(t, a.ApplyCountry(ctx, 1, geo, 1, 2))
	require.NoError(t, a.ApplyCountry(ctx, 1, &model.GeoInfo{}, 1, 2))
	require.Equal(t, 2, obs.countries)

	cs, err := s.CountryStats(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, cs, 1)
	require.Equal(t, int64(11), cs[0].TotalUpload)
	require.Equal(t, int64(22), cs[0].TotalDownload)
	require.Equal(t, int64(2), cs[0].TotalConnections)
	require.Equal(t, "United States", cs[0].CountryName)
}
