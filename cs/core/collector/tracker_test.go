package collector

import (
	"math/rand"
	"testing"
	"time"

	"clashstats/cs/model"

	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

func snap(conns ...Connection) *Snapshot { return &Snapshot{Connections: conns} }

func conn(id string, up, down int64) Connection {
	return Connection{ID: id, Host: "x.com", DestinationIP: "1.2.3.4", Chains: []string{"ProxyA", "RuleB"}, Upload: up, Download: down}
}

func TestTrackerFirstSightThenIncrement(t *testing.T) {
	tr := NewTracker()

	d := tr.Tick(snap(conn("c1", 500, 0)), t0)
	require.Len(t, d, 1)
	require.Equal(t, int64(500), d[0].Upload)
	require.Zero(t, d[0].Download)
	require.Equal(t, "x.com", d[0].Domain)
	require.Equal(t, "RuleB", d[0].Rule())
	require.Equal(t, "ProxyA", d[0].FinalProxy())
	require.Equal(t, t0, d[0].At)

	d = tr.Tick(snap(conn("c1", 1200, 0)), t0.Add(time.Second))
	require.Len(t, d, 1)
	require.Equal(t, int64(700), d[0].Upload)

	up, down, ok := tr.Totals("c1")
	require.True(t, ok)
	require.Equal(t, int64(1200), up)
	require.Zero(t, down)
}

func TestTrackerCounterReset(t *testing.T) {
	tr := NewTracker()
	tr.Tick(snap(conn("c1", 1200, 50)), t0)

	d := tr.Tick(snap(conn("c1", 300, 80)), t0.Add(time.Second))
	require.Len(t, d, 1)
	require.Zero(t, d[0].Upload)
	require.Equal(t, int64(30), d[0].Download)

	// measured from the resynchronised base
	d = tr.Tick(snap(conn("c1", 350, 80)), t0.Add(2*time.Second))
	require.Len(t, d, 1)
	require.Equal(t, int64(50), d[0].Upload)
	require.Zero(t, d[0].Download)
}

func TestTrackerZeroDeltaEmitsNothing(t *testing.T) {
	tr := NewTracker()
	require.Empty(t, tr.Tick(snap(conn("idle", 0, 0)), t0))
	require.Equal(t, 1, tr.Len())

	tr.Tick(snap(conn("c1", 10, 10)), t0)
	require.Empty(t, tr.Tick(snap(conn("c1", 10, 10)), t0.Add(time.Second)))
	require.Empty(t, tr.Tick(snap(conn("c1", 5, 5)), t0.Add(2*time.Second)))
}

func TestTrackerEviction(t *testing.T) {
	tr := NewTracker()
	tr.Tick(snap(conn("a", 10, 0), conn("b", 10, 0)), t0)
	require.Equal(t, 2, tr.Len())

	d := tr.Tick(snap(conn("b", 20, 0)), t0.Add(time.Second))
	require.Len(t, d, 1)
	require.Equal(t, "b", d[0].ConnID)
	require.Equal(t, 1, tr.Len())
	_, _, ok := tr.Totals("a")
	require.False(t, ok)

	// a reappearing id is a brand new connection
	d = tr.Tick(snap(conn("a", 15, 0), conn("b", 20, 0)), t0.Add(2*time.Second))
	require.Len(t, d, 1)
	require.Equal(t, int64(15), d[0].Upload)

	require.Empty(t, tr.Tick(snap(), t0.Add(3*time.Second)))
	require.Zero(t, tr.Len())
}

func TestTrackerMalformedKeepsMembership(t *testing.T) {
	tr := NewTracker()
	tr.Tick(snap(conn("a", 100, 0)), t0)

	d := tr.Tick(snap(Connection{ID: "a", Malformed: true}), t0.Add(time.Second))
	require.Empty(t, d)
	require.Equal(t, 1, tr.Len())

	d = tr.Tick(snap(conn("a", 150, 0)), t0.Add(2*time.Second))
	require.Len(t, d, 1)
	require.Equal(t, int64(50), d[0].Upload)
}

func TestTrackerAttributesFixedAtFirstSight(t *testing.T) {
	tr := NewTracker()
	tr.Tick(snap(Connection{ID: "a", SniffHost: "first.io", Upload: 1}), t0)
	d := tr.Tick(snap(Connection{ID: "a", Host: "second.io", Chains: []string{"P", "R"}, Upload: 2}), t0.Add(time.Second))
	require.Len(t, d, 1)
	require.Equal(t, "first.io", d[0].Domain)
	require.Equal(t, model.Direct, d[0].Rule())
	require.Equal(t, model.Direct, d[0].FinalProxy())
}

func TestTrackerNeverNegativeAndConserves(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	tr := NewTracker()
	ids := []string{"a", "b", "c", "d"}
	var emittedUp, emittedDown int64
	for i := 0; i < 500; i++ {
		var conns []Connection
		for _, id := range ids {
			if rng.Intn(5) == 0 {
				continue
			}
			conns = append(conns, conn(id, rng.Int63n(10_000), rng.Int63n(10_000)))
		}
		for _, d := range tr.Tick(snap(conns...), t0.Add(time.Duration(i)*time.Second)) {
			require.GreaterOrEqual(t, d.Upload, int64(0))
			require.GreaterOrEqual(t, d.Download, int64(0))
			require.False(t, d.IsZero())
			emittedUp += d.Upload
			emittedDown += d.Download
		}
	}
	require.Positive(t, emittedUp)
	require.Positive(t, emittedDown)
}

func TestTrackerStats(t *testing.T) {
	tr := NewTracker()
	tr.Tick(snap(
		conn("a", 1, 0),
		conn("b", 1, 0),
		Connection{ID: "c", Upload: 1},
	), t0)
	require.Equal(t, TrackerStats{Active: 3, Domains: 1, Rules: 2}, tr.Stats())
}
