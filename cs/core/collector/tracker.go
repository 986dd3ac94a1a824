package collector

import (
	"time"

	"clashstats/cs/model"
)

// activeConn is the tracker's memory of one open connection.
type activeConn struct {
	id        string
	domain    string
	ip        string
	chains    []string
	lastUp    int64
	lastDown  int64
	totalUp   int64
	totalDown int64
}

// Tracker turns successive snapshots of cumulative counters into per-connection deltas.
// It belongs to exactly one pipeline and is not safe for concurrent use.
type Tracker struct {
	conns map[string]*activeConn
}

func NewTracker() *Tracker {
	return &Tracker{conns: make(map[string]*activeConn)}
}

// Tick folds one snapshot and returns the non-zero deltas it produced.
// Connections missing from the snapshot are forgotten without a trailing delta.
func (t *Tracker) Tick(s *Snapshot, at time.Time) []model.TrafficDelta {
	var out []model.TrafficDelta
	seen := make(map[string]struct{}, len(s.Connections))
	for i := range s.Connections {
		c := &s.Connections[i]
		if c.ID == "" {
			continue
		}
		seen[c.ID] = struct{}{}
		if c.Malformed {
			continue
		}
		ac, ok := t.conns[c.ID]
		if !ok {
			ac = &activeConn{
				id:        c.ID,
				domain:    c.Domain(),
				ip:        c.DestinationIP,
				chains:    c.Chains,
				totalUp:   c.Upload,
				totalDown: c.Download,
			}
			t.conns[c.ID] = ac
		}
		up := max(0, c.Upload-ac.lastUp)
		down := max(0, c.Download-ac.lastDown)
		if ok {
			ac.totalUp += up
			ac.totalDown += down
		}
		// a counter reset lands here too: next tick measures from the new base
		ac.lastUp, ac.lastDown = c.Upload, c.Download
		if up == 0 && down == 0 {
			continue
		}
		out = append(out, model.TrafficDelta{
			ConnID:   ac.id,
			Domain:   ac.domain,
			IP:       ac.ip,
			Chains:   ac.chains,
			Upload:   up,
			Download: down,
			At:       at,
		})
	}
	for id := range t.conns {
		if _, ok := seen[id]; !ok {
			delete(t.conns, id)
		}
	}
	return out
}

type TrackerStats struct {
	Active  int
	Domains int
	Rules   int
}

func (t *Tracker) Stats() TrackerStats {
	domains := map[string]struct{}{}
	rules := map[string]struct{}{}
	for _, c := range t.conns {
		if c.domain != "" {
			domains[c.domain] = struct{}{}
		}
		rules[model.RuleOf(c.chains)] = struct{}{}
	}
	return TrackerStats{Active: len(t.conns), Domains: len(domains), Rules: len(rules)}
}

// Totals returns the traffic a tracked connection accumulated since first sight.
func (t *Tracker) Totals(id string) (up, down int64, ok bool) {
	c, ok := t.conns[id]
	if !ok {
		return 0, 0, false
	}
	return c.totalUp, c.totalDown, true
}

func (t *Tracker) Len() int { return len(t.conns) }
