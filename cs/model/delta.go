package model

import (
	"time"

	"clashstats/cs/common/ttime"
)

// TrafficDelta is the traffic attributable to one connection between two snapshots.
type TrafficDelta struct {
	ConnID   string
	Domain   string
	IP       string
	Chains   []string
	Upload   int64
	Download int64
	At       time.Time
}

func (d TrafficDelta) IsZero() bool       { return d.Upload == 0 && d.Download == 0 }
func (d TrafficDelta) Rule() string       { return RuleOf(d.Chains) }
func (d TrafficDelta) FinalProxy() string { return FinalProxyOf(d.Chains) }

// HourOf truncates t to the top of its UTC hour, the key of the hourly dimension.
func HourOf(t time.Time) string { return ttime.HourKey(t) }
