package model

import (
	"strings"

	"clashstats/cs/common/ttime"
)

// Dimension groups aggregate traffic totals.
type Dimension string

const (
	DimDomain  Dimension = "domain"
	DimIP      Dimension = "ip"
	DimChain   Dimension = "chain"
	DimRule    Dimension = "rule"
	DimCountry Dimension = "country"
	DimHour    Dimension = "hour"
)

var Dimensions = []Dimension{DimDomain, DimIP, DimChain, DimRule, DimCountry, DimHour}

func (d Dimension) Table() string {
	switch d {
	case DimDomain:
		return "domain_stats"
	case DimIP:
		return "ip_stats"
	case DimChain:
		return "proxy_stats"
	case DimRule:
		return "rule_stats"
	case DimCountry:
		return "country_stats"
	case DimHour:
		return "hourly_stats"
	}
	return ""
}

// KeyColumn is the per-backend unique key column of the dimension table.
func (d Dimension) KeyColumn() string { return string(d) }

func (d Dimension) Valid() bool { return d.Table() != "" }

// Aux carries the auxiliary values an upsert folds into a record.
// Set-valued fields (ip, domain, rule, chain) are unioned; scalar ones overwrite.
type Aux struct {
	IP          string
	Domain      string
	Rule        string
	Chain       string
	FinalProxy  string
	CountryName string
	Continent   string
}

// Totals is shared by every aggregate record; counters only grow.
type Totals struct {
	TotalUpload      int64      `gorm:"column:total_upload;not null;default:0" json:"totalUpload"`
	TotalDownload    int64      `gorm:"column:total_download;not null;default:0" json:"totalDownload"`
	TotalConnections int64      `gorm:"column:total_connections;not null;default:0" json:"totalConnections"`
	LastSeen         ttime.Time `gorm:"column:last_seen" json:"lastSeen"`
}

type DomainStat struct {
	BackendId int64  `gorm:"column:backend_id;primaryKey;autoIncrement:false"`
	Domain    string `gorm:"column:domain;primaryKey;size:255"`
	Ips       string `gorm:"column:ips;type:text"`
	Rules     string `gorm:"column:rules;type:text"`
	Chains    string `gorm:"column:chains;type:text"`
	Totals    `gorm:"embedded"`
}

func (DomainStat) TableName() string { return DimDomain.Table() }

type IPStat struct {
	BackendId int64  `gorm:"column:backend_id;primaryKey;autoIncrement:false"`
	IP        string `gorm:"column:ip;primaryKey;size:64"`
	Domains   string `gorm:"column:domains;type:text"`
	Totals    `gorm:"embedded"`
}

func (IPStat) TableName() string { return DimIP.Table() }

type ProxyStat struct {
	BackendId int64  `gorm:"column:backend_id;primaryKey;autoIncrement:false"`
	Chain     string `gorm:"column:chain;primaryKey;size:255"`
	Totals    `gorm:"embedded"`
}

func (ProxyStat) TableName() string { return DimChain.Table() }

type RuleStat struct {
	BackendId  int64  `gorm:"column:backend_id;primaryKey;autoIncrement:false"`
	Rule       string `gorm:"column:rule;primaryKey;size:255"`
	FinalProxy string `gorm:"column:final_proxy;size:255"`
	Totals     `gorm:"embedded"`
}

func (RuleStat) TableName() string { return DimRule.Table() }

type CountryStat struct {
	BackendId   int64  `gorm:"column:backend_id;primaryKey;autoIncrement:false"`
	Country     string `gorm:"column:country;primaryKey;size:16"`
	CountryName string `gorm:"column:country_name;size:128"`
	Continent   string `gorm:"column:continent;size:64"`
	Totals      `gorm:"embedded"`
}

func (CountryStat) TableName() string { return DimCountry.Table() }

type HourlyStat struct {
	BackendId int64  `gorm:"column:backend_id;primaryKey;autoIncrement:false"`
	Hour      string `gorm:"column:hour;primaryKey;size:32"`
	Totals    `gorm:"embedded"`
}

func (HourlyStat) TableName() string { return DimHour.Table() }

type RuleProxy struct {
	BackendId int64  `gorm:"column:backend_id;primaryKey;autoIncrement:false"`
	Rule      string `gorm:"column:rule;primaryKey;size:255"`
	Proxy     string `gorm:"column:proxy;primaryKey;size:255"`
}

func (RuleProxy) TableName() string { return "rule_proxy_map" }

// ConnectionLog is the append-only row written for every non-zero delta.
type ConnectionLog struct {
	Id        int64  `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	BackendId int64  `gorm:"column:backend_id;not null;index:idx_connection_logs_backend_time,priority:1" json:"backendId"`
	Domain    string `gorm:"column:domain;size:255;index" json:"domain"`
	IP        string `gorm:"column:ip;size:64" json:"ip"`
	Chain     string `gorm:"column:chain;size:255;index" json:"chain"`
	Upload    int64  `gorm:"column:upload;not null;default:0" json:"upload"`
	Download  int64  `gorm:"column:download;not null;default:0" json:"download"`
	Timestamp int64  `gorm:"column:timestamp;not null;index:idx_connection_logs_backend_time,priority:2" json:"timestamp"` // unix ms
}

func (ConnectionLog) TableName() string { return "connection_logs" }

// JoinSet appends v to a comma-joined set unless it is already a member.
func JoinSet(set, v string) string {
	if v == "" {
		return set
	}
	if set == "" {
		return v
	}
	for _, m := range strings.Split(set, ",") {
		if m == v {
			return set
		}
	}
	return set + "," + v
}

func SplitSet(set string) []string {
	if set == "" {
		return []string{}
	}
	return strings.Split(set, ",")
}
