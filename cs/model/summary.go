package model

import "clashstats/cs/common/ttime"

// Query shapes served to the API and websocket subscribers.

type DomainStats struct {
	Domain string   `json:"domain"`
	IPs    []string `json:"ips"`
	Rules  []string `json:"rules"`
	Chains []string `json:"chains"`
	Totals
}

type IPStats struct {
	IP      string   `json:"ip"`
	Domains []string `json:"domains"`
	Country string   `json:"country,omitempty"`
	GeoIP   []string `json:"geoIP,omitempty"`
	ASN     string   `json:"asn,omitempty"`
	Totals
}

type ProxyStats struct {
	Chain string `json:"chain"`
	Totals
}

type RuleStats struct {
	Rule       string `json:"rule"`
	FinalProxy string `json:"finalProxy"`
	Totals
}

type CountryStats struct {
	Country     string `json:"country"`
	CountryName string `json:"countryName"`
	Continent   string `json:"continent"`
	Totals
}

type HourlyStats struct {
	Hour        string `json:"hour"`
	Upload      int64  `json:"upload"`
	Download    int64  `json:"download"`
	Connections int64  `json:"connections"`
}

type RuleProxies struct {
	Rule    string   `json:"rule"`
	Proxies []string `json:"proxies"`
}

type TrendPoint struct {
	Time     string `json:"time"`
	Upload   int64  `json:"upload"`
	Download int64  `json:"download"`
}

// AggregateRow is the dimension-agnostic result of a top-N query.
type AggregateRow struct {
	Key              string     `gorm:"column:agg_key" json:"key"`
	TotalUpload      int64      `gorm:"column:total_upload" json:"totalUpload"`
	TotalDownload    int64      `gorm:"column:total_download" json:"totalDownload"`
	TotalConnections int64      `gorm:"column:total_connections" json:"totalConnections"`
	LastSeen         ttime.Time `gorm:"column:last_seen" json:"lastSeen"`
}

type Summary struct {
	TotalUpload      int64 `json:"totalUpload"`
	TotalDownload    int64 `json:"totalDownload"`
	TotalConnections int64 `json:"totalConnections"`
	UniqueDomains    int64 `json:"uniqueDomains"`
	UniqueIPs        int64 `json:"uniqueIPs"`
}

type GlobalSummary struct {
	Summary
	BackendCount int64 `json:"backendCount"`
}

// StatsSummary is the payload of a "stats" message.
type StatsSummary struct {
	BackendId        int64         `json:"backendId"`
	BackendName      string        `json:"backendName"`
	TotalUpload      int64         `json:"totalUpload"`
	TotalDownload    int64         `json:"totalDownload"`
	TotalConnections int64         `json:"totalConnections"`
	TotalDomains     int64         `json:"totalDomains"`
	TotalIPs         int64         `json:"totalIPs"`
	TotalProxies     int64         `json:"totalProxies"`
	TopDomains       []DomainStats `json:"topDomains"`
	TopIPs           []IPStats     `json:"topIPs"`
	ProxyStats       []ProxyStats  `json:"proxyStats"`
	RuleStats        []RuleStats   `json:"ruleStats"`
	HourlyStats      []HourlyStats `json:"hourlyStats"`
}

type CleanupResult struct {
	DeletedLogs      int64 `json:"deletedLogs"`
	DeletedDomains   int64 `json:"deletedDomains"`
	DeletedIPs       int64 `json:"deletedIPs"`
	DeletedProxies   int64 `json:"deletedProxies"`
	DeletedRules     int64 `json:"deletedRules"`
	DeletedCountries int64 `json:"deletedCountries"`
	DeletedHours     int64 `json:"deletedHours"`
}
