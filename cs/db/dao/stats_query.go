package dao

import (
	"context"
	"fmt"
	"sort"
	"time"

	"clashstats/cs/common/ttime"
	"clashstats/cs/model"

	"gorm.io/gorm"
)

const (
	DefaultTopLimit    = 100
	DefaultHourlyLimit = 24
)

func clampLimit(limit, def int) int {
	if limit <= 0 {
		return def
	}
	if limit > 10000 {
		return 10000
	}
	return limit
}

const trafficOrder = "(total_upload + total_download) DESC"

// QueryTop returns the busiest records of one dimension.
func (s *StatsStore) QueryTop(ctx context.Context, dim model.Dimension, backendID int64, limit int) ([]model.AggregateRow, error) {
	if !dim.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDimension, dim)
	}
	var rows []model.AggregateRow
	err := s.db.WithContext(ctx).Table(dim.Table()).
		Select(dim.KeyColumn()+" AS agg_key, total_upload, total_download, total_connections, last_seen").
		Where("backend_id = ?", backendID).
		Order(trafficOrder).
		Limit(clampLimit(limit, DefaultTopLimit)).
		Scan(&rows).Error
	return rows, err
}

func (s *StatsStore) TopDomains(ctx context.Context, backendID int64, limit int) ([]model.DomainStats, error) {
	var rows []model.DomainStat
	err := s.db.WithContext(ctx).Where("backend_id = ?", backendID).
		Order(trafficOrder).Limit(clampLimit(limit, DefaultTopLimit)).Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]model.DomainStats, 0, len(rows))
	for _, r := range rows {
		out = append(out, model.DomainStats{
			Domain: r.Domain,
			IPs:    model.SplitSet(r.Ips),
			Rules:  model.SplitSet(r.Rules),
			Chains: model.SplitSet(r.Chains),
			Totals: r.Totals,
		})
	}
	return out, nil
}

type ipGeoRow struct {
	model.IPStat
	Country     *string `gorm:"column:g_country"`
	CountryName *string `gorm:"column:g_country_name"`
	City        *string `gorm:"column:g_city"`
	ASN         *string `gorm:"column:g_asn"`
	ASName      *string `gorm:"column:g_as_name"`
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

// TopIPs joins the cached geo lookup of every address when one exists.
func (s *StatsStore) TopIPs(ctx context.Context, backendID int64, limit int) ([]model.IPStats, error) {
	var rows []ipGeoRow
	err := s.db.WithContext(ctx).Table("ip_stats AS i").
		Select(`i.*, g.country AS g_country, g.country_name AS g_country_name, g.city AS g_city,
			g.asn AS g_asn, g.as_name AS g_as_name`).
		Joins("LEFT JOIN geoip_cache g ON g.ip = i.ip").
		Where("i.backend_id = ?", backendID).
		Order("(i.total_upload + i.total_download) DESC").
		Limit(clampLimit(limit, DefaultTopLimit)).
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]model.IPStats, 0, len(rows))
	for _, r := range rows {
		st := model.IPStats{
			IP:      r.IP,
			Domains: model.SplitSet(r.Domains),
			Country: deref(r.Country),
			ASN:     deref(r.ASN),
			Totals:  r.Totals,
		}
		if st.Country != "" {
			name := deref(r.CountryName)
			if name == "" {
				name = st.Country
			}
			for _, v := range []string{name, deref(r.City), deref(r.ASName)} {
				if v != "" {
					st.GeoIP = append(st.GeoIP, v)
				}
			}
		}
		out = append(out, st)
	}
	return out, nil
}

func (s *StatsStore) ProxyStats(ctx context.Context, backendID int64) ([]model.ProxyStats, error) {
	var rows []model.ProxyStat
	if err := s.db.WithContext(ctx).Where("backend_id = ?", backendID).Order(trafficOrder).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]model.ProxyStats, 0, len(rows))
	for _, r := range rows {
		out = append(out, model.ProxyStats{Chain: r.Chain, Totals: r.Totals})
	}
	return out, nil
}

func (s *StatsStore) RuleStats(ctx context.Context, backendID int64) ([]model.RuleStats, error) {
	var rows []model.RuleStat
	if err := s.db.WithContext(ctx).Where("backend_id = ?", backendID).Order(trafficOrder).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]model.RuleStats, 0, len(rows))
	for _, r := range rows {
		out = append(out, model.RuleStats{Rule: r.Rule, FinalProxy: r.FinalProxy, Totals: r.Totals})
	}
	return out, nil
}

func (s *StatsStore) CountryStats(ctx context.Context, backendID int64, limit int) ([]model.CountryStats, error) {
	var rows []model.CountryStat
	err := s.db.WithContext(ctx).Where("backend_id = ?", backendID).
		Order(trafficOrder).Limit(clampLimit(limit, DefaultTopLimit)).Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]model.CountryStats, 0, len(rows))
	for _, r := range rows {
		out = append(out, model.CountryStats{
			Country:     r.Country,
			CountryName: r.CountryName,
			Continent:   r.Continent,
			Totals:      r.Totals,
		})
	}
	return out, nil
}

// HourlyStats returns the newest hours first.
func (s *StatsStore) HourlyStats(ctx context.Context, backendID int64, hours int) ([]model.HourlyStats, error) {
	var rows []model.HourlyStat
	err := s.db.WithContext(ctx).Where("backend_id = ?", backendID).
		Order("hour DESC").Limit(clampLimit(hours, DefaultHourlyLimit)).Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]model.HourlyStats, 0, len(rows))
	for _, r := range rows {
		out = append(out, model.HourlyStats{
			Hour:        r.Hour,
			Upload:      r.TotalUpload,
			Download:    r.TotalDownload,
			Connections: r.TotalConnections,
		})
	}
	return out, nil
}

func (s *StatsStore) RuleProxyMap(ctx context.Context, backendID int64) ([]model.RuleProxies, error) {
	var edges []model.RuleProxy
	if err := s.db.WithContext(ctx).Where("backend_id = ?", backendID).Order("rule, proxy").Find(&edges).Error; err != nil {
		return nil, err
	}
	out := []model.RuleProxies{}
	for _, e := range edges {
		if n := len(out); n > 0 && out[n-1].Rule == e.Rule {
			out[n-1].Proxies = append(out[n-1].Proxies, e.Proxy)
			continue
		}
		out = append(out, model.RuleProxies{Rule: e.Rule, Proxies: []string{e.Proxy}})
	}
	return out, nil
}

type totalsRow struct {
	Up    int64 `gorm:"column:up"`
	Down  int64 `gorm:"column:down"`
	Conns int64 `gorm:"column:conns"`
}

// Summary totals come from the chain dimension: every delta lands there exactly once.
func (s *StatsStore) Summary(ctx context.Context, backendID int64) (model.Summary, error) {
	return s.summary(ctx, &backendID)
}

func (s *StatsStore) summary(ctx context.Context, backendID *int64) (model.Summary, error) {
	var sum model.Summary
	scoped := func(table string) *gorm.DB {
		q := s.db.WithContext(ctx).Table(table)
		if backendID != nil {
			q = q.Where("backend_id = ?", *backendID)
		}
		return q
	}
	var t totalsRow
	if err := scoped("proxy_stats").Select(`COALESCE(SUM(total_upload), 0) AS up,
		COALESCE(SUM(total_download), 0) AS down, COALESCE(SUM(total_connections), 0) AS conns`).Scan(&t).Error; err != nil {
		return sum, err
	}
	sum.TotalUpload, sum.TotalDownload, sum.TotalConnections = t.Up, t.Down, t.Conns
	if err := scoped("domain_stats").Distinct("domain").Count(&sum.UniqueDomains).Error; err != nil {
		return sum, err
	}
	if err := scoped("ip_stats").Distinct("ip").Count(&sum.UniqueIPs).Error; err != nil {
		return sum, err
	}
	return sum, nil
}

func (s *StatsStore) GlobalSummary(ctx context.Context) (model.GlobalSummary, error) {
	sum, err := s.summary(ctx, nil)
	if err != nil {
		return model.GlobalSummary{}, err
	}
	out := model.GlobalSummary{Summary: sum}
	err = s.db.WithContext(ctx).Model(&model.Backend{}).Count(&out.BackendCount).Error
	return out, err
}

type trendRow struct {
	Bucket   int64 `gorm:"column:bucket"`
	Upload   int64 `gorm:"column:upload"`
	Download int64 `gorm:"column:download"`
}

// TrafficTrend sums connection logs of the last minutes into bucket-sized slots.
func (s *StatsStore) TrafficTrend(ctx context.Context, backendID int64, minutes, bucketMinutes int) ([]model.TrendPoint, error) {
	if minutes <= 0 {
		minutes = 30
	}
	if bucketMinutes <= 0 {
		bucketMinutes = 1
	}
	bucket := int64(bucketMinutes) * int64(time.Minute/time.Millisecond)
	cutoff := s.now().Add(-time.Duration(minutes) * time.Minute).UnixMilli()
	expr := "(timestamp - (timestamp % ?))"
	var rows []trendRow
	err := s.db.WithContext(ctx).Table("connection_logs").
		Select(expr+" AS bucket, SUM(upload) AS upload, SUM(download) AS download", bucket).
		Where("backend_id = ? AND timestamp > ?", backendID, cutoff).
		Group("bucket").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Bucket < rows[j].Bucket })
	out := make([]model.TrendPoint, 0, len(rows))
	for _, r := range rows {
		out = append(out, model.TrendPoint{
			Time:     ttime.MinuteKey(time.UnixMilli(r.Bucket)),
			Upload:   r.Upload,
			Download: r.Download,
		})
	}
	return out, nil
}

// TodayTraffic sums the hourly buckets of the current UTC day.
func (s *StatsStore) TodayTraffic(ctx context.Context, backendID int64) (up, down int64, err error) {
	today := ttime.DayKey(s.now())
	var t totalsRow
	err = s.db.WithContext(ctx).Table("hourly_stats").
		Select("COALESCE(SUM(total_upload), 0) AS up, COALESCE(SUM(total_download), 0) AS down").
		Where("backend_id = ? AND hour >= ?", backendID, today).
		Scan(&t).Error
	return t.Up, t.Down, err
}

func (s *StatsStore) RecentLogs(ctx context.Context, backendID int64, limit int) ([]model.ConnectionLog, error) {
	var rows []model.ConnectionLog
	err := s.db.WithContext(ctx).Where("backend_id = ?", backendID).
		Order("timestamp DESC, id DESC").Limit(clampLimit(limit, DefaultTopLimit)).Find(&rows).Error
	return rows, err
}

// StatsSummary assembles the payload pushed to websocket subscribers.
func (s *StatsStore) StatsSummary(ctx context.Context, b *model.Backend) (*model.StatsSummary, error) {
	sum, err := s.Summary(ctx, b.Id)
	if err != nil {
		return nil, err
	}
	out := &model.StatsSummary{
		BackendId:        b.Id,
		BackendName:      b.Name,
		TotalUpload:      sum.TotalUpload,
		TotalDownload:    sum.TotalDownload,
		TotalConnections: sum.TotalConnections,
		TotalDomains:     sum.UniqueDomains,
		TotalIPs:         sum.UniqueIPs,
	}
	if out.TopDomains, err = s.TopDomains(ctx, b.Id, DefaultTopLimit); err != nil {
		return nil, err
	}
	if out.TopIPs, err = s.TopIPs(ctx, b.Id, DefaultTopLimit); err != nil {
		return nil, err
	}
	if out.ProxyStats, err = s.ProxyStats(ctx, b.Id); err != nil {
		return nil, err
	}
	out.TotalProxies = int64(len(out.ProxyStats))
	if out.RuleStats, err = s.RuleStats(ctx, b.Id); err != nil {
		return nil, err
	}
	if out.HourlyStats, err = s.HourlyStats(ctx, b.Id, DefaultHourlyLimit); err != nil {
		return nil, err
	}
	return out, nil
}
