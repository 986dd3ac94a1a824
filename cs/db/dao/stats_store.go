package dao

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"clashstats/cs/common/logx"
	"clashstats/cs/common/ttime"
	"clashstats/cs/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var daoStatsLog = logx.New(logx.WithPrefix("dao.stats"))

var (
	ErrStoreClosed      = errors.New("stats store closed")
	ErrUnknownDimension = errors.New("unknown dimension")
)

// Writer is the transactional write surface handed to InTx callbacks.
type Writer interface {
	Upsert(dim model.Dimension, key string, up, down int64, aux model.Aux) error
	LinkRuleProxy(rule, proxy string) error
	AppendLog(e model.ConnectionLog) error
}

// StatsStore is the shared storage of every collector pipeline.
// Write transactions are serialised so deltas from different backends never interleave partially.
type StatsStore struct {
	db     *gorm.DB
	mu     sync.Mutex
	closed atomic.Bool
	now    func() time.Time
}

func NewStatsStore(db *gorm.DB) *StatsStore {
	return &StatsStore{db: db, now: time.Now}
}

// DB exposes the handle for read-only helpers living in other packages.
func (s *StatsStore) DB() *gorm.DB { return s.db }

// Alive is false once Close was called; late async results check it before writing.
func (s *StatsStore) Alive() bool { return !s.closed.Load() }

func (s *StatsStore) Close() {
	if s.closed.CompareAndSwap(false, true) {
		daoStatsLog.Infof("store closed")
	}
}

// InTx runs fn inside one all-or-nothing transaction scoped to backendID.
func (s *StatsStore) InTx(ctx context.Context, backendID int64, fn func(w Writer) error) error {
	if !s.Alive() {
		return ErrStoreClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&txWriter{tx: tx, backendID: backendID, now: now})
	})
}

type txWriter struct {
	tx        *gorm.DB
	backendID int64
	now       time.Time
}

// set-valued columns per dimension and the aux field feeding each
func setColumns(dim model.Dimension, aux model.Aux) map[string]string {
	switch dim {
	case model.DimDomain:
		return map[string]string{"ips": aux.IP, "rules": aux.Rule, "chains": aux.Chain}
	case model.DimIP:
		return map[string]string{"domains": aux.Domain}
	}
	return nil
}

// scalar columns overwritten on every upsert
func scalarColumns(dim model.Dimension, aux model.Aux) map[string]any {
	switch dim {
	case model.DimRule:
		return map[string]any{"final_proxy": aux.FinalProxy}
	case model.DimCountry:
		return map[string]any{"country_name": aux.CountryName, "continent": aux.Continent}
	}
	return nil
}

func (w *txWriter) Upsert(dim model.Dimension, key string, up, down int64, aux model.Aux) error {
	if !dim.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownDimension, dim)
	}
	table, col := dim.Table(), dim.KeyColumn()
	where := fmt.Sprintf("backend_id = ? AND %s = ?", col)
	sets := setColumns(dim, aux)

	cur := map[string]any{}
	err := w.tx.Table(table).Where(where, w.backendID, key).Limit(1).Take(&cur).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		row := map[string]any{
			"backend_id":        w.backendID,
			col:                 key,
			"total_upload":      up,
			"total_download":    down,
			"total_connections": 1,
			"last_seen":         ttime.Of(w.now),
		}
		for c, v := range sets {
			row[c] = v
		}
		for c, v := range scalarColumns(dim, aux) {
			row[c] = v
		}
		if err := w.tx.Table(table).Create(row).Error; err != nil {
			return fmt.Errorf("insert %s %q: %w", dim, key, err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("load %s %q: %w", dim, key, err)
	}

	upd := map[string]any{
		"total_upload":      gorm.Expr("total_upload + ?", up),
		"total_download":    gorm.Expr("total_download + ?", down),
		"total_connections": gorm.Expr("total_connections + 1"),
		"last_seen":         ttime.Of(w.now),
	}
	for c, v := range sets {
		old := asString(cur[c])
		if merged := model.JoinSet(old, v); merged != old {
			upd[c] = merged
		}
	}
	for c, v := range scalarColumns(dim, aux) {
		upd[c] = v
	}
	if err := w.tx.Table(table).Where(where, w.backendID, key).Updates(upd).Error; err != nil {
		return fmt.Errorf("update %s %q: %w", dim, key, err)
	}
	return nil
}

func (w *txWriter) LinkRuleProxy(rule, proxy string) error {
	return w.tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "backend_id"}, {Name: "rule"}, {Name: "proxy"}},
		DoNothing: true,
	}).Create(&model.RuleProxy{BackendId: w.backendID, Rule: rule, Proxy: proxy}).Error
}

func (w *txWriter) AppendLog(e model.ConnectionLog) error {
	e.Id = 0
	e.BackendId = w.backendID
	if e.Timestamp == 0 {
		e.Timestamp = w.now.UnixMilli()
	}
	return w.tx.Create(&e).Error
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}

/* -------------------- maintenance -------------------- */

// Cleanup deletes connection logs older than days; days == 0 wipes logs and every aggregate.
// backendID <= 0 targets all backends.
func (s *StatsStore) Cleanup(ctx context.Context, backendID int64, days int) (model.CleanupResult, error) {
	var res model.CleanupResult
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		scope := func() *gorm.DB {
			if backendID > 0 {
				return tx.Where("backend_id = ?", backendID)
			}
			return tx.Where("1 = 1")
		}
		logs := scope()
		if days > 0 {
			cutoff := s.now().Add(-time.Duration(days) * 24 * time.Hour).UnixMilli()
			logs = logs.Where("timestamp < ?", cutoff)
		}
		r := logs.Delete(&model.ConnectionLog{})
		if r.Error != nil {
			return r.Error
		}
		res.DeletedLogs = r.RowsAffected
		if days > 0 {
			return nil
		}
		for _, it := range []struct {
			m   any
			cnt *int64
		}{
			{&model.DomainStat{}, &res.DeletedDomains},
			{&model.IPStat{}, &res.DeletedIPs},
			{&model.ProxyStat{}, &res.DeletedProxies},
			{&model.RuleStat{}, &res.DeletedRules},
			{&model.CountryStat{}, &res.DeletedCountries},
			{&model.HourlyStat{}, &res.DeletedHours},
			{&model.RuleProxy{}, nil},
		} {
			r := scope().Delete(it.m)
			if r.Error != nil {
				return r.Error
			}
			if it.cnt != nil {
				*it.cnt = r.RowsAffected
			}
		}
		return nil
	})
	if err != nil {
		return res, err
	}
	daoStatsLog.Infof("cleanup backend=%d days=%d logs=%d domains=%d ips=%d",
		backendID, days, res.DeletedLogs, res.DeletedDomains, res.DeletedIPs)
	return res, nil
}

// CleanupGeoCache drops cached lookups older than maxAge.
func (s *StatsStore) CleanupGeoCache(ctx context.Context, maxAge time.Duration) (int64, error) {
	r := s.db.WithContext(ctx).Where("queried_at < ?", s.now().Add(-maxAge)).Delete(&model.GeoIPCache{})
	return r.RowsAffected, r.Error
}
