package aggregate

import (
	"context"
	"fmt"

	"clashstats/cs/common/logx"
	"clashstats/cs/db/dao"
	"clashstats/cs/model"
)

var aggLog = logx.New(logx.WithPrefix("aggregate"))

// Store is the transactional storage the aggregator writes through.
type Store interface {
	InTx(ctx context.Context, backendID int64, fn func(w dao.Writer) error) error
}

// Observer is told about every committed unit.
type Observer interface {
	OnDelta(backendID int64, d model.TrafficDelta)
	OnCountry(backendID int64, geo *model.GeoInfo, up, down int64)
}

// Aggregator folds deltas into every dimension view as one all-or-nothing unit.
type Aggregator struct {
	store     Store
	observers []Observer
}

func New(store Store, observers ...Observer) *Aggregator {
	return &Aggregator{store: store, observers: observers}
}

// Apply writes d to the domain, ip, chain, rule, rule->proxy and hour views plus one log row.
// A zero delta writes nothing.
func (a *Aggregator) Apply(ctx context.Context, backendID int64, d model.TrafficDelta) error {
	if d.IsZero() {
		return nil
	}
	rule, final := d.Rule(), d.FinalProxy()
	err := a.store.InTx(ctx, backendID, func(w dao.Writer) error {
		if d.Domain != "" {
			if err := w.Upsert(model.DimDomain, d.Domain, d.Upload, d.Download,
				model.Aux{IP: d.IP, Rule: rule, Chain: final}); err != nil {
				return err
			}
		}
		if err := w.Upsert(model.DimIP, d.IP, d.Upload, d.Download, model.Aux{Domain: d.Domain}); err != nil {
			return err
		}
		if err := w.Upsert(model.DimChain, final, d.Upload, d.Download, model.Aux{}); err != nil {
			return err
		}
		if err := w.Upsert(model.DimRule, rule, d.Upload, d.Download, model.Aux{FinalProxy: final}); err != nil {
			return err
		}
		if err := w.LinkRuleProxy(rule, final); err != nil {
			return fmt.Errorf("link %s -> %s: %w", rule, final, err)
		}
		if err := w.Upsert(model.DimHour, model.HourOf(d.At), d.Upload, d.Download, model.Aux{}); err != nil {
			return err
		}
		return w.AppendLog(model.ConnectionLog{
			Domain:    d.Domain,
			IP:        d.IP,
			Chain:     final,
			Upload:    d.Upload,
			Download:  d.Download,
			Timestamp: d.At.UnixMilli(),
		})
	})
	if err != nil {
		return fmt.Errorf("apply delta backend=%d: %w", backendID, err)
	}
	for _, o := range a.observers {
		o.OnDelta(backendID, d)
	}
	return nil
}

// ApplyCountry adds resolved traffic to the country view.
func (a *Aggregator) ApplyCountry(ctx context.Context, backendID int64, geo *model.GeoInfo, up, down int64) error {
	if geo == nil || geo.Country == "" || (up == 0 && down == 0) {
		return nil
	}
	err := a.store.InTx(ctx, backendID, func(w dao.Writer) error {
		return w.Upsert(model.DimCountry, geo.Country, up, down,
			model.Aux{CountryName: geo.CountryName, Continent: geo.Continent})
	})
	if err != nil {
		return fmt.Errorf("apply country backend=%d: %w", backendID, err)
	}
	aggLog.Tracef("backend=%d country=%s +%d/%d", backendID, geo.Country, up, down)
	for _, o := range a.observers {
		o.OnCountry(backendID, geo, up, down)
	}
	return nil
}
