package db

import (
	"fmt"

	"clashstats/cs/model"
)

// Migrate creates or updates every table the collector and API use.
func Migrate(d *DB) error {
	tables := []any{
		&model.Backend{},
		&model.DomainStat{},
		&model.IPStat{},
		&model.ProxyStat{},
		&model.RuleStat{},
		&model.CountryStat{},
		&model.HourlyStat{},
		&model.RuleProxy{},
		&model.ConnectionLog{},
		&model.GeoIPCache{},
	}
	g := d.GormDataSource
	if d.Driver == "mysql" {
		g = g.Set("gorm:table_options", "ENGINE=InnoDB DEFAULT CHARSET=utf8mb4")
	}
	for _, t := range tables {
		if err := g.AutoMigrate(t); err != nil {
			return fmt.Errorf("migrate %T: %w", t, err)
		}
	}
	// top-N queries sort on the traffic sum
	for _, dim := range model.Dimensions {
		idx := fmt.Sprintf("idx_%s_backend_traffic", dim.Table())
		if g.Migrator().HasIndex(dim.Table(), idx) {
			continue
		}
		sql := fmt.Sprintf("CREATE INDEX %s ON %s (backend_id, total_upload, total_download)", idx, dim.Table())
		if err := g.Exec(sql).Error; err != nil {
			return fmt.Errorf("index %s: %w", idx, err)
		}
	}
	return nil
}
