package dao

import (
	"context"
	"errors"
	"time"

	"clashstats/cs/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type GeoCacheDao struct {
	db *gorm.DB
}

func NewGeoCacheDao(db *gorm.DB) *GeoCacheDao { return &GeoCacheDao{db: db} }

// Get returns a cached lookup younger than maxAge, or (nil, nil) on a miss.
func (d *GeoCacheDao) Get(ctx context.Context, ip string, maxAge time.Duration) (*model.GeoInfo, error) {
	var c model.GeoIPCache
	err := d.db.WithContext(ctx).Where("ip = ?", ip).Take(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if maxAge > 0 && time.Since(c.QueriedAt) > maxAge {
		return nil, nil
	}
	return c.Info(), nil
}

func (d *GeoCacheDao) Put(ctx context.Context, g *model.GeoInfo) error {
	row := model.GeoIPCache{
		IP:          g.IP,
		Country:     g.Country,
		CountryName: g.CountryName,
		City:        g.City,
		Continent:   g.Continent,
		ASN:         g.ASN,
		ASName:      g.ASName,
		QueriedAt:   time.Now(),
	}
	return d.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "ip"}},
		UpdateAll: true,
	}).Create(&row).Error
}
