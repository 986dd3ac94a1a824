package model

import "time"

// GeoInfo is the resolved location of an IP.
type GeoInfo struct {
	IP          string `json:"ip"`
	Country     string `json:"country"`
	CountryName string `json:"countryName"`
	City        string `json:"city,omitempty"`
	Continent   string `json:"continent"`
	ASN         string `json:"asn,omitempty"`
	ASName      string `json:"asName,omitempty"`
}

type GeoIPCache struct {
	IP          string    `gorm:"column:ip;primaryKey;size:64"`
	Country     string    `gorm:"column:country;size:16"`
	CountryName string    `gorm:"column:country_name;size:128"`
	City        string    `gorm:"column:city;size:128"`
	Continent   string    `gorm:"column:continent;size:64"`
	ASN         string    `gorm:"column:asn;size:64"`
	ASName      string    `gorm:"column:as_name;size:255"`
	QueriedAt   time.Time `gorm:"column:queried_at;index"`
}

func (GeoIPCache) TableName() string { return "geoip_cache" }

func (c GeoIPCache) Info() *GeoInfo {
	return &GeoInfo{
		IP:          c.IP,
		Country:     c.Country,
		CountryName: c.CountryName,
		City:        c.City,
		Continent:   c.Continent,
		ASN:         c.ASN,
		ASName:      c.ASName,
	}
}
