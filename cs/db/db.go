package db

import (
	"errors"
	"strings"
	"time"

	"clashstats/cs/common/config"
	"clashstats/cs/common/logx"

	"gorm.io/driver/mysql"
	sqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

var (
	ErrUnsupportedDriver = errors.New("unsupported driver")
)

type DB struct {
	GormDataSource *gorm.DB
	Driver         string
}

func OpenGorm(driver, dsn string, pool config.DBPoolCfg) (*DB, error) {
	var dial gorm.Dialector

	driver = strings.ToLower(driver)
	switch driver {
	case "mysql":
		dial = mysql.Open(dsn)
	case "sqlite", "sqlite3":
		driver = "sqlite"
		dial = sqlite.Open(dsn)
	default:
		return nil, ErrUnsupportedDriver
	}

	g, err := gorm.Open(dial, &gorm.Config{
		NamingStrategy:         schema.NamingStrategy{SingularTable: true},
		Logger:                 logx.GormLoggerDefault(logx.GetLevelString()),
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := g.DB()
	if err != nil {
		return nil, err
	}
	// sqlite has a single writer anyway; one connection avoids SQLITE_BUSY between collectors
	if driver == "sqlite" && pool.MaxOpen <= 0 {
		pool.MaxOpen = 1
	}
	if pool.MaxOpen > 0 {
		sqlDB.SetMaxOpenConns(pool.MaxOpen)
	}
	if pool.MaxIdle > 0 {
		sqlDB.SetMaxIdleConns(pool.MaxIdle)
	}
	if pool.MaxLifetimeSec > 0 {
		sqlDB.SetConnMaxLifetime(time.Duration(pool.MaxLifetimeSec) * time.Second)
	}

	return &DB{GormDataSource: g, Driver: driver}, nil
}

func (d *DB) Close() error {
	sqlDB, err := d.GormDataSource.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
