// Package db opens the local database and migrates its tables.
package db

import (
	"fmt"
	"net"
	"strconv"

	mysqldriver "github.com/go-sql-driver/mysql"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Supported drivers.
const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
)

// DSN builds a MySQL DSN with parseTime enabled.
func DSN(user, host string, port int, database string) string {
	cfg := mysqldriver.NewConfig()
	cfg.User = user
	cfg.Net = "tcp"
	cfg.Addr = net.JoinHostPort(host, strconv.Itoa(port))
	cfg.DBName = database
	cfg.ParseTime = true
	return cfg.FormatDSN()
}

// ValidateDSN checks that dsn is usable for driver.
func ValidateDSN(driver, dsn string) error {
	switch driver {
	case DriverSQLite:
		if dsn == "" {
			return fmt.Errorf("db: sqlite path is required")
		}
		return nil
	case DriverMySQL:
		cfg, err := mysqldriver.ParseDSN(dsn)
		if err != nil {
			return fmt.Errorf("db: invalid mysql dsn: %w", err)
		}
		if cfg.DBName == "" {
			return fmt.Errorf("db: mysql dsn has no database name")
		}
		return nil
	}
	return fmt.Errorf("db: unsupported driver %q", driver)
}

// Connect opens a GORM connection using driver and dsn.
func Connect(driver, dsn string) (*gorm.DB, error) {
	if err := ValidateDSN(driver, dsn); err != nil {
		return nil, err
	}
	var dialector gorm.Dialector
	switch driver {
	case DriverSQLite:
		dialector = sqlite.Open(dsn)
	case DriverMySQL:
		dialector = mysql.Open(dsn)
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("db: connect %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		// sqlite allows one writer; a single connection also keeps
		// :memory: databases coherent.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("db: sqlite pool: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return db, nil
}
