package database

import (
	"fmt"
	"strings"
	"time"
)

// Supported drivers.
const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
)

// Config holds the connection settings for the result and rule store
type Config struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DefaultConfig returns a file-backed SQLite store.
func DefaultConfig() Config {
	return Config{
		Driver:          DriverSQLite,
		DSN:             "audit.db",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
	}
}

// MySQLDSN builds a go-sql-driver DSN. Timestamps are stored as epoch
// milliseconds so parseTime is left off.
func MySQLDSN(host string, port int, database, username, password, tls string) string {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&loc=UTC", username, password, host, port, database)
	if tls != "" && tls != "false" {
		dsn += "&tls=" + tls
	}
	return dsn
}

// Validate validates the database configuration
func (c Config) Validate() error {
	switch strings.ToLower(c.Driver) {
	case DriverSQLite, DriverMySQL:
	default:
		return fmt.Errorf("unsupported database driver %q", c.Driver)
	}

	if c.DSN == "" {
		return fmt.Errorf("database DSN is required")
	}

	if c.MaxOpenConns <= 0 {
		return fmt.Errorf("max open connections must be positive: %d", c.MaxOpenConns)
	}

	if c.MaxIdleConns < 0 {
		return fmt.Errorf("max idle connections cannot be negative: %d", c.MaxIdleConns)
	}

	if c.MaxIdleConns > c.MaxOpenConns {
		return fmt.Errorf("max idle connections (%d) cannot exceed max open connections (%d)",
			c.MaxIdleConns, c.MaxOpenConns)
	}

	if c.ConnMaxLifetime < 0 || c.ConnMaxIdleTime < 0 {
		return fmt.Errorf("connection lifetimes cannot be negative")
	}

	return nil
}
