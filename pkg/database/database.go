// Package database persists audit results, their violations and the
// compliance rule set in MySQL or SQLite through database/sql.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

const queryTimeout = 30 * time.Second

// Database wraps the connection pool and the SQL dialect in use.
type Database struct {
	db     *sql.DB
	driver string
	logger *logrus.Logger
}

// Open connects, configures the pool and verifies the connection.
func Open(ctx context.Context, cfg Config, logger *logrus.Logger) (*Database, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database configuration: %w", err)
	}
	driver := strings.ToLower(cfg.Driver)
	dsn := cfg.DSN
	if driver == DriverSQLite {
		dsn = sqliteDSN(dsn)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	// Every connection to an in-memory SQLite database is a separate database.
	if driver == DriverSQLite && strings.Contains(cfg.DSN, ":memory:") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxIdleConns)
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.WithField("driver", driver).Info("Connected to audit database")

	return &Database{db: db, driver: driver, logger: logger}, nil
}

// sqliteDSN applies the connection pragmas to every pooled connection.
func sqliteDSN(dsn string) string {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)"
}

// Close closes the database connection
func (d *Database) Close() error {
	if d.db != nil {
		return d.db.Close()
	}
	return nil
}

// Health checks database health
func (d *Database) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := d.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}

// Driver returns the SQL dialect in use.
func (d *Database) Driver() string {
	return d.driver
}

// Migrate creates the audit tables when they do not exist.
func (d *Database) Migrate(ctx context.Context) error {
	migrations := sqliteSchema
	if d.driver == DriverMySQL {
		migrations = mysqlSchema
	}

	for i, migration := range migrations {
		d.logger.WithField("migration", i+1).Debug("Running migration")

		if _, err := d.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	d.logger.Info("Database migrations completed successfully")
	return nil
}

// getContext bounds a single repository call.
func (d *Database) getContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, queryTimeout)
}

// Timestamps are epoch milliseconds in both dialects.
func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

var mysqlSchema = []string{`
CREATE TABLE IF NOT EXISTS audit_results (
    id VARCHAR(36) PRIMARY KEY,
    call_id VARCHAR(255) NOT NULL,
    correlation_id VARCHAR(255) NULL,
    trigger_event_id VARCHAR(255) NULL,
    script_adherence INT NOT NULL,
    customer_service INT NOT NULL,
    resolution_effectiveness INT NOT NULL,
    overall_score INT NOT NULL,
    compliance_status VARCHAR(32) NOT NULL,
    flags_for_review BOOLEAN NOT NULL DEFAULT FALSE,
    review_reason TEXT NULL,
    rules_used TEXT NULL,
    processing_time_ms BIGINT NOT NULL DEFAULT 0,
    audited_at BIGINT NOT NULL,
    UNIQUE KEY uq_call_id (call_id),
    INDEX idx_status (compliance_status),
    INDEX idx_audited_at (audited_at)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci;
`, `
CREATE TABLE IF NOT EXISTS compliance_violations (
    id VARCHAR(36) PRIMARY KEY,
    audit_id VARCHAR(36) NOT NULL,
    call_id VARCHAR(255) NOT NULL,
    rule_id VARCHAR(128) NOT NULL,
    rule_name VARCHAR(255) NOT NULL,
    severity VARCHAR(16) NOT NULL,
    description TEXT NOT NULL,
    segment_ref INT NULL,
    timestamp_in_call DOUBLE NULL,
    evidence TEXT NULL,
    position INT NOT NULL,
    created_at BIGINT NOT NULL,
    FOREIGN KEY (audit_id) REFERENCES audit_results(id) ON DELETE CASCADE,
    INDEX idx_violation_call (call_id),
    INDEX idx_violation_rule (rule_id),
    INDEX idx_violation_severity (severity)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci;
`, `
CREATE TABLE IF NOT EXISTS compliance_rules (
    id VARCHAR(128) PRIMARY KEY,
    name VARCHAR(255) NOT NULL,
    description TEXT NULL,
    category VARCHAR(64) NULL,
    severity VARCHAR(16) NOT NULL,
    active BOOLEAN NOT NULL DEFAULT TRUE,
    version INT NOT NULL,
    definition TEXT NOT NULL,
    created_at BIGINT NOT NULL,
    updated_at BIGINT NOT NULL,
    INDEX idx_rule_active (active)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci;
`}

var sqliteSchema = []string{`
CREATE TABLE IF NOT EXISTS audit_results (
    id TEXT PRIMARY KEY,
    call_id TEXT NOT NULL UNIQUE,
    correlation_id TEXT,
    trigger_event_id TEXT,
    script_adherence INTEGER NOT NULL,
    customer_service INTEGER NOT NULL,
    resolution_effectiveness INTEGER NOT NULL,
    overall_score INTEGER NOT NULL,
    compliance_status TEXT NOT NULL,
    flags_for_review INTEGER NOT NULL DEFAULT 0,
    review_reason TEXT,
    rules_used TEXT,
    processing_time_ms INTEGER NOT NULL DEFAULT 0,
    audited_at INTEGER NOT NULL
)`, `
CREATE TABLE IF NOT EXISTS compliance_violations (
    id TEXT PRIMARY KEY,
    audit_id TEXT NOT NULL,
    call_id TEXT NOT NULL,
    rule_id TEXT NOT NULL,
    rule_name TEXT NOT NULL,
    severity TEXT NOT NULL,
    description TEXT NOT NULL,
    segment_ref INTEGER,
    timestamp_in_call REAL,
    evidence TEXT,
    position INTEGER NOT NULL,
    created_at INTEGER NOT NULL,
    FOREIGN KEY (audit_id) REFERENCES audit_results(id) ON DELETE CASCADE
)`,
	`CREATE INDEX IF NOT EXISTS idx_status ON audit_results(compliance_status)`,
	`CREATE INDEX IF NOT EXISTS idx_audited_at ON audit_results(audited_at)`,
	`CREATE INDEX IF NOT EXISTS idx_violation_call ON compliance_violations(call_id)`,
	`CREATE INDEX IF NOT EXISTS idx_violation_rule ON compliance_violations(rule_id)`,
	`CREATE INDEX IF NOT EXISTS idx_violation_severity ON compliance_violations(severity)`,
	`
CREATE TABLE IF NOT EXISTS compliance_rules (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    description TEXT,
    category TEXT,
    severity TEXT NOT NULL,
    active INTEGER NOT NULL DEFAULT 1,
    version INTEGER NOT NULL,
    definition TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_rule_active ON compliance_rules(active)`,
}
