// Package db provides the persistent collaborators of the session core on gorm:
// users, devices, session documents and security-event records.
package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/driver/sqlserver"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ericfitz/sessioncore/internal/slogging"
)

// DatabaseType represents the type of database
type DatabaseType string

const (
	DatabaseTypePostgres  DatabaseType = "postgres"
	DatabaseTypeMySQL     DatabaseType = "mysql"
	DatabaseTypeSQLServer DatabaseType = "sqlserver"
	DatabaseTypeSQLite    DatabaseType = "sqlite"
)

// Config holds the configuration for a gorm connection
type Config struct {
	Type DatabaseType
	// DSN is passed to the driver unchanged; a file path or ":memory:" for SQLite
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	AutoMigrate     bool
	// Instrument attaches the OpenTelemetry gorm plugin
	Instrument bool
}

// Open connects to the configured database, applies pool settings and pings it
func Open(cfg Config) (*gorm.DB, error) {
	log := slogging.Get()
	log.Debug("Initializing GORM connection for database type: %s", cfg.Type)

	dialector, err := dialectorFor(cfg)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: newGormLogger(log),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		log.Error("Failed to open GORM connection: %v", err)
		return nil, fmt.Errorf("failed to open gorm connection: %w", err)
	}

	if cfg.Instrument {
		if err := db.Use(otelgorm.NewPlugin(otelgorm.WithDBName(string(cfg.Type)), otelgorm.WithoutQueryVariables())); err != nil {
			return nil, fmt.Errorf("failed to instrument gorm: %w", err)
		}
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		log.Error("Failed to ping database: %v", err)
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if cfg.AutoMigrate {
		if err := Migrate(db); err != nil {
			return nil, err
		}
	}

	log.Debug("GORM connection established successfully")
	return db, nil
}

func dialectorFor(cfg Config) (gorm.Dialector, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("dsn is required for %s", cfg.Type)
	}
	switch cfg.Type {
	case DatabaseTypePostgres:
		return postgres.Open(cfg.DSN), nil
	case DatabaseTypeMySQL:
		// the DSN needs parseTime=true for time.Time columns
		return mysql.Open(cfg.DSN), nil
	case DatabaseTypeSQLServer:
		return sqlserver.Open(cfg.DSN), nil
	case DatabaseTypeSQLite:
		return sqlite.Open(cfg.DSN), nil
	default:
		return nil, fmt.Errorf("unsupported database type: %s", cfg.Type)
	}
}

// Migrate creates or updates the collaborator tables
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&User{}, &Device{}, &Session{}, &SecurityEvent{}); err != nil {
		return fmt.Errorf("failed to migrate: %w", err)
	}
	return nil
}

// Close closes the underlying connection pool
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	return sqlDB.Close()
}

type gormLogger struct {
	log *slogging.Logger
}

func newGormLogger(log *slogging.Logger) logger.Interface {
	return &gormLogger{log: log}
}

func (l *gormLogger) LogMode(logger.LogLevel) logger.Interface {
	return l
}

func (l *gormLogger) Info(_ context.Context, msg string, data ...any) {
	l.log.Info(msg, data...)
}

func (l *gormLogger) Warn(_ context.Context, msg string, data ...any) {
	l.log.Warn(msg, data...)
}

func (l *gormLogger) Error(_ context.Context, msg string, data ...any) {
	l.log.Error(msg, data...)
}

func (l *gormLogger) Trace(_ context.Context, begin time.Time, fc func() (sql string, rowsAffected int64), err error) {
	elapsed := time.Since(begin)
	sql, rows := fc()

	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		l.log.Error("GORM query error: %v [%s] (%d rows, %s)", err, sql, rows, elapsed)
		return
	}
	l.log.Debug("GORM query: %s (%d rows, %s)", sql, rows, elapsed)
}
