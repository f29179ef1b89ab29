package db

import (
	"fmt"
	"strings"
	"time"

	"github.com/engramkeep/health-connector/internal/db/models"
	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// AllModels lists every table owned by the connector.
func AllModels() []interface{} {
	return []interface{}{
		&models.ProviderAccount{},
		&models.TokenRefreshLog{},
		&models.WebhookEvent{},
		&models.HealthMetric{},
		&models.DataQualityIssue{},
		&models.GlucoseReading{},
		&models.GlucoseEvent{},
		&models.GlucoseDailyAggregate{},
		&models.JobRun{},
	}
}

// InitDB opens the database named by dsn and runs migrations.
// A "postgres://" or "postgresql://" DSN selects PostgreSQL, anything else is
// treated as a SQLite path.
func InitDB(dsn string, verbose bool) (*gorm.DB, error) {
	level := logger.Warn
	if verbose {
		level = logger.Info
	}
	cfg := &gorm.Config{
		Logger:         logger.Default.LogMode(level),
		NowFunc:        func() time.Time { return time.Now().UTC() },
		TranslateError: true,
	}

	database, err := gorm.Open(dialectorFor(dsn), cfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if isSQLite(dsn) {
		// SQLite allows a single writer; serialising connections avoids SQLITE_BUSY.
		sqlDB, err := database.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if err := Migrate(database); err != nil {
		return nil, err
	}
	return database, nil
}

// Migrate creates or updates every connector table.
func Migrate(database *gorm.DB) error {
	if err := database.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func dialectorFor(dsn string) gorm.Dialector {
	if isSQLite(dsn) {
		return sqlite.Open(dsn)
	}
	return postgres.Open(dsn)
}

func isSQLite(dsn string) bool {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	return !strings.HasPrefix(lower, "postgres://") && !strings.HasPrefix(lower, "postgresql://")
}
