package datastore

import (
	"fmt"
	"time"

	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// DefaultSlowQueryThreshold defines the duration after which a query is
// considered slow. Migration batch queries can take most of a second, so
// the threshold sits above that to avoid noise during startup.
const DefaultSlowQueryThreshold = 1 * time.Second

// createGormLogger configures and returns a new GORM logger instance.
func createGormLogger() gormlogger.Interface {
	return newSlogGormLogger(DefaultSlowQueryThreshold, gormlogger.Warn)
}

// performAutoMigration automates database migrations with error handling.
func performAutoMigration(db *gorm.DB, debug bool, dbType, connectionInfo string) error {
	migrationStart := time.Now()
	migrationLogger := GetLogger().With("db_type", dbType)

	migrationLogger.Debug("Starting database migration")

	models := []any{
		&Session{},
		&SegmentRecord{},
		&DetectionRecord{},
		&EstimateRecord{},
		&InventoryEvent{},
		&InventoryBatch{},
	}

	for _, model := range models {
		if err := db.AutoMigrate(model); err != nil {
			return fmt.Errorf("failed to auto-migrate %s database %T: %w", dbType, model, err)
		}
	}

	if debug {
		migrationLogger.Debug("Database migration completed",
			"connection", connectionInfo,
			"total_duration", time.Since(migrationStart),
			"tables_migrated", len(models))
	}
	return nil
}
