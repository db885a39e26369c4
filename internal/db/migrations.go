package db

import (
	"errors"

	"tasksync/cli/internal/db/migration"

	"gorm.io/gorm"
)

// SyncSchema creates/updates tables and indexes from models.
func SyncSchema(db *gorm.DB) error {
	if db == nil {
		return errors.New("db is required")
	}
	if err := db.AutoMigrate(
		&CacheEntry{},
		&AppliedMigration{},
	); err != nil {
		return err
	}
	for _, stmt := range []string{
		`CREATE INDEX IF NOT EXISTS idx_cache_entries_updated_at ON cache_entries(namespace, updated_at DESC);`,
	} {
		if err := db.Exec(stmt).Error; err != nil {
			return err
		}
	}
	return nil
}

// MigrateUp syncs schema then runs pending data migrations. It returns the
// names of the steps that ran.
func MigrateUp(db *gorm.DB) ([]string, error) {
	if err := SyncSchema(db); err != nil {
		return nil, err
	}
	return migration.RunAll(db)
}
