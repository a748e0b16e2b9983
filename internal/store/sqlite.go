package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/driftsync/internal/changelog"
	"github.com/MarcoPoloResearchLab/driftsync/internal/entity"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationDedupePendingChanges = "2026-05-20_dedupe_pending_changes"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

// OpenSQLite establishes a SQLite connection and performs schema migrations.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&entity.Entity{}, &changelog.PendingChange{}, &pullCursor{}, &migrationRecord{}); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationDedupePendingChanges, apply: dedupePendingChanges},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// dedupePendingChanges repairs databases written before queue coalescing:
// only the newest queued change per entity is kept.
func dedupePendingChanges(db *gorm.DB) error {
	const statement = `
DELETE FROM pending_changes WHERE EXISTS (
    SELECT 1 FROM pending_changes AS newer
    WHERE newer.entity_type = pending_changes.entity_type
      AND newer.entity_id = pending_changes.entity_id
      AND (newer.enqueued_at_ms > pending_changes.enqueued_at_ms
           OR (newer.enqueued_at_ms = pending_changes.enqueued_at_ms
               AND newer.change_id > pending_changes.change_id))
);`
	return db.Exec(statement).Error
}
