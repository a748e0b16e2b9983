package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/driftsync/internal/entity"
	"github.com/MarcoPoloResearchLab/driftsync/internal/syncerr"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

const (
	opStoreNew        = "store.new"
	opReadEntity      = "store.read_entity"
	opWriteResolved   = "store.write_resolved"
	opMarkSynced      = "store.mark_synced"
	opDeleteLocal     = "store.delete_local"
	opPullCursor      = "store.pull_cursor"
	queryEntityKey    = "entity_type = ? AND local_id = ?"
	queryEntityServer = "entity_type = ? AND server_id = ?"
)

// pullCursor tracks the newest remote timestamp seen per entity type, so pull
// reconciliation resumes from where the last cycle stopped.
type pullCursor struct {
	EntityType   string `gorm:"column:entity_type;primaryKey;size:190;not null"`
	LastPulledMs int64  `gorm:"column:last_pulled_ms;not null;default:0"`
}

func (pullCursor) TableName() string {
	return "pull_cursors"
}

// StoreConfig describes the dependencies required to build a Store.
type StoreConfig struct {
	Database *gorm.DB
	Logger   *zap.Logger
}

// Store is the engine's transactional view of locally persisted entities. It
// shares the database with the rest of the application, so committed results
// are immediately visible to local reads.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewStore validates the configuration and constructs a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("%s: %w", opStoreNew, errMissingDatabase)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{db: cfg.Database, logger: logger}, nil
}

func newStoreError(operation, reason string, cause error) error {
	return syncerr.Wrap(syncerr.KindDatabase, fmt.Sprintf("%s.%s", operation, reason), cause)
}

// ReadEntity loads one entity, or nil when no copy exists locally.
func (s *Store) ReadEntity(ctx context.Context, entityType entity.EntityType, localID entity.LocalID) (*entity.Entity, error) {
	var stored entity.Entity
	err := s.db.WithContext(ctx).
		Where(queryEntityKey, entityType.String(), localID.String()).
		Take(&stored).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		s.logError(opReadEntity, "query_failed", err,
			zap.String("entity_type", entityType.String()),
			zap.String("entity_id", localID.String()))
		return nil, newStoreError(opReadEntity, "query_failed", err)
	}
	return &stored, nil
}

// ReadEntityByServerID loads the local copy matched to a remote identifier,
// or nil when the remote record has never been pulled.
func (s *Store) ReadEntityByServerID(ctx context.Context, entityType entity.EntityType, serverID string) (*entity.Entity, error) {
	var stored entity.Entity
	err := s.db.WithContext(ctx).
		Where(queryEntityServer, entityType.String(), serverID).
		Take(&stored).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		s.logError(opReadEntity, "server_id_query_failed", err,
			zap.String("entity_type", entityType.String()),
			zap.String("server_id", serverID))
		return nil, newStoreError(opReadEntity, "server_id_query_failed", err)
	}
	return &stored, nil
}

// WriteResolved commits a resolution winner (or a freshly pulled remote copy)
// to the local store.
func (s *Store) WriteResolved(ctx context.Context, resolved entity.Entity) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Save(&resolved).Error
	})
	if err != nil {
		s.logError(opWriteResolved, "save_failed", err,
			zap.String("entity_type", resolved.EntityType),
			zap.String("entity_id", resolved.LocalID))
		return newStoreError(opWriteResolved, "save_failed", err)
	}
	return nil
}

// MarkSynced records a confirmed push: the server identifier is assigned on
// first success and immutable afterwards.
func (s *Store) MarkSynced(ctx context.Context, entityType entity.EntityType, localID entity.LocalID, serverID string, remoteUpdatedAtMs int64) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var stored entity.Entity
		if err := tx.Where(queryEntityKey, entityType.String(), localID.String()).Take(&stored).Error; err != nil {
			return err
		}
		if stored.ServerID == nil || *stored.ServerID == "" {
			stored.ServerID = &serverID
		}
		if remoteUpdatedAtMs > stored.UpdatedAtMs {
			stored.UpdatedAtMs = remoteUpdatedAtMs
		}
		return tx.Save(&stored).Error
	})
	if err != nil {
		s.logError(opMarkSynced, "update_failed", err,
			zap.String("entity_type", entityType.String()),
			zap.String("entity_id", localID.String()))
		return newStoreError(opMarkSynced, "update_failed", err)
	}
	return nil
}

// DeleteLocal purges the local copy after a confirmed remote delete.
func (s *Store) DeleteLocal(ctx context.Context, entityType entity.EntityType, localID entity.LocalID) error {
	err := s.db.WithContext(ctx).
		Where(queryEntityKey, entityType.String(), localID.String()).
		Delete(&entity.Entity{}).Error
	if err != nil {
		s.logError(opDeleteLocal, "delete_failed", err,
			zap.String("entity_type", entityType.String()),
			zap.String("entity_id", localID.String()))
		return newStoreError(opDeleteLocal, "delete_failed", err)
	}
	return nil
}

// PullCursor returns the newest remote timestamp reconciled for a type; zero
// when the type has never been pulled.
func (s *Store) PullCursor(ctx context.Context, entityType entity.EntityType) (int64, error) {
	var cursor pullCursor
	err := s.db.WithContext(ctx).
		Where("entity_type = ?", entityType.String()).
		Take(&cursor).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		s.logError(opPullCursor, "query_failed", err, zap.String("entity_type", entityType.String()))
		return 0, newStoreError(opPullCursor, "query_failed", err)
	}
	return cursor.LastPulledMs, nil
}

// AdvancePullCursor moves the pull cursor forward; it never moves back.
func (s *Store) AdvancePullCursor(ctx context.Context, entityType entity.EntityType, lastPulledMs int64) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cursor pullCursor
		err := tx.Where("entity_type = ?", entityType.String()).Take(&cursor).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return tx.Create(&pullCursor{EntityType: entityType.String(), LastPulledMs: lastPulledMs}).Error
		}
		if err != nil {
			return err
		}
		if lastPulledMs <= cursor.LastPulledMs {
			return nil
		}
		cursor.LastPulledMs = lastPulledMs
		return tx.Save(&cursor).Error
	})
	if err != nil {
		s.logError(opPullCursor, "advance_failed", err, zap.String("entity_type", entityType.String()))
		return newStoreError(opPullCursor, "advance_failed", err)
	}
	return nil
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("local store error", attrs...)
}
