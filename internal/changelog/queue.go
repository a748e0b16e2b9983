package changelog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/driftsync/internal/entity"
	"github.com/MarcoPoloResearchLab/driftsync/internal/syncerr"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

const (
	opQueueNew     = "changelog.queue.new"
	opEnqueue      = "changelog.enqueue"
	opDequeueBatch = "changelog.dequeue_batch"
	opAck          = "changelog.ack"
	opRequeue      = "changelog.requeue"
	opDiscard      = "changelog.discard"
	opPendingCount = "changelog.pending_count"
	opDueTypes     = "changelog.due_entity_types"
	reasonTxFailed = "transaction_failed"
	reasonIDFailed = "id_generation_failed"
)

const queryEntityKey = "entity_type = ? AND entity_id = ?"

// IDProvider issues identifiers for newly enqueued changes.
type IDProvider interface {
	NewID() (string, error)
}

// QueueConfig describes the dependencies required to build a Queue.
type QueueConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Queue is the durable change queue shared by the application write path and
// the sync engine. Each operation runs in its own short transaction, so
// Enqueue from the app never blocks on an in-progress cycle.
type Queue struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewQueue validates the configuration and constructs a Queue.
func NewQueue(cfg QueueConfig) (*Queue, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("%s: %w", opQueueNew, errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, fmt.Errorf("%s: %w", opQueueNew, errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Queue{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

func newQueueError(operation, reason string, cause error) error {
	return syncerr.Wrap(syncerr.KindDatabase, fmt.Sprintf("%s.%s", operation, reason), cause)
}

// Enqueue records a local mutation for sync, coalescing with any change still
// queued for the same entity: only the latest operation per entity is kept,
// and a DELETE enqueued over a pending CREATE of a never-synced entity
// collapses to no change at all.
func (q *Queue) Enqueue(ctx context.Context, entityType entity.EntityType, entityID entity.LocalID, operation entity.Operation) error {
	nowMs := q.clock().UTC().UnixMilli()

	txErr := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing PendingChange
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where(queryEntityKey, entityType.String(), entityID.String()).
			Take(&existing).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return newQueueError(opEnqueue, "lookup_failed", err)
		}

		if errors.Is(err, gorm.ErrRecordNotFound) {
			changeID, idErr := q.idProvider.NewID()
			if idErr != nil {
				return newQueueError(opEnqueue, reasonIDFailed, idErr)
			}
			change := PendingChange{
				ChangeID:     changeID,
				EntityType:   entityType.String(),
				EntityID:     entityID.String(),
				Operation:    operation.String(),
				EnqueuedAtMs: nowMs,
			}
			if createErr := tx.Create(&change).Error; createErr != nil {
				return newQueueError(opEnqueue, "insert_failed", createErr)
			}
			q.logger.Info("change enqueued",
				zap.String("change_id", change.ChangeID),
				zap.String("entity_type", change.EntityType),
				zap.String("entity_id", change.EntityID),
				zap.String("op", change.Operation))
			return nil
		}

		merged, dropBoth := mergeOperations(entity.Operation(existing.Operation), operation)
		if dropBoth {
			if deleteErr := tx.Delete(&PendingChange{}, "change_id = ?", existing.ChangeID).Error; deleteErr != nil {
				return newQueueError(opEnqueue, "collapse_failed", deleteErr)
			}
			q.logger.Info("change collapsed",
				zap.String("change_id", existing.ChangeID),
				zap.String("entity_type", existing.EntityType),
				zap.String("entity_id", existing.EntityID))
			return nil
		}

		// A fresh mutation supersedes the queued one: the operation is
		// recomputed and the attempt budget starts over. The original
		// enqueue time is kept so FIFO ordering per entity holds.
		updates := map[string]any{
			"op":                 merged.String(),
			"attempt_count":      0,
			"last_error_kind":    "",
			"last_error_detail":  "",
			"next_attempt_at_ms": 0,
		}
		if updateErr := tx.Model(&PendingChange{}).
			Where("change_id = ?", existing.ChangeID).
			Updates(updates).Error; updateErr != nil {
			return newQueueError(opEnqueue, "coalesce_failed", updateErr)
		}
		q.logger.Info("change coalesced",
			zap.String("change_id", existing.ChangeID),
			zap.String("entity_type", existing.EntityType),
			zap.String("entity_id", existing.EntityID),
			zap.String("op", merged.String()))
		return nil
	})

	if txErr != nil {
		q.logError(opEnqueue, reasonTxFailed, txErr,
			zap.String("entity_type", entityType.String()),
			zap.String("entity_id", entityID.String()))
		return txErr
	}
	return nil
}

// mergeOperations applies the coalescing rules for a queued operation
// followed by a newer one for the same entity. dropBoth reports that the pair
// cancels out entirely (CREATE then DELETE of a never-synced entity).
func mergeOperations(existing, incoming entity.Operation) (merged entity.Operation, dropBoth bool) {
	switch {
	case incoming == entity.OperationDelete && existing == entity.OperationCreate:
		return "", true
	case incoming == entity.OperationDelete:
		return entity.OperationDelete, false
	case existing == entity.OperationCreate:
		// The remote has never seen this entity; whatever the latest local
		// state is, it still has to arrive as a create.
		return entity.OperationCreate, false
	case existing == entity.OperationDelete:
		return incoming, false
	default:
		return entity.OperationUpdate, false
	}
}

// DequeueBatch returns up to limit due changes for one entity type in enqueue
// order. Changes parked by a retry delay are skipped until their next attempt
// time passes.
func (q *Queue) DequeueBatch(ctx context.Context, entityType entity.EntityType, limit int) ([]PendingChange, error) {
	if limit <= 0 {
		limit = 50
	}
	nowMs := q.clock().UTC().UnixMilli()

	var batch []PendingChange
	err := q.db.WithContext(ctx).
		Where("entity_type = ? AND next_attempt_at_ms <= ?", entityType.String(), nowMs).
		Order("enqueued_at_ms ASC, change_id ASC").
		Limit(limit).
		Find(&batch).Error
	if err != nil {
		q.logError(opDequeueBatch, "query_failed", err, zap.String("entity_type", entityType.String()))
		return nil, newQueueError(opDequeueBatch, "query_failed", err)
	}
	return batch, nil
}

// Ack removes a change after confirmed remote success.
func (q *Queue) Ack(ctx context.Context, changeID string) error {
	result := q.db.WithContext(ctx).Delete(&PendingChange{}, "change_id = ?", changeID)
	if result.Error != nil {
		q.logError(opAck, "delete_failed", result.Error, zap.String("change_id", changeID))
		return newQueueError(opAck, "delete_failed", result.Error)
	}
	q.logger.Info("change acked", zap.String("change_id", changeID))
	return nil
}

// Requeue records a retryable failure: the attempt count grows, the error is
// kept for inspection and the change stays queued until nextAttemptAt.
// Requeueing an already removed change is a no-op, so crash/retry replays are
// harmless.
func (q *Queue) Requeue(ctx context.Context, changeID string, classified *syncerr.Error, nextAttemptAt time.Time) error {
	updates := map[string]any{
		"attempt_count":      gorm.Expr("attempt_count + 1"),
		"last_error_kind":    classified.Kind.String(),
		"last_error_detail":  classified.Error(),
		"next_attempt_at_ms": nextAttemptAt.UTC().UnixMilli(),
	}
	result := q.db.WithContext(ctx).Model(&PendingChange{}).
		Where("change_id = ?", changeID).
		Updates(updates)
	if result.Error != nil {
		q.logError(opRequeue, "update_failed", result.Error, zap.String("change_id", changeID))
		return newQueueError(opRequeue, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		q.logger.Debug("requeue of absent change ignored", zap.String("change_id", changeID))
		return nil
	}
	q.logger.Info("change requeued",
		zap.String("change_id", changeID),
		zap.String("error_kind", classified.Kind.String()),
		zap.Int64("next_attempt_at_ms", nextAttemptAt.UTC().UnixMilli()))
	return nil
}

// Discard removes a change terminally. The reason is logged; surfacing it to
// the user is the engine's responsibility.
func (q *Queue) Discard(ctx context.Context, changeID string, reason string) error {
	result := q.db.WithContext(ctx).Delete(&PendingChange{}, "change_id = ?", changeID)
	if result.Error != nil {
		q.logError(opDiscard, "delete_failed", result.Error, zap.String("change_id", changeID))
		return newQueueError(opDiscard, "delete_failed", result.Error)
	}
	q.logger.Warn("change discarded",
		zap.String("change_id", changeID),
		zap.String("reason", reason))
	return nil
}

// PendingCount returns the number of queued changes across all entity types,
// for the offline-indicator UI.
func (q *Queue) PendingCount(ctx context.Context) (int64, error) {
	var count int64
	if err := q.db.WithContext(ctx).Model(&PendingChange{}).Count(&count).Error; err != nil {
		q.logError(opPendingCount, "count_failed", err)
		return 0, newQueueError(opPendingCount, "count_failed", err)
	}
	return count, nil
}

// PendingCountByType returns queued change counts per entity type.
func (q *Queue) PendingCountByType(ctx context.Context) (map[string]int64, error) {
	type typeCount struct {
		EntityType string
		Count      int64
	}
	var rows []typeCount
	err := q.db.WithContext(ctx).Model(&PendingChange{}).
		Select("entity_type, COUNT(*) as count").
		Group("entity_type").
		Find(&rows).Error
	if err != nil {
		q.logError(opPendingCount, "group_count_failed", err)
		return nil, newQueueError(opPendingCount, "group_count_failed", err)
	}

	counts := make(map[string]int64, len(rows))
	for _, row := range rows {
		counts[row.EntityType] = row.Count
	}
	return counts, nil
}

// DueEntityTypes returns the distinct entity types that currently have due
// changes, for the engine's per-type fan-out.
func (q *Queue) DueEntityTypes(ctx context.Context) ([]string, error) {
	nowMs := q.clock().UTC().UnixMilli()

	var types []string
	err := q.db.WithContext(ctx).Model(&PendingChange{}).
		Where("next_attempt_at_ms <= ?", nowMs).
		Distinct("entity_type").
		Order("entity_type ASC").
		Pluck("entity_type", &types).Error
	if err != nil {
		q.logError(opDueTypes, "query_failed", err)
		return nil, newQueueError(opDueTypes, "query_failed", err)
	}
	return types, nil
}

func (q *Queue) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	q.logger.Error("change queue error", attrs...)
}
