package engine

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/driftsync/internal/changelog"
	"github.com/MarcoPoloResearchLab/driftsync/internal/entity"
	"github.com/MarcoPoloResearchLab/driftsync/internal/recovery"
	"github.com/MarcoPoloResearchLab/driftsync/internal/status"
	"github.com/MarcoPoloResearchLab/driftsync/internal/syncerr"
	"github.com/MarcoPoloResearchLab/driftsync/internal/transport"
	"go.uber.org/zap"
)

// authParkDelay keeps a change queued while the user re-authenticates; the
// notification is surfaced once, the change itself is not lost.
const authParkDelay = time.Minute

type cycleAccumulator struct {
	mu    sync.Mutex
	stats status.CycleStats
}

func (a *cycleAccumulator) add(apply func(*status.CycleStats)) {
	a.mu.Lock()
	apply(&a.stats)
	a.mu.Unlock()
}

// RunCycle drives one full sync cycle: drain due changes per entity type,
// then reconcile remote changes for the configured pull types. At most one
// cycle runs at a time; a second caller gets ErrCycleInFlight.
func (e *Engine) RunCycle(ctx context.Context) (status.CycleStats, error) {
	if !e.inFlight.CompareAndSwap(false, true) {
		return status.CycleStats{}, ErrCycleInFlight
	}
	defer e.inFlight.Store(false)

	startedAt := e.clock().UTC()
	accumulator := &cycleAccumulator{stats: status.CycleStats{StartedAt: startedAt}}

	e.logger.Info("sync cycle started")

	dueTypes, err := e.queue.DueEntityTypes(ctx)
	if err != nil {
		e.logger.Error("sync cycle could not list due entity types", zap.Error(err))
		return accumulator.stats, err
	}

	// Entity types have no ordering dependency on each other; changes within
	// one type stay strictly sequential.
	var wg sync.WaitGroup
	for _, rawType := range dueTypes {
		entityType, typeErr := entity.NewEntityType(rawType)
		if typeErr != nil {
			e.logger.Error("skipping malformed entity type", zap.String("entity_type", rawType), zap.Error(typeErr))
			continue
		}
		wg.Add(1)
		go func(entityType entity.EntityType) {
			defer wg.Done()
			e.processType(ctx, entityType, accumulator)
		}(entityType)
	}
	wg.Wait()

	for _, entityType := range e.pullTypes {
		if ctx.Err() != nil {
			break
		}
		e.pullAndReconcile(ctx, entityType, accumulator)
	}

	accumulator.mu.Lock()
	stats := accumulator.stats
	accumulator.mu.Unlock()

	stats.Duration = e.clock().UTC().Sub(startedAt)
	stats.Outcome = status.CycleCompleted
	if ctx.Err() != nil {
		stats.Outcome = status.CycleAborted
	}

	e.dispatcher.PublishStats(stats)
	e.logger.Info("sync cycle finished",
		zap.String("outcome", string(stats.Outcome)),
		zap.Int("synced", stats.Synced),
		zap.Int("retried", stats.Retried),
		zap.Int("failed", stats.Failed),
		zap.Int("conflicts_resolved", stats.ConflictsResolved),
		zap.Int("pulled", stats.Pulled),
		zap.Duration("duration", stats.Duration))

	return stats, nil
}

func (e *Engine) processType(ctx context.Context, entityType entity.EntityType, accumulator *cycleAccumulator) {
	batch, err := e.queue.DequeueBatch(ctx, entityType, e.batchSize)
	if err != nil {
		e.logger.Error("dequeue failed", zap.String("entity_type", entityType.String()), zap.Error(err))
		return
	}

	for _, change := range batch {
		// Cancellation is observed between changes, never mid-call; anything
		// not yet acked simply stays queued.
		if ctx.Err() != nil {
			e.logger.Info("cycle cancelled, remaining changes stay queued",
				zap.String("entity_type", entityType.String()))
			return
		}
		e.processChange(ctx, entityType, change, accumulator)
	}
}

func (e *Engine) processChange(ctx context.Context, entityType entity.EntityType, change changelog.PendingChange, accumulator *cycleAccumulator) {
	localID, err := entity.NewLocalID(change.EntityID)
	if err != nil {
		e.logger.Error("discarding change with malformed entity id",
			zap.String("change_id", change.ChangeID), zap.Error(err))
		_ = e.queue.Discard(ctx, change.ChangeID, "malformed entity id")
		e.dispatcher.PublishEvent(status.Event{
			Kind:       status.EventPersistentFailure,
			EntityType: entityType.String(),
			EntityID:   change.EntityID,
			Reason:     "malformed entity id",
		})
		accumulator.add(func(s *status.CycleStats) { s.Failed++ })
		return
	}
	operation := entity.Operation(change.Operation)

	local, err := e.store.ReadEntity(ctx, entityType, localID)
	if err != nil {
		e.handleFailure(ctx, entityType, change, syncerr.Classify(err), accumulator)
		return
	}
	if local == nil {
		e.logger.Warn("discarding change for locally missing entity",
			zap.String("entity_type", entityType.String()),
			zap.String("entity_id", localID.String()),
			zap.String("change_id", change.ChangeID))
		_ = e.queue.Discard(ctx, change.ChangeID, "entity missing locally")
		e.dispatcher.PublishEvent(status.Event{
			Kind:       status.EventPersistentFailure,
			EntityType: entityType.String(),
			EntityID:   change.EntityID,
			Reason:     "entity missing locally",
		})
		accumulator.add(func(s *status.CycleStats) { s.Failed++ })
		return
	}

	remote, err := e.remote.Push(ctx, entityType, operation, *local, change.ChangeID)
	if err != nil {
		if syncerr.KindOf(err) == syncerr.KindConflict {
			e.resolveConflict(ctx, entityType, localID, *local, remote, change, accumulator)
			return
		}
		e.handleFailure(ctx, entityType, change, syncerr.Classify(err), accumulator)
		return
	}

	if commitErr := e.commitSuccess(ctx, entityType, localID, operation, remote); commitErr != nil {
		e.handleFailure(ctx, entityType, change, syncerr.Classify(commitErr), accumulator)
		return
	}
	e.ackSynced(ctx, entityType, localID, change, accumulator)
}

func (e *Engine) commitSuccess(ctx context.Context, entityType entity.EntityType, localID entity.LocalID, operation entity.Operation, remote transport.RemoteEntity) error {
	if operation == entity.OperationDelete {
		return e.store.DeleteLocal(ctx, entityType, localID)
	}
	return e.store.MarkSynced(ctx, entityType, localID, remote.ServerID, remote.UpdatedAtMs)
}

func (e *Engine) ackSynced(ctx context.Context, entityType entity.EntityType, localID entity.LocalID, change changelog.PendingChange, accumulator *cycleAccumulator) {
	if err := e.queue.Ack(ctx, change.ChangeID); err != nil {
		// The push landed but the ack did not; the change replays next cycle
		// and the remote deduplicates it by change id.
		e.logger.Error("ack failed, change will replay",
			zap.String("change_id", change.ChangeID), zap.Error(err))
		return
	}

	e.dispatcher.ResolveEntity(entityType.String(), localID.String())
	e.dispatcher.ResolveAuthentication()
	accumulator.add(func(s *status.CycleStats) { s.Synced++ })
	e.logger.Info("change synced",
		zap.String("entity_type", entityType.String()),
		zap.String("entity_id", localID.String()),
		zap.String("change_id", change.ChangeID),
		zap.Int("attempt", change.AttemptCount))
}

// resolveConflict settles a push the remote rejected with a newer version.
// The conflict is resolved, not retried: the winner is committed locally and,
// when the local copy wins, pushed once more against the remote's version.
func (e *Engine) resolveConflict(ctx context.Context, entityType entity.EntityType, localID entity.LocalID, local entity.Entity, remote transport.RemoteEntity, change changelog.PendingChange, accumulator *cycleAccumulator) {
	var resolution entity.Resolution
	if remote.Deleted {
		resolution = entity.ResolveDeletion(local, remote.DeletedAtMs)
	} else {
		resolution = entity.Resolve(local, remote.ToEntity(entityType, localID))
	}

	accumulator.add(func(s *status.CycleStats) { s.ConflictsResolved++ })
	e.logger.Info("conflict resolved",
		zap.String("entity_type", entityType.String()),
		zap.String("entity_id", localID.String()),
		zap.String("change_id", change.ChangeID),
		zap.String("strategy", resolution.Strategy))

	if resolution.RemoteWon() {
		var commitErr error
		if remote.Deleted {
			commitErr = e.store.DeleteLocal(ctx, entityType, localID)
		} else {
			commitErr = e.store.WriteResolved(ctx, resolution.Winner)
		}
		if commitErr != nil {
			// Resolution itself failed at the local store; classified and
			// retried like any other failure.
			e.handleFailure(ctx, entityType, change, syncerr.Classify(commitErr), accumulator)
			return
		}
		e.ackSynced(ctx, entityType, localID, change, accumulator)
		return
	}

	// Local wins: push the surviving copy against the remote's version.
	winner := resolution.Winner
	operation := entity.OperationUpdate
	if !winner.Synced() {
		operation = entity.OperationCreate
	}
	pushed, err := e.remote.Push(ctx, entityType, operation, winner, change.ChangeID)
	if err != nil {
		e.handleFailure(ctx, entityType, change, syncerr.Classify(err), accumulator)
		return
	}
	if commitErr := e.store.MarkSynced(ctx, entityType, localID, pushed.ServerID, pushed.UpdatedAtMs); commitErr != nil {
		e.handleFailure(ctx, entityType, change, syncerr.Classify(commitErr), accumulator)
		return
	}
	e.ackSynced(ctx, entityType, localID, change, accumulator)
}

func (e *Engine) handleFailure(ctx context.Context, entityType entity.EntityType, change changelog.PendingChange, classified *syncerr.Error, accumulator *cycleAccumulator) {
	attempt := change.AttemptCount + 1
	decision := e.strategy.Decide(classified, attempt)
	if decision.Outcome == recovery.OutcomeRetry && attempt >= e.maxAttempts {
		decision = recovery.Decision{Outcome: recovery.OutcomeFailed, Reason: recovery.ReasonRetryBudgetExhausted}
	}

	switch decision.Outcome {
	case recovery.OutcomeRetry:
		nextAttempt := e.clock().UTC().Add(decision.Delay)
		if err := e.queue.Requeue(ctx, change.ChangeID, classified, nextAttempt); err != nil {
			e.logger.Error("requeue failed", zap.String("change_id", change.ChangeID), zap.Error(err))
			return
		}
		accumulator.add(func(s *status.CycleStats) { s.Retried++ })
		e.logger.Warn("retry scheduled",
			zap.String("entity_type", entityType.String()),
			zap.String("entity_id", change.EntityID),
			zap.String("change_id", change.ChangeID),
			zap.Int("attempt", attempt),
			zap.String("error_kind", classified.Kind.String()),
			zap.Duration("delay", decision.Delay))
	case recovery.OutcomeFailed:
		e.handleTerminal(ctx, entityType, change, classified, decision, accumulator)
	}
}

func (e *Engine) handleTerminal(ctx context.Context, entityType entity.EntityType, change changelog.PendingChange, classified *syncerr.Error, decision recovery.Decision, accumulator *cycleAccumulator) {
	switch decision.Reason {
	case recovery.ReasonReauthenticationRequired:
		// The mutation is not lost: it stays parked while the user
		// re-authenticates, and the notification is emitted exactly once.
		nextAttempt := e.clock().UTC().Add(authParkDelay)
		if err := e.queue.Requeue(ctx, change.ChangeID, classified, nextAttempt); err != nil {
			e.logger.Error("requeue failed", zap.String("change_id", change.ChangeID), zap.Error(err))
			return
		}
		e.dispatcher.PublishEvent(status.Event{
			Kind:   status.EventAuthenticationRequired,
			Reason: decision.Reason,
		})
		accumulator.add(func(s *status.CycleStats) { s.Failed++ })
		e.logger.Error("reauthentication required",
			zap.String("entity_type", entityType.String()),
			zap.String("entity_id", change.EntityID),
			zap.String("change_id", change.ChangeID),
			zap.String("error_kind", classified.Kind.String()))
	case recovery.ReasonCancelled:
		// Informational: the change was never acked and stays queued for the
		// next cycle.
		e.logger.Info("change interrupted by cancellation",
			zap.String("entity_type", entityType.String()),
			zap.String("entity_id", change.EntityID),
			zap.String("change_id", change.ChangeID))
	default:
		if err := e.queue.Discard(ctx, change.ChangeID, decision.Reason); err != nil {
			e.logger.Error("discard failed", zap.String("change_id", change.ChangeID), zap.Error(err))
			return
		}
		e.dispatcher.PublishEvent(status.Event{
			Kind:       status.EventPersistentFailure,
			EntityType: entityType.String(),
			EntityID:   change.EntityID,
			Reason:     decision.Reason,
		})
		accumulator.add(func(s *status.CycleStats) { s.Failed++ })

		logLevel := e.logger.Warn
		if classified.Kind == syncerr.KindUnknown {
			logLevel = e.logger.Error
		}
		logLevel("change discarded after terminal failure",
			zap.String("entity_type", entityType.String()),
			zap.String("entity_id", change.EntityID),
			zap.String("change_id", change.ChangeID),
			zap.Int("attempts", change.AttemptCount),
			zap.String("error_kind", classified.Kind.String()),
			zap.String("reason", decision.Reason))
	}
}

func (e *Engine) pullAndReconcile(ctx context.Context, entityType entity.EntityType, accumulator *cycleAccumulator) {
	since, err := e.store.PullCursor(ctx, entityType)
	if err != nil {
		e.logger.Error("pull cursor read failed", zap.String("entity_type", entityType.String()), zap.Error(err))
		return
	}

	remotes, err := e.remote.Pull(ctx, entityType, since)
	if err != nil {
		// Pull failures are not queue-backed; the next cycle retries.
		e.logger.Warn("pull failed",
			zap.String("entity_type", entityType.String()),
			zap.String("error_kind", syncerr.Classify(err).Kind.String()),
			zap.Error(err))
		return
	}

	// The cursor only moves past entities that were actually committed; a
	// failed apply caps the advance just below that entity's timestamp so
	// the next pull delivers it again.
	maxSeen := since
	failedFloor := int64(-1)
	for _, remote := range remotes {
		if ctx.Err() != nil {
			return
		}
		seenMs := remote.UpdatedAtMs
		if remote.DeletedAtMs > seenMs {
			seenMs = remote.DeletedAtMs
		}
		if err := e.reconcileRemote(ctx, entityType, remote, accumulator); err != nil {
			if failedFloor == -1 || seenMs < failedFloor {
				failedFloor = seenMs
			}
			continue
		}
		if seenMs > maxSeen {
			maxSeen = seenMs
		}
	}
	if failedFloor != -1 && failedFloor-1 < maxSeen {
		maxSeen = failedFloor - 1
	}
	if maxSeen < since {
		maxSeen = since
	}

	if err := e.store.AdvancePullCursor(ctx, entityType, maxSeen); err != nil {
		e.logger.Error("pull cursor advance failed", zap.String("entity_type", entityType.String()), zap.Error(err))
	}
}

func (e *Engine) reconcileRemote(ctx context.Context, entityType entity.EntityType, remote transport.RemoteEntity, accumulator *cycleAccumulator) error {
	local, err := e.store.ReadEntityByServerID(ctx, entityType, remote.ServerID)
	if err != nil {
		e.logger.Error("pull reconciliation read failed",
			zap.String("entity_type", entityType.String()),
			zap.String("server_id", remote.ServerID),
			zap.Error(err))
		return err
	}
	if local == nil && remote.LocalID != "" {
		if localID, idErr := entity.NewLocalID(remote.LocalID); idErr == nil {
			local, err = e.store.ReadEntity(ctx, entityType, localID)
			if err != nil {
				e.logger.Error("pull reconciliation read failed",
					zap.String("entity_type", entityType.String()),
					zap.String("entity_id", remote.LocalID),
					zap.Error(err))
				return err
			}
		}
	}

	if local == nil {
		if remote.Deleted {
			return nil
		}
		localID := remote.LocalID
		if localID == "" {
			localID = remote.ServerID
		}
		created := remote.ToEntity(entityType, entity.LocalID(localID))
		if err := e.store.WriteResolved(ctx, created); err != nil {
			e.logger.Error("pull apply failed",
				zap.String("entity_type", entityType.String()),
				zap.String("server_id", remote.ServerID),
				zap.Error(err))
			return err
		}
		accumulator.add(func(s *status.CycleStats) { s.Pulled++ })
		return nil
	}

	deletedAt := remote.DeletedAtMs
	updatedAt := remote.UpdatedAtMs
	if remote.Deleted && deletedAt >= updatedAt {
		updatedAt = deletedAt
	}
	if updatedAt == local.UpdatedAtMs && !remote.Deleted {
		// Already in sync; nothing to resolve.
		return nil
	}

	localID, idErr := entity.NewLocalID(local.LocalID)
	if idErr != nil {
		// A malformed stored id will not heal on re-pull; skip it rather
		// than pinning the cursor.
		e.logger.Error("pull reconciliation skipped malformed local id",
			zap.String("entity_type", entityType.String()), zap.Error(idErr))
		return nil
	}

	var resolution entity.Resolution
	if remote.Deleted {
		resolution = entity.ResolveDeletion(*local, deletedAt)
	} else {
		resolution = entity.Resolve(*local, remote.ToEntity(entityType, localID))
	}

	accumulator.add(func(s *status.CycleStats) { s.ConflictsResolved++ })
	e.logger.Info("conflict resolved",
		zap.String("entity_type", entityType.String()),
		zap.String("entity_id", local.LocalID),
		zap.String("strategy", resolution.Strategy))

	if !resolution.RemoteWon() {
		// The local copy is newer; its own queued change pushes it.
		return nil
	}

	var commitErr error
	if remote.Deleted {
		commitErr = e.store.DeleteLocal(ctx, entityType, localID)
	} else {
		commitErr = e.store.WriteResolved(ctx, resolution.Winner)
	}
	if commitErr != nil {
		e.logger.Error("pull apply failed",
			zap.String("entity_type", entityType.String()),
			zap.String("entity_id", local.LocalID),
			zap.Error(commitErr))
		return commitErr
	}
	accumulator.add(func(s *status.CycleStats) { s.Pulled++ })
	return nil
}
