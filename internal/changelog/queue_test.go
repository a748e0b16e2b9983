package changelog

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/driftsync/internal/entity"
	"github.com/MarcoPoloResearchLab/driftsync/internal/syncerr"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type sequenceIDGenerator struct {
	next int
}

func (g *sequenceIDGenerator) NewID() (string, error) {
	g.next++
	return fmt.Sprintf("change-%03d", g.next), nil
}

type manualClock struct {
	now time.Time
}

func (c *manualClock) Now() time.Time {
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func newTestQueue(t *testing.T) (*Queue, *gorm.DB, *manualClock) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared&_pragma=busy_timeout(5000)"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := db.AutoMigrate(&PendingChange{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	clock := &manualClock{now: time.UnixMilli(1_700_000_000_000).UTC()}
	queue, err := NewQueue(QueueConfig{
		Database:   db,
		Clock:      clock.Now,
		IDProvider: &sequenceIDGenerator{},
	})
	if err != nil {
		t.Fatalf("failed to build queue: %v", err)
	}
	return queue, db, clock
}

func mustEnqueue(t *testing.T, queue *Queue, entityType, entityID string, op entity.Operation) {
	t.Helper()
	if err := queue.Enqueue(context.Background(), mustType(t, entityType), mustLocalID(t, entityID), op); err != nil {
		t.Fatalf("unexpected enqueue error: %v", err)
	}
}

func TestNewQueueRequiresDependencies(t *testing.T) {
	if _, err := NewQueue(QueueConfig{IDProvider: &sequenceIDGenerator{}}); err == nil {
		t.Fatalf("expected missing database error")
	}

	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if _, err := NewQueue(QueueConfig{Database: db}); err == nil {
		t.Fatalf("expected missing id provider error")
	}
}

func TestEnqueueAndDequeuePreserveOrder(t *testing.T) {
	queue, _, clock := newTestQueue(t)

	mustEnqueue(t, queue, "note", "n1", entity.OperationCreate)
	clock.Advance(time.Millisecond)
	mustEnqueue(t, queue, "note", "n2", entity.OperationCreate)
	clock.Advance(time.Millisecond)
	mustEnqueue(t, queue, "note", "n3", entity.OperationUpdate)

	batch, err := queue.DequeueBatch(context.Background(), mustType(t, "note"), 10)
	if err != nil {
		t.Fatalf("unexpected dequeue error: %v", err)
	}
	if len(batch) != 3 {
		t.Fatalf("expected 3 changes, got %d", len(batch))
	}
	for i, expected := range []string{"n1", "n2", "n3"} {
		if batch[i].EntityID != expected {
			t.Fatalf("position %d: expected %s, got %s", i, expected, batch[i].EntityID)
		}
	}
}

func TestEnqueueCoalescesRepeatedUpdates(t *testing.T) {
	queue, _, _ := newTestQueue(t)

	mustEnqueue(t, queue, "note", "n1", entity.OperationUpdate)
	mustEnqueue(t, queue, "note", "n1", entity.OperationUpdate)
	mustEnqueue(t, queue, "note", "n1", entity.OperationUpdate)

	batch, err := queue.DequeueBatch(context.Background(), mustType(t, "note"), 10)
	if err != nil {
		t.Fatalf("unexpected dequeue error: %v", err)
	}
	if len(batch) != 1 {
		t.Fatalf("expected repeated updates to coalesce, got %d changes", len(batch))
	}
	if batch[0].Operation != entity.OperationUpdate.String() {
		t.Fatalf("expected update operation, got %s", batch[0].Operation)
	}
}

func TestEnqueueDeleteDominatesPendingCreate(t *testing.T) {
	queue, _, _ := newTestQueue(t)

	mustEnqueue(t, queue, "note", "n1", entity.OperationCreate)
	mustEnqueue(t, queue, "note", "n1", entity.OperationDelete)

	count, err := queue.PendingCount(context.Background())
	if err != nil {
		t.Fatalf("unexpected count error: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected create+delete to collapse to nothing, got %d pending", count)
	}
}

func TestEnqueueDeleteReplacesPendingUpdate(t *testing.T) {
	queue, _, _ := newTestQueue(t)

	mustEnqueue(t, queue, "note", "n1", entity.OperationUpdate)
	mustEnqueue(t, queue, "note", "n1", entity.OperationDelete)

	batch, err := queue.DequeueBatch(context.Background(), mustType(t, "note"), 10)
	if err != nil {
		t.Fatalf("unexpected dequeue error: %v", err)
	}
	if len(batch) != 1 {
		t.Fatalf("expected a single collapsed change, got %d", len(batch))
	}
	if batch[0].Operation != entity.OperationDelete.String() {
		t.Fatalf("expected pure delete, got %s", batch[0].Operation)
	}
}

func TestEnqueueUpdateOverPendingCreateStaysCreate(t *testing.T) {
	queue, _, _ := newTestQueue(t)

	mustEnqueue(t, queue, "note", "n1", entity.OperationCreate)
	mustEnqueue(t, queue, "note", "n1", entity.OperationUpdate)

	batch, err := queue.DequeueBatch(context.Background(), mustType(t, "note"), 10)
	if err != nil {
		t.Fatalf("unexpected dequeue error: %v", err)
	}
	if len(batch) != 1 {
		t.Fatalf("expected one change, got %d", len(batch))
	}
	if batch[0].Operation != entity.OperationCreate.String() {
		t.Fatalf("never-synced entity must still arrive as create, got %s", batch[0].Operation)
	}
}

func TestEnqueueKeepsFIFOPositionWhenCoalescing(t *testing.T) {
	queue, _, clock := newTestQueue(t)

	mustEnqueue(t, queue, "note", "n1", entity.OperationUpdate)
	clock.Advance(time.Millisecond)
	mustEnqueue(t, queue, "note", "n2", entity.OperationUpdate)
	clock.Advance(time.Millisecond)
	mustEnqueue(t, queue, "note", "n1", entity.OperationUpdate)

	batch, err := queue.DequeueBatch(context.Background(), mustType(t, "note"), 10)
	if err != nil {
		t.Fatalf("unexpected dequeue error: %v", err)
	}
	if len(batch) != 2 {
		t.Fatalf("expected 2 changes, got %d", len(batch))
	}
	if batch[0].EntityID != "n1" || batch[1].EntityID != "n2" {
		t.Fatalf("coalescing must keep original enqueue order, got %s then %s", batch[0].EntityID, batch[1].EntityID)
	}
}

func TestAckRemovesChange(t *testing.T) {
	queue, _, _ := newTestQueue(t)

	mustEnqueue(t, queue, "note", "n1", entity.OperationCreate)
	batch, err := queue.DequeueBatch(context.Background(), mustType(t, "note"), 10)
	if err != nil {
		t.Fatalf("unexpected dequeue error: %v", err)
	}

	if err := queue.Ack(context.Background(), batch[0].ChangeID); err != nil {
		t.Fatalf("unexpected ack error: %v", err)
	}

	count, err := queue.PendingCount(context.Background())
	if err != nil {
		t.Fatalf("unexpected count error: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected empty queue after ack, got %d", count)
	}
}

func TestRequeueIncrementsAttemptAndParksChange(t *testing.T) {
	queue, db, clock := newTestQueue(t)

	mustEnqueue(t, queue, "note", "n1", entity.OperationCreate)
	batch, err := queue.DequeueBatch(context.Background(), mustType(t, "note"), 10)
	if err != nil {
		t.Fatalf("unexpected dequeue error: %v", err)
	}

	classified := syncerr.New(syncerr.KindServer, "server error 503")
	nextAttempt := clock.Now().Add(2 * time.Second)
	if err := queue.Requeue(context.Background(), batch[0].ChangeID, classified, nextAttempt); err != nil {
		t.Fatalf("unexpected requeue error: %v", err)
	}

	var stored PendingChange
	if err := db.Take(&stored, "change_id = ?", batch[0].ChangeID).Error; err != nil {
		t.Fatalf("failed to load requeued change: %v", err)
	}
	if stored.AttemptCount != 1 {
		t.Fatalf("expected attempt count 1, got %d", stored.AttemptCount)
	}
	if stored.LastErrorKind != syncerr.KindServer.String() {
		t.Fatalf("expected recorded error kind, got %q", stored.LastErrorKind)
	}

	// Parked until its next attempt time.
	due, err := queue.DequeueBatch(context.Background(), mustType(t, "note"), 10)
	if err != nil {
		t.Fatalf("unexpected dequeue error: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("expected parked change to be skipped, got %d", len(due))
	}

	clock.Advance(3 * time.Second)
	due, err = queue.DequeueBatch(context.Background(), mustType(t, "note"), 10)
	if err != nil {
		t.Fatalf("unexpected dequeue error: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("expected change due after delay, got %d", len(due))
	}
}

func TestRequeueOfRemovedChangeIsIdempotent(t *testing.T) {
	queue, _, clock := newTestQueue(t)

	classified := syncerr.New(syncerr.KindNetwork, "connection failed")
	if err := queue.Requeue(context.Background(), "change-missing", classified, clock.Now()); err != nil {
		t.Fatalf("requeue of absent change must be a no-op, got %v", err)
	}
}

func TestDiscardRemovesChangeTerminally(t *testing.T) {
	queue, _, _ := newTestQueue(t)

	mustEnqueue(t, queue, "note", "n1", entity.OperationCreate)
	batch, err := queue.DequeueBatch(context.Background(), mustType(t, "note"), 10)
	if err != nil {
		t.Fatalf("unexpected dequeue error: %v", err)
	}

	if err := queue.Discard(context.Background(), batch[0].ChangeID, "non-retryable client/server error"); err != nil {
		t.Fatalf("unexpected discard error: %v", err)
	}

	count, err := queue.PendingCount(context.Background())
	if err != nil {
		t.Fatalf("unexpected count error: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected empty queue after discard, got %d", count)
	}
}

func TestPendingCountByTypeAndDueTypes(t *testing.T) {
	queue, _, _ := newTestQueue(t)

	mustEnqueue(t, queue, "note", "n1", entity.OperationCreate)
	mustEnqueue(t, queue, "note", "n2", entity.OperationCreate)
	mustEnqueue(t, queue, "task", "t1", entity.OperationUpdate)

	counts, err := queue.PendingCountByType(context.Background())
	if err != nil {
		t.Fatalf("unexpected count error: %v", err)
	}
	if counts["note"] != 2 || counts["task"] != 1 {
		t.Fatalf("unexpected counts: %#v", counts)
	}

	types, err := queue.DueEntityTypes(context.Background())
	if err != nil {
		t.Fatalf("unexpected due types error: %v", err)
	}
	if len(types) != 2 || types[0] != "note" || types[1] != "task" {
		t.Fatalf("unexpected due types: %#v", types)
	}
}

func TestQueueSurvivesReopen(t *testing.T) {
	queue, db, _ := newTestQueue(t)

	mustEnqueue(t, queue, "note", "n1", entity.OperationCreate)
	mustEnqueue(t, queue, "task", "t1", entity.OperationDelete)

	// A fresh queue over the same database sees the same pending work, so a
	// crashed cycle resumes where it left off.
	reopened, err := NewQueue(QueueConfig{
		Database:   db,
		IDProvider: &sequenceIDGenerator{next: 100},
	})
	if err != nil {
		t.Fatalf("failed to rebuild queue: %v", err)
	}

	count, err := reopened.PendingCount(context.Background())
	if err != nil {
		t.Fatalf("unexpected count error: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 pending changes after reopen, got %d", count)
	}
}
