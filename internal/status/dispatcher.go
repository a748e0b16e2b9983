package status

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// CycleOutcome enumerates how a sync cycle ended.
type CycleOutcome string

const (
	// CycleCompleted indicates the cycle drained its work.
	CycleCompleted CycleOutcome = "completed"
	// CycleAborted indicates the cycle observed cancellation mid-flight.
	CycleAborted CycleOutcome = "aborted"
)

// CycleStats aggregates one sync cycle. It is emitted to subscribers at cycle
// end and not persisted beyond the log sink.
type CycleStats struct {
	StartedAt         time.Time
	Duration          time.Duration
	Outcome           CycleOutcome
	Synced            int
	Retried           int
	Failed            int
	ConflictsResolved int
	Pulled            int
}

// EventKind enumerates user-actionable sync events.
type EventKind string

const (
	// EventAuthenticationRequired asks the user to re-authenticate.
	EventAuthenticationRequired EventKind = "authentication_required"
	// EventPersistentFailure reports a change discarded after a terminal failure.
	EventPersistentFailure EventKind = "persistent_failure"
)

// Event is one user-actionable notification.
type Event struct {
	Kind       EventKind
	EntityType string
	EntityID   string
	Reason     string
}

func (e Event) dedupKey() string {
	return fmt.Sprintf("%s|%s|%s", e.Kind, e.EntityType, e.EntityID)
}

// Dispatcher fans out cycle stats and user-actionable events to subscribers.
// The stats stream uses bounded buffers and drops when a subscriber lags; the
// event stream delivers at most once per unresolved condition, so the user is
// not re-notified every cycle about the same stuck entity.
type Dispatcher struct {
	mu               sync.RWMutex
	statsSubscribers map[int64]chan CycleStats
	eventSubscribers map[int64]chan Event
	seenEvents       map[string]struct{}
	lastStats        *CycleStats
	nextID           int64
	bufferSize       int
}

// NewDispatcher constructs a Dispatcher with bounded subscriber buffers.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		statsSubscribers: make(map[int64]chan CycleStats),
		eventSubscribers: make(map[int64]chan Event),
		seenEvents:       make(map[string]struct{}),
		bufferSize:       16,
	}
}

// SubscribeStats returns a stream of per-cycle stats. The subscription ends
// when ctx is cancelled or the returned cleanup runs.
func (d *Dispatcher) SubscribeStats(ctx context.Context) (<-chan CycleStats, func()) {
	stream := make(chan CycleStats, d.bufferSize)
	id := d.register(func() { d.statsSubscribers[d.nextID] = stream })
	cleanup := func() {
		d.mu.Lock()
		delete(d.statsSubscribers, id)
		d.mu.Unlock()
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return stream, cleanup
}

// SubscribeEvents returns a stream of user-actionable events.
func (d *Dispatcher) SubscribeEvents(ctx context.Context) (<-chan Event, func()) {
	stream := make(chan Event, d.bufferSize)
	id := d.register(func() { d.eventSubscribers[d.nextID] = stream })
	cleanup := func() {
		d.mu.Lock()
		delete(d.eventSubscribers, id)
		d.mu.Unlock()
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return stream, cleanup
}

func (d *Dispatcher) register(attach func()) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	attach()
	return d.nextID
}

// PublishStats delivers cycle stats to every subscriber, dropping for
// subscribers whose buffer is full, and records them as the latest snapshot.
func (d *Dispatcher) PublishStats(stats CycleStats) {
	d.mu.Lock()
	statsCopy := stats
	d.lastStats = &statsCopy
	subscribers := make([]chan CycleStats, 0, len(d.statsSubscribers))
	for _, stream := range d.statsSubscribers {
		subscribers = append(subscribers, stream)
	}
	d.mu.Unlock()

	for _, stream := range subscribers {
		select {
		case stream <- stats:
		default:
		}
	}
}

// LastStats returns the most recently published cycle stats, or nil before
// the first completed cycle.
func (d *Dispatcher) LastStats() *CycleStats {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.lastStats == nil {
		return nil
	}
	statsCopy := *d.lastStats
	return &statsCopy
}

// PublishEvent delivers a user-actionable event at most once per unresolved
// condition. It reports whether the event was actually emitted.
func (d *Dispatcher) PublishEvent(event Event) bool {
	key := event.dedupKey()

	d.mu.Lock()
	if _, seen := d.seenEvents[key]; seen {
		d.mu.Unlock()
		return false
	}
	d.seenEvents[key] = struct{}{}
	subscribers := make([]chan Event, 0, len(d.eventSubscribers))
	for _, stream := range d.eventSubscribers {
		subscribers = append(subscribers, stream)
	}
	d.mu.Unlock()

	for _, stream := range subscribers {
		select {
		case stream <- event:
		default:
		}
	}
	return true
}

// ResolveEntity clears the dedup state for an entity after a successful sync,
// so a future failure of the same entity notifies again.
func (d *Dispatcher) ResolveEntity(entityType, entityID string) {
	d.mu.Lock()
	delete(d.seenEvents, Event{Kind: EventPersistentFailure, EntityType: entityType, EntityID: entityID}.dedupKey())
	d.mu.Unlock()
}

// ResolveAuthentication clears the dedup state for the authentication
// notification once a push succeeds again.
func (d *Dispatcher) ResolveAuthentication() {
	d.mu.Lock()
	delete(d.seenEvents, Event{Kind: EventAuthenticationRequired}.dedupKey())
	d.mu.Unlock()
}
