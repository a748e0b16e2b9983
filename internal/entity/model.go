package entity

import (
	"errors"
	"fmt"
	"strings"
)

// Operation enumerates queued mutation operations.
type Operation string

const (
	// OperationCreate pushes a locally created entity for the first time.
	OperationCreate Operation = "create"
	// OperationUpdate pushes new state for an already synced entity.
	OperationUpdate Operation = "update"
	// OperationDelete propagates a local deletion to the remote.
	OperationDelete Operation = "delete"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidEntityType indicates that an entity type is empty or exceeds storage bounds.
	ErrInvalidEntityType = errors.New("entity: invalid entity type")
	// ErrInvalidLocalID indicates that a local identifier is empty or exceeds storage bounds.
	ErrInvalidLocalID = errors.New("entity: invalid local id")
	// ErrInvalidOperation indicates an operation outside the closed set.
	ErrInvalidOperation = errors.New("entity: invalid operation")
	// ErrInvalidTimestamp indicates that a millisecond timestamp is not positive.
	ErrInvalidTimestamp = errors.New("entity: invalid timestamp")
)

// EntityType represents a validated entity type discriminator.
type EntityType string

// NewEntityType validates raw input and returns an EntityType.
func NewEntityType(rawInput string) (EntityType, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidEntityType)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidEntityType, maxIdentifierLength)
	}
	return EntityType(trimmed), nil
}

// String returns the underlying string discriminator.
func (t EntityType) String() string {
	return string(t)
}

// LocalID represents a validated locally assigned entity identifier.
type LocalID string

// NewLocalID validates raw input and returns a LocalID.
func NewLocalID(rawInput string) (LocalID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidLocalID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidLocalID, maxIdentifierLength)
	}
	return LocalID(trimmed), nil
}

// String returns the underlying string identifier.
func (id LocalID) String() string {
	return string(id)
}

// NewOperation validates raw input and returns an Operation.
func NewOperation(rawInput string) (Operation, error) {
	switch Operation(strings.TrimSpace(rawInput)) {
	case OperationCreate:
		return OperationCreate, nil
	case OperationUpdate:
		return OperationUpdate, nil
	case OperationDelete:
		return OperationDelete, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidOperation, rawInput)
	}
}

// String returns the operation's wire identifier.
func (op Operation) String() string {
	return string(op)
}

// MillisTimestamp represents a validated unix timestamp in milliseconds.
type MillisTimestamp int64

// NewMillisTimestamp validates the value and returns a MillisTimestamp.
func NewMillisTimestamp(value int64) (MillisTimestamp, error) {
	if value <= 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidTimestamp, value)
	}
	return MillisTimestamp(value), nil
}

// Int64 exposes the raw millisecond value.
func (ts MillisTimestamp) Int64() int64 {
	return int64(ts)
}

// Entity models a syncable domain record with its reconciliation metadata.
// LocalID is assigned at creation and owned by the local store; ServerID stays
// nil until the first successful push and never changes once assigned.
type Entity struct {
	EntityType  string  `gorm:"column:entity_type;primaryKey;size:190;not null;index:idx_entities_server,priority:1"`
	LocalID     string  `gorm:"column:local_id;primaryKey;size:190;not null"`
	ServerID    *string `gorm:"column:server_id;size:190;index:idx_entities_server,priority:2"`
	UpdatedAtMs int64   `gorm:"column:updated_at_ms;not null"`
	PayloadJSON string  `gorm:"column:payload_json;type:text;not null"`
	IsDeleted   bool    `gorm:"column:is_deleted;not null;default:false"`
}

// TableName provides the explicit table binding for GORM.
func (Entity) TableName() string {
	return "entities"
}

// Synced reports whether the entity has ever been confirmed by the remote.
func (e Entity) Synced() bool {
	return e.ServerID != nil && *e.ServerID != ""
}
