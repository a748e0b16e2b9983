package transport

import (
	"context"

	"github.com/MarcoPoloResearchLab/driftsync/internal/entity"
)

// RemoteEntity is the remote's copy of one synced record as seen on the wire.
type RemoteEntity struct {
	ServerID    string `json:"server_id"`
	LocalID     string `json:"local_id,omitempty"`
	UpdatedAtMs int64  `json:"updated_at_ms"`
	PayloadJSON string `json:"payload_json"`
	Deleted     bool   `json:"deleted,omitempty"`
	DeletedAtMs int64  `json:"deleted_at_ms,omitempty"`
}

// ToEntity converts the wire representation into the local model, keeping the
// provided local identifier when the remote did not echo one.
func (r RemoteEntity) ToEntity(entityType entity.EntityType, localID entity.LocalID) entity.Entity {
	resolvedLocalID := r.LocalID
	if resolvedLocalID == "" {
		resolvedLocalID = localID.String()
	}
	serverID := r.ServerID
	return entity.Entity{
		EntityType:  entityType.String(),
		LocalID:     resolvedLocalID,
		ServerID:    &serverID,
		UpdatedAtMs: r.UpdatedAtMs,
		PayloadJSON: r.PayloadJSON,
		IsDeleted:   r.Deleted,
	}
}

// Client is the remote transport the engine pushes and pulls through. Push
// carries the change identifier so the remote can deduplicate at-least-once
// deliveries. On a version conflict, Push returns the remote's current copy
// together with a conflict-classified error so the caller can resolve without
// an extra round trip.
type Client interface {
	Push(ctx context.Context, entityType entity.EntityType, operation entity.Operation, record entity.Entity, changeID string) (RemoteEntity, error)
	Pull(ctx context.Context, entityType entity.EntityType, sinceMs int64) ([]RemoteEntity, error)
}
