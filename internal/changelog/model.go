package changelog

// PendingChange is the durable record of one queued local mutation. A change
// stays queued across retries and process restarts; Ack, Requeue and Discard
// are the only operations that mutate it.
type PendingChange struct {
	ChangeID        string `gorm:"column:change_id;primaryKey;size:190;not null"`
	EntityType      string `gorm:"column:entity_type;size:190;not null;index:idx_pending_type_due,priority:1;uniqueIndex:idx_pending_entity,priority:1"`
	EntityID        string `gorm:"column:entity_id;size:190;not null;uniqueIndex:idx_pending_entity,priority:2"`
	Operation       string `gorm:"column:op;size:32;not null"`
	EnqueuedAtMs    int64  `gorm:"column:enqueued_at_ms;not null"`
	AttemptCount    int    `gorm:"column:attempt_count;not null;default:0"`
	LastErrorKind   string `gorm:"column:last_error_kind;size:64;not null;default:''"`
	LastErrorDetail string `gorm:"column:last_error_detail;type:text;not null;default:''"`
	NextAttemptAtMs int64  `gorm:"column:next_attempt_at_ms;not null;default:0;index:idx_pending_type_due,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (PendingChange) TableName() string {
	return "pending_changes"
}
