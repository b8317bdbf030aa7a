package models

import (
	"time"

	"github.com/google/uuid"
)

// CallbackReceipt is the idempotency record for callback
// deliveries. The (run_id, callback_id) pair is unique;
// a redelivered callback replays the stored outcome
// instead of re-processing. Receipts are swept after a
// retention window, off the hot path.
type CallbackReceipt struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	RunID      uuid.UUID `gorm:"type:uuid;uniqueIndex:idx_receipt_dedup;not null"`
	CallbackID string    `gorm:"type:text;uniqueIndex:idx_receipt_dedup;not null"`
	// Outcome is the receiver outcome recorded on first
	// processing: applied, noop_terminal, or replayed.
	Outcome   string    `gorm:"type:text;not null"`
	RunStatus RunStatus `gorm:"type:text;not null"`
	ResultURI string    `gorm:"type:text"`
	CreatedAt time.Time `gorm:"index;not null"`
}

// IdempotencyKey prevents duplicate submission requests
// from creating duplicate runs. Keyed by the caller plus a
// client-supplied key; short-lived, swept on a schedule.
type IdempotencyKey struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	Key       string    `gorm:"type:text;uniqueIndex:idx_idem_caller_key;not null"`
	Caller    string    `gorm:"type:text;uniqueIndex:idx_idem_caller_key;not null"`
	RunID     uuid.UUID `gorm:"type:uuid;not null"`
	ExpiresAt time.Time `gorm:"index;not null"`
	CreatedAt time.Time `gorm:"not null"`
}
