package db

import "time"

// Order status values. Transitions only move forward along
// CREATED → PIX_PAID → PENDING_REVIEW → {APPROVED | SETTLEMENT_FAILED} → SETTLED → COMPLETED.
const (
	StatusCreated          = "CREATED"
	StatusPixPaid          = "PIX_PAID"
	StatusPendingReview    = "PENDING_REVIEW"
	StatusApproved         = "APPROVED"
	StatusSettlementFailed = "SETTLEMENT_FAILED"
	StatusSettled          = "SETTLED"
	StatusCompleted        = "COMPLETED"
)

// Bridge delivery status. SENT is permanent and doubles as an idempotency guard.
const (
	BridgePending = "PENDING"
	BridgeSent    = "SENT"
	BridgeFailed  = "FAILED"
)

type Order struct {
	ID              uint      `gorm:"primaryKey"`
	ChargeID        string    `gorm:"size:64;uniqueIndex;not null"` // provider correlation id
	Amount          int64     // in cents
	Currency        string    `gorm:"size:8"`
	CustomerRef     string    `gorm:"size:128"`
	Status          string    `gorm:"size:32;index;not null"`
	BridgeStatus    string    `gorm:"size:16;not null;default:PENDING"`
	BridgeAttempts  int       // attempt counter, for observability
	BatchID         *uint     `gorm:"index"`
	TxHash          *string   `gorm:"size:66"` // settlement transaction hash
	SettlementError *string   `gorm:"size:512"`
	PixBRCode       string    `gorm:"size:1024"` // copy-paste payment code from the provider
	CreatedAt       time.Time `gorm:"index"`
	PaidAt          *time.Time
	ReviewedAt      *time.Time
	SettledAt       *time.Time
	UpdatedAt       time.Time
}

type Batch struct {
	ID             uint    `gorm:"primaryKey"`
	MerkleRoot     *string `gorm:"size:66"` // 0x-prefixed, null until anchored
	BatchSize      int
	AnchorTxHash   *string `gorm:"size:66"`
	CheckpointHash *string `gorm:"size:64"`
	CreatedAt      time.Time
	AnchoredAt     *time.Time `gorm:"index"` // null means the batch is still open
}

// DLQEntry records a bridge delivery that exhausted all retries.
// Append-only; consumed by manual replay tooling.
type DLQEntry struct {
	ID          uint   `gorm:"primaryKey"`
	ChargeID    string `gorm:"size:64;index;not null"`
	CustomerRef string `gorm:"size:128"`
	Error       string `gorm:"size:512"`
	CreatedAt   time.Time
}

func (DLQEntry) TableName() string { return "dlq_entries" }
