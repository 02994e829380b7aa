package controllers

import (
	"context"

	"flowpay/payment/batch"
	"flowpay/payment/db"
	"flowpay/payment/ledger"
	"flowpay/payment/order"
)

// ChargeCreator is the slice of the provider client the charge endpoint
// uses.
type ChargeCreator interface {
	CreateCharge(ctx context.Context, chargeID string, value int64, comment string) (*order.CreatedCharge, error)
}

// Anchorer triggers a Merkle anchor run.
type Anchorer interface {
	AnchorOpenBatch(ctx context.Context) (*batch.AnchorResult, error)
}

// AdminStore backs the operator read endpoints.
type AdminStore interface {
	ListDLQ(ctx context.Context, limit int) ([]db.DLQEntry, error)
	CountByStatus(ctx context.Context) (map[string]int64, error)
}

type Config struct {
	WebhookSecret string   // provider HMAC secret; empty enables the probe path
	AllowedIPs    []string // provider webhook source allowlist; empty disables the check
}

// API holds the constructor-injected services behind the HTTP surface.
type API struct {
	Orders   *order.Service
	Provider ChargeCreator
	Bridge   order.Notifier
	Batches  order.Assigner
	Anchor   Anchorer
	Poller   *order.Poller
	Ledger   ledger.Writer
	Store    AdminStore
	Cfg      Config
}
