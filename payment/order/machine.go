// Order state machine. Every status change goes through the compare-and-set
// transition in the store, so concurrent webhook and poller deliveries for
// the same charge resolve to exactly one applied transition.

package order

import (
	"context"
	"errors"
	"time"

	"flowpay/payment/db"
)

var (
	ErrOrderNotFound     = errors.New("order not found")
	ErrIllegalTransition = errors.New("illegal status transition")
)

// Store is the persistence the order machine needs. Implemented by
// payment/db.Store; tests use an in-memory fake.
type Store interface {
	GetOrder(ctx context.Context, chargeID string) (*db.Order, error)
	CreateOrder(ctx context.Context, o *db.Order) error
	Transition(ctx context.Context, chargeID string, from []string, to string, set map[string]interface{}) (bool, error)
	ListCreatedBetween(ctx context.Context, oldest, newest time.Time, limit int) ([]db.Order, error)
	ListByStatus(ctx context.Context, status string, limit int) ([]db.Order, error)
	SetBridgeStatus(ctx context.Context, chargeID, status string) error
	SetBridgeAttempts(ctx context.Context, chargeID string, attempts int) error
	FillCustomerRef(ctx context.Context, chargeID, ref string) error
}

// paidTerminal holds the statuses at or past PIX_PAID: once an order reaches
// one of these via the paid-event path, further paid deliveries are no-ops.
// SETTLEMENT_FAILED is deliberately absent; the CREATED compare-and-set
// already rejects it.
var paidTerminal = map[string]bool{
	db.StatusPixPaid:       true,
	db.StatusPendingReview: true,
	db.StatusApproved:      true,
	db.StatusSettled:       true,
	db.StatusCompleted:     true,
}

type Service struct {
	store Store
	now   func() time.Time
}

func NewService(store Store) *Service {
	return &Service{store: store, now: time.Now}
}

func (s *Service) Get(ctx context.Context, chargeID string) (*db.Order, error) {
	o, err := s.store.GetOrder(ctx, chargeID)
	if err != nil {
		return nil, err
	}
	if o == nil {
		return nil, ErrOrderNotFound
	}
	return o, nil
}

func (s *Service) Create(ctx context.Context, chargeID string, amount int64, currency, customerRef, brCode string) (*db.Order, error) {
	o := &db.Order{
		ChargeID:     chargeID,
		Amount:       amount,
		Currency:     currency,
		CustomerRef:  customerRef,
		PixBRCode:    brCode,
		Status:       db.StatusCreated,
		BridgeStatus: db.BridgePending,
	}
	if err := s.store.CreateOrder(ctx, o); err != nil {
		return nil, err
	}
	return o, nil
}

// ApplyPaidEvent is the single transition path for provider paid events,
// shared by the webhook ingestor and the reconciliation poller. It returns
// applied=false without side effects when the idempotency guard trips: the
// order is already at or past PIX_PAID, or the bridge has already delivered.
// On applied=true the order is advanced to PIX_PAID and then immediately to
// PENDING_REVIEW (assisted settlement review is the default path), and the
// caller is expected to chain bridge notification and batch assignment.
func (s *Service) ApplyPaidEvent(ctx context.Context, chargeID string, paidAt time.Time) (bool, error) {
	o, err := s.store.GetOrder(ctx, chargeID)
	if err != nil {
		return false, err
	}
	if o == nil {
		return false, ErrOrderNotFound
	}
	if paidTerminal[o.Status] || o.BridgeStatus == db.BridgeSent {
		return false, nil
	}

	if paidAt.IsZero() {
		paidAt = s.now()
	}

	applied, err := s.store.Transition(ctx, chargeID,
		[]string{db.StatusCreated}, db.StatusPixPaid,
		map[string]interface{}{"paid_at": paidAt})
	if err != nil || !applied {
		return false, err
	}

	if _, err := s.store.Transition(ctx, chargeID,
		[]string{db.StatusPixPaid}, db.StatusPendingReview, nil); err != nil {
		return true, err
	}
	return true, nil
}

// Approve moves an order out of manual review.
func (s *Service) Approve(ctx context.Context, chargeID string) error {
	return s.transitionOrFail(ctx, chargeID,
		[]string{db.StatusPendingReview}, db.StatusApproved,
		map[string]interface{}{"reviewed_at": s.now()})
}

// MarkSettled records the on-chain settlement transaction produced by the
// settlement executor.
func (s *Service) MarkSettled(ctx context.Context, chargeID, txHash string) error {
	return s.transitionOrFail(ctx, chargeID,
		[]string{db.StatusApproved}, db.StatusSettled,
		map[string]interface{}{"tx_hash": txHash, "settled_at": s.now()})
}

func (s *Service) MarkSettlementFailed(ctx context.Context, chargeID, reason string) error {
	return s.transitionOrFail(ctx, chargeID,
		[]string{db.StatusPendingReview, db.StatusApproved}, db.StatusSettlementFailed,
		map[string]interface{}{"settlement_error": reason})
}

// ResumeSettlement is the explicit operator action that takes an order out
// of SETTLEMENT_FAILED and back into the settlement path.
func (s *Service) ResumeSettlement(ctx context.Context, chargeID string) error {
	return s.transitionOrFail(ctx, chargeID,
		[]string{db.StatusSettlementFailed}, db.StatusApproved,
		map[string]interface{}{"settlement_error": nil})
}

// MarkBridgeSent records a successful bridge delivery and advances the order
// to COMPLETED. This is the only path to COMPLETED. The bridge can run ahead
// of settlement, so any post-paid status is a legal starting point.
func (s *Service) MarkBridgeSent(ctx context.Context, chargeID string) error {
	if err := s.store.SetBridgeStatus(ctx, chargeID, db.BridgeSent); err != nil {
		return err
	}
	_, err := s.store.Transition(ctx, chargeID,
		[]string{db.StatusPixPaid, db.StatusPendingReview, db.StatusApproved, db.StatusSettled},
		db.StatusCompleted, nil)
	return err
}

func (s *Service) MarkBridgeFailed(ctx context.Context, chargeID string) error {
	return s.store.SetBridgeStatus(ctx, chargeID, db.BridgeFailed)
}

func (s *Service) RecordBridgeAttempt(ctx context.Context, chargeID string, attempt int) error {
	return s.store.SetBridgeAttempts(ctx, chargeID, attempt)
}

// FillCustomerRef enriches an order with buyer data from a webhook payload,
// never overwriting an existing reference.
func (s *Service) FillCustomerRef(ctx context.Context, chargeID, ref string) error {
	if ref == "" {
		return nil
	}
	return s.store.FillCustomerRef(ctx, chargeID, ref)
}

func (s *Service) PendingReview(ctx context.Context, limit int) ([]db.Order, error) {
	return s.store.ListByStatus(ctx, db.StatusPendingReview, limit)
}

func (s *Service) transitionOrFail(ctx context.Context, chargeID string, from []string, to string, set map[string]interface{}) error {
	o, err := s.store.GetOrder(ctx, chargeID)
	if err != nil {
		return err
	}
	if o == nil {
		return ErrOrderNotFound
	}
	applied, err := s.store.Transition(ctx, chargeID, from, to, set)
	if err != nil {
		return err
	}
	if !applied {
		return ErrIllegalTransition
	}
	return nil
}
