package db

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store is the gorm-backed persistence layer shared by the order machine,
// the batch accumulator and the bridge DLQ. All authoritative state lives
// here; callers must not cache rows across requests.
type Store struct {
	DB *gorm.DB
}

func NewStore(gdb *gorm.DB) *Store {
	return &Store{DB: gdb}
}

// --- orders ---

// GetOrder returns nil, nil when no order exists for the charge id.
func (s *Store) GetOrder(ctx context.Context, chargeID string) (*Order, error) {
	var o Order
	err := s.DB.WithContext(ctx).Where("charge_id = ?", chargeID).First(&o).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (s *Store) CreateOrder(ctx context.Context, o *Order) error {
	return s.DB.WithContext(ctx).Create(o).Error
}

// Transition applies a compare-and-set status change under a row lock.
// Returns false without touching the row when the current status is not in
// from, so concurrent webhook and poller calls for the same charge cannot
// both win.
func (s *Store) Transition(ctx context.Context, chargeID string, from []string, to string, set map[string]interface{}) (bool, error) {
	applied := false

	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var o Order
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("charge_id = ?", chargeID).First(&o).Error; err != nil {
			return err
		}

		legal := false
		for _, f := range from {
			if o.Status == f {
				legal = true
				break
			}
		}
		if !legal {
			return nil
		}

		updates := map[string]interface{}{"status": to}
		for k, v := range set {
			updates[k] = v
		}
		if err := tx.Model(&Order{}).Where("charge_id = ?", chargeID).Updates(updates).Error; err != nil {
			return err
		}

		applied = true
		return nil
	})

	return applied, err
}

// ListCreatedBetween returns orders still in CREATED whose creation time is
// inside (oldest, newest], oldest first. Used by the reconciliation poller.
func (s *Store) ListCreatedBetween(ctx context.Context, oldest, newest time.Time, limit int) ([]Order, error) {
	var orders []Order
	err := s.DB.WithContext(ctx).
		Where("status = ?", StatusCreated).
		Where("created_at > ? AND created_at <= ?", oldest, newest).
		Order("created_at ASC").
		Limit(limit).
		Find(&orders).Error
	return orders, err
}

func (s *Store) SetBridgeStatus(ctx context.Context, chargeID, status string) error {
	return s.DB.WithContext(ctx).Model(&Order{}).
		Where("charge_id = ?", chargeID).
		Update("bridge_status", status).Error
}

func (s *Store) SetBridgeAttempts(ctx context.Context, chargeID string, attempts int) error {
	return s.DB.WithContext(ctx).Model(&Order{}).
		Where("charge_id = ?", chargeID).
		Update("bridge_attempts", attempts).Error
}

// FillCustomerRef sets customer_ref only when it is still empty. Webhook
// payloads may carry buyer data the charge-creation path did not have.
func (s *Store) FillCustomerRef(ctx context.Context, chargeID, ref string) error {
	return s.DB.WithContext(ctx).Model(&Order{}).
		Where("charge_id = ? AND (customer_ref = '' OR customer_ref IS NULL)", chargeID).
		Update("customer_ref", ref).Error
}

func (s *Store) ListByStatus(ctx context.Context, status string, limit int) ([]Order, error) {
	var orders []Order
	err := s.DB.WithContext(ctx).
		Where("status = ?", status).
		Order("created_at ASC").
		Limit(limit).
		Find(&orders).Error
	return orders, err
}

func (s *Store) CountByStatus(ctx context.Context) (map[string]int64, error) {
	var rows []struct {
		Status string
		N      int64
	}
	err := s.DB.WithContext(ctx).Model(&Order{}).
		Select("status, count(*) as n").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int64, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.N
	}
	return counts, nil
}

// --- batches ---

// OpenOrCreateBatch returns the most recent batch with anchored_at IS NULL,
// creating one inside the same transaction when none exists. The row lock
// serializes concurrent assigners across replicas so only one open batch
// exists at a time.
func (s *Store) OpenOrCreateBatch(ctx context.Context) (*Batch, error) {
	var b Batch
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("anchored_at IS NULL").
			Order("created_at DESC").
			First(&b).Error
		if err == gorm.ErrRecordNotFound {
			b = Batch{}
			return tx.Create(&b).Error
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// OpenBatchWithOrders is OpenBatch restricted to batches that have at least
// one assigned order, for the anchor job.
func (s *Store) OpenBatchWithOrders(ctx context.Context) (*Batch, error) {
	var b Batch
	err := s.DB.WithContext(ctx).
		Where("anchored_at IS NULL AND batch_size > 0").
		Order("created_at DESC").
		First(&b).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *Store) AssignOrderToBatch(ctx context.Context, chargeID string, batchID uint) error {
	return s.DB.WithContext(ctx).Model(&Order{}).
		Where("charge_id = ?", chargeID).
		Update("batch_id", batchID).Error
}

func (s *Store) RefreshBatchSize(ctx context.Context, batchID uint) (int, error) {
	var n int64
	if err := s.DB.WithContext(ctx).Model(&Order{}).
		Where("batch_id = ?", batchID).
		Count(&n).Error; err != nil {
		return 0, err
	}
	if err := s.DB.WithContext(ctx).Model(&Batch{}).
		Where("id = ?", batchID).
		Update("batch_size", n).Error; err != nil {
		return 0, err
	}
	return int(n), nil
}

// SettledTxHashes collects the settlement tx hashes of every order assigned
// to the batch. Orders not yet settled on-chain have no hash and are skipped.
func (s *Store) SettledTxHashes(ctx context.Context, batchID uint) ([]string, error) {
	var hashes []string
	err := s.DB.WithContext(ctx).Model(&Order{}).
		Where("batch_id = ? AND tx_hash IS NOT NULL", batchID).
		Pluck("tx_hash", &hashes).Error
	return hashes, err
}

func (s *Store) MarkBatchAnchored(ctx context.Context, batchID uint, root, anchorTx, checkpoint string, at time.Time) error {
	return s.DB.WithContext(ctx).Model(&Batch{}).
		Where("id = ?", batchID).
		Updates(map[string]interface{}{
			"merkle_root":     root,
			"anchor_tx_hash":  anchorTx,
			"checkpoint_hash": checkpoint,
			"anchored_at":     at,
		}).Error
}

// --- dead-letter queue ---

func (s *Store) AppendDLQ(ctx context.Context, e *DLQEntry) error {
	return s.DB.WithContext(ctx).Create(e).Error
}

func (s *Store) ListDLQ(ctx context.Context, limit int) ([]DLQEntry, error) {
	var entries []DLQEntry
	err := s.DB.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}
