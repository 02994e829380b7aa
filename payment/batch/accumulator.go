// Batch accumulator and Merkle anchor: groups settled orders into batches
// and periodically commits the batch's Merkle root to the ledger.

package batch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"flowpay/payment/db"
	"flowpay/payment/ledger"
	"flowpay/payment/proof"
)

// Store is the persistence slice the accumulator needs. Implemented by
// payment/db.Store.
type Store interface {
	GetOrder(ctx context.Context, chargeID string) (*db.Order, error)
	OpenOrCreateBatch(ctx context.Context) (*db.Batch, error)
	OpenBatchWithOrders(ctx context.Context) (*db.Batch, error)
	AssignOrderToBatch(ctx context.Context, chargeID string, batchID uint) error
	RefreshBatchSize(ctx context.Context, batchID uint) (int, error)
	SettledTxHashes(ctx context.Context, batchID uint) ([]string, error)
	MarkBatchAnchored(ctx context.Context, batchID uint, root, anchorTx, checkpoint string, at time.Time) error
}

type AnchorResult struct {
	BatchID      uint   `json:"batch_id"`
	MerkleRoot   string `json:"merkle_root"`
	AnchorTxHash string `json:"anchor_tx_hash"`
	Checkpoint   string `json:"checkpoint"`
	BatchSize    int    `json:"batch_size"`
}

type Accumulator struct {
	store  Store
	writer ledger.Writer

	mu  sync.Mutex // one anchor run at a time per process
	now func() time.Time
}

func NewAccumulator(store Store, writer ledger.Writer) *Accumulator {
	return &Accumulator{store: store, writer: writer, now: time.Now}
}

// AssignToOpenBatch links the order to the latest open batch, creating one
// when none exists, and refreshes the batch size. Idempotent: an order that
// already carries a batch id keeps it.
func (a *Accumulator) AssignToOpenBatch(ctx context.Context, chargeID string) (uint, error) {
	o, err := a.store.GetOrder(ctx, chargeID)
	if err != nil {
		return 0, err
	}
	if o == nil {
		return 0, fmt.Errorf("batch assignment: order %s not found", chargeID)
	}
	if o.BatchID != nil {
		return *o.BatchID, nil
	}

	b, err := a.store.OpenOrCreateBatch(ctx)
	if err != nil {
		return 0, err
	}

	if err := a.store.AssignOrderToBatch(ctx, chargeID, b.ID); err != nil {
		return 0, err
	}
	if _, err := a.store.RefreshBatchSize(ctx, b.ID); err != nil {
		return 0, err
	}
	return b.ID, nil
}

// AnchorOpenBatch builds the Merkle tree over the settled transaction hashes
// of the open batch and writes the root to the ledger. Returns nil, nil when
// no batch qualifies. A ledger failure is surfaced to the caller but leaves
// every order and the batch untouched.
func (a *Accumulator) AnchorOpenBatch(ctx context.Context) (*AnchorResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	b, err := a.store.OpenBatchWithOrders(ctx)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, nil
	}

	hashes, err := a.store.SettledTxHashes(ctx, b.ID)
	if err != nil {
		return nil, err
	}
	if len(hashes) == 0 {
		log.Printf("anchor: batch %d has no settled tx hashes yet", b.ID)
		return nil, nil
	}

	tree, err := proof.NewTree(hashes)
	if err != nil {
		return nil, fmt.Errorf("anchor: merkle build for batch %d: %w", b.ID, err)
	}
	root := tree.Root()

	now := a.now()
	checkpoint := checkpointHash(root, now, b.ID)

	result, err := a.writer.WriteProof(ctx, ledger.ProofRequest{
		Ref:   fmt.Sprintf("poe_batch_%d", b.ID),
		TxRef: "0x" + checkpoint,
		Metadata: map[string]interface{}{
			"type":       "poe_batch_anchor",
			"batchId":    b.ID,
			"merkleRoot": root,
			"batchSize":  len(hashes),
			"checkpoint": checkpoint,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("anchor: ledger write for batch %d: %w", b.ID, err)
	}

	if err := a.store.MarkBatchAnchored(ctx, b.ID, root, result.TxHash, checkpoint, now); err != nil {
		return nil, err
	}

	log.Printf("anchor: batch %d anchored root=%s tx=%s", b.ID, root, result.TxHash)
	return &AnchorResult{
		BatchID:      b.ID,
		MerkleRoot:   root,
		AnchorTxHash: result.TxHash,
		Checkpoint:   checkpoint,
		BatchSize:    len(hashes),
	}, nil
}

// checkpointHash binds the root to the anchor time and batch id as an
// anti-replay value.
func checkpointHash(root string, at time.Time, batchID uint) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s-%d-%d", root, at.UnixMilli(), batchID)))
	return hex.EncodeToString(sum[:])
}

// StartAnchorLoop anchors the open batch on a jittered interval until ctx is
// cancelled. Overlap protection comes from the accumulator mutex.
func (a *Accumulator) StartAnchorLoop(ctx context.Context, interval time.Duration) {
	for {
		wait := interval + time.Duration(rand.Int63n(int64(interval)/10+1))
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		if _, err := a.AnchorOpenBatch(ctx); err != nil {
			log.Println("anchor: scheduled run failed:", err)
		}
	}
}
