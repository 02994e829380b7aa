package batch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"flowpay/payment/db"
	"flowpay/payment/ledger"
	"flowpay/payment/proof"
)

type fakeBatchStore struct {
	mu      sync.Mutex
	orders  map[string]*db.Order
	batches []*db.Batch
	nextID  uint
}

func newFakeBatchStore() *fakeBatchStore {
	return &fakeBatchStore{orders: make(map[string]*db.Order), nextID: 1}
}

func (f *fakeBatchStore) addOrder(chargeID string, txHash *string, batchID *uint) {
	f.orders[chargeID] = &db.Order{ChargeID: chargeID, Status: db.StatusSettled, TxHash: txHash, BatchID: batchID}
}

func (f *fakeBatchStore) GetOrder(ctx context.Context, chargeID string) (*db.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[chargeID]
	if !ok {
		return nil, nil
	}
	cp := *o
	return &cp, nil
}

func (f *fakeBatchStore) openBatch() *db.Batch {
	for i := len(f.batches) - 1; i >= 0; i-- {
		if f.batches[i].AnchoredAt == nil {
			return f.batches[i]
		}
	}
	return nil
}

// atomic lookup-or-create, mirroring the transactional gorm store
func (f *fakeBatchStore) OpenOrCreateBatch(ctx context.Context) (*db.Batch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b := f.openBatch(); b != nil {
		cp := *b
		return &cp, nil
	}
	b := &db.Batch{ID: f.nextID, CreatedAt: time.Now()}
	f.nextID++
	f.batches = append(f.batches, b)
	cp := *b
	return &cp, nil
}

func (f *fakeBatchStore) OpenBatchWithOrders(ctx context.Context) (*db.Batch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := f.openBatch()
	if b == nil {
		return nil, nil
	}
	for _, o := range f.orders {
		if o.BatchID != nil && *o.BatchID == b.ID {
			cp := *b
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeBatchStore) AssignOrderToBatch(ctx context.Context, chargeID string, batchID uint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[chargeID]
	if !ok {
		return errors.New("order not found")
	}
	o.BatchID = &batchID
	return nil
}

func (f *fakeBatchStore) RefreshBatchSize(ctx context.Context, batchID uint) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, o := range f.orders {
		if o.BatchID != nil && *o.BatchID == batchID {
			count++
		}
	}
	for _, b := range f.batches {
		if b.ID == batchID {
			b.BatchSize = count
		}
	}
	return count, nil
}

func (f *fakeBatchStore) SettledTxHashes(ctx context.Context, batchID uint) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, o := range f.orders {
		if o.BatchID != nil && *o.BatchID == batchID && o.TxHash != nil {
			out = append(out, *o.TxHash)
		}
	}
	return out, nil
}

func (f *fakeBatchStore) MarkBatchAnchored(ctx context.Context, batchID uint, root, anchorTx, checkpoint string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, b := range f.batches {
		if b.ID == batchID {
			b.MerkleRoot = &root
			b.AnchorTxHash = &anchorTx
			b.CheckpointHash = &checkpoint
			b.AnchoredAt = &at
			return nil
		}
	}
	return errors.New("batch not found")
}

type fakeWriter struct {
	requests []ledger.ProofRequest
	err      error
}

func (f *fakeWriter) WriteProof(ctx context.Context, req ledger.ProofRequest) (*ledger.ProofResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.requests = append(f.requests, req)
	return &ledger.ProofResult{TxHash: "0xanchor"}, nil
}

func str(s string) *string { return &s }

func TestAssignToOpenBatch(t *testing.T) {
	store := newFakeBatchStore()
	store.addOrder("ch_1", nil, nil)
	store.addOrder("ch_2", nil, nil)
	acc := NewAccumulator(store, &fakeWriter{})
	ctx := context.Background()

	first, err := acc.AssignToOpenBatch(ctx, "ch_1")
	if err != nil {
		t.Fatal(err)
	}
	second, err := acc.AssignToOpenBatch(ctx, "ch_2")
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Errorf("expected both orders in batch %d, second went to %d", first, second)
	}
	if len(store.batches) != 1 {
		t.Fatalf("expected one batch, got %d", len(store.batches))
	}
	if store.batches[0].BatchSize != 2 {
		t.Errorf("expected batch size 2, got %d", store.batches[0].BatchSize)
	}
}

func TestConcurrentAssignSharesOneBatch(t *testing.T) {
	store := newFakeBatchStore()
	ids := []string{"ch_1", "ch_2", "ch_3", "ch_4"}
	for _, id := range ids {
		store.addOrder(id, nil, nil)
	}
	acc := NewAccumulator(store, &fakeWriter{})

	var wg sync.WaitGroup
	results := make([]uint, len(ids))
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			batchID, err := acc.AssignToOpenBatch(context.Background(), id)
			if err != nil {
				t.Error(err)
				return
			}
			results[i] = batchID
		}(i, id)
	}
	wg.Wait()

	if len(store.batches) != 1 {
		t.Fatalf("expected a single open batch, got %d", len(store.batches))
	}
	for i, batchID := range results {
		if batchID != results[0] {
			t.Errorf("order %s landed in batch %d, want %d", ids[i], batchID, results[0])
		}
	}
}

func TestAssignIsIdempotent(t *testing.T) {
	store := newFakeBatchStore()
	batchID := uint(7)
	store.batches = append(store.batches, &db.Batch{ID: batchID})
	store.addOrder("ch_1", nil, &batchID)
	acc := NewAccumulator(store, &fakeWriter{})

	got, err := acc.AssignToOpenBatch(context.Background(), "ch_1")
	if err != nil {
		t.Fatal(err)
	}
	if got != batchID {
		t.Errorf("expected existing batch %d, got %d", batchID, got)
	}
}

func TestAssignUnknownOrder(t *testing.T) {
	acc := NewAccumulator(newFakeBatchStore(), &fakeWriter{})
	if _, err := acc.AssignToOpenBatch(context.Background(), "missing"); err == nil {
		t.Error("expected an error for an unknown order")
	}
}

func TestAnchorNoBatch(t *testing.T) {
	writer := &fakeWriter{}
	acc := NewAccumulator(newFakeBatchStore(), writer)

	res, err := acc.AnchorOpenBatch(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res != nil {
		t.Errorf("expected nil result with no open batch, got %+v", res)
	}
	if len(writer.requests) != 0 {
		t.Error("ledger must not be touched")
	}
}

func TestAnchorSkipsBatchWithoutSettledHashes(t *testing.T) {
	store := newFakeBatchStore()
	batchID := uint(1)
	store.batches = append(store.batches, &db.Batch{ID: batchID})
	store.addOrder("ch_1", nil, &batchID)
	writer := &fakeWriter{}
	acc := NewAccumulator(store, writer)

	res, err := acc.AnchorOpenBatch(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res != nil {
		t.Errorf("expected nil result, got %+v", res)
	}
	if store.batches[0].AnchoredAt != nil {
		t.Error("batch must stay open")
	}
}

func TestAnchorOpenBatch(t *testing.T) {
	store := newFakeBatchStore()
	batchID := uint(1)
	store.batches = append(store.batches, &db.Batch{ID: batchID})
	store.addOrder("ch_1", str("0xaa11"), &batchID)
	store.addOrder("ch_2", str("0xbb22"), &batchID)
	writer := &fakeWriter{}

	acc := NewAccumulator(store, writer)
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	acc.now = func() time.Time { return at }

	res, err := acc.AnchorOpenBatch(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res == nil {
		t.Fatal("expected an anchor result")
	}

	tree, err := proof.NewTree([]string{"0xaa11", "0xbb22"})
	if err != nil {
		t.Fatal(err)
	}
	if res.MerkleRoot != tree.Root() {
		t.Errorf("expected root %s, got %s", tree.Root(), res.MerkleRoot)
	}
	if res.BatchID != batchID || res.BatchSize != 2 {
		t.Errorf("unexpected result: %+v", res)
	}
	if res.Checkpoint != checkpointHash(tree.Root(), at, batchID) {
		t.Errorf("checkpoint mismatch: %s", res.Checkpoint)
	}
	if res.AnchorTxHash != "0xanchor" {
		t.Errorf("unexpected anchor tx: %s", res.AnchorTxHash)
	}

	if len(writer.requests) != 1 {
		t.Fatalf("expected one ledger write, got %d", len(writer.requests))
	}
	req := writer.requests[0]
	if req.Ref != "poe_batch_1" {
		t.Errorf("unexpected ref %s", req.Ref)
	}
	if req.TxRef != "0x"+res.Checkpoint {
		t.Errorf("unexpected tx ref %s", req.TxRef)
	}

	b := store.batches[0]
	if b.AnchoredAt == nil || !b.AnchoredAt.Equal(at) {
		t.Errorf("expected anchored_at %v, got %v", at, b.AnchoredAt)
	}
	if b.MerkleRoot == nil || *b.MerkleRoot != tree.Root() {
		t.Errorf("root not persisted: %v", b.MerkleRoot)
	}
	if b.AnchorTxHash == nil || *b.AnchorTxHash != "0xanchor" {
		t.Errorf("anchor tx not persisted: %v", b.AnchorTxHash)
	}
	if b.CheckpointHash == nil || *b.CheckpointHash != res.Checkpoint {
		t.Errorf("checkpoint not persisted: %v", b.CheckpointHash)
	}
}

func TestAnchorLedgerFailureLeavesBatchOpen(t *testing.T) {
	store := newFakeBatchStore()
	batchID := uint(1)
	store.batches = append(store.batches, &db.Batch{ID: batchID})
	store.addOrder("ch_1", str("0xaa11"), &batchID)
	writer := &fakeWriter{err: errors.New("rpc down")}
	acc := NewAccumulator(store, writer)

	if _, err := acc.AnchorOpenBatch(context.Background()); err == nil {
		t.Fatal("expected a ledger error")
	}
	if store.batches[0].AnchoredAt != nil {
		t.Error("batch must stay open after a ledger failure")
	}

	// next run succeeds once the ledger recovers
	writer.err = nil
	res, err := acc.AnchorOpenBatch(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res == nil {
		t.Fatal("batch should anchor on the next run")
	}
	if store.batches[0].AnchoredAt == nil {
		t.Error("batch should be closed after the retry")
	}
}
