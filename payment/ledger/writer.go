// Ledger-writer collaborator: commits proof records to an external
// tamper-evident ledger. Write failures are logged and surfaced but never
// block settlement; proof anchoring is a side effect of settlement, not a
// precondition.

package ledger

import "context"

type ProofRequest struct {
	Ref      string                 // batch or charge reference
	TxRef    string                 // 0x-prefixed hash being proven
	Metadata map[string]interface{} // anchored alongside the proof
}

type ProofResult struct {
	TxHash      string
	BlockNumber uint64
}

type Writer interface {
	WriteProof(ctx context.Context, req ProofRequest) (*ProofResult, error)
}
