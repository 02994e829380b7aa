package ledger

import (
	"context"
	"errors"
)

var ErrNotConfigured = errors.New("ledger writer not configured")

// Disabled is used when no RPC endpoint is configured. Anchor runs fail
// loudly instead of pretending to have written a proof.
type Disabled struct{}

func (Disabled) WriteProof(ctx context.Context, req ProofRequest) (*ProofResult, error) {
	return nil, ErrNotConfigured
}
