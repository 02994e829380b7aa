package ledger

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// EthWriter anchors proof records on an EVM chain by sending a signed
// transaction whose data field carries the proof payload.
type EthWriter struct {
	client         *ethclient.Client
	key            *ecdsa.PrivateKey
	from           common.Address
	to             common.Address
	chainID        *big.Int
	receiptTimeout time.Duration
}

// DialEthWriter connects to the RPC endpoint and prepares the signing key.
// anchorAddress is the recipient of anchor transactions; when empty, proofs
// are sent to the signer's own address.
func DialEthWriter(ctx context.Context, rpcURL, privateKeyHex, anchorAddress string) (*EthWriter, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("ledger rpc dial: %w", err)
	}

	key, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("ledger signing key: %w", err)
	}
	from := crypto.PubkeyToAddress(key.PublicKey)

	to := from
	if anchorAddress != "" {
		if !common.IsHexAddress(anchorAddress) {
			return nil, fmt.Errorf("invalid anchor address %q", anchorAddress)
		}
		to = common.HexToAddress(anchorAddress)
	}

	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("ledger chain id: %w", err)
	}

	return &EthWriter{
		client:         client,
		key:            key,
		from:           from,
		to:             to,
		chainID:        chainID,
		receiptTimeout: 30 * time.Second,
	}, nil
}

func (w *EthWriter) WriteProof(ctx context.Context, req ProofRequest) (*ProofResult, error) {
	data, err := json.Marshal(map[string]interface{}{
		"ref":      req.Ref,
		"txRef":    req.TxRef,
		"metadata": req.Metadata,
	})
	if err != nil {
		return nil, err
	}

	nonce, err := w.client.PendingNonceAt(ctx, w.from)
	if err != nil {
		return nil, fmt.Errorf("ledger nonce: %w", err)
	}
	gasPrice, err := w.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("ledger gas price: %w", err)
	}
	gasLimit, err := w.client.EstimateGas(ctx, ethereum.CallMsg{
		From: w.from,
		To:   &w.to,
		Data: data,
	})
	if err != nil {
		return nil, fmt.Errorf("ledger gas estimate: %w", err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &w.to,
		Value:    big.NewInt(0),
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(w.chainID), w.key)
	if err != nil {
		return nil, fmt.Errorf("ledger sign: %w", err)
	}

	if err := w.client.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("ledger send: %w", err)
	}

	result := &ProofResult{TxHash: signed.Hash().Hex()}

	// Best effort receipt wait; an unmined anchor is still a submitted anchor.
	receipt, err := w.waitReceipt(ctx, signed.Hash())
	if err == nil && receipt != nil {
		result.BlockNumber = receipt.BlockNumber.Uint64()
	}
	return result, nil
}

func (w *EthWriter) waitReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	deadline := time.Now().Add(w.receiptTimeout)
	for {
		receipt, err := w.client.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return nil, err
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
}
