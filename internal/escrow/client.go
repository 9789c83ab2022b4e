package escrow

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var (
	ErrChainUnavailable = errors.New("no rpc client for chain")
	ErrReceiptPending   = errors.New("transaction not yet mined")
	ErrReleaseReverted  = errors.New("release transaction reverted")
	ErrReleaseDropped   = errors.New("release transaction unknown to the node")
)

// Client abstracts the operator's on-chain escrow interaction.
type Client interface {
	// Release submits release() on the escrow and waits for it to be mined.
	// When the transaction was broadcast but the wait failed, the result still
	// carries its TxHash.
	Release(ctx context.Context, chainID uint64, escrowAddress string) (ReleaseResult, error)
	// AwaitRelease waits for an already broadcast release transaction.
	AwaitRelease(ctx context.Context, chainID uint64, txHash string) (ReleaseResult, error)
	// Receipt returns the mined receipt or ErrReceiptPending.
	Receipt(ctx context.Context, chainID uint64, txHash string) (*types.Receipt, error)
	BlockTime(ctx context.Context, chainID uint64, block uint64) (time.Time, error)
	Ping(ctx context.Context) error
}

type ReleaseResult struct {
	TxHash string
	Block  uint64
}

// ReceiptFetcher is the slice of ethclient.Client that WaitForReceipt needs.
type ReceiptFetcher interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// WaitForReceipt polls until the transaction is mined or ctx is cancelled.
// Cancellation stops waiting only; the transaction stays in the mempool.
func WaitForReceipt(ctx context.Context, client ReceiptFetcher, hash common.Hash, interval time.Duration) (*types.Receipt, error) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		receipt, err := client.TransactionReceipt(ctx, hash)
		if receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
