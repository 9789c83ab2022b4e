package escrow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// FakeClient emulates the chain for tests and local runs. Release hashes are
// derived from the escrow address so repeated runs are deterministic. Like the
// contract, a second release of the same escrow reverts.
type FakeClient struct {
	mu       sync.Mutex
	receipts map[string]*types.Receipt
	// released maps a landed release hash to its escrow key.
	released map[string]string
	// ReleaseErrs are returned, in order, by the next Release calls before
	// anything is broadcast.
	ReleaseErrs []error
	// AwaitErrs are returned, in order, by the next waits on a broadcast
	// release, whether inside Release or AwaitRelease. ErrReleaseReverted
	// undoes the release.
	AwaitErrs    []error
	ReleaseCalls int
	AwaitCalls   int
	Now          time.Time
}

func NewFakeClient() *FakeClient {
	return &FakeClient{
		receipts: make(map[string]*types.Receipt),
		released: make(map[string]string),
	}
}

// AddReceipt registers a mined receipt under txHash.
func (f *FakeClient) AddReceipt(txHash string, receipt *types.Receipt) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.receipts == nil {
		f.receipts = make(map[string]*types.Receipt)
	}
	receipt.TxHash = common.HexToHash(txHash)
	f.receipts[receipt.TxHash.Hex()] = receipt
}

func (f *FakeClient) Release(_ context.Context, chainID uint64, escrowAddress string) (ReleaseResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ReleaseCalls++
	if len(f.ReleaseErrs) > 0 {
		err := f.ReleaseErrs[0]
		f.ReleaseErrs = f.ReleaseErrs[1:]
		if err != nil {
			return ReleaseResult{}, err
		}
	}
	if !common.IsHexAddress(escrowAddress) {
		return ReleaseResult{}, fmt.Errorf("invalid escrow address %q", escrowAddress)
	}
	key := fmt.Sprintf("%d:%s", chainID, escrowAddress)
	if f.released == nil {
		f.released = make(map[string]string)
	}
	for _, k := range f.released {
		if k == key {
			return ReleaseResult{}, fmt.Errorf("release tx: execution reverted")
		}
	}
	hash := fakeHash(key)
	f.released[hash] = key
	return f.awaitLocked(hash)
}

func (f *FakeClient) AwaitRelease(_ context.Context, _ uint64, txHash string) (ReleaseResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.AwaitCalls++
	if _, ok := f.released[txHash]; !ok {
		return ReleaseResult{TxHash: txHash}, fmt.Errorf("%w: %s", ErrReleaseDropped, txHash)
	}
	return f.awaitLocked(txHash)
}

func (f *FakeClient) awaitLocked(hash string) (ReleaseResult, error) {
	if len(f.AwaitErrs) > 0 {
		err := f.AwaitErrs[0]
		f.AwaitErrs = f.AwaitErrs[1:]
		if err != nil {
			if errors.Is(err, ErrReleaseReverted) {
				delete(f.released, hash)
			}
			return ReleaseResult{TxHash: hash}, fmt.Errorf("await release %s: %w", hash, err)
		}
	}
	return ReleaseResult{TxHash: hash, Block: 1}, nil
}

func (f *FakeClient) Receipt(_ context.Context, _ uint64, txHash string) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	receipt, ok := f.receipts[common.HexToHash(txHash).Hex()]
	if !ok {
		return nil, ErrReceiptPending
	}
	return receipt, nil
}

func (f *FakeClient) BlockTime(_ context.Context, _ uint64, _ uint64) (time.Time, error) {
	if f.Now.IsZero() {
		return time.Unix(1_700_000_000, 0).UTC(), nil
	}
	return f.Now, nil
}

func (f *FakeClient) Ping(context.Context) error { return nil }

func fakeHash(input string) string {
	sum := sha256.Sum256([]byte(input))
	return "0x" + hex.EncodeToString(sum[:])
}
