package escrow

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"escrowpay/internal/chains"
	"escrowpay/internal/contracts"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// EthClient releases escrows on every enabled chain using one operator key.
type EthClient struct {
	bindings *contracts.Bindings
	key      *ecdsa.PrivateKey
	conns    map[uint64]*chainConn
	poll     time.Duration
}

type chainConn struct {
	client  *ethclient.Client
	chainID *big.Int
	gas     chains.GasPolicy
}

type EthClientConfig struct {
	Chains        []chains.ChainConfig
	PrivateKeyHex string
	PollInterval  time.Duration
}

func NewEthClient(ctx context.Context, cfg EthClientConfig) (*EthClient, error) {
	if cfg.PrivateKeyHex == "" {
		return nil, fmt.Errorf("private key is required for releasing escrows")
	}
	pk, err := parsePrivateKey(cfg.PrivateKeyHex)
	if err != nil {
		return nil, err
	}
	bindings, err := contracts.Load()
	if err != nil {
		return nil, err
	}

	c := &EthClient{
		bindings: bindings,
		key:      pk,
		conns:    make(map[uint64]*chainConn),
		poll:     cfg.PollInterval,
	}
	for _, chain := range cfg.Chains {
		if !chain.Enabled || chain.RPCURL == "" {
			continue
		}
		cli, err := ethclient.DialContext(ctx, chain.RPCURL)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("dial rpc for chain %d: %w", chain.ID, err)
		}
		c.conns[chain.ID] = &chainConn{
			client:  cli,
			chainID: new(big.Int).SetUint64(chain.ID),
			gas:     chain.Gas,
		}
	}
	if len(c.conns) == 0 {
		return nil, fmt.Errorf("no enabled chain has an rpc url")
	}
	return c, nil
}

func parsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(hexKey, "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

// Operator is the address that signs release transactions.
func (c *EthClient) Operator() common.Address {
	return crypto.PubkeyToAddress(c.key.PublicKey)
}

func (c *EthClient) Close() {
	for _, conn := range c.conns {
		conn.client.Close()
	}
}

func (c *EthClient) conn(chainID uint64) (*chainConn, error) {
	conn, ok := c.conns[chainID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrChainUnavailable, chainID)
	}
	return conn, nil
}

func (c *EthClient) Release(ctx context.Context, chainID uint64, escrowAddress string) (ReleaseResult, error) {
	conn, err := c.conn(chainID)
	if err != nil {
		return ReleaseResult{}, err
	}
	if !common.IsHexAddress(escrowAddress) {
		return ReleaseResult{}, fmt.Errorf("invalid escrow address %q", escrowAddress)
	}

	opts, err := bind.NewKeyedTransactorWithChainID(c.key, conn.chainID)
	if err != nil {
		return ReleaseResult{}, fmt.Errorf("transactor: %w", err)
	}
	opts.Context = ctx
	opts.GasLimit = conn.gas.GasLimit
	if opts.GasFeeCap, opts.GasTipCap, err = conn.gas.FeeCaps(); err != nil {
		return ReleaseResult{}, err
	}

	address := common.HexToAddress(escrowAddress)
	bound := bind.NewBoundContract(address, c.bindings.Escrow, conn.client, conn.client, conn.client)
	tx, err := bound.Transact(opts, contracts.MethodRelease)
	if err != nil {
		return ReleaseResult{}, fmt.Errorf("release tx: %w", err)
	}

	return c.awaitRelease(ctx, conn, tx.Hash())
}

func (c *EthClient) AwaitRelease(ctx context.Context, chainID uint64, txHash string) (ReleaseResult, error) {
	conn, err := c.conn(chainID)
	if err != nil {
		return ReleaseResult{TxHash: txHash}, err
	}
	hash := common.HexToHash(txHash)
	if _, _, err := conn.client.TransactionByHash(ctx, hash); errors.Is(err, ethereum.NotFound) {
		return ReleaseResult{TxHash: txHash}, fmt.Errorf("%w: %s", ErrReleaseDropped, txHash)
	}
	return c.awaitRelease(ctx, conn, hash)
}

func (c *EthClient) awaitRelease(ctx context.Context, conn *chainConn, hash common.Hash) (ReleaseResult, error) {
	receipt, err := WaitForReceipt(ctx, conn.client, hash, c.poll)
	if err != nil {
		return ReleaseResult{TxHash: hash.Hex()}, fmt.Errorf("await release %s: %w", hash.Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return ReleaseResult{TxHash: hash.Hex()}, fmt.Errorf("%w: %s", ErrReleaseReverted, hash.Hex())
	}
	return ReleaseResult{TxHash: hash.Hex(), Block: receipt.BlockNumber.Uint64()}, nil
}

func (c *EthClient) Receipt(ctx context.Context, chainID uint64, txHash string) (*types.Receipt, error) {
	conn, err := c.conn(chainID)
	if err != nil {
		return nil, err
	}
	receipt, err := conn.client.TransactionReceipt(ctx, common.HexToHash(txHash))
	if errors.Is(err, ethereum.NotFound) {
		return nil, ErrReceiptPending
	}
	return receipt, err
}

func (c *EthClient) BlockTime(ctx context.Context, chainID uint64, block uint64) (time.Time, error) {
	conn, err := c.conn(chainID)
	if err != nil {
		return time.Time{}, err
	}
	header, err := conn.client.HeaderByNumber(ctx, new(big.Int).SetUint64(block))
	if err != nil {
		return time.Time{}, fmt.Errorf("header %d: %w", block, err)
	}
	return time.Unix(int64(header.Time), 0).UTC(), nil
}

// Ping checks every configured chain and that each RPC serves the chain id it
// is configured for.
func (c *EthClient) Ping(ctx context.Context) error {
	for id, conn := range c.conns {
		got, err := conn.client.ChainID(ctx)
		if err != nil {
			return fmt.Errorf("chain %d: %w", id, err)
		}
		if got.Cmp(conn.chainID) != 0 {
			return fmt.Errorf("chain %d: rpc serves chain %s", id, got)
		}
	}
	return nil
}
