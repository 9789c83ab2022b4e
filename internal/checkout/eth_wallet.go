package checkout

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	"escrowpay/internal/chains"
	"escrowpay/internal/contracts"
	"escrowpay/internal/escrow"
	"escrowpay/internal/intent"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"
)

// ConfirmFunc lets an interactive signer accept or decline each call.
type ConfirmFunc func(label string, call intent.Call) bool

// EthWallet signs EIP-1559 transactions with a local key on a single chain.
type EthWallet struct {
	client   *ethclient.Client
	key      *ecdsa.PrivateKey
	from     common.Address
	chain    chains.ChainConfig
	bindings *contracts.Bindings
	confirm  ConfirmFunc
	poll     time.Duration
	log      *zap.Logger
}

type EthWalletConfig struct {
	Chain         chains.ChainConfig
	PrivateKeyHex string
	Confirm       ConfirmFunc
	PollInterval  time.Duration
	Logger        *zap.Logger
}

func NewEthWallet(ctx context.Context, cfg EthWalletConfig) (*EthWallet, error) {
	if cfg.Chain.RPCURL == "" {
		return nil, fmt.Errorf("rpc url is required")
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	bindings, err := contracts.Load()
	if err != nil {
		return nil, err
	}
	cli, err := ethclient.DialContext(ctx, cfg.Chain.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &EthWallet{
		client:   cli,
		key:      key,
		from:     crypto.PubkeyToAddress(key.PublicKey),
		chain:    cfg.Chain,
		bindings: bindings,
		confirm:  cfg.Confirm,
		poll:     cfg.PollInterval,
		log:      log,
	}, nil
}

func (w *EthWallet) Address() common.Address { return w.from }

func (w *EthWallet) Close() { w.client.Close() }

func (w *EthWallet) checkChain(chainID uint64) error {
	if chainID != w.chain.ID {
		return fmt.Errorf("wallet is on chain %d, intent targets %d", w.chain.ID, chainID)
	}
	return nil
}

func (w *EthWallet) Send(ctx context.Context, chainID uint64, call intent.Call) (string, error) {
	if err := w.checkChain(chainID); err != nil {
		return "", err
	}
	if w.confirm != nil && !w.confirm(labelFor(call), call) {
		return "", ErrUserRejected
	}

	if !common.IsHexAddress(call.To) {
		return "", fmt.Errorf("invalid call target %q", call.To)
	}
	to := common.HexToAddress(call.To)
	data, err := hexutil.Decode(call.Data)
	if err != nil {
		return "", fmt.Errorf("decode call data: %w", err)
	}
	value, ok := new(big.Int).SetString(call.Value, 10)
	if !ok {
		return "", fmt.Errorf("invalid call value %q", call.Value)
	}

	nonce, err := w.client.PendingNonceAt(ctx, w.from)
	if err != nil {
		return "", fmt.Errorf("failed to get nonce: %w", err)
	}
	feeCap, tipCap, err := w.fees(ctx)
	if err != nil {
		return "", err
	}
	gasLimit := w.chain.Gas.GasLimit
	if gasLimit == 0 {
		gasLimit, err = w.client.EstimateGas(ctx, ethereum.CallMsg{From: w.from, To: &to, Value: value, Data: data})
		if err != nil {
			return "", fmt.Errorf("failed to estimate gas: %w", err)
		}
	}

	chainIDBig := new(big.Int).SetUint64(w.chain.ID)
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainIDBig,
		Nonce:     nonce,
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
		Gas:       gasLimit,
		To:        &to,
		Value:     value,
		Data:      data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainIDBig), w.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign transaction: %w", err)
	}
	if err := w.client.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("failed to send transaction: %w", err)
	}

	w.log.Info("transaction sent",
		zap.Uint64("chain_id", w.chain.ID),
		zap.String("to", to.Hex()),
		zap.String("tx_hash", signed.Hash().Hex()),
		zap.Uint64("nonce", nonce))
	return signed.Hash().Hex(), nil
}

// fees honours the chain's gas policy and falls back to the node's tip
// suggestion with a fee cap of twice the base fee plus tip.
func (w *EthWallet) fees(ctx context.Context) (feeCap, tipCap *big.Int, err error) {
	feeCap, tipCap, err = w.chain.Gas.FeeCaps()
	if err != nil {
		return nil, nil, err
	}
	if tipCap == nil {
		if tipCap, err = w.client.SuggestGasTipCap(ctx); err != nil {
			return nil, nil, fmt.Errorf("failed to get tip cap: %w", err)
		}
	}
	if feeCap == nil {
		head, err := w.client.HeaderByNumber(ctx, nil)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to get head: %w", err)
		}
		base := head.BaseFee
		if base == nil {
			base = new(big.Int)
		}
		feeCap = new(big.Int).Add(new(big.Int).Mul(base, big.NewInt(2)), tipCap)
	}
	return feeCap, tipCap, nil
}

func (w *EthWallet) WaitMined(ctx context.Context, chainID uint64, txHash string) (Receipt, error) {
	if err := w.checkChain(chainID); err != nil {
		return Receipt{}, err
	}
	receipt, err := escrow.WaitForReceipt(ctx, w.client, common.HexToHash(txHash), w.poll)
	if err != nil {
		return Receipt{}, err
	}
	return Receipt{
		TxHash:  receipt.TxHash.Hex(),
		Block:   receipt.BlockNumber.Uint64(),
		Success: receipt.Status == types.ReceiptStatusSuccessful,
	}, nil
}

func (w *EthWallet) Allowance(ctx context.Context, chainID uint64, token, spender string) (*big.Int, error) {
	if err := w.checkChain(chainID); err != nil {
		return nil, err
	}
	data, err := w.bindings.PackAllowance(w.from, common.HexToAddress(spender))
	if err != nil {
		return nil, err
	}
	tokenAddr := common.HexToAddress(token)
	out, err := w.client.CallContract(ctx, ethereum.CallMsg{To: &tokenAddr, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to call allowance: %w", err)
	}
	// Tokens that never saw this owner may return nothing.
	if len(out) == 0 {
		return new(big.Int), nil
	}
	return w.bindings.UnpackAllowance(out)
}

func labelFor(call intent.Call) string {
	if strings.HasPrefix(call.Data, "0x095ea7b3") {
		return "approve"
	}
	return "fund"
}
