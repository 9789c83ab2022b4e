package receipt

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"escrowpay/internal/chains"
	"escrowpay/internal/contracts"
	"escrowpay/internal/escrow"
	"escrowpay/internal/intent"
	"escrowpay/internal/tokens"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
)

var (
	ErrNotFunded       = errors.New("escrow not funded")
	ErrFundingReverted = errors.New("funding transaction reverted")
	ErrFundingMismatch = errors.New("funding transaction does not match escrow")
)

// Receipt is the finalized record of a funding transaction.
type Receipt struct {
	EscrowID  string       `json:"escrowId"`
	Payer     string       `json:"payer"`
	Payee     string       `json:"payee"`
	Token     intent.Token `json:"token"`
	Amount    string       `json:"amount"`
	ChainID   uint64       `json:"chainId"`
	TxHash    string       `json:"txHash"`
	Timestamp int64        `json:"timestamp"`
	Block     uint64       `json:"block"`
}

// Cache stores finalized receipts. Get returns nil on a miss.
type Cache interface {
	Get(ctx context.Context, escrowID string) (*Receipt, error)
	Set(ctx context.Context, r Receipt) error
}

type Service struct {
	store    escrow.Store
	client   escrow.Client
	chains   *chains.Registry
	tokens   *tokens.Registry
	bindings *contracts.Bindings
	cache    Cache
	log      *zap.Logger
}

type Config struct {
	Store    escrow.Store
	Client   escrow.Client
	Chains   *chains.Registry
	Tokens   *tokens.Registry
	Bindings *contracts.Bindings
	// Cache is optional.
	Cache  Cache
	Logger *zap.Logger
}

func NewService(cfg Config) *Service {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		store:    cfg.Store,
		client:   cfg.Client,
		chains:   cfg.Chains,
		tokens:   cfg.Tokens,
		bindings: cfg.Bindings,
		cache:    cfg.Cache,
		log:      log,
	}
}

// Get builds the receipt for a funded escrow. Cache failures are logged and
// fall through to the chain.
func (s *Service) Get(ctx context.Context, escrowID string) (Receipt, error) {
	if s.cache != nil {
		cached, err := s.cache.Get(ctx, escrowID)
		if err != nil {
			s.log.Warn("receipt cache get failed", zap.String("escrow_id", escrowID), zap.Error(err))
		} else if cached != nil {
			return *cached, nil
		}
	}

	rec, err := s.store.Get(ctx, escrowID)
	if err != nil {
		return Receipt{}, err
	}
	if rec.Status == escrow.StatusCreated || rec.FundingTxHash == "" {
		return Receipt{}, fmt.Errorf("%w: %s", ErrNotFunded, escrowID)
	}

	txr, err := s.client.Receipt(ctx, rec.ChainID, rec.FundingTxHash)
	if err != nil {
		return Receipt{}, fmt.Errorf("funding receipt %s: %w", rec.FundingTxHash, err)
	}
	block := txr.BlockNumber.Uint64()
	at, err := s.client.BlockTime(ctx, rec.ChainID, block)
	if err != nil {
		return Receipt{}, err
	}

	out := Receipt{
		EscrowID:  rec.ID,
		Payer:     rec.Payer,
		Payee:     rec.Payee,
		Token:     s.tokenFor(rec),
		Amount:    rec.Amount,
		ChainID:   rec.ChainID,
		TxHash:    rec.FundingTxHash,
		Timestamp: at.Unix(),
		Block:     block,
	}
	if s.cache != nil {
		if err := s.cache.Set(ctx, out); err != nil {
			s.log.Warn("receipt cache set failed", zap.String("escrow_id", escrowID), zap.Error(err))
		}
	}
	return out, nil
}

func (s *Service) tokenFor(rec escrow.Record) intent.Token {
	tok, ok := s.tokens.TokenByAddress(rec.TokenAddress, rec.ChainID)
	if !ok {
		tok, ok = s.tokens.TokenBySymbol(rec.TokenSymbol, rec.ChainID)
	}
	if !ok {
		return intent.Token{Address: rec.TokenAddress, Symbol: rec.TokenSymbol}
	}
	return intent.Token{Address: common.HexToAddress(tok.Address).Hex(), Symbol: tok.Symbol, Decimals: tok.Decimals}
}

// VerifyFunding checks a buyer-reported transaction against the escrow. For
// factory flows the new escrow address comes from the EscrowCreated event.
func (s *Service) VerifyFunding(ctx context.Context, rec escrow.Record, txHash, payer string) (escrow.Funding, error) {
	txr, err := s.client.Receipt(ctx, rec.ChainID, txHash)
	if err != nil {
		return escrow.Funding{}, err
	}
	if txr.Status != types.ReceiptStatusSuccessful {
		return escrow.Funding{}, fmt.Errorf("%w: %s", ErrFundingReverted, txHash)
	}
	amount := rec.Amount

	escrowAddr := rec.EscrowAddress
	if escrowAddr == "" {
		chain, ok := s.chains.ChainByID(rec.ChainID)
		if !ok {
			return escrow.Funding{}, fmt.Errorf("%w: %d", intent.ErrChainNotReady, rec.ChainID)
		}
		factory := common.HexToAddress(chain.Contract(chains.RoleEscrowFactory))
		created, found, err := s.bindings.FindEscrowCreated(txr.Logs, factory)
		if err != nil {
			return escrow.Funding{}, err
		}
		if !found {
			return escrow.Funding{}, fmt.Errorf("%w: no EscrowCreated from factory %s", ErrFundingMismatch, factory.Hex())
		}
		if created.Payee != common.HexToAddress(rec.Payee) ||
			created.Token != common.HexToAddress(rec.TokenAddress) ||
			created.Amount.String() != amount {
			return escrow.Funding{}, fmt.Errorf("%w: EscrowCreated terms differ", ErrFundingMismatch)
		}
		escrowAddr = created.Escrow.Hex()
	}

	funded, found, err := s.bindings.FindFunded(txr.Logs, common.HexToAddress(escrowAddr))
	if err != nil {
		return escrow.Funding{}, err
	}
	if !found {
		return escrow.Funding{}, fmt.Errorf("%w: no Funded event from %s", ErrFundingMismatch, escrowAddr)
	}
	if funded.Amount.String() != amount {
		return escrow.Funding{}, fmt.Errorf("%w: funded %s, expected %s", ErrFundingMismatch, funded.Amount, amount)
	}
	if payer != "" && !strings.EqualFold(common.HexToAddress(payer).Hex(), funded.Payer.Hex()) {
		return escrow.Funding{}, fmt.Errorf("%w: payer %s", ErrFundingMismatch, payer)
	}

	at, err := s.client.BlockTime(ctx, rec.ChainID, txr.BlockNumber.Uint64())
	if err != nil {
		return escrow.Funding{}, err
	}
	return escrow.Funding{
		Payer:         funded.Payer.Hex(),
		EscrowAddress: escrowAddr,
		TxHash:        txr.TxHash.Hex(),
		At:            at,
	}, nil
}
