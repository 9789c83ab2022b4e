// Package intent turns an escrow record into the ordered on-chain calls a
// buyer's wallet must sign: an optional ERC-20 approve, then the fund call.
//
// Build is a pure function of the record and the registries. Calling it twice
// on an unchanged record yields byte-identical call data, so clients may
// re-fetch an intent at any time without risking a double fund.
package intent

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"escrowpay/internal/chains"
	"escrowpay/internal/contracts"
	"escrowpay/internal/escrow"
	"escrowpay/internal/tokens"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

var (
	ErrTokenNotFound = errors.New("token not found")
	ErrChainNotReady = errors.New("chain not ready")
	ErrInvalidAmount = errors.New("invalid amount")
	ErrInvalidPayee  = errors.New("invalid payee")
	// ErrIntentStale means the escrow moved past created, e.g. another payer funded it.
	ErrIntentStale = errors.New("intent stale")
)

// Call is one transaction for the wallet. Data is 0x-hex call data, Value is wei
// as a base-10 string.
type Call struct {
	To    string `json:"to"`
	Data  string `json:"data"`
	Value string `json:"value"`
}

type Token struct {
	Address  string `json:"address"`
	Symbol   string `json:"symbol"`
	Decimals int    `json:"decimals"`
}

type FundIntent struct {
	EscrowID      string `json:"escrowId"`
	ChainID       uint64 `json:"chainId"`
	NeedsApproval bool   `json:"needsApproval"`
	Approve       *Call  `json:"approve,omitempty"`
	Fund          Call   `json:"fund"`
	Amount        string `json:"amount"`
	DisplayAmount string `json:"displayAmount"`
	Token         Token  `json:"token"`
	// Spender is the address the approval is granted to.
	Spender string `json:"spender"`
	// Deployed is false when the fund call goes through the factory.
	Deployed bool `json:"deployed"`
}

type Builder struct {
	chains   *chains.Registry
	tokens   *tokens.Registry
	bindings *contracts.Bindings
}

func NewBuilder(chainReg *chains.Registry, tokenReg *tokens.Registry, bindings *contracts.Bindings) *Builder {
	return &Builder{chains: chainReg, tokens: tokenReg, bindings: bindings}
}

func (b *Builder) Build(rec escrow.Record) (FundIntent, error) {
	if rec.Status != escrow.StatusCreated {
		return FundIntent{}, fmt.Errorf("%w: escrow %s is %s", ErrIntentStale, rec.ID, rec.Status)
	}

	token, err := b.ResolveToken(rec.ChainID, rec.TokenAddress, rec.TokenSymbol)
	if err != nil {
		return FundIntent{}, err
	}

	chain, ok := b.chains.ChainByID(rec.ChainID)
	if !ok || !b.chains.ValidateChainContracts(rec.ChainID) {
		return FundIntent{}, fmt.Errorf("%w: %d", ErrChainNotReady, rec.ChainID)
	}
	factory := chain.Contract(chains.RoleEscrowFactory)
	if !common.IsHexAddress(factory) {
		return FundIntent{}, fmt.Errorf("%w: factory address %q on %d", ErrChainNotReady, factory, rec.ChainID)
	}

	if !tokens.IsValidTokenAmount(rec.Amount, token) || tokens.IsZeroAmount(rec.Amount) {
		return FundIntent{}, fmt.Errorf("%w: %q", ErrInvalidAmount, rec.Amount)
	}
	amount, ok := new(big.Int).SetString(rec.Amount, 10)
	if !ok {
		return FundIntent{}, fmt.Errorf("%w: %q", ErrInvalidAmount, rec.Amount)
	}
	display, err := tokens.FormatTokenAmount(rec.Amount, token)
	if err != nil {
		return FundIntent{}, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}

	if !common.IsHexAddress(rec.Payee) {
		return FundIntent{}, fmt.Errorf("%w: %q", ErrInvalidPayee, rec.Payee)
	}
	payee := common.HexToAddress(rec.Payee)
	if payee == (common.Address{}) {
		return FundIntent{}, fmt.Errorf("%w: zero address", ErrInvalidPayee)
	}

	tokenAddr := common.HexToAddress(token.Address)
	value := "0"
	if token.IsNative() {
		value = amount.String()
	}

	var (
		fund    Call
		spender common.Address
	)
	deployed := rec.EscrowAddress != ""
	if deployed {
		if !common.IsHexAddress(rec.EscrowAddress) {
			return FundIntent{}, fmt.Errorf("%w: escrow address %q", ErrIntentStale, rec.EscrowAddress)
		}
		spender = common.HexToAddress(rec.EscrowAddress)
		data, err := b.bindings.PackFund()
		if err != nil {
			return FundIntent{}, fmt.Errorf("pack fund: %w", err)
		}
		fund = Call{To: spender.Hex(), Data: hexutil.Encode(data), Value: value}
	} else {
		spender = common.HexToAddress(factory)
		data, err := b.bindings.PackCreateEscrowAndFund(payee, tokenAddr, amount, autoReleaseSeconds(rec))
		if err != nil {
			return FundIntent{}, fmt.Errorf("pack createEscrowAndFund: %w", err)
		}
		fund = Call{To: spender.Hex(), Data: hexutil.Encode(data), Value: value}
	}

	out := FundIntent{
		EscrowID:      rec.ID,
		ChainID:       rec.ChainID,
		NeedsApproval: !token.IsNative(),
		Fund:          fund,
		Amount:        amount.String(),
		DisplayAmount: display,
		Token:         Token{Address: tokenAddr.Hex(), Symbol: token.Symbol, Decimals: token.Decimals},
		Spender:       spender.Hex(),
		Deployed:      deployed,
	}
	if out.NeedsApproval {
		data, err := b.bindings.PackApprove(spender, amount)
		if err != nil {
			return FundIntent{}, fmt.Errorf("pack approve: %w", err)
		}
		out.Approve = &Call{To: tokenAddr.Hex(), Data: hexutil.Encode(data), Value: "0"}
	}
	return out, nil
}

// ResolveToken looks a token up by address, falling back to symbol when the
// address is empty. Disabled tokens are not fundable.
func (b *Builder) ResolveToken(chainID uint64, address, symbol string) (tokens.TokenConfig, error) {
	var (
		tok tokens.TokenConfig
		ok  bool
	)
	if strings.TrimSpace(address) != "" {
		tok, ok = b.tokens.TokenByAddress(address, chainID)
		if ok && symbol != "" && !strings.EqualFold(symbol, tok.Symbol) {
			return tokens.TokenConfig{}, fmt.Errorf("%w: %s is %s, not %s", ErrTokenNotFound, address, tok.Symbol, symbol)
		}
	} else {
		tok, ok = b.tokens.TokenBySymbol(symbol, chainID)
	}
	if !ok {
		return tokens.TokenConfig{}, fmt.Errorf("%w: %s%s on chain %d", ErrTokenNotFound, symbol, address, chainID)
	}
	if !tok.Enabled {
		return tokens.TokenConfig{}, fmt.Errorf("%w: %s disabled on chain %d", ErrTokenNotFound, tok.Symbol, chainID)
	}
	return tok, nil
}

func autoReleaseSeconds(rec escrow.Record) uint64 {
	if rec.ReleaseRule != escrow.RuleAuto || rec.AutoReleaseHours <= 0 {
		return 0
	}
	return uint64(rec.AutoReleaseHours) * 3600
}
