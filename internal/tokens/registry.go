package tokens

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"escrowpay/internal/chains"

	"github.com/ethereum/go-ethereum/common"
)

// NativeAddress is the sentinel address used for a chain's native currency.
const NativeAddress = "0x0000000000000000000000000000000000000000"

// MaxDecimals keeps 10^decimals inside uint256.
const MaxDecimals = 77

type Category string

const (
	CategoryStablecoin Category = "stablecoin"
	CategoryNative     Category = "native"
	CategoryWrapped    Category = "wrapped"
)

// TokenConfig is a fungible asset bound to exactly one chain.
type TokenConfig struct {
	Address      string   `json:"address"`
	Symbol       string   `json:"symbol"`
	Name         string   `json:"name"`
	Decimals     int      `json:"decimals"`
	ChainID      uint64   `json:"chainId"`
	Enabled      bool     `json:"enabled"`
	IsDefault    bool     `json:"isDefault"`
	IsStablecoin bool     `json:"isStablecoin"`
	Category     Category `json:"category"`
}

// IsNative reports whether the token is the chain's native currency.
func (t TokenConfig) IsNative() bool {
	return common.HexToAddress(t.Address) == (common.Address{})
}

var (
	ErrInvalidToken     = errors.New("invalid token config")
	ErrDuplicateToken   = errors.New("duplicate token")
	ErrMultipleDefaults = errors.New("more than one default token on chain")
	ErrUnknownChain     = errors.New("token bound to unknown chain")
)

type symbolKey struct {
	chainID uint64
	symbol  string
}

type addressKey struct {
	chainID uint64
	address common.Address
}

// Registry is the immutable token catalog. Catalog invariants are checked once
// in NewRegistry and never re-validated on lookup.
type Registry struct {
	tokens    []TokenConfig
	bySymbol  map[symbolKey]int
	byAddress map[addressKey]int
	defaults  map[uint64]int
}

// NewRegistry validates and indexes the catalog. When chainReg is non-nil every
// token must reference a chain it knows.
func NewRegistry(chainReg *chains.Registry, configs []TokenConfig) (*Registry, error) {
	r := &Registry{
		tokens:    make([]TokenConfig, 0, len(configs)),
		bySymbol:  make(map[symbolKey]int, len(configs)),
		byAddress: make(map[addressKey]int, len(configs)),
		defaults:  make(map[uint64]int),
	}

	sorted := append([]TokenConfig(nil), configs...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].ChainID != sorted[j].ChainID {
			return sorted[i].ChainID < sorted[j].ChainID
		}
		return sorted[i].Symbol < sorted[j].Symbol
	})

	for _, tok := range sorted {
		if err := validateToken(tok); err != nil {
			return nil, err
		}
		if chainReg != nil {
			if _, ok := chainReg.ChainByID(tok.ChainID); !ok {
				return nil, fmt.Errorf("%w: %s on %d", ErrUnknownChain, tok.Symbol, tok.ChainID)
			}
		}

		sk := symbolKey{chainID: tok.ChainID, symbol: strings.ToUpper(tok.Symbol)}
		if _, dup := r.bySymbol[sk]; dup {
			return nil, fmt.Errorf("%w: symbol %s on %d", ErrDuplicateToken, tok.Symbol, tok.ChainID)
		}
		ak := addressKey{chainID: tok.ChainID, address: common.HexToAddress(tok.Address)}
		if _, dup := r.byAddress[ak]; dup {
			return nil, fmt.Errorf("%w: address %s on %d", ErrDuplicateToken, tok.Address, tok.ChainID)
		}

		idx := len(r.tokens)
		if tok.IsDefault {
			if prev, exists := r.defaults[tok.ChainID]; exists {
				return nil, fmt.Errorf("%w %d: %s and %s", ErrMultipleDefaults, tok.ChainID, r.tokens[prev].Symbol, tok.Symbol)
			}
			r.defaults[tok.ChainID] = idx
		}
		r.tokens = append(r.tokens, tok)
		r.bySymbol[sk] = idx
		r.byAddress[ak] = idx
	}
	return r, nil
}

func validateToken(tok TokenConfig) error {
	if strings.TrimSpace(tok.Symbol) == "" {
		return fmt.Errorf("%w: missing symbol", ErrInvalidToken)
	}
	if tok.ChainID == 0 {
		return fmt.Errorf("%w: %s has no chain id", ErrInvalidToken, tok.Symbol)
	}
	if !common.IsHexAddress(tok.Address) {
		return fmt.Errorf("%w: %s address %q", ErrInvalidToken, tok.Symbol, tok.Address)
	}
	if tok.Decimals < 0 || tok.Decimals > MaxDecimals {
		return fmt.Errorf("%w: %s decimals %d", ErrInvalidToken, tok.Symbol, tok.Decimals)
	}
	return nil
}

// EnabledTokens returns enabled tokens on chainID, or on every chain when chainID is 0.
func (r *Registry) EnabledTokens(chainID uint64) []TokenConfig {
	return r.filter(chainID, func(t TokenConfig) bool { return t.Enabled })
}

func (r *Registry) Stablecoins(chainID uint64) []TokenConfig {
	return r.filter(chainID, func(t TokenConfig) bool { return t.Enabled && t.IsStablecoin })
}

func (r *Registry) DefaultToken(chainID uint64) (TokenConfig, bool) {
	idx, ok := r.defaults[chainID]
	if !ok {
		return TokenConfig{}, false
	}
	return r.tokens[idx], true
}

// TokenBySymbol matches symbols case-insensitively.
func (r *Registry) TokenBySymbol(symbol string, chainID uint64) (TokenConfig, bool) {
	idx, ok := r.bySymbol[symbolKey{chainID: chainID, symbol: strings.ToUpper(strings.TrimSpace(symbol))}]
	if !ok {
		return TokenConfig{}, false
	}
	return r.tokens[idx], true
}

func (r *Registry) TokenByAddress(address string, chainID uint64) (TokenConfig, bool) {
	if !common.IsHexAddress(address) {
		return TokenConfig{}, false
	}
	idx, ok := r.byAddress[addressKey{chainID: chainID, address: common.HexToAddress(address)}]
	if !ok {
		return TokenConfig{}, false
	}
	return r.tokens[idx], true
}

func (r *Registry) filter(chainID uint64, keep func(TokenConfig) bool) []TokenConfig {
	out := make([]TokenConfig, 0)
	for _, tok := range r.tokens {
		if chainID != 0 && tok.ChainID != chainID {
			continue
		}
		if keep(tok) {
			out = append(out, tok)
		}
	}
	return out
}
