package chains

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// ContractRole names a deployed contract a chain needs for escrow checkout.
type ContractRole string

const (
	RoleEscrowFactory    ContractRole = "escrowFactory"
	RoleMerchantRegistry ContractRole = "merchantRegistry"
	RolePaymentProcessor ContractRole = "paymentProcessor"
	RoleFeeCollector     ContractRole = "feeCollector"
)

// RequiredRoles must all carry an address before a chain is usable.
var RequiredRoles = []ContractRole{RoleEscrowFactory, RoleMerchantRegistry, RolePaymentProcessor}

type NativeCurrency struct {
	Name     string `json:"name"`
	Symbol   string `json:"symbol"`
	Decimals int    `json:"decimals"`
}

// GasPolicy caps what a wallet may spend when submitting checkout transactions.
// Fee fields are wei amounts as base-10 strings; empty means "ask the node".
type GasPolicy struct {
	GasLimit             uint64 `json:"gasLimit"`
	MaxFeePerGas         string `json:"maxFeePerGas,omitempty"`
	MaxPriorityFeePerGas string `json:"maxPriorityFeePerGas,omitempty"`
}

// FeeCaps parses the EIP-1559 caps. A nil result means the node's suggestion applies.
func (g GasPolicy) FeeCaps() (feeCap, tipCap *big.Int, err error) {
	if feeCap, err = parseWei(g.MaxFeePerGas); err != nil {
		return nil, nil, fmt.Errorf("maxFeePerGas: %w", err)
	}
	if tipCap, err = parseWei(g.MaxPriorityFeePerGas); err != nil {
		return nil, nil, fmt.Errorf("maxPriorityFeePerGas: %w", err)
	}
	if feeCap != nil && tipCap != nil && tipCap.Cmp(feeCap) > 0 {
		return nil, nil, fmt.Errorf("%w: priority fee above max fee", ErrInvalidChain)
	}
	return feeCap, tipCap, nil
}

func parseWei(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("%w: wei amount %q", ErrInvalidChain, s)
	}
	return v, nil
}

// ChainConfig is the static description of a supported network.
type ChainConfig struct {
	ID             uint64                  `json:"chainId"`
	Name           string                  `json:"name"`
	NativeCurrency NativeCurrency          `json:"nativeCurrency"`
	RPCURL         string                  `json:"rpcUrl"`
	// PublicRPCURL is the endpoint offered to browser wallets. RPCURL is the
	// operator's and is never exposed.
	PublicRPCURL   string                  `json:"publicRpcUrl,omitempty"`
	ExplorerURL    string                  `json:"explorerUrl"`
	Contracts      map[ContractRole]string `json:"contracts"`
	Tokens         []string                `json:"tokens"`
	Enabled        bool                    `json:"enabled"`
	IsTestnet      bool                    `json:"isTestnet"`
	Gas            GasPolicy               `json:"gas"`
}

// Contract returns the deployed address for role, or "" when none is configured.
func (c ChainConfig) Contract(role ContractRole) string {
	return strings.TrimSpace(c.Contracts[role])
}

// Ready reports whether the chain is enabled and every required contract is deployed.
func (c ChainConfig) Ready() bool {
	if !c.Enabled {
		return false
	}
	for _, role := range RequiredRoles {
		if c.Contract(role) == "" {
			return false
		}
	}
	return true
}

func (c ChainConfig) clone() ChainConfig {
	out := c
	out.Contracts = make(map[ContractRole]string, len(c.Contracts))
	for role, addr := range c.Contracts {
		out.Contracts[role] = addr
	}
	out.Tokens = append([]string(nil), c.Tokens...)
	return out
}

// NetworkSwitch is the descriptor a browser wallet expects for
// wallet_addEthereumChain / wallet_switchEthereumChain.
type NetworkSwitch struct {
	ChainID           string         `json:"chainId"`
	ChainName         string         `json:"chainName"`
	NativeCurrency    NativeCurrency `json:"nativeCurrency"`
	RPCURLs           []string       `json:"rpcUrls"`
	BlockExplorerURLs []string       `json:"blockExplorerUrls"`
}

var (
	ErrDuplicateChain = errors.New("duplicate chain id")
	ErrInvalidChain   = errors.New("invalid chain config")
)

// Registry is an immutable lookup table of chains keyed by chain id.
// It is safe for concurrent use because nothing mutates it after NewRegistry.
type Registry struct {
	byID map[uint64]ChainConfig
	ids  []uint64
}

func NewRegistry(configs []ChainConfig) (*Registry, error) {
	r := &Registry{byID: make(map[uint64]ChainConfig, len(configs))}
	for _, cfg := range configs {
		if cfg.ID == 0 {
			return nil, fmt.Errorf("%w: chain %q has no id", ErrInvalidChain, cfg.Name)
		}
		if _, exists := r.byID[cfg.ID]; exists {
			return nil, fmt.Errorf("%w: %d", ErrDuplicateChain, cfg.ID)
		}
		if _, _, err := cfg.Gas.FeeCaps(); err != nil {
			return nil, fmt.Errorf("chain %d gas policy: %w", cfg.ID, err)
		}
		r.byID[cfg.ID] = cfg.clone()
		r.ids = append(r.ids, cfg.ID)
	}
	sort.Slice(r.ids, func(i, j int) bool { return r.ids[i] < r.ids[j] })
	return r, nil
}

// ChainByID returns a copy of the chain config; ok is false for unknown ids.
func (r *Registry) ChainByID(id uint64) (ChainConfig, bool) {
	cfg, ok := r.byID[id]
	if !ok {
		return ChainConfig{}, false
	}
	return cfg.clone(), true
}

// IDs lists every configured chain id in ascending order.
func (r *Registry) IDs() []uint64 {
	return append([]uint64(nil), r.ids...)
}

func (r *Registry) EnabledChains() []ChainConfig {
	return r.filter(func(c ChainConfig) bool { return c.Enabled })
}

func (r *Registry) ProductionChains() []ChainConfig {
	return r.filter(func(c ChainConfig) bool { return c.Enabled && !c.IsTestnet })
}

func (r *Registry) IsChainSupported(id uint64) bool {
	cfg, ok := r.byID[id]
	return ok && cfg.Enabled
}

// ValidateChainContracts is false for unknown or disabled chains regardless of addresses.
func (r *Registry) ValidateChainContracts(id uint64) bool {
	cfg, ok := r.byID[id]
	return ok && cfg.Ready()
}

func (r *Registry) NetworkSwitchData(id uint64) (NetworkSwitch, bool) {
	cfg, ok := r.byID[id]
	if !ok {
		return NetworkSwitch{}, false
	}
	out := NetworkSwitch{
		ChainID:           hexutil.EncodeUint64(cfg.ID),
		ChainName:         cfg.Name,
		NativeCurrency:    cfg.NativeCurrency,
		RPCURLs:           []string{},
		BlockExplorerURLs: []string{},
	}
	if cfg.PublicRPCURL != "" {
		out.RPCURLs = append(out.RPCURLs, cfg.PublicRPCURL)
	}
	if cfg.ExplorerURL != "" {
		out.BlockExplorerURLs = append(out.BlockExplorerURLs, cfg.ExplorerURL)
	}
	return out, true
}

func (r *Registry) filter(keep func(ChainConfig) bool) []ChainConfig {
	out := make([]ChainConfig, 0, len(r.ids))
	for _, id := range r.ids {
		cfg := r.byID[id]
		if keep(cfg) {
			out = append(out, cfg.clone())
		}
	}
	return out
}
