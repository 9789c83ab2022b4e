package chains

import "strings"

const (
	EthereumMainnet uint64 = 1
	ArbitrumOne     uint64 = 42161
	Sepolia         uint64 = 11155111
	ArbitrumSepolia uint64 = 421614
)

var ether = NativeCurrency{Name: "Ether", Symbol: "ETH", Decimals: 18}

// DefaultChains is the built-in catalog. Contract addresses are left empty and
// filled from the deployments file, so a fresh install has no usable chain.
func DefaultChains() []ChainConfig {
	return []ChainConfig{
		{
			ID:             EthereumMainnet,
			Name:           "Ethereum",
			NativeCurrency: ether,
			RPCURL:         "https://ethereum-rpc.publicnode.com",
			PublicRPCURL:   "https://ethereum-rpc.publicnode.com",
			ExplorerURL:    "https://etherscan.io",
			Contracts:      emptyContracts(),
			Tokens:         []string{"PYUSD", "USDC", "ETH"},
			Enabled:        true,
			Gas:            GasPolicy{GasLimit: 350_000},
		},
		{
			ID:             ArbitrumOne,
			Name:           "Arbitrum One",
			NativeCurrency: ether,
			RPCURL:         "https://arb1.arbitrum.io/rpc",
			PublicRPCURL:   "https://arb1.arbitrum.io/rpc",
			ExplorerURL:    "https://arbiscan.io",
			Contracts:      emptyContracts(),
			Tokens:         []string{"PYUSD", "USDC", "ETH"},
			Enabled:        true,
			Gas:            GasPolicy{GasLimit: 1_500_000},
		},
		{
			ID:             Sepolia,
			Name:           "Sepolia",
			NativeCurrency: NativeCurrency{Name: "Sepolia Ether", Symbol: "ETH", Decimals: 18},
			RPCURL:         "https://ethereum-sepolia-rpc.publicnode.com",
			PublicRPCURL:   "https://ethereum-sepolia-rpc.publicnode.com",
			ExplorerURL:    "https://sepolia.etherscan.io",
			Contracts:      emptyContracts(),
			Tokens:         []string{"PYUSD", "USDC", "ETH"},
			Enabled:        true,
			IsTestnet:      true,
			Gas:            GasPolicy{GasLimit: 350_000},
		},
		{
			ID:             ArbitrumSepolia,
			Name:           "Arbitrum Sepolia",
			NativeCurrency: NativeCurrency{Name: "Sepolia Ether", Symbol: "ETH", Decimals: 18},
			RPCURL:         "https://sepolia-rollup.arbitrum.io/rpc",
			PublicRPCURL:   "https://sepolia-rollup.arbitrum.io/rpc",
			ExplorerURL:    "https://sepolia.arbiscan.io",
			Contracts:      emptyContracts(),
			Tokens:         []string{"USDC", "ETH"},
			Enabled:        true,
			IsTestnet:      true,
			Gas:            GasPolicy{GasLimit: 1_500_000},
		},
	}
}

// Deployments maps chain id to deployed contract addresses, as written by the
// contract deploy scripts into deployments.json.
type Deployments map[uint64]map[ContractRole]string

// ApplyDeployments returns a copy of configs with deployed addresses merged in.
// Chains missing from deployments keep whatever addresses they already had.
func ApplyDeployments(configs []ChainConfig, deployments Deployments) []ChainConfig {
	out := make([]ChainConfig, 0, len(configs))
	for _, cfg := range configs {
		merged := cfg.clone()
		for role, addr := range deployments[cfg.ID] {
			if addr = strings.TrimSpace(addr); addr != "" {
				merged.Contracts[role] = addr
			}
		}
		out = append(out, merged)
	}
	return out
}

// WithRPCOverrides replaces the RPC URL of chains present in overrides. The
// public URL handed to wallets is left alone: overrides are operator endpoints
// and often embed a provider key.
func WithRPCOverrides(configs []ChainConfig, overrides map[uint64]string) []ChainConfig {
	out := make([]ChainConfig, 0, len(configs))
	for _, cfg := range configs {
		merged := cfg.clone()
		if url, ok := overrides[cfg.ID]; ok && url != "" {
			merged.RPCURL = url
		}
		out = append(out, merged)
	}
	return out
}

func emptyContracts() map[ContractRole]string {
	return map[ContractRole]string{
		RoleEscrowFactory:    "",
		RoleMerchantRegistry: "",
		RolePaymentProcessor: "",
		RoleFeeCollector:     "",
	}
}
