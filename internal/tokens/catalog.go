package tokens

import "escrowpay/internal/chains"

// DefaultTokens is the built-in token catalog matching chains.DefaultChains.
func DefaultTokens() []TokenConfig {
	return []TokenConfig{
		// Ethereum
		stable("0x6c3ea9036406852006290770BEdFcAbA0e23A0e8", "PYUSD", "PayPal USD", 6, chains.EthereumMainnet, true),
		stable("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48", "USDC", "USD Coin", 6, chains.EthereumMainnet, false),
		native("ETH", "Ether", chains.EthereumMainnet),

		// Arbitrum One
		stable("0x46850aD61C2B7d64d08c9C754F45254596696984", "PYUSD", "PayPal USD", 6, chains.ArbitrumOne, true),
		stable("0xaf88d065e77c8cC2239327C5EDb3A432268e5831", "USDC", "USD Coin", 6, chains.ArbitrumOne, false),
		native("ETH", "Ether", chains.ArbitrumOne),

		// Sepolia
		stable("0xCaC524BcA292aaade2DF8A05cC58F0a65B1B3bB9", "PYUSD", "PayPal USD", 6, chains.Sepolia, true),
		stable("0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238", "USDC", "USD Coin", 6, chains.Sepolia, false),
		native("ETH", "Sepolia Ether", chains.Sepolia),

		// Arbitrum Sepolia
		stable("0x75faf114eafb1BDbe2F0316DF893fd58CE46AA4d", "USDC", "USD Coin", 6, chains.ArbitrumSepolia, true),
		native("ETH", "Sepolia Ether", chains.ArbitrumSepolia),
	}
}

func stable(address, symbol, name string, decimals int, chainID uint64, isDefault bool) TokenConfig {
	return TokenConfig{
		Address:      address,
		Symbol:       symbol,
		Name:         name,
		Decimals:     decimals,
		ChainID:      chainID,
		Enabled:      true,
		IsDefault:    isDefault,
		IsStablecoin: true,
		Category:     CategoryStablecoin,
	}
}

func native(symbol, name string, chainID uint64) TokenConfig {
	return TokenConfig{
		Address:  NativeAddress,
		Symbol:   symbol,
		Name:     name,
		Decimals: 18,
		ChainID:  chainID,
		Enabled:  true,
		Category: CategoryNative,
	}
}
