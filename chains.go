package paygate

import (
	"fmt"
	"sort"
)

// Network identifiers accepted in requirements and X-PAYMENT headers.
// Unknown network tokens are rejected rather than passed through.
const (
	// EVM Mainnets
	NetworkBase      = "base"
	NetworkPolygon   = "polygon"
	NetworkAvalanche = "avalanche"
	NetworkEthereum  = "ethereum"

	// EVM Testnets
	NetworkBaseSepolia   = "base-sepolia"
	NetworkPolygonAmoy   = "polygon-amoy"
	NetworkAvalancheFuji = "avalanche-fuji"
	NetworkSepolia       = "sepolia"
)

// SchemeExact is the only payment scheme this gate settles.
const SchemeExact = "exact"

// ChainConfig holds configuration for a specific blockchain.
type ChainConfig struct {
	// Network is the x402 v1 network identifier.
	Network string

	// CAIP2 is the equivalent CAIP-2 identifier (e.g., "eip155:84532").
	CAIP2 string

	// ChainID is the EIP-155 chain id used in the EIP-712 domain.
	ChainID int64

	// USDCAddress is the official Circle USDC contract address.
	USDCAddress string

	// Decimals is the number of decimal places for USDC (always 6).
	Decimals uint8

	// EIP3009Name is the EIP-712 domain parameter "name" of USDC on this chain.
	EIP3009Name string

	// EIP3009Version is the EIP-712 domain parameter "version" of USDC on this chain.
	EIP3009Version string
}

// USDCDomain returns the EIP-712 domain of the chain's USDC contract.
func (c ChainConfig) USDCDomain() *EIP712Domain {
	return &EIP712Domain{Name: c.EIP3009Name, Version: c.EIP3009Version}
}

// Predefined chain configurations - EVM Mainnets
var (
	// BaseMainnet is the configuration for Base mainnet.
	BaseMainnet = ChainConfig{
		Network:        NetworkBase,
		CAIP2:          "eip155:8453",
		ChainID:        8453,
		USDCAddress:    "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
		Decimals:       6,
		EIP3009Name:    "USD Coin",
		EIP3009Version: "2",
	}

	// PolygonMainnet is the configuration for Polygon PoS mainnet.
	PolygonMainnet = ChainConfig{
		Network:        NetworkPolygon,
		CAIP2:          "eip155:137",
		ChainID:        137,
		USDCAddress:    "0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359",
		Decimals:       6,
		EIP3009Name:    "USD Coin",
		EIP3009Version: "2",
	}

	// AvalancheMainnet is the configuration for Avalanche C-Chain mainnet.
	AvalancheMainnet = ChainConfig{
		Network:        NetworkAvalanche,
		CAIP2:          "eip155:43114",
		ChainID:        43114,
		USDCAddress:    "0xB97EF9Ef8734C71904D8002F8b6Bc66Dd9c48a6E",
		Decimals:       6,
		EIP3009Name:    "USD Coin",
		EIP3009Version: "2",
	}

	// EthereumMainnet is the configuration for Ethereum mainnet.
	EthereumMainnet = ChainConfig{
		Network:        NetworkEthereum,
		CAIP2:          "eip155:1",
		ChainID:        1,
		USDCAddress:    "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48",
		Decimals:       6,
		EIP3009Name:    "USD Coin",
		EIP3009Version: "2",
	}
)

// Predefined chain configurations - EVM Testnets
var (
	// BaseSepolia is the configuration for Base Sepolia testnet.
	BaseSepolia = ChainConfig{
		Network:        NetworkBaseSepolia,
		CAIP2:          "eip155:84532",
		ChainID:        84532,
		USDCAddress:    "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		Decimals:       6,
		EIP3009Name:    "USDC",
		EIP3009Version: "2",
	}

	// PolygonAmoy is the configuration for Polygon Amoy testnet.
	PolygonAmoy = ChainConfig{
		Network:        NetworkPolygonAmoy,
		CAIP2:          "eip155:80002",
		ChainID:        80002,
		USDCAddress:    "0x41E94Eb019C0762f9Bfcf9Fb1E58725BfB0e7582",
		Decimals:       6,
		EIP3009Name:    "USDC",
		EIP3009Version: "2",
	}

	// AvalancheFuji is the configuration for Avalanche Fuji testnet.
	AvalancheFuji = ChainConfig{
		Network:        NetworkAvalancheFuji,
		CAIP2:          "eip155:43113",
		ChainID:        43113,
		USDCAddress:    "0x5425890298aed601595a70AB815c96711a31Bc65",
		Decimals:       6,
		EIP3009Name:    "USD Coin",
		EIP3009Version: "2",
	}

	// Sepolia is the configuration for Ethereum Sepolia testnet.
	Sepolia = ChainConfig{
		Network:        NetworkSepolia,
		CAIP2:          "eip155:11155111",
		ChainID:        11155111,
		USDCAddress:    "0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238",
		Decimals:       6,
		EIP3009Name:    "USDC",
		EIP3009Version: "2",
	}
)

// chainConfigByNetwork maps network identifiers to chain configurations.
var chainConfigByNetwork = map[string]ChainConfig{
	NetworkBase:          BaseMainnet,
	NetworkPolygon:       PolygonMainnet,
	NetworkAvalanche:     AvalancheMainnet,
	NetworkEthereum:      EthereumMainnet,
	NetworkBaseSepolia:   BaseSepolia,
	NetworkPolygonAmoy:   PolygonAmoy,
	NetworkAvalancheFuji: AvalancheFuji,
	NetworkSepolia:       Sepolia,
}

// GetChainConfig returns the chain configuration for a network identifier.
// Returns an error if the network is not recognized.
func GetChainConfig(network string) (ChainConfig, error) {
	config, ok := chainConfigByNetwork[network]
	if !ok {
		return ChainConfig{}, fmt.Errorf("%w: %s", ErrInvalidNetwork, network)
	}
	return config, nil
}

// GetChainID returns the EIP-155 chain id for a network identifier.
func GetChainID(network string) (int64, error) {
	config, err := GetChainConfig(network)
	if err != nil {
		return 0, err
	}
	return config.ChainID, nil
}

// IsKnownNetwork reports whether network is one of the fixed network tokens.
func IsKnownNetwork(network string) bool {
	_, ok := chainConfigByNetwork[network]
	return ok
}

// IsKnownScheme reports whether scheme is a scheme this gate understands.
func IsKnownScheme(scheme string) bool {
	return scheme == SchemeExact
}

// Networks returns the sorted list of known network identifiers.
func Networks() []string {
	networks := make([]string, 0, len(chainConfigByNetwork))
	for network := range chainConfigByNetwork {
		networks = append(networks, network)
	}
	sort.Strings(networks)
	return networks
}

// NewUSDCRequirement builds an "exact" requirement for USDC on the given chain.
// amount is in atomic units.
func NewUSDCRequirement(chain ChainConfig, resource, payTo, amount string, maxTimeoutSeconds int) PaymentRequirement {
	return PaymentRequirement{
		Scheme:            SchemeExact,
		Network:           chain.Network,
		MaxAmountRequired: amount,
		Resource:          resource,
		PayTo:             payTo,
		MaxTimeoutSeconds: maxTimeoutSeconds,
		Asset:             chain.USDCAddress,
		MimeType:          "application/json",
		Extra:             chain.USDCDomain(),
	}
}
