package types

// Network represents supported blockchain networks
type Network string

const (
	// EVM Networks
	NetworkBase        Network = "base"
	NetworkBaseSepolia Network = "base-sepolia" // testnet
	NetworkPolygon     Network = "polygon"
	NetworkPolygonAmoy Network = "polygon-amoy" // testnet

	// Solana Networks
	NetworkSolanaMainnet Network = "solana-mainnet"
	NetworkSolanaDevnet  Network = "solana-devnet" // testnet
)

// Helper functions for network classification
func (n Network) IsEVM() bool {
	return n == NetworkBase || n == NetworkBaseSepolia || n == NetworkPolygon || n == NetworkPolygonAmoy
}

func (n Network) IsSolana() bool {
	return n == NetworkSolanaMainnet || n == NetworkSolanaDevnet
}

func (n Network) IsTestnet() bool {
	return n == NetworkBaseSepolia || n == NetworkPolygonAmoy || n == NetworkSolanaDevnet
}

func (n Network) String() string {
	return string(n)
}

// AllNetworks lists every network the gateway knows about.
func AllNetworks() []Network {
	return []Network{
		NetworkBase, NetworkBaseSepolia,
		NetworkPolygon, NetworkPolygonAmoy,
		NetworkSolanaMainnet, NetworkSolanaDevnet,
	}
}
