// Package registry holds the static mapping of logical networks to payout
// addresses, chain metadata and payable assets. It is pure lookup: no I/O.
package registry

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/payport/x402gate/types"
)

// Asset is a payable token on a network.
type Asset struct {
	Symbol   string
	Decimals int32

	// Contract is the ERC-20 contract address (EVM) or SPL mint (Solana).
	// Empty for the chain's native asset.
	Contract string

	// USDPrice is the configured USD price of one whole unit of the asset.
	// Stablecoins carry 1.0; anything else needs an operator-supplied quote.
	USDPrice decimal.Decimal

	// EIP-712 domain defaults for typed-data authorizations against this
	// asset. Empty on non-EVM networks.
	EIP712Name    string
	EIP712Version string
}

// NetworkInfo is everything the gateway knows about one network.
type NetworkInfo struct {
	Network    types.Network
	ChainID    *big.Int // nil for non-EVM networks
	DefaultRPC string
	PayTo      string // payout address, set from configuration
	Assets     []Asset
}

// Registry maps logical network identifiers to their metadata.
type Registry struct {
	networks map[types.Network]*NetworkInfo
	byChain  map[uint64]types.Network
}

var one = decimal.NewFromInt(1)

// Default returns a registry pre-populated with the built-in networks and
// their USDC assets. Payout addresses and RPC overrides come from
// configuration afterwards.
func Default() *Registry {
	r := &Registry{
		networks: make(map[types.Network]*NetworkInfo),
		byChain:  make(map[uint64]types.Network),
	}

	r.add(&NetworkInfo{
		Network:    types.NetworkBase,
		ChainID:    big.NewInt(8453),
		DefaultRPC: "https://mainnet.base.org",
		Assets: []Asset{{
			Symbol: "USDC", Decimals: 6,
			Contract:   "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
			USDPrice:   one,
			EIP712Name: "USD Coin", EIP712Version: "2",
		}},
	})
	r.add(&NetworkInfo{
		Network:    types.NetworkBaseSepolia,
		ChainID:    big.NewInt(84532),
		DefaultRPC: "https://sepolia.base.org",
		Assets: []Asset{{
			Symbol: "USDC", Decimals: 6,
			Contract:   "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
			USDPrice:   one,
			EIP712Name: "USDC", EIP712Version: "2",
		}},
	})
	r.add(&NetworkInfo{
		Network:    types.NetworkPolygon,
		ChainID:    big.NewInt(137),
		DefaultRPC: "https://polygon-rpc.com",
		Assets: []Asset{{
			Symbol: "USDC", Decimals: 6,
			Contract:   "0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359",
			USDPrice:   one,
			EIP712Name: "USD Coin", EIP712Version: "2",
		}},
	})
	r.add(&NetworkInfo{
		Network:    types.NetworkPolygonAmoy,
		ChainID:    big.NewInt(80002),
		DefaultRPC: "https://rpc-amoy.polygon.technology",
		Assets: []Asset{{
			Symbol: "USDC", Decimals: 6,
			Contract:   "0x41E94Eb019C0762f9Bfcf9Fb1E58725BfB0e7582",
			USDPrice:   one,
			EIP712Name: "USDC", EIP712Version: "2",
		}},
	})
	r.add(&NetworkInfo{
		Network:    types.NetworkSolanaMainnet,
		DefaultRPC: "https://api.mainnet-beta.solana.com",
		Assets: []Asset{{
			Symbol: "USDC", Decimals: 6,
			Contract: "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v",
			USDPrice: one,
		}},
	})
	r.add(&NetworkInfo{
		Network:    types.NetworkSolanaDevnet,
		DefaultRPC: "https://api.devnet.solana.com",
		Assets: []Asset{{
			Symbol: "USDC", Decimals: 6,
			Contract: "4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU",
			USDPrice: one,
		}},
	})

	return r
}

func (r *Registry) add(info *NetworkInfo) {
	r.networks[info.Network] = info
	if info.ChainID != nil {
		r.byChain[info.ChainID.Uint64()] = info.Network
	}
}

// Lookup returns the metadata for a network.
func (r *Registry) Lookup(network types.Network) (*NetworkInfo, error) {
	info, ok := r.networks[network]
	if !ok {
		return nil, &types.GateError{
			Code:    types.ErrUnsupportedNetwork,
			Message: fmt.Sprintf("unsupported network: %s", network),
		}
	}
	return info, nil
}

// PayTo returns the payout address for a network. A missing payout address is
// a configuration error, not an empty result.
func (r *Registry) PayTo(network types.Network) (string, error) {
	info, err := r.Lookup(network)
	if err != nil {
		return "", err
	}
	if info.PayTo == "" {
		return "", types.ConfigErrorf("no payout address configured for network %s", network)
	}
	return info.PayTo, nil
}

// SetPayTo sets the payout address for a network.
func (r *Registry) SetPayTo(network types.Network, addr string) error {
	info, err := r.Lookup(network)
	if err != nil {
		return err
	}
	info.PayTo = addr
	return nil
}

// SetRPC overrides the RPC endpoint for a network.
func (r *Registry) SetRPC(network types.Network, url string) error {
	info, err := r.Lookup(network)
	if err != nil {
		return err
	}
	info.DefaultRPC = url
	return nil
}

// RPC resolves the effective RPC endpoint for a network.
func (r *Registry) RPC(network types.Network) (string, error) {
	info, err := r.Lookup(network)
	if err != nil {
		return "", err
	}
	return info.DefaultRPC, nil
}

// NetworkForChainID maps an EVM chain id to its logical network.
func (r *Registry) NetworkForChainID(chainID uint64) (types.Network, bool) {
	n, ok := r.byChain[chainID]
	return n, ok
}

// AddAsset registers an additional payable asset on a network.
func (r *Registry) AddAsset(network types.Network, asset Asset) error {
	info, err := r.Lookup(network)
	if err != nil {
		return err
	}
	if asset.Contract == "" {
		return types.ConfigErrorf("asset %s on %s has no contract address", asset.Symbol, network)
	}
	info.Assets = append(info.Assets, asset)
	return nil
}

// AssetByContract finds a network's asset by contract/mint address.
func (r *Registry) AssetByContract(network types.Network, contract string) (Asset, bool) {
	info, ok := r.networks[network]
	if !ok {
		return Asset{}, false
	}
	for _, a := range info.Assets {
		if strings.EqualFold(a.Contract, contract) {
			return a, true
		}
	}
	return Asset{}, false
}

// DefaultAsset returns the first configured asset for a network.
func (r *Registry) DefaultAsset(network types.Network) (Asset, error) {
	info, err := r.Lookup(network)
	if err != nil {
		return Asset{}, err
	}
	if len(info.Assets) == 0 {
		return Asset{}, types.ConfigErrorf("no assets configured for network %s", network)
	}
	return info.Assets[0], nil
}

// Networks returns all registered networks.
func (r *Registry) Networks() []types.Network {
	out := make([]types.Network, 0, len(r.networks))
	for n := range r.networks {
		out = append(out, n)
	}
	return out
}
