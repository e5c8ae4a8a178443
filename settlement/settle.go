// Package settlement executes on-chain transfers for verified authorizations.
// Settlement is distinct from verification: a verified-but-unsettled payment
// is a success with a loud operator signal, never a silent state.
package settlement

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/payport/x402gate/eip712"
	"github.com/payport/x402gate/logger"
	x402types "github.com/payport/x402gate/types"
)

const transferWithAuthorizationABI = `
[
  {
    "name": "transferWithAuthorization",
    "type": "function",
    "stateMutability": "nonpayable",
    "inputs": [
      { "name": "from", "type": "address" },
      { "name": "to", "type": "address" },
      { "name": "value", "type": "uint256" },
      { "name": "validAfter", "type": "uint256" },
      { "name": "validBefore", "type": "uint256" },
      { "name": "nonce", "type": "bytes32" },
      { "name": "v", "type": "uint8" },
      { "name": "r", "type": "bytes32" },
      { "name": "s", "type": "bytes32" }
    ],
    "outputs": []
  }
]
`

const settleGasLimit = 120000

// Backend is the subset of ethclient used for settlement submission.
type Backend interface {
	bind.DeployBackend
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// Settler submits a verified authorization for on-chain execution.
type Settler interface {
	Settle(ctx context.Context, network x402types.Network, asset string, auth *x402types.Authorization, signature string) (*x402types.SettlementResult, error)
	Configured(network x402types.Network) bool
}

// Executor settles EIP-3009 authorizations using per-network settlement keys.
type Executor struct {
	backends map[x402types.Network]Backend
	keys     map[x402types.Network]*ecdsa.PrivateKey
	log      logger.Logger
	timeout  time.Duration
	parsed   abi.ABI
}

// NewExecutor creates a settlement executor. Networks without a key simply
// never settle; verification stays available for them.
func NewExecutor(log logger.Logger, timeout time.Duration) (*Executor, error) {
	parsed, err := abi.JSON(strings.NewReader(transferWithAuthorizationABI))
	if err != nil {
		return nil, fmt.Errorf("parse transferWithAuthorization ABI: %w", err)
	}
	if log == nil {
		log = logger.NoopLogger{}
	}
	return &Executor{
		backends: make(map[x402types.Network]Backend),
		keys:     make(map[x402types.Network]*ecdsa.PrivateKey),
		log:      log,
		timeout:  timeout,
		parsed:   parsed,
	}, nil
}

// AddNetwork wires a network with its RPC endpoint and hex settlement key.
func (e *Executor) AddNetwork(network x402types.Network, rpcURL, hexKey string) error {
	if !network.IsEVM() {
		return &x402types.GateError{
			Code:    x402types.ErrUnsupportedNetwork,
			Message: fmt.Sprintf("settlement is only supported on EVM networks, got %s", network),
		}
	}

	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return fmt.Errorf("failed to connect to %s RPC: %w", network, err)
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return x402types.ConfigErrorf("invalid settlement key for %s: %v", network, err)
	}

	e.backends[network] = client
	e.keys[network] = key
	return nil
}

// AddBackend wires a prebuilt backend. Used by tests.
func (e *Executor) AddBackend(network x402types.Network, backend Backend, key *ecdsa.PrivateKey) {
	e.backends[network] = backend
	e.keys[network] = key
}

// Configured reports whether settlement is possible on a network.
func (e *Executor) Configured(network x402types.Network) bool {
	_, ok := e.keys[network]
	return ok
}

// Settle packs transferWithAuthorization with the authorization fields and
// signature components, submits it with the settlement key and waits for the
// receipt. This is the single blocking-for-latency operation in the gateway.
func (e *Executor) Settle(
	ctx context.Context,
	network x402types.Network,
	asset string,
	auth *x402types.Authorization,
	signature string,
) (*x402types.SettlementResult, error) {
	backend, ok := e.backends[network]
	if !ok {
		return &x402types.SettlementResult{
			Success: false,
			Network: network,
			Error:   fmt.Sprintf("no settlement backend configured for network %s", network),
		}, nil
	}
	key := e.keys[network]

	callData, err := e.packCallData(auth, signature)
	if err != nil {
		return &x402types.SettlementResult{Success: false, Network: network, Error: err.Error()}, nil
	}

	settleCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	chainID, err := backend.ChainID(settleCtx)
	if err != nil {
		return nil, fmt.Errorf("chain id lookup failed: %w", err)
	}

	sender := crypto.PubkeyToAddress(key.PublicKey)
	nonce, err := backend.PendingNonceAt(settleCtx, sender)
	if err != nil {
		return nil, fmt.Errorf("nonce lookup failed: %w", err)
	}
	gasPrice, err := backend.SuggestGasPrice(settleCtx)
	if err != nil {
		return nil, fmt.Errorf("gas price lookup failed: %w", err)
	}

	contract := common.HexToAddress(asset)
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &contract,
		Gas:      settleGasLimit,
		GasPrice: gasPrice,
		Data:     callData,
	})

	signedTx, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), key)
	if err != nil {
		return nil, fmt.Errorf("transaction signing failed: %w", err)
	}

	if err := backend.SendTransaction(settleCtx, signedTx); err != nil {
		return &x402types.SettlementResult{
			Success: false,
			Network: network,
			Error:   fmt.Sprintf("broadcast failed: %v", err),
		}, nil
	}

	e.log.Info("settlement submitted", map[string]any{
		"network": network.String(),
		"tx":      signedTx.Hash().Hex(),
		"from":    auth.From,
		"value":   auth.Value,
	})

	receipt, err := bind.WaitMined(settleCtx, backend, signedTx)
	if err != nil {
		return &x402types.SettlementResult{
			Success: false,
			Network: network,
			TxHash:  signedTx.Hash().Hex(),
			Error:   fmt.Sprintf("confirmation wait failed: %v", err),
		}, nil
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return &x402types.SettlementResult{
			Success: false,
			Network: network,
			TxHash:  signedTx.Hash().Hex(),
			Error:   "settlement transaction reverted",
		}, nil
	}

	return &x402types.SettlementResult{
		Success: true,
		Network: network,
		TxHash:  signedTx.Hash().Hex(),
	}, nil
}

func (e *Executor) packCallData(auth *x402types.Authorization, signature string) ([]byte, error) {
	v, r, s, err := eip712.SplitSignature(signature)
	if err != nil {
		return nil, err
	}
	nonce, err := eip712.NonceBytes(auth.Nonce)
	if err != nil {
		return nil, err
	}
	value, ok := new(big.Int).SetString(auth.Value, 10)
	if !ok {
		return nil, fmt.Errorf("invalid authorization value %q", auth.Value)
	}

	return e.parsed.Pack(
		"transferWithAuthorization",
		common.HexToAddress(auth.From),
		common.HexToAddress(auth.To),
		value,
		big.NewInt(auth.ValidAfter),
		big.NewInt(auth.ValidBefore),
		nonce,
		v,
		r,
		s,
	)
}

// Close releases all backend connections.
func (e *Executor) Close() {
	for _, b := range e.backends {
		if c, ok := b.(*ethclient.Client); ok {
			c.Close()
		}
	}
}
