// Package config loads the gateway's environment configuration surface.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/payport/x402gate/types"
)

const envPrefix = "X402GATE_"

// Config is the full operator-facing configuration of the gateway.
type Config struct {
	// PayTo maps each network to its payout address. A route accepting a
	// network without a payout address refuses to start.
	PayTo map[types.Network]string

	// RPC overrides the default RPC endpoint per network.
	RPC map[types.Network]string

	// SettlementKeys holds hex-encoded settlement private keys per network.
	// Absence disables settlement for that network but not verification.
	SettlementKeys map[types.Network]string

	// FacilitatorURL is the base URL of the remote verification facilitator.
	FacilitatorURL string `validate:"omitempty,url"`

	// TrustedSigners is the explicit allow-list of intermediary signer
	// addresses accepted when the recovered signer differs from the payer.
	TrustedSigners []string

	// AllowSignerMismatch accepts any signer/payer mismatch. Testing-only
	// escape hatch; when engaged every acceptance is logged loudly.
	AllowSignerMismatch bool

	// DomainDiagnostics enables recovery attempts under sibling typed-data
	// types to produce sharper diagnostics. Never grants success by itself.
	DomainDiagnostics bool

	// DefaultEVMNetwork resolves typed-data proofs that name no network.
	DefaultEVMNetwork types.Network `validate:"required"`

	// DefaultNativeNetwork resolves bare native-chain signatures.
	DefaultNativeNetwork types.Network `validate:"required"`

	// Timeout bounds every outbound verification call (RPC, facilitator).
	Timeout time.Duration `validate:"required,gt=0"`
}

var validate = validator.New()

// Default returns a configuration with sane defaults and every escape hatch
// disabled.
func Default() *Config {
	return &Config{
		PayTo:                make(map[types.Network]string),
		RPC:                  make(map[types.Network]string),
		SettlementKeys:       make(map[types.Network]string),
		DefaultEVMNetwork:    types.NetworkBase,
		DefaultNativeNetwork: types.NetworkSolanaMainnet,
		Timeout:              30 * time.Second,
	}
}

// FromEnv builds a Config from the X402GATE_* environment surface:
//
//	X402GATE_PAYTO_<NETWORK>       payout address per network
//	X402GATE_RPC_<NETWORK>         RPC endpoint override per network
//	X402GATE_SETTLE_KEY_<NETWORK>  settlement private key per network
//	X402GATE_FACILITATOR_URL       facilitator base URL
//	X402GATE_TRUSTED_SIGNERS       comma-separated intermediary allow-list
//	X402GATE_ALLOW_SIGNER_MISMATCH testing-only, default off
//	X402GATE_DOMAIN_DIAGNOSTICS    diagnostics-only domain retries, default off
//	X402GATE_DEFAULT_EVM_NETWORK   default EVM network
//	X402GATE_DEFAULT_NATIVE_NETWORK default native network
//	X402GATE_TIMEOUT               outbound call timeout (Go duration)
//
// Network name segments use upper case with '-' replaced by '_'
// (e.g. X402GATE_PAYTO_BASE_SEPOLIA).
func FromEnv() (*Config, error) {
	cfg := Default()

	for _, n := range types.AllNetworks() {
		seg := envSegment(n)
		if v := os.Getenv(envPrefix + "PAYTO_" + seg); v != "" {
			cfg.PayTo[n] = v
		}
		if v := os.Getenv(envPrefix + "RPC_" + seg); v != "" {
			cfg.RPC[n] = v
		}
		if v := os.Getenv(envPrefix + "SETTLE_KEY_" + seg); v != "" {
			cfg.SettlementKeys[n] = v
		}
	}

	cfg.FacilitatorURL = os.Getenv(envPrefix + "FACILITATOR_URL")
	if v := os.Getenv(envPrefix + "TRUSTED_SIGNERS"); v != "" {
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				cfg.TrustedSigners = append(cfg.TrustedSigners, s)
			}
		}
	}
	cfg.AllowSignerMismatch = boolEnv(envPrefix + "ALLOW_SIGNER_MISMATCH")
	cfg.DomainDiagnostics = boolEnv(envPrefix + "DOMAIN_DIAGNOSTICS")

	if v := os.Getenv(envPrefix + "DEFAULT_EVM_NETWORK"); v != "" {
		cfg.DefaultEVMNetwork = types.Network(v)
	}
	if v := os.Getenv(envPrefix + "DEFAULT_NATIVE_NETWORK"); v != "" {
		cfg.DefaultNativeNetwork = types.Network(v)
	}
	if v := os.Getenv(envPrefix + "TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, types.ConfigErrorf("invalid %sTIMEOUT %q: %v", envPrefix, v, err)
		}
		cfg.Timeout = d
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks structural constraints and network names.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return types.ConfigErrorf("invalid configuration: %v", err)
	}
	if !c.DefaultEVMNetwork.IsEVM() {
		return types.ConfigErrorf("default EVM network %q is not an EVM network", c.DefaultEVMNetwork)
	}
	if !c.DefaultNativeNetwork.IsSolana() {
		return types.ConfigErrorf("default native network %q is not a native network", c.DefaultNativeNetwork)
	}
	return nil
}

func envSegment(n types.Network) string {
	return strings.ToUpper(strings.ReplaceAll(n.String(), "-", "_"))
}

func boolEnv(key string) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// String renders the config for startup logs with secrets elided.
func (c *Config) String() string {
	keys := make([]string, 0, len(c.SettlementKeys))
	for n := range c.SettlementKeys {
		keys = append(keys, n.String())
	}
	return fmt.Sprintf("payto=%v facilitator=%q settlement_keys=%v trusted_signers=%d mismatch_escape=%t",
		c.PayTo, c.FacilitatorURL, keys, len(c.TrustedSigners), c.AllowSignerMismatch)
}
