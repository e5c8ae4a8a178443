// Package proof normalizes the heterogeneous payment-proof encodings found in
// headers and query parameters into a typed PaymentProof value.
package proof

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/payport/x402gate/registry"
	"github.com/payport/x402gate/types"
)

// ErrUnrecognized is returned when no classification matches. Callers surface
// it as "no valid payment credentials".
var ErrUnrecognized = &types.GateError{
	Code:    types.ErrInvalidProof,
	Message: "no valid payment credentials",
}

// Decoder classifies raw proof strings. Defaults resolve proofs that do not
// name their own network.
type Decoder struct {
	Registry      *registry.Registry
	DefaultEVM    types.Network
	DefaultNative types.Network
}

// envelope is the superset of JSON proof shapes clients send. The
// authorization may arrive under "authorization" or "message".
type envelope struct {
	Signature     string               `json:"signature"`
	Authorization *types.Authorization `json:"authorization"`
	Message       *types.Authorization `json:"message"`
	Network       string               `json:"network"`
	ChainID       json.RawMessage      `json:"chainId"` // number or quoted string
	Domain        *types.DomainHints   `json:"domain"`
}

// Decode determines which proof shape was supplied and normalizes it.
// Classification order, most structured first:
//
//  1. base64-encoded JSON authorization
//  2. bare JSON authorization
//  3. legacy colon-delimited "network:address:signature"
//  4. raw chain-specific signature (opaque token)
//
// Ambiguity always resolves toward the most structured shape that parses.
func (d *Decoder) Decode(raw string) (*types.PaymentProof, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrUnrecognized
	}

	candidate := raw
	if decoded, ok := tryBase64(raw); ok {
		candidate = decoded
	}

	if p, ok := d.tryJSON(candidate); ok {
		return p, nil
	}

	if p, ok := d.tryLegacyColon(candidate); ok {
		return p, nil
	}

	if p, ok := d.tryOpaqueSignature(candidate); ok {
		return p, nil
	}

	return nil, ErrUnrecognized
}

// tryBase64 attempts a base64 decode, falling back to the raw string when the
// decode fails or yields non-text.
func tryBase64(s string) (string, bool) {
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding,
		base64.URLEncoding,
		base64.RawStdEncoding,
	} {
		b, err := enc.DecodeString(s)
		if err != nil {
			continue
		}
		if !utf8.Valid(b) || strings.ContainsRune(string(b), 0) {
			continue
		}
		return string(b), true
	}
	return s, false
}

func (d *Decoder) tryJSON(s string) (*types.PaymentProof, bool) {
	if !strings.HasPrefix(strings.TrimSpace(s), "{") {
		return nil, false
	}

	var env envelope
	if err := json.Unmarshal([]byte(s), &env); err != nil {
		return nil, false
	}

	auth := env.Authorization
	if auth == nil {
		auth = env.Message
	}
	if env.Signature == "" || auth == nil {
		return nil, false
	}

	return &types.PaymentProof{
		Kind: types.ProofTypedDataAuthorization,
		TypedData: &types.TypedDataAuthorization{
			Network:       d.resolveNetwork(env),
			Authorization: auth,
			Signature:     env.Signature,
			Domain:        env.Domain,
		},
	}, true
}

// resolveNetwork picks the network for a typed-data proof: explicit field
// first, then any declared chain id, then the configured default.
func (d *Decoder) resolveNetwork(env envelope) types.Network {
	if env.Network != "" {
		n := types.Network(env.Network)
		if _, err := d.Registry.Lookup(n); err == nil {
			return n
		}
	}

	chainID := strings.Trim(string(env.ChainID), `"`)
	if chainID == "" && env.Domain != nil {
		chainID = env.Domain.ChainID
	}
	if chainID != "" {
		var id uint64
		if _, err := fmt.Sscanf(chainID, "%d", &id); err == nil {
			if n, ok := d.Registry.NetworkForChainID(id); ok {
				return n
			}
		}
	}

	return d.DefaultEVM
}

// tryLegacyColon parses the legacy "network:address:signature" form. The EVM
// variant carries only an opaque signature with no authorization fields, so
// verification of it fails fast; legacy unstructured EVM signatures are
// flagged, not settled.
func (d *Decoder) tryLegacyColon(s string) (*types.PaymentProof, bool) {
	parts := strings.Split(s, ":")
	if len(parts) < 3 {
		return nil, false
	}

	token := strings.ToLower(parts[0])
	signature := parts[len(parts)-1]

	switch {
	case strings.HasPrefix(token, "solana") || token == "sol":
		network := d.DefaultNative
		if _, err := d.Registry.Lookup(types.Network(token)); err == nil {
			network = types.Network(token)
		}
		return &types.PaymentProof{
			Kind:   types.ProofNativeChainSignature,
			Native: &types.NativeChainSignature{Signature: signature, Network: network},
		}, true

	default:
		network := d.DefaultEVM
		if n := types.Network(token); n.IsEVM() {
			network = n
		}
		return &types.PaymentProof{
			Kind: types.ProofTypedDataAuthorization,
			TypedData: &types.TypedDataAuthorization{
				Network:   network,
				Signature: signature,
			},
		}, true
	}
}

// tryOpaqueSignature treats a single long token as a bare transaction
// signature on the default native network.
func (d *Decoder) tryOpaqueSignature(s string) (*types.PaymentProof, bool) {
	if len(s) < 64 || strings.ContainsAny(s, ": \t\n{}") {
		return nil, false
	}
	return &types.PaymentProof{
		Kind:   types.ProofNativeChainSignature,
		Native: &types.NativeChainSignature{Signature: s, Network: d.DefaultNative},
	}, true
}

// FacilitatorProof wraps an opaque payment id supplied through the payment-id
// transport locations.
func FacilitatorProof(id string) *types.PaymentProof {
	return &types.PaymentProof{Kind: types.ProofFacilitatorID, FacilitatorID: id}
}
