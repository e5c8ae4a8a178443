package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
)

// X402Version is the version of the x402 protocol this gateway speaks.
const X402Version = 1

// PaymentScheme represents different payment schemes
type PaymentScheme string

const (
	SchemeExact PaymentScheme = "exact"
)

// ProofKind tags the variant of a PaymentProof.
type ProofKind int

const (
	ProofUnrecognized ProofKind = iota
	ProofNativeChainSignature
	ProofTypedDataAuthorization
	ProofFacilitatorID
)

func (k ProofKind) String() string {
	switch k {
	case ProofNativeChainSignature:
		return "native-chain-signature"
	case ProofTypedDataAuthorization:
		return "typed-data-authorization"
	case ProofFacilitatorID:
		return "facilitator-id"
	default:
		return "unrecognized"
	}
}

// NativeChainSignature is a transaction signature on a native chain (Solana-style).
type NativeChainSignature struct {
	Signature string  `json:"signature"`
	Network   Network `json:"network"`
}

// Authorization carries the fields of a gasless transfer authorization:
// payer, payee, value in smallest units, validity window and a unique nonce.
type Authorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`       // uint256 decimal string
	ValidAfter  int64  `json:"validAfter"`  // epoch seconds
	ValidBefore int64  `json:"validBefore"` // epoch seconds
	Nonce       string `json:"nonce"`       // bytes32 hex
}

// UnmarshalJSON accepts validAfter/validBefore as either JSON numbers or
// decimal strings; clients encode them both ways in the wild.
func (a *Authorization) UnmarshalJSON(data []byte) error {
	type alias struct {
		From        string      `json:"from"`
		To          string      `json:"to"`
		Value       json.Number `json:"value"`
		ValidAfter  json.Number `json:"validAfter"`
		ValidBefore json.Number `json:"validBefore"`
		Nonce       string      `json:"nonce"`
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw alias
	if err := dec.Decode(&raw); err != nil {
		return err
	}

	validAfter, err := numberToInt64(raw.ValidAfter)
	if err != nil {
		return fmt.Errorf("invalid validAfter: %w", err)
	}
	validBefore, err := numberToInt64(raw.ValidBefore)
	if err != nil {
		return fmt.Errorf("invalid validBefore: %w", err)
	}

	a.From = raw.From
	a.To = raw.To
	a.Value = raw.Value.String()
	a.ValidAfter = validAfter
	a.ValidBefore = validBefore
	a.Nonce = raw.Nonce
	return nil
}

func numberToInt64(n json.Number) (int64, error) {
	if n == "" {
		return 0, nil
	}
	return strconv.ParseInt(n.String(), 10, 64)
}

// DomainHints carries an EIP-712 domain declared by the proof itself.
// When absent, the verifier falls back to the network's registered defaults.
type DomainHints struct {
	Name              string `json:"name,omitempty"`
	Version           string `json:"version,omitempty"`
	ChainID           string `json:"chainId,omitempty"`
	VerifyingContract string `json:"verifyingContract,omitempty"`
}

// TypedDataAuthorization is a signed EIP-712 transfer authorization (EVM-style).
type TypedDataAuthorization struct {
	Network       Network        `json:"network"`
	Authorization *Authorization `json:"authorization"`
	Signature     string         `json:"signature"` // 65-byte ECDSA signature, hex
	Domain        *DomainHints   `json:"domain,omitempty"`
}

// PaymentProof is a tagged union of the proof shapes the gateway accepts.
// Exactly one variant is populated per verification attempt.
type PaymentProof struct {
	Kind          ProofKind
	Native        *NativeChainSignature
	TypedData     *TypedDataAuthorization
	FacilitatorID string
}

// Network returns the network a proof claims to pay on, or "" for
// facilitator proofs where the facilitator owns that knowledge.
func (p *PaymentProof) ProofNetwork() Network {
	switch p.Kind {
	case ProofNativeChainSignature:
		return p.Native.Network
	case ProofTypedDataAuthorization:
		return p.TypedData.Network
	default:
		return ""
	}
}

// VerificationOutcome is the result of a verification attempt. Verification
// (did the payer authorize payment?) and settlement (did funds move?) are
// distinct concerns: Verified=true with Settled=false is a first-class state
// that operators must be able to observe.
type VerificationOutcome struct {
	Verified    bool     `json:"verified"`
	Settled     bool     `json:"settled"`
	Payer       string   `json:"payer,omitempty"`
	TxHash      string   `json:"txHash,omitempty"`
	Reason      string   `json:"reason,omitempty"` // internal diagnostic, never sent to callers
	Diagnostics []string `json:"diagnostics,omitempty"`
}

// Reject builds a failed outcome with an internal reason.
func Reject(reason string) *VerificationOutcome {
	return &VerificationOutcome{Verified: false, Reason: reason}
}

// SettlementResult contains the result of an on-chain settlement attempt.
type SettlementResult struct {
	Success bool    `json:"success"`
	TxHash  string  `json:"txHash,omitempty"`
	Network Network `json:"network,omitempty"`
	Error   string  `json:"error,omitempty"`
}

// AcceptsEntry is one advertised payment option in a 402 response.
// Every entry must independently pass structural validation before it is
// returned to a caller; a malformed entry is a server bug.
type AcceptsEntry struct {
	Scheme            string         `json:"scheme" validate:"required,eq=exact"`
	Network           string         `json:"network" validate:"required"`
	MaxAmountRequired string         `json:"maxAmountRequired" validate:"required,number"`
	Resource          string         `json:"resource" validate:"required,url"`
	Description       string         `json:"description"`
	PayTo             string         `json:"payTo" validate:"required"`
	Asset             string         `json:"asset" validate:"required"`
	MaxTimeoutSeconds int            `json:"maxTimeoutSeconds" validate:"required,gt=0"`
	OutputSchema      map[string]any `json:"outputSchema,omitempty"`
	Extra             map[string]any `json:"extra,omitempty"`
}

// PaymentRequiredResponse is the protocol "payment required" body.
type PaymentRequiredResponse struct {
	X402Version int            `json:"x402Version"`
	Error       string         `json:"error,omitempty"`
	Accepts     []AcceptsEntry `json:"accepts"`
}

// ValidationError is the verdict of a route's pre-payment validator. It maps
// to a 400-class response and never triggers a payment prompt.
type ValidationError struct {
	Status  int    `json:"-"`
	Message string `json:"error"`
}

func (e *ValidationError) Error() string {
	return e.Message
}

// RouteDescriptor declares the payment terms of one protected route. Declared
// once at startup and treated as immutable afterwards.
type RouteDescriptor struct {
	Path        string
	Method      string
	PriceUSD    string // human price, e.g. "$0.10"
	Networks    []Network
	Description string
	InputSchema map[string]any

	// PreValidator rejects requests that would fail anyway, before any
	// payment logic runs. Nil means no pre-validation.
	PreValidator func(r *http.Request) *ValidationError
}

// Priced reports whether the route requires payment at all.
func (d *RouteDescriptor) Priced() bool {
	return d.PriceUSD != ""
}

// GateError is a typed gateway error
type GateError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *GateError) Error() string {
	return e.Message
}

// Common error codes
const (
	ErrInvalidProof           = "INVALID_PROOF"
	ErrPaymentMissing         = "PAYMENT_MISSING"
	ErrPaymentInvalid         = "PAYMENT_INVALID"
	ErrFacilitatorUnavailable = "FACILITATOR_UNAVAILABLE"
	ErrSettlementFailed       = "SETTLEMENT_FAILED"
	ErrConfigError            = "CONFIG_ERROR"
	ErrValidationFailed       = "VALIDATION_FAILED"
	ErrUnsupportedNetwork     = "UNSUPPORTED_NETWORK"
)

// ConfigErrorf builds a CONFIG_ERROR. Configuration problems are fatal for a
// route's payment protection and must never degrade to "payment not required".
func ConfigErrorf(format string, args ...any) *GateError {
	return &GateError{Code: ErrConfigError, Message: fmt.Sprintf(format, args...)}
}
