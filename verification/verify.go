// Package verification implements the per-network payment verifiers: the
// typed-data authorization verifier, the native-chain transaction verifier
// and the facilitator-id verifier.
package verification

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/payport/x402gate/logger"
	"github.com/payport/x402gate/metrics"
	"github.com/payport/x402gate/registry"
	"github.com/payport/x402gate/settlement"
	"github.com/payport/x402gate/types"
)

// Requirement is what a route expects a proof to satisfy: payee, minimum
// amount in smallest units, and the asset the amount is denominated in.
type Requirement struct {
	Network types.Network
	PayTo   string
	Amount  *big.Int
	Asset   registry.Asset
}

// Service dispatches proofs to the matching verifier. One Service is shared
// by all requests; it holds only read-only state and per-network clients.
type Service struct {
	reg     *registry.Registry
	log     logger.Logger
	rec     metrics.Recorder
	timeout time.Duration

	nonce  map[types.Network]NonceState
	native map[types.Network]NativeFetcher

	settler     settlement.Settler
	facilitator *Facilitator

	trustedSigners map[common.Address]bool

	// Testing-only escape hatch: accept any signer/payer mismatch. Every
	// acceptance through it is logged loudly.
	allowSignerMismatch bool

	// Diagnostics-only: retry recovery under sibling typed-data types to
	// sharpen the rejection reason. Never grants success.
	domainDiagnostics bool

	now func() time.Time
}

// NewService creates a verification service.
func NewService(reg *registry.Registry, log logger.Logger, rec metrics.Recorder, timeout time.Duration) *Service {
	if log == nil {
		log = logger.NoopLogger{}
	}
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}
	return &Service{
		reg:            reg,
		log:            log,
		rec:            rec,
		timeout:        timeout,
		nonce:          make(map[types.Network]NonceState),
		native:         make(map[types.Network]NativeFetcher),
		trustedSigners: make(map[common.Address]bool),
		now:            time.Now,
	}
}

// AddEVMNetwork wires an EVM network's RPC endpoint for nonce-state queries.
func (s *Service) AddEVMNetwork(network types.Network, rpcURL string) error {
	if !network.IsEVM() {
		return &types.GateError{
			Code:    types.ErrUnsupportedNetwork,
			Message: fmt.Sprintf("network %s is not an EVM network", network),
		}
	}
	ns, err := newEVMNonceState(rpcURL)
	if err != nil {
		return err
	}
	s.nonce[network] = ns
	return nil
}

// AddNonceState wires a prebuilt nonce-state backend. Used by tests.
func (s *Service) AddNonceState(network types.Network, ns NonceState) {
	s.nonce[network] = ns
}

// AddNativeNetwork wires a native chain's RPC endpoint for transaction lookups.
func (s *Service) AddNativeNetwork(network types.Network, rpcURL string) error {
	if !network.IsSolana() {
		return &types.GateError{
			Code:    types.ErrUnsupportedNetwork,
			Message: fmt.Sprintf("network %s is not a native chain", network),
		}
	}
	s.native[network] = newSolanaFetcher(rpcURL)
	return nil
}

// AddNativeFetcher wires a prebuilt transaction fetcher. Used by tests.
func (s *Service) AddNativeFetcher(network types.Network, f NativeFetcher) {
	s.native[network] = f
}

// SetSettler wires the settlement executor. Nil disables settlement.
func (s *Service) SetSettler(settler settlement.Settler) {
	s.settler = settler
}

// SetFacilitator wires the remote facilitator client. Nil disables the
// facilitator-id path.
func (s *Service) SetFacilitator(f *Facilitator) {
	s.facilitator = f
}

// SetTrustedSigners installs the intermediary-signer allow-list.
func (s *Service) SetTrustedSigners(addrs []string) {
	for _, a := range addrs {
		if common.IsHexAddress(a) {
			s.trustedSigners[common.HexToAddress(a)] = true
		} else {
			s.log.Warn("ignoring malformed trusted signer address", map[string]any{"address": a})
		}
	}
}

// SetEscapeHatches configures the testing-only mismatch acceptance and the
// diagnostics-only domain retries. Both default to off.
func (s *Service) SetEscapeHatches(allowSignerMismatch, domainDiagnostics bool) {
	if allowSignerMismatch {
		s.log.Warn("signer mismatch escape hatch ENGAGED; do not run this in production", nil)
	}
	s.allowSignerMismatch = allowSignerMismatch
	s.domainDiagnostics = domainDiagnostics
}

// Verify dispatches a decoded proof to its verifier and returns the outcome.
// The outcome's Reason is an internal diagnostic; callers must not forward it
// to clients.
func (s *Service) Verify(ctx context.Context, proof *types.PaymentProof, req *Requirement) (*types.VerificationOutcome, error) {
	verifyCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := s.now()
	labels := map[string]string{"network": req.Network.String()}

	var (
		outcome *types.VerificationOutcome
		err     error
	)
	switch proof.Kind {
	case types.ProofTypedDataAuthorization:
		outcome, err = s.verifyTypedData(verifyCtx, proof.TypedData, req)
	case types.ProofNativeChainSignature:
		outcome, err = s.verifyNative(verifyCtx, proof.Native, req)
	case types.ProofFacilitatorID:
		if s.facilitator == nil {
			outcome = types.Reject("facilitator verification not configured")
		} else {
			outcome, err = s.facilitator.VerifyID(verifyCtx, proof.FacilitatorID)
		}
	default:
		outcome = types.Reject("unrecognized proof")
	}
	if err != nil {
		return nil, err
	}

	s.rec.ObserveLatency("verify", s.now().Sub(start), labels)
	if outcome.Verified {
		s.rec.IncCounter(metrics.EventPaymentVerified, labels)
	} else {
		s.rec.IncCounter(metrics.EventPaymentRejected, labels)
		s.log.Info("payment rejected", map[string]any{
			"network": req.Network.String(),
			"kind":    proof.Kind.String(),
			"reason":  outcome.Reason,
		})
	}
	return outcome, nil
}

// SupportsNetwork reports whether a verifier backend exists for a network.
func (s *Service) SupportsNetwork(network types.Network) bool {
	if network.IsEVM() {
		_, ok := s.nonce[network]
		return ok
	}
	if network.IsSolana() {
		_, ok := s.native[network]
		return ok
	}
	return false
}

// Close releases the per-network RPC connections.
func (s *Service) Close() {
	for _, ns := range s.nonce {
		if e, ok := ns.(*evmNonceState); ok {
			e.client.Close()
		}
	}
}

func equalAddress(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
