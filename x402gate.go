// Package x402gate turns HTTP handlers into paid endpoints. It verifies
// x402 payment proofs against EVM and Solana networks, settles gasless
// transfer authorizations on chain, and serves the payment-required
// responses that tell callers how to pay.
package x402gate

import (
	"net/http"
	"time"

	"github.com/payport/x402gate/config"
	"github.com/payport/x402gate/facilitator"
	"github.com/payport/x402gate/logger"
	"github.com/payport/x402gate/metrics"
	"github.com/payport/x402gate/middleware"
	"github.com/payport/x402gate/paywall"
	"github.com/payport/x402gate/proof"
	"github.com/payport/x402gate/registry"
	"github.com/payport/x402gate/settlement"
	"github.com/payport/x402gate/types"
	"github.com/payport/x402gate/verification"
)

// Version information
const (
	Version         = "1.0.0"
	ProtocolVersion = types.X402Version
)

// Gateway is the assembled payment gate: registry, verifiers, settlement and
// the HTTP middleware, wired from one configuration.
type Gateway struct {
	cfg     *config.Config
	reg     *registry.Registry
	verify  *verification.Service
	settler *settlement.Executor
	gate    *middleware.Gate
	store   *facilitator.Store

	log     logger.Logger
	rec     metrics.Recorder
	timeout time.Duration
}

// New wires a gateway from configuration. Every network with a payout
// address gets a verifier backend; networks with a settlement key also get
// settlement. Wiring errors are fatal: a half-configured gateway must not
// start.
func New(cfg *config.Config, opts ...Option) (*Gateway, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	g := &Gateway{
		cfg:     cfg,
		log:     logger.NoopLogger{},
		rec:     metrics.NoopRecorder{},
		timeout: cfg.Timeout,
	}
	for _, opt := range opts {
		opt(g)
	}

	g.reg = registry.Default()
	for network, addr := range cfg.PayTo {
		if err := g.reg.SetPayTo(network, addr); err != nil {
			return nil, err
		}
	}
	for network, url := range cfg.RPC {
		if err := g.reg.SetRPC(network, url); err != nil {
			return nil, err
		}
	}

	g.verify = verification.NewService(g.reg, g.log, g.rec, g.timeout)
	g.verify.SetTrustedSigners(cfg.TrustedSigners)
	g.verify.SetEscapeHatches(cfg.AllowSignerMismatch, cfg.DomainDiagnostics)

	settler, err := settlement.NewExecutor(g.log, g.timeout)
	if err != nil {
		return nil, err
	}
	g.settler = settler

	for network := range cfg.PayTo {
		rpcURL, err := g.reg.RPC(network)
		if err != nil {
			return nil, err
		}
		switch {
		case network.IsEVM():
			if err := g.verify.AddEVMNetwork(network, rpcURL); err != nil {
				return nil, err
			}
			if key, ok := cfg.SettlementKeys[network]; ok {
				if err := g.settler.AddNetwork(network, rpcURL, key); err != nil {
					return nil, err
				}
			}
		case network.IsSolana():
			if err := g.verify.AddNativeNetwork(network, rpcURL); err != nil {
				return nil, err
			}
		}
	}
	g.verify.SetSettler(g.settler)

	if cfg.FacilitatorURL != "" {
		g.verify.SetFacilitator(verification.NewFacilitator(cfg.FacilitatorURL, g.timeout, g.log, g.rec))
	}

	decoder := &proof.Decoder{
		Registry:      g.reg,
		DefaultEVM:    cfg.DefaultEVMNetwork,
		DefaultNative: cfg.DefaultNativeNetwork,
	}
	g.gate = middleware.NewGate(g.reg, decoder, paywall.NewBuilder(g.reg), g.verify, g.log, g.rec)

	g.log.Info("gateway configured", map[string]any{"config": cfg.String()})
	return g, nil
}

// Protect wraps a handler with the route's payment terms. It fails at wiring
// time when the route's terms cannot be satisfied by the configuration.
func (g *Gateway) Protect(desc *types.RouteDescriptor, next http.Handler) (http.Handler, error) {
	return g.gate.Wrap(desc, next)
}

// ProtectFunc is Protect for plain handler functions.
func (g *Gateway) ProtectFunc(desc *types.RouteDescriptor, next http.HandlerFunc) (http.Handler, error) {
	return g.gate.Wrap(desc, next)
}

// Registry exposes the network registry for further customization before
// routes are wrapped.
func (g *Gateway) Registry() *registry.Registry {
	return g.reg
}

// Verifier exposes the verification service, for callers that verify proofs
// outside the HTTP middleware.
func (g *Gateway) Verifier() *verification.Service {
	return g.verify
}

// SupportsNetwork reports whether a verifier backend exists for a network.
func (g *Gateway) SupportsNetwork(network types.Network) bool {
	return g.verify.SupportsNetwork(network)
}

// FacilitatorHandler returns an HTTP handler implementing the facilitator
// side of the protocol, backed by an in-memory invoice store. Point
// FacilitatorURL at it (or mount it in-process) to accept payment ids.
func (g *Gateway) FacilitatorHandler() http.Handler {
	if g.store == nil {
		g.store = facilitator.NewStore()
	}
	return facilitator.NewServer(g.store, g.log, g.rec).Handler()
}

// InvoiceStore returns the store behind FacilitatorHandler, creating it on
// first use.
func (g *Gateway) InvoiceStore() *facilitator.Store {
	if g.store == nil {
		g.store = facilitator.NewStore()
	}
	return g.store
}

// Close releases all network connections.
func (g *Gateway) Close() {
	g.settler.Close()
	g.verify.Close()
}
