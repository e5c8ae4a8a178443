// Package middleware gates HTTP handlers behind payment verification.
package middleware

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"

	"github.com/payport/x402gate/logger"
	"github.com/payport/x402gate/metrics"
	"github.com/payport/x402gate/paywall"
	"github.com/payport/x402gate/pricing"
	"github.com/payport/x402gate/proof"
	"github.com/payport/x402gate/registry"
	"github.com/payport/x402gate/types"
	"github.com/payport/x402gate/verification"
)

// Proof transport locations, checked in order. The first location that
// carries a value wins; later locations are not consulted.
const (
	HeaderPayment      = "X-Payment"
	HeaderPaymentProof = "X-Payment-Proof"
	HeaderPaymentID    = "X-Payment-Id"
	QueryPayment       = "payment"
	QueryPaymentID     = "payment_id"
)

// Verifier is the verification surface the middleware depends on.
type Verifier interface {
	Verify(ctx context.Context, p *types.PaymentProof, req *verification.Requirement) (*types.VerificationOutcome, error)
	SupportsNetwork(network types.Network) bool
}

// Gate wires the payment pipeline in front of HTTP handlers.
type Gate struct {
	reg      *registry.Registry
	decoder  *proof.Decoder
	builder  *paywall.Builder
	verifier Verifier
	log      logger.Logger
	rec      metrics.Recorder
}

// NewGate creates a payment gate.
func NewGate(reg *registry.Registry, decoder *proof.Decoder, builder *paywall.Builder, verifier Verifier, log logger.Logger, rec metrics.Recorder) *Gate {
	if log == nil {
		log = logger.NoopLogger{}
	}
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}
	return &Gate{
		reg:      reg,
		decoder:  decoder,
		builder:  builder,
		verifier: verifier,
		log:      log,
		rec:      rec,
	}
}

// Wrap protects a handler with the route's payment terms. Payout
// configuration is validated here, at wiring time: a route that cannot build
// valid payment terms must refuse to start, not fail open per request.
func (g *Gate) Wrap(desc *types.RouteDescriptor, next http.Handler) (http.Handler, error) {
	if !desc.Priced() {
		return next, nil
	}

	for _, network := range g.acceptedNetworks(desc) {
		if _, err := g.reg.PayTo(network); err != nil {
			return nil, err
		}
		info, err := g.reg.Lookup(network)
		if err != nil {
			return nil, err
		}
		if len(info.Assets) == 0 {
			return nil, types.ConfigErrorf("route %s: no assets configured for network %s", desc.Path, network)
		}
		for _, asset := range info.Assets {
			if _, err := pricing.SmallestUnit(desc.PriceUSD, asset); err != nil {
				return nil, types.ConfigErrorf("route %s: %v", desc.Path, err)
			}
		}
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		g.serve(w, r, desc, next)
	}), nil
}

func (g *Gate) serve(w http.ResponseWriter, r *http.Request, desc *types.RouteDescriptor, next http.Handler) {
	// Pre-validation runs before any payment logic: a request that would
	// fail anyway is never charged for.
	if desc.PreValidator != nil {
		if verr := desc.PreValidator(r); verr != nil {
			g.rec.IncCounter(metrics.EventValidationRejected, map[string]string{"network": "none"})
			status := verr.Status
			if status == 0 {
				status = http.StatusBadRequest
			}
			writeJSON(w, status, verr)
			return
		}
	}

	raw, isID := extractProof(r)
	if raw == "" {
		g.rec.IncCounter(metrics.EventPaymentMissing, map[string]string{"network": "none"})
		g.respond402(w, r, desc, "payment required")
		return
	}

	var (
		p   *types.PaymentProof
		err error
	)
	if isID {
		p = proof.FacilitatorProof(raw)
	} else {
		p, err = g.decoder.Decode(raw)
		if err != nil {
			g.respond402(w, r, desc, "no valid payment credentials")
			return
		}
	}

	// A proof paying on a network the route does not accept never reaches
	// verification: the 402 advertised the accepted networks, and payment on
	// any other is not payment for this route.
	if network := p.ProofNetwork(); network != "" && !g.routeAccepts(desc, network) {
		g.rec.IncCounter(metrics.EventPaymentRejected, map[string]string{"network": network.String()})
		g.log.Info("payment on unaccepted network", map[string]any{
			"path":    desc.Path,
			"network": network.String(),
		})
		g.respond402(w, r, desc, "payment verification failed")
		return
	}

	req, err := g.requirement(p, desc)
	if err != nil {
		// Requirement failures here are driven by what the proof claims,
		// not by server state; they are rejections, not server errors.
		g.log.Warn("payment requirement not satisfiable", map[string]any{
			"path":  desc.Path,
			"error": err.Error(),
		})
		g.respond402(w, r, desc, "payment verification failed")
		return
	}

	outcome, err := g.verifier.Verify(r.Context(), p, req)
	if err != nil {
		g.log.Error("verification error", map[string]any{
			"path":  desc.Path,
			"error": err.Error(),
		})
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	if !outcome.Verified {
		// The internal reason stays in logs; clients get a coarse message
		// that distinguishes only "no proof" from "proof rejected".
		g.respond402(w, r, desc, "payment verification failed")
		return
	}

	next.ServeHTTP(w, r)
}

// extractProof walks the transport locations in precedence order. The second
// return reports whether the value is a facilitator payment id rather than an
// inline proof.
func extractProof(r *http.Request) (string, bool) {
	if v := r.Header.Get(HeaderPayment); v != "" {
		return v, false
	}
	if v := r.Header.Get(HeaderPaymentProof); v != "" {
		return v, false
	}
	if v := r.URL.Query().Get(QueryPayment); v != "" {
		return v, false
	}
	if v := r.Header.Get(HeaderPaymentID); v != "" {
		return v, true
	}
	if v := r.URL.Query().Get(QueryPaymentID); v != "" {
		return v, true
	}
	return "", false
}

// acceptedNetworks resolves the route's effective network list: an empty
// descriptor list means every registered network.
func (g *Gate) acceptedNetworks(desc *types.RouteDescriptor) []types.Network {
	if len(desc.Networks) > 0 {
		return desc.Networks
	}
	return g.reg.Networks()
}

func (g *Gate) routeAccepts(desc *types.RouteDescriptor, network types.Network) bool {
	for _, n := range g.acceptedNetworks(desc) {
		if n == network {
			return true
		}
	}
	return false
}

// requirement resolves the network, asset and amount a proof must satisfy.
func (g *Gate) requirement(p *types.PaymentProof, desc *types.RouteDescriptor) (*verification.Requirement, error) {
	network := p.ProofNetwork()
	if network == "" {
		// Facilitator proofs carry no network; the facilitator owns the
		// payment details. Requirement fields beyond network are unused.
		return &verification.Requirement{}, nil
	}

	payTo, err := g.reg.PayTo(network)
	if err != nil {
		return nil, err
	}

	asset, err := g.resolveAsset(p, network)
	if err != nil {
		return nil, err
	}

	amount := big.NewInt(0)
	if desc.Priced() {
		amount, err = pricing.SmallestUnit(desc.PriceUSD, asset)
		if err != nil {
			return nil, err
		}
	}

	return &verification.Requirement{
		Network: network,
		PayTo:   payTo,
		Amount:  amount,
		Asset:   asset,
	}, nil
}

// resolveAsset matches a typed-data proof's declared verifying contract to a
// registered asset, falling back to the network default.
func (g *Gate) resolveAsset(p *types.PaymentProof, network types.Network) (registry.Asset, error) {
	if p.Kind == types.ProofTypedDataAuthorization && p.TypedData.Domain != nil {
		if vc := p.TypedData.Domain.VerifyingContract; vc != "" {
			if asset, ok := g.reg.AssetByContract(network, vc); ok {
				return asset, nil
			}
		}
	}
	return g.reg.DefaultAsset(network)
}

func (g *Gate) respond402(w http.ResponseWriter, r *http.Request, desc *types.RouteDescriptor, msg string) {
	resp, err := g.builder.Build(r, desc)
	if err != nil {
		g.log.Error("cannot build payment-required response", map[string]any{
			"path":  desc.Path,
			"error": err.Error(),
		})
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	resp.Error = msg
	writeJSON(w, http.StatusPaymentRequired, resp)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
