// Package paywall builds the protocol "payment required" response that tells
// a caller how to pay for a route.
package paywall

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/payport/x402gate/pricing"
	"github.com/payport/x402gate/registry"
	"github.com/payport/x402gate/types"
)

// DefaultTimeoutSeconds is how long an advertised payment option stays
// actionable before the client should re-request terms.
const DefaultTimeoutSeconds = 300

var (
	hexAddressRe    = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
	base58AddressRe = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]{32,44}$`)
)

// Builder constructs payment-required responses from route descriptors and
// the network registry. A Builder is immutable after construction and safe
// for concurrent use.
type Builder struct {
	reg      *registry.Registry
	validate *validator.Validate
}

// NewBuilder creates a response builder over a registry.
func NewBuilder(reg *registry.Registry) *Builder {
	return &Builder{
		reg:      reg,
		validate: validator.New(),
	}
}

// Build assembles the 402 body for a priced route: one accepts entry per
// network and payable asset, each carrying the price converted into that
// asset's smallest units. A network without a configured payee is a
// configuration error, not a silently skipped entry.
func (b *Builder) Build(r *http.Request, desc *types.RouteDescriptor) (*types.PaymentRequiredResponse, error) {
	networks := desc.Networks
	if len(networks) == 0 {
		networks = b.reg.Networks()
	}

	resource := resourceURL(r)
	entries := make([]types.AcceptsEntry, 0, len(networks))
	for _, network := range networks {
		networkEntries, err := b.buildEntries(resource, desc, network)
		if err != nil {
			return nil, err
		}
		entries = append(entries, networkEntries...)
	}

	if len(entries) == 0 {
		return nil, types.ConfigErrorf("route %s has no payable networks", desc.Path)
	}

	return &types.PaymentRequiredResponse{
		X402Version: types.X402Version,
		Error:       "payment required",
		Accepts:     entries,
	}, nil
}

func (b *Builder) buildEntries(resource string, desc *types.RouteDescriptor, network types.Network) ([]types.AcceptsEntry, error) {
	payTo, err := b.reg.PayTo(network)
	if err != nil {
		return nil, err
	}
	if err := validatePayoutAddress(payTo, network); err != nil {
		return nil, types.ConfigErrorf("payout address for %s: %v", network, err)
	}

	info, err := b.reg.Lookup(network)
	if err != nil {
		return nil, err
	}
	if len(info.Assets) == 0 {
		return nil, types.ConfigErrorf("no assets configured for network %s", network)
	}

	entries := make([]types.AcceptsEntry, 0, len(info.Assets))
	for _, asset := range info.Assets {
		amount, err := pricing.SmallestUnit(desc.PriceUSD, asset)
		if err != nil {
			return nil, types.ConfigErrorf("price %q on route %s: %v", desc.PriceUSD, desc.Path, err)
		}

		entry := types.AcceptsEntry{
			Scheme:            string(types.SchemeExact),
			Network:           network.String(),
			MaxAmountRequired: amount.String(),
			Resource:          resource,
			Description:       desc.Description,
			PayTo:             payTo,
			Asset:             asset.Contract,
			MaxTimeoutSeconds: DefaultTimeoutSeconds,
			OutputSchema:      desc.InputSchema,
		}

		// A malformed entry is a server bug; fail the response rather than
		// advertise terms a client cannot act on.
		if err := b.validate.Struct(entry); err != nil {
			return nil, types.ConfigErrorf("accepts entry for %s/%s failed validation: %v", network, asset.Symbol, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// validatePayoutAddress applies the per-network address format.
func validatePayoutAddress(addr string, network types.Network) error {
	switch {
	case network.IsEVM():
		if !hexAddressRe.MatchString(addr) {
			return fmt.Errorf("%q is not a valid hex address", addr)
		}
	case network.IsSolana():
		if !base58AddressRe.MatchString(addr) {
			return fmt.Errorf("%q is not a valid base58 address", addr)
		}
	default:
		return fmt.Errorf("unsupported network %s", network)
	}
	return nil
}

// resourceURL reconstructs the absolute URL of the protected resource.
func resourceURL(r *http.Request) string {
	scheme := "https"
	if r.TLS == nil {
		scheme = "http"
	}
	if fwd := r.Header.Get("X-Forwarded-Proto"); fwd != "" {
		scheme = fwd
	}
	host := r.Host
	if host == "" {
		host = "localhost"
	}
	return fmt.Sprintf("%s://%s%s", scheme, host, strings.SplitN(r.URL.RequestURI(), "?", 2)[0])
}
