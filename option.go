package x402gate

import (
	"time"

	"github.com/payport/x402gate/logger"
	"github.com/payport/x402gate/metrics"
	"github.com/payport/x402gate/types"
)

type Option func(*Gateway)

func WithLogger(l logger.Logger) Option {
	return func(g *Gateway) {
		g.log = l
	}
}

func WithMetrics(r metrics.Recorder) Option {
	return func(g *Gateway) {
		g.rec = r
	}
}

func WithTimeout(t time.Duration) Option {
	return func(g *Gateway) {
		g.timeout = t
	}
}

// WithFacilitatorURL points the gateway at a remote facilitator, overriding
// the configured URL.
func WithFacilitatorURL(url string) Option {
	return func(g *Gateway) {
		g.cfg.FacilitatorURL = url
	}
}

// WithSettlementKey installs a hex settlement key for a network, overriding
// the configured one.
func WithSettlementKey(network types.Network, hexKey string) Option {
	return func(g *Gateway) {
		g.cfg.SettlementKeys[network] = hexKey
	}
}
