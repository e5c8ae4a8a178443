// Package metrics defines the gateway's measurement surface.
package metrics

import "time"

// Recorder receives counters and latencies from the payment pipeline.
type Recorder interface {
	IncCounter(name string, labels map[string]string)
	ObserveLatency(name string, duration time.Duration, labels map[string]string)
}

// Event names recorded by the gateway.
const (
	EventPaymentMissing     = "payment_missing"
	EventPaymentVerified    = "payment_verified"
	EventPaymentRejected    = "payment_rejected"
	EventSettlementOK       = "settlement_ok"
	EventSettlementFailed   = "settlement_failed"
	EventFacilitatorError   = "facilitator_error"
	EventValidationRejected = "validation_rejected"
)
