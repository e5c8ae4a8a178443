package verification

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/payport/x402gate/logger"
	"github.com/payport/x402gate/metrics"
	"github.com/payport/x402gate/types"
)

// Facilitator delegates verification of opaque payment ids to a remote
// service: GET {base}/verify/{id} → 200 valid, 404 unknown, 410 consumed.
type Facilitator struct {
	baseURL string
	client  *http.Client
	log     logger.Logger
	rec     metrics.Recorder
}

// NewFacilitator creates a facilitator client with a hard request timeout.
// A timeout is a rejection, not a retry; retry policy belongs to the caller.
func NewFacilitator(baseURL string, timeout time.Duration, log logger.Logger, rec metrics.Recorder) *Facilitator {
	if log == nil {
		log = logger.NoopLogger{}
	}
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}
	return &Facilitator{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		log:     log,
		rec:     rec,
	}
}

// facilitatorVerdict is the optional 200-status body. Either flag explicitly
// false overrides the status code.
type facilitatorVerdict struct {
	Valid    *bool `json:"valid"`
	Verified *bool `json:"verified"`
}

// VerifyID asks the facilitator about a payment id. Transport failures reject
// with a reason distinct from a verification failure so operators can tell an
// outage from a bad payment.
func (f *Facilitator) VerifyID(ctx context.Context, id string) (*types.VerificationOutcome, error) {
	endpoint := f.baseURL + "/verify/" + url.PathEscape(id)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("building facilitator request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		f.rec.IncCounter(metrics.EventFacilitatorError, map[string]string{"network": "facilitator"})
		f.log.Warn("facilitator unreachable", map[string]any{"error": err.Error(), "id": id})
		return types.Reject(fmt.Sprintf("facilitator transport error: %v", err)), nil
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var verdict facilitatorVerdict
		if err := json.NewDecoder(resp.Body).Decode(&verdict); err == nil {
			if (verdict.Valid != nil && !*verdict.Valid) || (verdict.Verified != nil && !*verdict.Verified) {
				return types.Reject("facilitator reported payment invalid"), nil
			}
		}
		return &types.VerificationOutcome{
			Verified: true,
			// The facilitator only vouches for ids it saw paid; settlement
			// happened on its side before it marked the invoice verified.
			Settled: true,
		}, nil

	case http.StatusNotFound:
		return types.Reject("facilitator: payment id not found"), nil

	case http.StatusGone:
		return types.Reject("facilitator: payment id already consumed"), nil

	default:
		f.rec.IncCounter(metrics.EventFacilitatorError, map[string]string{"network": "facilitator"})
		f.log.Warn("facilitator returned unexpected status", map[string]any{
			"status": resp.StatusCode,
			"id":     id,
		})
		return types.Reject(fmt.Sprintf("facilitator transport error: status %d", resp.StatusCode)), nil
	}
}
