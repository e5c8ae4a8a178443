package middleware

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/payport/x402gate/paywall"
	"github.com/payport/x402gate/proof"
	"github.com/payport/x402gate/registry"
	"github.com/payport/x402gate/types"
	"github.com/payport/x402gate/verification"
)

const testPayee = "0x384Aa214be0B279cbf211e9b2C992d8633F77848"

type mockVerifier struct {
	verified  bool
	calls     int
	lastProof *types.PaymentProof
	lastReq   *verification.Requirement
}

func (m *mockVerifier) Verify(_ context.Context, p *types.PaymentProof, req *verification.Requirement) (*types.VerificationOutcome, error) {
	m.calls++
	m.lastProof = p
	m.lastReq = req
	if m.verified {
		return &types.VerificationOutcome{Verified: true, Settled: true}, nil
	}
	return types.Reject("rejected by test"), nil
}

func (m *mockVerifier) SupportsNetwork(types.Network) bool { return true }

func testGate(t *testing.T, v Verifier) *Gate {
	t.Helper()
	reg := registry.Default()
	require.NoError(t, reg.SetPayTo(types.NetworkBaseSepolia, testPayee))
	decoder := &proof.Decoder{
		Registry:      reg,
		DefaultEVM:    types.NetworkBaseSepolia,
		DefaultNative: types.NetworkSolanaDevnet,
	}
	return NewGate(reg, decoder, paywall.NewBuilder(reg), v, nil, nil)
}

func pricedRoute() *types.RouteDescriptor {
	return &types.RouteDescriptor{
		Path:     "/data",
		Method:   "GET",
		PriceUSD: "$0.01",
		Networks: []types.Network{types.NetworkBaseSepolia},
	}
}

func okHandler(called *bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*called = true
		w.WriteHeader(http.StatusOK)
	})
}

func jsonProof(t *testing.T) string {
	return jsonProofOn(t, "base-sepolia")
}

func jsonProofOn(t *testing.T, network string) string {
	t.Helper()
	now := time.Now().Unix()
	body, err := json.Marshal(map[string]any{
		"signature": "0xdeadbeef",
		"network":   network,
		"authorization": map[string]any{
			"from":        "0x1111111111111111111111111111111111111111",
			"to":          testPayee,
			"value":       "10000",
			"validAfter":  now - 60,
			"validBefore": now + 600,
			"nonce":       "0x" + "11" + "22",
		},
	})
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(body)
}

func TestUnpricedRoutePassesThrough(t *testing.T) {
	v := &mockVerifier{}
	g := testGate(t, v)

	var called bool
	h, err := g.Wrap(&types.RouteDescriptor{Path: "/free"}, okHandler(&called))
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "http://example.com/free", nil))
	assert.True(t, called)
	assert.Zero(t, v.calls)
}

func TestWrapRefusesUnpayableRoute(t *testing.T) {
	reg := registry.Default() // no payout address anywhere
	decoder := &proof.Decoder{Registry: reg, DefaultEVM: types.NetworkBaseSepolia, DefaultNative: types.NetworkSolanaDevnet}
	g := NewGate(reg, decoder, paywall.NewBuilder(reg), &mockVerifier{}, nil, nil)

	var called bool
	_, err := g.Wrap(pricedRoute(), okHandler(&called))
	require.Error(t, err)
	var gerr *types.GateError
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, types.ErrConfigError, gerr.Code)
}

func TestMissingProofGets402(t *testing.T) {
	v := &mockVerifier{}
	g := testGate(t, v)

	var called bool
	h, err := g.Wrap(pricedRoute(), okHandler(&called))
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "http://example.com/data", nil))

	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.False(t, called)
	assert.Zero(t, v.calls)

	var resp types.PaymentRequiredResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "payment required", resp.Error)
	require.NotEmpty(t, resp.Accepts)
	assert.Equal(t, "10000", resp.Accepts[0].MaxAmountRequired)
}

func TestValidProofReachesHandler(t *testing.T) {
	v := &mockVerifier{verified: true}
	g := testGate(t, v)

	var called bool
	h, err := g.Wrap(pricedRoute(), okHandler(&called))
	require.NoError(t, err)

	req := httptest.NewRequest("GET", "http://example.com/data", nil)
	req.Header.Set(HeaderPayment, jsonProof(t))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, called)
	require.Equal(t, 1, v.calls)
	assert.Equal(t, types.ProofTypedDataAuthorization, v.lastProof.Kind)
	assert.Equal(t, types.NetworkBaseSepolia, v.lastReq.Network)
	assert.Equal(t, testPayee, v.lastReq.PayTo)
	assert.Equal(t, "10000", v.lastReq.Amount.String())
}

func TestRejectedProofGets402WithCoarseMessage(t *testing.T) {
	v := &mockVerifier{verified: false}
	g := testGate(t, v)

	var called bool
	h, err := g.Wrap(pricedRoute(), okHandler(&called))
	require.NoError(t, err)

	req := httptest.NewRequest("GET", "http://example.com/data", nil)
	req.Header.Set(HeaderPayment, jsonProof(t))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.False(t, called)

	var resp types.PaymentRequiredResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "payment verification failed", resp.Error)
	assert.NotContains(t, rec.Body.String(), "rejected by test", "internal reasons must not leak")
}

func TestPreValidatorShortCircuitsBeforePayment(t *testing.T) {
	v := &mockVerifier{verified: true}
	g := testGate(t, v)

	desc := pricedRoute()
	desc.PreValidator = func(r *http.Request) *types.ValidationError {
		if r.URL.Query().Get("city") == "" {
			return &types.ValidationError{Status: http.StatusBadRequest, Message: "city is required"}
		}
		return nil
	}

	var called bool
	h, err := g.Wrap(desc, okHandler(&called))
	require.NoError(t, err)

	req := httptest.NewRequest("GET", "http://example.com/data", nil)
	req.Header.Set(HeaderPayment, jsonProof(t))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.False(t, called)
	assert.Zero(t, v.calls, "invalid requests must never be charged")
}

func TestProofOnUnacceptedNetworkRejected(t *testing.T) {
	v := &mockVerifier{verified: true}
	g := testGate(t, v)
	// Polygon is globally payable but the route does not accept it.
	require.NoError(t, g.reg.SetPayTo(types.NetworkPolygon, testPayee))

	var called bool
	h, err := g.Wrap(pricedRoute(), okHandler(&called)) // accepts base-sepolia only
	require.NoError(t, err)

	req := httptest.NewRequest("GET", "http://example.com/data", nil)
	req.Header.Set(HeaderPayment, jsonProofOn(t, "polygon"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.False(t, called)
	assert.Zero(t, v.calls, "payment on another network must never reach verification")

	var resp types.PaymentRequiredResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "payment verification failed", resp.Error)
}

func TestProofOnUnpayableNetworkGets402Not500(t *testing.T) {
	v := &mockVerifier{verified: true}
	g := testGate(t, v) // polygon has no payout address at all

	var called bool
	h, err := g.Wrap(pricedRoute(), okHandler(&called))
	require.NoError(t, err)

	req := httptest.NewRequest("GET", "http://example.com/data", nil)
	req.Header.Set(HeaderPayment, jsonProofOn(t, "polygon"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusPaymentRequired, rec.Code, "client-supplied networks must not produce server errors")
	assert.False(t, called)
	assert.Zero(t, v.calls)
}

func TestProofLocationPrecedence(t *testing.T) {
	v := &mockVerifier{verified: true}
	g := testGate(t, v)

	var called bool
	h, err := g.Wrap(pricedRoute(), okHandler(&called))
	require.NoError(t, err)

	// Header beats query parameter; alias header works too.
	req := httptest.NewRequest("GET", "http://example.com/data?payment=garbage", nil)
	req.Header.Set(HeaderPaymentProof, jsonProof(t))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, v.calls)
	assert.Equal(t, types.ProofTypedDataAuthorization, v.lastProof.Kind)
}

func TestPaymentIDBecomesFacilitatorProof(t *testing.T) {
	v := &mockVerifier{verified: true}
	g := testGate(t, v)

	var called bool
	h, err := g.Wrap(pricedRoute(), okHandler(&called))
	require.NoError(t, err)

	req := httptest.NewRequest("GET", "http://example.com/data", nil)
	req.Header.Set(HeaderPaymentID, "pay_123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, v.calls)
	assert.Equal(t, types.ProofFacilitatorID, v.lastProof.Kind)
	assert.Equal(t, "pay_123", v.lastProof.FacilitatorID)
}

func TestPaymentIDQueryParam(t *testing.T) {
	v := &mockVerifier{verified: true}
	g := testGate(t, v)

	var called bool
	h, err := g.Wrap(pricedRoute(), okHandler(&called))
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "http://example.com/data?payment_id=pay_456", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, types.ProofFacilitatorID, v.lastProof.Kind)
}

func TestUnrecognizedProofGets402(t *testing.T) {
	v := &mockVerifier{}
	g := testGate(t, v)

	var called bool
	h, err := g.Wrap(pricedRoute(), okHandler(&called))
	require.NoError(t, err)

	req := httptest.NewRequest("GET", "http://example.com/data", nil)
	req.Header.Set(HeaderPayment, "??")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Zero(t, v.calls)

	var resp types.PaymentRequiredResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "no valid payment credentials", resp.Error)
}
