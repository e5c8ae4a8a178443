package facilitator

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testServer(t *testing.T) (*httptest.Server, *Store) {
	t.Helper()
	store := NewStore()
	srv := httptest.NewServer(NewServer(store, nil, nil).Handler())
	t.Cleanup(srv.Close)
	return srv, store
}

func createViaHTTP(t *testing.T, srv *httptest.Server) Invoice {
	t.Helper()
	resp, err := http.Post(srv.URL+"/invoices", "application/json", strings.NewReader(
		`{"network":"base-sepolia","amount":"100000","payTo":"0x384Aa214be0B279cbf211e9b2C992d8633F77848"}`,
	))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var inv Invoice
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&inv))
	return inv
}

func TestCreateAndFetchInvoice(t *testing.T) {
	srv, _ := testServer(t)
	inv := createViaHTTP(t, srv)
	assert.True(t, strings.HasPrefix(inv.ID, "pay_"))
	assert.Equal(t, StatusPending, inv.Status)

	resp, err := http.Get(srv.URL + "/invoices/" + inv.ID)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCreateInvoiceRejectsMissingFields(t *testing.T) {
	srv, _ := testServer(t)
	resp, err := http.Post(srv.URL+"/invoices", "application/json", strings.NewReader(`{"amount":"1"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestVerifyEndpointContract(t *testing.T) {
	srv, store := testServer(t)
	inv := createViaHTTP(t, srv)

	// Pending: 200 but explicitly not valid.
	resp, err := http.Get(srv.URL + "/verify/" + inv.ID)
	require.NoError(t, err)
	var verdict struct {
		Valid bool `json:"valid"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&verdict))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, verdict.Valid)

	// Mark verified over HTTP.
	resp, err = http.Post(srv.URL+"/invoices/"+inv.ID+"/verified", "application/json", strings.NewReader(`{"txHash":"0xabc"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// First verify wins and consumes.
	resp, err = http.Get(srv.URL + "/verify/" + inv.ID)
	require.NoError(t, err)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&verdict))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, verdict.Valid)

	// Second verify: 410.
	resp, err = http.Get(srv.URL + "/verify/" + inv.ID)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusGone, resp.StatusCode)

	got, err := store.Get(inv.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusConsumed, got.Status)
}

func TestVerifyUnknownID(t *testing.T) {
	srv, _ := testServer(t)
	resp, err := http.Get(srv.URL + "/verify/pay_unknown")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMarkVerifiedUnknownID(t *testing.T) {
	srv, _ := testServer(t)
	resp, err := http.Post(srv.URL+"/invoices/pay_unknown/verified", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
