package facilitator

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/payport/x402gate/logger"
	"github.com/payport/x402gate/metrics"
	"github.com/payport/x402gate/types"
)

// Server exposes the facilitator over HTTP. The verify endpoint implements
// the contract gateway verifiers rely on: 200 for a verified unconsumed id,
// 404 for an unknown id, 410 for a consumed one.
type Server struct {
	store *Store
	log   logger.Logger
	rec   metrics.Recorder
}

// NewServer creates a facilitator HTTP server over a store.
func NewServer(store *Store, log logger.Logger, rec metrics.Recorder) *Server {
	if log == nil {
		log = logger.NoopLogger{}
	}
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}
	return &Server{store: store, log: log, rec: rec}
}

// Handler returns the facilitator routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /invoices", s.createInvoice)
	mux.HandleFunc("GET /invoices/{id}", s.getInvoice)
	mux.HandleFunc("POST /invoices/{id}/verified", s.markVerified)
	mux.HandleFunc("GET /verify/{id}", s.verify)
	return mux
}

type createInvoiceRequest struct {
	Network types.Network `json:"network"`
	Amount  string        `json:"amount"`
	Asset   string        `json:"asset"`
	PayTo   string        `json:"payTo"`
}

func (s *Server) createInvoice(w http.ResponseWriter, r *http.Request) {
	var req createInvoiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.Network == "" || req.Amount == "" || req.PayTo == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "network, amount and payTo are required"})
		return
	}

	inv, err := s.store.Create(&Invoice{
		Network: req.Network,
		Amount:  req.Amount,
		Asset:   req.Asset,
		PayTo:   req.PayTo,
	})
	if err != nil {
		s.log.Error("invoice creation failed", map[string]any{"error": err.Error()})
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}

	s.log.Info("invoice created", map[string]any{
		"id":      inv.ID,
		"network": inv.Network.String(),
		"amount":  inv.Amount,
	})
	writeJSON(w, http.StatusCreated, inv)
}

func (s *Server) getInvoice(w http.ResponseWriter, r *http.Request) {
	inv, err := s.store.Get(r.PathValue("id"))
	if errors.Is(err, ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "invoice not found"})
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

type markVerifiedRequest struct {
	TxHash string `json:"txHash"`
}

func (s *Server) markVerified(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req markVerifiedRequest
	_ = json.NewDecoder(r.Body).Decode(&req) // body is optional

	switch err := s.store.MarkVerified(id, req.TxHash); {
	case errors.Is(err, ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "invoice not found"})
	case errors.Is(err, ErrConsumed):
		writeJSON(w, http.StatusGone, map[string]string{"error": "invoice already consumed"})
	default:
		s.log.Info("invoice verified", map[string]any{"id": id, "tx": req.TxHash})
		writeJSON(w, http.StatusOK, map[string]string{"status": string(StatusVerified)})
	}
}

// verify is the consuming check: a 200 here spends the invoice.
func (s *Server) verify(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	labels := map[string]string{"network": "facilitator"}

	switch err := s.store.Consume(id); {
	case errors.Is(err, ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]any{"valid": false, "error": "payment id not found"})

	case errors.Is(err, ErrConsumed):
		writeJSON(w, http.StatusGone, map[string]any{"valid": false, "error": "payment id already consumed"})

	case errors.Is(err, ErrExpired):
		writeJSON(w, http.StatusGone, map[string]any{"valid": false, "error": "payment id expired"})

	case errors.Is(err, ErrNotVerified):
		writeJSON(w, http.StatusOK, map[string]any{"valid": false, "error": "payment not yet observed"})

	default:
		s.rec.IncCounter(metrics.EventPaymentVerified, labels)
		s.log.Info("payment id consumed", map[string]any{"id": id})
		writeJSON(w, http.StatusOK, map[string]any{"valid": true, "verified": true})
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
