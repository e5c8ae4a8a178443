// Package facilitator implements a minimal payment facilitator: it records
// invoices, marks them verified once payment is observed, and vouches for
// them exactly once through the verify endpoint.
package facilitator

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/payport/x402gate/types"
)

// InvoiceStatus is the lifecycle state of an invoice.
type InvoiceStatus string

const (
	StatusPending  InvoiceStatus = "pending"
	StatusVerified InvoiceStatus = "verified"
	StatusConsumed InvoiceStatus = "consumed"
)

// DefaultTTL bounds how long an unconsumed invoice stays actionable.
const DefaultTTL = 15 * time.Minute

// Invoice is one expected payment tracked by the facilitator.
type Invoice struct {
	ID        string        `json:"id"`
	Network   types.Network `json:"network"`
	Amount    string        `json:"amount"` // smallest units
	Asset     string        `json:"asset"`
	PayTo     string        `json:"payTo"`
	TxHash    string        `json:"txHash,omitempty"`
	Status    InvoiceStatus `json:"status"`
	CreatedAt time.Time     `json:"createdAt"`
	ExpiresAt time.Time     `json:"expiresAt"`
}

// ErrNotFound reports an unknown invoice id.
var ErrNotFound = fmt.Errorf("invoice not found")

// ErrConsumed reports an invoice that was already used to unlock a request.
var ErrConsumed = fmt.Errorf("invoice already consumed")

// ErrNotVerified reports an invoice with no observed payment yet.
var ErrNotVerified = fmt.Errorf("invoice not verified")

// ErrExpired reports an invoice past its TTL.
var ErrExpired = fmt.Errorf("invoice expired")

// Store keeps invoices in memory. Consumption is a compare-and-mark under the
// store lock so that concurrent verify calls for the same id admit exactly
// one request.
type Store struct {
	mu       sync.Mutex
	invoices map[string]*Invoice
	ttl      time.Duration
	now      func() time.Time
}

// NewStore creates an empty invoice store with the default TTL.
func NewStore() *Store {
	return &Store{
		invoices: make(map[string]*Invoice),
		ttl:      DefaultTTL,
		now:      time.Now,
	}
}

// SetTTL overrides the invoice lifetime for invoices created afterwards.
func (s *Store) SetTTL(ttl time.Duration) {
	s.mu.Lock()
	s.ttl = ttl
	s.mu.Unlock()
}

// Create records a new pending invoice and assigns it an id.
func (s *Store) Create(inv *Invoice) (*Invoice, error) {
	id, err := newID()
	if err != nil {
		return nil, err
	}

	stored := *inv
	stored.ID = id
	stored.Status = StatusPending
	stored.CreatedAt = s.now().UTC()

	s.mu.Lock()
	stored.ExpiresAt = stored.CreatedAt.Add(s.ttl)
	s.invoices[id] = &stored
	s.mu.Unlock()

	out := stored
	return &out, nil
}

// Get returns a copy of an invoice.
func (s *Store) Get(id string) (*Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invoices[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *inv
	return &out, nil
}

// MarkVerified records that payment for an invoice was observed on chain.
// Idempotent for already-verified invoices; a consumed invoice stays consumed.
func (s *Store) MarkVerified(id, txHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invoices[id]
	if !ok {
		return ErrNotFound
	}
	if inv.Status == StatusConsumed {
		return ErrConsumed
	}
	if s.now().After(inv.ExpiresAt) {
		return ErrExpired
	}
	inv.Status = StatusVerified
	if txHash != "" {
		inv.TxHash = txHash
	}
	return nil
}

// Consume atomically transitions a verified invoice to consumed. Exactly one
// caller wins; everyone after gets ErrConsumed.
func (s *Store) Consume(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invoices[id]
	if !ok {
		return ErrNotFound
	}
	switch inv.Status {
	case StatusConsumed:
		return ErrConsumed
	case StatusPending:
		return ErrNotVerified
	}
	if s.now().After(inv.ExpiresAt) {
		return ErrExpired
	}
	inv.Status = StatusConsumed
	return nil
}

func newID() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("id generation failed: %w", err)
	}
	return "pay_" + hex.EncodeToString(b[:]), nil
}
