package verification

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/payport/x402gate/eip712"
	"github.com/payport/x402gate/registry"
	"github.com/payport/x402gate/types"
)

const (
	testPayee = "0x384Aa214be0B279cbf211e9b2C992d8633F77848"
	testAsset = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
)

// nonceLedger is an in-memory stand-in for on-chain authorization state.
type nonceLedger struct {
	mu   sync.Mutex
	used map[string]bool
}

func newNonceLedger() *nonceLedger {
	return &nonceLedger{used: make(map[string]bool)}
}

func (l *nonceLedger) key(authorizer common.Address, nonce [32]byte) string {
	return authorizer.Hex() + "/" + common.Bytes2Hex(nonce[:])
}

func (l *nonceLedger) AuthorizationState(_ context.Context, _, authorizer common.Address, nonce [32]byte) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.used[l.key(authorizer, nonce)], nil
}

func (l *nonceLedger) consume(authorizer common.Address, nonce [32]byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.used[l.key(authorizer, nonce)] = true
}

// ledgerSettler simulates settlement by consuming the nonce on the ledger,
// the way an on-chain transferWithAuthorization would.
type ledgerSettler struct {
	ledger *nonceLedger
	fail   bool
	calls  int
}

func (s *ledgerSettler) Configured(types.Network) bool { return true }

func (s *ledgerSettler) Settle(_ context.Context, network types.Network, _ string, auth *types.Authorization, _ string) (*types.SettlementResult, error) {
	s.calls++
	if s.fail {
		return &types.SettlementResult{Success: false, Network: network, Error: "out of gas"}, nil
	}
	nonce, err := eip712.NonceBytes(auth.Nonce)
	if err != nil {
		return nil, err
	}
	s.ledger.consume(common.HexToAddress(auth.From), nonce)
	return &types.SettlementResult{Success: true, Network: network, TxHash: "0xsettled"}, nil
}

func testService(t *testing.T, ledger *nonceLedger) *Service {
	t.Helper()
	s := NewService(registry.Default(), nil, nil, 5*time.Second)
	s.AddNonceState(types.NetworkBaseSepolia, ledger)
	return s
}

func testRequirement(t *testing.T) *Requirement {
	t.Helper()
	reg := registry.Default()
	asset, ok := reg.AssetByContract(types.NetworkBaseSepolia, testAsset)
	require.True(t, ok)
	return &Requirement{
		Network: types.NetworkBaseSepolia,
		PayTo:   testPayee,
		Amount:  big.NewInt(100000),
		Asset:   asset,
	}
}

func signedProof(t *testing.T, key *ecdsa.PrivateKey, mutate func(*types.Authorization)) *types.PaymentProof {
	t.Helper()
	now := time.Now().Unix()
	auth := &types.Authorization{
		From:        crypto.PubkeyToAddress(key.PublicKey).Hex(),
		To:          testPayee,
		Value:       "100000",
		ValidAfter:  now - 60,
		ValidBefore: now + 600,
		Nonce:       randomNonce(t),
	}
	if mutate != nil {
		mutate(auth)
	}

	domain := eip712.Domain{
		Name:              "USDC",
		Version:           "2",
		ChainID:           big.NewInt(84532),
		VerifyingContract: common.HexToAddress(testAsset),
	}
	sig, err := eip712.SignAuthorization(domain, auth, key)
	require.NoError(t, err)

	return &types.PaymentProof{
		Kind: types.ProofTypedDataAuthorization,
		TypedData: &types.TypedDataAuthorization{
			Network:       types.NetworkBaseSepolia,
			Authorization: auth,
			Signature:     sig,
		},
	}
}

func randomNonce(t *testing.T) string {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return "0x" + common.Bytes2Hex(crypto.Keccak256(crypto.FromECDSA(key)))
}

func TestVerifyValidAuthorization(t *testing.T) {
	ledger := newNonceLedger()
	s := testService(t, ledger)
	settler := &ledgerSettler{ledger: ledger}
	s.SetSettler(settler)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	out, err := s.Verify(context.Background(), signedProof(t, key, nil), testRequirement(t))
	require.NoError(t, err)
	assert.True(t, out.Verified)
	assert.True(t, out.Settled)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey).Hex(), out.Payer)
	assert.Equal(t, 1, settler.calls)
}

func TestReplayIsRejected(t *testing.T) {
	ledger := newNonceLedger()
	s := testService(t, ledger)
	s.SetSettler(&ledgerSettler{ledger: ledger})

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	proof := signedProof(t, key, nil)

	out, err := s.Verify(context.Background(), proof, testRequirement(t))
	require.NoError(t, err)
	require.True(t, out.Verified)

	// Identical authorization and signature a second time must fail: the
	// nonce was consumed by settlement.
	out, err = s.Verify(context.Background(), proof, testRequirement(t))
	require.NoError(t, err)
	assert.False(t, out.Verified)
	assert.Contains(t, out.Reason, "nonce already consumed")
}

func TestFreshNonceIsIndependentlyValid(t *testing.T) {
	ledger := newNonceLedger()
	s := testService(t, ledger)
	s.SetSettler(&ledgerSettler{ledger: ledger})

	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	first := signedProof(t, key, nil)
	out, err := s.Verify(context.Background(), first, testRequirement(t))
	require.NoError(t, err)
	require.True(t, out.Verified)

	// Same fields, distinct nonce, re-signed: independent success.
	second := signedProof(t, key, nil)
	out, err = s.Verify(context.Background(), second, testRequirement(t))
	require.NoError(t, err)
	assert.True(t, out.Verified)
}

func TestValidityWindow(t *testing.T) {
	ledger := newNonceLedger()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	s := testService(t, ledger)
	notYet := signedProof(t, key, func(a *types.Authorization) {
		a.ValidAfter = time.Now().Unix() + 300
	})
	out, err := s.Verify(context.Background(), notYet, testRequirement(t))
	require.NoError(t, err)
	assert.False(t, out.Verified)
	assert.Contains(t, out.Reason, "not yet valid")

	expired := signedProof(t, key, func(a *types.Authorization) {
		a.ValidBefore = time.Now().Unix() - 300
	})
	out, err = s.Verify(context.Background(), expired, testRequirement(t))
	require.NoError(t, err)
	assert.False(t, out.Verified)
	assert.Contains(t, out.Reason, "expired")
}

func TestInsufficientValue(t *testing.T) {
	ledger := newNonceLedger()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	s := testService(t, ledger)
	proof := signedProof(t, key, func(a *types.Authorization) {
		a.Value = "99999"
	})
	out, err := s.Verify(context.Background(), proof, testRequirement(t))
	require.NoError(t, err)
	assert.False(t, out.Verified)
	assert.Contains(t, out.Reason, "below required")
}

func TestWrongPayee(t *testing.T) {
	ledger := newNonceLedger()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	s := testService(t, ledger)
	proof := signedProof(t, key, func(a *types.Authorization) {
		a.To = "0xE4d365a5a8fC0DCEE9E3C5985D7FcBab8B4A0fE1"
	})
	out, err := s.Verify(context.Background(), proof, testRequirement(t))
	require.NoError(t, err)
	assert.False(t, out.Verified)
}

func TestSignerMismatchRejected(t *testing.T) {
	ledger := newNonceLedger()
	payerKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	otherKey, err := crypto.GenerateKey()
	require.NoError(t, err)

	s := testService(t, ledger)
	proof := signedProof(t, otherKey, func(a *types.Authorization) {
		// Payer claims to be someone the signing key does not control.
		a.From = crypto.PubkeyToAddress(payerKey.PublicKey).Hex()
	})
	out, err := s.Verify(context.Background(), proof, testRequirement(t))
	require.NoError(t, err)
	assert.False(t, out.Verified)
	assert.Contains(t, out.Reason, "does not match payer")
}

func TestTrustedIntermediarySignerAccepted(t *testing.T) {
	ledger := newNonceLedger()
	payerKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	intermediaryKey, err := crypto.GenerateKey()
	require.NoError(t, err)

	s := testService(t, ledger)
	s.SetSettler(&ledgerSettler{ledger: ledger})
	s.SetTrustedSigners([]string{crypto.PubkeyToAddress(intermediaryKey.PublicKey).Hex()})

	proof := signedProof(t, intermediaryKey, func(a *types.Authorization) {
		a.From = crypto.PubkeyToAddress(payerKey.PublicKey).Hex()
	})
	out, err := s.Verify(context.Background(), proof, testRequirement(t))
	require.NoError(t, err)
	assert.True(t, out.Verified)
	assert.NotEmpty(t, out.Diagnostics)
}

func TestMismatchEscapeHatch(t *testing.T) {
	ledger := newNonceLedger()
	payerKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	otherKey, err := crypto.GenerateKey()
	require.NoError(t, err)

	s := testService(t, ledger)
	s.SetSettler(&ledgerSettler{ledger: ledger})
	s.SetEscapeHatches(true, false)

	proof := signedProof(t, otherKey, func(a *types.Authorization) {
		a.From = crypto.PubkeyToAddress(payerKey.PublicKey).Hex()
	})
	out, err := s.Verify(context.Background(), proof, testRequirement(t))
	require.NoError(t, err)
	assert.True(t, out.Verified)
}

func TestVerifiedButUnsettledOnSettlementFailure(t *testing.T) {
	ledger := newNonceLedger()
	s := testService(t, ledger)
	s.SetSettler(&ledgerSettler{ledger: ledger, fail: true})

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	out, err := s.Verify(context.Background(), signedProof(t, key, nil), testRequirement(t))
	require.NoError(t, err)
	assert.True(t, out.Verified, "verification verdict must survive settlement failure")
	assert.False(t, out.Settled)
	assert.NotEmpty(t, out.Diagnostics)
}

func TestVerifiedButUnsettledWithoutSettler(t *testing.T) {
	ledger := newNonceLedger()
	s := testService(t, ledger)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	out, err := s.Verify(context.Background(), signedProof(t, key, nil), testRequirement(t))
	require.NoError(t, err)
	assert.True(t, out.Verified)
	assert.False(t, out.Settled)
}

func TestLegacyProofWithoutAuthorizationFailsFast(t *testing.T) {
	ledger := newNonceLedger()
	s := testService(t, ledger)

	proof := &types.PaymentProof{
		Kind: types.ProofTypedDataAuthorization,
		TypedData: &types.TypedDataAuthorization{
			Network:   types.NetworkBaseSepolia,
			Signature: "0xabcdef",
		},
	}
	out, err := s.Verify(context.Background(), proof, testRequirement(t))
	require.NoError(t, err)
	assert.False(t, out.Verified)
	assert.Contains(t, out.Reason, "no authorization fields")
}
