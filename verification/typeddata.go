package verification

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	ethereum "github.com/ethereum/go-ethereum"

	"github.com/payport/x402gate/eip712"
	"github.com/payport/x402gate/metrics"
	"github.com/payport/x402gate/types"
)

// NonceState queries whether an authorization nonce has been consumed
// on-chain. Queried live at verification time, never cached: a cached answer
// reopens the replay window it exists to close.
type NonceState interface {
	AuthorizationState(ctx context.Context, token, authorizer common.Address, nonce [32]byte) (bool, error)
}

// verifyTypedData runs the hard gates of the typed-data authorization
// verifier in cost order: field checks, signature recovery, signer/payer
// reconciliation, on-chain replay check, then settlement. Any failed gate
// aborts with a specific internal reason.
func (s *Service) verifyTypedData(ctx context.Context, proof *types.TypedDataAuthorization, req *Requirement) (*types.VerificationOutcome, error) {
	auth := proof.Authorization
	if auth == nil {
		// Legacy unstructured EVM signatures carry no authorization, so
		// there is nothing to settle against. Intentional fast failure.
		return types.Reject("proof carries no authorization fields"), nil
	}

	// Gate 1: field checks.
	if !equalAddress(auth.To, req.PayTo) {
		return types.Reject(fmt.Sprintf("authorization pays %s, route pays to %s", auth.To, req.PayTo)), nil
	}

	value, ok := new(big.Int).SetString(auth.Value, 10)
	if !ok {
		return types.Reject(fmt.Sprintf("unparseable authorization value %q", auth.Value)), nil
	}
	if value.Cmp(req.Amount) < 0 {
		return types.Reject(fmt.Sprintf("authorized value %s below required %s", value, req.Amount)), nil
	}

	now := s.now().Unix()
	if now < auth.ValidAfter {
		return types.Reject(fmt.Sprintf("authorization not yet valid (validAfter=%d now=%d)", auth.ValidAfter, now)), nil
	}
	if now > auth.ValidBefore {
		return types.Reject(fmt.Sprintf("authorization expired (validBefore=%d now=%d)", auth.ValidBefore, now)), nil
	}

	// Gate 2: signature recovery under the expected primary type.
	domain, err := s.resolveDomain(proof, req)
	if err != nil {
		return types.Reject(err.Error()), nil
	}

	digest, err := eip712.AuthorizationDigest(domain, auth, false)
	if err != nil {
		return types.Reject(fmt.Sprintf("digest construction failed: %v", err)), nil
	}
	signer, err := eip712.RecoverSigner(digest, proof.Signature)
	if err != nil {
		return types.Reject(fmt.Sprintf("signature recovery failed: %v", err)), nil
	}

	payer := common.HexToAddress(auth.From)
	outcome := &types.VerificationOutcome{Payer: payer.Hex()}

	// Gate 3: signer/payer reconciliation.
	if signer != payer {
		diag := s.mismatchDiagnostic(domain, auth, proof.Signature, payer)
		if diag != "" {
			outcome.Diagnostics = append(outcome.Diagnostics, diag)
		}

		switch {
		case s.trustedSigners[signer]:
			// Trusted intermediary co-signing on behalf of the payer.
			outcome.Diagnostics = append(outcome.Diagnostics,
				fmt.Sprintf("accepted intermediary signer %s for payer %s", signer.Hex(), payer.Hex()))
		case s.allowSignerMismatch:
			s.log.Error("accepting signer/payer mismatch via escape hatch", map[string]any{
				"signer": signer.Hex(),
				"payer":  payer.Hex(),
			})
		default:
			outcome.Reason = fmt.Sprintf("recovered signer %s does not match payer %s", signer.Hex(), payer.Hex())
			if diag != "" {
				outcome.Reason += "; " + diag
			}
			return outcome, nil
		}
	}

	// Gate 4: replay check against live on-chain nonce state.
	ns, ok := s.nonce[req.Network]
	if !ok {
		return nil, types.ConfigErrorf("no nonce-state backend configured for network %s", req.Network)
	}
	token := common.HexToAddress(req.Asset.Contract)
	nonce, err := eip712.NonceBytes(auth.Nonce)
	if err != nil {
		outcome.Reason = fmt.Sprintf("invalid nonce: %v", err)
		return outcome, nil
	}
	used, err := ns.AuthorizationState(ctx, token, payer, nonce)
	if err != nil {
		return nil, fmt.Errorf("authorization state query failed: %w", err)
	}
	if used {
		outcome.Reason = "authorization nonce already consumed"
		return outcome, nil
	}

	outcome.Verified = true

	// Gate 5: settlement. Failures here do not revoke the verification
	// verdict; the payer proved intent to pay. They must be loud instead.
	s.settle(ctx, proof, req, outcome)
	return outcome, nil
}

// resolveDomain reconstructs the EIP-712 domain from the proof's declared
// hints, falling back to the network/asset defaults in the registry.
func (s *Service) resolveDomain(proof *types.TypedDataAuthorization, req *Requirement) (eip712.Domain, error) {
	info, err := s.reg.Lookup(req.Network)
	if err != nil {
		return eip712.Domain{}, err
	}

	domain := eip712.Domain{
		Name:              req.Asset.EIP712Name,
		Version:           req.Asset.EIP712Version,
		ChainID:           info.ChainID,
		VerifyingContract: common.HexToAddress(req.Asset.Contract),
	}

	if h := proof.Domain; h != nil {
		if h.Name != "" {
			domain.Name = h.Name
		}
		if h.Version != "" {
			domain.Version = h.Version
		}
		if h.ChainID != "" {
			id, ok := new(big.Int).SetString(h.ChainID, 10)
			if !ok {
				return eip712.Domain{}, fmt.Errorf("invalid domain chain id %q", h.ChainID)
			}
			domain.ChainID = id
		}
		if h.VerifyingContract != "" {
			domain.VerifyingContract = common.HexToAddress(h.VerifyingContract)
		}
	}

	if domain.ChainID == nil {
		return eip712.Domain{}, fmt.Errorf("no chain id known for network %s", req.Network)
	}
	return domain, nil
}

// mismatchDiagnostic attempts recovery under the sibling typed-data type to
// tell "wrong type signed" apart from "wrong key". Diagnostics only: the
// result never changes the verdict.
func (s *Service) mismatchDiagnostic(domain eip712.Domain, auth *types.Authorization, sig string, payer common.Address) string {
	if !s.domainDiagnostics {
		return ""
	}
	digest, err := eip712.AuthorizationDigest(domain, auth, true)
	if err != nil {
		return ""
	}
	recovered, err := eip712.RecoverSigner(digest, sig)
	if err == nil && recovered == payer {
		return "signature matches payer under ReceiveWithAuthorization; wrong typed-data type used"
	}
	return ""
}

// settle executes the on-chain transfer for a verified authorization.
func (s *Service) settle(ctx context.Context, proof *types.TypedDataAuthorization, req *Requirement, outcome *types.VerificationOutcome) {
	labels := map[string]string{"network": req.Network.String()}

	if s.settler == nil || !s.settler.Configured(req.Network) {
		s.log.Error("payment verified but NOT settled: no settlement key configured", map[string]any{
			"network": req.Network.String(),
			"payer":   outcome.Payer,
			"value":   proof.Authorization.Value,
		})
		s.rec.IncCounter(metrics.EventSettlementFailed, labels)
		outcome.Diagnostics = append(outcome.Diagnostics, "settlement skipped: not configured")
		return
	}

	res, err := s.settler.Settle(ctx, req.Network, req.Asset.Contract, proof.Authorization, proof.Signature)
	if err != nil || !res.Success {
		reason := "settlement error"
		if err != nil {
			reason = err.Error()
		} else if res.Error != "" {
			reason = res.Error
		}
		s.log.Error("payment verified but NOT settled: funds were not collected", map[string]any{
			"network": req.Network.String(),
			"payer":   outcome.Payer,
			"reason":  reason,
		})
		s.rec.IncCounter(metrics.EventSettlementFailed, labels)
		outcome.Diagnostics = append(outcome.Diagnostics, "settlement failed: "+reason)
		return
	}

	outcome.Settled = true
	outcome.TxHash = res.TxHash
	s.rec.IncCounter(metrics.EventSettlementOK, labels)
	s.log.Info("payment settled", map[string]any{
		"network": req.Network.String(),
		"tx":      res.TxHash,
	})
}

// authorizationStateABI is the EIP-3009 nonce-state view.
const authorizationStateABI = `
[
  {
    "name": "authorizationState",
    "type": "function",
    "stateMutability": "view",
    "inputs": [
      { "name": "authorizer", "type": "address" },
      { "name": "nonce", "type": "bytes32" }
    ],
    "outputs": [ { "name": "", "type": "bool" } ]
  }
]
`

type evmNonceState struct {
	client *ethclient.Client
	parsed abi.ABI
}

func newEVMNonceState(rpcURL string) (*evmNonceState, error) {
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to EVM RPC: %w", err)
	}
	parsed, err := abi.JSON(strings.NewReader(authorizationStateABI))
	if err != nil {
		return nil, err
	}
	return &evmNonceState{client: client, parsed: parsed}, nil
}

func (e *evmNonceState) AuthorizationState(ctx context.Context, token, authorizer common.Address, nonce [32]byte) (bool, error) {
	data, err := e.parsed.Pack("authorizationState", authorizer, nonce)
	if err != nil {
		return false, err
	}

	out, err := e.client.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return false, err
	}

	results, err := e.parsed.Unpack("authorizationState", out)
	if err != nil {
		return false, err
	}
	used, ok := results[0].(bool)
	if !ok {
		return false, fmt.Errorf("unexpected authorizationState return type %T", results[0])
	}
	return used, nil
}
