package verification

import (
	"context"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/payport/x402gate/types"
)

// NativeTransaction is the normalized view of a fetched native-chain
// transaction: whether it failed, and which accounts it touched.
type NativeTransaction struct {
	Failed      bool
	AccountKeys []string
}

// NativeFetcher fetches a finalized transaction by its signature.
type NativeFetcher interface {
	FetchTransaction(ctx context.Context, signature string) (*NativeTransaction, error)
}

// ErrTransactionNotFound reports an unknown signature.
var ErrTransactionNotFound = fmt.Errorf("transaction not found")

// verifyNative checks a native-chain transaction: it must exist, must not
// have failed, and the route's payout address must appear among its account
// keys. The transferred amount is NOT checked — attributing a native transfer
// to a specific route needs indexing this gateway does not do. Known gap;
// amount-aware verification is required before relying on this path alone.
func (s *Service) verifyNative(ctx context.Context, proof *types.NativeChainSignature, req *Requirement) (*types.VerificationOutcome, error) {
	fetcher, ok := s.native[proof.Network]
	if !ok {
		return nil, types.ConfigErrorf("no native-chain backend configured for network %s", proof.Network)
	}

	tx, err := fetcher.FetchTransaction(ctx, proof.Signature)
	if err == ErrTransactionNotFound {
		return types.Reject("transaction not found on chain"), nil
	}
	if err != nil {
		return nil, fmt.Errorf("transaction lookup failed: %w", err)
	}

	if tx.Failed {
		return types.Reject("transaction failed on chain"), nil
	}

	for _, key := range tx.AccountKeys {
		if key == req.PayTo {
			return &types.VerificationOutcome{
				Verified: true,
				// Native transfers settle themselves: the fetched
				// transaction is the settlement.
				Settled: true,
				TxHash:  proof.Signature,
				Diagnostics: []string{
					"amount not verified: native-chain verifier checks recipient presence only",
				},
			}, nil
		}
	}

	return types.Reject(fmt.Sprintf("payout address %s not among transaction accounts", req.PayTo)), nil
}

type solanaFetcher struct {
	client *rpc.Client
}

func newSolanaFetcher(rpcURL string) *solanaFetcher {
	return &solanaFetcher{client: rpc.New(rpcURL)}
}

// FetchTransaction fetches a finalized Solana transaction and normalizes it.
func (f *solanaFetcher) FetchTransaction(ctx context.Context, signature string) (*NativeTransaction, error) {
	sig, err := solana.SignatureFromBase58(signature)
	if err != nil {
		return nil, fmt.Errorf("invalid transaction signature: %w", err)
	}

	maxVersion := uint64(0)
	res, err := f.client.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{
		Commitment:                     rpc.CommitmentFinalized,
		MaxSupportedTransactionVersion: &maxVersion,
	})
	if err != nil {
		if err == rpc.ErrNotFound {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	if res == nil || res.Transaction == nil {
		return nil, ErrTransactionNotFound
	}

	tx, err := res.Transaction.GetTransaction()
	if err != nil {
		return nil, fmt.Errorf("failed to decode transaction: %w", err)
	}

	keys := make([]string, 0, len(tx.Message.AccountKeys))
	for _, k := range tx.Message.AccountKeys {
		keys = append(keys, k.String())
	}

	return &NativeTransaction{
		Failed:      res.Meta != nil && res.Meta.Err != nil,
		AccountKeys: keys,
	}, nil
}
