// Package eip712 implements the typed-data hashing and signer recovery used
// for gasless transfer authorizations (EIP-3009 over EIP-712).
package eip712

import (
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/payport/x402gate/types"
)

// Domain mirrors the EIP-712 domain separator fields.
type Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address
}

// Type hashes (keccak256 of the type signature strings)
var (
	domainTypeHash = crypto.Keccak256Hash([]byte("EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"))

	// TransferWithAuthorization is the primary type of an EIP-3009 transfer.
	transferAuthTypeHash = crypto.Keccak256Hash([]byte("TransferWithAuthorization(address from,address to,uint256 value,uint256 validAfter,uint256 validBefore,bytes32 nonce)"))

	// ReceiveWithAuthorization shares the exact field layout but a different
	// semantic name. Recovery under it is used only to sharpen diagnostics
	// when a client signed the wrong type.
	receiveAuthTypeHash = crypto.Keccak256Hash([]byte("ReceiveWithAuthorization(address from,address to,uint256 value,uint256 validAfter,uint256 validBefore,bytes32 nonce)"))
)

// Separator builds the domainSeparator hash per EIP-712.
func Separator(d Domain) (common.Hash, error) {
	if d.Name == "" || d.Version == "" || d.ChainID == nil {
		return common.Hash{}, errors.New("incomplete EIP-712 domain")
	}

	return keccakConcat(
		domainTypeHash.Bytes(),
		crypto.Keccak256([]byte(d.Name)),
		crypto.Keccak256([]byte(d.Version)),
		padLeft32(d.ChainID),
		addressTo32(d.VerifyingContract),
	), nil
}

// AuthorizationDigest computes the final EIP-712 digest for a transfer
// authorization under the given domain. When receiveType is true the sibling
// ReceiveWithAuthorization type hash is used instead.
func AuthorizationDigest(domain Domain, auth *types.Authorization, receiveType bool) (common.Hash, error) {
	sep, err := Separator(domain)
	if err != nil {
		return common.Hash{}, err
	}

	value, ok := new(big.Int).SetString(auth.Value, 10)
	if !ok {
		return common.Hash{}, fmt.Errorf("invalid authorization value %q", auth.Value)
	}
	nonce, err := NonceBytes(auth.Nonce)
	if err != nil {
		return common.Hash{}, err
	}

	typeHash := transferAuthTypeHash
	if receiveType {
		typeHash = receiveAuthTypeHash
	}

	structHash := keccakConcat(
		typeHash.Bytes(),
		addressTo32(common.HexToAddress(auth.From)),
		addressTo32(common.HexToAddress(auth.To)),
		padLeft32(value),
		padLeft32(big.NewInt(auth.ValidAfter)),
		padLeft32(big.NewInt(auth.ValidBefore)),
		nonce[:],
	)

	return crypto.Keccak256Hash([]byte("\x19\x01"), sep.Bytes(), structHash.Bytes()), nil
}

// RecoverSigner recovers the address that signed the given digest. The
// signature must be 65 bytes (R||S||V); V is normalized from 27/28 to 0/1.
func RecoverSigner(digest common.Hash, sigHex string) (common.Address, error) {
	sig, err := hex.DecodeString(strings.TrimPrefix(sigHex, "0x"))
	if err != nil {
		return common.Address{}, fmt.Errorf("bad signature hex: %w", err)
	}
	if len(sig) != 65 {
		return common.Address{}, fmt.Errorf("signature must be 65 bytes, got %d", len(sig))
	}

	// copy to avoid mutating caller data
	s := make([]byte, 65)
	copy(s, sig)
	if s[64] >= 27 {
		s[64] -= 27
	}

	pub, err := crypto.SigToPub(digest.Bytes(), s)
	if err != nil {
		return common.Address{}, fmt.Errorf("signer recovery failed: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// SignAuthorization signs an authorization digest with the given key,
// returning the hex signature. Used by tests and example clients.
func SignAuthorization(domain Domain, auth *types.Authorization, key *ecdsa.PrivateKey) (string, error) {
	digest, err := AuthorizationDigest(domain, auth, false)
	if err != nil {
		return "", err
	}
	sig, err := crypto.Sign(digest.Bytes(), key)
	if err != nil {
		return "", err
	}
	return hexutil.Encode(sig), nil
}

// SplitSignature splits a 65-byte hex signature into v, r, s components for
// on-chain submission. v is normalized to 27/28 as contracts expect.
func SplitSignature(sigHex string) (v uint8, r [32]byte, s [32]byte, err error) {
	sig, err := hex.DecodeString(strings.TrimPrefix(sigHex, "0x"))
	if err != nil {
		return
	}
	if len(sig) != 65 {
		err = fmt.Errorf("signature must be 65 bytes, got %d", len(sig))
		return
	}

	copy(r[:], sig[0:32])
	copy(s[:], sig[32:64])
	v = sig[64]
	if v < 27 {
		v += 27
	}
	return
}

// NonceBytes parses an authorization nonce (bytes32 hex) into a fixed array.
func NonceBytes(nonceHex string) ([32]byte, error) {
	var out [32]byte
	b, err := hex.DecodeString(strings.TrimPrefix(nonceHex, "0x"))
	if err != nil {
		return out, fmt.Errorf("bad nonce hex: %w", err)
	}
	if len(b) != 32 {
		return out, fmt.Errorf("nonce must be 32 bytes, got %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}

func keccakConcat(parts ...[]byte) common.Hash {
	var joined []byte
	for _, p := range parts {
		joined = append(joined, p...)
	}
	return crypto.Keccak256Hash(joined)
}

// padLeft32 returns a 32-byte right-aligned representation of the given big.Int
func padLeft32(n *big.Int) []byte {
	b := n.Bytes()
	if len(b) > 32 {
		b = b[len(b)-32:]
	}
	out := make([]byte, 32)
	copy(out[32-len(b):], b)
	return out
}

// addressTo32 left-pads an address into 32 bytes
func addressTo32(a common.Address) []byte {
	out := make([]byte, 32)
	copy(out[12:], a.Bytes())
	return out
}
