package evm

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrInvalidSignatureLength = errors.New("invalid signature length")
	ErrInvalidSignatureV      = errors.New("invalid signature recovery id")
	ErrInvalidSignatureValues = errors.New("invalid signature r, s values")
)

// RecoverSigner recovers the account that produced signature over digest.
//
// The signature must be exactly 65 bytes (r || s || v) with v in {0, 1, 27, 28}
// and a low-s value. Anything else fails with an error instead of yielding an
// arbitrary address.
func RecoverSigner(digest common.Hash, signature []byte) (common.Address, error) {
	if len(signature) != SignatureLength {
		return common.Address{}, fmt.Errorf("%w: got %d bytes", ErrInvalidSignatureLength, len(signature))
	}

	sig := make([]byte, SignatureLength)
	copy(sig, signature)

	// Normalize v from Ethereum style (27/28) to recovery id (0/1)
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	if sig[64] > 1 {
		return common.Address{}, fmt.Errorf("%w: %d", ErrInvalidSignatureV, signature[64])
	}

	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:64])
	if !crypto.ValidateSignatureValues(sig[64], r, s, true) {
		return common.Address{}, ErrInvalidSignatureValues
	}

	pubKey, err := crypto.SigToPub(digest.Bytes(), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to recover public key: %w", err)
	}
	return crypto.PubkeyToAddress(*pubKey), nil
}

// VerifyForwardRequestSignature reports whether signature over req under
// domainSeparator was produced by req.From. Malformed signatures report false.
func VerifyForwardRequestSignature(domainSeparator common.Hash, req ForwardRequest, signature []byte) (bool, error) {
	digest, err := ForwardRequestDigest(domainSeparator, req)
	if err != nil {
		return false, err
	}
	signer, err := RecoverSigner(digest, signature)
	if err != nil {
		return false, nil
	}
	return signer == req.From, nil
}
