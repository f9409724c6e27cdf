package evm

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	fwdevm "github.com/x402-foundation/forwarder/mechanisms/evm"
)

// ClientSigner signs forward requests with an ECDSA private key.
// It is what a user runs off-line before handing a request to a relayer.
type ClientSigner struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// NewClientSignerFromPrivateKey creates a client signer from a hex-encoded private key.
//
// Args:
//
//	privateKeyHex: Hex-encoded private key (with or without "0x" prefix)
//
// Example:
//
//	signer, err := evm.NewClientSignerFromPrivateKey("0x1234...")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	sig, err := signer.SignForwardRequest(ctx, fwd.Domain(), req)
func NewClientSignerFromPrivateKey(privateKeyHex string) (*ClientSigner, error) {
	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return NewClientSigner(privateKey), nil
}

// NewClientSigner wraps an existing key
func NewClientSigner(privateKey *ecdsa.PrivateKey) *ClientSigner {
	return &ClientSigner{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(privateKey.PublicKey),
	}
}

// Address returns the Ethereum address of the signer.
func (s *ClientSigner) Address() common.Address {
	return s.address
}

// SignForwardRequest signs req for the forwarder identified by domain.
// The request's From must be the signer.
func (s *ClientSigner) SignForwardRequest(ctx context.Context, domain fwdevm.TypedDataDomain, req fwdevm.ForwardRequest) ([]byte, error) {
	if req.From != s.address {
		return nil, fmt.Errorf("request sender %s is not the signer %s", req.From.Hex(), s.address.Hex())
	}
	return s.SignTypedData(ctx, domain, fwdevm.GetForwardRequestEIP712Types(), fwdevm.PrimaryTypeForwardRequest, req.Message())
}

// SignTypedData signs EIP-712 typed data.
//
// Returns:
//
//	65-byte signature (r, s, v) with v in {27, 28}
//	Error if hashing or signing fails
func (s *ClientSigner) SignTypedData(
	ctx context.Context,
	domain fwdevm.TypedDataDomain,
	types map[string][]fwdevm.TypedDataField,
	primaryType string,
	message map[string]interface{},
) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	digest, err := fwdevm.HashTypedData(domain, types, primaryType, message)
	if err != nil {
		return nil, err
	}

	signature, err := crypto.Sign(digest, s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}

	// Adjust v value for Ethereum (recovery ID 0/1 → 27/28)
	signature[64] += 27

	return signature, nil
}
