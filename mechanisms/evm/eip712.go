package evm

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// newTypedData converts our domain and field types into apitypes format.
func newTypedData(
	domain TypedDataDomain,
	types map[string][]TypedDataField,
	primaryType string,
	message map[string]interface{},
) apitypes.TypedData {
	typedData := apitypes.TypedData{
		Types:       make(apitypes.Types),
		PrimaryType: primaryType,
		Domain: apitypes.TypedDataDomain{
			Name:              domain.Name,
			Version:           domain.Version,
			ChainId:           (*math.HexOrDecimal256)(domain.ChainID),
			VerifyingContract: domain.VerifyingContract,
		},
		Message: message,
	}

	for typeName, fields := range types {
		typedFields := make([]apitypes.Type, len(fields))
		for i, field := range fields {
			typedFields[i] = apitypes.Type{
				Name: field.Name,
				Type: field.Type,
			}
		}
		typedData.Types[typeName] = typedFields
	}

	if _, exists := typedData.Types["EIP712Domain"]; !exists {
		typedData.Types["EIP712Domain"] = []apitypes.Type{
			{Name: "name", Type: "string"},
			{Name: "version", Type: "string"},
			{Name: "chainId", Type: "uint256"},
			{Name: "verifyingContract", Type: "address"},
		}
	}
	return typedData
}

// HashTypedData hashes EIP-712 typed data per EIP-712
//
// The hash is computed as: keccak256("\x19\x01" + domainSeparator + structHash)
//
// Args:
//
//	domain: The EIP-712 domain separator parameters
//	types: The type definitions for the structured data
//	primaryType: The name of the primary type being hashed
//	message: The message data to hash
//
// Returns:
//
//	32-byte hash suitable for signing or verification
//	error if hashing fails
func HashTypedData(
	domain TypedDataDomain,
	types map[string][]TypedDataField,
	primaryType string,
	message map[string]interface{},
) ([]byte, error) {
	typedData := newTypedData(domain, types, primaryType, message)

	dataHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash struct: %w", err)
	}

	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to hash domain: %w", err)
	}

	digest := TypedDataDigest(common.BytesToHash(domainSeparator), common.BytesToHash(dataHash))
	return digest.Bytes(), nil
}

// DomainSeparator hashes the EIP712Domain struct of a domain.
func DomainSeparator(domain TypedDataDomain) (common.Hash, error) {
	if domain.ChainID == nil {
		return common.Hash{}, fmt.Errorf("domain chain id is required")
	}
	if !common.IsHexAddress(domain.VerifyingContract) {
		return common.Hash{}, fmt.Errorf("invalid verifying contract: %q", domain.VerifyingContract)
	}
	typedData := newTypedData(domain, nil, "EIP712Domain", nil)
	hash, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to hash domain: %w", err)
	}
	return common.BytesToHash(hash), nil
}

// HashForwardRequest returns the EIP-712 struct hash of a forwarded request:
// keccak256(typeHash || from || to || value || gas || nonce || keccak256(data)).
// The struct hash carries no domain, so it is encoded directly rather than through
// apitypes, which refuses to encode data without one.
func HashForwardRequest(req ForwardRequest) (common.Hash, error) {
	value := req.ValueOrZero()
	if value.Sign() < 0 || value.BitLen() > 256 {
		return common.Hash{}, fmt.Errorf("failed to hash forward request: value out of uint256 range")
	}
	enc := make([]byte, 0, 7*32)
	enc = append(enc, ForwardRequestTypeHash().Bytes()...)
	enc = append(enc, common.LeftPadBytes(req.From.Bytes(), 32)...)
	enc = append(enc, common.LeftPadBytes(req.To.Bytes(), 32)...)
	enc = append(enc, math.U256Bytes(value)...)
	enc = append(enc, math.U256Bytes(new(big.Int).SetUint64(req.Gas))...)
	enc = append(enc, math.U256Bytes(new(big.Int).SetUint64(req.Nonce))...)
	enc = append(enc, crypto.Keccak256(req.Data)...)
	return crypto.Keccak256Hash(enc), nil
}

// TypedDataDigest combines a domain separator and a struct hash into the digest
// that gets signed: keccak256(0x19 0x01 || domainSeparator || structHash).
func TypedDataDigest(domainSeparator, structHash common.Hash) common.Hash {
	rawData := make([]byte, 0, 66)
	rawData = append(rawData, 0x19, 0x01)
	rawData = append(rawData, domainSeparator.Bytes()...)
	rawData = append(rawData, structHash.Bytes()...)
	return crypto.Keccak256Hash(rawData)
}

// ForwardRequestDigest returns the digest a request's originator signs under a
// precomputed domain separator.
func ForwardRequestDigest(domainSeparator common.Hash, req ForwardRequest) (common.Hash, error) {
	structHash, err := HashForwardRequest(req)
	if err != nil {
		return common.Hash{}, err
	}
	return TypedDataDigest(domainSeparator, structHash), nil
}

// ForwardRequestTypeHash is keccak256 of the ForwardRequest type descriptor.
func ForwardRequestTypeHash() common.Hash {
	return crypto.Keccak256Hash([]byte(ForwardRequestTypeString))
}
