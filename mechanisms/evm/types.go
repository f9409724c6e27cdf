package evm

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// ForwardRequest is the action a user authorizes off-line for a relayer to submit.
// It is immutable once signed; its identity is the tuple of its fields.
type ForwardRequest struct {
	From  common.Address `json:"from"`
	To    common.Address `json:"to"`
	Value *big.Int       `json:"value"`
	Gas   uint64         `json:"gas"`
	Nonce uint64         `json:"nonce"`
	Data  []byte         `json:"data"`
}

// ValueOrZero returns the request value, treating nil as zero.
func (r ForwardRequest) ValueOrZero() *big.Int {
	if r.Value == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(r.Value)
}

// Message converts the request into the EIP-712 message map expected by apitypes.
func (r ForwardRequest) Message() map[string]interface{} {
	data := r.Data
	if data == nil {
		data = []byte{}
	}
	return map[string]interface{}{
		"from":  r.From.Hex(),
		"to":    r.To.Hex(),
		"value": r.ValueOrZero(),
		"gas":   new(big.Int).SetUint64(r.Gas),
		"nonce": new(big.Int).SetUint64(r.Nonce),
		"data":  data,
	}
}

// TypedDataDomain represents the EIP-712 domain separator
type TypedDataDomain struct {
	Name              string   `json:"name"`
	Version           string   `json:"version"`
	ChainID           *big.Int `json:"chainId"`
	VerifyingContract string   `json:"verifyingContract"`
}

// TypedDataField represents a field in EIP-712 typed data
type TypedDataField struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// NewForwarderDomain builds the domain that binds signatures to one forwarder
// instance on one network.
func NewForwarderDomain(name, version string, chainID *big.Int, forwarder common.Address) TypedDataDomain {
	return TypedDataDomain{
		Name:              name,
		Version:           version,
		ChainID:           new(big.Int).Set(chainID),
		VerifyingContract: forwarder.Hex(),
	}
}
