package evm

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// AppendSender appends the original signer to forwarded calldata, following the
// ERC-2771 convention that the last 20 bytes carry the real sender.
func AppendSender(data []byte, from common.Address) []byte {
	out := make([]byte, 0, len(data)+common.AddressLength)
	out = append(out, data...)
	return append(out, from.Bytes()...)
}

// ExtractSender resolves the effective sender of a call received by a target.
// When msgSender is the trusted forwarder and the calldata carries a suffix, the
// suffix is the sender and the remaining bytes are the original calldata.
// Otherwise msgSender and data are returned unchanged.
func ExtractSender(msgSender, trustedForwarder common.Address, data []byte) (common.Address, []byte) {
	if msgSender != trustedForwarder || len(data) < common.AddressLength {
		return msgSender, data
	}
	split := len(data) - common.AddressLength
	return common.BytesToAddress(data[split:]), data[:split]
}

// Selector returns the 4-byte function selector of a function signature.
func Selector(signature string) [4]byte {
	var sel [4]byte
	copy(sel[:], crypto.Keccak256([]byte(signature))[:4])
	return sel
}

// ForwarderInterfaceID is the XOR of the selectors of the forwarder's public
// surface, in the style of ERC-165 interface ids.
func ForwarderInterfaceID() [4]byte {
	var id [4]byte
	for _, fn := range []string{FunctionExecute, FunctionVerify, FunctionGetNonce} {
		sel := Selector(fn)
		for i := range id {
			id[i] ^= sel[i]
		}
	}
	return id
}
