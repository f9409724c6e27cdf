package evm

const (
	// Default EIP-712 domain identity of the forwarder
	DefaultDomainName    = "SponsoredForwarder"
	DefaultDomainVersion = "1"

	// PrimaryTypeForwardRequest is the EIP-712 primary type name for forwarded requests
	PrimaryTypeForwardRequest = "ForwardRequest"

	// ForwardRequestTypeString is the canonical type descriptor hashed into the type hash
	ForwardRequestTypeString = "ForwardRequest(address from,address to,uint256 value,uint256 gas,uint256 nonce,bytes data)"

	// SignatureLength is the length of an r || s || v ECDSA signature
	SignatureLength = 65

	// Function signatures making up the forwarder interface id
	FunctionExecute  = "execute((address,address,uint256,uint256,uint256,bytes),bytes)"
	FunctionVerify   = "verify((address,address,uint256,uint256,uint256,bytes),bytes)"
	FunctionGetNonce = "getNonce(address)"

	// ERC165InterfaceID is the interface id of supportsInterface(bytes4)
	ERC165InterfaceID = "0x01ffc9a7"
)

var (
	// EIP712DomainFields is the field list of the EIP712Domain struct
	EIP712DomainFields = []TypedDataField{
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	}

	// ForwardRequestFields is the field list of the ForwardRequest struct
	ForwardRequestFields = []TypedDataField{
		{Name: "from", Type: "address"},
		{Name: "to", Type: "address"},
		{Name: "value", Type: "uint256"},
		{Name: "gas", Type: "uint256"},
		{Name: "nonce", Type: "uint256"},
		{Name: "data", Type: "bytes"},
	}
)

// GetForwardRequestEIP712Types returns the type definitions used to hash and sign
// forwarded requests. Client and verifier must share them.
func GetForwardRequestEIP712Types() map[string][]TypedDataField {
	return map[string][]TypedDataField{
		"EIP712Domain":            EIP712DomainFields,
		PrimaryTypeForwardRequest: ForwardRequestFields,
	}
}
