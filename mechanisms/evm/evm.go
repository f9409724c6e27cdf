// Package evm implements the EVM side of request forwarding: EIP-712 hashing of
// forwarded requests, domain separation, signer recovery, and the ERC-2771
// sender-suffix convention used when the call reaches its target.
package evm
