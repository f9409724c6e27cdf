package evm

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	fwdevm "github.com/x402-foundation/forwarder/mechanisms/evm"
)

const testKeyHex = "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func TestSignForwardRequest(t *testing.T) {
	signer, err := NewClientSignerFromPrivateKey(testKeyHex)
	require.NoError(t, err)

	forwarder := common.HexToAddress("0x00000000000000000000000000000000000f0f0f")
	domain := fwdevm.NewForwarderDomain(fwdevm.DefaultDomainName, fwdevm.DefaultDomainVersion, big.NewInt(8453), forwarder)
	req := fwdevm.ForwardRequest{
		From:  signer.Address(),
		To:    common.HexToAddress("0x000000000000000000000000000000000000c0de"),
		Value: big.NewInt(0),
		Gas:   100_000,
		Nonce: 0,
		Data:  []byte{0xde, 0xad, 0xbe, 0xef},
	}

	t.Run("recovers to the signer", func(t *testing.T) {
		sig, err := signer.SignForwardRequest(context.Background(), domain, req)
		require.NoError(t, err)
		require.Len(t, sig, fwdevm.SignatureLength)
		assert.Contains(t, []byte{27, 28}, sig[64])

		sep, err := fwdevm.DomainSeparator(domain)
		require.NoError(t, err)
		ok, err := fwdevm.VerifyForwardRequestSignature(sep, req, sig)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("rejects a request from another account", func(t *testing.T) {
		other := req
		other.From = common.HexToAddress("0x0000000000000000000000000000000000000bad")
		_, err := signer.SignForwardRequest(context.Background(), domain, other)
		assert.Error(t, err)
	})

	t.Run("honours cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := signer.SignForwardRequest(ctx, domain, req)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestNewClientSignerFromPrivateKey(t *testing.T) {
	withPrefix, err := NewClientSignerFromPrivateKey(testKeyHex)
	require.NoError(t, err)
	withoutPrefix, err := NewClientSignerFromPrivateKey(testKeyHex[2:])
	require.NoError(t, err)
	assert.Equal(t, withPrefix.Address(), withoutPrefix.Address())

	_, err = NewClientSignerFromPrivateKey("0xnothex")
	assert.Error(t, err)
}
