package forwarder_test

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/x402-foundation/forwarder"
	"github.com/x402-foundation/forwarder/backends/memory"
	"github.com/x402-foundation/forwarder/mechanisms/evm"
	evmsigner "github.com/x402-foundation/forwarder/signers/evm"
	"github.com/x402-foundation/forwarder/test/mocks/targets"
)

var (
	chainID       = big.NewInt(8453)
	forwarderAddr = common.HexToAddress("0x000000000000000000000000000000000000f0f0")
	ownerAddr     = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	relayerAddr   = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	targetAddr    = common.HexToAddress("0x000000000000000000000000000000000000c0de")

	gasPrice = big.NewInt(2)
)

const (
	counterGas  uint64 = 30_000
	requestGas  uint64 = 100_000
	gasOverhead uint64 = 40_000
)

// ============================================================================
// Fixture
// ============================================================================

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingSink struct {
	mu     sync.Mutex
	events []forwarder.Event
}

func (s *recordingSink) Publish(ctx context.Context, event forwarder.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *recordingSink) types() []forwarder.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]forwarder.EventType, len(s.events))
	for i, e := range s.events {
		out[i] = e.Type
	}
	return out
}

type fixture struct {
	fwd     *forwarder.Forwarder
	backend *memory.Backend
	clock   *fakeClock
	sink    *recordingSink
	user    *evmsigner.ClientSigner
}

func newFixture(t *testing.T, opts ...forwarder.Option) *fixture {
	t.Helper()

	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	fx := &fixture{
		backend: memory.New(forwarderAddr),
		clock:   &fakeClock{now: time.Unix(1_700_000_000, 0)},
		sink:    &recordingSink{},
		user:    evmsigner.NewClientSigner(key),
	}
	fx.backend.Deploy(targetAddr, targets.Counter(counterGas))

	opts = append([]forwarder.Option{forwarder.WithClock(fx.clock), forwarder.WithEventSink(fx.sink)}, opts...)
	fx.fwd, err = forwarder.New(forwarder.Config{
		Address:       forwarderAddr,
		ChainID:       chainID,
		Owner:         ownerAddr,
		MaxGasLimit:   1_000_000,
		GasOverhead:   gasOverhead,
		MaxWithdrawal: big.NewInt(500_000),
	}, fx.backend, fx.backend, opts...)
	require.NoError(t, err)
	return fx
}

func (fx *fixture) authorize(t *testing.T, relayer common.Address) {
	t.Helper()
	ctx := context.Background()
	eta, err := fx.fwd.ScheduleRelayerAuthorization(ctx, ownerAddr, relayer, true)
	require.NoError(t, err)
	fx.clock.Advance(forwarder.ChangeDelay)
	require.NoError(t, fx.fwd.ExecuteRelayerAuthorization(ctx, ownerAddr, relayer, true, eta))
}

func (fx *fixture) fund(t *testing.T, amount int64) {
	t.Helper()
	require.NoError(t, fx.fwd.Fund(context.Background(), common.HexToAddress("0x5905"), big.NewInt(amount)))
}

func (fx *fixture) request(nonce uint64) forwarder.ForwardRequest {
	return forwarder.ForwardRequest{
		From:  fx.user.Address(),
		To:    targetAddr,
		Value: big.NewInt(0),
		Gas:   requestGas,
		Nonce: nonce,
		Data:  []byte{0x01, 0x02, 0x03, 0x04},
	}
}

func (fx *fixture) sign(t *testing.T, req forwarder.ForwardRequest) []byte {
	t.Helper()
	sig, err := fx.user.SignForwardRequest(context.Background(), fx.fwd.Domain(), req)
	require.NoError(t, err)
	return sig
}

func relayer() forwarder.Caller {
	return forwarder.Caller{Address: relayerAddr, GasPrice: gasPrice}
}

func expectedCost(gasUsed uint64) *big.Int {
	cost := new(big.Int).SetUint64(gasUsed + gasOverhead)
	return cost.Mul(cost, gasPrice)
}

// ============================================================================
// Construction
// ============================================================================

func TestNew(t *testing.T) {
	backend := memory.New(forwarderAddr)
	valid := forwarder.Config{Address: forwarderAddr, ChainID: chainID, Owner: ownerAddr, MaxWithdrawal: big.NewInt(1)}

	t.Run("applies defaults", func(t *testing.T) {
		fwd, err := forwarder.New(valid, backend, backend)
		require.NoError(t, err)
		assert.Equal(t, forwarder.DefaultMaxGasLimit, fwd.MaxGasLimit())
		assert.Equal(t, forwarder.DefaultGasOverhead, fwd.GasOverhead())
		assert.Equal(t, 24*time.Hour, fwd.ChangeDelay())
		assert.Equal(t, ownerAddr, fwd.Owner())
		assert.Equal(t, forwarderAddr, fwd.Address())
		assert.Equal(t, 0, fwd.SponsorshipBalance().Sign())

		sep, err := evm.DomainSeparator(fwd.Domain())
		require.NoError(t, err)
		assert.Equal(t, sep, fwd.DomainSeparator())
	})

	t.Run("rejects missing collaborators and bad parameters", func(t *testing.T) {
		_, err := forwarder.New(valid, nil, backend)
		assert.Error(t, err)

		noChain := valid
		noChain.ChainID = nil
		_, err = forwarder.New(noChain, backend, backend)
		assert.Error(t, err)

		noCap := valid
		noCap.MaxWithdrawal = nil
		_, err = forwarder.New(noCap, backend, backend)
		assert.Error(t, err)

		lowLimit := valid
		lowLimit.MaxGasLimit = 10
		lowLimit.GasOverhead = 10
		_, err = forwarder.New(lowLimit, backend, backend)
		assert.Error(t, err)
	})

	t.Run("domain option changes the separator", func(t *testing.T) {
		a, err := forwarder.New(valid, backend, backend)
		require.NoError(t, err)
		b, err := forwarder.New(valid, backend, backend, forwarder.WithDomain("Other", "2"))
		require.NoError(t, err)
		assert.NotEqual(t, a.DomainSeparator(), b.DomainSeparator())
		assert.Equal(t, "Other", b.Domain().Name)
	})
}

func TestSupportsInterface(t *testing.T) {
	fx := newFixture(t)
	assert.True(t, fx.fwd.SupportsInterface([4]byte{0x01, 0xff, 0xc9, 0xa7}))
	assert.True(t, fx.fwd.SupportsInterface(evm.ForwarderInterfaceID()))
	assert.False(t, fx.fwd.SupportsInterface([4]byte{0xff, 0xff, 0xff, 0xff}))
}

// ============================================================================
// Execution scenarios
// ============================================================================

func TestExecute_FundAuthorizeExecute(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.fund(t, 1_000_000)

	req := fx.request(0)
	sig := fx.sign(t, req)

	_, err := fx.fwd.Execute(ctx, relayer(), req, sig)
	require.ErrorIs(t, err, forwarder.ErrUnauthorizedRelayer)
	assert.Equal(t, big.NewInt(1_000_000), fx.fwd.SponsorshipBalance())
	assert.Equal(t, uint64(0), fx.fwd.GetNonce(req.From))

	fx.authorize(t, relayerAddr)
	assert.True(t, fx.fwd.IsAuthorizedRelayer(relayerAddr))
	assert.Equal(t, []common.Address{relayerAddr}, fx.fwd.AuthorizedRelayers())

	result, err := fx.fwd.Execute(ctx, relayer(), req, sig)
	require.NoError(t, err)
	cost := expectedCost(counterGas)

	assert.True(t, result.Success)
	assert.Equal(t, counterGas, result.GasUsed)
	assert.Equal(t, cost, result.GasCost)
	assert.Equal(t, requestGas, result.RequestedGas)
	assert.Equal(t, common.LeftPadBytes([]byte{1}, 32), []byte(result.ReturnData))
	assert.True(t, strings.HasPrefix(result.EventID, "evt_"))

	assert.Equal(t, uint64(1), fx.fwd.GetNonce(req.From))
	assert.Equal(t, new(big.Int).Sub(big.NewInt(1_000_000), cost), fx.fwd.SponsorshipBalance())
	assert.Equal(t, cost, fx.backend.Paid(relayerAddr))

	// the target sees the user, not the forwarder, and the original calldata
	assert.Equal(t, uint64(1), targets.Count(fx.backend, targetAddr))
	assert.Equal(t, req.From, targets.LastSender(fx.backend, targetAddr))
	assert.Equal(t, req.Data, fx.backend.Storage(targetAddr, targets.KeyLastInput))

	assert.Equal(t, []forwarder.EventType{
		forwarder.EventSponsorshipFunded,
		forwarder.EventRelayerAuthorizationScheduled,
		forwarder.EventRelayerAuthorizationUpdated,
		forwarder.EventExecuted,
	}, fx.sink.types())

	events := fx.fwd.Events()
	require.Len(t, events, 4)
	executed := events[3]
	assert.Equal(t, result.EventID, executed.ID)
	require.NotNil(t, executed.Execution)
	assert.Equal(t, forwarder.ExecutionRecord{
		From:         req.From,
		To:           targetAddr,
		Relayer:      relayerAddr,
		Nonce:        0,
		GasUsed:      counterGas,
		GasCost:      cost,
		RequestedGas: requestGas,
		Success:      true,
		ReturnData:   result.ReturnData,
	}, *executed.Execution)
}

func TestExecute_ReverseNonceOrder(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.fund(t, 1_000_000)
	fx.authorize(t, relayerAddr)

	req0, req1 := fx.request(0), fx.request(1)
	sig0, sig1 := fx.sign(t, req0), fx.sign(t, req1)

	_, err := fx.fwd.Execute(ctx, relayer(), req1, sig1)
	require.ErrorIs(t, err, forwarder.ErrInvalidSignatureOrNonce)
	assert.Equal(t, uint64(0), fx.fwd.GetNonce(req0.From))

	_, err = fx.fwd.Execute(ctx, relayer(), req0, sig0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), fx.fwd.GetNonce(req0.From))

	_, err = fx.fwd.Execute(ctx, relayer(), req1, sig1)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), fx.fwd.GetNonce(req0.From))
	assert.Equal(t, uint64(2), targets.Count(fx.backend, targetAddr))
}

func TestExecute_ReplayFails(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.fund(t, 1_000_000)
	fx.authorize(t, relayerAddr)

	req := fx.request(0)
	sig := fx.sign(t, req)
	_, err := fx.fwd.Execute(ctx, relayer(), req, sig)
	require.NoError(t, err)
	balance := fx.fwd.SponsorshipBalance()

	_, err = fx.fwd.Execute(ctx, relayer(), req, sig)
	require.ErrorIs(t, err, forwarder.ErrInvalidSignatureOrNonce)
	assert.Equal(t, balance, fx.fwd.SponsorshipBalance())
	assert.Equal(t, uint64(1), fx.fwd.GetNonce(req.From))
	assert.Equal(t, expectedCost(counterGas), fx.backend.Paid(relayerAddr))
}

func TestExecute_FailingTargetStillSettles(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.fund(t, 1_000_000)
	fx.authorize(t, relayerAddr)

	failing := common.HexToAddress("0x000000000000000000000000000000000000dead")
	fx.backend.Deploy(failing, targets.Reverting("boom", 25_000))

	req := fx.request(0)
	req.To = failing
	result, err := fx.fwd.Execute(ctx, relayer(), req, fx.sign(t, req))
	require.NoError(t, err)

	cost := expectedCost(25_000)
	assert.False(t, result.Success)
	assert.Equal(t, "boom", string(result.ReturnData))
	assert.Equal(t, cost, result.GasCost)
	assert.Equal(t, uint64(1), fx.fwd.GetNonce(req.From))
	assert.Equal(t, cost, fx.backend.Paid(relayerAddr))
	assert.Nil(t, fx.backend.Storage(failing, targets.KeyCount), "reverted target writes must not persist")

	events := fx.fwd.Events()
	last := events[len(events)-1]
	require.Equal(t, forwarder.EventExecuted, last.Type)
	assert.False(t, last.Execution.Success)
}

func TestExecute_GasUsedCappedAtBudget(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.fund(t, 1_000_000)
	fx.authorize(t, relayerAddr)

	burner := common.HexToAddress("0x000000000000000000000000000000000000b0b0")
	fx.backend.Deploy(burner, targets.GasBurner(10*requestGas))

	req := fx.request(0)
	req.To = burner
	result, err := fx.fwd.Execute(ctx, relayer(), req, fx.sign(t, req))
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, requestGas, result.GasUsed)
	assert.Equal(t, expectedCost(requestGas), result.GasCost)
}

func TestExecute_ForwardsValue(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.fund(t, 1_000_000)
	fx.authorize(t, relayerAddr)

	req := fx.request(0)
	req.Value = big.NewInt(7)
	_, err := fx.fwd.Execute(ctx, relayer(), req, fx.sign(t, req))
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(7), fx.backend.Received(targetAddr))
	// value is not drawn from the sponsorship balance
	assert.Equal(t, new(big.Int).Sub(big.NewInt(1_000_000), expectedCost(counterGas)), fx.fwd.SponsorshipBalance())
}

// ============================================================================
// Preconditions and rollback
// ============================================================================

func TestExecute_Preconditions(t *testing.T) {
	ctx := context.Background()

	type setup func(t *testing.T, fx *fixture) (forwarder.Caller, forwarder.ForwardRequest, []byte)
	cases := []struct {
		name  string
		setup setup
		want  error
	}{
		{
			name: "unauthorized relayer",
			setup: func(t *testing.T, fx *fixture) (forwarder.Caller, forwarder.ForwardRequest, []byte) {
				req := fx.request(0)
				caller := forwarder.Caller{Address: common.HexToAddress("0xbad"), GasPrice: gasPrice}
				return caller, req, fx.sign(t, req)
			},
			want: forwarder.ErrUnauthorizedRelayer,
		},
		{
			name: "signature from another account",
			setup: func(t *testing.T, fx *fixture) (forwarder.Caller, forwarder.ForwardRequest, []byte) {
				req := fx.request(0)
				sig := fx.sign(t, req)
				req.From = common.HexToAddress("0x0000000000000000000000000000000000000bad")
				return relayer(), req, sig
			},
			want: forwarder.ErrInvalidSignatureOrNonce,
		},
		{
			name: "tampered data",
			setup: func(t *testing.T, fx *fixture) (forwarder.Caller, forwarder.ForwardRequest, []byte) {
				req := fx.request(0)
				sig := fx.sign(t, req)
				req.Data = []byte{0x09}
				return relayer(), req, sig
			},
			want: forwarder.ErrInvalidSignatureOrNonce,
		},
		{
			name: "malformed signature",
			setup: func(t *testing.T, fx *fixture) (forwarder.Caller, forwarder.ForwardRequest, []byte) {
				return relayer(), fx.request(0), make([]byte, 100)
			},
			want: forwarder.ErrInvalidSignatureOrNonce,
		},
		{
			name: "gas above ceiling",
			setup: func(t *testing.T, fx *fixture) (forwarder.Caller, forwarder.ForwardRequest, []byte) {
				req := fx.request(0)
				req.Gas = 1_000_001
				return relayer(), req, fx.sign(t, req)
			},
			want: forwarder.ErrGasLimitExceedsMaximum,
		},
		{
			name: "self call",
			setup: func(t *testing.T, fx *fixture) (forwarder.Caller, forwarder.ForwardRequest, []byte) {
				req := fx.request(0)
				req.To = forwarderAddr
				return relayer(), req, fx.sign(t, req)
			},
			want: forwarder.ErrSelfCallsNotAllowed,
		},
		{
			name: "negative gas price",
			setup: func(t *testing.T, fx *fixture) (forwarder.Caller, forwarder.ForwardRequest, []byte) {
				req := fx.request(0)
				return forwarder.Caller{Address: relayerAddr, GasPrice: big.NewInt(-1)}, req, fx.sign(t, req)
			},
			want: forwarder.ErrInvalidRequest,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fx := newFixture(t)
			fx.fund(t, 1_000_000)
			fx.authorize(t, relayerAddr)
			eventsBefore := len(fx.fwd.Events())

			caller, req, sig := tc.setup(t, fx)
			result, err := fx.fwd.Execute(ctx, caller, req, sig)
			require.ErrorIs(t, err, tc.want)
			assert.Nil(t, result)

			assert.Equal(t, uint64(0), fx.fwd.GetNonce(fx.user.Address()))
			assert.Equal(t, big.NewInt(1_000_000), fx.fwd.SponsorshipBalance())
			assert.Equal(t, uint64(0), targets.Count(fx.backend, targetAddr))
			assert.Len(t, fx.fwd.Events(), eventsBefore)
		})
	}
}

func TestExecute_InsufficientSponsorshipRollsBack(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.fund(t, 1_000)
	fx.authorize(t, relayerAddr)
	eventsBefore := len(fx.fwd.Events())

	req := fx.request(0)
	_, err := fx.fwd.Execute(ctx, relayer(), req, fx.sign(t, req))
	require.ErrorIs(t, err, forwarder.ErrInsufficientSponsorshipFunds)

	assert.Equal(t, big.NewInt(1_000), fx.fwd.SponsorshipBalance())
	assert.Equal(t, uint64(0), fx.fwd.GetNonce(req.From))
	assert.Equal(t, uint64(0), targets.Count(fx.backend, targetAddr), "target effects must be rolled back")
	assert.Equal(t, 0, fx.backend.Paid(relayerAddr).Sign())
	assert.Len(t, fx.fwd.Events(), eventsBefore)

	// the same request goes through once the balance covers it
	fx.fund(t, 1_000_000)
	_, err = fx.fwd.Execute(ctx, relayer(), req, fx.sign(t, req))
	require.NoError(t, err)
}

func TestExecute_HostFailuresRollBack(t *testing.T) {
	ctx := context.Background()
	hostErr := errors.New("host down")

	t.Run("invocation", func(t *testing.T) {
		fx := newFixture(t)
		fx.fund(t, 1_000_000)
		fx.authorize(t, relayerAddr)
		fx.backend.FailInvocations(hostErr)

		req := fx.request(0)
		_, err := fx.fwd.Execute(ctx, relayer(), req, fx.sign(t, req))
		require.ErrorIs(t, err, hostErr)
		assert.Equal(t, uint64(0), fx.fwd.GetNonce(req.From))
		assert.Equal(t, big.NewInt(1_000_000), fx.fwd.SponsorshipBalance())
	})

	t.Run("payout", func(t *testing.T) {
		fx := newFixture(t)
		fx.fund(t, 1_000_000)
		fx.authorize(t, relayerAddr)
		fx.backend.FailPayouts(hostErr)

		req := fx.request(0)
		_, err := fx.fwd.Execute(ctx, relayer(), req, fx.sign(t, req))
		require.ErrorIs(t, err, forwarder.ErrPayoutFailed)
		require.ErrorIs(t, err, hostErr)
		assert.Equal(t, uint64(0), fx.fwd.GetNonce(req.From))
		assert.Equal(t, big.NewInt(1_000_000), fx.fwd.SponsorshipBalance())
		assert.Equal(t, uint64(0), targets.Count(fx.backend, targetAddr))
	})
}

func TestExecute_CommitsHost(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.fund(t, 1_000_000)
	fx.authorize(t, relayerAddr)

	before := fx.backend.Snapshot()
	for nonce := uint64(0); nonce < 3; nonce++ {
		req := fx.request(nonce)
		_, err := fx.fwd.Execute(ctx, relayer(), req, fx.sign(t, req))
		require.NoError(t, err)
	}

	// committed executions are out of reach of older snapshots
	fx.backend.RevertToSnapshot(before)
	assert.Equal(t, uint64(3), targets.Count(fx.backend, targetAddr))
	assert.Equal(t, new(big.Int).Mul(expectedCost(counterGas), big.NewInt(3)), fx.backend.Paid(relayerAddr))
}

func TestExecute_ZeroGasPriceSkipsPayout(t *testing.T) {
	fx := newFixture(t)
	fx.authorize(t, relayerAddr)
	fx.backend.FailPayouts(errors.New("must not be called"))

	req := fx.request(0)
	result, err := fx.fwd.Execute(context.Background(), forwarder.Caller{Address: relayerAddr}, req, fx.sign(t, req))
	require.NoError(t, err)
	assert.Equal(t, 0, result.GasCost.Sign())
	assert.Equal(t, uint64(1), fx.fwd.GetNonce(req.From))
}

func TestVerify(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	req := fx.request(0)
	sig := fx.sign(t, req)

	ok, err := fx.fwd.Verify(ctx, req, sig)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = fx.fwd.Verify(ctx, fx.request(1), fx.sign(t, fx.request(1)))
	require.NoError(t, err)
	assert.False(t, ok, "future nonce")

	t.Run("other domain", func(t *testing.T) {
		for _, domain := range []evm.TypedDataDomain{
			evm.NewForwarderDomain(evm.DefaultDomainName, evm.DefaultDomainVersion, big.NewInt(1), forwarderAddr),
			evm.NewForwarderDomain(evm.DefaultDomainName, evm.DefaultDomainVersion, chainID, targetAddr),
		} {
			sig, err := fx.user.SignForwardRequest(ctx, domain, req)
			require.NoError(t, err)
			ok, err := fx.fwd.Verify(ctx, req, sig)
			require.NoError(t, err)
			assert.False(t, ok)
		}
	})

	assert.Equal(t, uint64(0), fx.fwd.GetNonce(req.From), "verify has no side effects")
}

// ============================================================================
// Reentrancy and concurrency
// ============================================================================

func TestExecute_RejectsReentry(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.fund(t, 1_000_000)
	fx.authorize(t, relayerAddr)

	inner := fx.request(1)
	innerSig := fx.sign(t, inner)

	cases := []struct {
		name string
		fn   func(ctx context.Context, env *memory.Env) error
	}{
		{"execute", func(ctx context.Context, env *memory.Env) error {
			_, err := fx.fwd.Execute(ctx, relayer(), inner, innerSig)
			return err
		}},
		{"fund", func(ctx context.Context, env *memory.Env) error {
			return fx.fwd.Fund(ctx, ownerAddr, big.NewInt(1))
		}},
		{"withdraw", func(ctx context.Context, env *memory.Env) error {
			return fx.fwd.Withdraw(ctx, ownerAddr, big.NewInt(1))
		}},
		{"schedule", func(ctx context.Context, env *memory.Env) error {
			_, err := fx.fwd.ScheduleRelayerAuthorization(ctx, ownerAddr, relayerAddr, false)
			return err
		}},
	}

	for i, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			target := common.BigToAddress(big.NewInt(int64(0xe000 + i)))
			fx.backend.Deploy(target, targets.Callback(counterGas, tc.fn))

			nonce := fx.fwd.GetNonce(fx.user.Address())
			req := fx.request(nonce)
			req.To = target
			_, err := fx.fwd.Execute(ctx, relayer(), req, fx.sign(t, req))
			require.NoError(t, err)
			assert.Contains(t, targets.CallbackError(fx.backend, target), forwarder.ErrCodeReentrantCall)
			assert.Equal(t, nonce+1, fx.fwd.GetNonce(fx.user.Address()))
		})
	}

	t.Run("nested verify sees the consumed nonce", func(t *testing.T) {
		target := common.HexToAddress("0x000000000000000000000000000000000000e0ff")
		req := fx.request(fx.fwd.GetNonce(fx.user.Address()))
		req.To = target
		sig := fx.sign(t, req)

		fx.backend.Deploy(target, targets.Callback(counterGas, func(ctx context.Context, env *memory.Env) error {
			ok, err := fx.fwd.Verify(ctx, req, sig)
			if err != nil {
				return err
			}
			if ok {
				return errors.New("nested verify accepted a consumed nonce")
			}
			return nil
		}))

		_, err := fx.fwd.Execute(ctx, relayer(), req, sig)
		require.NoError(t, err)
		assert.Empty(t, targets.CallbackError(fx.backend, target))
	})

	t.Run("nested entry on a fresh context gives up at its deadline", func(t *testing.T) {
		target := common.HexToAddress("0x000000000000000000000000000000000000e100")
		fx.backend.Deploy(target, targets.Callback(counterGas, func(_ context.Context, env *memory.Env) error {
			fresh, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
			defer cancel()
			return fx.fwd.Fund(fresh, ownerAddr, big.NewInt(1))
		}))

		balance := fx.fwd.SponsorshipBalance()
		req := fx.request(fx.fwd.GetNonce(fx.user.Address()))
		req.To = target
		result, err := fx.fwd.Execute(ctx, relayer(), req, fx.sign(t, req))
		require.NoError(t, err)
		assert.Contains(t, targets.CallbackError(fx.backend, target), context.DeadlineExceeded.Error())

		// the abandoned wait does not keep the lock
		require.NoError(t, fx.fwd.Fund(ctx, ownerAddr, big.NewInt(1)))
		want := new(big.Int).Sub(balance, result.GasCost)
		assert.Equal(t, want.Add(want, big.NewInt(1)), fx.fwd.SponsorshipBalance())
	})
}

func TestExecute_ConcurrentDuplicates(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.fund(t, 1_000_000)
	fx.authorize(t, relayerAddr)

	req := fx.request(0)
	sig := fx.sign(t, req)

	const submitters = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		failures  int
	)
	for i := 0; i < submitters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := fx.fwd.Execute(ctx, relayer(), req, sig)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successes++
			} else if errors.Is(err, forwarder.ErrInvalidSignatureOrNonce) {
				failures++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, submitters-1, failures)
	assert.Equal(t, uint64(1), targets.Count(fx.backend, targetAddr))
	assert.Equal(t, expectedCost(counterGas), fx.backend.Paid(relayerAddr))
}

// ============================================================================
// Hooks
// ============================================================================

func TestExecuteHooks(t *testing.T) {
	ctx := context.Background()

	t.Run("before hook aborts without state change", func(t *testing.T) {
		fx := newFixture(t)
		fx.fund(t, 1_000_000)
		fx.authorize(t, relayerAddr)
		fx.fwd.OnBeforeExecute(func(c forwarder.ExecuteContext) (*forwarder.BeforeHookResult, error) {
			return &forwarder.BeforeHookResult{Abort: true, Reason: "relayer paused"}, nil
		})

		req := fx.request(0)
		_, err := fx.fwd.Execute(ctx, relayer(), req, fx.sign(t, req))
		require.ErrorIs(t, err, forwarder.ErrExecutionAborted)
		assert.Contains(t, err.Error(), "relayer paused")
		assert.Equal(t, uint64(0), fx.fwd.GetNonce(req.From))
	})

	t.Run("after and failure hooks observe outcomes", func(t *testing.T) {
		fx := newFixture(t)
		fx.fund(t, 1_000_000)
		fx.authorize(t, relayerAddr)

		var results []forwarder.ExecuteResult
		var failures []error
		fx.fwd.
			OnAfterExecute(func(c forwarder.ExecuteResultContext) error {
				results = append(results, c.Result)
				return errors.New("ignored")
			}).
			OnExecuteFailure(func(c forwarder.ExecuteFailureContext) error {
				failures = append(failures, c.Error)
				return nil
			})

		req := fx.request(0)
		sig := fx.sign(t, req)
		_, err := fx.fwd.Execute(ctx, relayer(), req, sig)
		require.NoError(t, err)
		_, err = fx.fwd.Execute(ctx, relayer(), req, sig)
		require.Error(t, err)

		require.Len(t, results, 1)
		assert.Equal(t, uint64(0), results[0].Nonce)
		require.Len(t, failures, 1)
		assert.ErrorIs(t, failures[0], forwarder.ErrInvalidSignatureOrNonce)
	})
}
