package forwarder

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"

	"github.com/x402-foundation/forwarder/mechanisms/evm"
)

const (
	// ChangeDelay is the minimum time between announcing and applying a governed change
	ChangeDelay = 24 * time.Hour

	DefaultMaxGasLimit uint64 = 5_000_000
	DefaultGasOverhead uint64 = 40_000
)

// Config holds the construction-time parameters of a Forwarder
type Config struct {
	// Address is the forwarder's own account. Targets see it as the immediate caller.
	Address common.Address
	ChainID *big.Int
	Owner   common.Address

	// MaxGasLimit is the initial gas ceiling; governance changes it afterwards
	MaxGasLimit   uint64
	GasOverhead   uint64
	MaxWithdrawal *big.Int
}

// Option configures a Forwarder
type Option func(*Forwarder)

// WithClock replaces the wall clock used by governance
func WithClock(clock Clock) Option {
	return func(f *Forwarder) {
		f.clock = clock
	}
}

// WithEventSink adds a sink receiving every committed event
func WithEventSink(sink EventSink) Option {
	return func(f *Forwarder) {
		f.sinks = append(f.sinks, sink)
	}
}

// WithOwnerGate replaces the static owner from Config
func WithOwnerGate(gate OwnerGate) Option {
	return func(f *Forwarder) {
		f.owner = gate
	}
}

// WithDomain overrides the typed-data domain name and version
func WithDomain(name, version string) Option {
	return func(f *Forwarder) {
		f.domainName = name
		f.domainVersion = version
	}
}

// WithScheduleEnforcement makes governance execution require a matching, earlier
// schedule call. Without it, only the caller-supplied eta is checked.
func WithScheduleEnforcement() Option {
	return func(f *Forwarder) {
		f.enforceSchedule = true
	}
}

// Forwarder verifies signed requests, forwards them to their targets and
// reimburses the submitting relayer from a shared sponsorship balance.
type Forwarder struct {
	// mu serializes every state-changing operation; readers take it shared
	mu      sync.RWMutex
	state   *state
	pending []Event
	events  []Event

	address         common.Address
	chainID         *big.Int
	domainName      string
	domainVersion   string
	domainSeparator common.Hash
	gasOverhead     uint64
	maxWithdrawal   *big.Int
	enforceSchedule bool

	invoker Invoker
	payer   Payer
	owner   OwnerGate
	clock   Clock
	sinks   []EventSink

	hooksMu               sync.RWMutex
	beforeExecuteHooks    []BeforeExecuteHook
	afterExecuteHooks     []AfterExecuteHook
	onExecuteFailureHooks []OnExecuteFailureHook
}

// New creates a forwarder. The invoker runs forwarded calls and the payer moves
// funds out for relayer reimbursement and withdrawals.
func New(cfg Config, invoker Invoker, payer Payer, opts ...Option) (*Forwarder, error) {
	if invoker == nil || payer == nil {
		return nil, errors.New("forwarder requires an invoker and a payer")
	}
	if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
		return nil, errors.New("forwarder requires a positive chain id")
	}
	if cfg.MaxWithdrawal == nil || cfg.MaxWithdrawal.Sign() < 0 {
		return nil, errors.New("forwarder requires a non-negative withdrawal cap")
	}
	if cfg.MaxGasLimit == 0 {
		cfg.MaxGasLimit = DefaultMaxGasLimit
	}
	if cfg.GasOverhead == 0 {
		cfg.GasOverhead = DefaultGasOverhead
	}
	if cfg.MaxGasLimit <= cfg.GasOverhead {
		return nil, fmt.Errorf("max gas limit %d must exceed gas overhead %d", cfg.MaxGasLimit, cfg.GasOverhead)
	}

	f := &Forwarder{
		state:         newState(cfg.MaxGasLimit),
		address:       cfg.Address,
		chainID:       new(big.Int).Set(cfg.ChainID),
		domainName:    evm.DefaultDomainName,
		domainVersion: evm.DefaultDomainVersion,
		gasOverhead:   cfg.GasOverhead,
		maxWithdrawal: new(big.Int).Set(cfg.MaxWithdrawal),
		invoker:       invoker,
		payer:         payer,
		owner:         StaticOwner(cfg.Owner),
		clock:         systemClock{},
	}
	for _, opt := range opts {
		opt(f)
	}

	sep, err := evm.DomainSeparator(f.Domain())
	if err != nil {
		return nil, fmt.Errorf("failed to derive domain separator: %w", err)
	}
	f.domainSeparator = sep

	log.Info("Forwarder initialized", "address", f.address, "chainId", f.chainID,
		"owner", f.owner.Owner(), "maxGasLimit", cfg.MaxGasLimit, "gasOverhead", f.gasOverhead,
		"strictSchedule", f.enforceSchedule)
	return f, nil
}

// ============================================================================
// Readers
// ============================================================================

// Address returns the forwarder's own account
func (f *Forwarder) Address() common.Address { return f.address }

// Owner returns the account allowed to call owner-gated operations
func (f *Forwarder) Owner() common.Address { return f.owner.Owner() }

// GasOverhead returns the fixed per-call gas added to every settlement
func (f *Forwarder) GasOverhead() uint64 { return f.gasOverhead }

// MaxWithdrawal returns the per-withdrawal cap
func (f *Forwarder) MaxWithdrawal() *big.Int { return new(big.Int).Set(f.maxWithdrawal) }

// ChangeDelay returns the governance delay
func (f *Forwarder) ChangeDelay() time.Duration { return ChangeDelay }

// DomainSeparator returns the EIP-712 domain separator requests are signed under
func (f *Forwarder) DomainSeparator() common.Hash { return f.domainSeparator }

// Domain returns the typed-data domain clients sign requests for
func (f *Forwarder) Domain() evm.TypedDataDomain {
	return evm.NewForwarderDomain(f.domainName, f.domainVersion, f.chainID, f.address)
}

// GetNonce returns the next nonce expected from account
func (f *Forwarder) GetNonce(account common.Address) uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.state.nonce(account)
}

// SponsorshipBalance returns the shared balance
func (f *Forwarder) SponsorshipBalance() *big.Int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.state.getBalance()
}

// IsAuthorizedRelayer reports whether account may call Execute
func (f *Forwarder) IsAuthorizedRelayer(account common.Address) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.state.isRelayer(account)
}

// AuthorizedRelayers returns the current relayer set in no particular order
func (f *Forwarder) AuthorizedRelayers() []common.Address {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.state.relayerList()
}

// MaxGasLimit returns the current ceiling on a request's gas
func (f *Forwarder) MaxGasLimit() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.state.maxGasLimit
}

// Events returns every committed event in commit order
func (f *Forwarder) Events() []Event {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]Event, len(f.events))
	copy(out, f.events)
	return out
}

// SupportsInterface reports ERC-165 and forwarder interface support
func (f *Forwarder) SupportsInterface(id [4]byte) bool {
	erc165 := [4]byte(common.FromHex(evm.ERC165InterfaceID))
	return id == erc165 || id == evm.ForwarderInterfaceID()
}

// ============================================================================
// Verification
// ============================================================================

// Verify reports whether sig is req.From's signature over req under this
// forwarder's domain and req.Nonce is the next expected nonce. It changes nothing.
// A bad signature yields false; an error means req could not be hashed.
// Verify may be called from inside a target invocation with the ctx it received.
func (f *Forwarder) Verify(ctx context.Context, req ForwardRequest, sig []byte) (bool, error) {
	if !f.inCall(ctx) {
		f.mu.RLock()
		defer f.mu.RUnlock()
	}
	return f.verify(req, sig)
}

func (f *Forwarder) verify(req ForwardRequest, sig []byte) (bool, error) {
	ok, err := evm.VerifyForwardRequestSignature(f.domainSeparator, req, sig)
	if err != nil {
		return false, err
	}
	if !ok {
		log.Debug("Forward request signature mismatch", "from", req.From, "nonce", req.Nonce)
		return false, nil
	}
	if expected := f.state.nonce(req.From); req.Nonce != expected {
		log.Debug("Forward request nonce mismatch", "from", req.From, "nonce", req.Nonce, "expected", expected)
		return false, nil
	}
	return true, nil
}

// ============================================================================
// Execution
// ============================================================================

// Execute forwards req to its target on behalf of req.From and reimburses the
// calling relayer from the sponsorship balance. A target that fails still
// consumes the nonce and is still paid for; Success reports its outcome.
// Any returned error means nothing changed.
func (f *Forwarder) Execute(ctx context.Context, caller Caller, req ForwardRequest, sig []byte) (*ExecuteResult, error) {
	before, after, onFailure := f.hooks()
	hookCtx := ExecuteContext{
		Ctx:       ctx,
		Caller:    caller,
		Request:   req,
		Signature: sig,
		Timestamp: f.clock.Now(),
	}

	for _, hook := range before {
		result, err := hook(hookCtx)
		if err != nil {
			return nil, err
		}
		if result != nil && result.Abort {
			return nil, NewError(ErrCodeExecutionAborted, result.Reason, nil)
		}
	}

	start := time.Now()
	result, err := f.execute(ctx, caller, req, sig)
	duration := time.Since(start)

	if err != nil {
		failureCtx := ExecuteFailureContext{ExecuteContext: hookCtx, Error: err, Duration: duration}
		for _, hook := range onFailure {
			if hookErr := hook(failureCtx); hookErr != nil {
				log.Warn("Execute failure hook failed", "err", hookErr)
			}
		}
		return nil, err
	}

	resultCtx := ExecuteResultContext{ExecuteContext: hookCtx, Result: *result, Duration: duration}
	for _, hook := range after {
		if hookErr := hook(resultCtx); hookErr != nil {
			log.Warn("Execute after hook failed", "err", hookErr)
		}
	}
	return result, nil
}

func (f *Forwarder) execute(ctx context.Context, caller Caller, req ForwardRequest, sig []byte) (*ExecuteResult, error) {
	gasPrice := caller.GasPrice
	if gasPrice == nil {
		gasPrice = new(big.Int)
	}
	if gasPrice.Sign() < 0 {
		return nil, NewError(ErrCodeInvalidRequest, "gas price must not be negative", nil)
	}
	if req.Value != nil && req.Value.Sign() < 0 {
		return nil, NewError(ErrCodeInvalidRequest, "value must not be negative", nil)
	}

	callCtx, err := f.enter(ctx)
	if err != nil {
		return nil, err
	}
	defer f.leave()

	if !f.state.isRelayer(caller.Address) {
		return nil, NewError(ErrCodeUnauthorizedRelayer, "caller is not an authorized relayer",
			map[string]interface{}{"caller": caller.Address.Hex()})
	}
	valid, err := f.verify(req, sig)
	if err != nil {
		return nil, wrapError(ErrCodeInvalidSignatureOrNonce, "request cannot be hashed", err)
	}
	if !valid {
		return nil, NewError(ErrCodeInvalidSignatureOrNonce, "signature does not match request or nonce is stale",
			map[string]interface{}{"from": req.From.Hex(), "nonce": req.Nonce})
	}
	if req.Gas > f.state.maxGasLimit {
		return nil, NewError(ErrCodeGasLimitExceedsMaximum, "requested gas exceeds the maximum",
			map[string]interface{}{"gas": req.Gas, "maxGasLimit": f.state.maxGasLimit})
	}
	if req.To == f.address {
		return nil, NewError(ErrCodeSelfCallsNotAllowed, "request targets the forwarder itself", nil)
	}

	hostSnapshots := f.snapshotHost()

	f.state.setNonce(req.From, req.Nonce+1)

	call := Call{
		From:  f.address,
		To:    req.To,
		Value: req.ValueOrZero(),
		Gas:   req.Gas,
		Input: evm.AppendSender(req.Data, req.From),
	}
	log.Debug("Forwarding request", "from", req.From, "to", req.To, "nonce", req.Nonce, "gas", req.Gas, "relayer", caller.Address)

	out, err := f.invoker.Invoke(callCtx, call)
	if err != nil {
		f.revertHost(hostSnapshots)
		return nil, fmt.Errorf("failed to invoke target %s: %w", req.To.Hex(), err)
	}

	// the host cannot charge beyond the budget the user signed for
	gasUsed := out.GasUsed
	if gasUsed > req.Gas {
		gasUsed = req.Gas
	}
	cost := new(big.Int).SetUint64(gasUsed)
	cost.Add(cost, new(big.Int).SetUint64(f.gasOverhead))
	cost.Mul(cost, gasPrice)

	if err := f.settle(cost); err != nil {
		f.revertHost(hostSnapshots)
		return nil, err
	}
	if cost.Sign() > 0 {
		if err := f.payer.PayOut(callCtx, caller.Address, cost); err != nil {
			f.revertHost(hostSnapshots)
			return nil, wrapError(ErrCodePayoutFailed, "failed to reimburse relayer", err)
		}
	}

	record := &ExecutionRecord{
		From:         req.From,
		To:           req.To,
		Relayer:      caller.Address,
		Nonce:        req.Nonce,
		GasUsed:      gasUsed,
		GasCost:      new(big.Int).Set(cost),
		RequestedGas: req.Gas,
		Success:      out.Success,
		ReturnData:   common.CopyBytes(out.ReturnData),
	}
	event := f.record(Event{Type: EventExecuted, Execution: record})
	f.commit(ctx)

	log.Info("Executed forward request", "from", req.From, "to", req.To, "nonce", req.Nonce,
		"relayer", caller.Address, "success", out.Success, "gasUsed", gasUsed, "gasCost", cost)

	return &ExecuteResult{
		Success:      out.Success,
		ReturnData:   common.CopyBytes(out.ReturnData),
		GasUsed:      gasUsed,
		GasCost:      new(big.Int).Set(cost),
		RequestedGas: req.Gas,
		Relayer:      caller.Address,
		From:         req.From,
		To:           req.To,
		Nonce:        req.Nonce,
		EventID:      event.ID,
	}, nil
}

// ============================================================================
// Host rollback
// ============================================================================

type hostSnapshot struct {
	reverter Reverter
	id       int
}

func (f *Forwarder) snapshotHost() []hostSnapshot {
	var snaps []hostSnapshot
	for _, host := range []interface{}{f.invoker, f.payer} {
		if r, ok := host.(Reverter); ok {
			snaps = append(snaps, hostSnapshot{reverter: r, id: r.Snapshot()})
		}
	}
	return snaps
}

// revertHost undoes host side effects, latest snapshot first
func (f *Forwarder) revertHost(snaps []hostSnapshot) {
	for i := len(snaps) - 1; i >= 0; i-- {
		snaps[i].reverter.RevertToSnapshot(snaps[i].id)
	}
}

// commitHost lets hosts drop undo records of a finished operation
func (f *Forwarder) commitHost() {
	for _, host := range []interface{}{f.invoker, f.payer} {
		if c, ok := host.(Committer); ok {
			c.Commit()
		}
	}
}

// ============================================================================
// Events
// ============================================================================

// record buffers an event of the running operation
func (f *Forwarder) record(event Event) Event {
	event.ID = "evt_" + uuidHex()
	event.Timestamp = f.clock.Now()
	f.pending = append(f.pending, event)
	return event
}

// commit makes the running operation's changes final and publishes its events.
// Must be called with mu held.
func (f *Forwarder) commit(ctx context.Context) {
	f.state.commit()
	f.commitHost()
	ctx = context.WithoutCancel(ctx)
	for _, event := range f.pending {
		f.events = append(f.events, event)
		for _, sink := range f.sinks {
			if err := sink.Publish(ctx, event); err != nil {
				log.Warn("Failed to publish event", "id", event.ID, "type", event.Type, "err", err)
			}
		}
	}
	f.pending = f.pending[:0]
}

func uuidHex() string {
	id := uuid.New()
	return fmt.Sprintf("%x", id[:])
}
