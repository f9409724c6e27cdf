// Package memory is an in-process host for the forwarder. Targets are Go
// handlers with journaled key/value storage, and payouts are recorded per
// account, so a whole execution can be inspected and reverted.
package memory

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/x402-foundation/forwarder"
	"github.com/x402-foundation/forwarder/mechanisms/evm"
)

// ErrOutOfGas is reported as the revert reason of a call whose handler used
// more gas than the call's budget.
var ErrOutOfGas = errors.New("out of gas")

// Env is what a contract handler sees of its invocation
type Env struct {
	Call forwarder.Call
	// Sender is the ERC-2771 sender when the call comes from the trusted
	// forwarder, otherwise the immediate caller
	Sender common.Address
	// Input is the calldata with any sender suffix removed
	Input []byte

	backend *Backend
	address common.Address
}

// Get reads a storage slot of the running contract
func (e *Env) Get(key string) []byte {
	e.backend.mu.Lock()
	defer e.backend.mu.Unlock()
	return common.CopyBytes(e.backend.storage[e.address][key])
}

// Set writes a storage slot of the running contract
func (e *Env) Set(key string, value []byte) {
	e.backend.mu.Lock()
	defer e.backend.mu.Unlock()
	e.backend.setStorage(e.address, key, common.CopyBytes(value))
}

// Contract handles calls to one address. A returned error reverts the call:
// the call reports Success=false and the error text becomes the return data.
// gasUsed beyond the call's budget is treated as running out of gas.
type Contract func(ctx context.Context, env *Env) (ret []byte, gasUsed uint64, err error)

// Backend implements forwarder.Invoker, forwarder.Payer, forwarder.Reverter and
// forwarder.Committer
type Backend struct {
	mu               sync.Mutex
	trustedForwarder common.Address
	contracts        map[common.Address]Contract
	storage          map[common.Address]map[string][]byte
	paid             map[common.Address]*big.Int
	received         map[common.Address]*big.Int
	invokeErr        error
	payoutErr        error

	// undo records since the last Commit; snapshot ids count from base
	journal []func()
	base    int
}

// New creates a backend whose contracts trust forwarderAddress as an ERC-2771 forwarder
func New(forwarderAddress common.Address) *Backend {
	return &Backend{
		trustedForwarder: forwarderAddress,
		contracts:        make(map[common.Address]Contract),
		storage:          make(map[common.Address]map[string][]byte),
		paid:             make(map[common.Address]*big.Int),
		received:         make(map[common.Address]*big.Int),
	}
}

// Deploy installs a contract handler at address
func (b *Backend) Deploy(address common.Address, contract Contract) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.contracts[address] = contract
}

// FailInvocations makes every Invoke fail as a host error until cleared with nil
func (b *Backend) FailInvocations(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.invokeErr = err
}

// FailPayouts makes every PayOut fail until cleared with nil
func (b *Backend) FailPayouts(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.payoutErr = err
}

// Invoke runs the contract at call.To. Calls to an address without a
// contract succeed with no return data, as a plain transfer would.
func (b *Backend) Invoke(ctx context.Context, call forwarder.Call) (forwarder.CallResult, error) {
	b.mu.Lock()
	if b.invokeErr != nil {
		err := b.invokeErr
		b.mu.Unlock()
		return forwarder.CallResult{}, err
	}
	contract := b.contracts[call.To]
	snap := b.base + len(b.journal)
	if call.Value != nil && call.Value.Sign() > 0 {
		b.addReceived(call.To, call.Value)
	}
	b.mu.Unlock()

	if contract == nil {
		return forwarder.CallResult{Success: true}, nil
	}

	sender, input := evm.ExtractSender(call.From, b.trustedForwarder, call.Input)
	env := &Env{Call: call, Sender: sender, Input: input, backend: b, address: call.To}

	// the handler runs unlocked so it may call back into the forwarder
	ret, gasUsed, err := contract(ctx, env)
	if err == nil && gasUsed > call.Gas {
		err, gasUsed = ErrOutOfGas, call.Gas
	}
	if err != nil {
		b.mu.Lock()
		b.revertLocked(snap)
		b.mu.Unlock()
		log.Debug("Target reverted", "to", call.To, "err", err)
		return forwarder.CallResult{Success: false, ReturnData: []byte(err.Error()), GasUsed: gasUsed}, nil
	}
	return forwarder.CallResult{Success: true, ReturnData: ret, GasUsed: gasUsed}, nil
}

// PayOut records a payment to an account
func (b *Backend) PayOut(ctx context.Context, to common.Address, amount *big.Int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.payoutErr != nil {
		return fmt.Errorf("payout to %s: %w", to.Hex(), b.payoutErr)
	}
	prev := b.paid[to]
	b.journal = append(b.journal, func() {
		if prev == nil {
			delete(b.paid, to)
		} else {
			b.paid[to] = prev
		}
	})
	total := new(big.Int).Set(amount)
	if prev != nil {
		total.Add(total, prev)
	}
	b.paid[to] = total
	return nil
}

// Paid returns the total paid out to account
func (b *Backend) Paid(account common.Address) *big.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p := b.paid[account]; p != nil {
		return new(big.Int).Set(p)
	}
	return new(big.Int)
}

// Received returns the total value forwarded to account
func (b *Backend) Received(account common.Address) *big.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if r := b.received[account]; r != nil {
		return new(big.Int).Set(r)
	}
	return new(big.Int)
}

// Storage reads a contract storage slot from outside a call
func (b *Backend) Storage(address common.Address, key string) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return common.CopyBytes(b.storage[address][key])
}

// Snapshot returns an identifier for the current host state
func (b *Backend) Snapshot() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.base + len(b.journal)
}

// Commit drops the undo records. Snapshots taken before it can no longer be reverted to.
func (b *Backend) Commit() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.base += len(b.journal)
	b.journal = nil
}

// RevertToSnapshot undoes everything done since the snapshot was taken
func (b *Backend) RevertToSnapshot(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.revertLocked(id)
}

func (b *Backend) revertLocked(id int) {
	idx := id - b.base
	if idx < 0 || idx > len(b.journal) {
		log.Warn("Ignoring revert to unknown snapshot", "id", id)
		return
	}
	for i := len(b.journal) - 1; i >= idx; i-- {
		b.journal[i]()
	}
	b.journal = b.journal[:idx]
}

func (b *Backend) setStorage(address common.Address, key string, value []byte) {
	slots := b.storage[address]
	if slots == nil {
		slots = make(map[string][]byte)
		b.storage[address] = slots
	}
	prev, existed := slots[key]
	b.journal = append(b.journal, func() {
		if existed {
			slots[key] = prev
		} else {
			delete(slots, key)
		}
	})
	slots[key] = value
}

func (b *Backend) addReceived(address common.Address, value *big.Int) {
	prev := b.received[address]
	b.journal = append(b.journal, func() {
		if prev == nil {
			delete(b.received, address)
		} else {
			b.received[address] = prev
		}
	})
	total := new(big.Int).Set(value)
	if prev != nil {
		total.Add(total, prev)
	}
	b.received[address] = total
}
