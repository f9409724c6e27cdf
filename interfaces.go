package forwarder

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Call is a forwarded invocation as seen by the host.
// Input already carries the original sender as its trailing 20 bytes.
type Call struct {
	From  common.Address
	To    common.Address
	Value *big.Int
	Gas   uint64
	Input []byte
}

// CallResult is the host's account of a target invocation
type CallResult struct {
	Success    bool
	ReturnData []byte
	GasUsed    uint64
}

// Invoker runs a call against its target and measures the gas it consumed.
//
// A target-side failure is reported as CallResult.Success=false, not as an error.
// An error means the host itself could not run the call; Execute then aborts.
//
// The ctx passed to Invoke marks the call as running inside the forwarder.
// Targets that call back into the forwarder must pass it on so the nested entry
// is rejected instead of blocking. A nested entry on any other context waits for
// the lock until that context ends.
type Invoker interface {
	Invoke(ctx context.Context, call Call) (CallResult, error)
}

// Payer moves the sponsor's currency out of the forwarder
type Payer interface {
	PayOut(ctx context.Context, to common.Address, amount *big.Int) error
}

// Reverter is implemented by hosts whose side effects can be undone.
// When the Invoker or Payer implements it, an aborted Execute reverts the host too.
type Reverter interface {
	Snapshot() int
	RevertToSnapshot(id int)
}

// Committer is implemented by hosts that keep undo records. Commit is called once an
// operation is final; snapshots taken before it are never reverted to. A host serving
// as both Invoker and Payer sees Commit twice.
type Committer interface {
	Commit()
}

// OwnerGate reports the single account allowed to call owner-gated operations
type OwnerGate interface {
	Owner() common.Address
}

// StaticOwner is an OwnerGate with a fixed owner
type StaticOwner common.Address

// Owner returns the fixed owner
func (o StaticOwner) Owner() common.Address {
	return common.Address(o)
}

// Clock supplies the current time for governance delays
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// EventSink receives every committed audit event, in commit order.
// Errors are logged and never undo the committed operation. Publish runs while the
// forwarder is locked and must not call back into it.
type EventSink interface {
	Publish(ctx context.Context, event Event) error
}
