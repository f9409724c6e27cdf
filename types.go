package forwarder

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/x402-foundation/forwarder/mechanisms/evm"
)

// ForwardRequest is a user-authorized action, signed off-line and submitted by a relayer
type ForwardRequest = evm.ForwardRequest

// Caller identifies who submits an operation and the unit gas price they observe
// for it. GasPrice is only consulted by Execute.
type Caller struct {
	Address  common.Address
	GasPrice *big.Int
}

// ExecuteResult is returned by a committed Execute.
// Success reports the target's outcome; a failed target still commits.
type ExecuteResult struct {
	Success      bool           `json:"success"`
	ReturnData   hexutil.Bytes  `json:"returnData"`
	GasUsed      uint64         `json:"gasUsed"`
	GasCost      *big.Int       `json:"gasCost"`
	RequestedGas uint64         `json:"requestedGas"`
	Relayer      common.Address `json:"relayer"`
	From         common.Address `json:"from"`
	To           common.Address `json:"to"`
	Nonce        uint64         `json:"nonce"`
	EventID      string         `json:"eventId"`
}

// ChangeType identifies a governed parameter
type ChangeType string

const (
	ChangeRelayerAuthorization ChangeType = "RelayerAuthorization"
	ChangeMaxGasLimitUpdate    ChangeType = "MaxGasLimitUpdate"
)

// EventType names an audit event
type EventType string

const (
	EventSponsorshipFunded             EventType = "SponsorshipFunded"
	EventSponsorshipWithdrawn          EventType = "SponsorshipWithdrawn"
	EventExecuted                      EventType = "Executed"
	EventRelayerAuthorizationScheduled EventType = "RelayerAuthorizationScheduled"
	EventRelayerAuthorizationUpdated   EventType = "RelayerAuthorizationUpdated"
	EventMaxGasLimitScheduled          EventType = "MaxGasLimitScheduled"
	EventMaxGasLimitUpdated            EventType = "MaxGasLimitUpdated"
)

// Event is the durable record of one committed state change.
// Exactly one of Ledger, Execution and Change is set, according to Type.
type Event struct {
	ID        string           `json:"id"`
	Type      EventType        `json:"type"`
	Timestamp time.Time        `json:"timestamp"`
	Ledger    *LedgerRecord    `json:"ledger,omitempty"`
	Execution *ExecutionRecord `json:"execution,omitempty"`
	Change    *ChangeRecord    `json:"change,omitempty"`
}

// LedgerRecord describes a funding or withdrawal
type LedgerRecord struct {
	Account common.Address `json:"account"`
	Amount  *big.Int       `json:"amount"`
	Balance *big.Int       `json:"balance"`
	Passive bool           `json:"passive,omitempty"`
}

// ExecutionRecord describes a forwarded call and its settlement
type ExecutionRecord struct {
	From         common.Address `json:"from"`
	To           common.Address `json:"to"`
	Relayer      common.Address `json:"relayer"`
	Nonce        uint64         `json:"nonce"`
	GasUsed      uint64         `json:"gasUsed"`
	GasCost      *big.Int       `json:"gasCost"`
	RequestedGas uint64         `json:"requestedGas"`
	Success      bool           `json:"success"`
	ReturnData   hexutil.Bytes  `json:"returnData"`
}

// ChangeRecord describes an announced or applied governance change
type ChangeRecord struct {
	ChangeType  ChangeType     `json:"changeType"`
	Relayer     common.Address `json:"relayer,omitempty"`
	Authorized  bool           `json:"authorized,omitempty"`
	MaxGasLimit uint64         `json:"maxGasLimit,omitempty"`
	ETA         time.Time      `json:"eta"`
}
