// Package rpc connects the forwarder to an Ethereum node. The forwarder's
// account is a hot wallet: forwarded calls and payouts are transactions signed
// with its key, and each one is waited on until its receipt is mined.
package rpc

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/params"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	"github.com/x402-foundation/forwarder"
)

const (
	// DefaultPollInterval is how often a pending transaction's receipt is requested
	DefaultPollInterval = time.Second
	// DefaultReceiptTimeout bounds the wait for a receipt
	DefaultReceiptTimeout = 2 * time.Minute
)

// TxBackend is the part of a node client the Wallet needs. *ethclient.Client satisfies it.
type TxBackend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	ethereum.GasPricer
	ethereum.TransactionSender
}

// ============================================================================
// Wallet
// ============================================================================

// Wallet signs and submits transactions from one account and waits for them to be mined
type Wallet struct {
	backend    TxBackend
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    *big.Int

	PollInterval   time.Duration
	ReceiptTimeout time.Duration

	// serializes nonce selection through to the receipt
	mu sync.Mutex
}

// NewWallet creates a Wallet sending from the account of privateKey
func NewWallet(backend TxBackend, privateKey *ecdsa.PrivateKey, chainID *big.Int) *Wallet {
	return &Wallet{
		backend:        backend,
		privateKey:     privateKey,
		address:        crypto.PubkeyToAddress(privateKey.PublicKey),
		chainID:        new(big.Int).Set(chainID),
		PollInterval:   DefaultPollInterval,
		ReceiptTimeout: DefaultReceiptTimeout,
	}
}

// Address returns the sending account
func (w *Wallet) Address() common.Address {
	return w.address
}

// Send signs a legacy transaction, submits it and returns its mined receipt
func (w *Wallet) Send(ctx context.Context, to common.Address, value *big.Int, gas uint64, data []byte) (*types.Receipt, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	nonce, err := w.backend.PendingNonceAt(ctx, w.address)
	if err != nil {
		return nil, fmt.Errorf("failed to get nonce: %w", err)
	}
	gasPrice, err := w.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get gas price: %w", err)
	}
	if value == nil {
		value = new(big.Int)
	}

	tx := types.NewTransaction(nonce, to, value, gas, gasPrice, data)
	signedTx, err := types.SignTx(tx, types.LatestSignerForChainID(w.chainID), w.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}
	if err := w.backend.SendTransaction(ctx, signedTx); err != nil {
		return nil, fmt.Errorf("failed to send transaction: %w", err)
	}
	log.Debug("Transaction submitted", "to", to, "value", value, "tx", signedTx.Hash())

	return w.waitMined(ctx, signedTx.Hash())
}

func (w *Wallet) waitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, w.ReceiptTimeout)
	defer cancel()

	ticker := time.NewTicker(w.PollInterval)
	defer ticker.Stop()
	for {
		receipt, err := w.backend.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			log.Debug("Receipt lookup failed", "tx", hash, "err", err)
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("receipt for %s not found: %w", hash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

// ============================================================================
// Invoker
// ============================================================================

// Invoker sends forwarded calls on chain from the forwarder's wallet
type Invoker struct {
	caller ethereum.ContractCaller
	wallet *Wallet
}

// NewInvoker creates an Invoker. caller is used to read the call's return data,
// which receipts do not carry.
func NewInvoker(caller ethereum.ContractCaller, wallet *Wallet) *Invoker {
	return &Invoker{caller: caller, wallet: wallet}
}

// Invoke sends the call as a transaction with the call's gas budget on top of
// the intrinsic cost and reports the mined outcome. A reverted transaction is a
// failed target; failures to reach the node or get the transaction mined are errors.
func (i *Invoker) Invoke(ctx context.Context, call forwarder.Call) (forwarder.CallResult, error) {
	if call.From != i.wallet.Address() {
		return forwarder.CallResult{}, fmt.Errorf("call sender %s is not the wallet %s", call.From.Hex(), i.wallet.Address().Hex())
	}

	to := call.To
	ret, err := i.caller.CallContract(ctx, ethereum.CallMsg{
		From:  call.From,
		To:    &to,
		Gas:   call.Gas,
		Value: call.Value,
		Data:  call.Input,
	}, nil)
	if err != nil {
		data, ok := executionFailure(err)
		if !ok {
			return forwarder.CallResult{}, fmt.Errorf("eth_call failed: %w", err)
		}
		ret = data
	}

	receipt, err := i.wallet.Send(ctx, call.To, call.Value, intrinsicGas(call.Input)+call.Gas, call.Input)
	if err != nil {
		return forwarder.CallResult{}, err
	}

	result := forwarder.CallResult{
		Success:    receipt.Status == types.ReceiptStatusSuccessful,
		ReturnData: ret,
		GasUsed:    executionGas(receipt.GasUsed, call.Input, call.Gas),
	}
	if !result.Success {
		log.Debug("Forwarded call reverted", "to", call.To, "tx", receipt.TxHash)
	}
	return result, nil
}

func intrinsicGas(input []byte) uint64 {
	gas := params.TxGas
	for _, b := range input {
		if b == 0 {
			gas += params.TxDataZeroGas
		} else {
			gas += params.TxDataNonZeroGasEIP2028
		}
	}
	return gas
}

// executionGas removes the transaction's intrinsic cost from the gas a
// transaction used, leaving what the target itself consumed.
func executionGas(used uint64, input []byte, budget uint64) uint64 {
	intrinsic := intrinsicGas(input)
	var exec uint64
	if used > intrinsic {
		exec = used - intrinsic
	}
	if exec > budget {
		exec = budget
	}
	return exec
}

// executionFailure reports whether err is the node rejecting the call's
// execution, as opposed to a transport or node failure, and returns any revert data.
func executionFailure(err error) ([]byte, bool) {
	var dataErr gethrpc.DataError
	if errors.As(err, &dataErr) {
		if s, ok := dataErr.ErrorData().(string); ok {
			if data, decodeErr := hexutil.Decode(s); decodeErr == nil {
				return data, true
			}
		}
		return nil, true
	}
	msg := err.Error()
	if strings.Contains(msg, "execution reverted") || strings.Contains(msg, "out of gas") ||
		strings.Contains(msg, "gas required exceeds allowance") {
		return nil, true
	}
	return nil, false
}

// ============================================================================
// Payer
// ============================================================================

// Payer pays relayers and the owner with plain value transfers from the wallet
type Payer struct {
	wallet *Wallet
}

// NewPayer creates a Payer
func NewPayer(wallet *Wallet) *Payer {
	return &Payer{wallet: wallet}
}

// Address returns the paying account
func (p *Payer) Address() common.Address {
	return p.wallet.Address()
}

// PayOut transfers amount to to and waits for the transfer to be mined
func (p *Payer) PayOut(ctx context.Context, to common.Address, amount *big.Int) error {
	receipt, err := p.wallet.Send(ctx, to, amount, params.TxGas, nil)
	if err != nil {
		return err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return fmt.Errorf("payout transaction %s failed", receipt.TxHash.Hex())
	}
	log.Info("Payout mined", "to", to, "amount", amount, "tx", receipt.TxHash)
	return nil
}
