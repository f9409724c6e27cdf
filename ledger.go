package forwarder

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
)

// Fund credits a positive deposit from funder to the sponsorship balance
func (f *Forwarder) Fund(ctx context.Context, funder common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return NewError(ErrCodeInsufficientFunds, "funding amount must be positive", nil)
	}
	return f.credit(ctx, funder, amount, false)
}

// Receive credits a plain incoming transfer. A zero amount succeeds without
// touching the balance or emitting an event.
func (f *Forwarder) Receive(ctx context.Context, from common.Address, amount *big.Int) error {
	if amount != nil && amount.Sign() < 0 {
		return NewError(ErrCodeInvalidRequest, "transfer amount must not be negative", nil)
	}
	if amount == nil || amount.Sign() == 0 {
		return nil
	}
	return f.credit(ctx, from, amount, true)
}

func (f *Forwarder) credit(ctx context.Context, from common.Address, amount *big.Int, passive bool) error {
	if _, err := f.enter(ctx); err != nil {
		return err
	}
	defer f.leave()

	balance := f.state.getBalance()
	balance.Add(balance, amount)
	f.state.setBalance(balance)

	f.record(Event{Type: EventSponsorshipFunded, Ledger: &LedgerRecord{
		Account: from,
		Amount:  new(big.Int).Set(amount),
		Balance: new(big.Int).Set(balance),
		Passive: passive,
	}})
	f.commit(ctx)

	log.Info("Sponsorship funded", "from", from, "amount", amount, "balance", balance, "passive", passive)
	return nil
}

// Withdraw pays a positive amount from the sponsorship balance to the owner.
// The amount must not exceed the withdrawal cap or the balance.
func (f *Forwarder) Withdraw(ctx context.Context, caller common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return NewError(ErrCodeInvalidRequest, "withdrawal amount must be positive", nil)
	}

	callCtx, err := f.enter(ctx)
	if err != nil {
		return err
	}
	defer f.leave()

	if err := f.requireOwner(caller); err != nil {
		return err
	}
	if amount.Cmp(f.maxWithdrawal) > 0 {
		return NewError(ErrCodeWithdrawalAmountExceedsLimit, "withdrawal exceeds the per-withdrawal cap",
			map[string]interface{}{"amount": amount.String(), "maxWithdrawal": f.maxWithdrawal.String()})
	}

	hostSnapshots := f.snapshotHost()
	if err := f.settle(amount); err != nil {
		return err
	}
	owner := f.owner.Owner()
	if err := f.payer.PayOut(callCtx, owner, amount); err != nil {
		f.revertHost(hostSnapshots)
		return wrapError(ErrCodePayoutFailed, "failed to pay owner", err)
	}

	balance := f.state.getBalance()
	f.record(Event{Type: EventSponsorshipWithdrawn, Ledger: &LedgerRecord{
		Account: owner,
		Amount:  new(big.Int).Set(amount),
		Balance: balance,
	}})
	f.commit(ctx)

	log.Info("Sponsorship withdrawn", "owner", owner, "amount", amount, "balance", balance)
	return nil
}

// settle debits cost from the balance, failing when the balance cannot cover it.
// Must be called with mu held.
func (f *Forwarder) settle(cost *big.Int) error {
	balance := f.state.getBalance()
	if cost.Cmp(balance) > 0 {
		return NewError(ErrCodeInsufficientSponsorshipFunds, "sponsorship balance cannot cover the cost",
			map[string]interface{}{"cost": cost.String(), "balance": balance.String()})
	}
	f.state.setBalance(balance.Sub(balance, cost))
	return nil
}

func (f *Forwarder) requireOwner(caller common.Address) error {
	if caller != f.owner.Owner() {
		return NewError(ErrCodeCallerNotOwner, "caller is not the owner",
			map[string]interface{}{"caller": caller.Hex()})
	}
	return nil
}
