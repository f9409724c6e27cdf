package forwarder

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
)

// ScheduleRelayerAuthorization announces that relayer's authorization will be
// set to authorized no earlier than the returned eta.
func (f *Forwarder) ScheduleRelayerAuthorization(ctx context.Context, caller, relayer common.Address, authorized bool) (time.Time, error) {
	key := changeKey{changeType: ChangeRelayerAuthorization, relayer: relayer, authorized: authorized}
	return f.schedule(ctx, caller, key, EventRelayerAuthorizationScheduled)
}

// ExecuteRelayerAuthorization applies a relayer authorization change once eta has passed
func (f *Forwarder) ExecuteRelayerAuthorization(ctx context.Context, caller, relayer common.Address, authorized bool, eta time.Time) error {
	key := changeKey{changeType: ChangeRelayerAuthorization, relayer: relayer, authorized: authorized}
	return f.apply(ctx, caller, key, eta, EventRelayerAuthorizationUpdated, func() {
		f.state.setRelayer(relayer, authorized)
	})
}

// ScheduleMaxGasLimit announces a new gas ceiling effective no earlier than the returned eta
func (f *Forwarder) ScheduleMaxGasLimit(ctx context.Context, caller common.Address, limit uint64) (time.Time, error) {
	key := changeKey{changeType: ChangeMaxGasLimitUpdate, limit: limit}
	return f.schedule(ctx, caller, key, EventMaxGasLimitScheduled)
}

// ExecuteMaxGasLimit applies a gas ceiling change once eta has passed
func (f *Forwarder) ExecuteMaxGasLimit(ctx context.Context, caller common.Address, limit uint64, eta time.Time) error {
	key := changeKey{changeType: ChangeMaxGasLimitUpdate, limit: limit}
	return f.apply(ctx, caller, key, eta, EventMaxGasLimitUpdated, func() {
		f.state.setMaxGasLimit(limit)
	})
}

// checkChange validates the proposed value of a change. Callers have checked ownership.
func (f *Forwarder) checkChange(key changeKey) error {
	if key.changeType == ChangeMaxGasLimitUpdate && key.limit <= f.gasOverhead {
		return NewError(ErrCodeMaxGasLimitTooLow, "max gas limit must exceed the per-call overhead",
			map[string]interface{}{"limit": key.limit, "gasOverhead": f.gasOverhead})
	}
	return nil
}

func (f *Forwarder) schedule(ctx context.Context, caller common.Address, key changeKey, eventType EventType) (time.Time, error) {
	if _, err := f.enter(ctx); err != nil {
		return time.Time{}, err
	}
	defer f.leave()

	if err := f.requireOwner(caller); err != nil {
		return time.Time{}, err
	}
	if err := f.checkChange(key); err != nil {
		return time.Time{}, err
	}

	// block time has second resolution
	eta := time.Unix(f.clock.Now().Unix()+int64(ChangeDelay/time.Second), 0).UTC()
	if f.enforceSchedule {
		f.state.setAnnouncement(key, eta)
	}

	f.record(Event{Type: eventType, Change: key.record(eta)})
	f.commit(ctx)

	log.Info("Governance change scheduled", "type", key.changeType, "relayer", key.relayer,
		"authorized", key.authorized, "limit", key.limit, "eta", eta)
	return eta, nil
}

func (f *Forwarder) apply(ctx context.Context, caller common.Address, key changeKey, eta time.Time, eventType EventType, change func()) error {
	if _, err := f.enter(ctx); err != nil {
		return err
	}
	defer f.leave()

	if err := f.requireOwner(caller); err != nil {
		return err
	}
	if err := f.checkChange(key); err != nil {
		return err
	}
	if now := f.clock.Now(); eta.Unix() > now.Unix() {
		return NewError(ErrCodeChangeNotYetDue, "scheduled change is not yet due",
			map[string]interface{}{"eta": eta.Unix(), "now": now.Unix()})
	}
	if f.enforceSchedule {
		announced, ok := f.state.announcement(key)
		if !ok || announced.Unix() != eta.Unix() {
			return NewError(ErrCodeChangeNotScheduled, "no matching change was scheduled",
				map[string]interface{}{"type": string(key.changeType), "eta": eta.Unix()})
		}
		f.state.clearAnnouncement(key)
	}

	change()
	f.record(Event{Type: eventType, Change: key.record(eta)})
	f.commit(ctx)

	log.Info("Governance change applied", "type", key.changeType, "relayer", key.relayer,
		"authorized", key.authorized, "limit", key.limit, "eta", eta)
	return nil
}

func (k changeKey) record(eta time.Time) *ChangeRecord {
	return &ChangeRecord{
		ChangeType:  k.changeType,
		Relayer:     k.relayer,
		Authorized:  k.authorized,
		MaxGasLimit: k.limit,
		ETA:         eta,
	}
}
