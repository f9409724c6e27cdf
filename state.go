package forwarder

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// journalEntry is a modification of the forwarder state that can be reverted
type journalEntry interface {
	revert(s *state)
}

type (
	nonceChange struct {
		account common.Address
		prev    uint64
		existed bool
	}
	balanceChange struct {
		prev *big.Int
	}
	relayerChange struct {
		account common.Address
		prev    bool
		existed bool
	}
	maxGasLimitChange struct {
		prev uint64
	}
	announcementChange struct {
		key     changeKey
		prev    time.Time
		existed bool
	}
)

func (ch nonceChange) revert(s *state) {
	if ch.existed {
		s.nonces[ch.account] = ch.prev
	} else {
		delete(s.nonces, ch.account)
	}
}

func (ch balanceChange) revert(s *state) {
	s.balance = ch.prev
}

func (ch relayerChange) revert(s *state) {
	if ch.existed {
		s.relayers[ch.account] = ch.prev
	} else {
		delete(s.relayers, ch.account)
	}
}

func (ch maxGasLimitChange) revert(s *state) {
	s.maxGasLimit = ch.prev
}

func (ch announcementChange) revert(s *state) {
	if ch.existed {
		s.announcements[ch.key] = ch.prev
	} else {
		delete(s.announcements, ch.key)
	}
}

// changeKey identifies a scheduled change in strict scheduling mode
type changeKey struct {
	changeType ChangeType
	relayer    common.Address
	authorized bool
	limit      uint64
}

// state holds everything the forwarder persists. Every mutation goes through a
// setter that records the previous value, so a whole operation can be undone
// with revertToSnapshot. Callers serialize access.
type state struct {
	nonces        map[common.Address]uint64
	balance       *big.Int
	relayers      map[common.Address]bool
	maxGasLimit   uint64
	announcements map[changeKey]time.Time

	journal []journalEntry
}

func newState(maxGasLimit uint64) *state {
	return &state{
		nonces:        make(map[common.Address]uint64),
		balance:       new(big.Int),
		relayers:      make(map[common.Address]bool),
		maxGasLimit:   maxGasLimit,
		announcements: make(map[changeKey]time.Time),
	}
}

func (s *state) snapshot() int {
	return len(s.journal)
}

func (s *state) revertToSnapshot(id int) {
	for i := len(s.journal) - 1; i >= id; i-- {
		s.journal[i].revert(s)
	}
	s.journal = s.journal[:id]
}

// commit discards the journal once an operation can no longer abort
func (s *state) commit() {
	s.journal = s.journal[:0]
}

func (s *state) nonce(account common.Address) uint64 {
	return s.nonces[account]
}

func (s *state) setNonce(account common.Address, n uint64) {
	prev, existed := s.nonces[account]
	s.journal = append(s.journal, nonceChange{account: account, prev: prev, existed: existed})
	s.nonces[account] = n
}

func (s *state) getBalance() *big.Int {
	return new(big.Int).Set(s.balance)
}

func (s *state) setBalance(b *big.Int) {
	s.journal = append(s.journal, balanceChange{prev: s.balance})
	s.balance = new(big.Int).Set(b)
}

func (s *state) isRelayer(account common.Address) bool {
	return s.relayers[account]
}

func (s *state) setRelayer(account common.Address, authorized bool) {
	prev, existed := s.relayers[account]
	s.journal = append(s.journal, relayerChange{account: account, prev: prev, existed: existed})
	if authorized {
		s.relayers[account] = true
	} else {
		delete(s.relayers, account)
	}
}

func (s *state) setMaxGasLimit(limit uint64) {
	s.journal = append(s.journal, maxGasLimitChange{prev: s.maxGasLimit})
	s.maxGasLimit = limit
}

func (s *state) announcement(key changeKey) (time.Time, bool) {
	eta, ok := s.announcements[key]
	return eta, ok
}

func (s *state) setAnnouncement(key changeKey, eta time.Time) {
	prev, existed := s.announcements[key]
	s.journal = append(s.journal, announcementChange{key: key, prev: prev, existed: existed})
	s.announcements[key] = eta
}

func (s *state) clearAnnouncement(key changeKey) {
	prev, existed := s.announcements[key]
	if !existed {
		return
	}
	s.journal = append(s.journal, announcementChange{key: key, prev: prev, existed: existed})
	delete(s.announcements, key)
}

func (s *state) relayerList() []common.Address {
	out := make([]common.Address, 0, len(s.relayers))
	for account := range s.relayers {
		out = append(out, account)
	}
	return out
}
