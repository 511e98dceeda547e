// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package session

import (
	"encoding/json"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/luxfi/database"
	"github.com/luxfi/geth/common"
	log "github.com/luxfi/log"

	"github.com/luxfi/settlement/bank"
)

// Storage key prefix for sessions
var sessionPrefix = []byte("ses:")

// escrowAddr holds all open-session deposits.
var escrowAddr = common.HexToAddress(EscrowAddress)

// Ledger defaults
var (
	DefaultMinDeposit         = big.NewInt(1e15) // 0.001 token
	DefaultMaxSessionDuration = 24 * time.Hour
)

// Ledger is the per-user payment-channel accounting module. Vouchers are
// produced off-ledger by an external signer; the ledger verifies and applies
// them one at a time, and pays out deposit minus spent exactly once at close.
type Ledger struct {
	admin     common.Address
	token     common.Address // settlement token deposits are denominated in
	collector common.Address // aggregate-settlement sink for spent value
	bank      *bank.Bank
	db        database.Database
	log       log.Logger

	sessions map[common.Address]*Session

	minDeposit         *big.Int
	maxSessionDuration time.Duration

	now func() int64

	mu sync.RWMutex
}

// NewLedger creates the session ledger, reloading persisted sessions from db.
// Spent value is forwarded to collector at close; the remainder returns to
// the session owner.
func NewLedger(
	db database.Database,
	vault *bank.Bank,
	admin common.Address,
	token common.Address,
	collector common.Address,
	logger log.Logger,
) (*Ledger, error) {
	if logger == nil {
		logger = log.NewTestLogger(log.InfoLevel)
	}
	l := &Ledger{
		admin:              admin,
		token:              token,
		collector:          collector,
		bank:               vault,
		db:                 db,
		log:                logger,
		sessions:           make(map[common.Address]*Session),
		minDeposit:         new(big.Int).Set(DefaultMinDeposit),
		maxSessionDuration: DefaultMaxSessionDuration,
		now:                func() int64 { return time.Now().Unix() },
	}

	it := db.NewIteratorWithPrefix(sessionPrefix)
	defer it.Release()
	for it.Next() {
		var s Session
		if err := json.Unmarshal(it.Value(), &s); err != nil {
			return nil, fmt.Errorf("corrupt session record: %w", err)
		}
		l.sessions[s.User] = &s
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	return l, nil
}

// Open creates a session for the caller, locking depositAmount of the
// settlement token. One active session per user.
func (l *Ledger) Open(caller common.Address, depositAmount *big.Int) (*Session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if existing := l.sessions[caller]; existing != nil && existing.Active {
		return nil, ErrSessionAlreadyActive
	}
	if depositAmount == nil || depositAmount.Cmp(l.minDeposit) < 0 {
		return nil, ErrDepositTooLow
	}

	if err := l.bank.Transfer(l.token, caller, escrowAddr, depositAmount); err != nil {
		return nil, err
	}

	now := l.now()
	s := &Session{
		User:     caller,
		Deposit:  new(big.Int).Set(depositAmount),
		Spent:    big.NewInt(0),
		Nonce:    0,
		Expiry:   now + int64(l.maxSessionDuration/time.Second),
		Active:   true,
		OpenedAt: now,
	}
	if err := l.putSession(s); err != nil {
		return nil, err
	}

	l.log.Info("session opened", "user", caller, "deposit", depositAmount, "expiry", s.Expiry)
	return s.clone(), nil
}

// ApplyVoucher advances a session to the voucher's cumulative spend and
// nonce. Every rejection leaves the session untouched; there is no partial
// application.
func (l *Ledger) ApplyVoucher(v *Voucher) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := l.sessions[v.User]
	if s == nil || !s.Active {
		return ErrNoActiveSession
	}
	if l.now() > s.Expiry {
		return ErrSessionExpired
	}
	if v.Nonce <= s.Nonce {
		return ErrStaleNonce
	}
	if v.NewSpentTotal == nil || v.NewSpentTotal.Cmp(s.Spent) <= 0 {
		return ErrStaleVoucher
	}
	if v.NewSpentTotal.Cmp(s.Deposit) > 0 {
		return ErrOverdraft
	}

	digest := VoucherDigest(v.User, v.NewSpentTotal, v.Nonce)
	signer, err := recoverSigner(digest, v.Signature)
	if err != nil {
		return err
	}
	if signer != v.User {
		return ErrInvalidSignature
	}

	s.Spent = new(big.Int).Set(v.NewSpentTotal)
	s.Nonce = v.Nonce
	if err := l.putSession(s); err != nil {
		return err
	}

	l.log.Debug("voucher applied", "user", v.User, "spent", s.Spent, "nonce", s.Nonce)
	return nil
}

// Close settles a session: spent value to the collector, the remainder back
// to the owner, exactly once. The owner may close at any time; after expiry
// anyone may force the close so funds cannot be stranded.
func (l *Ledger) Close(caller common.Address, user common.Address) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := l.sessions[user]
	if s == nil || !s.Active {
		return nil, ErrNoActiveSession
	}
	if caller != user && l.now() <= s.Expiry {
		return nil, ErrUnauthorized
	}

	refund := new(big.Int).Sub(s.Deposit, s.Spent)
	if s.Spent.Sign() > 0 {
		if err := l.bank.Transfer(l.token, escrowAddr, l.collector, s.Spent); err != nil {
			return nil, err
		}
	}
	if refund.Sign() > 0 {
		if err := l.bank.Transfer(l.token, escrowAddr, user, refund); err != nil {
			return nil, err
		}
	}

	s.Active = false
	if err := l.putSession(s); err != nil {
		return nil, err
	}

	l.log.Info("session closed", "user", user, "spent", s.Spent, "refund", refund)
	return refund, nil
}

// GetSession returns the stored session for user, active or not.
func (l *Ledger) GetSession(user common.Address) (*Session, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	s := l.sessions[user]
	if s == nil {
		return nil, ErrNoActiveSession
	}
	return s.clone(), nil
}

// SetMinDeposit updates the minimum opening deposit. Admin only.
func (l *Ledger) SetMinDeposit(caller common.Address, minDeposit *big.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if caller != l.admin {
		return ErrUnauthorized
	}
	if minDeposit == nil || minDeposit.Sign() < 0 {
		return ErrDepositTooLow
	}
	l.minDeposit = new(big.Int).Set(minDeposit)
	return nil
}

// SetMaxSessionDuration updates the open-to-expiry window for new sessions.
// Existing sessions keep their expiry. Admin only.
func (l *Ledger) SetMaxSessionDuration(caller common.Address, d time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if caller != l.admin {
		return ErrUnauthorized
	}
	l.maxSessionDuration = d
	return nil
}

func (l *Ledger) putSession(s *Session) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return err
	}
	if err := l.db.Put(append(sessionPrefix, s.User.Bytes()...), raw); err != nil {
		return err
	}
	l.sessions[s.User] = s
	return nil
}
