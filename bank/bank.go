// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package bank implements the value ledger backing the settlement core.
// Every token balance lives here; the registries move value exclusively
// through transfers to and from their escrow addresses, so escrowed funds
// are always visible as ordinary balances.
package bank

import (
	"errors"
	"math/big"
	"sync"

	"github.com/holiman/uint256"
	"github.com/luxfi/database"
	"github.com/luxfi/geth/common"
)

// Storage key prefix for balances
var balancePrefix = []byte("bal:")

// Errors
var (
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrUnauthorized        = errors.New("unauthorized")
)

// Bank is the shared token balance ledger. All mutations are serialized
// under one lock and written through to the database, so balances survive
// restarts.
type Bank struct {
	admin    common.Address
	db       database.Database
	balances map[common.Address]map[common.Address]*uint256.Int // token -> holder -> balance

	mu sync.RWMutex
}

// New creates a bank over db with the given admin. Existing balances are
// reloaded from the database.
func New(db database.Database, admin common.Address) (*Bank, error) {
	b := &Bank{
		admin:    admin,
		db:       db,
		balances: make(map[common.Address]map[common.Address]*uint256.Int),
	}
	if err := b.load(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Bank) load() error {
	it := b.db.NewIteratorWithPrefix(balancePrefix)
	defer it.Release()

	for it.Next() {
		key := it.Key()
		if len(key) != len(balancePrefix)+2*common.AddressLength {
			continue
		}
		var token, holder common.Address
		copy(token[:], key[len(balancePrefix):])
		copy(holder[:], key[len(balancePrefix)+common.AddressLength:])

		bal := new(uint256.Int).SetBytes(it.Value())
		b.holderBalances(token)[holder] = bal
	}
	return it.Error()
}

// Mint credits newly issued value to an account. Admin only.
func (b *Bank) Mint(caller common.Address, token common.Address, to common.Address, amount *big.Int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if caller != b.admin {
		return ErrUnauthorized
	}
	value, err := toU256(amount)
	if err != nil {
		return err
	}

	bal := b.balance(token, to)
	next := new(uint256.Int).Add(bal, value)
	return b.setBalance(token, to, next)
}

// Transfer moves amount of token from one holder to another. The debit and
// credit commit together or not at all.
func (b *Bank) Transfer(token common.Address, from, to common.Address, amount *big.Int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.transfer(token, from, to, amount)
}

func (b *Bank) transfer(token common.Address, from, to common.Address, amount *big.Int) error {
	value, err := toU256(amount)
	if err != nil {
		return err
	}

	fromBal := b.balance(token, from)
	if fromBal.Lt(value) {
		return ErrInsufficientBalance
	}
	// Self-transfer is a funded no-op; writing both legs from the old
	// balance would credit the holder twice.
	if from == to {
		return nil
	}

	newFrom := new(uint256.Int).Sub(fromBal, value)
	newTo := new(uint256.Int).Add(b.balance(token, to), value)

	if err := b.setBalance(token, from, newFrom); err != nil {
		return err
	}
	return b.setBalance(token, to, newTo)
}

// Balance returns the current balance of holder for token.
func (b *Bank) Balance(token, holder common.Address) *big.Int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.balance(token, holder).ToBig()
}

// balance returns the in-memory balance, zero if absent. Callers hold the lock.
func (b *Bank) balance(token, holder common.Address) *uint256.Int {
	if bal, ok := b.holderBalances(token)[holder]; ok {
		return bal
	}
	return uint256.NewInt(0)
}

func (b *Bank) holderBalances(token common.Address) map[common.Address]*uint256.Int {
	holders, ok := b.balances[token]
	if !ok {
		holders = make(map[common.Address]*uint256.Int)
		b.balances[token] = holders
	}
	return holders
}

func (b *Bank) setBalance(token, holder common.Address, value *uint256.Int) error {
	if err := b.db.Put(balanceKey(token, holder), value.Bytes()); err != nil {
		return err
	}
	b.holderBalances(token)[holder] = value
	return nil
}

func balanceKey(token, holder common.Address) []byte {
	key := make([]byte, 0, len(balancePrefix)+2*common.AddressLength)
	key = append(key, balancePrefix...)
	key = append(key, token.Bytes()...)
	key = append(key, holder.Bytes()...)
	return key
}

// toU256 validates an external amount. Amounts must be positive and fit
// in 256 bits.
func toU256(amount *big.Int) (*uint256.Int, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	value, overflow := uint256.FromBig(amount)
	if overflow {
		return nil, ErrInvalidAmount
	}
	return value, nil
}
