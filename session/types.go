// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package session implements the deposit-backed off-chain spending channel.
// A session locks a deposit, advances monotonically under signed vouchers,
// and returns deposit minus spent exactly once at close.
package session

import (
	"errors"
	"math/big"

	"github.com/luxfi/geth/common"
)

// EscrowAddress holds session deposits between open and close.
// LP-aligned format, bridge family (LP-6xxx).
const EscrowAddress = "0x0000000000000000000000000000000000006030"

// Session is one user's active spending channel.
type Session struct {
	User     common.Address `json:"user"`
	Deposit  *big.Int       `json:"deposit"`
	Spent    *big.Int       `json:"spent"`
	Nonce    uint64         `json:"nonce"`
	Expiry   int64          `json:"expiry"`
	Active   bool           `json:"active"`
	OpenedAt int64          `json:"openedAt"`
}

// clone returns a detached copy safe to hand across the API boundary.
func (s *Session) clone() *Session {
	c := *s
	c.Deposit = new(big.Int).Set(s.Deposit)
	c.Spent = new(big.Int).Set(s.Spent)
	return &c
}

// Voucher is a signed cumulative-spend update. NewSpentTotal is the running
// total, not a delta, so a dropped or reordered voucher can never understate
// the user's obligation.
type Voucher struct {
	User          common.Address `json:"user"`
	NewSpentTotal *big.Int       `json:"newSpentTotal"`
	Nonce         uint64         `json:"nonce"`
	Signature     []byte         `json:"signature"` // 65-byte [R || S || V] secp256k1
}

// Errors
var (
	ErrSessionAlreadyActive = errors.New("session already active")
	ErrNoActiveSession      = errors.New("no active session")
	ErrDepositTooLow        = errors.New("deposit below minimum")
	ErrSessionExpired       = errors.New("session expired")
	ErrStaleNonce           = errors.New("voucher nonce not above session nonce")
	ErrStaleVoucher         = errors.New("voucher spend total not above recorded spend")
	ErrOverdraft            = errors.New("voucher spend total exceeds deposit")
	ErrInvalidSignature     = errors.New("invalid voucher signature")
	ErrUnauthorized         = errors.New("unauthorized")
)
