// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package fixing

import (
	"errors"
	"math/big"

	"github.com/luxfi/geth/common"
)

// Fixing is a price observation frozen for one epoch of a registered pool.
type Fixing struct {
	PoolID    [32]byte `json:"poolId"`
	Epoch     uint64   `json:"epoch"`
	Timestamp int64    `json:"timestamp"`
	Price     *big.Int `json:"price"`
	Tick      int32    `json:"tick"`
}

// clone returns a detached copy safe to hand across the API boundary.
func (f *Fixing) clone() *Fixing {
	c := *f
	if f.Price != nil {
		c.Price = new(big.Int).Set(f.Price)
	}
	return &c
}

// Attestation is a relayer's write-once settlement summary for one epoch.
type Attestation struct {
	PoolID          [32]byte       `json:"poolId"`
	Epoch           uint64         `json:"epoch"`
	MerkleRoot      [32]byte       `json:"merkleRoot"`
	SettlementCount uint64         `json:"settlementCount"`
	TotalVolume     *big.Int       `json:"totalVolume"`
	Attestor        common.Address `json:"attestor"`
}

func (a *Attestation) clone() *Attestation {
	c := *a
	if a.TotalVolume != nil {
		c.TotalVolume = new(big.Int).Set(a.TotalVolume)
	}
	return &c
}

var (
	ErrUnauthorized    = errors.New("caller is not authorized")
	ErrPoolExists      = errors.New("pool already registered")
	ErrUnknownPool     = errors.New("pool not registered")
	ErrUnknownEpoch    = errors.New("no fixing captured for epoch")
	ErrAlreadyAttested = errors.New("epoch already attested")
)
