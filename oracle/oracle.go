// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package oracle adapts an external AMM pool into the price observation
// primitive consumed by the fixing registry. The adapter is read-only: it
// owns no settlement state, only a handle to the pool source.
package oracle

import (
	"errors"
	"math/big"
	"sync"
	"time"
)

// Errors
var (
	ErrUnknownPool        = errors.New("unknown pool")
	ErrObservationMissing = errors.New("no price observation for pool")
)

// Observation is one consistent (price, tick) snapshot. Price and Tick are
// read together under the source's lock so the pair can never be torn.
type Observation struct {
	Price     *big.Int
	Tick      int32
	Timestamp int64
}

// PriceOracle reads the current observation for a pool. Implementations must
// not cache across calls; every call reflects the pool at call time.
type PriceOracle interface {
	Observe(poolID [32]byte) (Observation, error)
}

// PoolSource is the handle to the external AMM. The settlement core never
// computes prices; it only snapshots what the pool already holds.
type PoolSource interface {
	PoolState(poolID [32]byte) (price *big.Int, tick int32, ok bool)
}

// AMMOracle adapts a PoolSource to the PriceOracle interface.
type AMMOracle struct {
	source PoolSource
}

// NewAMMOracle creates an oracle over the given pool source.
func NewAMMOracle(source PoolSource) *AMMOracle {
	return &AMMOracle{source: source}
}

// Observe returns the pool's current observation, stamped at read time.
func (o *AMMOracle) Observe(poolID [32]byte) (Observation, error) {
	price, tick, ok := o.source.PoolState(poolID)
	if !ok {
		return Observation{}, ErrUnknownPool
	}
	if price == nil {
		return Observation{}, ErrObservationMissing
	}
	return Observation{
		Price:     new(big.Int).Set(price),
		Tick:      tick,
		Timestamp: time.Now().Unix(),
	}, nil
}

// poolState is the stored (price, tick) pair for one pool.
type poolState struct {
	price *big.Int
	tick  int32
}

// MemoryPoolSource is an in-process pool table. Deployments embed the real
// AMM behind PoolSource; this source backs wiring and tests.
type MemoryPoolSource struct {
	pools map[[32]byte]*poolState
	mu    sync.RWMutex
}

// NewMemoryPoolSource creates an empty pool table.
func NewMemoryPoolSource() *MemoryPoolSource {
	return &MemoryPoolSource{pools: make(map[[32]byte]*poolState)}
}

// SetPrice records the latest (price, tick) for a pool, creating it if
// needed.
func (s *MemoryPoolSource) SetPrice(poolID [32]byte, price *big.Int, tick int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pools[poolID] = &poolState{price: new(big.Int).Set(price), tick: tick}
}

// PoolState returns the stored pair under one lock acquisition.
func (s *MemoryPoolSource) PoolState(poolID [32]byte) (*big.Int, int32, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.pools[poolID]
	if !ok {
		return nil, 0, false
	}
	return new(big.Int).Set(state.price), state.tick, true
}
