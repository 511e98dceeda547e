// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package fixing

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/luxfi/database"
	"github.com/luxfi/geth/common"
	log "github.com/luxfi/log"

	"github.com/luxfi/settlement/oracle"
	"github.com/luxfi/settlement/relayer"
)

// Storage key prefixes
var (
	poolPrefix        = []byte("fpl:")
	fixingPrefix      = []byte("fix:")
	attestationPrefix = []byte("att:")
)

// poolState is the persisted per-pool record: registration plus the epoch
// counter. Epoch 0 means no fixing has been captured yet.
type poolState struct {
	PoolID       [32]byte `json:"poolId"`
	CurrentEpoch uint64   `json:"currentEpoch"`
}

// Registry captures per-epoch price fixings from the oracle and records
// write-once relayer attestations against them.
type Registry struct {
	oracle   oracle.PriceOracle
	relayers *relayer.Set
	db       database.Database
	log      log.Logger

	pools        map[[32]byte]*poolState
	fixings      map[[32]byte]map[uint64]*Fixing
	attestations map[[32]byte]map[uint64]*Attestation

	now func() int64

	mu sync.RWMutex
}

// NewRegistry creates the fixing registry, reloading persisted pools,
// fixings, and attestations from db.
func NewRegistry(
	db database.Database,
	priceOracle oracle.PriceOracle,
	relayers *relayer.Set,
	logger log.Logger,
) (*Registry, error) {
	if logger == nil {
		logger = log.NewTestLogger(log.InfoLevel)
	}
	r := &Registry{
		oracle:       priceOracle,
		relayers:     relayers,
		db:           db,
		log:          logger,
		pools:        make(map[[32]byte]*poolState),
		fixings:      make(map[[32]byte]map[uint64]*Fixing),
		attestations: make(map[[32]byte]map[uint64]*Attestation),
		now:          func() int64 { return time.Now().Unix() },
	}

	it := db.NewIteratorWithPrefix(poolPrefix)
	for it.Next() {
		var p poolState
		if err := json.Unmarshal(it.Value(), &p); err != nil {
			it.Release()
			return nil, fmt.Errorf("corrupt pool record: %w", err)
		}
		r.pools[p.PoolID] = &p
	}
	if err := it.Error(); err != nil {
		it.Release()
		return nil, err
	}
	it.Release()

	it = db.NewIteratorWithPrefix(fixingPrefix)
	for it.Next() {
		var f Fixing
		if err := json.Unmarshal(it.Value(), &f); err != nil {
			it.Release()
			return nil, fmt.Errorf("corrupt fixing record: %w", err)
		}
		if r.fixings[f.PoolID] == nil {
			r.fixings[f.PoolID] = make(map[uint64]*Fixing)
		}
		r.fixings[f.PoolID][f.Epoch] = &f
	}
	if err := it.Error(); err != nil {
		it.Release()
		return nil, err
	}
	it.Release()

	it = db.NewIteratorWithPrefix(attestationPrefix)
	defer it.Release()
	for it.Next() {
		var a Attestation
		if err := json.Unmarshal(it.Value(), &a); err != nil {
			return nil, fmt.Errorf("corrupt attestation record: %w", err)
		}
		if r.attestations[a.PoolID] == nil {
			r.attestations[a.PoolID] = make(map[uint64]*Attestation)
		}
		r.attestations[a.PoolID][a.Epoch] = &a
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	return r, nil
}

// RegisterPool enables fixing capture for poolID. Admin only.
func (r *Registry) RegisterPool(caller common.Address, poolID [32]byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.relayers.IsAdmin(caller) {
		return ErrUnauthorized
	}
	if r.pools[poolID] != nil {
		return ErrPoolExists
	}

	p := &poolState{PoolID: poolID, CurrentEpoch: 0}
	if err := r.putPool(p); err != nil {
		return err
	}
	r.log.Info("pool registered", "pool", common.Hash(poolID))
	return nil
}

// CaptureFixing freezes the oracle's current observation of poolID as the
// next epoch's fixing. Open to any caller; an oracle failure aborts without
// advancing the epoch.
func (r *Registry) CaptureFixing(poolID [32]byte) (*Fixing, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	f, err := r.captureLocked(poolID)
	if err != nil {
		return nil, err
	}
	return f.clone(), nil
}

// Attest records a relayer's settlement summary for an already-captured
// epoch. Write-once: a second attestation for the same epoch is rejected.
func (r *Registry) Attest(caller common.Address, a *Attestation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attestLocked(caller, a.PoolID, a.Epoch, a)
}

// CaptureAndAttest captures the next fixing and attests it atomically, so
// no other caller can observe the new epoch unattested. The attestation is
// recorded against the epoch just created; poolId and epoch in a are
// ignored.
func (r *Registry) CaptureAndAttest(caller common.Address, poolID [32]byte, a *Attestation) (*Fixing, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Gate before capturing so a rejected caller cannot advance the epoch.
	if !r.relayers.IsAuthorized(caller) {
		return nil, ErrUnauthorized
	}

	f, err := r.captureLocked(poolID)
	if err != nil {
		return nil, err
	}
	if err := r.attestLocked(caller, poolID, f.Epoch, a); err != nil {
		return nil, err
	}
	return f.clone(), nil
}

// GetFixing returns the fixing for a captured epoch of poolID.
func (r *Registry) GetFixing(poolID [32]byte, epoch uint64) (*Fixing, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	f := r.fixings[poolID][epoch]
	if f == nil {
		return nil, ErrUnknownEpoch
	}
	return f.clone(), nil
}

// GetAttestation returns the attestation for an epoch of poolID, if any.
func (r *Registry) GetAttestation(poolID [32]byte, epoch uint64) (*Attestation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a := r.attestations[poolID][epoch]
	if a == nil {
		return nil, ErrUnknownEpoch
	}
	return a.clone(), nil
}

// CurrentEpoch returns the latest captured epoch for poolID, zero if none.
func (r *Registry) CurrentEpoch(poolID [32]byte) (uint64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p := r.pools[poolID]
	if p == nil {
		return 0, ErrUnknownPool
	}
	return p.CurrentEpoch, nil
}

func (r *Registry) captureLocked(poolID [32]byte) (*Fixing, error) {
	p := r.pools[poolID]
	if p == nil {
		return nil, ErrUnknownPool
	}

	obs, err := r.oracle.Observe(poolID)
	if err != nil {
		return nil, err
	}

	epoch := p.CurrentEpoch + 1
	f := &Fixing{
		PoolID:    poolID,
		Epoch:     epoch,
		Timestamp: r.now(),
		Price:     obs.Price,
		Tick:      obs.Tick,
	}

	rawFixing, err := json.Marshal(f)
	if err != nil {
		return nil, err
	}
	rawPool, err := json.Marshal(&poolState{PoolID: poolID, CurrentEpoch: epoch})
	if err != nil {
		return nil, err
	}

	// Both records land before any in-memory mutation, so a failed write
	// leaves the epoch counter untouched. The fixing goes first: an orphan
	// fixing above the pool's counter is invisible and overwritten by the
	// next capture, while an advanced counter without its fixing is not.
	if err := r.db.Put(epochKey(fixingPrefix, poolID, epoch), rawFixing); err != nil {
		return nil, err
	}
	if err := r.db.Put(append(poolPrefix, poolID[:]...), rawPool); err != nil {
		return nil, err
	}

	p.CurrentEpoch = epoch
	if r.fixings[poolID] == nil {
		r.fixings[poolID] = make(map[uint64]*Fixing)
	}
	r.fixings[poolID][epoch] = f

	r.log.Info("fixing captured", "pool", common.Hash(poolID), "epoch", epoch, "price", f.Price, "tick", f.Tick)
	return f, nil
}

// attestLocked stores a detached copy of the caller's summary so the record
// cannot drift after acceptance.
func (r *Registry) attestLocked(caller common.Address, poolID [32]byte, epoch uint64, a *Attestation) error {
	if !r.relayers.IsAuthorized(caller) {
		return ErrUnauthorized
	}
	p := r.pools[poolID]
	if p == nil {
		return ErrUnknownPool
	}
	// The epoch must be within the counter and carry its fixing; a fixing
	// above the counter is a torn capture and stays unattestable.
	if epoch == 0 || epoch > p.CurrentEpoch || r.fixings[poolID][epoch] == nil {
		return ErrUnknownEpoch
	}
	if r.attestations[poolID][epoch] != nil {
		return ErrAlreadyAttested
	}

	stored := &Attestation{
		PoolID:          poolID,
		Epoch:           epoch,
		MerkleRoot:      a.MerkleRoot,
		SettlementCount: a.SettlementCount,
		Attestor:        caller,
	}
	if a.TotalVolume != nil {
		stored.TotalVolume = new(big.Int).Set(a.TotalVolume)
	}

	raw, err := json.Marshal(stored)
	if err != nil {
		return err
	}
	if err := r.db.Put(epochKey(attestationPrefix, poolID, epoch), raw); err != nil {
		return err
	}

	if r.attestations[poolID] == nil {
		r.attestations[poolID] = make(map[uint64]*Attestation)
	}
	r.attestations[poolID][epoch] = stored

	r.log.Info("epoch attested", "pool", common.Hash(poolID), "epoch", epoch, "attestor", caller, "settlements", stored.SettlementCount)
	return nil
}

func (r *Registry) putPool(p *poolState) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	if err := r.db.Put(append(poolPrefix, p.PoolID[:]...), raw); err != nil {
		return err
	}
	r.pools[p.PoolID] = p
	return nil
}

func epochKey(prefix []byte, poolID [32]byte, epoch uint64) []byte {
	key := make([]byte, 0, len(prefix)+40)
	key = append(key, prefix...)
	key = append(key, poolID[:]...)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], epoch)
	return append(key, buf[:]...)
}
