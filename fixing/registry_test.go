// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package fixing

import (
	"bytes"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/luxfi/database"
	"github.com/luxfi/database/memdb"
	"github.com/luxfi/geth/common"

	"github.com/luxfi/settlement/oracle"
	"github.com/luxfi/settlement/relayer"
)

var (
	admin       = common.HexToAddress("0xAd00000000000000000000000000000000000001")
	relayerAddr = common.HexToAddress("0xe100000000000000000000000000000000000001")
	outsider    = common.HexToAddress("0x0c70000000000000000000000000000000000001")
	testPool    = [32]byte{0xab, 0x01}
)

type testEnv struct {
	db       database.Database
	pools    *oracle.MemoryPoolSource
	relayers *relayer.Set
	registry *Registry
}

// newTestEnv builds a registry with one registered pool at a known price and
// one authorized relayer.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db := memdb.New()
	relayers, err := relayer.New(db, admin)
	if err != nil {
		t.Fatalf("relayer.New: %v", err)
	}
	if err := relayers.Authorize(admin, relayerAddr); err != nil {
		t.Fatalf("Authorize: %v", err)
	}

	pools := oracle.NewMemoryPoolSource()
	pools.SetPrice(testPool, big.NewInt(2_000_000), 100)

	r, err := NewRegistry(db, oracle.NewAMMOracle(pools), relayers, nil)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if err := r.RegisterPool(admin, testPool); err != nil {
		t.Fatalf("RegisterPool: %v", err)
	}

	return &testEnv{db: db, pools: pools, relayers: relayers, registry: r}
}

// TestRegisterPool tests registration, duplicates, and the admin gate
func TestRegisterPool(t *testing.T) {
	e := newTestEnv(t)

	if err := e.registry.RegisterPool(admin, testPool); err != ErrPoolExists {
		t.Errorf("Expected ErrPoolExists, got %v", err)
	}
	if err := e.registry.RegisterPool(outsider, [32]byte{0x02}); err != ErrUnauthorized {
		t.Errorf("Expected ErrUnauthorized, got %v", err)
	}

	epoch, err := e.registry.CurrentEpoch(testPool)
	if err != nil {
		t.Fatalf("CurrentEpoch: %v", err)
	}
	if epoch != 0 {
		t.Errorf("Expected epoch 0 before first capture, got %d", epoch)
	}
	if _, err := e.registry.CurrentEpoch([32]byte{0x99}); err != ErrUnknownPool {
		t.Errorf("Expected ErrUnknownPool, got %v", err)
	}
}

// TestCaptureFixing tests epoch advance and the frozen observation
func TestCaptureFixing(t *testing.T) {
	e := newTestEnv(t)

	f, err := e.registry.CaptureFixing(testPool)
	if err != nil {
		t.Fatalf("CaptureFixing: %v", err)
	}
	if f.Epoch != 1 {
		t.Errorf("Expected first epoch 1, got %d", f.Epoch)
	}
	if f.Price.Cmp(big.NewInt(2_000_000)) != 0 || f.Tick != 100 {
		t.Errorf("Unexpected fixing %+v", f)
	}

	// The fixing is frozen: a later pool move does not rewrite epoch 1.
	e.pools.SetPrice(testPool, big.NewInt(3_000_000), 105)
	f2, err := e.registry.CaptureFixing(testPool)
	if err != nil {
		t.Fatalf("CaptureFixing: %v", err)
	}
	if f2.Epoch != 2 || f2.Price.Cmp(big.NewInt(3_000_000)) != 0 {
		t.Errorf("Unexpected second fixing %+v", f2)
	}
	got, err := e.registry.GetFixing(testPool, 1)
	if err != nil {
		t.Fatalf("GetFixing: %v", err)
	}
	if got.Price.Cmp(big.NewInt(2_000_000)) != 0 {
		t.Errorf("Expected epoch 1 price unchanged, got %v", got.Price)
	}

	if _, err := e.registry.CaptureFixing([32]byte{0x99}); err != ErrUnknownPool {
		t.Errorf("Expected ErrUnknownPool, got %v", err)
	}
}

// TestCaptureOracleFailure tests that a failed observation does not advance
// the epoch counter
func TestCaptureOracleFailure(t *testing.T) {
	e := newTestEnv(t)

	ghost := [32]byte{0x05}
	if err := e.registry.RegisterPool(admin, ghost); err != nil {
		t.Fatalf("RegisterPool: %v", err)
	}

	// Registered here but absent from the pool source.
	if _, err := e.registry.CaptureFixing(ghost); err != oracle.ErrUnknownPool {
		t.Errorf("Expected oracle.ErrUnknownPool, got %v", err)
	}
	epoch, err := e.registry.CurrentEpoch(ghost)
	if err != nil {
		t.Fatalf("CurrentEpoch: %v", err)
	}
	if epoch != 0 {
		t.Errorf("Expected epoch counter untouched at 0, got %d", epoch)
	}
}

// TestAttest tests the relayer gate, epoch bounds, and write-once semantics
func TestAttest(t *testing.T) {
	e := newTestEnv(t)

	a := &Attestation{
		PoolID:          testPool,
		Epoch:           1,
		MerkleRoot:      [32]byte{0xaa},
		SettlementCount: 12,
		TotalVolume:     big.NewInt(50_000),
	}

	if err := e.registry.Attest(relayerAddr, a); err != ErrUnknownEpoch {
		t.Errorf("Expected ErrUnknownEpoch before capture, got %v", err)
	}
	if _, err := e.registry.CaptureFixing(testPool); err != nil {
		t.Fatalf("CaptureFixing: %v", err)
	}

	if err := e.registry.Attest(outsider, a); err != ErrUnauthorized {
		t.Errorf("Expected ErrUnauthorized for non-relayer, got %v", err)
	}
	if err := e.registry.Attest(relayerAddr, a); err != nil {
		t.Fatalf("Attest: %v", err)
	}

	got, err := e.registry.GetAttestation(testPool, 1)
	if err != nil {
		t.Fatalf("GetAttestation: %v", err)
	}
	if got.Attestor != relayerAddr || got.SettlementCount != 12 {
		t.Errorf("Unexpected attestation %+v", got)
	}

	second := &Attestation{PoolID: testPool, Epoch: 1, TotalVolume: big.NewInt(1)}
	if err := e.registry.Attest(relayerAddr, second); err != ErrAlreadyAttested {
		t.Errorf("Expected ErrAlreadyAttested, got %v", err)
	}

	if err := e.registry.Attest(relayerAddr, &Attestation{PoolID: testPool, Epoch: 0}); err != ErrUnknownEpoch {
		t.Errorf("Expected ErrUnknownEpoch for epoch 0, got %v", err)
	}
}

// TestCaptureAndAttest tests the combined atomic operation
func TestCaptureAndAttest(t *testing.T) {
	e := newTestEnv(t)

	f, err := e.registry.CaptureAndAttest(relayerAddr, testPool, &Attestation{
		MerkleRoot:      [32]byte{0xbb},
		SettlementCount: 3,
		TotalVolume:     big.NewInt(900),
	})
	if err != nil {
		t.Fatalf("CaptureAndAttest: %v", err)
	}
	if f.Epoch != 1 {
		t.Errorf("Expected epoch 1, got %d", f.Epoch)
	}
	a, err := e.registry.GetAttestation(testPool, 1)
	if err != nil {
		t.Fatalf("GetAttestation: %v", err)
	}
	if a.Epoch != 1 || a.Attestor != relayerAddr {
		t.Errorf("Unexpected attestation %+v", a)
	}

	if _, err := e.registry.CaptureAndAttest(outsider, testPool, &Attestation{}); err != ErrUnauthorized {
		t.Errorf("Expected ErrUnauthorized, got %v", err)
	}
	epoch, err := e.registry.CurrentEpoch(testPool)
	if err != nil {
		t.Fatalf("CurrentEpoch: %v", err)
	}
	if epoch != 1 {
		t.Errorf("Expected rejected caller to leave epoch at 1, got %d", epoch)
	}
}

// TestConcurrentCaptureAndAttest tests that racing combined calls produce
// distinct epochs, each attested exactly once
func TestConcurrentCaptureAndAttest(t *testing.T) {
	e := newTestEnv(t)

	const workers = 16
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int64) {
			defer wg.Done()
			_, err := e.registry.CaptureAndAttest(relayerAddr, testPool, &Attestation{
				TotalVolume: big.NewInt(n),
			})
			if err != nil {
				t.Errorf("CaptureAndAttest: %v", err)
			}
		}(int64(i))
	}
	wg.Wait()

	epoch, err := e.registry.CurrentEpoch(testPool)
	if err != nil {
		t.Fatalf("CurrentEpoch: %v", err)
	}
	if epoch != workers {
		t.Fatalf("Expected %d epochs, got %d", workers, epoch)
	}
	for i := uint64(1); i <= workers; i++ {
		if _, err := e.registry.GetFixing(testPool, i); err != nil {
			t.Errorf("GetFixing(%d): %v", i, err)
		}
		if _, err := e.registry.GetAttestation(testPool, i); err != nil {
			t.Errorf("GetAttestation(%d): %v", i, err)
		}
	}
}

var errWriteFailed = errors.New("write failed")

// poolWriteFailDB lets a fixed number of pool-record writes through, then
// fails them. Other keys pass through untouched.
type poolWriteFailDB struct {
	database.Database
	allowed int
}

func (d *poolWriteFailDB) Put(key, value []byte) error {
	if bytes.HasPrefix(key, []byte("fpl:")) {
		if d.allowed == 0 {
			return errWriteFailed
		}
		d.allowed--
	}
	return d.Database.Put(key, value)
}

// TestCapturePersistFailure tests that a failed pool-record write leaves the
// epoch counter untouched
func TestCapturePersistFailure(t *testing.T) {
	db := memdb.New()
	relayers, err := relayer.New(db, admin)
	if err != nil {
		t.Fatalf("relayer.New: %v", err)
	}
	if err := relayers.Authorize(admin, relayerAddr); err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	pools := oracle.NewMemoryPoolSource()
	pools.SetPrice(testPool, big.NewInt(1_000), 5)

	// One write budget: registration succeeds, the capture's counter
	// advance does not.
	r, err := NewRegistry(&poolWriteFailDB{Database: db, allowed: 1}, oracle.NewAMMOracle(pools), relayers, nil)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if err := r.RegisterPool(admin, testPool); err != nil {
		t.Fatalf("RegisterPool: %v", err)
	}

	if _, err := r.CaptureFixing(testPool); err == nil {
		t.Fatal("Expected error when the pool record cannot be written")
	}
	epoch, err := r.CurrentEpoch(testPool)
	if err != nil {
		t.Fatalf("CurrentEpoch: %v", err)
	}
	if epoch != 0 {
		t.Errorf("Expected epoch counter untouched at 0, got %d", epoch)
	}
	if _, err := r.GetFixing(testPool, 1); err != ErrUnknownEpoch {
		t.Errorf("Expected ErrUnknownEpoch, got %v", err)
	}
	if err := r.Attest(relayerAddr, &Attestation{PoolID: testPool, Epoch: 1}); err != ErrUnknownEpoch {
		t.Errorf("Expected ErrUnknownEpoch, got %v", err)
	}
}

// TestDetachedRecords tests that stored and returned records are copies the
// caller cannot mutate
func TestDetachedRecords(t *testing.T) {
	e := newTestEnv(t)

	if _, err := e.registry.CaptureFixing(testPool); err != nil {
		t.Fatalf("CaptureFixing: %v", err)
	}

	submitted := &Attestation{
		PoolID:      testPool,
		Epoch:       1,
		MerkleRoot:  [32]byte{0xaa},
		TotalVolume: big.NewInt(100),
	}
	if err := e.registry.Attest(relayerAddr, submitted); err != nil {
		t.Fatalf("Attest: %v", err)
	}

	// Mutating the submitted struct after acceptance must not move the
	// stored record.
	submitted.MerkleRoot = [32]byte{0xff}
	submitted.TotalVolume.SetInt64(0)

	a, err := e.registry.GetAttestation(testPool, 1)
	if err != nil {
		t.Fatalf("GetAttestation: %v", err)
	}
	if a.MerkleRoot != ([32]byte{0xaa}) || a.TotalVolume.Cmp(big.NewInt(100)) != 0 {
		t.Errorf("Submitted-struct mutation leaked into the registry: %+v", a)
	}

	// Same for records handed back by queries.
	a.TotalVolume.SetInt64(7)
	f, err := e.registry.GetFixing(testPool, 1)
	if err != nil {
		t.Fatalf("GetFixing: %v", err)
	}
	f.Price.SetInt64(0)

	a2, _ := e.registry.GetAttestation(testPool, 1)
	f2, _ := e.registry.GetFixing(testPool, 1)
	if a2.TotalVolume.Cmp(big.NewInt(100)) != 0 {
		t.Errorf("Query-result mutation leaked into the registry: %v", a2.TotalVolume)
	}
	if f2.Price.Cmp(big.NewInt(2_000_000)) != 0 {
		t.Errorf("Query-result mutation leaked into the registry: %v", f2.Price)
	}
}

// TestPersistence tests that pools, fixings, and attestations survive a
// reload over the same database
func TestPersistence(t *testing.T) {
	e := newTestEnv(t)

	if _, err := e.registry.CaptureFixing(testPool); err != nil {
		t.Fatalf("CaptureFixing: %v", err)
	}
	if err := e.registry.Attest(relayerAddr, &Attestation{
		PoolID:      testPool,
		Epoch:       1,
		TotalVolume: big.NewInt(7),
	}); err != nil {
		t.Fatalf("Attest: %v", err)
	}

	reloaded, err := NewRegistry(e.db, oracle.NewAMMOracle(e.pools), e.relayers, nil)
	if err != nil {
		t.Fatalf("NewRegistry after reload: %v", err)
	}

	epoch, err := reloaded.CurrentEpoch(testPool)
	if err != nil {
		t.Fatalf("CurrentEpoch after reload: %v", err)
	}
	if epoch != 1 {
		t.Errorf("Expected reloaded epoch 1, got %d", epoch)
	}
	if _, err := reloaded.GetFixing(testPool, 1); err != nil {
		t.Errorf("GetFixing after reload: %v", err)
	}
	if err := reloaded.Attest(relayerAddr, &Attestation{PoolID: testPool, Epoch: 1}); err != ErrAlreadyAttested {
		t.Errorf("Expected ErrAlreadyAttested after reload, got %v", err)
	}

	// The next capture continues the sequence instead of restarting it.
	f, err := reloaded.CaptureFixing(testPool)
	if err != nil {
		t.Fatalf("CaptureFixing after reload: %v", err)
	}
	if f.Epoch != 2 {
		t.Errorf("Expected epoch 2 after reload, got %d", f.Epoch)
	}
}
