// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bank

import (
	"math/big"
	"testing"

	"github.com/luxfi/database/memdb"
	"github.com/luxfi/geth/common"
)

var (
	admin  = common.HexToAddress("0xAd00000000000000000000000000000000000001")
	token  = common.HexToAddress("0x1000000000000000000000000000000000000001")
	alice  = common.HexToAddress("0xa11c000000000000000000000000000000000001")
	bobbie = common.HexToAddress("0xb0bb000000000000000000000000000000000001")
)

func newTestBank(t *testing.T) *Bank {
	t.Helper()
	b, err := New(memdb.New(), admin)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return b
}

// TestMint tests admin minting and the admin gate
func TestMint(t *testing.T) {
	b := newTestBank(t)

	if err := b.Mint(admin, token, alice, big.NewInt(1000)); err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if got := b.Balance(token, alice); got.Cmp(big.NewInt(1000)) != 0 {
		t.Errorf("Expected balance 1000, got %v", got)
	}

	if err := b.Mint(alice, token, alice, big.NewInt(1)); err != ErrUnauthorized {
		t.Errorf("Expected ErrUnauthorized for non-admin mint, got %v", err)
	}
}

// TestTransfer tests debit/credit and insufficient-balance rejection
func TestTransfer(t *testing.T) {
	b := newTestBank(t)

	if err := b.Mint(admin, token, alice, big.NewInt(500)); err != nil {
		t.Fatalf("Mint: %v", err)
	}

	if err := b.Transfer(token, alice, bobbie, big.NewInt(200)); err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if got := b.Balance(token, alice); got.Cmp(big.NewInt(300)) != 0 {
		t.Errorf("Expected sender balance 300, got %v", got)
	}
	if got := b.Balance(token, bobbie); got.Cmp(big.NewInt(200)) != 0 {
		t.Errorf("Expected recipient balance 200, got %v", got)
	}

	if err := b.Transfer(token, alice, bobbie, big.NewInt(301)); err != ErrInsufficientBalance {
		t.Errorf("Expected ErrInsufficientBalance, got %v", err)
	}
	// Failed transfer must leave both balances untouched
	if got := b.Balance(token, alice); got.Cmp(big.NewInt(300)) != 0 {
		t.Errorf("Expected sender balance unchanged at 300, got %v", got)
	}
}

// TestSelfTransfer tests that a transfer to oneself conserves the balance
func TestSelfTransfer(t *testing.T) {
	b := newTestBank(t)

	if err := b.Mint(admin, token, alice, big.NewInt(100)); err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if err := b.Transfer(token, alice, alice, big.NewInt(100)); err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if got := b.Balance(token, alice); got.Cmp(big.NewInt(100)) != 0 {
		t.Errorf("Expected self-transfer to conserve balance 100, got %v", got)
	}

	// Still funded-only: the full amount must be covered.
	if err := b.Transfer(token, alice, alice, big.NewInt(101)); err != ErrInsufficientBalance {
		t.Errorf("Expected ErrInsufficientBalance, got %v", err)
	}
}

// TestInvalidAmounts tests nil, zero, and negative amount rejection
func TestInvalidAmounts(t *testing.T) {
	b := newTestBank(t)
	if err := b.Mint(admin, token, alice, big.NewInt(10)); err != nil {
		t.Fatalf("Mint: %v", err)
	}

	for _, amt := range []*big.Int{nil, big.NewInt(0), big.NewInt(-5)} {
		if err := b.Transfer(token, alice, bobbie, amt); err != ErrInvalidAmount {
			t.Errorf("Transfer(%v): expected ErrInvalidAmount, got %v", amt, err)
		}
		if err := b.Mint(admin, token, alice, amt); err != ErrInvalidAmount {
			t.Errorf("Mint(%v): expected ErrInvalidAmount, got %v", amt, err)
		}
	}
}

// TestBalanceIsolation tests that balances are per-token
func TestBalanceIsolation(t *testing.T) {
	b := newTestBank(t)
	other := common.HexToAddress("0x2000000000000000000000000000000000000002")

	if err := b.Mint(admin, token, alice, big.NewInt(100)); err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if got := b.Balance(other, alice); got.Sign() != 0 {
		t.Errorf("Expected zero balance for other token, got %v", got)
	}
}

// TestPersistence tests that balances survive a reload over the same database
func TestPersistence(t *testing.T) {
	db := memdb.New()
	b, err := New(db, admin)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := b.Mint(admin, token, alice, big.NewInt(777)); err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if err := b.Transfer(token, alice, bobbie, big.NewInt(77)); err != nil {
		t.Fatalf("Transfer: %v", err)
	}

	reloaded, err := New(db, admin)
	if err != nil {
		t.Fatalf("New after reload: %v", err)
	}
	if got := reloaded.Balance(token, alice); got.Cmp(big.NewInt(700)) != 0 {
		t.Errorf("Expected reloaded balance 700, got %v", got)
	}
	if got := reloaded.Balance(token, bobbie); got.Cmp(big.NewInt(77)) != 0 {
		t.Errorf("Expected reloaded balance 77, got %v", got)
	}
}

func BenchmarkTransfer(b *testing.B) {
	vault, err := New(memdb.New(), admin)
	if err != nil {
		b.Fatal(err)
	}
	if err := vault.Mint(admin, token, alice, new(big.Int).Lsh(big.NewInt(1), 128)); err != nil {
		b.Fatal(err)
	}
	one := big.NewInt(1)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := vault.Transfer(token, alice, bobbie, one); err != nil {
			b.Fatal(err)
		}
	}
}
