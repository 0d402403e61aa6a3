package ledger

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"
)

var (
	alice = common.HexToAddress("0xAA00000000000000000000000000000000000000")
	bob   = common.HexToAddress("0xBB00000000000000000000000000000000000000")
	vault = common.HexToAddress("0xCC00000000000000000000000000000000000000")
	book  = common.HexToAddress("0xDD00000000000000000000000000000000000000")
	mint  = common.HexToAddress("0x1100000000000000000000000000000000000000")
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	db, err := pebble.Open(filepath.Join(t.TempDir(), "db"), &pebble.Options{})
	if err != nil {
		t.Fatalf("failed to open pebble: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db)
}

func commitTransfer(t *testing.T, l *Ledger, tx *Transaction) {
	t.Helper()
	batch := l.db.NewBatch()
	defer batch.Close()
	if err := tx.Stage(batch); err != nil {
		t.Fatalf("stage failed: %v", err)
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	tx.Commit()
}

func TestMintAndBalance(t *testing.T) {
	l := newTestLedger(t)

	if err := l.Mint(alice, mint, 1_000_000); err != nil {
		t.Fatalf("mint failed: %v", err)
	}

	balance, err := l.BalanceOf(alice, mint)
	if err != nil {
		t.Fatalf("balance failed: %v", err)
	}
	if balance != 1_000_000 {
		t.Errorf("balance = %d, want 1000000", balance)
	}

	// Unfunded holder reads zero
	balance, err = l.BalanceOf(bob, mint)
	if err != nil {
		t.Fatalf("balance failed: %v", err)
	}
	if balance != 0 {
		t.Errorf("balance = %d, want 0", balance)
	}

	if err := l.Mint(alice, mint, 0); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount for zero mint, got %v", err)
	}
}

func TestMintOverflow(t *testing.T) {
	l := newTestLedger(t)

	if err := l.Mint(alice, mint, ^uint64(0)); err != nil {
		t.Fatalf("mint failed: %v", err)
	}
	if err := l.Mint(alice, mint, 1); !errors.Is(err, ErrBalanceOverflow) {
		t.Errorf("expected ErrBalanceOverflow, got %v", err)
	}

	// Balance unchanged after the rejected mint
	balance, _ := l.BalanceOf(alice, mint)
	if balance != ^uint64(0) {
		t.Errorf("balance changed after rejected mint: %d", balance)
	}
}

func TestTransfer(t *testing.T) {
	l := newTestLedger(t)
	l.Mint(alice, mint, 1000)

	tx := l.Begin()
	if err := tx.Transfer(alice, alice, bob, mint, 400); err != nil {
		t.Fatalf("transfer failed: %v", err)
	}
	commitTransfer(t, l, tx)

	aliceBal, _ := l.BalanceOf(alice, mint)
	bobBal, _ := l.BalanceOf(bob, mint)
	if aliceBal != 600 {
		t.Errorf("alice balance = %d, want 600", aliceBal)
	}
	if bobBal != 400 {
		t.Errorf("bob balance = %d, want 400", bobBal)
	}
}

func TestTransferInsufficientFunds(t *testing.T) {
	l := newTestLedger(t)
	l.Mint(alice, mint, 100)

	tx := l.Begin()
	err := tx.Transfer(alice, alice, bob, mint, 200)
	tx.Discard()
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Errorf("expected ErrInsufficientFunds, got %v", err)
	}

	// Unfunded source behaves the same
	tx = l.Begin()
	err = tx.Transfer(bob, bob, alice, mint, 1)
	tx.Discard()
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Errorf("expected ErrInsufficientFunds for unfunded source, got %v", err)
	}
}

func TestTransferAuthority(t *testing.T) {
	l := newTestLedger(t)
	l.Mint(alice, mint, 1000)

	// Bob cannot debit alice's account
	tx := l.Begin()
	err := tx.Transfer(bob, alice, bob, mint, 100)
	tx.Discard()
	if !errors.Is(err, ErrAccountOwnershipMismatch) {
		t.Errorf("expected ErrAccountOwnershipMismatch, got %v", err)
	}

	// A vault account is debitable only by its bound authority
	tx = l.Begin()
	if err := tx.EnsureAccount(vault, mint, book); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if err := tx.Transfer(alice, alice, vault, mint, 500); err != nil {
		t.Fatalf("transfer into vault failed: %v", err)
	}
	commitTransfer(t, l, tx)

	tx = l.Begin()
	err = tx.Transfer(vault, vault, alice, mint, 500)
	tx.Discard()
	if !errors.Is(err, ErrAccountOwnershipMismatch) {
		t.Errorf("expected ErrAccountOwnershipMismatch for vault self-debit, got %v", err)
	}

	tx = l.Begin()
	if err := tx.Transfer(book, vault, alice, mint, 500); err != nil {
		t.Fatalf("authorized vault debit failed: %v", err)
	}
	commitTransfer(t, l, tx)

	balance, _ := l.BalanceOf(alice, mint)
	if balance != 1000 {
		t.Errorf("alice balance = %d, want 1000", balance)
	}
}

func TestEnsureAccountAuthorityMismatch(t *testing.T) {
	l := newTestLedger(t)

	tx := l.Begin()
	if err := tx.EnsureAccount(vault, mint, book); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	commitTransfer(t, l, tx)

	// Re-binding the same account to a different authority must fail
	tx = l.Begin()
	err := tx.EnsureAccount(vault, mint, alice)
	tx.Discard()
	if !errors.Is(err, ErrAccountOwnershipMismatch) {
		t.Errorf("expected ErrAccountOwnershipMismatch, got %v", err)
	}
}

func TestDiscardLeavesStateUntouched(t *testing.T) {
	l := newTestLedger(t)
	l.Mint(alice, mint, 1000)

	tx := l.Begin()
	if err := tx.Transfer(alice, alice, bob, mint, 999); err != nil {
		t.Fatalf("transfer failed: %v", err)
	}
	tx.Discard() // never staged, never committed

	aliceBal, _ := l.BalanceOf(alice, mint)
	bobBal, _ := l.BalanceOf(bob, mint)
	if aliceBal != 1000 || bobBal != 0 {
		t.Errorf("discarded transaction leaked: alice=%d bob=%d", aliceBal, bobBal)
	}
}

func TestStagedViewIsIsolated(t *testing.T) {
	l := newTestLedger(t)
	l.Mint(alice, mint, 100)

	// Two sequential transactions both spending the full balance: the
	// second must observe the first's debit, not the original balance.
	tx := l.Begin()
	if err := tx.Transfer(alice, alice, bob, mint, 100); err != nil {
		t.Fatalf("transfer failed: %v", err)
	}
	commitTransfer(t, l, tx)

	tx = l.Begin()
	err := tx.Transfer(alice, alice, bob, mint, 100)
	tx.Discard()
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Errorf("expected ErrInsufficientFunds on double spend, got %v", err)
	}
}

func TestLedgerReloadsFromDisk(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "db")

	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		t.Fatalf("failed to open pebble: %v", err)
	}
	l := New(db)
	if err := l.Mint(alice, mint, 777); err != nil {
		t.Fatalf("mint failed: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	db, err = pebble.Open(dir, &pebble.Options{})
	if err != nil {
		t.Fatalf("failed to reopen pebble: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	l = New(db) // fresh cache, must fall back to disk
	balance, err := l.BalanceOf(alice, mint)
	if err != nil {
		t.Fatalf("balance failed: %v", err)
	}
	if balance != 777 {
		t.Errorf("balance = %d, want 777", balance)
	}
}
