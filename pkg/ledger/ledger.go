package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/bits"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"
)

// Token movement errors.
var (
	ErrInsufficientFunds        = errors.New("insufficient funds")
	ErrAccountOwnershipMismatch = errors.New("account authority mismatch")
	ErrBalanceOverflow          = errors.New("balance overflow")
	ErrInvalidAmount            = errors.New("amount must be positive")
)

// TokenAccount holds a balance of one mint for one holder address.
// Authority is the only identity allowed to debit the account: the holder
// itself for user accounts, the order-book address for escrow vaults.
type TokenAccount struct {
	Holder    common.Address `json:"holder"`
	Mint      common.Address `json:"mint"`
	Authority common.Address `json:"authority"`
	Balance   uint64         `json:"balance"`
}

type accountKey struct {
	holder common.Address
	mint   common.Address
}

// Ledger is the token-transfer service: in-memory cache over Pebble, all
// mutation serialized through one mutex. Instruction-scoped movements go
// through a Transaction so that either every leg commits or none does.
type Ledger struct {
	mu       sync.Mutex
	accounts map[accountKey]*TokenAccount
	db       *pebble.DB
}

// New creates a ledger backed by an open Pebble database.
func New(db *pebble.DB) *Ledger {
	return &Ledger{
		accounts: make(map[accountKey]*TokenAccount),
		db:       db,
	}
}

// loadLocked returns the committed account or nil, consulting the cache
// first and falling back to Pebble. Assumes l.mu is held.
func (l *Ledger) loadLocked(holder, mint common.Address) (*TokenAccount, error) {
	k := accountKey{holder, mint}
	if acc, ok := l.accounts[k]; ok {
		return acc, nil
	}

	data, closer, err := l.db.Get(tokenKey(holder, mint))
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get token account: %w", err)
	}
	defer closer.Close()

	var acc TokenAccount
	if err := json.Unmarshal(data, &acc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token account: %w", err)
	}
	l.accounts[k] = &acc
	return &acc, nil
}

// Mint credits freshly issued tokens to holder, creating the account on
// first use with the holder as its own authority. Commits immediately.
func (l *Ledger) Mint(holder, mint common.Address, amount uint64) error {
	if amount == 0 {
		return ErrInvalidAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	acc, err := l.loadLocked(holder, mint)
	if err != nil {
		return err
	}
	if acc == nil {
		acc = &TokenAccount{Holder: holder, Mint: mint, Authority: holder}
	}

	balance, carry := bits.Add64(acc.Balance, amount, 0)
	if carry != 0 {
		return ErrBalanceOverflow
	}

	updated := *acc
	updated.Balance = balance

	data, err := json.Marshal(&updated)
	if err != nil {
		return fmt.Errorf("failed to marshal token account: %w", err)
	}
	if err := l.db.Set(tokenKey(holder, mint), data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to save token account: %w", err)
	}

	l.accounts[accountKey{holder, mint}] = &updated
	return nil
}

// BalanceOf returns the committed balance for (holder, mint), zero if the
// account doesn't exist.
func (l *Ledger) BalanceOf(holder, mint common.Address) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	acc, err := l.loadLocked(holder, mint)
	if err != nil {
		return 0, err
	}
	if acc == nil {
		return 0, nil
	}
	return acc.Balance, nil
}

// Account returns a copy of the committed account, or nil if it doesn't
// exist.
func (l *Ledger) Account(holder, mint common.Address) (*TokenAccount, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	acc, err := l.loadLocked(holder, mint)
	if err != nil || acc == nil {
		return nil, err
	}
	out := *acc
	return &out, nil
}

// Begin opens a staged transaction and takes the ledger lock until Commit
// or Discard. Holding the lock across the whole instruction is what turns
// "read balance, then debit" into an atomic step; without it two concurrent
// instructions could both observe the same pre-debit balance.
func (l *Ledger) Begin() *Transaction {
	l.mu.Lock()
	return &Transaction{
		l:      l,
		staged: make(map[accountKey]*TokenAccount),
	}
}

// Transaction stages balance mutations against a private view. Nothing it
// does is observable until Stage has written the batch, the batch has
// committed, and Commit has folded the view into the cache.
type Transaction struct {
	l      *Ledger
	staged map[accountKey]*TokenAccount
	done   bool
}

// account returns the staged view of (holder, mint): the staged copy if one
// exists, otherwise a copy of committed state, otherwise nil.
func (tx *Transaction) account(holder, mint common.Address) (*TokenAccount, error) {
	k := accountKey{holder, mint}
	if acc, ok := tx.staged[k]; ok {
		return acc, nil
	}
	committed, err := tx.l.loadLocked(holder, mint)
	if err != nil || committed == nil {
		return nil, err
	}
	acc := *committed
	tx.staged[k] = &acc
	return &acc, nil
}

// EnsureAccount creates (holder, mint) with the given authority if it does
// not exist yet. An existing account whose authority differs is rejected:
// this is the check that catches attacker-crafted derivation collisions.
func (tx *Transaction) EnsureAccount(holder, mint, authority common.Address) error {
	acc, err := tx.account(holder, mint)
	if err != nil {
		return err
	}
	if acc == nil {
		tx.staged[accountKey{holder, mint}] = &TokenAccount{
			Holder:    holder,
			Mint:      mint,
			Authority: authority,
		}
		return nil
	}
	if acc.Authority != authority {
		return fmt.Errorf("%w: account %s/%s bound to %s", ErrAccountOwnershipMismatch,
			holder.Hex(), mint.Hex(), acc.Authority.Hex())
	}
	return nil
}

// Transfer moves amount of mint from one holder to another. The debit is
// authorized only if authority matches the source account's bound
// authority. The destination is created on first use, bound to itself.
func (tx *Transaction) Transfer(authority, from, to common.Address, mint common.Address, amount uint64) error {
	if amount == 0 {
		return ErrInvalidAmount
	}

	src, err := tx.account(from, mint)
	if err != nil {
		return err
	}
	if src == nil {
		return fmt.Errorf("%w: %s holds no %s", ErrInsufficientFunds, from.Hex(), mint.Hex())
	}
	if src.Authority != authority {
		return fmt.Errorf("%w: %s cannot debit account bound to %s", ErrAccountOwnershipMismatch,
			authority.Hex(), src.Authority.Hex())
	}
	if src.Balance < amount {
		return fmt.Errorf("%w: have %d, need %d", ErrInsufficientFunds, src.Balance, amount)
	}

	// Credits carry no authority check; anyone may pay into any account.
	dst, err := tx.account(to, mint)
	if err != nil {
		return err
	}
	if dst == nil {
		dst = &TokenAccount{Holder: to, Mint: mint, Authority: to}
		tx.staged[accountKey{to, mint}] = dst
	}

	// Debit before credit so a self-transfer (src and dst alias the same
	// staged account) nets to zero instead of inflating the balance.
	src.Balance -= amount
	balance, carry := bits.Add64(dst.Balance, amount, 0)
	if carry != 0 {
		src.Balance += amount
		return ErrBalanceOverflow
	}
	dst.Balance = balance
	return nil
}

// Stage writes every touched account into the batch. The caller commits
// the batch together with whatever other state belongs to the instruction.
func (tx *Transaction) Stage(batch *pebble.Batch) error {
	for _, acc := range tx.staged {
		data, err := json.Marshal(acc)
		if err != nil {
			return fmt.Errorf("failed to marshal token account: %w", err)
		}
		if err := batch.Set(tokenKey(acc.Holder, acc.Mint), data, nil); err != nil {
			return fmt.Errorf("failed to stage token account: %w", err)
		}
	}
	return nil
}

// Commit folds the staged view into the cache and releases the ledger
// lock. Call only after the batch committed.
func (tx *Transaction) Commit() {
	if tx.done {
		return
	}
	for k, acc := range tx.staged {
		tx.l.accounts[k] = acc
	}
	tx.done = true
	tx.l.mu.Unlock()
}

// Discard drops the staged view and releases the ledger lock. Safe to call
// after Commit; it then does nothing.
func (tx *Transaction) Discard() {
	if tx.done {
		return
	}
	tx.done = true
	tx.l.mu.Unlock()
}
