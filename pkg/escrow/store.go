package escrow

import (
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"
)

// Store persists order-book records in Pebble. It shares the database with
// the token ledger so a transition's book write and balance writes land in
// one batch.
type Store struct {
	db *pebble.DB
}

// NewStore wraps an open Pebble database.
func NewStore(db *pebble.DB) *Store {
	return &Store{db: db}
}

// LoadBook loads an order-book record by derived address.
// Returns nil if the book doesn't exist.
func (s *Store) LoadBook(addr common.Address) (*OrderBook, error) {
	data, closer, err := s.db.Get(bookKey(addr))
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order book: %w", err)
	}
	defer closer.Close()

	var book OrderBook
	if err := json.Unmarshal(data, &book); err != nil {
		return nil, fmt.Errorf("failed to unmarshal order book: %w", err)
	}
	return &book, nil
}

// PutBook stages a book write into the batch after a compare-and-swap check
// against the persisted version (0 = record must not exist yet). The check
// runs against committed state; the caller holds the book lock between
// LoadBook and the batch commit, so a conflict means an out-of-band writer
// touched the record.
func (s *Store) PutBook(batch *pebble.Batch, book *OrderBook, expectedVersion uint64) error {
	current, err := s.LoadBook(book.Address)
	if err != nil {
		return err
	}
	persisted := uint64(0)
	if current != nil {
		persisted = current.Version
	}
	if persisted != expectedVersion {
		return fmt.Errorf("%w: persisted=%d expected=%d", ErrVersionConflict, persisted, expectedVersion)
	}

	data, err := json.Marshal(book)
	if err != nil {
		return fmt.Errorf("failed to marshal order book: %w", err)
	}
	if err := batch.Set(bookKey(book.Address), data, nil); err != nil {
		return fmt.Errorf("failed to stage order book: %w", err)
	}
	return nil
}
