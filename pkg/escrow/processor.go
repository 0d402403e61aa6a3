package escrow

import (
	"fmt"
	"math/bits"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/escrowbook/pkg/ledger"
)

// Processor validates and executes the four order lifecycle transitions.
// Each transition runs under the target book's lock, stages its ledger legs
// and the book write into one Pebble batch, and commits the batch with sync
// durability: either every effect lands or none does.
type Processor struct {
	db     *pebble.DB
	books  *Store
	ledger *ledger.Ledger
	log    *zap.SugaredLogger

	onEvent func(Event)

	mu    sync.Mutex
	locks map[common.Address]*sync.Mutex
}

// NewProcessor wires the processor over a shared Pebble database.
func NewProcessor(db *pebble.DB, books *Store, l *ledger.Ledger, log *zap.SugaredLogger) *Processor {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Processor{
		db:     db,
		books:  books,
		ledger: l,
		log:    log,
		locks:  make(map[common.Address]*sync.Mutex),
	}
}

// SetEventHandler registers a callback invoked after each committed
// transition. Delivery is best effort and must not block for long.
func (p *Processor) SetEventHandler(fn func(Event)) {
	p.onEvent = fn
}

// bookLock returns the per-book mutex, creating it on first use. The lock
// spans load-validate-commit so two concurrent transitions against the same
// book cannot both observe the same pre-state.
func (p *Processor) bookLock(addr common.Address) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	lk, ok := p.locks[addr]
	if !ok {
		lk = &sync.Mutex{}
		p.locks[addr] = lk
	}
	return lk
}

// Init creates the order-book record at the address derived from admin.
func (p *Processor) Init(admin common.Address) (*OrderBook, error) {
	addr := DeriveOrderBookAddress(admin)

	lk := p.bookLock(addr)
	lk.Lock()
	defer lk.Unlock()

	existing, err := p.books.LoadBook(addr)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.Initialized {
		return nil, fmt.Errorf("%w: book %s", ErrAlreadyInitialized, addr.Hex())
	}

	book := &OrderBook{
		Address:     addr,
		Admin:       admin,
		Initialized: true,
		Version:     1,
	}

	batch := p.db.NewBatch()
	defer batch.Close()

	if err := p.books.PutBook(batch, book, 0); err != nil {
		return nil, err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return nil, fmt.Errorf("failed to commit init: %w", err)
	}

	p.log.Infow("order_book_initialized", "book", addr.Hex(), "admin", admin.Hex())
	p.emit(Event{Type: EventInit, Book: addr, Admin: admin, Version: book.Version})
	return book, nil
}

// CreateOrder escrows amount of mint from the maker into the vault and
// fills the single order slot. The escrow transfer and the slot write
// commit in one batch.
func (p *Processor) CreateOrder(admin, maker common.Address, side Side, amount, price uint64, mint common.Address) (*OrderBook, error) {
	if amount == 0 || price == 0 {
		return nil, ErrInvalidAmount
	}
	if !side.Valid() {
		return nil, fmt.Errorf("%w: unknown side %q", ErrInvalidAmount, side)
	}

	addr := DeriveOrderBookAddress(admin)

	lk := p.bookLock(addr)
	lk.Lock()
	defer lk.Unlock()

	book, err := p.loadInitialized(addr)
	if err != nil {
		return nil, err
	}
	if book.Active != nil {
		return nil, fmt.Errorf("%w: book %s", ErrOrderAlreadyOpen, addr.Hex())
	}

	vault := DeriveVaultAddress(addr, mint)

	tx := p.ledger.Begin()
	defer tx.Discard()

	// Vault account is bound to the book address, never to a human signer.
	if err := tx.EnsureAccount(vault, mint, addr); err != nil {
		return nil, err
	}
	if err := tx.Transfer(maker, maker, vault, mint, amount); err != nil {
		return nil, err
	}

	updated := book.Clone()
	updated.Active = &Order{
		Maker:     maker,
		Side:      side,
		Amount:    amount,
		Price:     price,
		TokenMint: mint,
	}
	updated.Version++

	if err := p.commit(tx, updated, book.Version); err != nil {
		return nil, err
	}

	p.log.Infow("order_created",
		"book", addr.Hex(), "maker", maker.Hex(), "side", side,
		"amount", amount, "price", price, "mint", mint.Hex())
	p.emit(Event{
		Type: EventCreated, Book: addr, Admin: admin, Maker: maker,
		Side: side, Amount: amount, Price: price, TokenMint: mint,
		Version: updated.Version,
	})
	return updated, nil
}

// TakeOrder fills the open order in one atomic exchange: the taker pays
// amount*price of the counter mint to the maker, the vault releases the
// escrowed amount to the taker, and the order slot clears.
func (p *Processor) TakeOrder(admin, taker, counterMint common.Address) (*OrderBook, error) {
	addr := DeriveOrderBookAddress(admin)

	lk := p.bookLock(addr)
	lk.Lock()
	defer lk.Unlock()

	book, err := p.loadInitialized(addr)
	if err != nil {
		return nil, err
	}
	if book.Active == nil {
		return nil, fmt.Errorf("%w: book %s", ErrNoActiveOrder, addr.Hex())
	}
	order := book.Active

	// Checked multiply before any movement; wrap-around would let a taker
	// fill a large order for almost nothing.
	hi, counterAmount := bits.Mul64(order.Amount, order.Price)
	if hi != 0 {
		return nil, fmt.Errorf("%w: %d * %d", ErrPriceOverflow, order.Amount, order.Price)
	}

	vault := DeriveVaultAddress(addr, order.TokenMint)

	tx := p.ledger.Begin()
	defer tx.Discard()

	// Counter leg first, escrow leg second. Both legs live in one batch, so
	// the ordering is unobservable outside the transaction.
	if err := tx.Transfer(taker, taker, order.Maker, counterMint, counterAmount); err != nil {
		return nil, err
	}
	if err := tx.Transfer(addr, vault, taker, order.TokenMint, order.Amount); err != nil {
		return nil, err
	}

	updated := book.Clone()
	updated.Active = nil
	updated.Version++

	if err := p.commit(tx, updated, book.Version); err != nil {
		return nil, err
	}

	p.log.Infow("order_taken",
		"book", addr.Hex(), "maker", order.Maker.Hex(), "taker", taker.Hex(),
		"amount", order.Amount, "counter_amount", counterAmount,
		"mint", order.TokenMint.Hex(), "counter_mint", counterMint.Hex())
	p.emit(Event{
		Type: EventTaken, Book: addr, Admin: admin, Maker: order.Maker, Taker: taker,
		Side: order.Side, Amount: order.Amount, Price: order.Price,
		TokenMint: order.TokenMint, CounterMint: counterMint, CounterAmount: counterAmount,
		Version: updated.Version,
	})
	return updated, nil
}

// CancelOrder returns the escrowed amount to the maker and clears the
// order slot. Only the maker may cancel, and the supplied amount must match
// the escrow exactly.
func (p *Processor) CancelOrder(admin, caller common.Address, amount uint64) (*OrderBook, error) {
	addr := DeriveOrderBookAddress(admin)

	lk := p.bookLock(addr)
	lk.Lock()
	defer lk.Unlock()

	book, err := p.loadInitialized(addr)
	if err != nil {
		return nil, err
	}
	if book.Active == nil {
		return nil, fmt.Errorf("%w: book %s", ErrNoActiveOrder, addr.Hex())
	}
	order := book.Active

	if caller != order.Maker {
		return nil, fmt.Errorf("%w: caller %s, maker %s", ErrNotOrderOwner, caller.Hex(), order.Maker.Hex())
	}
	if amount != order.Amount {
		return nil, fmt.Errorf("%w: supplied %d, escrowed %d", ErrAmountMismatch, amount, order.Amount)
	}

	vault := DeriveVaultAddress(addr, order.TokenMint)

	tx := p.ledger.Begin()
	defer tx.Discard()

	if err := tx.Transfer(addr, vault, order.Maker, order.TokenMint, order.Amount); err != nil {
		return nil, err
	}

	updated := book.Clone()
	updated.Active = nil
	updated.Version++

	if err := p.commit(tx, updated, book.Version); err != nil {
		return nil, err
	}

	p.log.Infow("order_cancelled",
		"book", addr.Hex(), "maker", order.Maker.Hex(),
		"amount", order.Amount, "mint", order.TokenMint.Hex())
	p.emit(Event{
		Type: EventCancelled, Book: addr, Admin: admin, Maker: order.Maker,
		Side: order.Side, Amount: order.Amount, Price: order.Price,
		TokenMint: order.TokenMint, Version: updated.Version,
	})
	return updated, nil
}

// Book returns the committed order-book record for an admin identity, or
// nil if it was never initialized.
func (p *Processor) Book(admin common.Address) (*OrderBook, error) {
	return p.books.LoadBook(DeriveOrderBookAddress(admin))
}

// VaultBalance returns the committed vault balance for (admin's book, mint).
func (p *Processor) VaultBalance(admin, mint common.Address) (uint64, error) {
	book := DeriveOrderBookAddress(admin)
	return p.ledger.BalanceOf(DeriveVaultAddress(book, mint), mint)
}

// loadInitialized loads a book that must exist and be initialized.
func (p *Processor) loadInitialized(addr common.Address) (*OrderBook, error) {
	book, err := p.books.LoadBook(addr)
	if err != nil {
		return nil, err
	}
	if book == nil || !book.Initialized {
		return nil, fmt.Errorf("%w: book %s", ErrNotInitialized, addr.Hex())
	}
	return book, nil
}

// commit stages the ledger legs and the book write into one batch, commits
// it, then folds the ledger view into the cache.
func (p *Processor) commit(tx *ledger.Transaction, book *OrderBook, expectedVersion uint64) error {
	batch := p.db.NewBatch()
	defer batch.Close()

	if err := tx.Stage(batch); err != nil {
		return err
	}
	if err := p.books.PutBook(batch, book, expectedVersion); err != nil {
		return err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit transition: %w", err)
	}
	tx.Commit()
	return nil
}

func (p *Processor) emit(ev Event) {
	ev.Timestamp = time.Now().UnixMilli()
	if p.onEvent != nil {
		p.onEvent(ev)
	}
}
