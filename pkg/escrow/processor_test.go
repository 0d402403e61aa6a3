package escrow

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/escrowbook/pkg/ledger"
)

var (
	admin = common.HexToAddress("0xAD00000000000000000000000000000000000000")
	maker = common.HexToAddress("0xAA00000000000000000000000000000000000000")
	taker = common.HexToAddress("0xBB00000000000000000000000000000000000000")
	mintM = common.HexToAddress("0x1100000000000000000000000000000000000000")
	mintN = common.HexToAddress("0x2200000000000000000000000000000000000000")
)

func newTestProcessor(t *testing.T) (*Processor, *ledger.Ledger) {
	t.Helper()
	db, err := pebble.Open(filepath.Join(t.TempDir(), "db"), &pebble.Options{})
	if err != nil {
		t.Fatalf("failed to open pebble: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	tokens := ledger.New(db)
	return NewProcessor(db, NewStore(db), tokens, nil), tokens
}

// checkVaultInvariant asserts the fund-safety contract: the vault holds
// exactly the escrowed amount while an order is open, zero otherwise.
func checkVaultInvariant(t *testing.T, p *Processor, admin, mint common.Address) {
	t.Helper()
	book, err := p.Book(admin)
	if err != nil {
		t.Fatalf("load book: %v", err)
	}
	want := uint64(0)
	if book != nil && book.Active != nil && book.Active.TokenMint == mint {
		want = book.Active.Amount
	}
	got, err := p.VaultBalance(admin, mint)
	if err != nil {
		t.Fatalf("vault balance: %v", err)
	}
	if got != want {
		t.Fatalf("vault invariant broken: balance=%d, escrowed=%d", got, want)
	}
}

func TestInit(t *testing.T) {
	p, _ := newTestProcessor(t)

	book, err := p.Init(admin)
	if err != nil {
		t.Fatalf("init failed: %v", err)
	}
	if book.Address != DeriveOrderBookAddress(admin) {
		t.Errorf("book at wrong address: %s", book.Address.Hex())
	}
	if book.Admin != admin || !book.Initialized {
		t.Errorf("bad book record: %+v", book)
	}
	if book.Active != nil {
		t.Error("fresh book has an active order")
	}
	if book.Version != 1 {
		t.Errorf("version = %d, want 1", book.Version)
	}
}

func TestInitTwiceFails(t *testing.T) {
	p, _ := newTestProcessor(t)

	first, err := p.Init(admin)
	if err != nil {
		t.Fatalf("init failed: %v", err)
	}

	if _, err := p.Init(admin); !errors.Is(err, ErrAlreadyInitialized) {
		t.Errorf("expected ErrAlreadyInitialized, got %v", err)
	}

	// Existing record untouched
	book, err := p.Book(admin)
	if err != nil {
		t.Fatalf("load book: %v", err)
	}
	if book.Version != first.Version {
		t.Errorf("version moved on failed init: %d", book.Version)
	}
}

func TestCreateOrderEscrowsFunds(t *testing.T) {
	p, tokens := newTestProcessor(t)
	p.Init(admin)
	tokens.Mint(maker, mintM, 5_000_000)

	book, err := p.CreateOrder(admin, maker, Buy, 1_000_000, 1_000_000, mintM)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if book.Active == nil {
		t.Fatal("no active order after create")
	}
	if book.Active.Maker != maker || book.Active.Side != Buy ||
		book.Active.Amount != 1_000_000 || book.Active.Price != 1_000_000 ||
		book.Active.TokenMint != mintM {
		t.Errorf("bad active order: %+v", book.Active)
	}

	makerBal, _ := tokens.BalanceOf(maker, mintM)
	if makerBal != 4_000_000 {
		t.Errorf("maker balance = %d, want 4000000", makerBal)
	}
	checkVaultInvariant(t, p, admin, mintM)
}

func TestCreateOrderValidation(t *testing.T) {
	p, tokens := newTestProcessor(t)
	p.Init(admin)
	tokens.Mint(maker, mintM, 1_000_000)

	if _, err := p.CreateOrder(admin, maker, Buy, 0, 100, mintM); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("amount=0: expected ErrInvalidAmount, got %v", err)
	}
	if _, err := p.CreateOrder(admin, maker, Buy, 100, 0, mintM); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("price=0: expected ErrInvalidAmount, got %v", err)
	}
	if _, err := p.CreateOrder(admin, maker, Side("hold"), 100, 100, mintM); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("bad side: expected ErrInvalidAmount, got %v", err)
	}

	// Nothing escrowed by the rejected attempts
	checkVaultInvariant(t, p, admin, mintM)
	makerBal, _ := tokens.BalanceOf(maker, mintM)
	if makerBal != 1_000_000 {
		t.Errorf("maker balance = %d, want 1000000", makerBal)
	}
}

func TestCreateOrderOnUninitializedBook(t *testing.T) {
	p, tokens := newTestProcessor(t)
	tokens.Mint(maker, mintM, 1_000_000)

	if _, err := p.CreateOrder(admin, maker, Buy, 100, 100, mintM); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("expected ErrNotInitialized, got %v", err)
	}
}

func TestCreateOrderAlreadyOpen(t *testing.T) {
	p, tokens := newTestProcessor(t)
	p.Init(admin)
	tokens.Mint(maker, mintM, 5_000_000)
	tokens.Mint(taker, mintM, 5_000_000)

	if _, err := p.CreateOrder(admin, maker, Buy, 1000, 10, mintM); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	// Single-slot invariant holds regardless of caller
	if _, err := p.CreateOrder(admin, maker, Buy, 1000, 10, mintM); !errors.Is(err, ErrOrderAlreadyOpen) {
		t.Errorf("expected ErrOrderAlreadyOpen, got %v", err)
	}
	if _, err := p.CreateOrder(admin, taker, Sell, 500, 20, mintM); !errors.Is(err, ErrOrderAlreadyOpen) {
		t.Errorf("expected ErrOrderAlreadyOpen for other caller, got %v", err)
	}

	checkVaultInvariant(t, p, admin, mintM)
}

func TestCreateOrderInsufficientFunds(t *testing.T) {
	p, tokens := newTestProcessor(t)
	p.Init(admin)
	tokens.Mint(maker, mintM, 100)

	if _, err := p.CreateOrder(admin, maker, Buy, 1_000_000, 1, mintM); !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Errorf("expected ErrInsufficientFunds, got %v", err)
	}

	book, _ := p.Book(admin)
	if book.Active != nil {
		t.Error("order slot filled despite failed escrow transfer")
	}
	makerBal, _ := tokens.BalanceOf(maker, mintM)
	if makerBal != 100 {
		t.Errorf("maker balance = %d, want 100", makerBal)
	}
}

func TestCancelRoundTrip(t *testing.T) {
	p, tokens := newTestProcessor(t)
	p.Init(admin)
	tokens.Mint(maker, mintM, 1_000_000)

	if _, err := p.CreateOrder(admin, maker, Buy, 1_000_000, 1_000_000, mintM); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	checkVaultInvariant(t, p, admin, mintM)

	book, err := p.CancelOrder(admin, maker, 1_000_000)
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if book.Active != nil {
		t.Error("active order survives cancel")
	}

	// Maker's pre-order balance restored exactly
	makerBal, _ := tokens.BalanceOf(maker, mintM)
	if makerBal != 1_000_000 {
		t.Errorf("maker balance = %d, want 1000000", makerBal)
	}
	checkVaultInvariant(t, p, admin, mintM)
}

func TestCancelAuthorization(t *testing.T) {
	p, tokens := newTestProcessor(t)
	p.Init(admin)
	tokens.Mint(maker, mintM, 1000)
	p.CreateOrder(admin, maker, Sell, 1000, 5, mintM)

	// Only the maker may cancel
	if _, err := p.CancelOrder(admin, taker, 1000); !errors.Is(err, ErrNotOrderOwner) {
		t.Errorf("expected ErrNotOrderOwner, got %v", err)
	}
	// Even the book admin may not
	if _, err := p.CancelOrder(admin, admin, 1000); !errors.Is(err, ErrNotOrderOwner) {
		t.Errorf("expected ErrNotOrderOwner for admin, got %v", err)
	}

	// State unchanged after the rejected cancels
	book, _ := p.Book(admin)
	if book.Active == nil {
		t.Fatal("active order lost")
	}
	checkVaultInvariant(t, p, admin, mintM)
}

func TestCancelAmountMismatch(t *testing.T) {
	p, tokens := newTestProcessor(t)
	p.Init(admin)
	tokens.Mint(maker, mintM, 1000)
	p.CreateOrder(admin, maker, Sell, 1000, 5, mintM)

	if _, err := p.CancelOrder(admin, maker, 999); !errors.Is(err, ErrAmountMismatch) {
		t.Errorf("expected ErrAmountMismatch, got %v", err)
	}
	checkVaultInvariant(t, p, admin, mintM)
}

func TestCancelNoActiveOrder(t *testing.T) {
	p, _ := newTestProcessor(t)
	p.Init(admin)

	if _, err := p.CancelOrder(admin, maker, 100); !errors.Is(err, ErrNoActiveOrder) {
		t.Errorf("expected ErrNoActiveOrder, got %v", err)
	}
}

func TestTakeOrderScenario(t *testing.T) {
	p, tokens := newTestProcessor(t)
	p.Init(admin)

	const amount = 1_000_000
	const price = 1_000_000
	const counterAmount = uint64(amount) * uint64(price) // 10^12, fits easily

	tokens.Mint(maker, mintM, amount)
	tokens.Mint(taker, mintN, 2*counterAmount)

	if _, err := p.CreateOrder(admin, maker, Buy, amount, price, mintM); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	checkVaultInvariant(t, p, admin, mintM)

	book, err := p.TakeOrder(admin, taker, mintN)
	if err != nil {
		t.Fatalf("take failed: %v", err)
	}
	if book.Active != nil {
		t.Error("active order survives take")
	}

	// Maker received the counter amount
	makerCounter, _ := tokens.BalanceOf(maker, mintN)
	if makerCounter != counterAmount {
		t.Errorf("maker counter balance = %d, want %d", makerCounter, counterAmount)
	}
	// Taker received the escrow and paid the counter
	takerEscrow, _ := tokens.BalanceOf(taker, mintM)
	if takerEscrow != amount {
		t.Errorf("taker escrow balance = %d, want %d", takerEscrow, amount)
	}
	takerCounter, _ := tokens.BalanceOf(taker, mintN)
	if takerCounter != counterAmount {
		t.Errorf("taker counter balance = %d, want %d", takerCounter, counterAmount)
	}
	// Vault drained
	checkVaultInvariant(t, p, admin, mintM)
}

func TestTakeOrderNoActiveOrder(t *testing.T) {
	p, _ := newTestProcessor(t)
	p.Init(admin)

	if _, err := p.TakeOrder(admin, taker, mintN); !errors.Is(err, ErrNoActiveOrder) {
		t.Errorf("expected ErrNoActiveOrder, got %v", err)
	}
}

func TestTakeOrderInsufficientCounterFunds(t *testing.T) {
	p, tokens := newTestProcessor(t)
	p.Init(admin)
	tokens.Mint(maker, mintM, 1000)
	tokens.Mint(taker, mintN, 10) // needs 1000*5 = 5000

	p.CreateOrder(admin, maker, Sell, 1000, 5, mintM)

	if _, err := p.TakeOrder(admin, taker, mintN); !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Errorf("expected ErrInsufficientFunds, got %v", err)
	}

	// No leg applied: escrow intact, order still open, taker untouched
	book, _ := p.Book(admin)
	if book.Active == nil {
		t.Fatal("active order lost on failed take")
	}
	checkVaultInvariant(t, p, admin, mintM)
	takerBal, _ := tokens.BalanceOf(taker, mintN)
	if takerBal != 10 {
		t.Errorf("taker balance = %d, want 10", takerBal)
	}
}

func TestTakeOrderPriceOverflow(t *testing.T) {
	p, tokens := newTestProcessor(t)
	p.Init(admin)

	const amount = uint64(1) << 33
	const price = uint64(1) << 33 // product is 2^66, overflows uint64

	tokens.Mint(maker, mintM, amount)
	tokens.Mint(taker, mintN, ^uint64(0))

	if _, err := p.CreateOrder(admin, maker, Sell, amount, price, mintM); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	if _, err := p.TakeOrder(admin, taker, mintN); !errors.Is(err, ErrPriceOverflow) {
		t.Errorf("expected ErrPriceOverflow, got %v", err)
	}

	// No transfer occurred
	checkVaultInvariant(t, p, admin, mintM)
	takerBal, _ := tokens.BalanceOf(taker, mintN)
	if takerBal != ^uint64(0) {
		t.Errorf("taker balance moved on rejected take: %d", takerBal)
	}
	makerBal, _ := tokens.BalanceOf(maker, mintN)
	if makerBal != 0 {
		t.Errorf("maker received counter tokens on rejected take: %d", makerBal)
	}
}

func TestReopenAfterResolution(t *testing.T) {
	p, tokens := newTestProcessor(t)
	p.Init(admin)
	tokens.Mint(maker, mintM, 2000)

	p.CreateOrder(admin, maker, Buy, 1000, 2, mintM)
	p.CancelOrder(admin, maker, 1000)

	// Slot is single-occupancy but reusable after resolution
	book, err := p.CreateOrder(admin, maker, Sell, 500, 3, mintM)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	if book.Active == nil || book.Active.Amount != 500 {
		t.Errorf("bad reopened order: %+v", book.Active)
	}
	checkVaultInvariant(t, p, admin, mintM)
}

func TestVersionAdvancesPerTransition(t *testing.T) {
	p, tokens := newTestProcessor(t)
	tokens.Mint(maker, mintM, 1000)

	book, _ := p.Init(admin)
	if book.Version != 1 {
		t.Fatalf("version after init = %d, want 1", book.Version)
	}
	book, _ = p.CreateOrder(admin, maker, Buy, 1000, 1, mintM)
	if book.Version != 2 {
		t.Fatalf("version after create = %d, want 2", book.Version)
	}
	book, _ = p.CancelOrder(admin, maker, 1000)
	if book.Version != 3 {
		t.Fatalf("version after cancel = %d, want 3", book.Version)
	}
}

func TestConcurrentCreateSingleWinner(t *testing.T) {
	p, tokens := newTestProcessor(t)
	p.Init(admin)

	makers := []common.Address{maker, taker}
	for _, m := range makers {
		tokens.Mint(m, mintM, 1000)
	}

	errs := make([]error, len(makers))
	var wg sync.WaitGroup
	for i, m := range makers {
		wg.Add(1)
		go func(i int, m common.Address) {
			defer wg.Done()
			_, errs[i] = p.CreateOrder(admin, m, Buy, 1000, 1, mintM)
		}(i, m)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
		} else if !errors.Is(err, ErrOrderAlreadyOpen) {
			t.Errorf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
	checkVaultInvariant(t, p, admin, mintM)
}

func TestEventsEmittedOnCommitOnly(t *testing.T) {
	p, tokens := newTestProcessor(t)

	var events []Event
	p.SetEventHandler(func(ev Event) { events = append(events, ev) })

	p.Init(admin)
	tokens.Mint(maker, mintM, 1000)
	p.CreateOrder(admin, maker, Buy, 1000, 1, mintM)
	p.CreateOrder(admin, maker, Buy, 1000, 1, mintM) // rejected: already open
	p.CancelOrder(admin, maker, 1000)

	want := []EventType{EventInit, EventCreated, EventCancelled}
	if len(events) != len(want) {
		t.Fatalf("got %d events, want %d", len(events), len(want))
	}
	for i, ev := range events {
		if ev.Type != want[i] {
			t.Errorf("event[%d] = %s, want %s", i, ev.Type, want[i])
		}
	}
}
