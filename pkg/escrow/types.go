package escrow

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Side is the direction of an order from the maker's point of view.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// Valid reports whether s is one of the two known sides.
func (s Side) Valid() bool {
	return s == Buy || s == Sell
}

// ParseSide converts a wire string into a Side.
func ParseSide(raw string) (Side, error) {
	s := Side(raw)
	if !s.Valid() {
		return "", fmt.Errorf("unknown side %q", raw)
	}
	return s, nil
}

// Order is the single active order embedded in an order book while open.
// Amount and Price are set once at creation and read-only thereafter:
// Amount in base units of TokenMint, Price in base units of the
// counter-token per base unit of TokenMint. Both are > 0.
type Order struct {
	Maker     common.Address `json:"maker"`
	Side      Side           `json:"side"`
	Amount    uint64         `json:"amount"`
	Price     uint64         `json:"price"`
	TokenMint common.Address `json:"tokenMint"`
}

// OrderBook is the per-admin record tracking at most one open order.
// Active is nil immediately after Init and after every successful take or
// cancel; it is non-nil only between a successful create and its
// resolution.
//
// Version is the optimistic-concurrency token: it increments on every
// committed transition and Store.PutBook rejects a write whose expected
// version no longer matches the persisted one.
type OrderBook struct {
	Address     common.Address `json:"address"`
	Admin       common.Address `json:"admin"`
	Initialized bool           `json:"initialized"`
	Active      *Order         `json:"active,omitempty"`
	Version     uint64         `json:"version"`
}

// VaultAddress returns the escrow-vault address for the given mint.
func (b *OrderBook) VaultAddress(mint common.Address) common.Address {
	return DeriveVaultAddress(b.Address, mint)
}

// Clone returns a deep copy. Transitions mutate a copy and publish it only
// after the batch commits, so readers never observe a half-applied book.
func (b *OrderBook) Clone() *OrderBook {
	out := *b
	if b.Active != nil {
		active := *b.Active
		out.Active = &active
	}
	return &out
}

// EventType identifies an order lifecycle event.
type EventType string

const (
	EventInit      EventType = "init"
	EventCreated   EventType = "order_created"
	EventTaken     EventType = "order_taken"
	EventCancelled EventType = "order_cancelled"
)

// Event is the observability record emitted after a transition commits.
// It mirrors committed state; it is never a source of truth.
type Event struct {
	Type          EventType      `json:"type"`
	Book          common.Address `json:"book"`
	Admin         common.Address `json:"admin"`
	Maker         common.Address `json:"maker,omitempty"`
	Taker         common.Address `json:"taker,omitempty"`
	Side          Side           `json:"side,omitempty"`
	Amount        uint64         `json:"amount,omitempty"`
	Price         uint64         `json:"price,omitempty"`
	TokenMint     common.Address `json:"tokenMint,omitempty"`
	CounterMint   common.Address `json:"counterMint,omitempty"`
	CounterAmount uint64         `json:"counterAmount,omitempty"`
	Version       uint64         `json:"version"`
	Timestamp     int64          `json:"timestamp"` // Unix milliseconds
}
