package escrow

import "errors"

// Order lifecycle error taxonomy. Every precondition violation aborts the
// whole instruction; callers get the specific kind so a retrying client can
// tell "order already open, retry later" from "not authorized".
var (
	ErrAlreadyInitialized = errors.New("order book already initialized")
	ErrNotInitialized     = errors.New("order book not initialized")
	ErrOrderAlreadyOpen   = errors.New("an order is already open")
	ErrNoActiveOrder      = errors.New("no active order")
	ErrNotOrderOwner      = errors.New("caller is not the order owner")
	ErrInvalidAmount      = errors.New("amount and price must be positive")
	ErrAmountMismatch     = errors.New("amount does not match escrowed amount")
	ErrPriceOverflow      = errors.New("amount * price overflows uint64")
	ErrVersionConflict    = errors.New("order book version conflict")
)
