package escrow

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Pebble key schema. Books are keyed by their derived address so any client
// holding only the admin identity can re-derive the lookup key.
const prefixBook = "book:"

// bookKey returns the key for an order-book record.
// Format: "book:{address}"
func bookKey(addr common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s", prefixBook, addr.Hex()))
}
