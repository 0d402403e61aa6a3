package ledger

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Pebble key schema: one record per (holder, mint) token account.
const prefixToken = "tok:"

// tokenKey returns the key for a token account.
// Format: "tok:{holder}:{mint}"
func tokenKey(holder, mint common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixToken, holder.Hex(), mint.Hex()))
}
