package api

// API response types for REST endpoints and WebSocket messages.
// Amounts ride as decimal strings (uint64 does not survive JSON float64).

// OrderInfo is the active order embedded in a book snapshot.
type OrderInfo struct {
	Maker     string `json:"maker"`
	Side      string `json:"side"`
	Amount    string `json:"amount"`
	Price     string `json:"price"`
	TokenMint string `json:"tokenMint"`
}

// BookInfo is a committed order-book snapshot.
type BookInfo struct {
	Address     string     `json:"address"`
	Admin       string     `json:"admin"`
	Initialized bool       `json:"initialized"`
	Order       *OrderInfo `json:"order,omitempty"`
	Version     uint64     `json:"version"`
}

// VaultInfo reports the escrow-vault balance for a (book, mint) pair.
type VaultInfo struct {
	Book    string `json:"book"`
	Mint    string `json:"mint"`
	Vault   string `json:"vault"`
	Balance string `json:"balance"`
}

// BalanceInfo reports one holder's balance of one mint.
type BalanceInfo struct {
	Address string `json:"address"`
	Mint    string `json:"mint"`
	Balance string `json:"balance"`
}

// DeriveInfo returns a derived address so clients can locate accounts
// before submitting an instruction.
type DeriveInfo struct {
	Address string `json:"address"`
}

// InstructionResult acknowledges an applied instruction.
type InstructionResult struct {
	Status string   `json:"status"` // always "ok"
	Book   BookInfo `json:"book"`
}

// FaucetRequest funds a holder with dev tokens (mirrors the devnet
// airdrop + mint flow; not part of the escrow core).
type FaucetRequest struct {
	Address string `json:"address"`
	Mint    string `json:"mint"`
	Amount  string `json:"amount"`
}

// ErrorResponse carries the specific error kind so a retrying client can
// distinguish "order already open" from "insufficient funds" from "not
// authorized".
type ErrorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

// WSMessage is the envelope broadcast to websocket subscribers.
type WSMessage struct {
	Channel string      `json:"channel"`
	Data    interface{} `json:"data"`
}
