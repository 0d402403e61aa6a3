package instruction

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
)

// Type identifies one of the four lifecycle instructions.
type Type string

const (
	TypeInit        Type = "init"
	TypeCreateOrder Type = "create_order"
	TypeTakeOrder   Type = "take_order"
	TypeCancelOrder Type = "cancel_order"
)

// SignedInstruction is the wire form of one lifecycle instruction: a tagged
// union of the four payload kinds plus a 65-byte [R || S || V] signature
// over the payload's canonical message, hex encoded.
type SignedInstruction struct {
	Type      Type           `json:"type"`
	Init      *InitPayload   `json:"init,omitempty"`
	Create    *CreatePayload `json:"create,omitempty"`
	Take      *TakePayload   `json:"take,omitempty"`
	Cancel    *CancelPayload `json:"cancel,omitempty"`
	Signature string         `json:"signature"` // 0x-prefixed hex
}

// Amounts ride as decimal strings so the wire format survives JSON number
// precision limits (uint64 does not fit in a float64 mantissa).

// InitPayload creates the order-book record for an admin identity.
type InitPayload struct {
	Admin string `json:"admin"` // 0x address, must sign
	Nonce string `json:"nonce"`
}

// CreatePayload opens the single order slot and escrows maker funds.
type CreatePayload struct {
	Admin     string `json:"admin"` // identifies the book
	Maker     string `json:"maker"` // 0x address, must sign
	Side      string `json:"side"`  // "buy" or "sell"
	Amount    string `json:"amount"`
	Price     string `json:"price"`
	TokenMint string `json:"token_mint"`
	Nonce     string `json:"nonce"`
}

// TakePayload fills the open order in one atomic exchange.
type TakePayload struct {
	Admin       string `json:"admin"`
	Taker       string `json:"taker"` // 0x address, must sign
	CounterMint string `json:"counter_mint"`
	Nonce       string `json:"nonce"`
}

// CancelPayload returns the escrow to the maker and clears the slot.
type CancelPayload struct {
	Admin  string `json:"admin"`
	Owner  string `json:"owner"` // 0x address, must sign; must equal the maker
	Amount string `json:"amount"`
	Nonce  string `json:"nonce"`
}

// Message returns the canonical string that gets keccak-hashed and signed.
func (p *InitPayload) Message() string {
	return fmt.Sprintf("INIT:%s:%s", p.Admin, p.Nonce)
}

func (p *CreatePayload) Message() string {
	return fmt.Sprintf("CREATE:%s:%s:%s:%s:%s:%s:%s",
		p.Admin, p.Maker, p.Side, p.Amount, p.Price, p.TokenMint, p.Nonce)
}

func (p *TakePayload) Message() string {
	return fmt.Sprintf("TAKE:%s:%s:%s:%s", p.Admin, p.Taker, p.CounterMint, p.Nonce)
}

func (p *CancelPayload) Message() string {
	return fmt.Sprintf("CANCEL:%s:%s:%s:%s", p.Admin, p.Owner, p.Amount, p.Nonce)
}

// Serialize converts the instruction to JSON bytes.
func (ins *SignedInstruction) Serialize() ([]byte, error) {
	return json.Marshal(ins)
}

// Deserialize parses JSON bytes into a SignedInstruction.
func Deserialize(data []byte) (*SignedInstruction, error) {
	var ins SignedInstruction
	if err := json.Unmarshal(data, &ins); err != nil {
		return nil, fmt.Errorf("failed to unmarshal instruction: %w", err)
	}
	return &ins, nil
}

// Validate checks structure: exactly the payload matching the tag, parseable
// addresses and amounts, and a present signature.
func (ins *SignedInstruction) Validate() error {
	if ins.Type == "" {
		return fmt.Errorf("missing instruction type")
	}
	if ins.Signature == "" {
		return fmt.Errorf("missing signature")
	}

	switch ins.Type {
	case TypeInit:
		if ins.Init == nil {
			return fmt.Errorf("init type requires init payload")
		}
		return requireAddresses(map[string]string{"admin": ins.Init.Admin})

	case TypeCreateOrder:
		if ins.Create == nil {
			return fmt.Errorf("create_order type requires create payload")
		}
		if err := requireAddresses(map[string]string{
			"admin":      ins.Create.Admin,
			"maker":      ins.Create.Maker,
			"token_mint": ins.Create.TokenMint,
		}); err != nil {
			return err
		}
		if ins.Create.Side != "buy" && ins.Create.Side != "sell" {
			return fmt.Errorf("invalid side: %q", ins.Create.Side)
		}
		if _, err := ParseAmount(ins.Create.Amount); err != nil {
			return fmt.Errorf("invalid amount: %w", err)
		}
		if _, err := ParseAmount(ins.Create.Price); err != nil {
			return fmt.Errorf("invalid price: %w", err)
		}
		return nil

	case TypeTakeOrder:
		if ins.Take == nil {
			return fmt.Errorf("take_order type requires take payload")
		}
		return requireAddresses(map[string]string{
			"admin":        ins.Take.Admin,
			"taker":        ins.Take.Taker,
			"counter_mint": ins.Take.CounterMint,
		})

	case TypeCancelOrder:
		if ins.Cancel == nil {
			return fmt.Errorf("cancel_order type requires cancel payload")
		}
		if err := requireAddresses(map[string]string{
			"admin": ins.Cancel.Admin,
			"owner": ins.Cancel.Owner,
		}); err != nil {
			return err
		}
		if _, err := ParseAmount(ins.Cancel.Amount); err != nil {
			return fmt.Errorf("invalid amount: %w", err)
		}
		return nil

	default:
		return fmt.Errorf("unknown instruction type: %s", ins.Type)
	}
}

// ParseAmount parses a base-10 unsigned amount string.
func ParseAmount(raw string) (uint64, error) {
	if raw == "" {
		return 0, fmt.Errorf("empty amount")
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("not a uint64: %q", raw)
	}
	return v, nil
}

func requireAddresses(fields map[string]string) error {
	for name, raw := range fields {
		if raw == "" {
			return fmt.Errorf("missing %s", name)
		}
		if !common.IsHexAddress(raw) {
			return fmt.Errorf("invalid %s address: %q", name, raw)
		}
	}
	return nil
}
