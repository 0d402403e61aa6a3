package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/uhyunpark/escrowbook/pkg/escrow"
	"github.com/uhyunpark/escrowbook/pkg/instruction"
	"github.com/uhyunpark/escrowbook/pkg/ledger"
)

const maxInstructionBody = 1 << 16 // 64KB is plenty for any instruction

// Server handles REST API and WebSocket connections.
type Server struct {
	proc   *escrow.Processor
	ledger *ledger.Ledger
	router *mux.Router
	hub    *Hub
	log    *zap.SugaredLogger
}

// NewServer creates a new API server.
func NewServer(proc *escrow.Processor, l *ledger.Ledger, hub *Hub, log *zap.SugaredLogger) *Server {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	s := &Server{
		proc:   proc,
		ledger: l,
		router: mux.NewRouter(),
		hub:    hub,
		log:    log,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Instruction submission
	api.HandleFunc("/instructions", s.handleSubmitInstruction).Methods("POST")

	// Order book queries
	api.HandleFunc("/orderbooks/{admin}", s.handleGetBook).Methods("GET")
	api.HandleFunc("/orderbooks/{admin}/vault/{mint}", s.handleGetVault).Methods("GET")

	// Ledger queries
	api.HandleFunc("/accounts/{address}/balances/{mint}", s.handleGetBalance).Methods("GET")

	// Address derivation for clients locating accounts before submission
	api.HandleFunc("/derive/orderbook/{admin}", s.handleDeriveBook).Methods("GET")
	api.HandleFunc("/derive/vault/{admin}/{mint}", s.handleDeriveVault).Methods("GET")

	// Dev funding convenience
	api.HandleFunc("/faucet", s.handleFaucet).Methods("POST")

	// WebSocket endpoint
	s.router.HandleFunc("/ws", s.handleWebSocket)

	// Health check
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Router exposes the configured handler (used by tests).
func (s *Server) Router() http.Handler {
	return s.router
}

// Start starts the API server.
func (s *Server) Start(addr string) error {
	go s.hub.Run()

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
	})
	handler := c.Handler(s.router)

	s.log.Infow("api_server_starting", "addr", addr)
	return http.ListenAndServe(addr, handler)
}

// ==============================
// REST Handlers
// ==============================

func (s *Server) handleSubmitInstruction(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxInstructionBody))
	if err != nil {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", "failed to read body")
		return
	}

	ins, err := instruction.Deserialize(body)
	if err != nil {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}

	if _, err := instruction.Verify(ins); err != nil {
		respondError(w, http.StatusForbidden, "BAD_SIGNATURE", err.Error())
		return
	}

	book, err := s.dispatch(ins)
	if err != nil {
		status, code := classify(err)
		respondError(w, status, code, err.Error())
		return
	}

	respondJSON(w, InstructionResult{Status: "ok", Book: toBookInfo(book)})
}

// dispatch routes a verified instruction to its lifecycle transition.
// Verify already pinned the signer to the identity each payload declares.
func (s *Server) dispatch(ins *instruction.SignedInstruction) (*escrow.OrderBook, error) {
	switch ins.Type {
	case instruction.TypeInit:
		return s.proc.Init(common.HexToAddress(ins.Init.Admin))

	case instruction.TypeCreateOrder:
		amount, err := instruction.ParseAmount(ins.Create.Amount)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", escrow.ErrInvalidAmount, err)
		}
		price, err := instruction.ParseAmount(ins.Create.Price)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", escrow.ErrInvalidAmount, err)
		}
		return s.proc.CreateOrder(
			common.HexToAddress(ins.Create.Admin),
			common.HexToAddress(ins.Create.Maker),
			escrow.Side(ins.Create.Side),
			amount, price,
			common.HexToAddress(ins.Create.TokenMint),
		)

	case instruction.TypeTakeOrder:
		return s.proc.TakeOrder(
			common.HexToAddress(ins.Take.Admin),
			common.HexToAddress(ins.Take.Taker),
			common.HexToAddress(ins.Take.CounterMint),
		)

	case instruction.TypeCancelOrder:
		amount, err := instruction.ParseAmount(ins.Cancel.Amount)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", escrow.ErrInvalidAmount, err)
		}
		return s.proc.CancelOrder(
			common.HexToAddress(ins.Cancel.Admin),
			common.HexToAddress(ins.Cancel.Owner),
			amount,
		)

	default:
		return nil, fmt.Errorf("unknown instruction type: %s", ins.Type)
	}
}

func (s *Server) handleGetBook(w http.ResponseWriter, r *http.Request) {
	admin, ok := addressVar(w, r, "admin")
	if !ok {
		return
	}

	book, err := s.proc.Book(admin)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	if book == nil {
		respondError(w, http.StatusNotFound, "NOT_INITIALIZED", "order book not initialized")
		return
	}

	respondJSON(w, toBookInfo(book))
}

func (s *Server) handleGetVault(w http.ResponseWriter, r *http.Request) {
	admin, ok := addressVar(w, r, "admin")
	if !ok {
		return
	}
	mint, ok := addressVar(w, r, "mint")
	if !ok {
		return
	}

	balance, err := s.proc.VaultBalance(admin, mint)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}

	book := escrow.DeriveOrderBookAddress(admin)
	respondJSON(w, VaultInfo{
		Book:    book.Hex(),
		Mint:    mint.Hex(),
		Vault:   escrow.DeriveVaultAddress(book, mint).Hex(),
		Balance: fmt.Sprintf("%d", balance),
	})
}

func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	addr, ok := addressVar(w, r, "address")
	if !ok {
		return
	}
	mint, ok := addressVar(w, r, "mint")
	if !ok {
		return
	}

	balance, err := s.ledger.BalanceOf(addr, mint)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}

	respondJSON(w, BalanceInfo{
		Address: addr.Hex(),
		Mint:    mint.Hex(),
		Balance: fmt.Sprintf("%d", balance),
	})
}

func (s *Server) handleDeriveBook(w http.ResponseWriter, r *http.Request) {
	admin, ok := addressVar(w, r, "admin")
	if !ok {
		return
	}
	respondJSON(w, DeriveInfo{Address: escrow.DeriveOrderBookAddress(admin).Hex()})
}

func (s *Server) handleDeriveVault(w http.ResponseWriter, r *http.Request) {
	admin, ok := addressVar(w, r, "admin")
	if !ok {
		return
	}
	mint, ok := addressVar(w, r, "mint")
	if !ok {
		return
	}
	book := escrow.DeriveOrderBookAddress(admin)
	respondJSON(w, DeriveInfo{Address: escrow.DeriveVaultAddress(book, mint).Hex()})
}

func (s *Server) handleFaucet(w http.ResponseWriter, r *http.Request) {
	var req FaucetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	if !common.IsHexAddress(req.Address) || !common.IsHexAddress(req.Mint) {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid address or mint")
		return
	}
	amount, err := instruction.ParseAmount(req.Amount)
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_AMOUNT", err.Error())
		return
	}

	if err := s.ledger.Mint(common.HexToAddress(req.Address), common.HexToAddress(req.Mint), amount); err != nil {
		status, code := classify(err)
		respondError(w, status, code, err.Error())
		return
	}

	balance, err := s.ledger.BalanceOf(common.HexToAddress(req.Address), common.HexToAddress(req.Mint))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}

	respondJSON(w, BalanceInfo{
		Address: common.HexToAddress(req.Address).Hex(),
		Mint:    common.HexToAddress(req.Mint).Hex(),
		Balance: fmt.Sprintf("%d", balance),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

// ==============================
// Helpers
// ==============================

// classify maps a domain error to an HTTP status and a stable error code.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, escrow.ErrAlreadyInitialized):
		return http.StatusConflict, "ALREADY_INITIALIZED"
	case errors.Is(err, escrow.ErrOrderAlreadyOpen):
		return http.StatusConflict, "ORDER_ALREADY_OPEN"
	case errors.Is(err, escrow.ErrNoActiveOrder):
		return http.StatusConflict, "NO_ACTIVE_ORDER"
	case errors.Is(err, escrow.ErrVersionConflict):
		return http.StatusConflict, "VERSION_CONFLICT"
	case errors.Is(err, escrow.ErrNotInitialized):
		return http.StatusNotFound, "NOT_INITIALIZED"
	case errors.Is(err, escrow.ErrNotOrderOwner):
		return http.StatusForbidden, "NOT_ORDER_OWNER"
	case errors.Is(err, ledger.ErrAccountOwnershipMismatch):
		return http.StatusForbidden, "ACCOUNT_OWNERSHIP_MISMATCH"
	case errors.Is(err, escrow.ErrInvalidAmount), errors.Is(err, ledger.ErrInvalidAmount):
		return http.StatusBadRequest, "INVALID_AMOUNT"
	case errors.Is(err, escrow.ErrAmountMismatch):
		return http.StatusBadRequest, "AMOUNT_MISMATCH"
	case errors.Is(err, escrow.ErrPriceOverflow):
		return http.StatusBadRequest, "PRICE_OVERFLOW"
	case errors.Is(err, ledger.ErrBalanceOverflow):
		return http.StatusBadRequest, "BALANCE_OVERFLOW"
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return http.StatusUnprocessableEntity, "INSUFFICIENT_FUNDS"
	default:
		return http.StatusInternalServerError, "INTERNAL"
	}
}

func toBookInfo(book *escrow.OrderBook) BookInfo {
	info := BookInfo{
		Address:     book.Address.Hex(),
		Admin:       book.Admin.Hex(),
		Initialized: book.Initialized,
		Version:     book.Version,
	}
	if book.Active != nil {
		info.Order = &OrderInfo{
			Maker:     book.Active.Maker.Hex(),
			Side:      string(book.Active.Side),
			Amount:    fmt.Sprintf("%d", book.Active.Amount),
			Price:     fmt.Sprintf("%d", book.Active.Price),
			TokenMint: book.Active.TokenMint.Hex(),
		}
	}
	return info
}

func addressVar(w http.ResponseWriter, r *http.Request, name string) (common.Address, bool) {
	raw := mux.Vars(r)[name]
	if !common.IsHexAddress(raw) {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", fmt.Sprintf("invalid %s address: %q", name, raw))
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

func respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, "encoding error", http.StatusInternalServerError)
	}
}

func respondError(w http.ResponseWriter, status int, code, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{Error: code, Detail: detail})
}
