// Package ledger provides a simple financial ledger for the aspect example
// application. Every ledger operation is declared as an interception target
// in the "ledger" scope, and the HTTP handlers call the operations through
// those targets, so advices woven at startup (logging, metrics, tracing, or a
// mock installed at runtime) apply without touching this package.
//
// The HTTP handlers cover:
//   - Account creation with initial balance
//   - Balance queries by account ID
//   - Fund transfers between accounts with validation
package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/chosenoffset/aspect/pkg/aspect"
)

var (
	ErrAccountExists     = errors.New("account already exists")
	ErrAccountNotFound   = errors.New("account not found")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidAmount     = errors.New("invalid amount")
)

// Ledger manages account balances and provides thread-safe operations
type Ledger struct {
	mu       sync.RWMutex
	accounts map[string]float64

	scope         *aspect.Scope
	CreateAccount *aspect.Target
	Balance       *aspect.Target
	Transfer      *aspect.Target
}

// NewLedger creates an empty ledger and declares its operations.
func NewLedger() *Ledger {
	l := &Ledger{
		accounts: make(map[string]float64),
		scope:    aspect.NewScope("ledger"),
	}
	l.CreateAccount = l.scope.Func("CreateAccount", aspect.MustAdapt(l.createAccount))
	l.Balance = l.scope.Func("Balance", aspect.MustAdapt(l.balance))
	l.Transfer = l.scope.Func("Transfer", aspect.MustAdapt(l.transfer))
	l.scope.Func("validate", aspect.MustAdapt(validateAmount))
	return l
}

// Scope returns the scope holding the ledger's targets.
func (l *Ledger) Scope() *aspect.Scope {
	return l.scope
}

func (l *Ledger) createAccount(id string, balance float64) error {
	if balance < 0 {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.accounts[id]; exists {
		return fmt.Errorf("create %s: %w", id, ErrAccountExists)
	}
	l.accounts[id] = balance
	return nil
}

func (l *Ledger) balance(id string) (float64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	balance, ok := l.accounts[id]
	if !ok {
		return 0, fmt.Errorf("balance %s: %w", id, ErrAccountNotFound)
	}
	return balance, nil
}

func validateAmount(amount float64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	return nil
}

func (l *Ledger) transfer(from, to string, amount float64) error {
	if err := validateAmount(amount); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	fromBal, fromOk := l.accounts[from]
	toBal, toOk := l.accounts[to]
	if !fromOk || !toOk {
		return fmt.Errorf("transfer %s -> %s: %w", from, to, ErrAccountNotFound)
	}
	if fromBal < amount {
		return fmt.Errorf("transfer %.2f from %s: %w", amount, from, ErrInsufficientFunds)
	}

	l.accounts[from] = fromBal - amount
	l.accounts[to] = toBal + amount
	return nil
}

// statusOf maps ledger errors to HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, ErrAccountExists):
		return http.StatusConflict
	case errors.Is(err, ErrAccountNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInsufficientFunds), errors.Is(err, ErrInvalidAmount):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// CreateAccountRequest is the input for /account
type CreateAccountRequest struct {
	ID      string  `json:"id"`
	Balance float64 `json:"balance"`
}

func (l *Ledger) HandleCreateAccount(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req CreateAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	if _, err := l.CreateAccount.Call(r.Context(), req.ID, req.Balance); err != nil {
		http.Error(w, err.Error(), statusOf(err))
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (l *Ledger) HandleGetBalance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "missing id", http.StatusBadRequest)
		return
	}

	balance, err := l.Balance.Call(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), statusOf(err))
		return
	}
	fmt.Fprintf(w, "%.2f", balance)
}

type TransferRequest struct {
	From   string  `json:"from"`
	To     string  `json:"to"`
	Amount float64 `json:"amount"`
}

func (l *Ledger) HandleTransfer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req TransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	if _, err := l.Transfer.Call(r.Context(), req.From, req.To, req.Amount); err != nil {
		http.Error(w, err.Error(), statusOf(err))
		return
	}
	w.WriteHeader(http.StatusOK)
}
