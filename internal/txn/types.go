// Package txn implements the spot-transaction engine: the
// create_spot → sign_as_payer → sign_as_payee → execute lifecycle, and the
// offline queue that replays transactions created while the ledger was
// unreachable.
package txn

import (
	"errors"
	"time"
)

// Status is a spot transaction's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusReady     Status = "ready"
	StatusExecuted  Status = "executed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Transaction is a spot transfer between two members of the same cell.
type Transaction struct {
	ID          string
	CellID      string
	Payer       string
	Payee       string
	Amount      int64
	Description string
	Nonce       string
	CreatedAt   time.Time
	ExecutedAt  *time.Time
	Status      Status
	PayerSig    []byte
	PayeeSig    []byte

	// Offline queue bookkeeping.
	QueuedAt   *time.Time
	Attempts   int
	LastError  string
}

// Errors. Every mutating call returns one of these sentinels, matching
// the ledger's tagged-outcome idiom.
var (
	ErrTransactionNotFound     = errors.New("transaction not found")
	ErrSamePayerPayee          = errors.New("payer and payee must be distinct")
	ErrInvalidAmount           = errors.New("amount must be greater than zero")
	ErrDuplicateID             = errors.New("transaction id already exists")
	ErrPayerNotActive          = errors.New("payer not active")
	ErrPayeeNotActive          = errors.New("payee not active")
	ErrInvalidPayerSignature   = errors.New("invalid payer signature")
	ErrInvalidPayeeSignature   = errors.New("invalid payee signature")
	ErrNotReady                = errors.New("transaction is not ready for execution")
	ErrInsufficientCapacity    = errors.New("payer lacks capacity for this amount")
	ErrAlreadyTerminal         = errors.New("transaction already in a terminal state")
	ErrStorageError            = errors.New("storage error")
)
