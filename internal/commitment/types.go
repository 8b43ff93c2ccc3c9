// Package commitment implements the commitment engine: future-dated
// bilateral obligations that settle into a transaction, either Soft
// (no capacity lock) or Escrowed (locks promisor reserve from
// acceptance through fulfilment or cancellation).
package commitment

import (
	"errors"
	"time"
)

// Kind distinguishes a Soft commitment (no reserve lock) from an
// Escrowed one (locks promisor capacity for the life of the commitment).
type Kind string

const (
	KindSoft     Kind = "soft"
	KindEscrowed Kind = "escrowed"
)

// Category is one of the nine enumerated task categories a commitment
// may fall under.
type Category string

const (
	CategoryChildcare   Category = "childcare"
	CategoryEldercare   Category = "eldercare"
	CategoryHomeRepair  Category = "home_repair"
	CategoryTransport   Category = "transport"
	CategoryFoodPrep    Category = "food_prep"
	CategoryTutoring    Category = "tutoring"
	CategoryGardening   Category = "gardening"
	CategoryTechSupport Category = "tech_support"
	CategoryOther       Category = "other"
)

var validCategories = map[Category]bool{
	CategoryChildcare:   true,
	CategoryEldercare:   true,
	CategoryHomeRepair:  true,
	CategoryTransport:   true,
	CategoryFoodPrep:    true,
	CategoryTutoring:    true,
	CategoryGardening:   true,
	CategoryTechSupport: true,
	CategoryOther:       true,
}

// IsValidCategory reports whether c is one of the nine enumerated
// categories.
func IsValidCategory(c Category) bool {
	return validCategories[c]
}

// Status is a commitment's lifecycle state.
type Status string

const (
	StatusProposed  Status = "proposed"
	StatusActive    Status = "active"
	StatusFulfilled Status = "fulfilled"
	StatusCancelled Status = "cancelled"
	StatusDisputed  Status = "disputed"
)

// legalTransitions mirrors the ledger's status-transition idiom: a
// small explicit table instead of scattered if-chains.
var legalTransitions = map[Status]map[Status]bool{
	StatusProposed: {StatusActive: true, StatusCancelled: true},
	StatusActive:   {StatusFulfilled: true, StatusCancelled: true, StatusDisputed: true},
	StatusDisputed: {StatusFulfilled: true, StatusCancelled: true},
}

// Commitment is a future-dated bilateral obligation.
type Commitment struct {
	ID          string
	CellID      string
	Kind        Kind
	Promisor    string
	Promisee    string
	Value       int64
	Category    Category
	Description string
	Due         *time.Time

	Status Status

	CreatedAt   time.Time
	AcceptedAt  *time.Time
	FulfilledAt *time.Time
	CancelledAt *time.Time

	// Dispute/cancellation bookkeeping.
	DisputeReason   string
	CancelReason    string
	CancelInitiator string
	ConfirmedBy     string
	Rating          *int
	Notes           string
}

// Errors.
var (
	ErrCommitmentNotFound      = errors.New("commitment not found")
	ErrSamePromisorPromisee    = errors.New("promisor and promisee must be distinct")
	ErrInvalidValue            = errors.New("value must be greater than zero")
	ErrInvalidCategory         = errors.New("category must be one of the nine enumerated categories")
	ErrPromisorNotActive       = errors.New("promisor not active")
	ErrPromiseeNotActive       = errors.New("promisee not active")
	ErrInsufficientCapacity    = errors.New("promisor lacks capacity for this escrowed value")
	ErrInvalidStatusTransition = errors.New("invalid commitment status transition")
	ErrNotPromisee             = errors.New("only the promisee may confirm fulfilment")
	ErrCancelNotAuthorized     = errors.New("caller is not authorized to cancel this commitment")
	ErrNoDisputeResolution     = errors.New("no dispute resolution available from governance")
	ErrStorageError            = errors.New("storage error")
)

func canTransition(from, to Status) bool {
	allowed, ok := legalTransitions[from]
	return ok && allowed[to]
}
