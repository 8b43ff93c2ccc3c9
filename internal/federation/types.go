// Package federation implements inter-cell transfers through each cell's
// internal clearing-account member, exposure-capped bilateral links, and
// quarantine severability when a peer cell becomes untrustworthy or
// unreachable.
package federation

import (
	"errors"
	"fmt"
	"time"
)

// ClearingAccountID returns the reserved member id a cell's own ledger
// uses to track its net external claim. balance(clearing) = -position
// at all times, which is how federation flows stay inside the ledger's
// ordinary conservation invariant.
func ClearingAccountID(cellID string) string {
	return fmt.Sprintf("__clearing__:%s", cellID)
}

// LinkStatus is a bilateral link's lifecycle state.
type LinkStatus string

const (
	LinkPending   LinkStatus = "pending"
	LinkActive    LinkStatus = "active"
	LinkSuspended LinkStatus = "suspended"
)

// Link is a bilateral federation relationship between two cells. The
// exposure cap itself is a per-cell quantity (FederationParams.BaseBeta);
// a Link only tracks the relationship's lifecycle and its running
// bilateral position for reporting.
type Link struct {
	ID            string
	CellA         string
	CellB         string
	Status        LinkStatus
	BilateralAB   int64 // net units A has sent to B since establishment (can be negative)
	EstablishedAt time.Time
	LastContactAt time.Time // last successful transfer leg over this link, either direction
	ProposedBy    string
}

// FederationParams holds a cell's own federation configuration: its base
// exposure-cap fraction before the Emergency beta factor is applied.
type FederationParams struct {
	BaseBeta float64
}

// OtherCell returns the link's far side from the perspective of cellID.
func (l Link) OtherCell(cellID string) (string, bool) {
	switch cellID {
	case l.CellA:
		return l.CellB, true
	case l.CellB:
		return l.CellA, true
	default:
		return "", false
	}
}

// TransferStatus is the lifecycle state of an inter-cell transfer.
type TransferStatus string

const (
	TransferCompleted  TransferStatus = "completed"
	TransferRolledBack TransferStatus = "rolled_back"
	TransferFailed     TransferStatus = "failed"
)

// TransferRecord is kept for idempotency: a duplicate transaction id
// arriving at the target is a no-op that returns the prior result
// instead of re-applying the transfer.
type TransferRecord struct {
	TransactionID string
	SourceCell    string
	TargetCell    string
	Payer         string
	Payee         string
	Amount        int64
	Status        TransferStatus
	CompletedAt   time.Time
}

// QuarantineReason explains why a cell was quarantined.
type QuarantineReason string

const (
	QuarantineCapBreach      QuarantineReason = "cap_breach"
	QuarantineEmergencyPanic QuarantineReason = "emergency_panic"
	QuarantineSyncTimeout    QuarantineReason = "sync_timeout"
	QuarantineManual         QuarantineReason = "manual_suspension"
)

// MaxSyncDelay is the longest an active link may go without a
// successful transfer leg before the quieter side is treated as
// unreachable and quarantined for sync timeout.
const MaxSyncDelay = 24 * time.Hour

// Errors.
var (
	ErrLinkNotFound         = errors.New("federation link not found")
	ErrLinkNotPending       = errors.New("link is not pending acceptance")
	ErrLinkNotActive        = errors.New("link is not active")
	ErrLinkAlreadyExists    = errors.New("a link already exists between these cells")
	ErrSameCell             = errors.New("a cell cannot federate with itself")
	ErrPayerNotActive       = errors.New("payer not active")
	ErrPayeeNotActive       = errors.New("payee not active")
	ErrInsufficientCapacity = errors.New("payer lacks capacity for this amount")
	ErrExposureCapExceeded  = errors.New("transfer would exceed the bilateral exposure cap")
	ErrFederationFrozen     = errors.New("federation is frozen for this cell")
	ErrSourceQuarantined    = errors.New("source cell is quarantined")
	ErrTargetQuarantined    = errors.New("target cell is quarantined")
	ErrInvalidAmount        = errors.New("amount must be greater than zero")
	ErrTargetRejected       = errors.New("target cell rejected the transfer")
	ErrStorageError         = errors.New("storage error")
)
