package ledger

import (
	"errors"
	"time"
)

// MemberStatus is the lifecycle state of a member entry within a cell.
type MemberStatus string

const (
	StatusPending   MemberStatus = "pending"
	StatusProbation MemberStatus = "probation"
	StatusActive    MemberStatus = "active"
	StatusFrozen    MemberStatus = "frozen"
	StatusExcluded  MemberStatus = "excluded"
)

// legalStatusTransitions enumerates the status changes update_member_status
// will accept. Any pair not present here is rejected.
var legalStatusTransitions = map[MemberStatus]map[MemberStatus]bool{
	StatusPending:   {StatusProbation: true, StatusActive: true, StatusExcluded: true},
	StatusProbation: {StatusActive: true, StatusFrozen: true, StatusExcluded: true},
	StatusActive:    {StatusFrozen: true, StatusProbation: true, StatusExcluded: true},
	StatusFrozen:    {StatusActive: true, StatusExcluded: true},
	StatusExcluded:  {},
}

// Member is one member's entry within a cell's ledger. The clearing
// account used by internal/federation is an ordinary Member with a
// reserved id (see federation.ClearingAccountID) — it participates in
// conservation (I1) like any other entry but is never a spot-transaction
// or commitment principal.
type Member struct {
	ID           string
	Balance      int64
	Limit        int64
	Reserve      int64
	Status       MemberStatus
	JoinedAt     time.Time
	LastActivity time.Time
}

// CellParams are the per-cell configuration parameters from the data
// model: default_limit, min_limit, max_limit, enforce_escrow_safety.
type CellParams struct {
	DefaultLimit        int64
	MinLimit            int64
	MaxLimit            int64
	EnforceEscrowSafety bool
	// FloorMassRho is ρ in the floor-mass statistic: members whose
	// balance <= -ρ*limit contribute their limit to floor_mass.
	FloorMassRho float64
}

// DefaultCellParams returns parameters matching spec.md's stated defaults.
func DefaultCellParams() CellParams {
	return CellParams{
		DefaultLimit:        1000,
		MinLimit:            0,
		MaxLimit:            1_000_000,
		EnforceEscrowSafety: true,
		FloorMassRho:        0.8,
	}
}

// Reason tags why a balance or reserve delta occurred, for the event log
// and for statistics/audit surfaces. Engines pass their own reason
// strings (e.g. "spot_executed", "commitment_fulfilled", "federation_leg");
// these constants cover ledger-internal adjustments.
type Reason string

const (
	ReasonLimitAdjustment Reason = "limit_adjustment"
	ReasonStatusChange    Reason = "status_change"
)

// BalanceUpdate is one entry of an apply_balance_updates batch.
type BalanceUpdate struct {
	Member string
	Delta  int64
	Reason Reason
	Ref    string // optional reference, e.g. a transaction or commitment id
}

// ReserveUpdate is the argument to apply_reserve_update.
type ReserveUpdate struct {
	Member       string
	Delta        int64
	Reason       Reason
	CommitmentID string
}

// Statistics is the snapshot returned by Ledger.Statistics.
type Statistics struct {
	MemberCount       int
	ActiveMemberCount int
	AggregateCapacity int64 // Λ: sum of limits over every active member, including any clearing account — federation.ExposureCap subtracts the clearing account's own limit back out
	FloorMass         float64
	BalanceVariance   float64
	TotalReserved     int64
	BalanceSum        int64
	PositiveSum       int64
	NegativeSum       int64
}

// Failure outcomes. Every mutating Ledger call returns one of these
// sentinels (or nil) rather than an ad hoc error, per spec.md §4.1's
// tagged-outcome failure semantics. Where extra detail is attached, the
// sentinel is wrapped via fmt.Errorf("...: %w", ErrFoo).
var (
	ErrConservationViolation = errors.New("conservation violation")
	ErrFloorViolation        = errors.New("floor violation")
	ErrEscrowViolation       = errors.New("escrow safety violation")
	ErrNegativeReserve       = errors.New("negative reserve")
	ErrMemberNotFound        = errors.New("member not found")
	ErrMemberNotActive       = errors.New("member not active")
	ErrMemberAlreadyExists   = errors.New("member already exists")
	ErrInvalidAmount         = errors.New("invalid amount")
	ErrStorageError          = errors.New("storage error")
	ErrMemberNotRemovable    = errors.New("member has nonzero balance, reserve, or active commitments")
	ErrInvalidStatusTransition = errors.New("invalid member status transition")
)
