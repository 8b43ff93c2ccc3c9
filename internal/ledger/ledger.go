// Package ledger implements the cell's balance/reserve engine: the single
// source of truth for member entries, their conservation, floor, and
// escrow-safety invariants, and the append-only event log those mutations
// produce.
package ledger

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/cellcredit/cell/internal/clockutil"
	"github.com/cellcredit/cell/internal/idgen"
	"github.com/cellcredit/cell/internal/metrics"
	"github.com/cellcredit/cell/internal/pagination"
	"github.com/cellcredit/cell/internal/syncutil"
	"github.com/cellcredit/cell/internal/traces"
)

// Ledger is the cell's balance/reserve engine. Every mutating method
// acquires the cell's slot in the Ledger's ContextShardedMutex for its entire
// duration, realizing the single logical critical section per cell_id
// required by spec.md §5.
type Ledger struct {
	store  Store
	events EventStore
	clock  clockutil.Clock
	locks  *syncutil.ContextShardedMutex
}

// New creates a Ledger over the given Store and EventStore.
func New(store Store, events EventStore, clock clockutil.Clock) *Ledger {
	if clock == nil {
		clock = clockutil.System
	}
	return &Ledger{
		store:  store,
		events: events,
		clock:  clock,
		locks:  syncutil.NewContextShardedMutex(),
	}
}

// CreateCell registers a new cell with the given parameters.
func (l *Ledger) CreateCell(ctx context.Context, cellID string, params CellParams) error {
	ctx, span := traces.StartSpan(ctx, "ledger.create_cell", traces.CellID(cellID))
	defer span.End()
	return l.store.CreateCell(ctx, cellID, params)
}

// AddMember creates an Active entry with balance=reserve=0 and the
// requested limit clamped to [min_limit, max_limit]. Fails with
// ErrMemberAlreadyExists if id exists.
func (l *Ledger) AddMember(ctx context.Context, cellID, memberID string, initialLimit *int64) (Member, error) {
	ctx, span := traces.StartSpan(ctx, "ledger.add_member", traces.CellID(cellID), traces.Member(memberID))
	defer span.End()

	unlock, err := l.locks.LockContext(ctx, cellID)
	if err != nil {
		return Member{}, err
	}
	defer unlock()

	if _, err := l.store.GetMember(ctx, cellID, memberID); err == nil {
		return Member{}, ErrMemberAlreadyExists
	}

	params, err := l.store.GetCellParams(ctx, cellID)
	if err != nil {
		return Member{}, fmt.Errorf("%w: %v", ErrStorageError, err)
	}

	limit := params.DefaultLimit
	if initialLimit != nil {
		limit = *initialLimit
	}
	limit = clamp(limit, params.MinLimit, params.MaxLimit)

	now := l.clock.Now()
	m := Member{
		ID:           memberID,
		Balance:      0,
		Limit:        limit,
		Reserve:      0,
		Status:       StatusActive,
		JoinedAt:     now,
		LastActivity: now,
	}

	if err := l.store.PutMember(ctx, cellID, m); err != nil {
		return Member{}, fmt.Errorf("%w: %v", ErrStorageError, err)
	}

	if err := l.appendEvent(ctx, cellID, "member_added", map[string]any{"member": memberID, "limit": limit}); err != nil {
		return Member{}, err
	}

	return m, nil
}

// RemoveMember removes a member only when balance = 0, reserve = 0, and
// the caller attests there are no active commitments referencing it
// (hasActiveCommitments is supplied by the commitments engine, which owns
// that knowledge — the ledger never stores commitments itself).
func (l *Ledger) RemoveMember(ctx context.Context, cellID, memberID string, hasActiveCommitments bool) error {
	ctx, span := traces.StartSpan(ctx, "ledger.remove_member", traces.CellID(cellID), traces.Member(memberID))
	defer span.End()

	unlock, err := l.locks.LockContext(ctx, cellID)
	if err != nil {
		return err
	}
	defer unlock()

	m, err := l.store.GetMember(ctx, cellID, memberID)
	if err != nil {
		return ErrMemberNotFound
	}
	if m.Balance != 0 || m.Reserve != 0 || hasActiveCommitments {
		return ErrMemberNotRemovable
	}

	if err := l.store.DeleteMember(ctx, cellID, memberID); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageError, err)
	}
	return l.appendEvent(ctx, cellID, "member_removed", map[string]any{"member": memberID})
}

// CanSpend reports whether member is Active and
// balance - reserve - amount >= -limit.
func (l *Ledger) CanSpend(ctx context.Context, cellID, memberID string, amount int64) (bool, error) {
	m, err := l.store.GetMember(ctx, cellID, memberID)
	if err != nil {
		return false, ErrMemberNotFound
	}
	if m.Status != StatusActive {
		return false, nil
	}
	return m.Balance-m.Reserve-amount >= -m.Limit, nil
}

// AvailableCapacity returns limit + balance - reserve.
func (l *Ledger) AvailableCapacity(ctx context.Context, cellID, memberID string) (int64, error) {
	m, err := l.store.GetMember(ctx, cellID, memberID)
	if err != nil {
		return 0, ErrMemberNotFound
	}
	return m.Limit + m.Balance - m.Reserve, nil
}

// GetMember returns a copy of a member's current entry.
func (l *Ledger) GetMember(ctx context.Context, cellID, memberID string) (Member, error) {
	m, err := l.store.GetMember(ctx, cellID, memberID)
	if err != nil {
		return Member{}, ErrMemberNotFound
	}
	return m, nil
}

// ListMembers returns every member entry in a cell, for collaborators
// (e.g. the Emergency engine's policy application) that need to walk
// the full membership rather than look up one id at a time.
func (l *Ledger) ListMembers(ctx context.Context, cellID string) ([]Member, error) {
	members, err := l.store.ListMembers(ctx, cellID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageError, err)
	}
	return members, nil
}

// ApplyBalanceUpdates atomically applies a batch of balance deltas.
// Succeeds only if the deltas sum to zero AND every resulting member
// satisfies I2 (floor) and, if enforce_escrow_safety, I4 (escrow safety),
// with I3 (reserve >= 0) preserved. On any failure, no change is made.
// Returns the event's sequence number on success.
func (l *Ledger) ApplyBalanceUpdates(ctx context.Context, cellID string, updates []BalanceUpdate) (int64, error) {
	ctx, span := traces.StartSpan(ctx, "ledger.apply_balance_updates", traces.CellID(cellID))
	defer span.End()

	unlock, err := l.locks.LockContext(ctx, cellID)
	if err != nil {
		return 0, err
	}
	defer unlock()

	if len(updates) == 0 {
		return 0, ErrInvalidAmount
	}

	var sum int64
	for _, u := range updates {
		sum += u.Delta
	}
	if sum != 0 {
		return 0, ErrConservationViolation
	}

	params, err := l.store.GetCellParams(ctx, cellID)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStorageError, err)
	}

	// Load, validate, and stage every touched member before writing any
	// of them back — no partial mutation on any failure path.
	staged := make(map[string]Member, len(updates))
	for _, u := range updates {
		m, ok := staged[u.Member]
		if !ok {
			m, err = l.store.GetMember(ctx, cellID, u.Member)
			if err != nil {
				return 0, ErrMemberNotFound
			}
		}
		m.Balance += u.Delta
		staged[u.Member] = m
	}

	for _, m := range staged {
		if m.Balance < -m.Limit {
			return 0, ErrFloorViolation
		}
		if m.Reserve < 0 {
			return 0, ErrNegativeReserve
		}
		if params.EnforceEscrowSafety && m.Balance-m.Reserve < -m.Limit {
			return 0, ErrEscrowViolation
		}
	}

	now := l.clock.Now()
	for id, m := range staged {
		m.LastActivity = now
		staged[id] = m
		if err := l.store.PutMember(ctx, cellID, m); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrStorageError, err)
		}
	}
	_ = l.store.SetLastUpdated(ctx, cellID, now)

	seq, err := l.appendEventSeq(ctx, cellID, "balance_update", map[string]any{"updates": updates})
	if err != nil {
		return 0, err
	}

	return seq, nil
}

// ApplyReserveUpdate adjusts one member's reserve atomically, preserving
// I3 (reserve >= 0) and, if enforce_escrow_safety, I4.
func (l *Ledger) ApplyReserveUpdate(ctx context.Context, cellID string, update ReserveUpdate) (int64, error) {
	ctx, span := traces.StartSpan(ctx, "ledger.apply_reserve_update", traces.CellID(cellID), traces.Member(update.Member))
	defer span.End()

	unlock, err := l.locks.LockContext(ctx, cellID)
	if err != nil {
		return 0, err
	}
	defer unlock()

	params, err := l.store.GetCellParams(ctx, cellID)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStorageError, err)
	}

	m, err := l.store.GetMember(ctx, cellID, update.Member)
	if err != nil {
		return 0, ErrMemberNotFound
	}

	m.Reserve += update.Delta
	if m.Reserve < 0 {
		return 0, ErrNegativeReserve
	}
	if params.EnforceEscrowSafety && m.Balance-m.Reserve < -m.Limit {
		return 0, ErrEscrowViolation
	}

	m.LastActivity = l.clock.Now()
	if err := l.store.PutMember(ctx, cellID, m); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStorageError, err)
	}

	return l.appendEventSeq(ctx, cellID, "reserve_update", map[string]any{
		"member":        update.Member,
		"delta":         update.Delta,
		"reason":        update.Reason,
		"commitment_id": update.CommitmentID,
	})
}

// UpdateMemberLimit clamps new_limit to [min_limit, max_limit] and applies
// it. Lowering a limit below the current -balance is permitted: the floor
// is evaluated on future mutations, not retroactively enforced.
func (l *Ledger) UpdateMemberLimit(ctx context.Context, cellID, memberID string, newLimit int64) (int64, error) {
	ctx, span := traces.StartSpan(ctx, "ledger.update_member_limit", traces.CellID(cellID), traces.Member(memberID))
	defer span.End()

	unlock, err := l.locks.LockContext(ctx, cellID)
	if err != nil {
		return 0, err
	}
	defer unlock()

	params, err := l.store.GetCellParams(ctx, cellID)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStorageError, err)
	}

	m, err := l.store.GetMember(ctx, cellID, memberID)
	if err != nil {
		return 0, ErrMemberNotFound
	}

	clamped := clamp(newLimit, params.MinLimit, params.MaxLimit)
	m.Limit = clamped
	m.LastActivity = l.clock.Now()

	if err := l.store.PutMember(ctx, cellID, m); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStorageError, err)
	}

	if _, err := l.appendEventSeq(ctx, cellID, "limit_adjusted", map[string]any{"member": memberID, "new_limit": clamped}); err != nil {
		return 0, err
	}
	return clamped, nil
}

// UpdateMemberStatus transitions a member's status if the transition is
// legal. Non-Active members cannot appear as payer/payee in new spot
// transactions or promisor/promisee in new commitments, but existing
// reserves and balances are preserved.
func (l *Ledger) UpdateMemberStatus(ctx context.Context, cellID, memberID string, newStatus MemberStatus) error {
	ctx, span := traces.StartSpan(ctx, "ledger.update_member_status", traces.CellID(cellID), traces.Member(memberID))
	defer span.End()

	unlock, err := l.locks.LockContext(ctx, cellID)
	if err != nil {
		return err
	}
	defer unlock()

	m, err := l.store.GetMember(ctx, cellID, memberID)
	if err != nil {
		return ErrMemberNotFound
	}

	if !legalStatusTransitions[m.Status][newStatus] {
		return ErrInvalidStatusTransition
	}

	m.Status = newStatus
	m.LastActivity = l.clock.Now()
	if err := l.store.PutMember(ctx, cellID, m); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageError, err)
	}

	return l.appendEvent(ctx, cellID, "status_changed", map[string]any{"member": memberID, "status": string(newStatus)})
}

// Statistics computes the cell-wide statistics from spec.md §4.1.
func (l *Ledger) Statistics(ctx context.Context, cellID string) (Statistics, error) {
	_, span := traces.StartSpan(ctx, "ledger.statistics", traces.CellID(cellID))
	defer span.End()

	params, err := l.store.GetCellParams(ctx, cellID)
	if err != nil {
		return Statistics{}, fmt.Errorf("%w: %v", ErrStorageError, err)
	}
	members, err := l.store.ListMembers(ctx, cellID)
	if err != nil {
		return Statistics{}, fmt.Errorf("%w: %v", ErrStorageError, err)
	}

	var stats Statistics
	stats.MemberCount = len(members)

	var balanceSum int64
	var posSum, negSum int64
	var floorMass float64
	balances := make([]float64, 0, len(members))

	for _, m := range members {
		balanceSum += m.Balance
		if m.Balance > 0 {
			posSum += m.Balance
		} else if m.Balance < 0 {
			negSum += m.Balance
		}
		stats.TotalReserved += m.Reserve
		if m.Status == StatusActive {
			stats.ActiveMemberCount++
			stats.AggregateCapacity += m.Limit
		}
		rho := params.FloorMassRho
		if rho <= 0 {
			rho = 0.8
		}
		if m.Limit > 0 && float64(m.Balance) <= -rho*float64(m.Limit) {
			floorMass += float64(m.Limit)
		}
		balances = append(balances, float64(m.Balance))
	}

	stats.BalanceSum = balanceSum
	stats.PositiveSum = posSum
	stats.NegativeSum = negSum
	stats.FloorMass = floorMass
	stats.BalanceVariance = variance(balances)

	if balanceSum != 0 {
		metrics.LedgerBalanceSumDeviation.WithLabelValues(cellID).Set(math.Abs(float64(balanceSum)))
	} else {
		metrics.LedgerBalanceSumDeviation.WithLabelValues(cellID).Set(0)
	}
	metrics.LedgerReserveLockedTotal.WithLabelValues(cellID).Set(float64(stats.TotalReserved))

	return stats, nil
}

// GetHistory returns a page of a cell's event log, ordered oldest-first,
// using the shared cursor-based pagination idiom.
func (l *Ledger) GetHistory(ctx context.Context, cellID string, limit int, cursor string) ([]Event, string, error) {
	all, err := l.events.GetEvents(ctx, cellID)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrStorageError, err)
	}

	after, err := pagination.Decode(cursor)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}

	candidates := all
	if after != nil {
		candidates = candidates[:0:0]
		passed := false
		for _, e := range all {
			if passed {
				candidates = append(candidates, e)
				continue
			}
			if e.ID == after.ID {
				passed = true
			}
		}
	}

	if limit <= 0 {
		limit = 50
	}
	window := candidates
	if len(window) > limit+1 {
		window = window[:limit+1]
	}

	items, next, _ := pagination.ComputePage(window, limit, func(e Event) (time.Time, string) {
		return e.Timestamp, e.ID
	})
	return items, next, nil
}

func (l *Ledger) appendEvent(ctx context.Context, cellID, eventType string, payload map[string]any) error {
	_, err := l.appendEventSeq(ctx, cellID, eventType, payload)
	return err
}

func (l *Ledger) appendEventSeq(ctx context.Context, cellID, eventType string, payload map[string]any) (int64, error) {
	seq, err := l.store.NextSequence(ctx, cellID)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStorageError, err)
	}
	ev := Event{
		ID:             idgen.WithPrefix("evt_"),
		CellID:         cellID,
		Type:           eventType,
		SequenceNumber: seq,
		Timestamp:      l.clock.Now(),
		Payload:        payload,
	}
	if err := l.events.AppendEvent(ctx, ev); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStorageError, err)
	}
	return seq, nil
}

func clamp(v, min, max int64) int64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func variance(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var mean float64
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))

	var sumSq float64
	for _, x := range xs {
		d := x - mean
		sumSq += d * d
	}
	return sumSq / float64(len(xs))
}
