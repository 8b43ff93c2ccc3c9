package commitment

import (
	"context"
	"fmt"

	"github.com/cellcredit/cell/internal/clockutil"
	"github.com/cellcredit/cell/internal/governance"
	"github.com/cellcredit/cell/internal/idgen"
	"github.com/cellcredit/cell/internal/ledger"
	"github.com/cellcredit/cell/internal/metrics"
	"github.com/cellcredit/cell/internal/traces"
)

// Engine drives the commitment lifecycle: Proposed → Active →
// {Fulfilled, Cancelled, Disputed}, with Escrowed commitments locking
// promisor reserve from acceptance through settlement.
type Engine struct {
	store      Store
	ledger     *ledger.Ledger
	governance governance.Authorizer
	clock      clockutil.Clock
}

// New creates a commitment Engine.
func New(store Store, led *ledger.Ledger, gov governance.Authorizer, clock clockutil.Clock) *Engine {
	if clock == nil {
		clock = clockutil.System
	}
	return &Engine{store: store, ledger: led, governance: gov, clock: clock}
}

// Create creates a Proposed commitment. For Escrowed commitments, the
// promisor must currently have enough available capacity to cover value;
// this does not reserve anything yet — the reserve lock happens on
// accept.
func (e *Engine) Create(ctx context.Context, cellID string, kind Kind, promisor, promisee string, value int64, category Category, description string) (Commitment, error) {
	ctx, span := traces.StartSpan(ctx, "commitment.create", traces.CellID(cellID), traces.Amount(value))
	defer span.End()

	if promisor == promisee {
		return Commitment{}, ErrSamePromisorPromisee
	}
	if value <= 0 {
		return Commitment{}, ErrInvalidValue
	}
	if !IsValidCategory(category) {
		return Commitment{}, ErrInvalidCategory
	}
	if err := e.requireActive(ctx, cellID, promisor, ErrPromisorNotActive); err != nil {
		return Commitment{}, err
	}
	if err := e.requireActive(ctx, cellID, promisee, ErrPromiseeNotActive); err != nil {
		return Commitment{}, err
	}
	if kind == KindEscrowed {
		avail, err := e.ledger.AvailableCapacity(ctx, cellID, promisor)
		if err != nil {
			return Commitment{}, err
		}
		if avail < value {
			return Commitment{}, ErrInsufficientCapacity
		}
	}

	c := Commitment{
		ID:          idgen.WithPrefix("cmt_"),
		CellID:      cellID,
		Kind:        kind,
		Promisor:    promisor,
		Promisee:    promisee,
		Value:       value,
		Category:    category,
		Description: description,
		Status:      StatusProposed,
		CreatedAt:   e.clock.Now(),
	}
	if err := e.store.Create(ctx, c); err != nil {
		return Commitment{}, fmt.Errorf("%w: %v", ErrStorageError, err)
	}
	metrics.CommitmentsTotal.WithLabelValues(string(kind), string(StatusProposed)).Inc()
	return c, nil
}

// Accept transitions a Proposed commitment to Active. For Escrowed
// commitments, this is the point the reserve lock actually fires.
func (e *Engine) Accept(ctx context.Context, id, accepter string) (Commitment, error) {
	c, err := e.store.Get(ctx, id)
	if err != nil {
		return Commitment{}, err
	}
	if !canTransition(c.Status, StatusActive) {
		return Commitment{}, ErrInvalidStatusTransition
	}
	if accepter != c.Promisee {
		return Commitment{}, ErrNotPromisee
	}

	if c.Kind == KindEscrowed {
		if _, err := e.ledger.ApplyReserveUpdate(ctx, c.CellID, ledger.ReserveUpdate{Member: c.Promisor, Delta: c.Value}); err != nil {
			return Commitment{}, err
		}
	}

	now := e.clock.Now()
	c.Status = StatusActive
	c.AcceptedAt = &now
	if err := e.store.Update(ctx, c); err != nil {
		return Commitment{}, fmt.Errorf("%w: %v", ErrStorageError, err)
	}
	metrics.CommitmentsTotal.WithLabelValues(string(c.Kind), string(StatusActive)).Inc()
	return c, nil
}

// Confirmation carries the promisee's fulfilment acknowledgement.
type Confirmation struct {
	ConfirmedBy string
	Rating      *int
	Notes       string
}

// Fulfill settles an Active commitment. Only the promisee may confirm.
// For Escrowed commitments the reserve is released and the settlement
// balance update applied; if the balance update is rejected the release
// is reversed, so either both take effect or neither does. For Soft
// commitments only the balance update applies.
func (e *Engine) Fulfill(ctx context.Context, id string, confirmation Confirmation) (Commitment, error) {
	ctx, span := traces.StartSpan(ctx, "commitment.fulfill", traces.CommitmentID(id))
	defer span.End()

	c, err := e.store.Get(ctx, id)
	if err != nil {
		return Commitment{}, err
	}
	if !canTransition(c.Status, StatusFulfilled) {
		return Commitment{}, ErrInvalidStatusTransition
	}
	if confirmation.ConfirmedBy != c.Promisee {
		return Commitment{}, ErrNotPromisee
	}

	if err := e.settle(ctx, c, c.Value); err != nil {
		return Commitment{}, err
	}

	now := e.clock.Now()
	c.Status = StatusFulfilled
	c.FulfilledAt = &now
	c.ConfirmedBy = confirmation.ConfirmedBy
	c.Rating = confirmation.Rating
	c.Notes = confirmation.Notes
	if err := e.store.Update(ctx, c); err != nil {
		return Commitment{}, fmt.Errorf("%w: %v", ErrStorageError, err)
	}
	metrics.CommitmentsTotal.WithLabelValues(string(c.Kind), string(StatusFulfilled)).Inc()
	return c, nil
}

// settle applies the ledger-side effect of fulfilment: c.Value moves from
// promisee to promisor. For Escrowed commitments it first releases the
// reserved units held for the commitment (a failure there aborts before
// any balance is touched); if the balance update is then rejected, the
// release is re-applied before the error is returned, so a failed
// settlement leaves the reserve as it was.
func (e *Engine) settle(ctx context.Context, c Commitment, reserved int64) error {
	if c.Kind == KindEscrowed {
		if _, err := e.ledger.ApplyReserveUpdate(ctx, c.CellID, ledger.ReserveUpdate{Member: c.Promisor, Delta: -reserved}); err != nil {
			return err
		}
	}
	_, err := e.ledger.ApplyBalanceUpdates(ctx, c.CellID, []ledger.BalanceUpdate{
		{Member: c.Promisee, Delta: -c.Value, Reason: "commitment_fulfilled", Ref: c.ID},
		{Member: c.Promisor, Delta: c.Value, Reason: "commitment_fulfilled", Ref: c.ID},
	})
	if err != nil && c.Kind == KindEscrowed {
		_, _ = e.ledger.ApplyReserveUpdate(ctx, c.CellID, ledger.ReserveUpdate{Member: c.Promisor, Delta: reserved})
	}
	return err
}

// Cancel cancels a commitment before it is Fulfilled. For an Active
// Escrowed commitment, the held reserve is released back in full.
// Authorization: promisor or promisee may cancel a Proposed commitment
// unilaterally. An Active commitment may be cancelled by its promisor or
// promisee alone, or by any initiator when governanceApproved is set; the
// other party's consent is not checked. Fulfilled/Cancelled/Disputed
// commitments are rejected with ErrInvalidStatusTransition.
func (e *Engine) Cancel(ctx context.Context, id, reason, initiator string, governanceApproved bool) (Commitment, error) {
	c, err := e.store.Get(ctx, id)
	if err != nil {
		return Commitment{}, err
	}
	if !canTransition(c.Status, StatusCancelled) {
		return Commitment{}, ErrInvalidStatusTransition
	}

	switch c.Status {
	case StatusProposed:
		if initiator != c.Promisor && initiator != c.Promisee {
			return Commitment{}, ErrCancelNotAuthorized
		}
	case StatusActive:
		if !governanceApproved && initiator != c.Promisor && initiator != c.Promisee {
			return Commitment{}, ErrCancelNotAuthorized
		}
	case StatusDisputed:
		return Commitment{}, ErrInvalidStatusTransition
	}

	if c.Status == StatusActive && c.Kind == KindEscrowed {
		if _, err := e.ledger.ApplyReserveUpdate(ctx, c.CellID, ledger.ReserveUpdate{Member: c.Promisor, Delta: -c.Value}); err != nil {
			return Commitment{}, err
		}
	}

	now := e.clock.Now()
	c.Status = StatusCancelled
	c.CancelledAt = &now
	c.CancelReason = reason
	c.CancelInitiator = initiator
	if err := e.store.Update(ctx, c); err != nil {
		return Commitment{}, fmt.Errorf("%w: %v", ErrStorageError, err)
	}
	metrics.CommitmentsTotal.WithLabelValues(string(c.Kind), string(StatusCancelled)).Inc()
	return c, nil
}

// Dispute marks an Active commitment Disputed, pending a governance
// resolution.
func (e *Engine) Dispute(ctx context.Context, id, reason string) (Commitment, error) {
	c, err := e.store.Get(ctx, id)
	if err != nil {
		return Commitment{}, err
	}
	if !canTransition(c.Status, StatusDisputed) {
		return Commitment{}, ErrInvalidStatusTransition
	}
	c.Status = StatusDisputed
	c.DisputeReason = reason
	if err := e.store.Update(ctx, c); err != nil {
		return Commitment{}, fmt.Errorf("%w: %v", ErrStorageError, err)
	}
	metrics.CommitmentsTotal.WithLabelValues(string(c.Kind), string(StatusDisputed)).Inc()
	return c, nil
}

// ResolveDispute consults the governance collaborator for a Disputed
// commitment's resolution and applies it: fulfilment (optionally at an
// adjusted value) or cancellation. Returns ErrNoDisputeResolution if
// governance has not reached a decision yet.
func (e *Engine) ResolveDispute(ctx context.Context, id string) (Commitment, error) {
	c, err := e.store.Get(ctx, id)
	if err != nil {
		return Commitment{}, err
	}
	if c.Status != StatusDisputed {
		return Commitment{}, ErrInvalidStatusTransition
	}

	res, err := e.governance.ResolveDispute(ctx, id)
	if err != nil {
		return Commitment{}, ErrNoDisputeResolution
	}

	switch res.Outcome {
	case governance.DisputeFulfilled:
		reserved := c.Value
		if res.SettledUnits > 0 && res.SettledUnits != c.Value {
			c.Value = res.SettledUnits
		}
		if err := e.settle(ctx, c, reserved); err != nil {
			return Commitment{}, err
		}
		now := e.clock.Now()
		c.Status = StatusFulfilled
		c.FulfilledAt = &now
	case governance.DisputeCancelled:
		if c.Kind == KindEscrowed {
			if _, err := e.ledger.ApplyReserveUpdate(ctx, c.CellID, ledger.ReserveUpdate{Member: c.Promisor, Delta: -c.Value}); err != nil {
				return Commitment{}, err
			}
		}
		now := e.clock.Now()
		c.Status = StatusCancelled
		c.CancelledAt = &now
		c.CancelReason = "governance dispute resolution"
	default:
		return Commitment{}, ErrNoDisputeResolution
	}

	if err := e.store.Update(ctx, c); err != nil {
		return Commitment{}, fmt.Errorf("%w: %v", ErrStorageError, err)
	}
	metrics.CommitmentsTotal.WithLabelValues(string(c.Kind), string(c.Status)).Inc()
	return c, nil
}

// ReserveInvariant returns the sum of active Escrowed commitment values
// for a promisor, which must equal member.reserve at all times.
func (e *Engine) ReserveInvariant(ctx context.Context, cellID, promisor string) (int64, error) {
	active, err := e.store.ListActiveEscrowedByPromisor(ctx, cellID, promisor)
	if err != nil {
		return 0, err
	}
	var sum int64
	for _, c := range active {
		sum += c.Value
	}
	return sum, nil
}

func (e *Engine) requireActive(ctx context.Context, cellID, member string, onInactive error) error {
	m, err := e.ledger.GetMember(ctx, cellID, member)
	if err != nil {
		return err
	}
	if m.Status != ledger.StatusActive {
		return onInactive
	}
	return nil
}
