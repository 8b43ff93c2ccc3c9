package federation

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/cellcredit/cell/internal/clockutil"
	"github.com/cellcredit/cell/internal/idgen"
	"github.com/cellcredit/cell/internal/ledger"
	"github.com/cellcredit/cell/internal/metrics"
	"github.com/cellcredit/cell/internal/traces"
	"github.com/cellcredit/cell/internal/webhooks"
)

// clearingAccountLimit is the limit requested for a clearing account,
// whose balance tracks the cell's entire external position. AddMember
// clamps every requested limit to the cell's max_limit, so a clearing
// account's effective limit is max_limit and the floor invariant (I2)
// binds it at -max_limit like any other member.
const clearingAccountLimit = math.MaxInt64 / 4

// Engine drives inter-cell transfers, the bilateral link lifecycle, and
// quarantine severability. One Engine instance serves every cell hosted
// in this process; calls are parameterized by cell id, matching the
// Ledger's own multi-cell idiom.
type Engine struct {
	ledger      *ledger.Ledger
	links       LinkRegistry
	params      ParamsStore
	quarantine  QuarantineStore
	transferLog TransferLog
	transport   Transport
	dispatcher  *webhooks.Dispatcher
	clock       clockutil.Clock

	mu         sync.RWMutex
	betaFactor map[string]float64 // emergency-pushed per-cell federation_beta_factor, default 1.0
}

// New creates a federation Engine.
func New(led *ledger.Ledger, links LinkRegistry, params ParamsStore, quarantine QuarantineStore, transferLog TransferLog, transport Transport, dispatcher *webhooks.Dispatcher, clock clockutil.Clock) *Engine {
	if clock == nil {
		clock = clockutil.System
	}
	return &Engine{
		ledger:      led,
		links:       links,
		params:      params,
		quarantine:  quarantine,
		transferLog: transferLog,
		transport:   transport,
		dispatcher:  dispatcher,
		clock:       clock,
		betaFactor:  make(map[string]float64),
	}
}

// SetTransport replaces the transport collaborator — used after every
// cell's Engine has been constructed, to close a LocalTransport's
// reference cycle across cells.
func (e *Engine) SetTransport(t Transport) {
	e.transport = t
}

// HandleValidateRemote is the exported entry point a cell's HTTP server
// calls on behalf of an inbound POST /federation/:cellID/validate, performing
// exactly what LocalTransport.ValidateRemote does in-process.
func (e *Engine) HandleValidateRemote(ctx context.Context, cellID, payee string, amount int64) error {
	return e.validateIncoming(ctx, cellID, payee, amount)
}

// HandleExecuteRemote is the exported entry point for an inbound POST
// /federation/:cellID/execute, applying the target leg of a transfer already
// validated and committed on the source side.
func (e *Engine) HandleExecuteRemote(ctx context.Context, sourceCellID, cellID, payee string, amount int64, transactionID string) error {
	return e.applyTargetLeg(ctx, sourceCellID, cellID, payee, amount, transactionID)
}

// HandleRollbackRemote is the exported entry point for an inbound POST
// /federation/:cellID/rollback, voiding transactionID so a late or retried
// execute never applies.
func (e *Engine) HandleRollbackRemote(ctx context.Context, transactionID string) error {
	return e.voidTransaction(ctx, transactionID)
}

// EnsureClearingAccount creates cellID's internal clearing-account
// member if it does not already exist.
func (e *Engine) EnsureClearingAccount(ctx context.Context, cellID string) error {
	clearing := ClearingAccountID(cellID)
	if _, err := e.ledger.GetMember(ctx, cellID, clearing); err == nil {
		return nil
	}
	limit := int64(clearingAccountLimit)
	_, err := e.ledger.AddMember(ctx, cellID, clearing, &limit)
	if err != nil && err != ledger.ErrMemberAlreadyExists {
		return err
	}
	return nil
}

// SetBetaFactor records the Emergency engine's current
// federation_beta_factor for cellID (1.0 under Normal, lower under
// Stressed, 0.0 — frozen — under Panic).
func (e *Engine) SetBetaFactor(cellID string, factor float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.betaFactor[cellID] = factor
}

func (e *Engine) betaFactorFor(cellID string) float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	f, ok := e.betaFactor[cellID]
	if !ok {
		return 1.0
	}
	return f
}

// ExposureCap computes cap_k = base_beta_k × federation_beta_factor_k ×
// Λ_k. Λ_k is the cell's aggregate ordinary-member capacity, so the
// clearing account's own limit (the cell's max_limit) is subtracted
// back out of Statistics.AggregateCapacity before applying beta.
func (e *Engine) ExposureCap(ctx context.Context, cellID string) (int64, error) {
	params, err := e.params.Get(ctx, cellID)
	if err != nil {
		return 0, err
	}
	stats, err := e.ledger.Statistics(ctx, cellID)
	if err != nil {
		return 0, err
	}
	lambda := stats.AggregateCapacity
	if clearing, err := e.ledger.GetMember(ctx, cellID, ClearingAccountID(cellID)); err == nil {
		lambda -= clearing.Limit
	}
	effectiveBeta := params.BaseBeta * e.betaFactorFor(cellID)
	return int64(effectiveBeta * float64(lambda)), nil
}

func (e *Engine) position(ctx context.Context, cellID string) (int64, error) {
	m, err := e.ledger.GetMember(ctx, cellID, ClearingAccountID(cellID))
	if err != nil {
		return 0, err
	}
	return -m.Balance, nil
}

// ProposeLink creates a Pending bilateral link between two cells.
func (e *Engine) ProposeLink(ctx context.Context, cellA, cellB, proposedBy string) (Link, error) {
	if cellA == cellB {
		return Link{}, ErrSameCell
	}
	if _, err := e.links.GetBetween(ctx, cellA, cellB); err == nil {
		return Link{}, ErrLinkAlreadyExists
	}
	link := Link{
		ID:         idgen.WithPrefix("link_"),
		CellA:      cellA,
		CellB:      cellB,
		Status:     LinkPending,
		ProposedBy: proposedBy,
	}
	if err := e.links.Create(ctx, link); err != nil {
		return Link{}, fmt.Errorf("%w: %v", ErrStorageError, err)
	}
	return link, nil
}

// AcceptLink transitions a Pending link to Active.
func (e *Engine) AcceptLink(ctx context.Context, linkID string) (Link, error) {
	link, err := e.links.Get(ctx, linkID)
	if err != nil {
		return Link{}, err
	}
	if link.Status != LinkPending {
		return Link{}, ErrLinkNotPending
	}
	link.Status = LinkActive
	link.EstablishedAt = e.clock.Now()
	if err := e.links.Update(ctx, link); err != nil {
		return Link{}, fmt.Errorf("%w: %v", ErrStorageError, err)
	}
	return link, nil
}

// SuspendLink is a local, immediate-effect decision by either side of
// the link; a suspended link cannot carry new transfers in either
// direction.
func (e *Engine) SuspendLink(ctx context.Context, linkID string) (Link, error) {
	link, err := e.links.Get(ctx, linkID)
	if err != nil {
		return Link{}, err
	}
	link.Status = LinkSuspended
	if err := e.links.Update(ctx, link); err != nil {
		return Link{}, fmt.Errorf("%w: %v", ErrStorageError, err)
	}
	return link, nil
}

// ResumeLink restores a Suspended link to Active.
func (e *Engine) ResumeLink(ctx context.Context, linkID string) (Link, error) {
	link, err := e.links.Get(ctx, linkID)
	if err != nil {
		return Link{}, err
	}
	if link.Status != LinkSuspended {
		return Link{}, ErrLinkNotActive
	}
	link.Status = LinkActive
	if err := e.links.Update(ctx, link); err != nil {
		return Link{}, fmt.Errorf("%w: %v", ErrStorageError, err)
	}
	return link, nil
}

// GetBilateralPosition returns the net units cellID has sent to the
// other side of linkID since establishment (negative means net receiver).
func (e *Engine) GetBilateralPosition(ctx context.Context, linkID, cellID string) (int64, error) {
	link, err := e.links.Get(ctx, linkID)
	if err != nil {
		return 0, err
	}
	switch cellID {
	case link.CellA:
		return link.BilateralAB, nil
	case link.CellB:
		return -link.BilateralAB, nil
	default:
		return 0, ErrSameCell
	}
}

// Quarantine flips a cell to Quarantined and suspends every link it
// participates in. Internal ledger operations on the cell continue
// unchanged; only federation links are affected.
func (e *Engine) Quarantine(ctx context.Context, cellID string, reason QuarantineReason) error {
	if err := e.quarantine.Quarantine(ctx, cellID, reason); err != nil {
		return err
	}
	links, err := e.links.ListForCell(ctx, cellID)
	if err != nil {
		return err
	}
	for _, l := range links {
		if l.Status == LinkActive {
			l.Status = LinkSuspended
			_ = e.links.Update(ctx, l)
		}
	}
	if e.dispatcher != nil {
		_ = e.dispatcher.Dispatch(ctx, &webhooks.Event{
			ID: idgen.WithPrefix("evt_"), Type: webhooks.EventCellQuarantined, CellID: cellID,
			Timestamp: e.clock.Now(), Data: map[string]interface{}{"reason": string(reason)},
		})
	}
	return nil
}

// autoQuarantine quarantines cellID as a side effect of a failed
// validation check, swallowing the error: the caller already has a more
// specific error of its own to return, and a failed auto-quarantine
// attempt shouldn't mask it.
func (e *Engine) autoQuarantine(ctx context.Context, cellID string, reason QuarantineReason) {
	if quarantined, _ := e.quarantine.IsQuarantined(ctx, cellID); quarantined {
		return
	}
	_ = e.Quarantine(ctx, cellID, reason)
}

// CheckSyncTimeouts quarantines cellID for sync timeout if any of its
// Active links have gone silent — no successful transfer leg since
// establishment, or since the last one — for longer than maxDelay.
func (e *Engine) CheckSyncTimeouts(ctx context.Context, cellID string, maxDelay time.Duration) error {
	links, err := e.links.ListForCell(ctx, cellID)
	if err != nil {
		return err
	}
	now := e.clock.Now()
	for _, l := range links {
		if l.Status != LinkActive {
			continue
		}
		last := l.LastContactAt
		if last.IsZero() {
			last = l.EstablishedAt
		}
		if now.Sub(last) > maxDelay {
			e.autoQuarantine(ctx, cellID, QuarantineSyncTimeout)
			return nil
		}
	}
	return nil
}

// Lift clears a cell's quarantine flag. Links stay Suspended — each
// must be explicitly resumed.
func (e *Engine) Lift(ctx context.Context, cellID string) error {
	if err := e.quarantine.Lift(ctx, cellID); err != nil {
		return err
	}
	if e.dispatcher != nil {
		_ = e.dispatcher.Dispatch(ctx, &webhooks.Event{
			ID: idgen.WithPrefix("evt_"), Type: webhooks.EventCellUnquarantined, CellID: cellID,
			Timestamp: e.clock.Now(),
		})
	}
	return nil
}

// Transfer moves v units from payer (in source) to payee (in target)
// through each cell's clearing account, per spec's five-step protocol.
// transactionID must be globally unique; a retried call with the same
// id that previously completed is a no-op returning the prior result.
func (e *Engine) Transfer(ctx context.Context, transactionID, source, target, payer, payee string, amount int64) (TransferStatus, error) {
	ctx, span := traces.StartSpan(ctx, "federation.transfer", traces.CellID(source), traces.Amount(amount))
	defer span.End()

	if prior, ok, err := e.transferLog.Get(ctx, transactionID); err == nil && ok {
		return prior.Status, nil
	}
	if amount <= 0 {
		return TransferFailed, ErrInvalidAmount
	}

	link, err := e.links.GetBetween(ctx, source, target)
	if err != nil {
		return TransferFailed, err
	}
	if link.Status != LinkActive {
		return TransferFailed, ErrLinkNotActive
	}

	if err := e.validateOutgoing(ctx, source, payer, amount); err != nil {
		return TransferFailed, err
	}
	if quarantined, _ := e.quarantine.IsQuarantined(ctx, target); quarantined {
		return TransferFailed, ErrTargetQuarantined
	}
	if err := e.transport.ValidateRemote(ctx, source, target, payee, amount); err != nil {
		return TransferFailed, fmt.Errorf("%w: %v", ErrTargetRejected, err)
	}

	clearingSource := ClearingAccountID(source)
	if _, err := e.ledger.ApplyBalanceUpdates(ctx, source, []ledger.BalanceUpdate{
		{Member: payer, Delta: -amount, Reason: "federation_leg", Ref: transactionID},
		{Member: clearingSource, Delta: amount, Reason: "federation_leg", Ref: transactionID},
	}); err != nil {
		return TransferFailed, err
	}
	e.adjustBilateral(ctx, link, source, amount)

	if err := e.transport.ExecuteRemote(ctx, source, target, payee, amount, transactionID); err != nil {
		// Target failed after the source leg applied: roll back the
		// source leg by its inverse and void the id at the target so a
		// delayed duplicate never applies it.
		_, rbErr := e.ledger.ApplyBalanceUpdates(ctx, source, []ledger.BalanceUpdate{
			{Member: payer, Delta: amount, Reason: "federation_rollback", Ref: transactionID},
			{Member: clearingSource, Delta: -amount, Reason: "federation_rollback", Ref: transactionID},
		})
		if rbErr == nil {
			e.adjustBilateral(ctx, link, source, -amount)
		}
		_ = e.transport.RollbackRemote(ctx, target, transactionID)

		metrics.FederationLegsTotal.WithLabelValues("rolled_back").Inc()
		_ = e.transferLog.Record(ctx, TransferRecord{
			TransactionID: transactionID, SourceCell: source, TargetCell: target,
			Payer: payer, Payee: payee, Amount: amount,
			Status: TransferRolledBack, CompletedAt: e.clock.Now(),
		})
		return TransferRolledBack, err
	}

	metrics.FederationLegsTotal.WithLabelValues("completed").Inc()
	_ = e.transferLog.Record(ctx, TransferRecord{
		TransactionID: transactionID, SourceCell: source, TargetCell: target,
		Payer: payer, Payee: payee, Amount: amount,
		Status: TransferCompleted, CompletedAt: e.clock.Now(),
	})
	return TransferCompleted, nil
}

func (e *Engine) adjustBilateral(ctx context.Context, link Link, fromCellPerspective string, delta int64) {
	current, err := e.links.Get(ctx, link.ID)
	if err != nil {
		return
	}
	if fromCellPerspective == link.CellA {
		current.BilateralAB += delta
	} else {
		current.BilateralAB -= delta
	}
	current.LastContactAt = e.clock.Now()
	_ = e.links.Update(ctx, current)
}

func (e *Engine) validateOutgoing(ctx context.Context, cellID, payer string, amount int64) error {
	if quarantined, _ := e.quarantine.IsQuarantined(ctx, cellID); quarantined {
		return ErrSourceQuarantined
	}
	m, err := e.ledger.GetMember(ctx, cellID, payer)
	if err != nil {
		return err
	}
	if m.Status != ledger.StatusActive {
		return ErrPayerNotActive
	}
	ok, err := e.ledger.CanSpend(ctx, cellID, payer, amount)
	if err != nil {
		return err
	}
	if !ok {
		return ErrInsufficientCapacity
	}
	if e.betaFactorFor(cellID) == 0 {
		return ErrFederationFrozen
	}
	pos, err := e.position(ctx, cellID)
	if err != nil {
		return err
	}
	capAmt, err := e.ExposureCap(ctx, cellID)
	if err != nil {
		return err
	}
	if abs64(pos-amount) > capAmt {
		e.autoQuarantine(ctx, cellID, QuarantineCapBreach)
		return ErrExposureCapExceeded
	}
	return nil
}

// validateIncoming performs the target-remote validation of step 2: it
// is what a peer (or LocalTransport) calls before the target leg runs.
func (e *Engine) validateIncoming(ctx context.Context, cellID, payee string, amount int64) error {
	if quarantined, _ := e.quarantine.IsQuarantined(ctx, cellID); quarantined {
		return ErrTargetQuarantined
	}
	m, err := e.ledger.GetMember(ctx, cellID, payee)
	if err != nil {
		return err
	}
	if m.Status != ledger.StatusActive {
		return ErrPayeeNotActive
	}
	if e.betaFactorFor(cellID) == 0 {
		return ErrFederationFrozen
	}
	pos, err := e.position(ctx, cellID)
	if err != nil {
		return err
	}
	capAmt, err := e.ExposureCap(ctx, cellID)
	if err != nil {
		return err
	}
	if abs64(pos+amount) > capAmt {
		e.autoQuarantine(ctx, cellID, QuarantineCapBreach)
		return ErrExposureCapExceeded
	}
	return nil
}

// applyTargetLeg executes step 4 on the target cell: it is idempotent
// by transactionID, returning the prior outcome on a duplicate call
// (nil for a completed id, ErrTargetRejected for a voided one).
func (e *Engine) applyTargetLeg(ctx context.Context, sourceCellID, cellID, payee string, amount int64, transactionID string) error {
	if prior, ok, err := e.transferLog.Get(ctx, transactionID); err == nil && ok {
		switch prior.Status {
		case TransferCompleted:
			return nil
		case TransferRolledBack:
			return ErrTargetRejected
		}
	}
	if err := e.validateIncoming(ctx, cellID, payee, amount); err != nil {
		return err
	}

	clearing := ClearingAccountID(cellID)
	if _, err := e.ledger.ApplyBalanceUpdates(ctx, cellID, []ledger.BalanceUpdate{
		{Member: clearing, Delta: -amount, Reason: "federation_leg", Ref: transactionID},
		{Member: payee, Delta: amount, Reason: "federation_leg", Ref: transactionID},
	}); err != nil {
		return err
	}

	// A source cell hosted in this same ledger ran its leg on this engine,
	// and Transfer has already advanced the shared link's position.
	if _, err := e.ledger.GetMember(ctx, sourceCellID, ClearingAccountID(sourceCellID)); err != nil {
		if link, err := e.links.GetBetween(ctx, sourceCellID, cellID); err == nil {
			e.adjustBilateral(ctx, link, sourceCellID, amount)
		}
	}
	_ = e.transferLog.Record(ctx, TransferRecord{TransactionID: transactionID, SourceCell: sourceCellID, TargetCell: cellID, Payee: payee, Amount: amount, Status: TransferCompleted, CompletedAt: e.clock.Now()})
	return nil
}

// voidTransaction marks transactionID as permanently rolled back at this
// cell, so a delayed duplicate ExecuteRemote call is rejected instead of
// silently applying after the source already gave up on it.
func (e *Engine) voidTransaction(ctx context.Context, transactionID string) error {
	if _, ok, _ := e.transferLog.Get(ctx, transactionID); ok {
		return nil
	}
	return e.transferLog.Record(ctx, TransferRecord{
		TransactionID: transactionID,
		Status:        TransferRolledBack,
		CompletedAt:   e.clock.Now(),
	})
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
