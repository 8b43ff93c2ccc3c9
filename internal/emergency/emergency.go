package emergency

import (
	"context"
	"fmt"
	"sync"

	"github.com/cellcredit/cell/internal/clockutil"
	"github.com/cellcredit/cell/internal/federation"
	"github.com/cellcredit/cell/internal/governance"
	"github.com/cellcredit/cell/internal/idgen"
	"github.com/cellcredit/cell/internal/ledger"
	"github.com/cellcredit/cell/internal/metrics"
	"github.com/cellcredit/cell/internal/webhooks"
)

// Engine computes stress indicators, runs the Normal/Stressed/Panic
// hysteresis machine, and applies the resulting policy to the ledger and
// federation collaborators. One Engine instance serves every cell hosted
// in this process, matching the Ledger's and Federation's own idiom.
type Engine struct {
	ledger     *ledger.Ledger
	federation *federation.Engine
	signals    PeripheralSignals
	authz      governance.Authorizer
	dispatcher *webhooks.Dispatcher
	clock      clockutil.Clock
	store      StateStore
	thresholds Thresholds
	minLimit   int64
	eta        float64

	mu        sync.Mutex
	baselines map[string]map[string]int64 // cellID -> memberID -> limit snapshotted at policy entry
}

// New creates an Emergency Engine. federationEngine and dispatcher may
// be nil for deployments that don't federate or don't advertise events.
func New(led *ledger.Ledger, federationEngine *federation.Engine, signals PeripheralSignals, authz governance.Authorizer, dispatcher *webhooks.Dispatcher, store StateStore, clock clockutil.Clock, thresholds Thresholds, minLimit int64, eta float64) *Engine {
	if clock == nil {
		clock = clockutil.System
	}
	if signals == nil {
		signals = NoSignals{}
	}
	return &Engine{
		ledger:     led,
		federation: federationEngine,
		signals:    signals,
		authz:      authz,
		dispatcher: dispatcher,
		clock:      clock,
		store:      store,
		thresholds: thresholds,
		minLimit:   minLimit,
		eta:        eta,
		baselines:  make(map[string]map[string]int64),
	}
}

// CurrentState returns cellID's last computed snapshot, or the Normal
// zero-state if Tick has never run for it.
func (e *Engine) CurrentState(ctx context.Context, cellID string) (State, error) {
	st, ok, err := e.store.Get(ctx, cellID)
	if err != nil {
		return State{}, err
	}
	if !ok {
		return State{CellID: cellID, RiskState: Normal, CurrentPolicy: NormalPolicy(), LastStateChange: e.clock.Now()}, nil
	}
	return st, nil
}

// Indicators computes cellID's current stress indicators from ledger
// statistics and the peripheral-signals collaborator.
func (e *Engine) Indicators(ctx context.Context, cellID string) (Indicators, error) {
	stats, err := e.ledger.Statistics(ctx, cellID)
	if err != nil {
		return Indicators{}, err
	}

	lambda := stats.AggregateCapacity
	if e.federation != nil {
		if clearing, err := e.ledger.GetMember(ctx, cellID, federation.ClearingAccountID(cellID)); err == nil {
			lambda -= clearing.Limit
		}
	}

	var floorMassFraction float64
	if lambda > 0 {
		floorMassFraction = stats.FloorMass / float64(lambda)
	}

	var varianceFraction float64
	if lambda > 0 {
		varianceFraction = stats.BalanceVariance / (float64(lambda) * float64(lambda))
	}

	disputeRate, err := e.signals.DisputeRate(ctx, cellID)
	if err != nil {
		return Indicators{}, err
	}
	churnRate, err := e.signals.ChurnRate(ctx, cellID)
	if err != nil {
		return Indicators{}, err
	}
	energyStress, err := e.signals.EnergyStress(ctx, cellID)
	if err != nil {
		return Indicators{}, err
	}

	economic := floorMassFraction
	if disputeRate > economic {
		economic = disputeRate
	}
	if varianceFraction > economic {
		economic = varianceFraction
	}
	if churnRate > economic {
		economic = churnRate
	}

	overall := economic
	if energyStress > overall {
		overall = energyStress
	}

	return Indicators{
		FloorMass:       floorMassFraction,
		BalanceVariance: varianceFraction,
		DisputeRate:     disputeRate,
		ChurnRate:       churnRate,
		EnergyStress:    energyStress,
		EconomicStress:  economic,
		OverallStress:   overall,
	}, nil
}

// Tick recomputes indicators, evaluates the threshold table, and applies
// any resulting transition and policy, then checks the cell's federation
// links for sync timeout. It is safe to call on demand as well as from a
// Scheduler.
func (e *Engine) Tick(ctx context.Context, cellID string) (State, error) {
	prev, err := e.CurrentState(ctx, cellID)
	if err != nil {
		return State{}, err
	}

	ind, err := e.Indicators(ctx, cellID)
	if err != nil {
		return State{}, err
	}

	next := prev.RiskState
	if v := Evaluate(prev.RiskState, ind, e.thresholds); v != nil {
		next = v.Target
	} else if ok, _ := CanDeescalate(prev.RiskState, ind, e.thresholds, e.clock.Now().Sub(prev.LastStateChange)); ok {
		next = deescalateTarget(prev.RiskState)
	}

	state, err := e.transition(ctx, cellID, prev, ind, next)
	if err != nil {
		return State{}, err
	}

	if err := e.applyPolicy(ctx, cellID, state.CurrentPolicy); err != nil {
		return state, err
	}
	if e.federation != nil {
		_ = e.federation.CheckSyncTimeouts(ctx, cellID, federation.MaxSyncDelay)
	}
	return state, nil
}

// ForceState lets governance override the state machine directly,
// bypassing triggers and (for de-escalation) the stabilization dwell.
// A forced change is recorded like any other transition (state-transition
// metric and webhook); a refused call, or one whose target is already the
// current state, records nothing.
func (e *Engine) ForceState(ctx context.Context, cellID, actor string, target RiskState) (State, error) {
	action := governance.ActionOverrideEmergency
	if target == Panic {
		action = governance.ActionForcePanic
	}
	ok, err := e.authz.IsAuthorized(ctx, actor, action)
	if err != nil {
		return State{}, err
	}
	if !ok {
		return State{}, fmt.Errorf("emergency: actor %s not authorized for %s", actor, action)
	}

	prev, err := e.CurrentState(ctx, cellID)
	if err != nil {
		return State{}, err
	}
	ind, err := e.Indicators(ctx, cellID)
	if err != nil {
		return State{}, err
	}
	state, err := e.transition(ctx, cellID, prev, ind, target)
	if err != nil {
		return State{}, err
	}
	if err := e.applyPolicy(ctx, cellID, state.CurrentPolicy); err != nil {
		return state, err
	}
	return state, nil
}

func (e *Engine) transition(ctx context.Context, cellID string, prev State, ind Indicators, next RiskState) (State, error) {
	now := e.clock.Now()
	state := State{
		CellID:          cellID,
		RiskState:       next,
		Indicators:      ind,
		CurrentPolicy:   PolicyFor(next),
		LastStateChange: prev.LastStateChange,
		PanicEnteredAt:  prev.PanicEnteredAt,
	}

	if next != prev.RiskState {
		state.LastStateChange = now
		if next == Panic {
			state.PanicEnteredAt = &now
		} else if prev.RiskState == Panic {
			state.PanicEnteredAt = nil
		}

		metrics.EmergencyStateTransitionsTotal.WithLabelValues(string(prev.RiskState), string(next)).Inc()
		e.snapshotBaseline(ctx, cellID)

		if e.federation != nil {
			e.federation.SetBetaFactor(cellID, state.CurrentPolicy.FederationBetaFactor)
			if next == Panic {
				_ = e.federation.Quarantine(ctx, cellID, federation.QuarantineEmergencyPanic)
			}
		}
		if e.dispatcher != nil {
			_ = e.dispatcher.Dispatch(ctx, &webhooks.Event{
				ID:        idgen.WithPrefix("evt_"),
				Type:      webhooks.EventEmergencyStateChanged,
				CellID:    cellID,
				Timestamp: now,
				Data: map[string]interface{}{
					"from": string(prev.RiskState),
					"to":   string(next),
				},
			})
		}
	}

	metrics.EmergencyCurrentState.WithLabelValues(cellID).Set(float64(rank(next)))

	if err := e.store.Put(ctx, cellID, state); err != nil {
		return State{}, err
	}
	return state, nil
}

// snapshotBaseline records every active member's current limit as the
// reference point policy application shrinks toward. Called once at the
// moment a cell's state changes, so repeated Ticks in the same state
// converge on a fixed target rather than chasing a shrinking one.
func (e *Engine) snapshotBaseline(ctx context.Context, cellID string) {
	members, err := e.ledger.ListMembers(ctx, cellID)
	if err != nil {
		return
	}
	clearingID := ""
	if e.federation != nil {
		clearingID = federation.ClearingAccountID(cellID)
	}

	baseline := make(map[string]int64, len(members))
	for _, m := range members {
		if m.Status != ledger.StatusActive || m.ID == clearingID {
			continue
		}
		baseline[m.ID] = m.Limit
	}

	e.mu.Lock()
	e.baselines[cellID] = baseline
	e.mu.Unlock()
}

// applyPolicy pushes limit_factor reductions onto the ledger, rate
// limited by eta per step, and the beta factor onto federation. Balances
// are never touched — spec.md §4.5 reserves that for the ledger's own
// spend/transfer paths.
func (e *Engine) applyPolicy(ctx context.Context, cellID string, policy Policy) error {
	if e.federation != nil {
		e.federation.SetBetaFactor(cellID, policy.FederationBetaFactor)
	}
	if policy.LimitFactor >= 1.0 {
		return nil
	}

	e.mu.Lock()
	baseline, ok := e.baselines[cellID]
	e.mu.Unlock()
	if !ok {
		// No baseline on file — most likely a process restart while a
		// cell was already Stressed/Panic. Treat current limits as the
		// reference point rather than skip reduction entirely.
		e.snapshotBaseline(ctx, cellID)
		e.mu.Lock()
		baseline = e.baselines[cellID]
		e.mu.Unlock()
	}

	for memberID, baseLimit := range baseline {
		member, err := e.ledger.GetMember(ctx, cellID, memberID)
		if err != nil {
			continue
		}
		target := int64(float64(baseLimit) * policy.LimitFactor)
		if target < e.minLimit {
			target = e.minLimit
		}
		if member.Limit <= target {
			continue
		}
		gap := member.Limit - target
		step := int64(float64(gap) * e.eta)
		if step < 1 {
			step = 1
		}
		newLimit := member.Limit - step
		if newLimit < target {
			newLimit = target
		}
		if _, err := e.ledger.UpdateMemberLimit(ctx, cellID, memberID, newLimit); err != nil {
			return err
		}
	}
	return nil
}
