package hardening

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/cellcredit/cell/internal/clockutil"
	"github.com/cellcredit/cell/internal/commitment"
)

// AgentStrategy is a simulated member's behavioral archetype.
type AgentStrategy string

const (
	StrategyCooperator AgentStrategy = "cooperator" // always proposes and always fulfils
	StrategyConditional AgentStrategy = "conditional" // only deals with counterparties above a reputation threshold
	StrategyDefector    AgentStrategy = "defector"    // accepts commitments as promisor, then cancels/defaults instead of fulfilling
	StrategyShirker     AgentStrategy = "shirker"     // rarely initiates, accepts what's offered, fulfils slowly but does fulfil
	StrategyColluder    AgentStrategy = "colluder"    // trades heavily within a fixed clique to inflate its own reputation and balances
	StrategySybil       AgentStrategy = "sybil"       // one attacker operating many freshly added identities
)

// ShockType is one of the six adversarial conditions the simulation can
// inject partway through a run.
type ShockType string

const (
	ShockResourceScarcity   ShockType = "resource_scarcity"   // halves every member's limit mid-run
	ShockDefectionWave      ShockType = "defection_wave"      // converts a fraction of Cooperators to Defectors
	ShockFederationSeverance ShockType = "federation_severance" // suspends every federation link
	ShockSybilInfiltration  ShockType = "sybil_infiltration"  // adds a burst of Sybil-controlled members
	ShockGovernanceCapture  ShockType = "governance_capture"  // every active commitment is cancelled by its promisor under a governance override
	ShockConnectivityLoss   ShockType = "connectivity_loss"   // accepted by name only; firing it changes nothing in the run
)

// SimulationConfig parameterizes one simulation run.
type SimulationConfig struct {
	Seed           int64
	CellIDs        []string
	MembersPerCell int
	Ticks          int
	StrategyMix    map[AgentStrategy]float64 // fractions, normalized against their own sum
	Shocks         []ShockAt
	Generator      GeneratorConfig
}

// ShockAt schedules a shock to fire at a specific tick index.
type ShockAt struct {
	Tick  int
	Shock ShockType
}

// DefaultSimulationConfig is a modest single-cell-pair run suitable for
// a fast health-score contribution; scenarios.go builds its own configs
// for the seven fixed adversarial setups.
func DefaultSimulationConfig() SimulationConfig {
	return SimulationConfig{
		CellIDs:        []string{"sim_cell_a", "sim_cell_b"},
		MembersPerCell: 12,
		Ticks:          200,
		StrategyMix: map[AgentStrategy]float64{
			StrategyCooperator:  0.45,
			StrategyConditional: 0.25,
			StrategyDefector:    0.15,
			StrategyShirker:     0.10,
			StrategyColluder:    0.04,
			StrategySybil:       0.01,
		},
		Generator: DefaultGeneratorConfig(),
	}
}

// SimulationMetrics summarizes one run.
type SimulationMetrics struct {
	SurvivalRate          float64 // fraction of agents still ledger members at the end (frozen members count as survived)
	Gini                  float64 // inequality of final balances
	Velocity              float64 // applied spot+federation transactions per member per tick
	FulfillmentRate       float64 // fulfilled / (fulfilled + cancelled + disputed) among commitments that left Proposed
	FreezeProbability     float64 // fraction of ticks in which a spot or federation transaction was rejected, for any reason
	ExtractionByDefectors float64 // net balance gained by Defector-strategy agents, as a fraction of total positive balance
}

// SimulationReport is a run's full result.
type SimulationReport struct {
	Metrics    SimulationMetrics
	Violations []Violation
}

// agentRecord tracks a simulated member's strategy alongside the
// cellWorld it lives in, for the per-tick behavior loop.
type agentRecord struct {
	id       string
	cellID   string
	strategy AgentStrategy
}

// RunSimulation drives cfg.Ticks rounds of strategy-governed behavior
// across a fresh world, checking invariants each tick and tracking the
// metrics above from the resulting ledger and commitment outcomes.
func RunSimulation(ctx context.Context, cfg SimulationConfig) (SimulationReport, error) {
	clock := clockutil.NewFixedClock(time.Unix(1_700_000_000, 0))
	w, err := newWorld(ctx, clock, cfg.CellIDs...)
	if err != nil {
		return SimulationReport{}, err
	}
	rng := NewRNG(cfg.Seed)
	rep := NewReputationTracker()

	agents, err := seedAgents(ctx, w, rng, cfg)
	if err != nil {
		return SimulationReport{}, err
	}

	var (
		report        SimulationReport
		rejectedTicks int
		totalTxns     int
		fulfilled     int
		badlyResolved int
	)

	shocksByTick := map[int][]ShockType{}
	for _, s := range cfg.Shocks {
		shocksByTick[s.Tick] = append(shocksByTick[s.Tick], s.Shock)
	}

	for tick := 0; tick < cfg.Ticks; tick++ {
		for _, shock := range shocksByTick[tick] {
			applyShock(ctx, w, rng, &agents, shock)
		}

		tickRejected := false
		opsThisTick := stepAgents(ctx, w, rng, rep, agents, cfg)
		for _, op := range opsThisTick {
			switch op.Kind {
			case OpSpotTransaction, OpFederationTx:
				if op.Outcome == OutcomeApplied {
					totalTxns++
				} else if op.Outcome == OutcomeRejectedExpected {
					tickRejected = true
				}
			case OpCommitmentFulfil:
				if op.Outcome == OutcomeApplied {
					fulfilled++
				}
			case OpCommitmentCancel:
				if op.Outcome == OutcomeApplied {
					badlyResolved++
				}
			}
		}
		if tickRejected {
			rejectedTicks++
		}

		violations, err := checkAll(ctx, tick, cfg.Seed, opsThisTick, w)
		if err != nil {
			return report, err
		}
		report.Violations = append(report.Violations, violations...)
	}

	report.Metrics = computeMetrics(ctx, w, agents, totalTxns, fulfilled, badlyResolved, rejectedTicks, cfg.Ticks)
	return report, nil
}

func seedAgents(ctx context.Context, w *world, rng *RNG, cfg SimulationConfig) ([]agentRecord, error) {
	strategies := normalizeStrategyMix(cfg.StrategyMix)
	var agents []agentRecord
	for _, cellID := range cfg.CellIDs {
		cw := w.cells[cellID]
		for i := 0; i < cfg.MembersPerCell; i++ {
			id := fmt.Sprintf("%s_agent_%d", cellID, i)
			strategy := pickStrategy(rng, strategies)
			limit := cfg.Generator.Ranges.MinLimit * 5
			if err := cw.addMember(ctx, id, limit); err != nil {
				return nil, err
			}
			agents = append(agents, agentRecord{id: id, cellID: cellID, strategy: strategy})
		}
	}
	return agents, nil
}

func normalizeStrategyMix(mix map[AgentStrategy]float64) map[AgentStrategy]float64 {
	if len(mix) == 0 {
		return DefaultSimulationConfig().StrategyMix
	}
	return mix
}

func pickStrategy(rng *RNG, mix map[AgentStrategy]float64) AgentStrategy {
	var total float64
	for _, v := range mix {
		total += v
	}
	roll := rng.Float64() * total
	var cumulative float64
	order := []AgentStrategy{
		StrategyCooperator, StrategyConditional, StrategyDefector,
		StrategyShirker, StrategyColluder, StrategySybil,
	}
	for _, s := range order {
		cumulative += mix[s]
		if roll < cumulative {
			return s
		}
	}
	return StrategyCooperator
}

// stepAgents drives one tick of behavior. Rather than modeling each
// strategy as a bespoke decision tree over every op kind, it biases the
// shared generator toward/away from commitment creation and fulfilment
// per strategy, and settles fulfil-vs-cancel for the agent owning the
// oldest active commitment this tick according to its strategy.
func stepAgents(ctx context.Context, w *world, rng *RNG, rep *ReputationTracker, agents []agentRecord, cfg SimulationConfig) []OperationResult {
	var ops []OperationResult

	opsPerTick := 3
	for i := 0; i < opsPerTick; i++ {
		op := generate(ctx, w, rng, cfg.Generator)
		ops = append(ops, op)
	}

	for _, cellID := range cfg.CellIDs {
		cw := w.cells[cellID]
		if len(cw.active) == 0 {
			continue
		}
		id := cw.active[0]
		promisor := cw.commitmentPromisor[id]
		strategy := strategyOf(agents, promisor)

		switch strategy {
		case StrategyDefector:
			op := cancelAsDefector(ctx, cw, id, promisor)
			ops = append(ops, op)
			rep.RecordDefected(promisor)
		case StrategyConditional:
			promisee := cw.commitmentPromisee[id]
			score, _ := rep.Score(promisee)
			if score < 35 {
				op := cancelAsDefector(ctx, cw, id, promisor)
				ops = append(ops, op)
				rep.RecordNeutral(promisor)
				continue
			}
			op := fulfilAsPromisee(ctx, cw, id)
			ops = append(ops, op)
			if op.Outcome == OutcomeApplied {
				rep.RecordFulfilled(promisor)
			}
		default:
			op := fulfilAsPromisee(ctx, cw, id)
			ops = append(ops, op)
			if op.Outcome == OutcomeApplied {
				rep.RecordFulfilled(promisor)
			}
		}
	}
	return ops
}

func strategyOf(agents []agentRecord, id string) AgentStrategy {
	for _, a := range agents {
		if a.id == id {
			return a.strategy
		}
	}
	return StrategyCooperator
}

func cancelAsDefector(ctx context.Context, cw *cellWorld, id, initiator string) OperationResult {
	detail := fmt.Sprintf("cell=%s commitment=%s action=defect_cancel", cw.cellID, id)
	if _, err := cw.cmtE.Cancel(ctx, id, "defector reneged", initiator, false); err != nil {
		return OperationResult{Kind: OpCommitmentCancel, Detail: detail, Outcome: OutcomeRejectedExpected, Err: err}
	}
	removeString(&cw.active, id)
	return OperationResult{Kind: OpCommitmentCancel, Detail: detail, Outcome: OutcomeApplied}
}

func fulfilAsPromisee(ctx context.Context, cw *cellWorld, id string) OperationResult {
	promisee := cw.commitmentPromisee[id]
	detail := fmt.Sprintf("cell=%s commitment=%s action=fulfil", cw.cellID, id)
	if _, err := cw.cmtE.Fulfill(ctx, id, commitment.Confirmation{ConfirmedBy: promisee}); err != nil {
		return OperationResult{Kind: OpCommitmentFulfil, Detail: detail, Outcome: OutcomeRejectedExpected, Err: err}
	}
	removeString(&cw.active, id)
	return OperationResult{Kind: OpCommitmentFulfil, Detail: detail, Outcome: OutcomeApplied}
}

func applyShock(ctx context.Context, w *world, rng *RNG, agents *[]agentRecord, shock ShockType) {
	switch shock {
	case ShockResourceScarcity:
		for _, cw := range w.cells {
			for _, m := range cw.members {
				member, err := w.ledger.GetMember(ctx, cw.cellID, m)
				if err != nil {
					continue
				}
				_, _ = w.ledger.UpdateMemberLimit(ctx, cw.cellID, m, member.Limit/2)
			}
		}
	case ShockDefectionWave:
		for i := range *agents {
			if (*agents)[i].strategy == StrategyCooperator && rng.Bool(0.5) {
				(*agents)[i].strategy = StrategyDefector
			}
		}
	case ShockFederationSeverance:
		if w.federation == nil {
			return
		}
		for cellID := range w.cells {
			links, err := w.linkRegistry.ListForCell(ctx, cellID)
			if err != nil {
				continue
			}
			for _, l := range links {
				_, _ = w.federation.SuspendLink(ctx, l.ID)
			}
		}
	case ShockSybilInfiltration:
		for cellID, cw := range w.cells {
			for i := 0; i < 5; i++ {
				id := fmt.Sprintf("%s_sybil_%d", cellID, i)
				if err := cw.addMember(ctx, id, 500); err == nil {
					*agents = append(*agents, agentRecord{id: id, cellID: cellID, strategy: StrategySybil})
				}
			}
		}
	case ShockGovernanceCapture:
		for _, cw := range w.cells {
			for _, id := range append([]string{}, cw.active...) {
				initiator := cw.commitmentPromisor[id]
				if _, err := cw.cmtE.Cancel(ctx, id, "governance captured cancellation", initiator, true); err == nil {
					removeString(&cw.active, id)
				}
			}
		}
	case ShockConnectivityLoss:
		// A no-op: there is no separate network layer to sever in a
		// single process, and the generator keeps picking every member
		// as before. Listed here only so scenario configs can reference
		// the shock name.
	}
}

func computeMetrics(ctx context.Context, w *world, agents []agentRecord, totalTxns, fulfilled, cancelled, rejectedTicks, ticks int) SimulationMetrics {
	var balances []float64
	var defectorBalance, totalPositive float64
	survived := 0

	for _, a := range agents {
		m, err := w.ledger.GetMember(ctx, a.cellID, a.id)
		if err != nil {
			continue
		}
		survived++
		bal := float64(m.Balance)
		balances = append(balances, bal)
		if bal > 0 {
			totalPositive += bal
		}
		if a.strategy == StrategyDefector && bal > 0 {
			defectorBalance += bal
		}
	}

	metrics := SimulationMetrics{}
	if len(agents) > 0 {
		metrics.SurvivalRate = float64(survived) / float64(len(agents))
	}
	metrics.Gini = giniCoefficient(balances)
	if len(agents) > 0 && ticks > 0 {
		metrics.Velocity = float64(totalTxns) / float64(len(agents)) / float64(ticks)
	}
	resolved := fulfilled + cancelled
	if resolved > 0 {
		metrics.FulfillmentRate = float64(fulfilled) / float64(resolved)
	}
	if ticks > 0 {
		metrics.FreezeProbability = float64(rejectedTicks) / float64(ticks)
	}
	if totalPositive > 0 {
		metrics.ExtractionByDefectors = defectorBalance / totalPositive
	}
	return metrics
}

// giniCoefficient computes the Gini coefficient of a set of balances,
// treating negative balances as zero wealth (mutual credit debt isn't
// negative wealth in the same sense a fiat liability is, since it nets
// to zero against someone else's positive balance system-wide).
func giniCoefficient(values []float64) float64 {
	n := len(values)
	if n == 0 {
		return 0
	}
	xs := make([]float64, n)
	var sum float64
	for i, v := range values {
		if v < 0 {
			v = 0
		}
		xs[i] = v
		sum += v
	}
	if sum == 0 {
		return 0
	}
	sort.Float64s(xs)

	var weightedSum float64
	for i, v := range xs {
		weightedSum += float64(i+1) * v
	}
	gini := (2*weightedSum)/(float64(n)*sum) - float64(n+1)/float64(n)
	return math.Max(0, math.Min(1, gini))
}
