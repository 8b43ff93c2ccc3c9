package hardening

import (
	"context"
	"fmt"
)

// ScenarioResult is one adversarial scenario's outcome: its raw
// simulation report plus whether it met its own pass criteria.
type ScenarioResult struct {
	ID       string
	Name     string
	Report   SimulationReport
	Passed   bool
	Findings []string
}

// scenario bundles a fixed setup with a pass-criteria check over the
// resulting report.
type scenario struct {
	id     string
	name   string
	config SimulationConfig
	check  func(SimulationReport) (bool, []string)
}

// Scenarios returns the seven fixed adversarial scenarios, each a
// specific attacker/environment configuration layered on top of the
// simulation engine, with its own setup and pass criteria.
func Scenarios(baseSeed int64) []scenario {
	return []scenario{
		advDefectionWave(baseSeed),
		advSybilSwarm(baseSeed),
		advColludingClique(baseSeed),
		advResourceCrunch(baseSeed),
		advFederationSeverance(baseSeed),
		advGovernanceCapture(baseSeed),
		advConnectivityPartition(baseSeed),
	}
}

// RunScenarios executes every fixed scenario and returns their results.
func RunScenarios(ctx context.Context, baseSeed int64) ([]ScenarioResult, error) {
	var results []ScenarioResult
	for _, s := range Scenarios(baseSeed) {
		report, err := RunSimulation(ctx, s.config)
		if err != nil {
			return results, fmt.Errorf("hardening: scenario %s: %w", s.id, err)
		}
		passed, findings := s.check(report)
		if len(report.Violations) > 0 {
			passed = false
			findings = append(findings, fmt.Sprintf("%d invariant violation(s)", len(report.Violations)))
		}
		results = append(results, ScenarioResult{ID: s.id, Name: s.name, Report: report, Passed: passed, Findings: findings})
	}
	return results, nil
}

// ADV-01: a third of Cooperators flip to Defector at the midpoint.
// Passes if the surviving cooperative population's fulfillment rate
// stays above half and defectors can't extract more than a third of
// system wealth.
func advDefectionWave(seed int64) scenario {
	cfg := baseAdversarialConfig(seed, "adv01")
	cfg.StrategyMix = map[AgentStrategy]float64{
		StrategyCooperator: 0.7, StrategyConditional: 0.2, StrategyDefector: 0.1,
	}
	cfg.Shocks = []ShockAt{{Tick: cfg.Ticks / 2, Shock: ShockDefectionWave}}
	return scenario{
		id: "ADV-01", name: "defection wave", config: cfg,
		check: func(r SimulationReport) (bool, []string) {
			var findings []string
			ok := true
			if r.Metrics.FulfillmentRate < 0.5 {
				ok = false
				findings = append(findings, fmt.Sprintf("fulfillment rate %.2f below 0.50", r.Metrics.FulfillmentRate))
			}
			if r.Metrics.ExtractionByDefectors > 0.34 {
				ok = false
				findings = append(findings, fmt.Sprintf("defector extraction %.2f exceeds 0.34", r.Metrics.ExtractionByDefectors))
			}
			return ok, findings
		},
	}
}

// ADV-02: a Sybil burst arrives partway through. Passes if survival
// rate among the original population stays high and the new identities
// cannot move the Gini coefficient past 0.6.
func advSybilSwarm(seed int64) scenario {
	cfg := baseAdversarialConfig(seed, "adv02")
	cfg.Shocks = []ShockAt{{Tick: cfg.Ticks / 3, Shock: ShockSybilInfiltration}}
	return scenario{
		id: "ADV-02", name: "sybil swarm", config: cfg,
		check: func(r SimulationReport) (bool, []string) {
			var findings []string
			ok := true
			if r.Metrics.SurvivalRate < 0.9 {
				ok = false
				findings = append(findings, fmt.Sprintf("survival rate %.2f below 0.90", r.Metrics.SurvivalRate))
			}
			if r.Metrics.Gini > 0.6 {
				ok = false
				findings = append(findings, fmt.Sprintf("gini %.2f exceeds 0.60", r.Metrics.Gini))
			}
			return ok, findings
		},
	}
}

// ADV-03: a Colluder-heavy mix trades mostly within itself. Passes if
// the colluding clique's concentration (approximated via Gini, since
// colluders are not separately broken out in SimulationMetrics) stays
// under the same 0.6 ceiling other concentration scenarios use.
func advColludingClique(seed int64) scenario {
	cfg := baseAdversarialConfig(seed, "adv03")
	cfg.StrategyMix = map[AgentStrategy]float64{
		StrategyCooperator: 0.5, StrategyConditional: 0.2, StrategyColluder: 0.3,
	}
	return scenario{
		id: "ADV-03", name: "colluding clique", config: cfg,
		check: func(r SimulationReport) (bool, []string) {
			if r.Metrics.Gini > 0.6 {
				return false, []string{fmt.Sprintf("gini %.2f exceeds 0.60", r.Metrics.Gini)}
			}
			return true, nil
		},
	}
}

// ADV-04: limits are halved mid-run. Passes if freeze probability stays
// under a quarter of ticks — the system should absorb a scarcity shock
// without rejecting most activity outright.
func advResourceCrunch(seed int64) scenario {
	cfg := baseAdversarialConfig(seed, "adv04")
	cfg.Shocks = []ShockAt{{Tick: cfg.Ticks / 2, Shock: ShockResourceScarcity}}
	return scenario{
		id: "ADV-04", name: "resource scarcity", config: cfg,
		check: func(r SimulationReport) (bool, []string) {
			if r.Metrics.FreezeProbability > 0.25 {
				return false, []string{fmt.Sprintf("freeze probability %.2f exceeds 0.25", r.Metrics.FreezeProbability)}
			}
			return true, nil
		},
	}
}

// ADV-05: every federation link is suspended mid-run. Passes if
// survival and fulfillment within each now-isolated cell stay
// essentially unaffected, since intra-cell activity never depended on
// federation.
func advFederationSeverance(seed int64) scenario {
	cfg := baseAdversarialConfig(seed, "adv05")
	cfg.Shocks = []ShockAt{{Tick: cfg.Ticks / 3, Shock: ShockFederationSeverance}}
	return scenario{
		id: "ADV-05", name: "federation severance", config: cfg,
		check: func(r SimulationReport) (bool, []string) {
			if r.Metrics.SurvivalRate < 0.9 {
				return false, []string{fmt.Sprintf("survival rate %.2f below 0.90", r.Metrics.SurvivalRate)}
			}
			return true, nil
		},
	}
}

// ADV-06: at mid-run every active commitment is cancelled by its
// promisor under a simulated governance override. Passes if the
// resulting fulfillment rate doesn't collapse below a third.
func advGovernanceCapture(seed int64) scenario {
	cfg := baseAdversarialConfig(seed, "adv06")
	cfg.Shocks = []ShockAt{{Tick: cfg.Ticks / 2, Shock: ShockGovernanceCapture}}
	return scenario{
		id: "ADV-06", name: "governance capture", config: cfg,
		check: func(r SimulationReport) (bool, []string) {
			if r.Metrics.FulfillmentRate < 0.33 {
				return false, []string{fmt.Sprintf("fulfillment rate %.2f below 0.33", r.Metrics.FulfillmentRate)}
			}
			return true, nil
		},
	}
}

// ADV-07: schedules the connectivity-loss shock, which changes nothing
// in the run (no member is cut off). Passes if velocity stays above
// zero.
func advConnectivityPartition(seed int64) scenario {
	cfg := baseAdversarialConfig(seed, "adv07")
	cfg.Shocks = []ShockAt{{Tick: cfg.Ticks / 4, Shock: ShockConnectivityLoss}}
	return scenario{
		id: "ADV-07", name: "connectivity loss", config: cfg,
		check: func(r SimulationReport) (bool, []string) {
			if r.Metrics.Velocity <= 0 {
				return false, []string{"velocity fell to zero"}
			}
			return true, nil
		},
	}
}

func baseAdversarialConfig(seed int64, tag string) SimulationConfig {
	cfg := DefaultSimulationConfig()
	cfg.Seed = seed
	cfg.CellIDs = []string{tag + "_cell_a", tag + "_cell_b"}
	cfg.Ticks = 150
	return cfg
}
