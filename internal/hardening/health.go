package hardening

import (
	"context"
	"time"

	"github.com/cellcredit/cell/internal/config"
)

// HealthReport is the weighted aggregate of the three harness layers:
// the invariant runner, the single-simulation run, and the seven fixed
// adversarial scenarios.
type HealthReport struct {
	InvariantScore   float64
	SimulationScore  float64
	AdversarialScore float64
	Overall          float64
	Minimum          float64
	Passed           bool

	Runner    RunnerReport
	Simulation SimulationReport
	Scenarios []ScenarioResult
}

// RunHealthCheck runs all three layers and combines them per cfg's
// configured weights, using a CI-scaled iteration count for the
// invariant runner rather than its full 100,000-iteration default —
// callers that want the full run should call Run directly with
// DefaultRunnerConfig.
func RunHealthCheck(ctx context.Context, cfg config.Config, runnerIterations int) (HealthReport, error) {
	runnerCfg := DefaultRunnerConfig()
	runnerCfg.Iterations = runnerIterations
	runnerCfg.BaseSeed = cfg.HardeningSeed

	runnerReport, err := Run(ctx, runnerCfg, time.Time{})
	if err != nil {
		return HealthReport{}, err
	}

	simCfg := DefaultSimulationConfig()
	simCfg.Seed = cfg.HardeningSeed
	simReport, err := RunSimulation(ctx, simCfg)
	if err != nil {
		return HealthReport{}, err
	}

	scenarioResults, err := RunScenarios(ctx, cfg.HardeningSeed)
	if err != nil {
		return HealthReport{}, err
	}

	invariantScore := 1.0
	if runnerReport.Iterations > 0 {
		invariantScore = 1 - float64(len(runnerReport.Violations))/float64(runnerReport.Iterations)
	}
	if invariantScore < 0 {
		invariantScore = 0
	}

	simulationScore := simulationHealthScore(simReport)

	adversarialScore := 0.0
	if len(scenarioResults) > 0 {
		passed := 0
		for _, s := range scenarioResults {
			if s.Passed {
				passed++
			}
		}
		adversarialScore = float64(passed) / float64(len(scenarioResults))
	}

	overall := cfg.HardeningHealthWeightA*invariantScore +
		cfg.HardeningHealthWeightB*simulationScore +
		cfg.HardeningHealthWeightC*adversarialScore

	return HealthReport{
		InvariantScore:   invariantScore,
		SimulationScore:  simulationScore,
		AdversarialScore: adversarialScore,
		Overall:          overall,
		Minimum:          cfg.HardeningHealthMinimum,
		Passed:           overall >= cfg.HardeningHealthMinimum && len(runnerReport.Violations) == 0,
		Runner:           runnerReport,
		Simulation:       simReport,
		Scenarios:        scenarioResults,
	}, nil
}

// simulationHealthScore folds a single simulation run's metrics into one
// 0-1 figure: survival and fulfillment contribute positively, freeze
// probability and defector extraction contribute negatively, each
// equally weighted.
func simulationHealthScore(r SimulationReport) float64 {
	positive := (r.Metrics.SurvivalRate + r.Metrics.FulfillmentRate) / 2
	negative := (r.Metrics.FreezeProbability + r.Metrics.ExtractionByDefectors) / 2
	score := positive - negative
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}
