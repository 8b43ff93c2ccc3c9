package emergency

import (
	"fmt"
	"time"

	"github.com/cellcredit/cell/internal/config"
)

// Verdict is the outcome of evaluating the threshold table against the
// current indicators: the state escalation (or de-escalation) a rule
// demands, and why.
type Verdict struct {
	Target RiskState
	Rule   string
	Reason string
}

// Thresholds holds the hysteresis band the escalation/de-escalation
// rules are evaluated against, sourced from config.
type Thresholds struct {
	EnterStressedFloorMass float64
	ExitStressedFloorMass  float64
	EnterPanicFloorMass    float64
	ExitPanicFloorMass     float64
	DisputeRateThreshold   float64
	OverallStressEnter     float64
	OverallStressExit      float64
	EnergyStressPanic      float64
	StabilizationDwell     time.Duration
}

// ThresholdsFromConfig builds Thresholds from loaded configuration.
func ThresholdsFromConfig(c *config.Config) Thresholds {
	return Thresholds{
		EnterStressedFloorMass: c.EmergencyEnterStressedFloorMass,
		ExitStressedFloorMass:  c.EmergencyExitStressedFloorMass,
		EnterPanicFloorMass:    c.EmergencyEnterPanicFloorMass,
		ExitPanicFloorMass:     c.EmergencyExitPanicFloorMass,
		DisputeRateThreshold:   c.EmergencyDisputeRateThreshold,
		OverallStressEnter:     c.EmergencyOverallStressEnter,
		OverallStressExit:      c.EmergencyOverallStressExit,
		EnergyStressPanic:      c.EmergencyEnergyStressPanic,
		StabilizationDwell:     c.EmergencyStabilizationDwell,
	}
}

// escalationRule is one entry of the Stressed/Panic trigger table.
// First match wins; Panic rules are checked before Stressed rules since
// escalation is immediate and should jump straight to the worst state a
// trigger demands.
type escalationRule struct {
	name   string
	target RiskState
	check  func(ind Indicators, th Thresholds) (bool, string)
}

func escalationRules() []escalationRule {
	return []escalationRule{
		{
			name:   "floor_mass_panic",
			target: Panic,
			check: func(ind Indicators, th Thresholds) (bool, string) {
				if ind.FloorMass > th.EnterPanicFloorMass {
					return true, fmt.Sprintf("floor_mass %.3f > panic threshold %.3f", ind.FloorMass, th.EnterPanicFloorMass)
				}
				return false, ""
			},
		},
		{
			name:   "energy_stress_panic",
			target: Panic,
			check: func(ind Indicators, th Thresholds) (bool, string) {
				if ind.EnergyStress > th.EnergyStressPanic {
					return true, fmt.Sprintf("energy_stress %.3f > panic threshold %.3f", ind.EnergyStress, th.EnergyStressPanic)
				}
				return false, ""
			},
		},
		{
			name:   "floor_mass_stressed",
			target: Stressed,
			check: func(ind Indicators, th Thresholds) (bool, string) {
				if ind.FloorMass > th.EnterStressedFloorMass {
					return true, fmt.Sprintf("floor_mass %.3f > stressed threshold %.3f", ind.FloorMass, th.EnterStressedFloorMass)
				}
				return false, ""
			},
		},
		{
			name:   "dispute_rate_stressed",
			target: Stressed,
			check: func(ind Indicators, th Thresholds) (bool, string) {
				if ind.DisputeRate > th.DisputeRateThreshold {
					return true, fmt.Sprintf("dispute_rate %.3f > threshold %.3f", ind.DisputeRate, th.DisputeRateThreshold)
				}
				return false, ""
			},
		},
		{
			name:   "overall_stress_stressed",
			target: Stressed,
			check: func(ind Indicators, th Thresholds) (bool, string) {
				if ind.OverallStress > th.OverallStressEnter {
					return true, fmt.Sprintf("overall_stress %.3f > threshold %.3f", ind.OverallStress, th.OverallStressEnter)
				}
				return false, ""
			},
		},
	}
}

// rank orders states so escalation can be detected as "rank increased".
func rank(s RiskState) int {
	switch s {
	case Panic:
		return 2
	case Stressed:
		return 1
	default:
		return 0
	}
}

// Evaluate runs the escalation table against the current state and
// indicators. It returns the most severe Verdict whose target outranks
// current, or nil if no escalation trigger fired (the caller then checks
// de-escalation separately, since that requires dwell time the table
// itself doesn't know about).
func Evaluate(current RiskState, ind Indicators, th Thresholds) *Verdict {
	var best *Verdict
	for _, rule := range escalationRules() {
		if rank(rule.target) <= rank(current) {
			continue
		}
		ok, reason := rule.check(ind, th)
		if !ok {
			continue
		}
		if best == nil || rank(rule.target) > rank(best.Target) {
			best = &Verdict{Target: rule.target, Rule: rule.name, Reason: reason}
		}
	}
	return best
}

// CanDeescalate reports whether indicators and dwell time justify
// dropping from current to the next-lower state.
func CanDeescalate(current RiskState, ind Indicators, th Thresholds, since time.Duration) (bool, string) {
	if current == Normal {
		return false, "already normal"
	}
	if since < th.StabilizationDwell {
		return false, fmt.Sprintf("dwell %s below stabilization window %s", since, th.StabilizationDwell)
	}

	switch current {
	case Panic:
		if ind.FloorMass < th.ExitPanicFloorMass && ind.OverallStress < th.OverallStressExit {
			return true, fmt.Sprintf("floor_mass %.3f and overall_stress %.3f below exit thresholds", ind.FloorMass, ind.OverallStress)
		}
	case Stressed:
		if ind.FloorMass < th.ExitStressedFloorMass && ind.OverallStress < th.OverallStressExit {
			return true, fmt.Sprintf("floor_mass %.3f and overall_stress %.3f below exit thresholds", ind.FloorMass, ind.OverallStress)
		}
	}
	return false, "indicators still above exit thresholds"
}

// deescalateTarget returns the next-lower state.
func deescalateTarget(current RiskState) RiskState {
	if current == Panic {
		return Stressed
	}
	return Normal
}
