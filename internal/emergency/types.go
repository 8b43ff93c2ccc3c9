// Package emergency computes a cell's stress indicators from ledger
// statistics and peripheral signals, runs a three-state hysteresis
// machine over them, and publishes the policy that tightens member
// limits and federation exposure as the cell moves from Normal through
// Stressed to Panic.
package emergency

import "time"

// RiskState is the emergency state machine's current state.
type RiskState string

const (
	Normal   RiskState = "normal"
	Stressed RiskState = "stressed"
	Panic    RiskState = "panic"
)

// AdmissionMode governs how new members are admitted while Stressed or
// Panic. Advisory: published on Policy for the identity/admission
// collaborator to consult; Emergency itself does not gate admission.
type AdmissionMode string

const (
	AdmissionOpen                AdmissionMode = "open"
	AdmissionBonded              AdmissionMode = "bonded"
	AdmissionSupermajorityBonded AdmissionMode = "supermajority_bonded"
)

// CommitmentMode governs which new commitments must carry escrow.
type CommitmentMode string

const (
	CommitmentModeNormal           CommitmentMode = "normal"
	CommitmentModeEscrowEssentials CommitmentMode = "escrow_essentials"
	CommitmentModeEscrowAll        CommitmentMode = "escrow_all"
)

// SchedulerPriority governs which pending operations a cell's operator
// surfaces first under load.
type SchedulerPriority string

const (
	SchedulerNormal          SchedulerPriority = "normal"
	SchedulerEssentialsFirst SchedulerPriority = "essentials_first"
	SchedulerSurvival        SchedulerPriority = "survival"
)

// Indicators are the stress signals Evaluate reads each tick.
type Indicators struct {
	FloorMass       float64 // fraction of aggregate capacity currently at the floor
	BalanceVariance float64 // normalized variance of member balances
	DisputeRate     float64 // recent disputes per commitment, from the governance collaborator
	ChurnRate       float64 // recent member join/leave rate
	EnergyStress    float64 // optional external resource-pressure signal, 0 if unavailable
	EconomicStress  float64 // max of the normalized economic components
	OverallStress   float64 // max(EconomicStress, EnergyStress)
}

// Policy is the bundle of effects Emergency publishes for the other
// engines to apply.
type Policy struct {
	LimitFactor          float64
	NewMemberLimitFactor float64
	FederationBetaFactor float64
	AdmissionMode        AdmissionMode
	CommitmentMode       CommitmentMode
	SchedulerPriority    SchedulerPriority
	DebtorPriority       bool
}

// NormalPolicy is the policy in force while RiskState is Normal.
func NormalPolicy() Policy {
	return Policy{
		LimitFactor:          1.0,
		NewMemberLimitFactor: 1.0,
		FederationBetaFactor: 1.0,
		AdmissionMode:        AdmissionOpen,
		CommitmentMode:       CommitmentModeNormal,
		SchedulerPriority:    SchedulerNormal,
	}
}

// StressedPolicy is the policy in force while RiskState is Stressed.
func StressedPolicy() Policy {
	return Policy{
		LimitFactor:          1.0,
		NewMemberLimitFactor: 0.7,
		FederationBetaFactor: 0.7,
		AdmissionMode:        AdmissionBonded,
		CommitmentMode:       CommitmentModeEscrowEssentials,
		SchedulerPriority:    SchedulerEssentialsFirst,
	}
}

// PanicPolicy is the policy in force while RiskState is Panic.
func PanicPolicy() Policy {
	return Policy{
		LimitFactor:          0.8,
		NewMemberLimitFactor: 0.5,
		FederationBetaFactor: 0.0,
		AdmissionMode:        AdmissionSupermajorityBonded,
		CommitmentMode:       CommitmentModeEscrowAll,
		SchedulerPriority:    SchedulerSurvival,
		DebtorPriority:       true,
	}
}

// PolicyFor returns the canonical policy for a risk state.
func PolicyFor(state RiskState) Policy {
	switch state {
	case Stressed:
		return StressedPolicy()
	case Panic:
		return PanicPolicy()
	default:
		return NormalPolicy()
	}
}

// State is a cell's full emergency snapshot.
type State struct {
	CellID          string
	RiskState       RiskState
	Indicators      Indicators
	CurrentPolicy   Policy
	LastStateChange time.Time
	PanicEnteredAt  *time.Time
}
