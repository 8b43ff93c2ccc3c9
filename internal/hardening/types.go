package hardening

import "time"

// OperationKind identifies one of the generator's semantically valid
// intent categories, matching the weighted mix spot-checked against the
// engines under test.
type OperationKind string

const (
	OpSpotTransaction  OperationKind = "spot_transaction"
	OpCommitmentCreate OperationKind = "commitment_create"
	OpCommitmentFulfil OperationKind = "commitment_fulfil"
	OpCommitmentCancel OperationKind = "commitment_cancel"
	OpLimitAdjust      OperationKind = "limit_adjust"
	OpMemberAdd        OperationKind = "member_add"
	OpMemberRemove     OperationKind = "member_remove"
	OpFederationTx     OperationKind = "federation_tx"
)

// Weights is the operation generator's weighted mix, matching the
// default distribution: transactions 40%, commitment create 20%, fulfil
// 15%, cancel 5%, limit adjust 5%, member add 5%, member remove 2%,
// federation tx 8%.
type Weights map[OperationKind]float64

// DefaultWeights is the generator's default mix.
func DefaultWeights() Weights {
	return Weights{
		OpSpotTransaction:  0.40,
		OpCommitmentCreate: 0.20,
		OpCommitmentFulfil: 0.15,
		OpCommitmentCancel: 0.05,
		OpLimitAdjust:      0.05,
		OpMemberAdd:        0.05,
		OpMemberRemove:     0.02,
		OpFederationTx:     0.08,
	}
}

// Ranges bounds the random amounts and limits the generator draws.
type Ranges struct {
	MinAmount int64
	MaxAmount int64
	MinLimit  int64
	MaxLimit  int64
}

// DefaultRanges matches the ledger's own default cell parameters in
// order of magnitude.
func DefaultRanges() Ranges {
	return Ranges{MinAmount: 1, MaxAmount: 500, MinLimit: 100, MaxLimit: 5000}
}

// GeneratorConfig parameterizes the operation generator.
type GeneratorConfig struct {
	Weights Weights
	Ranges  Ranges
}

// DefaultGeneratorConfig returns the spec's stated defaults.
func DefaultGeneratorConfig() GeneratorConfig {
	return GeneratorConfig{Weights: DefaultWeights(), Ranges: DefaultRanges()}
}

// OperationOutcome tags how a generated intent resolved.
type OperationOutcome string

const (
	OutcomeApplied           OperationOutcome = "applied"
	OutcomeRejectedExpected  OperationOutcome = "rejected_expected"  // e.g. insufficient capacity — not a violation
	OutcomeSkippedNoOperands OperationOutcome = "skipped_no_operands" // generator found nothing valid to attempt this tick
)

// OperationResult records what the generator attempted and what happened,
// for the runner's violation-reproduction trail.
type OperationResult struct {
	Kind    OperationKind
	Detail  string
	Outcome OperationOutcome
	Err     error
}

// Invariant identifies one of the six quantified invariants.
type Invariant string

const (
	I1Conservation  Invariant = "I1_conservation"
	I2Floor         Invariant = "I2_floor"
	I3Reserve       Invariant = "I3_reserve"
	I4EscrowSafety  Invariant = "I4_escrow_safety"
	I5FederationSum Invariant = "I5_federation_sum"
	I6FederationCap Invariant = "I6_federation_cap"
)

// AllInvariants lists every invariant the runner checks each iteration.
func AllInvariants() []Invariant {
	return []Invariant{I1Conservation, I2Floor, I3Reserve, I4EscrowSafety, I5FederationSum, I6FederationCap}
}

// Violation is a single confirmed invariant breach: a mutation the
// engines accepted that left the snapshot violating an invariant.
type Violation struct {
	Invariant   Invariant
	CellID      string
	Detail      string
	Seed        int64
	IterationID int
	Operations  []OperationResult
}

// IterationReport is one invariant-runner iteration's outcome.
type IterationReport struct {
	Seed       int64
	Operations []OperationResult
	Violations []Violation
}

// RunnerConfig parameterizes the invariant runner.
type RunnerConfig struct {
	Iterations            int // N, default 100_000; CI reduces to 500-2_000
	MaxOperationsPerIter   int // default 50
	Generator              GeneratorConfig
	BaseSeed               int64 // iteration i uses BaseSeed+int64(i) so each is reproducible on its own
}

// DefaultRunnerConfig matches spec.md's stated defaults.
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		Iterations:           100_000,
		MaxOperationsPerIter: 50,
		Generator:            DefaultGeneratorConfig(),
	}
}

// RunnerReport aggregates every iteration's outcome.
type RunnerReport struct {
	Iterations       int
	TotalOperations  int
	Violations       []Violation
	StartedAt        time.Time
	FinishedAt       time.Time
}

// Passed reports whether the run found zero invariant violations.
func (r RunnerReport) Passed() bool {
	return len(r.Violations) == 0
}
