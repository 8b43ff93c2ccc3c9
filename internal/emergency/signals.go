package emergency

import "context"

// PeripheralSignals supplies the stress components Ledger statistics
// alone can't provide: the governance collaborator's recent dispute
// rate, a cell's recent member churn, and an optional external
// resource-pressure reading. A nil PeripheralSignals is treated as all
// zeros — every signal is optional.
type PeripheralSignals interface {
	// DisputeRate returns the fraction of recently settled commitments
	// that went through Disputed.
	DisputeRate(ctx context.Context, cellID string) (float64, error)

	// ChurnRate returns the fraction of the membership that joined or
	// left within the lookback window the implementation tracks.
	ChurnRate(ctx context.Context, cellID string) (float64, error)

	// EnergyStress returns an external resource-pressure reading,
	// normalized so that 1.0 is the nominal trigger boundary. Returns 0
	// when the collaborator has nothing to report.
	EnergyStress(ctx context.Context, cellID string) (float64, error)
}

// NoSignals is a PeripheralSignals that always reports zero — used when
// a deployment has no governance/resource collaborator wired yet.
type NoSignals struct{}

func (NoSignals) DisputeRate(context.Context, string) (float64, error)  { return 0, nil }
func (NoSignals) ChurnRate(context.Context, string) (float64, error)    { return 0, nil }
func (NoSignals) EnergyStress(context.Context, string) (float64, error) { return 0, nil }
