package emergency

import (
	"context"
	"database/sql"
)

// PostgresStateStore persists each cell's current emergency snapshot in
// PostgreSQL, for parity with the other engines' Postgres-backed stores.
type PostgresStateStore struct {
	db *sql.DB
}

func NewPostgresStateStore(db *sql.DB) *PostgresStateStore {
	return &PostgresStateStore{db: db}
}

func (p *PostgresStateStore) Get(ctx context.Context, cellID string) (State, bool, error) {
	var st State
	var riskState string
	var admissionMode, commitmentMode, schedulerPriority string
	var panicEnteredAt sql.NullTime

	err := p.db.QueryRowContext(ctx, `
		SELECT cell_id, risk_state,
			floor_mass, balance_variance, dispute_rate, churn_rate, energy_stress, economic_stress, overall_stress,
			limit_factor, new_member_limit_factor, federation_beta_factor, admission_mode, commitment_mode, scheduler_priority, debtor_priority,
			last_state_change, panic_entered_at
		FROM emergency_state WHERE cell_id = $1
	`, cellID).Scan(
		&st.CellID, &riskState,
		&st.Indicators.FloorMass, &st.Indicators.BalanceVariance, &st.Indicators.DisputeRate, &st.Indicators.ChurnRate, &st.Indicators.EnergyStress, &st.Indicators.EconomicStress, &st.Indicators.OverallStress,
		&st.CurrentPolicy.LimitFactor, &st.CurrentPolicy.NewMemberLimitFactor, &st.CurrentPolicy.FederationBetaFactor, &admissionMode, &commitmentMode, &schedulerPriority, &st.CurrentPolicy.DebtorPriority,
		&st.LastStateChange, &panicEnteredAt,
	)
	if err == sql.ErrNoRows {
		return State{}, false, nil
	}
	if err != nil {
		return State{}, false, err
	}

	st.RiskState = RiskState(riskState)
	st.CurrentPolicy.AdmissionMode = AdmissionMode(admissionMode)
	st.CurrentPolicy.CommitmentMode = CommitmentMode(commitmentMode)
	st.CurrentPolicy.SchedulerPriority = SchedulerPriority(schedulerPriority)
	if panicEnteredAt.Valid {
		t := panicEnteredAt.Time
		st.PanicEnteredAt = &t
	}
	return st, true, nil
}

func (p *PostgresStateStore) Put(ctx context.Context, cellID string, state State) error {
	var panicEnteredAt *sql.NullTime
	if state.PanicEnteredAt != nil {
		panicEnteredAt = &sql.NullTime{Time: *state.PanicEnteredAt, Valid: true}
	} else {
		panicEnteredAt = &sql.NullTime{Valid: false}
	}

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO emergency_state (
			cell_id, risk_state,
			floor_mass, balance_variance, dispute_rate, churn_rate, energy_stress, economic_stress, overall_stress,
			limit_factor, new_member_limit_factor, federation_beta_factor, admission_mode, commitment_mode, scheduler_priority, debtor_priority,
			last_state_change, panic_entered_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (cell_id) DO UPDATE SET
			risk_state = $2,
			floor_mass = $3, balance_variance = $4, dispute_rate = $5, churn_rate = $6, energy_stress = $7, economic_stress = $8, overall_stress = $9,
			limit_factor = $10, new_member_limit_factor = $11, federation_beta_factor = $12, admission_mode = $13, commitment_mode = $14, scheduler_priority = $15, debtor_priority = $16,
			last_state_change = $17, panic_entered_at = $18
	`, cellID, string(state.RiskState),
		state.Indicators.FloorMass, state.Indicators.BalanceVariance, state.Indicators.DisputeRate, state.Indicators.ChurnRate, state.Indicators.EnergyStress, state.Indicators.EconomicStress, state.Indicators.OverallStress,
		state.CurrentPolicy.LimitFactor, state.CurrentPolicy.NewMemberLimitFactor, state.CurrentPolicy.FederationBetaFactor, string(state.CurrentPolicy.AdmissionMode), string(state.CurrentPolicy.CommitmentMode), string(state.CurrentPolicy.SchedulerPriority), state.CurrentPolicy.DebtorPriority,
		state.LastStateChange, panicEnteredAt,
	)
	return err
}
