package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists cell and member state in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed Store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) CreateCell(ctx context.Context, cellID string, params CellParams) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO ledger_cells (cell_id, default_limit, min_limit, max_limit, enforce_escrow_safety, floor_mass_rho, sequence_number, last_updated)
		VALUES ($1, $2, $3, $4, $5, $6, 0, NOW())
	`, cellID, params.DefaultLimit, params.MinLimit, params.MaxLimit, params.EnforceEscrowSafety, params.FloorMassRho)
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
		return ErrMemberAlreadyExists
	}
	return err
}

func (p *PostgresStore) GetCellParams(ctx context.Context, cellID string) (CellParams, error) {
	var params CellParams
	err := p.db.QueryRowContext(ctx, `
		SELECT default_limit, min_limit, max_limit, enforce_escrow_safety, floor_mass_rho
		FROM ledger_cells WHERE cell_id = $1
	`, cellID).Scan(&params.DefaultLimit, &params.MinLimit, &params.MaxLimit, &params.EnforceEscrowSafety, &params.FloorMassRho)
	if err == sql.ErrNoRows {
		return CellParams{}, ErrMemberNotFound
	}
	return params, err
}

func (p *PostgresStore) PutCellParams(ctx context.Context, cellID string, params CellParams) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE ledger_cells
		SET default_limit = $2, min_limit = $3, max_limit = $4, enforce_escrow_safety = $5, floor_mass_rho = $6
		WHERE cell_id = $1
	`, cellID, params.DefaultLimit, params.MinLimit, params.MaxLimit, params.EnforceEscrowSafety, params.FloorMassRho)
	if err != nil {
		return err
	}
	return requireRowAffected(res)
}

func (p *PostgresStore) GetMember(ctx context.Context, cellID, memberID string) (Member, error) {
	var m Member
	var status string
	err := p.db.QueryRowContext(ctx, `
		SELECT member_id, balance, limit_amount, reserve, status, joined_at, last_activity
		FROM ledger_members WHERE cell_id = $1 AND member_id = $2
	`, cellID, memberID).Scan(&m.ID, &m.Balance, &m.Limit, &m.Reserve, &status, &m.JoinedAt, &m.LastActivity)
	if err == sql.ErrNoRows {
		return Member{}, ErrMemberNotFound
	}
	m.Status = MemberStatus(status)
	return m, err
}

func (p *PostgresStore) PutMember(ctx context.Context, cellID string, m Member) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO ledger_members (cell_id, member_id, balance, limit_amount, reserve, status, joined_at, last_activity)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (cell_id, member_id) DO UPDATE
		SET balance = $3, limit_amount = $4, reserve = $5, status = $6, last_activity = $8
	`, cellID, m.ID, m.Balance, m.Limit, m.Reserve, string(m.Status), m.JoinedAt, m.LastActivity)
	return err
}

func (p *PostgresStore) DeleteMember(ctx context.Context, cellID, memberID string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM ledger_members WHERE cell_id = $1 AND member_id = $2`, cellID, memberID)
	return err
}

func (p *PostgresStore) ListMembers(ctx context.Context, cellID string) ([]Member, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT member_id, balance, limit_amount, reserve, status, joined_at, last_activity
		FROM ledger_members WHERE cell_id = $1
	`, cellID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Member
	for rows.Next() {
		var m Member
		var status string
		if err := rows.Scan(&m.ID, &m.Balance, &m.Limit, &m.Reserve, &status, &m.JoinedAt, &m.LastActivity); err != nil {
			return nil, err
		}
		m.Status = MemberStatus(status)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (p *PostgresStore) NextSequence(ctx context.Context, cellID string) (int64, error) {
	var seq int64
	err := p.db.QueryRowContext(ctx, `
		UPDATE ledger_cells SET sequence_number = sequence_number + 1
		WHERE cell_id = $1
		RETURNING sequence_number
	`, cellID).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, ErrMemberNotFound
	}
	return seq, err
}

func (p *PostgresStore) SetLastUpdated(ctx context.Context, cellID string, t time.Time) error {
	_, err := p.db.ExecContext(ctx, `UPDATE ledger_cells SET last_updated = $2 WHERE cell_id = $1`, cellID, t)
	return err
}

func requireRowAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrMemberNotFound
	}
	return nil
}

// PostgresEventStore persists a cell's append-only event log in
// PostgreSQL. Payloads are stored as JSONB; they round-trip through
// encoding/json rather than the in-process map[string]any the
// MemoryEventStore hands back, so replay code must decode values (e.g.
// the "updates" field of a balance_update event) accordingly.
type PostgresEventStore struct {
	db *sql.DB
}

// NewPostgresEventStore creates a new PostgreSQL-backed EventStore.
func NewPostgresEventStore(db *sql.DB) *PostgresEventStore {
	return &PostgresEventStore{db: db}
}

func (p *PostgresEventStore) AppendEvent(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO ledger_events (id, cell_id, type, sequence_number, timestamp, payload)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, ev.ID, ev.CellID, ev.Type, ev.SequenceNumber, ev.Timestamp, payload)
	return err
}

func (p *PostgresEventStore) GetEvents(ctx context.Context, cellID string) ([]Event, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, cell_id, type, sequence_number, timestamp, payload
		FROM ledger_events WHERE cell_id = $1
		ORDER BY sequence_number ASC
	`, cellID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		var payload []byte
		if err := rows.Scan(&ev.ID, &ev.CellID, &ev.Type, &ev.SequenceNumber, &ev.Timestamp, &payload); err != nil {
			return nil, err
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &ev.Payload); err != nil {
				return nil, err
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
