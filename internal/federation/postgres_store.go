package federation

import (
	"context"
	"database/sql"
	"time"
)

// PostgresLinkRegistry persists federation links in PostgreSQL.
type PostgresLinkRegistry struct {
	db *sql.DB
}

func NewPostgresLinkRegistry(db *sql.DB) *PostgresLinkRegistry {
	return &PostgresLinkRegistry{db: db}
}

func (p *PostgresLinkRegistry) Create(ctx context.Context, link Link) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO federation_links (id, cell_a, cell_b, status, bilateral_ab, established_at, last_contact_at, proposed_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, link.ID, link.CellA, link.CellB, string(link.Status), link.BilateralAB, link.EstablishedAt, nullTime(link.LastContactAt), link.ProposedBy)
	return err
}

func (p *PostgresLinkRegistry) Get(ctx context.Context, id string) (Link, error) {
	var l Link
	var status string
	var lastContact sql.NullTime
	err := p.db.QueryRowContext(ctx, `
		SELECT id, cell_a, cell_b, status, bilateral_ab, established_at, last_contact_at, proposed_by
		FROM federation_links WHERE id = $1
	`, id).Scan(&l.ID, &l.CellA, &l.CellB, &status, &l.BilateralAB, &l.EstablishedAt, &lastContact, &l.ProposedBy)
	if err == sql.ErrNoRows {
		return Link{}, ErrLinkNotFound
	}
	l.Status = LinkStatus(status)
	l.LastContactAt = lastContact.Time
	return l, err
}

func (p *PostgresLinkRegistry) GetBetween(ctx context.Context, cellA, cellB string) (Link, error) {
	var l Link
	var status string
	var lastContact sql.NullTime
	err := p.db.QueryRowContext(ctx, `
		SELECT id, cell_a, cell_b, status, bilateral_ab, established_at, last_contact_at, proposed_by
		FROM federation_links
		WHERE (cell_a = $1 AND cell_b = $2) OR (cell_a = $2 AND cell_b = $1)
	`, cellA, cellB).Scan(&l.ID, &l.CellA, &l.CellB, &status, &l.BilateralAB, &l.EstablishedAt, &lastContact, &l.ProposedBy)
	if err == sql.ErrNoRows {
		return Link{}, ErrLinkNotFound
	}
	l.Status = LinkStatus(status)
	l.LastContactAt = lastContact.Time
	return l, err
}

func (p *PostgresLinkRegistry) Update(ctx context.Context, link Link) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE federation_links
		SET status = $2, bilateral_ab = $3, established_at = $4, last_contact_at = $5
		WHERE id = $1
	`, link.ID, string(link.Status), link.BilateralAB, link.EstablishedAt, nullTime(link.LastContactAt))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLinkNotFound
	}
	return nil
}

func (p *PostgresLinkRegistry) ListForCell(ctx context.Context, cellID string) ([]Link, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, cell_a, cell_b, status, bilateral_ab, established_at, last_contact_at, proposed_by
		FROM federation_links WHERE cell_a = $1 OR cell_b = $1
	`, cellID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Link
	for rows.Next() {
		var l Link
		var status string
		var lastContact sql.NullTime
		if err := rows.Scan(&l.ID, &l.CellA, &l.CellB, &status, &l.BilateralAB, &l.EstablishedAt, &lastContact, &l.ProposedBy); err != nil {
			return nil, err
		}
		l.Status = LinkStatus(status)
		l.LastContactAt = lastContact.Time
		out = append(out, l)
	}
	return out, rows.Err()
}

// nullTime converts a zero time.Time (Go's "never happened" value) to a
// SQL NULL rather than persisting the zero timestamp literally.
func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

// PostgresQuarantineStore persists per-cell quarantine state in PostgreSQL.
type PostgresQuarantineStore struct {
	db *sql.DB
}

func NewPostgresQuarantineStore(db *sql.DB) *PostgresQuarantineStore {
	return &PostgresQuarantineStore{db: db}
}

func (p *PostgresQuarantineStore) IsQuarantined(ctx context.Context, cellID string) (bool, error) {
	var reason string
	err := p.db.QueryRowContext(ctx, `SELECT reason FROM federation_quarantine WHERE cell_id = $1`, cellID).Scan(&reason)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (p *PostgresQuarantineStore) Quarantine(ctx context.Context, cellID string, reason QuarantineReason) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO federation_quarantine (cell_id, reason)
		VALUES ($1, $2)
		ON CONFLICT (cell_id) DO UPDATE SET reason = $2
	`, cellID, string(reason))
	return err
}

func (p *PostgresQuarantineStore) Lift(ctx context.Context, cellID string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM federation_quarantine WHERE cell_id = $1`, cellID)
	return err
}

// PostgresTransferLog persists inter-cell transfer idempotency records.
type PostgresTransferLog struct {
	db *sql.DB
}

func NewPostgresTransferLog(db *sql.DB) *PostgresTransferLog {
	return &PostgresTransferLog{db: db}
}

func (p *PostgresTransferLog) Record(ctx context.Context, rec TransferRecord) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO federation_transfers (transaction_id, source_cell, target_cell, payer, payee, amount, status, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (transaction_id) DO UPDATE SET status = $7, completed_at = $8
	`, rec.TransactionID, rec.SourceCell, rec.TargetCell, rec.Payer, rec.Payee, rec.Amount, string(rec.Status), rec.CompletedAt)
	return err
}

func (p *PostgresTransferLog) Get(ctx context.Context, transactionID string) (TransferRecord, bool, error) {
	var rec TransferRecord
	var status string
	err := p.db.QueryRowContext(ctx, `
		SELECT transaction_id, source_cell, target_cell, payer, payee, amount, status, completed_at
		FROM federation_transfers WHERE transaction_id = $1
	`, transactionID).Scan(&rec.TransactionID, &rec.SourceCell, &rec.TargetCell, &rec.Payer, &rec.Payee, &rec.Amount, &status, &rec.CompletedAt)
	if err == sql.ErrNoRows {
		return TransferRecord{}, false, nil
	}
	if err != nil {
		return TransferRecord{}, false, err
	}
	rec.Status = TransferStatus(status)
	return rec, true, nil
}

// PostgresParamsStore persists each cell's federation parameters.
type PostgresParamsStore struct {
	db *sql.DB
}

func NewPostgresParamsStore(db *sql.DB) *PostgresParamsStore {
	return &PostgresParamsStore{db: db}
}

func (p *PostgresParamsStore) Get(ctx context.Context, cellID string) (FederationParams, error) {
	var params FederationParams
	err := p.db.QueryRowContext(ctx, `SELECT base_beta FROM federation_params WHERE cell_id = $1`, cellID).Scan(&params.BaseBeta)
	if err == sql.ErrNoRows {
		return FederationParams{BaseBeta: 0.05}, nil
	}
	return params, err
}

func (p *PostgresParamsStore) Put(ctx context.Context, cellID string, params FederationParams) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO federation_params (cell_id, base_beta)
		VALUES ($1, $2)
		ON CONFLICT (cell_id) DO UPDATE SET base_beta = $2
	`, cellID, params.BaseBeta)
	return err
}
