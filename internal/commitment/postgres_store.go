package commitment

import (
	"context"
	"database/sql"
)

// PostgresStore persists commitments in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed Store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, c Commitment) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO commitments (id, cell_id, kind, promisor, promisee, value, category, description, due_at, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, c.ID, c.CellID, string(c.Kind), c.Promisor, c.Promisee, c.Value, string(c.Category), c.Description, c.Due, string(c.Status), c.CreatedAt)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (Commitment, error) {
	var c Commitment
	var kind, category, status string
	row := p.db.QueryRowContext(ctx, `
		SELECT id, cell_id, kind, promisor, promisee, value, category, description, due_at, status, created_at,
		       accepted_at, fulfilled_at, cancelled_at, dispute_reason, cancel_reason, cancel_initiator, confirmed_by, rating, notes
		FROM commitments WHERE id = $1
	`, id)
	err := row.Scan(&c.ID, &c.CellID, &kind, &c.Promisor, &c.Promisee, &c.Value, &category, &c.Description, &c.Due, &status, &c.CreatedAt,
		&c.AcceptedAt, &c.FulfilledAt, &c.CancelledAt, &c.DisputeReason, &c.CancelReason, &c.CancelInitiator, &c.ConfirmedBy, &c.Rating, &c.Notes)
	if err == sql.ErrNoRows {
		return Commitment{}, ErrCommitmentNotFound
	}
	c.Kind = Kind(kind)
	c.Category = Category(category)
	c.Status = Status(status)
	return c, err
}

func (p *PostgresStore) Update(ctx context.Context, c Commitment) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE commitments
		SET status = $2, accepted_at = $3, fulfilled_at = $4, cancelled_at = $5, dispute_reason = $6,
		    cancel_reason = $7, cancel_initiator = $8, confirmed_by = $9, rating = $10, notes = $11, value = $12
		WHERE id = $1
	`, c.ID, string(c.Status), c.AcceptedAt, c.FulfilledAt, c.CancelledAt, c.DisputeReason,
		c.CancelReason, c.CancelInitiator, c.ConfirmedBy, c.Rating, c.Notes, c.Value)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrCommitmentNotFound
	}
	return nil
}

func (p *PostgresStore) ListActiveEscrowedByPromisor(ctx context.Context, cellID, promisor string) ([]Commitment, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, cell_id, kind, promisor, promisee, value, category, description, due_at, status, created_at
		FROM commitments
		WHERE cell_id = $1 AND promisor = $2 AND kind = 'escrowed' AND status = 'active'
	`, cellID, promisor)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Commitment
	for rows.Next() {
		var c Commitment
		var kind, category, status string
		if err := rows.Scan(&c.ID, &c.CellID, &kind, &c.Promisor, &c.Promisee, &c.Value, &category, &c.Description, &c.Due, &status, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.Kind = Kind(kind)
		c.Category = Category(category)
		c.Status = Status(status)
		out = append(out, c)
	}
	return out, rows.Err()
}
