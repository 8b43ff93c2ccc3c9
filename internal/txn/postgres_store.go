package txn

import (
	"context"
	"database/sql"
)

// PostgresStore persists spot transactions in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed Store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, t Transaction) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO transactions (id, cell_id, payer, payee, amount, description, nonce, created_at, status, payer_sig, payee_sig, queued_at, attempts, last_error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, t.ID, t.CellID, t.Payer, t.Payee, t.Amount, t.Description, t.Nonce, t.CreatedAt, string(t.Status),
		nullBytes(t.PayerSig), nullBytes(t.PayeeSig), t.QueuedAt, t.Attempts, t.LastError)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (Transaction, error) {
	var t Transaction
	var status string
	row := p.db.QueryRowContext(ctx, `
		SELECT id, cell_id, payer, payee, amount, description, nonce, created_at, executed_at, status, payer_sig, payee_sig, queued_at, attempts, last_error
		FROM transactions WHERE id = $1
	`, id)
	err := row.Scan(&t.ID, &t.CellID, &t.Payer, &t.Payee, &t.Amount, &t.Description, &t.Nonce, &t.CreatedAt,
		&t.ExecutedAt, &status, &t.PayerSig, &t.PayeeSig, &t.QueuedAt, &t.Attempts, &t.LastError)
	if err == sql.ErrNoRows {
		return Transaction{}, ErrTransactionNotFound
	}
	t.Status = Status(status)
	return t, err
}

func (p *PostgresStore) Update(ctx context.Context, t Transaction) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE transactions
		SET executed_at = $2, status = $3, payer_sig = $4, payee_sig = $5, queued_at = $6, attempts = $7, last_error = $8
		WHERE id = $1
	`, t.ID, t.ExecutedAt, string(t.Status), nullBytes(t.PayerSig), nullBytes(t.PayeeSig), t.QueuedAt, t.Attempts, t.LastError)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

func (p *PostgresStore) ListQueued(ctx context.Context, cellID string) ([]Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, cell_id, payer, payee, amount, description, nonce, created_at, executed_at, status, payer_sig, payee_sig, queued_at, attempts, last_error
		FROM transactions
		WHERE cell_id = $1 AND queued_at IS NOT NULL AND status IN ('pending', 'ready')
		ORDER BY queued_at ASC
	`, cellID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		var t Transaction
		var status string
		if err := rows.Scan(&t.ID, &t.CellID, &t.Payer, &t.Payee, &t.Amount, &t.Description, &t.Nonce, &t.CreatedAt,
			&t.ExecutedAt, &status, &t.PayerSig, &t.PayeeSig, &t.QueuedAt, &t.Attempts, &t.LastError); err != nil {
			return nil, err
		}
		t.Status = Status(status)
		out = append(out, t)
	}
	return out, rows.Err()
}

func nullBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}
