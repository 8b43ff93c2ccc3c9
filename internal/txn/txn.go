package txn

import (
	"context"
	"fmt"

	"github.com/cellcredit/cell/internal/clockutil"
	"github.com/cellcredit/cell/internal/identity"
	"github.com/cellcredit/cell/internal/idgen"
	"github.com/cellcredit/cell/internal/ledger"
	"github.com/cellcredit/cell/internal/metrics"
	"github.com/cellcredit/cell/internal/traces"
)

// Engine drives the spot-transaction lifecycle on top of a Ledger.
type Engine struct {
	store    Store
	ledger   *ledger.Ledger
	identity identity.Provider
	clock    clockutil.Clock
}

// New creates a transaction Engine.
func New(store Store, led *ledger.Ledger, idp identity.Provider, clock clockutil.Clock) *Engine {
	if clock == nil {
		clock = clockutil.System
	}
	return &Engine{store: store, ledger: led, identity: idp, clock: clock}
}

// CreateSpot creates a Pending transaction. Validation happens here and is
// re-checked at execute time: payer and payee must be distinct and
// Active, and amount must be positive.
func (e *Engine) CreateSpot(ctx context.Context, cellID, payer, payee string, amount int64, description string) (Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "txn.create_spot", traces.CellID(cellID), traces.Amount(amount))
	defer span.End()

	if payer == payee {
		return Transaction{}, ErrSamePayerPayee
	}
	if amount <= 0 {
		return Transaction{}, ErrInvalidAmount
	}
	if err := e.requireActive(ctx, cellID, payer, ErrPayerNotActive); err != nil {
		return Transaction{}, err
	}
	if err := e.requireActive(ctx, cellID, payee, ErrPayeeNotActive); err != nil {
		return Transaction{}, err
	}

	now := e.clock.Now()
	t := Transaction{
		ID:          idgen.WithPrefix("txn_"),
		CellID:      cellID,
		Payer:       payer,
		Payee:       payee,
		Amount:      amount,
		Description: description,
		Nonce:       idgen.Hex(16),
		CreatedAt:   now,
		Status:      StatusPending,
	}

	if err := e.store.Create(ctx, t); err != nil {
		return Transaction{}, fmt.Errorf("%w: %v", ErrStorageError, err)
	}
	return t, nil
}

// EnqueueOffline marks an already-created transaction as queued for later
// processing by ProcessOfflineQueue, e.g. because the ledger was
// unreachable when the caller wanted to execute it immediately.
func (e *Engine) EnqueueOffline(ctx context.Context, id string) error {
	t, err := e.store.Get(ctx, id)
	if err != nil {
		return err
	}
	now := e.clock.Now()
	t.QueuedAt = &now
	return e.store.Update(ctx, t)
}

// canonicalMessage builds the signing tuple (payer, payee, amount,
// description, created_at, nonce) that both signatures are verified
// against. The core treats this purely as opaque bytes to pass to the
// identity collaborator; it never inspects key material itself.
func canonicalMessage(t Transaction) []byte {
	return []byte(fmt.Sprintf("%s|%s|%d|%s|%d|%s",
		t.Payer, t.Payee, t.Amount, t.Description, t.CreatedAt.UnixNano(), t.Nonce))
}

// SignAsPayer attaches and verifies the payer's signature over the
// canonical tuple. If the payee's signature is already present, the
// transaction becomes Ready.
func (e *Engine) SignAsPayer(ctx context.Context, id string, sig []byte) error {
	return e.sign(ctx, id, sig, true)
}

// SignAsPayee attaches and verifies the payee's signature over the
// canonical tuple. If the payer's signature is already present, the
// transaction becomes Ready.
func (e *Engine) SignAsPayee(ctx context.Context, id string, sig []byte) error {
	return e.sign(ctx, id, sig, false)
}

func (e *Engine) sign(ctx context.Context, id string, sig []byte, asPayer bool) error {
	t, err := e.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if isTerminal(t.Status) {
		return ErrAlreadyTerminal
	}

	signer := t.Payee
	invalidErr := ErrInvalidPayeeSignature
	if asPayer {
		signer = t.Payer
		invalidErr = ErrInvalidPayerSignature
	}

	ok, err := e.identity.Verify(ctx, signer, canonicalMessage(t), sig)
	if err != nil {
		return err
	}
	if !ok {
		return invalidErr
	}

	if asPayer {
		t.PayerSig = sig
	} else {
		t.PayeeSig = sig
	}
	if len(t.PayerSig) > 0 && len(t.PayeeSig) > 0 {
		t.Status = StatusReady
	}
	return e.store.Update(ctx, t)
}

// Execute re-validates a Ready transaction against current ledger state
// and, if it still passes, applies the balance update atomically inside
// the ledger's critical section, transitioning the transaction to
// Executed. Expected failures (insufficient capacity, frozen
// counterparty) transition it to Failed and are returned to the caller
// without retry; storage failures are surfaced as ErrStorageError. A
// transaction that is already Executed is a no-op returning nil: the
// second call of a retried submission produces the same outcome as the
// first, not an error.
func (e *Engine) Execute(ctx context.Context, id string) error {
	ctx, span := traces.StartSpan(ctx, "txn.execute", traces.TransactionID(id))
	defer span.End()

	t, err := e.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if t.Status == StatusExecuted {
		// Already applied: a retried call with the same id is a no-op
		// returning the prior outcome, not an error.
		return nil
	}
	if t.Status != StatusReady {
		return ErrNotReady
	}

	if failErr := e.revalidate(ctx, t); failErr != nil {
		t.Status = StatusFailed
		t.LastError = failErr.Error()
		_ = e.store.Update(ctx, t)
		metrics.TransactionsTotal.WithLabelValues(string(StatusFailed)).Inc()
		return failErr
	}

	_, err = e.ledger.ApplyBalanceUpdates(ctx, t.CellID, []ledger.BalanceUpdate{
		{Member: t.Payer, Delta: -t.Amount, Reason: "spot_executed", Ref: t.ID},
		{Member: t.Payee, Delta: t.Amount, Reason: "spot_executed", Ref: t.ID},
	})
	if err != nil {
		t.Status = StatusFailed
		t.LastError = err.Error()
		_ = e.store.Update(ctx, t)
		metrics.TransactionsTotal.WithLabelValues(string(StatusFailed)).Inc()
		return err
	}

	now := e.clock.Now()
	t.Status = StatusExecuted
	t.ExecutedAt = &now
	if err := e.store.Update(ctx, t); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageError, err)
	}
	metrics.TransactionsTotal.WithLabelValues(string(StatusExecuted)).Inc()
	return nil
}

// revalidate re-checks everything CreateSpot checked, against current
// ledger state, plus payer capacity.
func (e *Engine) revalidate(ctx context.Context, t Transaction) error {
	if t.Payer == t.Payee {
		return ErrSamePayerPayee
	}
	if t.Amount <= 0 {
		return ErrInvalidAmount
	}
	if err := e.requireActive(ctx, t.CellID, t.Payer, ErrPayerNotActive); err != nil {
		return err
	}
	if err := e.requireActive(ctx, t.CellID, t.Payee, ErrPayeeNotActive); err != nil {
		return err
	}
	ok, err := e.ledger.CanSpend(ctx, t.CellID, t.Payer, t.Amount)
	if err != nil {
		return err
	}
	if !ok {
		return ErrInsufficientCapacity
	}
	return nil
}

func (e *Engine) requireActive(ctx context.Context, cellID, member string, onInactive error) error {
	m, err := e.ledger.GetMember(ctx, cellID, member)
	if err != nil {
		return err
	}
	if m.Status != ledger.StatusActive {
		return onInactive
	}
	return nil
}

// ProcessOfflineQueue re-validates every queued transaction against
// current ledger state and executes those that still pass. Transactions
// that fail re-validation remain queued with an updated attempt count and
// error — nothing is silently dropped.
func (e *Engine) ProcessOfflineQueue(ctx context.Context, cellID string) (processed, failed int, err error) {
	queued, err := e.store.ListQueued(ctx, cellID)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrStorageError, err)
	}

	for _, t := range queued {
		if t.Status == StatusPending {
			// Offline-queued transactions that never got both
			// signatures cannot execute; they stay queued.
			continue
		}
		execErr := e.Execute(ctx, t.ID)
		if execErr == nil {
			processed++
			continue
		}
		failed++
		current, getErr := e.store.Get(ctx, t.ID)
		if getErr != nil {
			continue
		}
		current.Attempts++
		current.LastError = execErr.Error()
		current.Status = StatusReady // stays queued, not terminal, for a future retry
		_ = e.store.Update(ctx, current)
	}
	return processed, failed, nil
}

func isTerminal(s Status) bool {
	return s == StatusExecuted || s == StatusFailed || s == StatusCancelled
}
