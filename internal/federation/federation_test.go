package federation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cellcredit/cell/internal/clockutil"
	"github.com/cellcredit/cell/internal/ledger"
)

type fixture struct {
	ledger *ledger.Ledger
	engine *Engine
	links  *MemoryLinkRegistry
	params *MemoryParamsStore
}

// newFixture builds a single Engine serving two cells (cell-a, cell-b)
// over one shared in-memory Ledger, wired to itself through a
// LocalTransport — mirroring how one process can host every cell it
// federates with.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	store := ledger.NewMemoryStore()
	events := ledger.NewMemoryEventStore()
	led := ledger.New(store, events, clockutil.NewFixedClock(time.Unix(0, 0)))
	require.NoError(t, led.CreateCell(ctx, "cell-a", ledger.DefaultCellParams()))
	require.NoError(t, led.CreateCell(ctx, "cell-b", ledger.DefaultCellParams()))

	links := NewMemoryLinkRegistry()
	params := NewMemoryParamsStore()
	quarantine := NewMemoryQuarantineStore()
	transferLog := NewMemoryTransferLog()

	e := New(led, links, params, quarantine, transferLog, nil, nil, clockutil.NewFixedClock(time.Unix(0, 0)))
	transport := NewLocalTransport(map[string]*Engine{
		"cell-a": e,
		"cell-b": e,
	})
	e.SetTransport(transport)

	require.NoError(t, e.EnsureClearingAccount(ctx, "cell-a"))
	require.NoError(t, e.EnsureClearingAccount(ctx, "cell-b"))

	return &fixture{ledger: led, engine: e, links: links, params: params}
}

func (f *fixture) addMember(t *testing.T, cellID, memberID string, limit int64) {
	t.Helper()
	_, err := f.ledger.AddMember(context.Background(), cellID, memberID, &limit)
	require.NoError(t, err)
}

func (f *fixture) link(t *testing.T) Link {
	t.Helper()
	ctx := context.Background()
	l, err := f.engine.ProposeLink(ctx, "cell-a", "cell-b", "cell-a")
	require.NoError(t, err)
	l, err = f.engine.AcceptLink(ctx, l.ID)
	require.NoError(t, err)
	return l
}

func TestProposeAcceptLinkLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	l, err := f.engine.ProposeLink(ctx, "cell-a", "cell-b", "cell-a")
	require.NoError(t, err)
	assert.Equal(t, LinkPending, l.Status)

	_, err = f.engine.ProposeLink(ctx, "cell-b", "cell-a", "cell-b")
	assert.ErrorIs(t, err, ErrLinkAlreadyExists)

	_, err = f.engine.ProposeLink(ctx, "cell-a", "cell-a", "cell-a")
	assert.ErrorIs(t, err, ErrSameCell)

	active, err := f.engine.AcceptLink(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, LinkActive, active.Status)

	_, err = f.engine.AcceptLink(ctx, l.ID)
	assert.ErrorIs(t, err, ErrLinkNotPending)

	suspended, err := f.engine.SuspendLink(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, LinkSuspended, suspended.Status)

	resumed, err := f.engine.ResumeLink(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, LinkActive, resumed.Status)

	_, err = f.engine.ResumeLink(ctx, l.ID)
	assert.ErrorIs(t, err, ErrLinkNotActive)
}

func TestTransfer_HappyPathMovesBalancesAndBilateralPosition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addMember(t, "cell-a", "alice", 1000)
	f.addMember(t, "cell-b", "bob", 1000)
	require.NoError(t, f.params.Put(ctx, "cell-a", FederationParams{BaseBeta: 1.0}))
	require.NoError(t, f.params.Put(ctx, "cell-b", FederationParams{BaseBeta: 1.0}))
	link := f.link(t)

	status, err := f.engine.Transfer(ctx, "tx-1", "cell-a", "cell-b", "alice", "bob", 100)
	require.NoError(t, err)
	assert.Equal(t, TransferCompleted, status)

	alice, err := f.ledger.GetMember(ctx, "cell-a", "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(-100), alice.Balance)

	bob, err := f.ledger.GetMember(ctx, "cell-b", "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(100), bob.Balance)

	clearingA, err := f.ledger.GetMember(ctx, "cell-a", ClearingAccountID("cell-a"))
	require.NoError(t, err)
	assert.Equal(t, int64(100), clearingA.Balance)

	clearingB, err := f.ledger.GetMember(ctx, "cell-b", ClearingAccountID("cell-b"))
	require.NoError(t, err)
	assert.Equal(t, int64(-100), clearingB.Balance)

	posA, err := f.engine.GetBilateralPosition(ctx, link.ID, "cell-a")
	require.NoError(t, err)
	assert.Equal(t, int64(100), posA)

	posB, err := f.engine.GetBilateralPosition(ctx, link.ID, "cell-b")
	require.NoError(t, err)
	assert.Equal(t, int64(-100), posB)
}

func TestTransfer_IdempotentByTransactionID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addMember(t, "cell-a", "alice", 1000)
	f.addMember(t, "cell-b", "bob", 1000)
	require.NoError(t, f.params.Put(ctx, "cell-a", FederationParams{BaseBeta: 1.0}))
	require.NoError(t, f.params.Put(ctx, "cell-b", FederationParams{BaseBeta: 1.0}))
	f.link(t)

	status, err := f.engine.Transfer(ctx, "tx-dup", "cell-a", "cell-b", "alice", "bob", 50)
	require.NoError(t, err)
	assert.Equal(t, TransferCompleted, status)

	status2, err := f.engine.Transfer(ctx, "tx-dup", "cell-a", "cell-b", "alice", "bob", 50)
	require.NoError(t, err)
	assert.Equal(t, TransferCompleted, status2)

	alice, err := f.ledger.GetMember(ctx, "cell-a", "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(-50), alice.Balance, "retry must not re-apply the transfer")
}

func TestTransfer_RejectsWhenLinkNotActive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addMember(t, "cell-a", "alice", 1000)
	f.addMember(t, "cell-b", "bob", 1000)

	_, err := f.engine.ProposeLink(ctx, "cell-a", "cell-b", "cell-a")
	require.NoError(t, err)

	_, err = f.engine.Transfer(ctx, "tx-2", "cell-a", "cell-b", "alice", "bob", 10)
	assert.ErrorIs(t, err, ErrLinkNotActive)
}

func TestTransfer_RejectsWhenSourceQuarantined(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addMember(t, "cell-a", "alice", 1000)
	f.addMember(t, "cell-b", "bob", 1000)
	require.NoError(t, f.params.Put(ctx, "cell-a", FederationParams{BaseBeta: 1.0}))
	require.NoError(t, f.params.Put(ctx, "cell-b", FederationParams{BaseBeta: 1.0}))
	f.link(t)

	require.NoError(t, f.engine.Quarantine(ctx, "cell-a", QuarantineManual))

	_, err := f.engine.Transfer(ctx, "tx-3", "cell-a", "cell-b", "alice", "bob", 10)
	assert.ErrorIs(t, err, ErrSourceQuarantined)
}

func TestQuarantine_SuspendsLinksAndLiftDoesNotAutoResume(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	link := f.link(t)

	require.NoError(t, f.engine.Quarantine(ctx, "cell-a", QuarantineCapBreach))

	l, err := f.engine.AcceptLink(ctx, link.ID) // already active; exercise Get path indirectly
	assert.ErrorIs(t, err, ErrLinkNotPending)
	_ = l

	got, err := f.links.Get(ctx, link.ID)
	require.NoError(t, err)
	assert.Equal(t, LinkSuspended, got.Status)

	require.NoError(t, f.engine.Lift(ctx, "cell-a"))

	got, err = f.links.Get(ctx, link.ID)
	require.NoError(t, err)
	assert.Equal(t, LinkSuspended, got.Status, "lifting quarantine must not auto-resume links")
}

func TestTransfer_RejectsExceedingExposureCap(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addMember(t, "cell-a", "alice", 1_000_000)
	f.addMember(t, "cell-b", "bob", 1_000_000)
	// a tiny base_beta keeps the exposure cap well below alice's own capacity
	require.NoError(t, f.params.Put(ctx, "cell-a", FederationParams{BaseBeta: 0.0001}))
	require.NoError(t, f.params.Put(ctx, "cell-b", FederationParams{BaseBeta: 1.0}))
	f.link(t)

	_, err := f.engine.Transfer(ctx, "tx-4", "cell-a", "cell-b", "alice", "bob", 10_000)
	assert.ErrorIs(t, err, ErrExposureCapExceeded)
}

// failExecuteTransport lets ValidateRemote pass through to the real
// LocalTransport (exercising the normal step-2 check) while forcing
// ExecuteRemote to fail, so the rollback branch of Transfer can be
// exercised independent of whatever made the target actually reject.
type failExecuteTransport struct {
	inner Transport
}

func (t *failExecuteTransport) ValidateRemote(ctx context.Context, sourceCellID, remoteCellID, payee string, amount int64) error {
	return t.inner.ValidateRemote(ctx, sourceCellID, remoteCellID, payee, amount)
}

func (t *failExecuteTransport) ExecuteRemote(ctx context.Context, sourceCellID, remoteCellID, payee string, amount int64, transactionID string) error {
	return assert.AnError
}

func (t *failExecuteTransport) RollbackRemote(ctx context.Context, remoteCellID, transactionID string) error {
	return t.inner.RollbackRemote(ctx, remoteCellID, transactionID)
}

func TestTransfer_RollsBackOnTargetFailureAndVoidsTransaction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addMember(t, "cell-a", "alice", 1000)
	f.addMember(t, "cell-b", "bob", 1000)
	require.NoError(t, f.params.Put(ctx, "cell-a", FederationParams{BaseBeta: 1.0}))
	require.NoError(t, f.params.Put(ctx, "cell-b", FederationParams{BaseBeta: 1.0}))
	f.link(t)

	originalTransport := f.engine.transport
	f.engine.SetTransport(&failExecuteTransport{inner: originalTransport})

	status, err := f.engine.Transfer(ctx, "tx-5", "cell-a", "cell-b", "alice", "bob", 100)
	require.Error(t, err)
	assert.Equal(t, TransferRolledBack, status)

	alice, err := f.ledger.GetMember(ctx, "cell-a", "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(0), alice.Balance, "source leg must be rolled back to its original value")

	clearingA, err := f.ledger.GetMember(ctx, "cell-a", ClearingAccountID("cell-a"))
	require.NoError(t, err)
	assert.Equal(t, int64(0), clearingA.Balance)

	// a retry of the same transaction id is idempotent: it returns the
	// already-recorded rolled-back outcome rather than re-attempting.
	status2, err := f.engine.Transfer(ctx, "tx-5", "cell-a", "cell-b", "alice", "bob", 100)
	require.NoError(t, err)
	assert.Equal(t, TransferRolledBack, status2)
}

func TestExposureCap_ZeroBetaFactorFreezesCellUnderPanic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addMember(t, "cell-a", "alice", 1000)
	f.addMember(t, "cell-b", "bob", 1000)
	require.NoError(t, f.params.Put(ctx, "cell-a", FederationParams{BaseBeta: 1.0}))
	require.NoError(t, f.params.Put(ctx, "cell-b", FederationParams{BaseBeta: 1.0}))
	f.link(t)

	f.engine.SetBetaFactor("cell-a", 0.0)

	_, err := f.engine.Transfer(ctx, "tx-6", "cell-a", "cell-b", "alice", "bob", 1)
	assert.ErrorIs(t, err, ErrFederationFrozen)
}
