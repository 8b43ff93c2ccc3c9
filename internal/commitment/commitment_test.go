package commitment

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cellcredit/cell/internal/governance"
	"github.com/cellcredit/cell/internal/ledger"
)

type fixture struct {
	engine *Engine
	ledger *ledger.Ledger
	gov    *governance.MemoryAuthorizer
	store  *MemoryStore
}

func newFixture(t *testing.T, cellID string) fixture {
	t.Helper()
	ctx := context.Background()

	led := ledger.New(ledger.NewMemoryStore(), ledger.NewMemoryEventStore(), nil)
	require.NoError(t, led.CreateCell(ctx, cellID, ledger.DefaultCellParams()))
	_, err := led.AddMember(ctx, cellID, "alice", nil)
	require.NoError(t, err)
	_, err = led.AddMember(ctx, cellID, "bob", nil)
	require.NoError(t, err)

	gov := governance.NewMemoryAuthorizer("admin")
	store := NewMemoryStore()
	return fixture{engine: New(store, led, gov, nil), ledger: led, gov: gov, store: store}
}

func TestCreate_ValidatesDistinctActiveAndCategory(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "cell-1")

	_, err := f.engine.Create(ctx, "cell-1", KindSoft, "alice", "alice", 10, CategoryTutoring, "")
	assert.ErrorIs(t, err, ErrSamePromisorPromisee)

	_, err = f.engine.Create(ctx, "cell-1", KindSoft, "alice", "bob", 10, Category("nonsense"), "")
	assert.ErrorIs(t, err, ErrInvalidCategory)

	_, err = f.engine.Create(ctx, "cell-1", KindSoft, "alice", "bob", 0, CategoryTutoring, "")
	assert.ErrorIs(t, err, ErrInvalidValue)
}

func TestEscrowed_AcceptLocksReserveAndFulfillReleasesIt(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "cell-1")

	c, err := f.engine.Create(ctx, "cell-1", KindEscrowed, "alice", "bob", 100, CategoryHomeRepair, "fix the fence")
	require.NoError(t, err)
	assert.Equal(t, StatusProposed, c.Status)

	c, err = f.engine.Accept(ctx, c.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, c.Status)

	alice, _ := f.ledger.GetMember(ctx, "cell-1", "alice")
	assert.Equal(t, int64(100), alice.Reserve)

	sum, err := f.engine.ReserveInvariant(ctx, "cell-1", "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(100), sum)

	c, err = f.engine.Fulfill(ctx, c.ID, Confirmation{ConfirmedBy: "bob"})
	require.NoError(t, err)
	assert.Equal(t, StatusFulfilled, c.Status)

	alice, _ = f.ledger.GetMember(ctx, "cell-1", "alice")
	bob, _ := f.ledger.GetMember(ctx, "cell-1", "bob")
	assert.Equal(t, int64(0), alice.Reserve)
	assert.Equal(t, int64(100), alice.Balance)
	assert.Equal(t, int64(-100), bob.Balance)
}

func TestFulfill_OnlyPromiseeMayConfirm(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "cell-1")

	c, err := f.engine.Create(ctx, "cell-1", KindSoft, "alice", "bob", 10, CategoryTutoring, "")
	require.NoError(t, err)
	c, err = f.engine.Accept(ctx, c.ID, "bob")
	require.NoError(t, err)

	_, err = f.engine.Fulfill(ctx, c.ID, Confirmation{ConfirmedBy: "alice"})
	assert.ErrorIs(t, err, ErrNotPromisee)
}

func TestCancel_ActiveEscrowedReleasesExactReserve(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "cell-1")

	c, err := f.engine.Create(ctx, "cell-1", KindEscrowed, "alice", "bob", 60, CategoryGardening, "")
	require.NoError(t, err)
	c, err = f.engine.Accept(ctx, c.ID, "bob")
	require.NoError(t, err)

	alice, _ := f.ledger.GetMember(ctx, "cell-1", "alice")
	assert.Equal(t, int64(60), alice.Reserve)

	c, err = f.engine.Cancel(ctx, c.ID, "change of plans", "alice", false)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, c.Status)

	alice, _ = f.ledger.GetMember(ctx, "cell-1", "alice")
	assert.Equal(t, int64(0), alice.Reserve)
}

func TestCancel_RejectsAfterFulfilled(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "cell-1")

	c, err := f.engine.Create(ctx, "cell-1", KindSoft, "alice", "bob", 10, CategoryTutoring, "")
	require.NoError(t, err)
	c, err = f.engine.Accept(ctx, c.ID, "bob")
	require.NoError(t, err)
	c, err = f.engine.Fulfill(ctx, c.ID, Confirmation{ConfirmedBy: "bob"})
	require.NoError(t, err)

	_, err = f.engine.Cancel(ctx, c.ID, "too late", "alice", false)
	assert.ErrorIs(t, err, ErrInvalidStatusTransition)
}

func TestDisputeResolution_FulfilledWithAdjustedValue(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "cell-1")

	c, err := f.engine.Create(ctx, "cell-1", KindEscrowed, "alice", "bob", 100, CategoryHomeRepair, "")
	require.NoError(t, err)
	c, err = f.engine.Accept(ctx, c.ID, "bob")
	require.NoError(t, err)

	c, err = f.engine.Dispute(ctx, c.ID, "quality dispute")
	require.NoError(t, err)
	assert.Equal(t, StatusDisputed, c.Status)

	_, err = f.engine.ResolveDispute(ctx, c.ID)
	assert.ErrorIs(t, err, ErrNoDisputeResolution)

	f.gov.RecordDisputeResolution(governance.DisputeResolution{
		CommitmentID: c.ID,
		Outcome:      governance.DisputeFulfilled,
		SettledUnits: 70,
	})

	c, err = f.engine.ResolveDispute(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFulfilled, c.Status)
	assert.Equal(t, int64(70), c.Value)

	alice, _ := f.ledger.GetMember(ctx, "cell-1", "alice")
	bob, _ := f.ledger.GetMember(ctx, "cell-1", "bob")
	assert.Equal(t, int64(0), alice.Reserve)
	assert.Equal(t, int64(70), alice.Balance)
	assert.Equal(t, int64(-70), bob.Balance)
}
