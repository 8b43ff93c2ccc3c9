package txn

import (
	"context"
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cellcredit/cell/internal/identity"
	"github.com/cellcredit/cell/internal/ledger"
)

type fixture struct {
	engine   *Engine
	ledger   *ledger.Ledger
	identity *identity.MemoryProvider
	store    *MemoryStore
	aliceKey ed25519.PrivateKey
	bobKey   ed25519.PrivateKey
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

	idp := identity.NewMemoryProvider()
	aliceKey, err := idp.Issue("alice")
	require.NoError(t, err)
	bobKey, err := idp.Issue("bob")
	require.NoError(t, err)

	store := NewMemoryStore()
	return fixture{
		engine:   New(store, led, idp, nil),
		ledger:   led,
		identity: idp,
		store:    store,
		aliceKey: aliceKey,
		bobKey:   bobKey,
	}
}

func (f fixture) sign(key ed25519.PrivateKey, t Transaction) []byte {
	return ed25519.Sign(key, canonicalMessage(t))
}

func TestCreateSpot_RejectsSamePayerPayeeAndNonPositiveAmount(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "cell-1")

	_, err := f.engine.CreateSpot(ctx, "cell-1", "alice", "alice", 10, "")
	assert.ErrorIs(t, err, ErrSamePayerPayee)

	_, err = f.engine.CreateSpot(ctx, "cell-1", "alice", "bob", 0, "")
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestFullLifecycle_SignBothSidesThenExecute(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "cell-1")

	txn, err := f.engine.CreateSpot(ctx, "cell-1", "alice", "bob", 25, "lunch")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, txn.Status)

	require.NoError(t, f.engine.SignAsPayer(ctx, txn.ID, f.sign(f.aliceKey, txn)))

	mid, err := f.store.Get(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, mid.Status) // only one signature so far

	require.NoError(t, f.engine.SignAsPayee(ctx, txn.ID, f.sign(f.bobKey, mid)))

	ready, err := f.store.Get(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusReady, ready.Status)

	require.NoError(t, f.engine.Execute(ctx, txn.ID))

	done, err := f.store.Get(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExecuted, done.Status)
	require.NotNil(t, done.ExecutedAt)

	alice, _ := f.ledger.GetMember(ctx, "cell-1", "alice")
	bob, _ := f.ledger.GetMember(ctx, "cell-1", "bob")
	assert.Equal(t, int64(-25), alice.Balance)
	assert.Equal(t, int64(25), bob.Balance)
}

func TestSignAsPayer_InvalidSignatureRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "cell-1")

	txn, err := f.engine.CreateSpot(ctx, "cell-1", "alice", "bob", 25, "")
	require.NoError(t, err)

	err = f.engine.SignAsPayer(ctx, txn.ID, f.sign(f.bobKey, txn)) // wrong key
	assert.ErrorIs(t, err, ErrInvalidPayerSignature)
}

func TestExecute_NotReadyWithoutBothSignatures(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "cell-1")

	txn, err := f.engine.CreateSpot(ctx, "cell-1", "alice", "bob", 25, "")
	require.NoError(t, err)
	require.NoError(t, f.engine.SignAsPayer(ctx, txn.ID, f.sign(f.aliceKey, txn)))

	err = f.engine.Execute(ctx, txn.ID)
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestExecute_InsufficientCapacityMarksFailed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "cell-1")

	txn, err := f.engine.CreateSpot(ctx, "cell-1", "alice", "bob", 50_000, "")
	require.NoError(t, err)
	require.NoError(t, f.engine.SignAsPayer(ctx, txn.ID, f.sign(f.aliceKey, txn)))

	mid, _ := f.store.Get(ctx, txn.ID)
	require.NoError(t, f.engine.SignAsPayee(ctx, txn.ID, f.sign(f.bobKey, mid)))

	err = f.engine.Execute(ctx, txn.ID)
	assert.ErrorIs(t, err, ErrInsufficientCapacity)

	failed, _ := f.store.Get(ctx, txn.ID)
	assert.Equal(t, StatusFailed, failed.Status)
	assert.NotEmpty(t, failed.LastError)
}

func TestProcessOfflineQueue_RetriesUntilItPasses(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "cell-1")

	txn, err := f.engine.CreateSpot(ctx, "cell-1", "alice", "bob", 10, "")
	require.NoError(t, err)
	require.NoError(t, f.engine.SignAsPayer(ctx, txn.ID, f.sign(f.aliceKey, txn)))
	mid, _ := f.store.Get(ctx, txn.ID)
	require.NoError(t, f.engine.SignAsPayee(ctx, txn.ID, f.sign(f.bobKey, mid)))
	require.NoError(t, f.engine.EnqueueOffline(ctx, txn.ID))

	// Freeze bob so the first processing pass fails and the txn stays queued.
	require.NoError(t, f.ledger.UpdateMemberStatus(ctx, "cell-1", "bob", ledger.StatusFrozen))

	processed, failed, err := f.engine.ProcessOfflineQueue(ctx, "cell-1")
	require.NoError(t, err)
	assert.Equal(t, 0, processed)
	assert.Equal(t, 1, failed)

	stuck, _ := f.store.Get(ctx, txn.ID)
	assert.Equal(t, 1, stuck.Attempts)
	assert.NotEmpty(t, stuck.LastError)
	assert.Equal(t, StatusReady, stuck.Status)

	require.NoError(t, f.ledger.UpdateMemberStatus(ctx, "cell-1", "bob", ledger.StatusActive))
	processed, failed, err = f.engine.ProcessOfflineQueue(ctx, "cell-1")
	require.NoError(t, err)
	assert.Equal(t, 1, processed)
	assert.Equal(t, 0, failed)

	done, _ := f.store.Get(ctx, txn.ID)
	assert.Equal(t, StatusExecuted, done.Status)
}
