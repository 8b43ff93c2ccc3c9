package ledger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLedger(t *testing.T, cellID string) *Ledger {
	t.Helper()
	store := NewMemoryStore()
	events := NewMemoryEventStore()
	l := New(store, events, nil)
	require.NoError(t, l.CreateCell(context.Background(), cellID, DefaultCellParams()))
	return l
}

func TestAddMember_ClampsLimitAndDefaults(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t, "cell-1")

	m, err := l.AddMember(ctx, "cell-1", "alice", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), m.Limit)
	assert.Equal(t, StatusActive, m.Status)

	huge := int64(10_000_000)
	m2, err := l.AddMember(ctx, "cell-1", "bob", &huge)
	require.NoError(t, err)
	assert.Equal(t, int64(1_000_000), m2.Limit) // clamped to max_limit

	_, err = l.AddMember(ctx, "cell-1", "alice", nil)
	assert.ErrorIs(t, err, ErrMemberAlreadyExists)
}

func TestApplyBalanceUpdates_ConservationRequired(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t, "cell-1")
	_, _ = l.AddMember(ctx, "cell-1", "alice", nil)
	_, _ = l.AddMember(ctx, "cell-1", "bob", nil)

	_, err := l.ApplyBalanceUpdates(ctx, "cell-1", []BalanceUpdate{
		{Member: "alice", Delta: -10},
		{Member: "bob", Delta: 5}, // does not sum to zero
	})
	assert.ErrorIs(t, err, ErrConservationViolation)

	seq, err := l.ApplyBalanceUpdates(ctx, "cell-1", []BalanceUpdate{
		{Member: "alice", Delta: -10},
		{Member: "bob", Delta: 10},
	})
	require.NoError(t, err)
	// The two member_added events took sequence numbers 1 and 2; the
	// rejected update appended nothing.
	assert.Equal(t, int64(3), seq)

	alice, _ := l.GetMember(ctx, "cell-1", "alice")
	bob, _ := l.GetMember(ctx, "cell-1", "bob")
	assert.Equal(t, int64(-10), alice.Balance)
	assert.Equal(t, int64(10), bob.Balance)
}

func TestApplyBalanceUpdates_FloorViolationRejectsWholeBatch(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t, "cell-1")
	limit := int64(100)
	_, _ = l.AddMember(ctx, "cell-1", "alice", &limit)
	_, _ = l.AddMember(ctx, "cell-1", "bob", &limit)

	_, err := l.ApplyBalanceUpdates(ctx, "cell-1", []BalanceUpdate{
		{Member: "alice", Delta: -101},
		{Member: "bob", Delta: 101},
	})
	assert.ErrorIs(t, err, ErrFloorViolation)

	// No partial mutation: both balances stay at zero.
	alice, _ := l.GetMember(ctx, "cell-1", "alice")
	bob, _ := l.GetMember(ctx, "cell-1", "bob")
	assert.Equal(t, int64(0), alice.Balance)
	assert.Equal(t, int64(0), bob.Balance)
}

func TestApplyReserveUpdate_EscrowSafety(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t, "cell-1")
	limit := int64(100)
	_, _ = l.AddMember(ctx, "cell-1", "alice", &limit)
	_, _ = l.AddMember(ctx, "cell-1", "bob", &limit)

	// alice spends down to -50, still within floor.
	_, err := l.ApplyBalanceUpdates(ctx, "cell-1", []BalanceUpdate{
		{Member: "alice", Delta: -50},
		{Member: "bob", Delta: 50},
	})
	require.NoError(t, err)

	// Reserving 60 against alice would put balance-reserve = -110 < -limit.
	_, err = l.ApplyReserveUpdate(ctx, "cell-1", ReserveUpdate{Member: "alice", Delta: 60})
	assert.ErrorIs(t, err, ErrEscrowViolation)

	// Reserving 40 is fine: -50-40 = -90 >= -100.
	seq, err := l.ApplyReserveUpdate(ctx, "cell-1", ReserveUpdate{Member: "alice", Delta: 40})
	require.NoError(t, err)
	assert.Greater(t, seq, int64(0))

	alice, _ := l.GetMember(ctx, "cell-1", "alice")
	assert.Equal(t, int64(40), alice.Reserve)
}

func TestApplyReserveUpdate_NegativeReserveRejected(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t, "cell-1")
	_, _ = l.AddMember(ctx, "cell-1", "alice", nil)

	_, err := l.ApplyReserveUpdate(ctx, "cell-1", ReserveUpdate{Member: "alice", Delta: -1})
	assert.ErrorIs(t, err, ErrNegativeReserve)
}

func TestRemoveMember_RequiresZeroBalanceAndReserve(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t, "cell-1")
	_, _ = l.AddMember(ctx, "cell-1", "alice", nil)
	_, _ = l.AddMember(ctx, "cell-1", "bob", nil)

	_, err := l.ApplyBalanceUpdates(ctx, "cell-1", []BalanceUpdate{
		{Member: "alice", Delta: -5},
		{Member: "bob", Delta: 5},
	})
	require.NoError(t, err)

	err = l.RemoveMember(ctx, "cell-1", "alice", false)
	assert.ErrorIs(t, err, ErrMemberNotRemovable)

	_, err = l.ApplyBalanceUpdates(ctx, "cell-1", []BalanceUpdate{
		{Member: "alice", Delta: 5},
		{Member: "bob", Delta: -5},
	})
	require.NoError(t, err)

	require.NoError(t, l.RemoveMember(ctx, "cell-1", "alice", false))
	_, err = l.GetMember(ctx, "cell-1", "alice")
	assert.ErrorIs(t, err, ErrMemberNotFound)
}

func TestUpdateMemberStatus_IllegalTransitionRejected(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t, "cell-1")
	_, _ = l.AddMember(ctx, "cell-1", "alice", nil)

	err := l.UpdateMemberStatus(ctx, "cell-1", "alice", StatusExcluded)
	require.NoError(t, err)

	err = l.UpdateMemberStatus(ctx, "cell-1", "alice", StatusActive)
	assert.ErrorIs(t, err, ErrInvalidStatusTransition)
}

func TestUpdateMemberLimit_ClampsAndAllowsBelowCurrentDebt(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t, "cell-1")
	limit := int64(500)
	_, _ = l.AddMember(ctx, "cell-1", "alice", &limit)
	_, _ = l.AddMember(ctx, "cell-1", "bob", &limit)

	_, err := l.ApplyBalanceUpdates(ctx, "cell-1", []BalanceUpdate{
		{Member: "alice", Delta: -400},
		{Member: "bob", Delta: 400},
	})
	require.NoError(t, err)

	// Lowering alice's limit below her current debt is allowed; it is not
	// retroactively enforced.
	got, err := l.UpdateMemberLimit(ctx, "cell-1", "alice", 100)
	require.NoError(t, err)
	assert.Equal(t, int64(100), got)

	alice, _ := l.GetMember(ctx, "cell-1", "alice")
	assert.Equal(t, int64(-400), alice.Balance)
	assert.Equal(t, int64(100), alice.Limit)
}

func TestStatistics_ConservationAndFloorMass(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t, "cell-1")
	limit := int64(100)
	_, _ = l.AddMember(ctx, "cell-1", "alice", &limit)
	_, _ = l.AddMember(ctx, "cell-1", "bob", &limit)

	_, err := l.ApplyBalanceUpdates(ctx, "cell-1", []BalanceUpdate{
		{Member: "alice", Delta: -90}, // > rho(0.8)*limit(100) = 80, counts toward floor mass
		{Member: "bob", Delta: 90},
	})
	require.NoError(t, err)

	stats, err := l.Statistics(ctx, "cell-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.BalanceSum)
	assert.Equal(t, float64(100), stats.FloorMass) // only alice's limit counted
	assert.Equal(t, 2, stats.MemberCount)
}

func TestGetHistory_Pagination(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t, "cell-1")
	_, _ = l.AddMember(ctx, "cell-1", "alice", nil)
	_, _ = l.AddMember(ctx, "cell-1", "bob", nil)

	for i := 0; i < 5; i++ {
		_, err := l.ApplyBalanceUpdates(ctx, "cell-1", []BalanceUpdate{
			{Member: "alice", Delta: -1},
			{Member: "bob", Delta: 1},
		})
		require.NoError(t, err)
	}

	page1, cursor, err := l.GetHistory(ctx, "cell-1", 3, "")
	require.NoError(t, err)
	assert.Len(t, page1, 3)
	assert.NotEmpty(t, cursor)

	// Seven events in all: two member_added plus five balance updates.
	page2, cursor2, err := l.GetHistory(ctx, "cell-1", 3, cursor)
	require.NoError(t, err)
	assert.NotEmpty(t, page2)
	assert.NotEmpty(t, cursor2)

	page3, cursor3, err := l.GetHistory(ctx, "cell-1", 3, cursor2)
	require.NoError(t, err)
	assert.Len(t, page3, 1)
	assert.Empty(t, cursor3)
}

func TestCanSpend_RespectsFloorAndActiveStatus(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t, "cell-1")
	limit := int64(50)
	_, _ = l.AddMember(ctx, "cell-1", "alice", &limit)

	ok, err := l.CanSpend(ctx, "cell-1", "alice", 50)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.CanSpend(ctx, "cell-1", "alice", 51)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, l.UpdateMemberStatus(ctx, "cell-1", "alice", StatusFrozen))
	ok, err = l.CanSpend(ctx, "cell-1", "alice", 1)
	require.NoError(t, err)
	assert.False(t, ok)
}
