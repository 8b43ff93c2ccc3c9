package governance

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryAuthorizer_IsAuthorized(t *testing.T) {
	ctx := context.Background()
	a := NewMemoryAuthorizer("admin-1")

	ok, err := a.IsAuthorized(ctx, "admin-1", ActionAdjustLimit)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = a.IsAuthorized(ctx, "member-x", ActionAdjustLimit)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryAuthorizer_ProposeAndApproveLimitAdjustment(t *testing.T) {
	ctx := context.Background()
	a := NewMemoryAuthorizer("admin-1")

	_, err := a.ProposeLimitAdjustment(ctx, "member-x", "member-y", 500)
	assert.ErrorIs(t, err, ErrNotAuthorized)

	id, err := a.ProposeLimitAdjustment(ctx, "admin-1", "member-y", 500)
	require.NoError(t, err)

	p, err := a.Proposal(id)
	require.NoError(t, err)
	assert.False(t, p.Approved)
	assert.Equal(t, int64(500), p.NewLimit)

	require.NoError(t, a.Approve(id))
	p, err = a.Proposal(id)
	require.NoError(t, err)
	assert.True(t, p.Approved)
}

func TestMemoryAuthorizer_ResolveDispute(t *testing.T) {
	ctx := context.Background()
	a := NewMemoryAuthorizer("admin-1")

	_, err := a.ResolveDispute(ctx, "cmt_1")
	assert.ErrorIs(t, err, ErrNoDisputeOutcome)

	a.RecordDisputeResolution(DisputeResolution{
		CommitmentID: "cmt_1",
		Outcome:      DisputeFulfilled,
		SettledUnits: 100,
	})

	res, err := a.ResolveDispute(ctx, "cmt_1")
	require.NoError(t, err)
	assert.Equal(t, DisputeFulfilled, res.Outcome)
	assert.Equal(t, int64(100), res.SettledUnits)
}
