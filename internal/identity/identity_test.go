package identity

import (
	"context"
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryProvider_IssueAndVerify(t *testing.T) {
	ctx := context.Background()
	p := NewMemoryProvider()

	priv, err := p.Issue("member-a")
	require.NoError(t, err)

	active, err := p.IsActive(ctx, "MEMBER-A") // case-insensitive
	require.NoError(t, err)
	assert.True(t, active)

	msg := []byte("transfer 10 units")
	sig := ed25519.Sign(priv, msg)

	ok, err := p.Verify(ctx, "member-a", msg, sig)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = p.Verify(ctx, "member-a", []byte("tampered"), sig)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryProvider_UnknownMember(t *testing.T) {
	ctx := context.Background()
	p := NewMemoryProvider()

	_, err := p.IsActive(ctx, "ghost")
	assert.ErrorIs(t, err, ErrMemberNotFound)

	key, ok, err := p.PublicKey(ctx, "ghost")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, key)
}

func TestMemoryProvider_SuspendedMemberCannotVerify(t *testing.T) {
	ctx := context.Background()
	p := NewMemoryProvider()

	priv, err := p.Issue("member-b")
	require.NoError(t, err)
	require.NoError(t, p.SetActive("member-b", false))

	msg := []byte("x")
	sig := ed25519.Sign(priv, msg)

	_, err = p.Verify(ctx, "member-b", msg, sig)
	assert.ErrorIs(t, err, ErrMemberSuspended)
}
