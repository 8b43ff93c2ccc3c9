// Package identity provides the member-identity contract consumed by the
// core engines. The core never decides who a member is or whether their
// signature is valid — it asks a Provider. A production deployment might
// back this with a KMS-issued keypair per member or an external SSO
// system; the MemoryProvider here is a demo implementation good enough to
// drive cmd/server and the hardening harness.
package identity

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"strings"
	"sync"
)

// Errors
var (
	ErrMemberNotFound  = errors.New("member not found")
	ErrMemberSuspended = errors.New("member suspended")
)

// Provider answers the three questions the core needs about a member:
// is it currently allowed to transact, what is its public key, and does a
// signature over a message verify against that key. Admission itself
// (add_member) is a ledger operation, not an identity operation — a
// member can exist in the ledger and still be IsActive == false while
// its identity record is being provisioned or is suspended.
type Provider interface {
	// IsActive reports whether member is currently allowed to transact.
	IsActive(ctx context.Context, member string) (bool, error)

	// PublicKey returns the member's current public key, if registered.
	PublicKey(ctx context.Context, member string) (key []byte, ok bool, err error)

	// Verify reports whether sig is a valid signature over message under
	// member's registered public key.
	Verify(ctx context.Context, member string, message, sig []byte) (bool, error)
}

// record holds a member's identity state.
type record struct {
	publicKey  ed25519.PublicKey
	privateKey ed25519.PrivateKey // only populated by the demo issuer, never by a real KMS-backed provider
	active     bool
}

// MemoryProvider is an in-memory Provider for local development, demos,
// and hardening simulation runs. It doubles as a key issuer so tests and
// cmd/server can generate a keypair, sign a message, and have Verify
// accept it without an external identity service.
type MemoryProvider struct {
	mu      sync.RWMutex
	members map[string]*record
}

// NewMemoryProvider creates an empty MemoryProvider.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{members: make(map[string]*record)}
}

// Issue generates a fresh ed25519 keypair for member and marks it active.
// Returns the private key so the caller (a demo client, or a hardening
// simulated agent) can sign messages on the member's behalf.
func (p *MemoryProvider) Issue(member string) (ed25519.PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.members[normalize(member)] = &record{publicKey: pub, privateKey: priv, active: true}
	return priv, nil
}

// SetActive flips a member's active flag, e.g. when governance suspends
// a member pending dispute resolution.
func (p *MemoryProvider) SetActive(member string, active bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.members[normalize(member)]
	if !ok {
		return ErrMemberNotFound
	}
	r.active = active
	return nil
}

// IsActive implements Provider.
func (p *MemoryProvider) IsActive(_ context.Context, member string) (bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	r, ok := p.members[normalize(member)]
	if !ok {
		return false, ErrMemberNotFound
	}
	return r.active, nil
}

// PublicKey implements Provider.
func (p *MemoryProvider) PublicKey(_ context.Context, member string) ([]byte, bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	r, ok := p.members[normalize(member)]
	if !ok {
		return nil, false, nil
	}
	return []byte(r.publicKey), true, nil
}

// Verify implements Provider.
func (p *MemoryProvider) Verify(_ context.Context, member string, message, sig []byte) (bool, error) {
	p.mu.RLock()
	r, ok := p.members[normalize(member)]
	p.mu.RUnlock()
	if !ok {
		return false, ErrMemberNotFound
	}
	if !r.active {
		return false, ErrMemberSuspended
	}
	return ed25519.Verify(r.publicKey, message, sig), nil
}

func normalize(member string) string {
	return strings.ToLower(strings.TrimSpace(member))
}
