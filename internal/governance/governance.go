// Package governance provides the authorization and dispute-resolution
// contract consumed by the core engines. The core never decides whether
// an actor may perform a privileged action, or how a disputed commitment
// should ultimately resolve — it asks an Authorizer and applies the
// answer. MemoryAuthorizer is a demo implementation good enough to drive
// cmd/server and the hardening harness; a real deployment would back this
// with a member vote, a multisig, or an external governance service.
package governance

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Errors
var (
	ErrNotAuthorized    = errors.New("actor not authorized for action")
	ErrProposalNotFound = errors.New("proposal not found")
	ErrNoDisputeOutcome = errors.New("dispute has no recorded outcome yet")
)

// Action identifies a privileged operation subject to authorization.
type Action string

const (
	ActionAdjustLimit           Action = "adjust_limit"
	ActionSuspendMember         Action = "suspend_member"
	ActionForcePanic            Action = "force_panic"
	ActionOverrideEmergency     Action = "override_emergency"
	ActionApproveFederationLink Action = "approve_federation_link"
)

// DisputeOutcome is governance's resolution of a disputed commitment.
type DisputeOutcome string

const (
	DisputeFulfilled DisputeOutcome = "fulfilled" // release the reserve to the payee
	DisputeCancelled DisputeOutcome = "cancelled" // release the reserve back to the payer
	DisputePending    DisputeOutcome = "pending"   // no decision yet
)

// DisputeResolution is the outcome governance has reached for one disputed
// commitment, optionally settling only part of the reserved amount.
type DisputeResolution struct {
	CommitmentID string
	Outcome      DisputeOutcome
	SettledUnits int64 // portion of the reserve that moves per Outcome; <= reserved amount
	DecidedAt    time.Time
}

// LimitAdjustmentProposal records a pending change to a member's floor
// (credit limit), to be applied by the ledger once authorized.
type LimitAdjustmentProposal struct {
	ID        string
	Member    string
	NewLimit  int64
	ProposedAt time.Time
	Approved  bool
}

// Authorizer is the governance contract.
type Authorizer interface {
	// IsAuthorized reports whether actor may perform action right now.
	IsAuthorized(ctx context.Context, actor string, action Action) (bool, error)

	// ProposeLimitAdjustment records a proposal to change member's limit.
	// Returns the proposal id; the caller polls or is notified when it
	// is approved.
	ProposeLimitAdjustment(ctx context.Context, actor, member string, newLimit int64) (string, error)

	// ResolveDispute returns governance's resolution for a disputed
	// commitment. Returns ErrNoDisputeOutcome if no decision has been
	// reached yet — callers should treat the commitment as still
	// disputed, not retry immediately.
	ResolveDispute(ctx context.Context, commitmentID string) (DisputeResolution, error)
}

// MemoryAuthorizer is an in-memory Authorizer keyed by a static admin
// allowlist plus an explicit per-proposal/per-dispute decision store that
// tests and demo callers populate directly (standing in for a real vote
// or multisig workflow).
type MemoryAuthorizer struct {
	mu        sync.RWMutex
	admins    map[string]bool
	proposals map[string]*LimitAdjustmentProposal
	disputes  map[string]DisputeResolution
	nextID    int
}

// NewMemoryAuthorizer creates a MemoryAuthorizer whose only authorized
// actors are those named in admins.
func NewMemoryAuthorizer(admins ...string) *MemoryAuthorizer {
	m := make(map[string]bool, len(admins))
	for _, a := range admins {
		m[a] = true
	}
	return &MemoryAuthorizer{
		admins:    m,
		proposals: make(map[string]*LimitAdjustmentProposal),
		disputes:  make(map[string]DisputeResolution),
	}
}

// IsAuthorized implements Authorizer. Every action in this demo
// implementation requires admin membership; a richer implementation
// could vary the required role by Action.
func (a *MemoryAuthorizer) IsAuthorized(_ context.Context, actor string, _ Action) (bool, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.admins[actor], nil
}

// ProposeLimitAdjustment implements Authorizer.
func (a *MemoryAuthorizer) ProposeLimitAdjustment(ctx context.Context, actor, member string, newLimit int64) (string, error) {
	ok, err := a.IsAuthorized(ctx, actor, ActionAdjustLimit)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrNotAuthorized
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.nextID++
	id := idFor(a.nextID)
	a.proposals[id] = &LimitAdjustmentProposal{
		ID:         id,
		Member:     member,
		NewLimit:   newLimit,
		ProposedAt: time.Now(),
	}
	return id, nil
}

// Approve marks a pending proposal as approved. Demo-only: stands in for
// whatever vote-counting or multisig-threshold logic a real governance
// service would run.
func (a *MemoryAuthorizer) Approve(proposalID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.proposals[proposalID]
	if !ok {
		return ErrProposalNotFound
	}
	p.Approved = true
	return nil
}

// Proposal returns a snapshot of a proposal's current state.
func (a *MemoryAuthorizer) Proposal(proposalID string) (LimitAdjustmentProposal, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	p, ok := a.proposals[proposalID]
	if !ok {
		return LimitAdjustmentProposal{}, ErrProposalNotFound
	}
	return *p, nil
}

// RecordDisputeResolution registers governance's decision for a disputed
// commitment. Demo-only: a real deployment would populate this from a
// vote outcome or arbitration result.
func (a *MemoryAuthorizer) RecordDisputeResolution(res DisputeResolution) {
	a.mu.Lock()
	defer a.mu.Unlock()
	res.DecidedAt = time.Now()
	a.disputes[res.CommitmentID] = res
}

// ResolveDispute implements Authorizer.
func (a *MemoryAuthorizer) ResolveDispute(_ context.Context, commitmentID string) (DisputeResolution, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	res, ok := a.disputes[commitmentID]
	if !ok || res.Outcome == DisputePending {
		return DisputeResolution{}, ErrNoDisputeOutcome
	}
	return res, nil
}

func idFor(n int) string {
	const digits = "0123456789abcdefghijklmnopqrstuvwxyz"
	if n == 0 {
		return "prop_0"
	}
	buf := make([]byte, 0, 12)
	for n > 0 {
		buf = append([]byte{digits[n%36]}, buf...)
		n /= 36
	}
	return "prop_" + string(buf)
}
