package hardening

import (
	"context"
	"crypto/ed25519"
	"fmt"

	"github.com/cellcredit/cell/internal/clockutil"
	"github.com/cellcredit/cell/internal/commitment"
	"github.com/cellcredit/cell/internal/federation"
	"github.com/cellcredit/cell/internal/governance"
	"github.com/cellcredit/cell/internal/identity"
	"github.com/cellcredit/cell/internal/ledger"
	"github.com/cellcredit/cell/internal/txn"
)

// cellWorld is one cell's full, in-memory engine stack: everything the
// generator and invariant runner need to build and execute a random
// intent against real code rather than a model of it.
type cellWorld struct {
	cellID   string
	led      *ledger.Ledger
	identity *identity.MemoryProvider
	txnE     *txn.Engine
	cmtE     *commitment.Engine
	authz    *governance.MemoryAuthorizer

	members  []string // tracked locally so the generator doesn't have to list the ledger store each pick
	privKeys map[string]ed25519.PrivateKey

	// Commitment bookkeeping: the generator tracks ids by lifecycle
	// stage plus their promisor/promisee, since neither commitment.Store
	// nor commitment.Engine exposes a lookup the generator could use
	// instead.
	proposed           []string
	active             []string
	commitmentPromisor map[string]string
	commitmentPromisee map[string]string
}

func newCellWorld(ctx context.Context, cellID string, led *ledger.Ledger, clock clockutil.Clock) (*cellWorld, error) {
	if err := led.CreateCell(ctx, cellID, ledger.DefaultCellParams()); err != nil {
		return nil, fmt.Errorf("hardening: create cell %s: %w", cellID, err)
	}
	idp := identity.NewMemoryProvider()
	authz := governance.NewMemoryAuthorizer("admin")
	txnE := txn.New(txn.NewMemoryStore(), led, idp, clock)
	cmtE := commitment.New(commitment.NewMemoryStore(), led, authz, clock)

	return &cellWorld{
		cellID: cellID, led: led, identity: idp, txnE: txnE, cmtE: cmtE, authz: authz,
		privKeys:           make(map[string]ed25519.PrivateKey),
		commitmentPromisor: make(map[string]string),
		commitmentPromisee: make(map[string]string),
	}, nil
}

// addMember issues an identity key and creates the ledger entry,
// tracking the id and private key locally for the generator's random
// picks and the signing flow CreateSpot requires.
func (w *cellWorld) addMember(ctx context.Context, memberID string, limit int64) error {
	priv, err := w.identity.Issue(memberID)
	if err != nil {
		return err
	}
	if _, err := w.led.AddMember(ctx, w.cellID, memberID, &limit); err != nil {
		return err
	}
	w.members = append(w.members, memberID)
	w.privKeys[memberID] = priv
	return nil
}

func (w *cellWorld) removeMemberTracked(memberID string) {
	for i, m := range w.members {
		if m == memberID {
			w.members = append(w.members[:i], w.members[i+1:]...)
			break
		}
	}
	delete(w.privKeys, memberID)
}

// world bundles one or two cellWorlds plus, when federation is wired, the
// shared federation.Engine tying them together. A single *ledger.Ledger
// instance backs every cellWorld, matching production's multi-cell
// single-process topology.
type world struct {
	ledger       *ledger.Ledger
	cells        map[string]*cellWorld
	federation   *federation.Engine
	fedParams    *federation.MemoryParamsStore
	linkRegistry *federation.MemoryLinkRegistry
	clock        clockutil.Clock
}

func newWorld(ctx context.Context, clock clockutil.Clock, cellIDs ...string) (*world, error) {
	led := ledger.New(ledger.NewMemoryStore(), ledger.NewMemoryEventStore(), clock)
	w := &world{ledger: led, cells: make(map[string]*cellWorld), clock: clock}

	for _, id := range cellIDs {
		cw, err := newCellWorld(ctx, id, led, clock)
		if err != nil {
			return nil, err
		}
		w.cells[id] = cw
	}

	if len(cellIDs) >= 2 {
		links := federation.NewMemoryLinkRegistry()
		params := federation.NewMemoryParamsStore()
		quarantine := federation.NewMemoryQuarantineStore()
		transferLog := federation.NewMemoryTransferLog()
		fed := federation.New(led, links, params, quarantine, transferLog, nil, nil, clock)

		engineByCell := make(map[string]*federation.Engine, len(cellIDs))
		for _, id := range cellIDs {
			if err := fed.EnsureClearingAccount(ctx, id); err != nil {
				return nil, err
			}
			if err := params.Put(ctx, id, federation.FederationParams{BaseBeta: 0.2}); err != nil {
				return nil, err
			}
			engineByCell[id] = fed
		}
		fed.SetTransport(federation.NewLocalTransport(engineByCell))

		w.federation = fed
		w.fedParams = params
		w.linkRegistry = links
	}

	return w, nil
}

// ensureLinked proposes and accepts a federation link between a and b if
// one does not already exist, returning the active link.
func (w *world) ensureLinked(ctx context.Context, a, b string) (federation.Link, error) {
	l, err := w.federation.ProposeLink(ctx, a, b, a)
	if err == nil {
		return w.federation.AcceptLink(ctx, l.ID)
	}
	if err != federation.ErrLinkAlreadyExists {
		return federation.Link{}, err
	}
	return w.linkRegistry.GetBetween(ctx, a, b)
}
