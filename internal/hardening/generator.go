package hardening

import (
	"context"
	"fmt"

	"github.com/cellcredit/cell/internal/commitment"
	"github.com/cellcredit/cell/internal/federation"
	"github.com/cellcredit/cell/internal/idgen"
)

// generate picks one operation kind per cfg.Weights and attempts it
// against w, returning what happened. A skipped-no-operands outcome
// (e.g. "fulfil" with no proposed or active commitments to advance) is
// expected and common early in a run; it is not an error.
func generate(ctx context.Context, w *world, rng *RNG, cfg GeneratorConfig) OperationResult {
	switch pickKind(rng, cfg.Weights) {
	case OpSpotTransaction:
		return genSpotTransaction(ctx, w, rng, cfg)
	case OpCommitmentCreate:
		return genCommitmentCreate(ctx, w, rng, cfg)
	case OpCommitmentFulfil:
		return genCommitmentFulfil(ctx, w, rng)
	case OpCommitmentCancel:
		return genCommitmentCancel(ctx, w, rng)
	case OpLimitAdjust:
		return genLimitAdjust(ctx, w, rng, cfg)
	case OpMemberAdd:
		return genMemberAdd(ctx, w, rng, cfg)
	case OpMemberRemove:
		return genMemberRemove(ctx, w, rng)
	case OpFederationTx:
		return genFederationTx(ctx, w, rng, cfg)
	default:
		return OperationResult{Outcome: OutcomeSkippedNoOperands, Detail: "unknown operation kind"}
	}
}

// AllOperationKinds lists the eight operation kinds in a stable order,
// matching the default weight table.
func AllOperationKinds() []OperationKind {
	return []OperationKind{
		OpSpotTransaction, OpCommitmentCreate, OpCommitmentFulfil, OpCommitmentCancel,
		OpLimitAdjust, OpMemberAdd, OpMemberRemove, OpFederationTx,
	}
}

// pickKind draws an operation kind from the weighted mix. Weights need
// not sum to 1 — they are normalized against their own total.
func pickKind(rng *RNG, weights Weights) OperationKind {
	var total float64
	for _, v := range weights {
		total += v
	}
	roll := rng.Float64() * total
	var cumulative float64
	for _, k := range AllOperationKinds() {
		cumulative += weights[k]
		if roll < cumulative {
			return k
		}
	}
	return OpSpotTransaction
}

func anyCellWorld(w *world, rng *RNG) *cellWorld {
	ids := make([]string, 0, len(w.cells))
	for id := range w.cells {
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil
	}
	return w.cells[Pick(rng, ids)]
}

func distinctPair(rng *RNG, items []string) (a, b string, ok bool) {
	if len(items) < 2 {
		return "", "", false
	}
	a = Pick(rng, items)
	for {
		b = Pick(rng, items)
		if b != a {
			return a, b, true
		}
	}
}

func genSpotTransaction(ctx context.Context, w *world, rng *RNG, cfg GeneratorConfig) OperationResult {
	cw := anyCellWorld(w, rng)
	if cw == nil || len(cw.members) < 2 {
		return OperationResult{Kind: OpSpotTransaction, Outcome: OutcomeSkippedNoOperands, Detail: "no cell with 2+ members"}
	}
	payer, payee, ok := distinctPair(rng, cw.members)
	if !ok {
		return OperationResult{Kind: OpSpotTransaction, Outcome: OutcomeSkippedNoOperands}
	}
	amount := cfg.Ranges.MinAmount + rng.Int63n(cfg.Ranges.MaxAmount-cfg.Ranges.MinAmount+1)
	detail := fmt.Sprintf("cell=%s payer=%s payee=%s amount=%d", cw.cellID, payer, payee, amount)

	t, err := cw.txnE.CreateSpot(ctx, cw.cellID, payer, payee, amount, "hardening generated")
	if err != nil {
		return OperationResult{Kind: OpSpotTransaction, Detail: detail, Outcome: OutcomeRejectedExpected, Err: err}
	}

	payerSig, payeeSig := signSpot(t, cw.privKeys[payer], cw.privKeys[payee])
	if err := cw.txnE.SignAsPayer(ctx, t.ID, payerSig); err != nil {
		return OperationResult{Kind: OpSpotTransaction, Detail: detail, Outcome: OutcomeRejectedExpected, Err: err}
	}
	if err := cw.txnE.SignAsPayee(ctx, t.ID, payeeSig); err != nil {
		return OperationResult{Kind: OpSpotTransaction, Detail: detail, Outcome: OutcomeRejectedExpected, Err: err}
	}
	if err := cw.txnE.Execute(ctx, t.ID); err != nil {
		return OperationResult{Kind: OpSpotTransaction, Detail: detail, Outcome: OutcomeRejectedExpected, Err: err}
	}
	return OperationResult{Kind: OpSpotTransaction, Detail: detail, Outcome: OutcomeApplied}
}

func genCommitmentCreate(ctx context.Context, w *world, rng *RNG, cfg GeneratorConfig) OperationResult {
	cw := anyCellWorld(w, rng)
	if cw == nil || len(cw.members) < 2 {
		return OperationResult{Kind: OpCommitmentCreate, Outcome: OutcomeSkippedNoOperands, Detail: "no cell with 2+ members"}
	}
	promisor, promisee, ok := distinctPair(rng, cw.members)
	if !ok {
		return OperationResult{Kind: OpCommitmentCreate, Outcome: OutcomeSkippedNoOperands}
	}
	kind := commitment.KindSoft
	if rng.Bool(0.5) {
		kind = commitment.KindEscrowed
	}
	categories := []commitment.Category{
		commitment.CategoryChildcare, commitment.CategoryEldercare, commitment.CategoryHomeRepair,
		commitment.CategoryTransport, commitment.CategoryFoodPrep, commitment.CategoryTutoring,
		commitment.CategoryGardening, commitment.CategoryTechSupport, commitment.CategoryOther,
	}
	value := cfg.Ranges.MinAmount + rng.Int63n(cfg.Ranges.MaxAmount-cfg.Ranges.MinAmount+1)
	detail := fmt.Sprintf("cell=%s kind=%s promisor=%s promisee=%s value=%d", cw.cellID, kind, promisor, promisee, value)

	c, err := cw.cmtE.Create(ctx, cw.cellID, kind, promisor, promisee, value, Pick(rng, categories), "hardening generated")
	if err != nil {
		return OperationResult{Kind: OpCommitmentCreate, Detail: detail, Outcome: OutcomeRejectedExpected, Err: err}
	}
	cw.proposed = append(cw.proposed, c.ID)
	cw.commitmentPromisor[c.ID] = promisor
	cw.commitmentPromisee[c.ID] = promisee
	return OperationResult{Kind: OpCommitmentCreate, Detail: detail, Outcome: OutcomeApplied}
}

// genCommitmentFulfil advances the oldest trackable commitment one step:
// a Proposed commitment is accepted into Active, or (if none are
// Proposed) an Active one is fulfilled to Fulfilled. Both live under the
// same operation kind since they are the two halves of the forward
// progression the weight table budgets for.
func genCommitmentFulfil(ctx context.Context, w *world, rng *RNG) OperationResult {
	cw := anyCellWorld(w, rng)
	if cw == nil {
		return OperationResult{Kind: OpCommitmentFulfil, Outcome: OutcomeSkippedNoOperands}
	}
	if len(cw.proposed) > 0 {
		id := cw.proposed[0]
		detail := fmt.Sprintf("cell=%s commitment=%s action=accept", cw.cellID, id)
		if _, err := cw.cmtE.Accept(ctx, id, cw.commitmentPromisee[id]); err != nil {
			return OperationResult{Kind: OpCommitmentFulfil, Detail: detail, Outcome: OutcomeRejectedExpected, Err: err}
		}
		removeString(&cw.proposed, id)
		cw.active = append(cw.active, id)
		return OperationResult{Kind: OpCommitmentFulfil, Detail: detail, Outcome: OutcomeApplied}
	}
	if len(cw.active) > 0 {
		id := cw.active[0]
		detail := fmt.Sprintf("cell=%s commitment=%s action=fulfil", cw.cellID, id)
		confirmation := commitment.Confirmation{ConfirmedBy: cw.commitmentPromisee[id]}
		if _, err := cw.cmtE.Fulfill(ctx, id, confirmation); err != nil {
			return OperationResult{Kind: OpCommitmentFulfil, Detail: detail, Outcome: OutcomeRejectedExpected, Err: err}
		}
		removeString(&cw.active, id)
		return OperationResult{Kind: OpCommitmentFulfil, Detail: detail, Outcome: OutcomeApplied}
	}
	return OperationResult{Kind: OpCommitmentFulfil, Outcome: OutcomeSkippedNoOperands, Detail: "no proposed or active commitments"}
}

func genCommitmentCancel(ctx context.Context, w *world, rng *RNG) OperationResult {
	cw := anyCellWorld(w, rng)
	if cw == nil {
		return OperationResult{Kind: OpCommitmentCancel, Outcome: OutcomeSkippedNoOperands}
	}
	var id string
	switch {
	case len(cw.proposed) > 0:
		id = cw.proposed[0]
	case len(cw.active) > 0:
		id = cw.active[0]
	default:
		return OperationResult{Kind: OpCommitmentCancel, Outcome: OutcomeSkippedNoOperands, Detail: "no cancellable commitments"}
	}
	initiator := cw.commitmentPromisor[id]
	detail := fmt.Sprintf("cell=%s commitment=%s", cw.cellID, id)
	if _, err := cw.cmtE.Cancel(ctx, id, "hardening generated cancellation", initiator, false); err != nil {
		return OperationResult{Kind: OpCommitmentCancel, Detail: detail, Outcome: OutcomeRejectedExpected, Err: err}
	}
	removeString(&cw.proposed, id)
	removeString(&cw.active, id)
	return OperationResult{Kind: OpCommitmentCancel, Detail: detail, Outcome: OutcomeApplied}
}

func genLimitAdjust(ctx context.Context, w *world, rng *RNG, cfg GeneratorConfig) OperationResult {
	cw := anyCellWorld(w, rng)
	if cw == nil || len(cw.members) == 0 {
		return OperationResult{Kind: OpLimitAdjust, Outcome: OutcomeSkippedNoOperands}
	}
	member := Pick(rng, cw.members)
	newLimit := cfg.Ranges.MinLimit + rng.Int63n(cfg.Ranges.MaxLimit-cfg.Ranges.MinLimit+1)
	detail := fmt.Sprintf("cell=%s member=%s new_limit=%d", cw.cellID, member, newLimit)
	if _, err := cw.led.UpdateMemberLimit(ctx, cw.cellID, member, newLimit); err != nil {
		return OperationResult{Kind: OpLimitAdjust, Detail: detail, Outcome: OutcomeRejectedExpected, Err: err}
	}
	return OperationResult{Kind: OpLimitAdjust, Detail: detail, Outcome: OutcomeApplied}
}

func genMemberAdd(ctx context.Context, w *world, rng *RNG, cfg GeneratorConfig) OperationResult {
	cw := anyCellWorld(w, rng)
	if cw == nil {
		return OperationResult{Kind: OpMemberAdd, Outcome: OutcomeSkippedNoOperands}
	}
	memberID := "m_" + idgen.Hex(6)
	limit := cfg.Ranges.MinLimit + rng.Int63n(cfg.Ranges.MaxLimit-cfg.Ranges.MinLimit+1)
	detail := fmt.Sprintf("cell=%s member=%s limit=%d", cw.cellID, memberID, limit)
	if err := cw.addMember(ctx, memberID, limit); err != nil {
		return OperationResult{Kind: OpMemberAdd, Detail: detail, Outcome: OutcomeRejectedExpected, Err: err}
	}
	return OperationResult{Kind: OpMemberAdd, Detail: detail, Outcome: OutcomeApplied}
}

func genMemberRemove(ctx context.Context, w *world, rng *RNG) OperationResult {
	cw := anyCellWorld(w, rng)
	if cw == nil || len(cw.members) == 0 {
		return OperationResult{Kind: OpMemberRemove, Outcome: OutcomeSkippedNoOperands}
	}
	member := Pick(rng, cw.members)
	detail := fmt.Sprintf("cell=%s member=%s", cw.cellID, member)

	hasActive := false
	for _, id := range cw.active {
		if cw.commitmentPromisor[id] == member || cw.commitmentPromisee[id] == member {
			hasActive = true
			break
		}
	}
	if err := cw.led.RemoveMember(ctx, cw.cellID, member, hasActive); err != nil {
		return OperationResult{Kind: OpMemberRemove, Detail: detail, Outcome: OutcomeRejectedExpected, Err: err}
	}
	cw.removeMemberTracked(member)
	return OperationResult{Kind: OpMemberRemove, Detail: detail, Outcome: OutcomeApplied}
}

func genFederationTx(ctx context.Context, w *world, rng *RNG, cfg GeneratorConfig) OperationResult {
	if w.federation == nil || len(w.cells) < 2 {
		return OperationResult{Kind: OpFederationTx, Outcome: OutcomeSkippedNoOperands, Detail: "federation not wired"}
	}
	ids := make([]string, 0, len(w.cells))
	for id := range w.cells {
		ids = append(ids, id)
	}
	cellA, cellB, ok := distinctPair(rng, ids)
	if !ok {
		return OperationResult{Kind: OpFederationTx, Outcome: OutcomeSkippedNoOperands}
	}
	cwA, cwB := w.cells[cellA], w.cells[cellB]
	if len(cwA.members) == 0 || len(cwB.members) == 0 {
		return OperationResult{Kind: OpFederationTx, Outcome: OutcomeSkippedNoOperands, Detail: "empty cell"}
	}
	if _, err := w.ensureLinked(ctx, cellA, cellB); err != nil {
		return OperationResult{Kind: OpFederationTx, Outcome: OutcomeRejectedExpected, Err: err}
	}
	payer := Pick(rng, cwA.members)
	payee := Pick(rng, cwB.members)
	amount := cfg.Ranges.MinAmount + rng.Int63n(cfg.Ranges.MaxAmount-cfg.Ranges.MinAmount+1)
	txnID := "fedtx_" + idgen.Hex(8)
	detail := fmt.Sprintf("source=%s target=%s payer=%s payee=%s amount=%d", cellA, cellB, payer, payee, amount)

	status, err := w.federation.Transfer(ctx, txnID, cellA, cellB, payer, payee, amount)
	if err != nil {
		return OperationResult{Kind: OpFederationTx, Detail: detail, Outcome: OutcomeRejectedExpected, Err: err}
	}
	if status != federation.TransferCompleted {
		return OperationResult{Kind: OpFederationTx, Detail: detail, Outcome: OutcomeRejectedExpected, Err: fmt.Errorf("transfer status %s", status)}
	}
	return OperationResult{Kind: OpFederationTx, Detail: detail, Outcome: OutcomeApplied}
}

func removeString(s *[]string, v string) {
	for i, x := range *s {
		if x == v {
			*s = append((*s)[:i], (*s)[i+1:]...)
			return
		}
	}
}
