package hardening

import (
	"context"
	"fmt"

	"github.com/cellcredit/cell/internal/federation"
)

// checkCell runs I1-I4 against a single cell's current member set. I5
// and I6 are federation-specific and only meaningful when w.federation
// is wired, so checkFederation covers those separately.
func checkCell(ctx context.Context, iterationID int, seed int64, ops []OperationResult, w *world, cellID string) ([]Violation, error) {
	members, err := w.ledger.ListMembers(ctx, cellID)
	if err != nil {
		return nil, err
	}

	var violations []Violation
	record := func(inv Invariant, detail string) {
		violations = append(violations, Violation{
			Invariant: inv, CellID: cellID, Detail: detail, Seed: seed, IterationID: iterationID, Operations: ops,
		})
	}

	var balanceSum int64
	for _, m := range members {
		balanceSum += m.Balance

		// I2: floor.
		if m.Balance < -m.Limit {
			record(I2Floor, fmt.Sprintf("member %s balance=%d limit=%d", m.ID, m.Balance, m.Limit))
		}
		// I3: reserve.
		if m.Reserve < 0 {
			record(I3Reserve, fmt.Sprintf("member %s reserve=%d", m.ID, m.Reserve))
		}
		// I4: escrow safety. Every cell in this package is created with
		// ledger.DefaultCellParams(), which enforces it unconditionally.
		if m.Balance-m.Reserve < -m.Limit {
			record(I4EscrowSafety, fmt.Sprintf("member %s balance=%d reserve=%d limit=%d", m.ID, m.Balance, m.Reserve, m.Limit))
		}
	}

	// I1: conservation, including the clearing account if this cell
	// federates (it is an ordinary member entry, already in `members`).
	if balanceSum != 0 {
		record(I1Conservation, fmt.Sprintf("balance_sum=%d", balanceSum))
	}

	return violations, nil
}

// checkFederation runs I5 and I6 for every cell that has a clearing
// account, i.e. every cell in a world built with federation wired.
func checkFederation(ctx context.Context, iterationID int, seed int64, ops []OperationResult, w *world) ([]Violation, error) {
	if w.federation == nil {
		return nil, nil
	}

	var violations []Violation
	record := func(inv Invariant, cellID, detail string) {
		violations = append(violations, Violation{
			Invariant: inv, CellID: cellID, Detail: detail, Seed: seed, IterationID: iterationID, Operations: ops,
		})
	}

	for cellID := range w.cells {
		clearing, err := w.ledger.GetMember(ctx, cellID, federation.ClearingAccountID(cellID))
		if err != nil {
			continue // this cell never had EnsureClearingAccount called on it
		}
		position := -clearing.Balance

		// I5: the clearing account's balance must equal the sum of this
		// cell's bilateral positions across all its links, i.e. the
		// negative of the cell's federation position.
		links, err := w.linkRegistry.ListForCell(ctx, cellID)
		if err != nil {
			return nil, err
		}
		var bilateralSum int64
		for _, l := range links {
			p, err := w.federation.GetBilateralPosition(ctx, l.ID, cellID)
			if err != nil {
				return nil, err
			}
			bilateralSum += p
		}
		if bilateralSum != -position {
			record(I5FederationSum, cellID, fmt.Sprintf("bilateral_sum=%d clearing_position=%d", bilateralSum, position))
		}

		cap, err := w.federation.ExposureCap(ctx, cellID)
		if err != nil {
			return nil, err
		}
		if position > cap || position < -cap {
			record(I6FederationCap, cellID, fmt.Sprintf("federation_position=%d exceeds cap=%d", position, cap))
		}
	}
	return violations, nil
}

// checkAll runs every invariant across every cell in the world.
func checkAll(ctx context.Context, iterationID int, seed int64, ops []OperationResult, w *world) ([]Violation, error) {
	var all []Violation
	for cellID := range w.cells {
		v, err := checkCell(ctx, iterationID, seed, ops, w, cellID)
		if err != nil {
			return nil, err
		}
		all = append(all, v...)
	}
	v, err := checkFederation(ctx, iterationID, seed, ops, w)
	if err != nil {
		return nil, err
	}
	all = append(all, v...)
	return all, nil
}
