// Package state enforces the legal lifecycle transitions over ledger
// entries. Each transition mutates the entry only when the edge is legal
// and its guards hold; otherwise it returns a StateConflictError and the
// entry is untouched.
package state

import "BitVault/internal/ledger"

// collateralTransitions is the legal edge set:
// Deposited → Locked → Withdrawn, with Locked → Deposited on full
// repayment. Withdrawn is terminal.
var collateralTransitions = map[ledger.CollateralStatus][]ledger.CollateralStatus{
	ledger.CollateralDeposited: {
		ledger.CollateralLocked,
		ledger.CollateralWithdrawn,
	},
	ledger.CollateralLocked: {
		ledger.CollateralDeposited, // Full repayment unlocks
		ledger.CollateralWithdrawn, // Liquidation seizes
	},
	ledger.CollateralWithdrawn: {},
}

// CanTransitionCollateral reports whether from → to is a legal edge.
func CanTransitionCollateral(from, to ledger.CollateralStatus) bool {
	for _, allowed := range collateralTransitions[from] {
		if to == allowed {
			return true
		}
	}
	return false
}

func collateralConflict(u *ledger.CollateralUnit, reason string) error {
	return &ledger.StateConflictError{
		Entity: "collateral",
		ID:     u.ID,
		Status: u.Status.String(),
		Reason: reason,
	}
}

// LockCollateral moves a Deposited unit to Locked.
func LockCollateral(u *ledger.CollateralUnit) error {
	if u.Status != ledger.CollateralDeposited {
		return collateralConflict(u, "only a deposited unit can be locked")
	}
	u.Status = ledger.CollateralLocked
	u.Version++
	return nil
}

// UnlockCollateral moves a Locked unit back to Deposited. Invoked only as
// a consequence of the owning loan becoming fully repaid.
func UnlockCollateral(u *ledger.CollateralUnit) error {
	if u.Status != ledger.CollateralLocked {
		return collateralConflict(u, "only a locked unit can be unlocked")
	}
	u.Status = ledger.CollateralDeposited
	u.Version++
	return nil
}

// WithdrawCollateral moves a Deposited unit to Withdrawn. A Locked unit
// cannot be withdrawn by its owner; the caller additionally guards that no
// active loan references the unit.
func WithdrawCollateral(u *ledger.CollateralUnit) error {
	if u.Status == ledger.CollateralLocked {
		return collateralConflict(u, "unit is locked as collateral for an active loan")
	}
	if u.Status != ledger.CollateralDeposited {
		return collateralConflict(u, "unit has already been withdrawn")
	}
	u.Status = ledger.CollateralWithdrawn
	u.Version++
	return nil
}

// SeizeCollateral moves a Locked unit to Withdrawn on liquidation. It
// bypasses the owner-withdrawal guard because it is invoked by the
// liquidation path, not the owner.
func SeizeCollateral(u *ledger.CollateralUnit) error {
	if u.Status != ledger.CollateralLocked {
		return collateralConflict(u, "only a locked unit can be seized")
	}
	u.Status = ledger.CollateralWithdrawn
	u.Version++
	return nil
}
