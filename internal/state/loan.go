package state

import (
	"BitVault/internal/ledger"
	"BitVault/internal/risk"
)

// loanTransitions: Active → {Repaid, Liquidated}, both terminal.
var loanTransitions = map[ledger.LoanStatus][]ledger.LoanStatus{
	ledger.LoanActive: {
		ledger.LoanRepaid,
		ledger.LoanLiquidated,
	},
	ledger.LoanRepaid:     {},
	ledger.LoanLiquidated: {},
}

// CanTransitionLoan reports whether from → to is a legal edge.
func CanTransitionLoan(from, to ledger.LoanStatus) bool {
	for _, allowed := range loanTransitions[from] {
		if to == allowed {
			return true
		}
	}
	return false
}

func loanConflict(l *ledger.Loan, reason string) error {
	return &ledger.StateConflictError{
		Entity: "loan",
		ID:     l.ID,
		Status: l.Status.String(),
		Reason: reason,
	}
}

// ApplyRepayment credits amount against an Active loan. The amount must
// not exceed the outstanding value, so RepaidAmount stays bounded by
// borrowed + interest. When the repayment clears the debt the loan moves
// to Repaid and the collateral unit is unlocked. Returns whether the loan
// is now fully repaid.
func ApplyRepayment(l *ledger.Loan, u *ledger.CollateralUnit, amount uint64) (bool, error) {
	if l.Status != ledger.LoanActive {
		return false, loanConflict(l, "loan is not active")
	}

	remaining, err := risk.LoanValue(l.BorrowedAmount, l.InterestRateBps, l.RepaidAmount)
	if err != nil {
		return false, err
	}
	if amount > remaining {
		return false, &ledger.LimitExceededError{
			Kind:      "repayment exceeds remaining debt",
			Requested: amount,
			Limit:     remaining,
		}
	}

	// A repayment of exactly the remaining value clears the debt. Guard
	// the collateral edge before touching either entry so a rejected
	// transition leaves both untouched.
	full := amount == remaining
	if full && u.Status != ledger.CollateralLocked {
		return false, collateralConflict(u, "only a locked unit can be unlocked")
	}

	l.RepaidAmount += amount
	l.Version++
	if !full {
		return false, nil
	}

	l.Status = ledger.LoanRepaid
	l.Version++
	if err := UnlockCollateral(u); err != nil {
		return true, err
	}
	return true, nil
}

// LiquidateLoan closes an Active loan whose LTV has reached the
// liquidation threshold, seizing the collateral unit.
func LiquidateLoan(l *ledger.Loan, u *ledger.CollateralUnit, liquidationThresholdBps uint64) error {
	if l.Status != ledger.LoanActive {
		return loanConflict(l, "loan is not active")
	}

	value, err := risk.LoanValue(l.BorrowedAmount, l.InterestRateBps, l.RepaidAmount)
	if err != nil {
		return err
	}
	ltv := risk.CurrentLTVBps(value, u.Amount)
	if !risk.CanLiquidate(ltv, liquidationThresholdBps) {
		return loanConflict(l, "current LTV is below the liquidation threshold")
	}
	if u.Status != ledger.CollateralLocked {
		return collateralConflict(u, "only a locked unit can be seized")
	}

	l.Status = ledger.LoanLiquidated
	l.Version++
	return SeizeCollateral(u)
}
