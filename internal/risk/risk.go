// Package risk holds the pure loan arithmetic: max borrowable, outstanding
// loan value, current LTV and health factor. All functions are side-effect
// free and operate on snapshots, never stored references. Amounts are in
// the smallest collateral unit; ratios are basis points (10000 = 100%).
package risk

import (
	"fmt"
	"math"
	"math/big"
	"math/bits"

	"BitVault/internal/ledger"
)

const (
	// BpsDenominator is the basis-point scale.
	BpsDenominator = 10_000

	// PerfectHealth is the health factor reported for a debt-free loan.
	PerfectHealth = 10_000
)

// Params are the externally governed risk parameters. The core treats them
// as configuration; it never adjusts them.
type Params struct {
	LTVBps                  uint64
	InterestRateBps         uint64
	LiquidationThresholdBps uint64
}

// DefaultParams are the reference values: 50% LTV, 5% simple interest,
// 80% liquidation threshold.
func DefaultParams() Params {
	return Params{
		LTVBps:                  5_000,
		InterestRateBps:         500,
		LiquidationThresholdBps: 8_000,
	}
}

// Validate checks every basis-point field is within [0, 10000].
func (p Params) Validate() error {
	if p.LTVBps > BpsDenominator {
		return fmt.Errorf("risk params: ltv_bps %d out of range [0, %d]", p.LTVBps, BpsDenominator)
	}
	if p.InterestRateBps > BpsDenominator {
		return fmt.Errorf("risk params: interest_rate_bps %d out of range [0, %d]", p.InterestRateBps, BpsDenominator)
	}
	if p.LiquidationThresholdBps > BpsDenominator {
		return fmt.Errorf("risk params: liquidation_threshold_bps %d out of range [0, %d]", p.LiquidationThresholdBps, BpsDenominator)
	}
	return nil
}

// mulDivBps computes floor(a * bps / 10000) through a big.Int intermediate
// so the product cannot wrap for any uint64 input.
func mulDivBps(a, bps uint64) uint64 {
	prod := new(big.Int).Mul(new(big.Int).SetUint64(a), new(big.Int).SetUint64(bps))
	prod.Quo(prod, big.NewInt(BpsDenominator))
	if !prod.IsUint64() {
		// Only reachable with bps > 10000, which callers clamp.
		return math.MaxUint64
	}
	return prod.Uint64()
}

// MaxBorrowable returns floor(collateralAmount * ltvBps / 10000), with
// ltvBps clamped to 10000 and the result clamped to the collateral amount.
func MaxBorrowable(collateralAmount, ltvBps uint64) uint64 {
	if ltvBps > BpsDenominator {
		ltvBps = BpsDenominator
	}
	max := mulDivBps(collateralAmount, ltvBps)
	if max > collateralAmount {
		return collateralAmount
	}
	return max
}

// Interest returns the fixed simple interest on a loan:
// floor(borrowed * rateBps / 10000).
func Interest(borrowedAmount, rateBps uint64) uint64 {
	return mulDivBps(borrowedAmount, rateBps)
}

// LoanValue returns the outstanding debt: borrowed + interest - repaid,
// saturating at zero. The borrowed+interest sum is a checked add; a
// wraparound is an implementation defect surfaced as ErrArithmeticOverflow.
func LoanValue(borrowedAmount, rateBps, repaidAmount uint64) (uint64, error) {
	interest := Interest(borrowedAmount, rateBps)
	totalDebt, carry := bits.Add64(borrowedAmount, interest, 0)
	if carry != 0 {
		return 0, ledger.ErrArithmeticOverflow
	}
	if repaidAmount >= totalDebt {
		return 0, nil
	}
	return totalDebt - repaidAmount, nil
}

// IsFullyRepaid reports whether the loan's outstanding value is zero.
func IsFullyRepaid(l *ledger.Loan) (bool, error) {
	value, err := LoanValue(l.BorrowedAmount, l.InterestRateBps, l.RepaidAmount)
	if err != nil {
		return false, err
	}
	return value == 0, nil
}

// CurrentLTVBps returns floor(loanValue * 10000 / collateralAmount), or
// 10000 when the collateral amount is zero. The result may exceed 10000
// for an undercollateralized loan.
func CurrentLTVBps(loanValue, collateralAmount uint64) uint64 {
	if collateralAmount == 0 {
		return BpsDenominator
	}
	prod := new(big.Int).Mul(new(big.Int).SetUint64(loanValue), big.NewInt(BpsDenominator))
	prod.Quo(prod, new(big.Int).SetUint64(collateralAmount))
	if !prod.IsUint64() {
		return math.MaxUint64
	}
	return prod.Uint64()
}

// HealthFactor returns floor(threshold * 100 / currentLTV) on a 100-scale,
// or PerfectHealth when there is no debt. Values below 100 mean the loan
// is at or past the liquidation threshold.
func HealthFactor(currentLTVBps, liquidationThresholdBps uint64) uint64 {
	if currentLTVBps == 0 {
		return PerfectHealth
	}
	return liquidationThresholdBps * 100 / currentLTVBps
}

// CanLiquidate reports whether the loan's LTV has reached the threshold.
func CanLiquidate(currentLTVBps, liquidationThresholdBps uint64) bool {
	return currentLTVBps >= liquidationThresholdBps
}
