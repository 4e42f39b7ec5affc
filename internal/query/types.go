package query

import "BitVault/internal/ledger"

// LoanHealth reports the live risk position of a single loan.
type LoanHealth struct {
	LoanID          uint64 `json:"loan_id"`
	CollateralID    uint64 `json:"collateral_id"`
	CollateralValue uint64 `json:"collateral_value"`
	LoanValue       uint64 `json:"loan_value"`
	CurrentLTVBps   uint64 `json:"current_ltv_bps"`
	ThresholdBps    uint64 `json:"liquidation_threshold_bps"`
	HealthFactor    uint64 `json:"health_factor"`
	CanBeLiquidated bool   `json:"can_be_liquidated"`
}

// OwnerStats aggregates one principal's holdings.
type OwnerStats struct {
	Owner            string `json:"owner"`
	CollateralUnits  int    `json:"collateral_units"`
	TotalDeposited   uint64 `json:"total_deposited"`
	TotalLocked      uint64 `json:"total_locked"`
	ActiveLoans      int    `json:"active_loans"`
	TotalOutstanding uint64 `json:"total_outstanding"`
}

// VaultStats aggregates the whole ledger.
type VaultStats struct {
	TotalValueLocked   uint64 `json:"total_value_locked"`
	TotalOutstanding   uint64 `json:"total_outstanding"`
	ActiveLoans        int    `json:"active_loans"`
	CollateralUnits    int    `json:"collateral_units"`
	Users              int    `json:"users"`
	UtilizationBps     uint64 `json:"utilization_bps"`
	LiquidatedLoans    int    `json:"liquidated_loans"`
	WithdrawnUnits     int    `json:"withdrawn_units"`
}

// LoanPage is one page of the all-loans listing.
type LoanPage struct {
	Loans  []*ledger.Loan `json:"loans"`
	Offset int            `json:"offset"`
	Limit  int            `json:"limit"`
	Total  int            `json:"total"`
}
