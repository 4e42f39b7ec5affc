package ledger

import "time"

// CollateralStatus tracks a collateral unit's lifecycle.
type CollateralStatus int32

const (
	CollateralDeposited CollateralStatus = iota
	CollateralLocked
	CollateralWithdrawn
)

func (s CollateralStatus) String() string {
	switch s {
	case CollateralDeposited:
		return "Deposited"
	case CollateralLocked:
		return "Locked"
	case CollateralWithdrawn:
		return "Withdrawn"
	default:
		return "Unknown"
	}
}

// LoanStatus tracks a loan's lifecycle. Repaid and Liquidated are terminal.
type LoanStatus int32

const (
	LoanActive LoanStatus = iota
	LoanRepaid
	LoanLiquidated
)

func (s LoanStatus) String() string {
	switch s {
	case LoanActive:
		return "Active"
	case LoanRepaid:
		return "Repaid"
	case LoanLiquidated:
		return "Liquidated"
	default:
		return "Unknown"
	}
}

// OfferStatus tracks a loan offer's lifecycle.
type OfferStatus int32

const (
	OfferActive OfferStatus = iota
	OfferAccepted
	OfferCancelled
)

func (s OfferStatus) String() string {
	switch s {
	case OfferActive:
		return "Active"
	case OfferAccepted:
		return "Accepted"
	case OfferCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// OutputRef identifies the on-chain output backing a collateral unit.
// Opaque to the ledger core: validated only for shape (64-hex txid).
type OutputRef struct {
	TxID string `json:"txid"`
	Vout uint32 `json:"vout"`
}

// Metadata is the optional inscription payload attached to a collateral
// unit by the metadata indexer. The core never interprets it.
type Metadata struct {
	InscriptionID  string `json:"inscription_id"`
	ContentType    string `json:"content_type"`
	ContentPreview string `json:"content_preview,omitempty"`
	Extra          string `json:"extra,omitempty"`
}

// CollateralUnit is a pledged on-chain output. Amounts are in the smallest
// unit of the collateral asset (satoshis). Withdrawn is terminal; units are
// never deleted.
type CollateralUnit struct {
	ID          uint64           `json:"id"`
	Owner       string           `json:"owner"`
	Ref         OutputRef        `json:"ref"`
	Amount      uint64           `json:"amount"`
	Address     string           `json:"address"`
	Metadata    *Metadata        `json:"metadata,omitempty"`
	Status      CollateralStatus `json:"status"`
	DepositedAt time.Time        `json:"deposited_at"`

	// Version increments on every mutation. Captured before an external
	// call and compared again before commit.
	Version int64 `json:"version"`
}

// Clone returns a deep copy of the unit.
func (u *CollateralUnit) Clone() *CollateralUnit {
	c := *u
	if u.Metadata != nil {
		md := *u.Metadata
		c.Metadata = &md
	}
	return &c
}

// Loan draws a secondary asset against exactly one collateral unit.
// Simple interest at InterestRateBps is fixed at creation.
type Loan struct {
	ID              uint64     `json:"id"`
	Owner           string     `json:"owner"`
	CollateralID    uint64     `json:"collateral_id"`
	BorrowedAmount  uint64     `json:"borrowed_amount"`
	RepaidAmount    uint64     `json:"repaid_amount"`
	InterestRateBps uint64     `json:"interest_rate_bps"`
	Status          LoanStatus `json:"status"`
	CreatedAt       time.Time  `json:"created_at"`
	Version         int64      `json:"version"`
}

// Clone returns a copy of the loan.
func (l *Loan) Clone() *Loan {
	c := *l
	return &c
}

// LoanOffer records the locked-collateral borrowing terms quoted to an
// owner before the loan is drawn.
type LoanOffer struct {
	ID            uint64      `json:"id"`
	Owner         string      `json:"owner"`
	CollateralID  uint64      `json:"collateral_id"`
	MaxBorrowable uint64      `json:"max_borrowable"`
	LTVBps        uint64      `json:"ltv_bps"`
	Status        OfferStatus `json:"status"`
	CreatedAt     time.Time   `json:"created_at"`
}

// Clone returns a copy of the offer.
func (o *LoanOffer) Clone() *LoanOffer {
	c := *o
	return &c
}
