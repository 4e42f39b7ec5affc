// Package query serves read-only views over the live ledger. All reads
// run through the engine's critical section and return deep copies, so a
// caller can never observe or mutate in-flight state.
package query

import (
	"BitVault/internal/core"
	"BitVault/internal/ledger"
	"BitVault/internal/risk"
)

const (
	DefaultPageLimit = 50
	MaxPageLimit     = 500
)

// Service answers queries against the engine's store.
type Service struct {
	engine *core.Engine
}

func NewService(engine *core.Engine) *Service {
	return &Service{engine: engine}
}

// Collateral returns one unit by id.
func (s *Service) Collateral(id uint64) (*ledger.CollateralUnit, error) {
	var unit *ledger.CollateralUnit
	s.engine.Inspect(func(st *ledger.Store) {
		if u, ok := st.Collateral(id); ok {
			unit = u.Clone()
		}
	})
	if unit == nil {
		return nil, &ledger.NotFoundError{Entity: "collateral", ID: id}
	}
	return unit, nil
}

// Loan returns one loan by id.
func (s *Service) Loan(id uint64) (*ledger.Loan, error) {
	var loan *ledger.Loan
	s.engine.Inspect(func(st *ledger.Store) {
		if l, ok := st.Loan(id); ok {
			loan = l.Clone()
		}
	})
	if loan == nil {
		return nil, &ledger.NotFoundError{Entity: "loan", ID: id}
	}
	return loan, nil
}

// Offer returns one loan offer by id.
func (s *Service) Offer(id uint64) (*ledger.LoanOffer, error) {
	var offer *ledger.LoanOffer
	s.engine.Inspect(func(st *ledger.Store) {
		if o, ok := st.Offer(id); ok {
			offer = o.Clone()
		}
	})
	if offer == nil {
		return nil, &ledger.NotFoundError{Entity: "offer", ID: id}
	}
	return offer, nil
}

// OfferByCollateral returns the Active offer quoting the unit. Accepted
// and cancelled offers are reachable only by offer id or owner listing.
func (s *Service) OfferByCollateral(collateralID uint64) (*ledger.LoanOffer, error) {
	var offer *ledger.LoanOffer
	s.engine.Inspect(func(st *ledger.Store) {
		if o, ok := st.ActiveOfferForCollateral(collateralID); ok {
			offer = o.Clone()
		}
	})
	if offer == nil {
		return nil, &ledger.NotFoundError{Entity: "offer", ID: collateralID}
	}
	return offer, nil
}

// CollateralByOwner lists a principal's units, oldest first.
func (s *Service) CollateralByOwner(owner string) []*ledger.CollateralUnit {
	units := []*ledger.CollateralUnit{}
	s.engine.Inspect(func(st *ledger.Store) {
		for _, u := range st.CollateralByOwner(owner) {
			units = append(units, u.Clone())
		}
	})
	return units
}

// LoansByOwner lists a principal's loans, oldest first.
func (s *Service) LoansByOwner(owner string) []*ledger.Loan {
	loans := []*ledger.Loan{}
	s.engine.Inspect(func(st *ledger.Store) {
		for _, l := range st.LoansByOwner(owner) {
			loans = append(loans, l.Clone())
		}
	})
	return loans
}

// OffersByOwner lists a principal's loan offers, oldest first.
func (s *Service) OffersByOwner(owner string) []*ledger.LoanOffer {
	offers := []*ledger.LoanOffer{}
	s.engine.Inspect(func(st *ledger.Store) {
		for _, o := range st.OffersByOwner(owner) {
			offers = append(offers, o.Clone())
		}
	})
	return offers
}

// AllLoans pages through every loan ordered by id.
func (s *Service) AllLoans(offset, limit int) LoanPage {
	if limit <= 0 {
		limit = DefaultPageLimit
	}
	if limit > MaxPageLimit {
		limit = MaxPageLimit
	}
	if offset < 0 {
		offset = 0
	}

	page := LoanPage{Offset: offset, Limit: limit, Loans: []*ledger.Loan{}}
	s.engine.Inspect(func(st *ledger.Store) {
		all := st.AllLoans()
		page.Total = len(all)
		if offset >= len(all) {
			return
		}
		end := offset + limit
		if end > len(all) {
			end = len(all)
		}
		for _, l := range all[offset:end] {
			page.Loans = append(page.Loans, l.Clone())
		}
	})
	return page
}

// Health reports a loan's risk position against the live parameters.
func (s *Service) Health(loanID uint64) (*LoanHealth, error) {
	params := s.engine.Params()

	var (
		health    *LoanHealth
		healthErr error
	)
	s.engine.Inspect(func(st *ledger.Store) {
		loan, ok := st.Loan(loanID)
		if !ok {
			healthErr = &ledger.NotFoundError{Entity: "loan", ID: loanID}
			return
		}
		unit, ok := st.Collateral(loan.CollateralID)
		if !ok {
			healthErr = &ledger.NotFoundError{Entity: "collateral", ID: loan.CollateralID}
			return
		}

		value, err := risk.LoanValue(loan.BorrowedAmount, loan.InterestRateBps, loan.RepaidAmount)
		if err != nil {
			healthErr = err
			return
		}
		ltv := risk.CurrentLTVBps(value, unit.Amount)
		hf := risk.HealthFactor(ltv, params.LiquidationThresholdBps)

		health = &LoanHealth{
			LoanID:          loanID,
			CollateralID:    unit.ID,
			CollateralValue: unit.Amount,
			LoanValue:       value,
			CurrentLTVBps:   ltv,
			ThresholdBps:    params.LiquidationThresholdBps,
			HealthFactor:    hf,
			CanBeLiquidated: loan.Status == ledger.LoanActive && risk.CanLiquidate(ltv, params.LiquidationThresholdBps),
		}
	})
	if healthErr != nil {
		return nil, healthErr
	}
	return health, nil
}

// StatsForOwner aggregates one principal's holdings.
func (s *Service) StatsForOwner(owner string) OwnerStats {
	stats := OwnerStats{Owner: owner}
	s.engine.Inspect(func(st *ledger.Store) {
		for _, u := range st.CollateralByOwner(owner) {
			stats.CollateralUnits++
			switch u.Status {
			case ledger.CollateralDeposited:
				stats.TotalDeposited += u.Amount
			case ledger.CollateralLocked:
				stats.TotalLocked += u.Amount
			}
		}
		for _, l := range st.LoansByOwner(owner) {
			if l.Status != ledger.LoanActive {
				continue
			}
			stats.ActiveLoans++
			if value, err := risk.LoanValue(l.BorrowedAmount, l.InterestRateBps, l.RepaidAmount); err == nil {
				stats.TotalOutstanding += value
			}
		}
	})
	return stats
}

// Stats aggregates the whole vault.
func (s *Service) Stats() VaultStats {
	var stats VaultStats
	s.engine.Inspect(func(st *ledger.Store) {
		stats.Users = st.OwnerCount()
		for _, u := range st.AllCollateral() {
			switch u.Status {
			case ledger.CollateralWithdrawn:
				stats.WithdrawnUnits++
			default:
				stats.CollateralUnits++
				stats.TotalValueLocked += u.Amount
			}
		}
		for _, l := range st.AllLoans() {
			switch l.Status {
			case ledger.LoanActive:
				stats.ActiveLoans++
				if value, err := risk.LoanValue(l.BorrowedAmount, l.InterestRateBps, l.RepaidAmount); err == nil {
					stats.TotalOutstanding += value
				}
			case ledger.LoanLiquidated:
				stats.LiquidatedLoans++
			}
		}
	})
	if stats.TotalValueLocked > 0 {
		stats.UtilizationBps = risk.CurrentLTVBps(stats.TotalOutstanding, stats.TotalValueLocked)
	}
	return stats
}
