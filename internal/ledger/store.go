package ledger

import "sort"

// Ledger is the full serializable aggregate: both entity maps, the offer
// map, the owner indices, and the monotonic id counters. PersistenceGateway
// round-trips exactly this shape.
type Ledger struct {
	Collateral      map[uint64]*CollateralUnit `json:"collateral"`
	Loans           map[uint64]*Loan           `json:"loans"`
	Offers          map[uint64]*LoanOffer      `json:"offers"`
	OwnerCollateral map[string][]uint64        `json:"owner_collateral"`
	OwnerLoans      map[string][]uint64        `json:"owner_loans"`
	OwnerOffers     map[string][]uint64        `json:"owner_offers"`

	NextCollateralID uint64 `json:"next_collateral_id"`
	NextLoanID       uint64 `json:"next_loan_id"`
	NextOfferID      uint64 `json:"next_offer_id"`
}

func newLedger() *Ledger {
	return &Ledger{
		Collateral:       make(map[uint64]*CollateralUnit),
		Loans:            make(map[uint64]*Loan),
		Offers:           make(map[uint64]*LoanOffer),
		OwnerCollateral:  make(map[string][]uint64),
		OwnerLoans:       make(map[string][]uint64),
		OwnerOffers:      make(map[string][]uint64),
		NextCollateralID: 1,
		NextLoanID:       1,
		NextOfferID:      1,
	}
}

// Clone deep-copies the aggregate, including index slices and counters.
func (l *Ledger) Clone() *Ledger {
	c := newLedger()
	for id, u := range l.Collateral {
		c.Collateral[id] = u.Clone()
	}
	for id, ln := range l.Loans {
		c.Loans[id] = ln.Clone()
	}
	for id, o := range l.Offers {
		c.Offers[id] = o.Clone()
	}
	for owner, ids := range l.OwnerCollateral {
		c.OwnerCollateral[owner] = append([]uint64(nil), ids...)
	}
	for owner, ids := range l.OwnerLoans {
		c.OwnerLoans[owner] = append([]uint64(nil), ids...)
	}
	for owner, ids := range l.OwnerOffers {
		c.OwnerOffers[owner] = append([]uint64(nil), ids...)
	}
	c.NextCollateralID = l.NextCollateralID
	c.NextLoanID = l.NextLoanID
	c.NextOfferID = l.NextOfferID
	return c
}

// Store owns the authoritative Ledger aggregate. It holds no business
// logic: callers (the state machines and the commit protocol) decide what
// to mutate; the store only assigns ids and maintains the owner indices.
// The store itself is not goroutine safe; the engine serializes access.
type Store struct {
	ledger *Ledger
}

// NewStore creates an empty store. Id counters start at 1 so that the zero
// value never collides with an issued id.
func NewStore() *Store {
	return &Store{ledger: newLedger()}
}

// NewStoreFromLedger adopts a restored aggregate wholesale.
func NewStoreFromLedger(l *Ledger) *Store {
	if l == nil {
		return NewStore()
	}
	// Default-fill maps absent from older snapshot formats.
	if l.Collateral == nil {
		l.Collateral = make(map[uint64]*CollateralUnit)
	}
	if l.Loans == nil {
		l.Loans = make(map[uint64]*Loan)
	}
	if l.Offers == nil {
		l.Offers = make(map[uint64]*LoanOffer)
	}
	if l.OwnerCollateral == nil {
		l.OwnerCollateral = make(map[string][]uint64)
	}
	if l.OwnerLoans == nil {
		l.OwnerLoans = make(map[string][]uint64)
	}
	if l.OwnerOffers == nil {
		l.OwnerOffers = make(map[string][]uint64)
	}
	if l.NextCollateralID == 0 {
		l.NextCollateralID = 1
	}
	if l.NextLoanID == 0 {
		l.NextLoanID = 1
	}
	if l.NextOfferID == 0 {
		l.NextOfferID = 1
	}
	return &Store{ledger: l}
}

// Snapshot returns a deep copy of the whole aggregate.
func (s *Store) Snapshot() *Ledger {
	return s.ledger.Clone()
}

// Restore replaces the live aggregate with the given one, wholesale.
func (s *Store) Restore(l *Ledger) {
	s.ledger = NewStoreFromLedger(l).ledger
}

// InsertCollateral assigns the next collateral id, stores the unit and
// indexes it under its owner.
func (s *Store) InsertCollateral(u *CollateralUnit) uint64 {
	id := s.ledger.NextCollateralID
	s.ledger.NextCollateralID++
	u.ID = id
	s.ledger.Collateral[id] = u
	s.ledger.OwnerCollateral[u.Owner] = append(s.ledger.OwnerCollateral[u.Owner], id)
	return id
}

// InsertLoan assigns the next loan id, stores the loan and indexes it.
func (s *Store) InsertLoan(l *Loan) uint64 {
	id := s.ledger.NextLoanID
	s.ledger.NextLoanID++
	l.ID = id
	s.ledger.Loans[id] = l
	s.ledger.OwnerLoans[l.Owner] = append(s.ledger.OwnerLoans[l.Owner], id)
	return id
}

// InsertOffer assigns the next offer id, stores the offer and indexes it.
func (s *Store) InsertOffer(o *LoanOffer) uint64 {
	id := s.ledger.NextOfferID
	s.ledger.NextOfferID++
	o.ID = id
	s.ledger.Offers[id] = o
	s.ledger.OwnerOffers[o.Owner] = append(s.ledger.OwnerOffers[o.Owner], id)
	return id
}

// Collateral returns the live unit for id, if present.
func (s *Store) Collateral(id uint64) (*CollateralUnit, bool) {
	u, ok := s.ledger.Collateral[id]
	return u, ok
}

// Loan returns the live loan for id, if present.
func (s *Store) Loan(id uint64) (*Loan, bool) {
	l, ok := s.ledger.Loans[id]
	return l, ok
}

// Offer returns the live offer for id, if present.
func (s *Store) Offer(id uint64) (*LoanOffer, bool) {
	o, ok := s.ledger.Offers[id]
	return o, ok
}

// CollateralByOwner returns the owner's units in deposit order.
func (s *Store) CollateralByOwner(owner string) []*CollateralUnit {
	ids := s.ledger.OwnerCollateral[owner]
	out := make([]*CollateralUnit, 0, len(ids))
	for _, id := range ids {
		if u, ok := s.ledger.Collateral[id]; ok {
			out = append(out, u)
		}
	}
	return out
}

// LoansByOwner returns the owner's loans in creation order.
func (s *Store) LoansByOwner(owner string) []*Loan {
	ids := s.ledger.OwnerLoans[owner]
	out := make([]*Loan, 0, len(ids))
	for _, id := range ids {
		if l, ok := s.ledger.Loans[id]; ok {
			out = append(out, l)
		}
	}
	return out
}

// OffersByOwner returns the owner's offers in creation order.
func (s *Store) OffersByOwner(owner string) []*LoanOffer {
	ids := s.ledger.OwnerOffers[owner]
	out := make([]*LoanOffer, 0, len(ids))
	for _, id := range ids {
		if o, ok := s.ledger.Offers[id]; ok {
			out = append(out, o)
		}
	}
	return out
}

// AllCollateral returns every unit ordered by id.
func (s *Store) AllCollateral() []*CollateralUnit {
	out := make([]*CollateralUnit, 0, len(s.ledger.Collateral))
	for _, u := range s.ledger.Collateral {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AllLoans returns every loan ordered by id.
func (s *Store) AllLoans() []*Loan {
	out := make([]*Loan, 0, len(s.ledger.Loans))
	for _, l := range s.ledger.Loans {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// LoansByCollateral returns every loan referencing the unit, ordered by id.
func (s *Store) LoansByCollateral(collateralID uint64) []*Loan {
	var out []*Loan
	for _, l := range s.ledger.Loans {
		if l.CollateralID == collateralID {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// FindCollateralByRef returns the unit pledged against the given output
// reference whose status is not Withdrawn, if any.
func (s *Store) FindCollateralByRef(ref OutputRef) (*CollateralUnit, bool) {
	for _, u := range s.ledger.Collateral {
		if u.Ref == ref && u.Status != CollateralWithdrawn {
			return u, true
		}
	}
	return nil, false
}

// ActiveOfferForCollateral returns the Active offer quoting the unit, if any.
func (s *Store) ActiveOfferForCollateral(collateralID uint64) (*LoanOffer, bool) {
	for _, o := range s.ledger.Offers {
		if o.CollateralID == collateralID && o.Status == OfferActive {
			return o, true
		}
	}
	return nil, false
}

// OwnerCount returns the number of principals holding at least one unit.
func (s *Store) OwnerCount() int {
	return len(s.ledger.OwnerCollateral)
}

// CollateralCount returns the number of collateral units ever deposited.
func (s *Store) CollateralCount() int {
	return len(s.ledger.Collateral)
}

// LoanCount returns the number of loans ever opened.
func (s *Store) LoanCount() int {
	return len(s.ledger.Loans)
}
