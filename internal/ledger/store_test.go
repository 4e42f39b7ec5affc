package ledger_test

import (
	"testing"
	"time"

	"BitVault/internal/ledger"
)

func newUnit(owner string, amount uint64) *ledger.CollateralUnit {
	return &ledger.CollateralUnit{
		Owner:       owner,
		Ref:         ledger.OutputRef{TxID: "aa11", Vout: 0},
		Amount:      amount,
		Address:     "bc1qexampleaddressxxxxxxxxxxxx",
		Status:      ledger.CollateralDeposited,
		DepositedAt: time.Unix(1_700_000_000, 0).UTC(),
	}
}

// ============================================================================
// Test: id assignment and indices
// ============================================================================

func TestStore_InsertAssignsSequentialIDs(t *testing.T) {
	s := ledger.NewStore()

	first := s.InsertCollateral(newUnit("alice", 100))
	second := s.InsertCollateral(newUnit("alice", 200))
	third := s.InsertCollateral(newUnit("bob", 300))

	if first != 1 || second != 2 || third != 3 {
		t.Errorf("ids: got %d, %d, %d, want 1, 2, 3", first, second, third)
	}

	aliceUnits := s.CollateralByOwner("alice")
	if len(aliceUnits) != 2 {
		t.Fatalf("alice units: got %d, want 2", len(aliceUnits))
	}
	if aliceUnits[0].ID != 1 || aliceUnits[1].ID != 2 {
		t.Error("owner index must preserve insertion order")
	}
	if len(s.CollateralByOwner("carol")) != 0 {
		t.Error("unknown owner must list no units")
	}
}

func TestStore_LoanAndOfferCountersAreIndependent(t *testing.T) {
	s := ledger.NewStore()
	s.InsertCollateral(newUnit("alice", 100))

	loanID := s.InsertLoan(&ledger.Loan{Owner: "alice", CollateralID: 1, BorrowedAmount: 50, Status: ledger.LoanActive})
	offerID := s.InsertOffer(&ledger.LoanOffer{Owner: "alice", CollateralID: 1, MaxBorrowable: 50, Status: ledger.OfferActive})

	if loanID != 1 {
		t.Errorf("loan id: got %d, want 1", loanID)
	}
	if offerID != 1 {
		t.Errorf("offer id: got %d, want 1", offerID)
	}
}

func TestStore_GettersMissReturnsFalse(t *testing.T) {
	s := ledger.NewStore()
	if _, ok := s.Collateral(7); ok {
		t.Error("missing collateral must report ok=false")
	}
	if _, ok := s.Loan(7); ok {
		t.Error("missing loan must report ok=false")
	}
	if _, ok := s.Offer(7); ok {
		t.Error("missing offer must report ok=false")
	}
}

func TestStore_FindCollateralByRef(t *testing.T) {
	s := ledger.NewStore()
	u := newUnit("alice", 100)
	u.Ref = ledger.OutputRef{TxID: "deadbeef", Vout: 1}
	s.InsertCollateral(u)

	found, ok := s.FindCollateralByRef(ledger.OutputRef{TxID: "deadbeef", Vout: 1})
	if !ok || found.ID != u.ID {
		t.Fatal("pledged ref must be found")
	}
	if _, ok := s.FindCollateralByRef(ledger.OutputRef{TxID: "deadbeef", Vout: 2}); ok {
		t.Error("different vout must not match")
	}

	// A withdrawn unit releases its ref for re-pledging
	u.Status = ledger.CollateralWithdrawn
	if _, ok := s.FindCollateralByRef(ledger.OutputRef{TxID: "deadbeef", Vout: 1}); ok {
		t.Error("withdrawn unit must not hold its ref")
	}
}

func TestStore_ActiveOfferForCollateral(t *testing.T) {
	s := ledger.NewStore()
	s.InsertOffer(&ledger.LoanOffer{Owner: "alice", CollateralID: 9, Status: ledger.OfferAccepted})
	active := &ledger.LoanOffer{Owner: "alice", CollateralID: 9, Status: ledger.OfferActive}
	s.InsertOffer(active)

	got, ok := s.ActiveOfferForCollateral(9)
	if !ok {
		t.Fatal("active offer must be found")
	}
	if got.ID != active.ID {
		t.Errorf("got offer %d, want %d", got.ID, active.ID)
	}
	if _, ok := s.ActiveOfferForCollateral(10); ok {
		t.Error("unit without offers must report none")
	}
}

// ============================================================================
// Test: snapshot isolation and restore
// ============================================================================

func TestStore_SnapshotIsDeepCopy(t *testing.T) {
	s := ledger.NewStore()
	id := s.InsertCollateral(newUnit("alice", 100))

	snap := s.Snapshot()
	snap.Collateral[id].Amount = 999
	snap.OwnerCollateral["alice"][0] = 42
	snap.NextCollateralID = 77

	live, _ := s.Collateral(id)
	if live.Amount != 100 {
		t.Error("mutating the snapshot must not touch the live unit")
	}
	if s.CollateralByOwner("alice")[0].ID != id {
		t.Error("mutating the snapshot index must not touch the live index")
	}
	if next := s.InsertCollateral(newUnit("bob", 1)); next != 2 {
		t.Errorf("live counter changed: next id got %d, want 2", next)
	}
}

func TestStore_RestoreReplacesState(t *testing.T) {
	s := ledger.NewStore()
	s.InsertCollateral(newUnit("alice", 100))
	snap := s.Snapshot()

	s.InsertCollateral(newUnit("bob", 200))
	if s.CollateralCount() != 2 {
		t.Fatalf("precondition: got %d units, want 2", s.CollateralCount())
	}

	s.Restore(snap)
	if s.CollateralCount() != 1 {
		t.Errorf("after restore: got %d units, want 1", s.CollateralCount())
	}
	if next := s.InsertCollateral(newUnit("carol", 1)); next != 2 {
		t.Errorf("restored counter: next id got %d, want 2", next)
	}
}

func TestNewStoreFromLedger_DefaultFillsPartialAggregate(t *testing.T) {
	// An older snapshot without offer fields must restore cleanly.
	partial := &ledger.Ledger{
		Collateral: map[uint64]*ledger.CollateralUnit{
			1: newUnit("alice", 100),
		},
		NextCollateralID: 2,
	}
	s := ledger.NewStoreFromLedger(partial)

	if _, ok := s.Collateral(1); !ok {
		t.Fatal("restored unit must be present")
	}
	if id := s.InsertLoan(&ledger.Loan{Owner: "alice", CollateralID: 1, Status: ledger.LoanActive}); id != 1 {
		t.Errorf("defaulted loan counter: got %d, want 1", id)
	}
	if id := s.InsertOffer(&ledger.LoanOffer{Owner: "alice", CollateralID: 1, Status: ledger.OfferActive}); id != 1 {
		t.Errorf("defaulted offer counter: got %d, want 1", id)
	}
	if len(s.OffersByOwner("alice")) != 1 {
		t.Error("defaulted owner index must accept inserts")
	}
}

func TestNewStoreFromLedger_NilStartsEmpty(t *testing.T) {
	s := ledger.NewStoreFromLedger(nil)
	if s.CollateralCount() != 0 || s.LoanCount() != 0 {
		t.Error("nil aggregate must start empty")
	}
	if id := s.InsertCollateral(newUnit("alice", 1)); id != 1 {
		t.Errorf("first id: got %d, want 1", id)
	}
}

// ============================================================================
// Test: counts and listings
// ============================================================================

func TestStore_OwnerCountDistinct(t *testing.T) {
	s := ledger.NewStore()
	s.InsertCollateral(newUnit("alice", 1))
	s.InsertCollateral(newUnit("alice", 2))
	s.InsertCollateral(newUnit("bob", 3))

	if got := s.OwnerCount(); got != 2 {
		t.Errorf("owner count: got %d, want 2", got)
	}
}

func TestStore_AllLoansSortedByID(t *testing.T) {
	s := ledger.NewStore()
	for i := 0; i < 5; i++ {
		s.InsertLoan(&ledger.Loan{Owner: "alice", CollateralID: 1, Status: ledger.LoanActive})
	}
	all := s.AllLoans()
	if len(all) != 5 {
		t.Fatalf("got %d loans, want 5", len(all))
	}
	for i, l := range all {
		if l.ID != uint64(i+1) {
			t.Errorf("position %d: got id %d, want %d", i, l.ID, i+1)
		}
	}
}

func TestStore_LoansByCollateral(t *testing.T) {
	s := ledger.NewStore()
	s.InsertLoan(&ledger.Loan{Owner: "alice", CollateralID: 1, Status: ledger.LoanRepaid})
	s.InsertLoan(&ledger.Loan{Owner: "alice", CollateralID: 2, Status: ledger.LoanActive})
	s.InsertLoan(&ledger.Loan{Owner: "alice", CollateralID: 1, Status: ledger.LoanActive})

	loans := s.LoansByCollateral(1)
	if len(loans) != 2 {
		t.Fatalf("got %d loans, want 2", len(loans))
	}
	if loans[0].ID != 1 || loans[1].ID != 3 {
		t.Errorf("got ids %d, %d, want 1, 3", loans[0].ID, loans[1].ID)
	}
}
