package core_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"BitVault/internal/collab"
	"BitVault/internal/core"
	"BitVault/internal/event"
	"BitVault/internal/ledger"
	"BitVault/internal/risk"
)

const (
	alice = "principal-alice-aaaaaaaaaaaaaaaaaaaaaaaa"
	bob   = "principal-bob-bbbbbbbbbbbbbbbbbbbbbbbbbb"

	testAddress = "bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4"
)

type testEnv struct {
	engine   *core.Engine
	store    *ledger.Store
	verifier *collab.MockVerifier
	indexer  *collab.MockIndexer
	assets   *collab.MockAssetLedger
	events   chan event.Envelope
}

func newTestEnv(t *testing.T, params risk.Params) *testEnv {
	t.Helper()

	env := &testEnv{
		store:    ledger.NewStore(),
		verifier: &collab.MockVerifier{},
		indexer:  &collab.MockIndexer{},
		assets:   &collab.MockAssetLedger{},
		events:   make(chan event.Envelope, 64),
	}

	engine, err := core.NewEngine(env.store, params, core.Collaborators{
		Verifier: env.verifier,
		Indexer:  env.indexer,
		Assets:   env.assets,
	}, core.Options{
		Logger: zerolog.Nop(),
		Events: env.events,
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	env.engine = engine
	return env
}

func testTxID(seed byte) string {
	return strings.Repeat(string([]byte{'a' + seed%6}), 64)
}

func depositReq(seed byte, amount uint64) core.DepositRequest {
	return core.DepositRequest{
		TxID:    testTxID(seed),
		Vout:    0,
		Amount:  amount,
		Address: testAddress,
	}
}

func mustDeposit(t *testing.T, env *testEnv, caller string, seed byte, amount uint64) uint64 {
	t.Helper()
	id, err := env.engine.Deposit(context.Background(), caller, depositReq(seed, amount))
	if err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	return id
}

func unitStatus(t *testing.T, env *testEnv, id uint64) ledger.CollateralStatus {
	t.Helper()
	var status ledger.CollateralStatus
	env.engine.Inspect(func(s *ledger.Store) {
		u, ok := s.Collateral(id)
		if !ok {
			t.Fatalf("collateral %d not found", id)
		}
		status = u.Status
	})
	return status
}

func loanStatus(t *testing.T, env *testEnv, id uint64) ledger.LoanStatus {
	t.Helper()
	var status ledger.LoanStatus
	env.engine.Inspect(func(s *ledger.Store) {
		l, ok := s.Loan(id)
		if !ok {
			t.Fatalf("loan %d not found", id)
		}
		status = l.Status
	})
	return status
}

// ============================================================================
// Test: full lifecycle
// ============================================================================

func TestEngine_FullLifecycle(t *testing.T) {
	env := newTestEnv(t, risk.DefaultParams())
	ctx := context.Background()

	// Deposit 1 BTC
	unitID := mustDeposit(t, env, alice, 0, 100_000_000)
	if unitID != 1 {
		t.Fatalf("unit id: got %d, want 1", unitID)
	}

	// Lock quotes an offer at 50% LTV
	offer, err := env.engine.Lock(ctx, alice, unitID)
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if offer.MaxBorrowable != 50_000_000 {
		t.Errorf("max borrowable: got %d, want 50_000_000", offer.MaxBorrowable)
	}
	if got := unitStatus(t, env, unitID); got != ledger.CollateralLocked {
		t.Errorf("unit status: got %s, want %s", got, ledger.CollateralLocked)
	}

	// Borrow the full offer
	loanID, err := env.engine.Borrow(ctx, alice, unitID, 50_000_000)
	if err != nil {
		t.Fatalf("Borrow: %v", err)
	}
	if env.assets.TransferOutCalls != 1 {
		t.Errorf("transfer out calls: got %d, want 1", env.assets.TransferOutCalls)
	}
	env.engine.Inspect(func(s *ledger.Store) {
		o, _ := s.Offer(offer.ID)
		if o.Status != ledger.OfferAccepted {
			t.Errorf("offer status: got %s, want %s", o.Status, ledger.OfferAccepted)
		}
	})

	// Partial repayment keeps the loan active and the unit locked
	if err := env.engine.Repay(ctx, alice, loanID, 2_500_000); err != nil {
		t.Fatalf("partial Repay: %v", err)
	}
	if got := loanStatus(t, env, loanID); got != ledger.LoanActive {
		t.Errorf("loan status after partial: got %s, want %s", got, ledger.LoanActive)
	}

	// Withdraw is blocked while the loan is active
	err = env.engine.Withdraw(ctx, alice, unitID)
	var conflict *ledger.StateConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("withdraw with active loan: want StateConflictError, got %v", err)
	}

	// Repay the remaining 50_000_000 debt
	if err := env.engine.Repay(ctx, alice, loanID, 50_000_000); err != nil {
		t.Fatalf("full Repay: %v", err)
	}
	if got := loanStatus(t, env, loanID); got != ledger.LoanRepaid {
		t.Errorf("loan status: got %s, want %s", got, ledger.LoanRepaid)
	}
	if got := unitStatus(t, env, unitID); got != ledger.CollateralDeposited {
		t.Errorf("unit status after full repay: got %s, want %s", got, ledger.CollateralDeposited)
	}

	// Now withdrawal succeeds and is terminal
	if err := env.engine.Withdraw(ctx, alice, unitID); err != nil {
		t.Fatalf("Withdraw: %v", err)
	}
	if got := unitStatus(t, env, unitID); got != ledger.CollateralWithdrawn {
		t.Errorf("unit status: got %s, want %s", got, ledger.CollateralWithdrawn)
	}
	if err := env.engine.Withdraw(ctx, alice, unitID); err == nil {
		t.Error("second withdrawal must fail")
	}
}

// ============================================================================
// Test: deposit
// ============================================================================

func TestEngine_DepositValidation(t *testing.T) {
	env := newTestEnv(t, risk.DefaultParams())
	ctx := context.Background()

	cases := []struct {
		name string
		req  core.DepositRequest
	}{
		{"short txid", core.DepositRequest{TxID: "abc", Amount: 1, Address: testAddress}},
		{"non-hex txid", core.DepositRequest{TxID: strings.Repeat("z", 64), Amount: 1, Address: testAddress}},
		{"zero amount", core.DepositRequest{TxID: testTxID(0), Amount: 0, Address: testAddress}},
		{"short address", core.DepositRequest{TxID: testTxID(0), Amount: 1, Address: "tooshort"}},
		{"address with symbols", core.DepositRequest{TxID: testTxID(0), Amount: 1, Address: testAddress + "!!"}},
	}
	for _, c := range cases {
		_, err := env.engine.Deposit(ctx, alice, c.req)
		var validation *ledger.ValidationError
		if !errors.As(err, &validation) {
			t.Errorf("%s: want ValidationError, got %v", c.name, err)
		}
	}
	if env.verifier.Calls != 0 {
		t.Error("validation failures must not reach the verifier")
	}
}

func TestEngine_DepositDuplicateRef(t *testing.T) {
	env := newTestEnv(t, risk.DefaultParams())
	ctx := context.Background()

	mustDeposit(t, env, alice, 0, 100)

	_, err := env.engine.Deposit(ctx, bob, depositReq(0, 100))
	var conflict *ledger.StateConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("want StateConflictError, got %v", err)
	}
}

func TestEngine_DepositVerifierRejects(t *testing.T) {
	env := newTestEnv(t, risk.DefaultParams())
	env.verifier.Reject = true

	_, err := env.engine.Deposit(context.Background(), alice, depositReq(0, 100))
	var external *ledger.ExternalVerificationError
	if !errors.As(err, &external) {
		t.Fatalf("want ExternalVerificationError, got %v", err)
	}
	env.engine.Inspect(func(s *ledger.Store) {
		if s.CollateralCount() != 0 {
			t.Error("rejected deposit must not record a unit")
		}
	})
}

func TestEngine_DepositVerifierUnreachable(t *testing.T) {
	env := newTestEnv(t, risk.DefaultParams())
	env.verifier.Err = errors.New("request timed out")

	_, err := env.engine.Deposit(context.Background(), alice, depositReq(0, 100))
	var external *ledger.ExternalVerificationError
	if !errors.As(err, &external) {
		t.Fatalf("want ExternalVerificationError, got %v", err)
	}
}

func TestEngine_DepositMetadataFromIndexer(t *testing.T) {
	env := newTestEnv(t, risk.DefaultParams())
	env.indexer.Metadata = &ledger.Metadata{InscriptionID: "insc-1", ContentType: "text/plain"}

	req := depositReq(0, 100)
	req.Metadata = &ledger.Metadata{InscriptionID: "caller-supplied"}
	id, err := env.engine.Deposit(context.Background(), alice, req)
	if err != nil {
		t.Fatalf("Deposit: %v", err)
	}

	env.engine.Inspect(func(s *ledger.Store) {
		u, _ := s.Collateral(id)
		if u.Metadata == nil || u.Metadata.InscriptionID != "insc-1" {
			t.Errorf("indexer metadata must win, got %+v", u.Metadata)
		}
	})
}

func TestEngine_DepositMetadataFallsBackToRequest(t *testing.T) {
	env := newTestEnv(t, risk.DefaultParams())

	req := depositReq(0, 100)
	req.Metadata = &ledger.Metadata{InscriptionID: "caller-supplied"}
	id, err := env.engine.Deposit(context.Background(), alice, req)
	if err != nil {
		t.Fatalf("Deposit: %v", err)
	}

	env.engine.Inspect(func(s *ledger.Store) {
		u, _ := s.Collateral(id)
		if u.Metadata == nil || u.Metadata.InscriptionID != "caller-supplied" {
			t.Errorf("request metadata must be kept when the indexer has none, got %+v", u.Metadata)
		}
	})
}

// ============================================================================
// Test: lock
// ============================================================================

func TestEngine_LockAuthorization(t *testing.T) {
	env := newTestEnv(t, risk.DefaultParams())
	unitID := mustDeposit(t, env, alice, 0, 100)

	_, err := env.engine.Lock(context.Background(), bob, unitID)
	var authz *ledger.AuthorizationError
	if !errors.As(err, &authz) {
		t.Fatalf("want AuthorizationError, got %v", err)
	}
}

func TestEngine_LockUnknownUnit(t *testing.T) {
	env := newTestEnv(t, risk.DefaultParams())

	_, err := env.engine.Lock(context.Background(), alice, 42)
	var notFound *ledger.NotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("want NotFoundError, got %v", err)
	}
}

func TestEngine_LockTwiceConflicts(t *testing.T) {
	env := newTestEnv(t, risk.DefaultParams())
	unitID := mustDeposit(t, env, alice, 0, 100)

	if _, err := env.engine.Lock(context.Background(), alice, unitID); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	_, err := env.engine.Lock(context.Background(), alice, unitID)
	var conflict *ledger.StateConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("want StateConflictError, got %v", err)
	}
}

// ============================================================================
// Test: borrow
// ============================================================================

func TestEngine_BorrowWithoutPriorLock(t *testing.T) {
	env := newTestEnv(t, risk.DefaultParams())
	unitID := mustDeposit(t, env, alice, 0, 100_000_000)

	// Borrowing against a deposited unit locks it as part of the commit
	loanID, err := env.engine.Borrow(context.Background(), alice, unitID, 50_000_000)
	if err != nil {
		t.Fatalf("Borrow: %v", err)
	}
	if got := unitStatus(t, env, unitID); got != ledger.CollateralLocked {
		t.Errorf("unit status: got %s, want %s", got, ledger.CollateralLocked)
	}
	if got := loanStatus(t, env, loanID); got != ledger.LoanActive {
		t.Errorf("loan status: got %s, want %s", got, ledger.LoanActive)
	}
}

func TestEngine_BorrowExceedsMax(t *testing.T) {
	env := newTestEnv(t, risk.DefaultParams())
	unitID := mustDeposit(t, env, alice, 0, 100_000_000)

	_, err := env.engine.Borrow(context.Background(), alice, unitID, 50_000_001)
	var limit *ledger.LimitExceededError
	if !errors.As(err, &limit) {
		t.Fatalf("want LimitExceededError, got %v", err)
	}
	if limit.Limit != 50_000_000 {
		t.Errorf("limit: got %d, want 50_000_000", limit.Limit)
	}
	if env.assets.TransferOutCalls != 0 {
		t.Error("pre-validation failure must not transfer funds")
	}
}

func TestEngine_BorrowSecondLoanOnSameUnit(t *testing.T) {
	env := newTestEnv(t, risk.DefaultParams())
	ctx := context.Background()
	unitID := mustDeposit(t, env, alice, 0, 100_000_000)

	if _, err := env.engine.Borrow(ctx, alice, unitID, 10_000_000); err != nil {
		t.Fatalf("first Borrow: %v", err)
	}
	_, err := env.engine.Borrow(ctx, alice, unitID, 10_000_000)
	var conflict *ledger.StateConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("want StateConflictError, got %v", err)
	}
}

func TestEngine_BorrowTransferFails(t *testing.T) {
	env := newTestEnv(t, risk.DefaultParams())
	env.assets.TransferOutErr = errors.New("insufficient hot wallet balance")
	unitID := mustDeposit(t, env, alice, 0, 100_000_000)

	_, err := env.engine.Borrow(context.Background(), alice, unitID, 1_000_000)
	var external *ledger.ExternalVerificationError
	if !errors.As(err, &external) {
		t.Fatalf("want ExternalVerificationError, got %v", err)
	}
	env.engine.Inspect(func(s *ledger.Store) {
		if s.LoanCount() != 0 {
			t.Error("failed transfer must not open a loan")
		}
	})
	if got := unitStatus(t, env, unitID); got != ledger.CollateralDeposited {
		t.Errorf("unit status: got %s, want %s", got, ledger.CollateralDeposited)
	}
}

func TestEngine_ConcurrentBorrowOneWins(t *testing.T) {
	env := newTestEnv(t, risk.DefaultParams())
	ctx := context.Background()
	unitID := mustDeposit(t, env, alice, 0, 100_000_000)

	// Hold both transfers open so both borrows sit in the external phase
	// before either re-validates.
	release := make(chan struct{})
	var inFlight sync.WaitGroup
	inFlight.Add(2)
	env.assets.TransferOutFunc = func(ctx context.Context, to string, amount uint64) (string, error) {
		inFlight.Done()
		<-release
		return "receipt", nil
	}

	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := env.engine.Borrow(ctx, alice, unitID, 40_000_000)
			results <- err
		}()
	}

	inFlight.Wait()
	close(release)

	var failures []error
	for i := 0; i < 2; i++ {
		if err := <-results; err != nil {
			failures = append(failures, err)
		}
	}

	if len(failures) != 1 {
		t.Fatalf("exactly one borrow must fail, got %d failures: %v", len(failures), failures)
	}
	var conflict *ledger.StateConflictError
	if !errors.As(failures[0], &conflict) {
		t.Fatalf("loser must fail re-validation with StateConflictError, got %v", failures[0])
	}

	env.engine.Inspect(func(s *ledger.Store) {
		active := 0
		for _, l := range s.AllLoans() {
			if l.Status == ledger.LoanActive {
				active++
			}
		}
		if active != 1 {
			t.Errorf("active loans: got %d, want 1", active)
		}
	})
}

// ============================================================================
// Test: repay
// ============================================================================

func TestEngine_RepayAuthorization(t *testing.T) {
	env := newTestEnv(t, risk.DefaultParams())
	ctx := context.Background()
	unitID := mustDeposit(t, env, alice, 0, 100_000_000)
	loanID, err := env.engine.Borrow(ctx, alice, unitID, 1_000_000)
	if err != nil {
		t.Fatalf("Borrow: %v", err)
	}

	err = env.engine.Repay(ctx, bob, loanID, 1)
	var authz *ledger.AuthorizationError
	if !errors.As(err, &authz) {
		t.Fatalf("want AuthorizationError, got %v", err)
	}
}

func TestEngine_RepayIncomingTransferMissing(t *testing.T) {
	env := newTestEnv(t, risk.DefaultParams())
	ctx := context.Background()
	unitID := mustDeposit(t, env, alice, 0, 100_000_000)
	loanID, err := env.engine.Borrow(ctx, alice, unitID, 1_000_000)
	if err != nil {
		t.Fatalf("Borrow: %v", err)
	}

	env.assets.IncomingMissing = true
	err = env.engine.Repay(ctx, alice, loanID, 500_000)
	var external *ledger.ExternalVerificationError
	if !errors.As(err, &external) {
		t.Fatalf("want ExternalVerificationError, got %v", err)
	}
	env.engine.Inspect(func(s *ledger.Store) {
		l, _ := s.Loan(loanID)
		if l.RepaidAmount != 0 {
			t.Error("unconfirmed repayment must not be credited")
		}
	})
}

func TestEngine_RepayOverpaymentRejected(t *testing.T) {
	env := newTestEnv(t, risk.DefaultParams())
	ctx := context.Background()
	unitID := mustDeposit(t, env, alice, 0, 100_000_000)
	loanID, err := env.engine.Borrow(ctx, alice, unitID, 1_000_000)
	if err != nil {
		t.Fatalf("Borrow: %v", err)
	}

	// Debt is 1_050_000 with 5% interest
	err = env.engine.Repay(ctx, alice, loanID, 1_050_001)
	var limit *ledger.LimitExceededError
	if !errors.As(err, &limit) {
		t.Fatalf("want LimitExceededError, got %v", err)
	}
	if env.assets.ConfirmCalls != 0 {
		t.Error("pre-validation failure must not consult the asset ledger")
	}
}

// ============================================================================
// Test: liquidate
// ============================================================================

func TestEngine_LiquidateIneligible(t *testing.T) {
	env := newTestEnv(t, risk.DefaultParams())
	ctx := context.Background()
	unitID := mustDeposit(t, env, alice, 0, 100_000_000)
	loanID, err := env.engine.Borrow(ctx, alice, unitID, 50_000_000)
	if err != nil {
		t.Fatalf("Borrow: %v", err)
	}

	// 52.5% LTV against the 80% threshold
	err = env.engine.Liquidate(ctx, bob, loanID)
	var conflict *ledger.StateConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("want StateConflictError, got %v", err)
	}
	if got := loanStatus(t, env, loanID); got != ledger.LoanActive {
		t.Error("ineligible liquidation must leave the loan active")
	}
}

func TestEngine_LiquidateEligible(t *testing.T) {
	// Tighten the threshold to 50% so the reference loan is liquidatable.
	params := risk.DefaultParams()
	params.LiquidationThresholdBps = 5_000
	env := newTestEnv(t, params)
	ctx := context.Background()

	unitID := mustDeposit(t, env, alice, 0, 100_000_000)
	loanID, err := env.engine.Borrow(ctx, alice, unitID, 50_000_000)
	if err != nil {
		t.Fatalf("Borrow: %v", err)
	}

	// 52.5% >= 50%: any principal may trigger the liquidation
	if err := env.engine.Liquidate(ctx, bob, loanID); err != nil {
		t.Fatalf("Liquidate: %v", err)
	}
	if got := loanStatus(t, env, loanID); got != ledger.LoanLiquidated {
		t.Errorf("loan status: got %s, want %s", got, ledger.LoanLiquidated)
	}
	if got := unitStatus(t, env, unitID); got != ledger.CollateralWithdrawn {
		t.Errorf("unit status: got %s, want %s", got, ledger.CollateralWithdrawn)
	}

	if err := env.engine.Liquidate(ctx, bob, loanID); err == nil {
		t.Error("second liquidation must fail")
	}
}

// ============================================================================
// Test: events
// ============================================================================

func TestEngine_EmitsEvents(t *testing.T) {
	env := newTestEnv(t, risk.DefaultParams())
	ctx := context.Background()

	unitID := mustDeposit(t, env, alice, 0, 100_000_000)
	loanID, err := env.engine.Borrow(ctx, alice, unitID, 1_000_000)
	if err != nil {
		t.Fatalf("Borrow: %v", err)
	}
	if err := env.engine.Repay(ctx, alice, loanID, 1_050_000); err != nil {
		t.Fatalf("Repay: %v", err)
	}

	var types []event.Type
	for len(env.events) > 0 {
		types = append(types, (<-env.events).Type)
	}
	want := []event.Type{event.TypeCollateralDeposited, event.TypeLoanOpened, event.TypeLoanRepaid}
	if len(types) != len(want) {
		t.Fatalf("got %d events %v, want %v", len(types), types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("event %d: got %s, want %s", i, types[i], want[i])
		}
	}
}

// ============================================================================
// Test: snapshot round-trip through the engine
// ============================================================================

func TestEngine_SnapshotRestoreKeepsState(t *testing.T) {
	env := newTestEnv(t, risk.DefaultParams())
	ctx := context.Background()
	unitID := mustDeposit(t, env, alice, 0, 100_000_000)
	loanID, err := env.engine.Borrow(ctx, alice, unitID, 1_000_000)
	if err != nil {
		t.Fatalf("Borrow: %v", err)
	}

	snap := env.engine.Snapshot()

	// Mutate after the snapshot, then restore.
	if err := env.engine.Repay(ctx, alice, loanID, 1_050_000); err != nil {
		t.Fatalf("Repay: %v", err)
	}
	env.engine.Restore(snap)

	if got := loanStatus(t, env, loanID); got != ledger.LoanActive {
		t.Errorf("restored loan status: got %s, want %s", got, ledger.LoanActive)
	}
	if got := unitStatus(t, env, unitID); got != ledger.CollateralLocked {
		t.Errorf("restored unit status: got %s, want %s", got, ledger.CollateralLocked)
	}
}
