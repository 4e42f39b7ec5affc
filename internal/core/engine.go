// Package core implements the commit protocol: every money-moving
// operation runs four ordered phases: synchronous pre-validation, external
// verification against a collaborator, re-validation, and a single atomic
// commit. The ledger is mutated only in phase 4, under the same critical
// section that re-checked the guards, so an operation that suspended in
// phase 2 can never act on a stale read.
package core

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"BitVault/internal/collab"
	"BitVault/internal/event"
	"BitVault/internal/ledger"
	"BitVault/internal/observability"
	"BitVault/internal/risk"
	"BitVault/internal/state"
)

// Collaborators are the external services consulted in phase 2.
type Collaborators struct {
	Verifier collab.CollateralVerifier
	Indexer  collab.MetadataIndexer
	Assets   collab.AssetLedger
}

// Options carry the optional ambient dependencies.
type Options struct {
	Logger  zerolog.Logger
	Metrics *observability.Metrics
	Events  chan<- event.Envelope
	Now     func() time.Time
}

// Engine sequences every public operation against the ledger store.
// A single mutex serializes phases 1 and 3+4; phase 2 runs unlocked so
// other operations, including ones touching the same entities, may commit
// while a collaborator call is in flight. Per-entity version counters
// captured in phase 1 and compared in phase 3 detect exactly that.
type Engine struct {
	mu      sync.Mutex
	store   *ledger.Store
	params  risk.Params
	collabs Collaborators

	log     zerolog.Logger
	metrics *observability.Metrics
	events  chan<- event.Envelope
	now     func() time.Time
}

func NewEngine(store *ledger.Store, params risk.Params, collabs Collaborators, opts Options) (*Engine, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		store:   store,
		params:  params,
		collabs: collabs,
		log:     opts.Logger,
		metrics: opts.Metrics,
		events:  opts.Events,
		now:     now,
	}, nil
}

// Params returns the externally governed risk parameters in force.
func (e *Engine) Params() risk.Params { return e.params }

// Inspect runs f against the live store under the engine lock. Read-only
// queries use this; f must not retain references past its return.
func (e *Engine) Inspect(f func(s *ledger.Store)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	f(e.store)
}

// Snapshot deep-copies the whole ledger aggregate.
func (e *Engine) Snapshot() *ledger.Ledger {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.Snapshot()
}

// Restore replaces the live aggregate wholesale.
func (e *Engine) Restore(l *ledger.Ledger) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.store.Restore(l)
}

// DepositRequest pledges an on-chain output as collateral.
type DepositRequest struct {
	TxID     string
	Vout     uint32
	Amount   uint64
	Address  string
	Metadata *ledger.Metadata
}

// Deposit verifies the referenced output with the chain verifier, fetches
// any inscription payload, and records a new collateral unit.
func (e *Engine) Deposit(ctx context.Context, caller string, req DepositRequest) (uint64, error) {
	const op = "deposit"
	defer e.observeOp(op, e.now())

	ref := ledger.OutputRef{TxID: req.TxID, Vout: req.Vout}

	// Phase 1: pre-validate.
	e.mu.Lock()
	err := e.checkDepositGuards(caller, ref, req)
	e.mu.Unlock()
	if err != nil {
		return 0, e.rejected(op, err)
	}

	// Phase 2: external verification. The ledger is untouched on failure.
	confirmed, err := e.confirmCollateral(ctx, ref, req.Amount, req.Address)
	if err != nil {
		return 0, e.rejected(op, err)
	}
	if !confirmed {
		return 0, e.rejected(op, &ledger.ExternalVerificationError{
			Collaborator: "verifier",
			Reason:       "output not found, spent, or mismatched",
		})
	}

	md, err := e.lookupMetadata(ctx, ref)
	if err != nil {
		return 0, e.rejected(op, err)
	}
	if md == nil {
		// Indexer reported no inscription; keep any caller-supplied payload.
		md = req.Metadata
	}

	// Phase 3: re-validate against current state, phase 4: commit.
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkDepositGuards(caller, ref, req); err != nil {
		return 0, e.revalidationFailed(op, err)
	}

	unit := &ledger.CollateralUnit{
		Owner:       caller,
		Ref:         ref,
		Amount:      req.Amount,
		Address:     req.Address,
		Metadata:    md,
		Status:      ledger.CollateralDeposited,
		DepositedAt: e.now(),
	}
	id := e.store.InsertCollateral(unit)

	e.applied(op)
	env := event.New(event.TypeCollateralDeposited, caller, id, unit.DepositedAt)
	env.Amount = req.Amount
	e.emit(env)
	e.log.Info().Str("owner", caller).Uint64("collateral_id", id).
		Uint64("amount", req.Amount).Msg("collateral deposited")
	return id, nil
}

func (e *Engine) checkDepositGuards(caller string, ref ledger.OutputRef, req DepositRequest) error {
	if caller == "" {
		return &ledger.ValidationError{Field: "caller", Reason: "principal must not be empty"}
	}
	if !validTxID(req.TxID) {
		return &ledger.ValidationError{Field: "txid", Reason: "must be 64 hexadecimal characters"}
	}
	if !validAddress(req.Address) {
		return &ledger.ValidationError{Field: "address", Reason: "invalid address format"}
	}
	if req.Amount == 0 {
		return &ledger.ValidationError{Field: "amount", Reason: "must be greater than 0"}
	}
	if existing, ok := e.store.FindCollateralByRef(ref); ok {
		return &ledger.StateConflictError{
			Entity: "collateral",
			ID:     existing.ID,
			Status: existing.Status.String(),
			Reason: "output reference is already pledged",
		}
	}
	return nil
}

// Lock moves a deposited unit to Locked and quotes a loan offer with the
// maximum borrowable amount. Synchronous: no collaborator is consulted, so
// validation and commit share one critical section.
func (e *Engine) Lock(ctx context.Context, caller string, collateralID uint64) (*ledger.LoanOffer, error) {
	const op = "lock"
	defer e.observeOp(op, e.now())

	e.mu.Lock()
	defer e.mu.Unlock()

	unit, ok := e.store.Collateral(collateralID)
	if !ok {
		return nil, e.rejected(op, &ledger.NotFoundError{Entity: "collateral", ID: collateralID})
	}
	if unit.Owner != caller {
		return nil, e.rejected(op, &ledger.AuthorizationError{Entity: "collateral", ID: collateralID})
	}
	if existing, ok := e.store.ActiveOfferForCollateral(collateralID); ok {
		return nil, e.rejected(op, &ledger.StateConflictError{
			Entity: "offer",
			ID:     existing.ID,
			Status: existing.Status.String(),
			Reason: "unit already has an active loan offer",
		})
	}
	if err := state.LockCollateral(unit); err != nil {
		return nil, e.rejected(op, err)
	}

	offer := &ledger.LoanOffer{
		Owner:         caller,
		CollateralID:  collateralID,
		MaxBorrowable: risk.MaxBorrowable(unit.Amount, e.params.LTVBps),
		LTVBps:        e.params.LTVBps,
		Status:        ledger.OfferActive,
		CreatedAt:     e.now(),
	}
	e.store.InsertOffer(offer)

	e.applied(op)
	e.addLockedGauge(unit.Amount)
	env := event.New(event.TypeCollateralLocked, caller, collateralID, offer.CreatedAt)
	env.Amount = unit.Amount
	e.emit(env)
	e.log.Info().Str("owner", caller).Uint64("collateral_id", collateralID).
		Uint64("offer_id", offer.ID).Uint64("max_borrowable", offer.MaxBorrowable).
		Msg("collateral locked, offer created")
	return offer.Clone(), nil
}

// Borrow draws a loan against a collateral unit. The outgoing transfer on
// the asset ledger runs between pre-validation and commit; the version
// captured before the transfer must still match at commit time.
func (e *Engine) Borrow(ctx context.Context, caller string, collateralID, amount uint64) (uint64, error) {
	const op = "borrow"
	defer e.observeOp(op, e.now())

	// Phase 1.
	e.mu.Lock()
	version, err := e.checkBorrowGuards(caller, collateralID, amount)
	e.mu.Unlock()
	if err != nil {
		return 0, e.rejected(op, err)
	}

	// Phase 2: transfer the borrowed asset out.
	receipt, err := e.transferOut(ctx, caller, amount)
	if err != nil {
		return 0, e.rejected(op, err)
	}

	// Phases 3 and 4.
	e.mu.Lock()
	defer e.mu.Unlock()

	current, err := e.checkBorrowGuards(caller, collateralID, amount)
	if err != nil {
		return 0, e.revalidationFailed(op, err)
	}
	if current != version {
		return 0, e.revalidationFailed(op, &ledger.StateConflictError{
			Entity: "collateral",
			ID:     collateralID,
			Reason: "unit changed while the transfer was in flight",
		})
	}

	unit, _ := e.store.Collateral(collateralID)
	if unit.Status == ledger.CollateralDeposited {
		if err := state.LockCollateral(unit); err != nil {
			return 0, e.rejected(op, err)
		}
		e.addLockedGauge(unit.Amount)
	}

	loan := &ledger.Loan{
		Owner:           caller,
		CollateralID:    collateralID,
		BorrowedAmount:  amount,
		InterestRateBps: e.params.InterestRateBps,
		Status:          ledger.LoanActive,
		CreatedAt:       e.now(),
	}
	id := e.store.InsertLoan(loan)

	if offer, ok := e.store.ActiveOfferForCollateral(collateralID); ok {
		offer.Status = ledger.OfferAccepted
	}

	e.applied(op)
	if e.metrics != nil {
		e.metrics.ActiveLoans.Inc()
	}
	env := event.New(event.TypeLoanOpened, caller, id, loan.CreatedAt)
	env.Amount = amount
	env.Receipt = receipt
	e.emit(env)
	e.log.Info().Str("owner", caller).Uint64("loan_id", id).
		Uint64("collateral_id", collateralID).Uint64("amount", amount).
		Str("receipt", receipt).Msg("loan opened")
	return id, nil
}

// checkBorrowGuards validates a borrow and returns the collateral unit's
// version for the optimistic re-check. At most one Active loan may
// reference a unit; that is enforced here, in both phase 1 and phase 3,
// not merely assumed from the Locked status.
func (e *Engine) checkBorrowGuards(caller string, collateralID, amount uint64) (int64, error) {
	if amount == 0 {
		return 0, &ledger.ValidationError{Field: "amount", Reason: "must be greater than 0"}
	}
	unit, ok := e.store.Collateral(collateralID)
	if !ok {
		return 0, &ledger.NotFoundError{Entity: "collateral", ID: collateralID}
	}
	if unit.Owner != caller {
		return 0, &ledger.AuthorizationError{Entity: "collateral", ID: collateralID}
	}
	if unit.Status == ledger.CollateralWithdrawn {
		return 0, &ledger.StateConflictError{
			Entity: "collateral",
			ID:     collateralID,
			Status: unit.Status.String(),
			Reason: "unit has been withdrawn",
		}
	}
	for _, l := range e.store.LoansByCollateral(collateralID) {
		if l.Status == ledger.LoanActive {
			return 0, &ledger.StateConflictError{
				Entity: "collateral",
				ID:     collateralID,
				Status: unit.Status.String(),
				Reason: "unit already secures an active loan",
			}
		}
	}

	maxBorrowable := risk.MaxBorrowable(unit.Amount, e.params.LTVBps)
	if offer, ok := e.store.ActiveOfferForCollateral(collateralID); ok {
		maxBorrowable = offer.MaxBorrowable
	}
	if amount > maxBorrowable {
		return 0, &ledger.LimitExceededError{
			Kind:      "borrow amount exceeds max borrowable",
			Requested: amount,
			Limit:     maxBorrowable,
		}
	}
	return unit.Version, nil
}

// Repay credits an incoming transfer against an active loan. Full
// repayment moves the loan to Repaid and unlocks the collateral unit.
func (e *Engine) Repay(ctx context.Context, caller string, loanID, amount uint64) error {
	const op = "repay"
	defer e.observeOp(op, e.now())

	// Phase 1.
	e.mu.Lock()
	version, err := e.checkRepayGuards(caller, loanID, amount)
	e.mu.Unlock()
	if err != nil {
		return e.rejected(op, err)
	}

	// Phase 2: confirm the incoming transfer settled.
	settled, err := e.confirmIncoming(ctx, caller, amount)
	if err != nil {
		return e.rejected(op, err)
	}
	if !settled {
		return e.rejected(op, &ledger.ExternalVerificationError{
			Collaborator: "asset ledger",
			Reason:       "no matching incoming transfer found",
		})
	}

	// Phases 3 and 4.
	e.mu.Lock()
	defer e.mu.Unlock()

	current, err := e.checkRepayGuards(caller, loanID, amount)
	if err != nil {
		return e.revalidationFailed(op, err)
	}
	if current != version {
		return e.revalidationFailed(op, &ledger.StateConflictError{
			Entity: "loan",
			ID:     loanID,
			Reason: "loan changed while the transfer was being confirmed",
		})
	}

	loan, _ := e.store.Loan(loanID)
	unit, ok := e.store.Collateral(loan.CollateralID)
	if !ok {
		return e.rejected(op, &ledger.NotFoundError{Entity: "collateral", ID: loan.CollateralID})
	}

	full, err := state.ApplyRepayment(loan, unit, amount)
	if err != nil {
		return e.rejected(op, err)
	}

	e.applied(op)
	if full {
		if e.metrics != nil {
			e.metrics.ActiveLoans.Dec()
		}
		e.subLockedGauge(unit.Amount)
	}
	env := event.New(event.TypeLoanRepaid, caller, loanID, e.now())
	env.Amount = amount
	env.Partial = !full
	e.emit(env)
	e.log.Info().Str("owner", caller).Uint64("loan_id", loanID).
		Uint64("amount", amount).Bool("full", full).Msg("loan repayment applied")
	return nil
}

func (e *Engine) checkRepayGuards(caller string, loanID, amount uint64) (int64, error) {
	if amount == 0 {
		return 0, &ledger.ValidationError{Field: "amount", Reason: "must be greater than 0"}
	}
	loan, ok := e.store.Loan(loanID)
	if !ok {
		return 0, &ledger.NotFoundError{Entity: "loan", ID: loanID}
	}
	if loan.Owner != caller {
		return 0, &ledger.AuthorizationError{Entity: "loan", ID: loanID}
	}
	if loan.Status != ledger.LoanActive {
		return 0, &ledger.StateConflictError{
			Entity: "loan",
			ID:     loanID,
			Status: loan.Status.String(),
			Reason: "loan is not active",
		}
	}
	remaining, err := risk.LoanValue(loan.BorrowedAmount, loan.InterestRateBps, loan.RepaidAmount)
	if err != nil {
		return 0, err
	}
	if amount > remaining {
		return 0, &ledger.LimitExceededError{
			Kind:      "repayment exceeds remaining debt",
			Requested: amount,
			Limit:     remaining,
		}
	}
	return loan.Version, nil
}

// Withdraw releases an unencumbered unit to its owner. Synchronous: the
// guards and the commit share one critical section.
func (e *Engine) Withdraw(ctx context.Context, caller string, collateralID uint64) error {
	const op = "withdraw"
	defer e.observeOp(op, e.now())

	e.mu.Lock()
	defer e.mu.Unlock()

	unit, ok := e.store.Collateral(collateralID)
	if !ok {
		return e.rejected(op, &ledger.NotFoundError{Entity: "collateral", ID: collateralID})
	}
	if unit.Owner != caller {
		return e.rejected(op, &ledger.AuthorizationError{Entity: "collateral", ID: collateralID})
	}
	for _, l := range e.store.LoansByCollateral(collateralID) {
		if l.Status == ledger.LoanActive {
			return e.rejected(op, &ledger.StateConflictError{
				Entity: "collateral",
				ID:     collateralID,
				Status: unit.Status.String(),
				Reason: "unit secures an active loan that must be repaid first",
			})
		}
	}
	if err := state.WithdrawCollateral(unit); err != nil {
		return e.rejected(op, err)
	}

	e.applied(op)
	env := event.New(event.TypeCollateralWithdrawn, caller, collateralID, e.now())
	env.Amount = unit.Amount
	e.emit(env)
	e.log.Info().Str("owner", caller).Uint64("collateral_id", collateralID).
		Uint64("amount", unit.Amount).Msg("collateral withdrawn")
	return nil
}

// Liquidate forcibly closes a loan whose LTV has reached the liquidation
// threshold, seizing its collateral. Any principal may trigger it; the
// numeric guard, not ownership, decides eligibility.
func (e *Engine) Liquidate(ctx context.Context, caller string, loanID uint64) error {
	const op = "liquidate"
	defer e.observeOp(op, e.now())

	e.mu.Lock()
	defer e.mu.Unlock()

	loan, ok := e.store.Loan(loanID)
	if !ok {
		return e.rejected(op, &ledger.NotFoundError{Entity: "loan", ID: loanID})
	}
	unit, ok := e.store.Collateral(loan.CollateralID)
	if !ok {
		return e.rejected(op, &ledger.NotFoundError{Entity: "collateral", ID: loan.CollateralID})
	}
	if err := state.LiquidateLoan(loan, unit, e.params.LiquidationThresholdBps); err != nil {
		return e.rejected(op, err)
	}

	e.applied(op)
	if e.metrics != nil {
		e.metrics.Liquidations.Inc()
		e.metrics.ActiveLoans.Dec()
	}
	e.subLockedGauge(unit.Amount)
	env := event.New(event.TypeLoanLiquidated, loan.Owner, loanID, e.now())
	env.Amount = unit.Amount
	e.emit(env)
	e.log.Warn().Str("owner", loan.Owner).Str("liquidator", caller).
		Uint64("loan_id", loanID).Uint64("collateral_id", unit.ID).
		Msg("loan liquidated")
	return nil
}

// --- Collaborator wrappers ---

func (e *Engine) confirmCollateral(ctx context.Context, ref ledger.OutputRef, amount uint64, address string) (bool, error) {
	start := e.now()
	ok, err := e.collabs.Verifier.Confirm(ctx, ref, amount, address)
	e.observeExternal("verifier", start)
	if err != nil {
		return false, &ledger.ExternalVerificationError{Collaborator: "verifier", Err: err}
	}
	return ok, nil
}

func (e *Engine) lookupMetadata(ctx context.Context, ref ledger.OutputRef) (*ledger.Metadata, error) {
	start := e.now()
	md, err := e.collabs.Indexer.Lookup(ctx, ref)
	e.observeExternal("indexer", start)
	if err != nil {
		return nil, &ledger.ExternalVerificationError{Collaborator: "indexer", Err: err}
	}
	return md, nil
}

func (e *Engine) transferOut(ctx context.Context, to string, amount uint64) (string, error) {
	start := e.now()
	receipt, err := e.collabs.Assets.TransferOut(ctx, to, amount)
	e.observeExternal("asset_ledger", start)
	if err != nil {
		return "", &ledger.ExternalVerificationError{Collaborator: "asset ledger", Err: err}
	}
	return receipt, nil
}

func (e *Engine) confirmIncoming(ctx context.Context, from string, amount uint64) (bool, error) {
	start := e.now()
	ok, err := e.collabs.Assets.ConfirmIncoming(ctx, from, amount)
	e.observeExternal("asset_ledger", start)
	if err != nil {
		return false, &ledger.ExternalVerificationError{Collaborator: "asset ledger", Err: err}
	}
	return ok, nil
}

// --- Metrics and event helpers ---

func (e *Engine) applied(op string) {
	if e.metrics != nil {
		e.metrics.OpsApplied.WithLabelValues(op).Inc()
	}
}

func (e *Engine) rejected(op string, err error) error {
	if e.metrics != nil {
		e.metrics.OpsRejected.WithLabelValues(op, errorReason(err)).Inc()
	}
	return err
}

func (e *Engine) revalidationFailed(op string, err error) error {
	if e.metrics != nil {
		e.metrics.RevalidationFailures.WithLabelValues(op).Inc()
	}
	return e.rejected(op, err)
}

func (e *Engine) observeOp(op string, start time.Time) {
	if e.metrics != nil {
		e.metrics.OpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}

func (e *Engine) observeExternal(collaborator string, start time.Time) {
	if e.metrics != nil {
		e.metrics.ExternalCall.WithLabelValues(collaborator).Observe(time.Since(start).Seconds())
	}
}

func (e *Engine) addLockedGauge(amount uint64) {
	if e.metrics != nil {
		e.metrics.LockedCollateral.Add(float64(amount))
	}
}

func (e *Engine) subLockedGauge(amount uint64) {
	if e.metrics != nil {
		e.metrics.LockedCollateral.Sub(float64(amount))
	}
}

func (e *Engine) emit(env event.Envelope) {
	if e.events == nil {
		return
	}
	select {
	case e.events <- env:
	default:
		if e.metrics != nil {
			e.metrics.PublishDrops.Inc()
		}
	}
}

// errorReason maps a typed failure to a metrics label.
func errorReason(err error) string {
	var (
		validation *ledger.ValidationError
		authz      *ledger.AuthorizationError
		notFound   *ledger.NotFoundError
		conflict   *ledger.StateConflictError
		limit      *ledger.LimitExceededError
		external   *ledger.ExternalVerificationError
	)
	switch {
	case errors.As(err, &validation):
		return "validation"
	case errors.As(err, &authz):
		return "authorization"
	case errors.As(err, &notFound):
		return "not_found"
	case errors.As(err, &conflict):
		return "state_conflict"
	case errors.As(err, &limit):
		return "limit_exceeded"
	case errors.As(err, &external):
		return "external_verification"
	case errors.Is(err, ledger.ErrArithmeticOverflow):
		return "overflow"
	default:
		return "internal"
	}
}

// --- Request shape validation ---

// validTxID accepts exactly 64 hexadecimal characters.
func validTxID(txid string) bool {
	if len(txid) != 64 {
		return false
	}
	for _, c := range txid {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		case c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

// validAddress is a shape check only: 26-62 alphanumeric characters.
// Checksum validation belongs to the chain verifier.
func validAddress(address string) bool {
	if len(address) < 26 || len(address) > 62 {
		return false
	}
	for _, c := range address {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		default:
			return false
		}
	}
	return true
}
