// Package server exposes the vault over HTTP and gRPC.
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"BitVault/internal/core"
	"BitVault/internal/ledger"
	"BitVault/internal/observability"
	"BitVault/internal/query"
)

// PrincipalHeader carries the caller identity. Authentication itself is
// terminated upstream; the vault trusts this header.
const PrincipalHeader = "X-Vault-Principal"

// HTTPServer is the JSON API over the engine and query service.
type HTTPServer struct {
	engine  *core.Engine
	queries *query.Service
	health  *observability.HealthChecker
	log     zerolog.Logger
	metrics *observability.Metrics
}

func NewHTTPServer(engine *core.Engine, queries *query.Service, health *observability.HealthChecker, log zerolog.Logger, metrics *observability.Metrics) *HTTPServer {
	return &HTTPServer{
		engine:  engine,
		queries: queries,
		health:  health,
		log:     log,
		metrics: metrics,
	}
}

// Router builds the chi route tree.
func (s *HTTPServer) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", s.health.LivenessHandler)
	r.Get("/readyz", s.health.ReadinessHandler)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/collateral", s.handleDeposit)
		r.Get("/collateral/{id}", s.handleGetCollateral)
		r.Post("/collateral/{id}/lock", s.handleLock)
		r.Post("/collateral/{id}/withdraw", s.handleWithdraw)
		r.Get("/collateral/{id}/offer", s.handleCollateralOffer)

		r.Post("/loans", s.handleBorrow)
		r.Get("/loans", s.handleListLoans)
		r.Get("/loans/{id}", s.handleGetLoan)
		r.Get("/loans/{id}/health", s.handleLoanHealth)
		r.Post("/loans/{id}/repay", s.handleRepay)
		r.Post("/loans/{id}/liquidate", s.handleLiquidate)

		r.Get("/offers/{id}", s.handleGetOffer)

		r.Get("/owners/{owner}/collateral", s.handleOwnerCollateral)
		r.Get("/owners/{owner}/loans", s.handleOwnerLoans)
		r.Get("/owners/{owner}/offers", s.handleOwnerOffers)
		r.Get("/owners/{owner}/stats", s.handleOwnerStats)

		r.Get("/stats", s.handleStats)
	})

	return r
}

type depositRequest struct {
	TxID     string           `json:"txid"`
	Vout     uint32           `json:"vout"`
	Amount   uint64           `json:"amount"`
	Address  string           `json:"address"`
	Metadata *ledger.Metadata `json:"metadata,omitempty"`
}

type borrowRequest struct {
	CollateralID uint64 `json:"collateral_id"`
	Amount       uint64 `json:"amount"`
}

type amountRequest struct {
	Amount uint64 `json:"amount"`
}

type idResponse struct {
	ID uint64 `json:"id"`
}

type statusResponse struct {
	Status string `json:"status"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *HTTPServer) handleDeposit(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.principal(w, r, "deposit")
	if !ok {
		return
	}
	var req depositRequest
	if !s.decode(w, r, "deposit", &req) {
		return
	}

	id, err := s.engine.Deposit(r.Context(), caller, core.DepositRequest{
		TxID:     req.TxID,
		Vout:     req.Vout,
		Amount:   req.Amount,
		Address:  req.Address,
		Metadata: req.Metadata,
	})
	if err != nil {
		s.writeError(w, "deposit", err)
		return
	}
	s.writeJSON(w, "deposit", http.StatusCreated, idResponse{ID: id})
}

func (s *HTTPServer) handleLock(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.principal(w, r, "lock")
	if !ok {
		return
	}
	id, ok := s.pathID(w, r, "lock")
	if !ok {
		return
	}

	offer, err := s.engine.Lock(r.Context(), caller, id)
	if err != nil {
		s.writeError(w, "lock", err)
		return
	}
	s.writeJSON(w, "lock", http.StatusCreated, offer)
}

func (s *HTTPServer) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.principal(w, r, "withdraw")
	if !ok {
		return
	}
	id, ok := s.pathID(w, r, "withdraw")
	if !ok {
		return
	}

	if err := s.engine.Withdraw(r.Context(), caller, id); err != nil {
		s.writeError(w, "withdraw", err)
		return
	}
	s.writeJSON(w, "withdraw", http.StatusOK, statusResponse{Status: "withdrawn"})
}

func (s *HTTPServer) handleBorrow(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.principal(w, r, "borrow")
	if !ok {
		return
	}
	var req borrowRequest
	if !s.decode(w, r, "borrow", &req) {
		return
	}

	id, err := s.engine.Borrow(r.Context(), caller, req.CollateralID, req.Amount)
	if err != nil {
		s.writeError(w, "borrow", err)
		return
	}
	s.writeJSON(w, "borrow", http.StatusCreated, idResponse{ID: id})
}

func (s *HTTPServer) handleRepay(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.principal(w, r, "repay")
	if !ok {
		return
	}
	id, ok := s.pathID(w, r, "repay")
	if !ok {
		return
	}
	var req amountRequest
	if !s.decode(w, r, "repay", &req) {
		return
	}

	if err := s.engine.Repay(r.Context(), caller, id, req.Amount); err != nil {
		s.writeError(w, "repay", err)
		return
	}
	s.writeJSON(w, "repay", http.StatusOK, statusResponse{Status: "repaid"})
}

func (s *HTTPServer) handleLiquidate(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.principal(w, r, "liquidate")
	if !ok {
		return
	}
	id, ok := s.pathID(w, r, "liquidate")
	if !ok {
		return
	}

	if err := s.engine.Liquidate(r.Context(), caller, id); err != nil {
		s.writeError(w, "liquidate", err)
		return
	}
	s.writeJSON(w, "liquidate", http.StatusOK, statusResponse{Status: "liquidated"})
}

func (s *HTTPServer) handleGetCollateral(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "get_collateral")
	if !ok {
		return
	}
	unit, err := s.queries.Collateral(id)
	if err != nil {
		s.writeError(w, "get_collateral", err)
		return
	}
	s.writeJSON(w, "get_collateral", http.StatusOK, unit)
}

func (s *HTTPServer) handleGetLoan(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "get_loan")
	if !ok {
		return
	}
	loan, err := s.queries.Loan(id)
	if err != nil {
		s.writeError(w, "get_loan", err)
		return
	}
	s.writeJSON(w, "get_loan", http.StatusOK, loan)
}

func (s *HTTPServer) handleGetOffer(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "get_offer")
	if !ok {
		return
	}
	offer, err := s.queries.Offer(id)
	if err != nil {
		s.writeError(w, "get_offer", err)
		return
	}
	s.writeJSON(w, "get_offer", http.StatusOK, offer)
}

func (s *HTTPServer) handleCollateralOffer(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "collateral_offer")
	if !ok {
		return
	}
	offer, err := s.queries.OfferByCollateral(id)
	if err != nil {
		s.writeError(w, "collateral_offer", err)
		return
	}
	s.writeJSON(w, "collateral_offer", http.StatusOK, offer)
}

func (s *HTTPServer) handleLoanHealth(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "loan_health")
	if !ok {
		return
	}
	health, err := s.queries.Health(id)
	if err != nil {
		s.writeError(w, "loan_health", err)
		return
	}
	s.writeJSON(w, "loan_health", http.StatusOK, health)
}

func (s *HTTPServer) handleListLoans(w http.ResponseWriter, r *http.Request) {
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	page := s.queries.AllLoans(offset, limit)
	s.writeJSON(w, "list_loans", http.StatusOK, page)
}

func (s *HTTPServer) handleOwnerCollateral(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "owner")
	s.writeJSON(w, "owner_collateral", http.StatusOK, s.queries.CollateralByOwner(owner))
}

func (s *HTTPServer) handleOwnerLoans(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "owner")
	s.writeJSON(w, "owner_loans", http.StatusOK, s.queries.LoansByOwner(owner))
}

func (s *HTTPServer) handleOwnerOffers(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "owner")
	s.writeJSON(w, "owner_offers", http.StatusOK, s.queries.OffersByOwner(owner))
}

func (s *HTTPServer) handleOwnerStats(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "owner")
	s.writeJSON(w, "owner_stats", http.StatusOK, s.queries.StatsForOwner(owner))
}

func (s *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, "stats", http.StatusOK, s.queries.Stats())
}

// --- Helpers ---

func (s *HTTPServer) principal(w http.ResponseWriter, r *http.Request, endpoint string) (string, bool) {
	caller := r.Header.Get(PrincipalHeader)
	if caller == "" {
		s.writeJSON(w, endpoint, http.StatusUnauthorized,
			errorResponse{Error: "missing " + PrincipalHeader + " header"})
		return "", false
	}
	return caller, true
}

func (s *HTTPServer) pathID(w http.ResponseWriter, r *http.Request, endpoint string) (uint64, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.writeJSON(w, endpoint, http.StatusBadRequest, errorResponse{Error: "invalid id"})
		return 0, false
	}
	return id, true
}

func (s *HTTPServer) decode(w http.ResponseWriter, r *http.Request, endpoint string, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeJSON(w, endpoint, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return false
	}
	return true
}

func (s *HTTPServer) writeError(w http.ResponseWriter, endpoint string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Error().Err(err).Str("endpoint", endpoint).Msg("request failed")
	}
	s.writeJSON(w, endpoint, status, errorResponse{Error: err.Error()})
}

func (s *HTTPServer) writeJSON(w http.ResponseWriter, endpoint string, status int, v any) {
	if s.metrics != nil {
		s.metrics.QueryRequests.WithLabelValues(endpoint, strconv.Itoa(status)).Inc()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Str("endpoint", endpoint).Msg("encode response")
	}
}

// statusFor maps the ledger error taxonomy onto HTTP status codes.
func statusFor(err error) int {
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
		return http.StatusBadRequest
	case errors.As(err, &authz):
		return http.StatusForbidden
	case errors.As(err, &notFound):
		return http.StatusNotFound
	case errors.As(err, &conflict):
		return http.StatusConflict
	case errors.As(err, &limit):
		return http.StatusUnprocessableEntity
	case errors.As(err, &external):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
