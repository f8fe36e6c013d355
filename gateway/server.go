// Package gateway exposes the ledger node over HTTP: a public API surface
// guarded by a shared secret and an administrative surface guarded by the
// operator secret.
package gateway

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"credence/core"
	nativecommon "credence/native/common"
	"credence/native/loan"
)

const (
	apiKeyHeader      = "X-Credence-Api-Key"
	operatorKeyHeader = "X-Credence-Operator-Key"
	requestIDHeader   = "X-Request-Id"

	requestBodyLimit = 1 << 20 // 1 MiB
)

// Config carries the gateway's auth material. An empty APISecret leaves the
// public surface open; the OperatorSecret is mandatory.
type Config struct {
	APISecret      string
	OperatorSecret string
}

// Server routes HTTP requests onto a ledger node.
type Server struct {
	node   *core.Node
	cfg    Config
	logger *slog.Logger
	router chi.Router
}

// NewServer builds the HTTP surface over the given node.
func NewServer(node *core.Node, cfg Config, logger *slog.Logger) (*Server, error) {
	if node == nil {
		return nil, errors.New("gateway: node required")
	}
	if strings.TrimSpace(cfg.OperatorSecret) == "" {
		return nil, errors.New("gateway: operator secret required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		node:   node,
		cfg:    cfg,
		logger: logger.With("component", "gateway"),
	}
	s.router = s.routes()
	return s, nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(s.requestID)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(v1 chi.Router) {
		v1.Use(s.requireAPIKey)
		v1.Post("/loans", s.handleCreateLoan)
		v1.Get("/loans/{id}", s.handleGetLoan)
		v1.Get("/loans/{id}/owed", s.handleGetOwed)
		v1.Post("/loans/{id}/repay", s.handleRepayLoan)
		v1.Get("/accounts/{address}/loans", s.handleBorrowerLoans)
		v1.Get("/accounts/{address}/balance", s.handleBalance)
		v1.Get("/events", s.handleEvents)
		v1.Get("/status", s.handleStatus)

		v1.Route("/admin", func(admin chi.Router) {
			admin.Use(s.requireOperatorKey)
			admin.Post("/pause", s.handlePause)
			admin.Post("/unpause", s.handleUnpause)
			admin.Put("/breaker", s.handleUpdateBreaker)
			admin.Put("/signer", s.handleUpdateSigner)
			admin.Post("/fund", s.handleFund)
			admin.Post("/loans/{id}/liquidate", s.handleLiquidate)
		})
	})
	return r
}

// --- middleware ---

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.APISecret != "" && !secretMatches(r.Header.Get(apiKeyHeader), s.cfg.APISecret) {
			s.writeError(w, r, http.StatusUnauthorized, errors.New("missing or invalid api key"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireOperatorKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !secretMatches(r.Header.Get(operatorKeyHeader), s.cfg.OperatorSecret) {
			s.writeError(w, r, http.StatusForbidden, errors.New("missing or invalid operator key"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func secretMatches(provided, expected string) bool {
	return subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) == 1
}

// --- public handlers ---

func (s *Server) handleCreateLoan(w http.ResponseWriter, r *http.Request) {
	var req createLoanRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	caller, err := parseAddress(req.Caller, "caller")
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	offer, err := req.Offer.toOffer()
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	sig, err := parseSignature(req.Signature)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	attached, err := parseAmount(req.AttachedCollateral, "attachedCollateral")
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	id, err := s.node.CreateLoan(caller, offer, sig, attached)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, createLoanResponse{LoanID: uint64(id)})
}

func (s *Server) handleRepayLoan(w http.ResponseWriter, r *http.Request) {
	id, err := loanIDParam(r)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	var req repayLoanRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	caller, err := parseAddress(req.Caller, "caller")
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	payment, err := parseAmount(req.Payment, "payment")
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if err := s.node.RepayLoan(caller, id, payment); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	record, err := s.node.GetLoan(id)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, newLoanView(record))
}

func (s *Server) handleGetLoan(w http.ResponseWriter, r *http.Request) {
	id, err := loanIDParam(r)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	record, err := s.node.GetLoan(id)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, newLoanView(record))
}

func (s *Server) handleGetOwed(w http.ResponseWriter, r *http.Request) {
	id, err := loanIDParam(r)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	owed, err := s.node.CalculateTotalOwed(id)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, owedView{LoanID: uint64(id), TotalOwed: owed.String()})
}

func (s *Server) handleBorrowerLoans(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddress(chi.URLParam(r, "address"), "address")
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	ids, err := s.node.GetBorrowerLoans(addr)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	out := borrowerLoansView{Address: addr.String(), LoanIDs: make([]uint64, 0, len(ids))}
	for _, id := range ids {
		out.LoanIDs = append(out.LoanIDs, uint64(id))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddress(chi.URLParam(r, "address"), "address")
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	balance, err := s.node.AccountBalance(addr)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, balanceView{Address: addr.String(), Balance: balance.String()})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.node.RecentEvents())
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, statusView{
		Paused:        s.node.Paused(),
		TrustedSigner: s.node.TrustedSigner().String(),
		Operator:      s.node.Operator().String(),
		Breaker:       newBreakerPayload(s.node.BreakerConfig()),
	})
}

// --- admin handlers ---

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if err := s.node.Pause(s.node.Operator()); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, statusView{Paused: true})
}

func (s *Server) handleUnpause(w http.ResponseWriter, r *http.Request) {
	if err := s.node.Unpause(s.node.Operator()); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, statusView{Paused: false})
}

func (s *Server) handleUpdateBreaker(w http.ResponseWriter, r *http.Request) {
	var req breakerPayload
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	cfg, err := req.toConfig()
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if err := s.node.UpdateBreakerConfig(s.node.Operator(), cfg); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, newBreakerPayload(s.node.BreakerConfig()))
}

func (s *Server) handleUpdateSigner(w http.ResponseWriter, r *http.Request) {
	var req signerUpdateRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	signer, err := parseAddress(req.Signer, "signer")
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if err := s.node.UpdateTrustedSigner(s.node.Operator(), signer); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"trustedSigner": signer.String()})
}

func (s *Server) handleFund(w http.ResponseWriter, r *http.Request) {
	var req fundRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	addr, err := parseAddress(req.Address, "address")
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	amount, err := parseAmount(req.Amount, "amount")
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if err := s.node.FundAccount(s.node.Operator(), addr, amount); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	balance, err := s.node.AccountBalance(addr)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, balanceView{Address: addr.String(), Balance: balance.String()})
}

func (s *Server) handleLiquidate(w http.ResponseWriter, r *http.Request) {
	id, err := loanIDParam(r)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if err := s.node.Liquidate(s.node.Operator(), id); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	record, err := s.node.GetLoan(id)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, newLoanView(record))
}

// --- helpers ---

func (s *Server) decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, requestBodyLimit))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return errors.New("malformed request body")
	}
	return nil
}

func loanIDParam(r *http.Request) (loan.ID, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, errors.New("id: must be a positive integer")
	}
	return loan.ID(id), nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("encode response", "err", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "status", status, "err", err)
	}
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}

// writeDomainError maps ledger errors onto HTTP statuses.
func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	s.writeError(w, r, domainStatus(err), err)
}

func domainStatus(err error) int {
	var rateErr *nativecommon.RateLimitError
	var amountErr *nativecommon.AmountLimitError
	var expiredErr *loan.OfferExpiredError
	var collateralErr *loan.InsufficientCollateralError
	var repaymentErr *loan.InsufficientRepaymentError
	switch {
	case errors.Is(err, loan.ErrLoanNotFound):
		return http.StatusNotFound
	case errors.Is(err, loan.ErrInvalidSignature), errors.Is(err, loan.ErrNotOperator):
		return http.StatusUnauthorized
	case errors.Is(err, loan.ErrOnlyBorrower):
		return http.StatusForbidden
	case errors.As(err, &rateErr), errors.As(err, &amountErr):
		return http.StatusTooManyRequests
	case errors.Is(err, nativecommon.ErrSystemPaused):
		return http.StatusServiceUnavailable
	case errors.Is(err, loan.ErrNonceAlreadyUsed),
		errors.Is(err, loan.ErrLoanAlreadyRepaid),
		errors.Is(err, loan.ErrLoanLiquidated),
		errors.Is(err, loan.ErrLoanNotMatured),
		errors.Is(err, loan.ErrInsufficientLiquidity):
		return http.StatusConflict
	case errors.As(err, &expiredErr),
		errors.As(err, &collateralErr),
		errors.As(err, &repaymentErr),
		errors.Is(err, loan.ErrInvalidAmount),
		errors.Is(err, loan.ErrInsufficientBalance):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
