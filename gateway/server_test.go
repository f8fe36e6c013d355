package gateway

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"credence/core"
	"credence/crypto"
	nativecommon "credence/native/common"
	"credence/native/loan"
	"credence/state"
	"credence/storage"
)

const (
	testAPISecret      = "api-secret"
	testOperatorSecret = "operator-secret"
)

type gatewayFixture struct {
	t        *testing.T
	node     *core.Node
	server   *Server
	signer   *crypto.PrivateKey
	borrower crypto.Address
	domain   [32]byte
}

func newGatewayFixture(t *testing.T) *gatewayFixture {
	t.Helper()
	signer, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	operatorKey, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	borrowerKey, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)

	instance := crypto.MustNewAddress([]byte("gateway-under-test.."))
	nodeCfg := core.Config{
		ChainID:       1881,
		Instance:      instance,
		Operator:      operatorKey.PubKey().Address(),
		TrustedSigner: signer.PubKey().Address(),
		Breaker: nativecommon.BreakerConfig{
			MaxOperationsPerWindow: 50,
			WindowLengthSeconds:    3600,
			Enabled:                true,
		},
	}
	node, err := core.NewNode(nodeCfg, state.NewManager(storage.NewMemDB()), slog.Default())
	require.NoError(t, err)

	server, err := NewServer(node, Config{
		APISecret:      testAPISecret,
		OperatorSecret: testOperatorSecret,
	}, slog.Default())
	require.NoError(t, err)

	f := &gatewayFixture{
		t:        t,
		node:     node,
		server:   server,
		signer:   signer,
		borrower: borrowerKey.PubKey().Address(),
		domain:   loan.DomainSeparator(nodeCfg.ChainID, instance),
	}
	require.NoError(t, node.FundAccount(nodeCfg.Operator, f.borrower, big.NewInt(10_000)))
	require.NoError(t, node.FundAccount(nodeCfg.Operator, node.PoolAddress(), big.NewInt(1_000_000)))
	return f
}

func (f *gatewayFixture) request(method, path string, body any, decorate func(*http.Request)) *httptest.ResponseRecorder {
	f.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(f.t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if decorate != nil {
		decorate(req)
	}
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	return rec
}

func (f *gatewayFixture) api(method, path string, body any) *httptest.ResponseRecorder {
	return f.request(method, path, body, func(r *http.Request) {
		r.Header.Set(apiKeyHeader, testAPISecret)
	})
}

func (f *gatewayFixture) admin(method, path string, body any) *httptest.ResponseRecorder {
	return f.request(method, path, body, func(r *http.Request) {
		r.Header.Set(apiKeyHeader, testAPISecret)
		r.Header.Set(operatorKeyHeader, testOperatorSecret)
	})
}

func (f *gatewayFixture) createLoanRequest(nonce uint64) createLoanRequest {
	f.t.Helper()
	offer := &loan.Offer{
		Borrower:        f.borrower,
		Principal:       big.NewInt(1000),
		Collateral:      big.NewInt(500),
		InterestRateBps: 500,
		DurationSeconds: 2_592_000,
		Nonce:           nonce,
		Expiry:          1<<62 - 1,
	}
	sig, err := loan.SignOffer(offer, f.domain, f.signer)
	require.NoError(f.t, err)
	return createLoanRequest{
		Caller: f.borrower.String(),
		Offer: offerPayload{
			Borrower:         f.borrower.String(),
			Principal:        "1000",
			CollateralAmount: "500",
			InterestRateBps:  "500",
			DurationSeconds:  "2592000",
			Nonce:            strconv.FormatUint(nonce, 10),
			Expiry:           strconv.FormatInt(1<<62-1, 10),
		},
		Signature:          "0x" + hex.EncodeToString(sig),
		AttachedCollateral: "500",
	}
}

func TestHealthzOpen(t *testing.T) {
	f := newGatewayFixture(t)
	rec := f.request(http.MethodGet, "/healthz", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAPIKeyRequired(t *testing.T) {
	f := newGatewayFixture(t)
	rec := f.request(http.MethodGet, "/v1/status", nil, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.api(http.MethodGet, "/v1/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status statusView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	require.False(t, status.Paused)
	require.Equal(t, f.node.TrustedSigner().String(), status.TrustedSigner)
}

func TestCreateRepayRoundtrip(t *testing.T) {
	f := newGatewayFixture(t)

	rec := f.api(http.MethodPost, "/v1/loans", f.createLoanRequest(1))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created createLoanResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.Equal(t, uint64(1), created.LoanID)

	rec = f.api(http.MethodGet, "/v1/loans/1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var view loanView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	require.Equal(t, f.borrower.String(), view.Borrower)
	require.Equal(t, "1000", view.Principal)
	require.False(t, view.Repaid)

	rec = f.api(http.MethodGet, "/v1/loans/1/owed", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var owed owedView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &owed))
	require.Equal(t, "1000", owed.TotalOwed)

	rec = f.api(http.MethodPost, "/v1/loans/1/repay", repayLoanRequest{
		Caller:  f.borrower.String(),
		Payment: "1000",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	require.True(t, view.Repaid)
}

func TestCreateLoanDomainErrors(t *testing.T) {
	f := newGatewayFixture(t)

	// Replayed nonce maps to conflict.
	rec := f.api(http.MethodPost, "/v1/loans", f.createLoanRequest(1))
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = f.api(http.MethodPost, "/v1/loans", f.createLoanRequest(1))
	require.Equal(t, http.StatusConflict, rec.Code)

	// A tampered signature maps to unauthorized.
	req := f.createLoanRequest(2)
	req.Offer.Principal = "2000"
	rec = f.api(http.MethodPost, "/v1/loans", req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	// Malformed body maps to bad request.
	rec = f.api(http.MethodPost, "/v1/loans", map[string]string{"bogus": "field"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLoanNotFound(t *testing.T) {
	f := newGatewayFixture(t)
	rec := f.api(http.MethodGet, "/v1/loans/99", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	rec = f.api(http.MethodGet, "/v1/loans/zero", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminSurfaceGated(t *testing.T) {
	f := newGatewayFixture(t)

	// API key alone is not enough for the admin surface.
	rec := f.api(http.MethodPost, "/v1/admin/pause", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.admin(http.MethodPost, "/v1/admin/pause", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, f.node.Paused())

	// Mutations are rejected while paused.
	rec = f.api(http.MethodPost, "/v1/loans", f.createLoanRequest(1))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = f.admin(http.MethodPost, "/v1/admin/unpause", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.False(t, f.node.Paused())
}

func TestAdminBreakerUpdate(t *testing.T) {
	f := newGatewayFixture(t)
	rec := f.admin(http.MethodPut, "/v1/admin/breaker", breakerPayload{
		Enabled:                true,
		MaxOperationsPerWindow: 1,
		WindowLengthSeconds:    60,
		MaxAmountPerOperation:  "5000",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.api(http.MethodPost, "/v1/loans", f.createLoanRequest(1))
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = f.api(http.MethodPost, "/v1/loans", f.createLoanRequest(2))
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestAdminFundAndBalance(t *testing.T) {
	f := newGatewayFixture(t)
	rec := f.admin(http.MethodPost, "/v1/admin/fund", fundRequest{
		Address: f.borrower.String(),
		Amount:  "250",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var balance balanceView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &balance))
	require.Equal(t, "10250", balance.Balance)

	rec = f.api(http.MethodGet, "/v1/accounts/"+f.borrower.String()+"/balance", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &balance))
	require.Equal(t, "10250", balance.Balance)
}

func TestBorrowerLoansAndEvents(t *testing.T) {
	f := newGatewayFixture(t)
	rec := f.api(http.MethodPost, "/v1/loans", f.createLoanRequest(1))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = f.api(http.MethodGet, "/v1/accounts/"+f.borrower.String()+"/loans", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var loans borrowerLoansView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &loans))
	require.Equal(t, []uint64{1}, loans.LoanIDs)

	rec = f.api(http.MethodGet, "/v1/events", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "loan.created")
}

func TestRequestIDPropagated(t *testing.T) {
	f := newGatewayFixture(t)
	rec := f.request(http.MethodGet, "/healthz", nil, func(r *http.Request) {
		r.Header.Set(requestIDHeader, "req-123")
	})
	require.Equal(t, "req-123", rec.Header().Get(requestIDHeader))

	rec = f.request(http.MethodGet, "/healthz", nil, nil)
	require.NotEmpty(t, rec.Header().Get(requestIDHeader))
}
