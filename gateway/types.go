package gateway

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"credence/crypto"
	nativecommon "credence/native/common"
	"credence/native/loan"
)

// offerPayload mirrors the signed offer exactly as the credit oracle issued
// it. All integer fields travel as decimal strings so precision survives
// JSON.
type offerPayload struct {
	Borrower         string `json:"borrower"`
	Principal        string `json:"principal"`
	CollateralAmount string `json:"collateralAmount"`
	InterestRateBps  string `json:"interestRateBps"`
	DurationSeconds  string `json:"durationSeconds"`
	Nonce            string `json:"nonce"`
	Expiry           string `json:"expiry"`
}

type createLoanRequest struct {
	Caller             string       `json:"caller"`
	Offer              offerPayload `json:"offer"`
	Signature          string       `json:"signature"`
	AttachedCollateral string       `json:"attachedCollateral"`
}

type createLoanResponse struct {
	LoanID uint64 `json:"loanId"`
}

type repayLoanRequest struct {
	Caller  string `json:"caller"`
	Payment string `json:"payment"`
}

type fundRequest struct {
	Address string `json:"address"`
	Amount  string `json:"amount"`
}

type signerUpdateRequest struct {
	Signer string `json:"signer"`
}

type breakerPayload struct {
	Enabled                bool   `json:"enabled"`
	MaxOperationsPerWindow uint32 `json:"maxOperationsPerWindow"`
	WindowLengthSeconds    uint32 `json:"windowLengthSeconds"`
	MaxAmountPerOperation  string `json:"maxAmountPerOperation"`
}

type loanView struct {
	ID              uint64 `json:"id"`
	Borrower        string `json:"borrower"`
	Principal       string `json:"principal"`
	Collateral      string `json:"collateral"`
	InterestRateBps uint64 `json:"interestRateBps"`
	StartTimestamp  int64  `json:"startTimestamp"`
	DurationSeconds uint64 `json:"durationSeconds"`
	DueAt           int64  `json:"dueAt"`
	Repaid          bool   `json:"repaid"`
	Liquidated      bool   `json:"liquidated"`
}

type owedView struct {
	LoanID    uint64 `json:"loanId"`
	TotalOwed string `json:"totalOwed"`
}

type balanceView struct {
	Address string `json:"address"`
	Balance string `json:"balance"`
}

type borrowerLoansView struct {
	Address string   `json:"address"`
	LoanIDs []uint64 `json:"loanIds"`
}

type statusView struct {
	Paused        bool           `json:"paused"`
	TrustedSigner string         `json:"trustedSigner"`
	Operator      string         `json:"operator"`
	Breaker       breakerPayload `json:"breaker"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func newLoanView(l *loan.Loan) loanView {
	return loanView{
		ID:              uint64(l.ID),
		Borrower:        l.Borrower.String(),
		Principal:       bigString(l.Principal),
		Collateral:      bigString(l.Collateral),
		InterestRateBps: l.InterestRateBps,
		StartTimestamp:  l.StartTimestamp,
		DurationSeconds: l.DurationSeconds,
		DueAt:           l.DueAt(),
		Repaid:          l.Repaid,
		Liquidated:      l.Liquidated,
	}
}

func newBreakerPayload(cfg nativecommon.BreakerConfig) breakerPayload {
	out := breakerPayload{
		Enabled:                cfg.Enabled,
		MaxOperationsPerWindow: cfg.MaxOperationsPerWindow,
		WindowLengthSeconds:    cfg.WindowLengthSeconds,
		MaxAmountPerOperation:  "0",
	}
	if cfg.MaxAmountPerOperation != nil {
		out.MaxAmountPerOperation = cfg.MaxAmountPerOperation.String()
	}
	return out
}

func (p breakerPayload) toConfig() (nativecommon.BreakerConfig, error) {
	out := nativecommon.BreakerConfig{
		Enabled:                p.Enabled,
		MaxOperationsPerWindow: p.MaxOperationsPerWindow,
		WindowLengthSeconds:    p.WindowLengthSeconds,
	}
	raw := strings.TrimSpace(p.MaxAmountPerOperation)
	if raw != "" && raw != "0" {
		amount, err := parseAmount(raw, "maxAmountPerOperation")
		if err != nil {
			return nativecommon.BreakerConfig{}, err
		}
		out.MaxAmountPerOperation = amount
	}
	return out, nil
}

func (p offerPayload) toOffer() (*loan.Offer, error) {
	borrower, err := parseAddress(p.Borrower, "borrower")
	if err != nil {
		return nil, err
	}
	principal, err := parseAmount(p.Principal, "principal")
	if err != nil {
		return nil, err
	}
	collateral, err := parseAmount(p.CollateralAmount, "collateralAmount")
	if err != nil {
		return nil, err
	}
	rate, err := parseUint(p.InterestRateBps, "interestRateBps")
	if err != nil {
		return nil, err
	}
	duration, err := parseUint(p.DurationSeconds, "durationSeconds")
	if err != nil {
		return nil, err
	}
	nonce, err := parseUint(p.Nonce, "nonce")
	if err != nil {
		return nil, err
	}
	expiry, err := parseInt(p.Expiry, "expiry")
	if err != nil {
		return nil, err
	}
	return &loan.Offer{
		Borrower:        borrower,
		Principal:       principal,
		Collateral:      collateral,
		InterestRateBps: rate,
		DurationSeconds: duration,
		Nonce:           nonce,
		Expiry:          expiry,
	}, nil
}

func parseAddress(raw, field string) (crypto.Address, error) {
	addr, err := crypto.DecodeAddress(strings.TrimSpace(raw))
	if err != nil {
		return crypto.Address{}, fmt.Errorf("%s: %w", field, err)
	}
	return addr, nil
}

func parseAmount(raw, field string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("%s: required", field)
	}
	value, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("%s: %q is not a decimal integer", field, raw)
	}
	if value.Sign() < 0 {
		return nil, fmt.Errorf("%s: must not be negative", field)
	}
	return value, nil
}

func parseUint(raw, field string) (uint64, error) {
	value, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %q is not an unsigned integer", field, raw)
	}
	return value, nil
}

func parseInt(raw, field string) (int64, error) {
	value, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %q is not an integer", field, raw)
	}
	return value, nil
}

func parseSignature(raw string) ([]byte, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	sig, err := hex.DecodeString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("signature: %w", err)
	}
	return sig, nil
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
