package loan

import (
	"errors"
	"math/big"

	"credence/crypto"
)

// ID is the monotonically increasing identifier allocated to each loan.
type ID uint64

// Loan is the persistent record for a single credit line. Repaid and
// Liquidated are terminal and mutually exclusive; once either is set the
// economic fields are frozen.
type Loan struct {
	ID              ID             `json:"id"`
	Borrower        crypto.Address `json:"borrower"`
	Principal       *big.Int       `json:"principal"`
	Collateral      *big.Int       `json:"collateral"`
	InterestRateBps uint64         `json:"interestRateBps"`
	StartTimestamp  int64          `json:"startTimestamp"`
	DurationSeconds uint64         `json:"durationSeconds"`
	Repaid          bool           `json:"repaid"`
	Liquidated      bool           `json:"liquidated"`
}

// Active reports whether the loan is still open.
func (l *Loan) Active() bool {
	return l != nil && !l.Repaid && !l.Liquidated
}

// DueAt returns the unix timestamp after which the loan may be liquidated.
func (l *Loan) DueAt() int64 {
	if l == nil {
		return 0
	}
	return l.StartTimestamp + int64(l.DurationSeconds)
}

// Clone returns a deep copy so callers can mutate freely without touching the
// stored record.
func (l *Loan) Clone() *Loan {
	if l == nil {
		return nil
	}
	clone := *l
	if l.Principal != nil {
		clone.Principal = new(big.Int).Set(l.Principal)
	} else {
		clone.Principal = big.NewInt(0)
	}
	if l.Collateral != nil {
		clone.Collateral = new(big.Int).Set(l.Collateral)
	} else {
		clone.Collateral = big.NewInt(0)
	}
	return &clone
}

// Offer is a structured, time-bounded loan proposal produced by the trusted
// off-chain signer. It is transient input to verification and is never stored
// as-is.
type Offer struct {
	Borrower        crypto.Address `json:"borrower"`
	Principal       *big.Int       `json:"principal"`
	Collateral      *big.Int       `json:"collateralAmount"`
	InterestRateBps uint64         `json:"interestRateBps"`
	DurationSeconds uint64         `json:"durationSeconds"`
	Nonce           uint64         `json:"nonce"`
	Expiry          int64          `json:"expiry"`
}

// SanitizeOffer validates structural invariants of an offer and returns a
// deep copy with non-nil amount fields. Economic preconditions (positive
// amounts, expiry) are checked by the engine in their mandated order.
func SanitizeOffer(o *Offer) (*Offer, error) {
	if o == nil {
		return nil, errors.New("nil offer")
	}
	clone := *o
	if o.Principal != nil {
		clone.Principal = new(big.Int).Set(o.Principal)
	} else {
		clone.Principal = big.NewInt(0)
	}
	if o.Collateral != nil {
		clone.Collateral = new(big.Int).Set(o.Collateral)
	} else {
		clone.Collateral = big.NewInt(0)
	}
	if clone.Principal.Sign() < 0 || clone.Collateral.Sign() < 0 {
		return nil, errors.New("offer amounts must be non-negative")
	}
	if clone.InterestRateBps > 10_000 {
		return nil, errors.New("offer interest rate above 100%")
	}
	return &clone, nil
}
