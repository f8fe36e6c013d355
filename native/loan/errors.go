package loan

import (
	"errors"
	"fmt"
	"math/big"
)

var (
	errNilState = errors.New("loan engine: state not configured")

	// ErrOnlyBorrower rejects callers acting on a loan or offer that names a
	// different borrower.
	ErrOnlyBorrower = errors.New("loan engine: caller is not the borrower")
	// ErrNonceAlreadyUsed rejects the replay of a consumed (account, nonce)
	// pair. Permanently fatal for that nonce.
	ErrNonceAlreadyUsed = errors.New("loan engine: nonce already used")
	// ErrInvalidAmount rejects zero or negative principal or collateral.
	ErrInvalidAmount = errors.New("loan engine: amount must be positive")
	// ErrInsufficientBalance rejects value moves the paying account cannot
	// cover.
	ErrInsufficientBalance = errors.New("loan engine: insufficient balance")
	// ErrInsufficientLiquidity rejects disbursements exceeding the pool.
	ErrInsufficientLiquidity = errors.New("loan engine: insufficient liquidity")
	// ErrLoanNotFound rejects operations on unknown loan ids.
	ErrLoanNotFound = errors.New("loan engine: loan not found")
	// ErrLoanAlreadyRepaid rejects mutation of a repaid loan.
	ErrLoanAlreadyRepaid = errors.New("loan engine: loan already repaid")
	// ErrLoanLiquidated rejects mutation of a liquidated loan.
	ErrLoanLiquidated = errors.New("loan engine: loan already liquidated")
	// ErrLoanNotMatured rejects liquidation before the loan is past due.
	ErrLoanNotMatured = errors.New("loan engine: loan not past due")
	// ErrNotOperator rejects administrative calls from non-operator accounts.
	ErrNotOperator = errors.New("loan engine: caller is not the operator")
)

// OfferExpiredError reports an offer submitted at or after its expiry. The
// ledger never extends expiry; the caller must obtain a fresh offer.
type OfferExpiredError struct {
	Expiry int64
	Now    int64
}

func (e *OfferExpiredError) Error() string {
	return fmt.Sprintf("loan engine: offer expired at %d, now %d", e.Expiry, e.Now)
}

// InsufficientCollateralError reports attached collateral below the offer's
// requirement.
type InsufficientCollateralError struct {
	Required *big.Int
	Provided *big.Int
}

func (e *InsufficientCollateralError) Error() string {
	return fmt.Sprintf("loan engine: insufficient collateral: required %s, provided %s", e.Required, e.Provided)
}

// InsufficientRepaymentError reports a payment below the currently owed
// total.
type InsufficientRepaymentError struct {
	Required *big.Int
	Provided *big.Int
}

func (e *InsufficientRepaymentError) Error() string {
	return fmt.Sprintf("loan engine: insufficient repayment: required %s, provided %s", e.Required, e.Provided)
}
