package loan

import (
	"fmt"
	"math/big"
	"time"

	"credence/core/events"
	"credence/core/types"
	"credence/crypto"
	nativecommon "credence/native/common"
)

const moduleName = "loan"

// secondsPerYear is the fixed annualisation divisor for interest accrual.
const secondsPerYear = 31_536_000

var basisPoints = big.NewInt(10_000)

// engineState is the persistence seam between the engine and the ledger
// store. Every mutating entry point runs inside one serialized transition, so
// implementations never see interleaved calls for the same account.
type engineState interface {
	LoanGet(id ID) (*Loan, bool, error)
	LoanPut(*Loan) error
	NextLoanID() (ID, error)

	NonceUsed(addr crypto.Address, nonce uint64) (bool, error)
	MarkNonceUsed(addr crypto.Address, nonce uint64) error

	WindowGet(addr crypto.Address) (nativecommon.WindowUsage, error)
	WindowPut(addr crypto.Address, usage nativecommon.WindowUsage) error

	BorrowerLoanIDs(addr crypto.Address) ([]ID, error)
	AddBorrowerLoan(addr crypto.Address, id ID) error
	RemoveBorrowerLoan(addr crypto.Address, id ID) error

	GetAccount(addr crypto.Address) (*types.Account, error)
	PutAccount(addr crypto.Address, account *types.Account) error
}

type loanEvent struct {
	rec *events.Record
}

func (e loanEvent) EventType() string {
	if e.rec == nil {
		return ""
	}
	return e.rec.Type
}

func (e loanEvent) Event() *events.Record { return e.rec }

// Engine owns the loan lifecycle: offer-gated creation, interest accrual,
// repayment, and liquidation. It moves value between the borrower, the
// liquidity pool account, and the collateral vault account through the state
// seam and never touches funds any other way.
type Engine struct {
	state         engineState
	emitter       events.Emitter
	nowFn         func() int64
	pauses        nativecommon.PauseView
	poolAddress   crypto.Address
	vaultAddress  crypto.Address
	trustedSigner crypto.Address
	domain        [32]byte
	breaker       nativecommon.BreakerConfig
}

// NewEngine constructs a loan engine bound to the module treasury addresses.
// The domain separator and trusted signer must be configured before offers
// can verify.
func NewEngine(poolAddr, vaultAddr crypto.Address) *Engine {
	return &Engine{
		emitter:      events.NoopEmitter{},
		nowFn:        func() int64 { return time.Now().Unix() },
		poolAddress:  poolAddr,
		vaultAddress: vaultAddr,
	}
}

// SetState wires the engine to the external persistence layer.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetPauses wires the system pause switch checked by every mutating call.
func (e *Engine) SetPauses(p nativecommon.PauseView) {
	if e == nil {
		return
	}
	e.pauses = p
}

// SetEmitter configures the event sink. Passing nil resets to a no-op.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if e == nil {
		return
	}
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the clock. Primarily for deterministic tests; the
// default reads the wall clock once per transition.
func (e *Engine) SetNowFunc(now func() int64) {
	if e == nil {
		return
	}
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetDomain fixes the domain separator for the life of this instance.
func (e *Engine) SetDomain(chainID uint64, instance crypto.Address) {
	if e == nil {
		return
	}
	e.domain = DomainSeparator(chainID, instance)
}

// Domain returns the active domain separator.
func (e *Engine) Domain() [32]byte {
	if e == nil {
		return [32]byte{}
	}
	return e.domain
}

// SetTrustedSigner replaces the identity all offer signatures are checked
// against. Role checks and audit events live in the administrative gate.
func (e *Engine) SetTrustedSigner(signer crypto.Address) {
	if e == nil {
		return
	}
	e.trustedSigner = signer
}

// TrustedSigner returns the configured signer identity.
func (e *Engine) TrustedSigner() crypto.Address {
	if e == nil {
		return crypto.Address{}
	}
	return e.trustedSigner
}

// SetBreakerConfig replaces the circuit breaker configuration wholesale.
func (e *Engine) SetBreakerConfig(cfg nativecommon.BreakerConfig) {
	if e == nil {
		return
	}
	e.breaker = cfg.Clone()
}

// BreakerConfig returns a copy of the active circuit breaker configuration.
func (e *Engine) BreakerConfig() nativecommon.BreakerConfig {
	if e == nil {
		return nativecommon.BreakerConfig{}
	}
	return e.breaker.Clone()
}

// CreateLoan validates a signed offer and, on success, escrows the offer's
// collateral, disburses the principal to the borrower, and records the loan.
// Preconditions run in a fixed order so failures are deterministic and cheap
// checks fire first. The attempted operation is charged against the
// borrower's rate window even when a later precondition fails.
func (e *Engine) CreateLoan(caller crypto.Address, offer *Offer, sig []byte, attached *big.Int) (ID, error) {
	if e == nil || e.state == nil {
		return 0, errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return 0, err
	}
	offer, err := SanitizeOffer(offer)
	if err != nil {
		return 0, err
	}
	if !caller.Equal(offer.Borrower) {
		return 0, ErrOnlyBorrower
	}

	now := e.now()
	if now >= offer.Expiry {
		return 0, &OfferExpiredError{Expiry: offer.Expiry, Now: now}
	}

	used, err := e.state.NonceUsed(offer.Borrower, offer.Nonce)
	if err != nil {
		return 0, err
	}
	if used {
		return 0, ErrNonceAlreadyUsed
	}

	if offer.Principal.Sign() <= 0 || offer.Collateral.Sign() <= 0 {
		return 0, ErrInvalidAmount
	}

	if e.breaker.Enabled {
		prev, err := e.state.WindowGet(caller)
		if err != nil {
			return 0, err
		}
		next, checkErr := nativecommon.CheckBreaker(e.breaker, now, prev, offer.Principal)
		// A rejected attempt still costs a slot, so the updated usage is
		// persisted before the error is inspected.
		if err := e.state.WindowPut(caller, next); err != nil {
			return 0, err
		}
		if checkErr != nil {
			return 0, fmt.Errorf("account %s: %w", caller, checkErr)
		}
	}

	if err := VerifyOffer(offer, sig, e.trustedSigner, e.domain); err != nil {
		return 0, err
	}

	if attached == nil || attached.Cmp(offer.Collateral) < 0 {
		provided := big.NewInt(0)
		if attached != nil {
			provided = new(big.Int).Set(attached)
		}
		return 0, &InsufficientCollateralError{
			Required: new(big.Int).Set(offer.Collateral),
			Provided: provided,
		}
	}

	// Effects. Exactly the required collateral is escrowed; attached value
	// beyond it never leaves the borrower.
	borrowerAcc, err := e.loadAccount(offer.Borrower)
	if err != nil {
		return 0, err
	}
	if borrowerAcc.Balance.Cmp(offer.Collateral) < 0 {
		return 0, ErrInsufficientBalance
	}
	poolAcc, err := e.loadAccount(e.poolAddress)
	if err != nil {
		return 0, err
	}
	if poolAcc.Balance.Cmp(offer.Principal) < 0 {
		return 0, ErrInsufficientLiquidity
	}
	vaultAcc, err := e.loadAccount(e.vaultAddress)
	if err != nil {
		return 0, err
	}

	borrowerAcc.Balance = new(big.Int).Sub(borrowerAcc.Balance, offer.Collateral)
	vaultAcc.Balance = new(big.Int).Add(vaultAcc.Balance, offer.Collateral)
	poolAcc.Balance = new(big.Int).Sub(poolAcc.Balance, offer.Principal)
	borrowerAcc.Balance = new(big.Int).Add(borrowerAcc.Balance, offer.Principal)

	if err := e.state.PutAccount(offer.Borrower, borrowerAcc); err != nil {
		return 0, err
	}
	if err := e.state.PutAccount(e.vaultAddress, vaultAcc); err != nil {
		return 0, err
	}
	if err := e.state.PutAccount(e.poolAddress, poolAcc); err != nil {
		return 0, err
	}

	id, err := e.state.NextLoanID()
	if err != nil {
		return 0, err
	}
	record := &Loan{
		ID:              id,
		Borrower:        offer.Borrower,
		Principal:       new(big.Int).Set(offer.Principal),
		Collateral:      new(big.Int).Set(offer.Collateral),
		InterestRateBps: offer.InterestRateBps,
		StartTimestamp:  now,
		DurationSeconds: offer.DurationSeconds,
	}
	if err := e.state.LoanPut(record); err != nil {
		return 0, err
	}
	// The nonce burns only when the transition commits; earlier failures
	// leave it available for a corrected resubmission.
	if err := e.state.MarkNonceUsed(offer.Borrower, offer.Nonce); err != nil {
		return 0, err
	}
	if err := e.state.AddBorrowerLoan(offer.Borrower, id); err != nil {
		return 0, err
	}

	e.emit(NewCreatedEvent(record))
	return id, nil
}

// CalculateTotalOwed returns principal plus simple pro-rata interest accrued
// up to now: principal * rateBps * elapsed / (10000 * secondsPerYear),
// truncated toward zero. Settled loans owe nothing. Pure read.
func (e *Engine) CalculateTotalOwed(id ID) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	record, ok, err := e.state.LoanGet(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLoanNotFound
	}
	if !record.Active() {
		return big.NewInt(0), nil
	}
	owed, _ := owedAt(record, e.now())
	return owed, nil
}

// RepayLoan settles an active loan. The payment must cover the full owed
// amount; only the owed amount is taken, so overpayment is implicitly
// refunded. Collateral returns to the borrower in the same transition.
func (e *Engine) RepayLoan(caller crypto.Address, id ID, payment *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	record, ok, err := e.state.LoanGet(id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrLoanNotFound
	}
	if !caller.Equal(record.Borrower) {
		return ErrOnlyBorrower
	}
	if record.Repaid {
		return ErrLoanAlreadyRepaid
	}
	if record.Liquidated {
		return ErrLoanLiquidated
	}

	now := e.now()
	owed, interest := owedAt(record, now)
	if payment == nil || payment.Cmp(owed) < 0 {
		provided := big.NewInt(0)
		if payment != nil {
			provided = new(big.Int).Set(payment)
		}
		return &InsufficientRepaymentError{Required: owed, Provided: provided}
	}

	borrowerAcc, err := e.loadAccount(record.Borrower)
	if err != nil {
		return err
	}
	if borrowerAcc.Balance.Cmp(owed) < 0 {
		return ErrInsufficientBalance
	}
	poolAcc, err := e.loadAccount(e.poolAddress)
	if err != nil {
		return err
	}
	vaultAcc, err := e.loadAccount(e.vaultAddress)
	if err != nil {
		return err
	}
	if vaultAcc.Balance.Cmp(record.Collateral) < 0 {
		return ErrInsufficientLiquidity
	}

	borrowerAcc.Balance = new(big.Int).Sub(borrowerAcc.Balance, owed)
	poolAcc.Balance = new(big.Int).Add(poolAcc.Balance, owed)
	vaultAcc.Balance = new(big.Int).Sub(vaultAcc.Balance, record.Collateral)
	borrowerAcc.Balance = new(big.Int).Add(borrowerAcc.Balance, record.Collateral)

	if err := e.state.PutAccount(record.Borrower, borrowerAcc); err != nil {
		return err
	}
	if err := e.state.PutAccount(e.poolAddress, poolAcc); err != nil {
		return err
	}
	if err := e.state.PutAccount(e.vaultAddress, vaultAcc); err != nil {
		return err
	}

	record.Repaid = true
	if err := e.state.LoanPut(record); err != nil {
		return err
	}
	if err := e.state.RemoveBorrowerLoan(record.Borrower, id); err != nil {
		return err
	}

	e.emit(NewRepaidEvent(record, owed.String(), interest.String(), now))
	return nil
}

// Liquidate forfeits the collateral of a past-due active loan to the
// liquidity pool and closes the loan. Restricted to the administrative gate,
// which passes the vetted caller through.
func (e *Engine) Liquidate(id ID) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	record, ok, err := e.state.LoanGet(id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrLoanNotFound
	}
	if record.Repaid {
		return ErrLoanAlreadyRepaid
	}
	if record.Liquidated {
		return ErrLoanLiquidated
	}
	now := e.now()
	if now <= record.DueAt() {
		return ErrLoanNotMatured
	}

	vaultAcc, err := e.loadAccount(e.vaultAddress)
	if err != nil {
		return err
	}
	if vaultAcc.Balance.Cmp(record.Collateral) < 0 {
		return ErrInsufficientLiquidity
	}
	poolAcc, err := e.loadAccount(e.poolAddress)
	if err != nil {
		return err
	}

	vaultAcc.Balance = new(big.Int).Sub(vaultAcc.Balance, record.Collateral)
	poolAcc.Balance = new(big.Int).Add(poolAcc.Balance, record.Collateral)

	if err := e.state.PutAccount(e.vaultAddress, vaultAcc); err != nil {
		return err
	}
	if err := e.state.PutAccount(e.poolAddress, poolAcc); err != nil {
		return err
	}

	record.Liquidated = true
	if err := e.state.LoanPut(record); err != nil {
		return err
	}
	if err := e.state.RemoveBorrowerLoan(record.Borrower, id); err != nil {
		return err
	}

	e.emit(NewLiquidatedEvent(record, now))
	return nil
}

// GetBorrowerLoans lists the ids of the borrower's active loans. Served from
// the per-borrower index maintained by the state layer; the active filter is
// re-applied here so the contract holds even if an index entry is stale.
func (e *Engine) GetBorrowerLoans(borrower crypto.Address) ([]ID, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	ids, err := e.state.BorrowerLoanIDs(borrower)
	if err != nil {
		return nil, err
	}
	active := make([]ID, 0, len(ids))
	for _, id := range ids {
		record, ok, err := e.state.LoanGet(id)
		if err != nil {
			return nil, err
		}
		if ok && record.Active() {
			active = append(active, id)
		}
	}
	return active, nil
}

// GetLoan returns a copy of the stored loan record.
func (e *Engine) GetLoan(id ID) (*Loan, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	record, ok, err := e.state.LoanGet(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLoanNotFound
	}
	return record.Clone(), nil
}

// CreditAccount mints balance onto an account. Reachable only through the
// administrative gate; it models the custody primitive that funds the pool
// and borrower accounts from the outside world.
func (e *Engine) CreditAccount(addr crypto.Address, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	acc, err := e.loadAccount(addr)
	if err != nil {
		return err
	}
	acc.Balance = new(big.Int).Add(acc.Balance, amount)
	return e.state.PutAccount(addr, acc)
}

// AccountBalance returns the current balance for an address.
func (e *Engine) AccountBalance(addr crypto.Address) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	acc, err := e.loadAccount(addr)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(acc.Balance), nil
}

// PoolAddress returns the liquidity pool account.
func (e *Engine) PoolAddress() crypto.Address { return e.poolAddress }

// VaultAddress returns the collateral vault account.
func (e *Engine) VaultAddress() crypto.Address { return e.vaultAddress }

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) emit(rec *events.Record) {
	if e == nil || e.emitter == nil || rec == nil {
		return
	}
	e.emitter.Emit(loanEvent{rec: rec})
}

func (e *Engine) loadAccount(addr crypto.Address) (*types.Account, error) {
	acc, err := e.state.GetAccount(addr)
	if err != nil {
		return nil, err
	}
	if acc == nil {
		acc = &types.Account{}
	}
	acc.EnsureDefaults()
	return acc, nil
}

// owedAt computes the owed total and the interest portion for an active loan
// at the given timestamp. Interest is simple, non-compounding, truncated
// toward zero, and never negative.
func owedAt(l *Loan, now int64) (*big.Int, *big.Int) {
	principal := l.Principal
	if principal == nil {
		principal = big.NewInt(0)
	}
	elapsed := now - l.StartTimestamp
	if elapsed < 0 {
		elapsed = 0
	}
	interest := new(big.Int).Mul(principal, new(big.Int).SetUint64(l.InterestRateBps))
	interest.Mul(interest, big.NewInt(elapsed))
	interest.Quo(interest, new(big.Int).Mul(basisPoints, big.NewInt(secondsPerYear)))
	return new(big.Int).Add(principal, interest), interest
}
