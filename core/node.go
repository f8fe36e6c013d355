// Package core wires the loan engine, persistence, and the administrative
// gate into a single ledger node. Every state-mutating entry point runs as
// one serialized transition; read-only queries share a snapshot-consistent
// read lock.
package core

import (
	"errors"
	"log/slog"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"credence/core/events"
	"credence/crypto"
	nativecommon "credence/native/common"
	"credence/native/loan"
	"credence/observability"
	"credence/state"
)

const moduleName = "loan"

// recentEventCap bounds the in-memory audit feed.
const recentEventCap = 256

// Config carries the immutable identity of a ledger node.
type Config struct {
	// ChainID is the execution-context identifier baked into the offer
	// domain separator.
	ChainID uint64
	// Instance is this ledger's own identity within the domain separator.
	Instance crypto.Address
	// Operator is the single administrative role.
	Operator crypto.Address
	// TrustedSigner seeds the offer signer; a persisted rotation wins over
	// this value on restart.
	TrustedSigner crypto.Address
	// Breaker seeds the circuit breaker when no persisted config exists.
	Breaker nativecommon.BreakerConfig
}

// Node owns one logical ledger.
type Node struct {
	mu      sync.RWMutex
	engine  *loan.Engine
	manager *state.Manager
	logger  *slog.Logger
	metrics *observability.LedgerMetrics

	operator crypto.Address
	paused   atomic.Bool

	eventMu sync.Mutex
	recent  []events.Record
}

// ModuleAddress derives the fixed account address for a named module vault.
func ModuleAddress(name string) crypto.Address {
	digest := ethcrypto.Keccak256([]byte("credence/module/" + name))
	return crypto.MustNewAddress(digest[12:])
}

// NewNode builds a node over the given persistence manager, restoring any
// persisted breaker config, pause state, and signer rotation.
func NewNode(cfg Config, manager *state.Manager, logger *slog.Logger) (*Node, error) {
	if manager == nil {
		return nil, errors.New("node: state manager required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Operator.IsZero() {
		return nil, errors.New("node: operator address required")
	}
	if err := cfg.Breaker.Validate(); err != nil {
		return nil, err
	}

	engine := loan.NewEngine(ModuleAddress("pool"), ModuleAddress("vault"))
	engine.SetState(manager)
	engine.SetDomain(cfg.ChainID, cfg.Instance)

	node := &Node{
		engine:   engine,
		manager:  manager,
		logger:   logger.With("component", "node"),
		metrics:  observability.Ledger(),
		operator: cfg.Operator,
	}
	engine.SetPauses(node)
	engine.SetEmitter(node)

	signer := cfg.TrustedSigner
	if stored, ok, err := manager.SignerGet(); err != nil {
		return nil, err
	} else if ok {
		signer = stored
	}
	if signer.IsZero() {
		return nil, errors.New("node: trusted signer required")
	}
	engine.SetTrustedSigner(signer)

	breaker := cfg.Breaker
	if stored, ok, err := manager.BreakerGet(); err != nil {
		return nil, err
	} else if ok {
		breaker = stored
	}
	engine.SetBreakerConfig(breaker)

	paused, err := manager.PausedGet()
	if err != nil {
		return nil, err
	}
	node.paused.Store(paused)

	return node, nil
}

// IsPaused implements the pause view consulted by the engine on every
// mutating transition. Lock-free so it is safe inside a held write lock.
func (n *Node) IsPaused(string) bool { return n.paused.Load() }

// Emit implements the event sink: every audit record is logged, counted, and
// retained in a bounded ring for the HTTP feed.
func (n *Node) Emit(evt events.Event) {
	rec := evt.Event()
	if rec == nil {
		return
	}
	n.metrics.ObserveEvent()
	attrs := make([]any, 0, len(rec.Attributes)*2)
	for k, v := range rec.Attributes {
		attrs = append(attrs, slog.String(k, v))
	}
	n.logger.Info(rec.Type, attrs...)

	n.eventMu.Lock()
	defer n.eventMu.Unlock()
	n.recent = append(n.recent, *rec)
	if len(n.recent) > recentEventCap {
		n.recent = n.recent[len(n.recent)-recentEventCap:]
	}
}

// RecentEvents returns a copy of the retained audit feed, oldest first.
func (n *Node) RecentEvents() []events.Record {
	n.eventMu.Lock()
	defer n.eventMu.Unlock()
	out := make([]events.Record, len(n.recent))
	copy(out, n.recent)
	return out
}

// --- ledger operations ---

// CreateLoan applies a borrower's signed offer as one serialized transition.
func (n *Node) CreateLoan(caller crypto.Address, offer *loan.Offer, sig []byte, attached *big.Int) (loan.ID, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	id, err := n.engine.CreateLoan(caller, offer, sig, attached)
	n.metrics.ObserveTransition("create_loan", err, rejectionReason(err))
	if err != nil {
		n.logger.Warn("create loan rejected", "caller", caller.String(), "err", err)
		return 0, err
	}
	return id, nil
}

// RepayLoan settles a loan as one serialized transition.
func (n *Node) RepayLoan(caller crypto.Address, id loan.ID, payment *big.Int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	err := n.engine.RepayLoan(caller, id, payment)
	n.metrics.ObserveTransition("repay_loan", err, rejectionReason(err))
	if err != nil {
		n.logger.Warn("repay rejected", "caller", caller.String(), "loanId", uint64(id), "err", err)
	}
	return err
}

// Liquidate closes a past-due loan. Operator only.
func (n *Node) Liquidate(caller crypto.Address, id loan.ID) error {
	if err := n.requireOperator(caller); err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	err := n.engine.Liquidate(id)
	n.metrics.ObserveTransition("liquidate_loan", err, rejectionReason(err))
	return err
}

// CalculateTotalOwed returns the owed total for a loan at this instant.
func (n *Node) CalculateTotalOwed(id loan.ID) (*big.Int, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.engine.CalculateTotalOwed(id)
}

// GetLoan returns a copy of a stored loan record.
func (n *Node) GetLoan(id loan.ID) (*loan.Loan, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.engine.GetLoan(id)
}

// GetBorrowerLoans lists the borrower's active loan ids.
func (n *Node) GetBorrowerLoans(borrower crypto.Address) ([]loan.ID, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.engine.GetBorrowerLoans(borrower)
}

// AccountBalance reports the spendable balance for an address.
func (n *Node) AccountBalance(addr crypto.Address) (*big.Int, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.engine.AccountBalance(addr)
}

// TrustedSigner reports the identity offers are currently checked against.
func (n *Node) TrustedSigner() crypto.Address {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.engine.TrustedSigner()
}

// BreakerConfig returns the active circuit breaker configuration.
func (n *Node) BreakerConfig() nativecommon.BreakerConfig {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.engine.BreakerConfig()
}

// Paused reports the system pause flag.
func (n *Node) Paused() bool { return n.paused.Load() }

// --- administrative gate ---

// Pause halts every mutating operation until Unpause. Operator only.
func (n *Node) Pause(caller crypto.Address) error {
	return n.setPaused(caller, true, "system.paused")
}

// Unpause resumes mutating operations. Operator only.
func (n *Node) Unpause(caller crypto.Address) error {
	return n.setPaused(caller, false, "system.unpaused")
}

func (n *Node) setPaused(caller crypto.Address, paused bool, eventType string) error {
	if err := n.requireOperator(caller); err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.manager.PausedPut(paused); err != nil {
		return err
	}
	n.paused.Store(paused)
	n.Emit(gateEvent{rec: &events.Record{
		Type: eventType,
		Attributes: map[string]string{
			"operator":  caller.String(),
			"timestamp": timestampString(time.Now().Unix()),
		},
	}})
	return nil
}

// UpdateBreakerConfig replaces the circuit breaker configuration wholesale.
// Operator only; the update is visible to the very next transition.
func (n *Node) UpdateBreakerConfig(caller crypto.Address, cfg nativecommon.BreakerConfig) error {
	if err := n.requireOperator(caller); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.manager.BreakerPut(cfg); err != nil {
		return err
	}
	n.engine.SetBreakerConfig(cfg)
	maxAmount := "0"
	if cfg.MaxAmountPerOperation != nil {
		maxAmount = cfg.MaxAmountPerOperation.String()
	}
	n.Emit(gateEvent{rec: loan.NewBreakerUpdatedEvent(
		cfg.MaxOperationsPerWindow, cfg.WindowLengthSeconds, maxAmount, cfg.Enabled, time.Now().Unix(),
	)})
	return nil
}

// UpdateTrustedSigner rotates the offer signer. Operator only.
func (n *Node) UpdateTrustedSigner(caller, signer crypto.Address) error {
	if err := n.requireOperator(caller); err != nil {
		return err
	}
	if signer.IsZero() {
		return errors.New("node: trusted signer must not be zero")
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	old := n.engine.TrustedSigner()
	if err := n.manager.SignerPut(signer); err != nil {
		return err
	}
	n.engine.SetTrustedSigner(signer)
	n.Emit(gateEvent{rec: loan.NewSignerUpdatedEvent(old, signer, time.Now().Unix())})
	return nil
}

// FundAccount credits balance onto an account, modelling value arriving from
// external custody. Operator only.
func (n *Node) FundAccount(caller, addr crypto.Address, amount *big.Int) error {
	if err := n.requireOperator(caller); err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.engine.CreditAccount(addr, amount)
}

// Operator returns the configured administrative address.
func (n *Node) Operator() crypto.Address { return n.operator }

// PoolAddress returns the liquidity pool account.
func (n *Node) PoolAddress() crypto.Address { return n.engine.PoolAddress() }

// VaultAddress returns the collateral vault account.
func (n *Node) VaultAddress() crypto.Address { return n.engine.VaultAddress() }

func (n *Node) requireOperator(caller crypto.Address) error {
	if !caller.Equal(n.operator) {
		return loan.ErrNotOperator
	}
	return nil
}

type gateEvent struct {
	rec *events.Record
}

func (e gateEvent) EventType() string {
	if e.rec == nil {
		return ""
	}
	return e.rec.Type
}

func (e gateEvent) Event() *events.Record { return e.rec }

func timestampString(ts int64) string {
	return big.NewInt(ts).String()
}

// rejectionReason maps an error to the stable label recorded in metrics.
func rejectionReason(err error) string {
	if err == nil {
		return ""
	}
	var rateErr *nativecommon.RateLimitError
	var amountErr *nativecommon.AmountLimitError
	var expiredErr *loan.OfferExpiredError
	var collateralErr *loan.InsufficientCollateralError
	var repaymentErr *loan.InsufficientRepaymentError
	switch {
	case errors.Is(err, nativecommon.ErrSystemPaused):
		return "system_paused"
	case errors.As(err, &rateErr):
		return "rate_limit"
	case errors.As(err, &amountErr):
		return "amount_limit"
	case errors.Is(err, loan.ErrNonceAlreadyUsed):
		return "nonce_replay"
	case errors.Is(err, loan.ErrInvalidSignature):
		return "invalid_signature"
	case errors.Is(err, loan.ErrOnlyBorrower):
		return "only_borrower"
	case errors.As(err, &expiredErr):
		return "offer_expired"
	case errors.As(err, &collateralErr):
		return "insufficient_collateral"
	case errors.As(err, &repaymentErr):
		return "insufficient_repayment"
	case errors.Is(err, loan.ErrLoanAlreadyRepaid), errors.Is(err, loan.ErrLoanLiquidated):
		return "terminal_loan"
	case errors.Is(err, loan.ErrLoanNotMatured):
		return "not_matured"
	case errors.Is(err, loan.ErrLoanNotFound):
		return "not_found"
	default:
		return "other"
	}
}
