// Package state persists the ledger's records behind the engine's state seam.
// Records are stored as JSON values under typed key prefixes; the node layer
// serializes all mutating access, so the manager only guards its own
// read-modify-write sequences.
package state

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"credence/core/types"
	"credence/crypto"
	nativecommon "credence/native/common"
	"credence/native/loan"
	"credence/storage"
)

const (
	prefixLoan    = "loan/"
	prefixAccount = "acct/"
	prefixNonce   = "nonce/"
	prefixWindow  = "window/"
	prefixIndex   = "index/"
	keyLoanSeq    = "loan-seq"
	keyBreaker    = "breaker"
	keyPaused     = "paused"
	keySigner     = "signer"
)

// Manager implements the loan engine's persistence seam over a key-value
// database.
type Manager struct {
	mu sync.Mutex
	db storage.Database
}

// NewManager wraps the given database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

func loanKey(id loan.ID) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(id))
	return append([]byte(prefixLoan), buf...)
}

func addrKey(prefix string, addr crypto.Address) []byte {
	return []byte(prefix + hex.EncodeToString(addr.Bytes()))
}

func nonceKey(addr crypto.Address, nonce uint64) []byte {
	return []byte(fmt.Sprintf("%s%s/%d", prefixNonce, hex.EncodeToString(addr.Bytes()), nonce))
}

// LoanGet loads a loan record by id.
func (m *Manager) LoanGet(id loan.ID) (*loan.Loan, bool, error) {
	raw, err := m.db.Get(loanKey(id))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	record := &loan.Loan{}
	if err := json.Unmarshal(raw, record); err != nil {
		return nil, false, fmt.Errorf("decode loan %d: %w", id, err)
	}
	return record, true, nil
}

// LoanPut stores a loan record.
func (m *Manager) LoanPut(record *loan.Loan) error {
	if record == nil {
		return errors.New("nil loan record")
	}
	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode loan %d: %w", record.ID, err)
	}
	return m.db.Put(loanKey(record.ID), raw)
}

// NextLoanID allocates the next id from the persistent counter. Ids start at
// 1 so the zero value never names a loan.
func (m *Manager) NextLoanID() (loan.ID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var current uint64
	raw, err := m.db.Get([]byte(keyLoanSeq))
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return 0, err
	}
	if err == nil {
		if len(raw) != 8 {
			return 0, errors.New("corrupt loan id counter")
		}
		current = binary.BigEndian.Uint64(raw)
	}
	next := current + 1
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, next)
	if err := m.db.Put([]byte(keyLoanSeq), buf); err != nil {
		return 0, err
	}
	return loan.ID(next), nil
}

// NonceUsed reports whether the (account, nonce) pair has been consumed.
func (m *Manager) NonceUsed(addr crypto.Address, nonce uint64) (bool, error) {
	return m.db.Has(nonceKey(addr, nonce))
}

// MarkNonceUsed consumes the (account, nonce) pair. The record is append-only
// and never deleted.
func (m *Manager) MarkNonceUsed(addr crypto.Address, nonce uint64) error {
	return m.db.Put(nonceKey(addr, nonce), []byte{1})
}

// WindowGet loads the rate-limit window counters for an account. A missing
// entry is the zero usage.
func (m *Manager) WindowGet(addr crypto.Address) (nativecommon.WindowUsage, error) {
	raw, err := m.db.Get(addrKey(prefixWindow, addr))
	if errors.Is(err, storage.ErrNotFound) {
		return nativecommon.WindowUsage{}, nil
	}
	if err != nil {
		return nativecommon.WindowUsage{}, err
	}
	var usage nativecommon.WindowUsage
	if err := json.Unmarshal(raw, &usage); err != nil {
		return nativecommon.WindowUsage{}, fmt.Errorf("decode window for %s: %w", addr, err)
	}
	return usage, nil
}

// WindowPut stores the rate-limit window counters for an account.
func (m *Manager) WindowPut(addr crypto.Address, usage nativecommon.WindowUsage) error {
	raw, err := json.Marshal(usage)
	if err != nil {
		return err
	}
	return m.db.Put(addrKey(prefixWindow, addr), raw)
}

// BorrowerLoanIDs returns the per-borrower loan id index.
func (m *Manager) BorrowerLoanIDs(addr crypto.Address) ([]loan.ID, error) {
	raw, err := m.db.Get(addrKey(prefixIndex, addr))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var ids []loan.ID
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil, fmt.Errorf("decode loan index for %s: %w", addr, err)
	}
	return ids, nil
}

// AddBorrowerLoan appends a loan id to the borrower's index.
func (m *Manager) AddBorrowerLoan(addr crypto.Address, id loan.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids, err := m.BorrowerLoanIDs(addr)
	if err != nil {
		return err
	}
	for _, existing := range ids {
		if existing == id {
			return nil
		}
	}
	ids = append(ids, id)
	return m.putBorrowerIndex(addr, ids)
}

// RemoveBorrowerLoan drops a settled loan id from the borrower's index.
func (m *Manager) RemoveBorrowerLoan(addr crypto.Address, id loan.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids, err := m.BorrowerLoanIDs(addr)
	if err != nil {
		return err
	}
	out := make([]loan.ID, 0, len(ids))
	for _, existing := range ids {
		if existing != id {
			out = append(out, existing)
		}
	}
	return m.putBorrowerIndex(addr, out)
}

func (m *Manager) putBorrowerIndex(addr crypto.Address, ids []loan.ID) error {
	raw, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	return m.db.Put(addrKey(prefixIndex, addr), raw)
}

// GetAccount loads an account, returning a zero-balance account for unknown
// addresses.
func (m *Manager) GetAccount(addr crypto.Address) (*types.Account, error) {
	raw, err := m.db.Get(addrKey(prefixAccount, addr))
	if errors.Is(err, storage.ErrNotFound) {
		return &types.Account{Balance: big.NewInt(0)}, nil
	}
	if err != nil {
		return nil, err
	}
	acc := &types.Account{}
	if err := json.Unmarshal(raw, acc); err != nil {
		return nil, fmt.Errorf("decode account %s: %w", addr, err)
	}
	acc.EnsureDefaults()
	return acc, nil
}

// PutAccount stores an account.
func (m *Manager) PutAccount(addr crypto.Address, acc *types.Account) error {
	if acc == nil {
		return errors.New("nil account")
	}
	acc.EnsureDefaults()
	raw, err := json.Marshal(acc)
	if err != nil {
		return fmt.Errorf("encode account %s: %w", addr, err)
	}
	return m.db.Put(addrKey(prefixAccount, addr), raw)
}

// storedBreaker keeps the amount cap as a decimal string so the JSON encoding
// stays portable across integer widths.
type storedBreaker struct {
	MaxOperationsPerWindow uint32 `json:"maxOperationsPerWindow"`
	WindowLengthSeconds    uint32 `json:"windowLengthSeconds"`
	MaxAmountPerOperation  string `json:"maxAmountPerOperation"`
	Enabled                bool   `json:"enabled"`
}

// BreakerPut persists the circuit breaker configuration.
func (m *Manager) BreakerPut(cfg nativecommon.BreakerConfig) error {
	stored := storedBreaker{
		MaxOperationsPerWindow: cfg.MaxOperationsPerWindow,
		WindowLengthSeconds:    cfg.WindowLengthSeconds,
		Enabled:                cfg.Enabled,
	}
	if cfg.MaxAmountPerOperation != nil {
		stored.MaxAmountPerOperation = cfg.MaxAmountPerOperation.String()
	}
	raw, err := json.Marshal(stored)
	if err != nil {
		return err
	}
	return m.db.Put([]byte(keyBreaker), raw)
}

// BreakerGet loads the persisted circuit breaker configuration. The second
// return value reports whether a configuration was ever stored.
func (m *Manager) BreakerGet() (nativecommon.BreakerConfig, bool, error) {
	raw, err := m.db.Get([]byte(keyBreaker))
	if errors.Is(err, storage.ErrNotFound) {
		return nativecommon.BreakerConfig{}, false, nil
	}
	if err != nil {
		return nativecommon.BreakerConfig{}, false, err
	}
	var stored storedBreaker
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nativecommon.BreakerConfig{}, false, fmt.Errorf("decode breaker config: %w", err)
	}
	cfg := nativecommon.BreakerConfig{
		MaxOperationsPerWindow: stored.MaxOperationsPerWindow,
		WindowLengthSeconds:    stored.WindowLengthSeconds,
		Enabled:                stored.Enabled,
	}
	if stored.MaxAmountPerOperation != "" {
		amount, ok := new(big.Int).SetString(stored.MaxAmountPerOperation, 10)
		if !ok {
			return nativecommon.BreakerConfig{}, false, fmt.Errorf("decode breaker amount cap %q", stored.MaxAmountPerOperation)
		}
		cfg.MaxAmountPerOperation = amount
	}
	return cfg, true, nil
}

// PausedPut persists the system pause flag.
func (m *Manager) PausedPut(paused bool) error {
	value := []byte{0}
	if paused {
		value[0] = 1
	}
	return m.db.Put([]byte(keyPaused), value)
}

// PausedGet loads the system pause flag; missing means not paused.
func (m *Manager) PausedGet() (bool, error) {
	raw, err := m.db.Get([]byte(keyPaused))
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return len(raw) == 1 && raw[0] == 1, nil
}

// SignerPut persists the trusted signer so rotations survive restart.
func (m *Manager) SignerPut(addr crypto.Address) error {
	return m.db.Put([]byte(keySigner), addr.Bytes())
}

// SignerGet loads the persisted trusted signer, if any.
func (m *Manager) SignerGet() (crypto.Address, bool, error) {
	raw, err := m.db.Get([]byte(keySigner))
	if errors.Is(err, storage.ErrNotFound) {
		return crypto.Address{}, false, nil
	}
	if err != nil {
		return crypto.Address{}, false, err
	}
	addr, err := crypto.NewAddress(raw)
	if err != nil {
		return crypto.Address{}, false, fmt.Errorf("decode stored signer: %w", err)
	}
	return addr, true, nil
}
