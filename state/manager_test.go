package state

import (
	"math/big"
	"testing"

	"credence/crypto"
	nativecommon "credence/native/common"
	"credence/native/loan"
	"credence/storage"
)

func testAddress(suffix byte) crypto.Address {
	raw := make([]byte, 20)
	raw[len(raw)-1] = suffix
	return crypto.MustNewAddress(raw)
}

func TestLoanRoundTrip(t *testing.T) {
	m := NewManager(storage.NewMemDB())

	if _, ok, err := m.LoanGet(1); err != nil || ok {
		t.Fatalf("expected empty store, ok=%v err=%v", ok, err)
	}

	id, err := m.NextLoanID()
	if err != nil {
		t.Fatalf("next id: %v", err)
	}
	if id != 1 {
		t.Fatalf("first id = %d, want 1", id)
	}

	record := &loan.Loan{
		ID:              id,
		Borrower:        testAddress(0x10),
		Principal:       big.NewInt(1_000),
		Collateral:      big.NewInt(500),
		InterestRateBps: 500,
		StartTimestamp:  1_700_000_000,
		DurationSeconds: 2_592_000,
	}
	if err := m.LoanPut(record); err != nil {
		t.Fatalf("put loan: %v", err)
	}

	loaded, ok, err := m.LoanGet(id)
	if err != nil || !ok {
		t.Fatalf("get loan: ok=%v err=%v", ok, err)
	}
	if !loaded.Borrower.Equal(record.Borrower) {
		t.Fatalf("borrower mismatch: %s != %s", loaded.Borrower, record.Borrower)
	}
	if loaded.Principal.Cmp(record.Principal) != 0 || loaded.Collateral.Cmp(record.Collateral) != 0 {
		t.Fatalf("amounts mismatch: %+v", loaded)
	}
	if loaded.Repaid || loaded.Liquidated {
		t.Fatalf("fresh loan not active: %+v", loaded)
	}

	next, err := m.NextLoanID()
	if err != nil {
		t.Fatalf("next id: %v", err)
	}
	if next != 2 {
		t.Fatalf("second id = %d, want 2", next)
	}
}

func TestNonceLifecycle(t *testing.T) {
	m := NewManager(storage.NewMemDB())
	addr := testAddress(0x10)

	used, err := m.NonceUsed(addr, 7)
	if err != nil || used {
		t.Fatalf("fresh nonce used=%v err=%v", used, err)
	}
	if err := m.MarkNonceUsed(addr, 7); err != nil {
		t.Fatalf("mark nonce: %v", err)
	}
	used, err = m.NonceUsed(addr, 7)
	if err != nil || !used {
		t.Fatalf("consumed nonce used=%v err=%v", used, err)
	}
	// Nonces are scoped per account.
	used, err = m.NonceUsed(testAddress(0x11), 7)
	if err != nil || used {
		t.Fatalf("other account nonce used=%v err=%v", used, err)
	}
}

func TestWindowRoundTrip(t *testing.T) {
	m := NewManager(storage.NewMemDB())
	addr := testAddress(0x10)

	usage, err := m.WindowGet(addr)
	if err != nil {
		t.Fatalf("get window: %v", err)
	}
	if usage != (nativecommon.WindowUsage{}) {
		t.Fatalf("expected zero usage, got %+v", usage)
	}

	want := nativecommon.WindowUsage{WindowStart: 42, Count: 3}
	if err := m.WindowPut(addr, want); err != nil {
		t.Fatalf("put window: %v", err)
	}
	usage, err = m.WindowGet(addr)
	if err != nil || usage != want {
		t.Fatalf("round trip: got %+v err=%v", usage, err)
	}
}

func TestBorrowerIndexMaintenance(t *testing.T) {
	m := NewManager(storage.NewMemDB())
	addr := testAddress(0x10)

	if err := m.AddBorrowerLoan(addr, 1); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := m.AddBorrowerLoan(addr, 2); err != nil {
		t.Fatalf("add: %v", err)
	}
	// Duplicate adds are idempotent.
	if err := m.AddBorrowerLoan(addr, 1); err != nil {
		t.Fatalf("add duplicate: %v", err)
	}

	ids, err := m.BorrowerLoanIDs(addr)
	if err != nil {
		t.Fatalf("ids: %v", err)
	}
	if len(ids) != 2 || ids[0] != 1 || ids[1] != 2 {
		t.Fatalf("unexpected index: %v", ids)
	}

	if err := m.RemoveBorrowerLoan(addr, 1); err != nil {
		t.Fatalf("remove: %v", err)
	}
	ids, err = m.BorrowerLoanIDs(addr)
	if err != nil {
		t.Fatalf("ids: %v", err)
	}
	if len(ids) != 1 || ids[0] != 2 {
		t.Fatalf("unexpected index after removal: %v", ids)
	}
}

func TestAccountRoundTrip(t *testing.T) {
	m := NewManager(storage.NewMemDB())
	addr := testAddress(0x10)

	acc, err := m.GetAccount(addr)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if acc.Balance.Sign() != 0 {
		t.Fatalf("unknown account balance = %s, want 0", acc.Balance)
	}

	acc.Balance = big.NewInt(12_345)
	if err := m.PutAccount(addr, acc); err != nil {
		t.Fatalf("put: %v", err)
	}
	loaded, err := m.GetAccount(addr)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if loaded.Balance.Cmp(big.NewInt(12_345)) != 0 {
		t.Fatalf("balance = %s, want 12345", loaded.Balance)
	}
}

func TestBreakerAndPauseAndSignerPersistence(t *testing.T) {
	db := storage.NewMemDB()
	m := NewManager(db)

	if _, ok, err := m.BreakerGet(); err != nil || ok {
		t.Fatalf("expected no stored breaker, ok=%v err=%v", ok, err)
	}
	cfg := nativecommon.BreakerConfig{
		MaxOperationsPerWindow: 5,
		WindowLengthSeconds:    3_600,
		MaxAmountPerOperation:  big.NewInt(1_000_000),
		Enabled:                true,
	}
	if err := m.BreakerPut(cfg); err != nil {
		t.Fatalf("put breaker: %v", err)
	}

	if paused, err := m.PausedGet(); err != nil || paused {
		t.Fatalf("expected unpaused, got %v err=%v", paused, err)
	}
	if err := m.PausedPut(true); err != nil {
		t.Fatalf("put paused: %v", err)
	}

	signer := testAddress(0x77)
	if err := m.SignerPut(signer); err != nil {
		t.Fatalf("put signer: %v", err)
	}

	// A fresh manager over the same database sees everything.
	reloaded := NewManager(db)
	stored, ok, err := reloaded.BreakerGet()
	if err != nil || !ok {
		t.Fatalf("reload breaker: ok=%v err=%v", ok, err)
	}
	if stored.MaxOperationsPerWindow != 5 || stored.WindowLengthSeconds != 3_600 || !stored.Enabled {
		t.Fatalf("breaker mismatch: %+v", stored)
	}
	if stored.MaxAmountPerOperation.Cmp(big.NewInt(1_000_000)) != 0 {
		t.Fatalf("amount cap mismatch: %s", stored.MaxAmountPerOperation)
	}
	if paused, err := reloaded.PausedGet(); err != nil || !paused {
		t.Fatalf("reload paused: got %v err=%v", paused, err)
	}
	loadedSigner, ok, err := reloaded.SignerGet()
	if err != nil || !ok || !loadedSigner.Equal(signer) {
		t.Fatalf("reload signer: %s ok=%v err=%v", loadedSigner, ok, err)
	}
}
