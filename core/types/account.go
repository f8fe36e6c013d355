package types

import "math/big"

// Account tracks the spendable balance held by a single ledger address.
// Amounts are denominated in wei and expressed as big integers so value moves
// never lose precision.
type Account struct {
	Balance *big.Int `json:"balance"`
}

// EnsureDefaults populates nil fields so JSON round-trips stay safe.
func (a *Account) EnsureDefaults() {
	if a.Balance == nil {
		a.Balance = big.NewInt(0)
	}
}

// Clone returns a deep copy of the account.
func (a *Account) Clone() *Account {
	if a == nil {
		return &Account{Balance: big.NewInt(0)}
	}
	clone := &Account{Balance: big.NewInt(0)}
	if a.Balance != nil {
		clone.Balance = new(big.Int).Set(a.Balance)
	}
	return clone
}
