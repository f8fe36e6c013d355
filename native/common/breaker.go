package common

import (
	"errors"
	"fmt"
	"math"
	"math/big"
)

// ErrBreakerCounterOverflow guards against wrap-around of the window counter.
var ErrBreakerCounterOverflow = errors.New("breaker counter overflow")

// RateLimitError reports that an account exhausted its operation budget for
// the current window. Current includes the rejected attempt, which still
// counts against the window.
type RateLimitError struct {
	Limit   uint32
	Current uint32
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded: %d operations in window, limit %d", e.Current, e.Limit)
}

// AmountLimitError reports that a single operation exceeded the global
// per-operation amount cap.
type AmountLimitError struct {
	Amount *big.Int
	Limit  *big.Int
}

func (e *AmountLimitError) Error() string {
	return fmt.Sprintf("amount limit exceeded: %s > cap %s", e.Amount, e.Limit)
}

// BreakerConfig holds the process-wide circuit breaker settings. A zero
// MaxAmountPerOperation disables the amount cap; Enabled false disables the
// breaker entirely.
type BreakerConfig struct {
	MaxOperationsPerWindow uint32
	WindowLengthSeconds    uint32
	MaxAmountPerOperation  *big.Int
	Enabled                bool
}

// Clone returns a deep copy of the config.
func (c BreakerConfig) Clone() BreakerConfig {
	clone := c
	if c.MaxAmountPerOperation != nil {
		clone.MaxAmountPerOperation = new(big.Int).Set(c.MaxAmountPerOperation)
	}
	return clone
}

// Validate ensures an enabled breaker carries workable limits.
func (c BreakerConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.WindowLengthSeconds == 0 {
		return errors.New("breaker window length must be positive")
	}
	if c.MaxOperationsPerWindow == 0 {
		return errors.New("breaker operation limit must be positive")
	}
	if c.MaxAmountPerOperation != nil && c.MaxAmountPerOperation.Sign() < 0 {
		return errors.New("breaker amount cap must be non-negative")
	}
	return nil
}

// WindowUsage captures the per-account sliding-window counters.
type WindowUsage struct {
	WindowStart uint64
	Count       uint32
}

// CheckBreaker applies the rate and amount checks for one operation. The
// returned usage must be persisted by the caller even when an error is
// returned: a rejected attempt still costs a slot in the window. The two
// checks are independent, so an amount rejection does not undo the counter
// increment.
func CheckBreaker(cfg BreakerConfig, now int64, prev WindowUsage, amount *big.Int) (WindowUsage, error) {
	if !cfg.Enabled {
		return prev, nil
	}
	window := uint64(now) / uint64(cfg.WindowLengthSeconds)

	next := prev
	if prev.WindowStart != window {
		next = WindowUsage{WindowStart: window}
	}
	if next.Count == math.MaxUint32 {
		return next, ErrBreakerCounterOverflow
	}
	next.Count++

	if next.Count > cfg.MaxOperationsPerWindow {
		return next, &RateLimitError{Limit: cfg.MaxOperationsPerWindow, Current: next.Count}
	}
	if cfg.MaxAmountPerOperation != nil && cfg.MaxAmountPerOperation.Sign() > 0 &&
		amount != nil && amount.Cmp(cfg.MaxAmountPerOperation) > 0 {
		return next, &AmountLimitError{
			Amount: new(big.Int).Set(amount),
			Limit:  new(big.Int).Set(cfg.MaxAmountPerOperation),
		}
	}
	return next, nil
}
