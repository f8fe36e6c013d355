package loan

import (
	"strconv"

	"credence/core/events"
	"credence/crypto"
)

const (
	EventTypeLoanCreated    = "loan.created"
	EventTypeLoanRepaid     = "loan.repaid"
	EventTypeLoanLiquidated = "loan.liquidated"
	EventTypeBreakerUpdated = "breaker.updated"
	EventTypeSignerUpdated  = "signer.updated"
)

// NewCreatedEvent returns the canonical payload for a newly created loan.
func NewCreatedEvent(l *Loan) *events.Record {
	rec := newLoanEvent(EventTypeLoanCreated, l)
	if rec != nil && l != nil {
		rec.Attributes["interestRateBps"] = strconv.FormatUint(l.InterestRateBps, 10)
		rec.Attributes["durationSeconds"] = strconv.FormatUint(l.DurationSeconds, 10)
		rec.Attributes["startTimestamp"] = strconv.FormatInt(l.StartTimestamp, 10)
	}
	return rec
}

// NewRepaidEvent returns the canonical payload for a settled loan, carrying
// the totals needed to reconstruct the repayment.
func NewRepaidEvent(l *Loan, owed, interest string, ts int64) *events.Record {
	rec := newLoanEvent(EventTypeLoanRepaid, l)
	if rec != nil {
		rec.Attributes["totalOwed"] = owed
		rec.Attributes["interest"] = interest
		rec.Attributes["timestamp"] = strconv.FormatInt(ts, 10)
	}
	return rec
}

// NewLiquidatedEvent returns the canonical payload for a liquidated loan.
func NewLiquidatedEvent(l *Loan, ts int64) *events.Record {
	rec := newLoanEvent(EventTypeLoanLiquidated, l)
	if rec != nil {
		rec.Attributes["timestamp"] = strconv.FormatInt(ts, 10)
	}
	return rec
}

// NewBreakerUpdatedEvent records a wholesale breaker config replacement.
func NewBreakerUpdatedEvent(maxOps uint32, windowSeconds uint32, maxAmount string, enabled bool, ts int64) *events.Record {
	return &events.Record{
		Type: EventTypeBreakerUpdated,
		Attributes: map[string]string{
			"maxOperationsPerWindow": strconv.FormatUint(uint64(maxOps), 10),
			"windowLengthSeconds":    strconv.FormatUint(uint64(windowSeconds), 10),
			"maxAmountPerOperation":  maxAmount,
			"enabled":                strconv.FormatBool(enabled),
			"timestamp":              strconv.FormatInt(ts, 10),
		},
	}
}

// NewSignerUpdatedEvent records a trusted signer rotation for audit.
func NewSignerUpdatedEvent(old, updated crypto.Address, ts int64) *events.Record {
	return &events.Record{
		Type: EventTypeSignerUpdated,
		Attributes: map[string]string{
			"old":       old.String(),
			"new":       updated.String(),
			"timestamp": strconv.FormatInt(ts, 10),
		},
	}
}

func newLoanEvent(eventType string, l *Loan) *events.Record {
	if l == nil {
		return nil
	}
	principal := "0"
	if l.Principal != nil {
		principal = l.Principal.String()
	}
	collateral := "0"
	if l.Collateral != nil {
		collateral = l.Collateral.String()
	}
	return &events.Record{
		Type: eventType,
		Attributes: map[string]string{
			"loanId":     strconv.FormatUint(uint64(l.ID), 10),
			"borrower":   l.Borrower.String(),
			"principal":  principal,
			"collateral": collateral,
		},
	}
}
