/*
validator.go - Pre-commit checks for payments and expenses

PURPOSE:
  Rejects a payment before anything is written. The checks are split in
  two groups:
    1. Request checks (CheckRequest): target present, method known, amount
       well-formed and bounded, date inside the allowed window. No store
       access needed.
    2. Ceiling checks (CheckInvoiceCeiling, CheckCustomerCeiling): compare
       the amount against the recomputed balance. The engine runs these
       inside the same transaction that writes the payment.

CEILINGS:
  invoice target:        amount ≲ invoice balance       else ExceedsInvoiceBalance
  customer-only target:  amount ≲ customer balance      else ExceedsCustomerBalance
                         (only while the balance is positive; a customer in
                         credit can always top up)
  "≲" is RoughlyLessOrEqual with the configured tolerance.

SEE ALSO:
  - arithmetic.go: RoughlyLessOrEqual, ComputeLedger
  - engine.go: CreatePayment, TransitionPayment (re-checks on clear)
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// PaymentRequest is the input of CreatePayment. At least one of CustomerID
// or InvoiceID must be set. A zero PaymentDate means "now".
type PaymentRequest struct {
	CustomerID  CustomerID
	InvoiceID   InvoiceID
	Amount      decimal.Decimal
	Method      PaymentMethod
	Reference   string
	PaymentDate time.Time
}

// Directed reports whether the request targets a specific invoice.
func (r PaymentRequest) Directed() bool { return r.InvoiceID != "" }

// =============================================================================
// CONFIGURATION
// =============================================================================

type ValidatorConfig struct {
	// MaxAmount is the absolute ceiling for a single amount.
	MaxAmount decimal.Decimal

	// MaxFractionDigits bounds the precision of amounts.
	MaxFractionDigits int32

	// HistoryWindowDays bounds how far back a payment may be dated.
	// Zero disables the bound.
	HistoryWindowDays int

	// ExpenseHistoryWindowDays bounds how far back an expense may be dated.
	// Zero disables the bound.
	ExpenseHistoryWindowDays int

	Tolerance decimal.Decimal
}

// DefaultValidatorConfig returns the production defaults.
func DefaultValidatorConfig() ValidatorConfig {
	return ValidatorConfig{
		MaxAmount:                decimal.RequireFromString("999999.99"),
		MaxFractionDigits:        2,
		HistoryWindowDays:        0,
		ExpenseHistoryWindowDays: 730,
		Tolerance:                Tolerance,
	}
}

type Validator struct {
	Config ValidatorConfig
}

func NewValidator(cfg ValidatorConfig) *Validator {
	if cfg.Tolerance.IsZero() {
		cfg.Tolerance = Tolerance
	}
	if cfg.MaxFractionDigits <= 0 {
		cfg.MaxFractionDigits = 2
	}
	return &Validator{Config: cfg}
}

// =============================================================================
// REQUEST CHECKS
// =============================================================================

// CheckRequest validates everything that does not need stored balances.
func (v *Validator) CheckRequest(req PaymentRequest, now time.Time) error {
	if req.CustomerID == "" && req.InvoiceID == "" {
		return ErrMissingTarget
	}
	if !req.Method.Valid() {
		return invalid("method", "unknown payment method %q", req.Method)
	}
	if err := v.CheckAmount("amount", req.Amount); err != nil {
		return err
	}
	if !req.PaymentDate.IsZero() {
		if err := v.CheckDate("payment_date", req.PaymentDate, now, v.Config.HistoryWindowDays); err != nil {
			return err
		}
	}
	return nil
}

// CheckAmount requires a positive amount with bounded precision, no larger
// than MaxAmount.
func (v *Validator) CheckAmount(field string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return invalid(field, "must be positive, got %s", amount.String())
	}
	if !amount.Equal(amount.Truncate(v.Config.MaxFractionDigits)) {
		return invalid(field, "at most %d fraction digits allowed, got %s", v.Config.MaxFractionDigits, amount.String())
	}
	if !v.Config.MaxAmount.IsZero() && amount.GreaterThan(v.Config.MaxAmount) {
		return invalid(field, "must not exceed %s, got %s", v.Config.MaxAmount.StringFixed(2), amount.String())
	}
	return nil
}

// CheckDate rejects dates after now and, when windowDays > 0, dates older
// than windowDays before today.
func (v *Validator) CheckDate(field string, date, now time.Time, windowDays int) error {
	if date.After(now) {
		return invalid(field, "%s is in the future", date.UTC().Format(dateLayout))
	}
	if windowDays > 0 {
		oldest := startOfDay(now).AddDate(0, 0, -windowDays)
		if date.Before(oldest) {
			return invalid(field, "%s is older than %d days", date.UTC().Format(dateLayout), windowDays)
		}
	}
	return nil
}

// CheckExpense validates an expense amount, status and date.
func (v *Validator) CheckExpense(e Expense, now time.Time) error {
	if err := v.CheckAmount("amount", e.Amount); err != nil {
		return err
	}
	if !e.Status.Valid() {
		return invalid("status", "unknown expense status %q", e.Status)
	}
	if e.Date.IsZero() {
		return invalid("date", "is required")
	}
	return v.CheckDate("date", e.Date, now, v.Config.ExpenseHistoryWindowDays)
}

// =============================================================================
// CEILING CHECKS
// =============================================================================

// CheckInvoiceCeiling bounds a directed payment by the invoice's recomputed
// balance.
func (v *Validator) CheckInvoiceCeiling(customerID CustomerID, amount decimal.Decimal, inv InvoiceView) error {
	ceiling := decimal.Max(inv.Balance, decimal.Zero)
	if RoughlyLessOrEqual(amount, ceiling, v.Config.Tolerance) {
		return nil
	}
	return &BalanceCeilingError{
		Kind:       ErrExceedsInvoiceBalance,
		CustomerID: customerID,
		InvoiceID:  inv.InvoiceID,
		Requested:  amount,
		Ceiling:    ceiling,
	}
}

// CheckCustomerCeiling bounds an undirected payment by the customer's
// recomputed balance. A zero or negative balance means no ceiling.
func (v *Validator) CheckCustomerCeiling(customerID CustomerID, amount decimal.Decimal, view LedgerView) error {
	if !view.Balance.IsPositive() {
		return nil
	}
	if RoughlyLessOrEqual(amount, view.Balance, v.Config.Tolerance) {
		return nil
	}
	return &BalanceCeilingError{
		Kind:       ErrExceedsCustomerBalance,
		CustomerID: customerID,
		Requested:  amount,
		Ceiling:    view.Balance,
	}
}
