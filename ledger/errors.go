/*
errors.go - Centralized error types for the ledger engine

PURPOSE:
  All error kinds the engine can report, in one place. Callers use
  errors.Is against the sentinels and errors.As against the structured
  types when they need the attached detail (the ceiling of a rejected
  payment, the stored vs computed balance of an integrity failure).

ERROR CATEGORIES:
  1. Client errors - Recovered locally, no mutation performed:
     ValidationError, BalanceCeilingError, InvalidTransitionError,
     ErrMissingTarget, ErrHasTransactions
  2. Invariant violations - Always surfaced, never swallowed:
     DataIntegrityError, CascadeError
  3. Retryable - ErrConcurrencyConflict

SEE ALSO:
  - validator.go: Produces validation and ceiling errors
  - state.go: Produces InvalidTransitionError
  - api/handlers.go: Maps kinds to HTTP status codes
*/
package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrValidation             = errors.New("validation failed")
	ErrExceedsInvoiceBalance  = errors.New("amount exceeds invoice balance")
	ErrExceedsCustomerBalance = errors.New("amount exceeds customer balance")
	ErrInvalidTransition      = errors.New("invalid payment state transition")
	ErrMissingTarget          = errors.New("payment must reference a customer or an invoice")

	// ErrDataIntegrity means a stored projection disagrees with the value
	// recomputed from invoices and payments.
	ErrDataIntegrity = errors.New("data integrity violation")

	// ErrConcurrencyConflict means the store or the lock detected a race.
	// The caller may retry.
	ErrConcurrencyConflict = errors.New("concurrent modification detected")

	// ErrCascadeFailure means a force delete failed and was rolled back.
	ErrCascadeFailure = errors.New("cascade deletion failed")

	ErrHasTransactions = errors.New("customer has financial history")
	ErrEmptyBatch      = errors.New("batch contains no payments")
	ErrBatchTooLarge   = errors.New("batch exceeds maximum size")

	ErrCustomerNotFound = errors.New("customer not found")
	ErrInvoiceNotFound  = errors.New("invoice not found")
	ErrPaymentNotFound  = errors.New("payment not found")
	ErrProductNotFound  = errors.New("product not found")
	ErrBranchNotFound   = errors.New("branch not found")
	ErrRouteNotFound    = errors.New("route not found")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError is a user-correctable input problem. Message is surfaced
// verbatim.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// BalanceCeilingError is returned when a payment is larger than what is
// owed. Ceiling is the maximum amount that would have been accepted, so the
// caller can offer to cap the payment.
type BalanceCeilingError struct {
	Kind       error // ErrExceedsInvoiceBalance or ErrExceedsCustomerBalance
	CustomerID CustomerID
	InvoiceID  InvoiceID
	Requested  decimal.Decimal
	Ceiling    decimal.Decimal
}

func (e *BalanceCeilingError) Error() string {
	return fmt.Sprintf("%s: requested %s, maximum %s",
		e.Kind, e.Requested.StringFixed(2), e.Ceiling.StringFixed(2))
}

func (e *BalanceCeilingError) Unwrap() error { return e.Kind }

// InvalidTransitionError describes a rejected state machine move.
type InvalidTransitionError struct {
	PaymentID PaymentID
	Method    PaymentMethod
	From      PaymentState
	Event     PaymentEvent
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot %s a %s payment in state %s", e.Event, e.Method, e.From)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

// DataIntegrityError reports a stored projection that disagrees with the
// recomputed value beyond tolerance.
type DataIntegrityError struct {
	Subject  string // "customer" or "invoice"
	ID       string
	Field    string
	Stored   decimal.Decimal
	Computed decimal.Decimal
}

func (e *DataIntegrityError) Error() string {
	return fmt.Sprintf("data integrity violation: %s %s %s stored %s, computed %s",
		e.Subject, e.ID, e.Field, e.Stored.StringFixed(2), e.Computed.StringFixed(2))
}

func (e *DataIntegrityError) Unwrap() error { return ErrDataIntegrity }

// CascadeError reports which step of a force delete failed. The whole
// operation has been rolled back when this is returned.
type CascadeError struct {
	CustomerID CustomerID
	Step       string
	Err        error
}

func (e *CascadeError) Error() string {
	return fmt.Sprintf("cascade deletion of customer %s failed at %s: %v", e.CustomerID, e.Step, e.Err)
}

func (e *CascadeError) Unwrap() []error { return []error{ErrCascadeFailure, e.Err} }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrExceedsInvoiceBalance) ||
		errors.Is(err, ErrExceedsCustomerBalance) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrMissingTarget) ||
		errors.Is(err, ErrHasTransactions) ||
		errors.Is(err, ErrEmptyBatch) ||
		errors.Is(err, ErrBatchTooLarge)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrCustomerNotFound) ||
		errors.Is(err, ErrInvoiceNotFound) ||
		errors.Is(err, ErrPaymentNotFound) ||
		errors.Is(err, ErrProductNotFound) ||
		errors.Is(err, ErrBranchNotFound) ||
		errors.Is(err, ErrRouteNotFound)
}

// Kind returns a stable machine-readable name for the error, used in bulk
// results, API responses and metric labels.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCascadeFailure):
		return "cascade_failure"
	case errors.Is(err, ErrDataIntegrity):
		return "data_integrity"
	case errors.Is(err, ErrConcurrencyConflict):
		return "concurrency_conflict"
	case errors.Is(err, ErrExceedsInvoiceBalance):
		return "exceeds_invoice_balance"
	case errors.Is(err, ErrExceedsCustomerBalance):
		return "exceeds_customer_balance"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrMissingTarget):
		return "missing_target"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrHasTransactions):
		return "has_transactions"
	case errors.Is(err, ErrEmptyBatch), errors.Is(err, ErrBatchTooLarge):
		return "malformed_batch"
	case IsNotFound(err):
		return "not_found"
	default:
		return "internal"
	}
}
