/*
store.go - Persistence interface for the ledger engine

PURPOSE:
  Defines what the engine needs from the transactional store: reads of
  customers, invoices, payments, expenses, stock and reference data, and
  the writes that keep projections and stock consistent. The engine never
  talks to a database directly.

KEY INTERFACES:
  Store:    Union of the per-entity stores below
  TxStore:  Store plus WithTx for all-or-nothing multi-entity writes

TRANSACTIONS:
  Every mutation the engine performs runs inside WithTx. A write made
  through the Store handed to fn is only visible to others once fn returns
  nil; any error rolls back every write made through it. Cascade deletion
  relies on this to stay all-or-nothing.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite through database/sql
  - ledger/store/memory.go: In-memory for tests and development

SEE ALSO:
  - engine.go: The only caller of WithTx
*/
package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SCOPE - Which branch/route rows a list query returns
// =============================================================================

// ScopeFilter selects rows by assignment.
//
//	RouteID set:                  rows assigned to that route
//	BranchID set, DirectOnly:     rows assigned to the branch with no route
//	BranchID set, !DirectOnly:    every row assigned to the branch
type ScopeFilter struct {
	BranchID   BranchID
	RouteID    RouteID
	DirectOnly bool
}

// Matches reports whether a row assigned to branch/route is selected.
func (f ScopeFilter) Matches(branch BranchID, route RouteID) bool {
	if f.RouteID != "" {
		return route == f.RouteID
	}
	if f.BranchID != branch {
		return false
	}
	return !f.DirectOnly || route == ""
}

// =============================================================================
// PER-ENTITY STORES
// =============================================================================

type CustomerStore interface {
	// GetCustomer returns ErrCustomerNotFound if the customer does not exist.
	GetCustomer(ctx context.Context, id CustomerID) (Customer, error)

	// SaveCustomer inserts or replaces a customer.
	SaveCustomer(ctx context.Context, c Customer) error

	// UpdateCustomerBalance writes the cached balance projection.
	UpdateCustomerBalance(ctx context.Context, id CustomerID, balance decimal.Decimal) error

	DeleteCustomer(ctx context.Context, id CustomerID) error
}

type InvoiceStore interface {
	// GetInvoice returns the invoice with its lines, or ErrInvoiceNotFound.
	GetInvoice(ctx context.Context, id InvoiceID) (Invoice, error)

	// SaveInvoice inserts an invoice together with its lines.
	SaveInvoice(ctx context.Context, inv Invoice) error

	// UpdateInvoiceProjection writes the paid and balance projections.
	UpdateInvoiceProjection(ctx context.Context, id InvoiceID, paid, balance decimal.Decimal) error

	// ListInvoicesByCustomer returns all of a customer's invoices with lines.
	ListInvoicesByCustomer(ctx context.Context, customerID CustomerID) ([]Invoice, error)

	// ListInvoices returns invoices in scope issued within window, with lines.
	ListInvoices(ctx context.Context, scope ScopeFilter, window Period) ([]Invoice, error)

	// DeleteInvoice removes an invoice and its lines.
	DeleteInvoice(ctx context.Context, id InvoiceID) error
}

type PaymentStore interface {
	// GetPayment returns ErrPaymentNotFound if the payment does not exist.
	GetPayment(ctx context.Context, id PaymentID) (Payment, error)

	// SavePayment inserts or replaces a payment and its allocations.
	SavePayment(ctx context.Context, p Payment) error

	ListPaymentsByCustomer(ctx context.Context, customerID CustomerID) ([]Payment, error)

	// ListPaymentsInWindow returns every payment dated within window.
	ListPaymentsInWindow(ctx context.Context, window Period) ([]Payment, error)

	DeletePayment(ctx context.Context, id PaymentID) error
}

type ExpenseStore interface {
	SaveExpense(ctx context.Context, e Expense) error

	// ListExpenses returns expenses in scope dated within window, any status.
	ListExpenses(ctx context.Context, scope ScopeFilter, window Period) ([]Expense, error)
}

type StockStore interface {
	// GetProduct returns ErrProductNotFound if the product does not exist.
	GetProduct(ctx context.Context, id ProductID) (Product, error)

	SaveProduct(ctx context.Context, p Product) error

	// AdjustStock adds delta (possibly negative) to the product's stock.
	AdjustStock(ctx context.Context, id ProductID, delta decimal.Decimal) error
}

type ReturnStore interface {
	SaveReturn(ctx context.Context, r SaleReturn) error
	ListReturnsByInvoice(ctx context.Context, invoiceID InvoiceID) ([]SaleReturn, error)
	DeleteReturn(ctx context.Context, id ReturnID) error
}

// RegistryStore holds branch and route reference data.
type RegistryStore interface {
	GetBranch(ctx context.Context, id BranchID) (Branch, error)
	SaveBranch(ctx context.Context, b Branch) error
	GetRoute(ctx context.Context, id RouteID) (Route, error)
	SaveRoute(ctx context.Context, r Route) error
	ListRoutes(ctx context.Context, branchID BranchID) ([]Route, error)
}

// =============================================================================
// STORE - Union used by the engine
// =============================================================================

type Store interface {
	CustomerStore
	InvoiceStore
	PaymentStore
	ExpenseStore
	StockStore
	ReturnStore
	RegistryStore
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// Clock returns the current time. Tests substitute a fixed clock.
type Clock func() time.Time
