/*
Package ledger provides the credit ledger and payment reconciliation engine.

PURPOSE:
  This package owns the rules behind a multi-branch billing console: how a
  customer's balance is derived, which payments are acceptable, how cheque
  payments move through their lifecycle, how branch and route figures are
  rolled up, and how a customer's financial history is removed.

KEY CONCEPTS IN THIS FILE (types.go):
  - Customer: Account holder with a credit limit and a cached balance
  - Invoice: A sale with a fixed grand total and derived paid/balance amounts
  - Payment: Money received, allocated to one invoice or to the account
  - Expense, Branch, Route, Product, SaleReturn: Reference and stock data

DESIGN PRINCIPLES:
  1. Derived balances: Customer.Balance and Invoice.PaidAmount/BalanceAmount
     are projections. Ground truth is always recomputed from invoices and
     counting payments (see arithmetic.go).
  2. Precision: Uses decimal.Decimal, never float64, for money.
  3. One state field: A payment carries a single PaymentState, there is no
     separate cheque status.

USAGE:
  engine := ledger.NewEngine(store, ledger.WithLocker(lock.NewLocal()))
  payment, err := engine.CreatePayment(ctx, ledger.PaymentRequest{
      InvoiceID: "inv-1",
      Amount:    decimal.RequireFromString("500.00"),
      Method:    ledger.MethodCash,
  })

SEE ALSO:
  - arithmetic.go: Balance computation and tolerance comparisons
  - state.go: Payment lifecycle
  - engine.go: Operations exposed to callers
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type CustomerID string
type InvoiceID string
type PaymentID string
type BranchID string
type RouteID string
type ProductID string
type ExpenseID string
type ReturnID string

// =============================================================================
// CUSTOMER
// =============================================================================

type CustomerType string

const (
	CustomerCredit CustomerType = "credit"
	CustomerCash   CustomerType = "cash"
)

func (t CustomerType) Valid() bool {
	return t == CustomerCredit || t == CustomerCash
}

// Customer is an account holder. Balance is positive when the customer owes
// money and negative when the customer is in credit.
type Customer struct {
	ID          CustomerID
	Name        string
	Type        CustomerType
	CreditLimit decimal.Decimal
	Balance     decimal.Decimal // cached projection, see ComputeLedger
	BranchID    BranchID
	RouteID     RouteID
	CreatedAt   time.Time
}

// =============================================================================
// INVOICE (SALE)
// =============================================================================

type Invoice struct {
	ID         InvoiceID
	Number     string
	CustomerID CustomerID
	BranchID   BranchID
	RouteID    RouteID
	IssuedAt   time.Time
	DueAt      *time.Time

	GrandTotal decimal.Decimal

	// Projections maintained by the engine.
	PaidAmount    decimal.Decimal
	BalanceAmount decimal.Decimal

	Lines     []LineItem
	CreatedAt time.Time
}

// DaysOverdue returns how many whole days have passed since the due date.
// Invoices without a due date, or not yet due, report zero.
func (inv Invoice) DaysOverdue(now time.Time) int {
	if inv.DueAt == nil {
		return 0
	}
	due := startOfDay(*inv.DueAt)
	today := startOfDay(now)
	if !today.After(due) {
		return 0
	}
	return int(today.Sub(due).Hours() / 24)
}

// CostOfGoods sums the cost basis of every line.
func (inv Invoice) CostOfGoods() decimal.Decimal {
	total := decimal.Zero
	for _, l := range inv.Lines {
		total = total.Add(l.CostBasis())
	}
	return total
}

type LineItem struct {
	ID        string
	InvoiceID InvoiceID
	ProductID ProductID
	Quantity  decimal.Decimal
	UnitPrice decimal.Decimal
	UnitCost  decimal.Decimal
}

func (l LineItem) CostBasis() decimal.Decimal { return l.Quantity.Mul(l.UnitCost) }
func (l LineItem) Total() decimal.Decimal     { return l.Quantity.Mul(l.UnitPrice) }

// =============================================================================
// PAYMENT
// =============================================================================

type PaymentMethod string

const (
	MethodCash    PaymentMethod = "cash"
	MethodCheque  PaymentMethod = "cheque"
	MethodOnline  PaymentMethod = "online"
	MethodPending PaymentMethod = "pending" // explicit credit / IOU
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case MethodCash, MethodCheque, MethodOnline, MethodPending:
		return true
	}
	return false
}

// Payment is money received from a customer. A payment with InvoiceID set is
// directed at that invoice; without it the payment is an account credit that
// is allocated to the oldest outstanding invoices when it starts counting.
type Payment struct {
	ID          PaymentID
	CustomerID  CustomerID
	InvoiceID   InvoiceID // empty for undirected payments
	Amount      decimal.Decimal
	Method      PaymentMethod
	State       PaymentState
	Reference   string
	PaymentDate time.Time

	// Allocations is set while the payment counts toward balances and is
	// cleared when it stops counting.
	Allocations []Allocation

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Counts reports whether the payment currently reduces balances.
func (p Payment) Counts() bool { return p.State.CountsTowardBalance() }

// Allocated returns the sum of all allocation amounts.
func (p Payment) Allocated() decimal.Decimal {
	total := decimal.Zero
	for _, a := range p.Allocations {
		total = total.Add(a.Amount)
	}
	return total
}

// Allocation associates part of a payment with an invoice balance.
type Allocation struct {
	InvoiceID InvoiceID
	Amount    decimal.Decimal
}

// =============================================================================
// EXPENSES, BRANCHES, ROUTES
// =============================================================================

type ExpenseStatus string

const (
	ExpensePending  ExpenseStatus = "pending"
	ExpenseApproved ExpenseStatus = "approved"
	ExpenseRejected ExpenseStatus = "rejected"
)

func (s ExpenseStatus) Valid() bool {
	return s == ExpensePending || s == ExpenseApproved || s == ExpenseRejected
}

type Expense struct {
	ID          ExpenseID
	BranchID    BranchID
	RouteID     RouteID
	Amount      decimal.Decimal
	Date        time.Time
	Status      ExpenseStatus
	Description string
}

type Branch struct {
	ID   BranchID
	Name string
}

type Route struct {
	ID       RouteID
	BranchID BranchID
	Name     string
}

// =============================================================================
// STOCK
// =============================================================================

type Product struct {
	ID    ProductID
	Name  string
	Stock decimal.Decimal
}

// SaleReturn records goods handed back against an invoice. Recording a
// return puts the quantities back into stock.
type SaleReturn struct {
	ID         ReturnID
	InvoiceID  InvoiceID
	CustomerID CustomerID
	ReturnedAt time.Time
	Lines      []ReturnLine
}

type ReturnLine struct {
	ProductID ProductID
	Quantity  decimal.Decimal
}
