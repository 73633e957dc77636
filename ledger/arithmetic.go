/*
arithmetic.go - Balance computation from invoices and payments

PURPOSE:
  Answers "how much does this customer owe?" without trusting any stored
  balance. Everything here is a pure function: no store access, no clock
  except what the caller passes in.

KEY INSIGHT:
  A payment reduces an invoice balance only while it counts (state
  completed or cleared), and only through its allocations. An invoice's
  paid amount is the sum of counting allocations that target it.

  paid(invoice)     = Σ allocation.Amount  (counting payments, this invoice)
  balance(invoice)  = grandTotal − paid(invoice)
  outstanding       = Σ balance(invoice)
  unallocatedCredit = Σ payment.Amount − Σ allocated  (counting payments)
  customer balance  = outstanding − unallocatedCredit

  A customer whose counting payments are fully allocated therefore has
  balance == Σ invoice balances.

TOLERANCE:
  All amount ceilings compare with RoughlyLessOrEqual and a tolerance of
  0.01: differences below one cent are treated as equal, so paying the
  exact displayed balance never fails on a rounding artefact.

SEE ALSO:
  - validator.go: Uses RoughlyLessOrEqual for ceiling checks
  - engine.go: Writes the recomputed projections back to the store
*/
package ledger

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Tolerance is the canonical rounding tolerance for amount comparisons.
var Tolerance = decimal.New(1, -2)

// RoughlyLessOrEqual reports whether a exceeds b by less than tol.
// Amounts carry two fraction digits, so 500.00 against 500.00 passes and
// 500.01 against 500.00 does not.
func RoughlyLessOrEqual(a, b, tol decimal.Decimal) bool {
	return a.Sub(b).LessThan(tol)
}

// RoughlyEqual reports whether a and b differ by less than tol.
func RoughlyEqual(a, b, tol decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThan(tol)
}

// =============================================================================
// LEDGER VIEW - Recomputed state of one customer's account
// =============================================================================

type InvoiceView struct {
	InvoiceID   InvoiceID
	Number      string
	IssuedAt    time.Time
	GrandTotal  decimal.Decimal
	Paid        decimal.Decimal
	Balance     decimal.Decimal
	DaysOverdue int
}

// Settled reports whether the invoice balance is zero within tolerance.
func (v InvoiceView) Settled() bool {
	return RoughlyEqual(v.Balance, decimal.Zero, Tolerance)
}

type LedgerView struct {
	Invoices          []InvoiceView
	Outstanding       decimal.Decimal
	UnallocatedCredit decimal.Decimal
	Balance           decimal.Decimal
}

// Invoice returns the view of one invoice.
func (v LedgerView) Invoice(id InvoiceID) (InvoiceView, bool) {
	for _, iv := range v.Invoices {
		if iv.InvoiceID == id {
			return iv, true
		}
	}
	return InvoiceView{}, false
}

// ComputeLedger derives invoice and customer balances from ground truth.
// Invoices are returned oldest first.
func ComputeLedger(invoices []Invoice, payments []Payment, now time.Time) LedgerView {
	paid := make(map[InvoiceID]decimal.Decimal, len(invoices))
	credit := decimal.Zero
	for _, p := range payments {
		if !p.Counts() {
			continue
		}
		for _, a := range p.Allocations {
			paid[a.InvoiceID] = paid[a.InvoiceID].Add(a.Amount)
		}
		credit = credit.Add(p.Amount.Sub(p.Allocated()))
	}

	sorted := sortedInvoices(invoices)
	view := LedgerView{
		Invoices:          make([]InvoiceView, 0, len(sorted)),
		Outstanding:       decimal.Zero,
		UnallocatedCredit: credit,
	}
	for _, inv := range sorted {
		p := paid[inv.ID]
		iv := InvoiceView{
			InvoiceID:   inv.ID,
			Number:      inv.Number,
			IssuedAt:    inv.IssuedAt,
			GrandTotal:  inv.GrandTotal,
			Paid:        p,
			Balance:     inv.GrandTotal.Sub(p),
			DaysOverdue: inv.DaysOverdue(now),
		}
		view.Outstanding = view.Outstanding.Add(iv.Balance)
		view.Invoices = append(view.Invoices, iv)
	}
	view.Balance = view.Outstanding.Sub(credit)
	return view
}

// OutstandingBalance returns the sum of the customer's invoice balances,
// recomputed from cleared payments. It fails with a DataIntegrityError when
// the customer's stored balance disagrees with the recomputed one.
func OutstandingBalance(customer Customer, invoices []Invoice, clearedPayments []Payment) (decimal.Decimal, error) {
	view := ComputeLedger(invoices, clearedPayments, time.Time{})
	if !RoughlyEqual(customer.Balance, view.Balance, Tolerance) {
		return view.Outstanding, &DataIntegrityError{
			Subject:  "customer",
			ID:       string(customer.ID),
			Field:    "balance",
			Stored:   customer.Balance,
			Computed: view.Balance,
		}
	}
	return view.Outstanding, nil
}

// VerifyProjections compares every stored projection against the view.
// The first disagreement is returned as a DataIntegrityError.
func VerifyProjections(customer Customer, invoices []Invoice, view LedgerView) error {
	for _, inv := range invoices {
		iv, ok := view.Invoice(inv.ID)
		if !ok {
			continue
		}
		if iv.Balance.LessThan(Tolerance.Neg()) {
			return &DataIntegrityError{Subject: "invoice", ID: string(inv.ID), Field: "balance_amount", Stored: inv.BalanceAmount, Computed: iv.Balance}
		}
		if !RoughlyEqual(inv.PaidAmount, iv.Paid, Tolerance) {
			return &DataIntegrityError{Subject: "invoice", ID: string(inv.ID), Field: "paid_amount", Stored: inv.PaidAmount, Computed: iv.Paid}
		}
		if !RoughlyEqual(inv.BalanceAmount, iv.Balance, Tolerance) {
			return &DataIntegrityError{Subject: "invoice", ID: string(inv.ID), Field: "balance_amount", Stored: inv.BalanceAmount, Computed: iv.Balance}
		}
	}
	if !RoughlyEqual(customer.Balance, view.Balance, Tolerance) {
		return &DataIntegrityError{Subject: "customer", ID: string(customer.ID), Field: "balance", Stored: customer.Balance, Computed: view.Balance}
	}
	return nil
}

// AvailableCredit returns creditLimit − max(balance, 0). The result is
// negative when the customer is over limit.
func AvailableCredit(customer Customer) decimal.Decimal {
	owed := decimal.Max(customer.Balance, decimal.Zero)
	return customer.CreditLimit.Sub(owed)
}

// AllocateFIFO spreads amount over the outstanding invoices, oldest first.
// Whatever cannot be allocated stays on the account as credit.
func AllocateFIFO(amount decimal.Decimal, view LedgerView) []Allocation {
	var allocations []Allocation
	remaining := amount
	for _, iv := range view.Invoices {
		if !remaining.IsPositive() {
			break
		}
		if !iv.Balance.IsPositive() {
			continue
		}
		take := decimal.Min(remaining, iv.Balance)
		allocations = append(allocations, Allocation{InvoiceID: iv.InvoiceID, Amount: take})
		remaining = remaining.Sub(take)
	}
	return allocations
}

func sortedInvoices(invoices []Invoice) []Invoice {
	sorted := make([]Invoice, len(invoices))
	copy(sorted, invoices)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].IssuedAt.Equal(sorted[j].IssuedAt) {
			return sorted[i].ID < sorted[j].ID
		}
		return sorted[i].IssuedAt.Before(sorted[j].IssuedAt)
	})
	return sorted
}
