// Package store provides an in-memory ledger.TxStore.
package store

import (
	"context"
	"slices"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/warp/credit-ledger/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps every record in maps guarded by one mutex. Stored slices are
// copied on the way in and out, so callers never share backing arrays with
// the store.
type Memory struct {
	mu sync.RWMutex
	tables
}

type tables struct {
	customers map[ledger.CustomerID]ledger.Customer
	invoices  map[ledger.InvoiceID]ledger.Invoice
	payments  map[ledger.PaymentID]ledger.Payment
	expenses  map[ledger.ExpenseID]ledger.Expense
	products  map[ledger.ProductID]ledger.Product
	returns   map[ledger.ReturnID]ledger.SaleReturn
	branches  map[ledger.BranchID]ledger.Branch
	routes    map[ledger.RouteID]ledger.Route
}

func NewMemory() *Memory {
	return &Memory{tables: tables{
		customers: make(map[ledger.CustomerID]ledger.Customer),
		invoices:  make(map[ledger.InvoiceID]ledger.Invoice),
		payments:  make(map[ledger.PaymentID]ledger.Payment),
		expenses:  make(map[ledger.ExpenseID]ledger.Expense),
		products:  make(map[ledger.ProductID]ledger.Product),
		returns:   make(map[ledger.ReturnID]ledger.SaleReturn),
		branches:  make(map[ledger.BranchID]ledger.Branch),
		routes:    make(map[ledger.RouteID]ledger.Route),
	}}
}

var _ ledger.TxStore = (*Memory)(nil)

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
// Transactions are serialized by the store mutex.
func (m *Memory) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.tables.clone()
	if err := fn(&m.tables); err != nil {
		m.tables = snapshot
		return err
	}
	return nil
}

// clone copies every map. Stored values are never mutated in place, so a
// shallow copy of each map is a complete snapshot.
func (t *tables) clone() tables {
	return tables{
		customers: cloneMap(t.customers),
		invoices:  cloneMap(t.invoices),
		payments:  cloneMap(t.payments),
		expenses:  cloneMap(t.expenses),
		products:  cloneMap(t.products),
		returns:   cloneMap(t.returns),
		branches:  cloneMap(t.branches),
		routes:    cloneMap(t.routes),
	}
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// =============================================================================
// LOCKED ACCESS - Memory methods lock and delegate to tables
// =============================================================================

func (m *Memory) GetCustomer(ctx context.Context, id ledger.CustomerID) (ledger.Customer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tables.GetCustomer(ctx, id)
}

func (m *Memory) SaveCustomer(ctx context.Context, c ledger.Customer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tables.SaveCustomer(ctx, c)
}

func (m *Memory) UpdateCustomerBalance(ctx context.Context, id ledger.CustomerID, balance decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tables.UpdateCustomerBalance(ctx, id, balance)
}

func (m *Memory) DeleteCustomer(ctx context.Context, id ledger.CustomerID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tables.DeleteCustomer(ctx, id)
}

func (m *Memory) GetInvoice(ctx context.Context, id ledger.InvoiceID) (ledger.Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tables.GetInvoice(ctx, id)
}

func (m *Memory) SaveInvoice(ctx context.Context, inv ledger.Invoice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tables.SaveInvoice(ctx, inv)
}

func (m *Memory) UpdateInvoiceProjection(ctx context.Context, id ledger.InvoiceID, paid, balance decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tables.UpdateInvoiceProjection(ctx, id, paid, balance)
}

func (m *Memory) ListInvoicesByCustomer(ctx context.Context, id ledger.CustomerID) ([]ledger.Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tables.ListInvoicesByCustomer(ctx, id)
}

func (m *Memory) ListInvoices(ctx context.Context, scope ledger.ScopeFilter, window ledger.Period) ([]ledger.Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tables.ListInvoices(ctx, scope, window)
}

func (m *Memory) DeleteInvoice(ctx context.Context, id ledger.InvoiceID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tables.DeleteInvoice(ctx, id)
}

func (m *Memory) GetPayment(ctx context.Context, id ledger.PaymentID) (ledger.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tables.GetPayment(ctx, id)
}

func (m *Memory) SavePayment(ctx context.Context, p ledger.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tables.SavePayment(ctx, p)
}

func (m *Memory) ListPaymentsByCustomer(ctx context.Context, id ledger.CustomerID) ([]ledger.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tables.ListPaymentsByCustomer(ctx, id)
}

func (m *Memory) ListPaymentsInWindow(ctx context.Context, window ledger.Period) ([]ledger.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tables.ListPaymentsInWindow(ctx, window)
}

func (m *Memory) DeletePayment(ctx context.Context, id ledger.PaymentID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tables.DeletePayment(ctx, id)
}

func (m *Memory) SaveExpense(ctx context.Context, e ledger.Expense) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tables.SaveExpense(ctx, e)
}

func (m *Memory) ListExpenses(ctx context.Context, scope ledger.ScopeFilter, window ledger.Period) ([]ledger.Expense, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tables.ListExpenses(ctx, scope, window)
}

func (m *Memory) GetProduct(ctx context.Context, id ledger.ProductID) (ledger.Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tables.GetProduct(ctx, id)
}

func (m *Memory) SaveProduct(ctx context.Context, p ledger.Product) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tables.SaveProduct(ctx, p)
}

func (m *Memory) AdjustStock(ctx context.Context, id ledger.ProductID, delta decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tables.AdjustStock(ctx, id, delta)
}

func (m *Memory) SaveReturn(ctx context.Context, r ledger.SaleReturn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tables.SaveReturn(ctx, r)
}

func (m *Memory) ListReturnsByInvoice(ctx context.Context, id ledger.InvoiceID) ([]ledger.SaleReturn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tables.ListReturnsByInvoice(ctx, id)
}

func (m *Memory) DeleteReturn(ctx context.Context, id ledger.ReturnID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tables.DeleteReturn(ctx, id)
}

func (m *Memory) GetBranch(ctx context.Context, id ledger.BranchID) (ledger.Branch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tables.GetBranch(ctx, id)
}

func (m *Memory) SaveBranch(ctx context.Context, b ledger.Branch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tables.SaveBranch(ctx, b)
}

func (m *Memory) GetRoute(ctx context.Context, id ledger.RouteID) (ledger.Route, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tables.GetRoute(ctx, id)
}

func (m *Memory) SaveRoute(ctx context.Context, r ledger.Route) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tables.SaveRoute(ctx, r)
}

func (m *Memory) ListRoutes(ctx context.Context, id ledger.BranchID) ([]ledger.Route, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tables.ListRoutes(ctx, id)
}

// =============================================================================
// TABLES - Unlocked implementation, also the view handed to WithTx
// =============================================================================

func (t *tables) GetCustomer(_ context.Context, id ledger.CustomerID) (ledger.Customer, error) {
	c, ok := t.customers[id]
	if !ok {
		return ledger.Customer{}, ledger.ErrCustomerNotFound
	}
	return c, nil
}

func (t *tables) SaveCustomer(_ context.Context, c ledger.Customer) error {
	t.customers[c.ID] = c
	return nil
}

func (t *tables) UpdateCustomerBalance(_ context.Context, id ledger.CustomerID, balance decimal.Decimal) error {
	c, ok := t.customers[id]
	if !ok {
		return ledger.ErrCustomerNotFound
	}
	c.Balance = balance
	t.customers[id] = c
	return nil
}

func (t *tables) DeleteCustomer(_ context.Context, id ledger.CustomerID) error {
	if _, ok := t.customers[id]; !ok {
		return ledger.ErrCustomerNotFound
	}
	delete(t.customers, id)
	return nil
}

func (t *tables) GetInvoice(_ context.Context, id ledger.InvoiceID) (ledger.Invoice, error) {
	inv, ok := t.invoices[id]
	if !ok {
		return ledger.Invoice{}, ledger.ErrInvoiceNotFound
	}
	return copyInvoice(inv), nil
}

func (t *tables) SaveInvoice(_ context.Context, inv ledger.Invoice) error {
	t.invoices[inv.ID] = copyInvoice(inv)
	return nil
}

func (t *tables) UpdateInvoiceProjection(_ context.Context, id ledger.InvoiceID, paid, balance decimal.Decimal) error {
	inv, ok := t.invoices[id]
	if !ok {
		return ledger.ErrInvoiceNotFound
	}
	inv.PaidAmount = paid
	inv.BalanceAmount = balance
	t.invoices[id] = inv
	return nil
}

func (t *tables) ListInvoicesByCustomer(_ context.Context, id ledger.CustomerID) ([]ledger.Invoice, error) {
	return t.filterInvoices(func(inv ledger.Invoice) bool { return inv.CustomerID == id }), nil
}

func (t *tables) ListInvoices(_ context.Context, scope ledger.ScopeFilter, window ledger.Period) ([]ledger.Invoice, error) {
	return t.filterInvoices(func(inv ledger.Invoice) bool {
		return scope.Matches(inv.BranchID, inv.RouteID) && window.Contains(inv.IssuedAt)
	}), nil
}

func (t *tables) filterInvoices(keep func(ledger.Invoice) bool) []ledger.Invoice {
	var out []ledger.Invoice
	for _, inv := range t.invoices {
		if keep(inv) {
			out = append(out, copyInvoice(inv))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IssuedAt.Equal(out[j].IssuedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].IssuedAt.Before(out[j].IssuedAt)
	})
	return out
}

func (t *tables) DeleteInvoice(_ context.Context, id ledger.InvoiceID) error {
	if _, ok := t.invoices[id]; !ok {
		return ledger.ErrInvoiceNotFound
	}
	delete(t.invoices, id)
	return nil
}

func (t *tables) GetPayment(_ context.Context, id ledger.PaymentID) (ledger.Payment, error) {
	p, ok := t.payments[id]
	if !ok {
		return ledger.Payment{}, ledger.ErrPaymentNotFound
	}
	return copyPayment(p), nil
}

func (t *tables) SavePayment(_ context.Context, p ledger.Payment) error {
	t.payments[p.ID] = copyPayment(p)
	return nil
}

func (t *tables) ListPaymentsByCustomer(_ context.Context, id ledger.CustomerID) ([]ledger.Payment, error) {
	return t.filterPayments(func(p ledger.Payment) bool { return p.CustomerID == id }), nil
}

func (t *tables) ListPaymentsInWindow(_ context.Context, window ledger.Period) ([]ledger.Payment, error) {
	return t.filterPayments(func(p ledger.Payment) bool { return window.Contains(p.PaymentDate) }), nil
}

func (t *tables) filterPayments(keep func(ledger.Payment) bool) []ledger.Payment {
	var out []ledger.Payment
	for _, p := range t.payments {
		if keep(p) {
			out = append(out, copyPayment(p))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (t *tables) DeletePayment(_ context.Context, id ledger.PaymentID) error {
	if _, ok := t.payments[id]; !ok {
		return ledger.ErrPaymentNotFound
	}
	delete(t.payments, id)
	return nil
}

func (t *tables) SaveExpense(_ context.Context, e ledger.Expense) error {
	t.expenses[e.ID] = e
	return nil
}

func (t *tables) ListExpenses(_ context.Context, scope ledger.ScopeFilter, window ledger.Period) ([]ledger.Expense, error) {
	var out []ledger.Expense
	for _, e := range t.expenses {
		if scope.Matches(e.BranchID, e.RouteID) && window.Contains(e.Date) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *tables) GetProduct(_ context.Context, id ledger.ProductID) (ledger.Product, error) {
	p, ok := t.products[id]
	if !ok {
		return ledger.Product{}, ledger.ErrProductNotFound
	}
	return p, nil
}

func (t *tables) SaveProduct(_ context.Context, p ledger.Product) error {
	t.products[p.ID] = p
	return nil
}

func (t *tables) AdjustStock(_ context.Context, id ledger.ProductID, delta decimal.Decimal) error {
	p, ok := t.products[id]
	if !ok {
		return ledger.ErrProductNotFound
	}
	p.Stock = p.Stock.Add(delta)
	t.products[id] = p
	return nil
}

func (t *tables) SaveReturn(_ context.Context, r ledger.SaleReturn) error {
	r.Lines = slices.Clone(r.Lines)
	t.returns[r.ID] = r
	return nil
}

func (t *tables) ListReturnsByInvoice(_ context.Context, id ledger.InvoiceID) ([]ledger.SaleReturn, error) {
	var out []ledger.SaleReturn
	for _, r := range t.returns {
		if r.InvoiceID == id {
			r.Lines = slices.Clone(r.Lines)
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *tables) DeleteReturn(_ context.Context, id ledger.ReturnID) error {
	delete(t.returns, id)
	return nil
}

func (t *tables) GetBranch(_ context.Context, id ledger.BranchID) (ledger.Branch, error) {
	b, ok := t.branches[id]
	if !ok {
		return ledger.Branch{}, ledger.ErrBranchNotFound
	}
	return b, nil
}

func (t *tables) SaveBranch(_ context.Context, b ledger.Branch) error {
	t.branches[b.ID] = b
	return nil
}

func (t *tables) GetRoute(_ context.Context, id ledger.RouteID) (ledger.Route, error) {
	r, ok := t.routes[id]
	if !ok {
		return ledger.Route{}, ledger.ErrRouteNotFound
	}
	return r, nil
}

func (t *tables) SaveRoute(_ context.Context, r ledger.Route) error {
	t.routes[r.ID] = r
	return nil
}

func (t *tables) ListRoutes(_ context.Context, id ledger.BranchID) ([]ledger.Route, error) {
	var out []ledger.Route
	for _, r := range t.routes {
		if r.BranchID == id {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func copyInvoice(inv ledger.Invoice) ledger.Invoice {
	inv.Lines = slices.Clone(inv.Lines)
	return inv
}

func copyPayment(p ledger.Payment) ledger.Payment {
	p.Allocations = slices.Clone(p.Allocations)
	return p
}
