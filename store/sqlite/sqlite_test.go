package sqlite_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/credit-ledger/ledger"
	"github.com/warp/credit-ledger/lock"
	"github.com/warp/credit-ledger/store/sqlite"
)

var now = time.Date(2025, time.March, 31, 12, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newEngine(s ledger.TxStore) *ledger.Engine {
	n := 0
	return ledger.NewEngine(s,
		ledger.WithClock(func() time.Time { return now }),
		ledger.WithIDGenerator(func() string {
			n++
			return fmt.Sprintf("id-%03d", n)
		}),
	)
}

func seed(t *testing.T, ctx context.Context, e *ledger.Engine) ledger.Invoice {
	t.Helper()
	_, err := e.CreateBranch(ctx, ledger.Branch{ID: "b1", Name: "North"})
	require.NoError(t, err)
	_, err = e.CreateRoute(ctx, ledger.Route{ID: "r1", BranchID: "b1", Name: "Route 1"})
	require.NoError(t, err)
	_, err = e.CreateCustomer(ctx, ledger.Customer{
		ID: "c1", Name: "Acme", Type: ledger.CustomerCredit, CreditLimit: d("5000"), RouteID: "r1",
	})
	require.NoError(t, err)
	_, err = e.CreateProduct(ctx, ledger.Product{ID: "p1", Name: "Flour", Stock: d("20")})
	require.NoError(t, err)

	due := now.AddDate(0, 0, -10)
	inv, err := e.RecordSale(ctx, ledger.SaleRequest{
		CustomerID: "c1",
		IssuedAt:   time.Date(2025, time.March, 1, 9, 30, 0, 0, time.UTC),
		DueAt:      &due,
		Lines: []ledger.SaleLine{{
			ProductID: "p1", Quantity: d("4"), UnitPrice: d("125.00"), UnitCost: d("80.10"),
		}},
	})
	require.NoError(t, err)
	return inv
}

func TestStore_PaymentLifecycleRoundTrip(t *testing.T) {
	// GIVEN: An invoice of 500.00 persisted in SQLite
	// WHEN: A cash payment and a cheque payment are recorded and the cheque clears
	// THEN: Projections, allocations and states survive the round trip
	ctx := context.Background()
	s := newStore(t)
	e := newEngine(s)
	inv := seed(t, ctx, e)

	cash, err := e.CreatePayment(ctx, ledger.PaymentRequest{InvoiceID: inv.ID, Amount: d("120.55"), Method: ledger.MethodCash})
	require.NoError(t, err)
	cheque, err := e.CreatePayment(ctx, ledger.PaymentRequest{CustomerID: "c1", Amount: d("79.45"), Method: ledger.MethodCheque, Reference: "CHQ-9"})
	require.NoError(t, err)
	assert.Equal(t, ledger.StatePending, cheque.State)

	_, err = e.TransitionPayment(ctx, cheque.ID, ledger.EventClear)
	require.NoError(t, err)

	stored, err := s.GetInvoice(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, "500.00", stored.GrandTotal.StringFixed(2))
	assert.Equal(t, "200.00", stored.PaidAmount.StringFixed(2))
	assert.Equal(t, "300.00", stored.BalanceAmount.StringFixed(2))
	require.Len(t, stored.Lines, 1)
	assert.True(t, stored.Lines[0].UnitCost.Equal(d("80.10")))
	require.NotNil(t, stored.DueAt)
	assert.Equal(t, 10, stored.DaysOverdue(now))
	assert.Equal(t, ledger.BranchID("b1"), stored.BranchID)

	p, err := s.GetPayment(ctx, cheque.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StateCleared, p.State)
	assert.Equal(t, "CHQ-9", p.Reference)
	require.Len(t, p.Allocations, 1)
	assert.Equal(t, inv.ID, p.Allocations[0].InvoiceID)
	assert.True(t, p.Allocations[0].Amount.Equal(d("79.45")))

	st, err := e.Statement(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "300.00", st.Outstanding.StringFixed(2))
	assert.Equal(t, "300.00", st.Customer.Balance.StringFixed(2))
	assert.Len(t, st.Payments, 2)
	assert.Equal(t, cash.ID, st.Payments[0].ID)
}

func TestStore_CeilingEnforced(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	e := newEngine(s)
	inv := seed(t, ctx, e)

	_, err := e.CreatePayment(ctx, ledger.PaymentRequest{InvoiceID: inv.ID, Amount: d("500.01"), Method: ledger.MethodCash})

	var ce *ledger.BalanceCeilingError
	require.ErrorAs(t, err, &ce)
	assert.ErrorIs(t, err, ledger.ErrExceedsInvoiceBalance)
	payments, err := s.ListPaymentsByCustomer(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, payments)
}

func TestStore_WithTxRollsBack(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(tx ledger.Store) error {
		require.NoError(t, tx.SaveProduct(ctx, ledger.Product{ID: "p1", Name: "Sugar", Stock: d("3")}))
		return boom
	})

	assert.ErrorIs(t, err, boom)
	_, err = s.GetProduct(ctx, "p1")
	assert.ErrorIs(t, err, ledger.ErrProductNotFound)
}

func TestStore_ScopeAndWindowQueries(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	day := func(m time.Month, dd int) time.Time { return time.Date(2025, m, dd, 23, 59, 0, 0, time.UTC) }

	for _, inv := range []ledger.Invoice{
		{ID: "i1", CustomerID: "c1", BranchID: "b1", RouteID: "r1", IssuedAt: day(time.March, 31), GrandTotal: d("10")},
		{ID: "i2", CustomerID: "c1", BranchID: "b1", IssuedAt: day(time.March, 1), GrandTotal: d("20")},
		{ID: "i3", CustomerID: "c1", BranchID: "b1", RouteID: "r1", IssuedAt: day(time.April, 1), GrandTotal: d("30")},
		{ID: "i4", CustomerID: "c2", BranchID: "b2", IssuedAt: day(time.March, 15), GrandTotal: d("40")},
	} {
		require.NoError(t, s.SaveInvoice(ctx, inv))
	}
	march := ledger.MustPeriod(day(time.March, 1), day(time.March, 31))

	ids := func(invoices []ledger.Invoice) []ledger.InvoiceID {
		var out []ledger.InvoiceID
		for _, inv := range invoices {
			out = append(out, inv.ID)
		}
		return out
	}

	got, err := s.ListInvoices(ctx, ledger.ScopeFilter{BranchID: "b1"}, march)
	require.NoError(t, err)
	assert.Equal(t, []ledger.InvoiceID{"i2", "i1"}, ids(got))

	got, err = s.ListInvoices(ctx, ledger.ScopeFilter{RouteID: "r1"}, march)
	require.NoError(t, err)
	assert.Equal(t, []ledger.InvoiceID{"i1"}, ids(got))

	got, err = s.ListInvoices(ctx, ledger.ScopeFilter{BranchID: "b1", DirectOnly: true}, march)
	require.NoError(t, err)
	assert.Equal(t, []ledger.InvoiceID{"i2"}, ids(got))

	require.NoError(t, s.SaveExpense(ctx, ledger.Expense{ID: "e1", BranchID: "b1", Amount: d("12.34"), Date: day(time.March, 2), Status: ledger.ExpenseApproved}))
	require.NoError(t, s.SaveExpense(ctx, ledger.Expense{ID: "e2", RouteID: "r1", BranchID: "b1", Amount: d("1"), Date: day(time.February, 2), Status: ledger.ExpensePending}))
	expenses, err := s.ListExpenses(ctx, ledger.ScopeFilter{BranchID: "b1"}, march)
	require.NoError(t, err)
	require.Len(t, expenses, 1)
	assert.True(t, expenses[0].Amount.Equal(d("12.34")))
}

func TestStore_ForceDeleteCascade(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	e := newEngine(s)
	inv := seed(t, ctx, e)
	_, err := e.CreatePayment(ctx, ledger.PaymentRequest{InvoiceID: inv.ID, Amount: d("100"), Method: ledger.MethodOnline})
	require.NoError(t, err)
	_, err = e.RecordReturn(ctx, ledger.ReturnRequest{
		InvoiceID: inv.ID,
		Lines:     []ledger.ReturnLine{{ProductID: "p1", Quantity: d("1")}},
	})
	require.NoError(t, err)

	summary, err := e.DeleteCustomer(ctx, "c1", true)

	require.NoError(t, err)
	assert.Equal(t, 1, summary.PaymentsDeleted)
	assert.Equal(t, 1, summary.ReturnsDeleted)
	p, err := s.GetProduct(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, p.Stock.Equal(d("20")), "stock %s", p.Stock)
	_, err = s.GetInvoice(ctx, inv.ID)
	assert.ErrorIs(t, err, ledger.ErrInvoiceNotFound)
	_, err = s.GetCustomer(ctx, "c1")
	assert.ErrorIs(t, err, ledger.ErrCustomerNotFound)
}

func TestStore_NotFound(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	_, err := s.GetPayment(ctx, "nope")
	assert.ErrorIs(t, err, ledger.ErrPaymentNotFound)
	assert.ErrorIs(t, s.UpdateCustomerBalance(ctx, "nope", d("1")), ledger.ErrCustomerNotFound)
	assert.ErrorIs(t, s.AdjustStock(ctx, "nope", d("1")), ledger.ErrProductNotFound)
	_, err = s.GetRoute(ctx, "nope")
	assert.ErrorIs(t, err, ledger.ErrRouteNotFound)
}

func TestStore_ConcurrentPaymentsOnOneInvoice(t *testing.T) {
	// GIVEN: An invoice of 500.00 in a file-backed database
	// WHEN: 10 goroutines each post 500.00 against it at once
	// THEN: Exactly one is stored and the invoice balance is 0.00
	ctx := context.Background()
	s, err := sqlite.New(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	inv := seed(t, ctx, newEngine(s))

	e := ledger.NewEngine(s,
		ledger.WithClock(func() time.Time { return now }),
		ledger.WithLocker(lock.NewLocal()),
	)

	const workers = 10
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = e.CreatePayment(ctx, ledger.PaymentRequest{
				InvoiceID: inv.ID, Amount: d("500.00"), Method: ledger.MethodCash,
			})
		}(i)
	}
	wg.Wait()

	successes := 0
	for _, err := range errs {
		if err == nil {
			successes++
			continue
		}
		assert.True(t, errors.Is(err, ledger.ErrExceedsInvoiceBalance) || errors.Is(err, ledger.ErrConcurrencyConflict), "unexpected error: %v", err)
	}
	assert.Equal(t, 1, successes)

	stored, err := s.GetInvoice(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, "0.00", stored.BalanceAmount.StringFixed(2))
	payments, err := s.ListPaymentsByCustomer(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, payments, 1)
}
