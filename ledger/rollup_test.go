package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/credit-ledger/ledger"
	"github.com/warp/credit-ledger/ledger/store"
)

func march(day int) time.Time { return time.Date(2025, time.March, day, 9, 0, 0, 0, time.UTC) }

// branchFixture builds branch "b1" with routes "rA" and "rB":
//
//	rA: sale 1000 (cost 600) in March, sale 500 in February, expense 100, payment 400
//	rB: sale 2000 (cost 1500) in March, expense 50, rejected expense 999
//	b1 direct: expense 30
type branchFixture struct {
	*fixture
	march ledger.Period
}

func newBranchFixture(t *testing.T) *branchFixture {
	f := newFixture(t)
	ctx := f.ctx

	_, err := f.engine.CreateBranch(ctx, ledger.Branch{ID: "b1", Name: "North"})
	require.NoError(t, err)
	_, err = f.engine.CreateRoute(ctx, ledger.Route{ID: "rA", BranchID: "b1", Name: "Route A"})
	require.NoError(t, err)
	_, err = f.engine.CreateRoute(ctx, ledger.Route{ID: "rB", BranchID: "b1", Name: "Route B"})
	require.NoError(t, err)

	for _, c := range []struct{ id, route string }{{"cA", "rA"}, {"cB", "rB"}} {
		_, err := f.engine.CreateCustomer(ctx, ledger.Customer{
			ID: ledger.CustomerID(c.id), Name: c.id, Type: ledger.CustomerCredit,
			CreditLimit: d("100000"), RouteID: ledger.RouteID(c.route),
		})
		require.NoError(t, err)
	}
	f.product("p1", "1000")

	sell := func(customer string, total, cost string, at time.Time) ledger.Invoice {
		inv, err := f.engine.RecordSale(ctx, ledger.SaleRequest{
			CustomerID: ledger.CustomerID(customer),
			IssuedAt:   at,
			Lines: []ledger.SaleLine{{
				ProductID: "p1", Quantity: d("1"), UnitPrice: d(total), UnitCost: d(cost),
			}},
		})
		require.NoError(t, err)
		return inv
	}
	invA := sell("cA", "1000.00", "600.00", march(10))
	sell("cA", "500.00", "0", time.Date(2025, time.February, 15, 0, 0, 0, 0, time.UTC))
	sell("cB", "2000.00", "1500.00", march(12))

	expense := func(branch, route, amount string, status ledger.ExpenseStatus) {
		_, err := f.engine.RecordExpense(ctx, ledger.Expense{
			BranchID: ledger.BranchID(branch), RouteID: ledger.RouteID(route),
			Amount: d(amount), Date: march(5), Status: status,
		})
		require.NoError(t, err)
	}
	expense("", "rA", "100.00", ledger.ExpenseApproved)
	expense("", "rB", "50.00", ledger.ExpensePending)
	expense("", "rB", "999.00", ledger.ExpenseRejected)
	expense("b1", "", "30.00", ledger.ExpenseApproved)

	f.pay(ledger.PaymentRequest{InvoiceID: invA.ID, Amount: d("400.00"), Method: ledger.MethodCash, PaymentDate: march(20)})

	return &branchFixture{
		fixture: f,
		march:   ledger.MustPeriod(march(1), march(31)),
	}
}

func TestComputeRollup_Route(t *testing.T) {
	f := newBranchFixture(t)

	r, err := f.engine.ComputeRollup(f.ctx, ledger.RouteScope("rA"), f.march)

	require.NoError(t, err)
	assert.Equal(t, "Route A", r.Name)
	assertAmount(t, "1000.00", r.TotalSales)
	assertAmount(t, "600.00", r.CostOfGoodsSold)
	assertAmount(t, "100.00", r.TotalExpenses)
	assertAmount(t, "300.00", r.Profit)
	assertAmount(t, "400.00", r.TotalPayments)
	assert.Equal(t, 1, r.InvoiceCount)
	require.NotNil(t, r.CollectionsRatio)
	assertAmount(t, "40.00", *r.CollectionsRatio)
	require.NotNil(t, r.AverageInvoiceSize)
	assertAmount(t, "1000.00", *r.AverageInvoiceSize)
	require.NotNil(t, r.GrowthPercent)
	assertAmount(t, "100.00", *r.GrowthPercent, "1000 vs 500 in February")
}

func TestComputeRollup_RejectedExpensesExcluded(t *testing.T) {
	f := newBranchFixture(t)

	r, err := f.engine.ComputeRollup(f.ctx, ledger.RouteScope("rB"), f.march)

	require.NoError(t, err)
	assertAmount(t, "50.00", r.TotalExpenses)
	assert.Nil(t, r.GrowthPercent, "no sales in the previous period")
	require.NotNil(t, r.CollectionsRatio)
	assertAmount(t, "0.00", *r.CollectionsRatio)
}

func TestComputeRollup_BranchIncludesDirectRows(t *testing.T) {
	// GIVEN: Route A sales 1000 / expenses 100, Route B sales 2000 / expenses 50,
	//        and a branch-level expense of 30
	// WHEN: The branch rollup is computed
	// THEN: totalExpenses = 180 and totalSales = 3000

	f := newBranchFixture(t)

	r, err := f.engine.ComputeRollup(f.ctx, ledger.BranchScope("b1"), f.march)

	require.NoError(t, err)
	assertAmount(t, "3000.00", r.TotalSales)
	assertAmount(t, "180.00", r.TotalExpenses)
	assertAmount(t, "2100.00", r.CostOfGoodsSold)
	assertAmount(t, "720.00", r.Profit)
	assert.Equal(t, 2, r.InvoiceCount)
	require.NotNil(t, r.CollectionsRatio)
	assertAmount(t, "13.33", *r.CollectionsRatio)
	require.NotNil(t, r.AverageInvoiceSize)
	assertAmount(t, "1500.00", *r.AverageInvoiceSize)
	require.NotNil(t, r.GrowthPercent)
	assertAmount(t, "500.00", *r.GrowthPercent)

	require.NotNil(t, r.Direct)
	assertAmount(t, "30.00", r.Direct.TotalExpenses)
	assert.Len(t, r.Routes, 2)
}

func TestComputeRollup_BranchEqualsSumOfLeaves(t *testing.T) {
	f := newBranchFixture(t)

	branch, err := f.engine.ComputeRollup(f.ctx, ledger.BranchScope("b1"), f.march)
	require.NoError(t, err)

	leaves := []ledger.Rollup{*branch.Direct}
	for _, id := range []ledger.RouteID{"rA", "rB"} {
		r, err := f.engine.ComputeRollup(f.ctx, ledger.RouteScope(id), f.march)
		require.NoError(t, err)
		leaves = append(leaves, r)
	}

	sales, cogs, expenses, profit := d("0"), d("0"), d("0"), d("0")
	for _, r := range leaves {
		sales = sales.Add(r.TotalSales)
		cogs = cogs.Add(r.CostOfGoodsSold)
		expenses = expenses.Add(r.TotalExpenses)
		profit = profit.Add(r.Profit)
	}
	assert.True(t, branch.TotalSales.Equal(sales))
	assert.True(t, branch.CostOfGoodsSold.Equal(cogs))
	assert.True(t, branch.TotalExpenses.Equal(expenses))
	assert.True(t, branch.Profit.Equal(profit))
}

type readCounts struct {
	windows        int
	invoiceLookups int
}

// countingStore counts the payment and invoice reads made inside WithTx.
type countingStore struct {
	*store.Memory
	counts *readCounts
}

func (c countingStore) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	return c.Memory.WithTx(ctx, func(s ledger.Store) error {
		return fn(countingTx{Store: s, counts: c.counts})
	})
}

type countingTx struct {
	ledger.Store
	counts *readCounts
}

func (c countingTx) ListPaymentsInWindow(ctx context.Context, window ledger.Period) ([]ledger.Payment, error) {
	c.counts.windows++
	return c.Store.ListPaymentsInWindow(ctx, window)
}

func (c countingTx) GetInvoice(ctx context.Context, id ledger.InvoiceID) (ledger.Invoice, error) {
	c.counts.invoiceLookups++
	return c.Store.GetInvoice(ctx, id)
}

func TestComputeRollup_BranchReadsPaymentsOnce(t *testing.T) {
	// GIVEN: Payments against invoices on both routes
	// WHEN: The branch rollup is computed over three leaves
	// THEN: The payment window is read once, each paid invoice is looked up
	//       once, and every leaf gets its own share

	f := newBranchFixture(t)
	f.pay(ledger.PaymentRequest{CustomerID: "cB", Amount: d("250.00"), Method: ledger.MethodCash, PaymentDate: march(25)})

	counts := &readCounts{}
	engine := ledger.NewEngine(countingStore{Memory: f.store, counts: counts})

	r, err := engine.ComputeRollup(f.ctx, ledger.BranchScope("b1"), f.march)

	require.NoError(t, err)
	assert.Equal(t, 1, counts.windows)
	assert.Equal(t, 2, counts.invoiceLookups)
	assertAmount(t, "650.00", r.TotalPayments)
	require.Len(t, r.Routes, 2)
	byRoute := map[string]string{}
	for _, leaf := range r.Routes {
		byRoute[leaf.Scope.ID] = leaf.TotalPayments.StringFixed(2)
	}
	assert.Equal(t, map[string]string{"rA": "400.00", "rB": "250.00"}, byRoute)
	assertAmount(t, "0.00", r.Direct.TotalPayments)
}

func TestComputeRollup_UndefinedRatios(t *testing.T) {
	f := newBranchFixture(t)
	_, err := f.engine.CreateRoute(f.ctx, ledger.Route{ID: "rC", BranchID: "b1", Name: "Route C"})
	require.NoError(t, err)

	r, err := f.engine.ComputeRollup(f.ctx, ledger.RouteScope("rC"), f.march)

	require.NoError(t, err)
	assert.True(t, r.TotalSales.IsZero())
	assert.Nil(t, r.CollectionsRatio)
	assert.Nil(t, r.AverageInvoiceSize)
	assert.Nil(t, r.GrowthPercent)
}

func TestComputeRollup_UnknownScope(t *testing.T) {
	f := newFixture(t)
	period := ledger.MustPeriod(march(1), march(31))

	_, err := f.engine.ComputeRollup(f.ctx, ledger.BranchScope("nope"), period)
	assert.ErrorIs(t, err, ledger.ErrBranchNotFound)

	_, err = f.engine.ComputeRollup(f.ctx, ledger.RouteScope("nope"), period)
	assert.ErrorIs(t, err, ledger.ErrRouteNotFound)

	_, err = f.engine.ComputeRollup(f.ctx, ledger.Scope{Kind: "region", ID: "x"}, period)
	assert.ErrorIs(t, err, ledger.ErrValidation)
}
