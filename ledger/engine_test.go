package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/credit-ledger/ledger"
	"github.com/warp/credit-ledger/ledger/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var testNow = time.Date(2025, time.March, 31, 12, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func assertAmount(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...any) {
	t.Helper()
	assert.Equal(t, d(want).StringFixed(2), got.StringFixed(2), msgAndArgs...)
}

func sequentialIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("id-%03d", n)
	}
}

type fixture struct {
	t      *testing.T
	ctx    context.Context
	store  *store.Memory
	engine *ledger.Engine
}

func newFixture(t *testing.T, opts ...ledger.Option) *fixture {
	mem := store.NewMemory()
	return newFixtureWithStore(t, mem, mem, opts...)
}

// newFixtureWithStore lets a test hand the engine a wrapped store while
// still seeding and inspecting the underlying memory store.
func newFixtureWithStore(t *testing.T, mem *store.Memory, tx ledger.TxStore, opts ...ledger.Option) *fixture {
	base := []ledger.Option{
		ledger.WithClock(func() time.Time { return testNow }),
		ledger.WithIDGenerator(sequentialIDs()),
	}
	return &fixture{
		t:      t,
		ctx:    context.Background(),
		store:  mem,
		engine: ledger.NewEngine(tx, append(base, opts...)...),
	}
}

func (f *fixture) customer(id string) ledger.Customer {
	f.t.Helper()
	c, err := f.engine.CreateCustomer(f.ctx, ledger.Customer{
		ID:          ledger.CustomerID(id),
		Name:        "Customer " + id,
		Type:        ledger.CustomerCredit,
		CreditLimit: d("10000.00"),
	})
	require.NoError(f.t, err)
	return c
}

func (f *fixture) product(id string, stock string) ledger.Product {
	f.t.Helper()
	p, err := f.engine.CreateProduct(f.ctx, ledger.Product{ID: ledger.ProductID(id), Name: "Product " + id, Stock: d(stock)})
	require.NoError(f.t, err)
	return p
}

// sale records an invoice of qty × price on a fresh product line.
func (f *fixture) sale(customer, product string, qty, price string, issued time.Time) ledger.Invoice {
	f.t.Helper()
	inv, err := f.engine.RecordSale(f.ctx, ledger.SaleRequest{
		CustomerID: ledger.CustomerID(customer),
		IssuedAt:   issued,
		Lines: []ledger.SaleLine{{
			ProductID: ledger.ProductID(product),
			Quantity:  d(qty),
			UnitPrice: d(price),
			UnitCost:  d("0"),
		}},
	})
	require.NoError(f.t, err)
	return inv
}

func (f *fixture) pay(req ledger.PaymentRequest) ledger.Payment {
	f.t.Helper()
	p, err := f.engine.CreatePayment(f.ctx, req)
	require.NoError(f.t, err)
	return p
}

func (f *fixture) balances(customer string) (ledger.Customer, []ledger.Invoice) {
	f.t.Helper()
	c, err := f.store.GetCustomer(f.ctx, ledger.CustomerID(customer))
	require.NoError(f.t, err)
	invoices, err := f.store.ListInvoicesByCustomer(f.ctx, ledger.CustomerID(customer))
	require.NoError(f.t, err)
	return c, invoices
}

// assertConsistent checks the two ledger invariants against the store:
// invoice balance = grand total − counting allocations (never below −0.01),
// and the stored customer balance equals the recomputed one.
func (f *fixture) assertConsistent(customer string) {
	f.t.Helper()
	c, invoices := f.balances(customer)
	payments, err := f.store.ListPaymentsByCustomer(f.ctx, c.ID)
	require.NoError(f.t, err)

	view := ledger.ComputeLedger(invoices, payments, testNow)
	require.NoError(f.t, ledger.VerifyProjections(c, invoices, view))
	for _, inv := range invoices {
		assert.True(f.t, inv.BalanceAmount.GreaterThanOrEqual(d("-0.01")), "invoice %s balance %s", inv.ID, inv.BalanceAmount)
	}
}

// =============================================================================
// CREATE PAYMENT
// =============================================================================

func TestCreatePayment_ExactBalanceSettlesInvoice(t *testing.T) {
	// GIVEN: Customer balance 500.00 from one invoice of 500.00
	// WHEN: 500.01 is paid against the invoice, then exactly 500.00
	// THEN: The first fails with ceiling 500.00, the second settles everything

	f := newFixture(t)
	f.customer("c1")
	f.product("p1", "100")
	inv := f.sale("c1", "p1", "1", "500.00", testNow.AddDate(0, 0, -10))

	_, err := f.engine.CreatePayment(f.ctx, ledger.PaymentRequest{
		InvoiceID: inv.ID, Amount: d("500.01"), Method: ledger.MethodCash,
	})
	var ce *ledger.BalanceCeilingError
	require.ErrorAs(t, err, &ce)
	assert.ErrorIs(t, err, ledger.ErrExceedsInvoiceBalance)
	assertAmount(t, "500.00", ce.Ceiling)

	p := f.pay(ledger.PaymentRequest{InvoiceID: inv.ID, Amount: d("500.00"), Method: ledger.MethodCash})

	assert.Equal(t, ledger.StateCompleted, p.State)
	assert.Equal(t, ledger.CustomerID("c1"), p.CustomerID, "customer resolved from invoice")
	c, invoices := f.balances("c1")
	assertAmount(t, "0.00", invoices[0].BalanceAmount)
	assertAmount(t, "500.00", invoices[0].PaidAmount)
	assertAmount(t, "0.00", c.Balance)
	f.assertConsistent("c1")
}

func TestCreatePayment_RejectedRequestWritesNothing(t *testing.T) {
	f := newFixture(t)
	f.customer("c1")
	f.product("p1", "100")
	inv := f.sale("c1", "p1", "1", "100.00", testNow)

	_, err := f.engine.CreatePayment(f.ctx, ledger.PaymentRequest{InvoiceID: inv.ID, Amount: d("150.00"), Method: ledger.MethodCash})
	require.Error(t, err)

	payments, err := f.store.ListPaymentsByCustomer(f.ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, payments)
	f.assertConsistent("c1")
}

func TestCreatePayment_MissingTarget(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.CreatePayment(f.ctx, ledger.PaymentRequest{Amount: d("10"), Method: ledger.MethodCash})

	assert.ErrorIs(t, err, ledger.ErrMissingTarget)
}

func TestCreatePayment_InvoiceOfAnotherCustomer(t *testing.T) {
	f := newFixture(t)
	f.customer("c1")
	f.customer("c2")
	f.product("p1", "100")
	inv := f.sale("c1", "p1", "1", "100.00", testNow)

	_, err := f.engine.CreatePayment(f.ctx, ledger.PaymentRequest{
		CustomerID: "c2", InvoiceID: inv.ID, Amount: d("10"), Method: ledger.MethodCash,
	})

	assert.ErrorIs(t, err, ledger.ErrValidation)
}

func TestCreatePayment_UnknownInvoice(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.CreatePayment(f.ctx, ledger.PaymentRequest{InvoiceID: "nope", Amount: d("10"), Method: ledger.MethodCash})

	assert.ErrorIs(t, err, ledger.ErrInvoiceNotFound)
}

func TestCreatePayment_UndirectedIsAllocatedOldestFirst(t *testing.T) {
	// GIVEN: Two invoices of 100 and 200
	// WHEN: An undirected cash payment of 150 arrives
	// THEN: The older invoice is settled and 50 goes to the newer one

	f := newFixture(t)
	f.customer("c1")
	f.product("p1", "100")
	older := f.sale("c1", "p1", "1", "100.00", testNow.AddDate(0, 0, -20))
	newer := f.sale("c1", "p1", "1", "200.00", testNow.AddDate(0, 0, -5))

	p := f.pay(ledger.PaymentRequest{CustomerID: "c1", Amount: d("150.00"), Method: ledger.MethodOnline})

	require.Len(t, p.Allocations, 2)
	assert.Equal(t, older.ID, p.Allocations[0].InvoiceID)
	assertAmount(t, "100.00", p.Allocations[0].Amount)
	assert.Equal(t, newer.ID, p.Allocations[1].InvoiceID)
	assertAmount(t, "50.00", p.Allocations[1].Amount)

	c, _ := f.balances("c1")
	assertAmount(t, "150.00", c.Balance)
	f.assertConsistent("c1")
}

func TestCreatePayment_CustomerCeiling(t *testing.T) {
	f := newFixture(t)
	f.customer("c1")
	f.product("p1", "100")
	f.sale("c1", "p1", "1", "300.00", testNow)

	_, err := f.engine.CreatePayment(f.ctx, ledger.PaymentRequest{CustomerID: "c1", Amount: d("300.01"), Method: ledger.MethodCash})

	var ce *ledger.BalanceCeilingError
	require.ErrorAs(t, err, &ce)
	assert.ErrorIs(t, err, ledger.ErrExceedsCustomerBalance)
	assertAmount(t, "300.00", ce.Ceiling)
}

func TestCreatePayment_TopUpWhenNothingOwed(t *testing.T) {
	// GIVEN: A customer with no invoices
	// WHEN: An undirected payment arrives
	// THEN: It is accepted as credit and the balance goes negative

	f := newFixture(t)
	f.customer("c1")

	f.pay(ledger.PaymentRequest{CustomerID: "c1", Amount: d("250.00"), Method: ledger.MethodCash})

	c, _ := f.balances("c1")
	assertAmount(t, "-250.00", c.Balance)
	f.assertConsistent("c1")

	st, err := f.engine.Statement(f.ctx, "c1")
	require.NoError(t, err)
	assertAmount(t, "250.00", st.Ledger.UnallocatedCredit)
	assertAmount(t, "10000.00", st.AvailableCredit)
}

func TestRecordSale_ConsumesExistingCredit(t *testing.T) {
	// GIVEN: A customer holding 150.00 of credit from a top-up
	// WHEN: Two sales of 100.00 follow
	// THEN: The first is settled from credit, the second is left at 50.00

	f := newFixture(t)
	f.customer("c1")
	f.product("p1", "100")
	top := f.pay(ledger.PaymentRequest{CustomerID: "c1", Amount: d("150.00"), Method: ledger.MethodCash})

	first := f.sale("c1", "p1", "1", "100.00", testNow.AddDate(0, 0, -2))
	assertAmount(t, "0.00", first.BalanceAmount)
	second := f.sale("c1", "p1", "1", "100.00", testNow.AddDate(0, 0, -1))
	assertAmount(t, "50.00", second.BalanceAmount)

	c, invoices := f.balances("c1")
	assertAmount(t, "50.00", c.Balance)
	outstanding := decimal.Zero
	for _, inv := range invoices {
		outstanding = outstanding.Add(inv.BalanceAmount)
	}
	assertAmount(t, "50.00", outstanding, "customer balance equals the sum of invoice balances")

	stored, err := f.store.GetPayment(f.ctx, top.ID)
	require.NoError(t, err)
	require.Len(t, stored.Allocations, 2)
	assertAmount(t, "150.00", stored.Allocated())
	f.assertConsistent("c1")
}

func TestCreatePayment_ChequeHasNoEffectUntilCleared(t *testing.T) {
	f := newFixture(t)
	f.customer("c1")
	f.product("p1", "100")
	inv := f.sale("c1", "p1", "1", "400.00", testNow)

	p := f.pay(ledger.PaymentRequest{InvoiceID: inv.ID, Amount: d("400.00"), Method: ledger.MethodCheque, Reference: "CHQ-1"})

	assert.Equal(t, ledger.StatePending, p.State)
	assert.Empty(t, p.Allocations)
	c, invoices := f.balances("c1")
	assertAmount(t, "400.00", c.Balance)
	assertAmount(t, "400.00", invoices[0].BalanceAmount)
}

func TestCreatePayment_IntegrityErrorHaltsAndIsNotCorrected(t *testing.T) {
	// GIVEN: A customer whose stored balance was tampered with
	// WHEN: A payment is attempted
	// THEN: A DataIntegrityError is returned and the stored value stays wrong

	f := newFixture(t)
	f.customer("c1")
	f.product("p1", "100")
	inv := f.sale("c1", "p1", "1", "100.00", testNow)
	require.NoError(t, f.store.UpdateCustomerBalance(f.ctx, "c1", d("75.00")))

	_, err := f.engine.CreatePayment(f.ctx, ledger.PaymentRequest{InvoiceID: inv.ID, Amount: d("10"), Method: ledger.MethodCash})

	var die *ledger.DataIntegrityError
	require.ErrorAs(t, err, &die)
	assert.False(t, ledger.IsClientError(err))
	c, _ := f.balances("c1")
	assertAmount(t, "75.00", c.Balance)

	_, err = f.engine.Statement(f.ctx, "c1")
	assert.ErrorIs(t, err, ledger.ErrDataIntegrity)
}

func TestCreatePayment_ConcurrentPaymentsOnOneInvoice(t *testing.T) {
	// GIVEN: An invoice of 500.00
	// WHEN: 20 goroutines each post 500.00 against it at once
	// THEN: Exactly one succeeds, the rest hit the ceiling, balance is 0.00

	f := newFixture(t)
	f.customer("c1")
	f.product("p1", "100")
	inv := f.sale("c1", "p1", "1", "500.00", testNow)

	engine := ledger.NewEngine(f.store, ledger.WithClock(func() time.Time { return testNow }))

	const workers = 20
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = engine.CreatePayment(f.ctx, ledger.PaymentRequest{
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

	c, invoices := f.balances("c1")
	require.Len(t, invoices, 1)
	assertAmount(t, "0.00", invoices[0].BalanceAmount)
	assertAmount(t, "0.00", c.Balance)
	f.assertConsistent("c1")
}

func TestRecalculate_RewritesDriftedProjections(t *testing.T) {
	f := newFixture(t)
	f.customer("c1")
	f.product("p1", "100")
	inv := f.sale("c1", "p1", "1", "100.00", testNow)
	f.pay(ledger.PaymentRequest{InvoiceID: inv.ID, Amount: d("40.00"), Method: ledger.MethodCash})
	require.NoError(t, f.store.UpdateCustomerBalance(f.ctx, "c1", d("999.00")))
	require.NoError(t, f.store.UpdateInvoiceProjection(f.ctx, inv.ID, d("0"), d("100.00")))

	st, err := f.engine.Recalculate(f.ctx, "c1")

	require.NoError(t, err)
	assertAmount(t, "60.00", st.Customer.Balance)
	f.assertConsistent("c1")
}

// =============================================================================
// TRANSITIONS
// =============================================================================

func TestTransition_ChequeLifecycle(t *testing.T) {
	// GIVEN: A pending cheque of 300 against an invoice of 500
	// WHEN: It is cleared, reverted and cleared again
	// THEN: Balances follow each step atomically

	f := newFixture(t)
	f.customer("c1")
	f.product("p1", "100")
	inv := f.sale("c1", "p1", "1", "500.00", testNow)
	chq := f.pay(ledger.PaymentRequest{InvoiceID: inv.ID, Amount: d("300.00"), Method: ledger.MethodCheque})

	cleared, err := f.engine.TransitionPayment(f.ctx, chq.ID, ledger.EventClear)
	require.NoError(t, err)
	assert.Equal(t, ledger.StateCleared, cleared.State)
	c, invoices := f.balances("c1")
	assertAmount(t, "200.00", c.Balance)
	assertAmount(t, "200.00", invoices[0].BalanceAmount)
	f.assertConsistent("c1")

	reverted, err := f.engine.TransitionPayment(f.ctx, chq.ID, ledger.EventRevert)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatePending, reverted.State)
	assert.Empty(t, reverted.Allocations)
	c, invoices = f.balances("c1")
	assertAmount(t, "500.00", c.Balance)
	assertAmount(t, "500.00", invoices[0].BalanceAmount)
	f.assertConsistent("c1")

	_, err = f.engine.TransitionPayment(f.ctx, chq.ID, ledger.EventClear)
	require.NoError(t, err)
	c, _ = f.balances("c1")
	assertAmount(t, "200.00", c.Balance)
}

func TestTransition_ReturnedChequeIsTerminal(t *testing.T) {
	f := newFixture(t)
	f.customer("c1")
	f.product("p1", "100")
	inv := f.sale("c1", "p1", "1", "500.00", testNow)
	chq := f.pay(ledger.PaymentRequest{InvoiceID: inv.ID, Amount: d("300.00"), Method: ledger.MethodCheque})

	returned, err := f.engine.TransitionPayment(f.ctx, chq.ID, ledger.EventReturn)
	require.NoError(t, err)
	assert.Equal(t, ledger.StateReturned, returned.State)

	for _, ev := range []ledger.PaymentEvent{ledger.EventClear, ledger.EventRevert, ledger.EventReturn, ledger.EventVoid} {
		_, err := f.engine.TransitionPayment(f.ctx, chq.ID, ev)
		assert.ErrorIs(t, err, ledger.ErrInvalidTransition, "event %s", ev)
	}
	stored, err := f.engine.GetPayment(f.ctx, chq.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StateReturned, stored.State)
	c, _ := f.balances("c1")
	assertAmount(t, "500.00", c.Balance)
}

func TestTransition_CashPaymentHasNoTransitions(t *testing.T) {
	f := newFixture(t)
	f.customer("c1")
	f.product("p1", "100")
	inv := f.sale("c1", "p1", "1", "500.00", testNow)
	p := f.pay(ledger.PaymentRequest{InvoiceID: inv.ID, Amount: d("100.00"), Method: ledger.MethodCash})

	_, err := f.engine.TransitionPayment(f.ctx, p.ID, ledger.EventRevert)

	var ite *ledger.InvalidTransitionError
	require.ErrorAs(t, err, &ite)
	assert.Equal(t, ledger.StateCompleted, ite.From)
	c, _ := f.balances("c1")
	assertAmount(t, "400.00", c.Balance)
}

func TestTransition_PendingIOUCanOnlyBeVoided(t *testing.T) {
	f := newFixture(t)
	f.customer("c1")
	f.product("p1", "100")
	inv := f.sale("c1", "p1", "1", "500.00", testNow)
	iou := f.pay(ledger.PaymentRequest{InvoiceID: inv.ID, Amount: d("100.00"), Method: ledger.MethodPending})

	_, err := f.engine.TransitionPayment(f.ctx, iou.ID, ledger.EventClear)
	assert.ErrorIs(t, err, ledger.ErrInvalidTransition)

	voided, err := f.engine.TransitionPayment(f.ctx, iou.ID, ledger.EventVoid)
	require.NoError(t, err)
	assert.Equal(t, ledger.StateVoid, voided.State)
}

func TestTransition_ClearRechecksCeiling(t *testing.T) {
	// GIVEN: Two pending cheques of 300 each against an invoice of 500
	// WHEN: Both are cleared
	// THEN: The second clear fails because only 200 is left

	f := newFixture(t)
	f.customer("c1")
	f.product("p1", "100")
	inv := f.sale("c1", "p1", "1", "500.00", testNow)
	a := f.pay(ledger.PaymentRequest{InvoiceID: inv.ID, Amount: d("300.00"), Method: ledger.MethodCheque})
	b := f.pay(ledger.PaymentRequest{InvoiceID: inv.ID, Amount: d("300.00"), Method: ledger.MethodCheque})

	_, err := f.engine.TransitionPayment(f.ctx, a.ID, ledger.EventClear)
	require.NoError(t, err)
	_, err = f.engine.TransitionPayment(f.ctx, b.ID, ledger.EventClear)

	var ce *ledger.BalanceCeilingError
	require.ErrorAs(t, err, &ce)
	assertAmount(t, "200.00", ce.Ceiling)
	stored, err := f.engine.GetPayment(f.ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatePending, stored.State)
	f.assertConsistent("c1")
}

func TestTransition_UnknownEventAndPayment(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.TransitionPayment(f.ctx, "p-1", "bounce")
	assert.ErrorIs(t, err, ledger.ErrValidation)

	_, err = f.engine.TransitionPayment(f.ctx, "p-1", ledger.EventClear)
	assert.ErrorIs(t, err, ledger.ErrPaymentNotFound)
}

// =============================================================================
// SALES AND RETURNS
// =============================================================================

func TestRecordSale_DeductsStockAndAppliesTax(t *testing.T) {
	f := newFixture(t)
	f.customer("c1")
	f.product("p1", "20")

	inv, err := f.engine.RecordSale(f.ctx, ledger.SaleRequest{
		CustomerID: "c1",
		TaxPercent: d("10"),
		Lines: []ledger.SaleLine{
			{ProductID: "p1", Quantity: d("4"), UnitPrice: d("25.00"), UnitCost: d("15.00")},
		},
	})

	require.NoError(t, err)
	assertAmount(t, "110.00", inv.GrandTotal)
	assertAmount(t, "60.00", inv.CostOfGoods())
	p, err := f.engine.GetProduct(f.ctx, "p1")
	require.NoError(t, err)
	assertAmount(t, "16", p.Stock)
	c, _ := f.balances("c1")
	assertAmount(t, "110.00", c.Balance)
}

func TestRecordSale_InsufficientStockRollsBack(t *testing.T) {
	f := newFixture(t)
	f.customer("c1")
	f.product("p1", "10")
	f.product("p2", "1")

	_, err := f.engine.RecordSale(f.ctx, ledger.SaleRequest{
		CustomerID: "c1",
		Lines: []ledger.SaleLine{
			{ProductID: "p1", Quantity: d("5"), UnitPrice: d("1")},
			{ProductID: "p2", Quantity: d("2"), UnitPrice: d("1")},
		},
	})

	assert.ErrorIs(t, err, ledger.ErrValidation)
	p1, err := f.engine.GetProduct(f.ctx, "p1")
	require.NoError(t, err)
	assertAmount(t, "10", p1.Stock, "first line deduction rolled back")
	_, invoices := f.balances("c1")
	assert.Empty(t, invoices)
}

func TestRecordReturn_BoundedBySoldQuantity(t *testing.T) {
	f := newFixture(t)
	f.customer("c1")
	f.product("p1", "10")
	inv := f.sale("c1", "p1", "5", "10.00", testNow)

	_, err := f.engine.RecordReturn(f.ctx, ledger.ReturnRequest{
		InvoiceID: inv.ID,
		Lines:     []ledger.ReturnLine{{ProductID: "p1", Quantity: d("3")}},
	})
	require.NoError(t, err)

	_, err = f.engine.RecordReturn(f.ctx, ledger.ReturnRequest{
		InvoiceID: inv.ID,
		Lines:     []ledger.ReturnLine{{ProductID: "p1", Quantity: d("3")}},
	})
	assert.ErrorIs(t, err, ledger.ErrValidation)

	p, err := f.engine.GetProduct(f.ctx, "p1")
	require.NoError(t, err)
	assertAmount(t, "8", p.Stock)
	c, _ := f.balances("c1")
	assertAmount(t, "50.00", c.Balance, "returns do not touch the ledger")
}

// =============================================================================
// LOCKING
// =============================================================================

type countingLocker struct {
	keys []string
	err  error
}

func (l *countingLocker) Acquire(_ context.Context, key string) (func(), error) {
	if l.err != nil {
		return nil, l.err
	}
	l.keys = append(l.keys, key)
	return func() {}, nil
}

func TestCreatePayment_TakesCustomerLock(t *testing.T) {
	locker := &countingLocker{}
	f := newFixture(t, ledger.WithLocker(locker))
	f.customer("c1")

	f.pay(ledger.PaymentRequest{CustomerID: "c1", Amount: d("5"), Method: ledger.MethodCash})

	assert.Contains(t, locker.keys, "ledger:customer:c1")
}

func TestCreatePayment_LockConflictIsRetryable(t *testing.T) {
	locker := &countingLocker{err: fmt.Errorf("customer busy: %w", ledger.ErrConcurrencyConflict)}
	f := newFixture(t, ledger.WithLocker(locker))
	require.NoError(t, f.store.SaveCustomer(f.ctx, ledger.Customer{ID: "c1", Name: "c1", Type: ledger.CustomerCredit}))

	_, err := f.engine.CreatePayment(f.ctx, ledger.PaymentRequest{CustomerID: "c1", Amount: d("5"), Method: ledger.MethodCash})

	assert.True(t, ledger.IsRetryable(err))
	payments, err := f.store.ListPaymentsByCustomer(f.ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, payments)
}
