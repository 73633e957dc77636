/*
rollup.go - Branch and route financial rollups

PURPOSE:
  Reduces invoices, expenses and payments over a closed date window into
  the figures a branch manager looks at: sales, cost of goods sold,
  expenses, profit, collections, average invoice size and growth.

FORMULAS:
  profit             = totalSales − costOfGoodsSold − totalExpenses
  collectionsRatio   = totalPayments / totalSales × 100    (nil if no sales)
  averageInvoiceSize = totalSales / invoiceCount           (nil if no invoices)
  growthPercent      = (sales − previousSales) / previousSales × 100
                       (nil if the previous period had no sales)

  The previous period has the same number of days and ends the day before
  the window starts.

NO DOUBLE COUNTING:
  Every row is assigned to at most one leaf:

    branch B
    ├── route R1   rows with routeId = R1
    ├── route R2   rows with routeId = R2
    └── direct     rows with branchId = B and no route

  A route rollup is one leaf. A branch rollup is the sum of its leaves,
  so branch totals are exactly the sum of the route totals plus rows
  booked directly against the branch. Ratios are recomputed from the
  summed totals, never summed themselves.

SEE ALSO:
  - period.go: Period, Previous
  - store.go: ScopeFilter
*/
package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/credit-ledger/metrics"
)

type ScopeKind string

const (
	ScopeBranch ScopeKind = "branch"
	ScopeRoute  ScopeKind = "route"
)

type Scope struct {
	Kind ScopeKind
	ID   string
}

func BranchScope(id BranchID) Scope { return Scope{Kind: ScopeBranch, ID: string(id)} }
func RouteScope(id RouteID) Scope   { return Scope{Kind: ScopeRoute, ID: string(id)} }

// Rollup holds the totals of one scope over a period. The ratio fields are
// nil when undefined; they are never reported as zero.
type Rollup struct {
	Scope  Scope
	Name   string
	Period Period

	TotalSales      decimal.Decimal
	CostOfGoodsSold decimal.Decimal
	TotalExpenses   decimal.Decimal
	Profit          decimal.Decimal
	TotalPayments   decimal.Decimal
	InvoiceCount    int
	PreviousSales   decimal.Decimal

	CollectionsRatio   *decimal.Decimal
	AverageInvoiceSize *decimal.Decimal
	GrowthPercent      *decimal.Decimal

	// Branch rollups only: the per-route leaves and the direct leaf.
	Routes []Rollup
	Direct *Rollup
}

// ComputeRollup aggregates a branch or route over period.
func (e *Engine) ComputeRollup(ctx context.Context, scope Scope, period Period) (Rollup, error) {
	defer metrics.ObserveSince("compute_rollup", time.Now())

	var result Rollup
	err := e.store.WithTx(ctx, func(s Store) error {
		if scope.Kind != ScopeRoute && scope.Kind != ScopeBranch {
			return invalid("scope", "unknown scope kind %q", scope.Kind)
		}
		c, err := loadCollections(ctx, s, period)
		if err != nil {
			return err
		}
		if scope.Kind == ScopeRoute {
			result, err = routeRollup(ctx, s, c, RouteID(scope.ID), period)
		} else {
			result, err = branchRollup(ctx, s, c, BranchID(scope.ID), period)
		}
		return err
	})
	if err != nil {
		return Rollup{}, err
	}
	return result, nil
}

func routeRollup(ctx context.Context, s Store, c *collections, id RouteID, period Period) (Rollup, error) {
	route, err := s.GetRoute(ctx, id)
	if err != nil {
		return Rollup{}, err
	}
	r, err := leafRollup(ctx, s, c, ScopeFilter{RouteID: id}, period)
	if err != nil {
		return Rollup{}, err
	}
	r.Scope = RouteScope(id)
	r.Name = route.Name
	return r, nil
}

func branchRollup(ctx context.Context, s Store, c *collections, id BranchID, period Period) (Rollup, error) {
	branch, err := s.GetBranch(ctx, id)
	if err != nil {
		return Rollup{}, err
	}
	routes, err := s.ListRoutes(ctx, id)
	if err != nil {
		return Rollup{}, err
	}

	total := Rollup{Scope: BranchScope(id), Name: branch.Name, Period: period}
	for _, route := range routes {
		r, err := routeRollup(ctx, s, c, route.ID, period)
		if err != nil {
			return Rollup{}, err
		}
		total.add(r)
		total.Routes = append(total.Routes, r)
	}

	direct, err := leafRollup(ctx, s, c, ScopeFilter{BranchID: id, DirectOnly: true}, period)
	if err != nil {
		return Rollup{}, err
	}
	direct.Scope = BranchScope(id)
	direct.Name = branch.Name
	total.add(direct)
	total.Direct = &direct

	total.finish()
	return total, nil
}

// leafRollup computes the totals of rows selected by filter.
func leafRollup(ctx context.Context, s Store, c *collections, filter ScopeFilter, period Period) (Rollup, error) {
	r := Rollup{Period: period}

	invoices, err := s.ListInvoices(ctx, filter, period)
	if err != nil {
		return Rollup{}, err
	}
	for _, inv := range invoices {
		r.TotalSales = r.TotalSales.Add(inv.GrandTotal)
		r.CostOfGoodsSold = r.CostOfGoodsSold.Add(inv.CostOfGoods())
		r.InvoiceCount++
	}

	expenses, err := s.ListExpenses(ctx, filter, period)
	if err != nil {
		return Rollup{}, err
	}
	for _, exp := range expenses {
		if exp.Status == ExpenseRejected {
			continue
		}
		r.TotalExpenses = r.TotalExpenses.Add(exp.Amount)
	}

	r.TotalPayments = c.total(filter)

	previous, err := s.ListInvoices(ctx, filter, period.Previous())
	if err != nil {
		return Rollup{}, err
	}
	for _, inv := range previous {
		r.PreviousSales = r.PreviousSales.Add(inv.GrandTotal)
	}

	r.finish()
	return r, nil
}

// collections holds what counting payments dated in a period allocated to
// each invoice, whatever the invoice's own date, together with the scope of
// every such invoice. It is loaded once and shared by all leaves of a rollup.
type collections struct {
	byInvoice map[InvoiceID]decimal.Decimal
	scopes    map[InvoiceID]ScopeFilter
}

func loadCollections(ctx context.Context, s Store, period Period) (*collections, error) {
	payments, err := s.ListPaymentsInWindow(ctx, period)
	if err != nil {
		return nil, err
	}
	c := &collections{
		byInvoice: make(map[InvoiceID]decimal.Decimal),
		scopes:    make(map[InvoiceID]ScopeFilter),
	}
	for _, p := range payments {
		if !p.Counts() {
			continue
		}
		for _, a := range p.Allocations {
			c.byInvoice[a.InvoiceID] = c.byInvoice[a.InvoiceID].Add(a.Amount)
		}
	}
	for id := range c.byInvoice {
		inv, err := s.GetInvoice(ctx, id)
		switch {
		case err == nil:
			c.scopes[id] = ScopeFilter{BranchID: inv.BranchID, RouteID: inv.RouteID}
		case IsNotFound(err):
		default:
			return nil, err
		}
	}
	return c, nil
}

// total sums the collections on invoices selected by filter.
func (c *collections) total(filter ScopeFilter) decimal.Decimal {
	total := decimal.Zero
	for id, amount := range c.byInvoice {
		sc, ok := c.scopes[id]
		if ok && filter.Matches(sc.BranchID, sc.RouteID) {
			total = total.Add(amount)
		}
	}
	return total
}

// add sums the additive totals of other into r.
func (r *Rollup) add(other Rollup) {
	r.TotalSales = r.TotalSales.Add(other.TotalSales)
	r.CostOfGoodsSold = r.CostOfGoodsSold.Add(other.CostOfGoodsSold)
	r.TotalExpenses = r.TotalExpenses.Add(other.TotalExpenses)
	r.TotalPayments = r.TotalPayments.Add(other.TotalPayments)
	r.InvoiceCount += other.InvoiceCount
	r.PreviousSales = r.PreviousSales.Add(other.PreviousSales)
}

// finish derives profit and the ratios from the additive totals.
func (r *Rollup) finish() {
	r.Profit = r.TotalSales.Sub(r.CostOfGoodsSold).Sub(r.TotalExpenses)
	r.CollectionsRatio = nil
	r.AverageInvoiceSize = nil
	r.GrowthPercent = nil

	if r.TotalSales.IsPositive() {
		ratio := r.TotalPayments.Div(r.TotalSales).Mul(hundred).Round(2)
		r.CollectionsRatio = &ratio
	}
	if r.InvoiceCount > 0 {
		avg := r.TotalSales.Div(decimal.NewFromInt(int64(r.InvoiceCount))).Round(2)
		r.AverageInvoiceSize = &avg
	}
	if r.PreviousSales.IsPositive() {
		growth := r.TotalSales.Sub(r.PreviousSales).Div(r.PreviousSales).Mul(hundred).Round(2)
		r.GrowthPercent = &growth
	}
}
