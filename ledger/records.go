package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/credit-ledger/metrics"
)

// =============================================================================
// REFERENCE DATA - Customers, products, branches, routes
// =============================================================================

// CreateCustomer registers a customer with a zero balance.
func (e *Engine) CreateCustomer(ctx context.Context, c Customer) (Customer, error) {
	if c.Name == "" {
		return Customer{}, invalid("name", "is required")
	}
	if c.Type == "" {
		c.Type = CustomerCredit
	}
	if !c.Type.Valid() {
		return Customer{}, invalid("type", "unknown customer type %q", c.Type)
	}
	if c.CreditLimit.IsNegative() {
		return Customer{}, invalid("credit_limit", "must not be negative")
	}
	if c.ID == "" {
		c.ID = CustomerID(e.newID())
	}
	c.Balance = decimal.Zero
	c.CreatedAt = e.now()

	err := e.store.WithTx(ctx, func(s Store) error {
		var err error
		c.BranchID, c.RouteID, err = resolveScope(ctx, s, c.BranchID, c.RouteID)
		if err != nil {
			return err
		}
		return s.SaveCustomer(ctx, c)
	})
	if err != nil {
		return Customer{}, err
	}
	e.log.Info().Str("customer_id", string(c.ID)).Str("type", string(c.Type)).Msg("customer created")
	return c, nil
}

func (e *Engine) CreateProduct(ctx context.Context, p Product) (Product, error) {
	if p.Name == "" {
		return Product{}, invalid("name", "is required")
	}
	if p.Stock.IsNegative() {
		return Product{}, invalid("stock", "must not be negative")
	}
	if p.ID == "" {
		p.ID = ProductID(e.newID())
	}
	if err := e.store.SaveProduct(ctx, p); err != nil {
		return Product{}, err
	}
	return p, nil
}

func (e *Engine) GetProduct(ctx context.Context, id ProductID) (Product, error) {
	return e.store.GetProduct(ctx, id)
}

func (e *Engine) CreateBranch(ctx context.Context, b Branch) (Branch, error) {
	if b.Name == "" {
		return Branch{}, invalid("name", "is required")
	}
	if b.ID == "" {
		b.ID = BranchID(e.newID())
	}
	if err := e.store.SaveBranch(ctx, b); err != nil {
		return Branch{}, err
	}
	return b, nil
}

// CreateRoute registers a route under an existing branch.
func (e *Engine) CreateRoute(ctx context.Context, r Route) (Route, error) {
	if r.Name == "" {
		return Route{}, invalid("name", "is required")
	}
	if r.ID == "" {
		r.ID = RouteID(e.newID())
	}
	err := e.store.WithTx(ctx, func(s Store) error {
		if _, err := s.GetBranch(ctx, r.BranchID); err != nil {
			return err
		}
		return s.SaveRoute(ctx, r)
	})
	if err != nil {
		return Route{}, err
	}
	return r, nil
}

// resolveScope fills in the branch of a route-assigned row and checks that
// both references exist and agree.
func resolveScope(ctx context.Context, s Store, branch BranchID, route RouteID) (BranchID, RouteID, error) {
	if route != "" {
		r, err := s.GetRoute(ctx, route)
		if err != nil {
			return "", "", err
		}
		if branch != "" && branch != r.BranchID {
			return "", "", invalid("route_id", "route %s belongs to branch %s, not %s", route, r.BranchID, branch)
		}
		return r.BranchID, route, nil
	}
	if branch != "" {
		if _, err := s.GetBranch(ctx, branch); err != nil {
			return "", "", err
		}
	}
	return branch, "", nil
}

// =============================================================================
// SALES
// =============================================================================

type SaleLine struct {
	ProductID ProductID
	Quantity  decimal.Decimal
	UnitPrice decimal.Decimal
	UnitCost  decimal.Decimal
}

// SaleRequest creates an invoice. Branch and route default to the
// customer's assignment. TaxPercent is a flat rate applied to the subtotal.
type SaleRequest struct {
	CustomerID CustomerID
	Number     string
	BranchID   BranchID
	RouteID    RouteID
	IssuedAt   time.Time
	DueAt      *time.Time
	TaxPercent decimal.Decimal
	Lines      []SaleLine
}

var hundred = decimal.NewFromInt(100)

// GrandTotal returns the subtotal plus flat tax, rounded to cents.
func (r SaleRequest) GrandTotal() decimal.Decimal {
	subtotal := decimal.Zero
	for _, l := range r.Lines {
		subtotal = subtotal.Add(l.Quantity.Mul(l.UnitPrice))
	}
	tax := subtotal.Mul(r.TaxPercent).Div(hundred)
	return subtotal.Add(tax).Round(2)
}

func (r SaleRequest) validate() error {
	if r.CustomerID == "" {
		return invalid("customer_id", "is required")
	}
	if len(r.Lines) == 0 {
		return invalid("lines", "at least one line is required")
	}
	if r.TaxPercent.IsNegative() || r.TaxPercent.GreaterThan(hundred) {
		return invalid("tax_percent", "must be between 0 and 100")
	}
	for i, l := range r.Lines {
		field := fmt.Sprintf("lines[%d]", i)
		switch {
		case l.ProductID == "":
			return invalid(field+".product_id", "is required")
		case !l.Quantity.IsPositive():
			return invalid(field+".quantity", "must be positive")
		case l.UnitPrice.IsNegative():
			return invalid(field+".unit_price", "must not be negative")
		case l.UnitCost.IsNegative():
			return invalid(field+".unit_cost", "must not be negative")
		}
	}
	if r.DueAt != nil && r.DueAt.Before(startOfDay(r.IssuedAt)) {
		return invalid("due_at", "must not be before the issue date")
	}
	return nil
}

// RecordSale creates an invoice and deducts its quantities from stock, in
// one transaction. Credit the customer already holds is applied to the new
// invoice, and the balance projections are updated with it.
func (e *Engine) RecordSale(ctx context.Context, req SaleRequest) (Invoice, error) {
	defer metrics.ObserveSince("record_sale", time.Now())

	now := e.now()
	if req.IssuedAt.IsZero() {
		req.IssuedAt = now
	}
	if err := req.validate(); err != nil {
		return Invoice{}, err
	}

	total := req.GrandTotal()
	inv := Invoice{
		ID:            InvoiceID(e.newID()),
		Number:        req.Number,
		CustomerID:    req.CustomerID,
		IssuedAt:      req.IssuedAt.UTC(),
		DueAt:         req.DueAt,
		GrandTotal:    total,
		PaidAmount:    decimal.Zero,
		BalanceAmount: total,
		CreatedAt:     now,
	}
	if inv.Number == "" {
		inv.Number = "INV-" + string(inv.ID)
	}
	for _, l := range req.Lines {
		inv.Lines = append(inv.Lines, LineItem{
			ID:        e.newID(),
			InvoiceID: inv.ID,
			ProductID: l.ProductID,
			Quantity:  l.Quantity,
			UnitPrice: l.UnitPrice,
			UnitCost:  l.UnitCost,
		})
	}

	err := e.withCustomer(ctx, req.CustomerID, func(s Store) error {
		a, err := e.loadAccount(ctx, s, req.CustomerID, now)
		if err != nil {
			return err
		}
		if err := e.verify(a); err != nil {
			return err
		}
		branch, route := req.BranchID, req.RouteID
		if branch == "" && route == "" {
			branch, route = a.customer.BranchID, a.customer.RouteID
		}
		if inv.BranchID, inv.RouteID, err = resolveScope(ctx, s, branch, route); err != nil {
			return err
		}

		for i, l := range inv.Lines {
			product, err := s.GetProduct(ctx, l.ProductID)
			if err != nil {
				return err
			}
			if product.Stock.LessThan(l.Quantity) {
				return invalid(fmt.Sprintf("lines[%d].quantity", i), "only %s of product %s in stock", product.Stock.String(), product.ID)
			}
			if err := s.AdjustStock(ctx, l.ProductID, l.Quantity.Neg()); err != nil {
				return err
			}
		}
		if err := s.SaveInvoice(ctx, inv); err != nil {
			return err
		}
		a.invoices = append(a.invoices, inv)
		if err := e.applyCredit(ctx, s, a, now); err != nil {
			return err
		}
		if err := e.writeProjections(ctx, s, a, now); err != nil {
			return err
		}
		for _, stored := range a.invoices {
			if stored.ID == inv.ID {
				inv.PaidAmount, inv.BalanceAmount = stored.PaidAmount, stored.BalanceAmount
			}
		}
		return nil
	})
	if err != nil {
		return Invoice{}, err
	}
	e.log.Info().
		Str("invoice_id", string(inv.ID)).
		Str("customer_id", string(inv.CustomerID)).
		Str("grand_total", inv.GrandTotal.StringFixed(2)).
		Msg("sale recorded")
	return inv, nil
}

// GetInvoice returns a stored invoice with its lines.
func (e *Engine) GetInvoice(ctx context.Context, id InvoiceID) (Invoice, error) {
	return e.store.GetInvoice(ctx, id)
}

// =============================================================================
// RETURNS
// =============================================================================

type ReturnRequest struct {
	InvoiceID  InvoiceID
	ReturnedAt time.Time
	Lines      []ReturnLine
}

// RecordReturn records goods handed back against an invoice and puts the
// quantities back into stock. A product can only be returned up to the
// quantity sold on the invoice, less earlier returns. Returns do not change
// invoice or customer balances.
func (e *Engine) RecordReturn(ctx context.Context, req ReturnRequest) (SaleReturn, error) {
	if req.InvoiceID == "" {
		return SaleReturn{}, invalid("invoice_id", "is required")
	}
	if len(req.Lines) == 0 {
		return SaleReturn{}, invalid("lines", "at least one line is required")
	}
	for i, l := range req.Lines {
		if !l.Quantity.IsPositive() {
			return SaleReturn{}, invalid(fmt.Sprintf("lines[%d].quantity", i), "must be positive")
		}
	}

	inv, err := e.store.GetInvoice(ctx, req.InvoiceID)
	if err != nil {
		return SaleReturn{}, err
	}
	now := e.now()
	ret := SaleReturn{
		ID:         ReturnID(e.newID()),
		InvoiceID:  inv.ID,
		CustomerID: inv.CustomerID,
		ReturnedAt: req.ReturnedAt,
		Lines:      req.Lines,
	}
	if ret.ReturnedAt.IsZero() {
		ret.ReturnedAt = now
	}

	err = e.withCustomer(ctx, inv.CustomerID, func(s Store) error {
		inv, err := s.GetInvoice(ctx, req.InvoiceID)
		if err != nil {
			return err
		}
		earlier, err := s.ListReturnsByInvoice(ctx, inv.ID)
		if err != nil {
			return err
		}
		returnable := returnableQuantities(inv, earlier)
		for i, l := range ret.Lines {
			left := returnable[l.ProductID]
			if l.Quantity.GreaterThan(left) {
				return invalid(fmt.Sprintf("lines[%d].quantity", i), "only %s of product %s can be returned", left.String(), l.ProductID)
			}
			returnable[l.ProductID] = left.Sub(l.Quantity)
			if err := s.AdjustStock(ctx, l.ProductID, l.Quantity); err != nil {
				return err
			}
		}
		return s.SaveReturn(ctx, ret)
	})
	if err != nil {
		return SaleReturn{}, err
	}
	e.log.Info().Str("return_id", string(ret.ID)).Str("invoice_id", string(ret.InvoiceID)).Msg("return recorded")
	return ret, nil
}

func returnableQuantities(inv Invoice, earlier []SaleReturn) map[ProductID]decimal.Decimal {
	left := make(map[ProductID]decimal.Decimal)
	for _, l := range inv.Lines {
		left[l.ProductID] = left[l.ProductID].Add(l.Quantity)
	}
	for _, r := range earlier {
		for _, l := range r.Lines {
			left[l.ProductID] = left[l.ProductID].Sub(l.Quantity)
		}
	}
	return left
}

// =============================================================================
// EXPENSES
// =============================================================================

// RecordExpense validates and stores an expense. A route-assigned expense
// takes the route's branch. Expenses older than the configured expense
// history window are rejected.
func (e *Engine) RecordExpense(ctx context.Context, exp Expense) (Expense, error) {
	if exp.Status == "" {
		exp.Status = ExpensePending
	}
	if err := e.validator.CheckExpense(exp, e.now()); err != nil {
		return Expense{}, err
	}
	if exp.BranchID == "" && exp.RouteID == "" {
		return Expense{}, invalid("branch_id", "a branch or route is required")
	}
	if exp.ID == "" {
		exp.ID = ExpenseID(e.newID())
	}
	exp.Date = exp.Date.UTC()

	err := e.store.WithTx(ctx, func(s Store) error {
		var err error
		if exp.BranchID, exp.RouteID, err = resolveScope(ctx, s, exp.BranchID, exp.RouteID); err != nil {
			return err
		}
		return s.SaveExpense(ctx, exp)
	})
	if err != nil {
		return Expense{}, err
	}
	return exp, nil
}
