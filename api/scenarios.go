/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the ledger with realistic
	data through the engine, so every projection is produced by the same
	code paths a real client would use.

AVAILABLE SCENARIOS:

	cheque-lifecycle: One invoice paid partly in cash, partly by a pending cheque
	fifo-allocation:  Three invoices and an account payment spread oldest-first
	branch-rollup:    A branch with two routes, direct expenses and collections

HOW SCENARIOS WORK:
 1. Refuse if the scenario's anchor customer already exists
 2. Create branch, routes, products and customers
 3. Record sales (stock is deducted)
 4. Record payments and expenses

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "branch-rollup"}

USAGE VIA CLI:

	ledger seed branch-rollup

SEE ALSO:
  - handlers.go: Endpoint conventions
  - cmd/server/main.go: seed command
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/credit-ledger/ledger"
)

// ErrScenarioLoaded is returned when a scenario's data already exists.
var ErrScenarioLoaded = errors.New("scenario already loaded")

// ScenarioDTO describes a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// LoadScenarioRequest selects the scenario to load.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

// LoadScenarioResponse lists the customers a scenario created.
type LoadScenarioResponse struct {
	ScenarioID string   `json:"scenario_id"`
	Customers  []string `json:"customers"`
}

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

type scenario struct {
	ScenarioDTO
	anchor ledger.CustomerID
	load   func(ctx context.Context, s *seeder) error
}

var scenarios = []scenario{
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "cheque-lifecycle",
			Name:        "Cheque Lifecycle",
			Description: "Invoice of 500.00 with 200.00 cash and a 300.00 cheque awaiting clearance",
		},
		anchor: "demo-cheque-c1",
		load:   loadChequeLifecycle,
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "fifo-allocation",
			Name:        "FIFO Allocation",
			Description: "Three invoices settled oldest-first by one account payment",
		},
		anchor: "demo-fifo-c1",
		load:   loadFIFOAllocation,
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "branch-rollup",
			Name:        "Branch Rollup",
			Description: "Branch with two routes, route and branch-level expenses, partial collections",
		},
		anchor: "demo-rollup-c1",
		load:   loadBranchRollup,
	},
}

// Scenarios returns the available scenarios.
func Scenarios() []ScenarioDTO {
	out := make([]ScenarioDTO, len(scenarios))
	for i, s := range scenarios {
		out[i] = s.ScenarioDTO
	}
	return out
}

// LoadScenario seeds the ledger with the named scenario through engine.
func LoadScenario(ctx context.Context, engine *ledger.Engine, id string) (LoadScenarioResponse, error) {
	for _, sc := range scenarios {
		if sc.ID != id {
			continue
		}
		if _, err := engine.Statement(ctx, sc.anchor); err == nil {
			return LoadScenarioResponse{}, fmt.Errorf("%w: %s", ErrScenarioLoaded, id)
		}
		s := &seeder{engine: engine, now: engine.Now()}
		if err := sc.load(ctx, s); err != nil {
			return LoadScenarioResponse{}, fmt.Errorf("load scenario %s: %w", id, err)
		}
		return LoadScenarioResponse{ScenarioID: id, Customers: s.customers}, nil
	}
	return LoadScenarioResponse{}, &ledger.ValidationError{Field: "scenario_id", Message: fmt.Sprintf("unknown scenario %q", id)}
}

// ListScenarios returns all available scenarios.
// GET /api/scenarios
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Scenarios())
}

// LoadScenario seeds a demo scenario.
// POST /api/scenarios/load
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !h.decode(w, r, &req) {
		return
	}
	resp, err := LoadScenario(r.Context(), h.Engine, req.ScenarioID)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	h.log.Info().Str("scenario", req.ScenarioID).Strs("customers", resp.Customers).Msg("scenario loaded")
	writeJSON(w, http.StatusCreated, resp)
}

// =============================================================================
// SEEDING HELPERS
// =============================================================================

type seeder struct {
	engine    *ledger.Engine
	now       time.Time
	customers []string
	err       error
}

func (s *seeder) daysAgo(n int) time.Time { return s.now.AddDate(0, 0, -n) }

func (s *seeder) branch(ctx context.Context, id, name string) {
	if s.err != nil {
		return
	}
	_, s.err = s.engine.CreateBranch(ctx, ledger.Branch{ID: ledger.BranchID(id), Name: name})
}

func (s *seeder) route(ctx context.Context, id, branch, name string) {
	if s.err != nil {
		return
	}
	_, s.err = s.engine.CreateRoute(ctx, ledger.Route{ID: ledger.RouteID(id), BranchID: ledger.BranchID(branch), Name: name})
}

func (s *seeder) product(ctx context.Context, id, name, stock string) {
	if s.err != nil {
		return
	}
	_, s.err = s.engine.CreateProduct(ctx, ledger.Product{ID: ledger.ProductID(id), Name: name, Stock: decimal.RequireFromString(stock)})
}

func (s *seeder) customer(ctx context.Context, id, name, route string) {
	if s.err != nil {
		return
	}
	_, s.err = s.engine.CreateCustomer(ctx, ledger.Customer{
		ID:          ledger.CustomerID(id),
		Name:        name,
		Type:        ledger.CustomerCredit,
		CreditLimit: decimal.RequireFromString("10000.00"),
		RouteID:     ledger.RouteID(route),
	})
	if s.err == nil {
		s.customers = append(s.customers, id)
	}
}

func (s *seeder) sale(ctx context.Context, customer, product, qty, price, cost string, issued time.Time) ledger.InvoiceID {
	if s.err != nil {
		return ""
	}
	due := issued.AddDate(0, 0, 30)
	inv, err := s.engine.RecordSale(ctx, ledger.SaleRequest{
		CustomerID: ledger.CustomerID(customer),
		IssuedAt:   issued,
		DueAt:      &due,
		Lines: []ledger.SaleLine{{
			ProductID: ledger.ProductID(product),
			Quantity:  decimal.RequireFromString(qty),
			UnitPrice: decimal.RequireFromString(price),
			UnitCost:  decimal.RequireFromString(cost),
		}},
	})
	s.err = err
	return inv.ID
}

func (s *seeder) pay(ctx context.Context, req ledger.PaymentRequest) {
	if s.err != nil {
		return
	}
	_, s.err = s.engine.CreatePayment(ctx, req)
}

func (s *seeder) expense(ctx context.Context, branch, route, amount string, status ledger.ExpenseStatus, date time.Time) {
	if s.err != nil {
		return
	}
	_, s.err = s.engine.RecordExpense(ctx, ledger.Expense{
		BranchID: ledger.BranchID(branch),
		RouteID:  ledger.RouteID(route),
		Amount:   decimal.RequireFromString(amount),
		Date:     date,
		Status:   status,
	})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func loadChequeLifecycle(ctx context.Context, s *seeder) error {
	s.branch(ctx, "demo-cheque-b1", "Harbour")
	s.route(ctx, "demo-cheque-r1", "demo-cheque-b1", "Harbour Route 1")
	s.product(ctx, "demo-cheque-p1", "Rice 25kg", "100")
	s.customer(ctx, "demo-cheque-c1", "Harbour Grocers", "demo-cheque-r1")
	inv := s.sale(ctx, "demo-cheque-c1", "demo-cheque-p1", "10", "50.00", "38.00", s.daysAgo(5))
	s.pay(ctx, ledger.PaymentRequest{InvoiceID: inv, Amount: decimal.RequireFromString("200.00"), Method: ledger.MethodCash})
	s.pay(ctx, ledger.PaymentRequest{
		InvoiceID: inv,
		Amount:    decimal.RequireFromString("300.00"),
		Method:    ledger.MethodCheque,
		Reference: "CHQ-100234",
	})
	return s.err
}

func loadFIFOAllocation(ctx context.Context, s *seeder) error {
	s.branch(ctx, "demo-fifo-b1", "Uptown")
	s.route(ctx, "demo-fifo-r1", "demo-fifo-b1", "Uptown Route 1")
	s.product(ctx, "demo-fifo-p1", "Cooking Oil 5L", "200")
	s.customer(ctx, "demo-fifo-c1", "Uptown Mart", "demo-fifo-r1")
	s.sale(ctx, "demo-fifo-c1", "demo-fifo-p1", "4", "25.00", "18.00", s.daysAgo(40))
	s.sale(ctx, "demo-fifo-c1", "demo-fifo-p1", "6", "25.00", "18.00", s.daysAgo(20))
	s.sale(ctx, "demo-fifo-c1", "demo-fifo-p1", "8", "25.00", "18.00", s.daysAgo(2))
	s.pay(ctx, ledger.PaymentRequest{
		CustomerID: "demo-fifo-c1",
		Amount:     decimal.RequireFromString("180.00"),
		Method:     ledger.MethodOnline,
		Reference:  "TRX-88812",
	})
	return s.err
}

func loadBranchRollup(ctx context.Context, s *seeder) error {
	s.branch(ctx, "demo-rollup-b1", "Central")
	s.route(ctx, "demo-rollup-rA", "demo-rollup-b1", "Central Route A")
	s.route(ctx, "demo-rollup-rB", "demo-rollup-b1", "Central Route B")
	s.product(ctx, "demo-rollup-p1", "Sugar 50kg", "500")
	s.customer(ctx, "demo-rollup-c1", "Central Bakery", "demo-rollup-rA")
	s.customer(ctx, "demo-rollup-c2", "Central Hotel", "demo-rollup-rB")

	invA := s.sale(ctx, "demo-rollup-c1", "demo-rollup-p1", "10", "100.00", "60.00", s.daysAgo(3))
	s.sale(ctx, "demo-rollup-c2", "demo-rollup-p1", "20", "100.00", "75.00", s.daysAgo(2))

	s.expense(ctx, "", "demo-rollup-rA", "100.00", ledger.ExpenseApproved, s.daysAgo(3))
	s.expense(ctx, "", "demo-rollup-rB", "50.00", ledger.ExpenseApproved, s.daysAgo(2))
	s.expense(ctx, "demo-rollup-b1", "", "30.00", ledger.ExpenseApproved, s.daysAgo(1))
	s.expense(ctx, "", "demo-rollup-rB", "999.00", ledger.ExpenseRejected, s.daysAgo(1))

	s.pay(ctx, ledger.PaymentRequest{InvoiceID: invA, Amount: decimal.RequireFromString("400.00"), Method: ledger.MethodCash})
	return s.err
}
