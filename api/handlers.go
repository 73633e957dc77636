/*
handlers.go - HTTP API handlers for the credit ledger

PURPOSE:
  Exposes the ledger engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates every rule to ledger.Engine.

ENDPOINTS:
  Customers:
    POST   /api/customers                   Create customer
    GET    /api/customers/{id}              Statement (recomputed ledger view)
    DELETE /api/customers/{id}?force=true   Soft or cascading delete
    POST   /api/customers/{id}/recalculate  Rewrite drifted projections

  Payments:
    POST   /api/payments                    Validate and create a payment
    POST   /api/payments/bulk               Bulk create, per-item results
    GET    /api/payments/{id}               Get payment
    POST   /api/payments/{id}/transitions   Apply clear/return/revert/void

  Sales and stock:
    POST   /api/sales                       Record a sale (invoice)
    GET    /api/invoices/{id}               Get invoice
    POST   /api/returns                     Record returned goods
    POST   /api/expenses                    Record an expense
    POST   /api/products                    Create product
    GET    /api/products/{id}               Get product

  Branches and rollups:
    POST   /api/branches                    Create branch
    POST   /api/branches/{id}/routes        Create route
    GET    /api/branches/{id}/rollup        Branch rollup (?from=&to=)
    GET    /api/routes/{id}/rollup          Route rollup (?from=&to=)

REQUEST FLOW:
  1. Decode JSON body
  2. Validate shape (validator tags in dto.go)
  3. Call the engine
  4. Serialize response
  5. Map errors through writeLedgerError

ERROR HANDLING:
  - 400: Validation errors, missing target, malformed batch
  - 404: Resource not found
  - 409: Illegal transition, customer has history, concurrent modification
  - 422: Amount exceeds invoice/customer balance (body carries ceiling)
  - 500: Data integrity violation, cascade failure, internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/warp/credit-ledger/ledger"
	"github.com/warp/credit-ledger/logger"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine   *ledger.Engine
	validate *validator.Validate
	log      zerolog.Logger
}

// NewHandler creates a new handler around the given engine.
func NewHandler(engine *ledger.Engine) *Handler {
	return &Handler{
		Engine:   engine,
		validate: validator.New(),
		log:      logger.WithComponent("api"),
	}
}

// decode reads the JSON body into dst and runs its validator tags. It
// writes the 400 response itself and reports whether the caller may go on.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make(map[string]string, len(verrs))
			for _, fe := range verrs {
				fields[fe.Field()] = fe.Tag()
			}
			writeJSON(w, http.StatusBadRequest, ErrorResponse{
				Error:  "Invalid request",
				Code:   "validation",
				Fields: fields,
			})
			return false
		}
		writeError(w, http.StatusBadRequest, "Invalid request", err)
		return false
	}
	return true
}

// =============================================================================
// CUSTOMER HANDLERS
// =============================================================================

// CreateCustomer registers a customer.
// POST /api/customers
func (h *Handler) CreateCustomer(w http.ResponseWriter, r *http.Request) {
	var req CreateCustomerRequest
	if !h.decode(w, r, &req) {
		return
	}

	c, err := h.Engine.CreateCustomer(r.Context(), ledger.Customer{
		ID:          ledger.CustomerID(req.ID),
		Name:        req.Name,
		Type:        ledger.CustomerType(req.Type),
		CreditLimit: req.CreditLimit,
		BranchID:    ledger.BranchID(req.BranchID),
		RouteID:     ledger.RouteID(req.RouteID),
	})
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toCustomerDTO(c))
}

// GetCustomer returns the customer's statement.
// GET /api/customers/{id}
func (h *Handler) GetCustomer(w http.ResponseWriter, r *http.Request) {
	st, err := h.Engine.Statement(r.Context(), ledger.CustomerID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toStatementDTO(st))
}

// DeleteCustomer deletes a customer, cascading when force=true.
// DELETE /api/customers/{id}?force=true
func (h *Handler) DeleteCustomer(w http.ResponseWriter, r *http.Request) {
	force := false
	if v := r.URL.Query().Get("force"); v != "" {
		var err error
		if force, err = strconv.ParseBool(v); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid force parameter", err)
			return
		}
	}

	summary, err := h.Engine.DeleteCustomer(r.Context(), ledger.CustomerID(chi.URLParam(r, "id")), force)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDeleteSummaryDTO(summary))
}

// RecalculateCustomer rewrites the stored projections from ground truth.
// POST /api/customers/{id}/recalculate
func (h *Handler) RecalculateCustomer(w http.ResponseWriter, r *http.Request) {
	st, err := h.Engine.Recalculate(r.Context(), ledger.CustomerID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toStatementDTO(st))
}

// =============================================================================
// PAYMENT HANDLERS
// =============================================================================

// CreatePayment validates and records one payment.
// POST /api/payments
func (h *Handler) CreatePayment(w http.ResponseWriter, r *http.Request) {
	var req CreatePaymentRequest
	if !h.decode(w, r, &req) {
		return
	}
	pr, err := req.toLedger()
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}

	p, err := h.Engine.CreatePayment(r.Context(), pr)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPaymentDTO(p))
}

// CreatePaymentsBulk processes a batch; item failures are reported in the
// body with status 200.
// POST /api/payments/bulk
func (h *Handler) CreatePaymentsBulk(w http.ResponseWriter, r *http.Request) {
	var req BulkPaymentRequest
	if !h.decode(w, r, &req) {
		return
	}

	entries := make([]ledger.BulkEntry, len(req.Payments))
	for i, item := range req.Payments {
		entries[i].Request, entries[i].Err = item.toLedger()
	}

	result, err := h.Engine.ProcessBulkEntries(r.Context(), entries)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBulkResultDTO(result))
}

// GetPayment returns one payment.
// GET /api/payments/{id}
func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	p, err := h.Engine.GetPayment(r.Context(), ledger.PaymentID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentDTO(p))
}

// TransitionPayment applies a lifecycle event.
// POST /api/payments/{id}/transitions
func (h *Handler) TransitionPayment(w http.ResponseWriter, r *http.Request) {
	var req TransitionRequest
	if !h.decode(w, r, &req) {
		return
	}

	p, err := h.Engine.TransitionPayment(r.Context(), ledger.PaymentID(chi.URLParam(r, "id")), ledger.PaymentEvent(req.Event))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentDTO(p))
}

// =============================================================================
// SALES, RETURNS, EXPENSES, PRODUCTS
// =============================================================================

// CreateSale records an invoice and deducts stock.
// POST /api/sales
func (h *Handler) CreateSale(w http.ResponseWriter, r *http.Request) {
	var req CreateSaleRequest
	if !h.decode(w, r, &req) {
		return
	}
	sr, err := req.toLedger()
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}

	inv, err := h.Engine.RecordSale(r.Context(), sr)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toInvoiceDTO(inv))
}

// GetInvoice returns one invoice with its projections.
// GET /api/invoices/{id}
func (h *Handler) GetInvoice(w http.ResponseWriter, r *http.Request) {
	inv, err := h.Engine.GetInvoice(r.Context(), ledger.InvoiceID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toInvoiceDTO(inv))
}

// CreateReturn records goods handed back against an invoice.
// POST /api/returns
func (h *Handler) CreateReturn(w http.ResponseWriter, r *http.Request) {
	var req CreateReturnRequest
	if !h.decode(w, r, &req) {
		return
	}
	returnedAt, err := parseOptionalDate(req.ReturnedAt)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	rr := ledger.ReturnRequest{InvoiceID: ledger.InvoiceID(req.InvoiceID), ReturnedAt: returnedAt}
	for _, l := range req.Lines {
		rr.Lines = append(rr.Lines, ledger.ReturnLine{ProductID: ledger.ProductID(l.ProductID), Quantity: l.Quantity})
	}

	ret, err := h.Engine.RecordReturn(r.Context(), rr)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toReturnDTO(ret))
}

// CreateExpense records a branch or route expense.
// POST /api/expenses
func (h *Handler) CreateExpense(w http.ResponseWriter, r *http.Request) {
	var req CreateExpenseRequest
	if !h.decode(w, r, &req) {
		return
	}
	date, err := ledger.ParseDate(req.Date)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}

	exp, err := h.Engine.RecordExpense(r.Context(), ledger.Expense{
		BranchID:    ledger.BranchID(req.BranchID),
		RouteID:     ledger.RouteID(req.RouteID),
		Amount:      req.Amount,
		Date:        date,
		Status:      ledger.ExpenseStatus(req.Status),
		Description: req.Description,
	})
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toExpenseDTO(exp))
}

// CreateProduct registers a product with opening stock.
// POST /api/products
func (h *Handler) CreateProduct(w http.ResponseWriter, r *http.Request) {
	var req CreateProductRequest
	if !h.decode(w, r, &req) {
		return
	}

	p, err := h.Engine.CreateProduct(r.Context(), ledger.Product{ID: ledger.ProductID(req.ID), Name: req.Name, Stock: req.Stock})
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toProductDTO(p))
}

// GetProduct returns the product with its current stock.
// GET /api/products/{id}
func (h *Handler) GetProduct(w http.ResponseWriter, r *http.Request) {
	p, err := h.Engine.GetProduct(r.Context(), ledger.ProductID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toProductDTO(p))
}

// =============================================================================
// BRANCHES, ROUTES, ROLLUPS
// =============================================================================

// CreateBranch registers a branch.
// POST /api/branches
func (h *Handler) CreateBranch(w http.ResponseWriter, r *http.Request) {
	var req CreateBranchRequest
	if !h.decode(w, r, &req) {
		return
	}

	b, err := h.Engine.CreateBranch(r.Context(), ledger.Branch{ID: ledger.BranchID(req.ID), Name: req.Name})
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, BranchDTO{ID: string(b.ID), Name: b.Name})
}

// CreateRoute registers a route under the branch in the path.
// POST /api/branches/{id}/routes
func (h *Handler) CreateRoute(w http.ResponseWriter, r *http.Request) {
	var req CreateRouteRequest
	if !h.decode(w, r, &req) {
		return
	}

	rt, err := h.Engine.CreateRoute(r.Context(), ledger.Route{
		ID:       ledger.RouteID(req.ID),
		BranchID: ledger.BranchID(chi.URLParam(r, "id")),
		Name:     req.Name,
	})
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, RouteDTO{ID: string(rt.ID), BranchID: string(rt.BranchID), Name: rt.Name})
}

// BranchRollup aggregates a branch over ?from=&to=.
// GET /api/branches/{id}/rollup
func (h *Handler) BranchRollup(w http.ResponseWriter, r *http.Request) {
	h.rollup(w, r, ledger.BranchScope(ledger.BranchID(chi.URLParam(r, "id"))))
}

// RouteRollup aggregates a route over ?from=&to=.
// GET /api/routes/{id}/rollup
func (h *Handler) RouteRollup(w http.ResponseWriter, r *http.Request) {
	h.rollup(w, r, ledger.RouteScope(ledger.RouteID(chi.URLParam(r, "id"))))
}

func (h *Handler) rollup(w http.ResponseWriter, r *http.Request, scope ledger.Scope) {
	q := r.URL.Query()
	from, err := ledger.ParseDate(q.Get("from"))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	to, err := ledger.ParseDate(q.Get("to"))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	period, err := ledger.NewPeriod(from, to)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}

	result, err := h.Engine.ComputeRollup(r.Context(), scope, period)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRollupDTO(result))
}

// =============================================================================
// HELPERS
// =============================================================================

// statusFor maps ledger errors to HTTP status codes.
func statusFor(err error) int {
	var ceiling *ledger.BalanceCeilingError
	switch {
	case errors.As(err, &ceiling):
		return http.StatusUnprocessableEntity
	case ledger.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrInvalidTransition),
		errors.Is(err, ledger.ErrHasTransactions),
		errors.Is(err, ErrScenarioLoaded),
		errors.Is(err, ledger.ErrConcurrencyConflict):
		return http.StatusConflict
	case ledger.IsClientError(err):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeLedgerError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	resp := ErrorResponse{Error: err.Error(), Code: ledger.Kind(err)}

	var ceiling *ledger.BalanceCeilingError
	if errors.As(err, &ceiling) {
		resp.Ceiling = &ceiling.Ceiling
		resp.Requested = &ceiling.Requested
	}
	var verr *ledger.ValidationError
	if errors.As(err, &verr) && verr.Field != "" {
		resp.Fields = map[string]string{verr.Field: verr.Message}
	}

	if status == http.StatusInternalServerError {
		h.log.Error().Err(err).Str("path", r.URL.Path).Str("code", resp.Code).Msg("request failed")
		if resp.Code == "internal" {
			resp.Error = "internal error"
		}
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
