/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the ledger model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

AMOUNTS AND DATES:
  Amounts are decimal strings ("500.00"); numbers are accepted on input.
  Dates are YYYY-MM-DD. Undefined rollup ratios are rendered as null.

VALIDATION:
  Request shape is checked with go-playground/validator struct tags before
  conversion. Business rules (amount bounds, ceilings, windows) belong to
  the ledger and are not duplicated here.

SEE ALSO:
  - handlers.go: Uses these types
  - ledger/types.go: Domain model
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/credit-ledger/ledger"
)

const dateLayout = "2006-01-02"

// =============================================================================
// CUSTOMERS
// =============================================================================

type CreateCustomerRequest struct {
	ID          string          `json:"id"`
	Name        string          `json:"name" validate:"required"`
	Type        string          `json:"type" validate:"omitempty,oneof=credit cash"`
	CreditLimit decimal.Decimal `json:"credit_limit"`
	BranchID    string          `json:"branch_id"`
	RouteID     string          `json:"route_id"`
}

type CustomerDTO struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Type        string          `json:"type"`
	CreditLimit decimal.Decimal `json:"credit_limit"`
	Balance     decimal.Decimal `json:"balance"`
	BranchID    string          `json:"branch_id,omitempty"`
	RouteID     string          `json:"route_id,omitempty"`
	CreatedAt   string          `json:"created_at,omitempty"`
}

type InvoiceViewDTO struct {
	InvoiceID   string          `json:"invoice_id"`
	Number      string          `json:"number"`
	IssuedAt    string          `json:"issued_at"`
	GrandTotal  decimal.Decimal `json:"grand_total"`
	Paid        decimal.Decimal `json:"paid"`
	Balance     decimal.Decimal `json:"balance"`
	DaysOverdue int             `json:"days_overdue"`
}

type StatementDTO struct {
	Customer          CustomerDTO      `json:"customer"`
	Outstanding       decimal.Decimal  `json:"outstanding"`
	UnallocatedCredit decimal.Decimal  `json:"unallocated_credit"`
	AvailableCredit   decimal.Decimal  `json:"available_credit"`
	Invoices          []InvoiceViewDTO `json:"invoices"`
	Payments          []PaymentDTO     `json:"payments"`
}

type DeleteSummaryDTO struct {
	CustomerID       string               `json:"customer_id"`
	Mode             string               `json:"mode"`
	PaymentsDeleted  int                  `json:"payments_deleted"`
	InvoicesDeleted  int                  `json:"invoices_deleted"`
	LineItemsDeleted int                  `json:"line_items_deleted"`
	ReturnsDeleted   int                  `json:"returns_deleted"`
	StockRestored    bool                 `json:"stock_restored"`
	StockAdjustments []StockAdjustmentDTO `json:"stock_adjustments,omitempty"`
}

type StockAdjustmentDTO struct {
	ProductID string          `json:"product_id"`
	Delta     decimal.Decimal `json:"delta"`
}

// =============================================================================
// PAYMENTS
// =============================================================================

type CreatePaymentRequest struct {
	CustomerID  string          `json:"customer_id"`
	InvoiceID   string          `json:"invoice_id"`
	Amount      decimal.Decimal `json:"amount"`
	Method      string          `json:"method" validate:"required,oneof=cash cheque online pending"`
	Reference   string          `json:"reference" validate:"max=100"`
	PaymentDate string          `json:"payment_date" validate:"omitempty,datetime=2006-01-02"`
}

// BulkPaymentRequest items are validated one by one by the ledger so that
// a bad item fails alone.
type BulkPaymentRequest struct {
	Payments []CreatePaymentRequest `json:"payments"`
}

type TransitionRequest struct {
	Event string `json:"event" validate:"required,oneof=clear return revert void"`
}

type AllocationDTO struct {
	InvoiceID string          `json:"invoice_id"`
	Amount    decimal.Decimal `json:"amount"`
}

type PaymentDTO struct {
	ID          string          `json:"id"`
	CustomerID  string          `json:"customer_id"`
	InvoiceID   string          `json:"invoice_id,omitempty"`
	Amount      decimal.Decimal `json:"amount"`
	Method      string          `json:"method"`
	State       string          `json:"state"`
	Reference   string          `json:"reference,omitempty"`
	PaymentDate string          `json:"payment_date"`
	Allocations []AllocationDTO `json:"allocations"`
	CreatedAt   string          `json:"created_at"`
}

type BulkItemDTO struct {
	Index   int         `json:"index"`
	OK      bool        `json:"ok"`
	Payment *PaymentDTO `json:"payment,omitempty"`
	Kind    string      `json:"kind,omitempty"`
	Message string      `json:"message,omitempty"`
}

type BulkResultDTO struct {
	SuccessCount int           `json:"success_count"`
	FailureCount int           `json:"failure_count"`
	Items        []BulkItemDTO `json:"items"`
}

// =============================================================================
// SALES, RETURNS, EXPENSES, STOCK
// =============================================================================

type SaleLineRequest struct {
	ProductID string          `json:"product_id" validate:"required"`
	Quantity  decimal.Decimal `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	UnitCost  decimal.Decimal `json:"unit_cost"`
}

type CreateSaleRequest struct {
	CustomerID string            `json:"customer_id" validate:"required"`
	Number     string            `json:"number"`
	BranchID   string            `json:"branch_id"`
	RouteID    string            `json:"route_id"`
	IssuedAt   string            `json:"issued_at" validate:"omitempty,datetime=2006-01-02"`
	DueAt      string            `json:"due_at" validate:"omitempty,datetime=2006-01-02"`
	TaxPercent decimal.Decimal   `json:"tax_percent"`
	Lines      []SaleLineRequest `json:"lines" validate:"required,min=1,dive"`
}

type LineItemDTO struct {
	ProductID string          `json:"product_id"`
	Quantity  decimal.Decimal `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	UnitCost  decimal.Decimal `json:"unit_cost"`
}

type InvoiceDTO struct {
	ID            string          `json:"id"`
	Number        string          `json:"number"`
	CustomerID    string          `json:"customer_id"`
	BranchID      string          `json:"branch_id,omitempty"`
	RouteID       string          `json:"route_id,omitempty"`
	IssuedAt      string          `json:"issued_at"`
	DueAt         *string         `json:"due_at,omitempty"`
	GrandTotal    decimal.Decimal `json:"grand_total"`
	PaidAmount    decimal.Decimal `json:"paid_amount"`
	BalanceAmount decimal.Decimal `json:"balance_amount"`
	Lines         []LineItemDTO   `json:"lines"`
}

type ReturnLineRequest struct {
	ProductID string          `json:"product_id" validate:"required"`
	Quantity  decimal.Decimal `json:"quantity"`
}

type CreateReturnRequest struct {
	InvoiceID  string              `json:"invoice_id" validate:"required"`
	ReturnedAt string              `json:"returned_at" validate:"omitempty,datetime=2006-01-02"`
	Lines      []ReturnLineRequest `json:"lines" validate:"required,min=1,dive"`
}

type ReturnDTO struct {
	ID         string              `json:"id"`
	InvoiceID  string              `json:"invoice_id"`
	CustomerID string              `json:"customer_id"`
	ReturnedAt string              `json:"returned_at"`
	Lines      []ReturnLineRequest `json:"lines"`
}

type CreateExpenseRequest struct {
	BranchID    string          `json:"branch_id" validate:"required_without=RouteID"`
	RouteID     string          `json:"route_id"`
	Amount      decimal.Decimal `json:"amount"`
	Date        string          `json:"date" validate:"required,datetime=2006-01-02"`
	Status      string          `json:"status" validate:"omitempty,oneof=pending approved rejected"`
	Description string          `json:"description" validate:"max=500"`
}

type ExpenseDTO struct {
	ID          string          `json:"id"`
	BranchID    string          `json:"branch_id,omitempty"`
	RouteID     string          `json:"route_id,omitempty"`
	Amount      decimal.Decimal `json:"amount"`
	Date        string          `json:"date"`
	Status      string          `json:"status"`
	Description string          `json:"description,omitempty"`
}

type CreateProductRequest struct {
	ID    string          `json:"id" validate:"required"`
	Name  string          `json:"name" validate:"required"`
	Stock decimal.Decimal `json:"stock"`
}

type ProductDTO struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Stock decimal.Decimal `json:"stock"`
}

// =============================================================================
// BRANCHES, ROUTES, ROLLUPS
// =============================================================================

type CreateBranchRequest struct {
	ID   string `json:"id" validate:"required"`
	Name string `json:"name" validate:"required"`
}

type CreateRouteRequest struct {
	ID   string `json:"id" validate:"required"`
	Name string `json:"name" validate:"required"`
}

type BranchDTO struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type RouteDTO struct {
	ID       string `json:"id"`
	BranchID string `json:"branch_id"`
	Name     string `json:"name"`
}

type RollupDTO struct {
	Scope string `json:"scope"`
	ID    string `json:"id"`
	Name  string `json:"name"`
	From  string `json:"from"`
	To    string `json:"to"`

	TotalSales      decimal.Decimal `json:"total_sales"`
	CostOfGoodsSold decimal.Decimal `json:"cost_of_goods_sold"`
	TotalExpenses   decimal.Decimal `json:"total_expenses"`
	Profit          decimal.Decimal `json:"profit"`
	TotalPayments   decimal.Decimal `json:"total_payments"`
	InvoiceCount    int             `json:"invoice_count"`
	PreviousSales   decimal.Decimal `json:"previous_sales"`

	CollectionsRatio   *decimal.Decimal `json:"collections_ratio"`
	AverageInvoiceSize *decimal.Decimal `json:"average_invoice_size"`
	GrowthPercent      *decimal.Decimal `json:"growth_percent"`

	Routes []RollupDTO `json:"routes,omitempty"`
	Direct *RollupDTO  `json:"direct,omitempty"`
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error     string            `json:"error"`
	Code      string            `json:"code,omitempty"`
	Details   any               `json:"details,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"`
	Ceiling   *decimal.Decimal  `json:"ceiling,omitempty"`
	Requested *decimal.Decimal  `json:"requested,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func parseOptionalDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return ledger.ParseDate(s)
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(dateLayout)
}

func (r CreatePaymentRequest) toLedger() (ledger.PaymentRequest, error) {
	date, err := parseOptionalDate(r.PaymentDate)
	if err != nil {
		return ledger.PaymentRequest{}, err
	}
	return ledger.PaymentRequest{
		CustomerID:  ledger.CustomerID(r.CustomerID),
		InvoiceID:   ledger.InvoiceID(r.InvoiceID),
		Amount:      r.Amount,
		Method:      ledger.PaymentMethod(r.Method),
		Reference:   r.Reference,
		PaymentDate: date,
	}, nil
}

func (r CreateSaleRequest) toLedger() (ledger.SaleRequest, error) {
	issued, err := parseOptionalDate(r.IssuedAt)
	if err != nil {
		return ledger.SaleRequest{}, err
	}
	req := ledger.SaleRequest{
		CustomerID: ledger.CustomerID(r.CustomerID),
		Number:     r.Number,
		BranchID:   ledger.BranchID(r.BranchID),
		RouteID:    ledger.RouteID(r.RouteID),
		IssuedAt:   issued,
		TaxPercent: r.TaxPercent,
	}
	if r.DueAt != "" {
		due, err := ledger.ParseDate(r.DueAt)
		if err != nil {
			return ledger.SaleRequest{}, err
		}
		req.DueAt = &due
	}
	for _, l := range r.Lines {
		req.Lines = append(req.Lines, ledger.SaleLine{
			ProductID: ledger.ProductID(l.ProductID),
			Quantity:  l.Quantity,
			UnitPrice: l.UnitPrice,
			UnitCost:  l.UnitCost,
		})
	}
	return req, nil
}

func toCustomerDTO(c ledger.Customer) CustomerDTO {
	return CustomerDTO{
		ID:          string(c.ID),
		Name:        c.Name,
		Type:        string(c.Type),
		CreditLimit: c.CreditLimit,
		Balance:     c.Balance,
		BranchID:    string(c.BranchID),
		RouteID:     string(c.RouteID),
		CreatedAt:   c.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func toPaymentDTO(p ledger.Payment) PaymentDTO {
	dto := PaymentDTO{
		ID:          string(p.ID),
		CustomerID:  string(p.CustomerID),
		InvoiceID:   string(p.InvoiceID),
		Amount:      p.Amount,
		Method:      string(p.Method),
		State:       string(p.State),
		Reference:   p.Reference,
		PaymentDate: formatDate(p.PaymentDate),
		Allocations: make([]AllocationDTO, 0, len(p.Allocations)),
		CreatedAt:   p.CreatedAt.UTC().Format(time.RFC3339),
	}
	for _, a := range p.Allocations {
		dto.Allocations = append(dto.Allocations, AllocationDTO{InvoiceID: string(a.InvoiceID), Amount: a.Amount})
	}
	return dto
}

func toStatementDTO(s ledger.Statement) StatementDTO {
	dto := StatementDTO{
		Customer:          toCustomerDTO(s.Customer),
		Outstanding:       s.Outstanding,
		UnallocatedCredit: s.Ledger.UnallocatedCredit,
		AvailableCredit:   s.AvailableCredit,
		Invoices:          make([]InvoiceViewDTO, 0, len(s.Ledger.Invoices)),
		Payments:          make([]PaymentDTO, 0, len(s.Payments)),
	}
	for _, iv := range s.Ledger.Invoices {
		dto.Invoices = append(dto.Invoices, InvoiceViewDTO{
			InvoiceID:   string(iv.InvoiceID),
			Number:      iv.Number,
			IssuedAt:    formatDate(iv.IssuedAt),
			GrandTotal:  iv.GrandTotal,
			Paid:        iv.Paid,
			Balance:     iv.Balance,
			DaysOverdue: iv.DaysOverdue,
		})
	}
	for _, p := range s.Payments {
		dto.Payments = append(dto.Payments, toPaymentDTO(p))
	}
	return dto
}

func toInvoiceDTO(inv ledger.Invoice) InvoiceDTO {
	dto := InvoiceDTO{
		ID:            string(inv.ID),
		Number:        inv.Number,
		CustomerID:    string(inv.CustomerID),
		BranchID:      string(inv.BranchID),
		RouteID:       string(inv.RouteID),
		IssuedAt:      formatDate(inv.IssuedAt),
		GrandTotal:    inv.GrandTotal,
		PaidAmount:    inv.PaidAmount,
		BalanceAmount: inv.BalanceAmount,
		Lines:         make([]LineItemDTO, 0, len(inv.Lines)),
	}
	if inv.DueAt != nil {
		due := formatDate(*inv.DueAt)
		dto.DueAt = &due
	}
	for _, l := range inv.Lines {
		dto.Lines = append(dto.Lines, LineItemDTO{
			ProductID: string(l.ProductID),
			Quantity:  l.Quantity,
			UnitPrice: l.UnitPrice,
			UnitCost:  l.UnitCost,
		})
	}
	return dto
}

func toReturnDTO(r ledger.SaleReturn) ReturnDTO {
	dto := ReturnDTO{
		ID:         string(r.ID),
		InvoiceID:  string(r.InvoiceID),
		CustomerID: string(r.CustomerID),
		ReturnedAt: formatDate(r.ReturnedAt),
	}
	for _, l := range r.Lines {
		dto.Lines = append(dto.Lines, ReturnLineRequest{ProductID: string(l.ProductID), Quantity: l.Quantity})
	}
	return dto
}

func toExpenseDTO(e ledger.Expense) ExpenseDTO {
	return ExpenseDTO{
		ID:          string(e.ID),
		BranchID:    string(e.BranchID),
		RouteID:     string(e.RouteID),
		Amount:      e.Amount,
		Date:        formatDate(e.Date),
		Status:      string(e.Status),
		Description: e.Description,
	}
}

func toProductDTO(p ledger.Product) ProductDTO {
	return ProductDTO{ID: string(p.ID), Name: p.Name, Stock: p.Stock}
}

func toRollupDTO(r ledger.Rollup) RollupDTO {
	dto := RollupDTO{
		Scope:              string(r.Scope.Kind),
		ID:                 r.Scope.ID,
		Name:               r.Name,
		From:               formatDate(r.Period.From),
		To:                 formatDate(r.Period.To),
		TotalSales:         r.TotalSales,
		CostOfGoodsSold:    r.CostOfGoodsSold,
		TotalExpenses:      r.TotalExpenses,
		Profit:             r.Profit,
		TotalPayments:      r.TotalPayments,
		InvoiceCount:       r.InvoiceCount,
		PreviousSales:      r.PreviousSales,
		CollectionsRatio:   r.CollectionsRatio,
		AverageInvoiceSize: r.AverageInvoiceSize,
		GrowthPercent:      r.GrowthPercent,
	}
	for _, leaf := range r.Routes {
		dto.Routes = append(dto.Routes, toRollupDTO(leaf))
	}
	if r.Direct != nil {
		direct := toRollupDTO(*r.Direct)
		dto.Direct = &direct
	}
	return dto
}

func toDeleteSummaryDTO(s ledger.DeleteSummary) DeleteSummaryDTO {
	dto := DeleteSummaryDTO{
		CustomerID:       string(s.CustomerID),
		Mode:             string(s.Mode),
		PaymentsDeleted:  s.PaymentsDeleted,
		InvoicesDeleted:  s.InvoicesDeleted,
		LineItemsDeleted: s.LineItemsDeleted,
		ReturnsDeleted:   s.ReturnsDeleted,
		StockRestored:    s.StockRestored,
	}
	for _, a := range s.StockAdjustments {
		dto.StockAdjustments = append(dto.StockAdjustments, StockAdjustmentDTO{ProductID: string(a.ProductID), Delta: a.Delta})
	}
	return dto
}

func toBulkResultDTO(r ledger.BulkResult) BulkResultDTO {
	dto := BulkResultDTO{
		SuccessCount: r.SuccessCount,
		FailureCount: r.FailureCount,
		Items:        make([]BulkItemDTO, 0, len(r.Items)),
	}
	for _, item := range r.Items {
		out := BulkItemDTO{Index: item.Index, OK: item.OK(), Kind: item.Kind, Message: item.Message}
		if item.Payment != nil {
			p := toPaymentDTO(*item.Payment)
			out.Payment = &p
		}
		dto.Items = append(dto.Items, out)
	}
	return dto
}
