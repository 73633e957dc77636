/*
Package sqlite provides a SQLite-backed implementation of ledger.TxStore.

PURPOSE:
  Persists customers, invoices, payments, expenses, stock, returns and the
  branch/route registry. In production the same patterns apply to
  PostgreSQL, with minor SQL dialect differences.

KEY TABLES:
  customers:      Account holders with the cached balance projection
  invoices:       Sales with grand total and paid/balance projections
  invoice_lines:  Line items (quantity, unit price, unit cost)
  payments:       Payments with state and allocations (JSON)
  expenses:       Branch/route expenses with status
  products:       Stock levels
  sale_returns:   Returned goods against an invoice (lines as JSON)
  branches/routes: Reference data for rollups

AMOUNTS AND TIMES:
  Amounts are stored as decimal TEXT, never REAL. Times are stored as
  fixed-width UTC TEXT so that range queries can compare strings.

CONCURRENCY:
  WithTx holds a mutex for the whole transaction, so read-validate-write
  sequences from different goroutines never interleave. SQLITE_BUSY and
  SQLITE_LOCKED surface as ledger.ErrConcurrencyConflict so callers can
  retry.

USAGE:
  store, err := sqlite.New("./data/ledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := ledger.NewEngine(store)

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/credit-ledger/ledger"
)

// Store implements ledger.TxStore using SQLite.
type Store struct {
	queries
	db *sql.DB
	mu sync.Mutex
}

var _ ledger.TxStore = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	store := &Store{queries: queries{db: db}, db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS branches (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS routes (
		id TEXT PRIMARY KEY,
		branch_id TEXT NOT NULL REFERENCES branches(id),
		name TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_routes_branch ON routes(branch_id);

	CREATE TABLE IF NOT EXISTS customers (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		customer_type TEXT NOT NULL,
		credit_limit TEXT NOT NULL,
		balance TEXT NOT NULL,
		branch_id TEXT NOT NULL DEFAULT '',
		route_id TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS invoices (
		id TEXT PRIMARY KEY,
		number TEXT NOT NULL,
		customer_id TEXT NOT NULL,
		branch_id TEXT NOT NULL DEFAULT '',
		route_id TEXT NOT NULL DEFAULT '',
		issued_at TEXT NOT NULL,
		due_at TEXT,
		grand_total TEXT NOT NULL,
		paid_amount TEXT NOT NULL,
		balance_amount TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_invoices_customer ON invoices(customer_id);
	CREATE INDEX IF NOT EXISTS idx_invoices_route_issued ON invoices(route_id, issued_at);
	CREATE INDEX IF NOT EXISTS idx_invoices_branch_issued ON invoices(branch_id, issued_at);

	CREATE TABLE IF NOT EXISTS invoice_lines (
		id TEXT PRIMARY KEY,
		invoice_id TEXT NOT NULL REFERENCES invoices(id) ON DELETE CASCADE,
		position INTEGER NOT NULL,
		product_id TEXT NOT NULL,
		quantity TEXT NOT NULL,
		unit_price TEXT NOT NULL,
		unit_cost TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_invoice_lines_invoice ON invoice_lines(invoice_id, position);

	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		customer_id TEXT NOT NULL,
		invoice_id TEXT NOT NULL DEFAULT '',
		amount TEXT NOT NULL,
		method TEXT NOT NULL,
		state TEXT NOT NULL,
		reference TEXT NOT NULL DEFAULT '',
		payment_date TEXT NOT NULL,
		allocations_json TEXT NOT NULL DEFAULT '[]',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_payments_customer ON payments(customer_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_payments_date ON payments(payment_date);

	CREATE TABLE IF NOT EXISTS expenses (
		id TEXT PRIMARY KEY,
		branch_id TEXT NOT NULL DEFAULT '',
		route_id TEXT NOT NULL DEFAULT '',
		amount TEXT NOT NULL,
		expense_date TEXT NOT NULL,
		status TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_expenses_route_date ON expenses(route_id, expense_date);
	CREATE INDEX IF NOT EXISTS idx_expenses_branch_date ON expenses(branch_id, expense_date);

	CREATE TABLE IF NOT EXISTS products (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		stock TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sale_returns (
		id TEXT PRIMARY KEY,
		invoice_id TEXT NOT NULL,
		customer_id TEXT NOT NULL,
		returned_at TEXT NOT NULL,
		lines_json TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sale_returns_invoice ON sale_returns(invoice_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer sqlTx.Rollback()

	if err := fn(&queries{db: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return classify(fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries implements ledger.Store on top of a connection or a transaction.
type queries struct {
	db dbtx
}

var _ ledger.Store = (*queries)(nil)

func (q *queries) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	res, err := q.db.ExecContext(ctx, query, args...)
	return res, classify(err)
}

// execOne runs a statement that must touch exactly one row.
func (q *queries) execOne(ctx context.Context, notFound error, query string, args ...any) error {
	res, err := q.exec(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

// =============================================================================
// CUSTOMERS
// =============================================================================

func (q *queries) GetCustomer(ctx context.Context, id ledger.CustomerID) (ledger.Customer, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT id, name, customer_type, credit_limit, balance, branch_id, route_id, created_at
		FROM customers WHERE id = ?`, id)

	var c ledger.Customer
	var createdAt string
	err := row.Scan(&c.ID, &c.Name, &c.Type, &c.CreditLimit, &c.Balance, &c.BranchID, &c.RouteID, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Customer{}, ledger.ErrCustomerNotFound
	}
	if err != nil {
		return ledger.Customer{}, classify(err)
	}
	c.CreatedAt = parseTime(createdAt)
	return c, nil
}

func (q *queries) SaveCustomer(ctx context.Context, c ledger.Customer) error {
	_, err := q.exec(ctx, `
		INSERT OR REPLACE INTO customers
		(id, name, customer_type, credit_limit, balance, branch_id, route_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Name, c.Type, c.CreditLimit, c.Balance, c.BranchID, c.RouteID, formatTime(c.CreatedAt))
	return err
}

func (q *queries) UpdateCustomerBalance(ctx context.Context, id ledger.CustomerID, balance decimal.Decimal) error {
	return q.execOne(ctx, ledger.ErrCustomerNotFound,
		`UPDATE customers SET balance = ? WHERE id = ?`, balance, id)
}

func (q *queries) DeleteCustomer(ctx context.Context, id ledger.CustomerID) error {
	return q.execOne(ctx, ledger.ErrCustomerNotFound, `DELETE FROM customers WHERE id = ?`, id)
}

// =============================================================================
// INVOICES
// =============================================================================

const invoiceColumns = `id, number, customer_id, branch_id, route_id, issued_at, due_at,
	grand_total, paid_amount, balance_amount, created_at`

func (q *queries) GetInvoice(ctx context.Context, id ledger.InvoiceID) (ledger.Invoice, error) {
	invoices, err := q.queryInvoices(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = ?`, id)
	if err != nil {
		return ledger.Invoice{}, err
	}
	if len(invoices) == 0 {
		return ledger.Invoice{}, ledger.ErrInvoiceNotFound
	}
	return invoices[0], nil
}

func (q *queries) SaveInvoice(ctx context.Context, inv ledger.Invoice) error {
	var dueAt sql.NullString
	if inv.DueAt != nil {
		dueAt = sql.NullString{String: formatTime(*inv.DueAt), Valid: true}
	}
	_, err := q.exec(ctx, `
		INSERT INTO invoices (`+invoiceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inv.ID, inv.Number, inv.CustomerID, inv.BranchID, inv.RouteID,
		formatTime(inv.IssuedAt), dueAt,
		inv.GrandTotal, inv.PaidAmount, inv.BalanceAmount, formatTime(inv.CreatedAt))
	if err != nil {
		return err
	}
	for i, l := range inv.Lines {
		_, err := q.exec(ctx, `
			INSERT INTO invoice_lines (id, invoice_id, position, product_id, quantity, unit_price, unit_cost)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			l.ID, inv.ID, i, l.ProductID, l.Quantity, l.UnitPrice, l.UnitCost)
		if err != nil {
			return err
		}
	}
	return nil
}

func (q *queries) UpdateInvoiceProjection(ctx context.Context, id ledger.InvoiceID, paid, balance decimal.Decimal) error {
	return q.execOne(ctx, ledger.ErrInvoiceNotFound,
		`UPDATE invoices SET paid_amount = ?, balance_amount = ? WHERE id = ?`, paid, balance, id)
}

func (q *queries) ListInvoicesByCustomer(ctx context.Context, id ledger.CustomerID) ([]ledger.Invoice, error) {
	return q.queryInvoices(ctx, `
		SELECT `+invoiceColumns+` FROM invoices
		WHERE customer_id = ?
		ORDER BY issued_at, id`, id)
}

func (q *queries) ListInvoices(ctx context.Context, scope ledger.ScopeFilter, window ledger.Period) ([]ledger.Invoice, error) {
	where, args := scopeClause(scope)
	args = append(args, formatTime(window.Start()), formatTime(window.EndExclusive()))
	return q.queryInvoices(ctx, `
		SELECT `+invoiceColumns+` FROM invoices
		WHERE `+where+` AND issued_at >= ? AND issued_at < ?
		ORDER BY issued_at, id`, args...)
}

func (q *queries) DeleteInvoice(ctx context.Context, id ledger.InvoiceID) error {
	if _, err := q.exec(ctx, `DELETE FROM invoice_lines WHERE invoice_id = ?`, id); err != nil {
		return err
	}
	return q.execOne(ctx, ledger.ErrInvoiceNotFound, `DELETE FROM invoices WHERE id = ?`, id)
}

// queryInvoices loads invoices and then their lines. Rows are closed before
// the line queries run, so this is safe inside a single-connection tx.
func (q *queries) queryInvoices(ctx context.Context, query string, args ...any) ([]ledger.Invoice, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}

	var invoices []ledger.Invoice
	for rows.Next() {
		var inv ledger.Invoice
		var issuedAt, createdAt string
		var dueAt sql.NullString
		if err := rows.Scan(&inv.ID, &inv.Number, &inv.CustomerID, &inv.BranchID, &inv.RouteID,
			&issuedAt, &dueAt, &inv.GrandTotal, &inv.PaidAmount, &inv.BalanceAmount, &createdAt); err != nil {
			rows.Close()
			return nil, err
		}
		inv.IssuedAt = parseTime(issuedAt)
		inv.CreatedAt = parseTime(createdAt)
		if dueAt.Valid {
			t := parseTime(dueAt.String)
			inv.DueAt = &t
		}
		invoices = append(invoices, inv)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, classify(err)
	}

	for i := range invoices {
		if invoices[i].Lines, err = q.lines(ctx, invoices[i].ID); err != nil {
			return nil, err
		}
	}
	return invoices, nil
}

func (q *queries) lines(ctx context.Context, id ledger.InvoiceID) ([]ledger.LineItem, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, invoice_id, product_id, quantity, unit_price, unit_cost
		FROM invoice_lines WHERE invoice_id = ? ORDER BY position`, id)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var lines []ledger.LineItem
	for rows.Next() {
		var l ledger.LineItem
		if err := rows.Scan(&l.ID, &l.InvoiceID, &l.ProductID, &l.Quantity, &l.UnitPrice, &l.UnitCost); err != nil {
			return nil, err
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

// =============================================================================
// PAYMENTS
// =============================================================================

const paymentColumns = `id, customer_id, invoice_id, amount, method, state, reference,
	payment_date, allocations_json, created_at, updated_at`

// allocationRecord is the JSON shape of one allocation.
type allocationRecord struct {
	InvoiceID string          `json:"invoice_id"`
	Amount    decimal.Decimal `json:"amount"`
}

func (q *queries) GetPayment(ctx context.Context, id ledger.PaymentID) (ledger.Payment, error) {
	payments, err := q.queryPayments(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = ?`, id)
	if err != nil {
		return ledger.Payment{}, err
	}
	if len(payments) == 0 {
		return ledger.Payment{}, ledger.ErrPaymentNotFound
	}
	return payments[0], nil
}

func (q *queries) SavePayment(ctx context.Context, p ledger.Payment) error {
	records := make([]allocationRecord, 0, len(p.Allocations))
	for _, a := range p.Allocations {
		records = append(records, allocationRecord{InvoiceID: string(a.InvoiceID), Amount: a.Amount})
	}
	allocationsJSON, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("encode allocations: %w", err)
	}
	_, err = q.exec(ctx, `
		INSERT OR REPLACE INTO payments (`+paymentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.CustomerID, p.InvoiceID, p.Amount, p.Method, p.State, p.Reference,
		formatTime(p.PaymentDate), string(allocationsJSON),
		formatTime(p.CreatedAt), formatTime(p.UpdatedAt))
	return err
}

func (q *queries) ListPaymentsByCustomer(ctx context.Context, id ledger.CustomerID) ([]ledger.Payment, error) {
	return q.queryPayments(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE customer_id = ?
		ORDER BY created_at, id`, id)
}

func (q *queries) ListPaymentsInWindow(ctx context.Context, window ledger.Period) ([]ledger.Payment, error) {
	return q.queryPayments(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE payment_date >= ? AND payment_date < ?
		ORDER BY payment_date, id`,
		formatTime(window.Start()), formatTime(window.EndExclusive()))
}

func (q *queries) DeletePayment(ctx context.Context, id ledger.PaymentID) error {
	return q.execOne(ctx, ledger.ErrPaymentNotFound, `DELETE FROM payments WHERE id = ?`, id)
}

func (q *queries) queryPayments(ctx context.Context, query string, args ...any) ([]ledger.Payment, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var payments []ledger.Payment
	for rows.Next() {
		var p ledger.Payment
		var paymentDate, allocationsJSON, createdAt, updatedAt string
		if err := rows.Scan(&p.ID, &p.CustomerID, &p.InvoiceID, &p.Amount, &p.Method, &p.State,
			&p.Reference, &paymentDate, &allocationsJSON, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		var records []allocationRecord
		if err := json.Unmarshal([]byte(allocationsJSON), &records); err != nil {
			return nil, fmt.Errorf("decode allocations of payment %s: %w", p.ID, err)
		}
		for _, r := range records {
			p.Allocations = append(p.Allocations, ledger.Allocation{InvoiceID: ledger.InvoiceID(r.InvoiceID), Amount: r.Amount})
		}
		p.PaymentDate = parseTime(paymentDate)
		p.CreatedAt = parseTime(createdAt)
		p.UpdatedAt = parseTime(updatedAt)
		payments = append(payments, p)
	}
	return payments, classify(rows.Err())
}

// =============================================================================
// EXPENSES
// =============================================================================

func (q *queries) SaveExpense(ctx context.Context, e ledger.Expense) error {
	_, err := q.exec(ctx, `
		INSERT OR REPLACE INTO expenses (id, branch_id, route_id, amount, expense_date, status, description)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.BranchID, e.RouteID, e.Amount, formatTime(e.Date), e.Status, e.Description)
	return err
}

func (q *queries) ListExpenses(ctx context.Context, scope ledger.ScopeFilter, window ledger.Period) ([]ledger.Expense, error) {
	where, args := scopeClause(scope)
	args = append(args, formatTime(window.Start()), formatTime(window.EndExclusive()))
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, branch_id, route_id, amount, expense_date, status, description
		FROM expenses
		WHERE `+where+` AND expense_date >= ? AND expense_date < ?
		ORDER BY expense_date, id`, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var expenses []ledger.Expense
	for rows.Next() {
		var e ledger.Expense
		var date string
		if err := rows.Scan(&e.ID, &e.BranchID, &e.RouteID, &e.Amount, &date, &e.Status, &e.Description); err != nil {
			return nil, err
		}
		e.Date = parseTime(date)
		expenses = append(expenses, e)
	}
	return expenses, classify(rows.Err())
}

// =============================================================================
// STOCK
// =============================================================================

func (q *queries) GetProduct(ctx context.Context, id ledger.ProductID) (ledger.Product, error) {
	var p ledger.Product
	err := q.db.QueryRowContext(ctx, `SELECT id, name, stock FROM products WHERE id = ?`, id).
		Scan(&p.ID, &p.Name, &p.Stock)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Product{}, ledger.ErrProductNotFound
	}
	return p, classify(err)
}

func (q *queries) SaveProduct(ctx context.Context, p ledger.Product) error {
	_, err := q.exec(ctx, `INSERT OR REPLACE INTO products (id, name, stock) VALUES (?, ?, ?)`,
		p.ID, p.Name, p.Stock)
	return err
}

// AdjustStock reads and rewrites the stock in decimal arithmetic; SQLite
// would otherwise add TEXT amounts as floating point.
func (q *queries) AdjustStock(ctx context.Context, id ledger.ProductID, delta decimal.Decimal) error {
	p, err := q.GetProduct(ctx, id)
	if err != nil {
		return err
	}
	return q.execOne(ctx, ledger.ErrProductNotFound,
		`UPDATE products SET stock = ? WHERE id = ?`, p.Stock.Add(delta), id)
}

// =============================================================================
// RETURNS
// =============================================================================

type returnLineRecord struct {
	ProductID string          `json:"product_id"`
	Quantity  decimal.Decimal `json:"quantity"`
}

func (q *queries) SaveReturn(ctx context.Context, r ledger.SaleReturn) error {
	records := make([]returnLineRecord, 0, len(r.Lines))
	for _, l := range r.Lines {
		records = append(records, returnLineRecord{ProductID: string(l.ProductID), Quantity: l.Quantity})
	}
	linesJSON, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("encode return lines: %w", err)
	}
	_, err = q.exec(ctx, `
		INSERT OR REPLACE INTO sale_returns (id, invoice_id, customer_id, returned_at, lines_json)
		VALUES (?, ?, ?, ?, ?)`,
		r.ID, r.InvoiceID, r.CustomerID, formatTime(r.ReturnedAt), string(linesJSON))
	return err
}

func (q *queries) ListReturnsByInvoice(ctx context.Context, id ledger.InvoiceID) ([]ledger.SaleReturn, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, invoice_id, customer_id, returned_at, lines_json
		FROM sale_returns WHERE invoice_id = ? ORDER BY returned_at, id`, id)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var returns []ledger.SaleReturn
	for rows.Next() {
		var r ledger.SaleReturn
		var returnedAt, linesJSON string
		if err := rows.Scan(&r.ID, &r.InvoiceID, &r.CustomerID, &returnedAt, &linesJSON); err != nil {
			return nil, err
		}
		var records []returnLineRecord
		if err := json.Unmarshal([]byte(linesJSON), &records); err != nil {
			return nil, fmt.Errorf("decode lines of return %s: %w", r.ID, err)
		}
		for _, l := range records {
			r.Lines = append(r.Lines, ledger.ReturnLine{ProductID: ledger.ProductID(l.ProductID), Quantity: l.Quantity})
		}
		r.ReturnedAt = parseTime(returnedAt)
		returns = append(returns, r)
	}
	return returns, classify(rows.Err())
}

func (q *queries) DeleteReturn(ctx context.Context, id ledger.ReturnID) error {
	_, err := q.exec(ctx, `DELETE FROM sale_returns WHERE id = ?`, id)
	return err
}

// =============================================================================
// REGISTRY
// =============================================================================

func (q *queries) GetBranch(ctx context.Context, id ledger.BranchID) (ledger.Branch, error) {
	var b ledger.Branch
	err := q.db.QueryRowContext(ctx, `SELECT id, name FROM branches WHERE id = ?`, id).Scan(&b.ID, &b.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Branch{}, ledger.ErrBranchNotFound
	}
	return b, classify(err)
}

func (q *queries) SaveBranch(ctx context.Context, b ledger.Branch) error {
	_, err := q.exec(ctx, `INSERT OR REPLACE INTO branches (id, name) VALUES (?, ?)`, b.ID, b.Name)
	return err
}

func (q *queries) GetRoute(ctx context.Context, id ledger.RouteID) (ledger.Route, error) {
	var r ledger.Route
	err := q.db.QueryRowContext(ctx, `SELECT id, branch_id, name FROM routes WHERE id = ?`, id).
		Scan(&r.ID, &r.BranchID, &r.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Route{}, ledger.ErrRouteNotFound
	}
	return r, classify(err)
}

func (q *queries) SaveRoute(ctx context.Context, r ledger.Route) error {
	_, err := q.exec(ctx, `INSERT OR REPLACE INTO routes (id, branch_id, name) VALUES (?, ?, ?)`,
		r.ID, r.BranchID, r.Name)
	return err
}

func (q *queries) ListRoutes(ctx context.Context, id ledger.BranchID) ([]ledger.Route, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT id, branch_id, name FROM routes WHERE branch_id = ? ORDER BY id`, id)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var routes []ledger.Route
	for rows.Next() {
		var r ledger.Route
		if err := rows.Scan(&r.ID, &r.BranchID, &r.Name); err != nil {
			return nil, err
		}
		routes = append(routes, r)
	}
	return routes, classify(rows.Err())
}

// =============================================================================
// HELPERS
// =============================================================================

// timeLayout is fixed-width so stored times sort lexicographically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t.UTC()
}

func scopeClause(f ledger.ScopeFilter) (string, []any) {
	switch {
	case f.RouteID != "":
		return "route_id = ?", []any{f.RouteID}
	case f.DirectOnly:
		return "branch_id = ? AND route_id = ''", []any{f.BranchID}
	default:
		return "branch_id = ?", []any{f.BranchID}
	}
}

// classify maps SQLite lock contention to ledger.ErrConcurrencyConflict.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var se sqlite3.Error
	if errors.As(err, &se) && (se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked) {
		return fmt.Errorf("%w: %v", ledger.ErrConcurrencyConflict, err)
	}
	if strings.Contains(err.Error(), "database is locked") {
		return fmt.Errorf("%w: %v", ledger.ErrConcurrencyConflict, err)
	}
	return err
}
