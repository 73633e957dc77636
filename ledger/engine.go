/*
engine.go - Operations exposed by the ledger core

PURPOSE:
  Engine is the single entry point for every ledger mutation and for the
  read paths that must agree with it. Each operation follows the same
  shape:

    1. validate what can be validated without the store
    2. take the per-customer lock
    3. inside one store transaction: load ground truth, recompute the
       ledger, verify the stored projections, apply the change, write the
       recomputed projections back

  Step 3 is what keeps read-validate-write atomic: a ceiling check and
  the write it guards can never interleave with another operation on the
  same customer.

OPERATIONS:
  CreatePayment      validate and record a payment (validateAndCreatePayment)
  TransitionPayment  move a payment through the state machine
  ProcessBulk        bulk.go
  ComputeRollup      rollup.go
  DeleteCustomer     cascade.go
  Statement          recomputed ledger view for a customer
  Recalculate        explicit rewrite of drifted projections
  RecordSale         create an invoice, deducting stock
  RecordReturn       put returned goods back into stock
  RecordExpense      record a branch/route expense

SEE ALSO:
  - arithmetic.go: ComputeLedger, AllocateFIFO
  - validator.go: Request and ceiling checks
  - state.go: NextState
*/
package ledger

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/warp/credit-ledger/metrics"
)

// =============================================================================
// LOCKING
// =============================================================================

// Locker serializes operations that touch the same customer. Acquire blocks
// until the key is held or fails with an error wrapping
// ErrConcurrencyConflict.
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

type nopLocker struct{}

func (nopLocker) Acquire(context.Context, string) (func(), error) { return func() {}, nil }

func customerKey(id CustomerID) string { return "ledger:customer:" + string(id) }

// =============================================================================
// ENGINE
// =============================================================================

// DefaultMaxBatchSize bounds ProcessBulk when no other limit is configured.
const DefaultMaxBatchSize = 500

type Engine struct {
	store     TxStore
	locker    Locker
	validator *Validator
	log       zerolog.Logger
	now       Clock
	newID     func() string
	maxBatch  int
}

type Option func(*Engine)

// WithLocker sets the per-customer locker. Without it, serialization relies
// on the store's transactions alone.
func WithLocker(l Locker) Option { return func(e *Engine) { e.locker = l } }

func WithValidatorConfig(cfg ValidatorConfig) Option {
	return func(e *Engine) { e.validator = NewValidator(cfg) }
}

func WithLogger(l zerolog.Logger) Option { return func(e *Engine) { e.log = l } }

func WithClock(c Clock) Option { return func(e *Engine) { e.now = c } }

// WithIDGenerator replaces the UUID generator, mostly for tests.
func WithIDGenerator(f func() string) Option { return func(e *Engine) { e.newID = f } }

func WithMaxBatchSize(n int) Option { return func(e *Engine) { e.maxBatch = n } }

func NewEngine(store TxStore, opts ...Option) *Engine {
	e := &Engine{
		store:     store,
		locker:    nopLocker{},
		validator: NewValidator(DefaultValidatorConfig()),
		log:       zerolog.Nop(),
		now:       func() time.Time { return time.Now().UTC() },
		newID:     uuid.NewString,
		maxBatch:  DefaultMaxBatchSize,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Validator exposes the engine's validator configuration to callers that
// pre-check input.
func (e *Engine) Validator() *Validator { return e.validator }

// Now returns the engine clock's current time.
func (e *Engine) Now() time.Time { return e.now().UTC() }

// withCustomer runs fn inside a transaction while holding the customer lock.
func (e *Engine) withCustomer(ctx context.Context, id CustomerID, fn func(Store) error) error {
	release, err := e.locker.Acquire(ctx, customerKey(id))
	if err != nil {
		return err
	}
	defer release()
	return e.store.WithTx(ctx, fn)
}

// =============================================================================
// ACCOUNT LOADING AND PROJECTIONS
// =============================================================================

// account is the ground truth of one customer, loaded inside a transaction.
type account struct {
	customer Customer
	invoices []Invoice
	payments []Payment
	view     LedgerView
}

func (e *Engine) loadAccount(ctx context.Context, s Store, id CustomerID, now time.Time) (*account, error) {
	c, err := s.GetCustomer(ctx, id)
	if err != nil {
		return nil, err
	}
	invoices, err := s.ListInvoicesByCustomer(ctx, id)
	if err != nil {
		return nil, err
	}
	payments, err := s.ListPaymentsByCustomer(ctx, id)
	if err != nil {
		return nil, err
	}
	return &account{
		customer: c,
		invoices: invoices,
		payments: payments,
		view:     ComputeLedger(invoices, payments, now),
	}, nil
}

// verify checks stored projections against the recomputed view. Mismatches
// are logged, counted and returned; they are never corrected here.
func (e *Engine) verify(a *account) error {
	err := VerifyProjections(a.customer, a.invoices, a.view)
	if err != nil {
		e.reportIntegrity(err)
	}
	return err
}

func (e *Engine) reportIntegrity(err error) {
	var die *DataIntegrityError
	if errors.As(err, &die) {
		metrics.IntegrityErrors.WithLabelValues(die.Subject).Inc()
		e.log.Error().
			Str("subject", die.Subject).
			Str("id", die.ID).
			Str("field", die.Field).
			Str("stored", die.Stored.StringFixed(2)).
			Str("computed", die.Computed.StringFixed(2)).
			Msg("stored projection disagrees with recomputed value")
	}
}

// writeProjections recomputes the ledger from a's invoices and payments and
// writes every projection that changed.
func (e *Engine) writeProjections(ctx context.Context, s Store, a *account, now time.Time) error {
	a.view = ComputeLedger(a.invoices, a.payments, now)
	for i, inv := range a.invoices {
		iv, _ := a.view.Invoice(inv.ID)
		if iv.Balance.LessThan(Tolerance.Neg()) {
			return &DataIntegrityError{Subject: "invoice", ID: string(inv.ID), Field: "balance_amount", Stored: inv.BalanceAmount, Computed: iv.Balance}
		}
		if inv.PaidAmount.Equal(iv.Paid) && inv.BalanceAmount.Equal(iv.Balance) {
			continue
		}
		if err := s.UpdateInvoiceProjection(ctx, inv.ID, iv.Paid, iv.Balance); err != nil {
			return err
		}
		a.invoices[i].PaidAmount = iv.Paid
		a.invoices[i].BalanceAmount = iv.Balance
	}
	if !a.customer.Balance.Equal(a.view.Balance) {
		if err := s.UpdateCustomerBalance(ctx, a.customer.ID, a.view.Balance); err != nil {
			return err
		}
		a.customer.Balance = a.view.Balance
	}
	return nil
}

func (a *account) replacePayment(p Payment) {
	for i := range a.payments {
		if a.payments[i].ID == p.ID {
			a.payments[i] = p
			return
		}
	}
	a.payments = append(a.payments, p)
}

// allocate decides how a payment that starts counting reduces balances.
func allocate(p Payment, view LedgerView) []Allocation {
	if p.InvoiceID != "" {
		return []Allocation{{InvoiceID: p.InvoiceID, Amount: p.Amount}}
	}
	return AllocateFIFO(p.Amount, view)
}

// applyCredit spreads the unallocated remainder of undirected payments over
// open invoices, oldest payment first, and saves the payments it extends.
func (e *Engine) applyCredit(ctx context.Context, s Store, a *account, now time.Time) error {
	a.view = ComputeLedger(a.invoices, a.payments, now)
	if !a.view.UnallocatedCredit.IsPositive() || !a.view.Outstanding.IsPositive() {
		return nil
	}

	payments := make([]Payment, len(a.payments))
	copy(payments, a.payments)
	sort.SliceStable(payments, func(i, j int) bool {
		if payments[i].PaymentDate.Equal(payments[j].PaymentDate) {
			return payments[i].ID < payments[j].ID
		}
		return payments[i].PaymentDate.Before(payments[j].PaymentDate)
	})

	for _, p := range payments {
		if !p.Counts() || p.InvoiceID != "" {
			continue
		}
		remaining := p.Amount.Sub(p.Allocated())
		if !remaining.IsPositive() {
			continue
		}
		extra := AllocateFIFO(remaining, a.view)
		if len(extra) == 0 {
			break
		}
		p.Allocations = mergeAllocations(p.Allocations, extra)
		p.UpdatedAt = now
		if err := s.SavePayment(ctx, p); err != nil {
			return err
		}
		a.replacePayment(p)
		a.view = ComputeLedger(a.invoices, a.payments, now)
	}
	return nil
}

func mergeAllocations(existing, extra []Allocation) []Allocation {
	out := append([]Allocation(nil), existing...)
	for _, x := range extra {
		merged := false
		for i := range out {
			if out[i].InvoiceID == x.InvoiceID {
				out[i].Amount = out[i].Amount.Add(x.Amount)
				merged = true
				break
			}
		}
		if !merged {
			out = append(out, x)
		}
	}
	return out
}

// =============================================================================
// PAYMENTS
// =============================================================================

// CreatePayment validates a payment request and records it. Cash and online
// payments reduce balances immediately; cheque and pending payments are
// recorded without balance effect.
func (e *Engine) CreatePayment(ctx context.Context, req PaymentRequest) (Payment, error) {
	defer metrics.ObserveSince("create_payment", time.Now())

	p, err := e.createPayment(ctx, req)
	if err != nil {
		metrics.PaymentsRejected.WithLabelValues(Kind(err)).Inc()
		ev := e.log.Info()
		if !IsClientError(err) && !IsNotFound(err) {
			ev = e.log.Error()
		}
		ev.Err(err).
			Str("customer_id", string(req.CustomerID)).
			Str("invoice_id", string(req.InvoiceID)).
			Str("amount", req.Amount.String()).
			Msg("payment rejected")
		return Payment{}, err
	}

	metrics.PaymentsCreated.WithLabelValues(string(p.Method), string(p.State)).Inc()
	e.log.Info().
		Str("payment_id", string(p.ID)).
		Str("customer_id", string(p.CustomerID)).
		Str("invoice_id", string(p.InvoiceID)).
		Str("method", string(p.Method)).
		Str("state", string(p.State)).
		Str("amount", p.Amount.StringFixed(2)).
		Msg("payment created")
	return p, nil
}

func (e *Engine) createPayment(ctx context.Context, req PaymentRequest) (Payment, error) {
	now := e.now()
	if err := e.validator.CheckRequest(req, now); err != nil {
		return Payment{}, err
	}

	customerID := req.CustomerID
	if req.Directed() {
		// The owning customer of an invoice never changes, so it is safe to
		// resolve it before taking the lock.
		inv, err := e.store.GetInvoice(ctx, req.InvoiceID)
		if err != nil {
			return Payment{}, err
		}
		if customerID != "" && customerID != inv.CustomerID {
			return Payment{}, invalid("customer_id", "invoice %s belongs to customer %s, not %s", inv.ID, inv.CustomerID, customerID)
		}
		customerID = inv.CustomerID
	}

	paymentDate := req.PaymentDate
	if paymentDate.IsZero() {
		paymentDate = now
	}
	p := Payment{
		ID:          PaymentID(e.newID()),
		CustomerID:  customerID,
		InvoiceID:   req.InvoiceID,
		Amount:      req.Amount,
		Method:      req.Method,
		State:       InitialState(req.Method),
		Reference:   req.Reference,
		PaymentDate: paymentDate.UTC(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err := e.withCustomer(ctx, customerID, func(s Store) error {
		a, err := e.loadAccount(ctx, s, customerID, now)
		if err != nil {
			return err
		}
		if err := e.verify(a); err != nil {
			return err
		}
		if err := e.checkCeiling(p, a); err != nil {
			return err
		}
		if p.Counts() {
			p.Allocations = allocate(p, a.view)
		}
		if err := s.SavePayment(ctx, p); err != nil {
			return err
		}
		if !p.Counts() {
			return nil
		}
		a.replacePayment(p)
		return e.writeProjections(ctx, s, a, now)
	})
	if err != nil {
		return Payment{}, err
	}
	return p, nil
}

func (e *Engine) checkCeiling(p Payment, a *account) error {
	if p.InvoiceID == "" {
		return e.validator.CheckCustomerCeiling(p.CustomerID, p.Amount, a.view)
	}
	iv, ok := a.view.Invoice(p.InvoiceID)
	if !ok {
		return ErrInvoiceNotFound
	}
	return e.validator.CheckInvoiceCeiling(p.CustomerID, p.Amount, iv)
}

// GetPayment returns a stored payment.
func (e *Engine) GetPayment(ctx context.Context, id PaymentID) (Payment, error) {
	return e.store.GetPayment(ctx, id)
}

// TransitionPayment applies event to the payment. A transition that changes
// whether the payment counts is written together with the recomputed
// invoice and customer balances; an illegal transition changes nothing.
func (e *Engine) TransitionPayment(ctx context.Context, id PaymentID, event PaymentEvent) (Payment, error) {
	defer metrics.ObserveSince("transition_payment", time.Now())

	p, err := e.transitionPayment(ctx, id, event)
	if err != nil {
		metrics.Transitions.WithLabelValues(string(event), Kind(err)).Inc()
		e.log.Info().Err(err).
			Str("payment_id", string(id)).
			Str("event", string(event)).
			Msg("transition rejected")
		return Payment{}, err
	}
	metrics.Transitions.WithLabelValues(string(event), "applied").Inc()
	e.log.Info().
		Str("payment_id", string(p.ID)).
		Str("customer_id", string(p.CustomerID)).
		Str("event", string(event)).
		Str("state", string(p.State)).
		Msg("payment transitioned")
	return p, nil
}

func (e *Engine) transitionPayment(ctx context.Context, id PaymentID, event PaymentEvent) (Payment, error) {
	if !event.Valid() {
		return Payment{}, invalid("event", "unknown event %q", event)
	}
	current, err := e.store.GetPayment(ctx, id)
	if err != nil {
		return Payment{}, err
	}
	if _, err := NextState(current, event); err != nil {
		return Payment{}, err
	}

	now := e.now()
	var result Payment
	err = e.withCustomer(ctx, current.CustomerID, func(s Store) error {
		p, err := s.GetPayment(ctx, id)
		if err != nil {
			return err
		}
		next, err := NextState(p, event)
		if err != nil {
			return err
		}
		a, err := e.loadAccount(ctx, s, p.CustomerID, now)
		if err != nil {
			return err
		}
		if err := e.verify(a); err != nil {
			return err
		}

		counted, counts := p.Counts(), next.CountsTowardBalance()
		switch {
		case !counted && counts:
			if err := e.checkCeiling(p, a); err != nil {
				return err
			}
			p.Allocations = allocate(p, a.view)
		case counted && !counts:
			p.Allocations = nil
		}
		p.State = next
		p.UpdatedAt = now
		if err := s.SavePayment(ctx, p); err != nil {
			return err
		}
		result = p
		if counted == counts {
			return nil
		}
		a.replacePayment(p)
		return e.writeProjections(ctx, s, a, now)
	})
	if err != nil {
		return Payment{}, err
	}
	return result, nil
}

// =============================================================================
// STATEMENT AND RECALCULATION
// =============================================================================

// Statement is the recomputed state of a customer's account.
type Statement struct {
	Customer        Customer
	Outstanding     decimal.Decimal
	AvailableCredit decimal.Decimal
	Ledger          LedgerView
	Payments        []Payment
}

// Statement returns the customer's account recomputed from invoices and
// payments. A stored projection that disagrees fails the call with a
// DataIntegrityError; use Recalculate to rewrite it.
func (e *Engine) Statement(ctx context.Context, id CustomerID) (Statement, error) {
	now := e.now()
	var st Statement
	err := e.store.WithTx(ctx, func(s Store) error {
		a, err := e.loadAccount(ctx, s, id, now)
		if err != nil {
			return err
		}
		outstanding, err := OutstandingBalance(a.customer, a.invoices, countingPayments(a.payments))
		if err != nil {
			e.reportIntegrity(err)
			return err
		}
		if err := e.verify(a); err != nil {
			return err
		}
		st = statementOf(a, outstanding)
		return nil
	})
	return st, err
}

// Recalculate rewrites the customer's stored projections from ground truth.
// It is the only operation that corrects a drifted projection.
func (e *Engine) Recalculate(ctx context.Context, id CustomerID) (Statement, error) {
	now := e.now()
	var st Statement
	err := e.withCustomer(ctx, id, func(s Store) error {
		a, err := e.loadAccount(ctx, s, id, now)
		if err != nil {
			return err
		}
		drift := VerifyProjections(a.customer, a.invoices, a.view)
		if err := e.writeProjections(ctx, s, a, now); err != nil {
			return err
		}
		if drift != nil {
			metrics.ProjectionsCorrected.Inc()
			e.log.Warn().Err(drift).Str("customer_id", string(id)).Msg("projections recalculated")
		}
		st = statementOf(a, a.view.Outstanding)
		return nil
	})
	return st, err
}

func statementOf(a *account, outstanding decimal.Decimal) Statement {
	return Statement{
		Customer:        a.customer,
		Outstanding:     outstanding,
		AvailableCredit: AvailableCredit(a.customer),
		Ledger:          a.view,
		Payments:        a.payments,
	}
}

func countingPayments(payments []Payment) []Payment {
	var out []Payment
	for _, p := range payments {
		if p.Counts() {
			out = append(out, p)
		}
	}
	return out
}
