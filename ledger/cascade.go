/*
cascade.go - Customer deletion

PURPOSE:
  Removes a customer. A customer without financial history is simply
  deleted. A customer with history can only be removed with force, and
  then everything that depends on it goes too, with stock put back.

MODES:
  soft   no invoices, payments or returns: delete the customer row
  force  one transaction:
           1. delete every payment of the customer
           2. for each invoice:
                a. for each return: take its quantities back out of
                   stock, delete the return
                b. put each line's quantity back into stock
                c. delete the invoice and its lines
           3. delete the customer

  Without force, a customer with history fails with ErrHasTransactions and
  nothing changes.

ATOMICITY:
  Any failing step aborts the transaction: the customer, invoices,
  payments, returns and stock are exactly as they were, and the caller
  gets a CascadeError naming the step.

SEE ALSO:
  - store.go: WithTx
*/
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/credit-ledger/metrics"
)

type DeleteMode string

const (
	DeleteSoft  DeleteMode = "soft"
	DeleteForce DeleteMode = "force"
)

// StockAdjustment is the net stock change applied to one product.
type StockAdjustment struct {
	ProductID ProductID
	Delta     decimal.Decimal
}

// DeleteSummary reports what a deletion removed, for confirmation messages.
type DeleteSummary struct {
	CustomerID       CustomerID
	Mode             DeleteMode
	PaymentsDeleted  int
	InvoicesDeleted  int
	LineItemsDeleted int
	ReturnsDeleted   int
	StockRestored    bool
	StockAdjustments []StockAdjustment
}

// DeleteCustomer removes a customer, soft when there is no history and
// cascading when force is set.
func (e *Engine) DeleteCustomer(ctx context.Context, id CustomerID, force bool) (DeleteSummary, error) {
	defer metrics.ObserveSince("delete_customer", time.Now())

	summary, err := e.deleteCustomer(ctx, id, force)
	mode := string(DeleteSoft)
	if force {
		mode = string(DeleteForce)
	}
	if err != nil {
		metrics.CustomerDeletes.WithLabelValues(mode, Kind(err)).Inc()
		if errors.Is(err, ErrCascadeFailure) {
			e.log.Error().Err(err).Str("customer_id", string(id)).Msg("cascade deletion rolled back")
		}
		return DeleteSummary{}, err
	}
	metrics.CustomerDeletes.WithLabelValues(string(summary.Mode), "deleted").Inc()
	e.log.Info().
		Str("customer_id", string(id)).
		Str("mode", string(summary.Mode)).
		Int("payments", summary.PaymentsDeleted).
		Int("invoices", summary.InvoicesDeleted).
		Int("returns", summary.ReturnsDeleted).
		Bool("stock_restored", summary.StockRestored).
		Msg("customer deleted")
	return summary, nil
}

// history is everything that hangs off a customer.
type history struct {
	payments []Payment
	invoices []Invoice
	returns  map[InvoiceID][]SaleReturn
}

func (h history) empty() bool {
	return len(h.payments) == 0 && len(h.invoices) == 0
}

func loadHistory(ctx context.Context, s Store, id CustomerID) (history, error) {
	h := history{returns: make(map[InvoiceID][]SaleReturn)}
	var err error
	if h.payments, err = s.ListPaymentsByCustomer(ctx, id); err != nil {
		return h, err
	}
	if h.invoices, err = s.ListInvoicesByCustomer(ctx, id); err != nil {
		return h, err
	}
	for _, inv := range h.invoices {
		rets, err := s.ListReturnsByInvoice(ctx, inv.ID)
		if err != nil {
			return h, err
		}
		if len(rets) > 0 {
			h.returns[inv.ID] = rets
		}
	}
	return h, nil
}

func (e *Engine) deleteCustomer(ctx context.Context, id CustomerID, force bool) (DeleteSummary, error) {
	summary := DeleteSummary{CustomerID: id}
	err := e.withCustomer(ctx, id, func(s Store) error {
		if _, err := s.GetCustomer(ctx, id); err != nil {
			return err
		}
		h, err := loadHistory(ctx, s, id)
		if err != nil {
			return err
		}

		if h.empty() {
			summary.Mode = DeleteSoft
			return s.DeleteCustomer(ctx, id)
		}
		if !force {
			return ErrHasTransactions
		}

		summary.Mode = DeleteForce
		return cascade(ctx, s, id, h, &summary)
	})
	if err != nil {
		return DeleteSummary{}, err
	}
	return summary, nil
}

func cascade(ctx context.Context, s Store, id CustomerID, h history, summary *DeleteSummary) error {
	fail := func(step string, err error) error {
		return &CascadeError{CustomerID: id, Step: step, Err: err}
	}

	for _, p := range h.payments {
		if err := s.DeletePayment(ctx, p.ID); err != nil {
			return fail("delete payment "+string(p.ID), err)
		}
		summary.PaymentsDeleted++
	}

	net := make(map[ProductID]decimal.Decimal)
	var order []ProductID
	adjust := func(product ProductID, delta decimal.Decimal) error {
		if err := s.AdjustStock(ctx, product, delta); err != nil {
			return err
		}
		if _, ok := net[product]; !ok {
			order = append(order, product)
		}
		net[product] = net[product].Add(delta)
		return nil
	}

	for _, inv := range h.invoices {
		for _, ret := range h.returns[inv.ID] {
			for _, l := range ret.Lines {
				if err := adjust(l.ProductID, l.Quantity.Neg()); err != nil {
					return fail("reverse return "+string(ret.ID), err)
				}
			}
			if err := s.DeleteReturn(ctx, ret.ID); err != nil {
				return fail("delete return "+string(ret.ID), err)
			}
			summary.ReturnsDeleted++
		}
		for _, l := range inv.Lines {
			if err := adjust(l.ProductID, l.Quantity); err != nil {
				return fail("restore stock for invoice "+string(inv.ID), err)
			}
		}
		if err := s.DeleteInvoice(ctx, inv.ID); err != nil {
			return fail("delete invoice "+string(inv.ID), err)
		}
		summary.InvoicesDeleted++
		summary.LineItemsDeleted += len(inv.Lines)
	}

	if err := s.DeleteCustomer(ctx, id); err != nil {
		return fail("delete customer", err)
	}

	for _, product := range order {
		summary.StockAdjustments = append(summary.StockAdjustments, StockAdjustment{ProductID: product, Delta: net[product]})
	}
	summary.StockRestored = len(order) > 0
	return nil
}
