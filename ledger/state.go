/*
state.go - Payment instrument lifecycle

PURPOSE:
  Encodes which states a payment can be in, which moves between them are
  legal, and whether the payment currently reduces balances. There is one
  state field per payment; method and state together decide what is legal.

STATE MACHINE:

      create cash/online ──▶ completed (terminal)

      create cheque  ─┐
      create pending ─┴──▶ pending ──clear──▶ cleared
                             │  ▲               │
                             │  └────revert─────┘
                             ├──return──▶ returned (terminal)
                             └──void────▶ void (terminal)

  clear, return and revert are only legal for cheque payments. A pending
  IOU (method "pending") can only be voided.

BALANCE EFFECT:
  completed and cleared payments count toward balance reduction. Every
  other state has no effect. A transition that changes CountsTowardBalance
  must be applied together with the recomputed projections (engine.go does
  this inside one store transaction).

SEE ALSO:
  - engine.go: TransitionPayment
  - errors.go: InvalidTransitionError
*/
package ledger

type PaymentState string

const (
	StateCompleted PaymentState = "completed"
	StatePending   PaymentState = "pending"
	StateCleared   PaymentState = "cleared"
	StateReturned  PaymentState = "returned"
	StateVoid      PaymentState = "void"
)

// CountsTowardBalance reports whether payments in this state reduce
// invoice and customer balances.
func (s PaymentState) CountsTowardBalance() bool {
	return s == StateCompleted || s == StateCleared
}

// Terminal reports whether no further transition can leave this state.
func (s PaymentState) Terminal() bool {
	return s == StateCompleted || s == StateReturned || s == StateVoid
}

type PaymentEvent string

const (
	EventClear  PaymentEvent = "clear"
	EventReturn PaymentEvent = "return"
	EventRevert PaymentEvent = "revert"
	EventVoid   PaymentEvent = "void"
)

func (e PaymentEvent) Valid() bool {
	switch e {
	case EventClear, EventReturn, EventRevert, EventVoid:
		return true
	}
	return false
}

// InitialState returns the state a new payment starts in.
func InitialState(method PaymentMethod) PaymentState {
	switch method {
	case MethodCash, MethodOnline:
		return StateCompleted
	default:
		return StatePending
	}
}

type transitionKey struct {
	from  PaymentState
	event PaymentEvent
}

type transitionRule struct {
	to         PaymentState
	chequeOnly bool
}

var transitions = map[transitionKey]transitionRule{
	{StatePending, EventClear}:  {to: StateCleared, chequeOnly: true},
	{StatePending, EventReturn}: {to: StateReturned, chequeOnly: true},
	{StateCleared, EventRevert}: {to: StatePending, chequeOnly: true},
	{StatePending, EventVoid}:   {to: StateVoid},
}

// NextState returns the state p moves to on event, or an
// InvalidTransitionError. It never mutates p.
func NextState(p Payment, event PaymentEvent) (PaymentState, error) {
	rule, ok := transitions[transitionKey{from: p.State, event: event}]
	if !ok || (rule.chequeOnly && p.Method != MethodCheque) {
		return p.State, &InvalidTransitionError{
			PaymentID: p.ID,
			Method:    p.Method,
			From:      p.State,
			Event:     event,
		}
	}
	return rule.to, nil
}
