// Package statemachine holds the transition tables for orders, provider payments
// and cashier payments. The tables are read-only after init and safe for concurrent use.
package statemachine

import (
	"fmt"

	"github.com/angelmondragon/commerce-core/pkg/enums"
	pkgerrors "github.com/angelmondragon/commerce-core/pkg/errors"
)

// Machine names the table a transition was checked against.
type Machine string

const (
	MachineOrder   Machine = "order"
	MachinePayment Machine = "payment"
	MachineCashier Machine = "cashier_payment"
)

// InvalidTransitionError is returned when to is not a successor of from.
type InvalidTransitionError struct {
	Machine Machine
	From    string
	To      string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid %s transition %s -> %s", e.Machine, e.From, e.To)
}

// AsError converts the transition failure into the API error taxonomy.
func (e *InvalidTransitionError) AsError() *pkgerrors.Error {
	return pkgerrors.Wrap(pkgerrors.CodeInvalidTransition, e, e.Error()).WithDetails(map[string]string{
		"machine": string(e.Machine),
		"from":    e.From,
		"to":      e.To,
	})
}

var orderTransitions = map[enums.OrderStatus][]enums.OrderStatus{
	enums.OrderStatusPending:        {enums.OrderStatusPaymentPending, enums.OrderStatusCancelled},
	enums.OrderStatusPaymentPending: {enums.OrderStatusPaid, enums.OrderStatusCancelled},
	enums.OrderStatusPaid:           {enums.OrderStatusPreparing, enums.OrderStatusCancelled},
	enums.OrderStatusPreparing:      {enums.OrderStatusReady, enums.OrderStatusCancelled},
	enums.OrderStatusReady:          {enums.OrderStatusCompleted, enums.OrderStatusCancelled},
	enums.OrderStatusCompleted:      nil,
	enums.OrderStatusCancelled:      nil,
}

var paymentTransitions = map[enums.PaymentStatus][]enums.PaymentStatus{
	enums.PaymentStatusPending:   {enums.PaymentStatusPaid, enums.PaymentStatusFailed, enums.PaymentStatusCancelled},
	enums.PaymentStatusFailed:    {enums.PaymentStatusPending},
	enums.PaymentStatusPaid:      {enums.PaymentStatusRefunded},
	enums.PaymentStatusRefunded:  nil,
	enums.PaymentStatusCancelled: nil,
}

var cashierTransitions = map[enums.CashierPaymentStatus][]enums.CashierPaymentStatus{
	enums.CashierStatusDeclared:   {enums.CashierStatusVerified, enums.CashierStatusDisputed, enums.CashierStatusVoided},
	enums.CashierStatusVerified:   {enums.CashierStatusReconciled, enums.CashierStatusDisputed},
	enums.CashierStatusDisputed:   {enums.CashierStatusVerified, enums.CashierStatusVoided, enums.CashierStatusReconciled},
	enums.CashierStatusVoided:     nil,
	enums.CashierStatusReconciled: nil,
}

func allowed[S comparable](table map[S][]S, from, to S) bool {
	for _, next := range table[from] {
		if next == to {
			return true
		}
	}
	return false
}

func terminal[S comparable](table map[S][]S, s S) bool {
	next, known := table[s]
	return known && len(next) == 0
}

// CanOrderTransition is the non-failing probe used by planners before attempting a move.
func CanOrderTransition(from, to enums.OrderStatus) bool {
	return allowed(orderTransitions, from, to)
}

// AssertOrderTransition returns an *InvalidTransitionError-backed error when the move is illegal.
func AssertOrderTransition(from, to enums.OrderStatus) error {
	if CanOrderTransition(from, to) {
		return nil
	}
	return (&InvalidTransitionError{Machine: MachineOrder, From: string(from), To: string(to)}).AsError()
}

// IsOrderTerminal reports whether s has no outgoing edges.
func IsOrderTerminal(s enums.OrderStatus) bool {
	return terminal(orderTransitions, s)
}

// OrderSuccessors lists the legal next states of s.
func OrderSuccessors(s enums.OrderStatus) []enums.OrderStatus {
	return append([]enums.OrderStatus(nil), orderTransitions[s]...)
}

func CanPaymentTransition(from, to enums.PaymentStatus) bool {
	return allowed(paymentTransitions, from, to)
}

func AssertPaymentTransition(from, to enums.PaymentStatus) error {
	if CanPaymentTransition(from, to) {
		return nil
	}
	return (&InvalidTransitionError{Machine: MachinePayment, From: string(from), To: string(to)}).AsError()
}

func IsPaymentTerminal(s enums.PaymentStatus) bool {
	return terminal(paymentTransitions, s)
}

func CanCashierTransition(from, to enums.CashierPaymentStatus) bool {
	return allowed(cashierTransitions, from, to)
}

func AssertCashierTransition(from, to enums.CashierPaymentStatus) error {
	if CanCashierTransition(from, to) {
		return nil
	}
	return (&InvalidTransitionError{Machine: MachineCashier, From: string(from), To: string(to)}).AsError()
}

// IsCashierTerminal lets schedulers skip VOIDED/RECONCILED records without loading them.
func IsCashierTerminal(s enums.CashierPaymentStatus) bool {
	return terminal(cashierTransitions, s)
}
