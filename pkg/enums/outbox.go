package enums

import "fmt"

// OutboxStatus is the delivery state of a webhook_outbox row.
type OutboxStatus string

const (
	OutboxStatusPending OutboxStatus = "PENDING"
	OutboxStatusSent    OutboxStatus = "SENT"
	OutboxStatusFailed  OutboxStatus = "FAILED"
)

var validOutboxStatuses = []OutboxStatus{
	OutboxStatusPending,
	OutboxStatusSent,
	OutboxStatusFailed,
}

// OutboxStatuses lists every outbox status.
func OutboxStatuses() []OutboxStatus {
	return append([]OutboxStatus(nil), validOutboxStatuses...)
}

// IsValid reports whether the value matches a known outbox status.
func (s OutboxStatus) IsValid() bool {
	for _, candidate := range validOutboxStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the dispatcher will never touch the row again.
func (s OutboxStatus) IsTerminal() bool {
	return s == OutboxStatusSent || s == OutboxStatusFailed
}

// ParseOutboxStatus converts raw input into OutboxStatus.
func ParseOutboxStatus(value string) (OutboxStatus, error) {
	for _, candidate := range validOutboxStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid outbox status %q", value)
}

// OutboxEventType names the domain events tenants can subscribe to.
type OutboxEventType string

const (
	EventOrderCreated     OutboxEventType = "order.created"
	EventOrderStatus      OutboxEventType = "order.status_changed"
	EventOrderPaid        OutboxEventType = "order.paid"
	EventOrderCancelled   OutboxEventType = "order.cancelled"
	EventOrderCompleted   OutboxEventType = "order.completed"
	EventPaymentCreated   OutboxEventType = "payment.created"
	EventPaymentPaid      OutboxEventType = "payment.paid"
	EventPaymentFailed    OutboxEventType = "payment.failed"
	EventPaymentRefunded  OutboxEventType = "payment.refunded"
	EventCashierRecorded  OutboxEventType = "cashier_payment.status_changed"
	EventInventoryRestock OutboxEventType = "inventory.restocked"
)

var validOutboxEventTypes = []OutboxEventType{
	EventOrderCreated,
	EventOrderStatus,
	EventOrderPaid,
	EventOrderCancelled,
	EventOrderCompleted,
	EventPaymentCreated,
	EventPaymentPaid,
	EventPaymentFailed,
	EventPaymentRefunded,
	EventCashierRecorded,
	EventInventoryRestock,
}

// IsValid reports whether the value matches a known event type.
func (e OutboxEventType) IsValid() bool {
	for _, candidate := range validOutboxEventTypes {
		if candidate == e {
			return true
		}
	}
	return false
}

// ParseOutboxEventType converts raw input into OutboxEventType.
func ParseOutboxEventType(value string) (OutboxEventType, error) {
	for _, candidate := range validOutboxEventTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid event type %q", value)
}

// DeliveryTransport selects how a subscription receives outbox events.
type DeliveryTransport string

const (
	TransportHTTP   DeliveryTransport = "http"
	TransportPubSub DeliveryTransport = "pubsub"
)

// IsValid reports whether the transport is supported.
func (t DeliveryTransport) IsValid() bool {
	return t == TransportHTTP || t == TransportPubSub
}
