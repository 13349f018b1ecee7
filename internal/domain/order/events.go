package order

import (
	"context"
	"time"
)

// Event names as published to downstream consumers.
const (
	EventCreated            = "order.created"
	EventConfirmed          = "order.confirmed"
	EventCancelled          = "order.cancelled"
	EventPreparationStarted = "order.preparing"
	EventDispatched         = "order.dispatched"
	EventDelivered          = "order.delivered"
)

// Event is a fact recorded by the order aggregate.
type Event interface {
	EventName() string
	AggregateID() string
	OccurredAt() time.Time
}

// BaseEvent provides common event metadata.
type BaseEvent struct {
	OrderID   string
	Timestamp time.Time
}

// AggregateID returns the id of the order that raised the event.
func (e BaseEvent) AggregateID() string { return e.OrderID }

// OccurredAt returns when the event occurred.
func (e BaseEvent) OccurredAt() time.Time { return e.Timestamp }

// Created is raised when a checkout is turned into an order.
type Created struct {
	BaseEvent
	CustomerID      string
	EstablishmentID string
}

func (Created) EventName() string { return EventCreated }

// Confirmed is raised when payment is approved and stock is reserved.
type Confirmed struct {
	BaseEvent
	EstablishmentID string
}

func (Confirmed) EventName() string { return EventConfirmed }

// Cancelled is raised when the order is cancelled.
type Cancelled struct {
	BaseEvent
	Reason string
	// StockReleased is set when reserved stock was returned to the catalog.
	StockReleased bool
}

func (Cancelled) EventName() string { return EventCancelled }

// PreparationStarted is raised when the establishment starts the order.
type PreparationStarted struct {
	BaseEvent
}

func (PreparationStarted) EventName() string { return EventPreparationStarted }

// Dispatched is raised when the order is ready for the courier.
type Dispatched struct {
	BaseEvent
}

func (Dispatched) EventName() string { return EventDispatched }

// Delivered is raised when the order reaches the customer.
type Delivered struct {
	BaseEvent
}

func (Delivered) EventName() string { return EventDelivered }

// Publisher delivers events to downstream collaborators.
type Publisher interface {
	Publish(ctx context.Context, events ...Event) error
}
