package domain

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// EventType names an outbox event.
type EventType string

const (
	EventSignalGenerated    EventType = "SignalGenerated"
	EventRiskEvaluated      EventType = "RiskEvaluated"
	EventOrderPlaced        EventType = "OrderPlaced"
	EventOrderStatusChanged EventType = "OrderStatusChanged"
	EventFillReceived       EventType = "FillReceived"
	EventPositionUpdated    EventType = "PositionUpdated"
	EventPnlUpdated         EventType = "PnlUpdated"
	EventKillSwitchChanged  EventType = "KillSwitchChanged"
	EventAlertDispatched    EventType = "AlertDispatched"
)

// SchemaVersion is the major version of the event envelope. Bump on breaking changes.
const SchemaVersion = 1

// OutboxEvent is a durable, not yet dead-lettered, event.
type OutboxEvent struct {
	Sequence      int64
	EventID       string
	Type          EventType
	OccurredAt    time.Time
	CorrelationID string
	Environment   string
	Payload       json.RawMessage
	PublishedAt   *time.Time
	RetryCount    int
	NextAttemptAt time.Time
	LastError     string
}

// DeadLetter is an event that exhausted its retry budget.
type DeadLetter struct {
	OutboxEvent
	Reason         string
	DeadLetteredAt time.Time
}

// Envelope is the wire format delivered to sinks. Consumers dedupe on EventID.
type Envelope struct {
	EventID       string          `json:"eventId"`
	EventType     EventType       `json:"eventType"`
	SchemaVersion int             `json:"schemaVersion"`
	OccurredAt    time.Time       `json:"occurredAt"`
	CorrelationID string          `json:"correlationId"`
	Environment   string          `json:"environment"`
	Payload       json.RawMessage `json:"payload"`
}

// Envelope wraps the event for delivery.
func (e *OutboxEvent) Envelope() Envelope {
	return Envelope{
		EventID:       e.EventID,
		EventType:     e.Type,
		SchemaVersion: SchemaVersion,
		OccurredAt:    e.OccurredAt,
		CorrelationID: e.CorrelationID,
		Environment:   e.Environment,
		Payload:       e.Payload,
	}
}

// Payloads

type SignalGeneratedPayload struct {
	Signal Signal `json:"signal"`
}

type RiskEvaluatedPayload struct {
	AccountID     string          `json:"accountId"`
	Symbol        string          `json:"symbol"`
	Side          OrderSide       `json:"side"`
	IntendedValue decimal.Decimal `json:"intendedValue"`
	Approved      bool            `json:"approved"`
	Reason        RiskReason      `json:"reason,omitempty"`
	Message       string          `json:"message,omitempty"`
}

type OrderPlacedPayload struct {
	OrderID        string              `json:"orderId"`
	AccountID      string              `json:"accountId"`
	Symbol         string              `json:"symbol"`
	Side           OrderSide           `json:"side"`
	Type           OrderType           `json:"type"`
	Quantity       decimal.Decimal     `json:"quantity"`
	Price          decimal.NullDecimal `json:"price"`
	Status         OrderStatus         `json:"status"`
	IdempotencyKey string              `json:"idempotencyKey"`
}

type OrderStatusChangedPayload struct {
	OrderID        string          `json:"orderId"`
	AccountID      string          `json:"accountId"`
	Symbol         string          `json:"symbol"`
	PrevStatus     OrderStatus     `json:"prevStatus"`
	NewStatus      OrderStatus     `json:"newStatus"`
	Reason         string          `json:"reason,omitempty"`
	BrokerRef      string          `json:"brokerRef,omitempty"`
	FilledQuantity decimal.Decimal `json:"filledQuantity"`
	RejectCode     string          `json:"rejectCode,omitempty"`
}

type FillReceivedPayload struct {
	FillID    string          `json:"fillId"`
	OrderID   string          `json:"orderId"`
	AccountID string          `json:"accountId"`
	Symbol    string          `json:"symbol"`
	Side      OrderSide       `json:"side"`
	Price     decimal.Decimal `json:"price"`
	Quantity  decimal.Decimal `json:"quantity"`
	Fee       decimal.Decimal `json:"fee"`
	Tax       decimal.Decimal `json:"tax"`
	FilledAt  time.Time       `json:"filledAt"`
}

type PositionUpdatedPayload struct {
	AccountID   string          `json:"accountId"`
	Symbol      string          `json:"symbol"`
	Quantity    decimal.Decimal `json:"quantity"`
	AvgCost     decimal.Decimal `json:"avgCost"`
	RealizedPnL decimal.Decimal `json:"realizedPnl"`
}

type PnlUpdatedPayload struct {
	AccountID   string          `json:"accountId"`
	Symbol      string          `json:"symbol"`
	FillID      string          `json:"fillId"`
	Delta       decimal.Decimal `json:"delta"`
	RealizedPnL decimal.Decimal `json:"realizedPnl"`
	DailyPnL    decimal.Decimal `json:"dailyPnl"`
}

type KillSwitchChangedPayload struct {
	Scope     RiskScope        `json:"scope"`
	AccountID string           `json:"accountId,omitempty"`
	From      KillSwitchStatus `json:"from"`
	To        KillSwitchStatus `json:"to"`
	Reason    string           `json:"reason"`
	Manual    bool             `json:"manual"`
}

// AlertSeverity grades an AlertDispatched event.
type AlertSeverity string

const (
	SeverityWarning  AlertSeverity = "WARNING"
	SeverityCritical AlertSeverity = "CRITICAL"
)

type AlertPayload struct {
	Severity AlertSeverity          `json:"severity"`
	Source   string                 `json:"source"`
	Message  string                 `json:"message"`
	Details  map[string]interface{} `json:"details,omitempty"`
}
