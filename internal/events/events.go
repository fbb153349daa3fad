package events

import (
	"context"
	"encoding/json"
	"time"

	"brewline/backend/internal/xid"
)

const (
	TypeOrderCreated   = "order.created"
	TypeOrderCancelled = "order.cancelled"
	TypeStockLow       = "stock.low"
	TypeShiftClosed    = "shift.closed"
)

type Event struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	AggregateID string          `json:"aggregate_id"`
	OccurredAt  time.Time       `json:"occurred_at"`
	Payload     json.RawMessage `json:"payload"`
}

func New(eventType string, aggregateID string, payload any, at time.Time) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{
		ID:          xid.New("evt"),
		Type:        eventType,
		AggregateID: aggregateID,
		OccurredAt:  at.UTC(),
		Payload:     raw,
	}, nil
}

// Publisher delivers events after the owning transaction has committed.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

type NoopPublisher struct{}

func (NoopPublisher) Publish(_ context.Context, _ Event) error { return nil }

func (NoopPublisher) Close() error { return nil }

type OrderPayload struct {
	OrderID       string `json:"order_id"`
	OrderNumber   string `json:"order_number"`
	Status        string `json:"status"`
	NetAmount     string `json:"net_amount"`
	PaymentMethod string `json:"payment_method"`
	CreatedBy     string `json:"created_by"`
}

type StockLowPayload struct {
	IngredientID string `json:"ingredient_id"`
	Name         string `json:"name"`
	CurrentStock string `json:"current_stock"`
	MinStock     string `json:"min_stock"`
}

type ShiftClosedPayload struct {
	ShiftID      string `json:"shift_id"`
	UserID       string `json:"user_id"`
	ExpectedCash string `json:"expected_cash"`
	ClosingCash  string `json:"closing_cash"`
	CashVariance string `json:"cash_variance"`
}
