package domain

import (
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
)

const OrderPlaced = "order-placed"

// OrderEvent is the payload flowing through the order stream.
type OrderEvent struct {
	ID       string  `json:"id"`
	Customer string  `json:"customer"`
	Amount   float64 `json:"amount"`
}

// NewOrderEvent builds an order event with a fresh id. Producers retrying an
// append must reuse the event, not build a new one, so the id stays stable.
func NewOrderEvent(customer string, amount float64) OrderEvent {
	return OrderEvent{ID: uuid.NewString(), Customer: customer, Amount: amount}
}

func (e OrderEvent) Encode() ([]byte, error) {
	return sonic.Marshal(e)
}

// DecodeOrderEvent deserializes and validates an order payload. A failure here
// is a processing failure: the entry is poison and belongs on the dead-letter
// stream, not back in the pending set.
func DecodeOrderEvent(payload []byte) (OrderEvent, error) {
	var e OrderEvent
	if err := sonic.Unmarshal(payload, &e); err != nil {
		return OrderEvent{}, fmt.Errorf("decode order event: %w", err)
	}
	if e.ID == "" {
		return OrderEvent{}, errors.New("order event without id")
	}
	if e.Customer == "" {
		return OrderEvent{}, errors.New("order event without customer")
	}
	if e.Amount <= 0 {
		return OrderEvent{}, fmt.Errorf("order event with non-positive amount %v", e.Amount)
	}
	return e, nil
}
