package store

import (
	"time"

	"gigflow/market"
	"gigflow/order"
)

const (
	// OutboxTopicOrderStatusChanged is published for every order status move,
	// including creation.
	OutboxTopicOrderStatusChanged = "order.status_changed"
	// OutboxTopicOrderSettled is published once an order pays out.
	OutboxTopicOrderSettled = "order.settled"

	TimelineOrderCreated       = "ORDER_CREATED"
	TimelineOrderStatusChanged = "ORDER_STATUS_CHANGED"
)

// OrderState mirrors the orders table columns written by the ledger.
type OrderState struct {
	Index      uint64
	Address    string
	Status     order.Status
	Category   string
	Customer   string
	Freelancer *string
	Price      int64
	Fee        int64
	Deadline   time.Time
	Seq        uint64

	// Payout is set when Status is terminal.
	Payout *order.Payout
}

// OrderStateOf extracts the ledger row from an event, or false when the
// event did not touch an order.
func OrderStateOf(ev market.Event) (OrderState, bool) {
	o := ev.Order
	if o == nil {
		return OrderState{}, false
	}
	st := OrderState{
		Index:    o.Index,
		Address:  ev.Tx.To.String(),
		Status:   o.Status,
		Category: o.Category,
		Customer: o.Customer.String(),
		Price:    int64(o.Price),
		Fee:      int64(o.Fee),
		Deadline: time.Unix(o.Deadline, 0).UTC(),
		Seq:      ev.Tx.Seq,
	}
	if !o.Freelancer.IsZero() {
		f := o.Freelancer.String()
		st.Freelancer = &f
	}
	if o.Status.Terminal() {
		p := o.Payout
		st.Payout = &p
	}
	return st, true
}
