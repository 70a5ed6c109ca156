// Package order implements the work order actor: moderation, escrow,
// assignment, delivery, feedback, dispute arbitration and payout.
//
// The order holds the escrow for its whole life. Every terminal transition
// pays out the full remaining escrow within the same delivery; the completion
// notification to the coordinator is bookkeeping only.
package order

import (
	logging "github.com/ipfs/go-log/v2"

	"gigflow/address"
	"gigflow/content"
	"gigflow/network"
	"gigflow/protocol"
)

var log = logging.Logger("order")

// Status is the lifecycle state of an order.
type Status string

const (
	StatusModeration        Status = "moderation"
	StatusActive            Status = "active"
	StatusWaitingFreelancer Status = "waiting_freelancer"
	StatusInProgress        Status = "in_progress"
	StatusFulfilled         Status = "fulfilled"
	StatusCompleted         Status = "completed"
	StatusPreArbitration    Status = "pre_arbitration"
	StatusOnArbitration     Status = "on_arbitration"
	StatusArbitrationSolved Status = "arbitration_solved"
	StatusOutdated          Status = "outdated"
	StatusRefunded          Status = "refunded"
	StatusPaymentForced     Status = "payment_forced"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusArbitrationSolved, StatusOutdated, StatusRefunded, StatusPaymentForced:
		return true
	}
	return false
}

// Pending reports whether the order can still be outdated.
func (s Status) Pending() bool {
	return s == StatusModeration || s == StatusActive || s == StatusWaitingFreelancer
}

// DefaultMaxResponses bounds the response set when the coordinator sets no limit.
const DefaultMaxResponses = 255

// ArbitrationWindow is how long, in seconds, a dispute may wait for a panel
// verdict before anyone can settle it with the agreement percentage.
const ArbitrationWindow int64 = 14 * 24 * 60 * 60

// Arbitration is the dispute record.
type Arbitration struct {
	Admins          []address.Address `json:"admins"`
	Voted           []address.Address `json:"voted"`
	AdminVotedCount uint32            `json:"adminVotedCount"`
	// FreelancerPart and CustomerPart accumulate the percentages of all votes.
	FreelancerPart   uint64 `json:"freelancerPart"`
	CustomerPart     uint64 `json:"customerPart"`
	AgreementPercent uint64 `json:"agreementPercent"`
}

// Quorum is the number of votes that settles the dispute.
func (a Arbitration) Quorum() uint32 {
	return uint32(len(a.Admins))/2 + 1
}

func (a Arbitration) member(addr address.Address) bool {
	for _, m := range a.Admins {
		if m == addr {
			return true
		}
	}
	return false
}

func (a Arbitration) voted(addr address.Address) bool {
	for _, m := range a.Voted {
		if m == addr {
			return true
		}
	}
	return false
}

// Payout records what left the escrow.
type Payout struct {
	Fee        protocol.Coins `json:"fee"`
	Freelancer protocol.Coins `json:"freelancer"`
	Customer   protocol.Coins `json:"customer"`
}

// Order is the state of one work order.
type Order struct {
	Index          uint64                           `json:"index"`
	Master         address.Address                  `json:"master"`
	Status         Status                           `json:"status"`
	Category       string                           `json:"category"`
	Price          protocol.Coins                   `json:"price"`
	Fee            protocol.Coins                   `json:"fee"`
	Deadline       int64                            `json:"deadline"`
	CheckWindow    int64                            `json:"checkWindow"`
	FulfilledAt    int64                            `json:"fulfilledAt"`
	DisputedAt     int64                            `json:"disputedAt,omitempty"`
	Customer       address.Address                  `json:"customer"`
	Freelancer     address.Address                  `json:"freelancer"`
	Content        content.Blob                     `json:"content"`
	Result         content.Blob                     `json:"result,omitempty"`
	Responses      map[address.Address]content.Blob `json:"responses"`
	ResponsesCount uint32                           `json:"responsesCount"`
	MaxResponses   uint32                           `json:"maxResponses"`
	PanelSize      uint32                           `json:"panelSize"`
	FeeNumerator   uint64                           `json:"feeNumerator"`
	FeeDenominator uint64                           `json:"feeDenominator"`
	Arbitration    Arbitration                      `json:"arbitration"`
	Payout         Payout                           `json:"payout"`
	// Activated records that the coordinator counted this order as active.
	Activated bool `json:"activated"`
}

// Held is the escrow the order still owes to the parties.
func (o *Order) Held() protocol.Coins {
	if o.Status.Terminal() {
		return 0
	}
	return o.Price - o.Fee
}

// DueAt is the unix time after which OUTDATED settles the order, or 0 when
// OUTDATED does not apply in the current status.
func (o *Order) DueAt() int64 {
	switch {
	case o.Status.Pending():
		return o.Deadline
	case o.Status == StatusPreArbitration, o.Status == StatusOnArbitration:
		return o.DisputedAt + ArbitrationWindow
	}
	return 0
}

// Template registers the order family.
func Template() network.Template {
	return network.Template{
		Name: protocol.TemplateOrder,
		New:  func() network.Actor { return &Order{} },
	}
}

func (o *Order) Receive(ctx *network.Context, msg protocol.Message) error {
	if msg.Bounced {
		return o.bounced(ctx, msg)
	}
	if o.Status == "" {
		return o.init(ctx, msg)
	}
	if o.Responses == nil {
		o.Responses = make(map[address.Address]content.Blob)
	}

	if msg.From == o.Master {
		switch msg.Op {
		case protocol.OpActivateOrder:
			return o.activate(ctx, msg)
		case protocol.OpAddResponse:
			return o.addResponse(ctx, msg)
		case protocol.OpSetAdmins:
			return o.setAdmins(ctx, msg)
		case protocol.OpProcessArbitration:
			return o.processArbitration(ctx, msg)
		}
	}

	switch msg.Op {
	case protocol.OpAssignUser:
		return o.assignUser(ctx, msg)
	case protocol.OpRejectOrder, protocol.OpCancelAssign:
		return o.unassign(ctx, msg)
	case protocol.OpAcceptOrder:
		return o.accept(ctx, msg)
	case protocol.OpCompleteOrder:
		return o.complete(ctx, msg)
	case protocol.OpCustomerFeedback:
		return o.feedback(ctx, msg)
	case protocol.OpForcePayment:
		return o.forcePayment(ctx, msg)
	case protocol.OpRefund:
		return o.refund(ctx, msg)
	case protocol.OpOutdated:
		return o.outdated(ctx, msg)
	case protocol.OpActivateOrder, protocol.OpAddResponse, protocol.OpSetAdmins, protocol.OpProcessArbitration:
		return protocol.Errorf(protocol.ExitUnauthorized, "order %d: %s from %s", o.Index, msg.Op, msg.From.Short())
	default:
		return protocol.Errorf(protocol.ExitUnknownOp, "order: %s", msg.Op)
	}
}

func (o *Order) init(ctx *network.Context, msg protocol.Message) error {
	init := ctx.Init()
	if msg.Op != protocol.OpInit || msg.From != init.Master {
		return protocol.Errorf(protocol.ExitUnauthorized, "order: uninitialized")
	}
	body, err := protocol.BodyAs[protocol.OrderInit](msg)
	if err != nil {
		return err
	}
	if msg.Value < body.Price {
		return protocol.Errorf(protocol.ExitInsufficientValue, "order escrow %s below price %s", msg.Value, body.Price)
	}
	maxResponses := body.MaxResponses
	if maxResponses == 0 {
		maxResponses = DefaultMaxResponses
	}
	*o = Order{
		Index:          init.Index,
		Master:         init.Master,
		Status:         StatusModeration,
		Category:       body.Category,
		Price:          body.Price,
		Deadline:       body.Deadline,
		CheckWindow:    body.CheckWindow,
		Customer:       body.Customer,
		Content:        body.Content.Clone(),
		Responses:      make(map[address.Address]content.Blob),
		MaxResponses:   maxResponses,
		PanelSize:      body.PanelSize,
		FeeNumerator:   body.FeeNumerator,
		FeeDenominator: body.FeeDenominator,
		Arbitration:    Arbitration{AgreementPercent: body.AgreementPercent},
	}
	if extra := msg.Value - body.Price; extra > 0 {
		ctx.Send(protocol.Message{To: o.Customer, Op: protocol.OpExcess, QueryID: msg.QueryID, Value: extra})
	}
	return nil
}

// bounced handles replies the coordinator could not accept. A lost panel
// request settles the dispute with the default split.
func (o *Order) bounced(ctx *network.Context, msg protocol.Message) error {
	log.Debugw("message bounced", "index", o.Index, "op", msg.Op)
	if msg.Op == protocol.OpGetAdmins && o.Status == StatusPreArbitration {
		o.settleDefault(ctx, msg)
	}
	return nil
}

func (o *Order) expect(want ...Status) error {
	for _, s := range want {
		if o.Status == s {
			return nil
		}
	}
	return protocol.Errorf(protocol.ExitInvalidStateTransition, "order %d is %s", o.Index, o.Status)
}

func (o *Order) requireSender(msg protocol.Message, who address.Address, role string) error {
	if who.IsZero() || msg.From != who {
		return protocol.Errorf(protocol.ExitUnauthorized, "order %d: %s is not the %s", o.Index, msg.From.Short(), role)
	}
	return nil
}

// returnValue sends the value attached to a party message back to its sender.
func returnValue(ctx *network.Context, msg protocol.Message, to address.Address) {
	if msg.Value > 0 {
		ctx.Send(protocol.Message{To: to, Op: protocol.OpExcess, QueryID: msg.QueryID, Value: msg.Value})
	}
}

func (o *Order) logToMaster(ctx *network.Context, msg protocol.Message, event string) {
	ctx.Send(protocol.Message{
		To:      o.Master,
		Op:      protocol.OpMasterLog,
		QueryID: msg.QueryID,
		Body:    protocol.Log{Event: event, Index: o.Index, Actor: protocol.TemplateOrder},
	})
}
