package order

import (
	"gigflow/address"
	"gigflow/network"
	"gigflow/protocol"
)

func (o *Order) activate(ctx *network.Context, msg protocol.Message) error {
	if err := o.expect(StatusModeration); err != nil {
		return err
	}
	o.Status = StatusActive
	o.Activated = true
	ctx.Send(protocol.Message{
		To:      o.Master,
		Op:      protocol.OpOrderActivateNotification,
		QueryID: msg.QueryID,
		Value:   msg.Value,
		Body:    protocol.OrderNotification{Index: o.Index, Category: o.Category},
	})
	log.Infow("order activated", "index", o.Index, "category", o.Category)
	return nil
}

// addResponse records a freelancer's offer. A closed order only logs the
// attempt so the coordinator call chain does not bounce.
func (o *Order) addResponse(ctx *network.Context, msg protocol.Message) error {
	body, err := protocol.BodyAs[protocol.AddResponse](msg)
	if err != nil {
		return err
	}
	if o.Status != StatusActive || o.ResponsesCount >= o.MaxResponses {
		o.logToMaster(ctx, msg, "response_rejected")
		returnValue(ctx, msg, body.Freelancer)
		return nil
	}
	if body.Freelancer.IsZero() || body.Freelancer == o.Customer {
		return protocol.Errorf(protocol.ExitUnauthorized, "order %d: customer cannot respond", o.Index)
	}
	if _, dup := o.Responses[body.Freelancer]; dup {
		return protocol.Errorf(protocol.ExitAlreadyResponded, "order %d: %s", o.Index, body.Freelancer.Short())
	}

	o.Responses[body.Freelancer] = body.Response.Clone()
	o.ResponsesCount++
	o.logToMaster(ctx, msg, "response_added")
	returnValue(ctx, msg, body.Freelancer)
	return nil
}

func (o *Order) assignUser(ctx *network.Context, msg protocol.Message) error {
	if err := o.requireSender(msg, o.Customer, "customer"); err != nil {
		return err
	}
	if err := o.expect(StatusActive); err != nil {
		return err
	}
	body, err := protocol.BodyAs[protocol.AssignUser](msg)
	if err != nil {
		return err
	}
	if _, ok := o.Responses[body.Freelancer]; !ok {
		return protocol.Errorf(protocol.ExitFreelancerNotFound, "order %d: %s never responded", o.Index, body.Freelancer.Short())
	}
	if body.Deadline <= ctx.Now().Unix() {
		return protocol.Errorf(protocol.ExitDeadlinePassed, "order %d: deadline %d", o.Index, body.Deadline)
	}
	if body.Price == 0 {
		return protocol.Errorf(protocol.ExitInvalidArgument, "order %d: zero price", o.Index)
	}

	refund := msg.Value
	switch {
	case body.Price > o.Price:
		delta := body.Price - o.Price
		if msg.Value < delta {
			return protocol.Errorf(protocol.ExitInsufficientValue, "order %d: price raise needs %s, got %s", o.Index, delta, msg.Value)
		}
		refund = msg.Value - delta
	case body.Price < o.Price:
		refund += o.Price - body.Price
	}

	o.Price = body.Price
	o.Deadline = body.Deadline
	o.Freelancer = body.Freelancer
	o.Status = StatusWaitingFreelancer
	o.logToMaster(ctx, msg, "assigned")
	o.notice(ctx, msg, o.Customer, refund, "assigned")
	log.Infow("freelancer assigned", "index", o.Index, "freelancer", body.Freelancer.Short(), "price", body.Price)
	return nil
}

// unassign handles both REJECT_ORDER by the freelancer and CANCEL_ASSIGN by
// the customer.
func (o *Order) unassign(ctx *network.Context, msg protocol.Message) error {
	who, role := o.Customer, "customer"
	if msg.Op == protocol.OpRejectOrder {
		who, role = o.Freelancer, "freelancer"
	}
	if err := o.requireSender(msg, who, role); err != nil {
		return err
	}
	if err := o.expect(StatusWaitingFreelancer); err != nil {
		return err
	}

	o.Freelancer = address.Zero
	o.Status = StatusActive
	event := "assignment_cancelled"
	if msg.Op == protocol.OpRejectOrder {
		event = "assignment_rejected"
	}
	o.notice(ctx, msg, o.Customer, 0, event)
	o.logToMaster(ctx, msg, event)
	returnValue(ctx, msg, msg.From)
	return nil
}

func (o *Order) accept(ctx *network.Context, msg protocol.Message) error {
	if err := o.requireSender(msg, o.Freelancer, "freelancer"); err != nil {
		return err
	}
	if err := o.expect(StatusWaitingFreelancer); err != nil {
		return err
	}
	if ctx.Now().Unix() > o.Deadline {
		return protocol.Errorf(protocol.ExitDeadlinePassed, "order %d: deadline %d", o.Index, o.Deadline)
	}

	o.Fee = o.Price.MulDiv(o.FeeNumerator, o.FeeDenominator)
	o.Status = StatusInProgress
	o.Payout.Fee = o.Fee
	if o.Fee > 0 {
		ctx.Send(protocol.Message{To: o.Master, Op: protocol.OpOrderFee, QueryID: msg.QueryID, Value: o.Fee})
	}
	returnValue(ctx, msg, msg.From)
	log.Infow("order accepted", "index", o.Index, "fee", o.Fee)
	return nil
}

func (o *Order) complete(ctx *network.Context, msg protocol.Message) error {
	if err := o.requireSender(msg, o.Freelancer, "freelancer"); err != nil {
		return err
	}
	if err := o.expect(StatusInProgress); err != nil {
		return err
	}
	body, err := protocol.BodyAs[protocol.CompleteOrder](msg)
	if err != nil {
		return err
	}
	o.Result = body.Result.Clone()
	o.FulfilledAt = ctx.Now().Unix()
	o.Status = StatusFulfilled
	o.notice(ctx, msg, o.Customer, 0, "fulfilled")
	returnValue(ctx, msg, msg.From)
	return nil
}

func (o *Order) feedback(ctx *network.Context, msg protocol.Message) error {
	if err := o.requireSender(msg, o.Customer, "customer"); err != nil {
		return err
	}
	if err := o.expect(StatusFulfilled); err != nil {
		return err
	}
	body, err := protocol.BodyAs[protocol.CustomerFeedback](msg)
	if err != nil {
		return err
	}
	returnValue(ctx, msg, msg.From)

	if !body.Dispute {
		o.finish(ctx, msg, StatusCompleted, 0)
		return nil
	}
	o.Status = StatusPreArbitration
	o.DisputedAt = ctx.Now().Unix()
	ctx.Send(protocol.Message{
		To:      o.Master,
		Op:      protocol.OpGetAdmins,
		QueryID: msg.QueryID,
		Bounce:  true,
		Body:    protocol.GetAdmins{Category: o.Category, Count: o.PanelSize, OrderIndex: o.Index},
	})
	log.Infow("dispute opened", "index", o.Index, "category", o.Category)
	return nil
}

func (o *Order) setAdmins(ctx *network.Context, msg protocol.Message) error {
	if err := o.expect(StatusPreArbitration); err != nil {
		return err
	}
	body, err := protocol.BodyAs[protocol.SetAdmins](msg)
	if err != nil {
		return err
	}
	o.Arbitration.AgreementPercent = body.AgreementPercent
	if len(body.Admins) == 0 {
		o.settleDefault(ctx, msg)
		return nil
	}
	o.Arbitration.Admins = append([]address.Address(nil), body.Admins...)
	o.Status = StatusOnArbitration
	return nil
}

func (o *Order) processArbitration(ctx *network.Context, msg protocol.Message) error {
	if err := o.expect(StatusOnArbitration); err != nil {
		return err
	}
	body, err := protocol.BodyAs[protocol.ProcessArbitration](msg)
	if err != nil {
		return err
	}
	a := &o.Arbitration
	if !a.member(body.Admin) {
		return protocol.Errorf(protocol.ExitUnauthorized, "order %d: %s is not on the panel", o.Index, body.Admin.Short())
	}
	if a.voted(body.Admin) {
		return protocol.Errorf(protocol.ExitAlreadyVoted, "order %d: %s", o.Index, body.Admin.Short())
	}
	if !body.Valid() {
		return protocol.Errorf(protocol.ExitInvalidArgument, "parts %d+%d != 100", body.FreelancerPart, body.CustomerPart)
	}

	a.Voted = append(a.Voted, body.Admin)
	a.AdminVotedCount++
	a.FreelancerPart += uint64(body.FreelancerPart)
	a.CustomerPart += uint64(body.CustomerPart)
	returnValue(ctx, msg, o.Master)

	if a.AdminVotedCount < a.Quorum() {
		log.Debugw("arbitration vote", "index", o.Index, "votes", a.AdminVotedCount, "quorum", a.Quorum())
		return nil
	}
	held := o.Held()
	customer := held.MulDiv(a.CustomerPart, 100*uint64(a.AdminVotedCount))
	o.finish(ctx, msg, StatusArbitrationSolved, customer)
	return nil
}

// settleDefault resolves a dispute nobody can judge using the category's
// agreement percentage.
func (o *Order) settleDefault(ctx *network.Context, msg protocol.Message) {
	customer := o.Held().MulDiv(o.Arbitration.AgreementPercent, 1_000_000_000)
	o.finish(ctx, msg, StatusArbitrationSolved, customer)
}

func (o *Order) forcePayment(ctx *network.Context, msg protocol.Message) error {
	if err := o.requireSender(msg, o.Freelancer, "freelancer"); err != nil {
		return err
	}
	if err := o.expect(StatusFulfilled); err != nil {
		return err
	}
	if ctx.Now().Unix() <= o.FulfilledAt+o.CheckWindow {
		return protocol.Errorf(protocol.ExitDeadlineNotReached, "order %d: check window open until %d", o.Index, o.FulfilledAt+o.CheckWindow)
	}
	returnValue(ctx, msg, msg.From)
	o.finish(ctx, msg, StatusPaymentForced, 0)
	return nil
}

func (o *Order) refund(ctx *network.Context, msg protocol.Message) error {
	if err := o.requireSender(msg, o.Customer, "customer"); err != nil {
		return err
	}
	if err := o.expect(StatusInProgress, StatusFulfilled); err != nil {
		return err
	}
	if ctx.Now().Unix() <= o.Deadline {
		return protocol.Errorf(protocol.ExitDeadlineNotReached, "order %d: deadline %d", o.Index, o.Deadline)
	}
	returnValue(ctx, msg, msg.From)
	o.finish(ctx, msg, StatusRefunded, o.Held())
	return nil
}

// outdated expires an order nobody picked up, or a dispute the panel never
// settled within the arbitration window.
func (o *Order) outdated(ctx *network.Context, msg protocol.Message) error {
	due := o.DueAt()
	if due == 0 {
		return protocol.Errorf(protocol.ExitInvalidStateTransition, "order %d is %s", o.Index, o.Status)
	}
	if ctx.Now().Unix() <= due {
		return protocol.Errorf(protocol.ExitDeadlineNotReached, "order %d: due at %d", o.Index, due)
	}
	returnValue(ctx, msg, msg.From)
	if !o.Status.Pending() {
		log.Warnw("arbitration timed out", "index", o.Index, "status", o.Status, "votes", o.Arbitration.AdminVotedCount)
		o.settleDefault(ctx, msg)
		return nil
	}
	o.finish(ctx, msg, StatusOutdated, o.Held())
	return nil
}

// finish moves the order to a terminal status and empties the escrow:
// customer gets toCustomer, the freelancer (or the customer when there is
// none) gets everything else.
func (o *Order) finish(ctx *network.Context, msg protocol.Message, status Status, toCustomer protocol.Coins) {
	held := o.Held()
	if toCustomer > held {
		toCustomer = held
	}
	o.Status = status

	rest := o.Freelancer
	if rest.IsZero() {
		rest = o.Customer
	}
	if rest != o.Customer && toCustomer > 0 {
		ctx.Send(protocol.Message{
			To:      o.Customer,
			Op:      protocol.OpOrderCompleted,
			QueryID: msg.QueryID,
			Value:   toCustomer,
			Body:    protocol.Notice{Index: o.Index, Event: "payout", Status: string(status)},
		})
	}
	ctx.Send(protocol.Message{
		To:      rest,
		Op:      protocol.OpOrderCompleted,
		QueryID: msg.QueryID,
		Mode:    protocol.ModeCarryAll,
		Body:    protocol.Notice{Index: o.Index, Event: "payout", Status: string(status)},
	})
	if rest == o.Customer {
		o.Payout.Customer = held
	} else {
		o.Payout.Customer = toCustomer
		o.Payout.Freelancer = held - toCustomer
	}

	ctx.Send(protocol.Message{
		To:      o.Master,
		Op:      protocol.OpOrderCompletedNotification,
		QueryID: msg.QueryID,
		Body:    protocol.OrderNotification{Index: o.Index, Category: o.Category, Status: string(status)},
	})
	log.Infow("order finished", "index", o.Index, "status", status, "customer", o.Payout.Customer, "freelancer", o.Payout.Freelancer)
}

// notice tells an external party about a transition, carrying value when
// some is owed.
func (o *Order) notice(ctx *network.Context, msg protocol.Message, to address.Address, value protocol.Coins, event string) {
	ctx.Send(protocol.Message{
		To:      to,
		Op:      protocol.OpOrderNotice,
		QueryID: msg.QueryID,
		Value:   value,
		Body:    protocol.Notice{Index: o.Index, Event: event, Status: string(o.Status)},
	})
}
