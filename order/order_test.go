package order

import (
	"errors"
	"math"
	"testing"
	"time"

	"gigflow/address"
	"gigflow/content"
	"gigflow/network"
	"gigflow/protocol"
)

var (
	testMaster     = address.External("master")
	testCustomer   = address.External("customer")
	testFreelancer = address.External("freelancer")
	testNow        = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
)

func testInit() protocol.StateInit {
	return protocol.StateInit{Template: protocol.TemplateOrder, Master: testMaster, Index: 7}
}

func newCtx(balance protocol.Coins) *network.Context {
	init := testInit()
	return network.NewTestContext(init.Address(), init, testNow, balance)
}

func deployed(t *testing.T) *Order {
	t.Helper()
	o := &Order{}
	err := o.Receive(newCtx(100), protocol.Message{
		From:  testMaster,
		Op:    protocol.OpInit,
		Value: 100,
		Body: protocol.OrderInit{
			Customer:         testCustomer,
			Content:          content.New().Str(content.FieldCategory, "test").Build(),
			Category:         "test",
			Price:            100,
			Deadline:         testNow.Add(time.Hour).Unix(),
			CheckWindow:      60,
			FeeNumerator:     1,
			FeeDenominator:   10,
			AgreementPercent: 500_000_000,
			PanelSize:        3,
			MaxResponses:     2,
		},
	})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	return o
}

func TestInitRequiresMaster(t *testing.T) {
	o := &Order{}
	err := o.Receive(newCtx(0), protocol.Message{From: testCustomer, Op: protocol.OpInit, Body: protocol.OrderInit{}})
	if !errors.Is(err, protocol.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if o.Status != "" {
		t.Fatalf("order should stay uninitialised, got %s", o.Status)
	}
}

func TestInitState(t *testing.T) {
	o := deployed(t)
	if o.Status != StatusModeration || o.Index != 7 || o.Category != "test" {
		t.Fatalf("unexpected state %+v", o)
	}
	if o.Held() != 100 {
		t.Fatalf("expected full price held, got %s", o.Held())
	}
}

func TestActivateOnlyFromModeration(t *testing.T) {
	o := deployed(t)
	ctx := newCtx(100)
	if err := o.Receive(ctx, protocol.Message{From: testMaster, Op: protocol.OpActivateOrder}); err != nil {
		t.Fatalf("activate: %v", err)
	}
	out := ctx.Outbound()
	if len(out) != 1 || out[0].Op != protocol.OpOrderActivateNotification || out[0].To != testMaster {
		t.Fatalf("expected activation notice to master, got %+v", out)
	}
	err := o.Receive(newCtx(100), protocol.Message{From: testMaster, Op: protocol.OpActivateOrder})
	if !errors.Is(err, protocol.ErrInvalidStateTransition) {
		t.Fatalf("expected ErrInvalidStateTransition, got %v", err)
	}
}

func TestActivateFromPartyIsUnauthorized(t *testing.T) {
	o := deployed(t)
	err := o.Receive(newCtx(100), protocol.Message{From: testCustomer, Op: protocol.OpActivateOrder})
	if !errors.Is(err, protocol.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestResponsesBoundedAndLogged(t *testing.T) {
	o := deployed(t)
	o.Status = StatusActive

	for i, who := range []string{"a", "b", "c"} {
		ctx := newCtx(100)
		err := o.Receive(ctx, protocol.Message{From: testMaster, Op: protocol.OpAddResponse, Body: protocol.AddResponse{
			OrderIndex: 7,
			Freelancer: address.External(who),
		}})
		if err != nil {
			t.Fatalf("response %d: %v", i, err)
		}
		out := ctx.Outbound()
		if len(out) != 1 || out[0].Op != protocol.OpMasterLog {
			t.Fatalf("response %d: expected a master log, got %+v", i, out)
		}
	}
	if o.ResponsesCount != 2 {
		t.Fatalf("expected the bound of 2 responses, got %d", o.ResponsesCount)
	}
	if _, ok := o.Responses[address.External("c")]; ok {
		t.Fatal("response over the bound was stored")
	}
}

func TestCustomerCannotRespond(t *testing.T) {
	o := deployed(t)
	o.Status = StatusActive
	err := o.Receive(newCtx(100), protocol.Message{From: testMaster, Op: protocol.OpAddResponse, Body: protocol.AddResponse{Freelancer: testCustomer}})
	if !errors.Is(err, protocol.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func waiting(t *testing.T) *Order {
	t.Helper()
	o := deployed(t)
	o.Status = StatusWaitingFreelancer
	o.Freelancer = testFreelancer
	o.Responses[testFreelancer] = nil
	return o
}

func TestAssignLogsToCoordinator(t *testing.T) {
	o := deployed(t)
	o.Status = StatusActive
	o.Responses[testFreelancer] = nil
	ctx := newCtx(100)
	err := o.Receive(ctx, protocol.Message{From: testCustomer, Op: protocol.OpAssignUser, Body: protocol.AssignUser{
		Freelancer: testFreelancer,
		Price:      100,
		Deadline:   testNow.Add(2 * time.Hour).Unix(),
	}})
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	var logged bool
	for _, m := range ctx.Outbound() {
		if m.To != testMaster || m.Op != protocol.OpMasterLog {
			continue
		}
		body, err := protocol.BodyAs[protocol.Log](m)
		if err != nil {
			t.Fatalf("log body: %v", err)
		}
		logged = body.Event == "assigned" && body.Index == o.Index
	}
	if !logged {
		t.Fatalf("expected an assigned log to the coordinator, got %+v", ctx.Outbound())
	}
}

func TestRejectAndCancelReturnToActive(t *testing.T) {
	for _, tc := range []struct {
		name string
		op   protocol.Op
		from address.Address
	}{
		{"reject", protocol.OpRejectOrder, testFreelancer},
		{"cancel", protocol.OpCancelAssign, testCustomer},
	} {
		t.Run(tc.name, func(t *testing.T) {
			o := waiting(t)
			ctx := newCtx(100)
			if err := o.Receive(ctx, protocol.Message{From: tc.from, Op: tc.op}); err != nil {
				t.Fatalf("%s: %v", tc.op, err)
			}
			if o.Status != StatusActive || !o.Freelancer.IsZero() {
				t.Fatalf("expected active without freelancer, got %s %s", o.Status, o.Freelancer.Short())
			}
			var notified, logged bool
			for _, m := range ctx.Outbound() {
				notified = notified || (m.Op == protocol.OpOrderNotice && m.To == testCustomer)
				logged = logged || m.Op == protocol.OpMasterLog
			}
			if !notified || !logged {
				t.Fatalf("expected customer notice and master log, got %+v", ctx.Outbound())
			}
		})
	}
}

func TestAcceptTakesFee(t *testing.T) {
	o := waiting(t)
	ctx := newCtx(100)
	if err := o.Receive(ctx, protocol.Message{From: testFreelancer, Op: protocol.OpAcceptOrder}); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if o.Status != StatusInProgress || o.Fee != 10 || o.Held() != 90 {
		t.Fatalf("unexpected state %s fee %s held %s", o.Status, o.Fee, o.Held())
	}
	out := ctx.Outbound()
	if len(out) != 1 || out[0].Op != protocol.OpOrderFee || out[0].Value != 10 || out[0].Bounce {
		t.Fatalf("expected a non-bounceable fee of 10, got %+v", out)
	}
}

func TestAcceptAfterDeadline(t *testing.T) {
	o := waiting(t)
	o.Deadline = testNow.Add(-time.Second).Unix()
	err := o.Receive(newCtx(100), protocol.Message{From: testFreelancer, Op: protocol.OpAcceptOrder})
	if !errors.Is(err, protocol.ErrDeadlinePassed) {
		t.Fatalf("expected ErrDeadlinePassed, got %v", err)
	}
}

func TestCompleteOnlyByFreelancer(t *testing.T) {
	o := waiting(t)
	o.Status = StatusInProgress
	err := o.Receive(newCtx(100), protocol.Message{From: testCustomer, Op: protocol.OpCompleteOrder, Body: protocol.CompleteOrder{}})
	if !errors.Is(err, protocol.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func onArbitration(t *testing.T, panel ...address.Address) *Order {
	t.Helper()
	o := waiting(t)
	o.Fee = 10
	o.Status = StatusOnArbitration
	o.Arbitration.Admins = panel
	return o
}

func vote(o *Order, admin address.Address, freelancer, customer uint32) (*network.Context, error) {
	ctx := newCtx(o.Held())
	err := o.Receive(ctx, protocol.Message{From: testMaster, Op: protocol.OpProcessArbitration, Body: protocol.ProcessArbitration{
		OrderIndex:     o.Index,
		FreelancerPart: freelancer,
		CustomerPart:   customer,
		Admin:          admin,
	}})
	return ctx, err
}

func TestArbitrationQuorumAveragesVotes(t *testing.T) {
	a, b, c := address.External("a"), address.External("b"), address.External("c")
	o := onArbitration(t, a, b, c)

	if _, err := vote(o, a, 30, 70); err != nil {
		t.Fatalf("first vote: %v", err)
	}
	if o.Status != StatusOnArbitration {
		t.Fatalf("one vote of three should not settle, got %s", o.Status)
	}
	if _, err := vote(o, a, 50, 50); !errors.Is(err, protocol.ErrAlreadyVoted) {
		t.Fatalf("expected ErrAlreadyVoted, got %v", err)
	}
	if _, err := vote(o, address.External("outsider"), 50, 50); !errors.Is(err, protocol.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if _, err := vote(o, b, 60, 40); err != nil {
		t.Fatalf("second vote: %v", err)
	}
	if o.Status != StatusArbitrationSolved {
		t.Fatalf("expected quorum of 2 to settle, got %s", o.Status)
	}
	// Customer share averages to 55% of the 90 held.
	if o.Payout.Customer != 49 || o.Payout.Freelancer != 41 {
		t.Fatalf("unexpected payout %+v", o.Payout)
	}
}

func TestArbitrationPartsMustSumTo100(t *testing.T) {
	a := address.External("a")
	o := onArbitration(t, a)
	if _, err := vote(o, a, 30, 30); !errors.Is(err, protocol.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestArbitrationPartsCannotWrap(t *testing.T) {
	a := address.External("a")
	o := onArbitration(t, a)
	for _, parts := range [][2]uint32{{math.MaxUint32, 101}, {101, math.MaxUint32}, {150, 0}} {
		if _, err := vote(o, a, parts[0], parts[1]); !errors.Is(err, protocol.ErrInvalidArgument) {
			t.Fatalf("%v: expected ErrInvalidArgument, got %v", parts, err)
		}
	}
	if len(o.Arbitration.Voted) != 0 || o.Status != StatusOnArbitration {
		t.Fatalf("rejected votes must not count: %+v", o.Arbitration)
	}
}

func TestSettlementEmptiesEscrow(t *testing.T) {
	a := address.External("a")
	o := onArbitration(t, a)
	ctx, err := vote(o, a, 100, 0)
	if err != nil {
		t.Fatalf("vote: %v", err)
	}
	var completed bool
	for _, m := range ctx.Outbound() {
		if m.To == testCustomer && m.Op == protocol.OpOrderCompleted {
			t.Fatalf("customer should get nothing on a 100/0 vote: %+v", m)
		}
		if m.To == testFreelancer && m.Mode != protocol.ModeCarryAll {
			t.Fatalf("freelancer payout must sweep the escrow: %+v", m)
		}
		completed = completed || (m.Op == protocol.OpOrderCompletedNotification && !m.Bounce)
	}
	if !completed {
		t.Fatal("expected a completion notification")
	}
	if o.Held() != 0 {
		t.Fatalf("terminal order still holds %s", o.Held())
	}
}

func TestLostPanelRequestSettlesWithAgreement(t *testing.T) {
	o := waiting(t)
	o.Fee = 10
	o.Status = StatusPreArbitration
	err := o.Receive(newCtx(90), protocol.Message{From: testMaster, Op: protocol.OpGetAdmins, Bounced: true})
	if err != nil {
		t.Fatalf("bounced get admins: %v", err)
	}
	if o.Status != StatusArbitrationSolved || o.Payout.Customer != 45 {
		t.Fatalf("expected agreement split, got %s %+v", o.Status, o.Payout)
	}
}

func TestOutdatedWindow(t *testing.T) {
	o := deployed(t)
	if err := o.Receive(newCtx(100), protocol.Message{From: testCustomer, Op: protocol.OpOutdated}); !errors.Is(err, protocol.ErrDeadlineNotReached) {
		t.Fatalf("expected ErrDeadlineNotReached, got %v", err)
	}
	o.Deadline = testNow.Add(-time.Minute).Unix()
	if err := o.Receive(newCtx(100), protocol.Message{From: address.External("anyone"), Op: protocol.OpOutdated}); err != nil {
		t.Fatalf("outdated: %v", err)
	}
	if o.Status != StatusOutdated || o.Payout.Customer != 100 {
		t.Fatalf("expected full refund from moderation, got %s %+v", o.Status, o.Payout)
	}
	if err := o.Receive(newCtx(0), protocol.Message{From: testCustomer, Op: protocol.OpOutdated}); !errors.Is(err, protocol.ErrInvalidStateTransition) {
		t.Fatalf("expected ErrInvalidStateTransition on a terminal order, got %v", err)
	}
}

func TestDisputeRecordsOpeningTime(t *testing.T) {
	o := waiting(t)
	o.Fee = 10
	o.Status = StatusFulfilled
	ctx := newCtx(90)
	if err := o.Receive(ctx, protocol.Message{From: testCustomer, Op: protocol.OpCustomerFeedback, Body: protocol.CustomerFeedback{Dispute: true}}); err != nil {
		t.Fatalf("feedback: %v", err)
	}
	if o.Status != StatusPreArbitration || o.DisputedAt != testNow.Unix() {
		t.Fatalf("expected an open dispute stamped at %d, got %s %d", testNow.Unix(), o.Status, o.DisputedAt)
	}
	if o.DueAt() != testNow.Unix()+ArbitrationWindow {
		t.Fatalf("unexpected due time %d", o.DueAt())
	}
}

func TestStaleDisputeSettlesWithAgreement(t *testing.T) {
	for _, status := range []Status{StatusPreArbitration, StatusOnArbitration} {
		t.Run(string(status), func(t *testing.T) {
			a := address.External("revoked")
			o := onArbitration(t, a)
			o.Status = status
			o.DisputedAt = testNow.Add(-time.Hour).Unix()
			anyone := address.External("anyone")
			if err := o.Receive(newCtx(90), protocol.Message{From: anyone, Op: protocol.OpOutdated}); !errors.Is(err, protocol.ErrDeadlineNotReached) {
				t.Fatalf("expected ErrDeadlineNotReached inside the window, got %v", err)
			}

			o.DisputedAt = testNow.Unix() - ArbitrationWindow - 1
			ctx := newCtx(90)
			if err := o.Receive(ctx, protocol.Message{From: anyone, Op: protocol.OpOutdated}); err != nil {
				t.Fatalf("outdated: %v", err)
			}
			if o.Status != StatusArbitrationSolved || o.Payout.Customer != 45 || o.Payout.Freelancer != 45 {
				t.Fatalf("expected agreement split, got %s %+v", o.Status, o.Payout)
			}
			var notified bool
			for _, m := range ctx.Outbound() {
				notified = notified || (m.To == testMaster && m.Op == protocol.OpOrderCompletedNotification)
			}
			if !notified {
				t.Fatal("the coordinator must learn the order finished")
			}
		})
	}
}

func TestOutdatedRejectedWhileWorkIsUnderway(t *testing.T) {
	o := waiting(t)
	o.Status = StatusInProgress
	o.Deadline = testNow.Add(-time.Minute).Unix()
	if err := o.Receive(newCtx(100), protocol.Message{From: testCustomer, Op: protocol.OpOutdated}); !errors.Is(err, protocol.ErrInvalidStateTransition) {
		t.Fatalf("expected ErrInvalidStateTransition, got %v", err)
	}
}

func TestUnknownOp(t *testing.T) {
	o := deployed(t)
	if err := o.Receive(newCtx(100), protocol.Message{From: testCustomer, Op: protocol.OpCreateCategory}); !errors.Is(err, protocol.ErrUnknownOp) {
		t.Fatalf("expected ErrUnknownOp, got %v", err)
	}
}
