package admin

import (
	"errors"
	"testing"
	"time"

	"gigflow/address"
	"gigflow/content"
	"gigflow/network"
	"gigflow/protocol"
)

var (
	testMaster = address.External("master")
	testOwner  = address.External("owner")
	testNow    = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
)

func newCtx() *network.Context {
	init := protocol.StateInit{Template: protocol.TemplateAdmin, Master: testMaster, Index: 3}
	return network.NewTestContext(init.Address(), init, testNow, 0)
}

func deployed(t *testing.T) *Admin {
	t.Helper()
	a := &Admin{}
	err := a.Receive(newCtx(), protocol.Message{From: testMaster, Op: protocol.OpInit, Body: protocol.AdminInit{
		Owner: testOwner,
		Content: content.New().
			Str(content.FieldCategory, "design").
			Bool(content.FieldCanApproveUser, true).
			Str("nickname", "mod").
			Build(),
	}})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	return a
}

func TestInit(t *testing.T) {
	a := deployed(t)
	if !a.Active() || a.Index != 3 || a.Category != "design" || !a.CanApproveUser || a.CanRevokeUser {
		t.Fatalf("unexpected admin %+v", a)
	}
}

func TestOwnerInstructionsAreForwarded(t *testing.T) {
	a := deployed(t)
	ctx := newCtx()
	body := protocol.IndexRef{Index: 9}
	if err := a.Receive(ctx, protocol.Message{From: testOwner, Op: protocol.OpActivateUser, QueryID: 42, Value: 5, Body: body}); err != nil {
		t.Fatalf("forward: %v", err)
	}
	out := ctx.Outbound()
	if len(out) != 1 {
		t.Fatalf("expected one forwarded message, got %d", len(out))
	}
	m := out[0]
	if m.To != testMaster || m.Op != protocol.OpActivateUser || m.QueryID != 42 || m.Value != 5 || !m.Bounce || m.Body != body {
		t.Fatalf("unexpected forward %+v", m)
	}
}

func TestStrangerIsRejected(t *testing.T) {
	a := deployed(t)
	err := a.Receive(newCtx(), protocol.Message{From: address.External("stranger"), Op: protocol.OpActivateUser, Body: protocol.IndexRef{}})
	if !errors.Is(err, protocol.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestRevokeAndReactivate(t *testing.T) {
	a := deployed(t)
	ctx := newCtx()
	if err := a.Receive(ctx, protocol.Message{From: testMaster, Op: protocol.OpRevokeAdmin}); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if a.Active() {
		t.Fatal("expected revoked admin")
	}
	if out := ctx.Outbound(); len(out) != 1 || out[0].Op != protocol.OpAdminRevokedNotification {
		t.Fatalf("expected revocation notice, got %+v", out)
	}
	if err := a.Receive(newCtx(), protocol.Message{From: testMaster, Op: protocol.OpRevokeAdmin}); !errors.Is(err, protocol.ErrInvalidStateTransition) {
		t.Fatalf("expected ErrInvalidStateTransition, got %v", err)
	}
	if err := a.Receive(newCtx(), protocol.Message{From: testOwner, Op: protocol.OpActivateOrder, Body: protocol.IndexRef{}}); !errors.Is(err, protocol.ErrUnauthorized) {
		t.Fatalf("revoked admin must not act, got %v", err)
	}
	if err := a.Receive(newCtx(), protocol.Message{From: testMaster, Op: protocol.OpActivateAdmin}); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if !a.Active() {
		t.Fatal("expected active admin")
	}
}

func TestChangeContentKeepsCapabilities(t *testing.T) {
	a := deployed(t)
	update := content.New().
		Str(content.FieldCategory, "all").
		Bool(content.FieldCanRevokeUser, true).
		Str("nickname", "lead").
		Build()
	if err := a.Receive(newCtx(), protocol.Message{From: testOwner, Op: protocol.OpChangeContent, Body: protocol.ChangeContent{Content: update}}); err != nil {
		t.Fatalf("change content: %v", err)
	}
	if got := a.Content.Category(); got != "design" {
		t.Fatalf("category changed to %q", got)
	}
	if a.Content.Bool(content.FieldCanRevokeUser) {
		t.Fatal("capability changed through content")
	}
	if got, _ := a.Content.String("nickname"); got != "lead" {
		t.Fatalf("expected nickname update, got %q", got)
	}
}

func TestBouncedValueGoesToOwner(t *testing.T) {
	a := deployed(t)
	ctx := newCtx()
	if err := a.Receive(ctx, protocol.Message{From: testMaster, Op: protocol.OpCreateAdmin, Value: 7, Bounced: true}); err != nil {
		t.Fatalf("bounced: %v", err)
	}
	if out := ctx.Outbound(); len(out) != 1 || out[0].To != testOwner || out[0].Value != 7 {
		t.Fatalf("expected value returned to owner, got %+v", out)
	}
}
