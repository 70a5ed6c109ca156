package master

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
	testRoot = address.External("root")
	testNow  = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
)

func newMaster() *Master {
	return New(Config{
		Root:      testRoot,
		Fees:      Fees{Numerator: 1, Denominator: 10, UserCreationFee: 3, OrderCreationFee: 2},
		PanelSize: 3,
	})
}

func newCtx(balance protocol.Coins) *network.Context {
	init := Init(testRoot)
	return network.NewTestContext(init.Address(), init, testNow, balance)
}

func send(m *Master, from address.Address, op protocol.Op, value protocol.Coins, body any) (*network.Context, error) {
	ctx := newCtx(value)
	err := m.Receive(ctx, protocol.Message{From: from, Op: op, Value: value, Body: body})
	return ctx, err
}

func TestCreateCategory(t *testing.T) {
	m := newMaster()
	if _, err := send(m, address.External("mallory"), protocol.OpCreateCategory, 0, protocol.CreateCategory{Name: "x"}); !errors.Is(err, protocol.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if _, err := send(m, testRoot, protocol.OpCreateCategory, 0, protocol.CreateCategory{Name: "x", AgreementPercentage: 1}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := send(m, testRoot, protocol.OpCreateCategory, 0, protocol.CreateCategory{Name: "x"}); !errors.Is(err, protocol.ErrDuplicateCategory) {
		t.Fatalf("expected ErrDuplicateCategory, got %v", err)
	}
	if _, err := send(m, testRoot, protocol.OpCreateCategory, 0, protocol.CreateCategory{Name: "y", AgreementPercentage: MaxAgreementPercentage + 1}); !errors.Is(err, protocol.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
	if c := m.Categories["x"]; c == nil || !c.Active {
		t.Fatalf("expected active category, got %+v", c)
	}
}

func TestCreateLanguage(t *testing.T) {
	m := newMaster()
	if _, err := send(m, testRoot, protocol.OpCreateLanguage, 0, protocol.CreateLanguage{Name: "en"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := send(m, testRoot, protocol.OpCreateLanguage, 0, protocol.CreateLanguage{Name: "en"}); !errors.Is(err, protocol.ErrDuplicateLanguage) {
		t.Fatalf("expected ErrDuplicateLanguage, got %v", err)
	}
}

func TestCreateUserChargesFee(t *testing.T) {
	m := newMaster()
	owner := address.External("alice")
	if _, err := send(m, owner, protocol.OpCreateUser, 2, protocol.CreateUser{}); !errors.Is(err, protocol.ErrInsufficientValue) {
		t.Fatalf("expected ErrInsufficientValue, got %v", err)
	}
	ctx, err := send(m, owner, protocol.OpCreateUser, 10, protocol.CreateUser{})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	out := ctx.Outbound()
	if len(out) != 1 || out[0].Init == nil || out[0].Value != 7 {
		t.Fatalf("expected a deploy carrying 7, got %+v", out)
	}
	if out[0].To != ctx.Child(protocol.TemplateUser, 0) {
		t.Fatal("user deployed at an unexpected address")
	}
	if m.NextUserIndex != 1 || m.CollectedFees != 3 || m.Users[0].Owner != owner {
		t.Fatalf("unexpected registry %+v fees %s", m.Users, m.CollectedFees)
	}
}

func TestDeactivatedCategoryBlocksAdmins(t *testing.T) {
	m := newMaster()
	send(m, testRoot, protocol.OpCreateCategory, 0, protocol.CreateCategory{Name: "x"})
	if _, err := send(m, testRoot, protocol.OpDeactivateCategory, 0, protocol.CategoryRef{Name: "x"}); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	_, err := send(m, testRoot, protocol.OpCreateAdmin, 0, protocol.CreateAdmin{
		Owner:   address.External("bob"),
		Content: content.New().Str(content.FieldCategory, "x").Build(),
	})
	if !errors.Is(err, protocol.ErrCategoryInactive) {
		t.Fatalf("expected ErrCategoryInactive, got %v", err)
	}
	if _, err := send(m, testRoot, protocol.OpCreateAdmin, 0, protocol.CreateAdmin{
		Owner:   address.External("bob"),
		Content: content.New().Str(content.FieldCategory, "nope").Build(),
	}); !errors.Is(err, protocol.ErrCategoryNotFound) {
		t.Fatalf("expected ErrCategoryNotFound, got %v", err)
	}
}

func TestChangeFeesValidation(t *testing.T) {
	m := newMaster()
	for _, f := range []protocol.ChangeFees{{Numerator: 1, Denominator: 0}, {Numerator: 3, Denominator: 2}} {
		if _, err := send(m, testRoot, protocol.OpChangeFees, 0, f); !errors.Is(err, protocol.ErrInvalidArgument) {
			t.Fatalf("%+v: expected ErrInvalidArgument, got %v", f, err)
		}
	}
	if _, err := send(m, testRoot, protocol.OpChangeFees, 0, protocol.ChangeFees{Numerator: 2, Denominator: 100, UserCreationFee: 1}); err != nil {
		t.Fatalf("change fees: %v", err)
	}
	if m.Fees.Numerator != 2 || m.Fees.Denominator != 100 || m.Fees.UserCreationFee != 1 {
		t.Fatalf("unexpected fees %+v", m.Fees)
	}
}

func TestMasterLogIsAdvisory(t *testing.T) {
	m := newMaster()
	_, err := send(m, address.External("anyone"), protocol.OpMasterLog, 0, protocol.Log{Event: "x"})
	if protocol.CodeOf(err) != protocol.ExitAdvisory {
		t.Fatalf("expected advisory exit, got %v", err)
	}
}

func TestCompletionCountsSaturate(t *testing.T) {
	m := newMaster()
	m.Categories["x"] = &Category{Name: "x", Active: true}
	orderAddr := address.External("order")
	m.Orders[0] = &OrderEntry{Address: orderAddr, Category: "x"}
	m.Roles[orderAddr] = Role{Kind: KindOrder, Index: 0}

	// Completion of an order that was never activated leaves the count alone.
	if _, err := send(m, orderAddr, protocol.OpOrderCompletedNotification, 0, protocol.OrderNotification{Status: "outdated"}); err != nil {
		t.Fatalf("completed: %v", err)
	}
	if m.Categories["x"].ActiveOrderCount != 0 || m.Orders[0].Status != "outdated" {
		t.Fatalf("unexpected state %+v %+v", m.Categories["x"], m.Orders[0])
	}
	if _, err := send(m, orderAddr, protocol.OpOrderActivateNotification, 0, protocol.OrderNotification{}); err != nil {
		t.Fatalf("activated: %v", err)
	}
	if m.Categories["x"].ActiveOrderCount != 0 {
		t.Fatal("a finished order must not count as active")
	}
}

type fixedPicker []address.Address

func (p fixedPicker) Pick([]address.Address, int, int64) []address.Address { return p }

func TestGetAdminsFallsBackToAll(t *testing.T) {
	global := address.External("global-admin")
	m := New(Config{Root: testRoot, PanelSize: 3}, WithPicker(ShufflePicker{}))
	m.Categories["x"] = &Category{Name: "x", Active: true, AgreementPercentage: 7}
	m.Admins[0] = &AdminEntry{Address: global, Category: CategoryAll, Active: true}
	orderAddr := address.External("order")
	m.Orders[0] = &OrderEntry{Address: orderAddr, Category: "x"}
	m.Roles[orderAddr] = Role{Kind: KindOrder, Index: 0}

	ctx, err := send(m, orderAddr, protocol.OpGetAdmins, 0, protocol.GetAdmins{Category: "x", Count: 3})
	if err != nil {
		t.Fatalf("get admins: %v", err)
	}
	out := ctx.Outbound()
	if len(out) != 1 || out[0].Op != protocol.OpSetAdmins || out[0].To != orderAddr {
		t.Fatalf("expected a reply to the order, got %+v", out)
	}
	body, err := protocol.BodyAs[protocol.SetAdmins](out[0])
	if err != nil {
		t.Fatalf("body: %v", err)
	}
	if len(body.Admins) != 1 || body.Admins[0] != global || body.AgreementPercent != 7 {
		t.Fatalf("unexpected panel %+v", body)
	}

	if _, err := send(m, address.External("stranger"), protocol.OpGetAdmins, 0, protocol.GetAdmins{Category: "x"}); !errors.Is(err, protocol.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestWithPickerIsUsed(t *testing.T) {
	chosen := address.External("chosen")
	m := New(Config{Root: testRoot}, WithPicker(fixedPicker{chosen}))
	m.Categories["x"] = &Category{Name: "x", Active: true}
	orderAddr := address.External("order")
	m.Orders[0] = &OrderEntry{Address: orderAddr, Category: "x"}
	m.Roles[orderAddr] = Role{Kind: KindOrder, Index: 0}

	ctx, err := send(m, orderAddr, protocol.OpGetAdmins, 0, protocol.GetAdmins{Category: "x", Count: 1})
	if err != nil {
		t.Fatalf("get admins: %v", err)
	}
	body, _ := protocol.BodyAs[protocol.SetAdmins](ctx.Outbound()[0])
	if len(body.Admins) != 1 || body.Admins[0] != chosen {
		t.Fatalf("expected the custom picker's panel, got %v", body.Admins)
	}
}

func TestShufflePickerIsDeterministic(t *testing.T) {
	var candidates []address.Address
	for _, s := range []string{"a", "b", "c", "d", "e"} {
		candidates = append(candidates, address.External(s))
	}
	p := ShufflePicker{}
	first := p.Pick(candidates, 3, 99)
	second := p.Pick(candidates, 3, 99)
	if len(first) != 3 {
		t.Fatalf("expected 3 admins, got %d", len(first))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatal("same seed produced different panels")
		}
	}
	seen := map[address.Address]bool{}
	for _, a := range first {
		if seen[a] {
			t.Fatalf("admin %s picked twice", a.Short())
		}
		seen[a] = true
	}
}

func TestWithdrawRootOnly(t *testing.T) {
	m := newMaster()
	if _, err := send(m, address.External("mallory"), protocol.OpWithdrawFunds, 0, nil); !errors.Is(err, protocol.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	ctx := newCtx(WithdrawReserve + 5)
	if err := m.Receive(ctx, protocol.Message{From: testRoot, Op: protocol.OpWithdrawFunds}); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if out := ctx.Outbound(); len(out) != 1 || out[0].To != testRoot || out[0].Value != 5 {
		t.Fatalf("expected 5 to root, got %+v", out)
	}
}

func TestChangeCategoryPercent(t *testing.T) {
	m := newMaster()
	if _, err := send(m, testRoot, protocol.OpCreateCategory, 0, protocol.CreateCategory{Name: "x", AgreementPercentage: 1}); err != nil {
		t.Fatalf("create: %v", err)
	}
	change := func(from address.Address, name string, pct uint64) error {
		_, err := send(m, from, protocol.OpChangeCategoryPercent, 0, protocol.ChangeCategoryPercent{Name: name, AgreementPercentage: pct})
		return err
	}
	if err := change(address.External("mallory"), "x", 5); !errors.Is(err, protocol.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if err := change(testRoot, "missing", 5); !errors.Is(err, protocol.ErrCategoryNotFound) {
		t.Fatalf("expected ErrCategoryNotFound, got %v", err)
	}
	if err := change(testRoot, "x", MaxAgreementPercentage+1); !errors.Is(err, protocol.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
	if err := change(testRoot, "x", MaxAgreementPercentage); err != nil {
		t.Fatalf("change: %v", err)
	}
	if got := m.Categories["x"].AgreementPercentage; got != MaxAgreementPercentage {
		t.Fatalf("expected %d, got %d", uint64(MaxAgreementPercentage), got)
	}
}

func TestArbitrationVoteRejectsWrappingParts(t *testing.T) {
	m := newMaster()
	admin := address.External("admin")
	m.Admins[0] = &AdminEntry{Address: admin, Category: CategoryAll, Active: true}
	m.Roles[admin] = Role{Kind: KindAdmin, Index: 0}
	m.Orders[0] = &OrderEntry{Address: address.External("order"), Category: "x"}

	bad := protocol.ProcessArbitration{OrderIndex: 0, FreelancerPart: math.MaxUint32, CustomerPart: 101}
	ctx, err := send(m, admin, protocol.OpProcessArbitration, 0, bad)
	if !errors.Is(err, protocol.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
	if len(ctx.Outbound()) != 0 {
		t.Fatalf("a rejected vote must not be forwarded: %+v", ctx.Outbound())
	}
	ctx, err = send(m, admin, protocol.OpProcessArbitration, 0, protocol.ProcessArbitration{FreelancerPart: 40, CustomerPart: 60})
	if err != nil {
		t.Fatalf("vote: %v", err)
	}
	if out := ctx.Outbound(); len(out) != 1 || out[0].To != m.Orders[0].Address {
		t.Fatalf("expected the vote forwarded to the order, got %+v", out)
	}
}
