// Package markettest builds in-memory marketplaces for tests.
package markettest

import (
	"context"
	"sync"
	"testing"
	"time"

	"gigflow/address"
	"gigflow/content"
	"gigflow/market"
	"gigflow/master"
	"gigflow/network"
	"gigflow/protocol"
)

// Start is the fixture's initial clock reading.
var Start = time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC)

// Funding is what every wallet created through Wallet starts with.
const Funding = 1000 * protocol.Nano

// DefaultFees is 5% on accepted work plus a one-coin creation fee each.
var DefaultFees = master.Fees{
	Numerator:        5,
	Denominator:      100,
	UserCreationFee:  protocol.Nano,
	OrderCreationFee: protocol.Nano,
}

// Clock is a manually advanced clock.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(start time.Time) *Clock { return &Clock{now: start} }

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// FirstPicker seats the lowest-indexed candidates.
type FirstPicker struct{}

func (FirstPicker) Pick(candidates []address.Address, count int, _ int64) []address.Address {
	if count > len(candidates) {
		count = len(candidates)
	}
	if count <= 0 {
		return nil
	}
	return append([]address.Address(nil), candidates[:count]...)
}

// Fixture is a marketplace on a private network with a fake clock.
type Fixture struct {
	Net    *network.Network
	Market *market.Market
	Clock  *Clock
	Root   address.Address
}

// Option adjusts the market config or network options of a Fixture.
type Option func(*market.Config, *[]network.Option)

func WithFees(f master.Fees) Option {
	return func(c *market.Config, _ *[]network.Option) { c.Fees = f }
}

func WithPanelSize(n uint32) Option {
	return func(c *market.Config, _ *[]network.Option) { c.PanelSize = n }
}

func WithMaxResponses(n uint32) Option {
	return func(c *market.Config, _ *[]network.Option) { c.MaxResponses = n }
}

func WithNetworkOptions(opts ...network.Option) Option {
	return func(_ *market.Config, n *[]network.Option) { *n = append(*n, opts...) }
}

// New builds a funded root wallet and a coordinator that seats panels in
// index order.
func New(tb testing.TB, opts ...Option) *Fixture {
	tb.Helper()

	clock := NewClock(Start)
	root := address.External("root")
	cfg := market.Config{
		Root:      root,
		Fees:      DefaultFees,
		PanelSize: market.DefaultPanelSize,
		Picker:    FirstPicker{},
	}
	netOpts := []network.Option{network.WithClock(clock.Now)}
	for _, opt := range opts {
		opt(&cfg, &netOpts)
	}

	net := network.New(netOpts...)
	m, err := market.New(net, cfg)
	if err != nil {
		tb.Fatalf("market: %v", err)
	}
	f := &Fixture{Net: net, Market: m, Clock: clock, Root: root}
	f.Wallet(tb, "root")
	return f
}

// Wallet returns the funded external address for seed.
func (f *Fixture) Wallet(tb testing.TB, seed string) address.Address {
	tb.Helper()
	w := address.External(seed)
	if f.Net.Balance(w) == 0 {
		if err := f.Net.Fund(w, Funding); err != nil {
			tb.Fatalf("fund %s: %v", seed, err)
		}
	}
	return w
}

// Do sends an instruction and returns the resulting transactions along with
// the first failure in the chain.
func (f *Fixture) Do(tb testing.TB, from, to address.Address, op protocol.Op, value protocol.Coins, body any) ([]network.Transaction, error) {
	tb.Helper()
	txs, err := f.Market.Send(context.Background(), market.Request{From: from, To: to, Op: op, Value: value, Body: body})
	if err != nil {
		tb.Fatalf("%s: %v", op, err)
	}
	return txs, market.Result(txs)
}

// Must is Do that fails the test on any rejected delivery.
func (f *Fixture) Must(tb testing.TB, from, to address.Address, op protocol.Op, value protocol.Coins, body any) []network.Transaction {
	tb.Helper()
	txs, err := f.Do(tb, from, to, op, value, body)
	if err != nil {
		tb.Fatalf("%s from %s: %v", op, from.Short(), err)
	}
	return txs
}

func (f *Fixture) Master(tb testing.TB) master.Master {
	tb.Helper()
	st, err := f.Market.Master()
	if err != nil {
		tb.Fatalf("load master: %v", err)
	}
	return st
}

func (f *Fixture) CreateCategory(tb testing.TB, name string, agreement uint64, minAdmins uint32) {
	tb.Helper()
	f.Must(tb, f.Root, address.Zero, protocol.OpCreateCategory, 0, protocol.CreateCategory{
		Name:                name,
		AgreementPercentage: agreement,
		AdminCountForActive: minAdmins,
	})
}

// CreateAdmin has root create an admin and returns its index and address.
func (f *Fixture) CreateAdmin(tb testing.TB, owner address.Address, category string, canApprove, canRevoke bool) (uint64, address.Address) {
	tb.Helper()
	idx := f.Master(tb).NextAdminIndex
	f.Must(tb, f.Root, address.Zero, protocol.OpCreateAdmin, 0, protocol.CreateAdmin{
		Owner:   owner,
		Content: AdminContent(category, canApprove, canRevoke),
	})
	return idx, f.Market.Address(protocol.TemplateAdmin, idx)
}

func AdminContent(category string, canApprove, canRevoke bool) content.Blob {
	return content.New().
		Str(content.FieldCategory, category).
		Bool(content.FieldCanApproveUser, canApprove).
		Bool(content.FieldCanRevokeUser, canRevoke).
		Build()
}

// CreateUser registers owner as a pending user and returns its index and address.
func (f *Fixture) CreateUser(tb testing.TB, owner address.Address, isUser, isFreelancer bool) (uint64, address.Address) {
	tb.Helper()
	idx := f.Master(tb).NextUserIndex
	fees, err := f.Market.Fees()
	if err != nil {
		tb.Fatalf("fees: %v", err)
	}
	f.Must(tb, owner, address.Zero, protocol.OpCreateUser, fees.UserCreationFee, protocol.CreateUser{
		Content: content.New().Bool(content.FieldIsUser, isUser).Bool(content.FieldIsFreelancer, isFreelancer).Build(),
	})
	return idx, f.Market.Address(protocol.TemplateUser, idx)
}

// ActivateUser approves a user through an admin actor.
func (f *Fixture) ActivateUser(tb testing.TB, adminOwner, adminAddr address.Address, userIdx uint64) {
	tb.Helper()
	f.Must(tb, adminOwner, adminAddr, protocol.OpActivateUser, 0, protocol.IndexRef{Index: userIdx})
}

// OrderSpec describes an order to create.
type OrderSpec struct {
	Category    string
	Price       protocol.Coins
	Deadline    time.Duration
	CheckWindow time.Duration
}

// CreateOrder has the customer create an order through its user actor and
// returns the order index.
func (f *Fixture) CreateOrder(tb testing.TB, customer, userAddr address.Address, spec OrderSpec) uint64 {
	tb.Helper()
	idx := f.Master(tb).NextOrderIndex
	fees, err := f.Market.Fees()
	if err != nil {
		tb.Fatalf("fees: %v", err)
	}
	f.Must(tb, customer, userAddr, protocol.OpCreateOrder, spec.Price+fees.OrderCreationFee, protocol.CreateOrder{
		Content:     content.New().Str(content.FieldCategory, spec.Category).Build(),
		Price:       spec.Price,
		Deadline:    f.Clock.Now().Add(spec.Deadline).Unix(),
		CheckWindow: int64(spec.CheckWindow / time.Second),
	})
	return idx
}

func (f *Fixture) OrderAddress(idx uint64) address.Address {
	return f.Market.Address(protocol.TemplateOrder, idx)
}

// CheckSupply fails the test when value was created or lost.
func (f *Fixture) CheckSupply(tb testing.TB) {
	tb.Helper()
	if s := f.Net.Supply(); !s.Balanced() {
		tb.Fatalf("supply unbalanced: %+v", s)
	}
}
