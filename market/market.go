// Package market assembles the coordinator and the actor families on a
// network and exposes typed read-only queries over their state.
package market

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"gigflow/address"
	"gigflow/admin"
	"gigflow/master"
	"gigflow/network"
	"gigflow/order"
	"gigflow/protocol"
	"gigflow/user"
)

var log = logging.Logger("market")

// DefaultPanelSize is the dispute panel size when the config leaves it unset.
const DefaultPanelSize = 3

var (
	ErrNotFound = errors.New("market: not found")
	ErrNoMaster = errors.New("market: coordinator not installed")
)

// Config describes a marketplace deployment.
type Config struct {
	Root         address.Address
	Fees         master.Fees
	PanelSize    uint32
	MaxResponses uint32
	// Picker replaces the random dispute panel selection.
	Picker master.Picker
	// Balance seeds the coordinator account.
	Balance protocol.Coins
}

// Market is a handle on one coordinator and everything it deployed.
type Market struct {
	net     *network.Network
	root    address.Address
	master  address.Address
	queryID atomic.Uint64
}

// Register adds the actor templates to net without installing a coordinator.
// It is used before importing a snapshot.
func Register(net *network.Network, picker master.Picker) {
	var opts []master.Option
	if picker != nil {
		opts = append(opts, master.WithPicker(picker))
	}
	net.Register(master.Template(opts...))
	net.Register(admin.Template())
	net.Register(user.Template())
	net.Register(order.Template())
}

// New registers the templates on net and installs a fresh coordinator.
func New(net *network.Network, cfg Config) (*Market, error) {
	if cfg.Root.IsZero() {
		return nil, fmt.Errorf("market: root address required")
	}
	if cfg.PanelSize == 0 {
		cfg.PanelSize = DefaultPanelSize
	}
	if cfg.Fees.Denominator == 0 {
		cfg.Fees.Denominator = 1
		cfg.Fees.Numerator = 0
	}
	Register(net, cfg.Picker)

	var opts []master.Option
	if cfg.Picker != nil {
		opts = append(opts, master.WithPicker(cfg.Picker))
	}
	coord := master.New(master.Config{
		Root:         cfg.Root,
		Fees:         cfg.Fees,
		PanelSize:    cfg.PanelSize,
		MaxResponses: cfg.MaxResponses,
	}, opts...)
	addr, err := net.Install(master.Init(cfg.Root), coord, cfg.Balance)
	if err != nil {
		return nil, fmt.Errorf("market: install coordinator: %w", err)
	}
	log.Infow("coordinator installed", "address", addr.String(), "root", cfg.Root.Short())
	return &Market{net: net, root: cfg.Root, master: addr}, nil
}

// Attach wraps a network that already holds the coordinator of root, for
// example one restored from a snapshot.
func Attach(net *network.Network, root address.Address) (*Market, error) {
	addr := master.Init(root).Address()
	if net.TemplateOf(addr) != protocol.TemplateMaster {
		return nil, ErrNoMaster
	}
	return &Market{net: net, root: root, master: addr}, nil
}

func (m *Market) Network() *network.Network { return m.net }

func (m *Market) Root() address.Address { return m.root }

// MasterAddress is the coordinator actor.
func (m *Market) MasterAddress() address.Address { return m.master }

// NextQueryID hands out request ids for callers that do not track their own.
func (m *Market) NextQueryID() uint64 { return m.queryID.Add(1) }

// Request is one party instruction.
type Request struct {
	From    address.Address
	To      address.Address
	Op      protocol.Op
	QueryID uint64
	Value   protocol.Coins
	Body    any
}

// Send submits a bounceable instruction from a wallet and runs it to
// completion. A zero To targets the coordinator.
func (m *Market) Send(ctx context.Context, req Request) ([]network.Transaction, error) {
	if req.Op.Internal() {
		return nil, fmt.Errorf("market: %s is internal", req.Op)
	}
	to := req.To
	if to.IsZero() {
		to = m.master
	}
	qid := req.QueryID
	if qid == 0 {
		qid = m.NextQueryID()
	}
	return m.net.Send(ctx, protocol.Message{
		From:    req.From,
		To:      to,
		Op:      req.Op,
		QueryID: qid,
		Value:   req.Value,
		Bounce:  true,
		Body:    req.Body,
	})
}

// Result reports how the first delivery of a call chain ended.
func Result(txs []network.Transaction) error {
	for _, tx := range txs {
		if !tx.Success && tx.ExitCode != protocol.ExitAdvisory {
			return &protocol.Error{Code: tx.ExitCode, Msg: tx.Error}
		}
	}
	return nil
}

// Master returns a copy of the coordinator state.
func (m *Market) Master() (master.Master, error) {
	var st master.Master
	if err := m.net.Load(m.master, &st); err != nil {
		return master.Master{}, fmt.Errorf("market: load coordinator: %w", err)
	}
	return st, nil
}

func (m *Market) Category(name string) (master.Category, error) {
	st, err := m.Master()
	if err != nil {
		return master.Category{}, err
	}
	c, ok := st.Categories[name]
	if !ok {
		return master.Category{}, fmt.Errorf("%w: category %q", ErrNotFound, name)
	}
	return *c, nil
}

// Languages lists the registered languages in name order.
func (m *Market) Languages() ([]string, error) {
	st, err := m.Master()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(st.Languages))
	for name := range st.Languages {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

func (m *Market) Fees() (master.Fees, error) {
	st, err := m.Master()
	if err != nil {
		return master.Fees{}, err
	}
	return st.Fees, nil
}

// TemplateHashes identifies the actor families.
func TemplateHashes() map[string]string {
	out := make(map[string]string, 4)
	for _, name := range []string{protocol.TemplateMaster, protocol.TemplateAdmin, protocol.TemplateUser, protocol.TemplateOrder} {
		out[name] = address.TemplateHash(name).String()
	}
	return out
}

// Address derives the address of a deployed family member.
func (m *Market) Address(template string, index uint64) address.Address {
	return address.Derive(template, m.master, index)
}

func (m *Market) Order(index uint64) (order.Order, error) {
	var o order.Order
	if err := m.load(protocol.TemplateOrder, index, &o); err != nil {
		return order.Order{}, err
	}
	return o, nil
}

func (m *Market) Admin(index uint64) (admin.Admin, error) {
	var a admin.Admin
	if err := m.load(protocol.TemplateAdmin, index, &a); err != nil {
		return admin.Admin{}, err
	}
	return a, nil
}

func (m *Market) User(index uint64) (user.User, error) {
	var u user.User
	if err := m.load(protocol.TemplateUser, index, &u); err != nil {
		return user.User{}, err
	}
	return u, nil
}

func (m *Market) load(template string, index uint64, out any) error {
	addr := m.Address(template, index)
	if err := m.net.Load(addr, out); err != nil {
		if errors.Is(err, network.ErrNoAccount) {
			return fmt.Errorf("%w: %s %d", ErrNotFound, template, index)
		}
		return err
	}
	return nil
}

// Orders returns every order the coordinator created, in index order.
func (m *Market) Orders() ([]order.Order, error) {
	st, err := m.Master()
	if err != nil {
		return nil, err
	}
	indexes := make([]uint64, 0, len(st.Orders))
	for idx := range st.Orders {
		indexes = append(indexes, idx)
	}
	sort.Slice(indexes, func(i, j int) bool { return indexes[i] < indexes[j] })

	out := make([]order.Order, 0, len(indexes))
	for _, idx := range indexes {
		o, err := m.Order(idx)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}

// DueOrders lists orders that can be outdated at now.
func (m *Market) DueOrders(_ context.Context, now time.Time) ([]uint64, error) {
	orders, err := m.Orders()
	if err != nil {
		return nil, err
	}
	var due []uint64
	for _, o := range orders {
		if at := o.DueAt(); at > 0 && now.Unix() > at {
			due = append(due, o.Index)
		}
	}
	return due, nil
}

// Event is a transaction enriched with the order it touched, if any.
type Event struct {
	Tx    network.Transaction `json:"tx"`
	Order *order.Order        `json:"order,omitempty"`
}

// Subscribe delivers an Event for every transaction on the network.
func (m *Market) Subscribe(fn func(Event)) {
	m.net.Subscribe(func(tx network.Transaction) {
		ev := Event{Tx: tx}
		if tx.Template == protocol.TemplateOrder && tx.Success {
			var o order.Order
			if err := m.net.Load(tx.To, &o); err == nil {
				ev.Order = &o
			} else {
				log.Debugw("load order for event", "address", tx.To.Short(), "err", err)
			}
		}
		fn(ev)
	})
}
