// Package network runs actors. It owns every account (actor state plus balance),
// delivers messages one at a time in FIFO order, deploys actors on first contact
// and makes each delivery atomic for the receiving actor.
package network

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"gigflow/address"
	"gigflow/protocol"
)

var log = logging.Logger("network")

var (
	// ErrNoAccount signals that nothing lives at the address.
	ErrNoAccount = errors.New("network: no account")
	// ErrInsufficientBalance signals that a wallet cannot cover the value it sends.
	ErrInsufficientBalance = errors.New("network: insufficient wallet balance")
	// ErrNotWallet signals that an external submission names an actor as sender.
	ErrNotWallet = errors.New("network: sender is not a wallet")
	// ErrUnknownTemplate signals a deploy or import for an unregistered template.
	ErrUnknownTemplate = errors.New("network: unknown template")
	// ErrStepLimit signals that a drain did not settle within the step budget.
	ErrStepLimit = errors.New("network: step limit reached")
)

// Actor is the behaviour behind a deployed address. Its state must round-trip
// through encoding/json: the runtime restores it from a JSON image when a
// delivery fails.
type Actor interface {
	Receive(ctx *Context, msg protocol.Message) error
}

// Template builds fresh actors of one family.
type Template struct {
	Name string
	New  func() Actor
}

// Transaction is the trace record of one delivery.
type Transaction struct {
	ID       uuid.UUID         `json:"id"`
	Seq      uint64            `json:"seq"`
	Time     time.Time         `json:"time"`
	From     address.Address   `json:"from"`
	To       address.Address   `json:"to"`
	Template string            `json:"template,omitempty"`
	Op       protocol.Op       `json:"op"`
	QueryID  uint64            `json:"queryId"`
	Value    protocol.Coins    `json:"value"`
	Deployed bool              `json:"deployed,omitempty"`
	Bounced  bool              `json:"bounced,omitempty"`
	Success  bool              `json:"success"`
	ExitCode protocol.ExitCode `json:"exitCode"`
	Error    string            `json:"error,omitempty"`
	Outbound int               `json:"outbound"`
}

// Observer receives every transaction after the network lock is released.
type Observer func(Transaction)

// Option customises a Network.
type Option func(*Network)

// WithClock overrides the wall clock used for actor time.
func WithClock(now func() time.Time) Option {
	return func(n *Network) {
		if now != nil {
			n.now = now
		}
	}
}

// WithIDGenerator overrides transaction id generation.
func WithIDGenerator(gen func() uuid.UUID) Option {
	return func(n *Network) {
		if gen != nil {
			n.newID = gen
		}
	}
}

// WithFaults installs a drop function consulted for zero-value, non-bounceable
// actor messages. Returning true loses the message.
func WithFaults(drop func(protocol.Message) bool) Option {
	return func(n *Network) {
		n.drop = drop
	}
}

// WithStepLimit caps the number of deliveries per drain.
func WithStepLimit(steps int) Option {
	return func(n *Network) {
		if steps > 0 {
			n.maxSteps = steps
		}
	}
}

type account struct {
	template string
	init     *protocol.StateInit
	actor    Actor
	balance  protocol.Coins
}

func (a *account) wallet() bool { return a.actor == nil }

// Network is safe for concurrent use; deliveries are serialised.
type Network struct {
	mu        sync.Mutex
	now       func() time.Time
	newID     func() uuid.UUID
	drop      func(protocol.Message) bool
	maxSteps  int
	templates map[string]Template
	accounts  map[address.Address]*account
	queue     []protocol.Message
	seq       uint64
	minted    protocol.Coins
	burned    protocol.Coins
	dropped   uint64

	obsMu     sync.RWMutex
	observers []Observer
}

// New creates an empty network.
func New(opts ...Option) *Network {
	n := &Network{
		now:       time.Now,
		newID:     uuid.New,
		maxSteps:  10_000,
		templates: make(map[string]Template),
		accounts:  make(map[address.Address]*account),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Register makes a template deployable.
func (n *Network) Register(t Template) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.templates[t.Name] = t
}

// Subscribe adds an observer.
func (n *Network) Subscribe(o Observer) {
	n.obsMu.Lock()
	defer n.obsMu.Unlock()
	n.observers = append(n.observers, o)
}

// Install places a pre-built actor at the address derived from init. It is used
// for the coordinator, which has no deployer.
func (n *Network) Install(init protocol.StateInit, actor Actor, balance protocol.Coins) (address.Address, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.templates[init.Template]; !ok {
		return address.Zero, fmt.Errorf("%w: %s", ErrUnknownTemplate, init.Template)
	}
	addr := init.Address()
	if _, exists := n.accounts[addr]; exists {
		return address.Zero, fmt.Errorf("network: install: address %s in use", addr.Short())
	}
	in := init
	n.accounts[addr] = &account{template: init.Template, init: &in, actor: actor, balance: balance}
	n.minted += balance
	return addr, nil
}

// Fund credits a wallet with newly minted value.
func (n *Network) Fund(wallet address.Address, amount protocol.Coins) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	acc := n.accounts[wallet]
	if acc == nil {
		acc = &account{}
		n.accounts[wallet] = acc
	}
	if !acc.wallet() {
		return ErrNotWallet
	}
	acc.balance += amount
	n.minted += amount
	return nil
}

// Submit debits the sending wallet and queues an external message.
func (n *Network) Submit(msg protocol.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.submitLocked(msg)
}

func (n *Network) submitLocked(msg protocol.Message) error {
	acc := n.accounts[msg.From]
	if acc != nil && !acc.wallet() {
		return ErrNotWallet
	}
	if msg.Value > 0 {
		if acc == nil || acc.balance < msg.Value {
			return fmt.Errorf("%w: %s wants %s", ErrInsufficientBalance, msg.From.Short(), msg.Value)
		}
		acc.balance -= msg.Value
	}
	msg.Bounced = false
	msg.Mode = protocol.ModeValue
	n.queue = append(n.queue, msg)
	return nil
}

// Send submits an external message and drains the queue, returning every
// transaction the message caused (and any already pending).
func (n *Network) Send(ctx context.Context, msg protocol.Message) ([]Transaction, error) {
	n.mu.Lock()
	if err := n.submitLocked(msg); err != nil {
		n.mu.Unlock()
		return nil, err
	}
	txs, err := n.drainLocked(ctx)
	n.mu.Unlock()

	n.notify(txs)
	return txs, err
}

// Drain delivers queued messages until the queue is empty.
func (n *Network) Drain(ctx context.Context) ([]Transaction, error) {
	n.mu.Lock()
	txs, err := n.drainLocked(ctx)
	n.mu.Unlock()

	n.notify(txs)
	return txs, err
}

// Step delivers a single queued message. It reports false when the queue is empty.
func (n *Network) Step() (Transaction, bool) {
	n.mu.Lock()
	if len(n.queue) == 0 {
		n.mu.Unlock()
		return Transaction{}, false
	}
	tx := n.deliverLocked(n.pop())
	n.mu.Unlock()

	n.notify([]Transaction{tx})
	return tx, true
}

// Pending returns the queue length.
func (n *Network) Pending() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.queue)
}

func (n *Network) drainLocked(ctx context.Context) ([]Transaction, error) {
	var txs []Transaction
	for steps := 0; len(n.queue) > 0; steps++ {
		if steps >= n.maxSteps {
			return txs, fmt.Errorf("%w: %d pending", ErrStepLimit, len(n.queue))
		}
		if err := ctx.Err(); err != nil {
			return txs, err
		}
		txs = append(txs, n.deliverLocked(n.pop()))
	}
	return txs, nil
}

func (n *Network) pop() protocol.Message {
	msg := n.queue[0]
	n.queue[0] = protocol.Message{}
	n.queue = n.queue[1:]
	return msg
}

func (n *Network) notify(txs []Transaction) {
	if len(txs) == 0 {
		return
	}
	n.obsMu.RLock()
	observers := append([]Observer(nil), n.observers...)
	n.obsMu.RUnlock()

	for _, tx := range txs {
		for _, o := range observers {
			o(tx)
		}
	}
}

func (n *Network) deliverLocked(msg protocol.Message) Transaction {
	n.seq++
	now := n.now().UTC()
	tx := Transaction{
		ID:      n.newID(),
		Seq:     n.seq,
		Time:    now,
		From:    msg.From,
		To:      msg.To,
		Op:      msg.Op,
		QueryID: msg.QueryID,
		Value:   msg.Value,
		Bounced: msg.Bounced,
	}

	acc, deployed, err := n.resolveLocked(msg)
	if err != nil {
		// Nothing can run at the destination; return the value when asked to.
		tx.ExitCode = protocol.CodeOf(err)
		tx.Error = protocol.MessageOf(err)
		if !n.bounceLocked(msg, nil) {
			n.burned += msg.Value
		}
		return tx
	}
	tx.Template = acc.template
	tx.Deployed = deployed
	acc.balance += msg.Value

	if acc.wallet() {
		tx.Success = true
		return tx
	}

	image, err := json.Marshal(acc.actor)
	if err != nil {
		log.Errorw("snapshot actor state", "address", msg.To.Short(), "err", err)
		tx.ExitCode = protocol.ExitGeneric
		tx.Error = err.Error()
		n.bounceLocked(msg, acc)
		return tx
	}

	c := &Context{
		self:    msg.To,
		init:    *acc.init,
		now:     now,
		seq:     n.seq,
		balance: acc.balance,
	}
	err = receive(acc.actor, c, msg)
	var spent protocol.Coins
	if err == nil {
		spent, err = c.settle()
	}

	if err != nil {
		tx.ExitCode = protocol.CodeOf(err)
		tx.Error = protocol.MessageOf(err)
		if tx.ExitCode == protocol.ExitAdvisory {
			log.Debugw("advisory", "op", msg.Op, "to", msg.To.Short(), "err", err)
		} else {
			log.Infow("message rejected", "op", msg.Op, "from", msg.From.Short(), "to", msg.To.Short(), "exit", tx.ExitCode, "err", err)
		}
		if restoreErr := n.restoreLocked(acc, image); restoreErr != nil {
			log.Errorw("restore actor state", "address", msg.To.Short(), "err", restoreErr)
		}
		if n.bounceLocked(msg, acc) && deployed && acc.balance == 0 {
			delete(n.accounts, msg.To)
		}
		return tx
	}

	acc.balance -= spent
	tx.Success = true
	tx.ExitCode = protocol.ExitOK
	tx.Outbound = len(c.out)
	for _, out := range c.out {
		if n.drop != nil && out.Value == 0 && !out.Bounce && n.drop(out) {
			n.dropped++
			log.Debugw("message dropped", "op", out.Op, "from", out.From.Short(), "to", out.To.Short())
			continue
		}
		n.queue = append(n.queue, out)
	}
	return tx
}

// resolveLocked finds or creates the destination account.
func (n *Network) resolveLocked(msg protocol.Message) (*account, bool, error) {
	if acc, ok := n.accounts[msg.To]; ok {
		return acc, false, nil
	}
	if msg.Init == nil {
		acc := &account{}
		n.accounts[msg.To] = acc
		return acc, false, nil
	}
	if msg.Init.Address() != msg.To {
		return nil, false, protocol.Errorf(protocol.ExitInvalidArgument, "init does not match %s", msg.To.Short())
	}
	tmpl, ok := n.templates[msg.Init.Template]
	if !ok {
		return nil, false, protocol.Errorf(protocol.ExitGeneric, "unknown template %q", msg.Init.Template)
	}
	in := *msg.Init
	acc := &account{template: tmpl.Name, init: &in, actor: tmpl.New()}
	n.accounts[msg.To] = acc
	return acc, true, nil
}

func (n *Network) restoreLocked(acc *account, image []byte) error {
	tmpl, ok := n.templates[acc.template]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTemplate, acc.template)
	}
	fresh := tmpl.New()
	if err := json.Unmarshal(image, fresh); err != nil {
		return err
	}
	acc.actor = fresh
	return nil
}

// bounceLocked returns the value of a failed bounceable message to its sender.
// acc is the credited destination, nil when the value was never credited.
func (n *Network) bounceLocked(msg protocol.Message, acc *account) bool {
	if !msg.Bounce || msg.Bounced {
		return false
	}
	if acc != nil {
		acc.balance -= msg.Value
	}
	n.queue = append(n.queue, protocol.Message{
		From:    msg.To,
		To:      msg.From,
		Op:      msg.Op,
		QueryID: msg.QueryID,
		Value:   msg.Value,
		Bounced: true,
		Body:    msg.Body,
	})
	return true
}

func receive(actor Actor, c *Context, msg protocol.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = protocol.Errorf(protocol.ExitGeneric, "panic: %v", r)
		}
	}()
	return actor.Receive(c, msg)
}
