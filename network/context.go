package network

import (
	"time"

	"gigflow/address"
	"gigflow/protocol"
)

// Context is the view an actor gets of the runtime while handling one message.
// Outbound messages are buffered and only leave when the handler succeeds.
type Context struct {
	self    address.Address
	init    protocol.StateInit
	now     time.Time
	seq     uint64
	balance protocol.Coins
	out     []protocol.Message
}

// Self is the address of the running actor.
func (c *Context) Self() address.Address { return c.self }

// Init is the init data the actor was deployed with.
func (c *Context) Init() protocol.StateInit { return c.init }

// Now is the delivery time.
func (c *Context) Now() time.Time { return c.now }

// Seq is the logical time of the delivery, unique per network.
func (c *Context) Seq() uint64 { return c.seq }

// Balance includes the value of the message being handled.
func (c *Context) Balance() protocol.Coins { return c.balance }

// Send buffers an outbound message from the running actor.
func (c *Context) Send(m protocol.Message) {
	m.From = c.self
	m.Bounced = false
	c.out = append(c.out, m)
}

// Deploy buffers a message that creates the actor described by init on first
// contact and returns its address.
func (c *Context) Deploy(init protocol.StateInit, m protocol.Message) address.Address {
	addr := init.Address()
	in := init
	m.To = addr
	m.Init = &in
	c.Send(m)
	return addr
}

// Child computes the address of an actor this one deploys.
func (c *Context) Child(template string, index uint64) address.Address {
	return address.Derive(template, c.self, index)
}

// Outbound exposes the buffered messages; tests use it to inspect handlers in isolation.
func (c *Context) Outbound() []protocol.Message {
	return c.out
}

// settle fixes carry-all values and reports the total the actor spends.
func (c *Context) settle() (protocol.Coins, error) {
	var explicit protocol.Coins
	for _, m := range c.out {
		if m.Mode == protocol.ModeValue {
			if explicit+m.Value < explicit {
				return 0, protocol.Errorf(protocol.ExitInsufficientFunds, "outbound value overflows")
			}
			explicit += m.Value
		}
	}
	if explicit > c.balance {
		return 0, protocol.Errorf(protocol.ExitInsufficientFunds, "sending %s with %s available", explicit, c.balance)
	}

	rest := c.balance - explicit
	spent := explicit
	for i := range c.out {
		if c.out[i].Mode != protocol.ModeCarryAll {
			continue
		}
		c.out[i].Value = rest
		c.out[i].Mode = protocol.ModeValue
		spent += rest
		rest = 0
	}
	return spent, nil
}

// NewTestContext builds a Context for driving an actor without a network.
func NewTestContext(self address.Address, init protocol.StateInit, now time.Time, balance protocol.Coins) *Context {
	return &Context{self: self, init: init, now: now, balance: balance, seq: 1}
}
