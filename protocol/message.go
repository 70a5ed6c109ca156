package protocol

import (
	"gigflow/address"
)

// Template names of the actor families.
const (
	TemplateMaster = "master"
	TemplateAdmin  = "admin"
	TemplateUser   = "user"
	TemplateOrder  = "order"
)

// Mode selects how much value an outbound message carries.
type Mode uint8

const (
	// ModeValue sends exactly Message.Value.
	ModeValue Mode = iota
	// ModeCarryAll sends the sender's whole remaining balance after all other
	// outbound messages of the same handling step.
	ModeCarryAll
)

// StateInit is the init data an actor address is derived from.
type StateInit struct {
	Template string          `json:"template"`
	Master   address.Address `json:"master"`
	Index    uint64          `json:"index"`
}

// Address computes the deterministic address of the actor described by s.
func (s StateInit) Address() address.Address {
	return address.Derive(s.Template, s.Master, s.Index)
}

// Message is one fire-and-forget delivery.
type Message struct {
	From    address.Address `json:"from"`
	To      address.Address `json:"to"`
	Op      Op              `json:"op"`
	QueryID uint64          `json:"queryId"`
	Value   Coins           `json:"value"`
	Mode    Mode            `json:"mode,omitempty"`
	// Bounce asks the runtime to return Value to the sender when handling fails.
	Bounce bool `json:"bounce"`
	// Bounced marks a message returned by the runtime.
	Bounced bool       `json:"bounced,omitempty"`
	Init    *StateInit `json:"init,omitempty"`
	Body    any        `json:"body,omitempty"`
}

// Reply addresses a response to the sender of m, keeping the query id.
func (m Message) Reply(op Op, value Coins, body any) Message {
	return Message{
		From:    m.To,
		To:      m.From,
		Op:      op,
		QueryID: m.QueryID,
		Value:   value,
		Body:    body,
	}
}
