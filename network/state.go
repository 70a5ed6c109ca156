package network

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"gigflow/address"
	"gigflow/protocol"
)

// ErrBusy signals that the operation needs an empty queue.
var ErrBusy = errors.New("network: messages in flight")

// Load copies the state of the actor at addr into out via its JSON form.
func (n *Network) Load(addr address.Address, out any) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	acc, ok := n.accounts[addr]
	if !ok || acc.wallet() {
		return fmt.Errorf("%w: %s", ErrNoAccount, addr.Short())
	}
	raw, err := json.Marshal(acc.actor)
	if err != nil {
		return fmt.Errorf("network: load %s: %w", addr.Short(), err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("network: load %s: %w", addr.Short(), err)
	}
	return nil
}

// Balance returns the balance at addr; unknown addresses hold nothing.
func (n *Network) Balance(addr address.Address) protocol.Coins {
	n.mu.Lock()
	defer n.mu.Unlock()

	if acc, ok := n.accounts[addr]; ok {
		return acc.balance
	}
	return 0
}

// TemplateOf returns the template deployed at addr, empty for wallets.
func (n *Network) TemplateOf(addr address.Address) string {
	n.mu.Lock()
	defer n.mu.Unlock()

	if acc, ok := n.accounts[addr]; ok {
		return acc.template
	}
	return ""
}

// Addresses lists the actors of a template in address order.
func (n *Network) Addresses(template string) []address.Address {
	n.mu.Lock()
	defer n.mu.Unlock()

	var out []address.Address
	for addr, acc := range n.accounts {
		if acc.template == template {
			out = append(out, addr)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return string(out[i][:]) < string(out[j][:])
	})
	return out
}

// Supply describes where all minted value is.
type Supply struct {
	Minted  protocol.Coins `json:"minted"`
	Held    protocol.Coins `json:"held"`
	InQueue protocol.Coins `json:"inQueue"`
	Burned  protocol.Coins `json:"burned"`
	Dropped uint64         `json:"dropped"`
}

// Balanced reports whether no value was created or lost.
func (s Supply) Balanced() bool {
	return s.Held+s.InQueue+s.Burned == s.Minted
}

// Supply sums every balance and every queued value.
func (n *Network) Supply() Supply {
	n.mu.Lock()
	defer n.mu.Unlock()

	s := Supply{Minted: n.minted, Burned: n.burned, Dropped: n.dropped}
	for _, acc := range n.accounts {
		s.Held += acc.balance
	}
	for _, m := range n.queue {
		s.InQueue += m.Value
	}
	return s
}

// State is an exportable image of the whole network.
type State struct {
	Seq      uint64         `json:"seq"`
	Minted   protocol.Coins `json:"minted"`
	Burned   protocol.Coins `json:"burned"`
	Accounts []AccountState `json:"accounts"`
}

// AccountState is one account in a State.
type AccountState struct {
	Address  address.Address     `json:"address"`
	Template string              `json:"template,omitempty"`
	Init     *protocol.StateInit `json:"init,omitempty"`
	Balance  protocol.Coins      `json:"balance"`
	Data     json.RawMessage     `json:"data,omitempty"`
}

// Export captures every account. The queue must be empty.
func (n *Network) Export() (State, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if len(n.queue) > 0 {
		return State{}, ErrBusy
	}
	st := State{Seq: n.seq, Minted: n.minted, Burned: n.burned}
	for addr, acc := range n.accounts {
		as := AccountState{Address: addr, Template: acc.template, Init: acc.init, Balance: acc.balance}
		if !acc.wallet() {
			raw, err := json.Marshal(acc.actor)
			if err != nil {
				return State{}, fmt.Errorf("network: export %s: %w", addr.Short(), err)
			}
			as.Data = raw
		}
		st.Accounts = append(st.Accounts, as)
	}
	sort.Slice(st.Accounts, func(i, j int) bool {
		return string(st.Accounts[i].Address[:]) < string(st.Accounts[j].Address[:])
	})
	return st, nil
}

// Import replaces all accounts with st. Templates must already be registered.
func (n *Network) Import(st State) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if len(n.queue) > 0 {
		return ErrBusy
	}
	accounts := make(map[address.Address]*account, len(st.Accounts))
	for _, as := range st.Accounts {
		acc := &account{template: as.Template, init: as.Init, balance: as.Balance}
		if as.Template != "" {
			tmpl, ok := n.templates[as.Template]
			if !ok {
				return fmt.Errorf("%w: %s", ErrUnknownTemplate, as.Template)
			}
			if as.Init == nil {
				return fmt.Errorf("network: import %s: missing init", as.Address.Short())
			}
			acc.actor = tmpl.New()
			if err := json.Unmarshal(as.Data, acc.actor); err != nil {
				return fmt.Errorf("network: import %s: %w", as.Address.Short(), err)
			}
		}
		accounts[as.Address] = acc
	}
	n.accounts = accounts
	n.seq = st.Seq
	n.minted = st.Minted
	n.burned = st.Burned
	return nil
}
