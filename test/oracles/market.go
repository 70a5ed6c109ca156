package oracles

import (
	"fmt"

	"gigflow/market"
	"gigflow/protocol"
)

// Check runs the in-memory oracles. Callers stop every sender first so the
// reads describe one state. It returns the first violation as a name and a
// description, or an empty name.
func Check(m *market.Market) (string, string, error) {
	net := m.Network()
	if s := net.Supply(); !s.Balanced() {
		return "M1_supply_balanced", fmt.Sprintf("%+v", s), nil
	}

	orders, err := m.Orders()
	if err != nil {
		return "", "", err
	}
	for _, o := range orders {
		addr := m.Address(protocol.TemplateOrder, o.Index)
		bal := net.Balance(addr)
		if o.Status.Terminal() && bal != 0 {
			return "M2_terminal_escrow_empty", fmt.Sprintf("order %d %s holds %s", o.Index, o.Status, bal), nil
		}
		if !o.Status.Terminal() && bal < o.Held() {
			return "M3_escrow_covers_held", fmt.Sprintf("order %d %s holds %s owes %s", o.Index, o.Status, bal, o.Held()), nil
		}
		if o.Fee > o.Price {
			return "M4_fee_within_price", fmt.Sprintf("order %d fee %s price %s", o.Index, o.Fee, o.Price), nil
		}
	}

	st, err := m.Master()
	if err != nil {
		return "", "", err
	}
	active := make(map[string]uint32)
	for _, e := range st.Orders {
		if e.Active {
			active[e.Category]++
		}
	}
	for name, cat := range st.Categories {
		if cat.ActiveOrderCount != active[name] {
			return "M5_active_order_count", fmt.Sprintf("category %s counts %d, registry has %d", name, cat.ActiveOrderCount, active[name]), nil
		}
	}
	return "", "", nil
}
