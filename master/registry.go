package master

import (
	"math/rand"
	"sort"

	"gigflow/address"
	"gigflow/protocol"
)

// CategoryAll is the cross-category moderation domain.
const CategoryAll = "all"

// MaxAgreementPercentage is the denominator of Category.AgreementPercentage.
const MaxAgreementPercentage = 1_000_000_000

// WithdrawReserve stays with the coordinator on WITHDRAW_FUNDS.
const WithdrawReserve = protocol.Nano / 10

// Category is the moderation policy of one domain.
type Category struct {
	Name                string `json:"name"`
	Active              bool   `json:"active"`
	AdminCount          uint32 `json:"adminCount"`
	ActiveOrderCount    uint32 `json:"activeOrderCount"`
	AgreementPercentage uint64 `json:"agreementPercentage"`
	AdminCountForActive uint32 `json:"adminCountForActive"`
}

// Deletable reports whether nothing references the category any more.
func (c *Category) Deletable() bool {
	return c.AdminCount == 0 && c.ActiveOrderCount == 0
}

// Fees is the fee schedule.
type Fees struct {
	Numerator        uint64         `json:"numerator"`
	Denominator      uint64         `json:"denominator"`
	UserCreationFee  protocol.Coins `json:"userCreationFee"`
	OrderCreationFee protocol.Coins `json:"orderCreationFee"`
}

// Role kinds in the reverse index.
const (
	KindAdmin = "admin"
	KindUser  = "user"
	KindOrder = "order"
)

// Role is what the coordinator knows about an actor address.
type Role struct {
	Kind  string `json:"kind"`
	Index uint64 `json:"index"`
}

type AdminEntry struct {
	Address        address.Address `json:"address"`
	Owner          address.Address `json:"owner"`
	Category       string          `json:"category"`
	CanApproveUser bool            `json:"canApproveUser"`
	CanRevokeUser  bool            `json:"canRevokeUser"`
	Active         bool            `json:"active"`
}

type UserEntry struct {
	Address address.Address `json:"address"`
	Owner   address.Address `json:"owner"`
}

type OrderEntry struct {
	Address  address.Address `json:"address"`
	Category string          `json:"category"`
	Customer address.Address `json:"customer"`
	// Active is true between the activation and completion notifications.
	Active bool   `json:"active"`
	Status string `json:"status,omitempty"`
}

// Picker selects a dispute panel.
type Picker interface {
	Pick(candidates []address.Address, count int, seed int64) []address.Address
}

// ShufflePicker takes the first count entries of a seeded permutation.
type ShufflePicker struct{}

func (ShufflePicker) Pick(candidates []address.Address, count int, seed int64) []address.Address {
	if count <= 0 || len(candidates) == 0 {
		return nil
	}
	if count > len(candidates) {
		count = len(candidates)
	}
	r := rand.New(rand.NewSource(seed))
	out := make([]address.Address, 0, count)
	for _, i := range r.Perm(len(candidates))[:count] {
		out = append(out, candidates[i])
	}
	return out
}

// activeAdmins returns the active admins of category ordered by index.
func (m *Master) activeAdmins(category string) []address.Address {
	indexes := make([]uint64, 0, len(m.Admins))
	for idx, a := range m.Admins {
		if a.Active && a.Category == category {
			indexes = append(indexes, idx)
		}
	}
	sort.Slice(indexes, func(i, j int) bool { return indexes[i] < indexes[j] })

	out := make([]address.Address, 0, len(indexes))
	for _, idx := range indexes {
		out = append(out, m.Admins[idx].Address)
	}
	return out
}

func (m *Master) roleOf(addr address.Address, kind string) (uint64, bool) {
	r, ok := m.Roles[addr]
	if !ok || r.Kind != kind {
		return 0, false
	}
	return r.Index, true
}

// activeAdmin resolves a sender to its admin entry when the admin is active.
func (m *Master) activeAdmin(addr address.Address) *AdminEntry {
	idx, ok := m.roleOf(addr, KindAdmin)
	if !ok {
		return nil
	}
	a := m.Admins[idx]
	if a == nil || !a.Active {
		return nil
	}
	return a
}

func (m *Master) ensure() {
	if m.Categories == nil {
		m.Categories = make(map[string]*Category)
	}
	if m.Languages == nil {
		m.Languages = make(map[string]bool)
	}
	if m.Admins == nil {
		m.Admins = make(map[uint64]*AdminEntry)
	}
	if m.Users == nil {
		m.Users = make(map[uint64]*UserEntry)
	}
	if m.Orders == nil {
		m.Orders = make(map[uint64]*OrderEntry)
	}
	if m.Roles == nil {
		m.Roles = make(map[address.Address]Role)
	}
	if m.picker == nil {
		m.picker = ShufflePicker{}
	}
}
