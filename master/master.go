// Package master implements the coordinator actor: category policy, fee
// schedule, index allocation and the reverse role index used to authenticate
// every inbound instruction.
package master

import (
	logging "github.com/ipfs/go-log/v2"

	"gigflow/address"
	"gigflow/network"
	"gigflow/protocol"
)

var log = logging.Logger("master")

// Config seeds a new coordinator.
type Config struct {
	Root         address.Address
	Fees         Fees
	PanelSize    uint32
	MaxResponses uint32
}

// Master is the coordinator state. Only the coordinator writes it.
type Master struct {
	Root           address.Address          `json:"root"`
	Fees           Fees                     `json:"fees"`
	PanelSize      uint32                   `json:"panelSize"`
	MaxResponses   uint32                   `json:"maxResponses"`
	Categories     map[string]*Category     `json:"categories"`
	Languages      map[string]bool          `json:"languages"`
	NextAdminIndex uint64                   `json:"nextAdminIndex"`
	NextUserIndex  uint64                   `json:"nextUserIndex"`
	NextOrderIndex uint64                   `json:"nextOrderIndex"`
	Admins         map[uint64]*AdminEntry   `json:"admins"`
	Users          map[uint64]*UserEntry    `json:"users"`
	Orders         map[uint64]*OrderEntry   `json:"orders"`
	Roles          map[address.Address]Role `json:"roles"`
	CollectedFees  protocol.Coins           `json:"collectedFees"`

	picker Picker
}

// Option customises the coordinator.
type Option func(*Master)

// WithPicker replaces the dispute panel selection.
func WithPicker(p Picker) Option {
	return func(m *Master) {
		if p != nil {
			m.picker = p
		}
	}
}

// New builds a coordinator from cfg.
func New(cfg Config, opts ...Option) *Master {
	m := &Master{
		Root:         cfg.Root,
		Fees:         cfg.Fees,
		PanelSize:    cfg.PanelSize,
		MaxResponses: cfg.MaxResponses,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.ensure()
	return m
}

// Template registers the coordinator family; opts apply to every instance,
// including those rebuilt after a failed delivery.
func Template(opts ...Option) network.Template {
	return network.Template{
		Name: protocol.TemplateMaster,
		New: func() network.Actor {
			m := &Master{}
			for _, opt := range opts {
				opt(m)
			}
			m.ensure()
			return m
		},
	}
}

// Init is the init data of the coordinator owned by root.
func Init(root address.Address) protocol.StateInit {
	return protocol.StateInit{Template: protocol.TemplateMaster, Master: root}
}

func (m *Master) Receive(ctx *network.Context, msg protocol.Message) error {
	m.ensure()
	if msg.Bounced {
		log.Debugw("bounced", "op", msg.Op, "from", msg.From.Short(), "value", msg.Value)
		return nil
	}

	switch msg.Op {
	case protocol.OpCreateCategory:
		return m.createCategory(msg)
	case protocol.OpCreateLanguage:
		return m.createLanguage(msg)
	case protocol.OpCreateAdmin:
		return m.createAdmin(ctx, msg)
	case protocol.OpCreateUser:
		return m.createUser(ctx, msg)
	case protocol.OpCreateOrder:
		return m.createOrder(ctx, msg)
	case protocol.OpActivateUser, protocol.OpRevokeUser:
		return m.moderateUser(ctx, msg)
	case protocol.OpActivateOrder:
		return m.activateOrder(ctx, msg)
	case protocol.OpRevokeAdmin:
		return m.revokeAdmin(ctx, msg)
	case protocol.OpActivateAdmin:
		return m.activateAdmin(ctx, msg)
	case protocol.OpAddResponse:
		return m.addResponse(ctx, msg)
	case protocol.OpProcessArbitration:
		return m.processArbitration(ctx, msg)
	case protocol.OpGetAdmins:
		return m.getAdmins(ctx, msg)
	case protocol.OpOrderActivateNotification:
		return m.orderActivated(msg)
	case protocol.OpOrderCompletedNotification:
		return m.orderCompleted(msg)
	case protocol.OpAdminRevokedNotification, protocol.OpAdminActivatedNotification:
		return m.adminStatusChanged(msg)
	case protocol.OpOrderFee:
		return m.orderFee(msg)
	case protocol.OpMasterLog:
		return m.masterLog(msg)
	case protocol.OpChangeFees:
		return m.changeFees(msg)
	case protocol.OpChangeCategoryPercent:
		return m.changeCategoryPercent(msg)
	case protocol.OpActivateCategory, protocol.OpDeactivateCategory:
		return m.setCategoryActive(msg)
	case protocol.OpDeleteCategory:
		return m.deleteCategory(msg)
	case protocol.OpWithdrawFunds:
		return m.withdrawFunds(ctx, msg)
	case protocol.OpExcess:
		// Value returned by an order after a relayed instruction stays with the coordinator.
		return nil
	default:
		return protocol.Errorf(protocol.ExitUnknownOp, "master: %s", msg.Op)
	}
}

func (m *Master) requireRoot(msg protocol.Message) error {
	if msg.From != m.Root {
		return protocol.Errorf(protocol.ExitUnauthorized, "%s is root only", msg.Op)
	}
	return nil
}

func (m *Master) category(name string) (*Category, error) {
	c, ok := m.Categories[name]
	if !ok {
		return nil, protocol.Errorf(protocol.ExitCategoryNotFound, "category %q", name)
	}
	return c, nil
}

// forward relays an authorised instruction to a target actor with the attached value.
func forward(ctx *network.Context, msg protocol.Message, to address.Address, body any) {
	ctx.Send(protocol.Message{
		To:      to,
		Op:      msg.Op,
		QueryID: msg.QueryID,
		Value:   msg.Value,
		Bounce:  true,
		Body:    body,
	})
}
