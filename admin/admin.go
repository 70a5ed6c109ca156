// Package admin implements the moderator actor: an owner-gated proxy that
// forwards moderation instructions to the coordinator.
package admin

import (
	logging "github.com/ipfs/go-log/v2"

	"gigflow/address"
	"gigflow/content"
	"gigflow/network"
	"gigflow/protocol"
)

var log = logging.Logger("admin")

// protectedFields cannot be changed by the owner.
var protectedFields = []string{content.FieldCategory, content.FieldCanApproveUser, content.FieldCanRevokeUser}

// Admin is the state of one moderator.
type Admin struct {
	Index          uint64          `json:"index"`
	Master         address.Address `json:"master"`
	Owner          address.Address `json:"owner"`
	Category       string          `json:"category"`
	CanApproveUser bool            `json:"canApproveUser"`
	CanRevokeUser  bool            `json:"canRevokeUser"`
	RevokedAt      int64           `json:"revokedAt"`
	Content        content.Blob    `json:"content"`
	Initialized    bool            `json:"initialized"`
}

// Active reports whether the admin may act.
func (a *Admin) Active() bool {
	return a.Initialized && a.RevokedAt == 0
}

// Template registers the admin family.
func Template() network.Template {
	return network.Template{
		Name: protocol.TemplateAdmin,
		New:  func() network.Actor { return &Admin{} },
	}
}

func (a *Admin) Receive(ctx *network.Context, msg protocol.Message) error {
	if msg.Bounced {
		return a.bounced(ctx, msg)
	}
	if !a.Initialized {
		return a.init(ctx, msg)
	}

	switch msg.From {
	case a.Master:
		return a.fromMaster(ctx, msg)
	case a.Owner:
		return a.fromOwner(ctx, msg)
	default:
		return protocol.Errorf(protocol.ExitUnauthorized, "admin %d: sender %s", a.Index, msg.From.Short())
	}
}

func (a *Admin) init(ctx *network.Context, msg protocol.Message) error {
	init := ctx.Init()
	if msg.Op != protocol.OpInit || msg.From != init.Master {
		return protocol.Errorf(protocol.ExitUnauthorized, "admin: uninitialized")
	}
	body, err := protocol.BodyAs[protocol.AdminInit](msg)
	if err != nil {
		return err
	}
	*a = Admin{
		Index:          init.Index,
		Master:         init.Master,
		Owner:          body.Owner,
		Category:       body.Content.Category(),
		CanApproveUser: body.Content.Bool(content.FieldCanApproveUser),
		CanRevokeUser:  body.Content.Bool(content.FieldCanRevokeUser),
		Content:        body.Content.Clone(),
		Initialized:    true,
	}
	return nil
}

func (a *Admin) fromMaster(ctx *network.Context, msg protocol.Message) error {
	switch msg.Op {
	case protocol.OpRevokeAdmin:
		if a.RevokedAt != 0 {
			return protocol.Errorf(protocol.ExitInvalidStateTransition, "admin %d already revoked", a.Index)
		}
		a.RevokedAt = ctx.Now().Unix()
		a.notify(ctx, msg, protocol.OpAdminRevokedNotification)
		log.Infow("admin revoked", "index", a.Index, "category", a.Category)
		return nil
	case protocol.OpActivateAdmin:
		if a.RevokedAt == 0 {
			return protocol.Errorf(protocol.ExitInvalidStateTransition, "admin %d is active", a.Index)
		}
		a.RevokedAt = 0
		a.notify(ctx, msg, protocol.OpAdminActivatedNotification)
		return nil
	default:
		return protocol.Errorf(protocol.ExitUnknownOp, "admin: %s from master", msg.Op)
	}
}

func (a *Admin) notify(ctx *network.Context, msg protocol.Message, op protocol.Op) {
	ctx.Send(protocol.Message{
		To:      a.Master,
		Op:      op,
		QueryID: msg.QueryID,
		Body:    protocol.AdminNotification{Index: a.Index, Category: a.Category},
	})
}

func (a *Admin) fromOwner(ctx *network.Context, msg protocol.Message) error {
	if a.RevokedAt != 0 {
		return protocol.Errorf(protocol.ExitUnauthorized, "admin %d revoked", a.Index)
	}

	switch msg.Op {
	case protocol.OpCreateAdmin,
		protocol.OpRevokeAdmin,
		protocol.OpActivateUser,
		protocol.OpRevokeUser,
		protocol.OpActivateOrder,
		protocol.OpProcessArbitration:
		ctx.Send(protocol.Message{
			To:      a.Master,
			Op:      msg.Op,
			QueryID: msg.QueryID,
			Value:   msg.Value,
			Bounce:  true,
			Body:    msg.Body,
		})
		return nil
	case protocol.OpChangeContent:
		body, err := protocol.BodyAs[protocol.ChangeContent](msg)
		if err != nil {
			return err
		}
		a.Content = a.Content.Merge(body.Content, protectedFields...)
		ctx.Send(protocol.Message{
			To:      a.Master,
			Op:      protocol.OpMasterLog,
			QueryID: msg.QueryID,
			Body:    protocol.Log{Event: "admin_content_changed", Index: a.Index, Actor: protocol.TemplateAdmin},
		})
		return nil
	default:
		return protocol.Errorf(protocol.ExitUnknownOp, "admin: %s", msg.Op)
	}
}

// bounced hands value returned by the coordinator back to the owner.
func (a *Admin) bounced(ctx *network.Context, msg protocol.Message) error {
	log.Debugw("instruction bounced", "index", a.Index, "op", msg.Op)
	if msg.Value > 0 && !a.Owner.IsZero() {
		ctx.Send(protocol.Message{To: a.Owner, Op: protocol.OpExcess, QueryID: msg.QueryID, Value: msg.Value})
	}
	return nil
}
