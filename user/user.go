// Package user implements the marketplace participant actor.
package user

import (
	logging "github.com/ipfs/go-log/v2"

	"gigflow/address"
	"gigflow/content"
	"gigflow/network"
	"gigflow/protocol"
)

var log = logging.Logger("user")

// Status is the moderation state of a user.
type Status string

const (
	StatusPending Status = "pending"
	StatusActive  Status = "active"
	StatusRevoked Status = "revoked"
)

// User is the state of one participant.
type User struct {
	Index  uint64          `json:"index"`
	Master address.Address `json:"master"`
	Owner  address.Address `json:"owner"`
	Status Status          `json:"status"`
	// RevokedAt is set only while Status is revoked.
	RevokedAt int64        `json:"revokedAt"`
	Content   content.Blob `json:"content"`
}

// Template registers the user family.
func Template() network.Template {
	return network.Template{
		Name: protocol.TemplateUser,
		New:  func() network.Actor { return &User{} },
	}
}

func (u *User) Receive(ctx *network.Context, msg protocol.Message) error {
	if msg.Bounced {
		if msg.Value > 0 && !u.Owner.IsZero() {
			ctx.Send(protocol.Message{To: u.Owner, Op: protocol.OpExcess, QueryID: msg.QueryID, Value: msg.Value})
		}
		return nil
	}
	if u.Status == "" {
		return u.init(ctx, msg)
	}

	switch msg.From {
	case u.Master:
		return u.fromMaster(ctx, msg)
	case u.Owner:
		return u.fromOwner(ctx, msg)
	default:
		return protocol.Errorf(protocol.ExitUnauthorized, "user %d: sender %s", u.Index, msg.From.Short())
	}
}

func (u *User) init(ctx *network.Context, msg protocol.Message) error {
	init := ctx.Init()
	if msg.Op != protocol.OpInit || msg.From != init.Master {
		return protocol.Errorf(protocol.ExitUnauthorized, "user: uninitialized")
	}
	body, err := protocol.BodyAs[protocol.UserInit](msg)
	if err != nil {
		return err
	}
	*u = User{
		Index:   init.Index,
		Master:  init.Master,
		Owner:   body.Owner,
		Status:  StatusPending,
		Content: body.Content.Clone(),
	}
	return nil
}

func (u *User) fromMaster(ctx *network.Context, msg protocol.Message) error {
	switch msg.Op {
	case protocol.OpActivateUser:
		if u.Status == StatusActive {
			return protocol.Errorf(protocol.ExitInvalidStateTransition, "user %d already active", u.Index)
		}
		u.Status = StatusActive
		u.RevokedAt = 0
		log.Infow("user activated", "index", u.Index)
		return nil
	case protocol.OpRevokeUser:
		if u.Status == StatusRevoked {
			return protocol.Errorf(protocol.ExitInvalidStateTransition, "user %d already revoked", u.Index)
		}
		u.Status = StatusRevoked
		u.RevokedAt = ctx.Now().Unix()
		log.Infow("user revoked", "index", u.Index)
		return nil
	default:
		return protocol.Errorf(protocol.ExitUnknownOp, "user: %s from master", msg.Op)
	}
}

func (u *User) fromOwner(ctx *network.Context, msg protocol.Message) error {
	switch msg.Op {
	case protocol.OpCreateOrder:
		if u.Status != StatusActive || !u.Content.Bool(content.FieldIsUser) {
			return protocol.Errorf(protocol.ExitUnauthorized, "user %d cannot create orders", u.Index)
		}
		body, err := protocol.BodyAs[protocol.CreateOrder](msg)
		if err != nil {
			return err
		}
		body.Customer = u.Owner
		u.forward(ctx, msg, body)
		return nil
	case protocol.OpAddResponse:
		if u.Status != StatusActive || !u.Content.Bool(content.FieldIsFreelancer) {
			return protocol.Errorf(protocol.ExitUnauthorized, "user %d cannot respond", u.Index)
		}
		body, err := protocol.BodyAs[protocol.AddResponse](msg)
		if err != nil {
			return err
		}
		body.Freelancer = u.Owner
		u.forward(ctx, msg, body)
		return nil
	case protocol.OpChangeContent:
		return u.changeContent(ctx, msg)
	default:
		return protocol.Errorf(protocol.ExitUnknownOp, "user: %s", msg.Op)
	}
}

func (u *User) forward(ctx *network.Context, msg protocol.Message, body any) {
	ctx.Send(protocol.Message{
		To:      u.Master,
		Op:      msg.Op,
		QueryID: msg.QueryID,
		Value:   msg.Value,
		Bounce:  true,
		Body:    body,
	})
}

// changeContent replaces the profile. Becoming a freelancer sends an active
// user back to moderation.
func (u *User) changeContent(ctx *network.Context, msg protocol.Message) error {
	if u.Status == StatusRevoked {
		return protocol.Errorf(protocol.ExitUnauthorized, "user %d revoked", u.Index)
	}
	body, err := protocol.BodyAs[protocol.ChangeContent](msg)
	if err != nil {
		return err
	}
	wasFreelancer := u.Content.Bool(content.FieldIsFreelancer)
	u.Content = body.Content.Clone()
	if !wasFreelancer && u.Content.Bool(content.FieldIsFreelancer) && u.Status == StatusActive {
		u.Status = StatusPending
	}
	ctx.Send(protocol.Message{
		To:      u.Master,
		Op:      protocol.OpMasterLog,
		QueryID: msg.QueryID,
		Body:    protocol.Log{Event: "user_content_changed", Index: u.Index, Actor: protocol.TemplateUser},
	})
	return nil
}
