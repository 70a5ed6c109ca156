package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"

	"gigflow/address"
	"gigflow/content"
)

type CreateCategory struct {
	Name string `json:"name"`
	// AgreementPercentage is the customer share of a default dispute split, out of 1e9.
	AgreementPercentage uint64 `json:"agreementPercentage"`
	AdminCountForActive uint32 `json:"adminCountForActive"`
}

type CreateLanguage struct {
	Name string `json:"name"`
}

type CreateAdmin struct {
	Content content.Blob    `json:"content"`
	Owner   address.Address `json:"owner"`
}

type CreateUser struct {
	Content content.Blob `json:"content"`
}

type CreateOrder struct {
	Content     content.Blob `json:"content"`
	Price       Coins        `json:"price"`
	Deadline    int64        `json:"deadline"`
	CheckWindow int64        `json:"checkWindow"`
	// Customer is filled in by the user actor from its owner.
	Customer address.Address `json:"customer"`
}

// IndexRef targets an admin, user or order by index.
type IndexRef struct {
	Index uint64 `json:"index"`
}

type AddResponse struct {
	OrderIndex uint64          `json:"orderIndex"`
	Response   content.Blob    `json:"response"`
	Freelancer address.Address `json:"freelancer"`
}

// ProcessArbitration is a panel vote. Parts are percentages and must sum to 100.
type ProcessArbitration struct {
	OrderIndex     uint64 `json:"orderIndex"`
	FreelancerPart uint32 `json:"freelancerPart"`
	CustomerPart   uint32 `json:"customerPart"`
	// Admin is the voting admin actor, set by the coordinator.
	Admin address.Address `json:"admin"`
}

// Valid reports whether both parts are percentages summing to 100.
func (p ProcessArbitration) Valid() bool {
	return p.FreelancerPart <= 100 && p.CustomerPart <= 100 && p.FreelancerPart+p.CustomerPart == 100
}

type GetAdmins struct {
	Category   string `json:"category"`
	Count      uint32 `json:"count"`
	OrderIndex uint64 `json:"orderIndex"`
}

type SetAdmins struct {
	Admins           []address.Address `json:"admins"`
	AgreementPercent uint64            `json:"agreementPercent"`
}

type AssignUser struct {
	Freelancer address.Address `json:"freelancer"`
	Price      Coins           `json:"price"`
	Deadline   int64           `json:"deadline"`
}

type CompleteOrder struct {
	Result content.Blob `json:"result"`
}

type CustomerFeedback struct {
	Dispute bool `json:"dispute"`
}

type ChangeContent struct {
	Content content.Blob `json:"content"`
}

type ChangeFees struct {
	Numerator        uint64 `json:"numerator"`
	Denominator      uint64 `json:"denominator"`
	UserCreationFee  Coins  `json:"userCreationFee"`
	OrderCreationFee Coins  `json:"orderCreationFee"`
}

// CategoryRef targets a category by name.
type CategoryRef struct {
	Name string `json:"name"`
}

type ChangeCategoryPercent struct {
	Name                string `json:"name"`
	AgreementPercentage uint64 `json:"agreementPercentage"`
}

type AdminInit struct {
	Owner   address.Address `json:"owner"`
	Content content.Blob    `json:"content"`
}

type UserInit struct {
	Owner   address.Address `json:"owner"`
	Content content.Blob    `json:"content"`
}

type OrderInit struct {
	Customer         address.Address `json:"customer"`
	Content          content.Blob    `json:"content"`
	Category         string          `json:"category"`
	Price            Coins           `json:"price"`
	Deadline         int64           `json:"deadline"`
	CheckWindow      int64           `json:"checkWindow"`
	FeeNumerator     uint64          `json:"feeNumerator"`
	FeeDenominator   uint64          `json:"feeDenominator"`
	AgreementPercent uint64          `json:"agreementPercent"`
	PanelSize        uint32          `json:"panelSize"`
	MaxResponses     uint32          `json:"maxResponses"`
}

// OrderNotification is sent by an order to the coordinator on activation and on
// reaching a terminal status.
type OrderNotification struct {
	Index    uint64 `json:"index"`
	Category string `json:"category"`
	Status   string `json:"status,omitempty"`
}

// AdminNotification reports a revocation or reactivation to the coordinator.
type AdminNotification struct {
	Index    uint64 `json:"index"`
	Category string `json:"category"`
}

// Log is an advisory record for the coordinator's log.
type Log struct {
	Event string `json:"event"`
	Index uint64 `json:"index"`
	Actor string `json:"actor"`
}

// Notice accompanies value sent to an external party.
type Notice struct {
	Index  uint64 `json:"index"`
	Event  string `json:"event"`
	Status string `json:"status,omitempty"`
}

var bodyDecoders = map[Op]func([]byte) (any, error){
	OpCreateCategory:        decodeAs[CreateCategory],
	OpCreateLanguage:        decodeAs[CreateLanguage],
	OpCreateAdmin:           decodeAs[CreateAdmin],
	OpCreateUser:            decodeAs[CreateUser],
	OpCreateOrder:           decodeAs[CreateOrder],
	OpActivateAdmin:         decodeAs[IndexRef],
	OpActivateUser:          decodeAs[IndexRef],
	OpActivateOrder:         decodeAs[IndexRef],
	OpRevokeAdmin:           decodeAs[IndexRef],
	OpRevokeUser:            decodeAs[IndexRef],
	OpAddResponse:           decodeAs[AddResponse],
	OpAssignUser:            decodeAs[AssignUser],
	OpCompleteOrder:         decodeAs[CompleteOrder],
	OpCustomerFeedback:      decodeAs[CustomerFeedback],
	OpProcessArbitration:    decodeAs[ProcessArbitration],
	OpChangeContent:         decodeAs[ChangeContent],
	OpChangeFees:            decodeAs[ChangeFees],
	OpChangeCategoryPercent: decodeAs[ChangeCategoryPercent],
	OpActivateCategory:      decodeAs[CategoryRef],
	OpDeactivateCategory:    decodeAs[CategoryRef],
	OpDeleteCategory:        decodeAs[CategoryRef],
}

// DecodeBody decodes the JSON body of a party-facing opcode into its typed form.
// Opcodes without a body decode to nil.
func DecodeBody(op Op, raw json.RawMessage) (any, error) {
	if op.Internal() {
		return nil, fmt.Errorf("protocol: %s is internal", op)
	}
	dec, ok := bodyDecoders[op]
	if !ok {
		if _, known := opNames[op]; !known {
			return nil, fmt.Errorf("protocol: unknown op %s", op)
		}
		return nil, nil
	}
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		raw = []byte("{}")
	}
	return dec(raw)
}

func decodeAs[T any](raw []byte) (any, error) {
	var v T
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("protocol: decode body: %w", err)
	}
	return v, nil
}

// BodyAs extracts a typed body from a message, accepting either T or *T.
func BodyAs[T any](m Message) (T, error) {
	switch b := m.Body.(type) {
	case T:
		return b, nil
	case *T:
		if b != nil {
			return *b, nil
		}
	}
	var zero T
	return zero, Errorf(ExitInvalidArgument, "%s: unexpected body %T", m.Op, m.Body)
}
