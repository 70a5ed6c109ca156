package protocol

import "fmt"

// Op is a message opcode.
type Op uint32

// Party-facing opcodes.
const (
	OpCreateCategory Op = 0x10 + iota
	OpCreateLanguage
	OpCreateAdmin
	OpCreateUser
	OpCreateOrder
	OpActivateAdmin
	OpActivateUser
	OpActivateOrder
	OpAddResponse
	OpAssignUser
	OpRejectOrder
	OpCancelAssign
	OpAcceptOrder
	OpCompleteOrder
	OpCustomerFeedback
	OpProcessArbitration
	OpForcePayment
	OpRefund
	OpOutdated
	OpRevokeAdmin
	OpRevokeUser
	OpChangeContent
	OpChangeFees
	OpChangeCategoryPercent
	OpActivateCategory
	OpDeactivateCategory
	OpDeleteCategory
	OpWithdrawFunds
)

// Internal opcodes exchanged between actors or sent to wallets.
const (
	OpInit Op = 0x80 + iota
	OpOrderActivateNotification
	OpOrderCompletedNotification
	OpAdminRevokedNotification
	OpAdminActivatedNotification
	OpMasterLog
	OpGetAdmins
	OpSetAdmins
	OpOrderFee
	OpOrderCompleted
	OpOrderNotice
	OpExcess
)

var opNames = map[Op]string{
	OpCreateCategory:             "CREATE_CATEGORY",
	OpCreateLanguage:             "CREATE_LANGUAGE",
	OpCreateAdmin:                "CREATE_ADMIN",
	OpCreateUser:                 "CREATE_USER",
	OpCreateOrder:                "CREATE_ORDER",
	OpActivateAdmin:              "ACTIVATE_ADMIN",
	OpActivateUser:               "ACTIVATE_USER",
	OpActivateOrder:              "ACTIVATE_ORDER",
	OpAddResponse:                "ADD_RESPONSE",
	OpAssignUser:                 "ASSIGN_USER",
	OpRejectOrder:                "REJECT_ORDER",
	OpCancelAssign:               "CANCEL_ASSIGN",
	OpAcceptOrder:                "ACCEPT_ORDER",
	OpCompleteOrder:              "COMPLETE_ORDER",
	OpCustomerFeedback:           "CUSTOMER_FEEDBACK",
	OpProcessArbitration:         "PROCESS_ARBITRATION",
	OpForcePayment:               "FORCE_PAYMENT",
	OpRefund:                     "REFUND",
	OpOutdated:                   "OUTDATED",
	OpRevokeAdmin:                "REVOKE_ADMIN",
	OpRevokeUser:                 "REVOKE_USER",
	OpChangeContent:              "CHANGE_CONTENT",
	OpChangeFees:                 "CHANGE_FEES",
	OpChangeCategoryPercent:      "CHANGE_CATEGORY_PERCENT",
	OpActivateCategory:           "ACTIVATE_CATEGORY",
	OpDeactivateCategory:         "DEACTIVATE_CATEGORY",
	OpDeleteCategory:             "DELETE_CATEGORY",
	OpWithdrawFunds:              "WITHDRAW_FUNDS",
	OpInit:                       "INIT",
	OpOrderActivateNotification:  "ORDER_ACTIVATE_NOTIFICATION",
	OpOrderCompletedNotification: "ORDER_COMPLETED_NOTIFICATION",
	OpAdminRevokedNotification:   "ADMIN_REVOKED_NOTIFICATION",
	OpAdminActivatedNotification: "ADMIN_ACTIVATED_NOTIFICATION",
	OpMasterLog:                  "MASTER_LOG",
	OpGetAdmins:                  "GET_ADMINS",
	OpSetAdmins:                  "SET_ADMINS",
	OpOrderFee:                   "ORDER_FEE",
	OpOrderCompleted:             "ORDER_COMPLETED",
	OpOrderNotice:                "ORDER_NOTICE",
	OpExcess:                     "EXCESS",
}

var opsByName = func() map[string]Op {
	m := make(map[string]Op, len(opNames))
	for op, name := range opNames {
		m[name] = op
	}
	return m
}()

func (o Op) String() string {
	if name, ok := opNames[o]; ok {
		return name
	}
	return fmt.Sprintf("OP_%#x", uint32(o))
}

// Internal reports whether the opcode is reserved for actor-to-actor traffic.
func (o Op) Internal() bool {
	return o >= OpInit
}

// ParseOp resolves an opcode by its wire name.
func ParseOp(name string) (Op, error) {
	op, ok := opsByName[name]
	if !ok {
		return 0, fmt.Errorf("protocol: unknown op %q", name)
	}
	return op, nil
}

func (o Op) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

func (o *Op) UnmarshalText(text []byte) error {
	op, err := ParseOp(string(text))
	if err != nil {
		return err
	}
	*o = op
	return nil
}

// PartyOps lists the opcodes external wallets may send, in numeric order.
func PartyOps() []Op {
	ops := make([]Op, 0, OpWithdrawFunds-OpCreateCategory+1)
	for op := OpCreateCategory; op <= OpWithdrawFunds; op++ {
		ops = append(ops, op)
	}
	return ops
}
