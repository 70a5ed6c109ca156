package master

import (
	"gigflow/address"
	"gigflow/content"
	"gigflow/network"
	"gigflow/protocol"
)

func (m *Master) createCategory(msg protocol.Message) error {
	if err := m.requireRoot(msg); err != nil {
		return err
	}
	body, err := protocol.BodyAs[protocol.CreateCategory](msg)
	if err != nil {
		return err
	}
	if body.Name == "" {
		return protocol.Errorf(protocol.ExitInvalidArgument, "empty category name")
	}
	if body.AgreementPercentage > MaxAgreementPercentage {
		return protocol.Errorf(protocol.ExitInvalidArgument, "agreement percentage %d", body.AgreementPercentage)
	}
	if _, exists := m.Categories[body.Name]; exists {
		return protocol.Errorf(protocol.ExitDuplicateCategory, "category %q", body.Name)
	}

	m.Categories[body.Name] = &Category{
		Name:                body.Name,
		Active:              true,
		AgreementPercentage: body.AgreementPercentage,
		AdminCountForActive: body.AdminCountForActive,
	}
	log.Infow("category created", "name", body.Name, "agreement", body.AgreementPercentage, "min_admins", body.AdminCountForActive)
	return nil
}

func (m *Master) createLanguage(msg protocol.Message) error {
	if err := m.requireRoot(msg); err != nil {
		return err
	}
	body, err := protocol.BodyAs[protocol.CreateLanguage](msg)
	if err != nil {
		return err
	}
	if body.Name == "" {
		return protocol.Errorf(protocol.ExitInvalidArgument, "empty language name")
	}
	if m.Languages[body.Name] {
		return protocol.Errorf(protocol.ExitDuplicateLanguage, "language %q", body.Name)
	}
	m.Languages[body.Name] = true
	return nil
}

func (m *Master) createAdmin(ctx *network.Context, msg protocol.Message) error {
	body, err := protocol.BodyAs[protocol.CreateAdmin](msg)
	if err != nil {
		return err
	}

	var caller *AdminEntry
	if msg.From != m.Root {
		if caller = m.activeAdmin(msg.From); caller == nil {
			return protocol.Errorf(protocol.ExitUnauthorized, "create admin from %s", msg.From.Short())
		}
	}

	name := body.Content.Category()
	cat, err := m.category(name)
	if err != nil {
		return err
	}
	if caller != nil {
		switch {
		case caller.Category == CategoryAll:
			if name == CategoryAll {
				return protocol.Errorf(protocol.ExitAllAdminRestriction, "admin of %q cannot create another", CategoryAll)
			}
		case caller.Category == name && caller.CanApproveUser:
		default:
			return protocol.Errorf(protocol.ExitUnauthorized, "admin of %q cannot create admins of %q", caller.Category, name)
		}
	}
	if !cat.Active {
		return protocol.Errorf(protocol.ExitCategoryInactive, "category %q", name)
	}
	if body.Owner.IsZero() {
		return protocol.Errorf(protocol.ExitInvalidArgument, "admin owner missing")
	}

	idx := m.NextAdminIndex
	m.NextAdminIndex++
	addr := ctx.Deploy(protocol.StateInit{Template: protocol.TemplateAdmin, Master: ctx.Self(), Index: idx}, protocol.Message{
		Op:      protocol.OpInit,
		QueryID: msg.QueryID,
		Value:   msg.Value,
		Body:    protocol.AdminInit{Owner: body.Owner, Content: body.Content.Clone()},
	})

	m.Admins[idx] = &AdminEntry{
		Address:        addr,
		Owner:          body.Owner,
		Category:       name,
		CanApproveUser: body.Content.Bool(content.FieldCanApproveUser),
		CanRevokeUser:  body.Content.Bool(content.FieldCanRevokeUser),
		Active:         true,
	}
	m.Roles[addr] = Role{Kind: KindAdmin, Index: idx}
	cat.AdminCount++

	log.Infow("admin created", "index", idx, "category", name, "owner", body.Owner.Short())
	return nil
}

func (m *Master) createUser(ctx *network.Context, msg protocol.Message) error {
	body, err := protocol.BodyAs[protocol.CreateUser](msg)
	if err != nil {
		return err
	}
	if msg.Value < m.Fees.UserCreationFee {
		return protocol.Errorf(protocol.ExitInsufficientValue, "user creation needs %s, got %s", m.Fees.UserCreationFee, msg.Value)
	}

	idx := m.NextUserIndex
	m.NextUserIndex++
	addr := ctx.Deploy(protocol.StateInit{Template: protocol.TemplateUser, Master: ctx.Self(), Index: idx}, protocol.Message{
		Op:      protocol.OpInit,
		QueryID: msg.QueryID,
		Value:   msg.Value - m.Fees.UserCreationFee,
		Body:    protocol.UserInit{Owner: msg.From, Content: body.Content.Clone()},
	})

	m.Users[idx] = &UserEntry{Address: addr, Owner: msg.From}
	m.Roles[addr] = Role{Kind: KindUser, Index: idx}
	m.CollectedFees += m.Fees.UserCreationFee

	log.Infow("user created", "index", idx, "owner", msg.From.Short())
	return nil
}

func (m *Master) createOrder(ctx *network.Context, msg protocol.Message) error {
	userIdx, ok := m.roleOf(msg.From, KindUser)
	if !ok {
		return protocol.Errorf(protocol.ExitUnauthorized, "create order from %s", msg.From.Short())
	}
	body, err := protocol.BodyAs[protocol.CreateOrder](msg)
	if err != nil {
		return err
	}

	name := body.Content.Category()
	cat, err := m.category(name)
	if err != nil {
		return err
	}
	if !cat.Active || cat.AdminCount < cat.AdminCountForActive {
		return protocol.Errorf(protocol.ExitCategoryInactive, "category %q: active=%v admins=%d/%d", name, cat.Active, cat.AdminCount, cat.AdminCountForActive)
	}
	if lang := body.Content.Language(); lang != "" && len(m.Languages) > 0 && !m.Languages[lang] {
		return protocol.Errorf(protocol.ExitUnknownLanguage, "language %q", lang)
	}
	if body.Price == 0 || body.CheckWindow < 0 {
		return protocol.Errorf(protocol.ExitInvalidArgument, "price %s check window %d", body.Price, body.CheckWindow)
	}
	if body.Deadline <= ctx.Now().Unix() {
		return protocol.Errorf(protocol.ExitDeadlinePassed, "deadline %d", body.Deadline)
	}
	need := body.Price + m.Fees.OrderCreationFee
	if need < body.Price || msg.Value < need {
		return protocol.Errorf(protocol.ExitInsufficientValue, "order needs %s, got %s", need, msg.Value)
	}

	customer := m.Users[userIdx].Owner
	idx := m.NextOrderIndex
	m.NextOrderIndex++
	addr := ctx.Deploy(protocol.StateInit{Template: protocol.TemplateOrder, Master: ctx.Self(), Index: idx}, protocol.Message{
		Op:      protocol.OpInit,
		QueryID: msg.QueryID,
		Value:   body.Price,
		Body: protocol.OrderInit{
			Customer:         customer,
			Content:          body.Content.Clone(),
			Category:         name,
			Price:            body.Price,
			Deadline:         body.Deadline,
			CheckWindow:      body.CheckWindow,
			FeeNumerator:     m.Fees.Numerator,
			FeeDenominator:   m.Fees.Denominator,
			AgreementPercent: cat.AgreementPercentage,
			PanelSize:        m.PanelSize,
			MaxResponses:     m.MaxResponses,
		},
	})
	if excess := msg.Value - need; excess > 0 {
		ctx.Send(protocol.Message{To: customer, Op: protocol.OpExcess, QueryID: msg.QueryID, Value: excess})
	}

	m.Orders[idx] = &OrderEntry{Address: addr, Category: name, Customer: customer}
	m.Roles[addr] = Role{Kind: KindOrder, Index: idx}
	m.CollectedFees += m.Fees.OrderCreationFee

	log.Infow("order created", "index", idx, "category", name, "price", body.Price, "customer", customer.Short())
	return nil
}

func (m *Master) moderateUser(ctx *network.Context, msg protocol.Message) error {
	body, err := protocol.BodyAs[protocol.IndexRef](msg)
	if err != nil {
		return err
	}
	if msg.From != m.Root {
		caller := m.activeAdmin(msg.From)
		if caller == nil {
			return protocol.Errorf(protocol.ExitUnauthorized, "%s from %s", msg.Op, msg.From.Short())
		}
		allowed := caller.CanApproveUser
		if msg.Op == protocol.OpRevokeUser {
			allowed = caller.CanRevokeUser
		}
		if !allowed {
			return protocol.Errorf(protocol.ExitUnauthorized, "%s: admin lacks capability", msg.Op)
		}
	}
	u, ok := m.Users[body.Index]
	if !ok {
		return protocol.Errorf(protocol.ExitNotFound, "user %d", body.Index)
	}
	forward(ctx, msg, u.Address, body)
	return nil
}

func (m *Master) activateOrder(ctx *network.Context, msg protocol.Message) error {
	body, err := protocol.BodyAs[protocol.IndexRef](msg)
	if err != nil {
		return err
	}
	o, ok := m.Orders[body.Index]
	if !ok {
		return protocol.Errorf(protocol.ExitNotFound, "order %d", body.Index)
	}
	if msg.From != m.Root {
		caller := m.activeAdmin(msg.From)
		if caller == nil || (caller.Category != CategoryAll && caller.Category != o.Category) {
			return protocol.Errorf(protocol.ExitUnauthorized, "activate order %d from %s", body.Index, msg.From.Short())
		}
	}
	forward(ctx, msg, o.Address, body)
	return nil
}

func (m *Master) revokeAdmin(ctx *network.Context, msg protocol.Message) error {
	body, err := protocol.BodyAs[protocol.IndexRef](msg)
	if err != nil {
		return err
	}
	target, ok := m.Admins[body.Index]
	if !ok {
		return protocol.Errorf(protocol.ExitNotFound, "admin %d", body.Index)
	}
	if msg.From != m.Root {
		caller := m.activeAdmin(msg.From)
		if caller == nil || caller.Category != CategoryAll || target.Category == CategoryAll {
			return protocol.Errorf(protocol.ExitUnauthorized, "revoke admin %d from %s", body.Index, msg.From.Short())
		}
	}
	forward(ctx, msg, target.Address, body)
	return nil
}

func (m *Master) activateAdmin(ctx *network.Context, msg protocol.Message) error {
	if err := m.requireRoot(msg); err != nil {
		return err
	}
	body, err := protocol.BodyAs[protocol.IndexRef](msg)
	if err != nil {
		return err
	}
	target, ok := m.Admins[body.Index]
	if !ok {
		return protocol.Errorf(protocol.ExitNotFound, "admin %d", body.Index)
	}
	forward(ctx, msg, target.Address, body)
	return nil
}

func (m *Master) addResponse(ctx *network.Context, msg protocol.Message) error {
	userIdx, ok := m.roleOf(msg.From, KindUser)
	if !ok {
		return protocol.Errorf(protocol.ExitUnauthorized, "add response from %s", msg.From.Short())
	}
	body, err := protocol.BodyAs[protocol.AddResponse](msg)
	if err != nil {
		return err
	}
	o, ok := m.Orders[body.OrderIndex]
	if !ok {
		return protocol.Errorf(protocol.ExitNotFound, "order %d", body.OrderIndex)
	}
	body.Freelancer = m.Users[userIdx].Owner
	forward(ctx, msg, o.Address, body)
	return nil
}

func (m *Master) processArbitration(ctx *network.Context, msg protocol.Message) error {
	if m.activeAdmin(msg.From) == nil {
		return protocol.Errorf(protocol.ExitUnauthorized, "arbitration vote from %s", msg.From.Short())
	}
	body, err := protocol.BodyAs[protocol.ProcessArbitration](msg)
	if err != nil {
		return err
	}
	if !body.Valid() {
		return protocol.Errorf(protocol.ExitInvalidArgument, "parts %d+%d != 100", body.FreelancerPart, body.CustomerPart)
	}
	o, ok := m.Orders[body.OrderIndex]
	if !ok {
		return protocol.Errorf(protocol.ExitNotFound, "order %d", body.OrderIndex)
	}
	body.Admin = msg.From
	forward(ctx, msg, o.Address, body)
	return nil
}

func (m *Master) getAdmins(ctx *network.Context, msg protocol.Message) error {
	orderIdx, ok := m.roleOf(msg.From, KindOrder)
	if !ok {
		return protocol.Errorf(protocol.ExitUnauthorized, "get admins from %s", msg.From.Short())
	}
	body, err := protocol.BodyAs[protocol.GetAdmins](msg)
	if err != nil {
		return err
	}
	cat, err := m.category(body.Category)
	if err != nil {
		return err
	}

	candidates := m.activeAdmins(body.Category)
	if len(candidates) == 0 && body.Category != CategoryAll {
		candidates = m.activeAdmins(CategoryAll)
	}
	seed := ctx.Now().UnixNano() ^ int64(ctx.Seq()) ^ int64(orderIdx)
	panel := m.picker.Pick(candidates, int(body.Count), seed)

	ctx.Send(msg.Reply(protocol.OpSetAdmins, 0, protocol.SetAdmins{
		Admins:           panel,
		AgreementPercent: cat.AgreementPercentage,
	}))
	log.Infow("dispute panel selected", "order", orderIdx, "category", body.Category, "size", len(panel))
	return nil
}

func (m *Master) orderActivated(msg protocol.Message) error {
	o, err := m.orderFrom(msg.From)
	if err != nil {
		return err
	}
	if o.Active || o.Status != "" {
		return nil
	}
	o.Active = true
	if cat, ok := m.Categories[o.Category]; ok {
		cat.ActiveOrderCount++
	}
	return nil
}

func (m *Master) orderCompleted(msg protocol.Message) error {
	o, err := m.orderFrom(msg.From)
	if err != nil {
		return err
	}
	if body, err := protocol.BodyAs[protocol.OrderNotification](msg); err == nil {
		o.Status = body.Status
	}
	if !o.Active {
		return nil
	}
	o.Active = false
	if cat, ok := m.Categories[o.Category]; ok && cat.ActiveOrderCount > 0 {
		cat.ActiveOrderCount--
	}
	log.Infow("order finished", "address", msg.From.Short(), "status", o.Status)
	return nil
}

func (m *Master) orderFrom(addr address.Address) (*OrderEntry, error) {
	idx, ok := m.roleOf(addr, KindOrder)
	if !ok {
		return nil, protocol.Errorf(protocol.ExitUnauthorized, "not an order: %s", addr.Short())
	}
	return m.Orders[idx], nil
}

func (m *Master) adminStatusChanged(msg protocol.Message) error {
	idx, ok := m.roleOf(msg.From, KindAdmin)
	if !ok {
		return protocol.Errorf(protocol.ExitUnauthorized, "not an admin: %s", msg.From.Short())
	}
	a := m.Admins[idx]
	active := msg.Op == protocol.OpAdminActivatedNotification
	if a.Active == active {
		return nil
	}
	a.Active = active

	cat, ok := m.Categories[a.Category]
	if !ok {
		return nil
	}
	switch {
	case active:
		cat.AdminCount++
	case cat.AdminCount > 0:
		cat.AdminCount--
	}
	log.Infow("admin status changed", "index", idx, "active", active, "category", a.Category)
	return nil
}

func (m *Master) orderFee(msg protocol.Message) error {
	if _, ok := m.roleOf(msg.From, KindOrder); !ok {
		return protocol.Errorf(protocol.ExitUnauthorized, "fee from %s", msg.From.Short())
	}
	m.CollectedFees += msg.Value
	return nil
}

func (m *Master) masterLog(msg protocol.Message) error {
	body, _ := protocol.BodyAs[protocol.Log](msg)
	log.Infow("actor log", "from", msg.From.Short(), "event", body.Event, "index", body.Index, "actor", body.Actor)
	return protocol.ErrAdvisory
}

func (m *Master) changeFees(msg protocol.Message) error {
	if err := m.requireRoot(msg); err != nil {
		return err
	}
	body, err := protocol.BodyAs[protocol.ChangeFees](msg)
	if err != nil {
		return err
	}
	if body.Denominator == 0 || body.Numerator > body.Denominator {
		return protocol.Errorf(protocol.ExitInvalidArgument, "fee %d/%d", body.Numerator, body.Denominator)
	}
	m.Fees = Fees{
		Numerator:        body.Numerator,
		Denominator:      body.Denominator,
		UserCreationFee:  body.UserCreationFee,
		OrderCreationFee: body.OrderCreationFee,
	}
	log.Infow("fees changed", "numerator", body.Numerator, "denominator", body.Denominator)
	return nil
}

func (m *Master) changeCategoryPercent(msg protocol.Message) error {
	if err := m.requireRoot(msg); err != nil {
		return err
	}
	body, err := protocol.BodyAs[protocol.ChangeCategoryPercent](msg)
	if err != nil {
		return err
	}
	cat, err := m.category(body.Name)
	if err != nil {
		return err
	}
	if body.AgreementPercentage > MaxAgreementPercentage {
		return protocol.Errorf(protocol.ExitInvalidArgument, "agreement percentage %d", body.AgreementPercentage)
	}
	cat.AgreementPercentage = body.AgreementPercentage
	return nil
}

func (m *Master) setCategoryActive(msg protocol.Message) error {
	if err := m.requireRoot(msg); err != nil {
		return err
	}
	body, err := protocol.BodyAs[protocol.CategoryRef](msg)
	if err != nil {
		return err
	}
	cat, err := m.category(body.Name)
	if err != nil {
		return err
	}
	cat.Active = msg.Op == protocol.OpActivateCategory
	return nil
}

func (m *Master) deleteCategory(msg protocol.Message) error {
	if err := m.requireRoot(msg); err != nil {
		return err
	}
	body, err := protocol.BodyAs[protocol.CategoryRef](msg)
	if err != nil {
		return err
	}
	cat, err := m.category(body.Name)
	if err != nil {
		return err
	}
	if !cat.Deletable() {
		return protocol.Errorf(protocol.ExitDeletionNotAllowed, "category %q: admins=%d active orders=%d", body.Name, cat.AdminCount, cat.ActiveOrderCount)
	}
	delete(m.Categories, body.Name)
	log.Infow("category deleted", "name", body.Name)
	return nil
}

func (m *Master) withdrawFunds(ctx *network.Context, msg protocol.Message) error {
	if err := m.requireRoot(msg); err != nil {
		return err
	}
	balance := ctx.Balance()
	if balance <= WithdrawReserve {
		return protocol.Errorf(protocol.ExitInsufficientValue, "balance %s within reserve", balance)
	}
	ctx.Send(msg.Reply(protocol.OpExcess, balance-WithdrawReserve, nil))
	return nil
}
