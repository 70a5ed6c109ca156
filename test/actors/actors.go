package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"gigflow/address"
	"gigflow/content"
	"gigflow/market"
	"gigflow/order"
	"gigflow/protocol"
)

// Funding is what every stress wallet starts with.
const Funding = 100_000 * protocol.Nano

// Party is an external wallet together with its activated user actor.
type Party struct {
	Wallet address.Address
	User   address.Address
}

// Stats counts instructions across all actors. Rejections are expected under
// contention and are not failures.
type Stats struct {
	Sent     atomic.Uint64
	Rejected atomic.Uint64
}

// Crew is the cast shared by every actor of one run.
type Crew struct {
	Market      *market.Market
	Category    string
	Moderator   address.Address
	Admin       address.Address
	Customers   []Party
	Freelancers []Party
	Stats       *Stats
}

// Setup creates the category, one moderator admin and n customers plus n
// freelancers, all activated.
func Setup(ctx context.Context, m *market.Market, category string, n int) (*Crew, error) {
	c := &Crew{Market: m, Category: category, Stats: &Stats{}}
	root := m.Root()

	if err := c.must(ctx, root, address.Zero, protocol.OpCreateCategory, 0, protocol.CreateCategory{
		Name:                category,
		AgreementPercentage: 500_000_000,
		AdminCountForActive: 1,
	}); err != nil {
		return nil, err
	}

	c.Moderator = address.External("stress/moderator")
	if err := m.Network().Fund(c.Moderator, Funding); err != nil {
		return nil, err
	}
	st, err := m.Master()
	if err != nil {
		return nil, err
	}
	if err := c.must(ctx, root, address.Zero, protocol.OpCreateAdmin, 0, protocol.CreateAdmin{
		Owner: c.Moderator,
		Content: content.New().
			Str(content.FieldCategory, category).
			Bool(content.FieldCanApproveUser, true).
			Bool(content.FieldCanRevokeUser, true).
			Build(),
	}); err != nil {
		return nil, err
	}
	c.Admin = m.Address(protocol.TemplateAdmin, st.NextAdminIndex)

	for i := 0; i < n; i++ {
		cu, err := c.party(ctx, fmt.Sprintf("stress/customer/%d", i), true, false)
		if err != nil {
			return nil, err
		}
		fu, err := c.party(ctx, fmt.Sprintf("stress/freelancer/%d", i), false, true)
		if err != nil {
			return nil, err
		}
		c.Customers = append(c.Customers, cu)
		c.Freelancers = append(c.Freelancers, fu)
	}
	return c, nil
}

func (c *Crew) party(ctx context.Context, seed string, isUser, isFreelancer bool) (Party, error) {
	m := c.Market
	w := address.External(seed)
	if err := m.Network().Fund(w, Funding); err != nil {
		return Party{}, err
	}
	st, err := m.Master()
	if err != nil {
		return Party{}, err
	}
	idx := st.NextUserIndex
	if err := c.must(ctx, w, address.Zero, protocol.OpCreateUser, st.Fees.UserCreationFee, protocol.CreateUser{
		Content: content.New().Bool(content.FieldIsUser, isUser).Bool(content.FieldIsFreelancer, isFreelancer).Build(),
	}); err != nil {
		return Party{}, err
	}
	if err := c.must(ctx, c.Moderator, c.Admin, protocol.OpActivateUser, 0, protocol.IndexRef{Index: idx}); err != nil {
		return Party{}, err
	}
	return Party{Wallet: w, User: m.Address(protocol.TemplateUser, idx)}, nil
}

func (c *Crew) must(ctx context.Context, from, to address.Address, op protocol.Op, value protocol.Coins, body any) error {
	txs, err := c.Market.Send(ctx, market.Request{From: from, To: to, Op: op, Value: value, Body: body})
	if err != nil {
		return fmt.Errorf("setup %s: %w", op, err)
	}
	if err := market.Result(txs); err != nil {
		return fmt.Errorf("setup %s: %w", op, err)
	}
	return nil
}

// send submits an instruction. Only transport failures are returned; a
// rejected delivery is counted.
func (c *Crew) send(ctx context.Context, from, to address.Address, op protocol.Op, value protocol.Coins, body any) error {
	c.Stats.Sent.Add(1)
	txs, err := c.Market.Send(ctx, market.Request{From: from, To: to, Op: op, Value: value, Body: body})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil
		}
		return fmt.Errorf("%s from %s: %w", op, from.Short(), err)
	}
	if market.Result(txs) != nil {
		c.Stats.Rejected.Add(1)
	}
	return nil
}

func (c *Crew) orders(where func(order.Order) bool) ([]order.Order, error) {
	all, err := c.Market.Orders()
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, o := range all {
		if where(o) {
			out = append(out, o)
		}
	}
	return out, nil
}

func pick[T any](rng *rand.Rand, xs []T) T {
	return xs[rng.Intn(len(xs))]
}

func pause(ctx context.Context, stop <-chan struct{}, rng *rand.Rand, base, jitter int) bool {
	t := time.NewTimer(time.Duration(base+rng.Intn(jitter)) * time.Millisecond)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-stop:
		return false
	case <-t.C:
		return true
	}
}

// Customer posts orders, assigns responders, settles delivered work and
// occasionally opens a dispute or pulls back an assignment.
func Customer(ctx context.Context, c *Crew, p Party, seed int64, stop <-chan struct{}) error {
	rng := rand.New(rand.NewSource(seed))
	for pause(ctx, stop, rng, 10, 30) {
		mine, err := c.orders(func(o order.Order) bool { return o.Customer == p.Wallet && !o.Status.Terminal() })
		if err != nil {
			return err
		}
		if len(mine) < 3 || rng.Intn(4) == 0 {
			if err := createOrder(ctx, c, p, rng); err != nil {
				return err
			}
			continue
		}
		o := pick(rng, mine)
		addr := c.Market.Address(protocol.TemplateOrder, o.Index)
		switch o.Status {
		case order.StatusActive:
			if len(o.Responses) == 0 {
				continue
			}
			var candidates []address.Address
			for f := range o.Responses {
				candidates = append(candidates, f)
			}
			err = c.send(ctx, p.Wallet, addr, protocol.OpAssignUser, 0, protocol.AssignUser{
				Freelancer: pick(rng, candidates),
				Price:      o.Price,
				Deadline:   o.Deadline,
			})
		case order.StatusWaitingFreelancer:
			if rng.Intn(5) == 0 {
				err = c.send(ctx, p.Wallet, addr, protocol.OpCancelAssign, 0, nil)
			}
		case order.StatusFulfilled:
			err = c.send(ctx, p.Wallet, addr, protocol.OpCustomerFeedback, 0, protocol.CustomerFeedback{Dispute: rng.Intn(5) == 0})
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func createOrder(ctx context.Context, c *Crew, p Party, rng *rand.Rand) error {
	fees, err := c.Market.Fees()
	if err != nil {
		return err
	}
	price := protocol.Coins(1+rng.Intn(5)) * protocol.Nano
	// A share of short deadlines leaves work for the keeper.
	life := time.Hour
	if rng.Intn(4) == 0 {
		life = time.Duration(1+rng.Intn(3)) * time.Second
	}
	return c.send(ctx, p.Wallet, p.User, protocol.OpCreateOrder, price+fees.OrderCreationFee, protocol.CreateOrder{
		Content:     content.New().Str(content.FieldCategory, c.Category).Str("brief", fmt.Sprintf("job-%d", rng.Int63())).Build(),
		Price:       price,
		Deadline:    time.Now().Add(life).Unix(),
		CheckWindow: 60,
	})
}

// Freelancer responds to open orders, takes or turns down assignments and
// delivers accepted work.
func Freelancer(ctx context.Context, c *Crew, p Party, seed int64, stop <-chan struct{}) error {
	rng := rand.New(rand.NewSource(seed))
	for pause(ctx, stop, rng, 10, 30) {
		open, err := c.orders(func(o order.Order) bool {
			switch o.Status {
			case order.StatusActive:
				_, responded := o.Responses[p.Wallet]
				return !responded
			case order.StatusWaitingFreelancer, order.StatusInProgress:
				return o.Freelancer == p.Wallet
			}
			return false
		})
		if err != nil {
			return err
		}
		if len(open) == 0 {
			continue
		}
		o := pick(rng, open)
		addr := c.Market.Address(protocol.TemplateOrder, o.Index)
		switch o.Status {
		case order.StatusActive:
			err = c.send(ctx, p.Wallet, p.User, protocol.OpAddResponse, 0, protocol.AddResponse{
				OrderIndex: o.Index,
				Response:   content.New().Str("pitch", fmt.Sprintf("offer-%d", rng.Intn(1000))).Build(),
			})
		case order.StatusWaitingFreelancer:
			if rng.Intn(6) == 0 {
				err = c.send(ctx, p.Wallet, addr, protocol.OpRejectOrder, 0, nil)
			} else {
				err = c.send(ctx, p.Wallet, addr, protocol.OpAcceptOrder, 0, nil)
			}
		case order.StatusInProgress:
			err = c.send(ctx, p.Wallet, addr, protocol.OpCompleteOrder, 0, protocol.CompleteOrder{
				Result: content.New().Str("link", fmt.Sprintf("https://example.com/result/%d", o.Index)).Build(),
			})
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Moderator approves orders under moderation and votes on disputes it sits on.
func Moderator(ctx context.Context, c *Crew, seed int64, stop <-chan struct{}) error {
	rng := rand.New(rand.NewSource(seed))
	for pause(ctx, stop, rng, 5, 20) {
		work, err := c.orders(func(o order.Order) bool {
			switch o.Status {
			case order.StatusModeration:
				return true
			case order.StatusOnArbitration:
				for _, a := range o.Arbitration.Voted {
					if a == c.Admin {
						return false
					}
				}
				for _, a := range o.Arbitration.Admins {
					if a == c.Admin {
						return true
					}
				}
			}
			return false
		})
		if err != nil {
			return err
		}
		if len(work) == 0 {
			continue
		}
		o := pick(rng, work)
		if o.Status == order.StatusModeration {
			err = c.send(ctx, c.Moderator, c.Admin, protocol.OpActivateOrder, 0, protocol.IndexRef{Index: o.Index})
		} else {
			part := uint32(rng.Intn(101))
			err = c.send(ctx, c.Moderator, c.Admin, protocol.OpProcessArbitration, 0, protocol.ProcessArbitration{
				OrderIndex:     o.Index,
				FreelancerPart: part,
				CustomerPart:   100 - part,
			})
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// OutboxWorker consumes pending outbox messages with SKIP LOCKED and marks
// them processed, or dead after repeated failures.
func OutboxWorker(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for pause(ctx, stop, rng, 50, 100) {
		tx, err := pool.Begin(ctx)
		if err != nil {
			continue
		}
		rows, err := tx.Query(ctx, `SELECT id FROM outbox WHERE status='pending' ORDER BY created_at FOR UPDATE SKIP LOCKED LIMIT 10`)
		if err != nil {
			_ = tx.Rollback(ctx)
			continue
		}
		ids := make([]string, 0, 10)
		for rows.Next() {
			var id string
			_ = rows.Scan(&id)
			ids = append(ids, id)
		}
		rows.Close()
		for _, id := range ids {
			// simulate a flaky consumer
			if rng.Intn(10) == 0 {
				_, _ = tx.Exec(ctx, `UPDATE outbox SET attempts=attempts+1, last_attempt_at=NOW(),
                                     status = CASE WHEN attempts+1 >= 5 THEN 'dead' ELSE status END WHERE id=$1`, id)
				continue
			}
			_, _ = tx.Exec(ctx, `UPDATE outbox SET status='processed', last_attempt_at=NOW() WHERE id=$1`, id)
		}
		_ = tx.Commit(ctx)
	}
	return nil
}
