package store

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"gigflow/address"
	"gigflow/market"
	"gigflow/network"
	"gigflow/order"
	"gigflow/protocol"
)

func orderEvent(seq uint64, status order.Status) market.Event {
	return market.Event{
		Tx: network.Transaction{ID: uuid.New(), Seq: seq, To: address.External("order"), Template: protocol.TemplateOrder, Success: true},
		Order: &order.Order{
			Index:    4,
			Status:   status,
			Category: "design",
			Customer: address.External("customer"),
			Price:    protocol.Nano,
			Deadline: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC).Unix(),
		},
	}
}

func TestApply_DuplicateDeliveryIsNoop(t *testing.T) {
	pool := &fakePool{}
	repo := &fakeRepo{insertErr: ErrDuplicateDelivery}
	svc := NewService(pool, repo)

	if err := svc.Apply(context.Background(), orderEvent(1, order.StatusModeration)); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if !pool.tx.rolled {
		t.Errorf("expected rollback to be called")
	}
	if pool.tx.committed {
		t.Errorf("expected commit to be skipped on replay")
	}
	if repo.applied != 0 {
		t.Errorf("expected order update to be skipped on replay")
	}
}

func TestApply_CommitsDeliveryAndOrder(t *testing.T) {
	pool := &fakePool{}
	repo := &fakeRepo{}
	svc := NewService(pool, repo)

	if err := svc.Apply(context.Background(), orderEvent(2, order.StatusActive)); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !pool.tx.committed {
		t.Errorf("expected commit to be called")
	}
	if repo.applied != 1 || repo.last.Status != order.StatusActive || repo.last.Seq != 2 {
		t.Errorf("unexpected order write %+v (calls %d)", repo.last, repo.applied)
	}
}

func TestApply_StaleOrderStillRecordsDelivery(t *testing.T) {
	pool := &fakePool{}
	svc := NewService(pool, &fakeRepo{applyErr: ErrStaleOrder})

	if err := svc.Apply(context.Background(), orderEvent(3, order.StatusActive)); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !pool.tx.committed {
		t.Errorf("expected delivery to be committed")
	}
}

func TestApply_SkipsOrderForPlainDelivery(t *testing.T) {
	pool := &fakePool{}
	repo := &fakeRepo{}
	svc := NewService(pool, repo)

	ev := market.Event{Tx: network.Transaction{ID: uuid.New(), Seq: 9, Op: protocol.OpCreateUser}}
	if err := svc.Apply(context.Background(), ev); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if repo.applied != 0 || !pool.tx.committed {
		t.Errorf("expected commit without order write")
	}
}

func TestInsertDelivery_UniqueViolation(t *testing.T) {
	tx := &fakeTx{execErr: &pgconn.PgError{Code: "23505"}}
	err := NewRepository().InsertDelivery(context.Background(), tx, network.Transaction{ID: uuid.New()})
	if !errors.Is(err, ErrDuplicateDelivery) {
		t.Fatalf("expected ErrDuplicateDelivery, got %v", err)
	}
}

func TestApplyOrder_NewRowWritesTimelineAndOutbox(t *testing.T) {
	tx := &fakeTx{row: fakeRow{err: pgx.ErrNoRows}}
	st, _ := OrderStateOf(orderEvent(5, order.StatusModeration))

	if err := NewRepository().ApplyOrder(context.Background(), tx, st); err != nil {
		t.Fatalf("apply order: %v", err)
	}
	if got := tx.count("INSERT INTO orders"); got != 1 {
		t.Errorf("expected 1 order insert, got %d", got)
	}
	if got := tx.count("INSERT INTO timeline_events"); got != 1 {
		t.Errorf("expected 1 timeline event, got %d", got)
	}
	if got := tx.count("INSERT INTO outbox"); got != 1 {
		t.Errorf("expected 1 outbox message, got %d", got)
	}
}

func TestApplyOrder_RejectsStaleSeq(t *testing.T) {
	tx := &fakeTx{row: fakeRow{status: "active", seq: 10}}
	st, _ := OrderStateOf(orderEvent(5, order.StatusWaitingFreelancer))

	if err := NewRepository().ApplyOrder(context.Background(), tx, st); !errors.Is(err, ErrStaleOrder) {
		t.Fatalf("expected ErrStaleOrder, got %v", err)
	}
	if len(tx.execs) != 0 {
		t.Errorf("expected no writes, got %v", tx.execs)
	}
}

func TestApplyOrder_SameStatusOnlyUpdates(t *testing.T) {
	tx := &fakeTx{row: fakeRow{status: "active", seq: 3}}
	st, _ := OrderStateOf(orderEvent(5, order.StatusActive))

	if err := NewRepository().ApplyOrder(context.Background(), tx, st); err != nil {
		t.Fatalf("apply order: %v", err)
	}
	if len(tx.execs) != 1 || tx.count("UPDATE orders") != 1 {
		t.Errorf("expected a single update, got %v", tx.execs)
	}
}

func TestApplyOrder_TerminalEnqueuesSettlement(t *testing.T) {
	tx := &fakeTx{row: fakeRow{status: "fulfilled", seq: 3}}
	ev := orderEvent(6, order.StatusCompleted)
	ev.Order.Payout = order.Payout{Freelancer: 95 * protocol.Nano / 100}
	st, _ := OrderStateOf(ev)

	if err := NewRepository().ApplyOrder(context.Background(), tx, st); err != nil {
		t.Fatalf("apply order: %v", err)
	}
	if got := tx.count("INSERT INTO outbox"); got != 2 {
		t.Errorf("expected status and settlement outbox messages, got %d", got)
	}
}

type fakeRepo struct {
	insertErr error
	applyErr  error
	applied   int
	last      OrderState
}

func (f *fakeRepo) InsertDelivery(context.Context, pgx.Tx, network.Transaction) error {
	return f.insertErr
}

func (f *fakeRepo) ApplyOrder(_ context.Context, _ pgx.Tx, st OrderState) error {
	f.applied++
	f.last = st
	return f.applyErr
}

type fakePool struct {
	tx *fakeTx
}

func (f *fakePool) Begin(ctx context.Context) (pgx.Tx, error) {
	f.tx = &fakeTx{}
	return f.tx, nil
}

type fakeRow struct {
	status string
	seq    int64
	err    error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*dest[0].(*string) = r.status
	*dest[1].(*int64) = r.seq
	return nil
}

type fakeTx struct {
	rolled    bool
	committed bool
	execErr   error
	execs     []string
	row       fakeRow
}

func (f *fakeTx) count(fragment string) int {
	n := 0
	for _, sql := range f.execs {
		if strings.Contains(sql, fragment) {
			n++
		}
	}
	return n
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	f.rolled = true
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	if f.execErr != nil {
		return pgconn.CommandTag{}, f.execErr
	}
	f.execs = append(f.execs, sql)
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	return f.row
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}
