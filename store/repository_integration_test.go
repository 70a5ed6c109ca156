package store_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"gigflow/db"
	"gigflow/market"
	"gigflow/market/markettest"
	"gigflow/migrations"
	"gigflow/protocol"
	"gigflow/store"
)

// TestLedger_Integration connects to a real PostgreSQL via DATABASE_URL and
// replays a short order history twice to check idempotency.
func TestLedger_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	defer pool.Close()

	if _, err := db.Migrate(ctx, pool, migrations.FS); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	f := markettest.New(t)
	var events []market.Event
	f.Market.Subscribe(func(ev market.Event) { events = append(events, ev) })

	customer := f.Wallet(t, "customer")
	f.CreateCategory(t, "ledger", 0, 0)
	cu, cuAddr := f.CreateUser(t, customer, true, false)
	f.Must(t, f.Root, f.Market.MasterAddress(), protocol.OpActivateUser, 0, protocol.IndexRef{Index: cu})
	idx := f.CreateOrder(t, customer, cuAddr, markettest.OrderSpec{Category: "ledger", Price: protocol.Nano, Deadline: time.Hour})
	f.Clock.Advance(2 * time.Hour)
	f.Must(t, customer, f.OrderAddress(idx), protocol.OpOutdated, 0, nil)

	if _, err := pool.Exec(ctx, `DELETE FROM orders WHERE idx=$1`, int64(idx)); err != nil {
		t.Fatalf("clear order row: %v", err)
	}
	ids := make([]string, 0, len(events))
	for _, ev := range events {
		ids = append(ids, ev.Tx.ID.String())
	}
	t.Cleanup(func() {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel2()
		_, _ = pool.Exec(ctx2, `DELETE FROM deliveries WHERE id::text = ANY($1)`, ids)
		_, _ = pool.Exec(ctx2, `DELETE FROM orders WHERE idx=$1`, int64(idx))
	})

	svc := store.NewService(pool, nil)
	for pass := 0; pass < 2; pass++ {
		for _, ev := range events {
			if err := svc.Apply(ctx, ev); err != nil {
				t.Fatalf("pass %d apply seq %d: %v", pass, ev.Tx.Seq, err)
			}
		}
	}

	var deliveries int
	if err := pool.QueryRow(ctx, `SELECT count(*) FROM deliveries WHERE id::text = ANY($1)`, ids).Scan(&deliveries); err != nil {
		t.Fatalf("count deliveries: %v", err)
	}
	if deliveries != len(events) {
		t.Fatalf("expected %d deliveries after replay, got %d", len(events), deliveries)
	}

	var status string
	if err := pool.QueryRow(ctx, `SELECT status FROM orders WHERE idx=$1`, int64(idx)).Scan(&status); err != nil {
		t.Fatalf("load order row: %v", err)
	}
	if status != "outdated" {
		t.Fatalf("expected outdated, got %s", status)
	}

	var transitions int
	if err := pool.QueryRow(ctx, `SELECT count(*) FROM timeline_events WHERE order_idx=$1`, int64(idx)).Scan(&transitions); err != nil {
		t.Fatalf("count timeline: %v", err)
	}
	if transitions != 2 {
		t.Fatalf("expected created and outdated timeline events, got %d", transitions)
	}
}
