// Package indexdb maintains an embedded SQLite read model of orders and
// deliveries, fed by the market event stream.
package indexdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	logging "github.com/ipfs/go-log/v2"
	_ "modernc.org/sqlite"

	"gigflow/market"
)

var log = logging.Logger("indexdb")

var ErrClosed = errors.New("indexdb: closed")

// Index is safe for concurrent use. Writes are applied by a single goroutine
// in arrival order.
type Index struct {
	db *sql.DB

	// mu guards ch against sends racing Close.
	mu   sync.RWMutex
	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed  atomic.Bool
	dropped atomic.Uint64
}

type req struct {
	ev   market.Event
	done chan struct{}
}

// OrderRow is the indexed view of one order.
type OrderRow struct {
	Index      uint64    `json:"index"`
	Address    string    `json:"address"`
	Status     string    `json:"status"`
	Category   string    `json:"category"`
	Customer   string    `json:"customer"`
	Freelancer string    `json:"freelancer,omitempty"`
	Price      uint64    `json:"price"`
	Deadline   int64     `json:"deadline"`
	DueAt      int64     `json:"dueAt,omitempty"`
	Responses  uint32    `json:"responses"`
	UpdatedSeq uint64    `json:"updatedSeq"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Filter narrows List. Zero values match everything.
type Filter struct {
	Status   string
	Category string
	Customer string
	Limit    int
}

func Open(path string) (*Index, error) {
	if path == "" {
		return nil, fmt.Errorf("indexdb: empty db path")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	ix := &Index{db: db, ch: make(chan req, 65536)}
	ix.wg.Add(1)
	go func() {
		defer ix.wg.Done()
		ix.loop()
	}()
	return ix, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS orders (
			idx INTEGER PRIMARY KEY,
			address TEXT NOT NULL,
			status TEXT NOT NULL,
			category TEXT NOT NULL,
			customer TEXT NOT NULL,
			freelancer TEXT NOT NULL DEFAULT '',
			price INTEGER NOT NULL CHECK (price >= 0),
			deadline INTEGER NOT NULL,
			responses INTEGER NOT NULL,
			updated_seq INTEGER NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_orders_category ON orders(category, status);`,
		`CREATE TABLE IF NOT EXISTS deliveries (
			seq INTEGER PRIMARY KEY,
			id TEXT NOT NULL,
			sender TEXT NOT NULL,
			recipient TEXT NOT NULL,
			template TEXT NOT NULL,
			op TEXT NOT NULL,
			value INTEGER NOT NULL,
			success INTEGER NOT NULL,
			exit_code INTEGER NOT NULL,
			at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_deliveries_recipient ON deliveries(recipient, seq);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return fmt.Errorf("indexdb: schema: %w", err)
		}
	}
	// files written before due_at existed get the column on open
	has, err := hasColumn(db, "orders", "due_at")
	if err != nil {
		return fmt.Errorf("indexdb: schema: %w", err)
	}
	if !has {
		if _, err := db.Exec(`ALTER TABLE orders ADD COLUMN due_at INTEGER NOT NULL DEFAULT 0`); err != nil {
			return fmt.Errorf("indexdb: schema: %w", err)
		}
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_orders_due_at ON orders(due_at);`); err != nil {
		return fmt.Errorf("indexdb: schema: %w", err)
	}
	return nil
}

func hasColumn(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query(`SELECT name FROM pragma_table_info(?)`, table)
	if err != nil {
		return false, err
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

// Record is a market.Event subscriber. It never blocks the network: when the
// writer falls behind, events are dropped and counted.
func (ix *Index) Record(ev market.Event) {
	if ix == nil {
		return
	}
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if ix.closed.Load() {
		return
	}
	select {
	case ix.ch <- req{ev: ev}:
	default:
		ix.dropped.Add(1)
	}
}

// Dropped is the number of events lost to back-pressure or to a failed write.
func (ix *Index) Dropped() uint64 { return ix.dropped.Load() }

// Barrier waits until every event recorded before the call is committed.
func (ix *Index) Barrier(ctx context.Context) error {
	done := make(chan struct{})
	ix.mu.RLock()
	if ix.closed.Load() {
		ix.mu.RUnlock()
		return ErrClosed
	}
	select {
	case ix.ch <- req{done: done}:
		ix.mu.RUnlock()
	case <-ctx.Done():
		ix.mu.RUnlock()
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (ix *Index) Close() error {
	var err error
	ix.once.Do(func() {
		ix.mu.Lock()
		ix.closed.Store(true)
		close(ix.ch)
		ix.mu.Unlock()
		ix.wg.Wait()
		err = ix.db.Close()
	})
	return err
}

// loop owns the write transaction. A batch is committed when it is full or
// when the queue drains, so no transaction stays open while the index is idle
// and readers sharing the single connection never wait on the writer.
func (ix *Index) loop() {
	ctx := context.Background()

	var (
		tx          *sql.Tx
		opCount     int
		commitEvery = 500
	)
	commit := func() {
		if tx == nil {
			return
		}
		if err := tx.Commit(); err != nil {
			log.Errorw("commit", "events", opCount, "err", err)
			ix.dropped.Add(uint64(opCount))
		}
		tx = nil
		opCount = 0
	}

	for r := range ix.ch {
		if r.done != nil {
			commit()
			close(r.done)
			continue
		}
		if tx == nil {
			txx, err := ix.db.BeginTx(ctx, nil)
			if err != nil {
				log.Errorw("begin", "seq", r.ev.Tx.Seq, "err", err)
				ix.dropped.Add(1)
				continue
			}
			tx = txx
		}
		if err := applyOne(ctx, tx, r.ev); err != nil {
			log.Errorw("apply event", "seq", r.ev.Tx.Seq, "err", err)
			ix.dropped.Add(1)
		} else {
			opCount++
		}
		if opCount >= commitEvery || len(ix.ch) == 0 {
			commit()
		}
	}
	commit()
}

// applyOne applies ev inside a savepoint so a failing event leaves the rest
// of the batch intact.
func applyOne(ctx context.Context, tx *sql.Tx, ev market.Event) error {
	if _, err := tx.ExecContext(ctx, `SAVEPOINT ev`); err != nil {
		return err
	}
	if err := apply(ctx, tx, ev); err != nil {
		if _, rerr := tx.ExecContext(ctx, `ROLLBACK TO ev`); rerr != nil {
			return errors.Join(err, rerr)
		}
		_, _ = tx.ExecContext(ctx, `RELEASE ev`)
		return err
	}
	_, err := tx.ExecContext(ctx, `RELEASE ev`)
	return err
}

func apply(ctx context.Context, tx *sql.Tx, ev market.Event) error {
	t := ev.Tx
	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO deliveries(seq,id,sender,recipient,template,op,value,success,exit_code,at) VALUES(?,?,?,?,?,?,?,?,?,?)`,
		int64(t.Seq), t.ID.String(), t.From.String(), t.To.String(), t.Template, t.Op.String(),
		int64(t.Value), t.Success, int64(t.ExitCode), t.Time.UTC().Format(time.RFC3339Nano),
	); err != nil {
		return err
	}
	if ev.Order == nil {
		return nil
	}
	o := ev.Order
	freelancer := ""
	if !o.Freelancer.IsZero() {
		freelancer = o.Freelancer.String()
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO orders(idx,address,status,category,customer,freelancer,price,deadline,due_at,responses,updated_seq,updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(idx) DO UPDATE SET
			status=excluded.status,
			freelancer=excluded.freelancer,
			price=excluded.price,
			deadline=excluded.deadline,
			due_at=excluded.due_at,
			responses=excluded.responses,
			updated_seq=excluded.updated_seq,
			updated_at=excluded.updated_at
		 WHERE excluded.updated_seq >= orders.updated_seq`,
		int64(o.Index), t.To.String(), string(o.Status), o.Category, o.Customer.String(), freelancer,
		int64(o.Price), o.Deadline, o.DueAt(), int64(o.ResponsesCount), int64(t.Seq), t.Time.UTC().Format(time.RFC3339Nano),
	)
	return err
}

// List returns orders matching f in index order.
func (ix *Index) List(ctx context.Context, f Filter) ([]OrderRow, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.Category != "" {
		where = append(where, "category = ?")
		args = append(args, f.Category)
	}
	if f.Customer != "" {
		where = append(where, "customer = ?")
		args = append(args, f.Customer)
	}
	q := `SELECT idx,address,status,category,customer,freelancer,price,deadline,due_at,responses,updated_seq,updated_at FROM orders`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY idx"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := ix.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("indexdb: list: %w", err)
	}
	defer rows.Close()

	var out []OrderRow
	for rows.Next() {
		var (
			r         OrderRow
			idx       int64
			price     int64
			seq       int64
			resp      int64
			updatedAt string
		)
		if err := rows.Scan(&idx, &r.Address, &r.Status, &r.Category, &r.Customer, &r.Freelancer, &price, &r.Deadline, &r.DueAt, &resp, &seq, &updatedAt); err != nil {
			return nil, fmt.Errorf("indexdb: scan: %w", err)
		}
		r.Index = uint64(idx)
		r.Price = uint64(price)
		r.Responses = uint32(resp)
		r.UpdatedSeq = uint64(seq)
		r.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

// DueOrders lists orders open to OUTDATED whose due time is before now.
func (ix *Index) DueOrders(ctx context.Context, now time.Time) ([]uint64, error) {
	rows, err := ix.db.QueryContext(ctx,
		`SELECT idx FROM orders WHERE due_at > 0 AND due_at < ? ORDER BY idx`, now.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("indexdb: due orders: %w", err)
	}
	defer rows.Close()

	var out []uint64
	for rows.Next() {
		var idx int64
		if err := rows.Scan(&idx); err != nil {
			return nil, err
		}
		out = append(out, uint64(idx))
	}
	return out, rows.Err()
}
