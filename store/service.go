// Package store writes the PostgreSQL ledger: every delivery, the current row
// of each order, and a timeline plus outbox entry per status move.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	logging "github.com/ipfs/go-log/v2"
	"github.com/jackc/pgx/v5"

	"gigflow/market"
	"gigflow/network"
)

var log = logging.Logger("store")

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// LedgerRepository defines the data access required by the service.
type LedgerRepository interface {
	InsertDelivery(ctx context.Context, tx pgx.Tx, d network.Transaction) error
	ApplyOrder(ctx context.Context, tx pgx.Tx, st OrderState) error
}

type Service struct {
	pool TxBeginner
	repo LedgerRepository
}

func NewService(pool TxBeginner, repo LedgerRepository) *Service {
	if repo == nil {
		repo = NewRepository()
	}
	return &Service{
		pool: pool,
		repo: repo,
	}
}

// Apply writes one event in a single transaction. Replays of a delivery
// already in the ledger are no-ops.
func (s *Service) Apply(ctx context.Context, ev market.Event) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.repo.InsertDelivery(ctx, tx, ev.Tx); err != nil {
		if errors.Is(err, ErrDuplicateDelivery) {
			return nil
		}
		return err
	}

	if st, ok := OrderStateOf(ev); ok {
		if err := s.repo.ApplyOrder(ctx, tx, st); err != nil && !errors.Is(err, ErrStaleOrder) {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("store: commit tx: %w", err)
	}
	return nil
}

// Sink feeds a Service from the market event stream without blocking it.
type Sink struct {
	svc *Service
	ch  chan market.Event

	dropped atomic.Uint64
	failed  atomic.Uint64
}

func NewSink(svc *Service, buffer int) *Sink {
	if buffer <= 0 {
		buffer = 4096
	}
	return &Sink{svc: svc, ch: make(chan market.Event, buffer)}
}

// Record is a market.Event subscriber.
func (s *Sink) Record(ev market.Event) {
	select {
	case s.ch <- ev:
	default:
		s.dropped.Add(1)
		log.Warnw("ledger queue full, dropping delivery", "seq", ev.Tx.Seq)
	}
}

// Stats reports events dropped on a full queue and events the database rejected.
func (s *Sink) Stats() (dropped, failed uint64) {
	return s.dropped.Load(), s.failed.Load()
}

// Run applies queued events until ctx is cancelled, then flushes what is
// already queued.
func (s *Sink) Run(ctx context.Context) error {
	for {
		select {
		case ev := <-s.ch:
			s.apply(ctx, ev)
		case <-ctx.Done():
			s.flush()
			return nil
		}
	}
}

func (s *Sink) flush() {
	ctx := context.Background()
	for {
		select {
		case ev := <-s.ch:
			s.apply(ctx, ev)
		default:
			return
		}
	}
}

func (s *Sink) apply(ctx context.Context, ev market.Event) {
	if err := s.svc.Apply(ctx, ev); err != nil {
		s.failed.Add(1)
		log.Errorw("ledger write", "seq", ev.Tx.Seq, "err", err)
	}
}
