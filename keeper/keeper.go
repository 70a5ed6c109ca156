// Package keeper expires orders whose deadline passed before anyone picked
// them up.
package keeper

import (
	"context"
	"sync/atomic"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/sync/errgroup"

	"gigflow/address"
	"gigflow/market"
	"gigflow/protocol"
)

var log = logging.Logger("keeper")

const (
	DefaultInterval    = 30 * time.Second
	DefaultConcurrency = 4
)

// DueLister reports orders that can be outdated at now. Both the market and
// the SQLite index implement it.
type DueLister interface {
	DueOrders(ctx context.Context, now time.Time) ([]uint64, error)
}

type Config struct {
	// Wallet signs the OUTDATED instructions. It pays no value.
	Wallet      address.Address
	Interval    time.Duration
	Concurrency int
	Now         func() time.Time
}

type Keeper struct {
	cfg    Config
	market *market.Market
	due    DueLister

	expired atomic.Uint64
	failed  atomic.Uint64
}

func New(m *market.Market, due DueLister, cfg Config) *Keeper {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if due == nil {
		due = m
	}
	return &Keeper{cfg: cfg, market: m, due: due}
}

// Stats returns how many orders were expired and how many attempts failed.
func (k *Keeper) Stats() (expired, failed uint64) {
	return k.expired.Load(), k.failed.Load()
}

// Tick submits OUTDATED for every due order and returns how many succeeded.
// Rejections are logged; a lagging index may list orders that already moved.
func (k *Keeper) Tick(ctx context.Context) (int, error) {
	due, err := k.due.DueOrders(ctx, k.cfg.Now())
	if err != nil {
		return 0, err
	}
	if len(due) == 0 {
		return 0, nil
	}

	var ok atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(k.cfg.Concurrency)
	for _, idx := range due {
		idx := idx
		g.Go(func() error {
			txs, err := k.market.Send(gctx, market.Request{
				From: k.cfg.Wallet,
				To:   k.market.Address(protocol.TemplateOrder, idx),
				Op:   protocol.OpOutdated,
			})
			if err != nil {
				return err
			}
			if err := market.Result(txs); err != nil {
				k.failed.Add(1)
				log.Debugw("outdated rejected", "order", idx, "err", err)
				return nil
			}
			k.expired.Add(1)
			ok.Add(1)
			log.Infow("order outdated", "order", idx)
			return nil
		})
	}
	err = g.Wait()
	return int(ok.Load()), err
}

// Run ticks until ctx is cancelled.
func (k *Keeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(k.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := k.Tick(ctx); err != nil && ctx.Err() == nil {
				log.Errorw("tick", "err", err)
			}
		}
	}
}
