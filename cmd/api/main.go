package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/sync/errgroup"

	"gigflow/address"
	"gigflow/auth"
	"gigflow/config"
	"gigflow/db"
	"gigflow/indexdb"
	"gigflow/journal"
	"gigflow/keeper"
	"gigflow/market"
	"gigflow/master"
	"gigflow/migrations"
	"gigflow/network"
	"gigflow/protocol"
	"gigflow/snapshot"
	"gigflow/store"
)

var log = logging.Logger("api")

func main() {
	configPath := flag.String("config", os.Getenv("GIGFLOW_CONFIG"), "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalw("load config", "err", err)
	}
	if err := setLogLevels(cfg.Log); err != nil {
		log.Fatalw("log levels", "err", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatalw("exit", "err", err)
	}
}

func setLogLevels(c config.Log) error {
	if c.Level != "" {
		lvl, err := logging.LevelFromString(c.Level)
		if err != nil {
			return err
		}
		logging.SetAllLoggers(lvl)
	}
	for name, level := range c.Subsystems {
		if err := logging.SetLogLevel(name, level); err != nil {
			return err
		}
	}
	return nil
}

func run(ctx context.Context, cfg config.Config) error {
	net := network.New()
	root := address.External(cfg.Market.RootSeed)

	m, err := openMarket(net, cfg, root)
	if err != nil {
		return err
	}

	transactions := journal.NewTransactions(cfg.JournalDir())
	defer transactions.Close()
	m.Subscribe(transactions.Record)

	index, err := indexdb.Open(cfg.IndexPath())
	if err != nil {
		return err
	}
	defer index.Close()
	m.Subscribe(index.Record)

	feed := NewFeed(cfg.FeedOrigins...)
	m.Subscribe(feed.Publish)

	g, gctx := errgroup.WithContext(ctx)

	var accounts auth.Repository = auth.NewMemoryRepository()
	if cfg.DatabaseURL != "" {
		pool, err := db.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer pool.Close()
		if _, err := db.Migrate(ctx, pool, migrations.FS); err != nil {
			return err
		}
		accounts = auth.NewRepository(pool)

		ledger := store.NewSink(store.NewService(pool, nil), 0)
		m.Subscribe(ledger.Record)
		g.Go(func() error { return ledger.Run(gctx) })
	} else {
		log.Warnw("DATABASE_URL not set; accounts are kept in memory and the ledger is disabled")
	}

	funding := protocol.Coins(cfg.Market.WalletFunding)
	authService := auth.NewService(accounts, cfg.JWTSecret, auth.WithProvisioner(func(_ context.Context, u auth.User) error {
		if funding == 0 {
			return nil
		}
		return net.Fund(u.Wallet, funding)
	}))
	if cfg.Operator.Email != "" {
		if _, err := authService.Bootstrap(ctx, auth.RegisterRequest{
			Email:    cfg.Operator.Email,
			Password: cfg.Operator.Password,
			FullName: "Marketplace operator",
		}, root); err != nil {
			return err
		}
	}

	envelope, err := compileEnvelopeSchema()
	if err != nil {
		return err
	}

	if cfg.Keeper.Enabled {
		k := keeper.New(m, index, keeper.Config{
			Wallet:      address.External(cfg.Keeper.WalletSeed),
			Interval:    cfg.Keeper.Interval,
			Concurrency: cfg.Keeper.Concurrency,
		})
		g.Go(func() error { return k.Run(gctx) })
	}

	server := &Server{
		authService: authService,
		market:      m,
		orders:      index,
		envelope:    envelope,
		feed:        feed,
	}
	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           server.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		log.Infow("listening", "addr", cfg.Listen, "master", m.MasterAddress().String())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	if serr := saveSnapshot(net, cfg, root, m.MasterAddress()); serr != nil {
		log.Errorw("save snapshot", "err", serr)
	}
	return err
}

// openMarket restores the last snapshot when one exists, otherwise installs a
// fresh coordinator owned by root.
func openMarket(net *network.Network, cfg config.Config, root address.Address) (*market.Market, error) {
	path := cfg.SnapshotPath()
	if _, err := os.Stat(path); err == nil {
		snap, err := snapshot.Read(path)
		if err != nil {
			return nil, err
		}
		if snap.Header.Root != root {
			return nil, errors.New("snapshot belongs to a different root wallet")
		}
		market.Register(net, nil)
		if err := snapshot.Restore(net, snap); err != nil {
			return nil, err
		}
		log.Infow("restored snapshot", "seq", snap.Header.Seq, "taken_at", snap.Header.TakenAt)
		return market.Attach(net, root)
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	m, err := market.New(net, market.Config{
		Root: root,
		Fees: master.Fees{
			Numerator:        cfg.Market.FeeNumerator,
			Denominator:      cfg.Market.FeeDenominator,
			UserCreationFee:  protocol.Coins(cfg.Market.UserCreationFee),
			OrderCreationFee: protocol.Coins(cfg.Market.OrderCreationFee),
		},
		PanelSize:    cfg.Market.PanelSize,
		MaxResponses: cfg.Market.MaxResponses,
	})
	if err != nil {
		return nil, err
	}
	if cfg.Market.RootFunding > 0 {
		if err := net.Fund(root, protocol.Coins(cfg.Market.RootFunding)); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func saveSnapshot(net *network.Network, cfg config.Config, root, masterAddr address.Address) error {
	snap, err := snapshot.Take(net, root, masterAddr, time.Now())
	if err != nil {
		return err
	}
	if err := snapshot.Write(cfg.SnapshotPath(), snap); err != nil {
		return err
	}
	log.Infow("snapshot written", "path", cfg.SnapshotPath(), "seq", snap.Header.Seq)
	return nil
}
