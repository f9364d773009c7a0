package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"positionLedger/internal/apr"
	"positionLedger/internal/chain"
	"positionLedger/internal/config"
	"positionLedger/internal/indexer"
	"positionLedger/internal/ledger"
	"positionLedger/internal/ledgersync"
	"positionLedger/internal/metrics"
	"positionLedger/internal/refresh"
	"positionLedger/internal/storage/postgres"
	"positionLedger/internal/uniswapv3"
)

// app holds every wired component of one CLI invocation.
type app struct {
	cfg    config.Config
	logger *zap.Logger

	registry  *chain.Registry
	reader    *uniswapv3.Reader
	store     *postgres.Store
	redis     *redis.Client
	promReg   *prometheus.Registry
	metrics   *metrics.Metrics
	syncer    *ledgersync.Orchestrator
	refresher *refresh.Service
}

// setup loads configuration and a logger for cmd and returns a context cancelled on SIGINT/SIGTERM.
func setup(cmd *cobra.Command) (context.Context, context.CancelFunc, config.Config, *zap.Logger, error) {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return nil, nil, config.Config{}, nil, err
	}
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return nil, nil, config.Config{}, nil, err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	return ctx, stop, cfg, logger, nil
}

func newApp(ctx context.Context, cfg config.Config, logger *zap.Logger) (_ *app, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.registry, err = newRegistry(ctx, cfg.Chains)
	if err != nil {
		return nil, err
	}
	a.reader = uniswapv3.NewReader(a.registry,
		uniswapv3.WithRetry(cfg.MaxRetries, cfg.RetryBackoff),
		uniswapv3.WithReaderLogger(logger))

	decoder, err := uniswapv3.NewEventDecoder()
	if err != nil {
		return nil, err
	}
	events := indexer.NewEventIndexer(indexer.RunConfig{
		BatchSize:    cfg.BatchSize,
		MaxRetries:   cfg.MaxRetries,
		RetryBackoff: cfg.RetryBackoff,
	}, a.registry, decoder, logger)

	builderOpts := []ledger.BuilderOption{ledger.WithBlockTimes(a.registry), ledger.WithLogger(logger)}
	if cfg.ArchiveCheckpoints {
		builderOpts = append(builderOpts, ledger.WithCheckpoints(a.reader))
	}
	builder := ledger.NewBuilder(a.reader, builderOpts...)

	a.store, err = postgres.NewStore(ctx, cfg.PostgresDSN, logger)
	if err != nil {
		return nil, err
	}

	a.promReg = prometheus.NewRegistry()
	a.promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.New(a.promReg)

	trigger, err := a.aprTrigger(ctx)
	if err != nil {
		return nil, err
	}

	a.syncer, err = ledgersync.New(ledgersync.Config{
		Store:   a.store,
		Chains:  a.registry,
		Events:  events,
		Pools:   a.reader,
		Builder: builder,
		APR:     trigger,
		Metrics: a.metrics,
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}

	a.refresher, err = refresh.New(refresh.Config{
		Store:            a.store,
		Chains:           a.registry,
		Reader:           a.reader,
		Decoder:          decoder,
		Syncer:           a.syncer,
		Metrics:          a.metrics,
		Logger:           logger,
		CacheTTL:         cfg.CacheTTL,
		NewPositionGrace: cfg.NewPositionGrace,
		Workers:          cfg.Workers,
	})
	if err != nil {
		return nil, err
	}

	logger.Info("ledger ready",
		zap.Int("chains", len(cfg.Chains)),
		zap.String("pg_dsn", redactDSN(cfg.PostgresDSN)),
		zap.String("redis_addr", cfg.RedisAddr),
		zap.Bool("archive_checkpoints", cfg.ArchiveCheckpoints),
	)
	return a, nil
}

func newRegistry(ctx context.Context, chains []config.ChainConfig) (*chain.Registry, error) {
	entries := make([]chain.Chain, 0, len(chains))
	closeAll := func() {
		for _, e := range entries {
			e.Backend.(*chain.Client).Close()
		}
	}

	for _, c := range chains {
		manager, err := indexer.ParseAddress(c.PositionManager)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("chain %d position manager: %w", c.ChainID, err)
		}
		factory, err := indexer.ParseAddress(c.Factory)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("chain %d factory: %w", c.ChainID, err)
		}

		client, err := chain.NewClient(ctx, c.RPC)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("connect rpc for chain %d: %w", c.ChainID, err)
		}
		entries = append(entries, chain.Chain{
			ID:              c.ChainID,
			Backend:         client,
			PositionManager: manager,
			Factory:         factory,
			DeploymentBlock: c.DeploymentBlock,
			Finality:        c.HasFinality(),
		})

		reported, err := client.ChainID(ctx)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("chain %d id: %w", c.ChainID, err)
		}
		if !reported.IsUint64() || reported.Uint64() != c.ChainID {
			closeAll()
			return nil, &ledger.ConfigError{ChainID: c.ChainID, Err: fmt.Errorf("rpc reports chain %s", reported)}
		}
	}

	registry, err := chain.NewRegistry(entries...)
	if err != nil {
		closeAll()
		return nil, err
	}
	return registry, nil
}

func (a *app) aprTrigger(ctx context.Context) (ledgersync.APRTrigger, error) {
	if a.cfg.RedisAddr == "" {
		return apr.LogTrigger{Logger: a.logger}, nil
	}
	client, err := apr.Dial(ctx, a.cfg.RedisAddr)
	if err != nil {
		return nil, err
	}
	a.redis = client
	return apr.NewRedisTrigger(client, a.cfg.RedisChannel, a.logger), nil
}

// serveMetrics exposes /metrics until ctx is done. It is a no-op without a metrics address.
func (a *app) serveMetrics(ctx context.Context) {
	if a.cfg.MetricsAddr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.promReg, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: a.cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutCtx)
	}()
	go func() {
		a.logger.Info("metrics server listening", zap.String("addr", a.cfg.MetricsAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server failed", zap.Error(err))
		}
	}()
}

func (a *app) Close() {
	if a.store != nil {
		a.store.Close()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.registry != nil {
		a.registry.Close()
	}
}
