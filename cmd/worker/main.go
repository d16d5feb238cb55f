package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"gopegbridge/EVMRPC"
	"gopegbridge/assetrpc"
	"gopegbridge/config"
	"gopegbridge/pgstore"
	"gopegbridge/queue"
	"gopegbridge/workers"
)

func main() {
	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	log.Info("starting USDT/FINTEH.USDT bridge worker")

	config.Init()

	if err := run(log); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal("worker exited", zap.Error(err))
	}
	log.Info("worker stopped")
}

func run(log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := &config.Config

	if err := pgstore.Migrate(cfg.Postgres.DSN, cfg.Postgres.MigrationsPath); err != nil {
		return fmt.Errorf("migrating database: %w", err)
	}
	store, err := pgstore.Connect(ctx, cfg.Postgres.DSN, log)
	if err != nil {
		return err
	}
	defer store.Close()

	evm, err := EVMRPC.New(cfg, log)
	if err != nil {
		return fmt.Errorf("initializing EVM client: %w", err)
	}
	asset, err := assetrpc.New(cfg, log)
	if err != nil {
		return fmt.Errorf("initializing asset client: %w", err)
	}

	tracker := workers.NewTracker(store, log,
		time.Duration(cfg.Bridge.PollIntervalSec)*time.Second,
		cfg.Bridge.MaxPollAttempts,
		cfg.Bridge.RequiredConfirmations)
	scanner := workers.NewScanner(tracker, log, cfg.Bridge.BlockBatchSize)
	orch := workers.NewOrchestrator(store, evm, asset, tracker, scanner, log,
		cfg.EVM.PublicAddress, cfg.Asset.Account)

	q := queue.New(cfg.Server.RedisHost, cfg.Server.RedisPort, cfg.Queue.Name, log)
	worker := queue.NewWorker(q, cfg.Queue.MaxAttempts, log)
	orch.Register(worker)

	api := workers.NewAPI(store, q, log)
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: api.Router(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return worker.Run(gctx)
	})
	g.Go(func() error {
		log.Info("http listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
