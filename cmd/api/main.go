package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/gopalakrishnasudarshan/CoreBank/internal/api"
	"github.com/gopalakrishnasudarshan/CoreBank/internal/config"
	"github.com/gopalakrishnasudarshan/CoreBank/internal/ledger"
	"github.com/gopalakrishnasudarshan/CoreBank/internal/money"
	"github.com/gopalakrishnasudarshan/CoreBank/internal/store"
	"github.com/gopalakrishnasudarshan/CoreBank/internal/store/memory"
	"github.com/gopalakrishnasudarshan/CoreBank/internal/store/postgres"
	"github.com/gopalakrishnasudarshan/CoreBank/internal/store/sqlite"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := newStore(ctx, cfg)
	if err != nil {
		logger.Fatal("store init failed", zap.Error(err))
	}
	defer st.Close()

	engineCfg := ledger.Config{
		MaxAttempts:    cfg.Ledger.MaxAttempts,
		RetryBaseDelay: time.Duration(cfg.Ledger.RetryBaseDelayMS) * time.Millisecond,
	}
	if cfg.Ledger.LowBalanceThreshold != "" {
		threshold, err := money.Parse(cfg.Ledger.LowBalanceThreshold)
		if err != nil {
			logger.Fatal("bad low_balance_threshold", zap.Error(err))
		}
		engineCfg.LowBalanceThreshold = threshold
	}
	engine := ledger.New(st, logger, engineCfg)
	handler := api.NewHandler(st, engine, logger)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: handler.Router(),
	}

	go func() {
		logger.Info("server starting", zap.String("port", cfg.Port), zap.String("store", cfg.StoreDriver))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown failed", zap.Error(err))
	}
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	var zcfg zap.Config
	if cfg.Env == "production" {
		zcfg = zap.NewProductionConfig()
	} else {
		zcfg = zap.NewDevelopmentConfig()
	}
	level, err := zap.ParseAtomicLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	zcfg.Level = level
	return zcfg.Build()
}

func newStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.StoreDriver {
	case "postgres":
		st, err := postgres.New(ctx, cfg.DBSource)
		if err != nil {
			return nil, err
		}
		if err := st.Migrate(ctx); err != nil {
			st.Close()
			return nil, err
		}
		return st, nil
	case "sqlite":
		return sqlite.New(cfg.DBSource)
	default:
		return memory.New(), nil
	}
}
