package main

import (
	"context"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/atlas402/x402-engine/internal/config"
	"github.com/atlas402/x402-engine/internal/db"
	"github.com/atlas402/x402-engine/internal/ledger"
	"github.com/atlas402/x402-engine/internal/verify"
	"github.com/atlas402/x402-engine/internal/worker"
	"github.com/atlas402/x402-engine/internal/x402"
)

func main() {
	_ = godotenv.Load()
	logger := zerolog.New(os.Stderr).With().Timestamp().Str("service", "worker").Logger()

	cfg, err := config.Load("")
	if err != nil {
		logger.Fatal().Err(err).Msg("config load failed")
	}
	if cfg.DB.DSN == "" {
		logger.Fatal().Msg("worker requires db.dsn: the in-memory ledger is per-process")
	}

	ctx := context.Background()
	pool, err := db.Connect(ctx, cfg.DB.DSN, cfg.DB.MaxConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("db connect failed")
	}
	defer pool.Close()

	table := x402.DefaultNetworkTable()
	timeout := time.Duration(cfg.Verification.TimeoutSeconds) * time.Second

	verifier, err := verify.New(verify.Config{
		Strategy:       string(cfg.Verification.Strategy),
		FacilitatorURL: cfg.Verification.FacilitatorURL,
		RPCURLBase:     cfg.Verification.RPCURLBase,
		RPCURLSolana:   cfg.Verification.RPCURLSolana,
		Networks:       table,
		Timeout:        timeout,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("verifier init failed")
	}

	w := &worker.Worker{
		Ledger:     ledger.NewPostgres(pool),
		Verifier:   verifier,
		Networks:   table,
		Interval:   time.Duration(cfg.Worker.IntervalSeconds) * time.Second,
		WSEndpoint: cfg.Verification.WSURLBase,
		Logger:     logger,
	}

	logger.Info().Dur("interval", w.Interval).Msg("worker started")
	w.Run(ctx)
}
