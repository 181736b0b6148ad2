package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/atlas402/x402-engine/internal/config"
	"github.com/atlas402/x402-engine/internal/db"
	"github.com/atlas402/x402-engine/internal/httpapi"
	"github.com/atlas402/x402-engine/internal/ledger"
	"github.com/atlas402/x402-engine/internal/verify"
	"github.com/atlas402/x402-engine/internal/worker"
	"github.com/atlas402/x402-engine/internal/x402"
)

func main() {
	_ = godotenv.Load()
	logger := zerolog.New(os.Stderr).With().Timestamp().Str("service", "api").Logger()

	cfg, err := config.Load("")
	if err != nil {
		logger.Fatal().Err(err).Msg("config load failed")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var store ledger.Ledger
	if cfg.DB.DSN != "" {
		pool, err := db.Connect(ctx, cfg.DB.DSN, cfg.DB.MaxConns)
		if err != nil {
			logger.Fatal().Err(err).Msg("db connect failed")
		}
		defer pool.Close()
		store = ledger.NewPostgres(pool)
	} else {
		logger.Warn().Msg("no db dsn configured, using in-memory ledger")
		store = ledger.NewMemory()
	}

	networks := make([]x402.Network, 0, len(cfg.Payment.SupportedNetworks))
	for _, n := range cfg.Payment.SupportedNetworks {
		networks = append(networks, x402.Network(n))
	}
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

	builder := x402.Builder{Networks: table, Timeout: timeout}
	h := httpapi.NewHandler(
		cfg.Payment.Price,
		cfg.Payment.PayTo,
		cfg.Payment.PayToSol,
		networks,
		builder,
		verifier,
		store,
		logger,
	)
	srv := httpapi.NewServer(h)

	if cfg.Worker.Enabled {
		w := &worker.Worker{
			Ledger:     store,
			Verifier:   verifier,
			Networks:   table,
			Interval:   time.Duration(cfg.Worker.IntervalSeconds) * time.Second,
			WSEndpoint: cfg.Verification.WSURLBase,
			Logger:     logger.With().Str("component", "worker").Logger(),
		}
		go w.Run(ctx)
	}

	httpServer := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: srv.Router,
	}

	go func() {
		logger.Info().Str("addr", cfg.Server.Addr).Msg("api listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	cancel()

	ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(ctxShutdown)
}
