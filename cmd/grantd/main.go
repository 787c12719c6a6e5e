package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"grantledger/native/attestation"
	"grantledger/native/balance"
	"grantledger/native/claim"
	"grantledger/native/eligibility"
	"grantledger/native/grant"
	"grantledger/native/promotion"
	"grantledger/observability/logging"
	"grantledger/observability/otel"
	"grantledger/services/grantd"
	"grantledger/storage"
	"grantledger/storage/boltstore"
	"grantledger/storage/gormstore"
	"grantledger/storage/memstore"
)

func main() {
	configPath := flag.String("config", "services/grantd/config.yaml", "path to grantd config")
	flag.Parse()

	cfg, err := grantd.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Setup("grantd", cfg.Environment)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Telemetry.Metrics || cfg.Telemetry.Traces {
		shutdown, err := otel.Init(ctx, otel.Config{
			ServiceName: "grantd",
			Environment: cfg.Environment,
			Endpoint:    cfg.Telemetry.Endpoint,
			Insecure:    cfg.Telemetry.Insecure,
			Metrics:     cfg.Telemetry.Metrics,
			Traces:      cfg.Telemetry.Traces,
		})
		if err != nil {
			logger.Error("telemetry init failed", "error", err)
			os.Exit(1)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				logger.Warn("telemetry shutdown failed", "error", err)
			}
		}()
	}

	store, closeStore, err := openStore(cfg.Storage)
	if err != nil {
		logger.Error("storage init failed", "backend", cfg.Storage.Backend, "error", err)
		os.Exit(1)
	}
	defer closeStore()

	grantKey, err := cfg.Keys.GrantVerifyKey()
	if err != nil {
		logger.Error("grant key invalid", "error", err)
		os.Exit(1)
	}
	grantCodec, err := grant.NewCodec(grantKey)
	if err != nil {
		logger.Error("grant codec init failed", "error", err)
		os.Exit(1)
	}

	var verifier *attestation.SafetynetVerifier
	if cfg.Keys.SafetynetPublicKey != "" {
		safetynetKey, err := cfg.Keys.SafetynetVerifyKey()
		if err != nil {
			logger.Error("safetynet key invalid", "error", err)
			os.Exit(1)
		}
		verifier, err = attestation.NewSafetynetVerifier(safetynetKey)
		if err != nil {
			logger.Error("safetynet verifier init failed", "error", err)
			os.Exit(1)
		}
	}

	registry := promotion.NewRegistry(store, logger)
	issuer := attestation.NewIssuer(store, verifier, attestation.Config{
		NonceTTL:          cfg.Attestation.NonceTTL.Duration,
		CaptchaTTL:        cfg.Attestation.CaptchaTTL.Duration,
		AttestationMaxAge: cfg.Attestation.MaxAge.Duration,
		AllowedPackages:   cfg.Attestation.AllowedPackages,
	}, logger)
	resolver := eligibility.NewResolver(registry, store, store, issuer, eligibility.Config{
		AdsCountries:  cfg.Eligibility.AdsCountries,
		ClaimCooldown: cfg.Eligibility.ClaimCooldown.Duration,
	}, logger)
	claims := claim.NewEngine(store, store, store, resolver.AdsRegion, logger)

	var settlement balance.SettlementClient
	if cfg.Balance.Settlement.Endpoint != "" {
		settlement = grantd.NewSettlementClient(cfg.Balance.Settlement)
	}
	ledger := balance.NewLedger(store, settlement, cfg.Balance.CacheTTL.Duration, logger)

	srv := grantd.New(grantd.Deps{
		Store:      store,
		Registry:   registry,
		Resolver:   resolver,
		Claims:     claims,
		Issuer:     issuer,
		Ledger:     ledger,
		GrantCodec: grantCodec,
		AdminToken: cfg.Admin.BearerToken,
		Products:   cfg.Products,
		RateLimit:  cfg.RateLimit,
		Log:        logger,
	})

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("grantd listening", "addr", cfg.ListenAddress, "backend", cfg.Storage.Backend)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
}

func openStore(cfg grantd.StorageConfig) (storage.Store, func(), error) {
	switch cfg.Backend {
	case "memory":
		return memstore.New(), func() {}, nil
	case "bolt":
		store, err := boltstore.Open(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	case "postgres":
		db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{})
		if err != nil {
			return nil, nil, err
		}
		store, err := gormstore.New(db)
		if err != nil {
			return nil, nil, err
		}
		return store, func() {
			if sqlDB, err := db.DB(); err == nil {
				_ = sqlDB.Close()
			}
		}, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
