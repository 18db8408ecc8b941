package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"RampSettle/internal/chain"
	"RampSettle/internal/config"
	"RampSettle/internal/db"
	internalhttp "RampSettle/internal/http"
	"RampSettle/internal/logging"
	"RampSettle/internal/matching"
	"RampSettle/internal/payments"
	"RampSettle/internal/pricing"
	"RampSettle/internal/services"
	"RampSettle/internal/store"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		// The logger level comes from config, so fall back to the default.
		logging.New("info").Fatal("config load failed", zap.Error(err))
	}
	logger := logging.New(cfg.Log.Level).With(zap.String("service", "api"))
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(ctx, cfg.DB.DSN, cfg.DB.MaxConns)
	if err != nil {
		logger.Fatal("db connect failed", zap.Error(err))
	}
	defer pool.Close()
	st := store.New(pool)

	fallback, err := decimal.NewFromString(cfg.Pricing.FallbackMid)
	if err != nil {
		logger.Fatal("invalid pricing.fallback_mid", zap.Error(err))
	}
	adapter := &pricing.Adapter{
		Source:      pricing.NewHTTPSource(cfg.Pricing.Endpoints),
		Cache:       pricing.NewCache(time.Duration(cfg.Pricing.TTLSeconds) * time.Second),
		History:     st,
		SpreadBps:   cfg.Pricing.SpreadBps,
		FallbackMid: fallback,
		Logger:      logger.Named("pricing"),
	}
	var rates pricing.Provider = adapter
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, DB: cfg.Redis.DB})
		defer rdb.Close()
		rates = &pricing.Shared{
			Mirror: &pricing.Mirror{Client: rdb, Key: cfg.Redis.Key, TTL: time.Duration(cfg.Redis.TTLSeconds) * time.Second},
			Local:  adapter,
			Logger: logger.Named("pricing"),
		}
	}

	rpc, err := chain.NewMultiRPCClient(ctx, cfg.Chain.RPCEndpoints, cfg.Chain.FailoverThreshold)
	if err != nil {
		logger.Fatal("rpc connect failed", zap.Error(err))
	}
	defer rpc.Close()
	gateway, err := chain.NewEVMGateway(rpc, cfg.Chain.SettlementContract, cfg.Chain.PrivateKey, cfg.Chain.ChainID, chain.Retrier{
		Attempts:    cfg.Chain.MaxAttempts,
		BaseDelay:   time.Duration(cfg.Chain.BackoffMillis) * time.Millisecond,
		MaxDelay:    30 * time.Second,
		CallTimeout: time.Duration(cfg.Chain.CallTimeoutSeconds) * time.Second,
		Logger:      logger.Named("gateway"),
	}, logger.Named("gateway"))
	if err != nil {
		logger.Fatal("gateway init failed", zap.Error(err))
	}

	var deriver services.Deriver
	if cfg.Chain.WalletXPub != "" {
		deriver = chain.AddressDeriver{XPub: cfg.Chain.WalletXPub}
	} else {
		logger.Warn("wallet xpub not configured, instant sells disabled")
	}
	minFiat, err := decimal.NewFromString(cfg.Orders.MinFiat)
	if err != nil {
		logger.Fatal("invalid orders.min_fiat", zap.Error(err))
	}
	maxFiat, err := decimal.NewFromString(cfg.Orders.MaxFiat)
	if err != nil {
		logger.Fatal("invalid orders.max_fiat", zap.Error(err))
	}

	orderSvc := &services.OrderService{
		Ledger:     st,
		Deriver:    deriver,
		Rates:      rates,
		MinFiat:    minFiat,
		MaxFiat:    maxFiat,
		TTL:        time.Duration(cfg.Orders.TTLMinutes) * time.Minute,
		MemoPrefix: cfg.Webhook.MemoPrefix,
	}
	settlementSvc := &services.SettlementService{Ledger: st, Gateway: gateway, Logger: logger.Named("settlement")}
	processor := &payments.Processor{
		Ledger:  st,
		Matcher: &matching.Engine{Ledger: st, Rates: rates, BatchSize: cfg.Matching.BatchSize},
		Gateway: gateway,
		Secret:  cfg.Webhook.Secret,
		Tokens:  payments.NewTokenMatcher(cfg.Webhook.MemoPrefix),
		Logger:  logger.Named("payments"),
	}

	h := internalhttp.NewHandler(orderSvc, settlementSvc, processor, logger.Named("http"))
	srv := internalhttp.NewServer(h, internalhttp.ServerOptions{
		AdminToken: cfg.Admin.Token,
		Simulate:   !cfg.Production(),
	})

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("api listening",
			zap.String("addr", cfg.Server.Addr),
			zap.String("environment", cfg.Server.Environment),
			zap.String("rpc", rpc.BaseURL()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", zap.Error(err))
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(ctxShutdown)
}
