package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"RampSettle/internal/chain"
	"RampSettle/internal/config"
	"RampSettle/internal/db"
	"RampSettle/internal/logging"
	"RampSettle/internal/pricing"
	"RampSettle/internal/store"
	"RampSettle/internal/worker"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		logging.New("info").Fatal("config load failed", zap.Error(err))
	}
	logger := logging.New(cfg.Log.Level).With(zap.String("service", "worker"))
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
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, DB: cfg.Redis.DB})
		defer rdb.Close()
		adapter.Mirror = &pricing.Mirror{Client: rdb, Key: cfg.Redis.Key, TTL: time.Duration(cfg.Redis.TTLSeconds) * time.Second}
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

	wsEndpoints := cfg.Chain.WSEndpoints
	if len(wsEndpoints) == 0 {
		for _, ep := range cfg.Chain.RPCEndpoints {
			if ws := chain.DefaultWSEndpoint(ep); ws != "" {
				wsEndpoints = append(wsEndpoints, ws)
			}
		}
	}
	if !common.IsHexAddress(cfg.Chain.TokenContract) {
		logger.Fatal("invalid chain.token_contract", zap.String("token", cfg.Chain.TokenContract))
	}

	w := &worker.Worker{
		Ledger:           st,
		Gateway:          gateway,
		Rates:            adapter,
		Refresher:        adapter,
		Chain:            rpc,
		Token:            common.HexToAddress(cfg.Chain.TokenContract),
		Custody:          cfg.Chain.CustodyAddress,
		BatchSize:        cfg.Matching.BatchSize,
		ConfirmDepth:     uint64(max(cfg.Chain.ConfirmDepth, 0)),
		StartHeight:      uint64(max(cfg.Worker.StartHeight, 0)),
		MaxBlocksPerTick: uint64(max(cfg.Worker.MaxBlocksPerTick, 0)),
		RateInterval:     time.Duration(cfg.Worker.RateIntervalSeconds) * time.Second,
		ExpiryInterval:   time.Duration(cfg.Worker.ExpiryIntervalSeconds) * time.Second,
		EscrowInterval:   time.Duration(cfg.Worker.EscrowIntervalSeconds) * time.Second,
		DepositInterval:  time.Duration(cfg.Worker.DepositIntervalSeconds) * time.Second,
		WSEndpoints:      wsEndpoints,
		Logger:           logger,
	}

	if cfg.Worker.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer := &http.Server{Addr: cfg.Worker.MetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server error", zap.Error(err))
			}
		}()
		defer metricsServer.Close()
	}

	logger.Info("worker started",
		zap.String("rpc", rpc.BaseURL()),
		zap.Strings("ws", wsEndpoints),
		zap.Uint64("confirm_depth", w.ConfirmDepth))
	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped", zap.Error(err))
	}
}
