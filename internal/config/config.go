package config

import (
	"errors"
	"os"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const EnvProduction = "production"

type Endpoint struct {
	URL   string `yaml:"url"`
	Field string `yaml:"field"`
}

type Config struct {
	Server struct {
		Addr        string `yaml:"addr"`
		Environment string `yaml:"environment"`
	} `yaml:"server"`
	DB struct {
		DSN      string `yaml:"dsn"`
		MaxConns int32  `yaml:"max_conns"`
	} `yaml:"db"`
	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
	Redis struct {
		Addr       string `yaml:"addr"`
		DB         int    `yaml:"db"`
		Key        string `yaml:"key"`
		TTLSeconds int    `yaml:"ttl_seconds"`
	} `yaml:"redis"`
	Webhook struct {
		Secret     string `yaml:"secret"`
		MemoPrefix string `yaml:"memo_prefix"`
	} `yaml:"webhook"`
	Admin struct {
		Token string `yaml:"token"`
	} `yaml:"admin"`
	Chain struct {
		ChainID            int64    `yaml:"chain_id"`
		RPCEndpoints       []string `yaml:"rpc_endpoints"`
		WSEndpoints        []string `yaml:"ws_endpoints"`
		SettlementContract string   `yaml:"settlement_contract"`
		TokenContract      string   `yaml:"token_contract"`
		CustodyAddress     string   `yaml:"custody_address"`
		PrivateKey         string   `yaml:"private_key"`
		WalletXPub         string   `yaml:"wallet_xpub"`
		ConfirmDepth       int      `yaml:"confirm_depth"`
		CallTimeoutSeconds int      `yaml:"call_timeout_seconds"`
		MaxAttempts        int      `yaml:"max_attempts"`
		BackoffMillis      int      `yaml:"backoff_ms"`
		FailoverThreshold  int      `yaml:"failover_threshold"`
	} `yaml:"chain"`
	Orders struct {
		TTLMinutes int    `yaml:"ttl_minutes"`
		MinFiat    string `yaml:"min_fiat"`
		MaxFiat    string `yaml:"max_fiat"`
	} `yaml:"orders"`
	Pricing struct {
		Endpoints   []Endpoint `yaml:"endpoints"`
		SpreadBps   int64      `yaml:"spread_bps"`
		TTLSeconds  int        `yaml:"ttl_seconds"`
		FallbackMid string     `yaml:"fallback_mid"`
	} `yaml:"pricing"`
	Matching struct {
		BatchSize int `yaml:"batch_size"`
	} `yaml:"matching"`
	Worker struct {
		RateIntervalSeconds    int64  `yaml:"rate_interval_seconds"`
		ExpiryIntervalSeconds  int64  `yaml:"expiry_interval_seconds"`
		EscrowIntervalSeconds  int64  `yaml:"escrow_interval_seconds"`
		DepositIntervalSeconds int64  `yaml:"deposit_interval_seconds"`
		StartHeight            int64  `yaml:"start_height"`
		MaxBlocksPerTick       int64  `yaml:"max_blocks_per_tick"`
		MetricsAddr            string `yaml:"metrics_addr"`
	} `yaml:"worker"`
}

func (c *Config) Production() bool {
	return c.Server.Environment == EnvProduction
}

func Load(path string) (*Config, error) {
	// .env is optional; real environment variables still win.
	_ = godotenv.Load()

	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path = "configs/config.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)

	if cfg.Server.Addr == "" {
		return nil, errors.New("server.addr is required")
	}
	if cfg.DB.DSN == "" {
		return nil, errors.New("db.dsn is required")
	}
	if len(cfg.Chain.RPCEndpoints) == 0 || cfg.Chain.SettlementContract == "" || cfg.Chain.TokenContract == "" {
		return nil, errors.New("chain config is incomplete")
	}
	if !common.IsHexAddress(cfg.Chain.CustodyAddress) || common.HexToAddress(cfg.Chain.CustodyAddress) == (common.Address{}) {
		return nil, errors.New("chain.custody_address must be a non-zero address")
	}
	if cfg.Webhook.Secret == "" {
		return nil, errors.New("webhook.secret is required")
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Environment == "" {
		cfg.Server.Environment = "development"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Redis.Key == "" {
		cfg.Redis.Key = "rates:latest"
	}
	if cfg.Redis.TTLSeconds <= 0 {
		cfg.Redis.TTLSeconds = 300
	}
	if cfg.Webhook.MemoPrefix == "" {
		cfg.Webhook.MemoPrefix = "RS"
	}
	if cfg.Chain.CallTimeoutSeconds <= 0 {
		cfg.Chain.CallTimeoutSeconds = 60
	}
	if cfg.Chain.MaxAttempts <= 0 {
		cfg.Chain.MaxAttempts = 3
	}
	if cfg.Chain.BackoffMillis <= 0 {
		cfg.Chain.BackoffMillis = 500
	}
	if cfg.Chain.FailoverThreshold <= 0 {
		cfg.Chain.FailoverThreshold = 3
	}
	if cfg.Orders.TTLMinutes <= 0 {
		cfg.Orders.TTLMinutes = 30
	}
	if cfg.Pricing.SpreadBps <= 0 {
		cfg.Pricing.SpreadBps = 50
	}
	if cfg.Pricing.TTLSeconds <= 0 {
		cfg.Pricing.TTLSeconds = 300
	}
	if cfg.Pricing.FallbackMid == "" {
		cfg.Pricing.FallbackMid = "25000"
	}
	if cfg.Matching.BatchSize <= 0 {
		cfg.Matching.BatchSize = 50
	}
	if cfg.Worker.RateIntervalSeconds <= 0 {
		cfg.Worker.RateIntervalSeconds = 60
	}
	if cfg.Worker.ExpiryIntervalSeconds <= 0 {
		cfg.Worker.ExpiryIntervalSeconds = 60
	}
	if cfg.Worker.EscrowIntervalSeconds <= 0 {
		cfg.Worker.EscrowIntervalSeconds = 60
	}
	if cfg.Worker.DepositIntervalSeconds <= 0 {
		cfg.Worker.DepositIntervalSeconds = 20
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("ENVIRONMENT"); v != "" {
		cfg.Server.Environment = v
	}
	if v := os.Getenv("DB_DSN"); v != "" {
		cfg.DB.DSN = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("WEBHOOK_SECRET"); v != "" {
		cfg.Webhook.Secret = v
	}
	if v := os.Getenv("ADMIN_TOKEN"); v != "" {
		cfg.Admin.Token = v
	}
	if v := os.Getenv("CHAIN_ID"); v != "" {
		cfg.Chain.ChainID = atoi64Or(cfg.Chain.ChainID, v)
	}
	if v := os.Getenv("RPC_ENDPOINTS"); v != "" {
		cfg.Chain.RPCEndpoints = splitCommaList(v)
	}
	if v := os.Getenv("WS_ENDPOINTS"); v != "" {
		cfg.Chain.WSEndpoints = splitCommaList(v)
	}
	if v := os.Getenv("SETTLEMENT_CONTRACT"); v != "" {
		cfg.Chain.SettlementContract = v
	}
	if v := os.Getenv("TOKEN_CONTRACT"); v != "" {
		cfg.Chain.TokenContract = v
	}
	if v := os.Getenv("CUSTODY_ADDRESS"); v != "" {
		cfg.Chain.CustodyAddress = v
	}
	if v := os.Getenv("GATEWAY_PRIVATE_KEY"); v != "" {
		cfg.Chain.PrivateKey = v
	}
	if v := os.Getenv("WALLET_XPUB"); v != "" {
		cfg.Chain.WalletXPub = v
	}
	if v := os.Getenv("CONFIRM_DEPTH"); v != "" {
		cfg.Chain.ConfirmDepth = atoiOr(cfg.Chain.ConfirmDepth, v)
	}
	if v := os.Getenv("ORDER_TTL_MINUTES"); v != "" {
		cfg.Orders.TTLMinutes = atoiOr(cfg.Orders.TTLMinutes, v)
	}
	if v := os.Getenv("SPREAD_BPS"); v != "" {
		cfg.Pricing.SpreadBps = atoi64Or(cfg.Pricing.SpreadBps, v)
	}
	if v := os.Getenv("MATCHING_BATCH_SIZE"); v != "" {
		cfg.Matching.BatchSize = atoiOr(cfg.Matching.BatchSize, v)
	}
	if v := os.Getenv("WORKER_START_HEIGHT"); v != "" {
		cfg.Worker.StartHeight = atoi64Or(cfg.Worker.StartHeight, v)
	}
	if v := os.Getenv("WORKER_MAX_BLOCKS_PER_TICK"); v != "" {
		cfg.Worker.MaxBlocksPerTick = atoi64Or(cfg.Worker.MaxBlocksPerTick, v)
	}
	if v := os.Getenv("WORKER_METRICS_ADDR"); v != "" {
		cfg.Worker.MetricsAddr = v
	}
}

func splitCommaList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

func atoiOr(fallback int, v string) int {
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func atoi64Or(fallback int64, v string) int64 {
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}
