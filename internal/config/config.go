package config

import (
	"errors"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type Strategy string

const (
	StrategyFacilitator Strategy = "facilitator"
	StrategyDirect      Strategy = "direct"
)

type Config struct {
	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`
	DB struct {
		// DSN may be empty, in which case the in-memory ledger is used
		// and nothing survives a restart.
		DSN      string `yaml:"dsn"`
		MaxConns int32  `yaml:"max_conns"`
	} `yaml:"db"`
	Payment struct {
		Price             string   `yaml:"price"`
		Description       string   `yaml:"description"`
		PayTo             string   `yaml:"pay_to"`
		PayToSol          string   `yaml:"pay_to_sol"`
		SupportedNetworks []string `yaml:"supported_networks"`
	} `yaml:"payment"`
	Verification struct {
		Strategy       Strategy `yaml:"strategy"`
		FacilitatorURL string   `yaml:"facilitator_url"`
		RPCURLBase     string   `yaml:"rpc_url_base"`
		RPCURLSolana   string   `yaml:"rpc_url_solana"`
		WSURLBase      string   `yaml:"ws_url_base"`
		TimeoutSeconds int      `yaml:"timeout_seconds"`
	} `yaml:"verification"`
	Worker struct {
		Enabled         bool  `yaml:"enabled"`
		IntervalSeconds int64 `yaml:"interval_seconds"`
	} `yaml:"worker"`
}

func Load(path string) (*Config, error) {
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
	if cfg.Payment.PayTo == "" && cfg.Payment.PayToSol == "" {
		return nil, errors.New("payment.pay_to or payment.pay_to_sol is required")
	}
	switch cfg.Verification.Strategy {
	case StrategyFacilitator:
		if cfg.Verification.FacilitatorURL == "" {
			return nil, errors.New("verification.facilitator_url is required for facilitator strategy")
		}
	case StrategyDirect:
	default:
		return nil, errors.New("verification.strategy must be facilitator or direct")
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Payment.Price == "" {
		cfg.Payment.Price = "$1.00"
	}
	if len(cfg.Payment.SupportedNetworks) == 0 {
		cfg.Payment.SupportedNetworks = []string{"base", "solana-mainnet"}
	}
	if cfg.Verification.Strategy == "" {
		cfg.Verification.Strategy = StrategyFacilitator
	}
	if cfg.Verification.RPCURLBase == "" {
		cfg.Verification.RPCURLBase = "https://mainnet.base.org"
	}
	if cfg.Verification.RPCURLSolana == "" {
		cfg.Verification.RPCURLSolana = "https://api.mainnet-beta.solana.com"
	}
	if cfg.Verification.TimeoutSeconds <= 0 {
		cfg.Verification.TimeoutSeconds = 30
	}
	if cfg.DB.MaxConns <= 0 {
		cfg.DB.MaxConns = 10
	}
	if cfg.Worker.IntervalSeconds <= 0 {
		cfg.Worker.IntervalSeconds = 20
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("DB_DSN"); v != "" {
		cfg.DB.DSN = v
	}
	if v := os.Getenv("DB_MAX_CONNS"); v != "" {
		cfg.DB.MaxConns = int32(atoiOr(int(cfg.DB.MaxConns), v))
	}
	if v := os.Getenv("X402_PRICE"); v != "" {
		cfg.Payment.Price = v
	}
	if v := os.Getenv("X402_PAY_TO"); v != "" {
		cfg.Payment.PayTo = v
	}
	if v := os.Getenv("X402_PAY_TO_SOL"); v != "" {
		cfg.Payment.PayToSol = v
	}
	if v := os.Getenv("X402_NETWORKS"); v != "" {
		cfg.Payment.SupportedNetworks = splitCommaList(v)
	}
	if v := os.Getenv("X402_STRATEGY"); v != "" {
		cfg.Verification.Strategy = Strategy(v)
	}
	if v := os.Getenv("FACILITATOR_URL"); v != "" {
		cfg.Verification.FacilitatorURL = v
	}
	if v := os.Getenv("RPC_URL_BASE"); v != "" {
		cfg.Verification.RPCURLBase = v
	}
	if v := os.Getenv("RPC_URL_SOLANA"); v != "" {
		cfg.Verification.RPCURLSolana = v
	}
	if v := os.Getenv("WS_URL_BASE"); v != "" {
		cfg.Verification.WSURLBase = v
	}
	if v := os.Getenv("VERIFY_TIMEOUT_SECONDS"); v != "" {
		cfg.Verification.TimeoutSeconds = atoiOr(cfg.Verification.TimeoutSeconds, v)
	}
	if v := os.Getenv("WORKER_ENABLED"); v != "" {
		cfg.Worker.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("WORKER_INTERVAL_SECONDS"); v != "" {
		cfg.Worker.IntervalSeconds = atoi64Or(cfg.Worker.IntervalSeconds, v)
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
