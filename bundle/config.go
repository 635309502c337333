package bundle

import (
	"errors"
	"os"
	"time"

	"github.com/gagliardetto/solana-go"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"
)

const (
	DefaultBundlePollInterval = 5 * time.Second
	DefaultStatusTimeout      = 120 * time.Second
	DefaultBundleTimeout      = 120 * time.Second
	DefaultRequestTimeout     = 30 * time.Second
)

var ErrInvalidEngineConfig = errors.New("invalid block engine configuration")

type EngineConfig struct {
	BlockEngineURL string        `yaml:"block_engine_url"`
	SimulationURL  string        `yaml:"simulation_url"`
	RPCURL         string        `yaml:"rpc_url"`
	AuthToken      string        `yaml:"auth_token"`
	RateLimit      float64       `yaml:"rate_limit"`
	RateBurst      int           `yaml:"rate_burst"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	Tips           struct {
		FeedURL          string   `yaml:"feed_url"`
		FallbackLamports uint64   `yaml:"fallback_lamports"`
		Accounts         []string `yaml:"accounts"`
	} `yaml:"tips"`
	Confirmation struct {
		PollInterval  time.Duration `yaml:"poll_interval"`
		StatusTimeout time.Duration `yaml:"status_timeout"`
		BundleTimeout time.Duration `yaml:"bundle_timeout"`
	} `yaml:"confirmation"`
	Retry struct {
		InitialDelay time.Duration `yaml:"initial_delay"`
		Multiplier   float64       `yaml:"multiplier"`
		Timeout      time.Duration `yaml:"timeout"`
	} `yaml:"retry"`
}

// LoadEngineConfig parses a block engine config from a file
func LoadEngineConfig(file string) (EngineConfig, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return EngineConfig{}, err
	}
	return ParseEngineConfig(data)
}

func ParseEngineConfig(data []byte) (EngineConfig, error) {
	var config EngineConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return EngineConfig{}, err
	}
	if config.BlockEngineURL == "" {
		return EngineConfig{}, errors.Join(ErrInvalidEngineConfig, errors.New("block_engine_url is required"))
	}
	if config.RequestTimeout == 0 {
		config.RequestTimeout = DefaultRequestTimeout
	}
	if _, err := config.TipAccounts(); err != nil {
		return EngineConfig{}, errors.Join(ErrInvalidEngineConfig, err)
	}
	return config, nil
}

// TipAccounts returns the configured tip accounts, or nil if the defaults should be used.
func (c EngineConfig) TipAccounts() ([]solana.PublicKey, error) {
	if len(c.Tips.Accounts) == 0 {
		return nil, nil
	}
	accounts := make([]solana.PublicKey, len(c.Tips.Accounts))
	for i, s := range c.Tips.Accounts {
		pk, err := solana.PublicKeyFromBase58(s)
		if err != nil {
			return nil, err
		}
		accounts[i] = pk
	}
	return accounts, nil
}

func (c EngineConfig) EngineOpts() JSONRPCBlockEngineOpts {
	limit := rate.Inf
	if c.RateLimit > 0 {
		limit = rate.Limit(c.RateLimit)
	}
	return JSONRPCBlockEngineOpts{
		BlockEngineURL: c.BlockEngineURL,
		SimulationURL:  c.SimulationURL,
		AuthToken:      c.AuthToken,
		RateLimit:      limit,
		RateBurst:      c.RateBurst,
		RequestTimeout: c.RequestTimeout,
	}
}

func (c EngineConfig) CoordinatorConfig() Config {
	cfg := DefaultConfig
	if c.Confirmation.PollInterval > 0 {
		cfg.BundlePollInterval = c.Confirmation.PollInterval
	}
	if c.Confirmation.StatusTimeout > 0 {
		cfg.StatusTimeout = c.Confirmation.StatusTimeout
	}
	if c.Confirmation.BundleTimeout > 0 {
		cfg.BundleTimeout = c.Confirmation.BundleTimeout
	}
	if c.Retry.InitialDelay > 0 {
		cfg.Retry.InitialDelay = c.Retry.InitialDelay
	}
	if c.Retry.Multiplier > 0 {
		cfg.Retry.Multiplier = c.Retry.Multiplier
	}
	if c.Retry.Timeout > 0 {
		cfg.Retry.Timeout = c.Retry.Timeout
	}
	return cfg
}
