// Package config loads the lendd configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"github.com/luxfi/lend/pkg/events"
	"github.com/luxfi/lend/pkg/fixedpoint"
	"github.com/luxfi/lend/pkg/lending"
	"github.com/luxfi/lend/pkg/store"
)

var ErrInvalid = errors.New("invalid config")

// Config is the full daemon configuration.
type Config struct {
	LogLevel string `yaml:"log_level"`
	// DataDir holds the badger database. Relative paths are taken from $HOME.
	DataDir string        `yaml:"data_dir"`
	DB      DBConfig      `yaml:"db"`
	Pool    PoolConfig    `yaml:"pool"`
	Servers ServersConfig `yaml:"servers"`
	NATS    NATSConfig    `yaml:"nats"`
	Dev     DevConfig     `yaml:"dev"`
}

type DBConfig struct {
	Backend   string `yaml:"backend"`
	Namespace string `yaml:"namespace"`
}

type TokenConfig struct {
	Symbol   string `yaml:"symbol"`
	Decimals int32  `yaml:"decimals"`
}

type PoolConfig struct {
	Custody                 string      `yaml:"custody"`
	Broadcaster             string      `yaml:"broadcaster"`
	ValueToken              TokenConfig `yaml:"value_token"`
	CollateralToken         TokenConfig `yaml:"collateral_token"`
	PricePrecision          uint64      `yaml:"price_precision"`
	InitialPrice            string      `yaml:"initial_price"`
	CollateralRatioBps      uint64      `yaml:"collateral_ratio_bps"`
	LiquidationThresholdBps uint64      `yaml:"liquidation_threshold_bps"`
	PartialFill             bool        `yaml:"partial_fill"`
	RepayPolicy             string      `yaml:"repay_policy"`
	MaxSlippageBps          uint64      `yaml:"max_slippage_bps"`
}

// ServersConfig holds listen addresses. An empty address disables the server.
type ServersConfig struct {
	HTTP          string        `yaml:"http"`
	WS            string        `yaml:"ws"`
	GRPC          string        `yaml:"grpc"`
	Metrics       string        `yaml:"metrics"`
	StatsInterval time.Duration `yaml:"stats_interval"`
}

type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// DevConfig seeds an in-process swap venue and enables the token faucet.
type DevConfig struct {
	Enabled bool        `yaml:"enabled"`
	Faucet  bool        `yaml:"faucet"`
	Venue   VenueConfig `yaml:"venue"`
}

type VenueConfig struct {
	Address           string `yaml:"address"`
	ValueReserve      string `yaml:"value_reserve"`
	CollateralReserve string `yaml:"collateral_reserve"`
	FeeBps            uint64 `yaml:"fee_bps"`
}

// Default returns the development configuration.
func Default() *Config {
	pool := lending.DefaultConfig()
	return &Config{
		LogLevel: "info",
		DataDir:  ".lend",
		DB: DBConfig{
			Backend:   store.BackendBadger,
			Namespace: string(store.DefaultNamespace),
		},
		Pool: PoolConfig{
			Custody:                 "0x000000000000000000000000000000000000C0De",
			Broadcaster:             "0x00000000000000000000000000000000000B0Ad0",
			ValueToken:              TokenConfig{Symbol: "USDT", Decimals: 18},
			CollateralToken:         TokenConfig{Symbol: "HUB", Decimals: 18},
			PricePrecision:          pool.PricePrecision,
			InitialPrice:            "1000000",
			CollateralRatioBps:      pool.CollateralRatioBps,
			LiquidationThresholdBps: pool.LiquidationThresholdBps,
			PartialFill:             pool.PartialFill,
			RepayPolicy:             string(pool.RepayPolicy),
			MaxSlippageBps:          pool.MaxSlippageBps,
		},
		Servers: ServersConfig{
			HTTP:          ":8080",
			WS:            ":8081",
			GRPC:          ":9000",
			Metrics:       ":9090",
			StatsInterval: 5 * time.Second,
		},
		NATS: NATSConfig{
			SubjectPrefix: events.DefaultSubjectPrefix,
		},
		Dev: DevConfig{
			Venue: VenueConfig{
				Address:           "0x00000000000000000000000000000000000D0E5A",
				ValueReserve:      "1000000",
				CollateralReserve: "1000000",
				FeeBps:            30,
			},
		},
	}
}

// Load reads path over the defaults. Environment variables are expanded first.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks everything the daemon needs before it starts.
func (c *Config) Validate() error {
	switch c.DB.Backend {
	case store.BackendMemory, store.BackendBadger:
	default:
		return fmt.Errorf("%w: unknown db backend %q", ErrInvalid, c.DB.Backend)
	}
	for _, tc := range []TokenConfig{c.Pool.ValueToken, c.Pool.CollateralToken} {
		if tc.Symbol == "" {
			return fmt.Errorf("%w: token symbol is required", ErrInvalid)
		}
		if tc.Decimals < 0 || tc.Decimals > 36 {
			return fmt.Errorf("%w: %s decimals %d out of range", ErrInvalid, tc.Symbol, tc.Decimals)
		}
	}
	if c.Servers.StatsInterval <= 0 {
		return fmt.Errorf("%w: stats interval must be positive", ErrInvalid)
	}
	if _, err := c.LendingConfig(); err != nil {
		return err
	}
	if c.Dev.Enabled {
		if _, err := parseAddress("dev venue", c.Dev.Venue.Address); err != nil {
			return err
		}
		if c.Dev.Venue.FeeBps >= fixedpoint.BasisPoints {
			return fmt.Errorf("%w: venue fee %d bps", ErrInvalid, c.Dev.Venue.FeeBps)
		}
		if _, _, err := c.VenueReserves(); err != nil {
			return err
		}
	}
	return nil
}

// LendingConfig converts the pool section.
func (c *Config) LendingConfig() (lending.Config, error) {
	custody, err := parseAddress("custody", c.Pool.Custody)
	if err != nil {
		return lending.Config{}, err
	}
	broadcaster, err := parseAddress("broadcaster", c.Pool.Broadcaster)
	if err != nil {
		return lending.Config{}, err
	}

	cfg := lending.Config{
		Address:                 custody,
		Broadcaster:             broadcaster,
		PricePrecision:          c.Pool.PricePrecision,
		CollateralRatioBps:      c.Pool.CollateralRatioBps,
		LiquidationThresholdBps: c.Pool.LiquidationThresholdBps,
		PartialFill:             c.Pool.PartialFill,
		RepayPolicy:             lending.RepayPolicy(c.Pool.RepayPolicy),
		MaxSlippageBps:          c.Pool.MaxSlippageBps,
	}
	if c.Pool.InitialPrice != "" {
		price, ok := new(big.Int).SetString(c.Pool.InitialPrice, 10)
		if !ok {
			return lending.Config{}, fmt.Errorf("%w: initial price %q", ErrInvalid, c.Pool.InitialPrice)
		}
		cfg.InitialPrice = price
	}
	if err := cfg.Validate(); err != nil {
		return lending.Config{}, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return cfg, nil
}

// VenueReserves parses the dev venue seed amounts in token units.
func (c *Config) VenueReserves() (value, collateral *big.Int, err error) {
	value, err = fixedpoint.ParseUnits(c.Dev.Venue.ValueReserve, c.Pool.ValueToken.Decimals)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: value reserve: %v", ErrInvalid, err)
	}
	collateral, err = fixedpoint.ParseUnits(c.Dev.Venue.CollateralReserve, c.Pool.CollateralToken.Decimals)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: collateral reserve: %v", ErrInvalid, err)
	}
	if value.Sign() <= 0 || collateral.Sign() <= 0 {
		return nil, nil, fmt.Errorf("%w: venue reserves must be positive", ErrInvalid)
	}
	return value, collateral, nil
}

// StoreConfig resolves the database location.
func (c *Config) StoreConfig() store.Config {
	cfg := store.Config{
		Backend:   c.DB.Backend,
		Namespace: []byte(c.DB.Namespace),
	}
	if c.DB.Backend == store.BackendBadger {
		cfg.Path = filepath.Join(c.dataPath(), "badgerdb")
	}
	return cfg
}

func (c *Config) dataPath() string {
	if filepath.IsAbs(c.DataDir) {
		return c.DataDir
	}
	return filepath.Join(os.Getenv("HOME"), c.DataDir)
}

func parseAddress(name, s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: %s address %q", ErrInvalid, name, s)
	}
	return common.HexToAddress(s), nil
}
