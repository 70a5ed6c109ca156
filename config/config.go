// Package config loads the gigflow process configuration from YAML with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Listen      string `yaml:"listen"`
	DatabaseURL string `yaml:"database_url"`
	JWTSecret   string `yaml:"jwt_secret"`
	DataDir     string `yaml:"data_dir"`
	// FeedOrigins are the browser origins allowed on the event feed besides
	// the server's own host.
	FeedOrigins []string `yaml:"feed_origins"`

	Log      Log      `yaml:"log"`
	Market   Market   `yaml:"market"`
	Keeper   Keeper   `yaml:"keeper"`
	Operator Operator `yaml:"operator"`
}

// Operator is the login bound to the root wallet. An empty email disables it.
type Operator struct {
	Email    string `yaml:"email"`
	Password string `yaml:"password"`
}

type Log struct {
	// Level applies to every subsystem not listed in Subsystems.
	Level      string            `yaml:"level"`
	Subsystems map[string]string `yaml:"subsystems"`
}

type Market struct {
	// RootSeed derives the operator wallet that owns the coordinator.
	RootSeed         string `yaml:"root_seed"`
	RootFunding      uint64 `yaml:"root_funding"`
	FeeNumerator     uint64 `yaml:"fee_numerator"`
	FeeDenominator   uint64 `yaml:"fee_denominator"`
	UserCreationFee  uint64 `yaml:"user_creation_fee"`
	OrderCreationFee uint64 `yaml:"order_creation_fee"`
	PanelSize        uint32 `yaml:"panel_size"`
	MaxResponses     uint32 `yaml:"max_responses"`
	// WalletFunding is credited to every party wallet on registration.
	WalletFunding uint64 `yaml:"wallet_funding"`
}

type Keeper struct {
	Enabled     bool          `yaml:"enabled"`
	WalletSeed  string        `yaml:"wallet_seed"`
	Interval    time.Duration `yaml:"interval"`
	Concurrency int           `yaml:"concurrency"`
}

// Default is the configuration used when no file is given.
func Default() Config {
	return Config{
		Listen:  ":8080",
		DataDir: "data",
		Log:     Log{Level: "info"},
		Market: Market{
			RootSeed:         "gigflow-root",
			RootFunding:      1_000_000_000_000,
			FeeNumerator:     2,
			FeeDenominator:   100,
			UserCreationFee:  2_000_000_000,
			OrderCreationFee: 1_000_000_000,
			PanelSize:        3,
			MaxResponses:     255,
			WalletFunding:    100_000_000_000,
		},
		Keeper: Keeper{
			Enabled:     true,
			WalletSeed:  "gigflow-keeper",
			Interval:    30 * time.Second,
			Concurrency: 4,
		},
	}
}

// Load reads path over the defaults, then applies environment overrides.
// An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("config: %s: %w", path, err)
		}
	}
	applyEnv(&cfg, os.Getenv)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config, getenv func(string) string) {
	if v := getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := getenv("GIGFLOW_JWT_SECRET"); v != "" {
		cfg.JWTSecret = v
	}
	if v := getenv("GIGFLOW_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := getenv("GIGFLOW_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := getenv("GIGFLOW_FEED_ORIGINS"); v != "" {
		cfg.FeedOrigins = nil
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.FeedOrigins = append(cfg.FeedOrigins, o)
			}
		}
	}
	if v := getenv("GIGFLOW_OPERATOR_PASSWORD"); v != "" {
		cfg.Operator.Password = v
	}
}

func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Listen) == "" {
		errs = append(errs, errors.New("listen address is required"))
	}
	if len(c.JWTSecret) < 16 {
		errs = append(errs, errors.New("jwt_secret must be at least 16 characters"))
	}
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}
	if c.Market.RootSeed == "" {
		errs = append(errs, errors.New("market.root_seed is required"))
	}
	if c.Market.FeeDenominator == 0 || c.Market.FeeNumerator > c.Market.FeeDenominator {
		errs = append(errs, fmt.Errorf("market fee %d/%d is invalid", c.Market.FeeNumerator, c.Market.FeeDenominator))
	}
	if c.Operator.Email != "" && len(c.Operator.Password) < 8 {
		errs = append(errs, errors.New("operator.password must be at least 8 characters"))
	}
	if c.Keeper.Enabled {
		if c.Keeper.WalletSeed == "" {
			errs = append(errs, errors.New("keeper.wallet_seed is required"))
		}
		if c.Keeper.Interval <= 0 {
			errs = append(errs, errors.New("keeper.interval must be positive"))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

func (c Config) JournalDir() string { return filepath.Join(c.DataDir, "journal") }

func (c Config) SnapshotPath() string { return filepath.Join(c.DataDir, "snapshots", "latest.snap.zst") }

func (c Config) IndexPath() string { return filepath.Join(c.DataDir, "index", "gigflow.sqlite") }
