package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/otcmesh/broker-node/db"
	"github.com/otcmesh/broker-node/internal"
	"github.com/otcmesh/broker-node/types"
)

const (
	defaultTickInterval   = 30 * time.Second
	defaultQueueInterval  = 5 * time.Second
	defaultStuckThreshold = 5 * time.Minute
	defaultMaxGasBumps    = 5
	defaultWatcherWindow  = 168 * time.Hour
	defaultWatcherSettle  = 5 * time.Minute
	defaultLogLevel       = "info"
	defaultLogOutput      = "stdout"
	defaultDatadir        = ".broker-node" // Will be prefixed with user's home directory
)

// Version is the build version, set at build time with -ldflags
var Version = internal.Version

// Config holds the broker node configuration
type Config struct {
	Tick    TickConfig
	Queue   QueueConfig
	Watcher WatcherConfig
	Engine  EngineConfig
	DB      DBConfig
	Log     LogConfig
	Chains  map[string]ChainConfig
	Assets  []AssetConfig
	Rates   map[string]string
	Datadir string
	Config  string
}

// TickConfig drives the engine scan loop
type TickConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// QueueConfig tunes the transfer queue processor
type QueueConfig struct {
	Interval       time.Duration `mapstructure:"interval"`
	StuckThreshold time.Duration `mapstructure:"stuckthreshold"`
	MaxGasBumps    int           `mapstructure:"maxgasbumps"`
}

// WatcherConfig bounds the late-deposit sweep
type WatcherConfig struct {
	Window time.Duration `mapstructure:"window"`
	Settle time.Duration `mapstructure:"settle"`
}

// EngineConfig holds the engine feature toggles
type EngineConfig struct {
	GasReimbursement GasReimbursementConfig `mapstructure:"gasreimbursement"`
}

// GasReimbursementConfig switches the reimbursement flow on and names the
// token it pays in per chain
type GasReimbursementConfig struct {
	Enabled bool              `mapstructure:"enabled"`
	Assets  map[string]string `mapstructure:"assets"`
}

// DBConfig selects the key-value backend
type DBConfig struct {
	Type string `mapstructure:"type"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Output string `mapstructure:"output"`
}

// ChainConfig describes one chain: its node endpoints, the accounts the
// broker operates there and the confirmation thresholds
type ChainConfig struct {
	Kind            string            `mapstructure:"kind"`
	RPC             []string          `mapstructure:"rpc"`
	NumericID       int64             `mapstructure:"chainid"`
	User            string            `mapstructure:"user"`
	Pass            string            `mapstructure:"pass"`
	Network         string            `mapstructure:"network"`
	NoTLS           bool              `mapstructure:"notls"`
	Broker          string            `mapstructure:"broker"`
	Operator        string            `mapstructure:"operator"`
	FeeRecipient    string            `mapstructure:"feerecipient"`
	Confirms        int64             `mapstructure:"confirms"`
	CollectConfirms int64             `mapstructure:"collectconfirms"`
	FlatFeeSats     int64             `mapstructure:"flatfeesats"`
	Keys            map[string]string `mapstructure:"keys"`
	Tank            TankConfig        `mapstructure:"tank"`
}

// TankConfig configures the gas tank wallet on one chain
type TankConfig struct {
	Address string `mapstructure:"address"`
	KeyRef  string `mapstructure:"keyref"`
	TopUp   string `mapstructure:"topup"`
	Floor   string `mapstructure:"floor"`
}

// AssetConfig registers or overrides one tradable asset
type AssetConfig struct {
	Code     string `mapstructure:"code"`
	Chain    string `mapstructure:"chain"`
	Decimals int32  `mapstructure:"decimals"`
	Native   bool   `mapstructure:"native"`
	Contract string `mapstructure:"contract"`
	Dust     string `mapstructure:"dust"`
}

// loadConfig loads configuration from flags, environment variables, the
// optional config file and defaults
func loadConfig() (*Config, error) {
	v := viper.New()

	// Set up default values
	// Get user's home directory for default datadir
	userHomeDir, err := os.UserHomeDir()
	if err != nil {
		userHomeDir = "."
	}
	defaultDatadirPath := filepath.Join(userHomeDir, defaultDatadir)

	v.SetDefault("tick.interval", defaultTickInterval)
	v.SetDefault("queue.interval", defaultQueueInterval)
	v.SetDefault("queue.stuckthreshold", defaultStuckThreshold)
	v.SetDefault("queue.maxgasbumps", defaultMaxGasBumps)
	v.SetDefault("watcher.window", defaultWatcherWindow)
	v.SetDefault("watcher.settle", defaultWatcherSettle)
	v.SetDefault("engine.gasreimbursement.enabled", false)
	v.SetDefault("db.type", db.TypePebble)
	v.SetDefault("log.level", defaultLogLevel)
	v.SetDefault("log.output", defaultLogOutput)
	v.SetDefault("datadir", defaultDatadirPath)

	// Configure flags
	flag.StringP("config", "c", "", "config file with the chains, assets, rates and tank sections (yaml, json or toml)")
	flag.DurationP("tick.interval", "t", defaultTickInterval, "engine scan interval over active deals")
	flag.DurationP("queue.interval", "q", defaultQueueInterval, "transfer queue drain interval")
	flag.Duration("queue.stuckthreshold", defaultStuckThreshold, "mempool age after which a transaction is fee-bumped")
	flag.Int("queue.maxgasbumps", defaultMaxGasBumps, "fee bumps before a stuck transaction is abandoned to the operator")
	flag.Duration("watcher.window", defaultWatcherWindow, "how long settled escrows are probed for late deposits")
	flag.Duration("watcher.settle", defaultWatcherSettle, "stage age before the late-deposit watcher trusts balance probes")
	flag.Bool("engine.gasreimbursement.enabled", false, "reimburse confirmed swap gas costs from the buyer escrow")
	flag.String("db.type", db.TypePebble, fmt.Sprintf("key-value backend (%s or %s)", db.TypePebble, db.TypeLevelDB))
	flag.StringP("log.level", "l", defaultLogLevel, "log level (debug, info, warn, error, fatal)")
	flag.StringP("log.output", "o", defaultLogOutput, "log output (stdout, stderr or filepath)")
	flag.StringP("datadir", "d", defaultDatadirPath, "data directory for the deal database")

	// Configure usage information
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "broker-node v%s\n\n", Version)
		fmt.Fprintf(os.Stderr, "Usage: broker-node [flags]\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nEnvironment variables are also available with the same name as flags,\n")
		fmt.Fprintf(os.Stderr, "  except for dashes (-) and dots (.) which are replaced by underscores (_).\n")
		fmt.Fprintf(os.Stderr, "  For example, BROKER_TICK_INTERVAL or BROKER_DB_TYPE\n")
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  # Start with the chains and escrow keys defined in a config file\n")
		fmt.Fprintf(os.Stderr, "  broker-node --config=broker.yml\n\n")
		fmt.Fprintf(os.Stderr, "  # Start with a faster deal scan and debug logging\n")
		fmt.Fprintf(os.Stderr, "  broker-node --config=broker.yml --tick.interval=5s --log.level=debug\n")
	}

	// Parse flags
	flag.CommandLine.SortFlags = false
	flag.Parse()

	// Configure Viper to use environment variables
	v.SetEnvPrefix("BROKER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Bind flags to Viper
	if err := v.BindPFlags(flag.CommandLine); err != nil {
		return nil, fmt.Errorf("error binding flags: %w", err)
	}

	// Merge the config file, when one is given. Flags and environment
	// variables keep precedence over file values.
	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", path, err)
		}
	}

	// Create config struct
	cfg := &Config{}

	// Unmarshal configuration into struct
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return cfg, nil
}

// validateConfig validates the loaded configuration
func validateConfig(cfg *Config) error {
	if cfg.DB.Type != db.TypePebble && cfg.DB.Type != db.TypeLevelDB {
		return fmt.Errorf("invalid db type %s, available types: %s, %s", cfg.DB.Type, db.TypePebble, db.TypeLevelDB)
	}
	if len(cfg.Chains) == 0 {
		return fmt.Errorf("at least one chain is required (use --config with a chains section or BROKER_CONFIG)")
	}
	for id, cc := range cfg.Chains {
		switch cc.Kind {
		case types.ChainAccountName:
			if cc.NumericID == 0 {
				return fmt.Errorf("chain %s: chainid is required on account chains", id)
			}
		case types.ChainUTXOName:
		default:
			return fmt.Errorf("chain %s: invalid kind %q, expected %s or %s",
				id, cc.Kind, types.ChainAccountName, types.ChainUTXOName)
		}
		if len(cc.RPC) == 0 {
			return fmt.Errorf("chain %s: at least one rpc endpoint is required", id)
		}
		if cc.Confirms <= 0 || cc.CollectConfirms <= 0 {
			return fmt.Errorf("chain %s: confirms and collectconfirms must be positive", id)
		}
		if cc.Tank.Address != "" {
			if cc.Tank.KeyRef == "" {
				return fmt.Errorf("chain %s: tank.keyref is required when tank.address is set", id)
			}
			if _, err := types.ParseDecimal(cc.Tank.TopUp); err != nil {
				return fmt.Errorf("chain %s: tank.topup: %w", id, err)
			}
			if cc.Tank.Floor != "" {
				if _, err := types.ParseDecimal(cc.Tank.Floor); err != nil {
					return fmt.Errorf("chain %s: tank.floor: %w", id, err)
				}
			}
		}
	}
	for _, ac := range cfg.Assets {
		if ac.Code == "" || ac.Chain == "" {
			return fmt.Errorf("asset entries need both code and chain")
		}
		if _, ok := cfg.Chains[ac.Chain]; !ok {
			return fmt.Errorf("asset %s: chain %s is not configured", ac.Code, ac.Chain)
		}
		if ac.Dust != "" {
			if _, err := types.ParseDecimal(ac.Dust); err != nil {
				return fmt.Errorf("asset %s: dust: %w", ac.Code, err)
			}
		}
	}
	for asset, rate := range cfg.Rates {
		if _, err := types.ParseDecimal(rate); err != nil {
			return fmt.Errorf("rate for %s: %w", asset, err)
		}
	}
	for chainID := range cfg.Engine.GasReimbursement.Assets {
		if _, ok := cfg.Chains[chainID]; !ok {
			return fmt.Errorf("gas reimbursement names chain %s, which is not configured", chainID)
		}
	}
	return nil
}
