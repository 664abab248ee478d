// Package config loads yeetd configuration from an optional YAML file,
// YEET_* environment variables and command-line flags, in increasing order
// of precedence.
package config

import (
	"errors"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/fortiblox/yeet-at/pkg/logging"
	"github.com/fortiblox/yeet-at/pkg/node"
)

// EnvPrefix prefixes every environment variable, e.g. YEET_RPC_ADDR.
const EnvPrefix = "YEET"

// DefaultConfigName is the file searched for in the working directory when
// no config path is given (yeetd.yaml).
const DefaultConfigName = "yeetd"

// Config is the yeetd configuration.
type Config struct {
	DataDir          string        `mapstructure:"data_dir"`
	SlotInterval     time.Duration `mapstructure:"slot_interval"`
	GCInterval       time.Duration `mapstructure:"gc_interval"`
	ComputeUnitLimit uint64        `mapstructure:"compute_unit_limit"`

	Log      LogConfig      `mapstructure:"log"`
	RPC      RPCConfig      `mapstructure:"rpc"`
	Geyser   GeyserConfig   `mapstructure:"geyser"`
	Snapshot SnapshotConfig `mapstructure:"snapshot"`
	Faucet   FaucetConfig   `mapstructure:"faucet"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// RPCConfig configures the JSON-RPC server.
type RPCConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Addr        string `mapstructure:"addr"`
	LogRequests bool   `mapstructure:"log_requests"`
}

// GeyserConfig configures the account-update stream.
type GeyserConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
	Token   string `mapstructure:"token"`
}

// SnapshotConfig configures snapshot loading and writing.
type SnapshotConfig struct {
	Path       string `mapstructure:"path"`
	OnShutdown bool   `mapstructure:"on_shutdown"`
}

// FaucetConfig configures airdrops.
type FaucetConfig struct {
	Keypair    string `mapstructure:"keypair"`
	AirdropMax uint64 `mapstructure:"airdrop_max"`
}

// flagKeys maps flag names to configuration keys.
var flagKeys = map[string]string{
	"data-dir":             "data_dir",
	"slot-interval":        "slot_interval",
	"log-level":            "log.level",
	"log-dev":              "log.development",
	"rpc":                  "rpc.enabled",
	"rpc-addr":             "rpc.addr",
	"rpc-log":              "rpc.log_requests",
	"geyser":               "geyser.enabled",
	"geyser-addr":          "geyser.addr",
	"geyser-token":         "geyser.token",
	"snapshot":             "snapshot.path",
	"snapshot-on-shutdown": "snapshot.on_shutdown",
	"faucet-keypair":       "faucet.keypair",
}

// Default returns the default configuration.
func Default() *Config {
	n := node.DefaultConfig()
	return &Config{
		DataDir:          n.DataDir,
		SlotInterval:     n.SlotInterval,
		GCInterval:       n.GCInterval,
		ComputeUnitLimit: n.ComputeUnitLimit,
		Log:              LogConfig{Level: "info"},
		RPC:              RPCConfig{Enabled: n.RPCEnabled, Addr: n.RPCAddr},
		Geyser:           GeyserConfig{Enabled: n.GeyserEnabled, Addr: n.GeyserAddr},
		Faucet:           FaucetConfig{AirdropMax: n.AirdropMax},
	}
}

// RegisterFlags defines the override flags on fs. Only flags set on the
// command line override file and environment values.
func RegisterFlags(fs *flag.FlagSet) {
	d := Default()
	fs.String("data-dir", d.DataDir, "Data directory for accounts, txlog and snapshots")
	fs.Duration("slot-interval", d.SlotInterval, "Interval between slots")
	fs.String("log-level", d.Log.Level, "Log level: debug, info, warn, error")
	fs.Bool("log-dev", d.Log.Development, "Human-readable development logging")
	fs.Bool("rpc", d.RPC.Enabled, "Enable JSON-RPC server")
	fs.String("rpc-addr", d.RPC.Addr, "JSON-RPC listen address")
	fs.Bool("rpc-log", d.RPC.LogRequests, "Log RPC requests")
	fs.Bool("geyser", d.Geyser.Enabled, "Enable geyser account stream")
	fs.String("geyser-addr", d.Geyser.Addr, "Geyser gRPC listen address")
	fs.String("geyser-token", d.Geyser.Token, "Token required from geyser subscribers")
	fs.String("snapshot", d.Snapshot.Path, "Snapshot to load into an empty accounts database")
	fs.Bool("snapshot-on-shutdown", d.Snapshot.OnShutdown, "Write a snapshot on shutdown")
	fs.String("faucet-keypair", d.Faucet.Keypair, "Faucet keypair file (default: <data-dir>/faucet.json)")
}

// Load reads the configuration. path names a YAML file; if empty,
// yeetd.yaml in the working directory is used when present. fs, if
// non-nil, must have been set up with RegisterFlags and parsed.
func Load(path string, fs *flag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName(DefaultConfigName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	if fs != nil {
		fs.Visit(func(f *flag.Flag) {
			if key, ok := flagKeys[f.Name]; ok {
				v.Set(key, f.Value.String())
			}
		})
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("data_dir", d.DataDir)
	v.SetDefault("slot_interval", d.SlotInterval)
	v.SetDefault("gc_interval", d.GCInterval)
	v.SetDefault("compute_unit_limit", d.ComputeUnitLimit)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.development", d.Log.Development)
	v.SetDefault("rpc.enabled", d.RPC.Enabled)
	v.SetDefault("rpc.addr", d.RPC.Addr)
	v.SetDefault("rpc.log_requests", d.RPC.LogRequests)
	v.SetDefault("geyser.enabled", d.Geyser.Enabled)
	v.SetDefault("geyser.addr", d.Geyser.Addr)
	v.SetDefault("geyser.token", d.Geyser.Token)
	v.SetDefault("snapshot.path", d.Snapshot.Path)
	v.SetDefault("snapshot.on_shutdown", d.Snapshot.OnShutdown)
	v.SetDefault("faucet.keypair", d.Faucet.Keypair)
	v.SetDefault("faucet.airdrop_max", d.Faucet.AirdropMax)
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	return c.Node(nil).Validate()
}

// Node converts the configuration to a node configuration.
func (c *Config) Node(logger *zap.Logger) *node.Config {
	return &node.Config{
		DataDir:            c.DataDir,
		RPCEnabled:         c.RPC.Enabled,
		RPCAddr:            c.RPC.Addr,
		RPCLogRequests:     c.RPC.LogRequests,
		GeyserEnabled:      c.Geyser.Enabled,
		GeyserAddr:         c.Geyser.Addr,
		GeyserToken:        c.Geyser.Token,
		SlotInterval:       c.SlotInterval,
		GCInterval:         c.GCInterval,
		SnapshotPath:       c.Snapshot.Path,
		SnapshotOnShutdown: c.Snapshot.OnShutdown,
		FaucetKeypair:      c.Faucet.Keypair,
		AirdropMax:         c.Faucet.AirdropMax,
		ComputeUnitLimit:   c.ComputeUnitLimit,
		Logger:             logger,
	}
}
