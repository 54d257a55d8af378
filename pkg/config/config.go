package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/renderfarm/pkg/types"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g.
// RENDERFARM_FARM_API_ADDR
const EnvPrefix = "RENDERFARM"

// FileName is the config file searched for when none is given
const FileName = "renderfarm"

// Config is the full process configuration
type Config struct {
	Log  LogConfig  `mapstructure:"log"`
	Farm FarmConfig `mapstructure:"farm"`
	Node NodeConfig `mapstructure:"node"`
}

// LogConfig controls the global logger
type LogConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

// FarmConfig configures the coordinator process
type FarmConfig struct {
	APIAddr     string `mapstructure:"api_addr"`
	APIReadOnly bool   `mapstructure:"api_read_only"`
	BeaconAddr  string `mapstructure:"beacon_addr"`
	DataDir     string `mapstructure:"data_dir"`

	// Nodes are render nodes without a beacon, as host:port
	Nodes []string `mapstructure:"nodes"`

	ProbeInterval   time.Duration `mapstructure:"probe_interval"`
	MetricsInterval time.Duration `mapstructure:"metrics_interval"`

	DiscoveryRate  float64 `mapstructure:"discovery_rate"`
	DiscoveryBurst int     `mapstructure:"discovery_burst"`
}

// NodeConfig configures the render node process
type NodeConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`

	// AdvertiseAddr is announced in beacons; empty lets the farm use the
	// datagram source address
	AdvertiseAddr string        `mapstructure:"advertise_addr"`
	BeaconTarget  string        `mapstructure:"beacon_target"`
	BeaconPeriod  time.Duration `mapstructure:"beacon_period"`
	DisableBeacon bool          `mapstructure:"disable_beacon"`
	WorkDir       string        `mapstructure:"work_dir"`
}

// New returns a viper instance with defaults and environment binding set
// up. configFile may be empty, in which case renderfarm.yaml is looked up in
// the working directory and /etc/renderfarm, and its absence is not an error.
func New(configFile string) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName(FileName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/renderfarm")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	return v, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)

	v.SetDefault("farm.api_addr", ":8080")
	v.SetDefault("farm.api_read_only", false)
	v.SetDefault("farm.beacon_addr", ":18019")
	v.SetDefault("farm.data_dir", "./renderfarm-data")
	v.SetDefault("farm.nodes", []string{})
	v.SetDefault("farm.probe_interval", 30*time.Second)
	v.SetDefault("farm.metrics_interval", 5*time.Second)
	v.SetDefault("farm.discovery_rate", 100.0)
	v.SetDefault("farm.discovery_burst", 20)

	v.SetDefault("node.listen_addr", ":18018")
	v.SetDefault("node.advertise_addr", "")
	v.SetDefault("node.beacon_target", "255.255.255.255:18019")
	v.SetDefault("node.beacon_period", 3*time.Second)
	v.SetDefault("node.disable_beacon", false)
	v.SetDefault("node.work_dir", "./renderfarm-node")
}

// Load decodes the merged defaults, file, environment and bound flags
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Validate checks the farm settings
func (c *FarmConfig) Validate() error {
	if c.APIAddr == "" {
		return fmt.Errorf("farm.api_addr is required")
	}
	if err := validateHostPort("farm.api_addr", c.APIAddr); err != nil {
		return err
	}
	if err := validateHostPort("farm.beacon_addr", c.BeaconAddr); err != nil {
		return err
	}
	if c.DataDir == "" {
		return fmt.Errorf("farm.data_dir is required")
	}
	for _, n := range c.Nodes {
		if _, err := types.ParseNodeKey(n); err != nil {
			return fmt.Errorf("farm.nodes: %w", err)
		}
	}
	if c.ProbeInterval <= 0 {
		return fmt.Errorf("farm.probe_interval must be positive")
	}
	if c.MetricsInterval <= 0 {
		return fmt.Errorf("farm.metrics_interval must be positive")
	}
	if c.DiscoveryRate <= 0 || c.DiscoveryBurst <= 0 {
		return fmt.Errorf("farm.discovery_rate and farm.discovery_burst must be positive")
	}
	return nil
}

// Validate checks the node settings
func (c *NodeConfig) Validate() error {
	if err := validateHostPort("node.listen_addr", c.ListenAddr); err != nil {
		return err
	}
	if !c.DisableBeacon {
		if err := validateHostPort("node.beacon_target", c.BeaconTarget); err != nil {
			return err
		}
		if c.BeaconPeriod <= 0 {
			return fmt.Errorf("node.beacon_period must be positive")
		}
	}
	if c.WorkDir == "" {
		return fmt.Errorf("node.work_dir is required")
	}
	return nil
}

// ListenPort returns the port part of ListenAddr
func (c *NodeConfig) ListenPort() (int, error) {
	_, port, err := net.SplitHostPort(c.ListenAddr)
	if err != nil {
		return 0, err
	}
	p, err := strconv.Atoi(port)
	if err != nil || p <= 0 || p > 65535 {
		return 0, fmt.Errorf("invalid port %q", port)
	}
	return p, nil
}

func validateHostPort(key, addr string) error {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("%s: invalid address %q: %w", key, addr, err)
	}
	return nil
}
