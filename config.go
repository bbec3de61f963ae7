package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	p2pnode "example/relaychat/p2pNode"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// envPrefix is the prefix of environment overrides, e.g. RELAYCHAT_RELAY_IP.
const envPrefix = "RELAYCHAT"

// Config is the merged view of flags, environment and config file.
type Config struct {
	Port        int           `mapstructure:"port"`
	Destination string        `mapstructure:"destination"`
	RelayIP     string        `mapstructure:"relay-ip"`
	RelayPeerID string        `mapstructure:"relay-peerid"`
	RelayPort   int           `mapstructure:"relay-port"`
	RelayTTL    time.Duration `mapstructure:"relay-ttl"`
	DialTimeout time.Duration `mapstructure:"dial-timeout"`
	MaxSessions int           `mapstructure:"max-sessions"`
	NoColor     bool          `mapstructure:"no-color"`

	Unlimited bool `mapstructure:"unlimited"`
	Count     int  `mapstructure:"count"`

	KeyFile     string `mapstructure:"key-file"`
	KeyType     string `mapstructure:"key-type"`
	MetricsAddr string `mapstructure:"metrics-addr"`

	LogLevel  string `mapstructure:"log-level"`
	LogFormat string `mapstructure:"log-format"`
	LogFile   string `mapstructure:"log-file"`
}

// loadConfig merges the command's flags with RELAYCHAT_* environment
// variables and the optional --config file. Flags set on the command line win.
func loadConfig(cmd *cobra.Command) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return nil, fmt.Errorf("bind flags: %w", err)
	}
	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

// validateChat checks what the chat command needs before any networking
// starts.
func (c *Config) validateChat() error {
	if err := c.validateRelay(); err != nil {
		return err
	}
	if err := checkPort("port", c.Port); err != nil {
		return err
	}
	if c.MaxSessions < 0 {
		return errors.New("--max-sessions must not be negative")
	}
	return nil
}

// validateRelay checks the flags that locate the relay.
func (c *Config) validateRelay() error {
	var missing []string
	if strings.TrimSpace(c.RelayIP) == "" {
		missing = append(missing, "--relay-ip")
	}
	if strings.TrimSpace(c.RelayPeerID) == "" {
		missing = append(missing, "--relay-peerid")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required relay arguments: %s", strings.Join(missing, ", "))
	}
	return checkPort("relay-port", c.RelayPort)
}

// relayAddress is the relay locator named by the flags.
func (c *Config) relayAddress() (p2pnode.PeerAddress, error) {
	return p2pnode.RelayAddress(c.RelayIP, c.RelayPort, c.RelayPeerID)
}

func checkPort(name string, port int) error {
	if port <= 0 || port > 65535 {
		return fmt.Errorf("--%s %d is not a valid TCP port", name, port)
	}
	return nil
}
