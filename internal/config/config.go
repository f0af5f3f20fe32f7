// Package config loads the fleetcore daemon configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/rgordey/fleetcore/internal/conflict"
	"github.com/rgordey/fleetcore/internal/crisis"
	"github.com/rgordey/fleetcore/internal/dispatch"
	"github.com/rgordey/fleetcore/internal/health"
	"github.com/rgordey/fleetcore/internal/pool"
)

// Consensus configures cluster membership for this node.
type Consensus struct {
	// NodeID identifies this replica. Defaults to the hostname.
	NodeID string `yaml:"node_id" mapstructure:"node_id"`
	// Peers maps peer node ids to their base URLs. Empty means single-node.
	Peers map[string]string `yaml:"peers" mapstructure:"peers"`
	// HeartbeatInterval is the leader heartbeat cadence.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" mapstructure:"heartbeat_interval"`
	// ElectionTimeoutMin/Max bound the randomized election timeout.
	ElectionTimeoutMin time.Duration `yaml:"election_timeout_min" mapstructure:"election_timeout_min"`
	ElectionTimeoutMax time.Duration `yaml:"election_timeout_max" mapstructure:"election_timeout_max"`
}

// Agent configures how worker processes are launched.
type Agent struct {
	// Command is the worker binary; args follow.
	Command string   `yaml:"command" mapstructure:"command"`
	Args    []string `yaml:"args" mapstructure:"args"`
	// WorkDir is the working directory for spawned workers.
	WorkDir string `yaml:"work_dir" mapstructure:"work_dir"`
}

// Config is the root daemon configuration.
type Config struct {
	// ListenAddr is the control plane bind address.
	ListenAddr string `yaml:"listen_addr" mapstructure:"listen_addr"`
	// DBPath is the SQLite database location.
	DBPath string `yaml:"db_path" mapstructure:"db_path"`

	Agent     Agent            `yaml:"agent" mapstructure:"agent"`
	Consensus Consensus        `yaml:"consensus" mapstructure:"consensus"`
	Health    *health.Config   `yaml:"health" mapstructure:"health"`
	Dispatch  *dispatch.Config `yaml:"dispatch" mapstructure:"dispatch"`
	Pool      *pool.Config     `yaml:"pool" mapstructure:"pool"`
	Crisis    *crisis.Config   `yaml:"crisis" mapstructure:"crisis"`
	Conflict  *conflict.Config `yaml:"conflict" mapstructure:"conflict"`
}

// Default returns the built-in configuration.
func Default() *Config {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "fleetcore-1"
	}
	return &Config{
		ListenAddr: "127.0.0.1:7870",
		DBPath:     defaultDBPath(),
		Agent: Agent{
			Command: "fleetcore-worker",
		},
		Consensus: Consensus{
			NodeID: hostname,
		},
		Health:   health.DefaultConfig(),
		Dispatch: dispatch.DefaultConfig(),
		Pool:     pool.DefaultConfig(),
		Crisis:   crisis.DefaultConfig(),
		Conflict: conflict.DefaultConfig(),
	}
}

// Load reads YAML configuration from a path, merged over the defaults. If
// path is empty, it resolves $XDG_CONFIG_HOME/fleetcore/config.yaml or
// ~/.config/fleetcore/config.yaml; a missing default file is not an error.
// Duration fields accept Go duration strings ("90s", "5m").
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if path == "" {
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			home, _ := os.UserHomeDir()
			base = filepath.Join(home, ".config")
		}
		path = filepath.Join(base, "fleetcore", "config.yaml")
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		if os.IsNotExist(err) && !explicit {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Render serializes the effective configuration back to YAML.
func Render(cfg *Config) ([]byte, error) {
	return yaml.Marshal(cfg)
}

func defaultDBPath() string {
	base := os.Getenv("XDG_DATA_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(base, "fleetcore", "fleetcore.db")
}
