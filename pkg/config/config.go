package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Config represents the top-level configuration structure.
type Config struct {
	Global   GlobalConfig   `yaml:"global"   mapstructure:"global"`
	Firewall FirewallConfig `yaml:"firewall" mapstructure:"firewall"`
	Persist  PersistConfig  `yaml:"persist"  mapstructure:"persist"`
	Sysctl   SysctlConfig   `yaml:"sysctl"   mapstructure:"sysctl"`
}

// GlobalConfig holds global settings.
type GlobalConfig struct {
	LogLevel string `yaml:"log_level" mapstructure:"log_level"`
}

// FirewallConfig selects the rule engine and the managed table name.
type FirewallConfig struct {
	Engine string `yaml:"engine" mapstructure:"engine"`
	Table  string `yaml:"table"  mapstructure:"table"`
}

// PersistConfig controls ruleset persistence and boot-time reload.
type PersistConfig struct {
	RulesetPath string `yaml:"ruleset_path" mapstructure:"ruleset_path"`
	ServiceUnit string `yaml:"service_unit" mapstructure:"service_unit"`
	Backups     *bool  `yaml:"backups"      mapstructure:"backups"`
}

// BackupsEnabled reports whether timestamped backups are taken before
// overwriting the ruleset file. Defaults to true.
func (p PersistConfig) BackupsEnabled() bool {
	if p.Backups == nil {
		return true
	}
	return *p.Backups
}

// SysctlConfig controls the kernel-prerequisite manager.
type SysctlConfig struct {
	ConfPath  string `yaml:"conf_path"  mapstructure:"conf_path"`
	EnableBBR *bool  `yaml:"enable_bbr" mapstructure:"enable_bbr"`
}

// BBREnabled reports whether BBR congestion control is part of the
// prerequisites. Defaults to true.
func (s SysctlConfig) BBREnabled() bool {
	if s.EnableBBR == nil {
		return true
	}
	return *s.EnableBBR
}

// validEngines is the set of supported firewall backends.
var validEngines = map[string]bool{
	"nftables": true,
	"iptables": true,
}

// Manager handles configuration loading, validation, and hot-reload.
type Manager struct {
	viper      *viper.Viper
	configPath string
	current    *Config
	mu         sync.RWMutex
	onChange   chan struct{}
	logger     *zap.Logger
}

// NewManager creates a config Manager, loads and validates the initial
// configuration. A missing config file is not an error: every setting
// has a usable default.
func NewManager(configPath string, logger *zap.Logger) (*Manager, error) {
	viperInstance := viper.New()
	viperInstance.SetConfigFile(configPath)

	// Set defaults. The persist settings have no static default: their
	// correct values depend on the selected engine and are filled in
	// after unmarshalling.
	viperInstance.SetDefault("global.log_level", "info")
	viperInstance.SetDefault("firewall.engine", "nftables")
	viperInstance.SetDefault("firewall.table", "port_forward")
	viperInstance.SetDefault("sysctl.conf_path", "/etc/sysctl.d/99-ezpf.conf")

	manager := &Manager{
		viper:      viperInstance,
		configPath: configPath,
		onChange:   make(chan struct{}, 1),
		logger:     logger,
	}

	cfg, err := manager.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	manager.current = cfg

	return manager, nil
}

// Load reads the config file if present, unmarshals it, and validates.
func (m *Manager) Load() (*Config, error) {
	if _, err := os.Stat(m.configPath); err == nil {
		if err := m.viper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else if os.IsNotExist(err) {
		m.logger.Info("config file not found, using defaults",
			zap.String("path", m.configPath))
	} else {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}

	var cfg Config
	if err := m.viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	applyEngineDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// applyEngineDefaults fills the persist settings the operator left
// unset. nftables reloads one ruleset file through the nftables unit;
// iptables needs per-family save files (<path>.v4 and <path>.v6) that
// netfilter-persistent restores from.
func applyEngineDefaults(cfg *Config) {
	iptables := cfg.Firewall.Engine == "iptables"
	if cfg.Persist.RulesetPath == "" {
		if iptables {
			cfg.Persist.RulesetPath = "/etc/iptables/rules"
		} else {
			cfg.Persist.RulesetPath = "/etc/nftables.conf"
		}
	}
	if cfg.Persist.ServiceUnit == "" {
		if iptables {
			cfg.Persist.ServiceUnit = "netfilter-persistent"
		} else {
			cfg.Persist.ServiceUnit = "nftables"
		}
	}
}

// Validate checks the configuration for correctness.
func Validate(cfg *Config) error {
	if !validEngines[cfg.Firewall.Engine] {
		return fmt.Errorf("unsupported firewall engine %q (supported: nftables, iptables)",
			cfg.Firewall.Engine)
	}
	if cfg.Firewall.Table == "" {
		return fmt.Errorf("firewall.table is required")
	}
	for _, c := range cfg.Firewall.Table {
		if c == ' ' || c == '\t' || c == ';' || c == '"' {
			return fmt.Errorf("firewall.table %q contains invalid characters", cfg.Firewall.Table)
		}
	}
	if !filepath.IsAbs(cfg.Persist.RulesetPath) {
		return fmt.Errorf("persist.ruleset_path %q must be absolute", cfg.Persist.RulesetPath)
	}
	if cfg.Persist.ServiceUnit == "" {
		return fmt.Errorf("persist.service_unit is required")
	}
	// A unit for the other engine would restart cleanly but never
	// reload what Persist wrote, silently losing the rules on reboot.
	if cfg.Firewall.Engine == "iptables" && cfg.Persist.ServiceUnit == "nftables" {
		return fmt.Errorf("persist.service_unit %q cannot reload iptables-save files; use netfilter-persistent or a custom unit", cfg.Persist.ServiceUnit)
	}
	if cfg.Firewall.Engine == "nftables" && cfg.Persist.ServiceUnit == "netfilter-persistent" {
		return fmt.Errorf("persist.service_unit %q cannot reload an nftables ruleset; use the nftables unit or a custom one", cfg.Persist.ServiceUnit)
	}
	if !filepath.IsAbs(cfg.Sysctl.ConfPath) {
		return fmt.Errorf("sysctl.conf_path %q must be absolute", cfg.Sysctl.ConfPath)
	}
	return nil
}

// WatchConfig starts watching the config file for changes. On change,
// it reloads and validates; if valid, updates current config and
// notifies via onChange channel.
func (m *Manager) WatchConfig() {
	if _, err := os.Stat(m.configPath); err != nil {
		// Nothing to watch; defaults stay in effect for the session.
		return
	}

	m.viper.OnConfigChange(func(event fsnotify.Event) {
		m.logger.Info("config file changed", zap.String("file", event.Name))

		cfg, err := m.Load()
		if err != nil {
			m.logger.Error("failed to reload config, keeping previous config", zap.Error(err))
			return
		}

		m.mu.Lock()
		m.current = cfg
		m.mu.Unlock()

		m.logger.Info("config reloaded successfully")

		// Non-blocking send to notify listeners
		select {
		case m.onChange <- struct{}{}:
		default:
		}
	})

	m.viper.WatchConfig()
}

// GetConfig returns a snapshot of the current configuration.
func (m *Manager) GetConfig() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// OnChange returns a read-only channel that signals when config has changed.
func (m *Manager) OnChange() <-chan struct{} {
	return m.onChange
}
