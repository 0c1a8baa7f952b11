package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/viper"

	"connecto/discovery"
	cerrors "connecto/errors"
	"connecto/network"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "connecto"
	// DataDirEnv overrides the data directory.
	DataDirEnv = "CONNECTO_DATA_DIR"
	// EnvPrefix prefixes environment overrides, e.g. CONNECTO_DEFAULT_KEY.
	EnvPrefix = "CONNECTO"
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
	// databaseFileName holds the pairing history.
	databaseFileName = "connecto.db"
)

// Config is the persistent CLI configuration.
type Config struct {
	// Subnets are extra CIDR ranges probed by `scan`, e.g. VPN networks.
	Subnets    []string `json:"subnets" mapstructure:"subnets"`
	DefaultKey string   `json:"default_key,omitempty" mapstructure:"default_key"`
	DeviceName string   `json:"device_name,omitempty" mapstructure:"device_name"`
	Port       int      `json:"port" mapstructure:"port"`
	DeviceID   string   `json:"device_id" mapstructure:"device_id"`
}

// Default returns a configuration with no subnets on the default port.
func Default() *Config {
	return &Config{
		Subnets: []string{},
		Port:    network.DefaultPort,
	}
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If CONNECTO_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// CachePath returns the discovery cache path for a data directory.
func CachePath(dataDir string) string {
	return filepath.Join(dataDir, discovery.CacheFileName)
}

// DatabasePath returns the pairing history database path.
func DatabasePath(dataDir string) string {
	return filepath.Join(dataDir, databaseFileName)
}

// EnsureDataDirectory creates the app data directory if needed.
func EnsureDataDirectory(dataDir string) error {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return fmt.Errorf("create directory %q: %w", dataDir, err)
	}
	return nil
}

// Load reads config.json through viper, applying defaults and CONNECTO_*
// environment overrides. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	return load(path, true)
}

// LoadFile reads config.json without environment overrides. Configs that will
// be written back start from here.
func LoadFile(path string) (*Config, error) {
	return load(path, false)
}

func load(path string, withEnv bool) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	v.SetDefault("subnets", []string{})
	v.SetDefault("port", network.DefaultPort)
	if withEnv {
		v.SetEnvPrefix(EnvPrefix)
		v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
		for _, key := range []string{"default_key", "device_name", "port"} {
			if err := v.BindEnv(key); err != nil {
				return nil, cerrors.WrapWithCode(err, cerrors.ErrConfig, "Failed to bind environment override", "")
			}
		}
	}

	if err := v.ReadInConfig(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, cerrors.WrapWithCode(err, cerrors.ErrConfig,
			"Failed to read config file",
			"Check that "+path+" is valid JSON")
	}

	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, cerrors.WrapWithCode(err, cerrors.ErrConfig,
			"Invalid config format",
			"Check the JSON in "+path)
	}
	if cfg.Subnets == nil {
		cfg.Subnets = []string{}
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, cerrors.New(cerrors.ErrConfig,
			fmt.Sprintf("Invalid port %d in config", cfg.Port),
			"Use a port between 1 and 65535")
	}
	return cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *Config) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// Update applies mutate to the on-disk config and saves it when mutate reports
// a change. Environment overrides are never written to the file.
func Update(path string, mutate func(*Config) (bool, error)) (bool, error) {
	cfg, err := LoadFile(path)
	if err != nil {
		return false, err
	}
	changed, err := mutate(cfg)
	if err != nil || !changed {
		return false, err
	}
	if err := Save(path, cfg); err != nil {
		return false, err
	}
	return true, nil
}

// LoadOrCreate ensures the data directory and config exist, then returns the
// config, its path and the data directory.
func LoadOrCreate() (*Config, string, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", "", err
	}
	if err := EnsureDataDirectory(dataDir); err != nil {
		return nil, "", "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		return nil, "", "", err
	}

	if cfg.DeviceID == "" {
		id := uuid.NewString()
		if _, err := Update(cfgPath, func(file *Config) (bool, error) {
			file.DeviceID = id
			return true, nil
		}); err != nil {
			return nil, "", "", err
		}
		cfg.DeviceID = id
	}

	return cfg, cfgPath, dataDir, nil
}

// Name returns the configured device name, or the short host name.
func (c *Config) Name() string {
	if name := strings.TrimSpace(c.DeviceName); name != "" {
		return name
	}
	return discovery.Hostname()
}

// AddSubnet appends cidr after validating it. It reports false when the
// subnet is already configured.
func (c *Config) AddSubnet(cidr string) (bool, error) {
	cidr = strings.TrimSpace(cidr)
	if _, err := discovery.ParseCIDR(cidr); err != nil {
		return false, cerrors.WrapWithCode(err, cerrors.ErrConfig,
			fmt.Sprintf("Invalid subnet %q", cidr),
			"Use CIDR notation with a prefix of /16 or narrower, e.g. 10.105.225.0/24")
	}
	for _, existing := range c.Subnets {
		if existing == cidr {
			return false, nil
		}
	}
	c.Subnets = append(c.Subnets, cidr)
	return true, nil
}

// RemoveSubnet removes cidr and reports whether it was present.
func (c *Config) RemoveSubnet(cidr string) bool {
	cidr = strings.TrimSpace(cidr)
	kept := c.Subnets[:0]
	removed := false
	for _, existing := range c.Subnets {
		if existing == cidr {
			removed = true
			continue
		}
		kept = append(kept, existing)
	}
	c.Subnets = kept
	return removed
}
