package core

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/hashicorp/hcl/v2/hclsimple"
)

const (
	BaseDirName    = ".config/remotehub"
	ConfigFileName = "config.hcl"
	StoreFileName  = "store.db"
)

// Config is the global configuration instance.
var Config *Configuration

// Configuration is the complete remotehub configuration.
type Configuration struct {
	ConfigPath string // Directory containing config file and store
	Verbose    int    // Verbosity level (0 = info, 1 = debug, 2+ = debug with source)

	Connect ConnectSettings
	Watch   WatchSettings
}

// ConnectSettings controls session establishment and reconnection.
type ConnectSettings struct {
	DefaultPort int    // Port used when a connect command omits --port
	PreferredIP string // Address family preferred for reconnect IP fallback: "ipv6" (default) or "ipv4"
}

// WatchSettings controls the per-connection filesystem watch.
type WatchSettings struct {
	MarkerFile string // Watcher config marker looked up when the watch degrades
}

// HCL parsing structs

type hclConfig struct {
	Verbose int         `hcl:"verbose,optional"`
	Connect *hclConnect `hcl:"connect,block"`
	Watch   *hclWatch   `hcl:"watch,block"`
}

type hclConnect struct {
	DefaultPort int    `hcl:"default_port,optional"`
	PreferredIP string `hcl:"preferred_ip,optional"`
}

type hclWatch struct {
	MarkerFile string `hcl:"marker_file,optional"`
}

// DefaultConfigPath returns ~/.config/remotehub, ignoring lookup errors in
// favor of a relative fallback.
func DefaultConfigPath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return BaseDirName
	}
	return filepath.Join(homeDir, BaseDirName)
}

// DefaultConfiguration returns the configuration used when no config file
// exists.
func DefaultConfiguration(configPath string) *Configuration {
	return &Configuration{
		ConfigPath: configPath,
		Connect: ConnectSettings{
			DefaultPort: 9090,
			PreferredIP: "ipv6",
		},
		Watch: WatchSettings{
			MarkerFile: ".watchmanconfig",
		},
	}
}

// LoadConfig loads the HCL configuration file from configPath. A missing
// file is not an error; defaults are returned.
func LoadConfig(configPath string) (*Configuration, error) {
	cfg := DefaultConfiguration(configPath)

	filename := filepath.Join(configPath, ConfigFileName)
	if _, err := os.Stat(filename); os.IsNotExist(err) {
		return cfg, nil
	}

	var hclCfg hclConfig
	if err := hclsimple.DecodeFile(filename, nil, &hclCfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.Verbose = hclCfg.Verbose
	if hclCfg.Connect != nil {
		if hclCfg.Connect.DefaultPort != 0 {
			cfg.Connect.DefaultPort = hclCfg.Connect.DefaultPort
		}
		if hclCfg.Connect.PreferredIP != "" {
			if hclCfg.Connect.PreferredIP != "ipv4" && hclCfg.Connect.PreferredIP != "ipv6" {
				return nil, fmt.Errorf("invalid preferred_ip %q: must be \"ipv4\" or \"ipv6\"", hclCfg.Connect.PreferredIP)
			}
			cfg.Connect.PreferredIP = hclCfg.Connect.PreferredIP
		}
	}
	if hclCfg.Watch != nil && hclCfg.Watch.MarkerFile != "" {
		cfg.Watch.MarkerFile = hclCfg.Watch.MarkerFile
	}

	return cfg, nil
}

// InitializeConfig loads configuration into the package-level Config and
// applies verbosity from the command line when it exceeds the file's value.
func InitializeConfig(configPath string, verboseFlag int) error {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return err
	}
	if verboseFlag > cfg.Verbose {
		cfg.Verbose = verboseFlag
	}
	Config = cfg
	SetupLogging(cfg.Verbose)
	return nil
}

// GetConfigFilePath returns the path of the HCL config file.
func GetConfigFilePath() string {
	return filepath.Join(Config.ConfigPath, ConfigFileName)
}

// GetStorePath returns the path of the saved-configuration database.
func GetStorePath() string {
	return filepath.Join(Config.ConfigPath, StoreFileName)
}

// GetKeyringPath returns the directory used by the file-backend keyring
// fallback.
func GetKeyringPath() string {
	return filepath.Join(Config.ConfigPath, "keyring")
}
