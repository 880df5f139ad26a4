// Package config loads the agent settings from flags, the environment and the plugin file.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	internalerrors "github.com/Schera-ole/perfmon/internal/errors"
)

const (
	// DefaultGUID identifies the plugin on the platform unless overridden
	DefaultGUID = "com.automatedops.perfmon_plugin"

	ProviderAuto = "auto"
	ProviderWMI  = "wmi"
	ProviderHost = "host"
)

// AgentConfig holds the process-wide settings of the agent.
type AgentConfig struct {
	// ConfigDir holds plugin.json
	ConfigDir string

	// Address of the status server; empty disables it
	Address string

	// PollInterval in seconds
	PollInterval int

	// Key signs platform requests when set
	Key string

	DatabaseDSN     string
	FileStoragePath string
	PlatformURL     string
	LicenseKey      string
	GUID            string

	// Provider selects the counter source: auto, wmi or host
	Provider string

	// WMIUser and WMIPassword are read from the environment only
	WMIUser     string
	WMIPassword string

	Verbose bool
}

// Interval returns the poll interval as a duration.
func (c *AgentConfig) Interval() time.Duration {
	return time.Duration(c.PollInterval) * time.Second
}

// NewAgentConfig parses args and lets non-empty environment variables override them.
func NewAgentConfig(args []string) (*AgentConfig, error) {
	config := &AgentConfig{
		ConfigDir:    "config",
		Address:      "localhost:8080",
		PollInterval: 60,
		GUID:         DefaultGUID,
		Provider:     ProviderAuto,
	}

	fs := flag.NewFlagSet("agent", flag.ContinueOnError)
	configDir := fs.String("c", config.ConfigDir, "directory holding plugin.json")
	address := fs.String("a", config.Address, "status server address, empty to disable")
	pollInterval := fs.Int("p", config.PollInterval, "poll interval in seconds")
	key := fs.String("k", "", "key signing platform requests")
	databaseDSN := fs.String("d", "", "database dsn of the sample history")
	fileStoragePath := fs.String("f", "", "file the samples are appended to")
	platformURL := fs.String("u", "", "platform metrics endpoint")
	licenseKey := fs.String("l", "", "platform license key")
	guid := fs.String("g", config.GUID, "component guid")
	provider := fs.String("m", config.Provider, "counter provider: auto, wmi or host")
	verbose := fs.Bool("v", false, "debug logging")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	envVars := map[string]*string{
		"CONFIG_DIR":        configDir,
		"ADDRESS":           address,
		"KEY":               key,
		"DATABASE_DSN":      databaseDSN,
		"FILE_STORAGE_PATH": fileStoragePath,
		"PLATFORM_URL":      platformURL,
		"LICENSE_KEY":       licenseKey,
		"GUID":              guid,
		"PROVIDER":          provider,
	}

	for envVar, flag := range envVars {
		if envValue := os.Getenv(envVar); envValue != "" {
			*flag = envValue
		}
	}

	if envPollInterval := os.Getenv("POLL_INTERVAL"); envPollInterval != "" {
		interval, err := strconv.Atoi(envPollInterval)
		if err != nil {
			return nil, fmt.Errorf("%w: POLL_INTERVAL: %w", internalerrors.ErrInvalidConfig, err)
		}
		*pollInterval = interval
	}

	if envVerbose := os.Getenv("VERBOSE"); envVerbose != "" {
		v, err := strconv.ParseBool(envVerbose)
		if err != nil {
			return nil, fmt.Errorf("%w: VERBOSE: %w", internalerrors.ErrInvalidConfig, err)
		}
		*verbose = v
	}

	config.ConfigDir = *configDir
	config.Address = *address
	config.PollInterval = *pollInterval
	config.Key = *key
	config.DatabaseDSN = *databaseDSN
	config.FileStoragePath = *fileStoragePath
	config.PlatformURL = *platformURL
	config.LicenseKey = *licenseKey
	config.GUID = *guid
	config.Provider = *provider
	config.Verbose = *verbose
	config.WMIUser = os.Getenv("WMI_USER")
	config.WMIPassword = os.Getenv("WMI_PASSWORD")

	if err := config.validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *AgentConfig) validate() error {
	if c.PollInterval <= 0 {
		return fmt.Errorf("%w: poll interval must be positive, got %d", internalerrors.ErrInvalidConfig, c.PollInterval)
	}
	switch c.Provider {
	case ProviderAuto, ProviderWMI, ProviderHost:
	default:
		return fmt.Errorf("%w: %q", internalerrors.ErrUnknownProvider, c.Provider)
	}
	if c.GUID == "" {
		c.GUID = DefaultGUID
	}
	return nil
}
