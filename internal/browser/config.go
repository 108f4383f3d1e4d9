package browser

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DriverRelay routes commands through the relay server to the
	// extension agent.
	DriverRelay = "relay"

	// DriverLocal drives a browser directly over Playwright.
	DriverLocal = "local"

	// DefaultProfileName is used when no profile is requested.
	DefaultProfileName = "chrome"

	// DefaultListenAddr is where the relay server listens.
	DefaultListenAddr = "127.0.0.1:8766"
)

// Config is the on-disk configuration.
type Config struct {
	// Listen is the relay server bind address (host:port).
	Listen string `json:"listen,omitempty" yaml:"listen,omitempty"`

	// CommandTimeoutSeconds bounds how long a forwarded command may wait
	// for the extension agent. Zero means the built-in default.
	CommandTimeoutSeconds int `json:"commandTimeoutSeconds,omitempty" yaml:"commandTimeoutSeconds,omitempty"`

	// Profiles defines named browser profiles.
	Profiles map[string]ProfileConfig `json:"profiles,omitempty" yaml:"profiles,omitempty"`
}

// ProfileConfig configures a named browser profile.
type ProfileConfig struct {
	// Driver is "relay" (extension agent via relay) or "local"
	// (Playwright-managed browser).
	Driver string `json:"driver,omitempty" yaml:"driver,omitempty"`

	// ServerURL is the relay WebSocket endpoint for relay profiles.
	ServerURL string `json:"serverUrl,omitempty" yaml:"serverUrl,omitempty"`

	// CDPUrl attaches a local profile to an already-running browser.
	CDPUrl string `json:"cdpUrl,omitempty" yaml:"cdpUrl,omitempty"`

	// ExecutablePath overrides auto-detection of the browser binary.
	ExecutablePath string `json:"executablePath,omitempty" yaml:"executablePath,omitempty"`

	// Headless runs a launched browser without UI.
	Headless bool `json:"headless,omitempty" yaml:"headless,omitempty"`

	// UserDataDir is the profile directory for launched browsers.
	UserDataDir string `json:"userDataDir,omitempty" yaml:"userDataDir,omitempty"`
}

// ResolvedConfig is the configuration with defaults applied.
type ResolvedConfig struct {
	Listen         string
	CommandTimeout time.Duration
	Profiles       map[string]*ResolvedProfile
}

// ResolvedProfile is a fully resolved browser profile.
type ResolvedProfile struct {
	Name           string
	Driver         string
	ServerURL      string
	CDPUrl         string
	ExecutablePath string
	Headless       bool
	UserDataDir    string
}

// DefaultConfig returns the default configuration: one relay profile
// talking to a relay on the loopback address, and one local profile.
func DefaultConfig() Config {
	return Config{
		Listen: DefaultListenAddr,
		Profiles: map[string]ProfileConfig{
			"chrome": {
				Driver: DriverRelay,
			},
			"local": {
				Driver:   DriverLocal,
				Headless: true,
			},
		},
	}
}

// LoadConfig reads a YAML config file. A missing file yields the defaults.
func LoadConfig(path string) (Config, error) {
	if path == "" {
		path = defaultConfigPath()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

func defaultConfigPath() string {
	if dir := os.Getenv("TABPILOT_CONFIG_DIR"); dir != "" {
		return filepath.Join(dir, "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".config", "tabpilot", "config.yaml")
}

// ResolveConfig applies defaults and environment overrides.
//
// Environment variables win over the file: TABPILOT_LISTEN overrides the
// bind address and TABPILOT_RELAY_URL overrides every relay profile's
// server URL.
func ResolveConfig(cfg Config) *ResolvedConfig {
	resolved := &ResolvedConfig{
		Listen:   cfg.Listen,
		Profiles: make(map[string]*ResolvedProfile),
	}

	if resolved.Listen == "" {
		resolved.Listen = DefaultListenAddr
	}
	if env := os.Getenv("TABPILOT_LISTEN"); env != "" {
		resolved.Listen = env
	}

	if cfg.CommandTimeoutSeconds > 0 {
		resolved.CommandTimeout = time.Duration(cfg.CommandTimeoutSeconds) * time.Second
	}

	profiles := cfg.Profiles
	if len(profiles) == 0 {
		profiles = DefaultConfig().Profiles
	}

	relayOverride := os.Getenv("TABPILOT_RELAY_URL")
	for name, profile := range profiles {
		resolved.Profiles[name] = resolveProfile(name, profile, resolved.Listen, relayOverride)
	}

	return resolved
}

func resolveProfile(name string, cfg ProfileConfig, listen, relayOverride string) *ResolvedProfile {
	profile := &ResolvedProfile{
		Name:           name,
		Driver:         cfg.Driver,
		ServerURL:      cfg.ServerURL,
		CDPUrl:         cfg.CDPUrl,
		ExecutablePath: cfg.ExecutablePath,
		Headless:       cfg.Headless,
		UserDataDir:    cfg.UserDataDir,
	}

	if profile.Driver == "" {
		if name == "local" {
			profile.Driver = DriverLocal
		} else {
			profile.Driver = DriverRelay
		}
	}

	switch profile.Driver {
	case DriverRelay:
		if relayOverride != "" {
			profile.ServerURL = relayOverride
		}
		if profile.ServerURL == "" {
			profile.ServerURL = relayURLFor(listen)
		}
	case DriverLocal:
		if profile.UserDataDir == "" && profile.CDPUrl == "" {
			profile.UserDataDir = resolveUserDataDir(name)
		}
	}

	return profile
}

// relayURLFor derives the client WebSocket URL from a bind address.
// Wildcard binds map to loopback since clients dial, not listen.
func relayURLFor(listen string) string {
	host := listen
	if u, err := url.Parse("ws://" + listen); err == nil && u.Host != "" {
		host = u.Host
		switch u.Hostname() {
		case "", "0.0.0.0", "::":
			host = "127.0.0.1"
			if p := u.Port(); p != "" {
				host += ":" + p
			}
		}
	}
	return fmt.Sprintf("ws://%s/ws", host)
}

func resolveUserDataDir(profileName string) string {
	if dir := os.Getenv("TABPILOT_CONFIG_DIR"); dir != "" {
		return filepath.Join(dir, "profiles", profileName, "user-data")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join("profiles", profileName, "user-data")
	}
	return filepath.Join(home, ".config", "tabpilot", "profiles", profileName, "user-data")
}

// GetProfile returns a resolved profile by name.
func (c *ResolvedConfig) GetProfile(name string) *ResolvedProfile {
	if name == "" {
		name = DefaultProfileName
	}
	if strings.ToLower(name) == "default" {
		name = DefaultProfileName
	}
	return c.Profiles[name]
}
