package browser

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfigMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Listen != DefaultListenAddr {
		t.Errorf("Listen = %q, want %q", cfg.Listen, DefaultListenAddr)
	}
	if _, ok := cfg.Profiles["chrome"]; !ok {
		t.Error("default config missing chrome profile")
	}
}

func TestLoadConfigParsesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
listen: "0.0.0.0:9777"
commandTimeoutSeconds: 45
profiles:
  work:
    driver: relay
    serverUrl: "ws://relay.internal:9777/ws"
  scratch:
    driver: local
    headless: true
    cdpUrl: "http://127.0.0.1:9222"
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Listen != "0.0.0.0:9777" {
		t.Errorf("Listen = %q", cfg.Listen)
	}
	if cfg.CommandTimeoutSeconds != 45 {
		t.Errorf("CommandTimeoutSeconds = %d", cfg.CommandTimeoutSeconds)
	}
	if cfg.Profiles["work"].ServerURL != "ws://relay.internal:9777/ws" {
		t.Errorf("work profile = %+v", cfg.Profiles["work"])
	}
	if !cfg.Profiles["scratch"].Headless {
		t.Error("scratch profile should be headless")
	}
}

func TestLoadConfigRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("profiles: [not a map"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Error("expected parse error")
	}
}

func TestResolveConfigDefaults(t *testing.T) {
	t.Setenv("TABPILOT_LISTEN", "")
	t.Setenv("TABPILOT_RELAY_URL", "")

	resolved := ResolveConfig(Config{CommandTimeoutSeconds: 10})

	if resolved.Listen != DefaultListenAddr {
		t.Errorf("Listen = %q", resolved.Listen)
	}
	if resolved.CommandTimeout != 10*time.Second {
		t.Errorf("CommandTimeout = %v", resolved.CommandTimeout)
	}

	chrome := resolved.GetProfile("chrome")
	if chrome == nil {
		t.Fatal("missing chrome profile")
	}
	if chrome.Driver != DriverRelay {
		t.Errorf("chrome driver = %q", chrome.Driver)
	}
	if chrome.ServerURL != "ws://127.0.0.1:8766/ws" {
		t.Errorf("chrome ServerURL = %q", chrome.ServerURL)
	}

	local := resolved.GetProfile("local")
	if local == nil {
		t.Fatal("missing local profile")
	}
	if local.Driver != DriverLocal {
		t.Errorf("local driver = %q", local.Driver)
	}
	if local.UserDataDir == "" {
		t.Error("launched local profile needs a user data dir")
	}
}

func TestResolveConfigWildcardBindMapsToLoopback(t *testing.T) {
	t.Setenv("TABPILOT_LISTEN", "")
	t.Setenv("TABPILOT_RELAY_URL", "")

	resolved := ResolveConfig(Config{
		Listen: "0.0.0.0:9100",
		Profiles: map[string]ProfileConfig{
			"chrome": {Driver: DriverRelay},
		},
	})

	chrome := resolved.GetProfile("chrome")
	if chrome.ServerURL != "ws://127.0.0.1:9100/ws" {
		t.Errorf("ServerURL = %q, want loopback", chrome.ServerURL)
	}
}

func TestResolveConfigEnvOverrides(t *testing.T) {
	t.Setenv("TABPILOT_LISTEN", "127.0.0.1:9200")
	t.Setenv("TABPILOT_RELAY_URL", "ws://10.0.0.5:8766/ws")

	resolved := ResolveConfig(Config{
		Listen: "127.0.0.1:8000",
		Profiles: map[string]ProfileConfig{
			"chrome": {Driver: DriverRelay, ServerURL: "ws://file-configured:1/ws"},
		},
	})

	if resolved.Listen != "127.0.0.1:9200" {
		t.Errorf("Listen = %q, env should win", resolved.Listen)
	}
	if resolved.GetProfile("chrome").ServerURL != "ws://10.0.0.5:8766/ws" {
		t.Errorf("ServerURL = %q, env should win", resolved.GetProfile("chrome").ServerURL)
	}
}

func TestGetProfileNormalizesDefault(t *testing.T) {
	t.Setenv("TABPILOT_LISTEN", "")
	t.Setenv("TABPILOT_RELAY_URL", "")

	resolved := ResolveConfig(Config{})

	if p := resolved.GetProfile(""); p == nil || p.Name != DefaultProfileName {
		t.Errorf("empty name resolved to %+v", p)
	}
	if p := resolved.GetProfile("Default"); p == nil || p.Name != DefaultProfileName {
		t.Errorf("\"Default\" resolved to %+v", p)
	}
	if p := resolved.GetProfile("missing"); p != nil {
		t.Errorf("unknown profile resolved to %+v", p)
	}
}

func TestLocatorXPathPrefixStripping(t *testing.T) {
	with := &remoteLocator{selector: "xpath=//div[1]"}
	if with.xpath() != "//div[1]" {
		t.Errorf("xpath() = %q", with.xpath())
	}
	without := &remoteLocator{selector: "//div[1]"}
	if without.xpath() != "//div[1]" {
		t.Errorf("xpath() = %q", without.xpath())
	}
}

func TestJSStringEscaping(t *testing.T) {
	got := jsString(`//a[@title="x's"]`)
	want := `"//a[@title=\"x's\"]"`
	if got != want {
		t.Errorf("jsString = %s, want %s", got, want)
	}
}
