package browser

import (
	"context"
	"fmt"
	"sync"

	"github.com/tabpilot/tabpilot/internal/logging"
	"github.com/tabpilot/tabpilot/internal/relay"
)

// Manager owns browser contexts keyed by profile and, optionally, an
// embedded relay server.
type Manager struct {
	mu sync.Mutex

	config   *ResolvedConfig
	relay    *relay.Server
	contexts map[string]Context
	started  bool
}

var (
	managerOnce sync.Once
	manager     *Manager
)

// GetManager returns the process-wide manager.
func GetManager() *Manager {
	managerOnce.Do(func() {
		manager = &Manager{
			contexts: make(map[string]Context),
		}
	})
	return manager
}

// Start resolves the configuration. Contexts are created lazily.
func (m *Manager) Start(cfg Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return nil
	}
	m.config = ResolveConfig(cfg)
	m.started = true
	return nil
}

// StartRelay launches the embedded relay server on the configured
// listen address. Relay profiles with no explicit server URL dial it.
func (m *Manager) StartRelay() (*relay.Server, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.started {
		return nil, fmt.Errorf("manager not started")
	}
	if m.relay != nil {
		return m.relay, nil
	}

	var opts []relay.Option
	if m.config.CommandTimeout > 0 {
		opts = append(opts, relay.WithRequestTimeout(m.config.CommandTimeout))
	}

	srv := relay.NewServer(opts...)
	if err := srv.Start(m.config.Listen); err != nil {
		return nil, fmt.Errorf("failed to start relay on %s: %w", m.config.Listen, err)
	}
	m.relay = srv
	logging.Infof("relay server listening on %s", m.config.Listen)
	return srv, nil
}

// Relay returns the embedded relay server, or nil if none was started.
func (m *Manager) Relay() *relay.Server {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.relay
}

// Stop closes every open context and stops the embedded relay.
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.started {
		return nil
	}

	for name, bctx := range m.contexts {
		if err := bctx.Close(context.Background()); err != nil {
			logging.Warnf("failed to close context for profile %s: %v", name, err)
		}
		delete(m.contexts, name)
	}

	if m.relay != nil {
		if err := m.relay.Stop(); err != nil {
			logging.Warnf("failed to stop relay: %v", err)
		}
		m.relay = nil
	}

	m.started = false
	return nil
}

// Config returns the resolved configuration.
func (m *Manager) Config() *ResolvedConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.config
}

// GetContext returns the open context for a profile, connecting or
// launching one on first use.
func (m *Manager) GetContext(ctx context.Context, profileName string) (Context, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.started {
		return nil, fmt.Errorf("manager not started")
	}

	profile := m.config.GetProfile(profileName)
	if profile == nil {
		return nil, fmt.Errorf("unknown profile: %s", profileName)
	}

	if bctx, ok := m.contexts[profile.Name]; ok {
		return bctx, nil
	}

	bctx, err := m.openContext(ctx, profile)
	if err != nil {
		return nil, err
	}
	m.contexts[profile.Name] = bctx
	return bctx, nil
}

func (m *Manager) openContext(ctx context.Context, profile *ResolvedProfile) (Context, error) {
	switch profile.Driver {
	case DriverRelay:
		bctx, err := Connect(ctx, ConnectOptions{
			ServerURL:      profile.ServerURL,
			CommandTimeout: m.config.CommandTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect profile %s: %w", profile.Name, err)
		}
		return bctx, nil

	case DriverLocal:
		bctx, err := Launch(ctx, LocalOptions{
			CDPURL:         profile.CDPUrl,
			UserDataDir:    profile.UserDataDir,
			ExecutablePath: profile.ExecutablePath,
			Headless:       profile.Headless,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to launch profile %s: %w", profile.Name, err)
		}
		return bctx, nil

	default:
		return nil, fmt.Errorf("profile %s has unknown driver %q", profile.Name, profile.Driver)
	}
}

// CloseContext closes and forgets the context for a profile.
func (m *Manager) CloseContext(profileName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	profile := m.config.GetProfile(profileName)
	if profile == nil {
		return fmt.Errorf("unknown profile: %s", profileName)
	}

	bctx, ok := m.contexts[profile.Name]
	if !ok {
		return nil
	}
	delete(m.contexts, profile.Name)
	return bctx.Close(context.Background())
}

// ListProfiles returns the configured profile names.
func (m *Manager) ListProfiles() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.config == nil {
		return nil
	}
	names := make([]string, 0, len(m.config.Profiles))
	for name := range m.config.Profiles {
		names = append(names, name)
	}
	return names
}

// ProfileStatus is a snapshot of one profile.
type ProfileStatus struct {
	Name      string `json:"name"`
	Driver    string `json:"driver"`
	ServerURL string `json:"server_url,omitempty"`
	CDPUrl    string `json:"cdp_url,omitempty"`
	Open      bool   `json:"open"`
}

// ProfileStatuses returns a snapshot of every profile.
func (m *Manager) ProfileStatuses() []*ProfileStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.config == nil {
		return nil
	}

	statuses := make([]*ProfileStatus, 0, len(m.config.Profiles))
	for name, profile := range m.config.Profiles {
		_, open := m.contexts[name]
		statuses = append(statuses, &ProfileStatus{
			Name:      profile.Name,
			Driver:    profile.Driver,
			ServerURL: profile.ServerURL,
			CDPUrl:    profile.CDPUrl,
			Open:      open,
		})
	}
	return statuses
}
