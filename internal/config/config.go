// Package config persists the caller-facing connection settings: the
// last-used peer endpoint, the auto-connect flag, and the two retry
// cadences (the short wire-layer delay and the driver-level interval).
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/rembraille/rembraille/internal/protocol"
)

const (
	DefaultWireReconnectDelay = 3 * time.Second
	DefaultDriverReconnect    = time.Minute

	minDriverReconnect = time.Minute
	maxDriverReconnect = 60 * time.Minute
)

// Settings is the persisted connection configuration.
type Settings struct {
	HostAddress string `toml:"host_address"`
	Port        uint16 `toml:"port"`
	AutoConnect bool   `toml:"auto_connect"`

	// WireReconnectDelay is the fixed delay between automatic reconnection
	// attempts after a mid-session fault.
	WireReconnectDelay time.Duration `toml:"wire_reconnect_delay"`

	// DriverReconnect is the longer, user-facing retry interval applied by
	// the layer above after a surfaced connection failure. Passed through;
	// the wire layer never reads it.
	DriverReconnect time.Duration `toml:"driver_reconnect_interval"`
}

func DefaultSettings() Settings {
	return Settings{
		Port:               protocol.DefaultPort,
		AutoConnect:        true,
		WireReconnectDelay: DefaultWireReconnectDelay,
		DriverReconnect:    DefaultDriverReconnect,
	}
}

// Load reads settings from path. A missing file yields the defaults so a
// first run needs no setup step.
func Load(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return DefaultSettings(), nil
	}
	if err != nil {
		return Settings{}, fmt.Errorf("settings load failed (%s): %w", path, err)
	}

	cfg := DefaultSettings()
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Settings{}, fmt.Errorf("settings parse failed (%s): %w", path, err)
	}
	if err := Validate(cfg); err != nil {
		return Settings{}, err
	}
	return cfg, nil
}

// Save persists settings to path, creating parent directories as needed.
func Save(path string, cfg Settings) error {
	if err := Validate(cfg); err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("settings encode failed: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("settings save failed (%s): %w", path, err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("settings save failed (%s): %w", path, err)
	}
	return nil
}

// SuggestAddr lets Settings serve as the client's peer-address supplier.
func (s Settings) SuggestAddr() (string, uint16, error) {
	if strings.TrimSpace(s.HostAddress) == "" {
		return "", 0, fmt.Errorf("settings: no host address configured")
	}
	return s.HostAddress, s.Port, nil
}

func Validate(cfg Settings) error {
	if cfg.Port == 0 {
		return fmt.Errorf("settings port must be nonzero")
	}
	if strings.ContainsAny(cfg.HostAddress, " \t") {
		return fmt.Errorf("settings host_address contains whitespace: %q", cfg.HostAddress)
	}
	if cfg.WireReconnectDelay <= 0 {
		return fmt.Errorf("settings wire_reconnect_delay must be positive")
	}
	if cfg.DriverReconnect < minDriverReconnect || cfg.DriverReconnect > maxDriverReconnect {
		return fmt.Errorf("settings driver_reconnect_interval out of range [1m, 60m]: %v", cfg.DriverReconnect)
	}
	return nil
}
