package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/rembraille/rembraille/internal/host"
)

type fileConfig struct {
	ListenAddr  string   `toml:"listen_addr"`
	Cells       int      `toml:"cells"`
	ServerID    string   `toml:"server_id"`
	ReadTimeout string   `toml:"read_timeout"`
	AdminAddr   string   `toml:"admin_addr"`
	CorsOrigins []string `toml:"cors_origins"`
}

type serviceConfig struct {
	Host        host.Config
	AdminAddr   string
	CorsOrigins []string
}

func defaultServiceConfig() serviceConfig {
	return serviceConfig{
		Host:      host.DefaultConfig(),
		AdminAddr: "127.0.0.1:9635",
	}
}

func loadServiceConfig(path string) (serviceConfig, error) {
	cfg := defaultServiceConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return serviceConfig{}, fmt.Errorf("load host config: %w", err)
	}

	if meta.IsDefined("listen_addr") {
		cfg.Host.ListenAddr = strings.TrimSpace(raw.ListenAddr)
	}

	if meta.IsDefined("cells") {
		if raw.Cells < 1 || raw.Cells > 0xFFFF {
			return serviceConfig{}, fmt.Errorf("cells out of range [1, 65535]: %d", raw.Cells)
		}
		cfg.Host.CellCount = uint16(raw.Cells)
	}

	if meta.IsDefined("server_id") {
		id := strings.TrimSpace(raw.ServerID)
		if id != "" {
			cfg.Host.ServerID = id
		}
	}

	if meta.IsDefined("read_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.ReadTimeout))
		if err != nil {
			return serviceConfig{}, fmt.Errorf("parse read_timeout: %w", err)
		}
		cfg.Host.ReadTimeout = d
	}

	if meta.IsDefined("admin_addr") {
		cfg.AdminAddr = strings.TrimSpace(raw.AdminAddr)
	}

	if meta.IsDefined("cors_origins") {
		cfg.CorsOrigins = normalizeOrigins(raw.CorsOrigins)
	}

	return cfg, nil
}

func normalizeOrigins(in []string) []string {
	out := make([]string, 0, len(in))
	for _, origin := range in {
		v := strings.TrimSpace(origin)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
