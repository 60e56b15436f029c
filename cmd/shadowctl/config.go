package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// fileConfig is the on-disk shape of a shadowctl client config.
type fileConfig struct {
	Addr      string `toml:"addr"`
	Timeout   string `toml:"timeout"`
	TimeoutMS int64  `toml:"timeout_ms"`
}

// clientConfig is the resolved client configuration for one agent target.
type clientConfig struct {
	Addr    string
	Timeout time.Duration
}

func defaultClientConfig() clientConfig {
	return clientConfig{
		Addr:    "127.0.0.1:9600",
		Timeout: 5 * time.Second,
	}
}

// loadClientConfig overlays the file onto the defaults. Only keys present in
// the file override; absent keys keep their default.
func loadClientConfig(path string) (clientConfig, error) {
	cfg := defaultClientConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return clientConfig{}, fmt.Errorf("load shadowctl config: %w", err)
	}

	if meta.IsDefined("addr") {
		addr := strings.TrimSpace(raw.Addr)
		if addr != "" {
			cfg.Addr = addr
		}
	}

	if meta.IsDefined("timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Timeout))
		if err != nil {
			return clientConfig{}, fmt.Errorf("parse timeout: %w", err)
		}
		cfg.Timeout = d
	}

	if meta.IsDefined("timeout_ms") {
		cfg.Timeout = time.Duration(raw.TimeoutMS) * time.Millisecond
	}

	return cfg, nil
}
