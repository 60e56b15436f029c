package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/pelletier/go-toml/v2"
)

type AgentConfig struct {
	DeviceUUID   string   `toml:"device_uuid"`
	ShadowName   string   `toml:"shadow_name"`
	TopicPrefix  string   `toml:"topic_prefix"`
	Hostname     string   `toml:"hostname"`
	AdminAddr    string   `toml:"admin_addr"`
	CorsOrigins  []string `toml:"cors_origins"`
	SnapshotPath string   `toml:"snapshot_path"`

	Broker    BrokerConfig    `toml:"broker"`
	Runtime   RuntimeConfig   `toml:"runtime"`
	Reconcile ReconcileConfig `toml:"reconcile"`
}

type BrokerConfig struct {
	Kind       string `toml:"kind"`
	Addr       string `toml:"addr"`
	Username   string `toml:"username"`
	Credential string `toml:"credential"`
	DB         int    `toml:"db"`
}

type RuntimeConfig struct {
	StopTimeoutSeconds int `toml:"stop_timeout_seconds"`
	// SkipImagePull disables registry pulls; images must already be present.
	SkipImagePull bool `toml:"skip_image_pull"`
}

type ReconcileConfig struct {
	IntervalSeconds    int `toml:"interval_seconds"`
	StepTimeoutSeconds int `toml:"step_timeout_seconds"`
	ListTimeoutSeconds int `toml:"list_timeout_seconds"`
}

func LoadAgentConfig(path string) (AgentConfig, error) {
	var cfg AgentConfig
	if err := loadToml(path, &cfg); err != nil {
		return AgentConfig{}, err
	}
	ApplyAgentDefaults(&cfg)
	if err := ValidateAgentConfig(cfg); err != nil {
		return AgentConfig{}, err
	}
	return cfg, nil
}

func ApplyAgentDefaults(cfg *AgentConfig) {
	if cfg.ShadowName == "" {
		cfg.ShadowName = "edge"
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "kestrel"
	}
	if cfg.AdminAddr == "" {
		cfg.AdminAddr = ":9600"
	}
	if cfg.SnapshotPath == "" {
		cfg.SnapshotPath = "/var/lib/shadowd/snapshots.db"
	}
	if cfg.Broker.Kind == "" {
		cfg.Broker.Kind = "nats"
	}
	if cfg.Broker.Addr == "" {
		switch cfg.Broker.Kind {
		case "nats":
			cfg.Broker.Addr = "nats://127.0.0.1:4222"
		case "redis":
			cfg.Broker.Addr = "127.0.0.1:6379"
		}
	}
	if cfg.Runtime.StopTimeoutSeconds == 0 {
		cfg.Runtime.StopTimeoutSeconds = 10
	}
	if cfg.Reconcile.IntervalSeconds == 0 {
		cfg.Reconcile.IntervalSeconds = 60
	}
	if cfg.Reconcile.StepTimeoutSeconds == 0 {
		cfg.Reconcile.StepTimeoutSeconds = 60
	}
	if cfg.Reconcile.ListTimeoutSeconds == 0 {
		cfg.Reconcile.ListTimeoutSeconds = 15
	}
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func ValidateAgentConfig(cfg AgentConfig) error {
	if strings.TrimSpace(cfg.DeviceUUID) == "" {
		return fmt.Errorf("agent config missing device_uuid")
	}
	if err := uuid.Validate(cfg.DeviceUUID); err != nil {
		return fmt.Errorf("agent config device_uuid invalid: %w", err)
	}
	if strings.TrimSpace(cfg.ShadowName) == "" {
		return fmt.Errorf("agent config missing shadow_name")
	}
	if strings.TrimSpace(cfg.TopicPrefix) == "" {
		return fmt.Errorf("agent config missing topic_prefix")
	}
	if strings.TrimSpace(cfg.AdminAddr) == "" {
		return fmt.Errorf("agent config missing admin_addr")
	}
	if strings.TrimSpace(cfg.SnapshotPath) == "" {
		return fmt.Errorf("agent config missing snapshot_path")
	}
	switch cfg.Broker.Kind {
	case "memory":
	case "nats", "redis":
		if strings.TrimSpace(cfg.Broker.Addr) == "" {
			return fmt.Errorf("agent config missing broker addr for kind %q", cfg.Broker.Kind)
		}
	default:
		return fmt.Errorf("agent config broker kind %q unsupported", cfg.Broker.Kind)
	}
	if cfg.Runtime.StopTimeoutSeconds < 0 {
		return fmt.Errorf("agent config runtime stop_timeout_seconds negative")
	}
	if cfg.Reconcile.IntervalSeconds <= 0 ||
		cfg.Reconcile.StepTimeoutSeconds <= 0 ||
		cfg.Reconcile.ListTimeoutSeconds <= 0 {
		return fmt.Errorf("agent config reconcile timings must be positive")
	}
	return nil
}
