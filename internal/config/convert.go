package config

import (
	"time"

	"github.com/kestrel-iot/shadowd/internal/broker"
	"github.com/kestrel-iot/shadowd/internal/protocol"
	"github.com/kestrel-iot/shadowd/internal/runtime"
)

// Topics builds the shadow topic scheme the agent speaks under.
func Topics(cfg AgentConfig) protocol.Topics {
	return protocol.Topics{
		Prefix:     cfg.TopicPrefix,
		DeviceUUID: cfg.DeviceUUID,
		ShadowName: cfg.ShadowName,
	}
}

// NATSOptions maps broker settings onto the NATS adapter configuration.
func NATSOptions(cfg AgentConfig) broker.NATSConfig {
	return broker.NATSConfig{
		URL:        cfg.Broker.Addr,
		Name:       "shadowd-" + cfg.ShadowName,
		Credential: cfg.Broker.Credential,
		Reconnect:  broker.DefaultReconnectConfig(),
	}
}

// RedisOptions maps broker settings onto the Redis adapter configuration.
func RedisOptions(cfg AgentConfig) broker.RedisConfig {
	return broker.RedisConfig{
		Addr:       cfg.Broker.Addr,
		Username:   cfg.Broker.Username,
		Credential: cfg.Broker.Credential,
		DB:         cfg.Broker.DB,
		Reconnect:  broker.DefaultReconnectConfig(),
	}
}

// DockerOptions maps runtime settings onto the Docker adapter configuration.
func DockerOptions(cfg AgentConfig) runtime.DockerConfig {
	return runtime.DockerConfig{
		ShadowName:  cfg.ShadowName,
		StopTimeout: time.Duration(cfg.Runtime.StopTimeoutSeconds) * time.Second,
		PullImages:  !cfg.Runtime.SkipImagePull,
	}
}

// ReconcileTimings expands the integer-second knobs into durations.
func ReconcileTimings(cfg AgentConfig) (interval, stepTimeout, listTimeout time.Duration) {
	return time.Duration(cfg.Reconcile.IntervalSeconds) * time.Second,
		time.Duration(cfg.Reconcile.StepTimeoutSeconds) * time.Second,
		time.Duration(cfg.Reconcile.ListTimeoutSeconds) * time.Second
}
