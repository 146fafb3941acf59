// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Lock modes for cluster-wide wildcard route updates.
const (
	LockModeKey    = "key"
	LockModeTab    = "tab"
	LockModeGlobal = "global"
)

// Queue overflow policies.
const (
	OverflowDropNewest = "drop_newest"
	OverflowDropOldest = "drop_oldest"
	OverflowDisconnect = "disconnect"
)

// Shared subscription dispatch policies.
const (
	SharedPolicyRandom       = "random"
	SharedPolicyRoundRobin   = "round_robin"
	SharedPolicyHashClientID = "hash_clientid"
)

// Retained storage backends.
const (
	RetainedMemory  = "memory"
	RetainedDurable = "durable"
)

// Config holds all configuration for the routing core.
type Config struct {
	Node     NodeConfig     `yaml:"node"`
	Routing  RoutingConfig  `yaml:"routing"`
	Session  SessionConfig  `yaml:"session"`
	Shared   SharedConfig   `yaml:"shared_subscription"`
	ACL      ACLConfig      `yaml:"acl"`
	Retained RetainedConfig `yaml:"retained"`
	Cluster  ClusterConfig  `yaml:"cluster"`
	Log      LogConfig      `yaml:"log"`
	Otel     OtelConfig     `yaml:"otel"`
}

// NodeConfig identifies this node.
type NodeConfig struct {
	// ID is the cluster-unique node identifier. Generated if empty.
	ID string `yaml:"id"`
}

// RoutingConfig controls the route table and its worker pool.
type RoutingConfig struct {
	// LockMode is one of key, tab, global.
	LockMode string `yaml:"lock_mode"`
	// WorkerPoolSize shards route mutations by filter hash.
	WorkerPoolSize int `yaml:"worker_pool_size"`
	// TxnRetries bounds KV transaction retries before surfacing
	// RouteUnavailable.
	TxnRetries int `yaml:"txn_retries"`
}

// SessionQueueConfig bounds the per-session message queue.
type SessionQueueConfig struct {
	Max      int    `yaml:"max"`
	Overflow string `yaml:"overflow"`
	// HighWatermark is the queue depth above which the session signals
	// backpressure to the dispatch path. Zero derives it from Max.
	HighWatermark int `yaml:"high_watermark"`
}

// SessionExpiryConfig controls non-clean session retention.
type SessionExpiryConfig struct {
	Default time.Duration `yaml:"default"`
}

// SessionConfig holds per-session defaults.
type SessionConfig struct {
	Queue  SessionQueueConfig  `yaml:"queue"`
	Expiry SessionExpiryConfig `yaml:"expiry"`
	// RetryInterval is the inflight retransmission interval.
	RetryInterval time.Duration `yaml:"retry_interval"`
	// RetryMax disconnects a session after this many unacked retransmissions.
	RetryMax int `yaml:"retry_max"`
	// ReceiveMaximum is loaded but not read by the broker: inbound QoS 1/2
	// inflight is not capped, and a session's send quota comes from the
	// ReceiveMaximum of its CONNECT request.
	ReceiveMaximum uint16 `yaml:"receive_maximum"`
	// PublishRate limits inbound publishes per second per session.
	// Zero disables the limiter.
	PublishRate  float64 `yaml:"publish_rate"`
	PublishBurst int     `yaml:"publish_burst"`
}

// SharedConfig selects the shared subscription dispatch policy.
type SharedConfig struct {
	Policy string `yaml:"policy"`
}

// ACLCacheConfig bounds the per-session authorization cache.
type ACLCacheConfig struct {
	MaxSize int           `yaml:"max_size"`
	TTL     time.Duration `yaml:"ttl"`
}

// ACLConfig holds authorization settings.
type ACLConfig struct {
	Cache ACLCacheConfig `yaml:"cache"`
}

// RetainedConfig selects the retained message backend.
type RetainedConfig struct {
	Storage string `yaml:"storage"`
	// Dir is the on-disk location for the durable backend.
	Dir string `yaml:"dir"`
}

// ClusterConfig holds cluster coordination settings.
type ClusterConfig struct {
	Enabled bool `yaml:"enabled"`
	// Endpoints are etcd endpoints. Ignored when Embed is set.
	Endpoints []string `yaml:"endpoints"`
	// Embed runs an embedded etcd server for single-binary deployments.
	Embed bool `yaml:"embed"`
	// DataDir is the embedded etcd data directory.
	DataDir string `yaml:"data_dir"`
	// PeerBind is the inter-node transport listen address.
	PeerBind string `yaml:"peer_bind"`
	// PeerAdvertise is the address peers dial; defaults to PeerBind.
	PeerAdvertise string `yaml:"peer_advertise"`
	// HeartbeatTTL is the lease TTL behind route ownership; routes of a
	// dead node are reaped within twice this interval.
	HeartbeatTTL time.Duration `yaml:"heartbeat_ttl"`
	// DialTimeout bounds the initial connection to etcd.
	DialTimeout time.Duration `yaml:"dial_timeout"`
	// ForwardBatchSize caps publishes per forwarded batch frame.
	ForwardBatchSize int `yaml:"forward_batch_size"`
	// ForwardBatchDelay is how long a partial batch waits before flushing.
	ForwardBatchDelay time.Duration `yaml:"forward_batch_delay"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// OtelConfig holds the OpenTelemetry exporter settings. With both exporters
// disabled the instruments stay on the no-op global provider.
type OtelConfig struct {
	// Endpoint is the OTLP gRPC collector address.
	Endpoint       string `yaml:"endpoint"`
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`
	MetricsEnabled bool   `yaml:"metrics_enabled"`
	TracesEnabled  bool   `yaml:"traces_enabled"`
	// TraceSampleRate is the parent-based sampling ratio, 0.0 to 1.0.
	TraceSampleRate float64 `yaml:"trace_sample_rate"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Routing: RoutingConfig{
			LockMode:       LockModeKey,
			WorkerPoolSize: 16,
			TxnRetries:     5,
		},
		Session: SessionConfig{
			Queue: SessionQueueConfig{
				Max:      1000,
				Overflow: OverflowDropNewest,
			},
			Expiry:         SessionExpiryConfig{Default: 2 * time.Hour},
			RetryInterval:  20 * time.Second,
			RetryMax:       5,
			ReceiveMaximum: 65535,
			PublishBurst:   64,
		},
		Shared: SharedConfig{Policy: SharedPolicyRoundRobin},
		ACL: ACLConfig{
			Cache: ACLCacheConfig{MaxSize: 32, TTL: time.Minute},
		},
		Retained: RetainedConfig{Storage: RetainedMemory},
		Cluster: ClusterConfig{
			PeerBind:          ":7946",
			HeartbeatTTL:      10 * time.Second,
			DialTimeout:       5 * time.Second,
			ForwardBatchSize:  64,
			ForwardBatchDelay: 5 * time.Millisecond,
		},
		Log: LogConfig{Level: "info", Format: "text"},
		Otel: OtelConfig{
			Endpoint:        "localhost:4317",
			ServiceName:     "fluxroute",
			ServiceVersion:  "0.1.0",
			TraceSampleRate: 1.0,
		},
	}
}

// Load reads configuration from a YAML file, applying defaults for missing
// values.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks option values against the recognized sets.
func (c *Config) Validate() error {
	switch c.Routing.LockMode {
	case LockModeKey, LockModeTab, LockModeGlobal:
	default:
		return fmt.Errorf("routing.lock_mode: unknown mode %q", c.Routing.LockMode)
	}
	if c.Routing.WorkerPoolSize <= 0 {
		return fmt.Errorf("routing.worker_pool_size: must be positive, got %d", c.Routing.WorkerPoolSize)
	}
	if c.Session.Queue.Max <= 0 {
		return fmt.Errorf("session.queue.max: must be positive, got %d", c.Session.Queue.Max)
	}
	switch c.Session.Queue.Overflow {
	case OverflowDropNewest, OverflowDropOldest, OverflowDisconnect:
	default:
		return fmt.Errorf("session.queue.overflow: unknown policy %q", c.Session.Queue.Overflow)
	}
	switch c.Shared.Policy {
	case SharedPolicyRandom, SharedPolicyRoundRobin, SharedPolicyHashClientID:
	default:
		return fmt.Errorf("shared_subscription.policy: unknown policy %q", c.Shared.Policy)
	}
	switch c.Retained.Storage {
	case RetainedMemory, RetainedDurable:
	default:
		return fmt.Errorf("retained.storage: unknown backend %q", c.Retained.Storage)
	}
	if c.Retained.Storage == RetainedDurable && c.Retained.Dir == "" {
		return fmt.Errorf("retained.dir: required for durable storage")
	}
	if c.ACL.Cache.MaxSize < 0 {
		return fmt.Errorf("acl.cache.max_size: must not be negative, got %d", c.ACL.Cache.MaxSize)
	}
	if c.Otel.TraceSampleRate < 0 || c.Otel.TraceSampleRate > 1 {
		return fmt.Errorf("otel.trace_sample_rate: must be within [0, 1], got %g", c.Otel.TraceSampleRate)
	}
	if (c.Otel.MetricsEnabled || c.Otel.TracesEnabled) && c.Otel.Endpoint == "" {
		return fmt.Errorf("otel.endpoint: required when an exporter is enabled")
	}
	return nil
}
