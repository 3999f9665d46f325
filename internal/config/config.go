// Package config loads the gateway settings from the environment and an
// optional config file, applying defaults for everything that has a sane one.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Settings is the full gateway configuration.
type Settings struct {
	Gateway   Gateway
	Directory Directory
	Agent     Agent
	Overlay   Overlay
	Transport Transport
	Records   Records
	Events    Events
	Cache     Cache
	Telemetry Telemetry
}

// Gateway identifies this node.
type Gateway struct {
	// ID is the agid the directory authority knows this gateway by.
	ID string
	// Environment is the platform marker; sender oids containing it are
	// trusted without a roster lookup.
	Environment string
	// KeystorePath is the directory holding gateway-key.pem.
	KeystorePath string
}

// Directory configures the directory-authority client.
type Directory struct {
	Host         string
	Timeout      time.Duration
	TokenTTL     time.Duration
	TokenRefresh time.Duration
	// RequestsPerSecond caps outbound calls to the authority.
	RequestsPerSecond float64
	Burst             int
}

// Agent configures the local resource adapter client.
type Agent struct {
	Host    string
	Timeout time.Duration
}

// Overlay configures the per-object network clients.
type Overlay struct {
	// RequestTimeout bounds the wait for a correlated reply.
	RequestTimeout time.Duration
	// RosterRefresh is the interval between periodic roster reloads.
	RosterRefresh time.Duration
}

// Transport selects and configures the messaging substrate.
type Transport struct {
	// Mode is "kafka" or "memory".
	Mode        string
	Brokers     []string
	TopicPrefix string
}

// Records configures usage-record batching.
type Records struct {
	FlushInterval  time.Duration
	FlushThreshold int
	BatchLimit     int
}

// Events configures event-channel persistence.
type Events struct {
	// File is the path of the JSON snapshot written at shutdown.
	File string
}

// Cache configures the in-process key-value store.
type Cache struct {
	Size int
	TTL  time.Duration
}

// Telemetry configures tracing and metrics export.
type Telemetry struct {
	Endpoint    string
	Probability float64
	Insecure    bool
}

// Load reads settings from the environment (prefix FEDGATE_) and, when path
// is non-empty, from the YAML file at path. Missing required values return
// an error; callers treat that as fatal.
func Load(path string) (*Settings, error) {
	v := viper.New()

	v.SetDefault("directory.timeout", 10*time.Second)
	v.SetDefault("directory.token_ttl", 24*time.Hour)
	v.SetDefault("directory.token_refresh", 4*time.Hour)
	v.SetDefault("directory.requests_per_second", 20.0)
	v.SetDefault("directory.burst", 40)
	v.SetDefault("agent.timeout", 10*time.Second)
	v.SetDefault("overlay.request_timeout", 10*time.Second)
	v.SetDefault("overlay.roster_refresh", 5*time.Minute)
	v.SetDefault("transport.mode", "kafka")
	v.SetDefault("transport.topic_prefix", "overlay")
	v.SetDefault("records.flush_interval", 10*time.Minute)
	v.SetDefault("records.flush_threshold", 25)
	v.SetDefault("records.batch_limit", 100)
	v.SetDefault("events.file", "events.json")
	v.SetDefault("cache.size", 1024)
	v.SetDefault("cache.ttl", 7*24*time.Hour)
	v.SetDefault("telemetry.probability", 0.05)
	v.SetDefault("telemetry.insecure", true)

	v.SetEnvPrefix("FEDGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	s := &Settings{
		Gateway: Gateway{
			ID:           v.GetString("gateway.id"),
			Environment:  v.GetString("gateway.environment"),
			KeystorePath: v.GetString("gateway.keystore_path"),
		},
		Directory: Directory{
			Host:              v.GetString("directory.host"),
			Timeout:           v.GetDuration("directory.timeout"),
			TokenTTL:          v.GetDuration("directory.token_ttl"),
			TokenRefresh:      v.GetDuration("directory.token_refresh"),
			RequestsPerSecond: v.GetFloat64("directory.requests_per_second"),
			Burst:             v.GetInt("directory.burst"),
		},
		Agent: Agent{
			Host:    v.GetString("agent.host"),
			Timeout: v.GetDuration("agent.timeout"),
		},
		Overlay: Overlay{
			RequestTimeout: v.GetDuration("overlay.request_timeout"),
			RosterRefresh:  v.GetDuration("overlay.roster_refresh"),
		},
		Transport: Transport{
			Mode:        v.GetString("transport.mode"),
			Brokers:     v.GetStringSlice("transport.brokers"),
			TopicPrefix: v.GetString("transport.topic_prefix"),
		},
		Records: Records{
			FlushInterval:  v.GetDuration("records.flush_interval"),
			FlushThreshold: v.GetInt("records.flush_threshold"),
			BatchLimit:     v.GetInt("records.batch_limit"),
		},
		Events: Events{
			File: v.GetString("events.file"),
		},
		Cache: Cache{
			Size: v.GetInt("cache.size"),
			TTL:  v.GetDuration("cache.ttl"),
		},
		Telemetry: Telemetry{
			Endpoint:    v.GetString("telemetry.endpoint"),
			Probability: v.GetFloat64("telemetry.probability"),
			Insecure:    v.GetBool("telemetry.insecure"),
		},
	}

	if s.Gateway.ID == "" {
		return nil, fmt.Errorf("gateway.id is required (FEDGATE_GATEWAY_ID)")
	}
	if s.Gateway.KeystorePath == "" {
		return nil, fmt.Errorf("gateway.keystore_path is required (FEDGATE_GATEWAY_KEYSTORE_PATH)")
	}
	if s.Transport.Mode == "kafka" && len(s.Transport.Brokers) == 0 {
		return nil, fmt.Errorf("transport.brokers is required when transport.mode is kafka")
	}

	return s, nil
}
