package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mvera/fedgate/internal/config"
)

func TestLoadAppliesDefaults(t *testing.T) {
	t.Setenv("FEDGATE_GATEWAY_ID", "agid-test")
	t.Setenv("FEDGATE_GATEWAY_KEYSTORE_PATH", "/etc/fedgate/keys")
	t.Setenv("FEDGATE_TRANSPORT_BROKERS", "broker-1:9092")

	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, "agid-test", cfg.Gateway.ID)
	assert.Equal(t, "kafka", cfg.Transport.Mode)
	assert.Equal(t, 10*time.Second, cfg.Overlay.RequestTimeout)
	assert.Equal(t, 5*time.Minute, cfg.Overlay.RosterRefresh)
	assert.Equal(t, 10*time.Minute, cfg.Records.FlushInterval)
	assert.Equal(t, 25, cfg.Records.FlushThreshold)
	assert.Equal(t, 100, cfg.Records.BatchLimit)
	assert.Equal(t, "events.json", cfg.Events.File)
	assert.Equal(t, 7*24*time.Hour, cfg.Cache.TTL)
}

func TestLoadRequiresGatewayID(t *testing.T) {
	t.Setenv("FEDGATE_GATEWAY_ID", "")
	t.Setenv("FEDGATE_GATEWAY_KEYSTORE_PATH", "/etc/fedgate/keys")

	_, err := config.Load("")
	assert.Error(t, err)
}

func TestLoadRequiresBrokersForKafka(t *testing.T) {
	t.Setenv("FEDGATE_GATEWAY_ID", "agid-test")
	t.Setenv("FEDGATE_GATEWAY_KEYSTORE_PATH", "/etc/fedgate/keys")
	t.Setenv("FEDGATE_TRANSPORT_MODE", "kafka")
	t.Setenv("FEDGATE_TRANSPORT_BROKERS", "")

	_, err := config.Load("")
	assert.Error(t, err)
}

func TestLoadMemoryModeNeedsNoBrokers(t *testing.T) {
	t.Setenv("FEDGATE_GATEWAY_ID", "agid-test")
	t.Setenv("FEDGATE_GATEWAY_KEYSTORE_PATH", "/etc/fedgate/keys")
	t.Setenv("FEDGATE_TRANSPORT_MODE", "memory")

	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Transport.Mode)
}
