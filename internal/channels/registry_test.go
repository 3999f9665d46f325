package channels_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mvera/fedgate/internal/channels"
	"github.com/mvera/fedgate/internal/domain/shared"
	"github.com/mvera/fedgate/pkg/common/logger"
)

type clientSetStub struct{ oids map[string]bool }

func (c *clientSetStub) Has(oid string) bool { return c.oids[oid] }

func newTestRegistry(hosted ...string) *channels.Registry {
	set := &clientSetStub{oids: make(map[string]bool)}
	for _, oid := range hosted {
		set.oids[oid] = true
	}
	return channels.NewRegistry(set, logger.Noop())
}

func TestRegistryCreateAndList(t *testing.T) {
	reg := newTestRegistry("thermostat")
	ctx := context.Background()

	require.NoError(t, reg.Create(ctx, "thermostat", "temp"))
	require.NoError(t, reg.Create(ctx, "thermostat", "humidity"))

	names, ok := reg.ChannelNames("thermostat")
	require.True(t, ok)
	assert.ElementsMatch(t, []string{"temp", "humidity"}, names)
}

func TestRegistryCreateRejectsForeignObject(t *testing.T) {
	reg := newTestRegistry("thermostat")

	err := reg.Create(context.Background(), "intruder", "temp")
	assert.Equal(t, shared.StatusNotFound, shared.StatusOf(err))
}

func TestRegistryCreateIsIdempotentAndKeepsSubscribers(t *testing.T) {
	reg := newTestRegistry("thermostat")
	ctx := context.Background()

	require.NoError(t, reg.Create(ctx, "thermostat", "temp"))
	require.NoError(t, reg.Subscribe(ctx, "thermostat", "temp", "remote-1"))

	require.NoError(t, reg.Create(ctx, "thermostat", "temp"))

	subs, err := reg.Subscribers("thermostat", "temp")
	require.NoError(t, err)
	assert.Equal(t, []string{"remote-1"}, subs)
}

func TestRegistrySubscribeLifecycle(t *testing.T) {
	reg := newTestRegistry("thermostat")
	ctx := context.Background()

	require.NoError(t, reg.Create(ctx, "thermostat", "temp"))
	require.NoError(t, reg.Subscribe(ctx, "thermostat", "temp", "remote-1"))
	require.NoError(t, reg.Subscribe(ctx, "thermostat", "temp", "remote-2"))
	require.NoError(t, reg.Subscribe(ctx, "thermostat", "temp", "remote-1"), "double subscribe is idempotent")

	assert.True(t, reg.HasSubscriber("thermostat", "temp", "remote-1"))

	subs, err := reg.Subscribers("thermostat", "temp")
	require.NoError(t, err)
	assert.Equal(t, []string{"remote-1", "remote-2"}, subs)

	require.NoError(t, reg.Unsubscribe(ctx, "thermostat", "temp", "remote-1"))
	assert.False(t, reg.HasSubscriber("thermostat", "temp", "remote-1"))

	err = reg.Unsubscribe(ctx, "thermostat", "temp", "remote-1")
	assert.Equal(t, shared.StatusNotFound, shared.StatusOf(err), "unsubscribing twice must fail")
}

func TestRegistrySubscribeUnknownChannel(t *testing.T) {
	reg := newTestRegistry("thermostat")

	err := reg.Subscribe(context.Background(), "thermostat", "missing", "remote-1")
	assert.Equal(t, shared.StatusNotFound, shared.StatusOf(err))
}

func TestRegistryRemoveDropsSubscriptions(t *testing.T) {
	reg := newTestRegistry("thermostat")
	ctx := context.Background()

	require.NoError(t, reg.Create(ctx, "thermostat", "temp"))
	require.NoError(t, reg.Subscribe(ctx, "thermostat", "temp", "remote-1"))
	require.NoError(t, reg.Remove(ctx, "thermostat", "temp"))

	_, err := reg.Subscribers("thermostat", "temp")
	assert.Equal(t, shared.StatusNotFound, shared.StatusOf(err))

	_, ok := reg.ChannelNames("thermostat")
	assert.False(t, ok, "removing the last channel clears the object's state")
}

func TestRegistryStatus(t *testing.T) {
	reg := newTestRegistry("thermostat")
	ctx := context.Background()

	require.NoError(t, reg.Create(ctx, "thermostat", "temp"))
	require.NoError(t, reg.Subscribe(ctx, "thermostat", "temp", "remote-1"))

	status, err := reg.Status("thermostat", "temp")
	require.NoError(t, err)
	assert.Contains(t, status, "temp")
	assert.Contains(t, status, "1 subscribers")
}

func TestRegistryPersistenceRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "events.json")

	reg := newTestRegistry("thermostat", "lock")
	require.NoError(t, reg.Create(ctx, "thermostat", "temp"))
	require.NoError(t, reg.Subscribe(ctx, "thermostat", "temp", "remote-1"))
	require.NoError(t, reg.Create(ctx, "lock", "opened"))
	require.NoError(t, reg.StoreToFile(ctx, path))

	restored := newTestRegistry("thermostat", "lock")
	restored.LoadFromFile(ctx, path)

	subs, err := restored.Subscribers("thermostat", "temp")
	require.NoError(t, err)
	assert.Equal(t, []string{"remote-1"}, subs)

	names, ok := restored.ChannelNames("lock")
	require.True(t, ok)
	assert.Equal(t, []string{"opened"}, names)
}

func TestRegistryLoadToleratesMissingAndCorruptFiles(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	reg := newTestRegistry("thermostat")
	reg.LoadFromFile(ctx, filepath.Join(dir, "does-not-exist.json"))
	_, ok := reg.ChannelNames("thermostat")
	assert.False(t, ok)

	corrupt := filepath.Join(dir, "corrupt.json")
	require.NoError(t, os.WriteFile(corrupt, []byte("{not json"), 0o644))
	reg.LoadFromFile(ctx, corrupt)
	_, ok = reg.ChannelNames("thermostat")
	assert.False(t, ok, "corrupt state must yield an empty registry")
}
