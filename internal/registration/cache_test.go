package registration_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mvera/fedgate/internal/directory"
	"github.com/mvera/fedgate/internal/registration"
	"github.com/mvera/fedgate/pkg/common/logger"
)

type itemSourceStub struct {
	mu    sync.Mutex
	items []directory.AgentItem
	err   error
}

func (s *itemSourceStub) GetAgentItems(context.Context) ([]directory.AgentItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return append([]directory.AgentItem(nil), s.items...), nil
}

func (s *itemSourceStub) set(items []directory.AgentItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = items
}

func TestCacheRefreshReplacesWholesale(t *testing.T) {
	source := &itemSourceStub{items: []directory.AgentItem{
		{Oid: "thermostat", Name: "Thermostat"},
		{Oid: "lock", Name: "Door lock"},
	}}
	cache := registration.NewCache("agid-local", source, 0, logger.Noop())

	require.NoError(t, cache.Refresh(context.Background()))
	assert.True(t, cache.IsRegistered("thermostat"))
	assert.True(t, cache.IsRegistered("lock"))
	assert.True(t, cache.IsRegistered("agid-local"), "the gateway itself is always registered")
	assert.False(t, cache.IsRegistered("stranger"))

	source.set([]directory.AgentItem{{Oid: "lock", Name: "Door lock"}})
	require.NoError(t, cache.Refresh(context.Background()))
	assert.False(t, cache.IsRegistered("thermostat"), "removed registrations must disappear")
	assert.True(t, cache.IsRegistered("lock"))
}

func TestCacheRefreshFailurePreservesState(t *testing.T) {
	source := &itemSourceStub{items: []directory.AgentItem{{Oid: "thermostat"}}}
	cache := registration.NewCache("agid-local", source, 0, logger.Noop())
	require.NoError(t, cache.Refresh(context.Background()))

	source.mu.Lock()
	source.err = errors.New("directory down")
	source.mu.Unlock()

	assert.Error(t, cache.Refresh(context.Background()))
	assert.True(t, cache.IsRegistered("thermostat"), "failed refresh must keep the previous view")
}

func TestCacheOidsSorted(t *testing.T) {
	source := &itemSourceStub{items: []directory.AgentItem{
		{Oid: "zeta"}, {Oid: "alpha"},
	}}
	cache := registration.NewCache("agid-local", source, 0, logger.Noop())
	require.NoError(t, cache.Start(context.Background()))
	defer cache.Stop()

	assert.Equal(t, []string{"agid-local", "alpha", "zeta"}, cache.Oids())
}
