package memory_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mvera/fedgate/internal/transport"
	"github.com/mvera/fedgate/internal/transport/memory"
)

func TestHubRoutesStanzasBetweenSessions(t *testing.T) {
	hub := memory.NewHub()
	ctx := context.Background()

	var mu sync.Mutex
	var received []transport.Stanza
	_, err := hub.Open(ctx, "bob", func(_ context.Context, st transport.Stanza) {
		mu.Lock()
		received = append(received, st)
		mu.Unlock()
	})
	require.NoError(t, err)

	alice, err := hub.Open(ctx, "alice", func(context.Context, transport.Stanza) {})
	require.NoError(t, err)

	require.NoError(t, alice.Send(ctx, transport.Stanza{Kind: transport.KindChat, To: "bob", Body: []byte("hi")}))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, transport.Kind("chat"), received[0].Kind)
	assert.Equal(t, "alice", string(received[0].From), "the hub must stamp the real sender")
	assert.Equal(t, []byte("hi"), received[0].Body)
}

func TestHubPreservesOrderPerReceiver(t *testing.T) {
	hub := memory.NewHub()
	ctx := context.Background()

	var mu sync.Mutex
	var got []string
	_, err := hub.Open(ctx, "bob", func(_ context.Context, st transport.Stanza) {
		mu.Lock()
		got = append(got, string(st.Body))
		mu.Unlock()
	})
	require.NoError(t, err)

	alice, err := hub.Open(ctx, "alice", func(context.Context, transport.Stanza) {})
	require.NoError(t, err)

	want := []string{"one", "two", "three", "four"}
	for _, body := range want {
		require.NoError(t, alice.Send(ctx, transport.Stanza{Kind: transport.KindChat, To: "bob", Body: []byte(body)}))
	}

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == len(want)
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, want, got)
}

func TestHubRejectsDuplicateAddress(t *testing.T) {
	hub := memory.NewHub()
	ctx := context.Background()

	_, err := hub.Open(ctx, "alice", func(context.Context, transport.Stanza) {})
	require.NoError(t, err)

	_, err = hub.Open(ctx, "alice", func(context.Context, transport.Stanza) {})
	assert.Error(t, err)
}

func TestHubSendToUnknownAddressFails(t *testing.T) {
	hub := memory.NewHub()
	ctx := context.Background()

	alice, err := hub.Open(ctx, "alice", func(context.Context, transport.Stanza) {})
	require.NoError(t, err)

	err = alice.Send(ctx, transport.Stanza{Kind: transport.KindChat, To: "nobody", Body: []byte("hi")})
	assert.Error(t, err)
}

func TestHubCloseDetachesAddress(t *testing.T) {
	hub := memory.NewHub()
	ctx := context.Background()

	bob, err := hub.Open(ctx, "bob", func(context.Context, transport.Stanza) {})
	require.NoError(t, err)
	require.NoError(t, bob.Close())

	// The address is free again.
	_, err = hub.Open(ctx, "bob", func(context.Context, transport.Stanza) {})
	assert.NoError(t, err)
}
