package overlay

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mvera/fedgate/internal/domain/overlay"
	"github.com/mvera/fedgate/internal/domain/shared"
	"github.com/mvera/fedgate/pkg/common/logger"
)

func TestReplyTrackerResolveDeliversMessage(t *testing.T) {
	tracker := NewReplyTracker(logger.Noop())

	ch := tracker.Track(42)
	msg := &overlay.Message{MessageType: overlay.MessageTypeResponse, RequestID: 42}

	ok := tracker.Resolve(context.Background(), 42, msg, nil)
	assert.True(t, ok, "Resolve should return true for a tracked request")

	r := <-ch
	require.NotNil(t, r.msg)
	assert.Equal(t, uint32(42), r.msg.RequestID)
	assert.NoError(t, r.err)
}

func TestReplyTrackerResolveDeliversError(t *testing.T) {
	tracker := NewReplyTracker(logger.Noop())

	ch := tracker.Track(7)
	replyErr := shared.NewError(shared.StatusForbidden, "not allowed")

	ok := tracker.Resolve(context.Background(), 7, nil, replyErr)
	assert.True(t, ok)

	r := <-ch
	assert.Nil(t, r.msg)
	assert.Equal(t, shared.StatusForbidden, shared.StatusOf(r.err))
}

func TestReplyTrackerResolveUnknownRequest(t *testing.T) {
	tracker := NewReplyTracker(logger.Noop())

	ok := tracker.Resolve(context.Background(), 999, nil, nil)
	assert.False(t, ok, "Resolve should return false for an untracked request")
}

func TestReplyTrackerResolveIsSingleShot(t *testing.T) {
	tracker := NewReplyTracker(logger.Noop())

	ch := tracker.Track(5)
	assert.True(t, tracker.Resolve(context.Background(), 5, &overlay.Message{RequestID: 5}, nil))
	assert.False(t, tracker.Resolve(context.Background(), 5, &overlay.Message{RequestID: 5}, nil),
		"second resolution of the same request must be rejected")

	<-ch
	assert.False(t, tracker.IsPending(5))
}

func TestReplyTrackerWaitReturnsReply(t *testing.T) {
	tracker := NewReplyTracker(logger.Noop())

	ch := tracker.Track(11)
	go tracker.Resolve(context.Background(), 11, &overlay.Message{RequestID: 11}, nil)

	msg, delivered, err := tracker.Wait(context.Background(), 11, ch, time.Second)
	require.NoError(t, err)
	assert.True(t, delivered)
	assert.Equal(t, uint32(11), msg.RequestID)
}

func TestReplyTrackerWaitTimesOut(t *testing.T) {
	tracker := NewReplyTracker(logger.Noop())

	ch := tracker.Track(12)
	msg, delivered, err := tracker.Wait(context.Background(), 12, ch, 20*time.Millisecond)
	assert.Nil(t, msg)
	assert.False(t, delivered)
	assert.Equal(t, shared.StatusRequestTimeout, shared.StatusOf(err))
	assert.False(t, tracker.IsPending(12), "timed out request must stop being tracked")

	// A late reply finds nobody waiting.
	assert.False(t, tracker.Resolve(context.Background(), 12, &overlay.Message{RequestID: 12}, nil))
}

func TestReplyTrackerCleanupAllFailsPending(t *testing.T) {
	tracker := NewReplyTracker(logger.Noop())

	ch1 := tracker.Track(1)
	ch2 := tracker.Track(2)

	cleanupErr := shared.NewError(shared.StatusServiceUnavailable, "disconnected")
	tracker.CleanupAll(context.Background(), cleanupErr)

	r1, r2 := <-ch1, <-ch2
	assert.Equal(t, shared.StatusServiceUnavailable, shared.StatusOf(r1.err))
	assert.Equal(t, shared.StatusServiceUnavailable, shared.StatusOf(r2.err))
	assert.False(t, r1.delivered, "a cleanup sweep is not a peer reply")
	assert.False(t, r2.delivered)
	assert.False(t, tracker.IsPending(1))
	assert.False(t, tracker.IsPending(2))
}
