package overlay

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/mvera/fedgate/internal/domain/overlay"
	"github.com/mvera/fedgate/internal/domain/shared"
	"github.com/mvera/fedgate/pkg/common/logger"
)

// reply carries the outcome of one correlated request: either the response
// message sent by the remote object or a transport-level error. delivered
// distinguishes an outcome the peer actually produced from a local failure
// such as a disconnect sweep.
type reply struct {
	msg       *overlay.Message
	err       error
	delivered bool
}

// ReplyTracker correlates outgoing requests with their responses by request
// id. Each tracked id gets a buffered channel so resolution never blocks;
// a reply for an id nobody is waiting on is dropped.
type ReplyTracker struct {
	mu      sync.RWMutex
	pending map[uint32]chan reply
	logger  *logger.Logger
}

// NewReplyTracker creates an empty tracker.
func NewReplyTracker(log *logger.Logger) *ReplyTracker {
	return &ReplyTracker{pending: make(map[uint32]chan reply), logger: log}
}

// Track registers a request id and returns the channel its reply will be
// delivered on. The channel is buffered with size 1 so Resolve never blocks.
func (t *ReplyTracker) Track(requestID uint32) <-chan reply {
	t.mu.Lock()
	defer t.mu.Unlock()

	ch := make(chan reply, 1)
	t.pending[requestID] = ch
	return ch
}

// Resolve delivers a response to the goroutine waiting on requestID. Returns
// true if someone was waiting. A second resolution of the same id, or one
// arriving after the waiter timed out, returns false.
func (t *ReplyTracker) Resolve(ctx context.Context, requestID uint32, msg *overlay.Message, err error) bool {
	t.mu.RLock()
	ch, exists := t.pending[requestID]
	t.mu.RUnlock()

	if !exists {
		t.logger.Debug(ctx, "No pending request for reply", "request_id", requestID)
		return false
	}

	select {
	case ch <- reply{msg: msg, err: err, delivered: true}:
	default:
		t.logger.Warn(ctx, "Reply channel full, dropping", "request_id", requestID)
		return false
	}

	t.StopTracking(requestID)
	return true
}

// StopTracking forgets a request id, typically after its reply was delivered
// or the waiter gave up.
func (t *ReplyTracker) StopTracking(requestID uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pending, requestID)
}

// IsPending reports whether a request id is still awaiting its reply.
func (t *ReplyTracker) IsPending(requestID uint32) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.pending[requestID]
	return ok
}

// CleanupAll fails every pending request with err. Called when the client
// disconnects or shuts down so waiting callers are unblocked immediately
// instead of timing out one by one.
func (t *ReplyTracker) CleanupAll(ctx context.Context, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	count := len(t.pending)
	if count == 0 {
		return
	}

	t.logger.Info(ctx, "Failing pending requests", "count", count, "error", err)
	for requestID, ch := range t.pending {
		select {
		case ch <- reply{err: err}:
		default:
		}
		delete(t.pending, requestID)
	}
}

// Wait blocks until the reply arrives, the timeout elapses, or the context is
// canceled. On timeout or cancellation the id stops being tracked, so a late
// reply is dropped rather than delivered to nobody. The boolean reports
// whether the outcome came from the peer, as opposed to a timeout,
// cancellation, or a local cleanup sweep.
func (t *ReplyTracker) Wait(ctx context.Context, requestID uint32, ch <-chan reply, timeout time.Duration) (*overlay.Message, bool, error) {
	span := trace.SpanFromContext(ctx)
	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case r := <-ch:
		span.AddEvent("reply_received")
		return r.msg, r.delivered, r.err
	case <-timeoutCtx.Done():
		span.AddEvent("timeout_waiting_for_reply")
		t.StopTracking(requestID)
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		return nil, false, shared.NewError(shared.StatusRequestTimeout, "request %d timed out after %s", requestID, timeout)
	}
}
