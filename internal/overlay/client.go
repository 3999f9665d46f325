// Package overlay implements the per-object overlay network clients. Each
// locally hosted object gets one Client holding a transport session, a
// permission roster, and a reply tracker correlating its outgoing requests
// with responses.
package overlay

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/mvera/fedgate/internal/domain/accounting"
	"github.com/mvera/fedgate/internal/domain/overlay"
	"github.com/mvera/fedgate/internal/domain/shared"
	"github.com/mvera/fedgate/internal/transport"
	"github.com/mvera/fedgate/pkg/common/logger"
)

// State tracks the lifecycle of a client's transport session.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateOnline
)

// String returns a human readable name for the state.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOnline:
		return "online"
	default:
		return "unknown"
	}
}

// Signer signs outgoing stanzas and verifies incoming ones.
type Signer interface {
	Sign(payload []byte) (string, error)
	Verify(ctx context.Context, agid string, payload []byte, signature string) error
	AgidByOid(ctx context.Context, oid string) (string, error)
	IsPlatformSender(oid string) bool
}

// RosterSource fetches an object's permission roster from the directory
// authority.
type RosterSource interface {
	GetItemRoster(ctx context.Context, oid string) ([]overlay.RosterItem, error)
}

// Recorder accepts one usage record per delivery attempt.
type Recorder interface {
	Add(ctx context.Context, op overlay.Operation, requestID uint32, sourceOid, destOid string, size int, status accounting.StatusCode, initiator bool)
}

// Metrics defines the counters a client maintains about its traffic. A nil
// metrics sink disables collection.
type Metrics interface {
	IncRequestSent(ctx context.Context, oid string)
	IncReplyReceived(ctx context.Context, oid string)
	IncRequestTimeout(ctx context.Context, oid string)
	IncStanzaDropped(ctx context.Context, oid, reason string)
}

// Router dispatches inbound requests and events to the local side.
type Router interface {
	// HandleRequest performs the requested operation against the local
	// object and returns the response body.
	HandleRequest(ctx context.Context, localOid string, msg *overlay.Message) (json.RawMessage, error)

	// HandleEvent delivers an event published by a remote object.
	HandleEvent(ctx context.Context, localOid string, msg *overlay.Message) error
}

// Config tunes a client's request and roster behavior.
type Config struct {
	// RequestTimeout bounds how long SendRequest waits for a reply.
	RequestTimeout time.Duration

	// RosterRefresh is the interval between background roster reloads.
	// Zero disables the refresh timer.
	RosterRefresh time.Duration
}

// Client is the overlay presence of one locally hosted object.
type Client struct {
	oid     string
	agid    string
	address overlay.Address
	cfg     Config

	transport transport.Transport
	signer    Signer
	rosters   RosterSource
	recorder  Recorder
	router    Router
	metrics   Metrics
	tracker   *ReplyTracker
	logger    *logger.Logger
	tracer    trace.Tracer

	mu        sync.RWMutex
	state     State
	session   transport.Session
	roster    map[string]overlay.RosterItem
	blacklist map[string]struct{}

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// NewClient builds a client for oid. It does not connect; call Start.
func NewClient(oid, agid string, cfg Config, tr transport.Transport, signer Signer, rosters RosterSource, recorder Recorder, router Router, metrics Metrics, log *logger.Logger, tracer trace.Tracer) *Client {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	l := log.With("component", "overlay_client", "oid", oid)
	return &Client{
		oid:       oid,
		agid:      agid,
		address:   overlay.Address(oid),
		cfg:       cfg,
		transport: tr,
		signer:    signer,
		rosters:   rosters,
		recorder:  recorder,
		router:    router,
		metrics:   metrics,
		tracker:   NewReplyTracker(l),
		logger:    l,
		tracer:    tracer,
		state:     StateDisconnected,
		roster:    make(map[string]overlay.RosterItem),
		blacklist: make(map[string]struct{}),
		stop:      make(chan struct{}),
	}
}

// Oid returns the object id this client represents.
func (c *Client) Oid() string { return c.oid }

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Start opens the transport session, loads the initial roster, and begins
// the periodic roster refresh.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return fmt.Errorf("client %s already started", c.oid)
	}
	c.state = StateConnecting
	c.mu.Unlock()

	sess, err := c.transport.Open(ctx, c.address, c.onStanza)
	if err != nil {
		c.setState(StateDisconnected)
		return fmt.Errorf("opening session for %s: %w", c.oid, err)
	}

	c.mu.Lock()
	c.session = sess
	c.mu.Unlock()

	if err := c.ReloadRoster(ctx, false); err != nil {
		c.logger.Warn(ctx, "Initial roster load failed, starting with empty roster", "error", err)
	}
	c.setState(StateOnline)
	c.logger.Info(ctx, "Client online", "roster_size", c.RosterSize())

	if c.cfg.RosterRefresh > 0 {
		c.wg.Add(1)
		go c.refreshLoop()
	}
	return nil
}

func (c *Client) refreshLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.RosterRefresh)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx := context.Background()
			if err := c.ReloadRoster(ctx, false); err != nil {
				c.logger.Warn(ctx, "Periodic roster refresh failed", "error", err)
			}
		case <-c.stop:
			return
		}
	}
}

// Stop fails all pending requests, closes the session, and returns the
// client to the disconnected state.
func (c *Client) Stop(ctx context.Context) error {
	var closeErr error
	c.stopOnce.Do(func() {
		close(c.stop)
		c.wg.Wait()
		c.tracker.CleanupAll(ctx, shared.NewError(shared.StatusServiceUnavailable, "client %s disconnected", c.oid))

		c.mu.Lock()
		sess := c.session
		c.session = nil
		c.state = StateDisconnected
		c.mu.Unlock()

		if sess != nil {
			closeErr = sess.Close()
		}
		c.logger.Info(ctx, "Client stopped")
	})
	return closeErr
}

// ReloadRoster replaces the roster wholesale with the directory's current
// view. The sender blacklist is cleared unless preserveBlacklist is set;
// verifySender preserves it so a single unknown sender cannot force repeated
// directory round trips.
func (c *Client) ReloadRoster(ctx context.Context, preserveBlacklist bool) error {
	items, err := c.rosters.GetItemRoster(ctx, c.oid)
	if err != nil {
		return fmt.Errorf("loading roster for %s: %w", c.oid, err)
	}

	fresh := make(map[string]overlay.RosterItem, len(items))
	for _, it := range items {
		fresh[it.Oid] = it
	}

	c.mu.Lock()
	c.roster = fresh
	if !preserveBlacklist {
		c.blacklist = make(map[string]struct{})
	}
	c.mu.Unlock()

	c.logger.Debug(ctx, "Roster reloaded", "size", len(fresh))
	return nil
}

// RosterSize returns the number of reachable peers.
func (c *Client) RosterSize() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.roster)
}

// Roster returns a copy of the current roster entries.
func (c *Client) Roster() []overlay.RosterItem {
	c.mu.RLock()
	defer c.mu.RUnlock()
	items := make([]overlay.RosterItem, 0, len(c.roster))
	for _, it := range c.roster {
		items = append(items, it)
	}
	return items
}

func (c *Client) rosterLookup(oid string) (overlay.RosterItem, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	it, ok := c.roster[oid]
	return it, ok
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// newRequestID picks a random non-zero 32-bit correlation id. Ids are drawn
// from a space large enough that collisions among a client's in-flight
// requests are not a practical concern.
func newRequestID() uint32 {
	for {
		if id := rand.Uint32(); id != 0 {
			return id
		}
	}
}

// SendRequest sends a correlated request to destOid and waits for the reply.
// Exactly one usage record is produced per call: NOT_SENT when the message
// never left (unknown destination, send failure), NO_RESPONSE when no reply
// arrived (timeout, cancellation, client shutdown), and OK once the peer
// produced a definitive reply, even one reporting a remote error.
func (c *Client) SendRequest(ctx context.Context, destOid string, op overlay.Operation, body json.RawMessage, attributes, parameters map[string]any) (*overlay.Message, error) {
	ctx, span := c.tracer.Start(ctx, "overlay.send_request")
	defer span.End()

	msg := &overlay.Message{
		MessageType:      overlay.MessageTypeRequest,
		RequestOperation: op,
		RequestID:        newRequestID(),
		SourceAgid:       c.agid,
		SourceOid:        c.oid,
		DestinationOid:   destOid,
		RequestBody:      body,
		Attributes:       attributes,
		Parameters:       parameters,
	}

	item, size, err := c.prepareSend(ctx, msg)
	if err != nil {
		return nil, err
	}

	ch := c.tracker.Track(msg.RequestID)
	if err := c.deliver(ctx, item.Address, msg); err != nil {
		c.tracker.StopTracking(msg.RequestID)
		c.recorder.Add(ctx, op, msg.RequestID, c.oid, destOid, size, accounting.StatusNotSent, true)
		return nil, err
	}
	if c.metrics != nil {
		c.metrics.IncRequestSent(ctx, c.oid)
	}

	reply, delivered, err := c.tracker.Wait(ctx, msg.RequestID, ch, c.cfg.RequestTimeout)
	if !delivered {
		if c.metrics != nil {
			c.metrics.IncRequestTimeout(ctx, c.oid)
		}
		c.recorder.Add(ctx, op, msg.RequestID, c.oid, destOid, size, accounting.StatusNoResponse, true)
		return nil, err
	}
	if c.metrics != nil {
		c.metrics.IncReplyReceived(ctx, c.oid)
	}
	c.recorder.Add(ctx, op, msg.RequestID, c.oid, destOid, size, accounting.StatusOK, true)
	return reply, err
}

// SendEvent publishes an event to destOid without waiting for a reply.
func (c *Client) SendEvent(ctx context.Context, destOid string, op overlay.Operation, body json.RawMessage, parameters map[string]any) error {
	ctx, span := c.tracer.Start(ctx, "overlay.send_event")
	defer span.End()

	msg := &overlay.Message{
		MessageType:      overlay.MessageTypeEvent,
		RequestOperation: op,
		RequestID:        newRequestID(),
		SourceAgid:       c.agid,
		SourceOid:        c.oid,
		DestinationOid:   destOid,
		RequestBody:      body,
		Parameters:       parameters,
	}

	item, size, err := c.prepareSend(ctx, msg)
	if err != nil {
		return err
	}
	if err := c.deliver(ctx, item.Address, msg); err != nil {
		c.recorder.Add(ctx, op, msg.RequestID, c.oid, destOid, size, accounting.StatusNotSent, true)
		return err
	}
	c.recorder.Add(ctx, op, msg.RequestID, c.oid, destOid, size, accounting.StatusOK, true)
	return nil
}

// prepareSend resolves the destination against the roster, reloading once on
// a miss. An unresolvable destination is recorded as NOT_SENT.
func (c *Client) prepareSend(ctx context.Context, msg *overlay.Message) (overlay.RosterItem, int, error) {
	size := messageSize(msg)

	item, ok := c.rosterLookup(msg.DestinationOid)
	if !ok {
		if err := c.ReloadRoster(ctx, false); err != nil {
			c.logger.Warn(ctx, "Roster reload on miss failed", "error", err)
		}
		item, ok = c.rosterLookup(msg.DestinationOid)
	}
	if !ok {
		c.recorder.Add(ctx, msg.RequestOperation, msg.RequestID, c.oid, msg.DestinationOid, size, accounting.StatusNotSent, true)
		return overlay.RosterItem{}, size, shared.NewError(shared.StatusNotFound, "destination %s not in roster of %s", msg.DestinationOid, c.oid)
	}
	return item, size, nil
}

// deliver signs and sends the message. Recording the outcome is left to the
// caller, which knows whether it initiated the exchange.
func (c *Client) deliver(ctx context.Context, to overlay.Address, msg *overlay.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	sig, err := c.signer.Sign(payload)
	if err != nil {
		return fmt.Errorf("signing message: %w", err)
	}

	c.mu.RLock()
	sess := c.session
	c.mu.RUnlock()
	if sess == nil {
		return shared.NewError(shared.StatusServiceUnavailable, "client %s is not connected", c.oid)
	}

	st := transport.Stanza{
		Kind:      transport.KindChat,
		From:      c.address,
		To:        to,
		Body:      payload,
		Signature: sig,
	}
	if err := sess.Send(ctx, st); err != nil {
		return shared.NewError(shared.StatusServiceUnavailable, "sending to %s: %v", msg.DestinationOid, err)
	}
	return nil
}

func messageSize(msg *overlay.Message) int {
	raw, err := json.Marshal(msg)
	if err != nil {
		return 0
	}
	return len(raw)
}
