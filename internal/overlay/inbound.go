package overlay

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/mvera/fedgate/internal/domain/accounting"
	"github.com/mvera/fedgate/internal/domain/overlay"
	"github.com/mvera/fedgate/internal/domain/shared"
	"github.com/mvera/fedgate/internal/transport"
)

// onStanza is the transport handler for this client's address. The transport
// invokes it serially, so per-stanza processing needs no ordering guards.
func (c *Client) onStanza(ctx context.Context, st transport.Stanza) {
	ctx, span := c.tracer.Start(ctx, "overlay.receive_stanza")
	defer span.End()

	switch st.Kind {
	case transport.KindError:
		c.onErrorStanza(ctx, st)
	case transport.KindChat:
		c.onChatStanza(ctx, st)
	default:
		c.logger.Warn(ctx, "Dropping stanza of unknown kind", "kind", st.Kind, "from", st.From)
	}
}

// onErrorStanza fails the pending request named by the error envelope. Error
// stanzas are produced by the remote gateway itself, not the remote object,
// and carry no signature.
func (c *Client) onErrorStanza(ctx context.Context, st transport.Stanza) {
	var em overlay.ErrorMessage
	if err := json.Unmarshal(st.Body, &em); err != nil {
		// A peer-side transport failure may arrive with no JSON body. If the
		// stanza id still names the request, fail it as unavailable.
		if id := requestIDFromStanza(st); id != 0 {
			replyErr := shared.NewError(shared.StatusServiceUnavailable, "peer transport error from %s", st.From)
			if c.tracker.Resolve(ctx, id, nil, replyErr) {
				return
			}
		}
		c.logger.Warn(ctx, "Dropping malformed error stanza", "from", st.From, "error", err)
		return
	}
	if em.RequestID == 0 {
		c.logger.Warn(ctx, "Error stanza without request id", "from", st.From)
		return
	}

	status := shared.Status(em.StatusCode)
	if status < shared.StatusBadRequest {
		status = shared.StatusInternalError
	}
	replyErr := shared.NewError(status, "%s", em.ErrorMessage)
	if !c.tracker.Resolve(ctx, em.RequestID, nil, replyErr) {
		c.logger.Debug(ctx, "Error stanza for unknown request", "request_id", em.RequestID, "from", st.From)
	}
}

func (c *Client) countDrop(ctx context.Context, reason string) {
	if c.metrics != nil {
		c.metrics.IncStanzaDropped(ctx, c.oid, reason)
	}
}

// requestIDFromStanza recovers the correlation id from the stanza id when the
// body cannot provide one.
func requestIDFromStanza(st transport.Stanza) uint32 {
	id, err := strconv.ParseUint(st.ID, 10, 32)
	if err != nil {
		return 0
	}
	return uint32(id)
}

func (c *Client) onChatStanza(ctx context.Context, st transport.Stanza) {
	var msg overlay.Message
	if err := json.Unmarshal(st.Body, &msg); err != nil {
		c.logger.Warn(ctx, "Dropping malformed stanza", "from", st.From, "error", err)
		c.countDrop(ctx, "malformed")
		return
	}

	if !c.verifySignature(ctx, st, &msg) {
		c.countDrop(ctx, "signature")
		return
	}
	if !c.verifySender(ctx, &msg) {
		c.countDrop(ctx, "sender")
		if msg.MessageType == overlay.MessageTypeRequest {
			c.respondError(ctx, st.From, &msg, shared.NewError(shared.StatusForbidden, "%s is not authorized to reach %s", msg.SourceOid, c.oid))
		}
		return
	}
	if !c.verifyOrigin(ctx, st, &msg) {
		c.countDrop(ctx, "origin")
		return
	}

	switch msg.MessageType {
	case overlay.MessageTypeRequest:
		c.onRequest(ctx, st, &msg)
	case overlay.MessageTypeResponse:
		if !c.tracker.Resolve(ctx, msg.RequestID, &msg, nil) {
			c.logger.Debug(ctx, "Response for unknown request", "request_id", msg.RequestID, "from", msg.SourceOid)
		}
	case overlay.MessageTypeEvent:
		c.onEvent(ctx, &msg)
	default:
		c.logger.Warn(ctx, "Dropping message of unknown type", "message_type", int(msg.MessageType), "from", msg.SourceOid)
	}
}

// verifySignature checks the stanza signature against the sending gateway's
// public key. An unsigned stanza is accepted with a warning so gateways that
// predate signing keep working.
func (c *Client) verifySignature(ctx context.Context, st transport.Stanza, msg *overlay.Message) bool {
	if st.Signature == "" {
		c.logger.Warn(ctx, "Accepting unsigned stanza", "from", msg.SourceOid)
		return true
	}

	agid := msg.SourceAgid
	if agid == "" {
		var err error
		agid, err = c.signer.AgidByOid(ctx, msg.SourceOid)
		if err != nil {
			c.logger.Warn(ctx, "Cannot resolve signing gateway, dropping stanza", "from", msg.SourceOid, "error", err)
			return false
		}
	}
	if err := c.signer.Verify(ctx, agid, st.Body, st.Signature); err != nil {
		c.logger.Warn(ctx, "Dropping stanza with bad signature", "from", msg.SourceOid, "agid", agid, "error", err)
		return false
	}
	return true
}

// verifySender decides whether the sending object may talk to this one. The
// platform itself is always allowed. Unknown senders trigger one roster
// reload; senders still unknown afterwards are blacklisted so they cannot
// force a directory round trip per message.
func (c *Client) verifySender(ctx context.Context, msg *overlay.Message) bool {
	if c.signer.IsPlatformSender(msg.SourceOid) {
		return true
	}
	if _, ok := c.rosterLookup(msg.SourceOid); ok {
		return true
	}

	c.mu.RLock()
	_, banned := c.blacklist[msg.SourceOid]
	c.mu.RUnlock()
	if banned {
		c.logger.Debug(ctx, "Dropping message from blacklisted sender", "from", msg.SourceOid)
		return false
	}

	if err := c.ReloadRoster(ctx, true); err != nil {
		c.logger.Warn(ctx, "Roster reload for unknown sender failed", "error", err)
	}
	if _, ok := c.rosterLookup(msg.SourceOid); ok {
		return true
	}

	c.mu.Lock()
	c.blacklist[msg.SourceOid] = struct{}{}
	c.mu.Unlock()
	c.logger.Warn(ctx, "Blacklisting unknown sender", "from", msg.SourceOid)
	return false
}

// verifyOrigin rejects stanzas whose transport source does not match the
// roster address of the claimed sender. This stops a compromised peer from
// impersonating another object it knows the id of.
func (c *Client) verifyOrigin(ctx context.Context, st transport.Stanza, msg *overlay.Message) bool {
	if c.signer.IsPlatformSender(msg.SourceOid) {
		return true
	}
	item, ok := c.rosterLookup(msg.SourceOid)
	if !ok {
		// verifySender already admitted this sender; without a roster
		// entry there is no address to compare against.
		return true
	}
	if item.Address != st.From {
		c.logger.Warn(ctx, "Dropping spoofed stanza", "claimed", msg.SourceOid, "roster_address", item.Address, "transport_address", st.From)
		return false
	}
	return true
}

// onRequest dispatches an inbound request to the local side and sends back
// either a response or an error envelope. The reply goes to the transport
// address the request came from. The attempt is recorded as soon as the
// request is verified; the handler outcome does not change what the peer
// gets billed for.
func (c *Client) onRequest(ctx context.Context, st transport.Stanza, msg *overlay.Message) {
	c.recorder.Add(ctx, msg.RequestOperation, msg.RequestID, msg.SourceOid, c.oid, messageSize(msg), accounting.StatusOK, false)

	body, err := c.router.HandleRequest(ctx, c.oid, msg)
	if err != nil {
		c.logger.Warn(ctx, "Request handling failed", "operation", msg.RequestOperation, "from", msg.SourceOid, "error", err)
		c.respondError(ctx, st.From, msg, err)
		return
	}

	resp := &overlay.Message{
		MessageType:      overlay.MessageTypeResponse,
		RequestOperation: msg.RequestOperation,
		RequestID:        msg.RequestID,
		SourceAgid:       c.agid,
		SourceOid:        c.oid,
		DestinationOid:   msg.SourceOid,
		ResponseBody:     body,
	}
	if err := c.deliver(ctx, st.From, resp); err != nil {
		c.logger.Error(ctx, "Sending response failed", "request_id", msg.RequestID, "to", msg.SourceOid, "error", err)
	}
}

// onEvent hands an inbound event to the local side and records its receipt.
func (c *Client) onEvent(ctx context.Context, msg *overlay.Message) {
	if err := c.router.HandleEvent(ctx, c.oid, msg); err != nil {
		c.logger.Warn(ctx, "Event delivery failed", "from", msg.SourceOid, "error", err)
		return
	}
	c.recorder.Add(ctx, msg.RequestOperation, msg.RequestID, msg.SourceOid, c.oid, messageSize(msg), accounting.StatusOK, false)
}

// respondError sends an error envelope for a failed request. Failure to send
// the error itself is only logged.
func (c *Client) respondError(ctx context.Context, to overlay.Address, msg *overlay.Message, cause error) {
	em := overlay.ErrorMessage{
		MessageType:      overlay.MessageTypeResponse,
		RequestOperation: msg.RequestOperation,
		RequestID:        msg.RequestID,
		SourceAgid:       c.agid,
		SourceOid:        c.oid,
		DestinationOid:   msg.SourceOid,
		ErrorMessage:     cause.Error(),
		StatusCode:       int(shared.StatusOf(cause)),
	}
	payload, err := json.Marshal(em)
	if err != nil {
		c.logger.Error(ctx, "Encoding error envelope failed", "error", err)
		return
	}

	c.mu.RLock()
	sess := c.session
	c.mu.RUnlock()
	if sess == nil {
		return
	}
	st := transport.Stanza{
		ID:   strconv.FormatUint(uint64(msg.RequestID), 10),
		Kind: transport.KindError,
		From: c.address,
		To:   to,
		Body: payload,
	}
	if err := sess.Send(ctx, st); err != nil {
		c.logger.Error(ctx, "Sending error envelope failed", "request_id", msg.RequestID, "to", msg.SourceOid, "error", err)
	}
}
