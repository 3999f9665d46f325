// Package resolution routes consumption requests to their cheapest source.
// Every operation is resolved local-first: when the destination object is
// hosted by this gateway the request goes straight to the local agent or the
// channel registry, and only otherwise does it travel the overlay network
// through the requesting object's client.
package resolution

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mvera/fedgate/internal/domain/overlay"
	"github.com/mvera/fedgate/internal/domain/shared"
	ov "github.com/mvera/fedgate/internal/overlay"
	"github.com/mvera/fedgate/pkg/common/logger"
)

// Result is the uniform outcome envelope of a resolved operation.
type Result struct {
	Success bool            `json:"success"`
	Body    json.RawMessage `json:"body"`
}

func okResult(body json.RawMessage) Result {
	return Result{Success: true, Body: body}
}

func textResult(msg string) Result {
	raw, _ := json.Marshal(map[string]string{"message": msg})
	return Result{Success: true, Body: raw}
}

// Agent is the local adapter the gateway fronts.
type Agent interface {
	GetProperty(ctx context.Context, sourceOid, oid, pid string) (json.RawMessage, error)
	PutProperty(ctx context.Context, sourceOid, oid, pid string, body json.RawMessage) (json.RawMessage, error)
	PutEvent(ctx context.Context, sourceOid, oid, eid string, body json.RawMessage) (json.RawMessage, error)
	Discovery(ctx context.Context, sourceOid, oid string, sparql json.RawMessage) (json.RawMessage, error)
	Notify(ctx context.Context, nid string, body json.RawMessage) (json.RawMessage, error)
}

// Channels is the event channel registry.
type Channels interface {
	Create(ctx context.Context, oid, eid string) error
	Remove(ctx context.Context, oid, eid string) error
	ChannelNames(oid string) ([]string, bool)
	Subscribe(ctx context.Context, oid, eid, subscriberOid string) error
	Unsubscribe(ctx context.Context, oid, eid, subscriberOid string) error
	Status(oid, eid string) (string, error)
	Subscribers(oid, eid string) ([]string, error)
}

// ClientPool exposes the running overlay clients.
type ClientPool interface {
	Get(oid string) (*ov.Client, bool)
	Has(oid string) bool
}

// Service implements local-first resolution.
type Service struct {
	pool     ClientPool
	agent    Agent
	channels Channels
	logger   *logger.Logger
}

// NewService wires a resolution service.
func NewService(pool ClientPool, agent Agent, channels Channels, log *logger.Logger) *Service {
	return &Service{
		pool:     pool,
		agent:    agent,
		channels: channels,
		logger:   log.With("component", "resolution"),
	}
}

func (s *Service) client(requesterOid string) (*ov.Client, error) {
	c, ok := s.pool.Get(requesterOid)
	if !ok {
		return nil, shared.NewError(shared.StatusNotFound, "object %s is not hosted here", requesterOid)
	}
	return c, nil
}

// forward sends a correlated request through the requester's client and
// unwraps the response body.
func (s *Service) forward(ctx context.Context, requesterOid, destOid string, op overlay.Operation, body json.RawMessage, attributes map[string]any) (Result, error) {
	c, err := s.client(requesterOid)
	if err != nil {
		return Result{}, err
	}
	reply, err := c.SendRequest(ctx, destOid, op, body, attributes, nil)
	if err != nil {
		return Result{}, err
	}
	return okResult(reply.ResponseBody), nil
}

// GetProperty reads property pid of destOid on behalf of requesterOid.
func (s *Service) GetProperty(ctx context.Context, requesterOid, destOid, pid string) (Result, error) {
	if s.pool.Has(destOid) {
		body, err := s.agent.GetProperty(ctx, requesterOid, destOid, pid)
		if err != nil {
			return Result{}, err
		}
		return okResult(body), nil
	}
	return s.forward(ctx, requesterOid, destOid, overlay.OpGetPropertyValue, nil, map[string]any{"pid": pid})
}

// PutProperty writes property pid of destOid on behalf of requesterOid.
func (s *Service) PutProperty(ctx context.Context, requesterOid, destOid, pid string, body json.RawMessage) (Result, error) {
	if s.pool.Has(destOid) {
		resp, err := s.agent.PutProperty(ctx, requesterOid, destOid, pid, body)
		if err != nil {
			return Result{}, err
		}
		return okResult(resp), nil
	}
	return s.forward(ctx, requesterOid, destOid, overlay.OpSetPropertyValue, body, map[string]any{"pid": pid})
}

// AddSubscriber subscribes requesterOid to channel eid of destOid.
func (s *Service) AddSubscriber(ctx context.Context, requesterOid, destOid, eid string) (Result, error) {
	if s.pool.Has(destOid) {
		if err := s.channels.Subscribe(ctx, destOid, eid, requesterOid); err != nil {
			return Result{}, err
		}
		return textResult(fmt.Sprintf("Subscribed %s to %s of %s", requesterOid, eid, destOid)), nil
	}
	return s.forward(ctx, requesterOid, destOid, overlay.OpSubscribeToEventChannel, nil, map[string]any{"eid": eid})
}

// RemoveSubscriber unsubscribes requesterOid from channel eid of destOid.
func (s *Service) RemoveSubscriber(ctx context.Context, requesterOid, destOid, eid string) (Result, error) {
	if s.pool.Has(destOid) {
		if err := s.channels.Unsubscribe(ctx, destOid, eid, requesterOid); err != nil {
			return Result{}, err
		}
		return textResult(fmt.Sprintf("Unsubscribed %s from %s of %s", requesterOid, eid, destOid)), nil
	}
	return s.forward(ctx, requesterOid, destOid, overlay.OpUnsubscribeFromEventChannel, nil, map[string]any{"eid": eid})
}

// ChannelStatus describes channel eid of destOid.
func (s *Service) ChannelStatus(ctx context.Context, requesterOid, destOid, eid string) (Result, error) {
	if s.pool.Has(destOid) {
		status, err := s.channels.Status(destOid, eid)
		if err != nil {
			return Result{}, err
		}
		return textResult(status), nil
	}
	return s.forward(ctx, requesterOid, destOid, overlay.OpGetEventChannelStatus, nil, map[string]any{"eid": eid})
}

// ListChannels lists the event channels of destOid.
func (s *Service) ListChannels(ctx context.Context, requesterOid, destOid string) (Result, error) {
	if s.pool.Has(destOid) {
		names, ok := s.channels.ChannelNames(destOid)
		if !ok {
			names = []string{}
		}
		raw, err := json.Marshal(names)
		if err != nil {
			return Result{}, err
		}
		return okResult(raw), nil
	}
	return s.forward(ctx, requesterOid, destOid, overlay.OpGetListOfEvents, nil, nil)
}

// Discovery fetches the thing description of destOid, optionally filtered by
// a sparql query.
func (s *Service) Discovery(ctx context.Context, requesterOid, destOid string, sparql json.RawMessage) (Result, error) {
	if s.pool.Has(destOid) {
		body, err := s.agent.Discovery(ctx, requesterOid, destOid, sparql)
		if err != nil {
			return Result{}, err
		}
		return okResult(body), nil
	}
	return s.forward(ctx, requesterOid, destOid, overlay.OpGetThingDescription, sparql, nil)
}

// PublishEvent fans an event from local object oid out to every subscriber
// of channel eid. Delivery is best effort per subscriber; one unreachable
// subscriber does not block the rest.
func (s *Service) PublishEvent(ctx context.Context, oid, eid string, body json.RawMessage) (Result, error) {
	c, err := s.client(oid)
	if err != nil {
		return Result{}, err
	}
	subs, err := s.channels.Subscribers(oid, eid)
	if err != nil {
		return Result{}, err
	}

	delivered := 0
	for _, sub := range subs {
		if err := c.SendEvent(ctx, sub, overlay.OpSendNotification, body, map[string]any{"eid": eid}); err != nil {
			s.logger.Warn(ctx, "Event delivery to subscriber failed", "oid", oid, "eid", eid, "subscriber", sub, "error", err)
			continue
		}
		delivered++
	}
	return textResult(fmt.Sprintf("Event delivered to %d of %d subscribers", delivered, len(subs))), nil
}
