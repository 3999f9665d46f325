package resolution

import (
	"context"
	"encoding/json"

	"github.com/mvera/fedgate/internal/domain/overlay"
	"github.com/mvera/fedgate/internal/domain/shared"
	"github.com/mvera/fedgate/pkg/common/logger"
)

// Dispatcher handles requests and events arriving over the overlay for
// locally hosted objects. It is the receiving-side counterpart of Service.
type Dispatcher struct {
	agent    Agent
	channels Channels
	logger   *logger.Logger

	// OnNotification runs when the platform pushes a notification, before
	// it is forwarded to the agent. Wired to a roster reload at startup.
	OnNotification func(ctx context.Context)
}

// NewDispatcher wires a dispatcher.
func NewDispatcher(agent Agent, channels Channels, log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		agent:    agent,
		channels: channels,
		logger:   log.With("component", "dispatcher"),
	}
}

func attrString(attrs map[string]any, key string) (string, error) {
	v, ok := attrs[key]
	if !ok {
		return "", shared.NewError(shared.StatusBadRequest, "missing attribute %q", key)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", shared.NewError(shared.StatusBadRequest, "attribute %q must be a non-empty string", key)
	}
	return s, nil
}

// HandleRequest performs an inbound request against the local object
// identified by localOid and returns the response body for the reply.
func (d *Dispatcher) HandleRequest(ctx context.Context, localOid string, msg *overlay.Message) (json.RawMessage, error) {
	switch msg.RequestOperation {
	case overlay.OpGetPropertyValue:
		pid, err := attrString(msg.Attributes, "pid")
		if err != nil {
			return nil, err
		}
		return d.agent.GetProperty(ctx, msg.SourceOid, localOid, pid)

	case overlay.OpSetPropertyValue:
		pid, err := attrString(msg.Attributes, "pid")
		if err != nil {
			return nil, err
		}
		return d.agent.PutProperty(ctx, msg.SourceOid, localOid, pid, msg.RequestBody)

	case overlay.OpSubscribeToEventChannel:
		eid, err := attrString(msg.Attributes, "eid")
		if err != nil {
			return nil, err
		}
		if err := d.channels.Subscribe(ctx, localOid, eid, msg.SourceOid); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]bool{"subscribed": true})

	case overlay.OpUnsubscribeFromEventChannel:
		eid, err := attrString(msg.Attributes, "eid")
		if err != nil {
			return nil, err
		}
		if err := d.channels.Unsubscribe(ctx, localOid, eid, msg.SourceOid); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]bool{"subscribed": false})

	case overlay.OpGetEventChannelStatus:
		eid, err := attrString(msg.Attributes, "eid")
		if err != nil {
			return nil, err
		}
		status, err := d.channels.Status(localOid, eid)
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string]string{"status": status})

	case overlay.OpGetListOfEvents:
		names, ok := d.channels.ChannelNames(localOid)
		if !ok {
			names = []string{}
		}
		return json.Marshal(names)

	case overlay.OpGetThingDescription:
		return d.agent.Discovery(ctx, msg.SourceOid, localOid, msg.RequestBody)

	case overlay.OpSendNotification:
		if d.OnNotification != nil {
			d.OnNotification(ctx)
		}
		nid, err := attrString(msg.Attributes, "nid")
		if err != nil {
			// Roster-change pushes carry no notification id; reacting
			// to them is the whole job.
			return json.Marshal(map[string]bool{"acknowledged": true})
		}
		return d.agent.Notify(ctx, nid, msg.RequestBody)

	default:
		// Unknown operation codes are warned about and answered with an
		// empty response, never failed, so a newer peer cannot break an
		// older gateway.
		d.logger.Warn(ctx, "Unsupported inbound operation", "operation", msg.RequestOperation, "from", msg.SourceOid)
		return nil, nil
	}
}

// HandleEvent delivers an inbound event to the local agent. The channel id
// travels in the message attributes.
func (d *Dispatcher) HandleEvent(ctx context.Context, localOid string, msg *overlay.Message) error {
	eid, err := attrString(msg.Attributes, "eid")
	if err != nil {
		return err
	}
	if _, err := d.agent.PutEvent(ctx, msg.SourceOid, localOid, eid, msg.RequestBody); err != nil {
		return err
	}
	return nil
}
