// Package channels maintains the event channel registry: which locally
// hosted objects publish which event channels, and which remote objects are
// subscribed to each. The registry is persisted to disk across restarts so
// subscriptions survive a gateway bounce.
package channels

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/mvera/fedgate/internal/domain/channels"
	"github.com/mvera/fedgate/internal/domain/shared"
	"github.com/mvera/fedgate/pkg/common/logger"
)

// ClientSet reports which objects have a running overlay client. Channels can
// only be created for objects this gateway actually hosts.
type ClientSet interface {
	Has(oid string) bool
}

// Registry holds the event channels of every locally hosted object.
type Registry struct {
	clients ClientSet
	logger  *logger.Logger

	mu       sync.RWMutex
	channels map[string]map[string]*channels.Channel
}

// NewRegistry creates an empty registry gated by clients.
func NewRegistry(clients ClientSet, log *logger.Logger) *Registry {
	return &Registry{
		clients:  clients,
		logger:   log.With("component", "channel_registry"),
		channels: make(map[string]map[string]*channels.Channel),
	}
}

// Create adds an event channel eid for object oid. Creating a channel that
// already exists is a no-op; existing subscribers are kept.
func (r *Registry) Create(ctx context.Context, oid, eid string) error {
	if !r.clients.Has(oid) {
		return shared.NewError(shared.StatusNotFound, "object %s is not hosted here", oid)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	byEid, ok := r.channels[oid]
	if !ok {
		byEid = make(map[string]*channels.Channel)
		r.channels[oid] = byEid
	}
	if _, exists := byEid[eid]; exists {
		r.logger.Warn(ctx, "Channel already exists", "oid", oid, "eid", eid)
		return nil
	}
	byEid[eid] = channels.NewChannel(oid, eid)
	r.logger.Info(ctx, "Channel created", "oid", oid, "eid", eid)
	return nil
}

// Remove deletes an event channel and all its subscriptions.
func (r *Registry) Remove(ctx context.Context, oid, eid string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	byEid, ok := r.channels[oid]
	if !ok {
		return shared.NewError(shared.StatusNotFound, "object %s has no channels", oid)
	}
	if _, exists := byEid[eid]; !exists {
		return shared.NewError(shared.StatusNotFound, "channel %s not found for %s", eid, oid)
	}
	delete(byEid, eid)
	if len(byEid) == 0 {
		delete(r.channels, oid)
	}
	r.logger.Info(ctx, "Channel removed", "oid", oid, "eid", eid)
	return nil
}

// ChannelNames lists the event channels of oid. The second return reports
// whether the object has any channel state at all, distinguishing "no
// channels" from "unknown object".
func (r *Registry) ChannelNames(oid string) ([]string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	byEid, ok := r.channels[oid]
	if !ok {
		return nil, false
	}
	names := make([]string, 0, len(byEid))
	for eid := range byEid {
		names = append(names, eid)
	}
	return names, true
}

func (r *Registry) lookup(oid, eid string) (*channels.Channel, error) {
	byEid, ok := r.channels[oid]
	if !ok {
		return nil, shared.NewError(shared.StatusNotFound, "object %s has no channels", oid)
	}
	ch, ok := byEid[eid]
	if !ok {
		return nil, shared.NewError(shared.StatusNotFound, "channel %s not found for %s", eid, oid)
	}
	return ch, nil
}

// Subscribe adds subscriberOid to channel eid of oid. Subscribing twice is
// idempotent.
func (r *Registry) Subscribe(ctx context.Context, oid, eid, subscriberOid string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, err := r.lookup(oid, eid)
	if err != nil {
		return err
	}
	ch.AddSubscriber(subscriberOid)
	r.logger.Debug(ctx, "Subscriber added", "oid", oid, "eid", eid, "subscriber", subscriberOid)
	return nil
}

// Unsubscribe removes subscriberOid from channel eid of oid.
func (r *Registry) Unsubscribe(ctx context.Context, oid, eid, subscriberOid string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, err := r.lookup(oid, eid)
	if err != nil {
		return err
	}
	if !ch.RemoveSubscriber(subscriberOid) {
		return shared.NewError(shared.StatusNotFound, "%s is not subscribed to %s of %s", subscriberOid, eid, oid)
	}
	r.logger.Debug(ctx, "Subscriber removed", "oid", oid, "eid", eid, "subscriber", subscriberOid)
	return nil
}

// Status describes a channel's current state for status queries.
func (r *Registry) Status(oid, eid string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, err := r.lookup(oid, eid)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Channel %s of object %s is active with %d subscribers", eid, oid, ch.Len()), nil
}

// Subscribers returns the sorted subscriber oids of a channel.
func (r *Registry) Subscribers(oid, eid string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, err := r.lookup(oid, eid)
	if err != nil {
		return nil, err
	}
	return ch.Subscribers(), nil
}

// HasSubscriber reports whether subscriberOid is subscribed to eid of oid.
func (r *Registry) HasSubscriber(oid, eid, subscriberOid string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, err := r.lookup(oid, eid)
	if err != nil {
		return false
	}
	return ch.HasSubscriber(subscriberOid)
}

// SnapshotAll captures the full registry state for persistence.
func (r *Registry) SnapshotAll() []channels.ObjectSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]channels.ObjectSnapshot, 0, len(r.channels))
	for oid, byEid := range r.channels {
		snap := channels.ObjectSnapshot{Oid: oid}
		for _, ch := range byEid {
			snap.EventChannels = append(snap.EventChannels, ch.Snapshot())
		}
		sort.Slice(snap.EventChannels, func(i, j int) bool {
			return snap.EventChannels[i].Eid < snap.EventChannels[j].Eid
		})
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Oid < out[j].Oid })
	return out
}
