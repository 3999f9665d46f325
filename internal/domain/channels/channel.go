// Package channels defines the event-channel model: named feeds owned by an
// object to which other objects subscribe for event notifications.
package channels

import "sort"

// Channel is one event feed. Subscriber uniqueness is enforced by set
// semantics; insertion order is irrelevant.
type Channel struct {
	Oid         string
	Eid         string
	subscribers map[string]struct{}
}

// NewChannel creates a channel owned by oid with the given event id,
// pre-populated with subscribers.
func NewChannel(oid, eid string, subscribers ...string) *Channel {
	ch := &Channel{Oid: oid, Eid: eid, subscribers: make(map[string]struct{}, len(subscribers))}
	for _, s := range subscribers {
		ch.subscribers[s] = struct{}{}
	}
	return ch
}

// AddSubscriber registers oid as a subscriber. Adding an existing subscriber
// is a no-op.
func (c *Channel) AddSubscriber(oid string) {
	c.subscribers[oid] = struct{}{}
}

// RemoveSubscriber removes oid from the subscriber set, reporting whether it
// was present.
func (c *Channel) RemoveSubscriber(oid string) bool {
	if _, ok := c.subscribers[oid]; !ok {
		return false
	}
	delete(c.subscribers, oid)
	return true
}

// HasSubscriber reports whether oid is subscribed.
func (c *Channel) HasSubscriber(oid string) bool {
	_, ok := c.subscribers[oid]
	return ok
}

// Subscribers returns the subscriber oids in stable order.
func (c *Channel) Subscribers() []string {
	subs := make([]string, 0, len(c.subscribers))
	for s := range c.subscribers {
		subs = append(subs, s)
	}
	sort.Strings(subs)
	return subs
}

// Len returns the subscriber count.
func (c *Channel) Len() int { return len(c.subscribers) }

// Snapshot types mirror the flat persistence format:
// [{oid, eventChannels: [{eid, subscribers: [oid...]}]}].

// ChannelSnapshot is the persisted form of one channel.
type ChannelSnapshot struct {
	Eid         string   `json:"eid"`
	Subscribers []string `json:"subscribers"`
}

// ObjectSnapshot groups the persisted channels of one owning object.
type ObjectSnapshot struct {
	Oid           string            `json:"oid"`
	EventChannels []ChannelSnapshot `json:"eventChannels"`
}

// Snapshot converts the channel to its persisted form.
func (c *Channel) Snapshot() ChannelSnapshot {
	return ChannelSnapshot{Eid: c.Eid, Subscribers: c.Subscribers()}
}
