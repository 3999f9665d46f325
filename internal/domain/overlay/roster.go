package overlay

// Address is the transport-level location of an overlay client. Its concrete
// shape depends on the substrate (a topic name, a jid-like identifier); the
// overlay treats it as opaque.
type Address string

// RosterItem records a peer object this client is allowed to talk to and
// where it currently lives on the network.
type RosterItem struct {
	// Oid is the peer's object id.
	Oid string `json:"oid"`

	// Address is the peer's current network address. Messages to the peer
	// are sent here, and inbound messages claiming to come from the peer
	// must arrive from here.
	Address Address `json:"address"`

	// Subscription mirrors the directory's subscription state for the pair
	// (e.g. "both", "to", "from").
	Subscription string `json:"subscription"`
}
