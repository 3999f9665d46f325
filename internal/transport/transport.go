// Package transport defines the substrate-agnostic contracts the overlay
// clients use to exchange stanzas. Implementations (in-process hub, Kafka)
// live in subpackages; the overlay never sees broker specifics.
package transport

import (
	"context"

	"github.com/mvera/fedgate/internal/domain/overlay"
)

// Kind is the wire-level stanza type.
type Kind string

const (
	// KindChat carries a correlated overlay message.
	KindChat Kind = "chat"
	// KindError carries an error payload for a prior request.
	KindError Kind = "error"
)

// Stanza is one unit of delivery on the substrate. Body holds the serialized
// overlay message; Signature is a detached signature over Body, empty when
// the sender did not sign.
type Stanza struct {
	// ID is a transport-level message id, unique per stanza.
	ID string

	Kind Kind

	// From is the transport-reported sender address. Receivers compare it
	// against the roster entry for the claimed source oid.
	From overlay.Address

	// To is the destination address.
	To overlay.Address

	Body []byte

	// Signature is base64-encoded.
	Signature string
}

// StanzaHandler processes one inbound stanza. Implementations of Session
// invoke the handler serially, one stanza at a time in arrival order.
type StanzaHandler func(ctx context.Context, st Stanza)

// Session is an open attachment of one overlay client to the substrate.
type Session interface {
	// Send delivers the stanza to st.To. It returns an error when the
	// substrate rejects or cannot route the message; it does not wait for
	// the peer to process it.
	Send(ctx context.Context, st Stanza) error

	// Close detaches from the substrate. Pending inbound stanzas may be
	// dropped.
	Close() error
}

// Transport attaches overlay clients to the messaging substrate.
type Transport interface {
	// Open binds local to the substrate and starts delivering inbound
	// stanzas to h. The returned session is used for sending.
	Open(ctx context.Context, local overlay.Address, h StanzaHandler) (Session, error)
}
