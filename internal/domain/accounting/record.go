// Package accounting defines the usage records the gateway reports to the
// directory authority for billing. Every message attempt, inbound or
// outbound, produces exactly one record.
package accounting

import "github.com/mvera/fedgate/internal/domain/overlay"

// StatusCode classifies the outcome of a message attempt. The numeric values
// are fixed by the directory authority's counters API.
type StatusCode int

const (
	// StatusNotSent means the request message could not be sent at all.
	StatusNotSent StatusCode = 1
	// StatusNoResponse means the request was sent but no reply arrived
	// before the deadline.
	StatusNoResponse StatusCode = 2
	// StatusOK means the message was delivered. Delivery of a reply that
	// itself encodes an application failure still counts as OK: the
	// directory bills message delivery, not operation outcome.
	StatusOK StatusCode = 3
)

// statusText holds the directory authority's fixed description strings,
// indexed by StatusCode-1.
var statusText = [...]string{
	"Request message was not possible to send",
	"No response message received",
	"OK",
}

// String returns the directory authority's description for the code.
func (c StatusCode) String() string {
	if c < StatusNotSent || c > StatusOK {
		return "unknown"
	}
	return statusText[c-1]
}

// Record is one usage entry. Records are immutable once created and buffered
// until handed off to a batch flush.
type Record struct {
	// MessageType carries the request operation; the directory's counters
	// API reuses the field name for the operation code.
	MessageType overlay.Operation `json:"messageType"`
	RequestID   uint32            `json:"requestId"`
	SourceOid   string            `json:"sourceOid"`
	DestOid     string            `json:"destinationOid"`
	// Timestamp is milliseconds since the Unix epoch.
	Timestamp int64 `json:"timestamp"`
	// MessageSize is the serialized payload size in bytes.
	MessageSize int        `json:"messageSize"`
	Status      string     `json:"messageStatus"`
	StatusCode  StatusCode `json:"messageStatusCode"`
	// ReqInitiator is true when this gateway originated the exchange.
	ReqInitiator bool `json:"reqInitiator"`
}
