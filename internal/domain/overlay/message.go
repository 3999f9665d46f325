// Package overlay defines the domain model for messages exchanged between
// objects across the federation overlay: the correlated message envelope, the
// operation and message-type enums, and the roster entries that map peer
// objects to their network addresses.
package overlay

import "encoding/json"

// MessageType distinguishes the three kinds of correlated messages on the
// wire. The numeric values are part of the wire format.
type MessageType int

const (
	MessageTypeRequest  MessageType = 1
	MessageTypeResponse MessageType = 2
	MessageTypeEvent    MessageType = 3
)

// String returns a human readable name for the message type.
func (t MessageType) String() string {
	switch t {
	case MessageTypeRequest:
		return "request"
	case MessageTypeResponse:
		return "response"
	case MessageTypeEvent:
		return "event"
	default:
		return "unknown"
	}
}

// Operation identifies the remote operation a request message asks the
// receiving gateway to perform. The numeric values are part of the wire
// format.
type Operation int

const (
	OpGetListOfProperties Operation = iota
	OpGetPropertyValue
	OpSetPropertyValue
	OpGetListOfActions
	OpStartAction
	OpGetTaskStatus
	OpCancelTask
	OpGetListOfEvents
	OpGetEventChannelStatus
	OpSubscribeToEventChannel
	OpUnsubscribeFromEventChannel
	OpGetThingDescription
	OpSendNotification
)

// String returns a human readable name for the operation.
func (o Operation) String() string {
	switch o {
	case OpGetListOfProperties:
		return "get-list-of-properties"
	case OpGetPropertyValue:
		return "get-property-value"
	case OpSetPropertyValue:
		return "set-property-value"
	case OpGetListOfActions:
		return "get-list-of-actions"
	case OpStartAction:
		return "start-action"
	case OpGetTaskStatus:
		return "get-task-status"
	case OpCancelTask:
		return "cancel-task"
	case OpGetListOfEvents:
		return "get-list-of-events"
	case OpGetEventChannelStatus:
		return "get-event-channel-status"
	case OpSubscribeToEventChannel:
		return "subscribe-to-event-channel"
	case OpUnsubscribeFromEventChannel:
		return "unsubscribe-from-event-channel"
	case OpGetThingDescription:
		return "get-thing-description"
	case OpSendNotification:
		return "send-notification"
	default:
		return "unknown"
	}
}

// Message is the correlated envelope exchanged between overlay clients. The
// JSON field names are fixed by the wire format shared with other gateway
// implementations.
type Message struct {
	MessageType      MessageType     `json:"messageType"`
	RequestOperation Operation       `json:"requestOperation"`
	RequestID        uint32          `json:"requestId"`
	SourceAgid       string          `json:"sourceAgid"`
	SourceOid        string          `json:"sourceOid"`
	DestinationOid   string          `json:"destinationOid"`
	RequestBody      json.RawMessage `json:"requestBody"`
	ResponseBody     json.RawMessage `json:"responseBody"`
	Attributes       map[string]any  `json:"attributes"`
	Parameters       map[string]any  `json:"parameters"`
}

// ErrorMessage is the envelope used to deliver a request failure back to the
// waiting peer. It carries no request or response body, only the failure.
type ErrorMessage struct {
	MessageType      MessageType `json:"messageType"`
	RequestOperation Operation   `json:"requestOperation"`
	RequestID        uint32      `json:"requestId"`
	SourceAgid       string      `json:"sourceAgid"`
	SourceOid        string      `json:"sourceOid"`
	DestinationOid   string      `json:"destinationOid"`
	ErrorMessage     string      `json:"errorMessage"`
	StatusCode       int         `json:"statusCode"`
}
