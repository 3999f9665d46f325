// Package shared provides core domain types used across the gateway for
// classifying operation outcomes and carrying structured failures between
// layers.
package shared

// Status classifies the outcome of a gateway operation. The values mirror the
// HTTP statuses the surrounding API layer maps them to, which keeps the
// translation at that boundary trivial.
type Status int

const (
	StatusOK                 Status = 200
	StatusBadRequest         Status = 400
	StatusUnauthorized       Status = 401
	StatusForbidden          Status = 403
	StatusNotFound           Status = 404
	StatusRequestTimeout     Status = 408
	StatusInternalError      Status = 500
	StatusServiceUnavailable Status = 503
)

// String returns a human readable name for the status.
func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusBadRequest:
		return "bad request"
	case StatusUnauthorized:
		return "unauthorized"
	case StatusForbidden:
		return "forbidden"
	case StatusNotFound:
		return "not found"
	case StatusRequestTimeout:
		return "request timeout"
	case StatusServiceUnavailable:
		return "service unavailable"
	case StatusInternalError:
		return "internal error"
	default:
		return "unknown"
	}
}
