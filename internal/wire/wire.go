// Package wire defines the JSON message shapes exchanged with the bridge
// worker over the back-channel.
//
// DESIGN: Inbound frames are decoded into a closed set of event variants:
//   - response_headers: upstream status + headers for one request
//   - chunk:            one fragment of response body
//   - error:            upstream failure with status and message
//   - stream_close:     upstream finished emitting for this request
//
// Frames with an unknown event_type, malformed JSON, or a missing
// request_id are rejected by Decode and dropped by the caller. They are
// never fatal to the connection.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

// EventType discriminates inbound back-channel events.
type EventType string

const (
	EventResponseHeaders EventType = "response_headers"
	EventChunk           EventType = "chunk"
	EventError           EventType = "error"
	EventStreamClose     EventType = "stream_close"
)

var (
	// ErrMissingRequestID marks frames that cannot be routed to a request.
	ErrMissingRequestID = errors.New("wire: frame has no request_id")
	// ErrUnknownEventType marks frames with an unrecognized event_type.
	ErrUnknownEventType = errors.New("wire: unknown event_type")
)

// UnitOfWork is the normalized representation of one client request as
// forwarded to the bridge worker. Immutable after creation.
type UnitOfWork struct {
	RequestID     string            `json:"request_id"`
	Path          string            `json:"path"`
	Method        string            `json:"method"`
	Headers       map[string]string `json:"headers"`
	QueryParams   map[string]string `json:"query_params"`
	Body          string            `json:"body"`
	StreamingMode string            `json:"streaming_mode"` // "real" or "fake"
	IsGenerative  bool              `json:"is_generative"`
}

// CancelRequest asks the worker to abort an in-flight request. Best effort;
// the worker is not required to honor it promptly.
type CancelRequest struct {
	EventType string `json:"event_type"` // always "cancel_request"
	RequestID string `json:"request_id"`
}

// NewCancelRequest builds the cancellation frame for a request id.
func NewCancelRequest(requestID string) CancelRequest {
	return CancelRequest{EventType: "cancel_request", RequestID: requestID}
}

// Event is one decoded inbound frame. Exactly the fields for its Type are
// populated.
type Event struct {
	RequestID string
	Type      EventType

	// response_headers
	Status  int
	Headers map[string]string

	// chunk
	Data string

	// error
	ErrStatus  int
	ErrMessage string
}

// rawEvent mirrors the union wire shape for decoding.
type rawEvent struct {
	RequestID string            `json:"request_id"`
	EventType string            `json:"event_type"`
	Status    int               `json:"status"`
	Headers   map[string]string `json:"headers"`
	Data      string            `json:"data"`
	Message   string            `json:"message"`
}

// Decode parses a raw back-channel frame into an Event.
func Decode(frame []byte) (Event, error) {
	var raw rawEvent
	if err := json.Unmarshal(frame, &raw); err != nil {
		return Event{}, fmt.Errorf("wire: malformed frame: %w", err)
	}
	if raw.RequestID == "" {
		return Event{}, ErrMissingRequestID
	}

	ev := Event{RequestID: raw.RequestID}
	switch EventType(raw.EventType) {
	case EventResponseHeaders:
		ev.Type = EventResponseHeaders
		ev.Status = raw.Status
		ev.Headers = raw.Headers
	case EventChunk:
		ev.Type = EventChunk
		ev.Data = raw.Data
	case EventError:
		ev.Type = EventError
		ev.ErrStatus = raw.Status
		ev.ErrMessage = raw.Message
	case EventStreamClose:
		ev.Type = EventStreamClose
	default:
		return Event{}, fmt.Errorf("%w: %q", ErrUnknownEventType, raw.EventType)
	}
	return ev, nil
}
