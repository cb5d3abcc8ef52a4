package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

type Event string

// Client -> server.
const (
	EventUserJoined     Event = "user-joined"
	EventInitiateCall   Event = "initiate-call"
	EventAcceptCall     Event = "accept-call"
	EventRejectCall     Event = "reject-call"
	EventEndCall        Event = "end-call"
	EventOffer          Event = "offer"
	EventAnswer         Event = "answer"
	EventICECandidate   Event = "ice-candidate"
	EventGetActiveCalls Event = "get-active-calls"
	EventGetCallHistory Event = "get-call-history"
)

// Server -> client.
const (
	EventConnected        Event = "connected"
	EventDoctorInfo       Event = "doctor-info"
	EventUserStatusUpdate Event = "user-status-update"
	EventActiveUsers      Event = "active-users"
	EventIncomingCall     Event = "incoming-call"
	EventCallInitiated    Event = "call-initiated"
	EventCallAccepted     Event = "call-accepted"
	EventCallRejected     Event = "call-rejected"
	EventCallEnded        Event = "call-ended"
	EventCallError        Event = "call-error"
	EventNewCall          Event = "new-call"
	EventCallStatusUpdate Event = "call-status-update"
	EventActiveCalls      Event = "active-calls"
	EventCallHistory      Event = "call-history"
)

// IsSignal reports whether e is one of the relayed WebRTC signaling events.
func (e Event) IsSignal() bool {
	switch e {
	case EventOffer, EventAnswer, EventICECandidate:
		return true
	default:
		return false
	}
}

var (
	ErrMissingEvent   = errors.New("protocol: missing event name")
	ErrTrailingData   = errors.New("protocol: unexpected trailing data")
	ErrEmptyEnvelope  = errors.New("protocol: empty message")
	ErrUnknownPayload = errors.New("protocol: payload does not match event")
)

// Envelope is the frame carried by every WebSocket text message in both
// directions.
type Envelope struct {
	Event Event           `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ParseEnvelope decodes a single envelope. Data is left raw so handlers can
// decode it into the payload type of their event.
func ParseEnvelope(data []byte) (Envelope, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Envelope{}, ErrEmptyEnvelope
	}
	dec := json.NewDecoder(bytes.NewReader(data))

	var env Envelope
	if err := dec.Decode(&env); err != nil {
		return Envelope{}, err
	}
	if env.Event == "" {
		return Envelope{}, ErrMissingEvent
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Envelope{}, ErrTrailingData
	}
	return env, nil
}

// Encode marshals payload into an envelope for event.
func Encode(event Event, payload any) ([]byte, error) {
	env := Envelope{Event: event}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", event, err)
		}
		env.Data = raw
	}
	return json.Marshal(env)
}

// DecodeData unmarshals the envelope payload into v. A missing payload decodes
// as an empty object.
func (e Envelope) DecodeData(v any) error {
	if len(e.Data) == 0 || bytes.Equal(bytes.TrimSpace(e.Data), []byte("null")) {
		return nil
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnknownPayload, e.Event, err)
	}
	return nil
}
