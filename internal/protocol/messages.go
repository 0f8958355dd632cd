package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies websocket text payload variants. Binary websocket
// messages carry audio frames and have no envelope.
type MessageType string

const (
	// TypeEnd is sent by the client once it has streamed the whole recording.
	// The client keeps the socket open to receive the result.
	TypeEnd MessageType = "end"

	TypeSessionStarted MessageType = "session_started"
	TypeSessionResult  MessageType = "session_result"
	TypeSessionError   MessageType = "session_error"
	// TypeProtocolError reports a client message the server could not use.
	// The session keeps collecting.
	TypeProtocolError MessageType = "protocol_error"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

type ClientControl struct {
	Type MessageType `json:"type"`
}

type SessionStarted struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Variant   string      `json:"variant"`
}

type SpeakerTurn struct {
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Speaker string  `json:"speaker"`
}

// SessionResult is the delivered outcome of a successful or empty session.
// Text and Summary keep the field names existing clients read.
type SessionResult struct {
	Type      MessageType   `json:"type"`
	SessionID string        `json:"session_id"`
	State     string        `json:"state"`
	Variant   string        `json:"variant,omitempty"`
	Text      string        `json:"text"`
	Summary   *string       `json:"summary,omitempty"`
	Turns     []SpeakerTurn `json:"turns,omitempty"`
	Frames    int           `json:"frames"`
	Bytes     int           `json:"bytes"`
}

type SessionError struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	State     string      `json:"state"`
	Stage     string      `json:"stage"`
	Kind      string      `json:"kind"`
	Detail    string      `json:"detail,omitempty"`
}

type ProtocolError struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Detail    string      `json:"detail,omitempty"`
}

func ParseClientMessage(raw []byte) (ClientControl, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return ClientControl{}, fmt.Errorf("invalid envelope: %w", err)
	}
	switch env.Type {
	case TypeEnd:
		return ClientControl{Type: env.Type}, nil
	default:
		return ClientControl{}, ErrUnsupportedType
	}
}
