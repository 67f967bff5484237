package collab

import (
	"encoding/json"
	"fmt"

	"docsync/internal/access"
	"docsync/internal/crdt"
)

// Frame types exchanged with clients.
const (
	// Server to client.
	FrameState     = "state"
	FrameUpdate    = "update"
	FramePresence  = "presence"
	FrameLeave     = "leave"
	FrameRefreshed = "refreshed"
	FrameError     = "error"

	// Client to server (FrameUpdate and FramePresence are used both ways).
	FrameSync    = "sync"
	FrameRefresh = "refresh"
)

type Frame struct {
	Type        string           `json:"type"`
	Update      json.RawMessage  `json:"update,omitempty"`
	Version     int64            `json:"version,omitempty"`
	StateVector crdt.StateVector `json:"stateVector,omitempty"`
	Presence    *PresenceEvent   `json:"presence,omitempty"`
	Token       string           `json:"token,omitempty"`
	AccessLevel *access.Level    `json:"accessLevel,omitempty"`
	ExpiresIn   int64            `json:"expiresIn,omitempty"`
	Error       *FrameErr        `json:"error,omitempty"`
}

type FrameErr struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PresenceEvent is ephemeral per-connection metadata. Data is opaque to the
// server.
type PresenceEvent struct {
	Connection string          `json:"connection"`
	User       string          `json:"user,omitempty"`
	Name       string          `json:"name,omitempty"`
	Color      string          `json:"color,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
}

func EncodeFrame(frame Frame) ([]byte, error) {
	encoded, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("encode frame %s: %w", frame.Type, err)
	}
	return encoded, nil
}

func DecodeFrame(raw []byte) (Frame, error) {
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	if frame.Type == "" {
		return Frame{}, fmt.Errorf("decode frame: missing type")
	}
	return frame, nil
}

// ErrorFrame builds the frame reporting a rejected client message.
func ErrorFrame(code, message string) []byte {
	encoded, _ := EncodeFrame(Frame{Type: FrameError, Error: &FrameErr{Code: code, Message: message}})
	return encoded
}

const (
	kindUpdate   = "update"
	kindPresence = "presence"
	kindLeave    = "leave"
	// A replica announces its state vector; every peer answers with a
	// syncReply addressed to it.
	kindSyncRequest = "sync-request"
	kindSyncReply   = "sync-reply"
)

// envelope is the broker payload. Origin is the publishing instance, used to
// drop our own messages when the broker echoes them back. To addresses a
// sync reply to one instance.
type envelope struct {
	Origin      string           `json:"origin"`
	To          string           `json:"to,omitempty"`
	Kind        string           `json:"kind"`
	Update      json.RawMessage  `json:"update,omitempty"`
	StateVector crdt.StateVector `json:"stateVector,omitempty"`
	Presence    *PresenceEvent   `json:"presence,omitempty"`
}
