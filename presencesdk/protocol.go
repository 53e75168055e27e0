package presencesdk

import (
	"encoding/json"

	"golang.org/x/xerrors"
)

// WebsocketPath is where a realtime server accepts presence connections.
const WebsocketPath = "/realtime/v1/websocket"

type FrameType string

const (
	// Sent by clients.
	FrameJoin  FrameType = "join"
	FrameTrack FrameType = "track"
	FrameLeave FrameType = "leave"

	// Sent by servers.
	FrameReply    FrameType = "reply"
	FramePresence FrameType = "presence"
)

// Frame is a single websocket message. Ref is chosen by the client and
// echoed in the matching reply.
type Frame struct {
	Type    FrameType       `json:"type"`
	Topic   string          `json:"topic"`
	Ref     uint64          `json:"ref,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// JoinRequest is the payload of a join frame.
type JoinRequest struct {
	Key string `json:"key" validate:"required"`
}

func (r JoinRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		return xerrors.Errorf("invalid join request: %w", err)
	}
	return nil
}

type ReplyStatus string

const (
	ReplyOK    ReplyStatus = "ok"
	ReplyError ReplyStatus = "error"
)

// Reply is the payload of a reply frame.
type Reply struct {
	Status  ReplyStatus `json:"status"`
	Message string      `json:"message,omitempty"`
}

// NewFrame marshals payload into a frame.
func NewFrame(typ FrameType, topic string, ref uint64, payload any) (Frame, error) {
	frame := Frame{Type: typ, Topic: topic, Ref: ref}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Frame{}, xerrors.Errorf("marshal %s payload: %w", typ, err)
		}
		frame.Payload = raw
	}
	return frame, nil
}

// DecodePayload unmarshals the frame payload into v.
func (f Frame) DecodePayload(v any) error {
	if len(f.Payload) == 0 {
		return xerrors.Errorf("%s frame has no payload", f.Type)
	}
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return xerrors.Errorf("unmarshal %s payload: %w", f.Type, err)
	}
	return nil
}
