// Package wsjson sends and receives JSON values over a websocket connection.
package wsjson

import (
	"context"

	"cdr.dev/slog/v3"
	"github.com/coder/websocket"
)

// Stream is a two-way messaging interface over a WebSocket connection.
type Stream[R any, W any] struct {
	conn *websocket.Conn
	r    *Decoder[R]
	w    *Encoder[W]
}

func NewStream[R any, W any](conn *websocket.Conn, readType, writeType websocket.MessageType, logger slog.Logger) *Stream[R, W] {
	return &Stream[R, W]{
		conn: conn,
		r:    NewDecoder[R](conn, readType, logger),
		w:    &Encoder[W]{conn: conn, typ: writeType},
	}
}

// Chan returns a `chan` that you can read incoming messages from. The returned
// `chan` will be closed when the WebSocket connection is closed. If there is an
// error reading from the WebSocket or decoding a value the WebSocket will be
// closed.
//
// Safety: Chan must only be called once. Successive calls will panic.
func (s *Stream[R, W]) Chan() <-chan R {
	return s.r.Chan()
}

// Send encodes v as one message. Safe for concurrent use.
func (s *Stream[R, W]) Send(v W) error {
	return s.w.Encode(v)
}

// Close closes the connection with the given status and stops the reader.
func (s *Stream[R, W]) Close(c websocket.StatusCode) error {
	err := s.conn.Close(c, "")
	s.r.cancel()
	return err
}

// Ping sends a websocket ping and waits for the pong. The stream's reader
// must be running for the pong to be observed.
func (s *Stream[R, W]) Ping(ctx context.Context) error {
	return s.conn.Ping(ctx)
}
