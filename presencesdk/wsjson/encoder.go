package wsjson

import (
	"context"
	"encoding/json"

	"golang.org/x/xerrors"

	"github.com/coder/websocket"
)

type Encoder[T any] struct {
	conn *websocket.Conn
	typ  websocket.MessageType
}

// Encode writes v as a single websocket message. It is safe to call from
// multiple goroutines; writes are serialized by the connection.
func (e *Encoder[T]) Encode(v T) error {
	w, err := e.conn.Writer(context.Background(), e.typ)
	if err != nil {
		return xerrors.Errorf("get websocket writer: %w", err)
	}
	defer w.Close()
	j := json.NewEncoder(w)
	err = j.Encode(v)
	if err != nil {
		return xerrors.Errorf("encode json: %w", err)
	}
	return nil
}
