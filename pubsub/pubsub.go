// Package pubsub is the fan-out bus used by the realtime hub.
package pubsub

import "context"

// Listener represents a pubsub handler.
type Listener func(ctx context.Context, message []byte)

// Pubsub is a generic interface for broadcasting and receiving messages.
//
// Publish must not return until every listener subscribed to the event has
// been called with the message, so that consecutive publishes reach each
// listener in order.
type Pubsub interface {
	Subscribe(event string, listener Listener) (cancel func(), err error)
	Publish(event string, message []byte) error
	Close() error
}
