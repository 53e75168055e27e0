//go:generate go tool mockgen -destination ./realtimemock/realtimemock.go -package realtimemock github.com/coder/presence/realtime Backend,Subscription

// Package realtime implements presence channel backends: an in-process Hub,
// a websocket Server exposing a Hub, and a websocket Client that connects to
// one.
package realtime

import (
	"context"

	"golang.org/x/xerrors"

	"github.com/coder/presence/presencesdk"
)

// ErrNotSubscribed is returned by Track before the subscription is live or
// after it was released.
var ErrNotSubscribed = xerrors.New("subscription is not established")

// Status is the lifecycle state of a subscription.
type Status string

const (
	// StatusSubscribed means the handshake completed. The next message
	// delivered is the full-sync roster.
	StatusSubscribed Status = "subscribed"
	// StatusChannelError means the subscription was lost. Backends that
	// reconnect report StatusSubscribed again once the handshake re-runs.
	StatusChannelError Status = "channel_error"
	// StatusTimedOut means the handshake did not complete in time.
	StatusTimedOut Status = "timed_out"
	// StatusClosed means the backend shut the subscription down.
	StatusClosed Status = "closed"
)

// Callbacks are invoked serially, in delivery order, for one subscription.
// They must not call Close on their own subscription.
type Callbacks struct {
	OnStatus func(ctx context.Context, status Status, err error)
	// OnMessage receives the raw payload of a presence event, encoded with
	// presencesdk.EncodeEvent.
	OnMessage func(ctx context.Context, payload []byte)
}

func (c Callbacks) status(ctx context.Context, status Status, err error) {
	if c.OnStatus != nil {
		c.OnStatus(ctx, status, err)
	}
}

func (c Callbacks) message(ctx context.Context, payload []byte) {
	if c.OnMessage != nil {
		c.OnMessage(ctx, payload)
	}
}

// Backend is a presence channel service.
type Backend interface {
	// Subscribe joins channel under the presence key. Establishment is
	// reported asynchronously through cb.OnStatus.
	Subscribe(ctx context.Context, channel, key string, cb Callbacks) (Subscription, error)
}

// Subscription is a handle to one joined channel.
type Subscription interface {
	// Track publishes a presence record. Delivery is best-effort and
	// unacknowledged.
	Track(ctx context.Context, record presencesdk.Record) error
	// Close releases the subscription. It is idempotent. The backend is
	// responsible for announcing the resulting leave to other subscribers.
	Close() error
}

func validateSubscribe(channel, key string) error {
	if channel == "" {
		return xerrors.New("channel name is required")
	}
	if key == "" {
		return xerrors.New("presence key is required")
	}
	return nil
}
