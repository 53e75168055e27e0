package pubsub

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"
)

// LatencyMeasurer measures the send & receive latencies of a Pubsub. The
// realtime server reports these on its health endpoint.
type LatencyMeasurer struct {
	// Unique channel names keep concurrent measurements from clashing.
	channel uuid.UUID
	logger  slog.Logger
}

func NewLatencyMeasurer(logger slog.Logger) *LatencyMeasurer {
	return &LatencyMeasurer{
		channel: uuid.New(),
		logger:  logger,
	}
}

// Measure publishes a message to p, waits to receive it, and returns the
// observed latencies in seconds.
func (lm *LatencyMeasurer) Measure(ctx context.Context, p Pubsub) (send float64, recv float64, err error) {
	var (
		start time.Time
		res   = make(chan float64, 1)
	)

	msg := []byte(uuid.New().String())
	log := lm.logger.With(slog.F("msg", string(msg)))

	cancel, err := p.Subscribe(lm.latencyChannelName(), func(ctx context.Context, in []byte) {
		if !bytes.Equal(in, msg) {
			log.Warn(ctx, "received unexpected message", slog.F("in", string(in)))
			return
		}
		select {
		case res <- time.Since(start).Seconds():
		default:
		}
	})
	if err != nil {
		return -1, -1, xerrors.Errorf("subscribe: %w", err)
	}
	defer cancel()

	start = time.Now()
	err = p.Publish(lm.latencyChannelName(), msg)
	if err != nil {
		return -1, -1, xerrors.Errorf("publish: %w", err)
	}
	send = time.Since(start).Seconds()

	select {
	case <-ctx.Done():
		log.Error(ctx, "context canceled before message could be received", slog.Error(ctx.Err()))
		return send, -1, ctx.Err()
	case val := <-res:
		return send, val, nil
	}
}

func (lm *LatencyMeasurer) latencyChannelName() string {
	return fmt.Sprintf("latency-measure:%s", lm.channel)
}
