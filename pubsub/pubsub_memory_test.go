package pubsub_test

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"cdr.dev/slog/v3/sloggers/sloghuman"
	"github.com/coder/presence/pubsub"
	"github.com/coder/presence/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestMemoryPubsub(t *testing.T) {
	t.Parallel()

	t.Run("Publish", func(t *testing.T) {
		t.Parallel()
		ctx := testutil.Context(t, testutil.WaitShort)
		ps := pubsub.NewInMemory()
		defer ps.Close()

		messages := make(chan string, 1)
		cancel, err := ps.Subscribe("test", func(_ context.Context, message []byte) {
			messages <- string(message)
		})
		require.NoError(t, err)
		defer cancel()
		require.Equal(t, 1, ps.Subscribers("test"))

		require.NoError(t, ps.Publish("test", []byte("hello")))
		require.Equal(t, "hello", testutil.RequireReceive(ctx, t, messages))
	})

	t.Run("PublishWaitsForListeners", func(t *testing.T) {
		t.Parallel()
		ps := pubsub.NewInMemory()
		defer ps.Close()

		var (
			mu       sync.Mutex
			received []string
		)
		for range 3 {
			cancel, err := ps.Subscribe("test", func(_ context.Context, message []byte) {
				mu.Lock()
				defer mu.Unlock()
				received = append(received, string(message))
			})
			require.NoError(t, err)
			defer cancel()
		}
		for i := range 10 {
			require.NoError(t, ps.Publish("test", []byte(fmt.Sprint(i))))
			mu.Lock()
			require.Len(t, received, 3*(i+1))
			mu.Unlock()
		}
	})

	t.Run("Unsubscribe", func(t *testing.T) {
		t.Parallel()
		ps := pubsub.NewInMemory()
		defer ps.Close()

		called := false
		cancel, err := ps.Subscribe("test", func(context.Context, []byte) {
			called = true
		})
		require.NoError(t, err)
		cancel()
		require.Zero(t, ps.Subscribers("test"))

		require.NoError(t, ps.Publish("test", []byte("hello")))
		require.False(t, called)
	})

	t.Run("OtherEvent", func(t *testing.T) {
		t.Parallel()
		ps := pubsub.NewInMemory()
		defer ps.Close()

		cancel, err := ps.Subscribe("a", func(context.Context, []byte) {
			assert.Fail(t, "listener for another event called")
		})
		require.NoError(t, err)
		defer cancel()
		require.NoError(t, ps.Publish("b", []byte("hello")))
	})

	t.Run("Closed", func(t *testing.T) {
		t.Parallel()
		ps := pubsub.NewInMemory()
		cancel, err := ps.Subscribe("test", func(context.Context, []byte) {})
		require.NoError(t, err)
		require.NoError(t, ps.Close())
		// Cancelling after close must not panic.
		cancel()

		_, err = ps.Subscribe("test", func(context.Context, []byte) {})
		require.ErrorIs(t, err, pubsub.ErrClosed)
		require.ErrorIs(t, ps.Publish("test", nil), pubsub.ErrClosed)
	})
}

func TestMeasureLatency(t *testing.T) {
	t.Parallel()

	t.Run("MeasureLatency", func(t *testing.T) {
		t.Parallel()
		ctx := testutil.Context(t, testutil.WaitShort)
		ps := pubsub.NewInMemory()
		defer ps.Close()

		send, recv, err := pubsub.NewLatencyMeasurer(testutil.Logger(t)).Measure(ctx, ps)
		require.NoError(t, err)
		require.GreaterOrEqual(t, send, 0.0)
		require.GreaterOrEqual(t, recv, 0.0)
	})

	t.Run("MeasureLatencyRecvTimeout", func(t *testing.T) {
		t.Parallel()
		ps := pubsub.NewInMemory()
		defer ps.Close()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		send, recv, err := pubsub.NewLatencyMeasurer(testutil.IgnoringErrorsLogger(t)).Measure(ctx, droppingPubsub{ps})
		require.ErrorIs(t, err, context.Canceled)
		require.GreaterOrEqual(t, send, 0.0)
		require.Equal(t, -1.0, recv)
	})

	t.Run("MeasureLatencyNotifyRace", func(t *testing.T) {
		t.Parallel()
		ctx := testutil.Context(t, testutil.WaitShort)
		ps := pubsub.NewInMemory()
		defer ps.Close()

		var buf syncBuffer
		logger := testutil.Logger(t).AppendSinks(sloghuman.Sink(&buf))

		send, recv, err := pubsub.NewLatencyMeasurer(logger).Measure(ctx, racyPubsub{ps})
		require.NoError(t, err)
		require.GreaterOrEqual(t, send, 0.0)
		require.GreaterOrEqual(t, recv, 0.0)

		logger.Sync()
		require.Contains(t, buf.String(), "received unexpected message")
	})
}

// droppingPubsub accepts publishes but never delivers them.
type droppingPubsub struct {
	pubsub.Pubsub
}

func (droppingPubsub) Publish(string, []byte) error {
	return nil
}

// racyPubsub publishes an unrelated message on the same event before every
// real one.
type racyPubsub struct {
	pubsub.Pubsub
}

func (r racyPubsub) Publish(event string, message []byte) error {
	if err := r.Pubsub.Publish(event, []byte("nope")); err != nil {
		return err
	}
	return r.Pubsub.Publish(event, message)
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
