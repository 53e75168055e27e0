package presence_test

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"golang.org/x/xerrors"

	"github.com/coder/presence/presence"
	"github.com/coder/presence/presencesdk"
	"github.com/coder/presence/realtime"
	"github.com/coder/presence/realtime/realtimemock"
	"github.com/coder/presence/testutil"
	"github.com/coder/quartz"
)

func encode(t *testing.T, ev presencesdk.Event) []byte {
	t.Helper()
	payload, err := presencesdk.EncodeEvent(ev)
	require.NoError(t, err)
	return payload
}

type sessionFixture struct {
	session *presence.Session
	sub     *realtimemock.MockSubscription
	cb      realtime.Callbacks
	clock   *quartz.Mock
	reg     *prometheus.Registry
}

// startSession starts a session against a mocked backend and captures the
// callbacks it subscribed with.
func startSession(t *testing.T, memberID string) *sessionFixture {
	t.Helper()
	ctrl := gomock.NewController(t)
	backend := realtimemock.NewMockBackend(ctrl)
	f := &sessionFixture{
		sub:   realtimemock.NewMockSubscription(ctrl),
		clock: quartz.NewMock(t),
		reg:   prometheus.NewRegistry(),
	}
	backend.EXPECT().
		Subscribe(gomock.Any(), presence.DefaultChannel, memberID, gomock.Any()).
		DoAndReturn(func(_ context.Context, _, _ string, cb realtime.Callbacks) (realtime.Subscription, error) {
			f.cb = cb
			return f.sub, nil
		})

	f.session = presence.StartSession(context.Background(), presence.Options{
		Logger:  testutil.IgnoringErrorsLogger(t),
		Backend: backend,
		Clock:   f.clock,
		Metrics: presence.NewMetrics(f.reg),
	}, memberID)
	require.NotNil(t, f.cb.OnStatus)
	require.NotNil(t, f.cb.OnMessage)
	return f
}

func TestSession(t *testing.T) {
	t.Parallel()

	t.Run("SubscribeFails", func(t *testing.T) {
		t.Parallel()
		ctrl := gomock.NewController(t)
		backend := realtimemock.NewMockBackend(ctrl)
		backend.EXPECT().
			Subscribe(gomock.Any(), presence.DefaultChannel, "alice", gomock.Any()).
			Return(nil, xerrors.New("connection refused"))

		session := presence.StartSession(context.Background(), presence.Options{
			Logger:  testutil.IgnoringErrorsLogger(t),
			Backend: backend,
		}, "alice")
		require.Zero(t, session.Tracker().OnlineCount())
		require.False(t, session.Tracker().IsOnline("alice"))
		require.NoError(t, session.Close())
	})

	t.Run("NoBackend", func(t *testing.T) {
		t.Parallel()
		session := presence.StartSession(context.Background(), presence.Options{
			Logger: testutil.IgnoringErrorsLogger(t),
		}, "alice")
		require.Zero(t, session.Tracker().OnlineCount())
		require.NoError(t, session.Close())
	})

	t.Run("AnnouncesOnEstablished", func(t *testing.T) {
		t.Parallel()
		ctx := testutil.Context(t, testutil.WaitShort)
		f := startSession(t, "alice")
		f.clock.Advance(time.Minute)

		f.sub.EXPECT().Track(gomock.Any(), presencesdk.Record{
			MemberID: "alice",
			OnlineAt: f.clock.Now(),
		}).Return(nil)
		f.cb.OnStatus(ctx, realtime.StatusSubscribed, nil)
		// Our own presence arrives through the channel, not locally.
		require.False(t, f.session.Tracker().IsOnline("alice"))

		f.cb.OnMessage(ctx, encode(t, presencesdk.FullSync{Roster: records("alice", "bob")}))
		require.Equal(t, []string{"alice", "bob"}, f.session.Tracker().Snapshot())

		f.sub.EXPECT().Close().Return(nil)
		require.NoError(t, f.session.Close())
	})

	t.Run("TrackFailureIsNotFatal", func(t *testing.T) {
		t.Parallel()
		ctx := testutil.Context(t, testutil.WaitShort)
		f := startSession(t, "alice")

		f.sub.EXPECT().Track(gomock.Any(), gomock.Any()).Return(realtime.ErrNotSubscribed)
		f.cb.OnStatus(ctx, realtime.StatusSubscribed, nil)
		f.cb.OnMessage(ctx, encode(t, presencesdk.FullSync{Roster: records("bob")}))
		require.True(t, f.session.Tracker().IsOnline("bob"))

		f.sub.EXPECT().Close().Return(nil)
		require.NoError(t, f.session.Close())
	})

	t.Run("DropsMalformed", func(t *testing.T) {
		t.Parallel()
		ctx := testutil.Context(t, testutil.WaitShort)
		f := startSession(t, "alice")
		f.sub.EXPECT().Track(gomock.Any(), gomock.Any()).Return(nil)
		f.cb.OnStatus(ctx, realtime.StatusSubscribed, nil)
		f.cb.OnMessage(ctx, encode(t, presencesdk.FullSync{Roster: records("bob")}))

		f.cb.OnMessage(ctx, []byte("not json"))
		f.cb.OnMessage(ctx, []byte(`{"type":"kick","members":[{"member_id":"bob"}]}`))
		f.cb.OnMessage(ctx, []byte(`{"type":"join","members":[{"online_at":"2024-01-02T03:04:05Z"},{"member_id":"carol"}]}`))
		require.Equal(t, []string{"bob", "carol"}, f.session.Tracker().Snapshot())

		metrics, err := f.reg.Gather()
		require.NoError(t, err)
		require.True(t, testutil.PromCounterHasValue(t, metrics, 2, "presence_dropped_total", presence.DropReasonMalformed))
		require.True(t, testutil.PromCounterHasValue(t, metrics, 1, "presence_dropped_total", presence.DropReasonMissingMember))
		require.True(t, testutil.PromCounterHasValue(t, metrics, 1, "presence_subscription_statuses_total", string(realtime.StatusSubscribed)))

		f.sub.EXPECT().Close().Return(nil)
		require.NoError(t, f.session.Close())
	})

	t.Run("ResetsOnLoss", func(t *testing.T) {
		t.Parallel()
		for _, status := range []realtime.Status{realtime.StatusChannelError, realtime.StatusTimedOut, realtime.StatusClosed} {
			t.Run(string(status), func(t *testing.T) {
				t.Parallel()
				ctx := testutil.Context(t, testutil.WaitShort)
				f := startSession(t, "alice")
				f.sub.EXPECT().Track(gomock.Any(), gomock.Any()).Return(nil).Times(2)
				f.cb.OnStatus(ctx, realtime.StatusSubscribed, nil)
				f.cb.OnMessage(ctx, encode(t, presencesdk.FullSync{Roster: records("alice", "bob")}))
				require.Equal(t, 2, f.session.Tracker().OnlineCount())

				f.cb.OnStatus(ctx, status, xerrors.New("lost"))
				require.Zero(t, f.session.Tracker().OnlineCount())
				require.False(t, f.session.Tracker().IsOnline("bob"))

				// Reconnecting re-runs the handshake from a full sync.
				f.cb.OnStatus(ctx, realtime.StatusSubscribed, nil)
				f.cb.OnMessage(ctx, encode(t, presencesdk.FullSync{Roster: records("alice")}))
				require.Equal(t, []string{"alice"}, f.session.Tracker().Snapshot())

				f.sub.EXPECT().Close().Return(nil)
				require.NoError(t, f.session.Close())
			})
		}
	})

	t.Run("IgnoresEventsAfterClose", func(t *testing.T) {
		t.Parallel()
		ctx := testutil.Context(t, testutil.WaitShort)
		f := startSession(t, "alice")
		f.sub.EXPECT().Track(gomock.Any(), gomock.Any()).Return(nil)
		f.cb.OnStatus(ctx, realtime.StatusSubscribed, nil)
		f.cb.OnMessage(ctx, encode(t, presencesdk.FullSync{Roster: records("bob")}))

		f.sub.EXPECT().Close().Return(nil).Times(1)
		require.NoError(t, f.session.Close())
		require.Zero(t, f.session.Tracker().OnlineCount())
		// Closing twice releases once.
		require.NoError(t, f.session.Close())

		// No Track is expected here; gomock fails the test if one is made.
		f.cb.OnStatus(ctx, realtime.StatusSubscribed, nil)
		f.cb.OnMessage(ctx, encode(t, presencesdk.Join{Members: records("carol")}))
		require.Zero(t, f.session.Tracker().OnlineCount())
	})

	t.Run("CloseError", func(t *testing.T) {
		t.Parallel()
		f := startSession(t, "alice")
		f.sub.EXPECT().Close().Return(xerrors.New("boom"))
		require.ErrorContains(t, f.session.Close(), "boom")
	})
}
