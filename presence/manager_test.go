package presence_test

import (
	"context"
	"slices"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coder/presence/presence"
	"github.com/coder/presence/presencesdk"
	"github.com/coder/presence/realtime"
	"github.com/coder/presence/testutil"
)

func newHub(t *testing.T) *realtime.Hub {
	t.Helper()
	hub := realtime.NewHub(realtime.HubOptions{Logger: testutil.Logger(t)})
	t.Cleanup(func() {
		_ = hub.Close()
	})
	return hub
}

// watch returns a channel receiving every presence set the manager reports.
func watch(t *testing.T, m *presence.Manager) <-chan []string {
	t.Helper()
	changes := make(chan []string, 64)
	cancel := m.OnChange(func(members []string) {
		changes <- members
	})
	t.Cleanup(cancel)
	return changes
}

// waitFor receives from changes until want is reported.
func waitFor(ctx context.Context, t *testing.T, changes <-chan []string, want ...string) {
	t.Helper()
	for {
		got := testutil.RequireReceive(ctx, t, changes)
		if slices.Equal(got, want) {
			return
		}
	}
}

func TestManager(t *testing.T) {
	t.Parallel()

	t.Run("NoIdentity", func(t *testing.T) {
		t.Parallel()
		m := presence.NewManager(presence.Options{
			Logger:  testutil.Logger(t),
			Backend: newHub(t),
		})
		defer m.Close()

		require.Empty(t, m.MemberID())
		require.False(t, m.IsOnline("alice"))
		require.Zero(t, m.OnlineCount())
		require.Empty(t, m.Snapshot())
	})

	t.Run("SetIdentity", func(t *testing.T) {
		t.Parallel()
		ctx := testutil.Context(t, testutil.WaitShort)
		hub := newHub(t)

		alice := presence.NewManager(presence.Options{Logger: testutil.Logger(t), Backend: hub})
		defer alice.Close()
		aliceChanges := watch(t, alice)
		alice.SetIdentity(ctx, "alice")
		require.Equal(t, "alice", alice.MemberID())
		waitFor(ctx, t, aliceChanges, "alice")

		bob := presence.NewManager(presence.Options{Logger: testutil.Logger(t), Backend: hub})
		defer bob.Close()
		bobChanges := watch(t, bob)
		bob.SetIdentity(ctx, "bob")
		// Bob's first set comes from the full sync, which already has alice.
		waitFor(ctx, t, bobChanges, "alice", "bob")
		waitFor(ctx, t, aliceChanges, "alice", "bob")

		require.True(t, alice.IsOnline("bob"))
		require.Equal(t, 2, alice.OnlineCount())
		require.Equal(t, []string{"alice", "bob"}, bob.Snapshot())
	})

	t.Run("SameIdentityKeepsSubscription", func(t *testing.T) {
		t.Parallel()
		ctx := testutil.Context(t, testutil.WaitShort)
		hub := newHub(t)

		m := presence.NewManager(presence.Options{Logger: testutil.Logger(t), Backend: hub})
		defer m.Close()
		changes := watch(t, m)
		m.SetIdentity(ctx, "alice")
		waitFor(ctx, t, changes, "alice")

		m.SetIdentity(ctx, "alice")
		m.SetIdentity(ctx, "alice")
		require.Equal(t, 1, hub.Subscribers(presence.DefaultChannel))
		require.True(t, m.IsOnline("alice"))
	})

	t.Run("ClearIdentity", func(t *testing.T) {
		t.Parallel()
		ctx := testutil.Context(t, testutil.WaitShort)
		hub := newHub(t)

		bob := presence.NewManager(presence.Options{Logger: testutil.Logger(t), Backend: hub})
		defer bob.Close()
		bobChanges := watch(t, bob)
		bob.SetIdentity(ctx, "bob")
		waitFor(ctx, t, bobChanges, "bob")

		alice := presence.NewManager(presence.Options{Logger: testutil.Logger(t), Backend: hub})
		defer alice.Close()
		aliceChanges := watch(t, alice)
		alice.SetIdentity(ctx, "alice")
		waitFor(ctx, t, aliceChanges, "alice", "bob")
		waitFor(ctx, t, bobChanges, "alice", "bob")

		alice.ClearIdentity()
		// Listeners are told the set emptied.
		waitFor(ctx, t, aliceChanges)
		require.Empty(t, alice.MemberID())
		require.Zero(t, alice.OnlineCount())
		require.False(t, alice.IsOnline("bob"))
		require.Equal(t, 1, hub.Subscribers(presence.DefaultChannel))

		// Other members see the leave.
		waitFor(ctx, t, bobChanges, "bob")
		require.False(t, bob.IsOnline("alice"))
	})

	t.Run("ChangeIdentity", func(t *testing.T) {
		t.Parallel()
		ctx := testutil.Context(t, testutil.WaitShort)
		hub := newHub(t)

		m := presence.NewManager(presence.Options{Logger: testutil.Logger(t), Backend: hub})
		defer m.Close()
		changes := watch(t, m)
		m.SetIdentity(ctx, "alice")
		waitFor(ctx, t, changes, "alice")

		m.SetIdentity(ctx, "carol")
		require.Equal(t, "carol", m.MemberID())
		// The old set is dropped and the new session starts from a full sync.
		waitFor(ctx, t, changes)
		waitFor(ctx, t, changes, "carol")
		require.False(t, m.IsOnline("alice"))
		require.Equal(t, 1, hub.Subscribers(presence.DefaultChannel))
		require.Equal(t, []string{"carol"}, hub.Members(presence.DefaultChannel))
	})

	t.Run("EmptyIdentityClears", func(t *testing.T) {
		t.Parallel()
		ctx := testutil.Context(t, testutil.WaitShort)
		hub := newHub(t)

		m := presence.NewManager(presence.Options{Logger: testutil.Logger(t), Backend: hub})
		defer m.Close()
		changes := watch(t, m)
		m.SetIdentity(ctx, "alice")
		waitFor(ctx, t, changes, "alice")

		m.SetIdentity(ctx, "")
		require.Empty(t, m.MemberID())
		require.Zero(t, hub.Subscribers(presence.DefaultChannel))
	})

	t.Run("Close", func(t *testing.T) {
		t.Parallel()
		ctx := testutil.Context(t, testutil.WaitShort)
		hub := newHub(t)

		m := presence.NewManager(presence.Options{Logger: testutil.Logger(t), Backend: hub})
		changes := watch(t, m)
		m.SetIdentity(ctx, "alice")
		waitFor(ctx, t, changes, "alice")

		require.NoError(t, m.Close())
		require.Zero(t, hub.Subscribers(presence.DefaultChannel))
		m.SetIdentity(ctx, "bob")
		require.Empty(t, m.MemberID())
		require.Zero(t, hub.Subscribers(presence.DefaultChannel))
	})

	t.Run("Run", func(t *testing.T) {
		t.Parallel()
		ctx := testutil.Context(t, testutil.WaitShort)
		hub := newHub(t)

		m := presence.NewManager(presence.Options{Logger: testutil.Logger(t), Backend: hub})
		defer m.Close()
		changes := watch(t, m)

		identities := make(chan string)
		done := testutil.Go(t, func() {
			m.Run(ctx, identities)
		})
		testutil.RequireSend(ctx, t, identities, "alice")
		waitFor(ctx, t, changes, "alice")
		testutil.RequireSend(ctx, t, identities, "")
		waitFor(ctx, t, changes)
		testutil.RequireSend(ctx, t, identities, "bob")
		waitFor(ctx, t, changes, "bob")

		close(identities)
		_ = testutil.TryReceive(ctx, t, done)
		require.Empty(t, m.MemberID())
		require.Zero(t, hub.Subscribers(presence.DefaultChannel))
	})

	t.Run("SubscribeFails", func(t *testing.T) {
		t.Parallel()
		ctx := testutil.Context(t, testutil.WaitShort)
		hub := realtime.NewHub(realtime.HubOptions{Logger: testutil.Logger(t)})
		require.NoError(t, hub.Close())

		m := presence.NewManager(presence.Options{Logger: testutil.IgnoringErrorsLogger(t), Backend: hub})
		defer m.Close()
		m.SetIdentity(ctx, "alice")
		require.Equal(t, "alice", m.MemberID())
		require.Zero(t, m.OnlineCount())
		require.False(t, m.IsOnline("alice"))
	})
}

// Two connections for the same member: closing one emits a leave for the
// member even though the other connection is still live.
func TestManagerSecondConnectionLeave(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	hub := newHub(t)

	observer := presence.NewManager(presence.Options{Logger: testutil.Logger(t), Backend: hub})
	defer observer.Close()
	changes := watch(t, observer)
	observer.SetIdentity(ctx, "observer")
	waitFor(ctx, t, changes, "observer")

	first := presence.NewManager(presence.Options{Logger: testutil.Logger(t), Backend: hub})
	defer first.Close()
	first.SetIdentity(ctx, "alice")
	waitFor(ctx, t, changes, "alice", "observer")

	second := presence.NewManager(presence.Options{Logger: testutil.Logger(t), Backend: hub})
	defer second.Close()
	secondChanges := watch(t, second)
	second.SetIdentity(ctx, "alice")
	waitFor(ctx, t, secondChanges, "alice", "observer")

	second.ClearIdentity()
	waitFor(ctx, t, changes, "observer")
	require.False(t, observer.IsOnline("alice"))
	// The hub still holds the first connection.
	require.Equal(t, []string{"alice", "observer"}, hub.Members(presence.DefaultChannel))

	// A fresh handshake corrects the set.
	observer.ClearIdentity()
	observer.SetIdentity(ctx, "observer")
	waitFor(ctx, t, changes, "alice", "observer")
}

func TestManagerEventsFromHub(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	hub := newHub(t)

	m := presence.NewManager(presence.Options{Logger: testutil.Logger(t), Backend: hub})
	defer m.Close()
	changes := watch(t, m)
	m.SetIdentity(ctx, "alice")
	waitFor(ctx, t, changes, "alice")

	sub, err := hub.Subscribe(ctx, presence.DefaultChannel, "dave", realtime.Callbacks{})
	require.NoError(t, err)
	require.NoError(t, sub.Track(ctx, presencesdk.Record{MemberID: "dave"}))
	waitFor(ctx, t, changes, "alice", "dave")

	require.NoError(t, sub.Close())
	waitFor(ctx, t, changes, "alice")
}
