package presence

import (
	"context"
	"sync"

	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"
	"github.com/coder/presence/presencesdk"
	"github.com/coder/presence/realtime"
	"github.com/coder/quartz"
)

// DefaultChannel is the global presence channel every session joins.
const DefaultChannel = "online-users"

type Options struct {
	Logger  slog.Logger
	Backend realtime.Backend
	// Channel defaults to DefaultChannel.
	Channel string
	Clock   quartz.Clock
	Metrics *Metrics
}

// Session is the presence subscription of one local identity. It owns the
// Tracker that its channel events are folded into.
type Session struct {
	logger   slog.Logger
	backend  realtime.Backend
	channel  string
	memberID string
	clock    quartz.Clock
	metrics  *Metrics
	tracker  *Tracker

	// mu is held for the whole of every callback, so Close cannot interleave
	// with an event being applied.
	mu     sync.Mutex
	closed bool
	sub    realtime.Subscription
}

// StartSession subscribes to the presence channel as memberID. It never
// fails: if the subscription cannot be established the error is logged and
// the session reports an empty set until closed.
func StartSession(ctx context.Context, opts Options, memberID string) *Session {
	s := newSession(opts, memberID)
	s.start(ctx)
	return s
}

func newSession(opts Options, memberID string) *Session {
	channel := opts.Channel
	if channel == "" {
		channel = DefaultChannel
	}
	clock := opts.Clock
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &Session{
		logger:   opts.Logger.Named("session").With(slog.F("member_id", memberID), slog.F("channel", channel)),
		backend:  opts.Backend,
		channel:  channel,
		memberID: memberID,
		clock:    clock,
		metrics:  opts.Metrics,
		tracker:  NewTracker(opts.Metrics),
	}
}

func (s *Session) start(ctx context.Context) {
	// Hold mu until s.sub is assigned; callbacks may start before
	// Subscribe returns.
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.backend == nil {
		s.logger.Error(ctx, "no presence backend configured")
		return
	}
	sub, err := s.backend.Subscribe(ctx, s.channel, s.memberID, realtime.Callbacks{
		OnStatus:  s.handleStatus,
		OnMessage: s.handleMessage,
	})
	if err != nil {
		s.logger.Error(ctx, "subscribe to presence channel", slog.Error(err))
		return
	}
	s.sub = sub
	s.logger.Debug(ctx, "subscribing to presence channel")
}

func (s *Session) MemberID() string {
	return s.memberID
}

func (s *Session) Tracker() *Tracker {
	return s.tracker
}

func (s *Session) handleStatus(ctx context.Context, status realtime.Status, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.metrics.observeStatus(status)

	switch status {
	case realtime.StatusSubscribed:
		s.logger.Debug(ctx, "presence subscription established")
		// Our own presence comes back through the channel's join, so it
		// is not added to the tracker here.
		record := presencesdk.Record{MemberID: s.memberID, OnlineAt: s.clock.Now()}
		if err := s.sub.Track(ctx, record); err != nil {
			s.logger.Warn(ctx, "announce presence", slog.Error(err))
		}
	default:
		s.logger.Warn(ctx, "presence subscription unavailable",
			slog.F("status", status),
			slog.Error(err),
		)
		s.tracker.Reset()
	}
}

func (s *Session) handleMessage(ctx context.Context, payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	ev, dropped, err := presencesdk.DecodeEvent(payload)
	if err != nil {
		s.logger.Warn(ctx, "dropping malformed presence payload",
			slog.F("payload_bytes", len(payload)),
			slog.Error(err),
		)
		s.metrics.observeDropped(DropReasonMalformed, 1)
		return
	}
	if dropped > 0 {
		s.logger.Warn(ctx, "dropping presence records without a member",
			slog.F("kind", ev.Kind()),
			slog.F("dropped", dropped),
		)
		s.metrics.observeDropped(DropReasonMissingMember, dropped)
	}
	s.tracker.Apply(ev)
}

// Close releases the subscription and empties the set. Events delivered
// afterwards are ignored. It is safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	sub := s.sub
	s.mu.Unlock()

	var err error
	if sub != nil {
		err = sub.Close()
	}
	s.tracker.Reset()
	if err != nil {
		return xerrors.Errorf("release presence subscription: %w", err)
	}
	return nil
}
