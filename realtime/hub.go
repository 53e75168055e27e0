package realtime

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"
	"github.com/coder/presence/presencesdk"
	"github.com/coder/presence/pubsub"
	"github.com/coder/quartz"
)

// ErrHubClosed is returned when subscribing to a closed Hub.
var ErrHubClosed = xerrors.New("hub closed")

type HubOptions struct {
	Logger slog.Logger
	// Pubsub fans events out to subscriptions. Defaults to an in-memory
	// pubsub owned by the hub.
	Pubsub pubsub.Pubsub
	// Clock stamps records tracked without an announcement time.
	Clock      quartz.Clock
	Registerer prometheus.Registerer
}

// Hub is an in-process presence backend. It keeps one roster per channel,
// keyed by member and then by subscription, so a member tracked from two
// subscriptions stays in the roster until both are released. Every released
// subscription emits a leave for the members it tracked.
type Hub struct {
	logger  slog.Logger
	ps      pubsub.Pubsub
	ownPS   bool
	clock   quartz.Clock
	latency *pubsub.LatencyMeasurer
	metrics *hubMetrics

	mu       sync.Mutex
	closed   bool
	channels map[string]*roster
	subs     map[uuid.UUID]*hubSubscription
}

type roster struct {
	members     map[string]map[uuid.UUID]presencesdk.Record
	subscribers int
}

func NewHub(opts HubOptions) *Hub {
	h := &Hub{
		logger:   opts.Logger.Named("hub"),
		ps:       opts.Pubsub,
		clock:    opts.Clock,
		metrics:  newHubMetrics(opts.Registerer),
		channels: make(map[string]*roster),
		subs:     make(map[uuid.UUID]*hubSubscription),
	}
	if h.ps == nil {
		h.ps = pubsub.NewInMemory()
		h.ownPS = true
	}
	if h.clock == nil {
		h.clock = quartz.NewReal()
	}
	h.latency = pubsub.NewLatencyMeasurer(h.logger.Named("latency"))
	return h
}

func channelEvent(channel string) string {
	return "presence:" + channel
}

func (h *Hub) Subscribe(ctx context.Context, channel, key string, cb Callbacks) (Subscription, error) {
	if err := validateSubscribe(channel, key); err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHubClosed
	}

	sub := &hubSubscription{
		id:      uuid.New(),
		hub:     h,
		channel: channel,
		key:     key,
		cb:      cb,
		queue:   newDeliveryQueue(),
		tracked: make(map[string]struct{}),
	}
	// Publishes only happen while holding h.mu, so nothing can reach the
	// listener before the full-sync below is queued.
	unsubscribe, err := h.ps.Subscribe(channelEvent(channel), func(_ context.Context, message []byte) {
		sub.queue.push(func(ctx context.Context) {
			sub.cb.message(ctx, message)
		})
	})
	if err != nil {
		sub.queue.close()
		return nil, xerrors.Errorf("subscribe to channel %q: %w", channel, err)
	}
	sub.unsubscribe = unsubscribe

	r, ok := h.channels[channel]
	if !ok {
		r = &roster{members: make(map[string]map[uuid.UUID]presencesdk.Record)}
		h.channels[channel] = r
	}
	r.subscribers++
	h.subs[sub.id] = sub
	h.metrics.subscriptions.Inc()

	payload, err := presencesdk.EncodeEvent(presencesdk.FullSync{Roster: r.snapshot()})
	if err != nil {
		// Records are plain structs; this only fails on programmer error.
		h.logger.Error(ctx, "encode full sync", slog.Error(err))
	}
	sub.queue.push(func(ctx context.Context) {
		sub.cb.status(ctx, StatusSubscribed, nil)
	})
	if payload != nil {
		sub.queue.push(func(ctx context.Context) {
			sub.cb.message(ctx, payload)
		})
	}
	h.metrics.eventsPublished.WithLabelValues(string(presencesdk.EventKindSync)).Inc()

	h.logger.Debug(ctx, "subscribed",
		slog.F("channel", channel),
		slog.F("key", key),
		slog.F("subscription_id", sub.id),
	)
	return sub, nil
}

// snapshot returns one record per present member, sorted by member ID. When
// a member is tracked from several subscriptions the earliest announcement
// wins.
func (r *roster) snapshot() []presencesdk.Record {
	records := make([]presencesdk.Record, 0, len(r.members))
	for _, conns := range r.members {
		var first presencesdk.Record
		for _, record := range conns {
			if first.MemberID == "" || record.OnlineAt.Before(first.OnlineAt) {
				first = record
			}
		}
		records = append(records, first)
	}
	slices.SortFunc(records, func(a, b presencesdk.Record) int {
		return strings.Compare(a.MemberID, b.MemberID)
	})
	return records
}

// Members returns the sorted IDs of members present on channel.
func (h *Hub) Members(channel string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.channels[channel]
	if !ok {
		return []string{}
	}
	ids := make([]string, 0, len(r.members))
	for id := range r.members {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Subscribers returns the number of live subscriptions to channel.
func (h *Hub) Subscribers(channel string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.channels[channel]
	if !ok {
		return 0
	}
	return r.subscribers
}

// MeasureLatency round-trips a message through the hub's pubsub.
func (h *Hub) MeasureLatency(ctx context.Context) (send, recv float64, err error) {
	return h.latency.Measure(ctx, h.ps)
}

// publishLocked must be called with h.mu held.
func (h *Hub) publishLocked(ctx context.Context, channel string, ev presencesdk.Event) {
	payload, err := presencesdk.EncodeEvent(ev)
	if err != nil {
		h.logger.Error(ctx, "encode presence event", slog.F("kind", ev.Kind()), slog.Error(err))
		return
	}
	if err := h.ps.Publish(channelEvent(channel), payload); err != nil {
		h.logger.Warn(ctx, "publish presence event",
			slog.F("channel", channel),
			slog.F("kind", ev.Kind()),
			slog.Error(err),
		)
		return
	}
	h.metrics.eventsPublished.WithLabelValues(string(ev.Kind())).Inc()
}

func (h *Hub) track(ctx context.Context, sub *hubSubscription, record presencesdk.Record) error {
	if err := record.Validate(); err != nil {
		return err
	}
	if record.MemberID != sub.key {
		return xerrors.Errorf("record member %q does not match presence key %q", record.MemberID, sub.key)
	}
	if record.OnlineAt.IsZero() {
		record.OnlineAt = h.clock.Now()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed || sub.released {
		return ErrNotSubscribed
	}
	r := h.channels[sub.channel]
	conns, ok := r.members[record.MemberID]
	if !ok {
		conns = make(map[uuid.UUID]presencesdk.Record)
		r.members[record.MemberID] = conns
		h.metrics.members.Inc()
	}
	conns[sub.id] = record
	sub.tracked[record.MemberID] = struct{}{}

	h.publishLocked(ctx, sub.channel, presencesdk.Join{Members: []presencesdk.Record{record}})
	return nil
}

func (h *Hub) release(ctx context.Context, sub *hubSubscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub.released {
		return
	}
	sub.released = true
	// Stop listening before announcing, so the leave is not delivered back
	// to the subscription that caused it.
	sub.unsubscribe()
	delete(h.subs, sub.id)
	h.metrics.subscriptions.Dec()

	r := h.channels[sub.channel]
	r.subscribers--
	left := make([]presencesdk.Record, 0, len(sub.tracked))
	for memberID := range sub.tracked {
		conns := r.members[memberID]
		left = append(left, conns[sub.id])
		delete(conns, sub.id)
		if len(conns) == 0 {
			delete(r.members, memberID)
			h.metrics.members.Dec()
		}
	}
	slices.SortFunc(left, func(a, b presencesdk.Record) int {
		return strings.Compare(a.MemberID, b.MemberID)
	})
	if len(left) > 0 && !h.closed {
		h.publishLocked(ctx, sub.channel, presencesdk.Leave{Members: left})
	}
	if r.subscribers == 0 && len(r.members) == 0 {
		delete(h.channels, sub.channel)
	}
	h.logger.Debug(ctx, "released subscription",
		slog.F("channel", sub.channel),
		slog.F("key", sub.key),
		slog.F("subscription_id", sub.id),
		slog.F("left", len(left)),
	)
}

// Close releases every subscription. Subscribers are told StatusClosed; no
// leave events are published.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	subs := make([]*hubSubscription, 0, len(h.subs))
	for _, sub := range h.subs {
		subs = append(subs, sub)
	}
	h.mu.Unlock()

	for _, sub := range subs {
		sub.queue.push(func(ctx context.Context) {
			sub.cb.status(ctx, StatusClosed, ErrHubClosed)
		})
		sub.queue.drainAndClose()
		h.release(context.Background(), sub)
	}
	if h.ownPS {
		return h.ps.Close()
	}
	return nil
}

type hubSubscription struct {
	id          uuid.UUID
	hub         *Hub
	channel     string
	key         string
	cb          Callbacks
	queue       *deliveryQueue
	unsubscribe func()

	// Guarded by hub.mu.
	released bool
	tracked  map[string]struct{}

	closeOnce sync.Once
}

func (s *hubSubscription) Track(ctx context.Context, record presencesdk.Record) error {
	return s.hub.track(ctx, s, record)
}

// Close stops delivery immediately and releases the subscription. A callback
// already running on another goroutine is allowed to finish.
func (s *hubSubscription) Close() error {
	s.closeOnce.Do(func() {
		s.queue.close()
		s.hub.release(context.Background(), s)
	})
	return nil
}
