package realtime

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"
	"github.com/coder/presence/presencesdk"
	"github.com/coder/presence/presencesdk/wsjson"
	"github.com/coder/quartz"
	"github.com/coder/retry"
	"github.com/coder/websocket"
)

const (
	defaultDialTimeout  = 10 * time.Second
	defaultBackoffFloor = 100 * time.Millisecond
	defaultBackoffCeil  = 10 * time.Second
)

type ClientOptions struct {
	// URL of the realtime server. http and https are converted to ws and
	// wss; an empty path defaults to presencesdk.WebsocketPath.
	URL        *url.URL
	Logger     slog.Logger
	Clock      quartz.Clock
	HTTPClient *http.Client
	HTTPHeader http.Header
	// HeartbeatInterval is how often the connection is pinged.
	HeartbeatInterval time.Duration
	// DialTimeout bounds dialing plus the join handshake.
	DialTimeout time.Duration
	// BackoffFloor and BackoffCeil bound the delay between reconnects.
	BackoffFloor time.Duration
	BackoffCeil  time.Duration
}

// Client is a Backend that talks to a realtime Server over websockets. Each
// subscription owns one connection and reconnects until closed, re-running
// the join handshake every time.
type Client struct {
	url               string
	logger            slog.Logger
	clock             quartz.Clock
	dialOptions       *websocket.DialOptions
	heartbeatInterval time.Duration
	dialTimeout       time.Duration
	backoffFloor      time.Duration
	backoffCeil       time.Duration
}

func NewClient(opts ClientOptions) (*Client, error) {
	if opts.URL == nil {
		return nil, xerrors.New("realtime server URL is required")
	}
	u := *opts.URL
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, xerrors.Errorf("unsupported realtime URL scheme %q", u.Scheme)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = presencesdk.WebsocketPath
	}

	c := &Client{
		url:    u.String(),
		logger: opts.Logger.Named("client"),
		clock:  opts.Clock,
		dialOptions: &websocket.DialOptions{
			HTTPClient: opts.HTTPClient,
			HTTPHeader: opts.HTTPHeader,
		},
		heartbeatInterval: opts.HeartbeatInterval,
		dialTimeout:       opts.DialTimeout,
		backoffFloor:      opts.BackoffFloor,
		backoffCeil:       opts.BackoffCeil,
	}
	if c.clock == nil {
		c.clock = quartz.NewReal()
	}
	if c.heartbeatInterval <= 0 {
		c.heartbeatInterval = defaultHeartbeatInterval
	}
	if c.dialTimeout <= 0 {
		c.dialTimeout = defaultDialTimeout
	}
	if c.backoffFloor <= 0 {
		c.backoffFloor = defaultBackoffFloor
	}
	if c.backoffCeil < c.backoffFloor {
		c.backoffCeil = max(defaultBackoffCeil, c.backoffFloor)
	}
	return c, nil
}

// Subscribe starts connecting in the background and returns immediately.
// The subscription's lifetime is independent of ctx; call Close to end it.
func (c *Client) Subscribe(ctx context.Context, channel, key string, cb Callbacks) (Subscription, error) {
	if err := validateSubscribe(channel, key); err != nil {
		return nil, err
	}
	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &clientSubscription{
		client:  c,
		logger:  c.logger.With(slog.F("channel", channel), slog.F("key", key)),
		channel: channel,
		key:     key,
		cb:      cb,
		ctx:     subCtx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go s.run()
	return s, nil
}

type clientSubscription struct {
	client  *Client
	logger  slog.Logger
	channel string
	key     string
	cb      Callbacks

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	ref       atomic.Uint64

	mu     sync.Mutex
	stream *wsjson.Stream[presencesdk.Frame, presencesdk.Frame]
}

func (s *clientSubscription) run() {
	defer close(s.done)
	for retrier := retry.New(s.client.backoffFloor, s.client.backoffCeil); retrier.Wait(s.ctx); {
		status, err := s.connect()
		if s.ctx.Err() != nil {
			return
		}
		s.logger.Warn(s.ctx, "presence subscription lost",
			slog.F("status", status),
			slog.Error(err),
		)
		s.cb.status(s.ctx, status, err)
	}
}

// connect dials, joins, and delivers frames until the connection is lost.
// It returns the status to report for the loss.
func (s *clientSubscription) connect() (Status, error) {
	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	var timedOut atomic.Bool
	joinTimer := s.client.clock.AfterFunc(s.client.dialTimeout, func() {
		timedOut.Store(true)
		cancel()
	}, "client", "join")
	defer joinTimer.Stop()

	s.logger.Debug(ctx, "dialing realtime server", slog.F("url", s.client.url))
	conn, _, err := websocket.Dial(ctx, s.client.url, s.client.dialOptions)
	if err != nil {
		if timedOut.Load() {
			return StatusTimedOut, xerrors.Errorf("dial %s: timed out after %s", s.client.url, s.client.dialTimeout)
		}
		return StatusChannelError, xerrors.Errorf("dial %s: %w", s.client.url, err)
	}
	stream := wsjson.NewStream[presencesdk.Frame, presencesdk.Frame](conn, websocket.MessageText, websocket.MessageText, s.logger)
	defer stream.Close(websocket.StatusNormalClosure)
	frames := stream.Chan()

	joinRef := s.ref.Add(1)
	join, err := presencesdk.NewFrame(presencesdk.FrameJoin, s.channel, joinRef, presencesdk.JoinRequest{Key: s.key})
	if err != nil {
		return StatusChannelError, err
	}
	if err := stream.Send(join); err != nil {
		return StatusChannelError, xerrors.Errorf("send join: %w", err)
	}

	heartbeat := s.client.clock.TickerFunc(ctx, s.client.heartbeatInterval, func() error {
		return stream.Ping(ctx)
	}, "client", "heartbeat")
	heartbeatErr := make(chan error, 1)
	go func() {
		heartbeatErr <- heartbeat.Wait()
	}()

	defer s.setStream(nil)
	joined := false
	for {
		select {
		case <-ctx.Done():
			if timedOut.Load() {
				return StatusTimedOut, xerrors.Errorf("no join reply after %s", s.client.dialTimeout)
			}
			return StatusChannelError, ctx.Err()
		case err := <-heartbeatErr:
			if timedOut.Load() {
				return StatusTimedOut, xerrors.Errorf("no join reply after %s", s.client.dialTimeout)
			}
			return StatusChannelError, xerrors.Errorf("heartbeat: %w", err)
		case frame, ok := <-frames:
			if !ok {
				return StatusChannelError, xerrors.New("connection closed")
			}
			switch frame.Type {
			case presencesdk.FrameReply:
				var reply presencesdk.Reply
				if err := frame.DecodePayload(&reply); err != nil {
					s.logger.Warn(ctx, "malformed reply", slog.F("ref", frame.Ref), slog.Error(err))
					continue
				}
				if frame.Ref == joinRef {
					if reply.Status != presencesdk.ReplyOK {
						return StatusChannelError, xerrors.Errorf("join rejected: %s", reply.Message)
					}
					joinTimer.Stop()
					joined = true
					s.setStream(stream)
					s.cb.status(s.ctx, StatusSubscribed, nil)
					continue
				}
				if reply.Status != presencesdk.ReplyOK {
					s.logger.Warn(ctx, "request rejected",
						slog.F("ref", frame.Ref),
						slog.F("message", reply.Message),
					)
				}
			case presencesdk.FramePresence:
				if !joined {
					s.logger.Debug(ctx, "ignoring presence frame before join reply")
					continue
				}
				s.cb.message(s.ctx, frame.Payload)
			default:
				s.logger.Debug(ctx, "ignoring unexpected frame", slog.F("type", frame.Type))
			}
		}
	}
}

func (s *clientSubscription) setStream(stream *wsjson.Stream[presencesdk.Frame, presencesdk.Frame]) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stream = stream
}

func (s *clientSubscription) Track(_ context.Context, record presencesdk.Record) error {
	if err := record.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	stream := s.stream
	s.mu.Unlock()
	if stream == nil {
		return ErrNotSubscribed
	}
	frame, err := presencesdk.NewFrame(presencesdk.FrameTrack, s.channel, s.ref.Add(1), record)
	if err != nil {
		return err
	}
	if err := stream.Send(frame); err != nil {
		return xerrors.Errorf("send track: %w", err)
	}
	return nil
}

// Close disconnects and waits for the delivery goroutine to exit, so no
// callback runs after it returns. It must not be called from a callback.
func (s *clientSubscription) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		<-s.done
	})
	return nil
}
