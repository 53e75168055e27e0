package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"

	"cdr.dev/slog/v3"
	"github.com/coder/presence/presencesdk"
	"github.com/coder/presence/presencesdk/wsjson"
	"github.com/coder/quartz"
	"github.com/coder/websocket"
)

const (
	defaultHeartbeatInterval = 15 * time.Second
	healthCheckTimeout       = 5 * time.Second
)

// LatencyMeasurer is implemented by backends that can report the latency of
// their fan-out path, such as Hub.
type LatencyMeasurer interface {
	MeasureLatency(ctx context.Context) (send, recv float64, err error)
}

type ServerOptions struct {
	Logger  slog.Logger
	Backend Backend
	Clock   quartz.Clock
	// AllowedOrigins are origin patterns browsers may connect from. Empty
	// means same-origin only.
	AllowedOrigins []string
	// RateLimit is the number of websocket upgrades allowed per IP per
	// minute. Zero disables rate limiting.
	RateLimit         int
	HeartbeatInterval time.Duration
}

// Server exposes a Backend over websockets.
type Server struct {
	logger            slog.Logger
	backend           Backend
	clock             quartz.Clock
	allowedOrigins    []string
	heartbeatInterval time.Duration
	handler           http.Handler
}

func NewServer(opts ServerOptions) *Server {
	s := &Server{
		logger:            opts.Logger.Named("server"),
		backend:           opts.Backend,
		clock:             opts.Clock,
		allowedOrigins:    opts.AllowedOrigins,
		heartbeatInterval: opts.HeartbeatInterval,
	}
	if s.clock == nil {
		s.clock = quartz.NewReal()
	}
	if s.heartbeatInterval <= 0 {
		s.heartbeatInterval = defaultHeartbeatInterval
	}

	r := chi.NewRouter()
	if len(opts.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: opts.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet},
		}))
	}
	r.Get("/healthz", s.healthz)
	r.Group(func(r chi.Router) {
		if opts.RateLimit > 0 {
			r.Use(httprate.LimitByIP(opts.RateLimit, time.Minute))
		}
		r.Get(presencesdk.WebsocketPath, s.serveWebsocket)
	})
	s.handler = r
	return s
}

func (s *Server) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(rw, r)
}

// HealthResponse is returned by /healthz.
type HealthResponse struct {
	Healthy           bool    `json:"healthy"`
	Error             string  `json:"error,omitempty"`
	PubsubSendSeconds float64 `json:"pubsub_send_seconds,omitempty"`
	PubsubRecvSeconds float64 `json:"pubsub_recv_seconds,omitempty"`
}

func (s *Server) healthz(rw http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	res := HealthResponse{Healthy: true}
	if lm, ok := s.backend.(LatencyMeasurer); ok {
		send, recv, err := lm.MeasureLatency(ctx)
		if err != nil {
			res.Healthy = false
			res.Error = err.Error()
		} else {
			res.PubsubSendSeconds = send
			res.PubsubRecvSeconds = recv
		}
	}
	status := http.StatusOK
	if !res.Healthy {
		status = http.StatusServiceUnavailable
	}
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	if err := json.NewEncoder(rw).Encode(res); err != nil {
		s.logger.Debug(ctx, "write health response", slog.Error(err))
	}
}

func (s *Server) serveWebsocket(rw http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conn, err := websocket.Accept(rw, r, &websocket.AcceptOptions{
		OriginPatterns: s.allowedOrigins,
	})
	if err != nil {
		// Accept has already written the error response.
		s.logger.Debug(ctx, "accept websocket", slog.Error(err))
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	logger := s.logger.With(slog.F("remote_addr", r.RemoteAddr))
	stream := wsjson.NewStream[presencesdk.Frame, presencesdk.Frame](conn, websocket.MessageText, websocket.MessageText, logger)
	defer stream.Close(websocket.StatusNormalClosure)

	heartbeat := s.clock.TickerFunc(ctx, s.heartbeatInterval, func() error {
		return stream.Ping(ctx)
	}, "server", "heartbeat")
	go func() {
		if err := heartbeat.Wait(); err != nil && ctx.Err() == nil {
			logger.Debug(ctx, "heartbeat failed", slog.Error(err))
		}
		cancel()
	}()

	c := &serverConn{
		logger:  logger,
		backend: s.backend,
		stream:  stream,
		close:   cancel,
	}
	c.serve(ctx, stream.Chan())
}

// serverConn is one websocket connection. It holds at most one subscription.
type serverConn struct {
	logger  slog.Logger
	backend Backend
	stream  *wsjson.Stream[presencesdk.Frame, presencesdk.Frame]
	close   context.CancelFunc

	sub   Subscription
	topic string
}

func (c *serverConn) serve(ctx context.Context, frames <-chan presencesdk.Frame) {
	defer func() {
		if c.sub != nil {
			_ = c.sub.Close()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			c.handle(ctx, frame)
		}
	}
}

func (c *serverConn) handle(ctx context.Context, frame presencesdk.Frame) {
	switch frame.Type {
	case presencesdk.FrameJoin:
		c.join(ctx, frame)
	case presencesdk.FrameTrack:
		c.track(ctx, frame)
	case presencesdk.FrameLeave:
		c.leave(ctx, frame)
	default:
		c.reply(ctx, frame.Topic, frame.Ref, presencesdk.ReplyError, "unsupported frame type "+string(frame.Type))
	}
}

func (c *serverConn) join(ctx context.Context, frame presencesdk.Frame) {
	if c.sub != nil {
		c.reply(ctx, frame.Topic, frame.Ref, presencesdk.ReplyError, "already joined "+c.topic)
		return
	}
	if frame.Topic == "" {
		c.reply(ctx, frame.Topic, frame.Ref, presencesdk.ReplyError, "topic is required")
		return
	}
	var req presencesdk.JoinRequest
	if err := frame.DecodePayload(&req); err != nil {
		c.reply(ctx, frame.Topic, frame.Ref, presencesdk.ReplyError, err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		c.reply(ctx, frame.Topic, frame.Ref, presencesdk.ReplyError, err.Error())
		return
	}

	topic, ref := frame.Topic, frame.Ref
	sub, err := c.backend.Subscribe(ctx, topic, req.Key, Callbacks{
		OnStatus: func(ctx context.Context, status Status, err error) {
			switch status {
			case StatusSubscribed:
				c.reply(ctx, topic, ref, presencesdk.ReplyOK, "")
			default:
				c.logger.Info(ctx, "backend ended subscription",
					slog.F("topic", topic),
					slog.F("status", status),
					slog.Error(err),
				)
				c.close()
			}
		},
		OnMessage: func(ctx context.Context, payload []byte) {
			c.send(ctx, presencesdk.Frame{
				Type:    presencesdk.FramePresence,
				Topic:   topic,
				Payload: payload,
			})
		},
	})
	if err != nil {
		c.reply(ctx, topic, ref, presencesdk.ReplyError, err.Error())
		return
	}
	c.sub = sub
	c.topic = topic
	c.logger.Debug(ctx, "joined", slog.F("topic", topic), slog.F("key", req.Key))
}

func (c *serverConn) track(ctx context.Context, frame presencesdk.Frame) {
	if c.sub == nil || frame.Topic != c.topic {
		c.reply(ctx, frame.Topic, frame.Ref, presencesdk.ReplyError, ErrNotSubscribed.Error())
		return
	}
	var record presencesdk.Record
	if err := frame.DecodePayload(&record); err != nil {
		c.reply(ctx, frame.Topic, frame.Ref, presencesdk.ReplyError, err.Error())
		return
	}
	if err := c.sub.Track(ctx, record); err != nil {
		c.reply(ctx, frame.Topic, frame.Ref, presencesdk.ReplyError, err.Error())
		return
	}
	c.reply(ctx, frame.Topic, frame.Ref, presencesdk.ReplyOK, "")
}

func (c *serverConn) leave(ctx context.Context, frame presencesdk.Frame) {
	if c.sub == nil || frame.Topic != c.topic {
		c.reply(ctx, frame.Topic, frame.Ref, presencesdk.ReplyError, ErrNotSubscribed.Error())
		return
	}
	_ = c.sub.Close()
	c.sub = nil
	c.topic = ""
	c.reply(ctx, frame.Topic, frame.Ref, presencesdk.ReplyOK, "")
}

func (c *serverConn) reply(ctx context.Context, topic string, ref uint64, status presencesdk.ReplyStatus, message string) {
	frame, err := presencesdk.NewFrame(presencesdk.FrameReply, topic, ref, presencesdk.Reply{
		Status:  status,
		Message: message,
	})
	if err != nil {
		c.logger.Error(ctx, "build reply", slog.Error(err))
		return
	}
	c.send(ctx, frame)
}

func (c *serverConn) send(ctx context.Context, frame presencesdk.Frame) {
	if err := c.stream.Send(frame); err != nil {
		c.logger.Debug(ctx, "send frame", slog.F("type", frame.Type), slog.Error(err))
		c.close()
	}
}
