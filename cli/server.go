package cli

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"
	"github.com/coder/presence/realtime"
	"github.com/coder/serpent"
)

const shutdownTimeout = 5 * time.Second

func (r *RootCmd) server() *serpent.Command {
	var (
		address           string
		prometheusAddress string
		allowedOrigins    []string
		rateLimit         int64
		heartbeatInterval time.Duration
	)
	cmd := &serpent.Command{
		Use:        "server",
		Short:      "Run a presence server backed by an in-process hub",
		Middleware: serpent.RequireNArgs(0),
		Handler: func(inv *serpent.Invocation) error {
			logger, closeLog, err := r.logger(inv)
			if err != nil {
				return err
			}
			defer closeLog()

			ctx, stop := inv.SignalNotifyContext(inv.Context(), StopSignals...)
			defer stop()

			reg := prometheus.NewRegistry()
			hub := realtime.NewHub(realtime.HubOptions{
				Logger:     logger,
				Registerer: reg,
			})
			defer hub.Close()

			api := realtime.NewServer(realtime.ServerOptions{
				Logger:            logger,
				Backend:           hub,
				AllowedOrigins:    allowedOrigins,
				RateLimit:         int(rateLimit),
				HeartbeatInterval: heartbeatInterval,
			})

			apiListener, err := net.Listen("tcp", address)
			if err != nil {
				return xerrors.Errorf("listen on %q: %w", address, err)
			}
			_, _ = fmt.Fprintf(inv.Stdout, "Listening on http://%s\n", apiListener.Addr())

			var promListener net.Listener
			if prometheusAddress != "" {
				promListener, err = net.Listen("tcp", prometheusAddress)
				if err != nil {
					_ = apiListener.Close()
					return xerrors.Errorf("listen on %q: %w", prometheusAddress, err)
				}
				_, _ = fmt.Fprintf(inv.Stdout, "Serving metrics on http://%s/metrics\n", promListener.Addr())
			}

			eg, egCtx := errgroup.WithContext(ctx)
			eg.Go(func() error {
				return serveHandler(egCtx, logger, api, apiListener, "api")
			})
			if promListener != nil {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
				eg.Go(func() error {
					return serveHandler(egCtx, logger, mux, promListener, "prometheus")
				})
			}
			return eg.Wait()
		},
	}
	cmd.Options = serpent.OptionSet{
		{
			Name:        "address",
			Flag:        "address",
			Env:         "PRESENCE_ADDRESS",
			Default:     "127.0.0.1:3000",
			Description: "Address to serve the realtime API on.",
			Value:       serpent.StringOf(&address),
		},
		{
			Name:        "prometheus-address",
			Flag:        "prometheus-address",
			Env:         "PRESENCE_PROMETHEUS_ADDRESS",
			Description: "Address to serve Prometheus metrics on. Empty disables metrics.",
			Value:       serpent.StringOf(&prometheusAddress),
		},
		{
			Name:        "allowed-origins",
			Flag:        "allowed-origins",
			Env:         "PRESENCE_ALLOWED_ORIGINS",
			Description: "Origin patterns browsers may open websockets from.",
			Value:       serpent.StringArrayOf(&allowedOrigins),
		},
		{
			Name:        "rate-limit",
			Flag:        "rate-limit",
			Env:         "PRESENCE_RATE_LIMIT",
			Default:     "60",
			Description: "Maximum websocket upgrades per IP per minute. Set to 0 to disable.",
			Value:       serpent.Int64Of(&rateLimit),
		},
		{
			Name:        "heartbeat-interval",
			Flag:        "heartbeat-interval",
			Env:         "PRESENCE_HEARTBEAT_INTERVAL",
			Default:     "15s",
			Description: "How often idle websocket connections are pinged.",
			Value:       serpent.DurationOf(&heartbeatInterval),
		},
	}
	return cmd
}

// serveHandler serves handler on listener until ctx is done, then shuts the
// server down. Request contexts derive from ctx, so hijacked websocket
// connections end with it too.
func serveHandler(ctx context.Context, logger slog.Logger, handler http.Handler, listener net.Listener, name string) error {
	logger = logger.With(slog.F("name", name), slog.F("addr", listener.Addr().String()))
	logger.Info(ctx, "http server listening")

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(listener)
	}()

	select {
	case err := <-errCh:
		return xerrors.Errorf("serve %s: %w", name, err)
	case <-ctx.Done():
	}

	logger.Info(context.Background(), "shutting down http server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn(shutdownCtx, "graceful shutdown", slog.Error(err))
		_ = srv.Close()
	}
	if err := <-errCh; err != nil && !xerrors.Is(err, http.ErrServerClosed) {
		return xerrors.Errorf("serve %s: %w", name, err)
	}
	return nil
}
