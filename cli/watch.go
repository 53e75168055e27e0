package cli

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"golang.org/x/xerrors"

	"github.com/coder/presence/presence"
	"github.com/coder/presence/realtime"
	"github.com/coder/serpent"
)

func (r *RootCmd) watch() *serpent.Command {
	var (
		serverURL         string
		memberID          string
		channel           string
		heartbeatInterval time.Duration
	)
	cmd := &serpent.Command{
		Use:        "watch",
		Short:      "Join a presence channel and print the online roster as it changes",
		Middleware: serpent.RequireNArgs(0),
		Handler: func(inv *serpent.Invocation) error {
			logger, closeLog, err := r.logger(inv)
			if err != nil {
				return err
			}
			defer closeLog()

			ctx, stop := inv.SignalNotifyContext(inv.Context(), StopSignals...)
			defer stop()

			u, err := url.Parse(serverURL)
			if err != nil {
				return xerrors.Errorf("parse url %q: %w", serverURL, err)
			}
			client, err := realtime.NewClient(realtime.ClientOptions{
				URL:               u,
				Logger:            logger,
				HeartbeatInterval: heartbeatInterval,
			})
			if err != nil {
				return xerrors.Errorf("create realtime client: %w", err)
			}

			manager := presence.NewManager(presence.Options{
				Logger:  logger,
				Backend: client,
				Channel: channel,
			})
			defer manager.Close()

			cancel := manager.OnChange(func(members []string) {
				_, _ = fmt.Fprintf(inv.Stdout, "%d online: %s\n", len(members), strings.Join(members, ", "))
			})
			defer cancel()

			manager.SetIdentity(ctx, memberID)
			<-ctx.Done()
			return nil
		},
	}
	cmd.Options = serpent.OptionSet{
		{
			Name:        "url",
			Flag:        "url",
			Env:         "PRESENCE_URL",
			Default:     "http://127.0.0.1:3000",
			Description: "URL of the presence server.",
			Value:       serpent.StringOf(&serverURL),
		},
		{
			Name:        "member-id",
			Flag:        "member-id",
			Env:         "PRESENCE_MEMBER_ID",
			Required:    true,
			Description: "Identity to announce on the channel.",
			Value:       serpent.StringOf(&memberID),
		},
		{
			Name:        "channel",
			Flag:        "channel",
			Env:         "PRESENCE_CHANNEL",
			Default:     presence.DefaultChannel,
			Description: "Presence channel to join.",
			Value:       serpent.StringOf(&channel),
		},
		{
			Name:        "heartbeat-interval",
			Flag:        "heartbeat-interval",
			Env:         "PRESENCE_HEARTBEAT_INTERVAL",
			Default:     "15s",
			Description: "How often the connection is pinged.",
			Value:       serpent.DurationOf(&heartbeatInterval),
		},
	}
	return cmd
}
