package cli

import (
	"fmt"
	"os"

	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"
	"github.com/coder/presence/buildinfo"
	"github.com/coder/presence/cli/clilog"
	"github.com/coder/serpent"
)

const (
	varVerbose   = "verbose"
	varLogHuman  = "log-human"
	varLogJSON   = "log-json"
	varLogFilter = "log-filter"
)

// RootCmd holds the options shared by every subcommand.
type RootCmd struct {
	verbose   bool
	logHuman  string
	logJSON   string
	logFilter []string
}

func (r *RootCmd) Command() *serpent.Command {
	cmd := &serpent.Command{
		Use:   "presence",
		Short: "Track which members of a presence channel are online",
		Long: fmt.Sprintf("presence %s\n\n", buildinfo.Version()) +
			"Run a presence server with \"presence server\", then follow the online roster with " +
			"\"presence watch --url http://127.0.0.1:3000 --member-id alice\".",
		Children: []*serpent.Command{
			r.server(),
			r.watch(),
			r.version(),
		},
	}
	cmd.Options = serpent.OptionSet{
		{
			Name:        varVerbose,
			Flag:        varVerbose,
			Env:         "PRESENCE_VERBOSE",
			Description: "Output debug-level logs.",
			Value:       serpent.BoolOf(&r.verbose),
		},
		{
			Name:        varLogHuman,
			Flag:        varLogHuman,
			Env:         "PRESENCE_LOG_HUMAN",
			Default:     "/dev/stderr",
			Description: "Output human-readable logs to a given file.",
			Value:       serpent.StringOf(&r.logHuman),
		},
		{
			Name:        varLogJSON,
			Flag:        varLogJSON,
			Env:         "PRESENCE_LOG_JSON",
			Description: "Output JSON logs to a given file.",
			Value:       serpent.StringOf(&r.logJSON),
		},
		{
			Name:        varLogFilter,
			Flag:        varLogFilter,
			Env:         "PRESENCE_LOG_FILTER",
			Description: "Filter debug logs by matching against a given regex. Use .* to match all debug logs.",
			Value:       serpent.StringArrayOf(&r.logFilter),
		},
	}
	return cmd
}

// Main runs the command line and exits the process on failure.
func (r *RootCmd) Main() {
	err := r.Command().Invoke().WithOS().Run()
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func (r *RootCmd) logger(inv *serpent.Invocation) (slog.Logger, func(), error) {
	opts := []clilog.Option{
		clilog.WithHuman(r.logHuman),
		clilog.WithJSON(r.logJSON),
		clilog.WithFilter(r.logFilter...),
	}
	if r.verbose {
		opts = append(opts, clilog.WithVerbose())
	}
	logger, closeLog, err := clilog.New(opts...).Build(inv.Stdout, inv.Stderr)
	if err != nil {
		return slog.Logger{}, nil, xerrors.Errorf("build logger: %w", err)
	}
	return logger, closeLog, nil
}
