package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/chatwidget/pkg/config"
	"github.com/go-go-golems/chatwidget/pkg/logging"
)

// tuiAnnotation marks commands that own the terminal; their logs go to
// --log-file or nowhere.
const tuiAnnotation = "tui"

type rootOptions struct {
	configPath string
	logLevel   string
	logFormat  string
	logFile    string
	webhookID  string
	backendURL string

	settings config.Settings
	logOut   io.Closer
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "chatwidget",
		Short:         "Embeddable chat widget runtime and demo backend",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return opts.load(cmd)
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if opts.logOut != nil {
				_ = opts.logOut.Close()
			}
		},
	}
	pf := root.PersistentFlags()
	pf.StringVar(&opts.configPath, "config", "", "YAML config file (default $"+config.EnvConfigFile+")")
	pf.StringVar(&opts.logLevel, "log-level", "", "Log level (trace, debug, info, warn, error)")
	pf.StringVar(&opts.logFormat, "log-format", "", "Log format (console, json)")
	pf.StringVar(&opts.logFile, "log-file", "", "Write logs to this file")
	pf.StringVar(&opts.webhookID, "webhook-id", "", "Widget configuration id")
	pf.StringVar(&opts.backendURL, "backend-url", "", "Chat backend base URL")

	root.AddCommand(
		newServeCommand(opts),
		newChatCommand(opts),
		newEmbedCommand(opts),
		newHostCommand(opts),
	)
	return root
}

func (o *rootOptions) load(cmd *cobra.Command) error {
	s, err := config.Load(o.configPath)
	if err != nil {
		return err
	}
	if o.logLevel != "" {
		s.Logging.Level = o.logLevel
	}
	if o.logFormat != "" {
		s.Logging.Format = o.logFormat
	}
	if o.webhookID != "" {
		s.Widget.WebhookID = o.webhookID
	}
	if o.backendURL != "" {
		s.Backend.URL = o.backendURL
	}

	var w io.Writer = os.Stderr
	switch {
	case o.logFile != "":
		f, err := os.OpenFile(o.logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return errors.Wrap(err, "open log file")
		}
		o.logOut = f
		w = f
	case cmd.Annotations[tuiAnnotation] == "true":
		w = io.Discard
	}
	if err := logging.Init(s.Logging, w); err != nil {
		return err
	}
	o.settings = s
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCommand().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
