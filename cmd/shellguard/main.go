package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lucid-vigil/shellguard/pkg/api"
	"github.com/lucid-vigil/shellguard/pkg/capture"
	"github.com/lucid-vigil/shellguard/pkg/config"
	"github.com/lucid-vigil/shellguard/pkg/logger"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

type options struct {
	config      string
	test        string
	user        string
	status      string
	stats       bool
	debug       bool
	capture     string
	blacklist   string
	reason      string
	unblacklist string
}

func (o *options) query() bool {
	return o.test != "" || o.stats || o.status != "" || o.blacklist != "" || o.unblacklist != ""
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:   "shellguard",
		Short: "Behavioral risk scoring and blacklisting for interactive shell sessions",
		Long: `shellguard watches interactive shell sessions, scores every command,
keeps a decaying risk score per session and blacklists users whose sessions
reach the auto-blacklist tier. Without a query flag it monitors until
interrupted.`,
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.config, "config", "", "Config file path (default: ./shellguard.yaml or /etc/shellguard/shellguard.yaml)")
	f.StringVar(&opts.test, "test", "", "Score a single command without changing any state")
	f.StringVar(&opts.user, "user", "", "User for --test")
	f.StringVar(&opts.status, "status", "", "Print a user's session and blacklist status")
	f.BoolVar(&opts.stats, "stats", false, "Print aggregate statistics")
	f.BoolVar(&opts.debug, "debug", false, "Enable debug logging")
	f.StringVar(&opts.capture, "capture", "", "Capture backend: audit, log_tail or auto")
	f.StringVar(&opts.blacklist, "blacklist", "", "Blacklist a user")
	f.StringVar(&opts.reason, "reason", "", "Reason for --blacklist")
	f.StringVar(&opts.unblacklist, "unblacklist", "", "Remove a user from the blacklist")
	cmd.MarkFlagsMutuallyExclusive("test", "stats", "status", "blacklist", "unblacklist")
	return cmd
}

func run(cmd *cobra.Command, opts *options) error {
	if opts.test != "" && opts.user == "" {
		return errors.New("--test requires --user")
	}

	cfg, err := config.LoadConfig(opts.config)
	if err != nil {
		return err
	}
	if opts.debug {
		cfg.LogLevel = "debug"
	}
	if opts.capture != "" {
		mode, err := capture.ParseMode(opts.capture)
		if err != nil {
			return err
		}
		cfg.Capture.Mode = string(mode)
	}

	if opts.query() {
		logger.SetOutput(cmd.ErrOrStderr())
	}
	if err := logger.InitLogger(cfg.LogLevel, cfg.LogFile); err != nil {
		return err
	}
	for _, w := range cfg.Warnings() {
		log.Warn().Err(w).Msg("Configuration warning.")
	}

	e, err := buildEngine(cfg, !opts.query())
	if err != nil {
		return err
	}
	defer e.close()

	if opts.query() {
		return runQuery(cmd.OutOrStdout(), e, opts)
	}
	return monitorUntilSignal(cmd.Context(), cfg, e)
}

func runQuery(out io.Writer, e *engine, opts *options) error {
	mon := e.monitor
	switch {
	case opts.test != "":
		return printJSON(out, mon.TestCommand(opts.user, opts.test))
	case opts.stats:
		return printJSON(out, mon.Stats())
	case opts.status != "":
		return printJSON(out, mon.Status(opts.status))
	case opts.blacklist != "":
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		e.notifier.Start(ctx)
		added, err := mon.BlacklistUser(opts.blacklist, opts.reason)
		e.notifier.Stop()
		if err != nil {
			l := logger.Component("cli")
			l.Warn().Err(err).Msg("Blacklist change not yet persisted.")
		}
		return printJSON(out, map[string]interface{}{"username": opts.blacklist, "blacklisted": true, "added": added})
	case opts.unblacklist != "":
		removed, err := mon.RemoveFromBlacklist(opts.unblacklist)
		if err != nil {
			l := logger.Component("cli")
			l.Warn().Err(err).Msg("Blacklist change not yet persisted.")
		}
		return printJSON(out, map[string]interface{}{"username": opts.unblacklist, "blacklisted": false, "removed": removed})
	}
	return nil
}

func monitorUntilSignal(parent context.Context, cfg *config.Config, e *engine) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info().Msg("Shellguard starting...")
	if err := e.monitor.Start(ctx); err != nil {
		return err
	}

	var srv *api.Server
	if cfg.API.Listen != "" {
		srv = api.NewServer(cfg.API.Listen, e.monitor)
		srv.Start()
	}

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("Received shutdown signal, stopping...")
	case <-e.monitor.Done():
		runErr = e.monitor.Err()
		if runErr != nil {
			log.Error().Err(runErr).Msg("Capture lost, shutting down.")
		}
	}

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("API server shutdown failed.")
		}
		cancel()
	}
	e.monitor.Stop()
	log.Info().Msg("Shellguard stopped.")
	return runErr
}

func printJSON(w io.Writer, v interface{}) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
