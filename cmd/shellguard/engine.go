package main

import (
	"fmt"
	"time"

	"github.com/lucid-vigil/shellguard/pkg/actions"
	"github.com/lucid-vigil/shellguard/pkg/alerts"
	"github.com/lucid-vigil/shellguard/pkg/audit"
	"github.com/lucid-vigil/shellguard/pkg/blacklist"
	"github.com/lucid-vigil/shellguard/pkg/capture"
	"github.com/lucid-vigil/shellguard/pkg/classifier"
	"github.com/lucid-vigil/shellguard/pkg/config"
	"github.com/lucid-vigil/shellguard/pkg/monitor"
	"github.com/rs/zerolog/log"
)

// engine is the set of components owned by one process.
type engine struct {
	monitor  *monitor.Monitor
	audit    *audit.Logger
	notifier *alerts.Notifier
}

// buildEngine wires every component from cfg. With live set the capture
// backends and the audit log are created as well; query commands skip them.
func buildEngine(cfg *config.Config, live bool) (*engine, error) {
	bl, warns, err := blacklist.Open(cfg.BlacklistFile, log.Logger)
	if err != nil {
		return nil, err
	}
	for _, w := range warns {
		log.Warn().Err(w).Msg("Blacklist loaded with warnings.")
	}

	e := &engine{}
	sinks := []alerts.Sink{alerts.NewLogSink(log.Logger)}
	var redeliver monitor.Redeliverer
	if cfg.Notification.WebhookURL != "" {
		var spool *alerts.Spool
		if cfg.Notification.SpoolFile != "" {
			spool = alerts.NewSpool(cfg.Notification.SpoolFile)
		}
		webhook := alerts.NewWebhookSink(cfg.Notification.WebhookURL, cfg.Notification.Timeout, cfg.Notification.RatePerMinute, spool, log.Logger)
		sinks = append(sinks, webhook)
		redeliver = webhook
	}
	e.notifier = alerts.NewNotifier(log.Logger, 64, sinks...)

	dispatcher := actions.NewActionDispatcher(cfg.Actions.Enabled)
	for _, name := range cfg.Actions.OnBlacklist {
		if !dispatcher.Has(name) {
			log.Warn().Str("action", name).Msg("Unknown revocation action configured, it will be skipped.")
		}
	}

	deps := monitor.Deps{
		Blacklist:  bl,
		Classifier: classifier.NewDispatcher(cfg, log.Logger),
		Notifier:   e.notifier,
		Redeliver:  redeliver,
		Actions:    dispatcher,
		Logger:     log.Logger,
	}

	if live {
		e.audit, err = audit.NewLogger(cfg.AuditLogFile)
		if err != nil {
			return nil, fmt.Errorf("failed to open audit log: %w", err)
		}
		deps.Audit = e.audit

		// The login handler is bound once the monitor exists.
		var mon *monitor.Monitor
		onLogin := func(user, addr string, at time.Time) {
			if mon != nil {
				mon.OnLogin(user, addr, at)
			}
		}
		auditSrc := capture.NewAuditSource(cfg.Capture.AuditLog, log.Logger)
		logSrc := capture.NewLogTailSource(cfg.Capture.AuthLog, cfg.Capture.ShellLogTag, log.Logger, capture.WithLoginHandler(onLogin))
		deps.Capture = capture.NewManager(auditSrc, logSrc, cfg.Capture.BufferSize, log.Logger)

		mon = monitor.New(cfg, deps)
		e.monitor = mon
		return e, nil
	}

	e.monitor = monitor.New(cfg, deps)
	return e, nil
}

func (e *engine) close() {
	if e.audit != nil {
		if err := e.audit.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close audit log.")
		}
	}
}
