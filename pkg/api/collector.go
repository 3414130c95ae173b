package api

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector reads the engine counters on every scrape.
type Collector struct {
	p Provider

	up                 *prometheus.Desc
	eventsProcessed    *prometheus.Desc
	suspiciousCommands *prometheus.Desc
	autoBlacklists     *prometheus.Desc
	blacklistedUsers   *prometheus.Desc
	activeSessions     *prometheus.Desc
	sessionsTotal      *prometheus.Desc
	auditFailures      *prometheus.Desc
	blacklistPending   *prometheus.Desc
	info               *prometheus.Desc
}

// NewCollector creates a collector over p.
func NewCollector(p Provider) *Collector {
	return &Collector{
		p:                  p,
		up:                 prometheus.NewDesc("shellguard_up", "Whether the shellguard engine is running", nil, nil),
		eventsProcessed:    prometheus.NewDesc("shellguard_events_processed_total", "Commands scored since start", nil, nil),
		suspiciousCommands: prometheus.NewDesc("shellguard_suspicious_commands_total", "Commands scoring at or above the warning tier", nil, nil),
		autoBlacklists:     prometheus.NewDesc("shellguard_auto_blacklists_total", "Users blacklisted automatically since start", nil, nil),
		blacklistedUsers:   prometheus.NewDesc("shellguard_blacklisted_users", "Users currently blacklisted", nil, nil),
		activeSessions:     prometheus.NewDesc("shellguard_active_sessions", "Sessions currently tracked", nil, nil),
		sessionsTotal:      prometheus.NewDesc("shellguard_sessions_total", "Sessions opened since start", nil, nil),
		auditFailures:      prometheus.NewDesc("shellguard_audit_write_failures_total", "Audit lines that could not be written", nil, nil),
		blacklistPending:   prometheus.NewDesc("shellguard_blacklist_pending_write", "Whether blacklist changes are waiting to be written", nil, nil),
		info:               prometheus.NewDesc("shellguard_info", "Active capture backend and scoring model", []string{"capture_mode", "model"}, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.up
	ch <- c.eventsProcessed
	ch <- c.suspiciousCommands
	ch <- c.autoBlacklists
	ch <- c.blacklistedUsers
	ch <- c.activeSessions
	ch <- c.sessionsTotal
	ch <- c.auditFailures
	ch <- c.blacklistPending
	ch <- c.info
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.p.Stats()
	pending := 0.0
	if s.BlacklistDirty {
		pending = 1
	}
	ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, 1)
	ch <- prometheus.MustNewConstMetric(c.eventsProcessed, prometheus.CounterValue, float64(s.EventsProcessed))
	ch <- prometheus.MustNewConstMetric(c.suspiciousCommands, prometheus.CounterValue, float64(s.SuspiciousCommands))
	ch <- prometheus.MustNewConstMetric(c.autoBlacklists, prometheus.CounterValue, float64(s.AutoBlacklists))
	ch <- prometheus.MustNewConstMetric(c.blacklistedUsers, prometheus.GaugeValue, float64(s.BlacklistedUsers))
	ch <- prometheus.MustNewConstMetric(c.activeSessions, prometheus.GaugeValue, float64(s.ActiveSessions))
	ch <- prometheus.MustNewConstMetric(c.sessionsTotal, prometheus.CounterValue, float64(s.TotalSessions))
	ch <- prometheus.MustNewConstMetric(c.auditFailures, prometheus.CounterValue, float64(s.AuditFailures))
	ch <- prometheus.MustNewConstMetric(c.blacklistPending, prometheus.GaugeValue, pending)
	ch <- prometheus.MustNewConstMetric(c.info, prometheus.GaugeValue, 1, s.CaptureMode, s.Model)
}
