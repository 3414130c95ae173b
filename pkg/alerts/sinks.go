package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// LogSink writes alerts to the structured log.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink returns a sink logging through logger.
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "alerts").Logger()}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Deliver(_ context.Context, a Alert) error {
	s.logger.Warn().
		Str("alert_id", a.ID).
		Str("user", a.Username).
		Str("session", a.SessionID).
		Float64("cumulative_score", a.CumulativeScore).
		Str("model", a.Model).
		Str("command", a.Command).
		Msgf("ALERT: user %s blacklisted: %s", a.Username, a.Reason)
	return nil
}

// ErrRateLimited is returned when the webhook budget is exhausted.
var ErrRateLimited = errors.New("webhook rate limit exceeded")

// WebhookSink POSTs alerts as JSON. Alerts that cannot be sent right now are
// kept in the spool, when one is configured, for a later Redeliver.
type WebhookSink struct {
	url     string
	client  *http.Client
	limiter *rate.Limiter
	spool   *Spool
	logger  zerolog.Logger
}

// NewWebhookSink creates a webhook sink allowing perMinute requests per
// minute. spool may be nil.
func NewWebhookSink(url string, timeout time.Duration, perMinute int, spool *Spool, logger zerolog.Logger) *WebhookSink {
	if perMinute <= 0 {
		perMinute = 30
	}
	burst := perMinute / 6
	if burst < 1 {
		burst = 1
	}
	return &WebhookSink{
		url:     url,
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), burst),
		spool:   spool,
		logger:  logger.With().Str("component", "webhook").Logger(),
	}
}

func (s *WebhookSink) Name() string { return "webhook" }

func (s *WebhookSink) Deliver(ctx context.Context, a Alert) error {
	err := s.send(ctx, a)
	if err == nil {
		return nil
	}
	if s.spool != nil {
		if serr := s.spool.Append(a); serr != nil {
			s.logger.Error().Err(serr).Str("alert_id", a.ID).Msg("Failed to spool undelivered alert")
		} else {
			s.logger.Info().Str("alert_id", a.ID).Msg("Alert spooled for redelivery")
		}
	}
	return err
}

// Redeliver sends spooled alerts in order until one fails.
func (s *WebhookSink) Redeliver(ctx context.Context) (int, error) {
	if s.spool == nil {
		return 0, nil
	}
	return s.spool.Flush(func(a Alert) error { return s.send(ctx, a) })
}

func (s *WebhookSink) send(ctx context.Context, a Alert) error {
	if !s.limiter.Allow() {
		return ErrRateLimited
	}
	body, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to encode alert: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
