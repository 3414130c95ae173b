// pkg/alerts/notifier.go
package alerts

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	monerrors "github.com/lucid-vigil/shellguard/pkg/errors"
	"github.com/rs/zerolog"
)

// Alert is emitted when a user is automatically blacklisted.
type Alert struct {
	ID              string    `json:"id"`
	Username        string    `json:"username"`
	Reason          string    `json:"reason"`
	CumulativeScore float64   `json:"cumulative_score"`
	Timestamp       time.Time `json:"timestamp"`
	SessionID       string    `json:"session_id"`
	Command         string    `json:"command"`
	Model           string    `json:"model"`
}

// Sink delivers alerts to one destination.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, alert Alert) error
}

// Metrics counts notifier activity.
type Metrics struct {
	Published int64 `json:"published"`
	Delivered int64 `json:"delivered"`
	Dropped   int64 `json:"dropped"`
	Failures  int64 `json:"failures"`
}

// ErrBufferFull is returned by Publish when the queue has no room.
var ErrBufferFull = errors.New("alert buffer is full")

// Notifier queues alerts and fans them out to its sinks from a single worker.
// Delivery never blocks the caller.
type Notifier struct {
	sinks       []Sink
	buffer      chan Alert
	logger      zerolog.Logger
	handler     *monerrors.ErrorHandler
	mu          sync.RWMutex
	metrics     Metrics
	running     bool
	stopChannel chan struct{}
	wg          sync.WaitGroup
}

// NewNotifier creates a notifier with the given queue size.
func NewNotifier(logger zerolog.Logger, bufferSize int, sinks ...Sink) *Notifier {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	l := logger.With().Str("component", "alerts").Logger()
	return &Notifier{
		sinks:       sinks,
		buffer:      make(chan Alert, bufferSize),
		logger:      l,
		handler:     monerrors.NewErrorHandler(l),
		stopChannel: make(chan struct{}),
	}
}

// Publish enqueues an alert. A full queue drops it.
func (n *Notifier) Publish(alert Alert) error {
	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now()
	}

	select {
	case n.buffer <- alert:
		n.mu.Lock()
		n.metrics.Published++
		n.mu.Unlock()
		n.logger.Debug().Str("alert_id", alert.ID).Str("user", alert.Username).Msg("Alert queued")
		return nil
	default:
		n.mu.Lock()
		n.metrics.Dropped++
		n.mu.Unlock()
		n.logger.Error().
			Str("alert_id", alert.ID).
			Str("user", alert.Username).
			Msg("Alert buffer full, dropping alert")
		return ErrBufferFull
	}
}

// Start begins delivering queued alerts.
func (n *Notifier) Start(ctx context.Context) {
	n.mu.Lock()
	if n.running {
		n.mu.Unlock()
		return
	}
	n.running = true
	n.mu.Unlock()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		for {
			select {
			case alert := <-n.buffer:
				n.deliver(ctx, alert)
			case <-ctx.Done():
				n.drain(context.Background())
				return
			case <-n.stopChannel:
				n.drain(context.Background())
				return
			}
		}
	}()
}

// Stop delivers what is already queued and stops the worker.
func (n *Notifier) Stop() {
	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		return
	}
	n.running = false
	n.mu.Unlock()

	close(n.stopChannel)
	n.wg.Wait()
	n.logger.Info().Msg("Notifier stopped")
}

func (n *Notifier) drain(ctx context.Context) {
	for {
		select {
		case alert := <-n.buffer:
			n.deliver(ctx, alert)
		default:
			return
		}
	}
}

func (n *Notifier) deliver(ctx context.Context, alert Alert) {
	for _, sink := range n.sinks {
		err := sink.Deliver(ctx, alert)
		n.mu.Lock()
		if err != nil {
			n.metrics.Failures++
		} else {
			n.metrics.Delivered++
		}
		n.mu.Unlock()
		if err != nil {
			n.handler.HandleError(ctx, monerrors.NewDeliveryError(sink.Name(), err))
		}
	}
}

// GetMetrics returns a copy of the counters.
func (n *Notifier) GetMetrics() Metrics {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.metrics
}
