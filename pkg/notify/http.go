// Package notify delivers terminal session outcomes to requester callback URLs.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/blueprintd/blueprintd/pkg/engine"
	"github.com/blueprintd/blueprintd/pkg/telemetry"
	"github.com/sony/gobreaker"
)

// Options configures an HTTPNotifier.
type Options struct {
	// Timeout bounds one delivery. Default 10s.
	Timeout time.Duration

	// MaxFailures consecutive failures open the breaker of a host. Default 5.
	MaxFailures uint32

	// OpenTimeout is how long an open breaker rejects deliveries. Default 1m.
	OpenTimeout time.Duration

	Client  *http.Client
	Logger  *telemetry.Logger
	Metrics *telemetry.Metrics
	Events  *telemetry.EventPublisher
}

// HTTPNotifier POSTs notifications as JSON to the session's callback URL.
// Each callback host has its own circuit breaker so one unreachable requester
// does not slow down workers reporting to others.
type HTTPNotifier struct {
	client  *http.Client
	opts    Options
	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	events  *telemetry.EventPublisher

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewHTTPNotifier creates a notifier. It implements engine.Notifier.
func NewHTTPNotifier(opts Options) *HTTPNotifier {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.MaxFailures == 0 {
		opts.MaxFailures = 5
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = time.Minute
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}

	return &HTTPNotifier{
		client:   client,
		opts:     opts,
		logger:   logger.NewComponentLogger("notify"),
		metrics:  opts.Metrics,
		events:   opts.Events,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// NotifyResult delivers n. Notifications without a callback URL are dropped.
func (n *HTTPNotifier) NotifyResult(ctx context.Context, note engine.Notification) error {
	if note.CallbackURL == "" {
		n.metrics.RecordNotification(string(note.Outcome), "skipped")
		return nil
	}

	target, err := url.Parse(note.CallbackURL)
	if err != nil || target.Host == "" {
		n.metrics.RecordNotification(string(note.Outcome), "invalid")
		return engine.NewPermanentError(fmt.Sprintf("invalid callback url %q", note.CallbackURL), err).
			WithCode(engine.ErrCodeValidation).WithResource(note.InstanceID)
	}

	body, err := json.Marshal(note)
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}

	cb := n.breaker(target.Host)
	_, err = cb.Execute(func() (interface{}, error) {
		return nil, n.post(ctx, target.String(), body)
	})
	if err != nil {
		status := "failed"
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			status = "circuit_open"
		}
		n.metrics.RecordNotification(string(note.Outcome), status)
		_ = n.events.Publish(telemetry.Event{
			Type:       telemetry.EventTypeNotifyFailed,
			Topic:      "notify",
			Source:     "notify",
			InstanceID: note.InstanceID,
			SessionID:  note.SessionID,
			Operation:  note.Operation,
			Message:    fmt.Sprintf("Failed to notify %s: %v", target.Host, err),
			Level:      telemetry.EventLevelWarning,
			Data:       map[string]interface{}{"host": target.Host, "status": status},
		})
		return engine.NewTransientError(fmt.Sprintf("failed to notify %s", target.Host), err).
			WithResource(note.InstanceID).WithOperation(note.Operation)
	}

	n.metrics.RecordNotification(string(note.Outcome), "delivered")
	n.logger.WithInstanceID(note.InstanceID).WithSessionID(note.SessionID).
		WithField("outcome", note.Outcome).Debug("Notification delivered")
	return nil
}

// State returns the breaker state of a host, "closed" for unknown hosts.
func (n *HTTPNotifier) State(host string) string {
	n.mu.Lock()
	defer n.mu.Unlock()

	if cb, ok := n.breakers[host]; ok {
		return cb.State().String()
	}
	return gobreaker.StateClosed.String()
}

func (n *HTTPNotifier) post(ctx context.Context, target string, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, n.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "blueprintd-notify")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode >= 300 {
		return fmt.Errorf("callback returned %s", resp.Status)
	}
	return nil
}

func (n *HTTPNotifier) breaker(host string) *gobreaker.CircuitBreaker {
	n.mu.Lock()
	defer n.mu.Unlock()

	if cb, ok := n.breakers[host]; ok {
		return cb
	}

	maxFailures := n.opts.MaxFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        host,
		MaxRequests: 1,
		Timeout:     n.opts.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			n.logger.WithFields(map[string]interface{}{
				"host": name,
				"from": from.String(),
				"to":   to.String(),
			}).Warn("Callback breaker changed state")
		},
	})
	n.breakers[host] = cb
	return cb
}
