package flow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
)

type (
	// HTTPDoer is satisfied by *http.Client.
	HTTPDoer interface {
		Do(*http.Request) (*http.Response, error)
	}

	// Dispatcher signs and POSTs JSON payloads to the automation service.
	// Each delivery is attempted exactly once.
	Dispatcher struct {
		client  HTTPDoer
		secret  string
		timeout time.Duration
		logger  *slog.Logger
		now     func() time.Time
	}
)

const (
	HeaderEvent     = "X-Flow-Event"
	HeaderTimestamp = "X-Flow-Timestamp"
	HeaderSignature = "X-Flow-Signature"
	HeaderDelivery  = "X-Flow-Delivery"
)

var (
	ErrNotConfigured  = errors.New("webhook not configured")
	ErrDeliveryFailed = errors.New("webhook delivery failed")
)

// NewDispatcher builds a Dispatcher from cfg. A nil client gets an
// *http.Client bounded by cfg.Timeout.
func NewDispatcher(cfg Config, client HTTPDoer, logger *slog.Logger) *Dispatcher {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	return &Dispatcher{
		client:  client,
		secret:  cfg.Secret,
		timeout: timeout,
		logger:  logger,
		now:     time.Now,
	}
}

// Deliver POSTs payload to endpoint. It returns nil on a 2xx answer,
// ErrNotConfigured when endpoint or secret is missing, and an error wrapping
// ErrDeliveryFailed otherwise.
func (d *Dispatcher) Deliver(
	ctx context.Context, endpoint string, event EventType, payload any,
) error {
	_, err := d.deliver(ctx, http.MethodPost, endpoint, event, payload, d.now().UnixMilli())
	return err
}

// Send is Deliver for callers that only need to know whether it worked.
// Failures are logged here and never returned.
func (d *Dispatcher) Send(
	ctx context.Context, endpoint string, event EventType, payload any,
) bool {
	return d.report(ctx, event, d.Deliver(ctx, endpoint, event, payload))
}

// Fetch issues a signed GET and returns the response body.
func (d *Dispatcher) Fetch(
	ctx context.Context, endpoint string, event EventType,
) ([]byte, error) {
	return d.deliver(ctx, http.MethodGet, endpoint, event, struct{}{}, d.now().UnixMilli())
}

// Configured reports whether endpoint can be delivered to.
func (d *Dispatcher) Configured(endpoint string) bool {
	return endpoint != "" && d.secret != ""
}

func (d *Dispatcher) deliver(
	ctx context.Context, method, endpoint string, event EventType,
	payload any, ts int64,
) ([]byte, error) {
	if !d.Configured(endpoint) {
		return nil, ErrNotConfigured
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: encode payload: %v", ErrDeliveryFailed, err)
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	var reqBody io.Reader
	if method != http.MethodGet {
		reqBody = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set(HeaderEvent, string(event))
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(HeaderSignature, SignBody(body, ts, d.secret))
	req.Header.Set(HeaderDelivery, uuid.NewString())

	start := d.now()
	resp, err := d.client.Do(req)
	dur := d.now().Sub(start)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrDeliveryFailed, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: HTTP %d", ErrDeliveryFailed, resp.StatusCode)
	}

	d.logger.DebugContext(ctx, "webhook delivered",
		Event(event),
		slog.Int("status_code", resp.StatusCode),
		slog.Duration("duration", dur))
	return respBody, nil
}

func (d *Dispatcher) report(ctx context.Context, event EventType, err error) bool {
	switch {
	case err == nil:
		return true
	case errors.Is(err, ErrNotConfigured):
		d.logger.WarnContext(ctx, "webhook not configured", Event(event))
	default:
		d.logger.ErrorContext(ctx, "webhook delivery failed", Event(event), Error(err))
	}
	return false
}
