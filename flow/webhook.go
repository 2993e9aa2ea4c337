package flow

import (
	"context"
	"log/slog"
	"net/http"
)

type (
	// Notifier relays forum activity to the automation service.
	Notifier interface {
		Notify(ctx context.Context, p WebhookPayload) bool
	}

	// WebhookPayload is the body of a topic.create or post.save delivery.
	// Title is always the masked title.
	WebhookPayload struct {
		Event     EventType `json:"event"`
		TID       string    `json:"tid"`
		PID       string    `json:"pid,omitempty"`
		CID       string    `json:"cid"`
		UID       string    `json:"uid"`
		Title     string    `json:"title,omitempty"`
		Content   string    `json:"content,omitempty"`
		Timestamp int64     `json:"timestamp"`
		FlowID    string    `json:"flowId,omitempty"`
		Outcome   string    `json:"outcome,omitempty"`
	}

	// Webhook delivers WebhookPayloads to the configured webhook URL.
	Webhook struct {
		dispatcher *Dispatcher
		endpoint   string
		logger     *slog.Logger
	}
)

var _ Notifier = (*Webhook)(nil)

func NewWebhook(cfg Config, d *Dispatcher, logger *slog.Logger) *Webhook {
	return &Webhook{
		dispatcher: d,
		endpoint:   cfg.WebhookURL,
		logger:     logger,
	}
}

// Notify stamps the payload with the send time and delivers it.
func (w *Webhook) Notify(ctx context.Context, p WebhookPayload) bool {
	ts := w.dispatcher.now().UnixMilli()
	p.Timestamp = ts
	_, err := w.dispatcher.deliver(ctx, http.MethodPost, w.endpoint, p.Event, p, ts)
	ok := w.dispatcher.report(ctx, p.Event, err)
	if ok {
		w.logger.InfoContext(ctx, "webhook sent", Event(p.Event), TopicID(p.TID))
	}
	return ok
}

// Configured reports whether a webhook URL and secret are present.
func (w *Webhook) Configured() bool {
	return w.dispatcher.Configured(w.endpoint)
}
