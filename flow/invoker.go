package flow

import (
	"context"
	"errors"
	"log/slog"
)

type (
	// Runner asks the automation service to execute a flow.
	Runner interface {
		Run(ctx context.Context, req RunRequest) bool
	}

	// RunRequest is the run-flow body. Input is the reply content.
	RunRequest struct {
		FlowID    string `json:"flowId"`
		Input     string `json:"input"`
		TID       string `json:"tid"`
		UserEmail string `json:"userEmail"`
	}

	// Invoker posts RunRequests to the run-flow URL with the same signing
	// as webhooks.
	Invoker struct {
		dispatcher *Dispatcher
		endpoint   string
		logger     *slog.Logger
	}
)

var ErrMissingFlowID = errors.New("flow id is required")

var _ Runner = (*Invoker)(nil)

func NewInvoker(cfg Config, d *Dispatcher, logger *slog.Logger) *Invoker {
	return &Invoker{
		dispatcher: d,
		endpoint:   cfg.RunFlowURL,
		logger:     logger,
	}
}

// Run returns false without calling out when req has no flow id.
func (i *Invoker) Run(ctx context.Context, req RunRequest) bool {
	if req.FlowID == "" {
		i.logger.WarnContext(ctx, "flow run rejected",
			TopicID(req.TID), Error(ErrMissingFlowID))
		return false
	}
	ok := i.dispatcher.Send(ctx, i.endpoint, EventRunFlow, req)
	if ok {
		i.logger.InfoContext(ctx, "flow triggered",
			FlowID(req.FlowID), TopicID(req.TID))
	}
	return ok
}

// Configured reports whether a run-flow URL and secret are present.
func (i *Invoker) Configured() bool {
	return i.dispatcher.Configured(i.endpoint)
}
