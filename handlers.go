package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/imeyer/flowbridge/flow"
	"github.com/imeyer/flowbridge/middleware"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// hookResponse is returned for both forum hooks. The forum plugin replaces
// the topic title with Title, posts Notice as the bot and removes the reply
// when Delete is set.
type hookResponse struct {
	Outcome string `json:"outcome"`
	Reason  string `json:"reason,omitempty"`
	Delete  bool   `json:"delete"`
	Notice  string `json:"notice,omitempty"`
	Title   string `json:"title,omitempty"`
	FlowID  string `json:"flowId,omitempty"`
}

type errorResponse struct {
	Error  string            `json:"error"`
	Fields []ValidationError `json:"fields,omitempty"`
}

const (
	outcomeRecorded = "recorded"
	healthTimeout   = 2 * time.Second

	eventLinkFlow flow.EventType = "link-flow"
)

// requestLogger is the middleware's request-scoped logger when the request
// went through a chain, the service logger otherwise.
func (s *FlowService) requestLogger(r *http.Request) *slog.Logger {
	if middleware.GetRequestID(r.Context()) != "" {
		return middleware.GetLogger(r.Context())
	}
	return s.logger
}

// TopicCreateHook records a new topic and links the flow named in its title.
func (s *FlowService) TopicCreateHook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := s.requestLogger(r)

	body, ok := s.readBody(w, r, logger)
	if !ok {
		return
	}

	ev, err := decodeTopicEvent(body)
	if err != nil {
		s.writeDecodeError(w, r, logger, flow.EventTopicCreate, err)
		return
	}

	rememberMember(ctx, s.members, logger, ev.Topic.OwnerUID, ev.OwnerEmail)

	res, err := s.router.OnTopicCreate(ctx, ev.Topic)
	if err != nil {
		logger.ErrorContext(ctx, "failed to record topic",
			flow.TopicID(ev.Topic.TID), flow.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to record topic", nil)
		return
	}

	resp := hookResponse{Outcome: outcomeRecorded, Title: res.Title, FlowID: res.FlowID}
	if !res.InScope {
		resp = hookResponse{
			Outcome: string(flow.Ignored),
			Reason:  string(flow.ReasonOutOfScope),
			Title:   res.Title,
		}
	}

	s.countEvent(ctx, flow.EventTopicCreate, resp.Outcome)
	s.writeJSON(w, http.StatusOK, resp)
}

// PostSaveHook classifies a saved reply: access command, flow trigger, or
// nothing.
func (s *FlowService) PostSaveHook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := s.requestLogger(r)

	body, ok := s.readBody(w, r, logger)
	if !ok {
		return
	}

	reply, err := decodeReplyEvent(body)
	if err != nil {
		s.writeDecodeError(w, r, logger, flow.EventPostSave, err)
		return
	}

	rememberMember(ctx, s.members, logger, reply.AuthorUID, reply.AuthorEmail)

	o, err := s.router.OnPostSave(ctx, reply)
	if err != nil {
		logger.ErrorContext(ctx, "failed to process reply",
			flow.TopicID(reply.TID), flow.PostID(reply.PID), flow.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to process reply", nil)
		return
	}

	if o.Kind == flow.InviteApplied || o.Kind == flow.RevokeApplied {
		logger.InfoContext(ctx, "topic access changed",
			flow.TopicID(reply.TID),
			slog.String("outcome", string(o.Kind)),
			slog.Any("emails", maskEmails(o.Emails)))
	}

	s.countEvent(ctx, flow.EventPostSave, string(o.Kind))
	s.writeJSON(w, http.StatusOK, hookResponse{
		Outcome: string(o.Kind),
		Reason:  string(o.Reason),
		Delete:  o.Delete,
		Notice:  renderNotice(o),
	})
}

type listFlowsResponse struct {
	Success    bool               `json:"success"`
	Data       []flow.FlowSummary `json:"data"`
	CategoryID string             `json:"categoryId,omitempty"`
}

// ListFlows returns the flow catalog. An unconfigured catalog is an empty
// list, not an error.
func (s *FlowService) ListFlows(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := s.requestLogger(r)

	flows := []flow.FlowSummary{}
	if s.catalog != nil {
		list, err := s.catalog.List(ctx)
		switch {
		case err == nil:
			flows = append(flows, list...)
		case errors.Is(err, flow.ErrNotConfigured):
			logger.DebugContext(ctx, "flow catalog not configured")
		default:
			logger.ErrorContext(ctx, "failed to fetch flow catalog", flow.Error(err))
			s.writeError(w, http.StatusBadGateway, "failed to fetch flow catalog", nil)
			return
		}
	}

	s.writeJSON(w, http.StatusOK, listFlowsResponse{
		Success:    true,
		Data:       flows,
		CategoryID: s.flowConfig.CategoryID,
	})
}

type linkFlowResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// LinkFlow attaches a flow to an existing topic on behalf of its owner.
func (s *FlowService) LinkFlow(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := s.requestLogger(r)

	body, ok := s.readBody(w, r, logger)
	if !ok {
		return
	}

	doc, err := parseEvent(body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}

	tid := firstString(doc, []string{"tid"})
	flowID := firstString(doc, []string{"flowId"})
	uid := firstString(doc, []string{"uid"})

	if errs := ValidateLinkFlow(tid, flowID, uid); len(errs) > 0 {
		s.writeError(w, http.StatusBadRequest, "invalid link-flow request", errs)
		return
	}

	linked, err := s.router.LinkFlow(ctx, tid, uid, flowID)
	if err != nil {
		status := linkFlowStatus(err)
		if status == http.StatusInternalServerError {
			logger.ErrorContext(ctx, "failed to link flow", flow.TopicID(tid), flow.Error(err))
			s.writeJSON(w, status, linkFlowResponse{Error: "failed to link flow"})
			return
		}
		logger.InfoContext(ctx, "link flow rejected", flow.TopicID(tid), flow.Error(err))
		s.writeJSON(w, status, linkFlowResponse{Error: err.Error()})
		return
	}

	if !linked {
		s.writeJSON(w, http.StatusConflict, linkFlowResponse{Error: "topic already has a flow"})
		return
	}

	s.countEvent(ctx, eventLinkFlow, "linked")
	s.writeJSON(w, http.StatusOK, linkFlowResponse{Success: true})
}

func linkFlowStatus(err error) int {
	switch {
	case errors.Is(err, flow.ErrInvalidFlowID), errors.Is(err, flow.ErrOutOfScope):
		return http.StatusBadRequest
	case errors.Is(err, flow.ErrNotOwner):
		return http.StatusForbidden
	case errors.Is(err, flow.ErrTopicNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

type healthResponse struct {
	Status  string            `json:"status"`
	Version string            `json:"version"`
	GitSha  string            `json:"gitSha"`
	Checks  map[string]string `json:"checks,omitempty"`
}

// HealthCheck reports 503 when any backing service fails its probe.
func (s *FlowService) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	resp := healthResponse{Status: "ok", Version: s.version, GitSha: s.gitSha}
	status := http.StatusOK

	if len(s.checks) > 0 {
		resp.Checks = make(map[string]string, len(s.checks))
	}
	for _, c := range s.checks {
		if err := c.check(ctx); err != nil {
			s.logger.WarnContext(ctx, "health check failed",
				slog.String("check", c.name), flow.Error(err))
			resp.Checks[c.name] = err.Error()
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[c.name] = "ok"
	}

	s.writeJSON(w, status, resp)
}

func (s *FlowService) readBody(w http.ResponseWriter, r *http.Request, logger *slog.Logger) ([]byte, bool) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, http.StatusRequestEntityTooLarge, "request body too large", nil)
			return nil, false
		}
		logger.WarnContext(r.Context(), "failed to read request body", flow.Error(err))
		s.writeError(w, http.StatusBadRequest, "failed to read request body", nil)
		return nil, false
	}
	return body, true
}

func (s *FlowService) writeDecodeError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, event flow.EventType, err error) {
	logger.InfoContext(r.Context(), "rejected malformed event", flow.Event(event), flow.Error(err))
	s.countEvent(r.Context(), event, "rejected")

	var verrs ValidationErrors
	if errors.As(err, &verrs) {
		s.writeError(w, http.StatusBadRequest, "invalid event", verrs)
		return
	}
	s.writeError(w, http.StatusBadRequest, err.Error(), nil)
}

func (s *FlowService) countEvent(ctx context.Context, event flow.EventType, outcome string) {
	if s.telemetry == nil || s.telemetry.Metrics.EventCounter == nil {
		return
	}
	s.telemetry.Metrics.EventCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event", string(event)),
		attribute.String("outcome", outcome),
	))
}

func (s *FlowService) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", flow.Error(err))
	}
}

func (s *FlowService) writeError(w http.ResponseWriter, status int, msg string, fields ValidationErrors) {
	s.writeJSON(w, status, errorResponse{Error: msg, Fields: fields})
}
