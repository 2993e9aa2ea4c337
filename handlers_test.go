package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/imeyer/flowbridge/flow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFlowConfig() flow.Config {
	cfg := flow.NewDefaultConfig()
	cfg.CategoryID = "3"
	cfg.BotUID = "1"
	cfg.DeleteDenied = true
	return cfg
}

func seedTopic(t *testing.T, ts *testService, topic flow.Topic) {
	t.Helper()
	created, err := ts.store.CreateTopic(context.Background(), topic)
	require.NoError(t, err)
	require.True(t, created)
}

func postJSON(handler http.HandlerFunc, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	handler(rr, req)
	return rr
}

func decodeHookResponse(t *testing.T, rr *httptest.ResponseRecorder) hookResponse {
	t.Helper()
	var resp hookResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	return resp
}

func TestTopicCreateHook(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		wantStatus  int
		wantOutcome string
		wantReason  string
		wantTitle   string
		wantFlowID  string
		wantNotify  int
	}{
		{
			name:        "tagged topic is linked and masked",
			body:        `{"topic":{"tid":10,"cid":3,"uid":7,"title":"Deploy flowId=fp_42"}}`,
			wantStatus:  http.StatusOK,
			wantOutcome: outcomeRecorded,
			wantTitle:   "Deploy ********",
			wantFlowID:  "fp_42",
			wantNotify:  1,
		},
		{
			name:        "untagged topic is recorded",
			body:        `{"topic":{"tid":11,"cid":3,"uid":7,"title":"Question"}}`,
			wantStatus:  http.StatusOK,
			wantOutcome: outcomeRecorded,
			wantTitle:   "Question",
			wantNotify:  1,
		},
		{
			name:        "other category is ignored",
			body:        `{"topic":{"tid":12,"cid":9,"uid":7,"title":"flow: fp_1"}}`,
			wantStatus:  http.StatusOK,
			wantOutcome: string(flow.Ignored),
			wantReason:  string(flow.ReasonOutOfScope),
			wantTitle:   "flow: fp_1",
		},
		{
			name:       "malformed body",
			body:       `{"topic":`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "missing ids",
			body:       `{"topic":{"title":"x"}}`,
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestService(testFlowConfig(), nil)

			rr := postJSON(ts.TopicCreateHook, "/hooks/topic.create", tt.body)
			require.Equal(t, tt.wantStatus, rr.Code, rr.Body.String())
			assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))

			if tt.wantStatus != http.StatusOK {
				var errResp errorResponse
				require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &errResp))
				assert.NotEmpty(t, errResp.Error)
				return
			}

			resp := decodeHookResponse(t, rr)
			assert.Equal(t, tt.wantOutcome, resp.Outcome)
			assert.Equal(t, tt.wantReason, resp.Reason)
			assert.Equal(t, tt.wantTitle, resp.Title)
			assert.Equal(t, tt.wantFlowID, resp.FlowID)

			sent := ts.notifier.sent()
			require.Len(t, sent, tt.wantNotify)
			for _, p := range sent {
				assert.Equal(t, flow.EventTopicCreate, p.Event)
				assert.NotContains(t, p.Title, "fp_42")
			}
		})
	}
}

func TestTopicCreateHookValidationFields(t *testing.T) {
	ts := newTestService(testFlowConfig(), nil)

	rr := postJSON(ts.TopicCreateHook, "/hooks/topic.create", `{"topic":{"tid":"1 2","uid":7}}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	var resp errorResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "invalid event", resp.Error)
	require.Len(t, resp.Fields, 1)
	assert.Equal(t, "tid", resp.Fields[0].Field)
}

func TestTopicCreateHookRemembersOwnerEmail(t *testing.T) {
	ts := newTestService(testFlowConfig(), nil)

	rr := postJSON(ts.TopicCreateHook, "/hooks/topic.create",
		`{"topic":{"tid":10,"cid":3,"uid":7,"title":"flow: fp_42"},"user":{"email":"Owner@Example.com"}}`)
	require.Equal(t, http.StatusOK, rr.Code)

	email, err := ts.members.EmailFor(context.Background(), "7")
	require.NoError(t, err)
	assert.Equal(t, "owner@example.com", email)
}

func TestPostSaveHook(t *testing.T) {
	linked := flow.Topic{TID: "10", CID: "3", OwnerUID: "7", FlowID: "fp_42", Title: "Deploy ********"}
	private := linked
	private.InvitedEmails = []string{"guest@example.com"}

	tests := []struct {
		name        string
		topic       *flow.Topic
		body        string
		wantOutcome flow.OutcomeKind
		wantReason  flow.Reason
		wantDelete  bool
		wantNotice  string
		wantRuns    int
		wantNotify  int
	}{
		{
			name:        "owner invites",
			topic:       &linked,
			body:        `{"post":{"pid":100,"tid":10,"cid":3,"uid":7,"content":"/invite guest@example.com"}}`,
			wantOutcome: flow.InviteApplied,
			wantNotice:  "<strong>Invited</strong>",
			wantNotify:  1,
		},
		{
			name:        "owner revokes",
			topic:       &private,
			body:        `{"post":{"pid":100,"tid":10,"cid":3,"uid":7,"content":"/revoke guest@example.com"}}`,
			wantOutcome: flow.RevokeApplied,
			wantNotice:  "<strong>Revoked</strong>",
			wantNotify:  1,
		},
		{
			name:        "non-owner command is denied",
			topic:       &linked,
			body:        `{"post":{"pid":100,"tid":10,"cid":3,"uid":8,"content":"/invite me@example.com"}}`,
			wantOutcome: flow.Ignored,
			wantReason:  flow.ReasonNotOwner,
			wantDelete:  true,
		},
		{
			name:        "bad command gets a notice",
			topic:       &linked,
			body:        `{"post":{"pid":100,"tid":10,"cid":3,"uid":7,"content":"/invite not-an-email"}}`,
			wantOutcome: flow.Ignored,
			wantReason:  flow.ReasonInvalidCommand,
			wantNotice:  "Could not read that command",
		},
		{
			name:        "public topic triggers the flow",
			topic:       &linked,
			body:        `{"post":{"pid":100,"tid":10,"cid":3,"uid":8,"content":"run it","user":{"email":"anyone@example.com"}}}`,
			wantOutcome: flow.FlowTriggered,
			wantRuns:    1,
			wantNotify:  1,
		},
		{
			name:        "invited guest triggers the flow",
			topic:       &private,
			body:        `{"post":{"pid":100,"tid":10,"cid":3,"uid":8,"content":"run it","user":{"email":"Guest@Example.com"}}}`,
			wantOutcome: flow.FlowTriggered,
			wantRuns:    1,
			wantNotify:  1,
		},
		{
			name:        "uninvited guest is denied",
			topic:       &private,
			body:        `{"post":{"pid":100,"tid":10,"cid":3,"uid":9,"content":"run it","user":{"email":"other@example.com"}}}`,
			wantOutcome: flow.Ignored,
			wantReason:  flow.ReasonNotAdmitted,
			wantDelete:  true,
		},
		{
			name:        "owner chatter",
			topic:       &linked,
			body:        `{"post":{"pid":100,"tid":10,"cid":3,"uid":7,"content":"thanks all"}}`,
			wantOutcome: flow.Ignored,
			wantReason:  flow.ReasonOwnerReply,
		},
		{
			name:        "unknown topic",
			body:        `{"post":{"pid":100,"tid":99,"cid":3,"uid":8,"content":"hello"}}`,
			wantOutcome: flow.Ignored,
			wantReason:  flow.ReasonNoFlow,
		},
		{
			name:        "bot reply",
			topic:       &linked,
			body:        `{"post":{"pid":100,"tid":10,"cid":3,"uid":1,"content":"done"}}`,
			wantOutcome: flow.Ignored,
			wantReason:  flow.ReasonBotAuthor,
		},
		{
			name:        "nested reply",
			topic:       &linked,
			body:        `{"post":{"pid":101,"tid":10,"cid":3,"uid":8,"toPid":100,"content":"+1"}}`,
			wantOutcome: flow.Ignored,
			wantReason:  flow.ReasonNestedReply,
		},
		{
			name:        "opening post",
			topic:       &linked,
			body:        `{"post":{"pid":99,"tid":10,"cid":3,"uid":7,"content":"hello","isMain":true}}`,
			wantOutcome: flow.Ignored,
			wantReason:  flow.ReasonOpeningPost,
		},
		{
			name:        "other category",
			body:        `{"post":{"pid":100,"tid":10,"cid":4,"uid":8,"content":"hello"}}`,
			wantOutcome: flow.Ignored,
			wantReason:  flow.ReasonOutOfScope,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestService(testFlowConfig(), nil)
			if tt.topic != nil {
				seedTopic(t, ts, *tt.topic)
			}

			rr := postJSON(ts.PostSaveHook, "/hooks/post.save", tt.body)
			require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

			resp := decodeHookResponse(t, rr)
			assert.Equal(t, string(tt.wantOutcome), resp.Outcome)
			assert.Equal(t, string(tt.wantReason), resp.Reason)
			assert.Equal(t, tt.wantDelete, resp.Delete)
			if tt.wantNotice == "" {
				assert.Empty(t, resp.Notice)
			} else {
				assert.Contains(t, resp.Notice, tt.wantNotice)
			}

			assert.Len(t, ts.runner.runs(), tt.wantRuns)
			assert.Len(t, ts.notifier.sent(), tt.wantNotify)
		})
	}
}

func TestPostSaveHookRunRequest(t *testing.T) {
	ts := newTestService(testFlowConfig(), nil)
	seedTopic(t, ts, flow.Topic{
		TID: "10", CID: "3", OwnerUID: "7", FlowID: "fp_42", Title: "Deploy ********",
		InvitedEmails: []string{"guest@example.com"},
	})

	// the directory supplies the email the reply omits
	require.NoError(t, ts.members.RememberMember(context.Background(), "8", "guest@example.com"))

	rr := postJSON(ts.PostSaveHook, "/hooks/post.save",
		`{"post":{"pid":100,"tid":10,"cid":3,"uid":8,"content":"summarize fp_42 please"}}`)
	require.Equal(t, http.StatusOK, rr.Code)

	runs := ts.runner.runs()
	require.Len(t, runs, 1)
	assert.Equal(t, flow.RunRequest{
		FlowID:    "fp_42",
		Input:     "summarize fp_42 please",
		TID:       "10",
		UserEmail: "guest@example.com",
	}, runs[0])

	sent := ts.notifier.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, flow.EventPostSave, sent[0].Event)
	assert.Equal(t, "summarize ******** please", sent[0].Content)
	assert.Equal(t, string(flow.FlowTriggered), sent[0].Outcome)
}

func TestPostSaveHookPersistsInvites(t *testing.T) {
	ts := newTestService(testFlowConfig(), nil)
	seedTopic(t, ts, flow.Topic{TID: "10", CID: "3", OwnerUID: "7", FlowID: "fp_42"})

	rr := postJSON(ts.PostSaveHook, "/hooks/post.save",
		`{"post":{"pid":100,"tid":10,"cid":3,"uid":7,"content":"/invite B@example.com, a@example.com"}}`)
	require.Equal(t, http.StatusOK, rr.Code)

	topic, err := ts.store.GetTopic(context.Background(), "10")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a@example.com", "b@example.com"}, topic.InvitedEmails)
}

func TestListFlows(t *testing.T) {
	tests := []struct {
		name       string
		catalog    FlowLister
		wantStatus int
		wantFlows  []flow.FlowSummary
	}{
		{
			name:       "catalog entries",
			catalog:    &fakeCatalog{flows: []flow.FlowSummary{{ID: "fp_42", Name: "Deploy"}}},
			wantStatus: http.StatusOK,
			wantFlows:  []flow.FlowSummary{{ID: "fp_42", Name: "Deploy"}},
		},
		{
			name:       "no catalog",
			wantStatus: http.StatusOK,
			wantFlows:  []flow.FlowSummary{},
		},
		{
			name:       "catalog not configured",
			catalog:    &fakeCatalog{err: flow.ErrNotConfigured},
			wantStatus: http.StatusOK,
			wantFlows:  []flow.FlowSummary{},
		},
		{
			name:       "catalog down",
			catalog:    &fakeCatalog{err: flow.ErrDeliveryFailed},
			wantStatus: http.StatusBadGateway,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestService(testFlowConfig(), tt.catalog)

			req := httptest.NewRequest(http.MethodGet, "/api/flows", nil)
			rr := httptest.NewRecorder()
			ts.ListFlows(rr, req)

			require.Equal(t, tt.wantStatus, rr.Code)
			if tt.wantStatus != http.StatusOK {
				return
			}

			var resp listFlowsResponse
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
			assert.True(t, resp.Success)
			assert.Equal(t, "3", resp.CategoryID)
			assert.Equal(t, tt.wantFlows, resp.Data)
		})
	}
}

func TestLinkFlow(t *testing.T) {
	tests := []struct {
		name       string
		topic      *flow.Topic
		body       string
		wantStatus int
		wantFlowID string
	}{
		{
			name:       "owner links",
			topic:      &flow.Topic{TID: "10", CID: "3", OwnerUID: "7", Title: "Deploy fp_42"},
			body:       `{"tid":"10","flowId":"fp_42","uid":"7"}`,
			wantStatus: http.StatusOK,
			wantFlowID: "fp_42",
		},
		{
			name:       "non-owner",
			topic:      &flow.Topic{TID: "10", CID: "3", OwnerUID: "7"},
			body:       `{"tid":"10","flowId":"fp_42","uid":"8"}`,
			wantStatus: http.StatusForbidden,
		},
		{
			name:       "already linked",
			topic:      &flow.Topic{TID: "10", CID: "3", OwnerUID: "7", FlowID: "fp_1"},
			body:       `{"tid":"10","flowId":"fp_42","uid":"7"}`,
			wantStatus: http.StatusConflict,
			wantFlowID: "fp_1",
		},
		{
			name:       "unknown topic",
			body:       `{"tid":"10","flowId":"fp_42","uid":"7"}`,
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "other category",
			topic:      &flow.Topic{TID: "10", CID: "4", OwnerUID: "7"},
			body:       `{"tid":"10","flowId":"fp_42","uid":"7"}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "invalid flow id",
			body:       `{"tid":"10","flowId":"fp 42","uid":"7"}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "not json",
			body:       `tid=10`,
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestService(testFlowConfig(), nil)
			if tt.topic != nil {
				seedTopic(t, ts, *tt.topic)
			}

			rr := postJSON(ts.LinkFlow, "/api/link-flow", tt.body)
			require.Equal(t, tt.wantStatus, rr.Code, rr.Body.String())

			if tt.topic == nil {
				return
			}
			topic, err := ts.store.GetTopic(context.Background(), "10")
			require.NoError(t, err)
			assert.Equal(t, tt.wantFlowID, topic.FlowID)
		})
	}
}

func TestLinkFlowMasksStoredTitle(t *testing.T) {
	ts := newTestService(testFlowConfig(), nil)
	seedTopic(t, ts, flow.Topic{TID: "10", CID: "3", OwnerUID: "7", Title: "Deploy fp_42 now"})

	rr := postJSON(ts.LinkFlow, "/api/link-flow", `{"tid":10,"flowId":"fp_42","uid":7}`)
	require.Equal(t, http.StatusOK, rr.Code)

	topic, err := ts.store.GetTopic(context.Background(), "10")
	require.NoError(t, err)
	assert.Equal(t, "Deploy ******** now", topic.Title)
}

func TestHealthCheck(t *testing.T) {
	ts := newTestService(testFlowConfig(), nil)
	ts.AddHealthCheck("store", func(context.Context) error { return nil })

	rr := httptest.NewRecorder()
	ts.HealthCheck(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var resp healthResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "test", resp.Version)
	assert.Equal(t, map[string]string{"store": "ok"}, resp.Checks)

	ts.AddHealthCheck("redis", func(context.Context) error { return errors.New("connection refused") })

	rr = httptest.NewRecorder()
	ts.HealthCheck(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)

	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "degraded", resp.Status)
	assert.Equal(t, "connection refused", resp.Checks["redis"])
}

func TestHookBodyTooLarge(t *testing.T) {
	ts := newTestService(testFlowConfig(), nil)

	body := `{"post":{"tid":10,"uid":8,"content":"` + strings.Repeat("a", 2048) + `"}}`
	req := httptest.NewRequest(http.MethodPost, "/hooks/post.save", strings.NewReader(body))
	rr := httptest.NewRecorder()
	req.Body = http.MaxBytesReader(rr, req.Body, 1024)

	ts.PostSaveHook(rr, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
}
