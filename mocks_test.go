package main

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"github.com/imeyer/flowbridge/flow"
	"tailscale.com/client/tailscale/apitype"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tailcfg"
)

type MockTailscaleClient struct {
	WhoIsFunc         func(ctx context.Context, remoteAddr string) (*apitype.WhoIsResponse, error)
	ExpandSNINameFunc func(ctx context.Context, hostname string) (string, bool)
	StatusFunc        func(ctx context.Context) (*ipnstate.Status, error)
}

func (m *MockTailscaleClient) WhoIs(ctx context.Context, remoteAddr string) (*apitype.WhoIsResponse, error) {
	if m.WhoIsFunc != nil {
		return m.WhoIsFunc(ctx, remoteAddr)
	}

	return &apitype.WhoIsResponse{
		UserProfile: &tailcfg.UserProfile{
			LoginName: "forum@example.com",
		},
	}, nil
}

func (m *MockTailscaleClient) ExpandSNIName(ctx context.Context, hostname string) (string, bool) {
	if m.ExpandSNINameFunc != nil {
		return m.ExpandSNINameFunc(ctx, hostname)
	}
	return "", false
}

func (m *MockTailscaleClient) Status(ctx context.Context) (*ipnstate.Status, error) {
	if m.StatusFunc != nil {
		return m.StatusFunc(ctx)
	}
	return &ipnstate.Status{
		BackendState: "Running",
		CertDomains:  []string{"flowbridge.example.ts.net"},
	}, nil
}

func (m *MockTailscaleClient) StatusWithoutPeers(ctx context.Context) (*ipnstate.Status, error) {
	return &ipnstate.Status{
		CertDomains: []string{"flowbridge.example.ts.net"},
	}, nil
}

// recordingNotifier keeps every payload it is asked to deliver.
type recordingNotifier struct {
	mu       sync.Mutex
	payloads []flow.WebhookPayload
	ok       bool
}

func (n *recordingNotifier) Notify(_ context.Context, p flow.WebhookPayload) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.payloads = append(n.payloads, p)
	return n.ok
}

func (n *recordingNotifier) sent() []flow.WebhookPayload {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]flow.WebhookPayload(nil), n.payloads...)
}

type recordingRunner struct {
	mu   sync.Mutex
	reqs []flow.RunRequest
	ok   bool
}

func (r *recordingRunner) Run(_ context.Context, req flow.RunRequest) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reqs = append(r.reqs, req)
	return r.ok
}

func (r *recordingRunner) runs() []flow.RunRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]flow.RunRequest(nil), r.reqs...)
}

type fakeCatalog struct {
	flows []flow.FlowSummary
	err   error
}

func (c *fakeCatalog) List(context.Context) ([]flow.FlowSummary, error) {
	return c.flows, c.err
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testService is a FlowService over in-memory state that runs outbound work
// inline.
type testService struct {
	*FlowService
	store    *flow.MemoryStore
	members  *memoryMembers
	notifier *recordingNotifier
	runner   *recordingRunner
}

func newTestService(cfg flow.Config, catalog FlowLister) *testService {
	logger := newTestLogger()
	telemetry := newNoopTelemetry()

	ts := &testService{
		store:    flow.NewMemoryStore(),
		members:  newMemoryMembers(),
		notifier: &recordingNotifier{ok: true},
		runner:   &recordingRunner{ok: true},
	}

	router := flow.NewRouter(
		cfg,
		NewTracedTopicStore(ts.store, telemetry),
		flow.NewKeyedMutex(),
		flow.Inline{},
		NewTracedNotifier(ts.notifier, telemetry),
		NewTracedInvoker(ts.runner, telemetry),
		ts.members,
		logger,
	)

	ts.FlowService = NewFlowService(
		&MockTailscaleClient{},
		logger,
		telemetry,
		router,
		catalog,
		ts.members,
		cfg,
		"test",
		"abc123",
	)
	return ts
}
