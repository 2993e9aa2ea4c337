package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/imeyer/flowbridge/flow"
	"tailscale.com/client/tailscale/apitype"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"
	tsnetlog "tailscale.com/types/logger"
)

type TailscaleClient interface {
	WhoIs(ctx context.Context, remoteAddr string) (*apitype.WhoIsResponse, error)
	ExpandSNIName(ctx context.Context, name string) (fqdn string, ok bool)
	Status(ctx context.Context) (*ipnstate.Status, error)
	StatusWithoutPeers(ctx context.Context) (*ipnstate.Status, error)
}

// FlowLister lists the flows an owner may link.
type FlowLister interface {
	List(ctx context.Context) ([]flow.FlowSummary, error)
}

// healthCheck probes one backing service.
type healthCheck struct {
	name  string
	check func(ctx context.Context) error
}

func checkTailscaleReady(ctx context.Context, lc TailscaleClient, logger *slog.Logger) error {
	for {
		st, err := lc.Status(ctx)
		if err != nil {
			return fmt.Errorf("error retrieving tailscale status; retrying: %w", err)
		}

		switch st.BackendState {
		case "NoState":
			logger.DebugContext(ctx, "no state")
			time.Sleep(5 * time.Second)
			continue
		case "NeedsLogin":
			logger.InfoContext(ctx, "needs login to tailscale", slog.String("auth_url", st.AuthURL))
			time.Sleep(30 * time.Second)
			continue
		case "NeedsMachineAuth":
			logger.DebugContext(ctx, "needs machine auth")
			time.Sleep(5 * time.Second)
			continue
		case "Stopped":
			logger.InfoContext(ctx, "tsnet stopped")
			return nil
		case "Starting":
			logger.InfoContext(ctx, "starting tsnet")
			time.Sleep(time.Second)
			continue
		case "Running":
			nopeers, err := lc.StatusWithoutPeers(ctx)
			if err != nil {
				logger.ErrorContext(ctx, err.Error())
				return nil
			}
			logger.InfoContext(ctx, "tsnet running", "certDomains", nopeers.CertDomains)
			return nil
		default:
			return fmt.Errorf("unexpected tailscale backend state %q", st.BackendState)
		}
	}
}

// FlowService answers the forum hooks and the plugin API.
type FlowService struct {
	tailClient TailscaleClient
	logger     *slog.Logger
	telemetry  *TelemetryConfig
	router     *flow.Router
	catalog    FlowLister
	members    MemberDirectory
	flowConfig flow.Config
	checks     []healthCheck
	version    string
	gitSha     string
}

func NewFlowService(tailClient TailscaleClient,
	logger *slog.Logger,
	telemetry *TelemetryConfig,
	router *flow.Router,
	catalog FlowLister,
	members MemberDirectory,
	flowConfig flow.Config,
	version string,
	gitSha string,
) *FlowService {
	return &FlowService{
		tailClient: tailClient,
		logger:     logger,
		telemetry:  telemetry,
		router:     router,
		catalog:    catalog,
		members:    members,
		flowConfig: flowConfig,
		version:    version,
		gitSha:     gitSha,
	}
}

// AddHealthCheck registers a probe reported by /health.
func (s *FlowService) AddHealthCheck(name string, check func(ctx context.Context) error) {
	s.checks = append(s.checks, healthCheck{name: name, check: check})
}

func NewTsNetServer(dataDir *string) *tsnet.Server {
	return &tsnet.Server{
		Dir:      filepath.Join(*dataDir, "tsnet"),
		Hostname: *hostname,
		UserLogf: tsnetlog.Discard,
		Logf:     tsnetlog.Discard,
	}
}
