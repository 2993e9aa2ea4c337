package main

import (
	"context"

	"github.com/imeyer/flowbridge/middleware"
)

// TailscaleClientAdapter narrows the tailscaled client to what the caller
// check needs.
type TailscaleClientAdapter struct {
	client TailscaleClient
}

func NewTailscaleClientAdapter(client TailscaleClient) *TailscaleClientAdapter {
	return &TailscaleClientAdapter{client: client}
}

func (a *TailscaleClientAdapter) WhoIs(ctx context.Context, remoteAddr string) (*middleware.WhoIsResponse, error) {
	resp, err := a.client.WhoIs(ctx, remoteAddr)
	if err != nil {
		return nil, err
	}

	if resp == nil || resp.UserProfile == nil {
		return &middleware.WhoIsResponse{}, nil
	}

	return &middleware.WhoIsResponse{
		UserProfile: &middleware.UserProfile{
			LoginName: resp.UserProfile.LoginName,
		},
	}, nil
}

func ConvertTelemetryConfig(serviceName string, tc *TelemetryConfig) *middleware.TelemetryConfig {
	if tc == nil {
		return nil
	}

	return &middleware.TelemetryConfig{
		ServiceName: serviceName,
		Tracer:      tc.Tracer,
		Meter:       tc.Meter,
		Metrics: middleware.TelemetryMetrics{
			RequestCounter:  tc.Metrics.RequestCounter,
			RequestDuration: tc.Metrics.RequestDuration,
			ErrorCounter:    tc.Metrics.ErrorCounter,
		},
	}
}
