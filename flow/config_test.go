package flow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		want   error
	}{
		{name: "defaults", modify: func(*Config) {}},
		{name: "lowest timeout", modify: func(c *Config) { c.Timeout = MinTimeout }},
		{name: "highest timeout", modify: func(c *Config) { c.Timeout = MaxTimeout }},
		{name: "timeout too short", modify: func(c *Config) { c.Timeout = 4 * time.Second }, want: ErrInvalidTimeout},
		{name: "timeout too long", modify: func(c *Config) { c.Timeout = 16 * time.Second }, want: ErrInvalidTimeout},
		{name: "zero timeout", modify: func(c *Config) { c.Timeout = 0 }, want: ErrInvalidTimeout},
		{name: "no lanes", modify: func(c *Config) { c.Lanes = 0 }, want: ErrInvalidLanes},
		{name: "relative url", modify: func(c *Config) { c.RunFlowURL = "/run" }, want: ErrInvalidURL},
		{name: "https url", modify: func(c *Config) { c.WebhookURL = "https://automation.example.com/hook" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.modify(&cfg)

			err := cfg.Validate()
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}
