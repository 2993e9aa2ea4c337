package flow

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

type (
	// Config is read once at startup and passed by value, so components
	// never observe a change.
	Config struct {
		// CategoryID limits the feature to one forum category; empty means
		// every category.
		CategoryID string
		BotUID     string

		WebhookURL string
		RunFlowURL string
		CatalogURL string
		Secret     string
		Timeout    time.Duration

		// DeleteDenied asks the forum to remove replies that were refused
		// for lack of access or ownership.
		DeleteDenied bool

		Lanes     int
		LaneQueue int
	}

	// EventType names an outbound delivery.
	EventType string
)

const (
	EventTopicCreate EventType = "topic.create"
	EventPostSave    EventType = "post.save"
	EventRunFlow     EventType = "run-flow"
	EventListFlows   EventType = "flows.list"
)

const (
	DefaultTimeout   = 10 * time.Second
	MinTimeout       = 5 * time.Second
	MaxTimeout       = 15 * time.Second
	DefaultLanes     = 4
	DefaultLaneQueue = 256
	UserAgent        = "flowbridge/1.0"
)

var (
	ErrInvalidTimeout = errors.New("timeout must be between 5s and 15s")
	ErrInvalidURL     = errors.New("endpoint must be an absolute http(s) URL")
	ErrInvalidLanes   = errors.New("lane count and queue size must be positive")
)

// NewDefaultConfig returns a Config with no endpoints configured.
func NewDefaultConfig() Config {
	return Config{
		Timeout:   DefaultTimeout,
		Lanes:     DefaultLanes,
		LaneQueue: DefaultLaneQueue,
	}
}

// Validate rejects malformed values. Missing endpoints or secret are allowed;
// deliveries then report ErrNotConfigured.
func (c Config) Validate() error {
	if c.Timeout < MinTimeout || c.Timeout > MaxTimeout {
		return fmt.Errorf("%w: got %s", ErrInvalidTimeout, c.Timeout)
	}
	if c.Lanes <= 0 || c.LaneQueue <= 0 {
		return ErrInvalidLanes
	}
	for name, raw := range map[string]string{
		"webhook":  c.WebhookURL,
		"run-flow": c.RunFlowURL,
		"catalog":  c.CatalogURL,
	} {
		if raw == "" {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%w: %s", ErrInvalidURL, name)
		}
	}
	return nil
}

// InCategory reports whether cid is covered by the configuration.
func (c Config) InCategory(cid string) bool {
	return c.CategoryID == "" || c.CategoryID == cid
}

// IsBot reports whether uid is the automation account.
func (c Config) IsBot(uid string) bool {
	return c.BotUID != "" && c.BotUID == uid
}
