package goAuthSync

import (
	"errors"
	"net/url"
	"strings"
	"time"
)

// Config defines a public type used by goAuthSync APIs.
//
// Config instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type Config struct {
	Endpoint EndpointConfig
	Refetch  RefetchConfig
	Channel  ChannelConfig
	Required RequiredConfig
	Events   EventsConfig
	Metrics  MetricsConfig
}

/*
====================================
ENDPOINT CONFIG
====================================
*/

// EndpointConfig locates the auth backend.
type EndpointConfig struct {
	// BaseURL is the scheme and host, e.g. https://app.example.com.
	BaseURL string
	// BasePath prefixes every route. Default "/api/auth".
	BasePath string
	// Timeout applies to the HTTP client created when none is supplied.
	Timeout time.Duration
}

/*
====================================
REFETCH CONFIG
====================================
*/

// RefetchConfig controls when the session is re-fetched in the background.
//
// Interval should stay below the server's session max-age; it is not checked here.
type RefetchConfig struct {
	Interval      time.Duration // 0 disables polling
	OnWindowFocus bool
	WhenOffline   bool
	Backoff       time.Duration // background triggers suppressed after a transient failure
	FetchTimeout  time.Duration
}

/*
====================================
CHANNEL CONFIG
====================================
*/

// ChannelConfig controls cross-context notifications.
type ChannelConfig struct {
	Enabled        bool
	PublishTimeout time.Duration
}

/*
====================================
REQUIRED SESSION CONFIG
====================================
*/

// RequiredConfig enables required-session mode.
type RequiredConfig struct {
	Enabled bool
	// SignInPath is appended to the endpoint base for the default redirect.
	SignInPath string
	// CallbackURL is sent as callbackUrl with the default redirect. Defaults to BaseURL.
	CallbackURL string
}

// EventsConfig defines a public type used by goAuthSync APIs.
//
// EventsConfig instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type EventsConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

// MetricsConfig defines a public type used by goAuthSync APIs.
//
// MetricsConfig instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

// DefaultConfig returns the configuration New starts from.
func DefaultConfig() Config {
	return defaultConfig()
}

func defaultConfig() Config {
	return Config{
		Endpoint: EndpointConfig{
			BasePath: "/api/auth",
			Timeout:  10 * time.Second,
		},
		Refetch: RefetchConfig{
			Interval:      0,
			OnWindowFocus: true,
			WhenOffline:   true,
			Backoff:       0,
			FetchTimeout:  10 * time.Second,
		},
		Channel: ChannelConfig{
			Enabled:        true,
			PublishTimeout: 2 * time.Second,
		},
		Required: RequiredConfig{
			Enabled:    false,
			SignInPath: "/signin",
		},
		Events: EventsConfig{
			Enabled:    false,
			BufferSize: 1024,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled:                 false,
			EnableLatencyHistograms: false,
		},
	}
}

func cloneConfig(cfg Config) Config {
	return cfg
}

// Validate describes the validate operation and its observable behavior.
//
// Validate returns the first problem found; it does not mutate the receiver.
func (c *Config) Validate() error {
	// Endpoint
	base := strings.TrimSpace(c.Endpoint.BaseURL)
	if base == "" {
		return errors.New("Endpoint BaseURL must be set")
	}
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return errors.New("Endpoint BaseURL must be an absolute URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("Endpoint BaseURL scheme must be http or https")
	}
	if !strings.HasPrefix(c.Endpoint.BasePath, "/") {
		return errors.New("Endpoint BasePath must start with /")
	}
	if c.Endpoint.Timeout <= 0 {
		return errors.New("Endpoint Timeout must be > 0")
	}

	// Refetch
	if c.Refetch.Interval < 0 {
		return errors.New("Refetch Interval must be >= 0")
	}
	if c.Refetch.Interval > 0 && c.Refetch.Interval < time.Second {
		return errors.New("Refetch Interval must be 0 or >= 1s")
	}
	if c.Refetch.Backoff < 0 {
		return errors.New("Refetch Backoff must be >= 0")
	}
	if c.Refetch.FetchTimeout <= 0 {
		return errors.New("Refetch FetchTimeout must be > 0")
	}

	// Channel
	if c.Channel.Enabled && c.Channel.PublishTimeout <= 0 {
		return errors.New("Channel PublishTimeout must be > 0 when Channel is enabled")
	}

	// Required
	if c.Required.Enabled && !strings.HasPrefix(c.Required.SignInPath, "/") {
		return errors.New("Required SignInPath must start with /")
	}

	// Events
	if c.Events.Enabled && c.Events.BufferSize <= 0 {
		return errors.New("Events BufferSize must be > 0 when Events is enabled")
	}

	if !c.Metrics.Enabled && c.Metrics.EnableLatencyHistograms {
		return errors.New("Metrics EnableLatencyHistograms requires Metrics Enabled")
	}

	return nil
}
