package goAuthSync

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/MrEthical07/goAuthSync/channel"
	"github.com/MrEthical07/goAuthSync/endpoint"
	"github.com/MrEthical07/goAuthSync/scheduler"
	"github.com/MrEthical07/goAuthSync/store"
	"github.com/google/uuid"
)

// ChannelFactory opens the notification transport for the context identified by
// origin. The Client owns the returned channel and closes it on Close.
type ChannelFactory func(origin string) (channel.Channel, error)

// HubChannel returns a factory joining hub, for contexts living in one process.
func HubChannel(hub *channel.Hub) ChannelFactory {
	return func(origin string) (channel.Channel, error) {
		if hub == nil {
			return nil, errors.New("hub is nil")
		}
		return hub.Join(origin), nil
	}
}

// Builder defines a public type used by goAuthSync APIs.
//
// Builder instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type Builder struct {
	config Config

	httpClient *http.Client
	channel    ChannelFactory
	logger     *slog.Logger
	eventSink  EventSink
	navigator  Navigator
	onRequired func()
	id         string

	seed   *Session
	seeded bool

	built bool
}

// New describes the new operation and its observable behavior.
//
// New returns a Builder holding the default configuration; nothing is allocated or
// dialled until Build.
func New() *Builder {
	return &Builder{
		config: defaultConfig(),
	}
}

// WithConfig describes the withconfig operation and its observable behavior.
//
// WithConfig replaces the whole configuration; start from DefaultConfig to keep defaults.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithBaseURL sets Config.Endpoint.BaseURL.
func (b *Builder) WithBaseURL(baseURL string) *Builder {
	b.config.Endpoint.BaseURL = baseURL
	return b
}

// WithHTTPClient describes the withhttpclient operation and its observable behavior.
//
// Contexts built with the same client share its cookie jar, the way tabs share cookies.
func (b *Builder) WithHTTPClient(hc *http.Client) *Builder {
	b.httpClient = hc
	return b
}

// WithChannel sets the transport factory. Without one, or when the factory fails,
// the Client runs in single-context mode.
func (b *Builder) WithChannel(f ChannelFactory) *Builder {
	b.channel = f
	return b
}

// WithSeed starts the Client resolved: authenticated with sess, or unauthenticated
// when sess is nil. A seeded Client skips the initial fetch.
func (b *Builder) WithSeed(sess *Session) *Builder {
	b.seed = sess.Clone()
	b.seeded = true
	return b
}

// WithOnUnauthenticated sets the required-session callback and enables required mode.
func (b *Builder) WithOnUnauthenticated(fn func()) *Builder {
	b.onRequired = fn
	b.config.Required.Enabled = true
	return b
}

// WithNavigator sets the redirect target for sign-in, sign-out and required mode.
func (b *Builder) WithNavigator(n Navigator) *Builder {
	b.navigator = n
	return b
}

// WithEventSink describes the witheventsink operation and its observable behavior.
//
// WithEventSink enables event dispatch when a non-nil sink is supplied.
func (b *Builder) WithEventSink(sink EventSink) *Builder {
	b.eventSink = sink
	if sink != nil {
		b.config.Events.Enabled = true
	}
	return b
}

// WithLogger sets the structured logger. Defaults to slog.Default().
func (b *Builder) WithLogger(l *slog.Logger) *Builder {
	b.logger = l
	return b
}

// WithID fixes the context identifier, which is also the channel origin.
func (b *Builder) WithID(id string) *Builder {
	b.id = id
	return b
}

// WithMetricsEnabled describes the withmetricsenabled operation and its observable behavior.
func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

// WithLatencyHistograms describes the withlatencyhistograms operation and its observable behavior.
func (b *Builder) WithLatencyHistograms(enabled bool) *Builder {
	b.config.Metrics.EnableLatencyHistograms = enabled
	return b
}

// Build describes the build operation and its observable behavior.
//
// Build validates the configuration, opens the channel, and starts the scheduler.
// An unseeded Client issues its first fetch before Build returns. A failing channel
// factory is not fatal: the Client logs it and runs in single-context mode.
func (b *Builder) Build() (*Client, error) {
	if b.built {
		return nil, ErrBuilderUsed
	}

	cfg := cloneConfig(b.config)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ep, err := endpoint.New(endpoint.Options{
		BaseURL:    cfg.Endpoint.BaseURL,
		BasePath:   cfg.Endpoint.BasePath,
		HTTPClient: b.httpClient,
		Timeout:    cfg.Endpoint.Timeout,
	})
	if err != nil {
		return nil, err
	}

	id := strings.TrimSpace(b.id)
	if id == "" {
		id = uuid.NewString()
	}

	log := b.logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("context_id", id)

	c := &Client{
		id:         id,
		cfg:        cfg,
		log:        log,
		endpoint:   ep,
		clock:      channel.NewClock(id),
		metrics:    NewMetrics(cfg.Metrics),
		navigator:  b.navigator,
		onRequired: b.onRequired,
	}

	if b.seeded {
		c.store = store.NewSeeded(b.seed)
	} else {
		c.store = store.New()
	}

	// -------- EVENTS --------
	c.events = newEventDispatcher(id, cfg.Events, b.eventSink, log)

	// -------- CHANNEL --------
	c.channel = channel.Nop{}
	if cfg.Channel.Enabled && b.channel != nil {
		ch, err := b.channel(id)
		switch {
		case err != nil:
			log.Warn("goauthsync: channel unavailable, running single-context", "error", err)
			c.emit(SessionEvent{EventType: EventChannelDegraded, Error: err.Error()})
		case ch != nil:
			c.channel = ch
		}
	}

	// -------- SCHEDULER --------
	c.sched = scheduler.New(c.fetch, scheduler.Config{
		Interval:     cfg.Refetch.Interval,
		OnFocus:      cfg.Refetch.OnWindowFocus,
		WhenOffline:  cfg.Refetch.WhenOffline,
		Backoff:      cfg.Refetch.Backoff,
		FetchTimeout: cfg.Refetch.FetchTimeout,
	},
		scheduler.WithLogger(log),
		scheduler.WithObserver(scheduler.Observer{
			Started: func(scheduler.Request) { c.metrics.Inc(MetricFetchStarted) },
			Dropped: func(scheduler.Reason) { c.metrics.Inc(MetricTriggerDropped) },
			Finished: func(_ scheduler.Request, took time.Duration, _ error) {
				c.metrics.Observe(MetricFetchLatency, took)
			},
		}),
	)

	c.unsubscribeStore = c.store.Subscribe(c.onStoreChange)
	c.unsubscribeChannel = c.channel.Subscribe(c.onMessage)

	b.built = true

	if b.seeded {
		c.checkRequired(c.Session())
	} else {
		c.sched.Trigger(scheduler.ReasonInitial)
	}

	return c, nil
}
