// Package redischannel carries Sync Channel notifications over Redis Pub/Sub so
// contexts in different processes sharing one Redis deployment observe each other.
package redischannel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/MrEthical07/goAuthSync/channel"
	"github.com/redis/go-redis/v9"
)

const defaultPrefix = "goauthsync"

// ErrSubscribe is returned when the Pub/Sub subscription cannot be confirmed.
var ErrSubscribe = errors.New("redis channel subscribe failed")

// Options configures a Redis channel.
type Options struct {
	// Prefix is the topic prefix. Defaults to "goauthsync".
	Prefix string
	// Namespace groups contexts that share a session, typically the site origin.
	Namespace string
	// Logger receives decode and transport failures.
	Logger *slog.Logger
}

// Channel is a [channel.Channel] backed by one Redis Pub/Sub topic.
type Channel struct {
	rdb      redis.UniversalClient
	topic    string
	log      *slog.Logger
	pubsub   *redis.PubSub
	handlers *channel.Handlers

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

var _ channel.Channel = (*Channel)(nil)

// Topic returns the Redis topic name for the given options.
func Topic(opts Options) string {
	prefix := strings.TrimSpace(opts.Prefix)
	if prefix == "" {
		prefix = defaultPrefix
	}
	ns := strings.TrimSpace(opts.Namespace)
	if ns == "" {
		ns = "default"
	}
	return prefix + ":" + ns
}

// New subscribes to the topic for opts and starts delivering messages from other
// origins. origin identifies the local context.
func New(ctx context.Context, rdb redis.UniversalClient, origin string, opts Options) (*Channel, error) {
	if rdb == nil {
		return nil, errors.New("redis client is nil")
	}
	if strings.TrimSpace(origin) == "" {
		return nil, errors.New("origin must not be empty")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	topic := Topic(opts)
	ps := rdb.Subscribe(ctx, topic)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("%w: %v", ErrSubscribe, err)
	}

	c := &Channel{
		rdb:      rdb,
		topic:    topic,
		log:      log,
		pubsub:   ps,
		handlers: channel.NewHandlers(origin),
		done:     make(chan struct{}),
	}

	c.wg.Add(1)
	go c.receive(ps.Channel())
	return c, nil
}

// Topic returns the subscribed topic.
func (c *Channel) Topic() string {
	return c.topic
}

// Publish sends msg to the topic. An empty Origin is filled in with the local origin.
func (c *Channel) Publish(ctx context.Context, msg channel.Message) error {
	select {
	case <-c.done:
		return channel.ErrClosed
	default:
	}
	if msg.Origin == "" {
		msg.Origin = c.handlers.Origin()
	}
	data, err := channel.Encode(msg)
	if err != nil {
		return err
	}
	return c.rdb.Publish(ctx, c.topic, data).Err()
}

// Subscribe registers h for messages from other origins.
func (c *Channel) Subscribe(h channel.Handler) func() {
	return c.handlers.Add(h)
}

// Close unsubscribes and waits for the receive loop to exit.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.handlers.Close()
		close(c.done)
		err = c.pubsub.Close()
		c.wg.Wait()
	})
	return err
}

func (c *Channel) receive(in <-chan *redis.Message) {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case raw, ok := <-in:
			if !ok {
				return
			}
			msg, err := channel.Decode([]byte(raw.Payload))
			if err != nil {
				c.log.Warn("goauthsync: dropping malformed redis notification", "topic", c.topic, "error", err)
				continue
			}
			c.handlers.Dispatch(msg)
		}
	}
}
