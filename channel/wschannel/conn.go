package wschannel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/MrEthical07/goAuthSync/channel"
	"github.com/coder/websocket"
)

// DialOptions configures the client half.
type DialOptions struct {
	// Namespace is sent as the ns query parameter.
	Namespace    string
	Header       http.Header
	HTTPClient   *http.Client
	WriteTimeout time.Duration
	Logger       *slog.Logger
}

// Conn is a [channel.Channel] connected to a Relay.
type Conn struct {
	conn         *websocket.Conn
	log          *slog.Logger
	handlers     *channel.Handlers
	writeTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	readDone  chan struct{}
}

var _ channel.Channel = (*Conn)(nil)

// Dial connects to the relay at rawURL as origin.
func Dial(ctx context.Context, rawURL, origin string, opts DialOptions) (*Conn, error) {
	if origin == "" {
		return nil, errors.New("origin must not be empty")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse relay url: %w", err)
	}
	if opts.Namespace != "" {
		q := u.Query()
		q.Set("ns", opts.Namespace)
		u.RawQuery = q.Encode()
	}

	conn, _, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		Subprotocols: []string{Subprotocol},
		HTTPHeader:   opts.Header,
		HTTPClient:   opts.HTTPClient,
	})
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}
	if conn.Subprotocol() != Subprotocol {
		_ = conn.Close(websocket.StatusPolicyViolation, "subprotocol required")
		return nil, errors.New("relay did not negotiate subprotocol")
	}
	conn.SetReadLimit(maxFrameBytes)

	c := &Conn{
		conn:         conn,
		log:          opts.Logger,
		handlers:     channel.NewHandlers(origin),
		writeTimeout: opts.WriteTimeout,
		readDone:     make(chan struct{}),
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	if c.writeTimeout <= 0 {
		c.writeTimeout = defaultWriteTimeout
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	go c.readLoop()
	return c, nil
}

// Publish writes msg to the relay. An empty Origin is filled in with the local origin.
func (c *Conn) Publish(ctx context.Context, msg channel.Message) error {
	if c.handlers.Closed() {
		return channel.ErrClosed
	}
	if msg.Origin == "" {
		msg.Origin = c.handlers.Origin()
	}
	data, err := channel.Encode(msg)
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	wctx, cancel := context.WithTimeout(ctx, c.writeTimeout)
	defer cancel()
	return c.conn.Write(wctx, websocket.MessageText, data)
}

// Subscribe registers h for messages from other origins.
func (c *Conn) Subscribe(h channel.Handler) func() {
	return c.handlers.Add(h)
}

// Done is closed once the connection stops reading.
func (c *Conn) Done() <-chan struct{} {
	return c.readDone
}

// Close sends a normal closure and waits for the read loop.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.handlers.Close()
		err = c.conn.Close(websocket.StatusNormalClosure, "bye")
		c.cancel()
		<-c.readDone
	})
	if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
		return nil
	}
	return err
}

func (c *Conn) readLoop() {
	defer close(c.readDone)
	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			if !c.handlers.Closed() {
				c.log.Info("goauthsync: ws channel disconnected", "origin", c.handlers.Origin(), "error", err)
			}
			return
		}
		msg, err := channel.Decode(data)
		if err != nil {
			c.log.Warn("goauthsync: dropping malformed ws notification", "error", err)
			continue
		}
		c.handlers.Dispatch(msg)
	}
}
