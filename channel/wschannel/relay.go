// Package wschannel relays Sync Channel notifications over WebSocket.
//
// [Relay] is the server half: an http.Handler that groups connections by namespace
// and forwards every frame to the other connections of the same namespace. [Dial]
// is the client half and implements channel.Channel.
package wschannel

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrEthical07/goAuthSync/channel"
	"github.com/coder/websocket"
)

// Subprotocol is negotiated by both halves.
const Subprotocol = "goauthsync.v1"

const (
	defaultSendQueue    = 64
	defaultWriteTimeout = 5 * time.Second
	defaultHeartbeat    = 30 * time.Second
	maxFrameBytes       = 4 << 10
	maxPingFailures     = 3
)

// RelayOptions configures a Relay.
type RelayOptions struct {
	// AllowedOrigins lists origins allowed to connect. Empty means same-host only.
	AllowedOrigins []string
	SendQueue      int
	WriteTimeout   time.Duration
	Heartbeat      time.Duration
	Logger         *slog.Logger
}

// Relay is the server half of the WebSocket transport.
type Relay struct {
	log            *slog.Logger
	allowed        []string
	originPatterns []string
	sendQueue      int
	writeTimeout   time.Duration
	heartbeat      time.Duration

	mu     sync.RWMutex
	groups map[string]map[*peer]struct{}

	relayed atomic.Uint64
	dropped atomic.Uint64
}

type peer struct {
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (p *peer) close() {
	p.once.Do(func() { close(p.done) })
}

// NewRelay constructs a relay.
func NewRelay(opts RelayOptions) *Relay {
	r := &Relay{
		log:          opts.Logger,
		allowed:      opts.AllowedOrigins,
		sendQueue:    opts.SendQueue,
		writeTimeout: opts.WriteTimeout,
		heartbeat:    opts.Heartbeat,
		groups:       make(map[string]map[*peer]struct{}),
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	if r.sendQueue <= 0 {
		r.sendQueue = defaultSendQueue
	}
	if r.writeTimeout <= 0 {
		r.writeTimeout = defaultWriteTimeout
	}
	if r.heartbeat <= 0 {
		r.heartbeat = defaultHeartbeat
	}
	r.originPatterns = originPatterns(r.allowed)
	return r
}

// Relayed returns how many frames were queued for delivery.
func (r *Relay) Relayed() uint64 { return r.relayed.Load() }

// Dropped returns how many frames were skipped because a peer queue was full.
func (r *Relay) Dropped() uint64 { return r.dropped.Load() }

// Peers returns the number of connections in namespace.
func (r *Relay) Peers(namespace string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.groups[namespace])
}

// ServeHTTP upgrades the request and relays frames until either side disconnects.
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if err := r.enforceOrigin(req); err != nil {
		r.log.Info("goauthsync: ws relay rejected origin", "origin", req.Header.Get("Origin"), "error", err)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, req, &websocket.AcceptOptions{
		Subprotocols:   []string{Subprotocol},
		OriginPatterns: r.originPatterns,
	})
	if err != nil {
		r.log.Warn("goauthsync: ws relay accept failed", "error", err)
		return
	}
	defer func() { _ = conn.CloseNow() }()

	if conn.Subprotocol() != Subprotocol {
		_ = conn.Close(websocket.StatusPolicyViolation, "subprotocol required")
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	ns := namespaceOf(req)
	p := &peer{send: make(chan []byte, r.sendQueue), done: make(chan struct{})}
	r.join(ns, p)
	defer r.leave(ns, p)

	ctx, cancel := context.WithCancel(req.Context())
	defer cancel()

	go r.writeLoop(ctx, conn, p)
	go r.pingLoop(ctx, conn, p)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			p.close()
			if websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
				r.log.Debug("goauthsync: ws relay read ended", "namespace", ns, "error", err)
			}
			return
		}
		if _, err := channel.Decode(data); err != nil {
			r.log.Info("goauthsync: ws relay dropping malformed frame", "namespace", ns, "error", err)
			continue
		}
		r.fanout(ns, p, data)
	}
}

func (r *Relay) writeLoop(ctx context.Context, conn *websocket.Conn, p *peer) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.done:
			return
		case data := <-p.send:
			wctx, cancel := context.WithTimeout(ctx, r.writeTimeout)
			err := conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				p.close()
				_ = conn.Close(websocket.StatusAbnormalClosure, "write failed")
				return
			}
		}
	}
}

func (r *Relay) pingLoop(ctx context.Context, conn *websocket.Conn, p *peer) {
	t := time.NewTicker(r.heartbeat)
	defer t.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.done:
			return
		case <-t.C:
			pctx, cancel := context.WithTimeout(ctx, r.writeTimeout)
			err := conn.Ping(pctx)
			cancel()
			if err == nil {
				failures = 0
				continue
			}
			failures++
			if failures >= maxPingFailures {
				p.close()
				_ = conn.Close(websocket.StatusGoingAway, "heartbeat failed")
				return
			}
		}
	}
}

func (r *Relay) join(ns string, p *peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g := r.groups[ns]
	if g == nil {
		g = make(map[*peer]struct{})
		r.groups[ns] = g
	}
	g[p] = struct{}{}
}

func (r *Relay) leave(ns string, p *peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g := r.groups[ns]
	delete(g, p)
	if len(g) == 0 {
		delete(r.groups, ns)
	}
}

func (r *Relay) fanout(ns string, from *peer, data []byte) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for p := range r.groups[ns] {
		if p == from {
			continue
		}
		select {
		case p.send <- data:
			r.relayed.Add(1)
		default:
			r.dropped.Add(1)
		}
	}
}

func namespaceOf(req *http.Request) string {
	if ns := strings.TrimSpace(req.URL.Query().Get("ns")); ns != "" {
		return ns
	}
	if origin := strings.TrimSpace(req.Header.Get("Origin")); origin != "" {
		return origin
	}
	return "default"
}

func (r *Relay) enforceOrigin(req *http.Request) error {
	if len(r.allowed) == 0 {
		return nil
	}
	origin := strings.TrimSpace(req.Header.Get("Origin"))
	if origin == "" {
		return nil
	}
	host := hostOnly(origin)
	for _, a := range r.allowed {
		a = strings.TrimSpace(a)
		if a == "*" || a == origin {
			return nil
		}
		if host != "" && host == hostOnly(a) {
			return nil
		}
	}
	return errors.New("origin not allowed")
}

func hostOnly(s string) string {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		s = u.Host
	}
	if h, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(h)
	}
	return strings.ToLower(s)
}

func originPatterns(allowed []string) []string {
	seen := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		if strings.TrimSpace(a) == "*" {
			return []string{"*"}
		}
		if h := hostOnly(a); h != "" {
			seen[h] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h, h+":*")
	}
	sort.Strings(out)
	return out
}
