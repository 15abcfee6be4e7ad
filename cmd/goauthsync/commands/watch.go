package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	goAuthSync "github.com/MrEthical07/goAuthSync"
	"github.com/MrEthical07/goAuthSync/channel"
	"github.com/MrEthical07/goAuthSync/channel/redischannel"
	"github.com/MrEthical07/goAuthSync/channel/wschannel"
	"github.com/MrEthical07/goAuthSync/endpoint"
	"github.com/MrEthical07/goAuthSync/metrics/export/internaldefs"
	promexport "github.com/MrEthical07/goAuthSync/metrics/export/prometheus"
)

type watchFlags struct {
	baseURL     string
	contexts    int
	transport   string
	relayURL    string
	interval    time.Duration
	metricsAddr string
	events      bool
	username    string
	password    string
}

// watch: N contexts in one process sharing a cookie jar and a transport.
func watchCmd() *cobra.Command {
	f := &watchFlags{}
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Run several contexts against a backend and print their session transitions",
		Long: `Reads commands from stdin:

  signin [ctx] [username] [password]
  signout [ctx]
  update [ctx] key=value...
  refresh [ctx]
  focus [ctx]
  offline | online
  status
  quit`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if f.contexts <= 0 {
				return fmt.Errorf("--contexts must be > 0")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runWatch(ctx, f, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&f.baseURL, "base-url", envOr("GOAUTHSYNC_BASE_URL", "http://localhost:8080"), "backend origin (env GOAUTHSYNC_BASE_URL)")
	cmd.Flags().IntVar(&f.contexts, "contexts", 2, "number of contexts")
	cmd.Flags().StringVar(&f.transport, "transport", "hub", "sync transport: hub, redis or ws")
	cmd.Flags().StringVar(&f.relayURL, "relay-url", "ws://localhost:8080/sync", "relay URL for --transport ws")
	cmd.Flags().DurationVar(&f.interval, "interval", 0, "periodic refresh interval; 0 disables")
	cmd.Flags().StringVar(&f.metricsAddr, "metrics-addr", "", "serve Prometheus metrics of all contexts on this address")
	cmd.Flags().BoolVar(&f.events, "events", false, "print lifecycle events as JSON lines on stderr")
	cmd.Flags().StringVar(&f.username, "username", "", "default username for signin")
	cmd.Flags().StringVar(&f.password, "password", envOr("GOAUTHSYNC_PASSWORD", ""), "default password for signin (env GOAUTHSYNC_PASSWORD)")
	return cmd
}

func runWatch(ctx context.Context, f *watchFlags, in io.Reader, out io.Writer) error {
	factory, cleanup, err := channelFactory(ctx, f)
	if err != nil {
		return err
	}
	defer cleanup()

	shared := endpoint.NewHTTPClient(10 * time.Second)
	clients := make([]*goAuthSync.Client, f.contexts)
	sources := make(internaldefs.Sum, 0, f.contexts)
	for i := range clients {
		cfg := goAuthSync.DefaultConfig()
		cfg.Endpoint.BaseURL = f.baseURL
		cfg.Refetch.Interval = f.interval
		cfg.Metrics.Enabled = f.metricsAddr != ""
		cfg.Metrics.EnableLatencyHistograms = cfg.Metrics.Enabled
		cfg.Events.Enabled = f.events

		b := goAuthSync.New().
			WithConfig(cfg).
			WithID(fmt.Sprintf("ctx-%d", i)).
			WithLogger(logger).
			WithHTTPClient(shared).
			WithChannel(factory)
		if f.events {
			b = b.WithEventSink(goAuthSync.NewJSONWriterSink(os.Stderr))
		}
		c, err := b.Build()
		if err != nil {
			return fmt.Errorf("context %d: %w", i, err)
		}
		defer c.Close()

		id := c.ID()
		c.Subscribe(func(prev, next goAuthSync.SessionState) {
			fmt.Fprintf(out, "[%s] %s -> %s%s\n", id, prev.Status, next.Status, describe(next))
		})
		clients[i] = c
		sources = append(sources, c)
	}

	if f.metricsAddr != "" {
		srv := &http.Server{
			Addr:              f.metricsAddr,
			Handler:           promexport.NewPrometheusExporter(sources).Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("goauthsync: metrics server failed", "error", err)
			}
		}()
		defer srv.Close()
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			cmd, err := parseCommand(line, len(clients))
			if err != nil {
				fmt.Fprintln(out, "error:", err)
				continue
			}
			if cmd.name == "quit" {
				return nil
			}
			if err := cmd.run(ctx, clients, f, out); err != nil {
				fmt.Fprintln(out, "error:", err)
			}
		}
	}
}

func channelFactory(ctx context.Context, f *watchFlags) (goAuthSync.ChannelFactory, func(), error) {
	switch f.transport {
	case "hub":
		return goAuthSync.HubChannel(channel.NewHub(logger, 64)), func() {}, nil
	case "redis":
		rdb, closeRedis, err := openRedis(ctx)
		if err != nil {
			return nil, nil, err
		}
		return func(origin string) (channel.Channel, error) {
			return redischannel.New(ctx, rdb, origin, redischannel.Options{Namespace: f.baseURL, Logger: logger})
		}, closeRedis, nil
	case "ws":
		return func(origin string) (channel.Channel, error) {
			return wschannel.Dial(ctx, f.relayURL, origin, wschannel.DialOptions{Namespace: f.baseURL, Logger: logger})
		}, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown --transport %q", f.transport)
	}
}

func describe(s goAuthSync.SessionState) string {
	if s.Session == nil || s.Session.User == nil {
		return ""
	}
	return fmt.Sprintf(" user=%s expires=%s", s.Session.User.ID, s.Session.Expires.Format(time.RFC3339))
}

type command struct {
	name string
	ctx  int
	args []string
}

// parseCommand splits a stdin line. The context index is optional and defaults to 0.
func parseCommand(line string, contexts int) (command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return command{}, errors.New("empty command")
	}
	cmd := command{name: strings.ToLower(fields[0])}
	rest := fields[1:]

	switch cmd.name {
	case "signin", "signout", "update", "refresh", "focus":
		if len(rest) > 0 {
			if n, err := strconv.Atoi(rest[0]); err == nil {
				if n < 0 || n >= contexts {
					return command{}, fmt.Errorf("context %d out of range [0,%d)", n, contexts)
				}
				cmd.ctx = n
				rest = rest[1:]
			}
		}
	case "offline", "online", "status", "quit":
	default:
		return command{}, fmt.Errorf("unknown command %q", cmd.name)
	}

	if cmd.name == "update" && len(rest) == 0 {
		return command{}, errors.New("update needs key=value pairs")
	}
	cmd.args = rest
	return cmd, nil
}

func (c command) run(ctx context.Context, clients []*goAuthSync.Client, f *watchFlags, out io.Writer) error {
	target := clients[c.ctx]
	switch c.name {
	case "signin":
		username, password := f.username, f.password
		if len(c.args) > 0 {
			username = c.args[0]
		}
		if len(c.args) > 1 {
			password = c.args[1]
		}
		res, err := target.SignIn(ctx, "credentials", goAuthSync.SignInOptions{
			Fields: map[string]string{"username": username, "password": password},
		})
		if err != nil {
			return err
		}
		if !res.OK {
			return fmt.Errorf("sign-in rejected: %s (HTTP %d)", res.Error, res.Status)
		}
	case "signout":
		_, err := target.SignOut(ctx, goAuthSync.SignOutOptions{})
		return err
	case "update":
		data, err := keyValues(c.args)
		if err != nil {
			return err
		}
		_, err = target.Update(ctx, data)
		return err
	case "refresh":
		return target.Refresh(ctx)
	case "focus":
		if !target.Focus() {
			fmt.Fprintf(out, "[%s] focus dropped\n", target.ID())
		}
	case "offline", "online":
		for _, cl := range clients {
			cl.SetOnline(c.name == "online")
		}
	case "status":
		for _, cl := range clients {
			s := cl.Session()
			fmt.Fprintf(out, "[%s] %s%s\n", cl.ID(), s.Status, describe(s))
		}
	}
	return nil
}

func keyValues(args []string) (map[string]string, error) {
	out := make(map[string]string, len(args))
	for _, kv := range args {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("bad pair %q, want key=value", kv)
		}
		out[k] = v
	}
	return out, nil
}
