package main

import (
	"context"
	"crypto/rand"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	goAuthSync "github.com/MrEthical07/goAuthSync"
	"github.com/MrEthical07/goAuthSync/backend"
	"github.com/MrEthical07/goAuthSync/channel"
	"github.com/MrEthical07/goAuthSync/channel/redischannel"
	"github.com/MrEthical07/goAuthSync/jwt"
	"github.com/MrEthical07/goAuthSync/password"
)

const (
	loadUser     = "load"
	loadPassword = "load-password"
)

// inflightTransport tracks concurrent session reads of one context.
type inflightTransport struct {
	base    http.RoundTripper
	reads   atomic.Int64
	active  atomic.Int64
	maxSeen atomic.Int64
}

func (t *inflightTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Method != http.MethodGet || !strings.HasSuffix(req.URL.Path, "/session") {
		return t.base.RoundTrip(req)
	}
	t.reads.Add(1)
	n := t.active.Add(1)
	defer t.active.Add(-1)
	for {
		m := t.maxSeen.Load()
		if n <= m || t.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	return t.base.RoundTrip(req)
}

func main() {
	var (
		contexts  = flag.Int("contexts", 50, "number of contexts sharing one session")
		rounds    = flag.Int("rounds", 20, "sign-in/sign-out rounds")
		focus     = flag.Int("focus", 5, "focus events per context per round")
		redisAddr = flag.String("redis-addr", "", "redis address; if empty, REDIS_ADDR env or miniredis is used")
		timeout   = flag.Duration("timeout", 10*time.Second, "max wait for a round to propagate")
	)
	flag.Parse()

	if *contexts <= 1 || *rounds <= 0 || *focus < 0 {
		fmt.Fprintln(os.Stderr, "contexts must be > 1, rounds > 0 and focus >= 0")
		os.Exit(2)
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	ctx := context.Background()

	addr := *redisAddr
	if addr == "" {
		addr = os.Getenv("REDIS_ADDR")
	}

	var (
		cleanup func()
		client  redis.UniversalClient
	)
	if addr == "" {
		mr, err := miniredis.Run()
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to start miniredis: %v\n", err)
			os.Exit(1)
		}
		addr = mr.Addr()
		client = redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{addr}})
		cleanup = func() {
			_ = client.Close()
			mr.Close()
		}
		fmt.Printf("using miniredis at %s\n", addr)
	} else {
		client = redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{addr}})
		cleanup = func() { _ = client.Close() }
		fmt.Printf("using redis at %s\n", addr)
	}
	defer cleanup()

	ts, err := startBackend(client, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "backend: %v\n", err)
		os.Exit(1)
	}
	defer ts.Close()

	jar, _ := cookiejar.New(nil)
	transports := make([]*inflightTransport, *contexts)
	clients := make([]*goAuthSync.Client, *contexts)
	for i := range clients {
		transports[i] = &inflightTransport{base: http.DefaultTransport}
		cfg := goAuthSync.DefaultConfig()
		cfg.Endpoint.BaseURL = ts.URL
		cfg.Metrics.Enabled = true

		c, err := goAuthSync.New().
			WithConfig(cfg).
			WithID(fmt.Sprintf("ctx-%d", i)).
			WithLogger(log).
			WithHTTPClient(&http.Client{Jar: jar, Transport: transports[i], Timeout: 10 * time.Second}).
			WithChannel(func(origin string) (channel.Channel, error) {
				return redischannel.New(ctx, client, origin, redischannel.Options{Namespace: ts.URL, Logger: log})
			}).
			Build()
		if err != nil {
			fmt.Fprintf(os.Stderr, "context %d: %v\n", i, err)
			os.Exit(1)
		}
		defer c.Close()
		clients[i] = c
	}

	if _, err := waitAll(clients, goAuthSync.StatusUnauthenticated, *timeout); err != nil {
		fmt.Fprintf(os.Stderr, "initial resolution: %v\n", err)
		os.Exit(1)
	}

	var latencies []time.Duration
	failures := 0
	start := time.Now()
	for r := 0; r < *rounds; r++ {
		actor := clients[r%len(clients)]
		want := goAuthSync.StatusAuthenticated

		t0 := time.Now()
		if r%2 == 0 {
			res, err := actor.SignIn(ctx, "credentials", goAuthSync.SignInOptions{
				Fields: map[string]string{"username": loadUser, "password": loadPassword},
			})
			if err != nil || !res.OK {
				fmt.Fprintf(os.Stderr, "round %d: sign-in failed: %v %+v\n", r, err, res)
				failures++
				continue
			}
		} else {
			want = goAuthSync.StatusUnauthenticated
			if _, err := actor.SignOut(ctx, goAuthSync.SignOutOptions{}); err != nil {
				fmt.Fprintf(os.Stderr, "round %d: sign-out failed: %v\n", r, err)
				failures++
				continue
			}
		}

		storm(clients, *focus)

		if _, err := waitAll(clients, want, *timeout); err != nil {
			fmt.Fprintf(os.Stderr, "round %d: %v\n", r, err)
			failures++
			continue
		}
		latencies = append(latencies, time.Since(t0))
	}
	total := time.Since(start)

	ok := report(clients, transports, latencies, failures, total)
	if !ok {
		os.Exit(1)
	}
}

func startBackend(rdb redis.UniversalClient, log *slog.Logger) (*httptest.Server, error) {
	pcfg := password.DefaultConfig()
	pcfg.Memory, pcfg.Time, pcfg.Parallelism = 8192, 1, 1
	hasher, err := password.New(pcfg)
	if err != nil {
		return nil, err
	}
	users := backend.NewMemoryUsers()
	if err := users.Add(hasher, backend.User{ID: "u-load", Username: loadUser, Name: "Load"}, loadPassword); err != nil {
		return nil, err
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	srv, err := backend.New(backend.Options{
		Redis:      rdb,
		Users:      users,
		Hasher:     hasher,
		JWT:        jwt.Config{SigningMethod: jwt.MethodHS256, PrivateKey: key},
		CSRFSecret: key,
		Logger:     log,
	})
	if err != nil {
		return nil, err
	}
	return httptest.NewServer(srv), nil
}

// storm fires focus events from every context at once.
func storm(clients []*goAuthSync.Client, perContext int) {
	var wg sync.WaitGroup
	for _, c := range clients {
		wg.Add(1)
		go func(c *goAuthSync.Client) {
			defer wg.Done()
			for i := 0; i < perContext; i++ {
				c.Focus()
			}
		}(c)
	}
	wg.Wait()
}

func waitAll(clients []*goAuthSync.Client, want goAuthSync.Status, timeout time.Duration) (time.Duration, error) {
	start := time.Now()
	deadline := start.Add(timeout)
	for {
		lagging := 0
		for _, c := range clients {
			if c.Status() != want {
				lagging++
			}
		}
		if lagging == 0 {
			return time.Since(start), nil
		}
		if time.Now().After(deadline) {
			return 0, fmt.Errorf("%d contexts still not %s after %s", lagging, want, timeout)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func report(clients []*goAuthSync.Client, transports []*inflightTransport, latencies []time.Duration, failures int, total time.Duration) bool {
	var sums [6]uint64
	ids := [...]goAuthSync.MetricID{
		goAuthSync.MetricFetchStarted,
		goAuthSync.MetricTriggerDropped,
		goAuthSync.MetricNotificationPublished,
		goAuthSync.MetricNotificationReceived,
		goAuthSync.MetricNotificationStale,
		goAuthSync.MetricFetchFailure,
	}
	for _, c := range clients {
		snap := c.MetricsSnapshot()
		for i, id := range ids {
			sums[i] += snap.Counters[id]
		}
	}

	var reads, maxInflight int64
	for _, t := range transports {
		reads += t.reads.Load()
		if m := t.maxSeen.Load(); m > maxInflight {
			maxInflight = m
		}
	}

	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	fmt.Println("---- results ----")
	fmt.Printf("contexts=%d rounds=%d failed=%d total=%s\n", len(clients), len(latencies)+failures, failures, total.Round(time.Millisecond))
	fmt.Printf("fetches=%d session_reads=%d dropped_triggers=%d fetch_failures=%d\n", sums[0], reads, sums[1], sums[5])
	fmt.Printf("published=%d received=%d stale=%d\n", sums[2], sums[3], sums[4])
	fmt.Printf("propagation p50=%s p95=%s max=%s\n",
		percentile(latencies, 50).Round(time.Microsecond),
		percentile(latencies, 95).Round(time.Microsecond),
		percentile(latencies, 100).Round(time.Microsecond),
	)
	fmt.Printf("max session reads in flight per context=%d\n", maxInflight)

	if maxInflight > 1 {
		fmt.Println("FAIL: a context had more than one session read in flight")
		return false
	}
	return failures == 0
}

func percentile(samples []time.Duration, p int) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	if p <= 0 {
		return samples[0]
	}
	if p >= 100 {
		return samples[len(samples)-1]
	}
	idx := (len(samples) - 1) * p / 100
	return samples[idx]
}
