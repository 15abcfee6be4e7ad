package goAuthSync

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrEthical07/goAuthSync/channel"
)

func testBuilder(f *fakeAuth) *Builder {
	cfg := DefaultConfig()
	cfg.Endpoint.BaseURL = f.URL()
	cfg.Metrics.Enabled = true
	return New().WithConfig(cfg)
}

func build(t *testing.T, b *Builder) *Client {
	t.Helper()
	c, err := b.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func resolved(c *Client) func() bool {
	return func() bool { return c.Status() != StatusPending }
}

func TestInitialFetchResolvesAuthenticated(t *testing.T) {
	f := newFakeAuth(t)
	f.signIn("ada")

	c := build(t, testBuilder(f))
	waitFor(t, "initial fetch", resolved(c))

	state := c.Session()
	if !state.Authenticated() || state.Session.User.ID != "ada" {
		t.Fatalf("unexpected state %+v", state)
	}
	if got := c.MetricsSnapshot().Counters[MetricFetchSuccess]; got != 1 {
		t.Fatalf("expected 1 successful fetch, got %d", got)
	}
}

func TestInitialFetchResolvesUnauthenticated(t *testing.T) {
	f := newFakeAuth(t)

	c := build(t, testBuilder(f))
	waitFor(t, "initial fetch", resolved(c))

	if got := c.Status(); got != StatusUnauthenticated {
		t.Fatalf("expected unauthenticated, got %v", got)
	}
}

func TestSeededClientSkipsInitialFetch(t *testing.T) {
	f := newFakeAuth(t)

	c := build(t, testBuilder(f).WithSeed(&Session{User: &User{ID: "seed"}, Expires: time.Now().Add(time.Hour)}))
	if !c.Session().Authenticated() {
		t.Fatal("seeded client must start authenticated")
	}

	time.Sleep(50 * time.Millisecond)
	if got := f.gets.Load(); got != 0 {
		t.Fatalf("seeded client fetched %d times", got)
	}
}

func TestUnauthorizedResponseIsNotAnError(t *testing.T) {
	f := newFakeAuth(t)
	f.signIn("ada")
	c := build(t, testBuilder(f))
	waitFor(t, "initial fetch", resolved(c))

	f.fail(http.StatusUnauthorized)
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if got := c.Status(); got != StatusUnauthenticated {
		t.Fatalf("expected unauthenticated, got %v", got)
	}
}

func TestTransientFailureKeepsCachedSession(t *testing.T) {
	f := newFakeAuth(t)
	f.signIn("ada")
	c := build(t, testBuilder(f))
	waitFor(t, "initial fetch", resolved(c))

	f.fail(http.StatusBadGateway)
	err := c.Refresh(context.Background())
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}

	state := c.Session()
	if !state.Authenticated() || state.Session.User.ID != "ada" {
		t.Fatalf("transient failure changed the cache: %+v", state)
	}
	if got := c.MetricsSnapshot().Counters[MetricFetchFailure]; got != 1 {
		t.Fatalf("expected 1 failure, got %d", got)
	}
}

func TestFailedFirstFetchResolvesUnauthenticated(t *testing.T) {
	f := newFakeAuth(t)
	f.signIn("ada")
	f.fail(http.StatusBadGateway)
	hub := channel.NewHub(nil, 16)

	var fired atomic.Int32
	c := build(t, testBuilder(f).
		WithChannel(HubChannel(hub)).
		WithOnUnauthenticated(func() { fired.Add(1) }))
	sibling := build(t, testBuilder(f).WithChannel(HubChannel(hub)).
		WithSeed(&Session{User: &User{ID: "ada"}, Expires: time.Now().Add(time.Hour)}))

	waitFor(t, "first fetch to resolve", resolved(c))
	if got := c.Status(); got != StatusUnauthenticated {
		t.Fatalf("expected unauthenticated after failed first fetch, got %v", got)
	}
	waitFor(t, "required callback", func() bool { return fired.Load() == 1 })
	if got := c.MetricsSnapshot().Counters[MetricNotificationPublished]; got != 0 {
		t.Fatalf("failed first fetch must not notify siblings, published %d", got)
	}
	time.Sleep(50 * time.Millisecond)
	if !sibling.Session().Authenticated() {
		t.Fatal("sibling lost its session after another context failed to fetch")
	}

	f.fail(0)
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if !c.Session().Authenticated() {
		t.Fatalf("expected recovery once the backend answers, got %v", c.Status())
	}
	if got := fired.Load(); got != 1 {
		t.Fatalf("expected one required callback, got %d", got)
	}
}

func TestAtMostOneFetchInFlight(t *testing.T) {
	f := newFakeAuth(t)
	f.signIn("ada")
	c := build(t, testBuilder(f).WithSeed(nil))

	release := f.hold()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = c.Refresh(context.Background())
		}()
	}
	waitFor(t, "fetch in flight", func() bool { return f.active.Load() == 1 })
	for i := 0; i < 10; i++ {
		c.Focus()
	}
	time.Sleep(20 * time.Millisecond)
	release()
	wg.Wait()

	if got := f.maxActive.Load(); got != 1 {
		t.Fatalf("expected at most one concurrent fetch, saw %d", got)
	}
	if got := f.gets.Load(); got != 1 {
		t.Fatalf("expected refreshes to share one fetch, got %d", got)
	}
	if got := c.MetricsSnapshot().Counters[MetricTriggerDropped]; got != 10 {
		t.Fatalf("expected 10 dropped focus triggers, got %d", got)
	}
}

func TestListenerSeesEveryChangeInOrder(t *testing.T) {
	f := newFakeAuth(t)
	c := build(t, testBuilder(f).WithSeed(nil))

	var mu sync.Mutex
	var seen []Status
	unsubscribe := c.Subscribe(func(prev, next SessionState) {
		mu.Lock()
		seen = append(seen, next.Status)
		mu.Unlock()
	})

	f.signIn("ada")
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	f.signOutServer()
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	unsubscribe()
	f.signIn("bob")
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []Status{StatusAuthenticated, StatusUnauthenticated}
	if len(seen) != len(want) {
		t.Fatalf("expected %v, got %v", want, seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, seen)
		}
	}
}

func TestExpiryNeverMovesBackwards(t *testing.T) {
	f := newFakeAuth(t)
	f.signIn("ada")
	c := build(t, testBuilder(f))
	waitFor(t, "initial fetch", resolved(c))
	first := c.Session().Session.Expires

	f.setExpires(first.Add(-time.Minute))
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if got := c.Session().Session.Expires; !got.Equal(first) {
		t.Fatalf("expiry moved backwards: %v -> %v", first, got)
	}

	later := first.Add(time.Hour)
	f.setExpires(later)
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if got := c.Session().Session.Expires; !got.Equal(later) {
		t.Fatalf("expected sliding expiry %v, got %v", later, got)
	}
}

func TestExpiryKeptWhenUpdateChangesData(t *testing.T) {
	f := newFakeAuth(t)
	f.signIn("ada")
	c := build(t, testBuilder(f))
	waitFor(t, "initial fetch", resolved(c))
	first := c.Session().Session.Expires

	f.setExpires(first.Add(-time.Minute))
	sess, err := c.Update(context.Background(), map[string]string{"theme": "dark"})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if !sess.Expires.Equal(first) {
		t.Fatalf("expiry moved backwards across a data update: %v -> %v", first, sess.Expires)
	}
	if len(sess.Extra) == 0 {
		t.Fatal("expected the updated data to be applied")
	}
}

func TestUpdatePostsDataAndReturnsSession(t *testing.T) {
	f := newFakeAuth(t)
	f.signIn("ada")
	c := build(t, testBuilder(f))
	waitFor(t, "initial fetch", resolved(c))

	sess, err := c.Update(context.Background(), map[string]string{"theme": "dark"})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if f.updates.Load() != 1 {
		t.Fatalf("expected one update post, got %d", f.updates.Load())
	}
	var payload struct {
		Data struct {
			Theme string `json:"theme"`
		} `json:"data"`
	}
	if err := sess.Decode(&payload); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if payload.Data.Theme != "dark" {
		t.Fatalf("expected updated data in session, got %+v", payload)
	}
}

func TestCrossContextSignOutPropagates(t *testing.T) {
	f := newFakeAuth(t)
	f.signIn("ada")
	hub := channel.NewHub(nil, 16)

	a := build(t, testBuilder(f).WithID("a").WithChannel(HubChannel(hub)))
	b := build(t, testBuilder(f).WithID("b").WithChannel(HubChannel(hub)))
	cc := build(t, testBuilder(f).WithID("c").WithChannel(HubChannel(hub)))
	for _, c := range []*Client{a, b, cc} {
		waitFor(t, "initial fetch "+c.ID(), resolved(c))
	}
	time.Sleep(50 * time.Millisecond)
	before := f.gets.Load()

	if _, err := a.SignOut(context.Background(), SignOutOptions{}); err != nil {
		t.Fatalf("SignOut: %v", err)
	}
	if a.Status() != StatusUnauthenticated {
		t.Fatalf("signing-out context still %v", a.Status())
	}
	for _, c := range []*Client{b, cc} {
		c := c
		waitFor(t, "propagation to "+c.ID(), func() bool { return c.Status() == StatusUnauthenticated })
	}

	// One fetch per context and no re-broadcast.
	time.Sleep(100 * time.Millisecond)
	if got := f.gets.Load() - before; got != 3 {
		t.Fatalf("expected 3 session fetches after sign-out, got %d", got)
	}
	for _, c := range []*Client{b, cc} {
		if got := c.MetricsSnapshot().Counters[MetricNotificationPublished]; got != 0 {
			t.Fatalf("context %s re-broadcast %d notifications", c.ID(), got)
		}
	}
	if got := a.MetricsSnapshot().Counters[MetricNotificationPublished]; got != 1 {
		t.Fatalf("expected 1 notification from signing-out context, got %d", got)
	}
}

func TestInitialResolutionDoesNotBroadcast(t *testing.T) {
	f := newFakeAuth(t)
	f.signIn("ada")
	hub := channel.NewHub(nil, 16)

	clients := make([]*Client, 4)
	for i := range clients {
		clients[i] = build(t, testBuilder(f).WithChannel(HubChannel(hub)))
	}
	for _, c := range clients {
		waitFor(t, "initial fetch", resolved(c))
	}
	time.Sleep(100 * time.Millisecond)

	if got := f.gets.Load(); got != int64(len(clients)) {
		t.Fatalf("expected %d fetches, got %d", len(clients), got)
	}
}

func TestStaleNotificationIgnored(t *testing.T) {
	f := newFakeAuth(t)
	f.signIn("ada")
	hub := channel.NewHub(nil, 16)
	c := build(t, testBuilder(f).WithChannel(HubChannel(hub)))
	waitFor(t, "initial fetch", resolved(c))

	peer := hub.Join("peer")
	defer peer.Close()

	before := f.gets.Load()
	old := channel.Message{
		Event:   channel.EventSession,
		Origin:  "peer",
		Stamp:   channel.Stamp{Wall: time.Now().Add(-time.Hour).UnixNano(), Origin: "peer"},
		Trigger: channel.TriggerSignOut,
	}
	if err := peer.Publish(context.Background(), old); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	waitFor(t, "stale notification", func() bool {
		return c.MetricsSnapshot().Counters[MetricNotificationStale] == 1
	})
	if got := f.gets.Load(); got != before {
		t.Fatalf("stale notification caused %d fetches", got-before)
	}
	if c.Status() != StatusAuthenticated {
		t.Fatalf("stale notification changed status to %v", c.Status())
	}
}

func TestFreshNotificationRefetches(t *testing.T) {
	f := newFakeAuth(t)
	f.signIn("ada")
	hub := channel.NewHub(nil, 16)
	c := build(t, testBuilder(f).WithChannel(HubChannel(hub)))
	waitFor(t, "initial fetch", resolved(c))

	peer := hub.Join("peer")
	defer peer.Close()

	f.signOutServer()
	fresh := channel.Message{
		Event:   channel.EventSession,
		Origin:  "peer",
		Stamp:   channel.NewClock("peer").Next(),
		Trigger: channel.TriggerSignOut,
	}
	if err := peer.Publish(context.Background(), fresh); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	waitFor(t, "refetch", func() bool { return c.Status() == StatusUnauthenticated })
	if got := c.MetricsSnapshot().Counters[MetricNotificationPublished]; got != 0 {
		t.Fatalf("broadcast-caused fetch published %d notifications", got)
	}
}

func TestNotificationDuringFetchSchedulesFollowUp(t *testing.T) {
	f := newFakeAuth(t)
	f.signIn("ada")
	hub := channel.NewHub(nil, 16)
	c := build(t, testBuilder(f).WithSeed(&Session{User: &User{ID: "ada"}}).WithChannel(HubChannel(hub)))

	peer := hub.Join("peer")
	defer peer.Close()

	release := f.hold()
	c.Focus()
	waitFor(t, "fetch in flight", func() bool { return f.active.Load() == 1 })

	// The peer signs out after this context's fetch started.
	f.signOutServer()
	msg := channel.Message{
		Event:   channel.EventSession,
		Origin:  "peer",
		Stamp:   channel.Stamp{Wall: time.Now().Add(time.Second).UnixNano(), Origin: "peer"},
		Trigger: channel.TriggerSignOut,
	}
	if err := peer.Publish(context.Background(), msg); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	waitFor(t, "notification", func() bool {
		return c.MetricsSnapshot().Counters[MetricNotificationReceived] == 1
	})
	release()

	// The held read answered with the state from before the sign-out; only the
	// follow-up can observe it.
	waitFor(t, "follow-up fetch", func() bool { return c.Status() == StatusUnauthenticated })
	if got := f.gets.Load(); got != 2 {
		t.Fatalf("expected focus fetch plus one follow-up, got %d", got)
	}
}

func TestChannelFactoryFailureDegrades(t *testing.T) {
	f := newFakeAuth(t)
	sink := NewChannelSink(8)
	c := build(t, testBuilder(f).WithSeed(nil).WithEventSink(sink).WithChannel(func(string) (channel.Channel, error) {
		return nil, errors.New("no broker")
	}))

	select {
	case ev := <-sink.Events():
		if ev.EventType != EventChannelDegraded || ev.ContextID != c.ID() {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("expected channel_degraded event")
	}

	f.signIn("ada")
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("single-context client must still refresh: %v", err)
	}
	if !c.Session().Authenticated() {
		t.Fatal("expected authenticated after refresh")
	}
}

func TestRequiredFiresOnceAfterPending(t *testing.T) {
	f := newFakeAuth(t)
	release := f.hold()

	var fired atomic.Int32
	c := build(t, testBuilder(f).WithOnUnauthenticated(func() { fired.Add(1) }))

	waitFor(t, "fetch in flight", func() bool { return f.active.Load() == 1 })
	if _, loading := c.Required(); !loading {
		t.Fatal("pending context must report loading")
	}
	if fired.Load() != 0 {
		t.Fatal("callback fired while pending")
	}

	release()
	waitFor(t, "callback", func() bool { return fired.Load() == 1 })
	if _, loading := c.Required(); !loading {
		t.Fatal("unauthenticated required context keeps loading")
	}

	_ = c.Refresh(context.Background())
	f.signIn("ada")
	_ = c.Refresh(context.Background())
	f.signOutServer()
	_ = c.Refresh(context.Background())
	if got := fired.Load(); got != 1 {
		t.Fatalf("expected exactly one callback, got %d", got)
	}
}

func TestRequiredDefaultNavigatesToSignIn(t *testing.T) {
	f := newFakeAuth(t)
	nav := &recordingNavigator{}

	cfg := DefaultConfig()
	cfg.Endpoint.BaseURL = f.URL()
	cfg.Required.Enabled = true
	cfg.Required.CallbackURL = "https://app.example.com/dashboard"
	c := build(t, New().WithConfig(cfg).WithNavigator(nav))
	waitFor(t, "redirect", func() bool { return len(nav.Targets()) == 1 })

	u, err := url.Parse(nav.Targets()[0])
	if err != nil {
		t.Fatalf("parse target: %v", err)
	}
	if u.Path != "/api/auth/signin" {
		t.Fatalf("unexpected path %q", u.Path)
	}
	if u.Query().Get("error") != "SessionRequired" || u.Query().Get("callbackUrl") != "https://app.example.com/dashboard" {
		t.Fatalf("unexpected query %q", u.RawQuery)
	}
	if c.Status() != StatusUnauthenticated {
		t.Fatalf("expected unauthenticated, got %v", c.Status())
	}
}

func TestRequiredFiresForUnauthenticatedSeed(t *testing.T) {
	f := newFakeAuth(t)
	var fired atomic.Int32
	build(t, testBuilder(f).WithSeed(nil).WithOnUnauthenticated(func() { fired.Add(1) }))

	if got := fired.Load(); got != 1 {
		t.Fatalf("expected callback during Build, got %d", got)
	}
}

func TestSignInCredentialsPropagates(t *testing.T) {
	f := newFakeAuth(t)
	hub := channel.NewHub(nil, 16)
	a := build(t, testBuilder(f).WithChannel(HubChannel(hub)))
	b := build(t, testBuilder(f).WithChannel(HubChannel(hub)))
	waitFor(t, "a resolved", resolved(a))
	waitFor(t, "b resolved", resolved(b))

	res, err := a.SignIn(context.Background(), "credentials", SignInOptions{
		CallbackURL: "https://app.example.com/home",
		Fields:      map[string]string{"username": "ada", "password": "secret"},
	})
	if err != nil {
		t.Fatalf("SignIn: %v", err)
	}
	if !res.OK || res.Error != "" || res.URL != "https://app.example.com/home" {
		t.Fatalf("unexpected result %+v", res)
	}
	if !a.Session().Authenticated() {
		t.Fatal("signing-in context must be authenticated when SignIn returns")
	}
	waitFor(t, "propagation", func() bool { return b.Session().Authenticated() })
	if got := a.MetricsSnapshot().Counters[MetricSignInSuccess]; got != 1 {
		t.Fatalf("expected 1 sign-in success, got %d", got)
	}
}

func TestSignInRejectedReportsErrorCode(t *testing.T) {
	f := newFakeAuth(t)
	nav := &recordingNavigator{}
	c := build(t, testBuilder(f).WithSeed(nil).WithNavigator(nav))

	res, err := c.SignIn(context.Background(), "credentials", SignInOptions{
		Fields: map[string]string{"username": "ada", "password": "wrong"},
	})
	if err != nil {
		t.Fatalf("SignIn: %v", err)
	}
	if res.OK || res.Error != "CredentialsSignin" || res.URL != "" || res.Status != http.StatusUnauthorized {
		t.Fatalf("unexpected result %+v", res)
	}
	if c.Status() != StatusUnauthenticated {
		t.Fatalf("rejected sign-in changed status to %v", c.Status())
	}
	if len(nav.Targets()) != 0 {
		t.Fatalf("credentials sign-in without Redirect navigated to %v", nav.Targets())
	}
	if got := c.MetricsSnapshot().Counters[MetricSignInFailure]; got != 1 {
		t.Fatalf("expected 1 sign-in failure, got %d", got)
	}
}

func TestSignInOAuthAlwaysNavigates(t *testing.T) {
	f := newFakeAuth(t)
	nav := &recordingNavigator{}
	c := build(t, testBuilder(f).WithSeed(nil).WithNavigator(nav))

	if _, err := c.SignIn(context.Background(), "github", SignInOptions{}); err != nil {
		t.Fatalf("SignIn: %v", err)
	}
	targets := nav.Targets()
	if len(targets) != 1 || !strings.HasPrefix(targets[0], "https://github.com/login/oauth/authorize") {
		t.Fatalf("unexpected navigation %v", targets)
	}
}

func TestSignInUnknownProviderReturnsSignInPage(t *testing.T) {
	f := newFakeAuth(t)
	nav := &recordingNavigator{}
	c := build(t, testBuilder(f).WithSeed(nil).WithNavigator(nav))

	res, err := c.SignIn(context.Background(), "", SignInOptions{Redirect: true})
	if err != nil {
		t.Fatalf("SignIn: %v", err)
	}
	if !strings.HasPrefix(res.URL, f.URL()+"/api/auth/signin?callbackUrl=") {
		t.Fatalf("unexpected URL %q", res.URL)
	}
	if targets := nav.Targets(); len(targets) != 1 || targets[0] != res.URL {
		t.Fatalf("expected navigation to %q, got %v", res.URL, targets)
	}
}

func TestSignOutRedirects(t *testing.T) {
	f := newFakeAuth(t)
	f.signIn("ada")
	nav := &recordingNavigator{}
	c := build(t, testBuilder(f).WithNavigator(nav))
	waitFor(t, "initial fetch", resolved(c))

	res, err := c.SignOut(context.Background(), SignOutOptions{CallbackURL: "https://app.example.com/bye", Redirect: true})
	if err != nil {
		t.Fatalf("SignOut: %v", err)
	}
	if res.URL != "https://app.example.com/bye" {
		t.Fatalf("unexpected URL %q", res.URL)
	}
	if targets := nav.Targets(); len(targets) != 1 || targets[0] != res.URL {
		t.Fatalf("expected navigation to %q, got %v", res.URL, targets)
	}
	if c.Status() != StatusUnauthenticated {
		t.Fatalf("expected unauthenticated, got %v", c.Status())
	}
}

func TestCloseStopsEverything(t *testing.T) {
	f := newFakeAuth(t)
	hub := channel.NewHub(nil, 16)
	c := build(t, testBuilder(f).WithSeed(nil).WithChannel(HubChannel(hub)))

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := c.Refresh(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if _, err := c.SignOut(context.Background(), SignOutOptions{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if c.Focus() {
		t.Fatal("closed client must not start fetches")
	}
	if got := hub.Members(); got != 0 {
		t.Fatalf("closed client still joined: %d members", got)
	}
}

func TestCloseCancelsFetchInFlight(t *testing.T) {
	f := newFakeAuth(t)
	release := f.hold()
	defer release()

	c := build(t, testBuilder(f))
	waitFor(t, "fetch in flight", func() bool { return f.active.Load() == 1 })

	done := make(chan struct{})
	go func() {
		_ = c.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not cancel the fetch in flight")
	}
	if c.Status() != StatusPending {
		t.Fatalf("cancelled fetch must not resolve the store, got %v", c.Status())
	}
}
