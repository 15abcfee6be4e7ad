package wschannel

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrEthical07/goAuthSync/channel"
)

type inbox struct {
	mu   sync.Mutex
	msgs []channel.Message
}

func (b *inbox) add(m channel.Message) {
	b.mu.Lock()
	b.msgs = append(b.msgs, m)
	b.mu.Unlock()
}

func (b *inbox) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.msgs)
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func startRelay(t *testing.T, opts RelayOptions) (*Relay, string) {
	t.Helper()
	relay := NewRelay(opts)
	srv := httptest.NewServer(relay)
	t.Cleanup(srv.Close)
	return relay, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url, origin, ns string) *Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := Dial(ctx, url, origin, DialOptions{Namespace: ns})
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestRelayForwardsWithinNamespace(t *testing.T) {
	relay, url := startRelay(t, RelayOptions{})

	a := dial(t, url, "ctx-a", "site")
	b := dial(t, url, "ctx-b", "site")
	other := dial(t, url, "ctx-c", "elsewhere")

	eventually(t, func() bool { return relay.Peers("site") == 2 })

	var inA, inB, inOther inbox
	a.Subscribe(inA.add)
	b.Subscribe(inB.add)
	other.Subscribe(inOther.add)

	msg := channel.Message{Event: channel.EventSession, Stamp: channel.Stamp{Wall: 9, Origin: "ctx-a"}}
	if err := a.Publish(context.Background(), msg); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	eventually(t, func() bool { return inB.count() == 1 })
	time.Sleep(50 * time.Millisecond)
	if inA.count() != 0 {
		t.Fatal("sender received its own frame")
	}
	if inOther.count() != 0 {
		t.Fatal("frame crossed namespaces")
	}
	if relay.Relayed() != 1 {
		t.Fatalf("expected one relayed frame, got %d", relay.Relayed())
	}
}

func TestRelayRejectsDisallowedOrigin(t *testing.T) {
	_, url := startRelay(t, RelayOptions{AllowedOrigins: []string{"https://app.example.com"}})

	header := http.Header{}
	header.Set("Origin", "https://evil.example.net")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := Dial(ctx, url, "ctx-a", DialOptions{Header: header}); err == nil {
		t.Fatal("expected dial from disallowed origin to fail")
	}
}

func TestRelayDropsMalformedFrames(t *testing.T) {
	relay, url := startRelay(t, RelayOptions{})

	a := dial(t, url, "ctx-a", "")
	b := dial(t, url, "ctx-b", "")
	eventually(t, func() bool { return relay.Peers("default") == 2 })

	var inB inbox
	b.Subscribe(inB.add)

	if err := a.Publish(context.Background(), channel.Message{}); !errors.Is(err, channel.ErrInvalidMessage) {
		t.Fatalf("expected ErrInvalidMessage, got %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if inB.count() != 0 {
		t.Fatal("invalid message was delivered")
	}
}

func TestConnCloseStopsDelivery(t *testing.T) {
	relay, url := startRelay(t, RelayOptions{})

	a := dial(t, url, "ctx-a", "site")
	b := dial(t, url, "ctx-b", "site")
	eventually(t, func() bool { return relay.Peers("site") == 2 })

	_ = b.Close()
	select {
	case <-b.Done():
	case <-time.After(time.Second):
		t.Fatal("read loop did not exit")
	}
	eventually(t, func() bool { return relay.Peers("site") == 1 })

	msg := channel.Message{Event: channel.EventSession, Stamp: channel.Stamp{Wall: 1, Origin: "ctx-b"}}
	if err := b.Publish(context.Background(), msg); !errors.Is(err, channel.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := a.Publish(context.Background(), channel.Message{Event: channel.EventSession, Stamp: channel.Stamp{Wall: 2, Origin: "ctx-a"}}); err != nil {
		t.Fatalf("Publish with no peers failed: %v", err)
	}
}
