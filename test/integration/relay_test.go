package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/minoru/kensaku/internal/store/memory"
	"github.com/minoru/kensaku/internal/testutil"
	"github.com/minoru/kensaku/pkg/config"
	"github.com/minoru/kensaku/pkg/event"
	"github.com/minoru/kensaku/pkg/relay"
	"github.com/minoru/kensaku/pkg/storage"

	"go.uber.org/zap"
)

const timeout = 3 * time.Second

// setupRelay starts a relay on a free port and returns its WebSocket and
// HTTP URLs.
func setupRelay(t *testing.T) (string, string) {
	return setupRelayWithStore(t, memory.New())
}

func setupRelayWithStore(t *testing.T, store storage.Store) (string, string) {
	t.Helper()

	cfg := config.Default()
	r := relay.New(store, cfg, zap.NewNop())

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to get available port: %v", err)
	}
	addr := listener.Addr().String()
	listener.Close()

	srv := &http.Server{Addr: addr, Handler: r}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			t.Logf("relay server error: %v", err)
		}
	}()

	// wait for the server to come up
	time.Sleep(100 * time.Millisecond)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
		r.Close()
	})

	return fmt.Sprintf("ws://%s/", addr), fmt.Sprintf("http://%s/", addr)
}

func dial(t *testing.T, url string) *testutil.WSClient {
	t.Helper()
	c, err := testutil.Dial(url)
	if err != nil {
		t.Fatalf("failed to dial relay: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func publish(t *testing.T, c *testutil.WSClient, evt *event.Event) {
	t.Helper()
	if err := c.SendEvent(evt); err != nil {
		t.Fatalf("failed to send event: %v", err)
	}
	accepted, msg, err := c.ExpectOK(evt.ID, timeout)
	if err != nil {
		t.Fatalf("no OK for %s: %v", evt.ID, err)
	}
	if !accepted {
		t.Fatalf("event %s rejected: %s", evt.ID, msg)
	}
}

func TestPublishAndQuery(t *testing.T) {
	wsURL, _ := setupRelay(t)
	c := dial(t, wsURL)

	signer, err := testutil.NewSigner()
	if err != nil {
		t.Fatal(err)
	}
	other, err := testutil.NewSigner()
	if err != nil {
		t.Fatal(err)
	}

	now := time.Now().Unix()
	first, _ := signer.Event(1, now-20, "first note")
	second, _ := signer.Event(1, now-10, "second note")
	foreign, _ := other.Event(1, now-15, "someone else")

	publish(t, c, first)
	publish(t, c, second)
	publish(t, c, foreign)

	if err := c.SendReq("sub1", &event.Filter{Authors: []string{signer.PubKey}}); err != nil {
		t.Fatal(err)
	}
	events, err := c.CollectEvents("sub1", timeout)
	if err != nil {
		t.Fatalf("CollectEvents() = %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	// newest first
	if events[0].ID != second.ID || events[1].ID != first.ID {
		t.Errorf("order = %s, %s", events[0].ID, events[1].ID)
	}
}

func TestLiveFanoutAfterEOSE(t *testing.T) {
	wsURL, _ := setupRelay(t)
	subscriber := dial(t, wsURL)
	publisher := dial(t, wsURL)

	if err := subscriber.SendReq("live", &event.Filter{Kinds: []int{1}}); err != nil {
		t.Fatal(err)
	}
	if err := subscriber.ExpectEOSE("live", timeout); err != nil {
		t.Fatalf("no EOSE: %v", err)
	}

	evt, _, err := testutil.SignedEvent("breaking news")
	if err != nil {
		t.Fatal(err)
	}
	publish(t, publisher, evt)

	got, err := subscriber.ExpectEvent("live", timeout)
	if err != nil {
		t.Fatalf("no live event: %v", err)
	}
	if got.ID != evt.ID {
		t.Errorf("delivered %s, want %s", got.ID, evt.ID)
	}
	if got.Content != "breaking news" {
		t.Errorf("content = %q", got.Content)
	}
}

func TestSubscriptionCloseStopsDelivery(t *testing.T) {
	wsURL, _ := setupRelay(t)
	subscriber := dial(t, wsURL)
	publisher := dial(t, wsURL)

	if err := subscriber.SendReq("tmp", &event.Filter{Kinds: []int{1}}); err != nil {
		t.Fatal(err)
	}
	if err := subscriber.ExpectEOSE("tmp", timeout); err != nil {
		t.Fatal(err)
	}
	if err := subscriber.SendClose("tmp"); err != nil {
		t.Fatal(err)
	}
	// give the close a moment to register
	time.Sleep(100 * time.Millisecond)

	evt, _, err := testutil.SignedEvent("after close")
	if err != nil {
		t.Fatal(err)
	}
	publish(t, publisher, evt)

	if got, err := subscriber.ExpectEvent("tmp", 500*time.Millisecond); err == nil {
		t.Errorf("received %s on a closed subscription", got.ID)
	}
}

func TestReplaceableEventSupersedes(t *testing.T) {
	wsURL, _ := setupRelay(t)
	c := dial(t, wsURL)

	signer, err := testutil.NewSigner()
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now().Unix()
	older, _ := signer.Event(0, now-100, `{"name":"old"}`)
	newer, _ := signer.Event(0, now-50, `{"name":"new"}`)

	// out-of-order arrival: newer first
	publish(t, c, newer)
	publish(t, c, older)

	if err := c.SendReq("meta", &event.Filter{Authors: []string{signer.PubKey}, Kinds: []int{0}}); err != nil {
		t.Fatal(err)
	}
	events, err := c.CollectEvents("meta", timeout)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].ID != newer.ID {
		t.Errorf("live versions = %v, want only the newer event", eventIDs(events))
	}
}

func TestDeletion(t *testing.T) {
	wsURL, _ := setupRelay(t)
	c := dial(t, wsURL)

	signer, err := testutil.NewSigner()
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now().Unix()
	target, _ := signer.Event(1, now-100, "regrettable")
	publish(t, c, target)

	deletion, _ := signer.Event(5, now-50, "", []string{"e", target.ID})
	publish(t, c, deletion)

	if err := c.SendReq("after", &event.Filter{IDs: []string{target.ID}}); err != nil {
		t.Fatal(err)
	}
	events, err := c.CollectEvents("after", timeout)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 0 {
		t.Errorf("deleted event still queryable: %v", eventIDs(events))
	}

	// resubmission is acknowledged but the event stays gone
	if err := c.SendEvent(target); err != nil {
		t.Fatal(err)
	}
	if _, _, err := c.ExpectOK(target.ID, timeout); err != nil {
		t.Fatalf("no OK on resubmission: %v", err)
	}
	if err := c.SendReq("resub", &event.Filter{IDs: []string{target.ID}}); err != nil {
		t.Fatal(err)
	}
	events, err = c.CollectEvents("resub", timeout)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 0 {
		t.Error("deleted event resurrected by resubmission")
	}
}

func TestInvalidEventsRejected(t *testing.T) {
	wsURL, _ := setupRelay(t)
	c := dial(t, wsURL)

	evt, _, err := testutil.SignedEvent("legit")
	if err != nil {
		t.Fatal(err)
	}
	evt.Content = "tampered"

	if err := c.SendEvent(evt); err != nil {
		t.Fatal(err)
	}
	accepted, msg, err := c.ExpectOK(evt.ID, timeout)
	if err != nil {
		t.Fatal(err)
	}
	if accepted {
		t.Error("tampered event was accepted")
	}
	if !strings.HasPrefix(msg, "invalid:") {
		t.Errorf("rejection message = %q, want invalid: prefix", msg)
	}
}

func TestDuplicatePublishAcknowledged(t *testing.T) {
	wsURL, _ := setupRelay(t)
	c := dial(t, wsURL)

	evt, _, err := testutil.SignedEvent("once")
	if err != nil {
		t.Fatal(err)
	}
	publish(t, c, evt)

	if err := c.SendEvent(evt); err != nil {
		t.Fatal(err)
	}
	accepted, msg, err := c.ExpectOK(evt.ID, timeout)
	if err != nil {
		t.Fatal(err)
	}
	if !accepted {
		t.Errorf("duplicate rejected: %s", msg)
	}
	if !strings.HasPrefix(msg, "duplicate:") {
		t.Errorf("message = %q, want duplicate: prefix", msg)
	}
}

func TestSearchFilter(t *testing.T) {
	wsURL, _ := setupRelay(t)
	c := dial(t, wsURL)

	signer, err := testutil.NewSigner()
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now().Unix()
	match, _ := signer.Event(1, now-20, "nostr protocol discussion")
	miss, _ := signer.Event(1, now-10, "unrelated chatter")
	publish(t, c, match)
	publish(t, c, miss)

	if err := c.SendReq("search", &event.Filter{Search: "protocol"}); err != nil {
		t.Fatal(err)
	}
	events, err := c.CollectEvents("search", timeout)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].ID != match.ID {
		t.Errorf("search results = %v, want only the matching note", eventIDs(events))
	}
}

func TestCount(t *testing.T) {
	wsURL, _ := setupRelay(t)
	c := dial(t, wsURL)

	signer, err := testutil.NewSigner()
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now().Unix()
	for i := 0; i < 3; i++ {
		evt, _ := signer.Event(1, now-int64(i+1), fmt.Sprintf("note %d", i))
		publish(t, c, evt)
	}

	if err := c.SendCount("cnt", &event.Filter{Authors: []string{signer.PubKey}}); err != nil {
		t.Fatal(err)
	}
	count, err := c.ExpectCount("cnt", timeout)
	if err != nil {
		t.Fatalf("no COUNT reply: %v", err)
	}
	if count != 3 {
		t.Errorf("count = %d, want 3", count)
	}
}

func TestTagFilter(t *testing.T) {
	wsURL, _ := setupRelay(t)
	c := dial(t, wsURL)

	signer, err := testutil.NewSigner()
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now().Unix()
	tagged, _ := signer.Event(1, now-20, "reply", []string{"e", "parent-id"})
	plain, _ := signer.Event(1, now-10, "top level")
	publish(t, c, tagged)
	publish(t, c, plain)

	if err := c.SendReq("replies", &event.Filter{Tags: map[string][]string{"e": {"parent-id"}}}); err != nil {
		t.Fatal(err)
	}
	events, err := c.CollectEvents("replies", timeout)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].ID != tagged.ID {
		t.Errorf("tag results = %v", eventIDs(events))
	}
}

func TestMalformedMessagesDoNotKillConnection(t *testing.T) {
	wsURL, _ := setupRelay(t)
	c := dial(t, wsURL)

	if err := c.SendRaw(`not json at all`); err != nil {
		t.Fatal(err)
	}
	if _, err := c.ExpectNotice(timeout); err != nil {
		t.Fatalf("no NOTICE for malformed message: %v", err)
	}

	// the session still works afterwards
	evt, _, err := testutil.SignedEvent("still alive")
	if err != nil {
		t.Fatal(err)
	}
	publish(t, c, evt)
}

func TestInfoDocument(t *testing.T) {
	_, httpURL := setupRelay(t)

	req, err := http.NewRequest(http.MethodGet, httpURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Accept", "application/nostr+json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var info relay.InfoDocument
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		t.Fatalf("failed to decode info document: %v", err)
	}
	if info.Version != relay.Version {
		t.Errorf("version = %q", info.Version)
	}
	if !containsInt(info.SupportedNIPs, 50) {
		t.Errorf("supported nips = %v, search support missing", info.SupportedNIPs)
	}
}

func eventIDs(events []*event.Event) []string {
	out := make([]string, 0, len(events))
	for _, e := range events {
		out = append(out, e.ID)
	}
	return out
}

func containsInt(haystack []int, needle int) bool {
	for _, n := range haystack {
		if n == needle {
			return true
		}
	}
	return false
}
