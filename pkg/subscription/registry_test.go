package subscription_test

import (
	"errors"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/minoru/kensaku/pkg/event"
	"github.com/minoru/kensaku/pkg/query"
	"github.com/minoru/kensaku/pkg/subscription"
)

// recordingSink captures deliveries and can simulate a full outbound queue.
type recordingSink struct {
	mu         sync.Mutex
	sent       []delivery
	failed     bool
	failReason string
	full       bool
}

type delivery struct {
	subID string
	evt   *event.Event
}

func (s *recordingSink) Send(subID string, evt *event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.full {
		return errors.New("queue full")
	}
	s.sent = append(s.sent, delivery{subID: subID, evt: evt})
	return nil
}

func (s *recordingSink) Fail(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed = true
	s.failReason = reason
}

func (s *recordingSink) deliveries() []delivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]delivery(nil), s.sent...)
}

func (s *recordingSink) hasFailed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failed
}

func newRegistry() *subscription.Registry {
	return subscription.NewRegistry(zap.NewNop(), 16)
}

func note(id string, kind int) *event.Event {
	return &event.Event{ID: id, Kind: kind, CreatedAt: 100}
}

// deliver pushes an event through the dispatch path synchronously.
func deliver(r *subscription.Registry, evt *event.Event) {
	r.Dispatch(evt)
}

func TestRegistry_LiveDelivery(t *testing.T) {
	r := newRegistry()
	defer r.Close()
	sink := &recordingSink{}

	r.Register("conn1", sink, "sub1", []*query.Query{{Kinds: []int{1}}})
	r.Activate("conn1", "sub1", nil)

	deliver(r, note("a", 1))
	deliver(r, note("b", 2)) // does not match

	got := sink.deliveries()
	if len(got) != 1 || got[0].subID != "sub1" || got[0].evt.ID != "a" {
		t.Errorf("deliveries = %v", got)
	}
}

func TestRegistry_BufferingUntilActivate(t *testing.T) {
	r := newRegistry()
	defer r.Close()
	sink := &recordingSink{}

	r.Register("conn1", sink, "sub1", []*query.Query{{}})

	// matches arriving before activation are buffered, not sent
	deliver(r, note("early", 1))
	if got := sink.deliveries(); len(got) != 0 {
		t.Fatalf("deliveries before activate = %v", got)
	}

	r.Activate("conn1", "sub1", nil)
	got := sink.deliveries()
	if len(got) != 1 || got[0].evt.ID != "early" {
		t.Errorf("flushed deliveries = %v", got)
	}
}

func TestRegistry_ActivateSuppressesHistoricalDuplicates(t *testing.T) {
	r := newRegistry()
	defer r.Close()
	sink := &recordingSink{}

	r.Register("conn1", sink, "sub1", []*query.Query{{}})

	// both events arrive while the historical stream is running, one of
	// them was already part of it
	deliver(r, note("dup", 1))
	deliver(r, note("fresh", 1))

	r.Activate("conn1", "sub1", []string{"dup"})
	got := sink.deliveries()
	if len(got) != 1 || got[0].evt.ID != "fresh" {
		t.Errorf("flushed deliveries = %v", got)
	}

	// the same id is not re-sent live either
	deliver(r, note("fresh", 1))
	if got := sink.deliveries(); len(got) != 1 {
		t.Errorf("duplicate live delivery: %v", got)
	}
}

func TestRegistry_SubIDReuseReplacesSubscription(t *testing.T) {
	r := newRegistry()
	defer r.Close()
	sink := &recordingSink{}

	r.Register("conn1", sink, "sub1", []*query.Query{{Kinds: []int{1}}})
	r.Activate("conn1", "sub1", nil)
	r.Register("conn1", sink, "sub1", []*query.Query{{Kinds: []int{2}}})
	r.Activate("conn1", "sub1", nil)

	if n := r.Subscriptions(); n != 1 {
		t.Fatalf("Subscriptions() = %d, want 1", n)
	}

	deliver(r, note("a", 1))
	deliver(r, note("b", 2))
	got := sink.deliveries()
	if len(got) != 1 || got[0].evt.ID != "b" {
		t.Errorf("deliveries = %v, want only the new filter's match", got)
	}
}

func TestRegistry_SlowConsumerIsolation(t *testing.T) {
	r := newRegistry()
	defer r.Close()

	healthy := &recordingSink{}
	slow := &recordingSink{full: true}

	r.Register("healthy", healthy, "sub", []*query.Query{{}})
	r.Activate("healthy", "sub", nil)
	r.Register("slow", slow, "sub", []*query.Query{{}})
	r.Activate("slow", "sub", nil)

	deliver(r, note("a", 1))

	if !slow.hasFailed() {
		t.Error("slow consumer was not failed")
	}
	if healthy.hasFailed() {
		t.Error("healthy consumer was dropped")
	}
	if got := healthy.deliveries(); len(got) != 1 {
		t.Errorf("healthy deliveries = %v", got)
	}

	// the failed connection is gone
	if n := r.Subscriptions(); n != 1 {
		t.Errorf("Subscriptions() = %d, want 1", n)
	}
}

func TestRegistry_UnregisterAndDrop(t *testing.T) {
	r := newRegistry()
	defer r.Close()
	sink := &recordingSink{}

	r.Register("conn1", sink, "sub1", []*query.Query{{}})
	r.Register("conn1", sink, "sub2", []*query.Query{{}})
	r.Activate("conn1", "sub1", nil)
	r.Activate("conn1", "sub2", nil)

	r.Unregister("conn1", "sub1")
	if n := r.Subscriptions(); n != 1 {
		t.Fatalf("Subscriptions() = %d, want 1", n)
	}

	deliver(r, note("a", 1))
	got := sink.deliveries()
	if len(got) != 1 || got[0].subID != "sub2" {
		t.Errorf("deliveries = %v", got)
	}

	r.DropConnection("conn1")
	if n := r.Subscriptions(); n != 0 {
		t.Errorf("Subscriptions() = %d, want 0", n)
	}
}

func TestRegistry_ExpiredEventsAreNotFannedOut(t *testing.T) {
	r := newRegistry()
	defer r.Close()
	sink := &recordingSink{}

	r.Register("conn1", sink, "sub1", []*query.Query{{}})
	r.Activate("conn1", "sub1", nil)

	expired := &event.Event{ID: "old", Kind: 1, Tags: [][]string{{"expiration", "1000"}}}
	deliver(r, expired)

	if got := sink.deliveries(); len(got) != 0 {
		t.Errorf("deliveries = %v, want none", got)
	}
}
