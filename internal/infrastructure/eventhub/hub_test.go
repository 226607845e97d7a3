package eventhub

import (
	"sync"
	"testing"
	"time"

	"github.com/khanhnv2901/seca-scan/internal/domain/event"
)

func TestHub_SubscribeFiltersBySession(t *testing.T) {
	h := New()
	all, unsubscribeAll := h.Subscribe("")
	defer unsubscribeAll()
	one, unsubscribeOne := h.Subscribe("ascan-1")
	defer unsubscribeOne()

	h.Publish(event.Event{Kind: event.SessionStarted, SessionID: "ascan-1"})
	h.Publish(event.Event{Kind: event.SessionStarted, SessionID: "ascan-2"})

	for _, want := range []string{"ascan-1", "ascan-2"} {
		select {
		case e := <-all:
			if e.SessionID != want {
				t.Errorf("expected %s, got %s", want, e.SessionID)
			}
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for event")
		}
	}

	select {
	case e := <-one:
		if e.SessionID != "ascan-1" {
			t.Errorf("expected ascan-1, got %s", e.SessionID)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for filtered event")
	}
	select {
	case e := <-one:
		t.Fatalf("unexpected event for another session: %+v", e)
	default:
	}
}

func TestHub_UnsubscribeClosesChannel(t *testing.T) {
	h := New()
	ch, unsubscribe := h.Subscribe("")
	if h.Subscribers() != 1 {
		t.Fatalf("expected 1 subscriber, got %d", h.Subscribers())
	}
	unsubscribe()
	unsubscribe()

	if _, ok := <-ch; ok {
		t.Fatal("expected channel to be closed")
	}
	if h.Subscribers() != 0 {
		t.Fatalf("expected 0 subscribers, got %d", h.Subscribers())
	}
}

func TestHub_SlowSubscriberDoesNotBlock(t *testing.T) {
	h := New()
	_, unsubscribe := h.Subscribe("")
	defer unsubscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer+10; i++ {
			h.Publish(event.Event{Kind: event.CheckStarted, SessionID: "ascan-1"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	if h.Dropped() != 10 {
		t.Errorf("expected 10 dropped events, got %d", h.Dropped())
	}
}

func TestHub_RecentIsBounded(t *testing.T) {
	h := New(WithMaxRecent(3))
	for i, id := range []string{"a", "b", "a", "b", "a"} {
		h.Publish(event.Event{Kind: event.CheckStarted, SessionID: id, ChecksTotal: i})
	}

	all := h.Recent("", 0)
	if len(all) != 3 {
		t.Fatalf("expected 3 buffered events, got %d", len(all))
	}
	if all[0].ChecksTotal != 2 || all[2].ChecksTotal != 4 {
		t.Errorf("expected oldest events to be evicted, got %+v", all)
	}

	onlyA := h.Recent("a", 1)
	if len(onlyA) != 1 || onlyA[0].ChecksTotal != 4 {
		t.Errorf("expected latest event of session a, got %+v", onlyA)
	}
}

func TestHub_ConcurrentPublishAndClose(t *testing.T) {
	h := New()
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ch, unsubscribe := h.Subscribe("")
			defer unsubscribe()
			for j := 0; j < 50; j++ {
				h.Publish(event.Event{Kind: event.CheckStarted})
				select {
				case <-ch:
				default:
				}
			}
		}()
	}
	wg.Wait()
	h.Close()

	ch, _ := h.Subscribe("")
	if _, ok := <-ch; ok {
		t.Fatal("expected subscription on a closed hub to be closed")
	}
	h.Publish(event.Event{Kind: event.CheckStarted})
}
