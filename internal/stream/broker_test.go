package stream

import (
	"fmt"
	"testing"

	"github.com/convoke-ai/convoke/internal/domain"
)

func TestBrokerFanout(t *testing.T) {
	b := NewBroker(nil)
	sub1 := b.Subscribe("ses_1", 4)
	sub2 := b.Subscribe("ses_1", 4)
	other := b.Subscribe("ses_2", 4)
	defer sub1.Close()
	defer sub2.Close()
	defer other.Close()

	b.Publish(domain.Event{ID: "evt_1", SessionID: "ses_1", Type: domain.EventTypeMessage})

	for _, sub := range []*Subscription{sub1, sub2} {
		select {
		case ev := <-sub.C:
			if ev.ID != "evt_1" {
				t.Fatalf("unexpected event: %s", ev.ID)
			}
		default:
			t.Fatalf("subscriber did not receive event")
		}
	}
	select {
	case ev := <-other.C:
		t.Fatalf("unexpected cross-session delivery: %s", ev.ID)
	default:
	}
}

func TestBrokerCloseIdempotent(t *testing.T) {
	b := NewBroker(nil)
	sub := b.Subscribe("ses_1", 4)
	sub.Close()
	sub.Close()

	if n := b.SubscriberCount("ses_1"); n != 0 {
		t.Fatalf("expected 0 subscribers, got %d", n)
	}
	// Channel is closed after unsubscribe so range loops terminate.
	if _, ok := <-sub.C; ok {
		t.Fatalf("expected closed channel")
	}

	// Publishing to a session with no subscribers is a no-op.
	b.Publish(domain.Event{ID: "evt_1", SessionID: "ses_1"})
}

func TestBrokerDropsSlowSubscriber(t *testing.T) {
	b := NewBroker(nil)
	slow := b.Subscribe("ses_1", 1)
	fast := b.Subscribe("ses_1", 8)
	defer fast.Close()

	for i := range 3 {
		b.Publish(domain.Event{ID: fmt.Sprintf("evt_%d", i), SessionID: "ses_1"})
	}

	// The slow subscriber's buffer filled at one event; it was disconnected
	// instead of blocking the publisher.
	if n := b.SubscriberCount("ses_1"); n != 1 {
		t.Fatalf("expected 1 remaining subscriber, got %d", n)
	}

	got := 0
	for range fast.C {
		got++
		if got == 3 {
			break
		}
	}
	if got != 3 {
		t.Fatalf("fast subscriber received %d events", got)
	}

	slow.Close()
}
