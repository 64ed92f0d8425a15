package dashboard

import (
	"fmt"
	"testing"
	"time"
)

func TestHub_SnapshotOrder(t *testing.T) {
	h := NewHub()
	for i := 0; i < 5; i++ {
		h.Publish(Event{Type: "log", Message: fmt.Sprintf("m%d", i)})
	}
	snap := h.Snapshot()
	if len(snap) != 5 {
		t.Fatalf("got %d events, want 5", len(snap))
	}
	if snap[0].Message != "m0" || snap[4].Message != "m4" {
		t.Fatalf("events out of order: %+v", snap)
	}
}

func TestHub_RingOverflow(t *testing.T) {
	h := NewHub()
	for i := 0; i < ringSize+10; i++ {
		h.Publish(Event{Type: "log", Message: fmt.Sprintf("m%d", i)})
	}
	snap := h.Snapshot()
	if len(snap) != ringSize {
		t.Fatalf("got %d events, want %d", len(snap), ringSize)
	}
	if snap[0].Message != "m10" {
		t.Fatalf("oldest retained event = %q, want m10", snap[0].Message)
	}
	if snap[len(snap)-1].Message != fmt.Sprintf("m%d", ringSize+9) {
		t.Fatalf("newest event = %q", snap[len(snap)-1].Message)
	}
}

func TestHub_Subscribe(t *testing.T) {
	h := NewHub()
	events, cancel := h.Subscribe()
	defer cancel()

	h.Publish(Event{Type: "reload", Message: "bundle updated"})

	select {
	case ev := <-events:
		if ev.Type != "reload" {
			t.Fatalf("unexpected event: %+v", ev)
		}
		if ev.Time.IsZero() {
			t.Fatal("publish did not stamp time")
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestHub_UnsubscribeStopsDelivery(t *testing.T) {
	h := NewHub()
	events, cancel := h.Subscribe()
	cancel()

	h.Publish(Event{Type: "log", Message: "after cancel"})

	select {
	case ev := <-events:
		t.Fatalf("event delivered after unsubscribe: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}
