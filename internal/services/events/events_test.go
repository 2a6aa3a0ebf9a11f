package events

import (
	"testing"
	"time"
)

func TestBusDeliversToAllSubscribers(t *testing.T) {
	b := NewBus()
	a, cancelA := b.Subscribe(4)
	c, cancelC := b.Subscribe(4)
	defer cancelA()
	defer cancelC()

	b.Publish(Event{Type: TypeState, SourceID: "cam1"})

	for _, ch := range []<-chan Event{a, c} {
		select {
		case e := <-ch:
			if e.SourceID != "cam1" || e.ID == "" || e.Timestamp.IsZero() {
				t.Fatalf("event = %+v", e)
			}
		case <-time.After(time.Second):
			t.Fatalf("event not delivered")
		}
	}
}

func TestBusDropsForSlowSubscriber(t *testing.T) {
	b := NewBus()
	ch, cancel := b.Subscribe(1)
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish(Event{Type: TypeCycle, SourceID: "cam1"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Publish blocked on a full subscriber")
	}
	if len(ch) != 1 {
		t.Fatalf("buffered = %d; want 1", len(ch))
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := NewBus()
	ch, cancel := b.Subscribe(1)
	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Fatalf("channel still open after unsubscribe")
	}
	if b.Subscribers() != 0 {
		t.Fatalf("subscribers = %d", b.Subscribers())
	}

	b.Close()
	late, _ := b.Subscribe(1)
	if _, ok := <-late; ok {
		t.Fatalf("subscription on a closed bus is open")
	}
	b.Publish(Event{Type: TypeState})
}

func TestFanoutAndMemory(t *testing.T) {
	m1, m2 := NewMemoryPublisher(), NewMemoryPublisher()
	f := Fanout{m1, nil, m2}
	f.Publish(Event{Type: TypeError, SourceID: "a"})
	f.Publish(Event{Type: TypeState, SourceID: "a"})
	if len(m1.Events()) != 2 || len(m2.OfType(TypeError)) != 1 {
		t.Fatalf("m1=%v m2=%v", m1.Events(), m2.Events())
	}
}
