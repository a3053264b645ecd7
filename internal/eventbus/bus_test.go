package eventbus

import (
	"testing"
	"time"
)

func TestPublishFanout(t *testing.T) {
	b := New()
	c1, u1 := b.Subscribe(2)
	c2, u2 := b.Subscribe(2)
	defer u1()
	defer u2()

	b.Publish(Event{Type: TypeDispatch, Data: Dispatch{Action: "sent"}})
	for _, c := range []<-chan Event{c1, c2} {
		select {
		case e := <-c:
			if e.Type != TypeDispatch || e.Time.IsZero() {
				t.Fatalf("event = %+v", e)
			}
		case <-time.After(time.Second):
			t.Fatalf("event not delivered")
		}
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	b := New()
	c, unsub := b.Subscribe(1)
	defer unsub()
	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"}) // must not block
	if e := <-c; e.Type != "a" {
		t.Fatalf("got %s, want a", e.Type)
	}
}

func TestUnsubscribeCloses(t *testing.T) {
	b := New()
	c, unsub := b.Subscribe(1)
	unsub()
	unsub()
	if _, ok := <-c; ok {
		t.Fatalf("channel still open")
	}
	b.Publish(Event{Type: "after"})
}

func TestNop(t *testing.T) {
	b := Nop()
	b.Publish(Event{Type: "x"})
	c, unsub := b.Subscribe(1)
	defer unsub()
	if _, ok := <-c; ok {
		t.Fatalf("nop channel open")
	}
}
