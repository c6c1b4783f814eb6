package kv

import (
	"testing"
)

func TestHub_RegisterAndPublish(t *testing.T) {
	h := newHub(4)

	idA, subA, err := h.register("u1/conversations")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	_, subB, _ := h.register("u1/conversations") // second watcher
	subA.prime(Event{Path: "u1/conversations"})
	subB.prime(Event{Path: "u1/conversations"})
	<-subA.ch
	<-subB.ch

	h.publish(Event{Path: "u1/conversations", Value: "m1", Exists: true})

	if ev := <-subA.ch; ev.Value != "m1" {
		t.Fatalf("watcher A did not receive the change, got %#v", ev)
	}
	if ev := <-subB.ch; ev.Value != "m1" {
		t.Fatalf("watcher B did not receive the change, got %#v", ev)
	}

	// Unregister A and ensure its channel is closed.
	h.unregister("u1/conversations", idA)
	if _, ok := <-subA.ch; ok {
		t.Fatalf("watcher A should have been closed after unregister")
	}
	if n := h.watchers("u1/conversations"); n != 1 {
		t.Fatalf("expected 1 watcher left, got %d", n)
	}
}

func TestHub_PublishWithoutWatchers(t *testing.T) {
	h := newHub(1)
	// must not panic or block
	h.publish(Event{Path: "nobody"})
}

func TestHub_SlowWatcherKeepsLatest(t *testing.T) {
	h := newHub(2)
	_, sub, _ := h.register("p")
	sub.prime(Event{Path: "p", Value: "v0", Exists: true})

	for _, v := range []string{"v1", "v2", "v3"} {
		h.publish(Event{Path: "p", Value: v, Exists: true})
	}

	var last any
	for i := 0; i < 2; i++ {
		last = (<-sub.ch).Value
	}
	if last != "v3" {
		t.Fatalf("slow watcher must end on the newest value, got %#v", last)
	}
}

func TestHub_PendingChangeOvertakesInitialRead(t *testing.T) {
	h := newHub(4)
	_, sub, _ := h.register("p")

	// A write lands between registration and the initial read.
	h.publish(Event{Path: "p", Value: "new", Exists: true})
	sub.prime(Event{Path: "p", Value: "old", Exists: true})

	first, second := <-sub.ch, <-sub.ch
	if first.Value != "old" || second.Value != "new" {
		t.Fatalf("expected old then new, got %#v then %#v", first.Value, second.Value)
	}
}

func TestHub_CloseAll(t *testing.T) {
	h := newHub(1)
	_, sub, _ := h.register("p")

	h.closeAll()
	h.closeAll()

	if _, ok := <-sub.ch; ok {
		t.Fatalf("expected channel closed")
	}
	if _, _, err := h.register("p"); err != ErrClosed {
		t.Fatalf("expected ErrClosed after closeAll, got %v", err)
	}
}

func TestHub_DropAllKeepsAccepting(t *testing.T) {
	h := newHub(1)
	_, a, _ := h.register("p")
	_, b, _ := h.register("q")

	if n := h.dropAll(); n != 2 {
		t.Fatalf("expected 2 watchers dropped, got %d", n)
	}
	if _, ok := <-a.ch; ok {
		t.Fatalf("expected channel closed")
	}
	if _, ok := <-b.ch; ok {
		t.Fatalf("expected channel closed")
	}
	if _, _, err := h.register("p"); err != nil {
		t.Fatalf("register after dropAll: %v", err)
	}
	if h.watchers("p") != 1 {
		t.Fatalf("expected the new watcher to be tracked")
	}
}
