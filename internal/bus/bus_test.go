package bus

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestMessageBus_InboundRoundTrip(t *testing.T) {
	b := New()
	b.PublishInbound(InboundMessage{Channel: "whatsapp", SenderID: "573001112233", Content: "hola"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	msg, ok := b.ConsumeInbound(ctx)
	if !ok {
		t.Fatal("expected a message")
	}
	if msg.Content != "hola" {
		t.Errorf("content = %q, want %q", msg.Content, "hola")
	}
}

func TestMessageBus_ConsumeStopsOnCancel(t *testing.T) {
	b := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, ok := b.ConsumeInbound(ctx); ok {
		t.Error("expected no message after cancel")
	}
	if _, ok := b.SubscribeOutbound(ctx); ok {
		t.Error("expected no outbound message after cancel")
	}
}

func TestMessageBus_BroadcastFanOut(t *testing.T) {
	b := New()
	var mu sync.Mutex
	got := map[string]string{}

	for _, id := range []string{"a", "b"} {
		id := id
		b.Subscribe(id, func(e Event) {
			mu.Lock()
			got[id] = e.Name
			mu.Unlock()
		})
	}
	b.Subscribe("panics", func(Event) { panic("boom") })

	b.Broadcast(Event{Name: "message.new"})

	if got["a"] != "message.new" || got["b"] != "message.new" {
		t.Errorf("fan-out incomplete: %v", got)
	}

	b.Unsubscribe("a")
	got = map[string]string{}
	b.Broadcast(Event{Name: "typing"})
	if _, ok := got["a"]; ok {
		t.Error("unsubscribed handler still called")
	}
}

func TestDedupeCache(t *testing.T) {
	d := NewDedupeCache(50*time.Millisecond, 2)

	if d.IsDuplicate("k1") {
		t.Fatal("first sighting reported duplicate")
	}
	if !d.IsDuplicate("k1") {
		t.Fatal("second sighting not reported duplicate")
	}
	if d.IsDuplicate("") {
		t.Fatal("empty key must never be a duplicate")
	}

	d.IsDuplicate("k2")
	d.IsDuplicate("k3")
	if d.Len() > 2 {
		t.Errorf("cache grew past cap: %d", d.Len())
	}

	time.Sleep(60 * time.Millisecond)
	if d.IsDuplicate("k3") {
		t.Error("expired key still reported duplicate")
	}
}

func TestDedupeCache_Forget(t *testing.T) {
	d := NewDedupeCache(time.Minute, 10)
	d.IsDuplicate("k1")
	d.Forget("k1")
	if d.IsDuplicate("k1") {
		t.Error("forgotten key still reported duplicate")
	}
	if !d.IsDuplicate("k1") {
		t.Error("key not recorded again after Forget")
	}
}

func TestInboundKey(t *testing.T) {
	if k := InboundKey(InboundMessage{Channel: "whatsapp", SenderID: "1"}); k != "" {
		t.Errorf("key without message id = %q, want empty", k)
	}
	k := InboundKey(InboundMessage{Channel: "whatsapp", SenderID: "1", MessageID: "wamid.1"})
	if k != "whatsapp|1|wamid.1" {
		t.Errorf("key = %q", k)
	}
}
