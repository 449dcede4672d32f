package notify

import (
	"sync"
	"testing"

	"github.com/nextlevelbuilder/goattend/internal/bus"
	"github.com/nextlevelbuilder/goattend/internal/store"
	"github.com/nextlevelbuilder/goattend/pkg/protocol"
)

type recorder struct {
	mu     sync.Mutex
	events []bus.Event
}

func (r *recorder) handle(e bus.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func TestNotifier_EventNames(t *testing.T) {
	b := bus.New()
	rec := &recorder{}
	b.Subscribe("test", rec.handle)
	n := New(b)
	room := store.GenNewID()

	tests := []struct {
		name string
		fire func()
		want string
	}{
		{"message", func() { n.MessageNew(MessageNewPayload{Message: store.Message{RoomID: room}, UnreadCount: 2}) }, protocol.EventMessageNew},
		{"viewed", func() { n.ChatViewed(ChatViewedPayload{RoomID: room, Marked: 2}) }, protocol.EventChatViewed},
		{"advisor", func() { n.AdvisorChanged(AdvisorChangedPayload{RoomID: room}) }, protocol.EventAdvisorChanged},
		{"bot", func() { n.BotStatusChanged(room, false) }, protocol.EventBotStatusChanged},
		{"room", func() { n.RoomStatusChanged(RoomStatusPayload{RoomID: room, Status: store.RoomPriority}) }, protocol.EventRoomStatusChanged},
		{"closed", func() { n.AssistanceClosed(AssistanceClosedPayload{RoomID: room, Reason: "agent"}) }, protocol.EventAssistanceClosed},
		{"requested", func() { n.AdvisorRequested(AdvisorRequestedPayload{RoomID: room}) }, protocol.EventAdvisorRequested},
		{"typing", func() { n.Typing(TypingPayload{RoomID: room, Actor: "agent", Typing: true}) }, protocol.EventTyping},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fire()
			rec.mu.Lock()
			defer rec.mu.Unlock()
			if len(rec.events) != i+1 {
				t.Fatalf("got %d events, want %d", len(rec.events), i+1)
			}
			if got := rec.events[i].Name; got != tt.want {
				t.Errorf("event name = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNotifier_NilSafe(t *testing.T) {
	var n *Notifier
	n.BotStatusChanged(store.GenNewID(), true)
	New(nil).Typing(TypingPayload{})
}

func TestBotStatusPayload(t *testing.T) {
	b := bus.New()
	rec := &recorder{}
	b.Subscribe("test", rec.handle)
	room := store.GenNewID()

	New(b).BotStatusChanged(room, true)

	p, ok := rec.events[0].Payload.(BotStatusPayload)
	if !ok {
		t.Fatalf("payload type %T", rec.events[0].Payload)
	}
	if p.RoomID != room || !p.BotReplies {
		t.Errorf("payload = %+v", p)
	}
}
