package methods

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/goattend/internal/bus"
	"github.com/nextlevelbuilder/goattend/internal/config"
	"github.com/nextlevelbuilder/goattend/internal/conversation"
	"github.com/nextlevelbuilder/goattend/internal/export"
	"github.com/nextlevelbuilder/goattend/internal/gateway"
	"github.com/nextlevelbuilder/goattend/internal/ingest"
	"github.com/nextlevelbuilder/goattend/internal/notify"
	"github.com/nextlevelbuilder/goattend/internal/routing"
	"github.com/nextlevelbuilder/goattend/internal/store"
	"github.com/nextlevelbuilder/goattend/internal/store/mem"
	"github.com/nextlevelbuilder/goattend/pkg/protocol"
)

type outbox struct {
	mu   sync.Mutex
	msgs []bus.OutboundMessage
}

func (o *outbox) Send(_ context.Context, m bus.OutboundMessage) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.msgs = append(o.msgs, m)
	return nil
}

func (o *outbox) all() []bus.OutboundMessage {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]bus.OutboundMessage(nil), o.msgs...)
}

type frame struct {
	Type    string               `json:"type"`
	ID      string               `json:"id"`
	OK      bool                 `json:"ok"`
	Event   string               `json:"event"`
	Payload json.RawMessage      `json:"payload"`
	Error   *protocol.ErrorShape `json:"error"`
}

type env struct {
	store    *mem.Store
	out      *outbox
	url      string
	room     store.Room
	att      store.Attention
	agents   [2]uuid.UUID
	stranger uuid.UUID
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()
	e := &env{store: mem.New(), out: &outbox{}}

	ch := store.Channel{ID: store.GenNewID(), Kind: "webchat", BotEnabled: true}
	e.store.AddChannel(ch)
	inbox := store.Inbox{ID: store.GenNewID(), ChannelID: ch.ID}
	e.store.AddInbox(inbox, "tok", "")
	for i := range e.agents {
		e.agents[i] = store.GenNewID()
		e.store.AddAgent(store.Agent{ID: e.agents[i]}, true, inbox.ID)
	}
	e.stranger = store.GenNewID()
	e.store.AddAgent(store.Agent{ID: e.stranger}, true)

	b := bus.New()
	n := notify.New(b)
	machine := conversation.NewMachine(e.store.Stores(), routing.NewBalancer(e.store), n)
	pipeline := ingest.New(ingest.Deps{Stores: e.store.Stores(), Machine: machine, Notifier: n, Dispatcher: e.out})

	c := &store.Citizen{Phone: "573001112233"}
	e.store.CreateCitizen(ctx, c)
	opened, err := machine.OpenForInbound(ctx, conversation.OpenParams{Citizen: c, Channel: &ch, InboxID: inbox.ID})
	if err != nil {
		t.Fatal(err)
	}
	e.room, e.att = *opened.Room, *opened.Attention
	e.store.CreateMessage(ctx, &store.Message{RoomID: e.room.ID, AttentionID: e.att.ID, SenderType: store.SenderCitizen, Content: "hola"})

	s := gateway.NewServer(config.Default(), b)
	NewChatMethods(pipeline, machine, e.store, n).Register(s.Router())
	NewRoomMethods(machine, e.store).Register(s.Router())
	NewAttentionMethods(machine, export.Disabled{}).Register(s.Router())

	ts := httptest.NewServer(s.BuildMux())
	t.Cleanup(ts.Close)
	e.url = "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	return e
}

func (e *env) connect(t *testing.T, agentID uuid.UUID) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(e.url, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	params := map[string]string{}
	if agentID != uuid.Nil {
		params["agent_id"] = agentID.String()
	}
	if resp := call(t, conn, protocol.MethodConnect, params); !resp.OK {
		t.Fatalf("connect: %+v", resp.Error)
	}
	return conn
}

var seq int

func call(t *testing.T, conn *websocket.Conn, method string, params interface{}) frame {
	t.Helper()
	seq++
	id := method + "-" + strconv.Itoa(seq)
	raw, _ := json.Marshal(params)
	if err := conn.WriteJSON(protocol.RequestFrame{Type: protocol.FrameTypeRequest, ID: id, Method: method, Params: raw}); err != nil {
		t.Fatal(err)
	}
	for {
		f := read(t, conn)
		if f.Type == protocol.FrameTypeResponse && f.ID == id {
			return f
		}
	}
}

func read(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f frame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("read: %v", err)
	}
	return f
}

func waitEvent(t *testing.T, conn *websocket.Conn, name string) frame {
	t.Helper()
	for {
		if f := read(t, conn); f.Type == protocol.FrameTypeEvent && f.Event == name {
			return f
		}
	}
}

func wantCode(t *testing.T, f frame, code string) {
	t.Helper()
	if f.OK || f.Error == nil || f.Error.Code != code {
		t.Errorf("response = %+v, want error %s", f, code)
	}
}

func TestChatSendAndHistory(t *testing.T) {
	e := newEnv(t)
	conn := e.connect(t, e.agents[0])

	resp := call(t, conn, protocol.MethodChatSend, map[string]string{"room_id": e.room.ID.String(), "content": "buenos días"})
	if !resp.OK {
		t.Fatalf("chat.send: %+v", resp.Error)
	}
	var sent struct {
		Message   store.Message `json:"message"`
		Delivered bool          `json:"delivered"`
	}
	json.Unmarshal(resp.Payload, &sent)
	if !sent.Delivered || sent.Message.SenderType != store.SenderAgent || *sent.Message.AuthorUserID != e.agents[0] {
		t.Errorf("sent = %+v", sent)
	}
	if out := e.out.all(); len(out) != 1 || out[0].Content != "buenos días" {
		t.Errorf("outbox = %+v", out)
	}

	resp = call(t, conn, protocol.MethodChatHistory, map[string]string{"room_id": e.room.ID.String()})
	var hist struct {
		Messages []store.Message `json:"messages"`
	}
	json.Unmarshal(resp.Payload, &hist)
	if len(hist.Messages) != 2 || hist.Messages[1].Content != "buenos días" {
		t.Errorf("history = %+v", hist.Messages)
	}

	wantCode(t, call(t, conn, protocol.MethodChatSend, map[string]string{"room_id": e.room.ID.String()}), protocol.ErrInvalidRequest)
	wantCode(t, call(t, conn, protocol.MethodChatSend, map[string]string{"room_id": "x", "content": "a"}), protocol.ErrInvalidRequest)
	wantCode(t, call(t, conn, protocol.MethodChatSend, map[string]string{"room_id": uuid.NewString(), "content": "a"}), protocol.ErrNotFound)
}

func TestChatSend_AgentFromParams(t *testing.T) {
	e := newEnv(t)
	conn := e.connect(t, uuid.Nil)
	wantCode(t, call(t, conn, protocol.MethodChatSend, map[string]string{"room_id": e.room.ID.String(), "content": "a"}), protocol.ErrInvalidRequest)
	resp := call(t, conn, protocol.MethodChatSend, map[string]string{
		"room_id": e.room.ID.String(), "agent_id": e.agents[1].String(), "content": "a",
	})
	if !resp.OK {
		t.Errorf("chat.send with agent param: %+v", resp.Error)
	}
}

func TestChatViewAndTyping(t *testing.T) {
	e := newEnv(t)
	conn := e.connect(t, e.agents[0])
	watcher := e.connect(t, uuid.Nil)

	resp := call(t, conn, protocol.MethodChatView, map[string]string{"room_id": e.room.ID.String()})
	var view struct {
		Marked int `json:"marked"`
	}
	json.Unmarshal(resp.Payload, &view)
	if !resp.OK || view.Marked != 1 {
		t.Errorf("chat.view = %+v marked=%d", resp, view.Marked)
	}
	waitEvent(t, watcher, protocol.EventChatViewed)

	if n, _ := e.store.CountUnread(context.Background(), e.room.ID); n != 0 {
		t.Errorf("unread after view = %d", n)
	}

	if resp := call(t, conn, protocol.MethodChatTyping, map[string]interface{}{"room_id": e.room.ID.String()}); !resp.OK {
		t.Errorf("chat.typing: %+v", resp.Error)
	}
	ev := waitEvent(t, watcher, protocol.EventTyping)
	var typing notify.TypingPayload
	json.Unmarshal(ev.Payload, &typing)
	if typing.RoomID != e.room.ID || !typing.Typing || typing.Actor != "agent" || typing.UserID != e.agents[0].String() {
		t.Errorf("typing event = %+v", typing)
	}
}

func TestAdvisorRequest(t *testing.T) {
	tests := []struct {
		name   string
		params func(e *env) map[string]string
		code   string
	}{
		{"by room", func(e *env) map[string]string { return map[string]string{"room_id": e.room.ID.String()} }, ""},
		{"by attention", func(e *env) map[string]string { return map[string]string{"attention_id": e.att.ID.String()} }, ""},
		{"unknown room", func(*env) map[string]string { return map[string]string{"room_id": uuid.NewString()} }, protocol.ErrNotFound},
		{"no params", func(*env) map[string]string { return nil }, protocol.ErrInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			conn := e.connect(t, e.agents[0])
			resp := call(t, conn, protocol.MethodAdvisorRequest, tt.params(e))
			if tt.code != "" {
				wantCode(t, resp, tt.code)
				return
			}
			if !resp.OK {
				t.Fatalf("advisor.request: %+v", resp.Error)
			}
			att, _ := e.store.GetAttention(context.Background(), e.att.ID)
			room, _ := e.store.GetRoom(context.Background(), e.room.ID)
			if att.Status != store.AttentionPriority || room.Status != store.RoomPriority || room.BotReplies {
				t.Errorf("after escalation att=%s room=%s bot=%v", att.Status, room.Status, room.BotReplies)
			}
		})
	}
}

func TestRoomTransferAndBotToggle(t *testing.T) {
	e := newEnv(t)
	conn := e.connect(t, e.agents[0])
	ctx := context.Background()

	resp := call(t, conn, protocol.MethodRoomTransfer, map[string]string{"room_id": e.room.ID.String(), "agent_id": e.agents[1].String()})
	if !resp.OK {
		t.Fatalf("room.transfer: %+v", resp.Error)
	}
	if room, _ := e.store.GetRoom(ctx, e.room.ID); room.AgentID == nil || *room.AgentID != e.agents[1] {
		t.Errorf("room agent = %v", room.AgentID)
	}
	wantCode(t, call(t, conn, protocol.MethodRoomTransfer, map[string]string{"room_id": e.room.ID.String(), "agent_id": e.stranger.String()}), protocol.ErrNotFound)

	wantCode(t, call(t, conn, protocol.MethodRoomBotToggle, map[string]string{"room_id": e.room.ID.String()}), protocol.ErrInvalidRequest)
	resp = call(t, conn, protocol.MethodRoomBotToggle, map[string]interface{}{"room_id": e.room.ID.String(), "enabled": false})
	if !resp.OK {
		t.Fatalf("room.bot.toggle: %+v", resp.Error)
	}
	if room, _ := e.store.GetRoom(ctx, e.room.ID); room.BotReplies {
		t.Error("bot still enabled")
	}
}

func TestAttentionCloseAndExport(t *testing.T) {
	e := newEnv(t)
	conn := e.connect(t, e.agents[0])
	watcher := e.connect(t, uuid.Nil)

	resp := call(t, conn, protocol.MethodAttentionClose, map[string]string{"attention_id": e.att.ID.String()})
	if !resp.OK || string(resp.Payload) != `{"closed":true}` {
		t.Fatalf("attention.close = %+v %s", resp.Error, resp.Payload)
	}
	ev := waitEvent(t, watcher, protocol.EventAssistanceClosed)
	if !strings.Contains(string(ev.Payload), `"reason":"agent"`) {
		t.Errorf("closed event = %s", ev.Payload)
	}

	// closing twice is a no-op
	resp = call(t, conn, protocol.MethodAttentionClose, map[string]string{"attention_id": e.att.ID.String()})
	if !resp.OK || string(resp.Payload) != `{"closed":false}` {
		t.Errorf("second close = %s", resp.Payload)
	}

	wantCode(t, call(t, conn, protocol.MethodAttentionExport, map[string]string{"attention_id": e.att.ID.String(), "email": "a@b.co"}), protocol.ErrUnavailable)
	wantCode(t, call(t, conn, protocol.MethodAttentionClose, map[string]string{"attention_id": uuid.NewString()}), protocol.ErrNotFound)
}
