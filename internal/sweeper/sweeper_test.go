package sweeper

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/goattend/internal/bus"
	"github.com/nextlevelbuilder/goattend/internal/config"
	"github.com/nextlevelbuilder/goattend/internal/conversation"
	"github.com/nextlevelbuilder/goattend/internal/notify"
	"github.com/nextlevelbuilder/goattend/internal/routing"
	"github.com/nextlevelbuilder/goattend/internal/store"
	"github.com/nextlevelbuilder/goattend/internal/store/mem"
)

type notices struct {
	mu   sync.Mutex
	sent []string
}

func (n *notices) SendBot(_ context.Context, _ conversation.Target, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, text)
	return nil
}

type flushCounter struct{ n int }

func (f *flushCounter) FlushAll(context.Context) error { f.n++; return nil }

func openAttention(t *testing.T, s *mem.Store, m *conversation.Machine, ch *store.Channel, inbox store.Inbox, phone string) *store.Attention {
	t.Helper()
	ctx := context.Background()
	c := &store.Citizen{Phone: phone}
	s.CreateCitizen(ctx, c)
	out, err := m.OpenForInbound(ctx, conversation.OpenParams{Citizen: c, Channel: ch, InboxID: inbox.ID})
	if err != nil {
		t.Fatal(err)
	}
	return out.Attention
}

func TestRunOnce_ClosesOnlyStale(t *testing.T) {
	ctx := context.Background()
	s := mem.New()
	ch := store.Channel{ID: store.GenNewID(), Kind: "whatsapp"}
	s.AddChannel(ch)
	inbox := store.Inbox{ID: store.GenNewID(), ChannelID: ch.ID}
	s.AddInbox(inbox, "tok", "")
	s.AddAgent(store.Agent{ID: store.GenNewID()}, true, inbox.ID)
	machine := conversation.NewMachine(s.Stores(), routing.NewBalancer(s), notify.New(bus.New()))

	stale := openAttention(t, s, machine, &ch, inbox, "573001")
	fresh := openAttention(t, s, machine, &ch, inbox, "573002")
	s.CreateMessage(ctx, &store.Message{RoomID: fresh.RoomID, AttentionID: fresh.ID, SenderType: store.SenderCitizen, Content: "hola"})

	cfg := config.Default()
	cfg.Routing.InactivityTimeout = "10m"
	sent := &notices{}
	flush := &flushCounter{}
	sw, err := New(Deps{Convs: s, Closer: machine, Sender: sent, Flusher: flush, Config: cfg})
	if err != nil {
		t.Fatal(err)
	}

	// nothing is stale yet
	if n, err := sw.RunOnce(ctx); err != nil || n != 0 {
		t.Fatalf("first run closed %d, %v", n, err)
	}

	// fifteen minutes later only the attention without recent messages
	// crosses the cutoff
	sw.now = func() time.Time { return time.Now().Add(15 * time.Minute) }
	s.CreateMessage(ctx, &store.Message{
		RoomID: fresh.RoomID, AttentionID: fresh.ID, SenderType: store.SenderCitizen,
		Content: "sigo aquí", CreatedAt: time.Now().Add(14 * time.Minute),
	})

	n, err := sw.RunOnce(ctx)
	if err != nil || n != 1 {
		t.Fatalf("second run closed %d, %v", n, err)
	}
	got, _ := s.GetAttention(ctx, stale.ID)
	if got.IsOpen() {
		t.Error("stale attention still open")
	}
	got, _ = s.GetAttention(ctx, fresh.ID)
	if !got.IsOpen() {
		t.Error("active attention closed")
	}
	if len(sent.sent) != 1 || sent.sent[0] != cfg.ClosingNotice() {
		t.Errorf("notices = %v", sent.sent)
	}
	if flush.n != 2 {
		t.Errorf("flushes = %d, want one per run", flush.n)
	}
}

func TestNew_ValidatesCron(t *testing.T) {
	tests := []struct {
		expr    string
		wantErr bool
	}{
		{"", false},
		{"*/1 * * * *", false},
		{"@hourly", false},
		{"every five minutes", true},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			cfg := config.Default()
			cfg.Sweeper.Cron = tt.expr
			_, err := New(Deps{Convs: mem.New(), Config: cfg})
			if (err != nil) != tt.wantErr {
				t.Errorf("New(%q) err = %v", tt.expr, err)
			}
		})
	}
}
