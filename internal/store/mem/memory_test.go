package mem

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/goattend/internal/config"
	"github.com/nextlevelbuilder/goattend/internal/store"
)

func TestFindOrCreateActiveRoom_Concurrent(t *testing.T) {
	s := New()
	ctx := context.Background()
	citizen, channel := store.GenNewID(), store.GenNewID()

	const n = 32
	var wg sync.WaitGroup
	var mu sync.Mutex
	created := 0
	ids := map[uuid.UUID]bool{}
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := &store.Room{CitizenID: citizen, ChannelID: channel}
			c, err := s.FindOrCreateActiveRoom(ctx, r)
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if c {
				created++
			}
			ids[r.ID] = true
		}()
	}
	wg.Wait()

	if created != 1 {
		t.Errorf("created = %d, want exactly 1", created)
	}
	if len(ids) != 1 {
		t.Errorf("callers saw %d distinct rooms, want 1", len(ids))
	}
}

func TestFindOrCreateOpenAttention_OnlyOneOpen(t *testing.T) {
	s := New()
	ctx := context.Background()
	room := store.GenNewID()

	a1 := &store.Attention{RoomID: room, Status: store.AttentionInProgress}
	if created, _ := s.FindOrCreateOpenAttention(ctx, a1); !created {
		t.Fatal("first attention not created")
	}
	a2 := &store.Attention{RoomID: room, Status: store.AttentionIdentityVerification}
	if created, _ := s.FindOrCreateOpenAttention(ctx, a2); created {
		t.Fatal("second open attention created")
	}
	if a2.ID != a1.ID || a2.Status != store.AttentionInProgress {
		t.Errorf("expected the existing attention back, got %+v", a2)
	}

	if ok, _ := s.CloseAttention(ctx, a1.ID, time.Now()); !ok {
		t.Fatal("close failed")
	}
	a3 := &store.Attention{RoomID: room, Status: store.AttentionInProgress}
	if created, _ := s.FindOrCreateOpenAttention(ctx, a3); !created || a3.ID == a1.ID {
		t.Error("closed attention must not be reused")
	}
}

func TestCloseAttention_Idempotent(t *testing.T) {
	s := New()
	ctx := context.Background()
	a := &store.Attention{RoomID: store.GenNewID(), Status: store.AttentionInProgress}
	s.FindOrCreateOpenAttention(ctx, a)

	first := time.Now()
	if ok, err := s.CloseAttention(ctx, a.ID, first); !ok || err != nil {
		t.Fatalf("first close: ok=%v err=%v", ok, err)
	}
	if ok, err := s.CloseAttention(ctx, a.ID, first.Add(time.Hour)); ok || err != nil {
		t.Fatalf("second close: ok=%v err=%v", ok, err)
	}
	got, _ := s.GetAttention(ctx, a.ID)
	if got.EndDate == nil || !got.EndDate.Equal(first) {
		t.Errorf("end date mutated by second close: %v", got.EndDate)
	}
	if _, err := s.CloseAttention(ctx, store.GenNewID(), first); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("missing attention: err = %v, want ErrNotFound", err)
	}
}

func TestCreateMessage_AttachmentsWithMessage(t *testing.T) {
	s := New()
	ctx := context.Background()
	room := store.GenNewID()

	m := &store.Message{RoomID: room, SenderType: store.SenderCitizen, ExternalMessageID: "wamid.2"}
	a := &store.Attachment{Name: "foto.jpg", SizeBytes: 5}
	if created, err := s.CreateMessage(ctx, m, a); err != nil || !created {
		t.Fatalf("CreateMessage = %v, %v", created, err)
	}
	if a.MessageID != m.ID || a.ID == uuid.Nil {
		t.Errorf("attachment not bound to message: %+v", a)
	}

	dup := &store.Message{RoomID: room, SenderType: store.SenderCitizen, ExternalMessageID: "wamid.2"}
	s.CreateMessage(ctx, dup, &store.Attachment{Name: "otra.jpg"})
	if got := s.Attachments(m.ID); len(got) != 1 || got[0].Name != "foto.jpg" {
		t.Errorf("duplicate wrote attachments: %+v", got)
	}
}

func TestCreateMessage_ExternalIDIdempotent(t *testing.T) {
	s := New()
	ctx := context.Background()
	room := store.GenNewID()

	m1 := &store.Message{RoomID: room, SenderType: store.SenderCitizen, Content: "hola", ExternalMessageID: "wamid.1"}
	if created, _ := s.CreateMessage(ctx, m1); !created {
		t.Fatal("first message not created")
	}
	m2 := &store.Message{RoomID: room, SenderType: store.SenderCitizen, Content: "hola", ExternalMessageID: "wamid.1"}
	if created, _ := s.CreateMessage(ctx, m2); created {
		t.Fatal("duplicate external id created a message")
	}
	if m2.ID != m1.ID {
		t.Error("duplicate did not return the existing message")
	}
	m3 := &store.Message{RoomID: room, SenderType: store.SenderCitizen, Content: "sin id"}
	m4 := &store.Message{RoomID: room, SenderType: store.SenderCitizen, Content: "sin id"}
	s.CreateMessage(ctx, m3)
	if created, _ := s.CreateMessage(ctx, m4); !created {
		t.Error("messages without external id must never collapse")
	}

	n, _ := s.CountUnread(ctx, room)
	if n != 3 {
		t.Errorf("unread = %d, want 3", n)
	}
	marked, _ := s.MarkRoomRead(ctx, room)
	if marked != 3 {
		t.Errorf("marked = %d, want 3", marked)
	}
	if n, _ := s.CountUnread(ctx, room); n != 0 {
		t.Errorf("unread after mark = %d", n)
	}
}

func TestReopenRoom(t *testing.T) {
	s := New()
	ctx := context.Background()
	r := &store.Room{CitizenID: store.GenNewID(), ChannelID: store.GenNewID()}
	s.FindOrCreateActiveRoom(ctx, r)

	if ok, _ := s.ReopenRoom(ctx, r.ID, nil); ok {
		t.Error("reopened a room that was not completed")
	}
	s.UpdateRoomStatus(ctx, r.ID, store.RoomCompleted)

	agent := store.GenNewID()
	if ok, _ := s.ReopenRoom(ctx, r.ID, &agent); !ok {
		t.Fatal("reopen failed")
	}
	got, _ := s.GetRoom(ctx, r.ID)
	if got.Status != store.RoomPending || got.AgentID == nil || *got.AgentID != agent {
		t.Errorf("reopened room = %+v", got)
	}
}

func TestCountOpenAttentionsByAgent(t *testing.T) {
	s := New()
	ctx := context.Background()
	a1, a2 := store.GenNewID(), store.GenNewID()

	for i, agent := range []uuid.UUID{a1, a1, a2} {
		agent := agent
		r := &store.Room{CitizenID: store.GenNewID(), ChannelID: store.GenNewID(), AgentID: &agent}
		s.FindOrCreateActiveRoom(ctx, r)
		att := &store.Attention{RoomID: r.ID, Status: store.AttentionInProgress}
		s.FindOrCreateOpenAttention(ctx, att)
		if i == 2 {
			s.CloseAttention(ctx, att.ID, time.Now())
		}
	}

	counts, _ := s.CountOpenAttentionsByAgent(ctx, []uuid.UUID{a1, a2})
	if counts[a1] != 2 || counts[a2] != 0 {
		t.Errorf("counts = %v", counts)
	}
}

func TestListStaleAttentions(t *testing.T) {
	s := New()
	ctx := context.Background()

	old := &store.Attention{RoomID: store.GenNewID(), Status: store.AttentionInProgress, StartDate: time.Now().Add(-time.Hour)}
	fresh := &store.Attention{RoomID: store.GenNewID(), Status: store.AttentionInProgress, StartDate: time.Now().Add(-time.Hour)}
	s.FindOrCreateOpenAttention(ctx, old)
	s.FindOrCreateOpenAttention(ctx, fresh)
	s.CreateMessage(ctx, &store.Message{RoomID: fresh.RoomID, AttentionID: fresh.ID, SenderType: store.SenderCitizen})

	stale, _ := s.ListStaleAttentions(ctx, time.Now().Add(-10*time.Minute), 0)
	if len(stale) != 1 || stale[0].ID != old.ID {
		t.Errorf("stale = %+v, want only %s", stale, old.ID)
	}
}

func TestSeed(t *testing.T) {
	s := New()
	inbox := uuid.NewString()
	err := s.Seed(config.DirectorySeed{
		Channels: []config.ChannelSeed{{
			Name: "WhatsApp", Kind: "whatsapp", RequiresVerification: true,
			Inboxes: []config.InboxSeed{{ID: inbox, Name: "main", Token: "tok", Phone: "573000000000"}},
		}},
		Agents: []config.AgentSeed{{ID: uuid.NewString(), Name: "Ana", Inboxes: []string{inbox}}},
	})
	if err != nil {
		t.Fatalf("Seed: %v", err)
	}
	ctx := context.Background()
	cred, err := s.GetInboxCredentialByToken(ctx, "tok")
	if err != nil {
		t.Fatalf("credential: %v", err)
	}
	if cred.InboxID.String() != inbox {
		t.Errorf("inbox = %s", cred.InboxID)
	}
	if _, err := s.GetInboxCredentialByPhone(ctx, "573000000000"); err != nil {
		t.Errorf("by phone: %v", err)
	}
	agents, _ := s.ListEligibleAgents(ctx, cred.InboxID)
	if len(agents) != 1 || agents[0].Role != store.RoleAgent {
		t.Errorf("agents = %+v", agents)
	}

	if err := s.Seed(config.DirectorySeed{Agents: []config.AgentSeed{{ID: "bad"}}}); err == nil {
		t.Error("expected error for invalid agent id")
	}
}
