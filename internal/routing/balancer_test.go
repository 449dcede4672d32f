package routing

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/goattend/internal/store"
	"github.com/nextlevelbuilder/goattend/internal/store/mem"
)

// giveLoad opens n attentions on rooms owned by agent.
func giveLoad(t *testing.T, s *mem.Store, agent, channel uuid.UUID, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		id := agent
		r := &store.Room{CitizenID: store.GenNewID(), ChannelID: channel, AgentID: &id}
		if _, err := s.FindOrCreateActiveRoom(ctx, r); err != nil {
			t.Fatal(err)
		}
		a := &store.Attention{RoomID: r.ID, Status: store.AttentionInProgress}
		if _, err := s.FindOrCreateOpenAttention(ctx, a); err != nil {
			t.Fatal(err)
		}
	}
}

func newInbox(s *mem.Store) (channelID, inboxID uuid.UUID) {
	channelID, inboxID = store.GenNewID(), store.GenNewID()
	s.AddChannel(store.Channel{ID: channelID, Kind: "whatsapp"})
	s.AddInbox(store.Inbox{ID: inboxID, ChannelID: channelID}, "tok", "")
	return
}

func TestPickAgent_LeastLoaded(t *testing.T) {
	s := mem.New()
	channel, inbox := newInbox(s)
	busy, idle, mid := store.GenNewID(), store.GenNewID(), store.GenNewID()
	s.AddAgent(store.Agent{ID: busy}, true, inbox)
	s.AddAgent(store.Agent{ID: idle}, true, inbox)
	s.AddAgent(store.Agent{ID: mid}, true, inbox)
	giveLoad(t, s, busy, channel, 3)
	giveLoad(t, s, mid, channel, 1)

	b := NewBalancer(s)
	for i := 0; i < 20; i++ {
		got, err := b.PickAgent(context.Background(), inbox)
		if err != nil {
			t.Fatal(err)
		}
		if got != idle {
			t.Fatalf("picked %s, want the idle agent", got)
		}
	}
}

func TestPickAgent_RoleFiltering(t *testing.T) {
	tests := []struct {
		name    string
		roles   []string
		wantErr error
	}{
		{"only admins", []string{store.RoleAdmin, store.RoleSupervisor}, store.ErrNoEligibleAgent},
		{"no agents", nil, store.ErrNoEligibleAgent},
		{"mixed", []string{store.RoleAdmin, store.RoleAgent}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := mem.New()
			channel, inbox := newInbox(s)
			var agentID uuid.UUID
			for _, role := range tt.roles {
				id := store.GenNewID()
				s.AddAgent(store.Agent{ID: id, Role: role}, true, inbox)
				if role == store.RoleAgent {
					agentID = id
					// busier than the idle admin, still the only candidate
					giveLoad(t, s, id, channel, 2)
				}
			}

			got, err := NewBalancer(s).PickAgent(context.Background(), inbox)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if tt.wantErr == nil && got != agentID {
				t.Errorf("picked %s, want %s", got, agentID)
			}
		})
	}
}

func TestPickAgent_PrefersOnline(t *testing.T) {
	s := mem.New()
	channel, inbox := newInbox(s)
	offline, online := store.GenNewID(), store.GenNewID()
	s.AddAgent(store.Agent{ID: offline}, false, inbox)
	s.AddAgent(store.Agent{ID: online}, true, inbox)
	giveLoad(t, s, online, channel, 2)

	got, err := NewBalancer(s).PickAgent(context.Background(), inbox)
	if err != nil {
		t.Fatal(err)
	}
	if got != online {
		t.Errorf("picked offline agent while an online one exists")
	}
}

func TestPickAgent_FallsBackToOfflinePool(t *testing.T) {
	s := mem.New()
	_, inbox := newInbox(s)
	a := store.GenNewID()
	s.AddAgent(store.Agent{ID: a}, false, inbox)

	got, err := NewBalancer(s).PickAgent(context.Background(), inbox)
	if err != nil || got != a {
		t.Errorf("PickAgent = %s, %v; want %s", got, err, a)
	}
}

func TestPickAgent_TieBreakIsRandom(t *testing.T) {
	s := mem.New()
	_, inbox := newInbox(s)
	a1, a2, a3 := store.GenNewID(), store.GenNewID(), store.GenNewID()
	for _, id := range []uuid.UUID{a1, a2, a3} {
		s.AddAgent(store.Agent{ID: id}, true, inbox)
	}

	b := NewBalancer(s)
	seen := map[uuid.UUID]int{}
	for i := 0; i < 300; i++ {
		got, err := b.PickAgent(context.Background(), inbox)
		if err != nil {
			t.Fatal(err)
		}
		seen[got]++
	}
	if len(seen) != 3 {
		t.Errorf("tie-break reached %d of 3 agents: %v", len(seen), seen)
	}

	// deterministic source picks the indexed candidate
	b.intn = func(n int) int { return n - 1 }
	got, _ := b.PickAgent(context.Background(), inbox)
	if got != a3 {
		t.Errorf("with last-index source picked %s, want %s", got, a3)
	}
}

// gatedDirectory blocks ListEligibleAgents until release is closed and
// fails the read if its ctx is cancelled first.
type gatedDirectory struct {
	store.DirectoryStore
	entered chan struct{}
	release chan struct{}
	calls   atomic.Int32
}

func (g *gatedDirectory) ListEligibleAgents(ctx context.Context, inboxID uuid.UUID) ([]store.AgentAssignment, error) {
	if g.calls.Add(1) == 1 {
		close(g.entered)
	}
	select {
	case <-g.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return g.DirectoryStore.ListEligibleAgents(ctx, inboxID)
}

func TestPickAgent_CancelledCallerDoesNotFailSharedRead(t *testing.T) {
	s := mem.New()
	_, inbox := newInbox(s)
	agent := store.GenNewID()
	s.AddAgent(store.Agent{ID: agent}, true, inbox)

	dir := &gatedDirectory{DirectoryStore: s, entered: make(chan struct{}), release: make(chan struct{})}
	b := NewBalancer(dir)

	leaderCtx, cancelLeader := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	var leaderErr, followerErr error
	var followerPick uuid.UUID

	wg.Add(1)
	go func() {
		defer wg.Done()
		_, leaderErr = b.PickAgent(leaderCtx, inbox)
	}()
	<-dir.entered

	wg.Add(1)
	go func() {
		defer wg.Done()
		followerPick, followerErr = b.PickAgent(context.Background(), inbox)
	}()
	time.Sleep(20 * time.Millisecond) // let the follower join the flight

	cancelLeader()
	time.Sleep(10 * time.Millisecond)
	close(dir.release)
	wg.Wait()

	if !errors.Is(leaderErr, context.Canceled) {
		t.Errorf("cancelled caller err = %v, want context.Canceled", leaderErr)
	}
	if followerErr != nil {
		t.Fatalf("concurrent caller failed with the first caller's cancellation: %v", followerErr)
	}
	if followerPick != agent {
		t.Errorf("picked %s, want %s", followerPick, agent)
	}
	if n := dir.calls.Load(); n != 1 {
		t.Errorf("directory reads = %d, want 1 shared read", n)
	}
}

func TestPickAgent_CancelledContextReturnsPromptly(t *testing.T) {
	s := mem.New()
	_, inbox := newInbox(s)
	s.AddAgent(store.Agent{ID: store.GenNewID()}, true, inbox)

	dir := &gatedDirectory{DirectoryStore: s, entered: make(chan struct{}), release: make(chan struct{})}
	t.Cleanup(func() { close(dir.release) })
	b := NewBalancer(dir)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := b.PickAgent(ctx, inbox); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want context.DeadlineExceeded", err)
	}
}
