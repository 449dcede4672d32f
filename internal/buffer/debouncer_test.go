package buffer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/goattend/internal/bus"
	"github.com/nextlevelbuilder/goattend/internal/config"
	"github.com/nextlevelbuilder/goattend/internal/conversation"
	"github.com/nextlevelbuilder/goattend/internal/notify"
	"github.com/nextlevelbuilder/goattend/internal/routing"
	"github.com/nextlevelbuilder/goattend/internal/scheduler"
	"github.com/nextlevelbuilder/goattend/internal/sessions"
	"github.com/nextlevelbuilder/goattend/internal/store"
	"github.com/nextlevelbuilder/goattend/internal/store/mem"
)

type fakeBot struct {
	mu      sync.Mutex
	queries map[string][]string // citizenKey -> queries
	reply   []string
	err     error
}

func (b *fakeBot) Query(_ context.Context, _, citizenKey, text string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.queries == nil {
		b.queries = map[string][]string{}
	}
	b.queries[citizenKey] = append(b.queries[citizenKey], text)
	return b.reply, b.err
}

func (b *fakeBot) of(key string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.queries[key]...)
}

type sink struct {
	mu   sync.Mutex
	msgs map[string][]string
}

func (s *sink) SendBot(_ context.Context, t conversation.Target, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.msgs == nil {
		s.msgs = map[string][]string{}
	}
	s.msgs[t.CitizenKey] = append(s.msgs[t.CitizenKey], text)
	return nil
}

func (s *sink) of(key string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.msgs[key]...)
}

type env struct {
	store   *mem.Store
	machine *conversation.Machine
	deb     *Debouncer
	bot     *fakeBot
	out     *sink
	sess    *sessions.MemoryStore
	timers  *scheduler.Timers
	cfg     *config.Config
	channel store.Channel
	inbox   store.Inbox
}

func newEnv(t *testing.T, window, idle string, botEnabled bool) *env {
	t.Helper()
	e := &env{
		store: mem.New(),
		bot:   &fakeBot{reply: []string{"Hola, ¿en qué te ayudo?", "", "Escribe tu consulta."}},
		out:   &sink{},
		sess:  sessions.NewMemoryStore(),
		cfg:   config.Default(),
	}
	e.cfg.Routing.DebounceWindow = window
	e.cfg.Routing.InactivityTimeout = idle

	e.channel = store.Channel{ID: store.GenNewID(), Kind: "webchat", BotEnabled: botEnabled}
	e.store.AddChannel(e.channel)
	e.inbox = store.Inbox{ID: store.GenNewID(), ChannelID: e.channel.ID}
	e.store.AddInbox(e.inbox, "tok", "")
	e.store.AddAgent(store.Agent{ID: store.GenNewID()}, true, e.inbox.ID)

	e.timers = scheduler.NewTimers(context.Background())
	t.Cleanup(e.timers.Stop)
	t.Cleanup(func() { e.sess.Close() })

	e.machine = conversation.NewMachine(e.store.Stores(), routing.NewBalancer(e.store), notify.New(bus.New()))
	e.deb = New(Deps{
		Sessions: e.sess,
		Stores:   e.store.Stores(),
		Machine:  e.machine,
		Bot:      e.bot,
		Sender:   e.out,
		Timers:   e.timers,
		Config:   e.cfg,
	})
	return e
}

func (e *env) citizen(t *testing.T, phone string) conversation.Target {
	t.Helper()
	ctx := context.Background()
	c := &store.Citizen{Phone: phone}
	e.store.CreateCitizen(ctx, c)
	out, err := e.machine.OpenForInbound(ctx, conversation.OpenParams{Citizen: c, Channel: &e.channel, InboxID: e.inbox.ID})
	if err != nil {
		t.Fatal(err)
	}
	return conversation.NewTarget(c, &e.channel, out.Room, out.Attention.ID)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestEnqueue_CoalescesBurst(t *testing.T) {
	e := newEnv(t, "40ms", "1h", true)
	tg := e.citizen(t, "573001112233")
	ctx := context.Background()

	for _, frag := range []string{"hola", "necesito", "un certificado"} {
		if err := e.deb.Enqueue(ctx, tg, frag); err != nil {
			t.Fatal(err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	waitFor(t, "bot query", func() bool { return len(e.bot.of(tg.CitizenKey)) > 0 })
	time.Sleep(60 * time.Millisecond)

	queries := e.bot.of(tg.CitizenKey)
	if len(queries) != 1 {
		t.Fatalf("bot queried %d times, want 1: %v", len(queries), queries)
	}
	if queries[0] != "hola necesito un certificado" {
		t.Errorf("query = %q", queries[0])
	}
	// empty response lines are skipped
	if got := e.out.of(tg.CitizenKey); len(got) != 2 {
		t.Errorf("bot replies sent = %v", got)
	}
	if n, _ := e.deb.Pending(ctx, tg.CitizenKey); n != 0 {
		t.Errorf("buffer not drained: %d", n)
	}
	if h := e.store.QueryHistory(); len(h) != 1 || h[0].Query != queries[0] {
		t.Errorf("query history = %+v", h)
	}
}

func TestEnqueue_CitizensIndependent(t *testing.T) {
	e := newEnv(t, "30ms", "1h", true)
	ctx := context.Background()

	var targets []conversation.Target
	for i := 0; i < 5; i++ {
		targets = append(targets, e.citizen(t, fmt.Sprintf("57300000000%d", i)))
	}

	var wg sync.WaitGroup
	for _, tg := range targets {
		wg.Add(1)
		go func(tg conversation.Target) {
			defer wg.Done()
			e.deb.Enqueue(ctx, tg, "a")
			e.deb.Enqueue(ctx, tg, "b")
		}(tg)
	}
	wg.Wait()

	for _, tg := range targets {
		waitFor(t, "query for "+tg.CitizenKey, func() bool { return len(e.bot.of(tg.CitizenKey)) == 1 })
		if q := e.bot.of(tg.CitizenKey)[0]; q != "a b" {
			t.Errorf("%s query = %q", tg.CitizenKey, q)
		}
	}
}

func TestEnqueue_BotDisabledSkipsBuffer(t *testing.T) {
	e := newEnv(t, "20ms", "1h", false)
	tg := e.citizen(t, "573001112233")
	ctx := context.Background()

	e.deb.Enqueue(ctx, tg, "hola")
	time.Sleep(50 * time.Millisecond)
	if len(e.bot.of(tg.CitizenKey)) != 0 {
		t.Error("bot queried on a channel without bot mediation")
	}
	if !e.timers.Pending(idleKey(tg.CitizenKey)) {
		t.Error("inactivity deadline not armed")
	}
}

func TestFlush_DropsBatchAfterEscalation(t *testing.T) {
	e := newEnv(t, "50ms", "1h", true)
	tg := e.citizen(t, "573001112233")
	ctx := context.Background()

	e.deb.Enqueue(ctx, tg, "quiero hablar con un asesor")
	if _, err := e.machine.Escalate(ctx, tg.AttentionID); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)
	if len(e.bot.of(tg.CitizenKey)) != 0 {
		t.Error("bot answered after escalation disabled it")
	}
}

func TestFlush_BotFailureKeepsConversation(t *testing.T) {
	e := newEnv(t, "20ms", "1h", true)
	e.bot.err = errors.New("nlu down")
	tg := e.citizen(t, "573001112233")
	ctx := context.Background()

	e.deb.Enqueue(ctx, tg, "hola")
	waitFor(t, "bot query", func() bool { return len(e.bot.of(tg.CitizenKey)) == 1 })
	time.Sleep(20 * time.Millisecond)

	if got := e.out.of(tg.CitizenKey); len(got) != 0 {
		t.Errorf("citizen saw %v after a bot failure", got)
	}
	att, _ := e.store.GetAttention(ctx, tg.AttentionID)
	if !att.IsOpen() {
		t.Error("bot failure closed the attention")
	}
}

func TestFlushAll_RecoversOrphanMarkers(t *testing.T) {
	e := newEnv(t, "1h", "1h", true)
	tg := e.citizen(t, "573001112233")
	ctx := context.Background()

	e.deb.Enqueue(ctx, tg, "hola")
	// simulate a restart: the window timer is gone, the session survives
	e.timers.Cancel(windowKey(tg.CitizenKey))

	if err := e.deb.FlushAll(ctx); err != nil {
		t.Fatal(err)
	}
	if q := e.bot.of(tg.CitizenKey); len(q) != 1 || q[0] != "hola" {
		t.Errorf("orphaned buffer not flushed: %v", q)
	}
}

func TestFlushAll_LeavesCitizensInsideTheirWindow(t *testing.T) {
	e := newEnv(t, "1h", "1h", true)
	a := e.citizen(t, "573001112233")
	b := e.citizen(t, "573004445566")
	ctx := context.Background()

	e.deb.Enqueue(ctx, a, "hola")
	e.deb.Enqueue(ctx, b, "buenas")
	e.deb.Enqueue(ctx, b, "tardes")
	// a's window elapses first; its timer runs the same sweep
	e.timers.Cancel(windowKey(a.CitizenKey))

	if err := e.deb.FlushAll(ctx); err != nil {
		t.Fatal(err)
	}
	if q := e.bot.of(a.CitizenKey); len(q) != 1 || q[0] != "hola" {
		t.Errorf("expired citizen queries = %v", q)
	}
	if q := e.bot.of(b.CitizenKey); len(q) != 0 {
		t.Errorf("citizen inside the window was flushed early: %v", q)
	}
	if n, _ := e.deb.Pending(ctx, b.CitizenKey); n != 2 {
		t.Errorf("in-window buffer = %d, want 2", n)
	}
	if !e.timers.Pending(windowKey(b.CitizenKey)) {
		t.Error("in-window timer disarmed")
	}

	// b's own window then drains the whole batch
	e.timers.Cancel(windowKey(b.CitizenKey))
	if err := e.deb.FlushAll(ctx); err != nil {
		t.Fatal(err)
	}
	if q := e.bot.of(b.CitizenKey); len(q) != 1 || q[0] != "buenas tardes" {
		t.Errorf("in-window citizen queries = %v", q)
	}
}

func TestInactivity_ClosesOnceAndNextMessageOpensNewAttention(t *testing.T) {
	e := newEnv(t, "1h", "60ms", true)
	tg := e.citizen(t, "573001112233")
	ctx := context.Background()

	e.deb.Enqueue(ctx, tg, "hola")
	waitFor(t, "attention closed", func() bool {
		a, _ := e.store.GetAttention(ctx, tg.AttentionID)
		return !a.IsOpen()
	})
	time.Sleep(100 * time.Millisecond)

	notices := 0
	for _, m := range e.out.of(tg.CitizenKey) {
		if m == e.cfg.ClosingNotice() {
			notices++
		}
	}
	if notices != 1 {
		t.Errorf("closing notices = %d, want 1", notices)
	}
	if keys, _ := e.sess.Keys(ctx, sessions.PendingPrefix); len(keys) != 0 {
		t.Errorf("pending markers left: %v", keys)
	}
	if e.timers.Pending(windowKey(tg.CitizenKey)) {
		t.Error("window timer survived close")
	}

	c, _ := e.store.GetCitizen(ctx, tg.CitizenID)
	out, err := e.machine.OpenForInbound(ctx, conversation.OpenParams{Citizen: c, Channel: &e.channel, InboxID: e.inbox.ID})
	if err != nil {
		t.Fatal(err)
	}
	if !out.AttentionCreated || out.Attention.ID == tg.AttentionID {
		t.Error("message after timeout did not open a fresh attention")
	}
}
