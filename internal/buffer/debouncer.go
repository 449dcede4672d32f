// Package buffer coalesces bursts of citizen messages into one bot query
// and closes conversations that go quiet.
//
// Two independent timers run per citizen: a short window that governs
// batching and a long inactivity deadline that governs session liveness.
package buffer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/goattend/internal/config"
	"github.com/nextlevelbuilder/goattend/internal/conversation"
	"github.com/nextlevelbuilder/goattend/internal/metrics"
	"github.com/nextlevelbuilder/goattend/internal/scheduler"
	"github.com/nextlevelbuilder/goattend/internal/sessions"
	"github.com/nextlevelbuilder/goattend/internal/store"
)

// Bot answers a coalesced citizen utterance.
type Bot interface {
	Query(ctx context.Context, channel, citizenKey, text string) ([]string, error)
}

const flushConcurrency = 8

// Debouncer buffers citizen messages for the bot.
type Debouncer struct {
	sessions sessions.Store
	convs    store.ConversationStore
	dir      store.DirectoryStore
	machine  *conversation.Machine
	bot      Bot
	sender   conversation.Sender
	timers   *scheduler.Timers
	locks    *sessions.KeyLock
	cfg      *config.Config
}

// Deps wires a Debouncer.
type Deps struct {
	Sessions sessions.Store
	Stores   *store.Stores
	Machine  *conversation.Machine
	Bot      Bot
	Sender   conversation.Sender
	Timers   *scheduler.Timers
	Config   *config.Config
}

// New creates a Debouncer and registers its cleanup on attention close.
func New(d Deps) *Debouncer {
	b := &Debouncer{
		sessions: d.Sessions,
		convs:    d.Stores.Conversations,
		dir:      d.Stores.Directory,
		machine:  d.Machine,
		bot:      d.Bot,
		sender:   d.Sender,
		timers:   d.Timers,
		locks:    sessions.NewKeyLock(),
		cfg:      d.Config,
	}
	if d.Machine != nil {
		d.Machine.OnClose(b.purgeHook)
	}
	return b
}

func windowKey(citizenKey string) string { return sessions.Field(citizenKey, "buffer:window") }
func idleKey(citizenKey string) string   { return sessions.Field(citizenKey, "buffer:idle") }

// Enqueue records one citizen message. Bot-mediated rooms get the message
// buffered behind the debounce window; every call re-arms the inactivity
// deadline.
func (d *Debouncer) Enqueue(ctx context.Context, t conversation.Target, text string) error {
	unlock := d.locks.Lock(t.CitizenKey)
	defer unlock()

	tm := d.cfg.Timings()
	d.timers.Schedule(idleKey(t.CitizenKey), tm.InactivityTimeout, func(ctx context.Context) {
		d.expire(ctx, t)
	})

	eligible, err := d.botEligible(ctx, t)
	if err != nil {
		return err
	}
	if !eligible || strings.TrimSpace(text) == "" {
		return nil
	}

	target, err := json.Marshal(t)
	if err != nil {
		return err
	}
	n, err := d.sessions.Append(ctx, sessions.Field(t.CitizenKey, sessions.FieldBufferMsgs), text, tm.SessionTTL)
	if err != nil {
		return fmt.Errorf("buffer append: %w", err)
	}
	if err := d.sessions.Set(ctx, sessions.Field(t.CitizenKey, sessions.FieldBufferTarget), string(target), tm.SessionTTL); err != nil {
		return fmt.Errorf("buffer target: %w", err)
	}
	if err := d.sessions.Set(ctx, sessions.PendingKey(t.CitizenKey), t.AttentionID.String(), tm.SessionTTL); err != nil {
		return fmt.Errorf("pending marker: %w", err)
	}

	d.timers.Schedule(windowKey(t.CitizenKey), tm.DebounceWindow, func(ctx context.Context) {
		if err := d.FlushAll(ctx); err != nil {
			slog.Error("buffer: flush failed", "error", err)
		}
	})
	slog.Debug("buffer: message queued", "citizen", t.CitizenKey, "buffered", n)
	return nil
}

// botEligible reports whether the room's bot answers and the channel is
// bot mediated.
func (d *Debouncer) botEligible(ctx context.Context, t conversation.Target) (bool, error) {
	room, err := d.convs.GetRoom(ctx, t.RoomID)
	if err != nil {
		return false, fmt.Errorf("load room: %w", err)
	}
	if !room.BotReplies {
		return false, nil
	}
	ch, err := d.dir.GetChannel(ctx, t.ChannelID)
	if err != nil {
		return false, fmt.Errorf("load channel: %w", err)
	}
	return ch.BotEnabled, nil
}

// FlushAll drains every citizen with pending messages whose own window
// has elapsed. Markers left without a timer (lost in a restart) are
// drained too.
func (d *Debouncer) FlushAll(ctx context.Context) error {
	keys, err := d.sessions.Keys(ctx, sessions.PendingPrefix)
	if err != nil {
		return fmt.Errorf("list pending: %w", err)
	}

	g := new(errgroup.Group)
	g.SetLimit(flushConcurrency)
	for _, k := range keys {
		citizenKey, ok := sessions.CitizenFromPending(k)
		if !ok || d.timers.Pending(windowKey(citizenKey)) {
			continue
		}
		g.Go(func() error {
			if err := d.flushOne(ctx, citizenKey); err != nil {
				slog.Error("buffer: citizen flush failed", "citizen", citizenKey, "error", err)
				d.cleanupAfterFailure(ctx, citizenKey)
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

// flushOne sends one citizen's buffered fragments to the bot as a single
// utterance.
func (d *Debouncer) flushOne(ctx context.Context, citizenKey string) error {
	unlock := d.locks.Lock(citizenKey)
	items, err := d.sessions.Drain(ctx, sessions.Field(citizenKey, sessions.FieldBufferMsgs))
	if err != nil {
		unlock()
		return fmt.Errorf("drain: %w", err)
	}
	raw, _, err := d.sessions.Get(ctx, sessions.Field(citizenKey, sessions.FieldBufferTarget))
	if err == nil {
		err = d.sessions.Delete(ctx, sessions.PendingKey(citizenKey))
	}
	unlock()
	if err != nil {
		return err
	}
	if len(items) == 0 || raw == "" {
		return nil
	}

	var t conversation.Target
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return fmt.Errorf("decode target: %w", err)
	}

	// state may have moved on since the message was buffered
	att, err := d.convs.GetAttention(ctx, t.AttentionID)
	if err != nil || !att.IsOpen() {
		slog.Debug("buffer: attention gone, dropping batch", "citizen", citizenKey, "items", len(items))
		return nil
	}
	if ok, err := d.botEligible(ctx, t); err != nil || !ok {
		slog.Debug("buffer: bot disabled, dropping batch", "citizen", citizenKey, "items", len(items))
		return err
	}

	query := strings.Join(items, " ")
	start := time.Now()
	responses, err := d.bot.Query(ctx, t.Channel, citizenKey, query)
	if err != nil {
		metrics.BotQuery("error", time.Since(start))
		slog.Warn("buffer: bot unavailable", "citizen", citizenKey, "error", err)
		return nil
	}
	metrics.BotQuery("ok", time.Since(start))

	if err := d.convs.CreateQueryHistory(ctx, &store.QueryHistory{
		RoomID: t.RoomID, AttentionID: t.AttentionID, Query: query, Responses: responses,
	}); err != nil {
		slog.Warn("buffer: query history not saved", "room", t.RoomID, "error", err)
	}

	sent := 0
	for _, line := range responses {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if err := d.sender.SendBot(ctx, t, line); err != nil {
			return fmt.Errorf("send bot reply: %w", err)
		}
		sent++
	}
	slog.Info("buffer: batch answered", "citizen", citizenKey, "fragments", len(items), "replies", sent)
	return nil
}

// expire closes an attention whose citizen stayed silent past the
// inactivity timeout.
func (d *Debouncer) expire(ctx context.Context, t conversation.Target) {
	unlock := d.locks.Lock(t.CitizenKey)
	att, err := d.convs.GetAttention(ctx, t.AttentionID)
	if err != nil || !att.IsOpen() {
		unlock()
		return
	}
	if err := d.sender.SendBot(ctx, t, d.cfg.ClosingNotice()); err != nil {
		slog.Warn("buffer: closing notice failed", "citizen", t.CitizenKey, "error", err)
	}
	unlock()

	if _, err := d.machine.Close(ctx, t.AttentionID, conversation.ReasonInactivity); err != nil && !errors.Is(err, store.ErrNotFound) {
		slog.Error("buffer: inactivity close failed", "attention", t.AttentionID, "error", err)
	}
	d.purge(ctx, t.CitizenKey)
}

// cleanupAfterFailure drops the citizen's buffer so a broken batch does
// not wedge the conversation.
func (d *Debouncer) cleanupAfterFailure(ctx context.Context, citizenKey string) {
	if err := d.sessions.Delete(ctx,
		sessions.Field(citizenKey, sessions.FieldBufferMsgs),
		sessions.PendingKey(citizenKey),
	); err != nil {
		slog.Warn("buffer: cleanup failed", "citizen", citizenKey, "error", err)
	}
}

func (d *Debouncer) purgeHook(ctx context.Context, t conversation.Target, _ string) {
	d.purge(ctx, t.CitizenKey)
}

func (d *Debouncer) purge(ctx context.Context, citizenKey string) {
	d.timers.Cancel(windowKey(citizenKey))
	d.timers.Cancel(idleKey(citizenKey))
	if err := d.sessions.Delete(ctx,
		sessions.Field(citizenKey, sessions.FieldBufferMsgs),
		sessions.Field(citizenKey, sessions.FieldBufferTarget),
		sessions.PendingKey(citizenKey),
	); err != nil {
		slog.Warn("buffer: purge session", "citizen", citizenKey, "error", err)
	}
}

// Pending reports how many fragments are buffered for a citizen.
func (d *Debouncer) Pending(ctx context.Context, citizenKey string) (int, error) {
	items, err := d.sessions.List(ctx, sessions.Field(citizenKey, sessions.FieldBufferMsgs))
	return len(items), err
}
