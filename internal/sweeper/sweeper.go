// Package sweeper closes attentions that went idle while no inactivity
// timer was watching them, typically after a restart lost the in-memory
// timers.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"

	"github.com/nextlevelbuilder/goattend/internal/config"
	"github.com/nextlevelbuilder/goattend/internal/conversation"
	"github.com/nextlevelbuilder/goattend/internal/store"
)

const (
	defaultCron = "*/5 * * * *"
	batchSize   = 200

	// live timers fire first; the sweeper only takes what they missed
	grace = time.Minute
)

// Closer closes attentions.
type Closer interface {
	Close(ctx context.Context, attentionID uuid.UUID, reason string) (bool, error)
	TargetFor(ctx context.Context, attentionID uuid.UUID) (conversation.Target, error)
}

// Flusher drains orphaned bot buffers.
type Flusher interface {
	FlushAll(ctx context.Context) error
}

// Sweeper periodically closes stale attentions.
type Sweeper struct {
	convs   store.ConversationStore
	closer  Closer
	sender  conversation.Sender
	flusher Flusher
	cfg     *config.Config
	cron    string
	now     func() time.Time
}

// Deps wires a Sweeper. Sender and Flusher are optional.
type Deps struct {
	Convs   store.ConversationStore
	Closer  Closer
	Sender  conversation.Sender
	Flusher Flusher
	Config  *config.Config
}

// New creates a Sweeper, validating the configured cron expression.
func New(d Deps) (*Sweeper, error) {
	expr := d.Config.Sweeper.Cron
	if expr == "" {
		expr = defaultCron
	}
	if !gronx.IsValid(expr) {
		return nil, fmt.Errorf("sweeper: invalid cron expression %q", expr)
	}
	return &Sweeper{
		convs:   d.Convs,
		closer:  d.Closer,
		sender:  d.Sender,
		flusher: d.Flusher,
		cfg:     d.Config,
		cron:    expr,
		now:     time.Now,
	}, nil
}

// RunOnce closes every attention idle longer than the inactivity timeout
// and flushes orphaned buffers. Returns the number closed.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	if s.flusher != nil {
		if err := s.flusher.FlushAll(ctx); err != nil {
			slog.Warn("sweeper: buffer flush failed", "error", err)
		}
	}

	before := s.now().Add(-(s.cfg.Timings().InactivityTimeout + grace))
	closed := 0
	for {
		stale, err := s.convs.ListStaleAttentions(ctx, before, batchSize)
		if err != nil {
			return closed, fmt.Errorf("list stale attentions: %w", err)
		}
		n := 0
		for _, att := range stale {
			if ctx.Err() != nil {
				return closed, ctx.Err()
			}
			if s.closeOne(ctx, att.ID) {
				n++
			}
		}
		closed += n
		if len(stale) < batchSize || n == 0 {
			break
		}
	}
	if closed > 0 {
		slog.Info("sweeper: closed stale attentions", "count", closed)
	}
	return closed, nil
}

func (s *Sweeper) closeOne(ctx context.Context, id uuid.UUID) bool {
	if s.sender != nil {
		if t, err := s.closer.TargetFor(ctx, id); err == nil {
			if err := s.sender.SendBot(ctx, t, s.cfg.ClosingNotice()); err != nil {
				slog.Warn("sweeper: closing notice failed", "attention", id, "error", err)
			}
		}
	}
	ok, err := s.closer.Close(ctx, id, conversation.ReasonSweeper)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		slog.Error("sweeper: close failed", "attention", id, "error", err)
		return false
	}
	return ok
}

// Start runs the sweep on the cron schedule until ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	slog.Info("sweeper: started", "cron", s.cron)
	go s.loop(ctx)
}

func (s *Sweeper) loop(ctx context.Context) {
	for {
		next, err := gronx.NextTickAfter(s.cron, s.now().UTC(), false)
		wait := time.Until(next)
		if err != nil {
			slog.Error("sweeper: next tick failed", "cron", s.cron, "error", err)
			wait = 30 * time.Second
		}
		select {
		case <-ctx.Done():
			slog.Info("sweeper: stopped")
			return
		case <-time.After(wait):
		}
		if err != nil {
			continue
		}
		if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			slog.Error("sweeper: run failed", "error", err)
		}
	}
}
