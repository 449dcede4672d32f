package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nextlevelbuilder/goattend/internal/config"
	"github.com/nextlevelbuilder/goattend/internal/conversation"
	"github.com/nextlevelbuilder/goattend/internal/ingest"
	"github.com/nextlevelbuilder/goattend/internal/scheduler"
	"github.com/nextlevelbuilder/goattend/internal/sessions"
	"github.com/nextlevelbuilder/goattend/internal/store"
	"github.com/nextlevelbuilder/goattend/internal/store/mem"
	"github.com/nextlevelbuilder/goattend/internal/store/pg"
	"github.com/nextlevelbuilder/goattend/internal/verification"
)

// setupStores opens Postgres in managed mode, otherwise an in-memory store
// seeded from the config directory section.
func setupStores(cfg *config.Config) (*store.Stores, func(), error) {
	if cfg.IsManagedMode() {
		stores, db, err := pg.NewPGStores(cfg.Database.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		slog.Info("postgres store ready")
		return stores, func() { db.Close() }, nil
	}

	m := mem.New()
	if err := m.Seed(cfg.Directory); err != nil {
		return nil, nil, fmt.Errorf("seed directory: %w", err)
	}
	slog.Info("in-memory store ready", "channels", len(cfg.Directory.Channels), "agents", len(cfg.Directory.Agents))
	return m.Stores(), func() {}, nil
}

func sessionBackend(cfg *config.Config) string {
	if cfg.Sessions.Backend == "redis" {
		return "redis"
	}
	return "memory"
}

// setupSessions opens the ephemeral per-citizen session store.
func setupSessions(ctx context.Context, cfg *config.Config) (sessions.Store, error) {
	if sessionBackend(cfg) == "redis" {
		if cfg.Sessions.RedisURL == "" {
			return nil, fmt.Errorf("sessions backend redis requires GOATTEND_REDIS_URL")
		}
		return sessions.NewRedisStore(ctx, cfg.Sessions.RedisURL)
	}
	return sessions.NewMemoryStore(), nil
}

func verificationFlow(cfg *config.Config, sess sessions.Store, stores *store.Stores, machine *conversation.Machine, pipeline *ingest.Pipeline, timers *scheduler.Timers) *verification.Flow {
	return verification.NewFlow(verification.Deps{
		Sessions: sess,
		Convs:    stores.Conversations,
		Machine:  machine,
		Sender:   pipeline,
		Timers:   timers,
		Config:   cfg,
	})
}
