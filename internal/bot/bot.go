// Package bot queries the external NLU service that answers citizens
// while a room is bot mediated.
package bot

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nextlevelbuilder/goattend/internal/config"
)

// Client answers one coalesced citizen utterance. Each returned entry is
// delivered as its own message.
type Client interface {
	Query(ctx context.Context, channel, citizenKey, text string) ([]string, error)
}

// New builds the client selected by cfg.Provider.
func New(cfg config.BotConfig) (Client, error) {
	timeout := config.ParseDuration(cfg.Timeout, 15*time.Second)
	switch strings.ToLower(cfg.Provider) {
	case "", "http":
		if cfg.URL == "" {
			return nil, fmt.Errorf("bot: provider http needs bot.url")
		}
		return NewHTTPClient(cfg.URL, cfg.APIKey, timeout), nil
	case "openai":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("bot: provider openai needs GOATTEND_BOT_API_KEY")
		}
		return NewOpenAIClient(cfg, timeout), nil
	case "none":
		return Nop{}, nil
	default:
		return nil, fmt.Errorf("bot: unknown provider %q", cfg.Provider)
	}
}

// Nop never answers. Buffered messages are consumed silently and left
// for the assigned agent.
type Nop struct{}

func (Nop) Query(context.Context, string, string, string) ([]string, error) { return nil, nil }

// splitParagraphs breaks a free-form answer into message-sized lines.
func splitParagraphs(s string) []string {
	var out []string
	for _, p := range strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n\n") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
