package bot

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/nextlevelbuilder/goattend/internal/config"
	"github.com/nextlevelbuilder/goattend/internal/store"
)

const defaultPrompt = "Eres el asistente virtual de un centro de atención ciudadana. " +
	"Responde en español, de forma breve y cordial. Si el ciudadano pide hablar con un asesor, " +
	"indícale que escriba ASESOR."

// historyTurns bounds the per-citizen context kept in memory.
const historyTurns = 10

// OpenAIClient answers with a chat-completion model, keeping a short
// per-citizen history so follow-up batches have context.
type OpenAIClient struct {
	client      *openai.Client
	model       string
	prompt      string
	maxTokens   int
	temperature float32
	timeout     time.Duration

	mu      sync.Mutex
	history map[string][]openai.ChatCompletionMessage
}

// NewOpenAIClient creates an OpenAIClient. A non-empty cfg.URL overrides
// the API base for OpenAI-compatible servers.
func NewOpenAIClient(cfg config.BotConfig, timeout time.Duration) *OpenAIClient {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.URL != "" {
		oc.BaseURL = cfg.URL
	}
	model := cfg.Model
	if model == "" {
		model = openai.GPT4oMini
	}
	prompt := cfg.Prompt
	if prompt == "" {
		prompt = defaultPrompt
	}
	return &OpenAIClient{
		client:      openai.NewClientWithConfig(oc),
		model:       model,
		prompt:      prompt,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		timeout:     timeout,
		history:     make(map[string][]openai.ChatCompletionMessage),
	}
}

func (c *OpenAIClient) Query(ctx context.Context, channel, citizenKey, text string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	user := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: text}
	msgs := []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleSystem, Content: c.prompt}}
	msgs = append(msgs, c.turns(citizenKey)...)
	msgs = append(msgs, user)

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    msgs,
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
		User:        citizenKey,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: openai: %v", store.ErrDownstreamUnavailable, err)
	}
	if len(resp.Choices) == 0 {
		slog.Warn("bot: openai returned no choices", "channel", channel, "citizen", citizenKey)
		return nil, nil
	}
	answer := resp.Choices[0].Message.Content
	c.remember(citizenKey, user, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: answer})
	return splitParagraphs(answer), nil
}

func (c *OpenAIClient) turns(key string) []openai.ChatCompletionMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]openai.ChatCompletionMessage(nil), c.history[key]...)
}

func (c *OpenAIClient) remember(key string, msgs ...openai.ChatCompletionMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h := append(c.history[key], msgs...)
	if len(h) > historyTurns*2 {
		h = h[len(h)-historyTurns*2:]
	}
	c.history[key] = h
}

// Forget drops a citizen's history, used when their attention closes.
func (c *OpenAIClient) Forget(citizenKey string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.history, citizenKey)
}
