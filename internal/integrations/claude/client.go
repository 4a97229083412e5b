// Package claude wraps the Anthropic Messages API behind the single Generate
// call the chat pipeline needs, classifying failures into the three
// categories the orchestrator handles.
package claude

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"persona-chat/internal/domain"
)

const (
	defaultModel       = "claude-3-haiku-20240307"
	defaultMaxTokens   = 1000
	defaultTemperature = 0.7
)

// Failure classifications. Callers test with errors.Is; the original cause
// stays wrapped underneath.
var (
	// ErrRateLimited means the provider returned 429; do not retry
	// immediately.
	ErrRateLimited = errors.New("claude: rate limited")
	// ErrUnavailable covers connection failures and provider 5xx responses.
	ErrUnavailable = errors.New("claude: service unavailable")
	// ErrProvider covers any other non-2xx provider response.
	ErrProvider = errors.New("claude: provider error")
)

// Reply is a successful generation result.
type Reply struct {
	Text   string
	Tokens int // input + output tokens as reported by the provider
}

// Client is a focused Anthropic client for one-shot chat generation. It does
// not retry; backoff policy belongs to the caller.
type Client struct {
	api         anthropic.Client
	model       string
	maxTokens   int64
	temperature float64
	sdkOpts     []option.RequestOption
}

type Option func(*Client)

func WithModel(model string) Option {
	return func(c *Client) {
		if m := strings.TrimSpace(model); m != "" {
			c.model = m
		}
	}
}

func WithMaxTokens(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxTokens = int64(n)
		}
	}
}

func WithTemperature(t float64) Option {
	return func(c *Client) {
		c.temperature = t
	}
}

// WithRequestOptions passes extra options to the underlying SDK client,
// e.g. option.WithBaseURL in tests.
func WithRequestOptions(opts ...option.RequestOption) Option {
	return func(c *Client) {
		c.sdkOpts = append(c.sdkOpts, opts...)
	}
}

// NewClient creates a Client for the given API key.
func NewClient(apiKey string, opts ...Option) (*Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("claude: api key must not be empty")
	}
	c := &Client{
		model:       defaultModel,
		maxTokens:   defaultMaxTokens,
		temperature: defaultTemperature,
	}
	for _, opt := range opts {
		opt(c)
	}
	// The SDK retries 429/5xx on its own; retry policy belongs to the
	// caller, so it is disabled here.
	base := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}
	c.api = anthropic.NewClient(append(base, c.sdkOpts...)...)
	return c, nil
}

// Generate sends one chat completion request: the assembled system prompt,
// the ordered prior turns, and the new user text. It returns the reply text
// and the provider-reported token usage.
func (c *Client) Generate(ctx context.Context, systemPrompt string, prior []domain.ChatMessage, userText string) (Reply, error) {
	messages := make([]anthropic.MessageParam, 0, len(prior)+1)
	for _, m := range prior {
		switch m.Role {
		case domain.RoleUser:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		case domain.RoleAssistant:
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(userText)))

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(c.model),
		MaxTokens:   c.maxTokens,
		Temperature: anthropic.Float(c.temperature),
		Messages:    messages,
	}
	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: systemPrompt}}
	}

	msg, err := c.api.Messages.New(ctx, params)
	if err != nil {
		return Reply{}, classify(err)
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	text := sb.String()
	if text == "" {
		return Reply{}, fmt.Errorf("%w: empty response content", ErrProvider)
	}

	return Reply{
		Text:   text,
		Tokens: int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
	}, nil
}

// classify maps SDK and transport errors onto the adapter's failure
// taxonomy, keeping the cause wrapped.
func classify(err error) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		switch {
		case apierr.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("%w: %v", ErrRateLimited, err)
		case apierr.StatusCode >= http.StatusInternalServerError:
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		default:
			return fmt.Errorf("%w: %v", ErrProvider, err)
		}
	}
	// No HTTP response at all: network / timeout / cancellation.
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
