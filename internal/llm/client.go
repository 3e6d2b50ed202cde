package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderGemini    = "gemini"
)

// Client streams a multimodal completion. fn receives fragments in order;
// returning an error from fn aborts the stream with that error.
type Client interface {
	Stream(ctx context.Context, req Request, fn func(Fragment) error) error
	Name() string
}

// Image is an inline image attached to a request.
type Image struct {
	MediaType string
	Data      []byte
}

func PNG(data []byte) Image {
	return Image{MediaType: "image/png", Data: data}
}

func (i Image) mediaType() string {
	if i.MediaType == "" {
		return "image/png"
	}
	return i.MediaType
}

type Request struct {
	System string
	Prompt string
	Images []Image
	// Model overrides the client's default model for this call.
	Model       string
	Temperature float32
	MaxTokens   int
}

// Fragment is one incremental piece of a streamed reply.
type Fragment struct {
	Content   string
	Reasoning string
}

// Response is a fully assembled reply.
type Response struct {
	Content   string
	Reasoning string
}

// DefaultMaxTokens caps replies when neither the config nor the request sets
// a limit.
const DefaultMaxTokens = 2048

// Config selects and configures a provider.
type Config struct {
	Provider  string
	Model     string
	APIKey    string
	BaseURL   string
	MaxTokens int
}

func (c Config) maxTokens() int {
	if c.MaxTokens > 0 {
		return c.MaxTokens
	}
	return DefaultMaxTokens
}

// tokenLimit prefers the per-request limit over the client's configured one.
func tokenLimit(req Request, configured int) int {
	if req.MaxTokens > 0 {
		return req.MaxTokens
	}
	return configured
}

// NewClientWithLogger creates a client for cfg.Provider, defaulting to Anthropic.
func NewClientWithLogger(cfg Config, logger zerolog.Logger) (Client, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = ProviderAnthropic
	}
	cfg.Model = strings.Trim(strings.TrimSpace(cfg.Model), "\"'")
	cfg.APIKey = strings.TrimSpace(cfg.APIKey)

	switch provider {
	case ProviderOpenAI:
		return NewOpenAI(cfg, logger)
	case ProviderAnthropic:
		return NewAnthropic(cfg, logger)
	case ProviderGemini:
		return NewGemini(context.Background(), cfg, logger)
	default:
		return nil, fmt.Errorf("unknown LLM provider: %s (use 'anthropic', 'openai' or 'gemini')", provider)
	}
}

// Generate streams req through c, forwards every fragment to onFragment when
// it is non-nil, and returns the assembled reply.
func Generate(ctx context.Context, c Client, req Request, onFragment func(Fragment)) (Response, error) {
	var content, reasoning strings.Builder
	err := c.Stream(ctx, req, func(f Fragment) error {
		content.WriteString(f.Content)
		reasoning.WriteString(f.Reasoning)
		if onFragment != nil {
			onFragment(f)
		}
		return nil
	})
	if err != nil {
		return Response{}, err
	}
	return Response{Content: content.String(), Reasoning: reasoning.String()}, nil
}

type limitedClient struct {
	Client
	lim *rate.Limiter
}

// WithRateLimit makes every Stream call wait for lim first. A nil limiter
// returns c unchanged.
func WithRateLimit(c Client, lim *rate.Limiter) Client {
	if lim == nil {
		return c
	}
	return &limitedClient{Client: c, lim: lim}
}

func (l *limitedClient) Stream(ctx context.Context, req Request, fn func(Fragment) error) error {
	if err := l.lim.Wait(ctx); err != nil {
		return err
	}
	return l.Client.Stream(ctx, req, fn)
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
