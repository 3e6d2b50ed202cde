package llm

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/rs/zerolog"
)

const (
	EnvAnthropicAPIKey    = "ANTHROPIC_API_KEY"
	EnvAnthropicModel     = "ANTHROPIC_MODEL"
	defaultAnthropicModel = "claude-sonnet-4-5-20250929"

	maxRetries     = 3
	maxRequestSize = 200000 // ~200KB limit for safety
)

// MessagesClient is the subset of the Anthropic SDK used here.
type MessagesClient interface {
	NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
}

type anthropicClient struct {
	msg       MessagesClient
	model     string
	maxTokens int
	logger    zerolog.Logger
}

// NewAnthropic builds a client on the official SDK. The SDK retries 429 and
// 5xx responses itself.
func NewAnthropic(cfg Config, logger zerolog.Logger) (Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("missing %s", EnvAnthropicAPIKey)
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(maxRetries),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	ac := sdk.NewClient(opts...)
	return NewAnthropicFromMessages(&ac.Messages, cfg, logger), nil
}

// NewAnthropicFromMessages wraps an existing messages client.
func NewAnthropicFromMessages(msg MessagesClient, cfg Config, logger zerolog.Logger) Client {
	model := cfg.Model
	if model == "" {
		model = defaultAnthropicModel
	}
	return &anthropicClient{
		msg:       msg,
		model:     model,
		maxTokens: cfg.maxTokens(),
		logger:    logger.With().Str("provider", ProviderAnthropic).Logger(),
	}
}

func (c *anthropicClient) Name() string { return c.model }

func (c *anthropicClient) Stream(ctx context.Context, req Request, fn func(Fragment) error) error {
	if strings.TrimSpace(req.Prompt) == "" && len(req.Images) == 0 {
		return errors.New("empty request")
	}
	model := c.model
	if req.Model != "" {
		model = req.Model
	}

	blocks := make([]sdk.ContentBlockParamUnion, 0, len(req.Images)+1)
	for _, img := range req.Images {
		blocks = append(blocks, sdk.NewImageBlockBase64(img.mediaType(), base64.StdEncoding.EncodeToString(img.Data)))
	}
	blocks = append(blocks, sdk.NewTextBlock(clip(c.logger, "prompt", req.Prompt)))

	params := sdk.MessageNewParams{
		Model:       sdk.Model(model),
		MaxTokens:   int64(tokenLimit(req, c.maxTokens)),
		Messages:    []sdk.MessageParam{sdk.NewUserMessage(blocks...)},
		Temperature: sdk.Float(float64(req.Temperature)),
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: clip(c.logger, "system", req.System)}}
	}

	c.logger.Debug().
		Str("model", model).
		Int("images", len(req.Images)).
		Int("max_tokens", int(params.MaxTokens)).
		Msg("Anthropic API request")

	start := time.Now()
	stream := c.msg.NewStreaming(ctx, params)
	defer stream.Close()

	var received int
	for stream.Next() {
		ev, ok := stream.Current().AsAny().(sdk.ContentBlockDeltaEvent)
		if !ok {
			continue
		}
		var f Fragment
		switch d := ev.Delta.AsAny().(type) {
		case sdk.TextDelta:
			f.Content = d.Text
		case sdk.ThinkingDelta:
			f.Reasoning = d.Thinking
		default:
			continue
		}
		received += len(f.Content) + len(f.Reasoning)
		if err := fn(f); err != nil {
			return err
		}
	}
	if err := stream.Err(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		c.logger.Error().Err(err).Str("model", model).Msg("Anthropic API error")
		return fmt.Errorf("anthropic stream: %w", err)
	}

	c.logger.Debug().
		Int("response_length", received).
		Dur("took", time.Since(start)).
		Msg("Anthropic API success")
	return nil
}

func clip(logger zerolog.Logger, what, s string) string {
	if len(s) <= maxRequestSize {
		return s
	}
	logger.Warn().Str("part", what).Int("size", len(s)).Msg("request part too large, truncating")
	return s[:maxRequestSize] + "... [truncated]"
}
