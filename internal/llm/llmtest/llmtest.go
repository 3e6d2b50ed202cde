// Package llmtest provides a scripted llm.Client for tests.
package llmtest

import (
	"context"
	"errors"
	"sync"

	"github.com/polzovatel/ai-agent-for-desktop-vision/internal/llm"
)

// ErrExhausted is returned once every scripted reply has been used.
var ErrExhausted = errors.New("llmtest: no scripted reply left")

// Reply is one scripted answer. Err, when set, is returned instead.
type Reply struct {
	Content   string
	Reasoning string
	Err       error
}

// Client replays replies in order and records every request.
type Client struct {
	mu       sync.Mutex
	replies  []Reply
	requests []llm.Request
	// Fallback, when set, answers requests after the script runs out.
	Fallback func(req llm.Request) Reply
}

func New(replies ...Reply) *Client {
	return &Client{replies: replies}
}

// Text scripts plain content replies.
func Text(contents ...string) *Client {
	c := &Client{}
	for _, s := range contents {
		c.replies = append(c.replies, Reply{Content: s})
	}
	return c
}

func (c *Client) Name() string { return "scripted" }

func (c *Client) Stream(ctx context.Context, req llm.Request, fn func(llm.Fragment) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.requests = append(c.requests, req)
	var r Reply
	switch {
	case len(c.replies) > 0:
		r = c.replies[0]
		c.replies = c.replies[1:]
	case c.Fallback != nil:
		fb := c.Fallback
		c.mu.Unlock()
		r = fb(req)
		c.mu.Lock()
	default:
		r = Reply{Err: ErrExhausted}
	}
	c.mu.Unlock()

	if r.Err != nil {
		return r.Err
	}
	if r.Reasoning != "" {
		if err := fn(llm.Fragment{Reasoning: r.Reasoning}); err != nil {
			return err
		}
	}
	return fn(llm.Fragment{Content: r.Content})
}

// Requests returns a copy of the recorded requests.
func (c *Client) Requests() []llm.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]llm.Request(nil), c.requests...)
}

// Calls returns the number of requests seen.
func (c *Client) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}
