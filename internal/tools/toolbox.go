package tools

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/polzovatel/ai-agent-for-desktop-vision/internal/events"
	"github.com/polzovatel/ai-agent-for-desktop-vision/internal/snapshot"
	"github.com/polzovatel/ai-agent-for-desktop-vision/internal/vision"
)

const (
	DefaultSettleDelay = 300 * time.Millisecond
	DefaultScrollPx    = 300
	DefaultWait        = 3000 * time.Millisecond
	MaxWait            = 60 * time.Second
)

// Tool describes one action the decision oracle may choose.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// Action is a resolved decision to execute.
type Action struct {
	Name   string
	Target string
	Data   string
}

func (a Action) String() string {
	s := a.Name
	if a.Target != "" {
		s += " " + strconv.Quote(a.Target)
	}
	if a.Data != "" {
		s += " data=" + strconv.Quote(a.Data)
	}
	return s
}

// Result is the raw outcome of one primitive action.
type Result struct {
	Success     bool
	Observation string
	// Located is set for actions that ran the targeting protocol.
	Located *vision.Target
}

// Locator grounds an element description to a screen coordinate.
type Locator interface {
	Locate(ctx context.Context, description string) (vision.Target, error)
}

// Executor performs exactly one primitive action per Invoke. It never retries;
// retry policy belongs to the loop.
type Executor struct {
	input   snapshot.Input
	locator Locator
	settle  time.Duration
	sleep   func(ctx context.Context, d time.Duration) error
	logger  zerolog.Logger
	tools   []Tool
}

type Option func(*Executor)

func WithSettleDelay(d time.Duration) Option {
	return func(e *Executor) { e.settle = d }
}

// WithSleep replaces the ctx-aware sleep, mainly for tests.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Executor) { e.sleep = fn }
}

func New(input snapshot.Input, locator Locator, logger zerolog.Logger, opts ...Option) *Executor {
	e := &Executor{
		input:   input,
		locator: locator,
		settle:  DefaultSettleDelay,
		sleep:   Sleep,
		logger:  logger.With().Str("comp", "executor").Logger(),
		tools: []Tool{
			newTool("click", "Click an element found by its visual description", schema{"target": str("visual description of the element"), "data": str(`"double" for a double click, "right" for a right click`)}, []string{"target"}),
			newTool("type", "Click an input field, then type text into it", schema{"target": str("input field to focus; empty types into the focused element"), "data": str("text to type")}, []string{"data"}),
			newTool("press", "Press a single key", schema{"data": str("key name: enter, tab, escape, backspace, up, down, ...")}, []string{"data"}),
			newTool("scroll", "Scroll the screen", schema{"data": str(`direction and optional pixels, e.g. "down" or "up 500"`)}, nil),
			newTool("wait", "Wait for the screen to change", schema{"data": str("milliseconds, default 3000")}, nil),
			newTool("done", "The goal is achieved", nil, nil),
			newTool("error", "The goal cannot be achieved; explain in reason", nil, nil),
		},
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *Executor) Describe() []Tool {
	return append([]Tool(nil), e.tools...)
}

// Invoke executes a. The returned error is non-nil only when ctx is done;
// every other failure is reported through Result.
func (e *Executor) Invoke(ctx context.Context, a Action) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	events.From(ctx).Step(a.Name, a.String())
	e.logger.Info().Str("action", a.Name).Str("target", a.Target).Str("data", a.Data).Msg("execute")

	switch strings.ToLower(a.Name) {
	case "click":
		return e.click(ctx, a)
	case "type":
		return e.typeText(ctx, a)
	case "press":
		key := strings.TrimSpace(a.Data)
		if key == "" {
			key = strings.TrimSpace(a.Target)
		}
		if key == "" {
			return failure("press: field data required"), nil
		}
		if err := e.input.PressKey(ctx, key); err != nil {
			return e.primitiveFailed(ctx, "press "+key, err)
		}
		return Result{Success: true, Observation: fmt.Sprintf("pressed %s", key)}, nil
	case "scroll":
		return e.scroll(ctx, a)
	case "wait":
		d := ParseWait(a.Data)
		if err := e.sleep(ctx, d); err != nil {
			return Result{}, err
		}
		return Result{Success: true, Observation: fmt.Sprintf("waited %dms", d.Milliseconds())}, nil
	default:
		return failure(fmt.Sprintf("unknown action %s", a.Name)), nil
	}
}

func (e *Executor) click(ctx context.Context, a Action) (Result, error) {
	if strings.TrimSpace(a.Target) == "" {
		return failure("click: field target required"), nil
	}
	button, count := clickMode(a.Data)
	t, res, err := e.moveAndClick(ctx, a.Target, button, count)
	if err != nil || !res.Success {
		return res, err
	}
	res.Observation = fmt.Sprintf("clicked %q at (%.0f, %.0f)", a.Target, t.Coord.X, t.Coord.Y)
	if count > 1 {
		res.Observation = "double-" + res.Observation
	}
	if button == snapshot.ButtonRight {
		res.Observation = "right-" + res.Observation
	}
	return res, nil
}

func (e *Executor) typeText(ctx context.Context, a Action) (Result, error) {
	if a.Data == "" {
		return failure("type: field data required"), nil
	}
	var res Result
	if strings.TrimSpace(a.Target) != "" {
		var err error
		_, res, err = e.moveAndClick(ctx, a.Target, snapshot.ButtonLeft, 1)
		if err != nil || !res.Success {
			return res, err
		}
	}
	if err := e.input.TypeText(ctx, a.Data); err != nil {
		return e.primitiveFailed(ctx, "type", err)
	}
	res.Success = true
	res.Observation = fmt.Sprintf("typed %q", a.Data)
	if a.Target != "" {
		res.Observation += fmt.Sprintf(" into %q", a.Target)
	}
	return res, nil
}

// moveAndClick grounds target, moves there, settles, clicks and settles.
func (e *Executor) moveAndClick(ctx context.Context, target, button string, count int) (vision.Target, Result, error) {
	t, err := e.locator.Locate(ctx, target)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return t, Result{}, ctxErr
		}
		var tf *vision.TargetingFailure
		if errors.As(err, &tf) {
			return t, failure(fmt.Sprintf("could not locate %q: %s", target, tf.Error())), nil
		}
		return t, failure(fmt.Sprintf("could not locate %q: %v", target, err)), nil
	}
	x, y := t.Coord.Rounded()
	if err := e.input.MoveMouse(ctx, x, y); err != nil {
		r, err := e.primitiveFailed(ctx, "move", err)
		return t, r, err
	}
	if err := e.sleep(ctx, e.settle); err != nil {
		return t, Result{}, err
	}
	if err := e.input.Click(ctx, button, count); err != nil {
		r, err := e.primitiveFailed(ctx, "click", err)
		return t, r, err
	}
	if err := e.sleep(ctx, e.settle); err != nil {
		return t, Result{}, err
	}
	return t, Result{Success: true, Located: &t}, nil
}

func (e *Executor) scroll(ctx context.Context, a Action) (Result, error) {
	s := ParseScroll(a.Data)
	dy := s.Pixels
	key := "pagedown"
	if s.Direction == ScrollUp {
		dy = -dy
		key = "pageup"
	}
	err := e.input.Scroll(ctx, 0, dy)
	if err == nil {
		return Result{Success: true, Observation: fmt.Sprintf("scrolled %s %dpx", s.Direction, s.Pixels)}, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Result{}, ctxErr
	}
	e.logger.Warn().Err(err).Msg("wheel scroll failed, falling back to key press")
	if err := e.input.PressKey(ctx, key); err != nil {
		return e.primitiveFailed(ctx, "scroll via "+key, err)
	}
	return Result{Success: true, Observation: fmt.Sprintf("scrolled %s with %s", s.Direction, key)}, nil
}

func (e *Executor) primitiveFailed(ctx context.Context, what string, err error) (Result, error) {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Result{}, ctxErr
	}
	e.logger.Warn().Err(err).Str("primitive", what).Msg("primitive failed")
	return failure(fmt.Sprintf("%s failed: %v", what, err)), nil
}

func failure(observation string) Result {
	return Result{Success: false, Observation: observation}
}

func clickMode(data string) (button string, count int) {
	switch strings.ToLower(strings.TrimSpace(data)) {
	case "double", "double_click", "doubleclick":
		return snapshot.ButtonLeft, 2
	case "right", "right_click", "rightclick":
		return snapshot.ButtonRight, 1
	default:
		return snapshot.ButtonLeft, 1
	}
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Helpers for schema.
type schema map[string]any

func newTool(name, desc string, props schema, required []string) Tool {
	if props == nil {
		props = schema{}
	}
	return Tool{
		Name:        name,
		Description: desc,
		InputSchema: map[string]any{
			"type":       "object",
			"properties": props,
			"required":   required,
		},
	}
}

func str(desc string) map[string]any { return map[string]any{"type": "string", "description": desc} }
