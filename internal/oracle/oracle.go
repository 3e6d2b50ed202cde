// Package oracle is the boundary to the multimodal model: it builds prompts,
// attaches screenshots, streams replies and decodes the embedded JSON into
// typed results.
package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/polzovatel/ai-agent-for-desktop-vision/internal/events"
	"github.com/polzovatel/ai-agent-for-desktop-vision/internal/llm"
	"github.com/polzovatel/ai-agent-for-desktop-vision/internal/metrics"
)

const (
	KindTargeting    = "targeting"
	KindPlanning     = "planning"
	KindDecision     = "decision"
	KindVerification = "verification"
)

const systemPrompt = `You control a computer by looking at screenshots.
CRITICAL RULES:
1. Respond with a SINGLE JSON object and NOTHING else.
2. Base every answer only on what is visible in the images.
3. Never invent elements. If something is not visible, say so.`

// DefaultTemperature keeps replies close to deterministic.
const DefaultTemperature = 0.1

type Oracle struct {
	llm         llm.Client
	model       string
	temperature float32
	logger      zerolog.Logger
}

func New(client llm.Client, logger zerolog.Logger) *Oracle {
	return &Oracle{llm: client, temperature: DefaultTemperature, logger: logger.With().Str("comp", "oracle").Logger()}
}

// WithTemperature returns a copy of o sampling at t.
func (o *Oracle) WithTemperature(t float32) *Oracle {
	cp := *o
	cp.temperature = max(t, 0)
	return &cp
}

// WithModel returns a copy of o that overrides the client's model. An empty
// model keeps the client default.
func (o *Oracle) WithModel(model string) *Oracle {
	cp := *o
	cp.model = strings.TrimSpace(model)
	return &cp
}

// Model returns the override or the client's default model.
func (o *Oracle) Model() string {
	if o.model != "" {
		return o.model
	}
	return o.llm.Name()
}

// CellQuery asks which grid cell holds an element.
type CellQuery struct {
	Description string
	Image       []byte
	GridImage   []byte
	GridSize    int
	// Refinement marks the second pass over a cropped cell.
	Refinement bool
}

func (o *Oracle) IdentifyCell(ctx context.Context, q CellQuery) (CellIdentificationResult, error) {
	cells := q.GridSize * q.GridSize
	var b strings.Builder
	if q.Refinement {
		b.WriteString("These images are a zoomed crop of a single cell of the previous screenshot.\n")
	}
	fmt.Fprintf(&b, "The first image is a screenshot. The second image is the same screenshot divided into a %dx%d grid.\n", q.GridSize, q.GridSize)
	fmt.Fprintf(&b, "Cells are numbered row by row from 1 (top-left) to %d (bottom-right).\n", cells)
	fmt.Fprintf(&b, "ELEMENT: %s\n\n", q.Description)
	b.WriteString("Pick the cell that contains the center of the element.\n")
	b.WriteString(`Use status "not_found" if the element is not visible and "ambiguous" if several cells match equally well. Do not guess.` + "\n")
	fmt.Fprintf(&b, `OUTPUT FORMAT: {"cell": 0-%d, "confidence": "high|medium|low|none", "status": "found|not_found|ambiguous", "reason": "...", "suggested_retry": "..."}`, cells)

	var res CellIdentificationResult
	err := o.call(ctx, KindTargeting, llm.Request{
		System: systemPrompt,
		Prompt: b.String(),
		Images: []llm.Image{llm.PNG(q.Image), llm.PNG(q.GridImage)},
	}, cellSchema, &res)
	return res, err
}

// ValidatePlan asks whether goal is achievable from the current screen and
// for a free-form plan.
func (o *Oracle) ValidatePlan(ctx context.Context, goal string, screen []byte) (PlanValidation, error) {
	prompt := fmt.Sprintf(`GOAL: %s

Look at the current screen. Decide whether the goal can be achieved from here using mouse clicks, typing, key presses and scrolling.
If it can, write a short natural-language plan. If it cannot, explain why.
OUTPUT FORMAT: {"feasible": true|false, "plan": "...", "reason": "..."}`, goal)

	var res PlanValidation
	err := o.call(ctx, KindPlanning, llm.Request{
		System: systemPrompt,
		Prompt: prompt,
		Images: []llm.Image{llm.PNG(screen)},
	}, planSchema, &res)
	return res, err
}

// PastAction is one entry of the history shown to the decision oracle.
type PastAction struct {
	Action      string `json:"action"`
	Target      string `json:"target,omitempty"`
	Data        string `json:"data,omitempty"`
	Success     bool   `json:"success"`
	Observation string `json:"observation"`
}

// ActionSpec describes one action the oracle may choose.
type ActionSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Input       map[string]any `json:"input,omitempty"`
}

type DecisionInput struct {
	Goal     string
	Plan     string
	Step     int
	MaxSteps int
	History  []PastAction
	Actions  []ActionSpec
	Screen   []byte
}

const defaultActions = `- click: target = visual description of the element; data = "double" or "right" for other click kinds
- type: target = input field to click first; data = text to type
- press: data = key name (enter, tab, escape, ...)
- scroll: data = "up" or "down" and optional pixels, e.g. "down 500"
- wait: data = milliseconds
- done: the goal is achieved
- error: the goal cannot be achieved; reason explains why`

func (o *Oracle) DecideNext(ctx context.Context, in DecisionInput) (NextActionDecision, error) {
	history, err := json.Marshal(in.History)
	if err != nil {
		return NextActionDecision{}, fmt.Errorf("marshal history: %w", err)
	}
	actions := defaultActions
	if len(in.Actions) > 0 {
		raw, err := json.Marshal(in.Actions)
		if err != nil {
			return NextActionDecision{}, fmt.Errorf("marshal actions: %w", err)
		}
		actions = string(raw)
	}
	prompt := fmt.Sprintf(`GOAL: %s
PLAN: %s
STEP: %d of %d
HISTORY: %s

Decide the single next action from the current screen. Do not repeat approaches that already failed.
ACTIONS:
%s
OUTPUT FORMAT: {"action": "...", "target": "...", "data": "...", "reason": "...", "goalComplete": true|false}`,
		in.Goal, in.Plan, in.Step, in.MaxSteps, history, actions)

	var res NextActionDecision
	if err := o.call(ctx, KindDecision, llm.Request{
		System: systemPrompt,
		Prompt: prompt,
		Images: []llm.Image{llm.PNG(in.Screen)},
	}, decisionSchema, &res); err != nil {
		return NextActionDecision{}, err
	}
	if err := res.normalize(); err != nil {
		return NextActionDecision{}, &ParseError{Kind: KindDecision, Err: err}
	}
	return res, nil
}

// Verify asks whether expectation holds on screen after an action.
func (o *Oracle) Verify(ctx context.Context, action, expectation string, screen []byte) (VerificationResult, error) {
	prompt := fmt.Sprintf(`ACTION PERFORMED: %s
EXPECTED EFFECT: %s

Look at the current screen and decide whether the expected effect actually happened.
OUTPUT FORMAT: {"success": true|false, "observation": "what you see"}`, action, expectation)

	var res VerificationResult
	err := o.call(ctx, KindVerification, llm.Request{
		System: systemPrompt,
		Prompt: prompt,
		Images: []llm.Image{llm.PNG(screen)},
	}, verificationSchema, &res)
	return res, err
}

func (o *Oracle) call(ctx context.Context, kind string, req llm.Request, s *Schema, out any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	req.Model = o.model
	req.Temperature = o.temperature
	em := events.From(ctx)
	start := time.Now()

	resp, err := llm.Generate(ctx, o.llm, req, nil)
	metrics.OracleDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.OracleRequests.WithLabelValues(kind, "error").Inc()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		o.logger.Warn().Err(err).Str("kind", kind).Msg("oracle call failed")
		return fmt.Errorf("%s oracle: %w", kind, err)
	}
	if resp.Reasoning != "" && em.Debug() {
		em.Log("reasoning", kind, resp.Reasoning)
	}

	o.logger.Debug().
		Str("kind", kind).
		Str("model", o.Model()).
		Dur("took", time.Since(start)).
		Str("response_preview", truncate(resp.Content, 200)).
		Msg("oracle reply")

	if err := Decode(resp.Content, s, out); err != nil {
		metrics.OracleRequests.WithLabelValues(kind, "parse_error").Inc()
		o.logger.Warn().Err(err).Str("kind", kind).Msg("oracle reply did not match schema")
		em.Log("warning", kind+" reply unparseable", truncate(resp.Content, 500))
		return err
	}
	metrics.OracleRequests.WithLabelValues(kind, "ok").Inc()
	return nil
}
