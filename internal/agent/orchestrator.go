// Package agent runs the adaptive decide-act-verify loop for one goal.
package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/polzovatel/ai-agent-for-desktop-vision/internal/events"
	"github.com/polzovatel/ai-agent-for-desktop-vision/internal/metrics"
	"github.com/polzovatel/ai-agent-for-desktop-vision/internal/oracle"
	"github.com/polzovatel/ai-agent-for-desktop-vision/internal/snapshot"
	"github.com/polzovatel/ai-agent-for-desktop-vision/internal/tools"
)

const (
	DefaultMaxSteps               = 20
	DefaultMaxRetries             = 3
	DefaultMaxConsecutiveFailures = 5
	DefaultGridSize               = 6
	DefaultSettleDelay            = 1000 * time.Millisecond
	DefaultStepDelay              = 500 * time.Millisecond
	DefaultSnapshotTimeout        = 30 * time.Second
)

type Outcome string

const (
	OutcomeCompleted         Outcome = "completed"
	OutcomeFailed            Outcome = "failed"
	OutcomeExhaustedSteps    Outcome = "exhausted_steps"
	OutcomeExhaustedFailures Outcome = "exhausted_failures"
	OutcomeCancelled         Outcome = "cancelled"
)

type Config struct {
	MaxSteps int
	// MaxRetries bounds extra attempts at planning and decision oracle calls
	// that failed in transport or returned an unparseable reply.
	MaxRetries             int
	MaxConsecutiveFailures int
	GridSize               int
	// SettleDelay is the pause between an action and its verification
	// screenshot.
	SettleDelay time.Duration
	// StepDelay is the pause between iterations.
	StepDelay       time.Duration
	SnapshotTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxSteps <= 0 {
		c.MaxSteps = DefaultMaxSteps
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.MaxConsecutiveFailures <= 0 {
		c.MaxConsecutiveFailures = DefaultMaxConsecutiveFailures
	}
	if c.GridSize <= 0 {
		c.GridSize = DefaultGridSize
	}
	if c.SnapshotTimeout <= 0 {
		c.SnapshotTimeout = DefaultSnapshotTimeout
	}
	return c
}

// DefaultConfig returns the loop defaults.
func DefaultConfig() Config {
	return Config{
		MaxSteps:               DefaultMaxSteps,
		MaxRetries:             DefaultMaxRetries,
		MaxConsecutiveFailures: DefaultMaxConsecutiveFailures,
		GridSize:               DefaultGridSize,
		SettleDelay:            DefaultSettleDelay,
		StepDelay:              DefaultStepDelay,
		SnapshotTimeout:        DefaultSnapshotTimeout,
	}
}

type Task struct {
	RunID string
	Goal  string
}

// ActionHistoryEntry records one completed iteration.
type ActionHistoryEntry struct {
	Action      string    `json:"action"`
	Target      string    `json:"target,omitempty"`
	Data        string    `json:"data,omitempty"`
	Success     bool      `json:"success"`
	Observation string    `json:"observation"`
	Timestamp   time.Time `json:"timestamp"`
}

// ExecutionContext is the loop's mutable state for one run.
type ExecutionContext struct {
	Goal                   string
	Plan                   string
	ActionHistory          []ActionHistoryEntry
	CurrentStep            int
	MaxSteps               int
	ConsecutiveFailures    int
	MaxConsecutiveFailures int
}

// Result is reported for every terminal outcome.
type Result struct {
	RunID               string               `json:"runId"`
	Outcome             Outcome              `json:"outcome"`
	Success             bool                 `json:"success"`
	Message             string               `json:"message,omitempty"`
	Error               string               `json:"error,omitempty"`
	Plan                string               `json:"plan,omitempty"`
	StepsCompleted      int                  `json:"stepsCompleted"`
	TotalSteps          int                  `json:"totalSteps"`
	ConsecutiveFailures int                  `json:"consecutiveFailures"`
	History             []ActionHistoryEntry `json:"history,omitempty"`
}

// Summary is a one-line human-readable description of the result.
func (r Result) Summary() string {
	if r.Success {
		return fmt.Sprintf("%s in %d/%d steps: %s", r.Outcome, r.StepsCompleted, r.TotalSteps, r.Message)
	}
	return fmt.Sprintf("%s after %d/%d steps: %s", r.Outcome, r.StepsCompleted, r.TotalSteps, r.Error)
}

type Orchestrator struct {
	cfg      Config
	oracle   Oracle
	capturer snapshot.Capturer
	tools    Executor
	sleep    func(ctx context.Context, d time.Duration) error
	tracer   trace.Tracer
	logger   zerolog.Logger
}

type Option func(*Orchestrator)

// WithSleep replaces the ctx-aware sleep used for settle and step delays.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(o *Orchestrator) { o.sleep = fn }
}

func NewOrchestrator(cfg Config, orc Oracle, capturer snapshot.Capturer, exec Executor, logger zerolog.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:      cfg.withDefaults(),
		oracle:   orc,
		capturer: capturer,
		tools:    exec,
		sleep:    tools.Sleep,
		tracer:   otel.Tracer("github.com/polzovatel/ai-agent-for-desktop-vision/internal/agent"),
		logger:   logger.With().Str("comp", "agent").Logger(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run executes the loop until the goal completes, a budget is exhausted, the
// oracle gives up or ctx is cancelled. It always returns a result.
func (o *Orchestrator) Run(ctx context.Context, task Task) Result {
	ctx, span := o.tracer.Start(ctx, "agent.run", trace.WithAttributes(
		attribute.String("run_id", task.RunID),
		attribute.String("goal", task.Goal),
	))
	defer span.End()
	logger := o.logger.With().Str("run_id", task.RunID).Logger()

	res := o.run(ctx, task, logger)
	res.RunID = task.RunID

	span.SetAttributes(attribute.String("outcome", string(res.Outcome)), attribute.Int("steps", res.StepsCompleted))
	if !res.Success {
		span.SetStatus(codes.Error, res.Error)
	}
	metrics.RunsTotal.WithLabelValues(string(res.Outcome)).Inc()
	metrics.RunSteps.Observe(float64(res.StepsCompleted))
	events.From(ctx).Result(string(res.Outcome), res.Summary())

	logger.Info().
		Str("outcome", string(res.Outcome)).
		Int("steps", res.StepsCompleted).
		Int("max_steps", res.TotalSteps).
		Str("error", res.Error).
		Msg("run finished")
	return res
}

func (o *Orchestrator) run(ctx context.Context, task Task, logger zerolog.Logger) Result {
	em := events.From(ctx)

	// Validating
	em.Step("validating", "Checking whether the goal is achievable from the current screen")
	snap, err := o.screenshot(ctx)
	if err != nil {
		return o.abort(ctx, nil, fmt.Errorf("initial screenshot: %w", err))
	}
	em.Image("Initial screen", snap.GridImage)
	plan, err := o.validate(ctx, task.Goal, snap, logger)
	if err != nil {
		return o.abort(ctx, nil, err)
	}
	if !plan.Feasible {
		reason := plan.Reason
		if reason == "" {
			reason = "goal is not achievable from the current screen"
		}
		logger.Warn().Str("reason", reason).Msg("goal rejected")
		return Result{Outcome: OutcomeFailed, Error: reason, TotalSteps: o.cfg.MaxSteps}
	}
	logger.Info().Str("plan", truncateTextForDebug(plan.Plan, 300)).Msg("plan accepted")
	em.Log("info", "Plan", plan.Plan)

	ec := &ExecutionContext{
		Goal:                   task.Goal,
		Plan:                   plan.Plan,
		ActionHistory:          make([]ActionHistoryEntry, 0, 8),
		MaxSteps:               o.cfg.MaxSteps,
		MaxConsecutiveFailures: o.cfg.MaxConsecutiveFailures,
	}

	// Looping
	for ec.CurrentStep < ec.MaxSteps && ec.ConsecutiveFailures < ec.MaxConsecutiveFailures {
		if err := ctx.Err(); err != nil {
			return o.abort(ctx, ec, err)
		}
		ec.CurrentStep++
		if res := o.step(ctx, ec, logger); res != nil {
			return *res
		}
		if ec.ConsecutiveFailures >= ec.MaxConsecutiveFailures {
			return o.finish(ec, OutcomeExhaustedFailures, "",
				fmt.Sprintf("stopped after %d consecutive failed actions", ec.ConsecutiveFailures))
		}
		if ec.CurrentStep < ec.MaxSteps {
			if err := o.sleep(ctx, o.cfg.StepDelay); err != nil {
				return o.abort(ctx, ec, err)
			}
		}
	}
	return o.finish(ec, OutcomeExhaustedSteps, "", fmt.Sprintf("step budget of %d exhausted before the goal was reached", ec.MaxSteps))
}

// step runs one decide-act-verify iteration. A non-nil result ends the run.
func (o *Orchestrator) step(ctx context.Context, ec *ExecutionContext, logger zerolog.Logger) *Result {
	ctx, span := o.tracer.Start(ctx, "agent.step", trace.WithAttributes(attribute.Int("step", ec.CurrentStep)))
	defer span.End()
	logger = logger.With().Int("step", ec.CurrentStep).Logger()

	snap, err := o.screenshot(ctx)
	if err != nil {
		if ctx.Err() != nil {
			r := o.abort(ctx, ec, err)
			return &r
		}
		logger.Warn().Err(err).Msg("screenshot failed")
		o.record(ctx, ec, ActionHistoryEntry{Action: "screenshot", Observation: fmt.Sprintf("screenshot failed: %v", err)})
		return nil
	}

	dec, err := o.decide(ctx, ec, snap, logger)
	if err != nil {
		r := o.abort(ctx, ec, err)
		return &r
	}
	span.SetAttributes(attribute.String("action", dec.Action), attribute.String("target", dec.Target))
	logger.Info().
		Str("action", dec.Action).
		Str("target", dec.Target).
		Str("data", dec.Data).
		Str("reason", truncateTextForDebug(dec.Reason, 200)).
		Bool("goal_complete", dec.GoalComplete).
		Msg("decision")

	if dec.Action == oracle.ActionError {
		reason := dec.Reason
		if reason == "" {
			reason = "the oracle reported that the goal cannot be achieved"
		}
		r := o.finish(ec, OutcomeFailed, "", reason)
		return &r
	}
	if dec.Finished() {
		msg := dec.Reason
		if msg == "" {
			msg = "goal completed"
		}
		r := o.finish(ec, OutcomeCompleted, msg, "")
		return &r
	}

	action := tools.Action{Name: dec.Action, Target: dec.Target, Data: dec.Data}
	raw, err := o.tools.Invoke(ctx, action)
	if err != nil {
		r := o.abort(ctx, ec, err)
		return &r
	}

	success, observation := raw.Success, raw.Observation
	if action.Name != oracle.ActionWait {
		success, observation, err = o.verify(ctx, action, raw, logger)
		if err != nil {
			r := o.abort(ctx, ec, err)
			return &r
		}
	}
	o.record(ctx, ec, ActionHistoryEntry{
		Action:      action.Name,
		Target:      action.Target,
		Data:        action.Data,
		Success:     success,
		Observation: observation,
	})
	span.SetAttributes(attribute.Bool("success", success))
	return nil
}

func (o *Orchestrator) validate(ctx context.Context, goal string, snap snapshot.Snapshot, logger zerolog.Logger) (oracle.PlanValidation, error) {
	var lastErr error
	for attempt := 0; attempt <= o.cfg.MaxRetries; attempt++ {
		plan, err := o.oracle.ValidatePlan(ctx, goal, snap.Image)
		if err == nil {
			return plan, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return oracle.PlanValidation{}, ctxErr
		}
		lastErr = err
		logger.Warn().Err(err).Int("attempt", attempt+1).Msg("planning oracle failed")
	}
	return oracle.PlanValidation{}, fmt.Errorf("planning: %w", lastErr)
}

func (o *Orchestrator) decide(ctx context.Context, ec *ExecutionContext, snap snapshot.Snapshot, logger zerolog.Logger) (oracle.NextActionDecision, error) {
	in := oracle.DecisionInput{
		Goal:     ec.Goal,
		Plan:     ec.Plan,
		Step:     ec.CurrentStep,
		MaxSteps: ec.MaxSteps,
		History:  toPastActions(ec.ActionHistory),
		Actions:  toActionSpecs(o.tools.Describe()),
		Screen:   snap.Image,
	}
	var lastErr error
	for attempt := 0; attempt <= o.cfg.MaxRetries; attempt++ {
		dec, err := o.oracle.DecideNext(ctx, in)
		if err == nil {
			return dec, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return oracle.NextActionDecision{}, ctxErr
		}
		lastErr = err
		logger.Warn().Err(err).Int("attempt", attempt+1).Msg("decision oracle failed")
	}
	return oracle.NextActionDecision{}, fmt.Errorf("decision: %w", lastErr)
}

// verify asks the oracle whether the action had its expected effect. The
// verdict replaces the raw result, except that an unparseable verdict counts
// as success and an unreachable oracle keeps the raw result.
func (o *Orchestrator) verify(ctx context.Context, a tools.Action, raw tools.Result, logger zerolog.Logger) (bool, string, error) {
	if err := o.sleep(ctx, o.cfg.SettleDelay); err != nil {
		return false, "", err
	}
	snap, err := o.screenshot(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return false, "", ctxErr
		}
		logger.Warn().Err(err).Msg("verification screenshot failed, keeping raw result")
		return raw.Success, raw.Observation, nil
	}

	v, err := o.oracle.Verify(ctx, a.String(), expectedEffect(a), snap.Image)
	switch {
	case err == nil:
		observation := v.Observation
		if observation == "" {
			observation = raw.Observation
		}
		if !raw.Success && raw.Observation != "" && v.Observation != "" {
			observation = raw.Observation + "; " + v.Observation
		}
		return v.Success, observation, nil
	case ctx.Err() != nil:
		return false, "", ctx.Err()
	case errors.Is(err, oracle.ErrParse):
		logger.Warn().Err(err).Msg("verification unparseable, assuming success")
		return true, raw.Observation + " (verification inconclusive)", nil
	default:
		logger.Warn().Err(err).Msg("verification failed, keeping raw result")
		return raw.Success, raw.Observation, nil
	}
}

func (o *Orchestrator) record(ctx context.Context, ec *ExecutionContext, e ActionHistoryEntry) {
	e.Timestamp = time.Now()
	ec.ActionHistory = append(ec.ActionHistory, e)
	if e.Success {
		ec.ConsecutiveFailures = 0
	} else {
		ec.ConsecutiveFailures++
	}
	status := "success"
	if !e.Success {
		status = "failure"
	}
	events.From(ctx).Log(status, fmt.Sprintf("Step %d: %s", ec.CurrentStep, e.Action), e.Observation)
}

func (o *Orchestrator) screenshot(ctx context.Context) (snapshot.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return snapshot.Snapshot{}, err
	}
	return snapshot.Take(ctx, o.capturer, o.cfg.GridSize, o.cfg.SnapshotTimeout)
}

// abort ends the run after err. A done context turns any error into the
// cancelled outcome.
func (o *Orchestrator) abort(ctx context.Context, ec *ExecutionContext, err error) Result {
	if ctx.Err() != nil {
		msg := "run cancelled"
		if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
			msg = cause.Error()
		}
		return o.finish(ec, OutcomeCancelled, "", msg)
	}
	return o.finish(ec, OutcomeFailed, "", err.Error())
}

func (o *Orchestrator) finish(ec *ExecutionContext, outcome Outcome, message, errMsg string) Result {
	res := Result{
		Outcome:    outcome,
		Success:    outcome == OutcomeCompleted,
		Message:    message,
		Error:      errMsg,
		TotalSteps: o.cfg.MaxSteps,
	}
	if ec != nil {
		res.Plan = ec.Plan
		res.StepsCompleted = ec.CurrentStep
		res.ConsecutiveFailures = ec.ConsecutiveFailures
		res.History = append([]ActionHistoryEntry(nil), ec.ActionHistory...)
	}
	return res
}
