// Package runs admits at most one automation run per process and lets
// callers cancel it by id.
package runs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/polzovatel/ai-agent-for-desktop-vision/internal/agent"
	"github.com/polzovatel/ai-agent-for-desktop-vision/internal/events"
	"github.com/polzovatel/ai-agent-for-desktop-vision/internal/metrics"
)

var (
	ErrRunInProgress = errors.New("run already in progress")
	// ErrCancelled is the cancellation cause of runs stopped through Cancel.
	ErrCancelled = errors.New("run cancelled")
	ErrEmptyGoal = errors.New("goal is empty")
)

type Request struct {
	Goal string `json:"goal"`
	// Model overrides the oracle model for this run.
	Model string `json:"model,omitempty"`
	Debug bool   `json:"debug,omitempty"`
	RunID string `json:"runId,omitempty"`
}

// Runner executes one run to completion. ctx carries the run's cancellation
// signal and its events.Emitter.
type Runner func(ctx context.Context, id string, req Request) agent.Result

// Run is one admitted run.
type Run struct {
	ID        string
	Request   Request
	StartedAt time.Time

	cancel context.CancelCauseFunc
	done   chan struct{}
	result agent.Result
}

// Done is closed once the run has finished and left the registry.
func (r *Run) Done() <-chan struct{} { return r.done }

// Result returns the terminal result once Done is closed.
func (r *Run) Result() (agent.Result, bool) {
	select {
	case <-r.done:
		return r.result, true
	default:
		return agent.Result{}, false
	}
}

// Wait blocks until the run finishes or ctx is done.
func (r *Run) Wait(ctx context.Context) (agent.Result, error) {
	select {
	case <-r.done:
		return r.result, nil
	case <-ctx.Done():
		return agent.Result{}, ctx.Err()
	}
}

type Registry struct {
	mu     sync.Mutex
	active *Run
	runner Runner
	pub    events.Publisher
	wg     sync.WaitGroup
	logger zerolog.Logger
}

func NewRegistry(runner Runner, pub events.Publisher, logger zerolog.Logger) *Registry {
	if pub == nil {
		pub = events.Nop
	}
	return &Registry{runner: runner, pub: pub, logger: logger.With().Str("comp", "runs").Logger()}
}

// Start admits req and runs it in the background. It fails with
// ErrRunInProgress while another run is active. The run keeps ctx's values but
// not its cancellation; use Cancel or Shutdown to stop it.
func (r *Registry) Start(ctx context.Context, req Request) (*Run, error) {
	req.Goal = strings.TrimSpace(req.Goal)
	if req.Goal == "" {
		return nil, ErrEmptyGoal
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active != nil {
		return nil, fmt.Errorf("%w: %s", ErrRunInProgress, r.active.ID)
	}

	id := strings.TrimSpace(req.RunID)
	if id == "" {
		id = uuid.NewString()
	}
	runCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	runCtx = events.WithEmitter(runCtx, events.NewEmitter(r.pub, id, req.Debug))

	run := &Run{
		ID:        id,
		Request:   req,
		StartedAt: time.Now(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	r.active = run
	metrics.ActiveRuns.Set(1)
	r.logger.Info().Str("run_id", id).Str("goal", req.Goal).Str("model", req.Model).Bool("debug", req.Debug).Msg("run started")

	r.wg.Add(1)
	go r.execute(runCtx, run)
	return run, nil
}

func (r *Registry) execute(ctx context.Context, run *Run) {
	defer r.wg.Done()
	defer run.cancel(nil)

	res := r.invoke(ctx, run)
	res.RunID = run.ID
	run.result = res

	r.mu.Lock()
	if r.active == run {
		r.active = nil
		metrics.ActiveRuns.Set(0)
	}
	r.mu.Unlock()

	r.logger.Info().
		Str("run_id", run.ID).
		Str("outcome", string(res.Outcome)).
		Dur("took", time.Since(run.StartedAt)).
		Msg("run finished")
	close(run.done)
}

func (r *Registry) invoke(ctx context.Context, run *Run) (res agent.Result) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error().Str("run_id", run.ID).Interface("panic", p).Msg("run panicked")
			res = agent.Result{Outcome: agent.OutcomeFailed, Error: fmt.Sprintf("internal error: %v", p)}
		}
	}()
	return r.runner(ctx, run.ID, run.Request)
}

// Cancel signals the active run if its id is runID. It reports whether a run
// was signalled.
func (r *Registry) Cancel(runID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil || r.active.ID != runID {
		return false
	}
	r.logger.Info().Str("run_id", runID).Msg("cancelling run")
	r.active.cancel(ErrCancelled)
	return true
}

// Active returns the run currently holding the slot.
func (r *Registry) Active() (*Run, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active, r.active != nil
}

// Shutdown cancels the active run and waits for it to unwind.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.active != nil {
		r.active.cancel(ErrCancelled)
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
