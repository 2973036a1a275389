package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"

	"github.com/opsprobe-dev/opsprobe/internal/agents"
	"github.com/opsprobe-dev/opsprobe/internal/metrics"
	"github.com/opsprobe-dev/opsprobe/internal/models"
)

// TimeoutError reports that a step exceeded its per-attempt bound on every
// attempt. It is distinct from a content-producing error so the workflow
// can proceed with degraded confidence instead of recording a computation
// failure.
type TimeoutError struct {
	Agent    string
	Attempts int
	Timeout  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("agent %s timed out after %d attempts of %s", e.Agent, e.Attempts, e.Timeout)
}

// Options bound one step execution
type Options struct {
	Timeout     time.Duration
	MaxAttempts int
	BackoffBase time.Duration
}

func (o Options) withDefaults() Options {
	if o.Timeout == 0 {
		o.Timeout = 60 * time.Second
	}
	if o.MaxAttempts == 0 {
		o.MaxAttempts = 3
	}
	if o.BackoffBase == 0 {
		o.BackoffBase = time.Second
	}
	return o
}

// Executor wraps each analysis capability with bounded execution time and
// bounded retry.
type Executor struct {
	opts   Options
	logger logr.Logger
}

// New creates an executor with the given default bounds
func New(opts Options, logger logr.Logger) *Executor {
	return &Executor{
		opts:   opts.withDefaults(),
		logger: logger.WithName("executor"),
	}
}

// Run executes the capability with retry. Each attempt gets its own
// timeout; failed attempts back off exponentially (base doubled per
// retry). Exhaustion returns a StepResult with status=error alongside the
// classifying error, so the workflow can record it and proceed.
func (e *Executor) Run(ctx context.Context, capability agents.Capability, task string, stepCtx agents.StepContext) (models.StepResult, error) {
	var lastErr error
	timedOut := false

	for attempt := 1; attempt <= e.opts.MaxAttempts; attempt++ {
		if attempt > 1 {
			metrics.IncStepRetry()
			backoff := e.opts.BackoffBase << (attempt - 2)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return e.errorResult(capability, attempt-1, ctx.Err()), ctx.Err()
			}
		}

		content, err := e.runOnce(ctx, capability, task, stepCtx)
		if err == nil {
			return models.StepResult{
				Agent:   capability.Label(),
				Content: content,
				Status:  models.StepStatusSuccess,
			}, nil
		}

		timedOut = errors.Is(err, context.DeadlineExceeded)
		lastErr = err
		e.logger.V(1).Info("step attempt failed",
			"agent", capability.Label(), "attempt", attempt, "timeout", timedOut, "error", err.Error())

		if ctx.Err() != nil {
			return e.errorResult(capability, attempt, ctx.Err()), ctx.Err()
		}
	}

	if timedOut {
		err := &TimeoutError{
			Agent:    capability.Label(),
			Attempts: e.opts.MaxAttempts,
			Timeout:  e.opts.Timeout,
		}
		return e.errorResult(capability, e.opts.MaxAttempts, err), err
	}

	return e.errorResult(capability, e.opts.MaxAttempts, lastErr), lastErr
}

func (e *Executor) runOnce(ctx context.Context, capability agents.Capability, task string, stepCtx agents.StepContext) (string, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()

	type outcome struct {
		content string
		err     error
	}
	done := make(chan outcome, 1)

	go func() {
		// Capabilities are swap-in points for external analyzers; a panic
		// in one must surface as a step error, not kill the worker.
		defer func() {
			if rec := recover(); rec != nil {
				done <- outcome{err: fmt.Errorf("capability panicked: %v", rec)}
			}
		}()
		content, err := capability.Analyze(attemptCtx, task, stepCtx)
		done <- outcome{content: content, err: err}
	}()

	select {
	case out := <-done:
		return out.content, out.err
	case <-attemptCtx.Done():
		return "", attemptCtx.Err()
	}
}

func (e *Executor) errorResult(capability agents.Capability, attempts int, err error) models.StepResult {
	return models.StepResult{
		Agent:   capability.Label(),
		Content: fmt.Sprintf("step failed after %d attempt(s): %v", attempts, err),
		Status:  models.StepStatusError,
	}
}
