package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/opsprobe-dev/opsprobe/internal/config"
	"github.com/opsprobe-dev/opsprobe/internal/models"
	"github.com/opsprobe-dev/opsprobe/internal/workflow"
)

// Pool runs investigations claimed from the queue. Multiple pools may run
// across processes; lease expiry makes delivery at-least-once, and the
// engine's terminal-state idempotence makes redelivered jobs no-ops.
type Pool struct {
	queue  *Queue
	engine *workflow.Engine
	cfg    config.WorkerConfig
	logger logr.Logger
}

// NewPool creates a worker pool over the queue and engine
func NewPool(q *Queue, engine *workflow.Engine, cfg config.WorkerConfig, logger logr.Logger) *Pool {
	return &Pool{
		queue:  q,
		engine: engine,
		cfg:    cfg,
		logger: logger.WithName("worker-pool"),
	}
}

// Run blocks, polling for jobs across PoolSize workers until the context
// is cancelled.
func (p *Pool) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	for i := 0; i < p.cfg.PoolSize; i++ {
		workerID := fmt.Sprintf("worker-%s", uuid.NewString()[:8])
		g.Go(func() error {
			return p.workerLoop(gctx, workerID)
		})
	}

	return g.Wait()
}

func (p *Pool) workerLoop(ctx context.Context, workerID string) error {
	log := p.logger.WithValues("worker", workerID)
	log.Info("worker started")

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("worker stopping")
			return ctx.Err()
		case <-ticker.C:
		}

		job, err := p.queue.Claim(ctx, workerID)
		if err != nil {
			log.Error(err, "claim failed")
			continue
		}
		if job == nil {
			continue
		}

		p.runJob(ctx, log, *job)
	}
}

func (p *Pool) runJob(ctx context.Context, log logr.Logger, job models.Job) {
	log = log.WithValues("job", job.ID, "session", job.SessionID, "attempt", job.Attempts)
	log.Info("running investigation")

	err := p.engine.Run(ctx, job.SessionID, job.UserID, job.Symptom, job.Mode)
	if err != nil {
		log.Error(err, "investigation run failed")
		if failErr := p.queue.Fail(context.WithoutCancel(ctx), job.ID, p.cfg.MaxAttempts, err); failErr != nil {
			log.Error(failErr, "failed to record job failure")
		}
		return
	}

	if err := p.queue.Complete(context.WithoutCancel(ctx), job.ID); err != nil {
		log.Error(err, "failed to record job completion")
	}
}
