package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/modaworks/tryon/internal/dispatch"
	"github.com/modaworks/tryon/internal/tryon"
)

const defaultPollTimeout = 5 * time.Second

// Generator performs the actual try-on synthesis. The implementation is an
// external collaborator; this package only defines the boundary.
type Generator interface {
	Generate(ctx context.Context, params tryon.Params) (tryon.Result, error)
}

// Completer settles finished jobs.
type Completer interface {
	MarkProcessing(ctx context.Context, jobID string) error
	Complete(ctx context.Context, jobID string, outcome tryon.Outcome) error
}

// JobSource loads job records by id.
type JobSource interface {
	GetJob(ctx context.Context, jobID string) (tryon.Job, error)
}

// Receiver pops job ids off the dispatch queue.
type Receiver interface {
	Receive(ctx context.Context, timeout time.Duration) (string, error)
}

// Runner consumes the generation queue. Duplicate deliveries are expected
// under at-least-once dispatch; Complete's idempotence absorbs them.
type Runner struct {
	queue       Receiver
	jobs        JobSource
	generator   Generator
	completer   Completer
	pollTimeout time.Duration
	logger      *zap.Logger
}

// NewRunner wires a Runner.
func NewRunner(queue Receiver, jobs JobSource, generator Generator, completer Completer, logger *zap.Logger) (*Runner, error) {
	if queue == nil || jobs == nil || generator == nil || completer == nil {
		return nil, errors.New("worker: nil dependency")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		queue:       queue,
		jobs:        jobs,
		generator:   generator,
		completer:   completer,
		pollTimeout: defaultPollTimeout,
		logger:      logger,
	}, nil
}

// Run processes jobs until the context is cancelled.
func (runner *Runner) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		jobID, err := runner.queue.Receive(ctx, runner.pollTimeout)
		if errors.Is(err, dispatch.ErrEmpty) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			runner.logger.Warn("queue receive failed", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}
		runner.Process(ctx, jobID)
	}
}

// Process handles one queued job id.
func (runner *Runner) Process(ctx context.Context, jobID string) {
	job, err := runner.jobs.GetJob(ctx, jobID)
	if err != nil {
		runner.logger.Warn("dropping unknown job", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	if job.Status.Terminal() {
		// Duplicate delivery of a settled job.
		return
	}
	if err := runner.completer.MarkProcessing(ctx, jobID); err != nil {
		runner.logger.Warn("mark processing failed", zap.String("job_id", jobID), zap.Error(err))
	}
	started := time.Now()
	result, err := runner.generator.Generate(ctx, job.Params)
	if err != nil {
		runner.logger.Info("generation failed",
			zap.String("job_id", jobID),
			zap.Duration("elapsed", time.Since(started)),
			zap.Error(err))
		if completeErr := runner.completer.Complete(ctx, jobID, tryon.Outcome{Success: false, ErrorSummary: err.Error()}); completeErr != nil {
			runner.logger.Error("failure settlement failed", zap.String("job_id", jobID), zap.Error(completeErr))
		}
		return
	}
	if result.DurationMillis == 0 {
		result.DurationMillis = time.Since(started).Milliseconds()
	}
	if err := runner.completer.Complete(ctx, jobID, tryon.Outcome{Success: true, Result: &result}); err != nil {
		runner.logger.Error("success settlement failed", zap.String("job_id", jobID), zap.Error(err))
	}
}
