package sweeper

import (
	"context"
	"errors"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/modaworks/tryon/internal/tryon"
)

const (
	defaultStaleAfter = 2 * time.Minute
	defaultBatchSize  = 100
)

// JobSource lists jobs stuck before dispatch.
type JobSource interface {
	ListStalePending(ctx context.Context, olderThanUnixUTC int64, limit int) ([]tryon.Job, error)
}

// Submitter re-enqueues a job id.
type Submitter interface {
	Submit(ctx context.Context, jobID string) error
}

// Sweeper re-dispatches pending jobs whose submit was lost. Re-pushing a
// job that is merely slow is harmless: completion is idempotent.
type Sweeper struct {
	jobs       JobSource
	submitter  Submitter
	staleAfter time.Duration
	batchSize  int
	nowFn      func() int64
	logger     *zap.Logger
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithStaleAfter overrides the dispatch-timeout threshold.
func WithStaleAfter(staleAfter time.Duration) Option {
	return func(sweeper *Sweeper) {
		if staleAfter > 0 {
			sweeper.staleAfter = staleAfter
		}
	}
}

// WithBatchSize overrides how many jobs one sweep re-dispatches.
func WithBatchSize(batchSize int) Option {
	return func(sweeper *Sweeper) {
		if batchSize > 0 {
			sweeper.batchSize = batchSize
		}
	}
}

// New wires a Sweeper.
func New(jobs JobSource, submitter Submitter, now func() int64, logger *zap.Logger, options ...Option) (*Sweeper, error) {
	if jobs == nil || submitter == nil {
		return nil, errors.New("sweeper: nil dependency")
	}
	if now == nil {
		now = func() int64 { return time.Now().UTC().Unix() }
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	sweeper := &Sweeper{
		jobs:       jobs,
		submitter:  submitter,
		staleAfter: defaultStaleAfter,
		batchSize:  defaultBatchSize,
		nowFn:      now,
		logger:     logger,
	}
	for _, option := range options {
		if option != nil {
			option(sweeper)
		}
	}
	return sweeper, nil
}

// Sweep re-dispatches one batch of stale pending jobs and reports how many
// were pushed.
func (sweeper *Sweeper) Sweep(ctx context.Context) (int, error) {
	cutoff := sweeper.nowFn() - int64(sweeper.staleAfter/time.Second)
	stale, err := sweeper.jobs.ListStalePending(ctx, cutoff, sweeper.batchSize)
	if err != nil {
		return 0, err
	}
	redispatched := 0
	for _, job := range stale {
		if err := sweeper.submitter.Submit(ctx, job.JobID); err != nil {
			sweeper.logger.Warn("re-dispatch failed",
				zap.String("job_id", job.JobID),
				zap.Error(err))
			continue
		}
		redispatched++
	}
	if redispatched > 0 {
		sweptJobs.Add(float64(redispatched))
		sweeper.logger.Info("re-dispatched stale jobs", zap.Int("count", redispatched))
	}
	return redispatched, nil
}

// Schedule registers the sweep on a cron runner.
func (sweeper *Sweeper) Schedule(runner *cron.Cron, spec string) error {
	_, err := runner.AddFunc(spec, func() {
		if _, sweepErr := sweeper.Sweep(context.Background()); sweepErr != nil {
			sweeper.logger.Error("sweep failed", zap.Error(sweepErr))
		}
	})
	return err
}
