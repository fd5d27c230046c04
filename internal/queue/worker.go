package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Handler processes one reserved job. report delivers progress percentages;
// it never blocks. A returned error ends the job; whether it is retried is
// decided by Retryable.
type Handler func(ctx context.Context, job *Job, report func(int)) (any, error)

// retryable is implemented by errors that know whether they may be retried.
type retryable interface {
	Retryable() bool
}

// Retryable reports whether an error should be retried. Errors are retryable
// unless they (or something they wrap) say otherwise: validation and auth
// failures opt out, transient provider trouble stays in.
func Retryable(err error) bool {
	var r retryable
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return true
}

// PoolConfig bounds one queue's worker pool.
type PoolConfig struct {
	Queue        Kind
	Concurrency  int
	MaxStarts    int           // max job starts per window
	Window       time.Duration // rate window (default 60s)
	PollInterval time.Duration // idle poll interval (default 500ms)
}

// DefaultPools returns the suggested per-queue worker bounds.
func DefaultPools() []PoolConfig {
	return []PoolConfig{
		{Queue: KindScriptGeneration, Concurrency: 5, MaxStarts: 10, Window: time.Minute},
		{Queue: KindTTSGeneration, Concurrency: 3, MaxStarts: 5, Window: time.Minute},
		{Queue: KindMusicGeneration, Concurrency: 2, MaxStarts: 5, Window: time.Minute},
		{Queue: KindAudioMixing, Concurrency: 2, MaxStarts: 5, Window: time.Minute},
	}
}

// Pool drains one queue with bounded concurrency and a start-rate limit.
type Pool struct {
	queues  *Queues
	cfg     PoolConfig
	handler Handler
	log     *slog.Logger
	limiter *rate.Limiter

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// NewPool creates a worker pool for one queue.
func NewPool(queues *Queues, cfg PoolConfig, handler Handler, log *slog.Logger) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.MaxStarts <= 0 {
		cfg.MaxStarts = cfg.Concurrency
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	limiter := rate.NewLimiter(rate.Every(cfg.Window/time.Duration(cfg.MaxStarts)), cfg.MaxStarts)
	return &Pool{
		queues:  queues,
		cfg:     cfg,
		handler: handler,
		log:     log.With("queue", cfg.Queue),
		limiter: limiter,
		cancels: make(map[string]context.CancelFunc),
	}
}

// Run blocks until ctx is cancelled, reserving and processing jobs.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Concurrency; i++ {
		workerID := fmt.Sprintf("%s-%s", p.cfg.Queue, uuid.NewString()[:8])
		g.Go(func() error {
			return p.workerLoop(ctx, workerID)
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (p *Pool) workerLoop(ctx context.Context, workerID string) error {
	for {
		if err := p.limiter.Wait(ctx); err != nil {
			return err
		}

		job, err := p.queues.Reserve(ctx, p.cfg.Queue, workerID)
		if err != nil {
			p.log.Warn("reserve failed", "error", err)
		}
		if job == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.cfg.PollInterval):
			}
			continue
		}

		p.process(ctx, job, workerID)
	}
}

func (p *Pool) process(ctx context.Context, job *Job, workerID string) {
	log := p.log.With("job_id", job.ID, "worker_id", workerID, "attempt", job.Attempts)

	jobCtx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.cancels[job.ID] = cancel
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.cancels, job.ID)
		p.mu.Unlock()
		cancel()
	}()

	report := func(pct int) {
		// Cancellation rides on the progress tick: a cancelled job aborts at
		// its next report rather than mid-computation.
		if p.queues.Cancelled(jobCtx, job.ID) {
			cancel()
			return
		}
		if err := p.queues.Progress(jobCtx, job.ID, pct); err != nil {
			log.Debug("progress update dropped", "error", err)
		}
	}

	start := time.Now()
	result, err := p.handler(jobCtx, job, report)
	elapsed := time.Since(start).Round(time.Millisecond)

	switch {
	case err == nil:
		if cerr := p.queues.Complete(ctx, job.ID, result); cerr != nil {
			log.Error("complete failed", "error", cerr)
		}
		log.Info("job completed", "elapsed", elapsed.String())
	case jobCtx.Err() != nil && p.queues.Cancelled(context.Background(), job.ID):
		log.Info("job cancelled", "elapsed", elapsed.String())
	default:
		retry := Retryable(err)
		if ferr := p.queues.Fail(ctx, job.ID, err, retry); ferr != nil {
			log.Error("fail report failed", "error", ferr)
		}
		log.Warn("job failed", "error", err, "retryable", retry, "elapsed", elapsed.String())
	}
}

// CancelRunning aborts a job currently held by this pool, if any.
func (p *Pool) CancelRunning(jobID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cancel, ok := p.cancels[jobID]; ok {
		cancel()
	}
}

// StartPruner runs the retention policy every interval until ctx ends.
func (q *Queues) StartPruner(ctx context.Context, interval time.Duration, log *slog.Logger) {
	if interval <= 0 {
		interval = time.Hour
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := q.Prune(ctx); err != nil {
					log.Warn("queue prune failed", "error", err)
				}
			}
		}
	}()
}
