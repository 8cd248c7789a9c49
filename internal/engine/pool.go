package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"jobqueue/internal/logging"
	"jobqueue/internal/metrics"
	"jobqueue/internal/notify"
	"jobqueue/internal/repository"
	"jobqueue/pkg/models"
)

// PoolConfig sizes the worker pool.
type PoolConfig struct {
	Workers           int
	PollInterval      time.Duration
	CancelGracePeriod time.Duration
}

// Pool runs workers that claim queued jobs and hand them to the executor,
// plus a sweeper that expires jobs whose TTL elapsed.
type Pool struct {
	repo    repository.JobRepository
	exec    *Executor
	bus     notify.Bus
	metrics *metrics.Metrics
	logger  *logging.Logger
	cfg     PoolConfig
	id      string
	wake    chan struct{}

	mu       sync.Mutex
	ctx      context.Context
	inflight sync.WaitGroup
}

// NewPool creates a new Pool.
func NewPool(repo repository.JobRepository, exec *Executor, bus notify.Bus, m *metrics.Metrics, logger *logging.Logger, cfg PoolConfig) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	id := uuid.NewString()[:8]
	return &Pool{
		repo:    repo,
		exec:    exec,
		bus:     bus,
		metrics: m,
		logger:  logger.With("pool_id", id),
		cfg:     cfg,
		id:      id,
		wake:    make(chan struct{}, cfg.Workers),
	}
}

// Run starts the workers, the sweeper and the signal listener, and blocks
// until ctx is canceled and every running job has returned.
func (p *Pool) Run(ctx context.Context) error {
	signals, err := p.bus.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("subscribe to signals: %w", err)
	}

	p.mu.Lock()
	p.ctx = ctx
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.ctx = nil
		p.mu.Unlock()
		p.inflight.Wait()
	}()

	p.logger.Info("worker pool started", "workers", p.cfg.Workers, "poll_interval", p.cfg.PollInterval)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		workerID := fmt.Sprintf("%s-%d", p.id, i)
		g.Go(func() error {
			p.work(gctx, workerID)
			return nil
		})
	}
	g.Go(func() error {
		p.sweep(gctx)
		return nil
	})
	g.Go(func() error {
		p.listen(gctx, signals)
		return nil
	})
	err = g.Wait()
	p.logger.Info("worker pool stopped")
	return err
}

// Submit executes a job that the caller already moved to running.
func (p *Pool) Submit(job *models.Job) error {
	p.mu.Lock()
	ctx := p.ctx
	if ctx != nil {
		p.inflight.Add(1)
	}
	p.mu.Unlock()
	if ctx == nil {
		return ErrPoolStopped
	}
	go func() {
		defer p.inflight.Done()
		p.execute(ctx, job, "submit")
	}()
	return nil
}

// Nudge wakes an idle worker.
func (p *Pool) Nudge() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Pool) work(ctx context.Context, workerID string) {
	log := p.logger.With("worker_id", workerID)
	log.Debug("worker started")
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	for {
		p.drain(ctx, workerID, log)
		select {
		case <-ctx.Done():
			log.Debug("worker stopped")
			return
		case <-ticker.C:
		case <-p.wake:
		}
	}
}

// drain claims and runs jobs until none is eligible.
func (p *Pool) drain(ctx context.Context, workerID string, log *logging.Logger) {
	for ctx.Err() == nil {
		job, err := p.repo.ClaimNextJob(ctx, time.Now().UTC())
		if err != nil {
			if ctx.Err() == nil {
				log.Error("claim failed", "error", err)
			}
			return
		}
		if job == nil {
			return
		}
		p.execute(ctx, job, workerID)
	}
}

func (p *Pool) execute(ctx context.Context, job *models.Job, workerID string) {
	p.metrics.JobClaimed()
	start := time.Now()
	if err := p.exec.Execute(ctx, job); err != nil {
		p.logger.Error("job execution error", "job_id", job.ID, "worker_id", workerID, "error", err)
		return
	}
	p.logger.Debug("job returned", "job_id", job.ID, "worker_id", workerID, "elapsed", time.Since(start))
}

func (p *Pool) sweep(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		ids, err := p.repo.ExpireJobs(ctx, time.Now().UTC())
		if err != nil {
			if ctx.Err() == nil {
				p.logger.Error("expire jobs failed", "error", err)
			}
			continue
		}
		if len(ids) > 0 {
			p.metrics.JobsExpiredAdd(len(ids))
			p.logger.Info("expired queued jobs", "count", len(ids), "job_ids", ids)
		}
	}
}

// listen reacts to signals from other processes: wake nudges a worker and
// cancel aborts a local run once the grace period has passed.
func (p *Pool) listen(ctx context.Context, signals <-chan notify.Signal) {
	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-signals:
			if !ok {
				return
			}
			switch s.Kind {
			case notify.Wake:
				p.Nudge()
			case notify.Cancel:
				if !p.exec.Running(s.JobID) {
					continue
				}
				go p.abortAfter(ctx, s.JobID)
			case notify.Pause:
				p.logger.Debug("pause requested", "job_id", s.JobID)
			}
		}
	}
}

func (p *Pool) abortAfter(ctx context.Context, jobID string) {
	if err := sleepCtx(ctx, p.cfg.CancelGracePeriod); err != nil {
		return
	}
	if p.exec.Abort(jobID) {
		p.logger.Info("in-flight call aborted", "job_id", jobID)
	}
}
