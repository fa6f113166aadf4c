package deletion

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c360/eventstore/docstore"
	"github.com/c360/eventstore/errors"
	"github.com/c360/eventstore/metric"
	"github.com/c360/eventstore/objectref"
	"github.com/c360/eventstore/pkg/worker"
)

// SchedulerConfig configures the deletion scheduler.
type SchedulerConfig struct {
	// Workers is the number of concurrent deletion workers (default 2).
	Workers int `yaml:"workers"`
	// QueueSize bounds the pending job queue (default 64).
	QueueSize int `yaml:"queue_size"`
	// BatchSize is the number of documents requested from the rate budget
	// per iteration (default 500).
	BatchSize int `yaml:"batch_size"`
	// MaxRetries bounds transient-failure retries before a job is marked
	// failed (default 3).
	MaxRetries int `yaml:"max_retries"`
	// AllowBatchDelete switches from per-id deletes to one filtered bulk
	// delete per batch, trading per-item error granularity for throughput.
	AllowBatchDelete bool `yaml:"allow_batch_delete"`
	// RescanIntervalSec is how often the job store is re-read for jobs
	// that could not be queued at submission time (default 15).
	RescanIntervalSec int `yaml:"rescan_interval_sec"`
	// StopTimeoutSec bounds graceful shutdown (default 30).
	StopTimeoutSec int `yaml:"stop_timeout_sec"`
}

func (c *SchedulerConfig) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 500
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RescanIntervalSec <= 0 {
		c.RescanIntervalSec = 15
	}
	if c.StopTimeoutSec <= 0 {
		c.StopTimeoutSec = 30
	}
}

// Scheduler runs deletion jobs on a background worker pool, independent of
// the request-handling goroutines. Every batch is budgeted: workers take
// tokens before fetching, fetch exactly as many documents as granted, and
// checkpoint the job only after the whole batch is deleted, so a restart
// resumes at a batch boundary.
type Scheduler struct {
	cfg      SchedulerConfig
	store    docstore.Store
	jobs     JobStore
	budget   *RateBudget
	resolver *objectref.Resolver
	objects  *ObjectDeleter
	pool     *worker.Pool[string]
	logger   *slog.Logger
	metrics  *metric.Metrics

	// enqueued tracks job ids queued or in flight so a rescan never hands
	// the same job to two workers.
	mu       sync.Mutex
	enqueued map[string]bool

	stopRescan chan struct{}
	stopOnce   sync.Once

	// retryDelay is the pause before retrying a failed batch; rescanEvery
	// is the job store rescan period. Tests shrink both.
	retryDelay  time.Duration
	rescanEvery time.Duration
}

// NewScheduler creates a scheduler. objects may be nil when no file server
// is configured; metrics may be nil. registerer, when non-nil, receives the
// worker pool metrics.
func NewScheduler(
	cfg SchedulerConfig,
	store docstore.Store,
	jobs JobStore,
	budget *RateBudget,
	resolver *objectref.Resolver,
	objects *ObjectDeleter,
	logger *slog.Logger,
	reg *metric.Registry,
) *Scheduler {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	s := &Scheduler{
		cfg:         cfg,
		store:       store,
		jobs:        jobs,
		budget:      budget,
		resolver:    resolver,
		objects:     objects,
		logger:      logger.With("component", "deletion"),
		enqueued:    make(map[string]bool),
		stopRescan:  make(chan struct{}),
		retryDelay:  time.Second,
		rescanEvery: time.Duration(cfg.RescanIntervalSec) * time.Second,
	}

	var opts []worker.Option[string]
	if reg != nil {
		s.metrics = reg.Metrics
		opts = append(opts, worker.WithMetrics[string](reg.Registerer(), "eventstore_deletion_pool"))
	}
	s.pool = worker.NewPool[string](cfg.Workers, cfg.QueueSize, s.process, opts...)
	return s
}

// Start launches the workers, re-enqueues jobs that were active when the
// previous process stopped, and begins the periodic job store rescan.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.pool.Start(ctx); err != nil {
		return errors.Wrap(err, "Scheduler", "Start", "start worker pool")
	}
	if err := s.recover(ctx); err != nil {
		return err
	}
	go s.rescanLoop(ctx)
	return nil
}

// Stop drains the worker pool. In-flight jobs checkpoint at the next batch
// boundary and are recovered on restart.
func (s *Scheduler) Stop() error {
	s.stopOnce.Do(func() { close(s.stopRescan) })
	return s.pool.Stop(time.Duration(s.cfg.StopTimeoutSec) * time.Second)
}

// Submit accepts a deletion job for the task and enqueues it. The returned
// job is in pending state; progress is observable through Get. If the
// queue is full the job stays persisted and is picked up by the next
// rescan.
func (s *Scheduler) Submit(ctx context.Context, taskID string, urlPrefixes []string) (*Job, error) {
	if taskID == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Scheduler", "Submit", "task id required")
	}

	job := NewJob(taskID, urlPrefixes)
	if err := s.jobs.Create(ctx, job); err != nil {
		return nil, errors.Wrap(err, "Scheduler", "Submit", "persist job")
	}
	s.gauge(StatusPending, +1)

	if _, err := s.enqueue(job.ID); err != nil {
		s.logger.Warn("deletion queue full, job deferred to rescan",
			"job_id", job.ID, "task_id", taskID, "error", err)
	}

	s.logger.Info("deletion job submitted", "job_id", job.ID, "task_id", taskID)
	return job, nil
}

// Get returns the current job state.
func (s *Scheduler) Get(ctx context.Context, id string) (*Job, error) {
	return s.jobs.Get(ctx, id)
}

// Cancel requests cancellation. The owning worker honors it at the next
// batch boundary. Cancelling a terminal job is an error.
func (s *Scheduler) Cancel(ctx context.Context, id string) error {
	_, err := s.jobs.Update(ctx, id, func(job *Job) error {
		if job.Status.Terminal() {
			return errors.WrapInvalid(
				fmt.Errorf("job %s already %s", job.ID, job.Status),
				"Scheduler", "Cancel", "cancel job")
		}
		job.CancelRequested = true
		return nil
	})
	return err
}

// recover enqueues every active job found in the job store that is not
// already queued or in flight.
func (s *Scheduler) recover(ctx context.Context) error {
	active, err := s.jobs.ListActive(ctx)
	if err != nil {
		return errors.Wrap(err, "Scheduler", "recover", "list active jobs")
	}

	for _, job := range active {
		queued, err := s.enqueue(job.ID)
		if err != nil {
			s.logger.Warn("recovery submit failed", "job_id", job.ID, "error", err)
			continue
		}
		if queued {
			s.logger.Info("recovered deletion job",
				"job_id", job.ID, "task_id", job.TaskID, "status", job.Status, "deleted", job.Deleted)
		}
	}
	return nil
}

// rescanLoop periodically re-runs recovery so a job persisted while the
// queue was full still runs without a process restart.
func (s *Scheduler) rescanLoop(ctx context.Context) {
	ticker := time.NewTicker(s.rescanEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopRescan:
			return
		case <-ticker.C:
			if err := s.recover(ctx); err != nil {
				s.logger.Warn("job store rescan failed", "error", err)
			}
		}
	}
}

// enqueue hands the job id to the pool unless it is already queued or in
// flight. It reports whether the id was newly queued.
func (s *Scheduler) enqueue(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.enqueued[id] {
		return false, nil
	}
	if err := s.pool.Submit(id); err != nil {
		return false, err
	}
	s.enqueued[id] = true
	return true, nil
}

func (s *Scheduler) dequeue(id string) {
	s.mu.Lock()
	delete(s.enqueued, id)
	s.mu.Unlock()
}

// process runs one job to a terminal state.
func (s *Scheduler) process(ctx context.Context, jobID string) error {
	defer s.dequeue(jobID)

	job, err := s.transition(ctx, jobID, StatusRunning, nil)
	if err != nil {
		if stderrors.Is(err, errors.ErrJobNotFound) {
			return nil
		}
		return err
	}
	if job.Status.Terminal() {
		return nil
	}

	for {
		if ctx.Err() != nil {
			// Shutdown: leave the job checkpointed for recovery.
			return nil
		}
		if job.CancelRequested {
			_, err := s.transition(ctx, jobID, StatusFailed, func(j *Job) {
				j.Error = "cancelled"
			})
			return err
		}

		granted := s.budget.Take(int64(s.cfg.BatchSize))
		if granted == 0 {
			if job, err = s.pause(ctx, jobID, s.budget.NextWindow(), true); err != nil {
				return err
			}
			continue
		}

		// A filtered bulk delete removes documents in no particular order,
		// so the fetched page is not necessarily what got deleted. In batch
		// mode always scan from the start: deleted documents drop out of
		// the result set, and a checkpointed cursor could skip survivors.
		cursor := job.Cursor
		if s.cfg.AllowBatchDelete {
			cursor = ""
		}

		events, next, err := s.store.FetchForDeletion(ctx, job.TaskID, cursor, int(granted))
		if err != nil {
			s.budget.Return(granted)
			if job, err = s.backoff(ctx, jobID, err); err != nil {
				return err
			}
			continue
		}

		if len(events) == 0 {
			s.budget.Return(granted)
			_, err := s.transition(ctx, jobID, StatusDone, nil)
			if err == nil {
				s.logger.Info("deletion job done", "job_id", jobID, "task_id", job.TaskID, "deleted", job.Deleted)
			}
			return err
		}
		if int64(len(events)) < granted {
			s.budget.Return(granted - int64(len(events)))
		}

		s.deleteObjects(ctx, job, events)

		deleted, err := s.deleteEvents(ctx, job, events)
		if err == nil && deleted == 0 {
			err = fmt.Errorf("bulk delete removed none of %d fetched documents", len(events))
		}
		if err != nil {
			if job, err = s.backoff(ctx, jobID, err); err != nil {
				return err
			}
			continue
		}

		if s.metrics != nil {
			s.metrics.EventsDeleted.Add(float64(deleted))
		}
		job, err = s.jobs.Update(ctx, jobID, func(j *Job) error {
			j.Deleted += deleted
			if s.cfg.AllowBatchDelete {
				j.Cursor = ""
			} else {
				j.Cursor = next
			}
			j.Attempts = 0
			return nil
		})
		if err != nil {
			return err
		}
	}
}

// deleteObjects removes referenced object store files, best-effort.
func (s *Scheduler) deleteObjects(ctx context.Context, job *Job, events []docstore.Event) {
	if s.objects == nil {
		return
	}

	resolver := s.resolver
	if len(job.URLPrefixes) > 0 {
		resolver = objectref.NewResolver(job.URLPrefixes)
	}
	if resolver == nil {
		return
	}

	urls := resolver.ResolveBatch(events)
	if len(urls) == 0 {
		return
	}
	if failed := s.objects.DeleteObjects(ctx, urls); failed > 0 {
		s.logger.Warn("object deletions failed, continuing",
			"job_id", job.ID, "failed", failed, "total", len(urls))
	}
}

// deleteEvents removes the fetched documents, by filtered bulk delete or
// id list depending on configuration.
func (s *Scheduler) deleteEvents(ctx context.Context, job *Job, events []docstore.Event) (int64, error) {
	if s.cfg.AllowBatchDelete {
		return s.store.DeleteByTask(ctx, job.TaskID, int64(len(events)))
	}

	ids := make([]string, 0, len(events))
	for _, ev := range events {
		ids = append(ids, ev.ID)
	}
	return s.store.DeleteByID(ctx, ids)
}

// pause parks the job as partially-done for the given duration, then
// resumes it to running.
func (s *Scheduler) pause(ctx context.Context, jobID string, d time.Duration, budgetWait bool) (*Job, error) {
	if _, err := s.transition(ctx, jobID, StatusPartiallyDone, nil); err != nil {
		return nil, err
	}
	if budgetWait && s.metrics != nil {
		s.metrics.RateBudgetWaits.Inc()
	}

	if d <= 0 {
		d = 10 * time.Millisecond
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}

	return s.transition(ctx, jobID, StatusRunning, nil)
}

// backoff records a batch failure and either fails the job or parks it
// for a retry.
func (s *Scheduler) backoff(ctx context.Context, jobID string, cause error) (*Job, error) {
	job, err := s.jobs.Update(ctx, jobID, func(j *Job) error {
		j.Attempts++
		j.Error = cause.Error()
		return nil
	})
	if err != nil {
		return nil, err
	}

	if job.Attempts > s.cfg.MaxRetries {
		if _, err := s.transition(ctx, jobID, StatusFailed, nil); err != nil {
			return nil, err
		}
		s.logger.Error("deletion job failed",
			"job_id", jobID, "task_id", job.TaskID, "attempts", job.Attempts, "error", cause)
		return nil, errors.Wrap(errors.ErrJobFailed, "Scheduler", "process", "delete batch")
	}

	s.logger.Warn("deletion batch failed, retrying",
		"job_id", jobID, "attempt", job.Attempts, "error", cause)
	return s.pause(ctx, jobID, s.retryDelay, false)
}

// transition moves the job to a new status, adjusting the status gauges.
func (s *Scheduler) transition(ctx context.Context, jobID string, to Status, extra func(*Job)) (*Job, error) {
	var from Status
	job, err := s.jobs.Update(ctx, jobID, func(j *Job) error {
		from = j.Status
		if j.Status.Terminal() {
			return nil
		}
		j.Status = to
		if extra != nil {
			extra(j)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if from != job.Status {
		s.gauge(from, -1)
		s.gauge(job.Status, +1)
	}
	return job, nil
}

func (s *Scheduler) gauge(status Status, delta float64) {
	if s.metrics == nil {
		return
	}
	s.metrics.JobsByStatus.WithLabelValues(string(status)).Add(delta)
}
