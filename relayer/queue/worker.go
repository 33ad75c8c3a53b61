package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	relayerrors "github.com/datahaven/dh-relay/relayer/errors"
	"github.com/datahaven/dh-relay/relayer/metrics"
	"github.com/datahaven/dh-relay/relayer/store"
)

const (
	outcomeCompleted   = "completed"
	outcomeRetried     = "retried"
	outcomeDead        = "dead"
	outcomeInterrupted = "interrupted"

	// maxFatalBackoff caps the wait between probes of an unreachable store.
	maxFatalBackoff = 30 * time.Second
)

type stopKey struct{}

// StopRequested reports whether the queue is shutting down. Handlers check
// it between steps and return ErrInterrupted.
func StopRequested(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	ch, ok := ctx.Value(stopKey{}).(chan struct{})
	if !ok {
		return false
	}
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// Consume registers the handler and worker pool for jobType. It must be
// called before Start.
func (q *Queue) Consume(jobType string, handler Handler, opts ConsumerOptions) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return fmt.Errorf("queue already started")
	}
	if _, exists := q.consumers[jobType]; exists {
		return fmt.Errorf("consumer for %s already registered", jobType)
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	q.consumers[jobType] = &consumer{jobType: jobType, handler: handler, concurrency: opts.Concurrency}
	return nil
}

// OnDead registers a hook run after a job of jobType is dead-lettered.
func (q *Queue) OnDead(jobType string, hook DeadHook) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onDead[jobType] = hook
}

// Start launches the worker pools.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return fmt.Errorf("queue already started")
	}
	q.started = true

	runCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel

	for _, c := range q.consumers {
		for i := 0; i < c.concurrency; i++ {
			q.wg.Add(1)
			go func(c *consumer, worker int) {
				defer q.wg.Done()
				q.work(runCtx, c, worker)
			}(c, i)
		}
		q.logger.Info().Str("type", c.jobType).Int("workers", c.concurrency).Msg("job consumer started")
	}
	return nil
}

// Stop stops claiming new jobs and waits for in-flight handlers to return,
// up to the shutdown grace. Handlers still running after that have their
// context cancelled.
func (q *Queue) Stop() {
	q.stopped.Do(func() { close(q.stopCh) })

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(q.cfg.ShutdownGrace):
		q.logger.Warn().Dur("grace", q.cfg.ShutdownGrace).Msg("handlers still running after shutdown grace, cancelling")
		if q.cancel != nil {
			q.cancel()
		}
		<-done
	}
	if q.cancel != nil {
		q.cancel()
	}
	q.logger.Info().Msg("job queue stopped")
}

func (q *Queue) stopping(ctx context.Context) bool {
	select {
	case <-q.stopCh:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// sleep waits d or until shutdown. It returns false on shutdown.
func (q *Queue) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-q.stopCh:
		return false
	case <-ctx.Done():
		return false
	}
}

func (q *Queue) work(ctx context.Context, c *consumer, worker int) {
	log := q.logger.With().Str("type", c.jobType).Int("worker", worker).Logger()
	failures := 0

	for !q.stopping(ctx) {
		job, err := q.claim(ctx, c.jobType)
		if err != nil {
			failures++
			q.setHealthy(false)
			wait := relayerrors.ExponentialBackoff(failures, q.cfg.PollInterval, maxFatalBackoff)
			log.Error().Err(err).Int("failures", failures).Dur("retry_in", wait).Msg("job store unreachable, pausing worker")
			if !q.sleep(ctx, wait) {
				return
			}
			continue
		}
		if failures > 0 {
			log.Info().Msg("job store reachable again")
			failures = 0
		}
		q.setHealthy(true)

		if job == nil {
			if !q.sleep(ctx, q.cfg.PollInterval) {
				return
			}
			continue
		}

		q.run(ctx, c, job)
	}
}

// claim takes the oldest due job of jobType: a queued job whose run time
// has come, or a running job whose lease expired. The update is conditional
// on the state and attempt count read, so two workers cannot both win.
func (q *Queue) claim(ctx context.Context, jobType string) (*Job, error) {
	client := q.database.Client().WithContext(ctx)

	for {
		now := q.now()
		var row store.Job
		err := client.
			Where("type = ? AND ((state = ? AND next_run_at <= ?) OR (state = ? AND lease_expires_at < ?))",
				jobType, store.JobStateQueued, now, store.JobStateRunning, now).
			Order("next_run_at ASC").
			First(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, nil
			}
			return nil, relayerrors.NewFatalError("claim "+jobType+" job", err)
		}

		lease := now.Add(q.cfg.Lease)
		res := client.Model(&store.Job{}).
			Where("id = ? AND state = ? AND attempts = ?", row.ID, row.State, row.Attempts).
			Updates(map[string]interface{}{
				"state":            store.JobStateRunning,
				"attempts":         row.Attempts + 1,
				"lease_expires_at": lease,
				"updated_at":       now,
			})
		if res.Error != nil {
			if ctx.Err() != nil {
				return nil, nil
			}
			return nil, relayerrors.NewFatalError("claim "+jobType+" job", res.Error)
		}
		if res.RowsAffected == 0 {
			continue // lost the race, look again
		}

		if row.State == store.JobStateRunning {
			q.logger.Warn().Str("job_id", row.ID).Str("type", jobType).Msg("reclaimed job with expired lease")
		}
		return &Job{
			ID:          row.ID,
			Type:        row.Type,
			Subject:     row.Subject,
			Payload:     row.Payload,
			Attempts:    row.Attempts + 1,
			MaxAttempts: row.MaxAttempts,
			LastError:   row.LastError,
		}, nil
	}
}

func (q *Queue) run(ctx context.Context, c *consumer, job *Job) {
	log := q.logger.With().
		Str("job_id", job.ID).
		Str("type", job.Type).
		Str("subject", job.Subject).
		Int("attempt", job.Attempts).
		Logger()

	handlerCtx := context.WithValue(ctx, stopKey{}, q.stopCh)
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	go q.heartbeat(hbCtx, job)

	err := q.invoke(handlerCtx, c.handler, job)
	stopHeartbeat()

	switch {
	case err == nil:
		q.finish(ctx, job, map[string]interface{}{
			"state":            store.JobStateCompleted,
			"lease_expires_at": nil,
			"completed_at":     q.now(),
			"last_error":       "",
		})
		metrics.JobsProcessed.WithLabelValues(job.Type, outcomeCompleted).Inc()
		log.Debug().Msg("job completed")

	case errors.Is(err, ErrInterrupted) || (ctx.Err() != nil && !relayerrors.IsTerminal(err)):
		q.finish(context.Background(), job, map[string]interface{}{
			"state":            store.JobStateQueued,
			"attempts":         job.Attempts - 1,
			"lease_expires_at": nil,
			"next_run_at":      q.now(),
		})
		metrics.JobsProcessed.WithLabelValues(job.Type, outcomeInterrupted).Inc()
		log.Info().Msg("job interrupted by shutdown, requeued")

	case relayerrors.IsFatal(err):
		// Leave the job running; its lease expires and another claim picks
		// it up once the store is back.
		q.setHealthy(false)
		log.Error().Err(err).Msg("job store failed during handler")

	case relayerrors.IsTerminal(err) || job.Attempts >= job.MaxAttempts:
		q.finish(ctx, job, map[string]interface{}{
			"state":            store.JobStateFailed,
			"lease_expires_at": nil,
			"completed_at":     q.now(),
			"last_error":       err.Error(),
		})
		metrics.JobsProcessed.WithLabelValues(job.Type, outcomeDead).Inc()
		log.Error().Err(err).Int("max_attempts", job.MaxAttempts).Msg("job dead-lettered")
		q.dead(ctx, job, err)

	default:
		wait := relayerrors.ExponentialBackoff(job.Attempts, q.cfg.BaseBackoff, q.cfg.MaxBackoff)
		q.finish(ctx, job, map[string]interface{}{
			"state":            store.JobStateQueued,
			"lease_expires_at": nil,
			"next_run_at":      q.now().Add(wait),
			"last_error":       err.Error(),
		})
		metrics.JobsProcessed.WithLabelValues(job.Type, outcomeRetried).Inc()
		ev := log.Warn()
		if relayerrors.IsPrecondition(err) {
			ev = log.Info()
		}
		ev.Err(err).Dur("retry_in", wait).Msg("job failed, rescheduled")
	}
}

// invoke runs the handler, turning a panic into a terminal error.
func (q *Queue) invoke(ctx context.Context, handler Handler, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = relayerrors.NewTerminalError(fmt.Sprintf("handler panic: %v", r), nil)
		}
	}()
	return handler(ctx, job)
}

// finish records the outcome, guarded by the claim so a worker that lost
// its lease cannot overwrite the new owner.
func (q *Queue) finish(ctx context.Context, job *Job, updates map[string]interface{}) {
	if ctx.Err() != nil {
		ctx = context.Background()
	}
	updates["updated_at"] = q.now()
	res := q.database.Client().WithContext(ctx).Model(&store.Job{}).
		Where("id = ? AND state = ? AND attempts = ?", job.ID, store.JobStateRunning, job.Attempts).
		Updates(updates)
	if res.Error != nil {
		q.setHealthy(false)
		q.logger.Error().Err(res.Error).Str("job_id", job.ID).Msg("failed to record job outcome")
		return
	}
	if res.RowsAffected == 0 {
		q.logger.Warn().Str("job_id", job.ID).Msg("job lease lost before outcome was recorded")
	}
}

func (q *Queue) dead(ctx context.Context, job *Job, cause error) {
	q.mu.Lock()
	hook := q.onDead[job.Type]
	q.mu.Unlock()
	if hook == nil {
		return
	}
	if ctx.Err() != nil {
		ctx = context.Background()
	}
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error().Interface("panic", r).Str("job_id", job.ID).Msg("dead-letter hook panicked")
		}
	}()
	hook(ctx, job, cause)
}

// heartbeat extends the lease of a running job until ctx is done.
func (q *Queue) heartbeat(ctx context.Context, job *Job) {
	interval := q.cfg.Lease / 3
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			err := q.database.Client().WithContext(ctx).Model(&store.Job{}).
				Where("id = ? AND state = ? AND attempts = ?", job.ID, store.JobStateRunning, job.Attempts).
				Update("lease_expires_at", q.now().Add(q.cfg.Lease)).Error
			if err != nil && ctx.Err() == nil {
				q.logger.Warn().Err(err).Str("job_id", job.ID).Msg("failed to extend job lease")
			}
		}
	}
}

func (q *Queue) setHealthy(ok bool) {
	q.healthy.Store(ok)
	metrics.QueueHealthy.Set(metrics.BoolGauge(ok))
}
