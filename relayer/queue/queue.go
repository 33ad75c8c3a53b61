// Package queue is a durable at-least-once job queue on the relayer
// database. Jobs are claimed with a conditional update and a lease, retried
// with exponential backoff, and dead-lettered after their attempts run out.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/datahaven/dh-relay/relayer/config"
	"github.com/datahaven/dh-relay/relayer/db"
	relayerrors "github.com/datahaven/dh-relay/relayer/errors"
	"github.com/datahaven/dh-relay/relayer/store"
)

// ErrInterrupted is returned by a handler that stopped early because the
// queue is shutting down. The job is requeued without using an attempt.
var ErrInterrupted = errors.New("job interrupted by shutdown")

// ErrJobNotFound is returned by Get for an unknown id.
var ErrJobNotFound = errors.New("job not found")

// Config holds queue timing.
type Config struct {
	PollInterval  time.Duration
	BaseBackoff   time.Duration
	MaxBackoff    time.Duration
	MaxAttempts   int
	Lease         time.Duration
	ShutdownGrace time.Duration
}

// ConfigFrom converts the relayer configuration.
func ConfigFrom(cfg config.QueueConfig) Config {
	return Config{
		PollInterval:  time.Duration(cfg.PollIntervalMs) * time.Millisecond,
		BaseBackoff:   time.Duration(cfg.BaseBackoffSeconds) * time.Second,
		MaxBackoff:    time.Duration(cfg.MaxBackoffSeconds) * time.Second,
		MaxAttempts:   cfg.MaxAttempts,
		Lease:         time.Duration(cfg.LeaseSeconds) * time.Second,
		ShutdownGrace: time.Duration(cfg.ShutdownGraceSeconds) * time.Second,
	}
}

func (c *Config) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 2 * time.Second
	}
	if c.MaxBackoff < c.BaseBackoff {
		c.MaxBackoff = c.BaseBackoff
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 8
	}
	if c.Lease <= 0 {
		c.Lease = 5 * time.Minute
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 30 * time.Second
	}
}

// Job is a claimed unit of work as seen by a handler.
type Job struct {
	ID          string
	Type        string
	Subject     string
	Payload     []byte
	Attempts    int // including the current one
	MaxAttempts int
	LastError   string
}

// Decode unmarshals the job payload.
func (j *Job) Decode(v interface{}) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return relayerrors.NewTerminalError("decode "+j.Type+" payload", err)
	}
	return nil
}

// Handler processes one job. Returning nil completes it; ErrInterrupted
// requeues it; a terminal error or exhausted attempts dead-letter it; any
// other error reschedules it with backoff.
type Handler func(ctx context.Context, job *Job) error

// DeadHook runs after a job is dead-lettered.
type DeadHook func(ctx context.Context, job *Job, cause error)

// EnqueueOptions tune a single job.
type EnqueueOptions struct {
	MaxAttempts int           // 0 uses the queue default
	Delay       time.Duration // first run delay
	DedupKey    string        // at most one job ever exists per key
	Subject     string        // request or retrieval id, for lookups
}

// ConsumerOptions tune a job type's worker pool.
type ConsumerOptions struct {
	Concurrency int
}

type consumer struct {
	jobType     string
	handler     Handler
	concurrency int
}

// Queue is the durable job queue.
type Queue struct {
	database *db.DB
	cfg      Config
	logger   zerolog.Logger
	now      func() time.Time

	mu        sync.Mutex
	consumers map[string]*consumer
	onDead    map[string]DeadHook
	started   bool

	healthy atomic.Bool
	stopCh  chan struct{}
	stopped sync.Once
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a queue on database.
func New(database *db.DB, cfg Config, logger zerolog.Logger) *Queue {
	cfg.applyDefaults()
	q := &Queue{
		database:  database,
		cfg:       cfg,
		logger:    logger.With().Str("component", "job_queue").Logger(),
		now:       time.Now,
		consumers: make(map[string]*consumer),
		onDead:    make(map[string]DeadHook),
		stopCh:    make(chan struct{}),
	}
	q.setHealthy(true)
	return q
}

// Enqueue stores a new job. With a DedupKey that is already taken, the
// existing job's id is returned and nothing is stored.
func (q *Queue) Enqueue(ctx context.Context, jobType string, payload interface{}, opts EnqueueOptions) (string, error) {
	return q.EnqueueTx(q.database.Client().WithContext(ctx), jobType, payload, opts)
}

// EnqueueTx stores a new job on tx so it commits together with the
// caller's other writes.
func (q *Queue) EnqueueTx(tx *gorm.DB, jobType string, payload interface{}, opts EnqueueOptions) (string, error) {
	if jobType == "" {
		return "", relayerrors.NewValidationError("", "job type is required")
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", relayerrors.NewValidationError("", fmt.Sprintf("encode %s payload: %v", jobType, err))
	}

	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.cfg.MaxAttempts
	}

	job := store.Job{
		ID:          uuid.NewString(),
		Type:        jobType,
		State:       store.JobStateQueued,
		NextRunAt:   q.now().Add(opts.Delay),
		Subject:     opts.Subject,
		Payload:     raw,
		MaxAttempts: maxAttempts,
	}
	if opts.DedupKey != "" {
		key := opts.DedupKey
		job.DedupKey = &key
	}

	res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&job)
	if res.Error != nil {
		return "", relayerrors.NewDatabaseError("", "enqueue "+jobType, res.Error)
	}
	if res.RowsAffected == 0 && job.DedupKey != nil {
		var existing store.Job
		if err := tx.Where("dedup_key = ?", *job.DedupKey).First(&existing).Error; err != nil {
			return "", relayerrors.NewDatabaseError("", "lookup job by dedup key", err)
		}
		q.logger.Debug().Str("dedup_key", *job.DedupKey).Str("job_id", existing.ID).Msg("job already enqueued")
		return existing.ID, nil
	}

	q.logger.Debug().Str("job_id", job.ID).Str("type", jobType).Str("subject", opts.Subject).Msg("job enqueued")
	return job.ID, nil
}

// Get returns a job by id.
func (q *Queue) Get(ctx context.Context, id string) (*store.Job, error) {
	var job store.Job
	err := q.database.Client().WithContext(ctx).Where("id = ?", id).First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, relayerrors.NewDatabaseError("", "get job", err)
	}
	return &job, nil
}

// ListBySubject returns the jobs for a request or retrieval, oldest first.
func (q *Queue) ListBySubject(ctx context.Context, subject string) ([]store.Job, error) {
	var jobs []store.Job
	err := q.database.Client().WithContext(ctx).
		Where("subject = ?", subject).
		Order("created_at ASC").
		Find(&jobs).Error
	if err != nil {
		return nil, relayerrors.NewDatabaseError("", "list jobs", err)
	}
	return jobs, nil
}

// HasActive reports whether subject has a queued or running job of jobType.
func (q *Queue) HasActive(ctx context.Context, jobType, subject string) (bool, error) {
	var count int64
	err := q.database.Client().WithContext(ctx).Model(&store.Job{}).
		Where("type = ? AND subject = ? AND state IN ?", jobType, subject,
			[]string{store.JobStateQueued, store.JobStateRunning}).
		Count(&count).Error
	if err != nil {
		return false, relayerrors.NewDatabaseError("", "count active jobs", err)
	}
	return count > 0, nil
}

// Stats returns job counts by type and state.
func (q *Queue) Stats(ctx context.Context) (map[string]map[string]int64, error) {
	var rows []struct {
		Type  string
		State string
		Count int64
	}
	err := q.database.Client().WithContext(ctx).Model(&store.Job{}).
		Select("type, state, COUNT(*) AS count").
		Group("type, state").
		Scan(&rows).Error
	if err != nil {
		return nil, relayerrors.NewDatabaseError("", "job stats", err)
	}
	out := make(map[string]map[string]int64)
	for _, r := range rows {
		if out[r.Type] == nil {
			out[r.Type] = make(map[string]int64)
		}
		out[r.Type][r.State] = r.Count
	}
	return out, nil
}

// IsHealthy reports whether the job store was reachable on the last claim.
func (q *Queue) IsHealthy() bool {
	return q.healthy.Load()
}
