package db

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/datahaven/dh-relay/relayer/store"
)

// JobCleaner periodically prunes completed jobs from the main database and
// checkpoints the WAL of every database it knows about. Admitted events,
// requests and dead jobs are never touched.
type JobCleaner struct {
	main            *DB
	chains          *ChainDBManager
	cleanupInterval time.Duration
	retentionPeriod time.Duration
	logger          zerolog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// NewJobCleaner creates a cleaner. chains may be nil.
func NewJobCleaner(main *DB, chains *ChainDBManager, cleanupInterval, retentionPeriod time.Duration, logger zerolog.Logger) *JobCleaner {
	return &JobCleaner{
		main:            main,
		chains:          chains,
		cleanupInterval: cleanupInterval,
		retentionPeriod: retentionPeriod,
		logger:          logger.With().Str("component", "job_cleaner").Logger(),
		stopCh:          make(chan struct{}),
	}
}

// Start runs an initial cleanup and then one every cleanup interval.
func (c *JobCleaner) Start(ctx context.Context) {
	c.logger.Info().
		Str("cleanup_interval", c.cleanupInterval.String()).
		Str("retention_period", c.retentionPeriod.String()).
		Msg("starting job cleaner")

	if _, err := c.PerformCleanup(); err != nil {
		c.logger.Error().Err(err).Msg("failed to perform initial cleanup")
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				if _, err := c.PerformCleanup(); err != nil {
					c.logger.Error().Err(err).Msg("failed to perform scheduled cleanup")
				}
			}
		}
	}()
}

// Stop halts the cleanup loop.
func (c *JobCleaner) Stop() {
	c.once.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// PerformCleanup deletes completed jobs older than the retention period and
// returns how many were removed.
func (c *JobCleaner) PerformCleanup() (int64, error) {
	start := time.Now()
	cutoff := start.Add(-c.retentionPeriod)

	res := c.main.Client().
		Where("state = ? AND completed_at < ?", store.JobStateCompleted, cutoff).
		Delete(&store.Job{})
	if res.Error != nil {
		return 0, res.Error
	}

	c.checkpoint("main", c.main)
	if c.chains != nil {
		c.chains.Each(c.checkpoint)
	}

	c.logger.Debug().
		Int64("deleted_jobs", res.RowsAffected).
		Dur("duration", time.Since(start)).
		Msg("cleanup completed")
	return res.RowsAffected, nil
}

func (c *JobCleaner) checkpoint(name string, database *DB) {
	if err := database.Checkpoint(); err != nil {
		c.logger.Warn().Err(err).Str("database", name).Msg("wal checkpoint failed")
	}
}
