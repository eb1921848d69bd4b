package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/zfit/internal/archive"
	"github.com/aristath/zfit/internal/database"
	"github.com/aristath/zfit/internal/shm"
)

const jobTimeout = 30 * time.Minute

// ArchiveJob uploads a snapshot of the results database and rotates old ones.
type ArchiveJob struct {
	svc       *archive.Service
	retention time.Duration
	log       zerolog.Logger
}

// NewArchiveJob creates an ArchiveJob. A zero retention never deletes.
func NewArchiveJob(svc *archive.Service, retention time.Duration, log zerolog.Logger) *ArchiveJob {
	return &ArchiveJob{svc: svc, retention: retention, log: log.With().Str("job", "archive").Logger()}
}

// Name returns the job name
func (j *ArchiveJob) Name() string { return "archive" }

// Run executes the archive job
func (j *ArchiveJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	if _, err := j.svc.CreateAndUpload(ctx); err != nil {
		return err
	}
	if _, err := j.svc.Rotate(ctx, j.retention); err != nil {
		// upload succeeded
		j.log.Error().Err(err).Msg("Failed to rotate archives")
	}
	return nil
}

// WALCheckpointJob checkpoints the results database and warns when the WAL
// keeps growing.
type WALCheckpointJob struct {
	db  *database.DB
	log zerolog.Logger
}

// NewWALCheckpointJob creates a WALCheckpointJob
func NewWALCheckpointJob(db *database.DB, log zerolog.Logger) *WALCheckpointJob {
	return &WALCheckpointJob{db: db, log: log.With().Str("job", "wal_checkpoint").Logger()}
}

// Name returns the job name
func (j *WALCheckpointJob) Name() string { return "wal_checkpoint" }

// Run executes the checkpoint
func (j *WALCheckpointJob) Run() error {
	// PRAGMA wal_checkpoint returns: busy, log, checkpointed
	var busy, frames, checkpointed int
	err := j.db.Conn().QueryRow("PRAGMA wal_checkpoint(PASSIVE)").Scan(&busy, &frames, &checkpointed)
	if err != nil {
		return err
	}
	if frames > 1000 {
		j.log.Warn().
			Str("database", j.db.Name()).
			Int("wal_frames", frames).
			Int("checkpointed", checkpointed).
			Msg("WAL file is large, checkpoint may be needed")
	} else {
		j.log.Debug().Str("database", j.db.Name()).Int("wal_frames", frames).Msg("WAL checkpoint status OK")
	}
	return nil
}

// HealthCheckJob runs the database integrity check.
type HealthCheckJob struct {
	db  *database.DB
	log zerolog.Logger
}

// NewHealthCheckJob creates a HealthCheckJob
func NewHealthCheckJob(db *database.DB, log zerolog.Logger) *HealthCheckJob {
	return &HealthCheckJob{db: db, log: log.With().Str("job", "health_check").Logger()}
}

// Name returns the job name
func (j *HealthCheckJob) Name() string { return "health_check" }

// Run executes the health check
func (j *HealthCheckJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()
	start := time.Now()
	if err := j.db.HealthCheck(ctx); err != nil {
		return err
	}
	j.log.Info().Dur("duration_ms", time.Since(start)).Msg("Database health check passed")
	return nil
}

// ShmSweepJob deletes shared-memory segments left behind by crashed runs.
type ShmSweepJob struct {
	store  *shm.Store
	maxAge time.Duration
	log    zerolog.Logger
}

// NewShmSweepJob creates a ShmSweepJob removing segments older than maxAge.
func NewShmSweepJob(store *shm.Store, maxAge time.Duration, log zerolog.Logger) *ShmSweepJob {
	return &ShmSweepJob{store: store, maxAge: maxAge, log: log.With().Str("job", "shm_sweep").Logger()}
}

// Name returns the job name
func (j *ShmSweepJob) Name() string { return "shm_sweep" }

// Run executes the sweep
func (j *ShmSweepJob) Run() error {
	n, err := j.store.Sweep(time.Now().Add(-j.maxAge))
	if err != nil {
		return err
	}
	if n > 0 {
		j.log.Info().Int("removed", n).Str("dir", j.store.Dir()).Msg("Removed stale segments")
	}
	return nil
}
